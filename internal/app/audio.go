package app

import (
	"fmt"
	"time"

	"github.com/zhou19830318/xiaozhi/internal/audio"
	"github.com/zhou19830318/xiaozhi/internal/config"
)

type audioSetup struct {
	capture  audio.Capture
	playback audio.Playback
	backend  string
	detail   string
}

func resolveAudioDevices(cfg config.Config) (audioSetup, error) {
	switch cfg.AudioBackend {
	case config.BackendNull:
		frameDuration := time.Duration(cfg.FrameDuration()) * time.Millisecond
		return audioSetup{
			capture:  audio.NewSilentCapture(frameDuration),
			playback: audio.NewDiscardPlayback(),
			backend:  config.BackendNull,
			detail:   "silent capture, discarded playback",
		}, nil

	case config.BackendFFmpeg, "":
		capture, err := audio.NewFFmpegCapture(audio.CaptureConfig{
			Command:     cfg.CaptureCommand,
			InputFormat: cfg.CaptureInputFormat,
			InputDevice: cfg.CaptureInputDevice,
			SampleRate:  cfg.SampleRate,
			Channels:    cfg.Channels,
		})
		if err != nil {
			return audioSetup{}, fmt.Errorf("capture init failed: %w", err)
		}
		playback, err := audio.NewFFplayPlayback(audio.PlaybackConfig{
			Command:    cfg.PlaybackCommand,
			SampleRate: cfg.SampleRate,
			Channels:   cfg.Channels,
		})
		if err != nil {
			_ = capture.Close()
			return audioSetup{}, fmt.Errorf("playback init failed: %w", err)
		}
		return audioSetup{
			capture:  capture,
			playback: playback,
			backend:  config.BackendFFmpeg,
			detail:   fmt.Sprintf("ffmpeg %s:%s @ %dHz", cfg.CaptureInputFormat, cfg.CaptureInputDevice, cfg.SampleRate),
		}, nil

	default:
		return audioSetup{}, fmt.Errorf("invalid AUDIO_BACKEND: %q (expected ffmpeg|null)", cfg.AudioBackend)
	}
}
