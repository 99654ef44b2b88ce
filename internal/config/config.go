package config

import (
	"errors"
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/joho/godotenv"
)

const (
	ModeAuto   = "auto"
	ModeManual = "manual"

	FormatPCM  = "pcm"
	FormatOpus = "opus"

	BackendFFmpeg = "ffmpeg"
	BackendNull   = "null"
)

// Config contains all runtime settings for the endpoint client.
type Config struct {
	WSURL           string
	AccessToken     string
	DeviceID        string
	ClientID        string
	ProtocolVersion string
	Mode            string

	AudioFormat         string
	SampleRate          int
	Channels            int
	FrameSamples        int
	AudioBackend        string
	CaptureCommand      string
	PlaybackCommand     string
	CaptureInputFormat  string
	CaptureInputDevice  string
	IdleDrainInterval   time.Duration
	DeviceErrorBackoff  time.Duration
	ButtonFromStdin     bool
	ButtonQueueCapacity int
	PlaybackQueueFrames int

	RetryMax         int
	RetryDelay       time.Duration
	RetryBackoffMax  time.Duration
	PollInterval     time.Duration
	PingInterval     time.Duration
	ReceiveWait      time.Duration
	HandshakeTimeout time.Duration

	BindAddr         string
	MetricsNamespace string
	ShutdownTimeout  time.Duration

	LogLevel  string
	LogFormat string

	DatabaseURL   string
	RedisURL      string
	RedisPassword string
	JournalBuffer int
}

// Load reads an optional .env file and environment variables, then applies defaults.
func Load() (Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return Config{}, fmt.Errorf(".env parse error: %w", err)
	}

	cfg := Config{
		WSURL:               envOrDefault("XIAOZHI_WS_URL", "ws://127.0.0.1:8000/xiaozhi/v1/"),
		AccessToken:         envOrDefault("XIAOZHI_ACCESS_TOKEN", "test-token"),
		DeviceID:            stringsTrimSpace("XIAOZHI_DEVICE_ID"),
		ClientID:            stringsTrimSpace("XIAOZHI_CLIENT_ID"),
		ProtocolVersion:     envOrDefault("XIAOZHI_PROTOCOL_VERSION", "1"),
		Mode:                strings.ToLower(envOrDefault("XIAOZHI_MODE", ModeAuto)),
		AudioFormat:         strings.ToLower(envOrDefault("AUDIO_FORMAT", FormatPCM)),
		SampleRate:          16000,
		Channels:            1,
		FrameSamples:        960,
		AudioBackend:        strings.ToLower(envOrDefault("AUDIO_BACKEND", BackendFFmpeg)),
		CaptureCommand:      envOrDefault("AUDIO_CAPTURE_COMMAND", "ffmpeg"),
		PlaybackCommand:     envOrDefault("AUDIO_PLAYBACK_COMMAND", "ffplay"),
		CaptureInputFormat:  envOrDefault("AUDIO_INPUT_FORMAT", "pulse"),
		CaptureInputDevice:  envOrDefault("AUDIO_INPUT_DEVICE", "default"),
		IdleDrainInterval:   20 * time.Millisecond,
		DeviceErrorBackoff:  100 * time.Millisecond,
		ButtonQueueCapacity: 8,
		PlaybackQueueFrames: 32,
		RetryMax:            3,
		RetryDelay:          3 * time.Second,
		PollInterval:        time.Second,
		PingInterval:        30 * time.Second,
		ReceiveWait:         100 * time.Millisecond,
		HandshakeTimeout:    10 * time.Second,
		BindAddr:            envOrDefault("APP_BIND_ADDR", "127.0.0.1:8090"),
		MetricsNamespace:    envOrDefault("APP_METRICS_NAMESPACE", "xiaozhi"),
		ShutdownTimeout:     5 * time.Second,
		LogLevel:            envOrDefault("LOG_LEVEL", "info"),
		LogFormat:           envOrDefault("LOG_FORMAT", "console"),
		DatabaseURL:         stringsTrimSpace("DATABASE_URL"),
		RedisURL:            stringsTrimSpace("REDIS_URL"),
		RedisPassword:       stringsTrimSpace("REDIS_PASSWORD"),
		JournalBuffer:       256,
	}
	// APP_BIND_ADDR=- disables the local API.
	if v, ok := os.LookupEnv("APP_BIND_ADDR"); ok && strings.TrimSpace(v) == "-" {
		cfg.BindAddr = ""
	}

	var err error
	if cfg.SampleRate, err = intFromEnv("AUDIO_SAMPLE_RATE", cfg.SampleRate); err != nil {
		return Config{}, err
	}
	if cfg.Channels, err = intFromEnv("AUDIO_CHANNELS", cfg.Channels); err != nil {
		return Config{}, err
	}
	if cfg.FrameSamples, err = intFromEnv("AUDIO_FRAME_SAMPLES", cfg.FrameSamples); err != nil {
		return Config{}, err
	}
	if cfg.IdleDrainInterval, err = durationFromEnv("AUDIO_IDLE_DRAIN_INTERVAL", cfg.IdleDrainInterval); err != nil {
		return Config{}, err
	}
	if cfg.PlaybackQueueFrames, err = intFromEnv("AUDIO_PLAYBACK_QUEUE", cfg.PlaybackQueueFrames); err != nil {
		return Config{}, err
	}
	if cfg.ButtonFromStdin, err = boolFromEnv("BUTTON_STDIN", cfg.ButtonFromStdin); err != nil {
		return Config{}, err
	}
	if cfg.RetryMax, err = intFromEnv("WS_RETRY_MAX", cfg.RetryMax); err != nil {
		return Config{}, err
	}
	if cfg.RetryDelay, err = durationFromEnv("WS_RETRY_DELAY", cfg.RetryDelay); err != nil {
		return Config{}, err
	}
	if cfg.RetryBackoffMax, err = durationFromEnv("WS_RETRY_BACKOFF_MAX", cfg.RetryBackoffMax); err != nil {
		return Config{}, err
	}
	if cfg.PollInterval, err = durationFromEnv("WS_POLL_INTERVAL", cfg.PollInterval); err != nil {
		return Config{}, err
	}
	if cfg.PingInterval, err = durationFromEnv("WS_PING_INTERVAL", cfg.PingInterval); err != nil {
		return Config{}, err
	}
	if cfg.ReceiveWait, err = durationFromEnv("WS_RECEIVE_WAIT", cfg.ReceiveWait); err != nil {
		return Config{}, err
	}
	if cfg.HandshakeTimeout, err = durationFromEnv("WS_HANDSHAKE_TIMEOUT", cfg.HandshakeTimeout); err != nil {
		return Config{}, err
	}
	if cfg.ShutdownTimeout, err = durationFromEnv("APP_SHUTDOWN_TIMEOUT", cfg.ShutdownTimeout); err != nil {
		return Config{}, err
	}
	if cfg.JournalBuffer, err = intFromEnv("JOURNAL_BUFFER", cfg.JournalBuffer); err != nil {
		return Config{}, err
	}

	if cfg.ClientID == "" {
		cfg.ClientID = uuid.NewString()
	}
	if cfg.DeviceID == "" {
		cfg.DeviceID = hardwareDeviceID()
	}

	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) validate() error {
	if strings.TrimSpace(c.WSURL) == "" {
		return fmt.Errorf("XIAOZHI_WS_URL must be set")
	}
	if c.Mode != ModeAuto && c.Mode != ModeManual {
		return fmt.Errorf("invalid XIAOZHI_MODE: %q (expected auto|manual)", c.Mode)
	}
	if c.AudioFormat != FormatPCM && c.AudioFormat != FormatOpus {
		return fmt.Errorf("invalid AUDIO_FORMAT: %q (expected pcm|opus)", c.AudioFormat)
	}
	if c.AudioBackend != BackendFFmpeg && c.AudioBackend != BackendNull {
		return fmt.Errorf("invalid AUDIO_BACKEND: %q (expected ffmpeg|null)", c.AudioBackend)
	}
	if c.SampleRate <= 0 {
		return fmt.Errorf("AUDIO_SAMPLE_RATE must be positive")
	}
	if c.Channels <= 0 {
		return fmt.Errorf("AUDIO_CHANNELS must be positive")
	}
	if c.FrameSamples <= 0 {
		return fmt.Errorf("AUDIO_FRAME_SAMPLES must be positive")
	}
	if c.PlaybackQueueFrames <= 0 {
		return fmt.Errorf("AUDIO_PLAYBACK_QUEUE must be positive")
	}
	if c.RetryMax <= 0 {
		return fmt.Errorf("WS_RETRY_MAX must be positive")
	}
	if c.RetryDelay < 0 {
		return fmt.Errorf("WS_RETRY_DELAY must be >= 0")
	}
	if c.PollInterval < 10*time.Millisecond {
		return fmt.Errorf("WS_POLL_INTERVAL must be at least 10ms")
	}
	if c.PingInterval <= 0 {
		return fmt.Errorf("WS_PING_INTERVAL must be positive")
	}
	if c.ReceiveWait <= 0 {
		return fmt.Errorf("WS_RECEIVE_WAIT must be positive")
	}
	if c.JournalBuffer <= 0 {
		return fmt.Errorf("JOURNAL_BUFFER must be positive")
	}
	return nil
}

// FrameBytes is the size of one uplink PCM16 frame.
func (c Config) FrameBytes() int {
	return c.FrameSamples * c.Channels * 2
}

// FrameDuration is the duration of one uplink frame in milliseconds.
func (c Config) FrameDuration() int {
	if c.SampleRate <= 0 {
		return 0
	}
	return c.FrameSamples * 1000 / c.SampleRate
}

// hardwareDeviceID returns the MAC of the first non-loopback interface.
func hardwareDeviceID() string {
	ifaces, err := net.Interfaces()
	if err == nil {
		for _, iface := range ifaces {
			if iface.Flags&net.FlagLoopback != 0 || len(iface.HardwareAddr) == 0 {
				continue
			}
			return iface.HardwareAddr.String()
		}
	}
	return "00:00:00:00:00:00"
}

func envOrDefault(key, fallback string) string {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	return v
}

func stringsTrimSpace(key string) string {
	return strings.TrimSpace(os.Getenv(key))
}

func durationFromEnv(key string, fallback time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return d, nil
}

func intFromEnv(key string, fallback int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return i, nil
}

func boolFromEnv(key string, fallback bool) (bool, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return false, fmt.Errorf("%s parse error: %w", key, err)
	}
	return b, nil
}
