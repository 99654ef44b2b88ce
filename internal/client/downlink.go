package client

import (
	"context"
	"errors"

	"github.com/rs/zerolog"

	"github.com/zhou19830318/xiaozhi/internal/audio"
	"github.com/zhou19830318/xiaozhi/internal/observability"
	"github.com/zhou19830318/xiaozhi/internal/session"
)

// AudioSink accepts downlink frames without blocking the caller.
type AudioSink interface {
	Enqueue(gen uint64, frame []byte) bool
}

type downlinkFrame struct {
	gen  uint64
	data []byte
}

// Downlink owns the playback device. Frames are queued by the receive loop
// and written by Run, so a stalled sink never holds up protocol processing.
type Downlink struct {
	state    *session.State
	playback audio.Playback
	metrics  *observability.Metrics
	logger   zerolog.Logger
	queue    chan downlinkFrame
}

func NewDownlink(state *session.State, playback audio.Playback, capacity int, metrics *observability.Metrics, logger zerolog.Logger) *Downlink {
	if capacity <= 0 {
		capacity = 32
	}
	return &Downlink{
		state:    state,
		playback: playback,
		metrics:  metrics,
		logger:   logger,
		queue:    make(chan downlinkFrame, capacity),
	}
}

// Enqueue hands frame to the playback worker. A full queue drops the frame
// and reports false.
func (d *Downlink) Enqueue(gen uint64, frame []byte) bool {
	select {
	case d.queue <- downlinkFrame{gen: gen, data: frame}:
		return true
	default:
		d.metrics.DroppedFrames.WithLabelValues("downlink", "busy").Inc()
		return false
	}
}

// Run writes queued frames until ctx is cancelled or the device is closed.
// Frames from a generation that already ended are discarded.
func (d *Downlink) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case f := <-d.queue:
			if !d.state.Live(f.gen) {
				d.metrics.DroppedFrames.WithLabelValues("downlink", "stale").Inc()
				continue
			}
			if err := d.playback.Write(f.data); err != nil {
				if errors.Is(err, audio.ErrDeviceClosed) {
					return
				}
				d.metrics.DroppedFrames.WithLabelValues("downlink", "playback_error").Inc()
				d.logger.Warn().Err(err).Int("bytes", len(f.data)).Msg("playback write failed")
				continue
			}
			d.metrics.AudioFrames.WithLabelValues("downlink").Inc()
		}
	}
}
