package client

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"

	"github.com/zhou19830318/xiaozhi/internal/audio"
	"github.com/zhou19830318/xiaozhi/internal/observability"
	"github.com/zhou19830318/xiaozhi/internal/session"
	"github.com/zhou19830318/xiaozhi/internal/transport"
)

// Uplink moves fixed-size capture frames onto the socket while listening.
// Only one Run may be active at a time; it owns the capture device.
type Uplink struct {
	state        *session.State
	capture      audio.Capture
	frameBytes   int
	idle         time.Duration
	errorBackoff time.Duration
	metrics      *observability.Metrics
	logger       zerolog.Logger
}

// Run pumps frames until ctx is cancelled or gen stops being the live generation.
func (u *Uplink) Run(ctx context.Context, gen uint64, conn transport.Conn) {
	logger := u.logger.With().Uint64("generation", gen).Logger()
	logger.Debug().Int("frame_bytes", u.frameBytes).Msg("uplink started")
	defer logger.Debug().Msg("uplink stopped")

	buf := make([]byte, u.frameBytes)
	for ctx.Err() == nil && u.state.Live(gen) {
		if err := u.capture.ReadFrame(buf); err != nil {
			if errors.Is(err, audio.ErrDeviceClosed) {
				return
			}
			u.metrics.DroppedFrames.WithLabelValues("uplink", "capture_error").Inc()
			logger.Warn().Err(err).Msg("capture read failed")
			if !sleepCtx(ctx, u.errorBackoff) {
				return
			}
			continue
		}

		// One snapshot after the blocking read decides both generation and
		// listen state, so a frame never crosses generations.
		snap := u.state.Snapshot()
		if !snap.Connected || snap.Generation != gen {
			return
		}
		if snap.Listen != session.ListenListening {
			u.metrics.DroppedFrames.WithLabelValues("uplink", "not_listening").Inc()
			if !sleepCtx(ctx, u.idle) {
				return
			}
			continue
		}

		if err := conn.SendBinary(buf); err != nil {
			u.metrics.DroppedFrames.WithLabelValues("uplink", "send_error").Inc()
			logger.Warn().Err(err).Msg("uplink send failed")
			if !sleepCtx(ctx, u.errorBackoff) {
				return
			}
			continue
		}
		u.metrics.AudioFrames.WithLabelValues("uplink").Inc()
	}
}

// sleepCtx waits d or until ctx is done; it reports whether ctx is still live.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
