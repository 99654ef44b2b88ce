package client

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/zhou19830318/xiaozhi/internal/observability"
	"github.com/zhou19830318/xiaozhi/internal/protocol"
	"github.com/zhou19830318/xiaozhi/internal/session"
	"github.com/zhou19830318/xiaozhi/internal/transport"
)

// Keepalive sends a ping every interval, measured from the last successful
// ping, and checks whether it should keep running every tick.
type Keepalive struct {
	state    *session.State
	interval time.Duration
	tick     time.Duration
	metrics  *observability.Metrics
	logger   zerolog.Logger
}

func (k *Keepalive) Run(ctx context.Context, gen uint64, conn transport.Conn) {
	if k.interval <= 0 {
		return
	}
	tick := k.tick
	if tick <= 0 || tick > k.interval {
		tick = min(time.Second, k.interval)
	}
	ticker := time.NewTicker(tick)
	defer ticker.Stop()

	last := time.Now()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			if !k.state.Live(gen) {
				return
			}
			if now.Sub(last) < k.interval {
				continue
			}
			if err := sendMessage(conn, protocol.PingIntent{}, k.metrics); err != nil {
				// Connection liveness is the receive loop's call.
				k.logger.Warn().Err(err).Uint64("generation", gen).Msg("ping failed, keepalive stopped")
				return
			}
			k.logger.Debug().Uint64("generation", gen).Msg("ping sent")
			last = now
		}
	}
}
