package client

import (
	"bufio"
	"context"
	"io"
	"strings"
	"sync/atomic"

	"github.com/rs/zerolog"

	"github.com/zhou19830318/xiaozhi/internal/journal"
	"github.com/zhou19830318/xiaozhi/internal/observability"
	"github.com/zhou19830318/xiaozhi/internal/protocol"
	"github.com/zhou19830318/xiaozhi/internal/session"
)

// ButtonState is the debounced physical button position.
type ButtonState int32

const (
	ButtonReleased ButtonState = iota
	ButtonPressed
)

func (b ButtonState) String() string {
	if b == ButtonPressed {
		return "pressed"
	}
	return "released"
}

// Button turns raw edges into protocol actions. Edge is safe to call from an
// interrupt-like context: it only compares state and enqueues.
type Button struct {
	state     *session.State
	outbox    *Outbox
	reconnect func()
	clock     *turnClock
	metrics   *observability.Metrics
	journal   *journal.Recorder
	logger    zerolog.Logger

	debounced atomic.Int32
	queue     chan ButtonState
}

// Edge reports a raw level change. Repeated levels are ignored; it returns
// true when a real edge was queued.
func (b *Button) Edge(pressed bool) bool {
	next, prev := ButtonReleased, ButtonPressed
	if pressed {
		next, prev = ButtonPressed, ButtonReleased
	}
	if !b.debounced.CompareAndSwap(int32(prev), int32(next)) {
		return false
	}
	select {
	case b.queue <- next:
		return true
	default:
		b.metrics.ButtonEdges.WithLabelValues(next.String(), "dropped").Inc()
		return false
	}
}

// State returns the debounced position.
func (b *Button) State() ButtonState {
	return ButtonState(b.debounced.Load())
}

// Run executes queued edges in order until ctx is cancelled.
func (b *Button) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case edge := <-b.queue:
			if edge == ButtonPressed {
				b.press()
			} else {
				b.release()
			}
		}
	}
}

func (b *Button) press() {
	snap := b.state.Snapshot()
	switch {
	case !snap.Connected:
		b.logger.Info().Msg("button: not connected, reconnecting")
		b.reconnect()
		b.metrics.ButtonEdges.WithLabelValues("pressed", "reconnect").Inc()

	case snap.Interruptible():
		if _, err := b.outbox.Send(protocol.AbortIntent{}); err != nil {
			b.metrics.ButtonEdges.WithLabelValues("pressed", "send_failed").Inc()
			return
		}
		b.logger.Info().Str("synthesis", string(snap.Synthesis)).Msg("button: abort sent")
		b.metrics.ButtonEdges.WithLabelValues("pressed", "abort").Inc()
		b.journal.Record(journal.Event{Kind: journal.KindAbort, SessionID: snap.SessionID, Generation: snap.Generation})

	case snap.Mode == session.ModeManual:
		gen, err := b.outbox.Send(protocol.ListenIntent{
			SessionID: snap.SessionID,
			State:     protocol.ListenStart,
			Mode:      snap.Mode.ListenMode(),
		})
		if err != nil {
			b.metrics.ButtonEdges.WithLabelValues("pressed", "send_failed").Inc()
			return
		}
		if b.state.ListenIfCurrent(gen, session.ListenListening) {
			b.clock.listenStarted()
			b.logger.Info().Str("session_id", snap.SessionID).Msg("button: listening")
			b.journal.Record(journal.Event{Kind: journal.KindListen, SessionID: snap.SessionID, Generation: gen, Detail: "start manual"})
		}
		b.metrics.ButtonEdges.WithLabelValues("pressed", "listen_start").Inc()

	default:
		b.metrics.ButtonEdges.WithLabelValues("pressed", "ignored").Inc()
	}
}

func (b *Button) release() {
	snap := b.state.Snapshot()
	if snap.Mode != session.ModeManual || !snap.Connected {
		b.metrics.ButtonEdges.WithLabelValues("released", "ignored").Inc()
		return
	}
	gen, err := b.outbox.Send(protocol.ListenIntent{
		SessionID: snap.SessionID,
		State:     protocol.ListenStop,
	})
	if err != nil {
		b.metrics.ButtonEdges.WithLabelValues("released", "send_failed").Inc()
		return
	}
	if b.state.ListenIfCurrent(gen, session.ListenStopped) {
		b.clock.listenStopped()
		b.logger.Info().Str("session_id", snap.SessionID).Msg("button: stopped listening")
		b.journal.Record(journal.Event{Kind: journal.KindListen, SessionID: snap.SessionID, Generation: gen, Detail: "stop"})
	}
	b.metrics.ButtonEdges.WithLabelValues("released", "listen_stop").Inc()
}

// ReadButtonLines feeds edges from a line-oriented source such as stdin:
// "press"/"p", "release"/"r", or "toggle"/"t"/empty line. It returns when r
// is exhausted or ctx is cancelled.
func ReadButtonLines(ctx context.Context, r io.Reader, b *Button, logger zerolog.Logger) error {
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		switch strings.ToLower(strings.TrimSpace(scanner.Text())) {
		case "press", "p", "down":
			b.Edge(true)
		case "release", "r", "up":
			b.Edge(false)
		case "toggle", "t", "":
			b.Edge(b.State() == ButtonReleased)
		default:
			logger.Warn().Str("line", scanner.Text()).Msg("unknown button command (press|release|toggle)")
		}
	}
	return scanner.Err()
}
