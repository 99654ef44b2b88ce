package client

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/zhou19830318/xiaozhi/internal/journal"
	"github.com/zhou19830318/xiaozhi/internal/observability"
	"github.com/zhou19830318/xiaozhi/internal/policy"
	"github.com/zhou19830318/xiaozhi/internal/protocol"
	"github.com/zhou19830318/xiaozhi/internal/reliability"
	"github.com/zhou19830318/xiaozhi/internal/session"
	"github.com/zhou19830318/xiaozhi/internal/transport"
)

// Phase is the reconnect supervisor's lifecycle state.
type Phase string

const (
	PhaseDisconnected Phase = "disconnected"
	PhaseConnecting   Phase = "connecting"
	PhaseConnected    Phase = "connected"
)

// SupervisorConfig holds the dial and timing parameters.
type SupervisorConfig struct {
	URL             string
	Handshake       transport.Handshake
	Hello           protocol.Hello
	RetryMax        int
	RetryDelay      time.Duration
	RetryBackoffMax time.Duration
	PollInterval    time.Duration
	ReceiveWait     time.Duration
}

// Supervisor owns the transport lifecycle. It is the only component that
// dials or closes connections.
type Supervisor struct {
	cfg       SupervisorConfig
	dialer    transport.Dialer
	state     *session.State
	outbox    *Outbox
	uplink    *Uplink
	keepalive *Keepalive
	downlink  AudioSink
	clock     *turnClock
	metrics   *observability.Metrics
	journal   *journal.Recorder
	logger    zerolog.Logger

	// release unblocks the audio devices when the supervisor shuts down, so
	// workers stuck in a device call can be waited for.
	release func()

	phase      atomic.Value
	wake       chan struct{}
	everOnline atomic.Bool
}

// link is one connection generation and the workers bound to it.
type link struct {
	gen        uint64
	conn       transport.Conn
	ctx        context.Context
	cancel     context.CancelFunc
	wg         sync.WaitGroup
	received   chan struct{}
	uplinkOnce sync.Once
	uplink     *Uplink
}

func (l *link) EnsureUplink(gen uint64) {
	if gen != l.gen {
		return
	}
	l.uplinkOnce.Do(func() {
		l.wg.Add(1)
		go func() {
			defer l.wg.Done()
			l.uplink.Run(l.ctx, l.gen, l.conn)
		}()
	})
}

func (s *Supervisor) Phase() Phase {
	if p, ok := s.phase.Load().(Phase); ok {
		return p
	}
	return PhaseDisconnected
}

// EverConnected reports whether any connection was established since start.
func (s *Supervisor) EverConnected() bool {
	return s.everOnline.Load()
}

func (s *Supervisor) setPhase(p Phase) {
	if prev := s.Phase(); prev != p {
		s.phase.Store(p)
		s.logger.Debug().Str("from", string(prev)).Str("to", string(p)).Msg("supervisor phase")
	}
}

// RequestReconnect wakes an idle supervisor immediately. It never blocks and
// repeated requests coalesce.
func (s *Supervisor) RequestReconnect() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// Run drives Disconnected -> Connecting -> Connected until ctx is cancelled.
// The current connection is torn down before Run returns.
func (s *Supervisor) Run(ctx context.Context) {
	s.setPhase(PhaseDisconnected)
	for ctx.Err() == nil {
		s.setPhase(PhaseConnecting)
		// A pending wake is satisfied by this phase.
		select {
		case <-s.wake:
		default:
		}

		if l := s.connect(ctx); l != nil {
			s.setPhase(PhaseConnected)
			s.serve(ctx, l)
		}
		s.setPhase(PhaseDisconnected)

		select {
		case <-ctx.Done():
			return
		case <-s.wake:
			s.logger.Info().Msg("reconnect requested")
		case <-time.After(s.cfg.PollInterval):
		}
	}
}

func (s *Supervisor) connect(ctx context.Context) *link {
	for attempt := 1; attempt <= s.cfg.RetryMax; attempt++ {
		if attempt > 1 {
			delay := reliability.RetryDelay(attempt-1, s.cfg.RetryDelay, s.cfg.RetryBackoffMax)
			s.logger.Info().Dur("delay", delay).Msg("retrying connection")
			if !sleepCtx(ctx, delay) {
				return nil
			}
		}

		s.logger.Info().
			Int("attempt", attempt).
			Int("max", s.cfg.RetryMax).
			Str("url", policy.RedactURL(s.cfg.URL)).
			Msg("connecting")
		l, err := s.dial(ctx)
		if err == nil {
			s.metrics.ReconnectPhases.WithLabelValues("connected").Inc()
			return l
		}
		if ctx.Err() != nil {
			return nil
		}
		s.metrics.DialAttempts.WithLabelValues("error").Inc()
		s.logger.Error().Err(err).Int("attempt", attempt).Int("max", s.cfg.RetryMax).Msg("connection attempt failed")
	}

	s.metrics.ReconnectPhases.WithLabelValues("exhausted").Inc()
	s.journal.Record(journal.Event{
		Kind:       journal.KindReconnectExhausted,
		Generation: s.state.Generation(),
		Detail:     fmt.Sprintf("%d attempts", s.cfg.RetryMax),
	})
	s.logger.Error().Int("attempts", s.cfg.RetryMax).Msg("failed to connect, waiting for next poll")
	return nil
}

func (s *Supervisor) dial(ctx context.Context) (*link, error) {
	start := time.Now()
	conn, err := s.dialer.Dial(ctx, s.cfg.URL, s.cfg.Handshake.Header())
	if err != nil {
		return nil, err
	}
	if err := sendMessage(conn, s.cfg.Hello, s.metrics); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("send hello: %w", err)
	}
	s.metrics.DialAttempts.WithLabelValues("ok").Inc()
	s.metrics.ObserveDial(time.Since(start))

	gen := s.state.OnConnected()
	s.everOnline.Store(true)
	s.clock.reset()

	lctx, cancel := context.WithCancel(ctx)
	l := &link{
		gen:      gen,
		conn:     conn,
		ctx:      lctx,
		cancel:   cancel,
		received: make(chan struct{}),
		uplink:   s.uplink,
	}
	s.outbox.attach(gen, conn)

	logger := s.logger.With().Uint64("generation", gen).Logger()
	h := &Handler{
		gen:      gen,
		conn:     conn,
		state:    s.state,
		downlink: s.downlink,
		uplink:   l,
		clock:    s.clock,
		metrics:  s.metrics,
		journal:  s.journal,
		logger:   logger,
	}

	l.wg.Add(2)
	go func() {
		defer l.wg.Done()
		defer close(l.received)
		s.receive(l, h, logger)
	}()
	go func() {
		defer l.wg.Done()
		s.keepalive.Run(l.ctx, gen, conn)
	}()

	logger.Info().Msg("connected, hello sent")
	s.journal.Record(journal.Event{Kind: journal.KindConnected, Generation: gen, Detail: policy.RedactURL(s.cfg.URL)})
	return l, nil
}

func (s *Supervisor) receive(l *link, h *Handler, logger zerolog.Logger) {
	logger.Debug().Msg("receiver started")
	for l.ctx.Err() == nil {
		frame, err := l.conn.Receive(s.cfg.ReceiveWait)
		if errors.Is(err, transport.ErrNoData) {
			continue
		}
		if err != nil {
			if l.ctx.Err() != nil {
				return
			}
			if reliability.IsExpectedClose(err) || errors.Is(err, transport.ErrClosed) {
				logger.Info().Err(err).Msg("connection closed by server")
			} else {
				logger.Error().Err(err).Msg("receive failed")
			}
			return
		}
		h.Handle(frame)
	}
}

// serve blocks until the connection ends, then tears the generation down:
// cancel workers, close the transport, reset session state, wait for workers.
func (s *Supervisor) serve(ctx context.Context, l *link) {
	select {
	case <-l.received:
	case <-ctx.Done():
	}

	l.cancel()
	s.outbox.detach(l.gen)
	if err := l.conn.Close(); err != nil {
		s.logger.Debug().Err(err).Msg("transport close")
	}
	s.state.OnConnectionClosed()
	if ctx.Err() != nil && s.release != nil {
		s.release()
	}
	l.wg.Wait()

	s.logger.Info().Uint64("generation", l.gen).Msg("disconnected")
	s.journal.Record(journal.Event{Kind: journal.KindDisconnected, Generation: l.gen})
}
