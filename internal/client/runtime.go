package client

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/zhou19830318/xiaozhi/internal/audio"
	"github.com/zhou19830318/xiaozhi/internal/config"
	"github.com/zhou19830318/xiaozhi/internal/journal"
	"github.com/zhou19830318/xiaozhi/internal/logging"
	"github.com/zhou19830318/xiaozhi/internal/observability"
	"github.com/zhou19830318/xiaozhi/internal/policy"
	"github.com/zhou19830318/xiaozhi/internal/protocol"
	"github.com/zhou19830318/xiaozhi/internal/session"
	"github.com/zhou19830318/xiaozhi/internal/transport"
)

// Deps are the external collaborators of the runtime.
type Deps struct {
	Dialer   transport.Dialer
	Capture  audio.Capture
	Playback audio.Playback
	Metrics  *observability.Metrics
	Journal  *journal.Recorder
	Logger   zerolog.Logger
}

// Runtime wires session state, supervisor, uplink, keepalive and button.
type Runtime struct {
	cfg        config.Config
	state      *session.State
	supervisor *Supervisor
	button     *Button
	downlink   *Downlink
	capture    audio.Capture
	playback   audio.Playback
	metrics    *observability.Metrics
	logger     zerolog.Logger
	closeOnce  sync.Once
}

// Status is the JSON view served by the local API.
type Status struct {
	Phase      Phase            `json:"phase"`
	Session    session.Snapshot `json:"session"`
	Button     string           `json:"button"`
	DeviceID   string           `json:"device_id"`
	ClientID   string           `json:"client_id"`
	URL        string           `json:"url"`
	ObservedAt time.Time        `json:"observed_at"`
}

func New(cfg config.Config, deps Deps) (*Runtime, error) {
	if deps.Dialer == nil {
		return nil, errors.New("dialer is required")
	}
	if deps.Capture == nil || deps.Playback == nil {
		return nil, errors.New("capture and playback devices are required")
	}
	if deps.Metrics == nil {
		return nil, errors.New("metrics are required")
	}

	mode := session.ModeAutomatic
	if cfg.Mode == config.ModeManual {
		mode = session.ModeManual
	}
	state := session.NewState(mode, protocol.AudioFormat(cfg.AudioFormat))
	state.SetChangeHook(func(snap session.Snapshot) {
		deps.Metrics.SetConnected(snap.Connected)
		deps.Metrics.SetListening(snap.Listen == session.ListenListening)
		deps.Metrics.Generation.Set(float64(snap.Generation))
	})

	clock := newTurnClock(deps.Metrics)
	outbox := NewOutbox(deps.Metrics, logging.Component(deps.Logger, "outbox"))

	uplink := &Uplink{
		state:        state,
		capture:      deps.Capture,
		frameBytes:   cfg.FrameBytes(),
		idle:         cfg.IdleDrainInterval,
		errorBackoff: cfg.DeviceErrorBackoff,
		metrics:      deps.Metrics,
		logger:       logging.Component(deps.Logger, "uplink"),
	}
	downlink := NewDownlink(state, deps.Playback, cfg.PlaybackQueueFrames, deps.Metrics, logging.Component(deps.Logger, "downlink"))
	keepalive := &Keepalive{
		state:    state,
		interval: cfg.PingInterval,
		metrics:  deps.Metrics,
		logger:   logging.Component(deps.Logger, "keepalive"),
	}

	hello := protocol.NewHello(cfg.AccessToken, cfg.ProtocolVersion, cfg.DeviceID, cfg.ClientID, protocol.AudioParams{
		Format:        protocol.AudioFormat(cfg.AudioFormat),
		SampleRate:    cfg.SampleRate,
		Channels:      cfg.Channels,
		FrameDuration: cfg.FrameDuration(),
	})
	sup := &Supervisor{
		cfg: SupervisorConfig{
			URL: cfg.WSURL,
			Handshake: transport.Handshake{
				AccessToken:     cfg.AccessToken,
				ProtocolVersion: cfg.ProtocolVersion,
				DeviceID:        cfg.DeviceID,
				ClientID:        cfg.ClientID,
			},
			Hello:           hello,
			RetryMax:        cfg.RetryMax,
			RetryDelay:      cfg.RetryDelay,
			RetryBackoffMax: cfg.RetryBackoffMax,
			PollInterval:    cfg.PollInterval,
			ReceiveWait:     cfg.ReceiveWait,
		},
		dialer:    deps.Dialer,
		state:     state,
		outbox:    outbox,
		uplink:    uplink,
		keepalive: keepalive,
		downlink:  downlink,
		clock:     clock,
		metrics:   deps.Metrics,
		journal:   deps.Journal,
		logger:    logging.Component(deps.Logger, "supervisor"),
		wake:      make(chan struct{}, 1),
	}

	queueCap := cfg.ButtonQueueCapacity
	if queueCap <= 0 {
		queueCap = 8
	}
	button := &Button{
		state:     state,
		outbox:    outbox,
		reconnect: sup.RequestReconnect,
		clock:     clock,
		metrics:   deps.Metrics,
		journal:   deps.Journal,
		logger:    logging.Component(deps.Logger, "button"),
		queue:     make(chan ButtonState, queueCap),
	}

	rt := &Runtime{
		cfg:        cfg,
		state:      state,
		supervisor: sup,
		button:     button,
		downlink:   downlink,
		capture:    deps.Capture,
		playback:   deps.Playback,
		metrics:    deps.Metrics,
		logger:     logging.Component(deps.Logger, "runtime"),
	}
	sup.release = rt.closeDevices
	return rt, nil
}

// Run blocks until ctx is cancelled. The transport and both audio devices are
// closed on every exit path; the devices are closed before the playback
// worker is waited for, so a stalled sink cannot hold up shutdown.
func (r *Runtime) Run(ctx context.Context) error {
	defer r.closeDevices()

	r.logger.Info().
		Str("url", policy.RedactURL(r.cfg.WSURL)).
		Str("mode", string(r.state.Mode())).
		Str("device_id", r.cfg.DeviceID).
		Str("client_id", r.cfg.ClientID).
		Msg("runtime starting")

	buttonDone := make(chan struct{})
	go func() {
		defer close(buttonDone)
		r.button.Run(ctx)
	}()

	downlinkDone := make(chan struct{})
	go func() {
		defer close(downlinkDone)
		r.downlink.Run(ctx)
	}()

	r.supervisor.Run(ctx)
	r.closeDevices()
	<-buttonDone
	<-downlinkDone
	r.logger.Info().Msg("runtime stopped")
	return nil
}

func (r *Runtime) closeDevices() {
	r.closeOnce.Do(func() {
		if err := r.capture.Close(); err != nil {
			r.logger.Warn().Err(err).Msg("capture close failed")
		}
		if err := r.playback.Close(); err != nil {
			r.logger.Warn().Err(err).Msg("playback close failed")
		}
	})
}

// Edge forwards a raw button level change.
func (r *Runtime) Edge(pressed bool) bool {
	return r.button.Edge(pressed)
}

// Button exposes the edge handler for line-oriented sources.
func (r *Runtime) Button() *Button {
	return r.button
}

func (r *Runtime) RequestReconnect() {
	r.supervisor.RequestReconnect()
}

// Ready reports whether the runtime has connected at least once.
func (r *Runtime) Ready() bool {
	return r.supervisor.EverConnected()
}

func (r *Runtime) Status() Status {
	return Status{
		Phase:      r.supervisor.Phase(),
		Session:    r.state.Snapshot(),
		Button:     r.button.State().String(),
		DeviceID:   r.cfg.DeviceID,
		ClientID:   r.cfg.ClientID,
		URL:        policy.RedactURL(r.cfg.WSURL),
		ObservedAt: time.Now().UTC(),
	}
}
