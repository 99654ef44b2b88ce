package client

import (
	"github.com/rs/zerolog"

	"github.com/zhou19830318/xiaozhi/internal/journal"
	"github.com/zhou19830318/xiaozhi/internal/observability"
	"github.com/zhou19830318/xiaozhi/internal/protocol"
	"github.com/zhou19830318/xiaozhi/internal/session"
	"github.com/zhou19830318/xiaozhi/internal/transport"
)

// UplinkStarter starts the audio uplink for a generation at most once.
type UplinkStarter interface {
	EnsureUplink(gen uint64)
}

// Handler interprets inbound frames for one connection generation.
type Handler struct {
	gen      uint64
	conn     transport.Conn
	state    *session.State
	downlink AudioSink
	uplink   UplinkStarter
	clock    *turnClock
	metrics  *observability.Metrics
	journal  *journal.Recorder
	logger   zerolog.Logger
}

// Handle decodes frame and applies it. It never returns an error: decode and
// send failures are logged and the receive loop keeps going.
func (h *Handler) Handle(frame transport.Frame) {
	if frame.Kind == transport.FrameBinary {
		h.dispatch(protocol.DecodeBinary(frame.Payload))
		return
	}
	h.dispatch(protocol.DecodeText(frame.Payload))
}

func (h *Handler) dispatch(msg protocol.Inbound) {
	// At most one auto-listen evaluation per inbound message.
	evaluateAutoListen := false

	switch m := msg.(type) {
	case protocol.Handshake:
		h.metrics.WSMessages.WithLabelValues("inbound", string(protocol.TypeHello)).Inc()
		var format protocol.AudioFormat
		if m.AudioParams != nil {
			format = m.AudioParams.Format
		}
		if m.SessionID == "" {
			h.logger.Warn().Msg("handshake ack without session_id")
		}
		h.state.OnHandshakeAck(m.SessionID, format)
		h.logger.Info().
			Str("session_id", m.SessionID).
			Str("audio_format", string(h.state.Snapshot().AudioFormat)).
			Msg("handshake acknowledged")
		h.record(journal.KindHandshake, m.SessionID, string(format))
		h.uplink.EnsureUplink(h.gen)
		evaluateAutoListen = true

	case protocol.SynthesisStatus:
		h.metrics.WSMessages.WithLabelValues("inbound", string(protocol.TypeTTS)).Inc()
		next, _ := session.SynthesisFromTTS(m.State)
		h.state.SetSynthesis(next)
		h.metrics.SynthesisChanges.WithLabelValues(string(next)).Inc()
		switch next {
		case session.SynthesisStarting:
			h.clock.ttsStarted()
		case session.SynthesisStopped:
			h.clock.ttsStopped()
		}
		ev := h.logger.Info().Str("state", string(m.State))
		if m.State == protocol.TTSSentenceStart && m.Text != "" {
			ev = ev.Str("text", m.Text)
		}
		ev.Msg("synthesis state")
		h.record(journal.KindSynthesis, h.state.Snapshot().SessionID, string(m.State)+" "+m.Text)
		evaluateAutoListen = next == session.SynthesisStopped

	case protocol.Goodbye:
		h.metrics.WSMessages.WithLabelValues("inbound", string(protocol.TypeGoodbye)).Inc()
		sid := h.state.Snapshot().SessionID
		h.state.OnGoodbye()
		h.logger.Info().Str("session_id", sid).Msg("session ended by server")
		h.record(journal.KindGoodbye, sid, "")

	case protocol.EmotionSignal:
		h.metrics.WSMessages.WithLabelValues("inbound", string(protocol.TypeLLM)).Inc()
		h.logger.Info().Str("emotion", m.Value).Msg("emotion")
		h.record(journal.KindEmotion, h.state.Snapshot().SessionID, m.Value)

	case protocol.RawAudioFrame:
		h.clock.audioReceived()
		if !h.downlink.Enqueue(h.gen, m.Data) {
			h.logger.Debug().Int("bytes", len(m.Data)).Msg("playback busy, frame dropped")
		}

	case protocol.Unknown:
		h.metrics.ProtocolErrors.WithLabelValues(string(m.Type)).Inc()
		h.logger.Warn().Str("type", string(m.Type)).Str("reason", m.Reason()).Msg("ignoring undecodable message")
	}

	if evaluateAutoListen {
		h.autoListen()
	}
}

// autoListen re-opens the microphone after a handshake or a finished
// utterance when the session runs in automatic mode.
func (h *Handler) autoListen() {
	snap := h.state.Snapshot()
	if snap.Mode != session.ModeAutomatic || !snap.Connected || snap.Generation != h.gen {
		return
	}
	intent := protocol.ListenIntent{
		SessionID: snap.SessionID,
		State:     protocol.ListenStart,
		Mode:      snap.Mode.ListenMode(),
	}
	if err := sendMessage(h.conn, intent, h.metrics); err != nil {
		h.logger.Warn().Err(err).Msg("auto listen send failed")
		return
	}
	if h.state.ListenIfCurrent(h.gen, session.ListenListening) {
		h.clock.listenStarted()
		h.logger.Info().Str("session_id", snap.SessionID).Msg("auto mode: listening")
		h.record(journal.KindListen, snap.SessionID, "start auto")
	}
}

func (h *Handler) record(kind journal.Kind, sessionID, detail string) {
	h.journal.Record(journal.Event{
		Kind:       kind,
		SessionID:  sessionID,
		Generation: h.gen,
		Detail:     detail,
	})
}
