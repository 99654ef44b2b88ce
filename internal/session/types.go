package session

import "github.com/zhou19830318/xiaozhi/internal/protocol"

// ListenState is the client's belief about whether the server is consuming uplink audio.
type ListenState string

const (
	ListenStopped   ListenState = "stopped"
	ListenListening ListenState = "listening"
)

// SynthesisState mirrors the server-reported speech synthesis phase.
type SynthesisState string

const (
	SynthesisIdle             SynthesisState = "idle"
	SynthesisStarting         SynthesisState = "starting"
	SynthesisSpeaking         SynthesisState = "speaking"
	SynthesisSentenceBoundary SynthesisState = "sentence_boundary"
	SynthesisStopped          SynthesisState = "stopped"
)

// Mode is fixed at construction.
type Mode string

const (
	ModeManual    Mode = "manual"
	ModeAutomatic Mode = "auto"
)

// Snapshot is a consistent copy of the session record.
type Snapshot struct {
	Connected   bool                 `json:"connected"`
	Listen      ListenState          `json:"listen"`
	Synthesis   SynthesisState       `json:"synthesis"`
	Mode        Mode                 `json:"mode"`
	SessionID   string               `json:"session_id"`
	AudioFormat protocol.AudioFormat `json:"audio_format"`
	Generation  uint64               `json:"generation"`
}

// Interruptible reports whether a button press should abort synthesis.
func (s Snapshot) Interruptible() bool {
	return s.Synthesis == SynthesisStarting || s.Synthesis == SynthesisSpeaking
}

// SynthesisFromTTS maps a decoded tts state onto the local synthesis phase.
// Unrecognized states map to SynthesisIdle and report false.
func SynthesisFromTTS(state protocol.TTSState) (SynthesisState, bool) {
	switch state {
	case protocol.TTSStart:
		return SynthesisStarting, true
	case protocol.TTSSentenceStart:
		return SynthesisSpeaking, true
	case protocol.TTSSentenceEnd:
		return SynthesisSentenceBoundary, true
	case protocol.TTSStop:
		return SynthesisStopped, true
	default:
		return SynthesisIdle, false
	}
}

// ListenMode is the wire mode carried by listen intents for this session mode.
func (m Mode) ListenMode() protocol.ListenMode {
	if m == ModeManual {
		return protocol.ListenModeManual
	}
	return protocol.ListenModeAuto
}
