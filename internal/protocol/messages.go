package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// MessageType identifies websocket text payload variants.
type MessageType string

const (
	TypeHello   MessageType = "hello"
	TypeTTS     MessageType = "tts"
	TypeGoodbye MessageType = "goodbye"
	TypeLLM     MessageType = "llm"
	TypeListen  MessageType = "listen"
	TypeAbort   MessageType = "abort"
	TypePing    MessageType = "ping"
)

// AudioFormat is the uplink/downlink encoding label negotiated in the handshake.
type AudioFormat string

const (
	FormatPCM  AudioFormat = "pcm"
	FormatOpus AudioFormat = "opus"
)

// TTSState is the wire value of a tts message's state field.
type TTSState string

const (
	TTSStart         TTSState = "start"
	TTSSentenceStart TTSState = "sentence_start"
	TTSSentenceEnd   TTSState = "sentence_end"
	TTSStop          TTSState = "stop"
)

// ListenState is the wire value of a listen message's state field.
type ListenState string

const (
	ListenStart ListenState = "start"
	ListenStop  ListenState = "stop"
)

// ListenMode is the wire value of a listen message's mode field.
type ListenMode string

const (
	ListenModeAuto   ListenMode = "auto"
	ListenModeManual ListenMode = "manual"
)

var (
	ErrUnsupportedType = errors.New("unsupported message type")
	ErrMissingField    = errors.New("missing required field")
	ErrInvalidValue    = errors.New("invalid field value")
)

type Envelope struct {
	Type MessageType `json:"type"`
}

type AudioParams struct {
	Format        AudioFormat `json:"format"`
	SampleRate    int         `json:"sample_rate"`
	Channels      int         `json:"channels"`
	FrameDuration int         `json:"frame_duration,omitempty"`
}

// Inbound is one decoded server message. Exactly one concrete variant is
// produced per received frame.
type Inbound interface {
	inbound()
}

// Handshake acknowledges the client hello.
type Handshake struct {
	SessionID   string
	AudioParams *AudioParams
}

// SynthesisStatus reports a server-side speech synthesis transition.
type SynthesisStatus struct {
	State TTSState
	Text  string
}

// Goodbye ends the logical session; the connection stays open.
type Goodbye struct {
	SessionID string
}

// EmotionSignal carries an informational emotion label.
type EmotionSignal struct {
	Value string
}

// RawAudioFrame is an opaque downlink audio frame for the playback device.
type RawAudioFrame struct {
	Data []byte
}

// Unknown is any frame that failed to decode. Err wraps ErrUnsupportedType,
// ErrMissingField, ErrInvalidValue or a JSON syntax error.
type Unknown struct {
	Type MessageType
	Err  error
}

func (Handshake) inbound()       {}
func (SynthesisStatus) inbound() {}
func (Goodbye) inbound()         {}
func (EmotionSignal) inbound()   {}
func (RawAudioFrame) inbound()   {}
func (Unknown) inbound()         {}

// Reason renders the decode failure for logs.
func (u Unknown) Reason() string {
	if u.Err == nil {
		return "unknown"
	}
	return u.Err.Error()
}

type serverMessage struct {
	Type        MessageType  `json:"type"`
	SessionID   string       `json:"session_id"`
	AudioParams *AudioParams `json:"audio_params"`
	State       *string      `json:"state"`
	Text        string       `json:"text"`
	Emotion     *string      `json:"emotion"`
}

// DecodeBinary wraps a binary frame. The payload is passed through untouched.
func DecodeBinary(raw []byte) Inbound {
	return RawAudioFrame{Data: raw}
}

// DecodeText maps one server text frame onto exactly one Inbound variant.
func DecodeText(raw []byte) Inbound {
	var msg serverMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		return Unknown{Err: fmt.Errorf("invalid envelope: %w", err)}
	}

	switch msg.Type {
	case TypeHello:
		if msg.AudioParams != nil && msg.AudioParams.Format != "" {
			f := AudioFormat(strings.ToLower(string(msg.AudioParams.Format)))
			if f != FormatPCM && f != FormatOpus {
				return Unknown{Type: msg.Type, Err: fmt.Errorf("%w: audio_params.format=%q", ErrInvalidValue, msg.AudioParams.Format)}
			}
			msg.AudioParams.Format = f
		}
		return Handshake{SessionID: msg.SessionID, AudioParams: msg.AudioParams}
	case TypeTTS:
		if msg.State == nil {
			return Unknown{Type: msg.Type, Err: fmt.Errorf("%w: tts.state", ErrMissingField)}
		}
		// Unrecognized states are passed on; the session maps them to a
		// phase that cannot be interrupted.
		return SynthesisStatus{State: TTSState(*msg.State), Text: msg.Text}
	case TypeGoodbye:
		return Goodbye{SessionID: msg.SessionID}
	case TypeLLM:
		if msg.Emotion == nil {
			return Unknown{Type: msg.Type, Err: fmt.Errorf("%w: llm.emotion", ErrMissingField)}
		}
		return EmotionSignal{Value: *msg.Emotion}
	case "":
		return Unknown{Err: fmt.Errorf("%w: type", ErrMissingField)}
	default:
		return Unknown{Type: msg.Type, Err: fmt.Errorf("%w: %q", ErrUnsupportedType, msg.Type)}
	}
}
