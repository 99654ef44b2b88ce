package protocol

import "encoding/json"

// Outbound is one client message ready to be encoded as a text frame.
type Outbound interface {
	MessageType() MessageType
	Encode() ([]byte, error)
}

// Hello opens the logical session right after the socket is established.
type Hello struct {
	Version         int         `json:"version"`
	Transport       string      `json:"transport"`
	AudioParams     AudioParams `json:"audio_params"`
	Authorization   string      `json:"authorization"`
	ProtocolVersion string      `json:"protocol_version"`
	DeviceID        string      `json:"device_id"`
	ClientID        string      `json:"client_id"`
}

// ListenIntent asks the server to start or stop consuming uplink audio.
// Mode is omitted on the wire when empty.
type ListenIntent struct {
	SessionID string      `json:"session_id"`
	State     ListenState `json:"state"`
	Mode      ListenMode  `json:"mode,omitempty"`
}

// AbortIntent interrupts in-progress synthesis.
type AbortIntent struct{}

// PingIntent is the keepalive message.
type PingIntent struct{}

func (Hello) MessageType() MessageType        { return TypeHello }
func (ListenIntent) MessageType() MessageType { return TypeListen }
func (AbortIntent) MessageType() MessageType  { return TypeAbort }
func (PingIntent) MessageType() MessageType   { return TypePing }

func (m Hello) Encode() ([]byte, error) {
	type wire struct {
		Type MessageType `json:"type"`
		Hello
	}
	return json.Marshal(wire{Type: TypeHello, Hello: m})
}

func (m ListenIntent) Encode() ([]byte, error) {
	type wire struct {
		Type MessageType `json:"type"`
		ListenIntent
	}
	return json.Marshal(wire{Type: TypeListen, ListenIntent: m})
}

func (AbortIntent) Encode() ([]byte, error) {
	return json.Marshal(Envelope{Type: TypeAbort})
}

func (PingIntent) Encode() ([]byte, error) {
	return json.Marshal(Envelope{Type: TypePing})
}

// NewHello builds the client hello with the "Bearer " prefixed token.
func NewHello(token, protocolVersion, deviceID, clientID string, params AudioParams) Hello {
	return Hello{
		Version:         1,
		Transport:       "websocket",
		AudioParams:     params,
		Authorization:   "Bearer " + token,
		ProtocolVersion: protocolVersion,
		DeviceID:        deviceID,
		ClientID:        clientID,
	}
}
