package journal

import (
	"context"
	"time"
)

// Kind names a session lifecycle event.
type Kind string

const (
	KindConnected          Kind = "connected"
	KindDisconnected       Kind = "disconnected"
	KindHandshake          Kind = "handshake"
	KindSynthesis          Kind = "tts"
	KindEmotion            Kind = "emotion"
	KindGoodbye            Kind = "goodbye"
	KindListen             Kind = "listen"
	KindAbort              Kind = "abort"
	KindReconnectExhausted Kind = "reconnect_exhausted"
)

// Event is one append-only journal entry. It is written for inspection and
// never read back to restore session state.
type Event struct {
	ID         string    `json:"id"`
	Kind       Kind      `json:"kind"`
	SessionID  string    `json:"session_id,omitempty"`
	Generation uint64    `json:"generation"`
	Detail     string    `json:"detail,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
}

// Store persists and lists journal events.
type Store interface {
	Append(ctx context.Context, event Event) error
	// Recent returns up to limit events in chronological order.
	Recent(ctx context.Context, limit int) ([]Event, error)
	Mode() string
	Close() error
}
