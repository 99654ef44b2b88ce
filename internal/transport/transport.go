package transport

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"
)

// FrameKind distinguishes text control frames from binary audio frames.
type FrameKind int

const (
	FrameText FrameKind = iota + 1
	FrameBinary
)

func (k FrameKind) String() string {
	switch k {
	case FrameText:
		return "text"
	case FrameBinary:
		return "binary"
	default:
		return "unknown"
	}
}

type Frame struct {
	Kind    FrameKind
	Payload []byte
}

var (
	// ErrNoData is returned by Receive when no frame arrived within the wait.
	ErrNoData = errors.New("no data")
	// ErrClosed is returned once the handle has been closed or has failed.
	ErrClosed = errors.New("transport closed")
)

// Error wraps an I/O failure on the socket.
type Error struct {
	Op  string
	Err error
}

func (e *Error) Error() string {
	return fmt.Sprintf("transport %s: %v", e.Op, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Conn is one live bidirectional message channel. Sends may be called from
// several goroutines; Receive is called by exactly one reader.
type Conn interface {
	SendText(payload []byte) error
	SendBinary(payload []byte) error
	Receive(wait time.Duration) (Frame, error)
	Close() error
	Alive() bool
}

// Dialer opens a Conn. header carries the handshake credentials.
type Dialer interface {
	Dial(ctx context.Context, url string, header http.Header) (Conn, error)
}

// Handshake describes the identity headers sent when the socket opens.
type Handshake struct {
	AccessToken     string
	ProtocolVersion string
	DeviceID        string
	ClientID        string
}

// Header renders the handshake as HTTP upgrade headers.
func (h Handshake) Header() http.Header {
	header := http.Header{}
	header.Set("Authorization", "Bearer "+h.AccessToken)
	header.Set("Protocol-Version", h.ProtocolVersion)
	header.Set("Device-Id", h.DeviceID)
	header.Set("Client-Id", h.ClientID)
	return header
}
