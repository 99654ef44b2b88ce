package client

import (
	"errors"
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	"github.com/zhou19830318/xiaozhi/internal/observability"
	"github.com/zhou19830318/xiaozhi/internal/protocol"
	"github.com/zhou19830318/xiaozhi/internal/transport"
)

// ErrNotConnected is returned when no connection is attached to the outbox.
var ErrNotConnected = errors.New("not connected")

// sendMessage encodes msg and writes it as one text frame on conn.
func sendMessage(conn transport.Conn, msg protocol.Outbound, metrics *observability.Metrics) error {
	raw, err := msg.Encode()
	if err != nil {
		return fmt.Errorf("encode %s: %w", msg.MessageType(), err)
	}
	if err := conn.SendText(raw); err != nil {
		return err
	}
	metrics.WSMessages.WithLabelValues("outbound", string(msg.MessageType())).Inc()
	return nil
}

// Outbox routes messages from components that are not bound to a connection
// (the button worker) to whichever connection is currently attached.
type Outbox struct {
	mu      sync.RWMutex
	conn    transport.Conn
	gen     uint64
	metrics *observability.Metrics
	logger  zerolog.Logger
}

func NewOutbox(metrics *observability.Metrics, logger zerolog.Logger) *Outbox {
	return &Outbox{metrics: metrics, logger: logger}
}

func (o *Outbox) attach(gen uint64, conn transport.Conn) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.conn = conn
	o.gen = gen
}

func (o *Outbox) detach(gen uint64) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.gen == gen {
		o.conn = nil
	}
}

// Send writes msg on the attached connection and reports its generation.
func (o *Outbox) Send(msg protocol.Outbound) (uint64, error) {
	o.mu.RLock()
	conn, gen := o.conn, o.gen
	o.mu.RUnlock()
	if conn == nil {
		return 0, ErrNotConnected
	}
	if err := sendMessage(conn, msg, o.metrics); err != nil {
		o.logger.Warn().Err(err).Str("type", string(msg.MessageType())).Uint64("generation", gen).Msg("send failed")
		return gen, err
	}
	return gen, nil
}
