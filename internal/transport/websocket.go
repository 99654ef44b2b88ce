package transport

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
)

const writeTimeout = 5 * time.Second

// WebsocketDialer dials the assistant service with gorilla/websocket.
type WebsocketDialer struct {
	HandshakeTimeout time.Duration
}

func (d WebsocketDialer) Dial(ctx context.Context, url string, header http.Header) (Conn, error) {
	dialer := websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: d.HandshakeTimeout,
		ReadBufferSize:   8192,
		WriteBufferSize:  8192,
	}
	if dialer.HandshakeTimeout <= 0 {
		dialer.HandshakeTimeout = 10 * time.Second
	}

	conn, resp, err := dialer.DialContext(ctx, url, header)
	if err != nil {
		if resp != nil {
			return nil, &Error{Op: "dial", Err: fmt.Errorf("%w (status=%d)", err, resp.StatusCode)}
		}
		return nil, &Error{Op: "dial", Err: err}
	}
	return newWebsocketConn(conn), nil
}

// websocketConn adapts a gorilla connection to Conn. gorilla connections are
// unusable after a read deadline fires, so one reader goroutine owns
// ReadMessage and Receive waits on its channel instead.
type websocketConn struct {
	conn *websocket.Conn

	writeMu sync.Mutex

	frames chan Frame
	done   chan struct{}

	alive     atomic.Bool
	errMu     sync.Mutex
	readErr   error
	closeOnce sync.Once
}

func newWebsocketConn(conn *websocket.Conn) *websocketConn {
	c := &websocketConn{
		conn:   conn,
		frames: make(chan Frame, 64),
		done:   make(chan struct{}),
	}
	c.alive.Store(true)
	go c.readLoop()
	return c
}

func (c *websocketConn) readLoop() {
	defer close(c.frames)
	for {
		mt, data, err := c.conn.ReadMessage()
		if err != nil {
			c.fail(err)
			return
		}
		var kind FrameKind
		switch mt {
		case websocket.TextMessage:
			kind = FrameText
		case websocket.BinaryMessage:
			kind = FrameBinary
		default:
			continue
		}
		select {
		case c.frames <- Frame{Kind: kind, Payload: data}:
		case <-c.done:
			return
		}
	}
}

func (c *websocketConn) fail(err error) {
	c.errMu.Lock()
	if c.readErr == nil {
		c.readErr = err
	}
	c.errMu.Unlock()
	c.alive.Store(false)
}

func (c *websocketConn) failure() error {
	c.errMu.Lock()
	defer c.errMu.Unlock()
	if c.readErr == nil {
		return ErrClosed
	}
	if websocket.IsCloseError(c.readErr, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
		return fmt.Errorf("%w: %w", ErrClosed, c.readErr)
	}
	return &Error{Op: "receive", Err: c.readErr}
}

func (c *websocketConn) Receive(wait time.Duration) (Frame, error) {
	if wait <= 0 {
		wait = 100 * time.Millisecond
	}
	timer := time.NewTimer(wait)
	defer timer.Stop()

	select {
	case f, ok := <-c.frames:
		if !ok {
			return Frame{}, c.failure()
		}
		return f, nil
	case <-timer.C:
		if !c.alive.Load() {
			return Frame{}, c.failure()
		}
		return Frame{}, ErrNoData
	}
}

func (c *websocketConn) SendText(payload []byte) error {
	return c.write(websocket.TextMessage, payload)
}

func (c *websocketConn) SendBinary(payload []byte) error {
	return c.write(websocket.BinaryMessage, payload)
}

func (c *websocketConn) write(messageType int, payload []byte) error {
	if !c.alive.Load() {
		return ErrClosed
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	if err := c.conn.WriteMessage(messageType, payload); err != nil {
		c.fail(err)
		if errors.Is(err, websocket.ErrCloseSent) {
			return ErrClosed
		}
		return &Error{Op: "send", Err: err}
	}
	return nil
}

func (c *websocketConn) Alive() bool {
	return c.alive.Load()
}

func (c *websocketConn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.alive.Store(false)
		close(c.done)
		c.writeMu.Lock()
		_ = c.conn.WriteControl(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second),
		)
		c.writeMu.Unlock()
		err = c.conn.Close()
	})
	return err
}
