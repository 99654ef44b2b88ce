package client

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	"github.com/zhou19830318/xiaozhi/internal/audio"
	"github.com/zhou19830318/xiaozhi/internal/observability"
	"github.com/zhou19830318/xiaozhi/internal/transport"
)

var errInjected = errors.New("injected failure")

type fakeConn struct {
	inbound chan transport.Frame
	closed  chan struct{}
	once    sync.Once

	failText   atomic.Bool
	failBinary atomic.Bool

	mu     sync.Mutex
	texts  [][]byte
	binary [][]byte
}

func newFakeConn() *fakeConn {
	return &fakeConn{
		inbound: make(chan transport.Frame, 64),
		closed:  make(chan struct{}),
	}
}

func (c *fakeConn) SendText(payload []byte) error {
	if !c.Alive() {
		return transport.ErrClosed
	}
	if c.failText.Load() {
		return errInjected
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.texts = append(c.texts, append([]byte(nil), payload...))
	return nil
}

func (c *fakeConn) SendBinary(payload []byte) error {
	if !c.Alive() {
		return transport.ErrClosed
	}
	if c.failBinary.Load() {
		return errInjected
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.binary = append(c.binary, append([]byte(nil), payload...))
	return nil
}

func (c *fakeConn) Receive(wait time.Duration) (transport.Frame, error) {
	timer := time.NewTimer(wait)
	defer timer.Stop()
	select {
	case <-c.closed:
		return transport.Frame{}, transport.ErrClosed
	case f := <-c.inbound:
		return f, nil
	case <-timer.C:
		return transport.Frame{}, transport.ErrNoData
	}
}

func (c *fakeConn) Close() error {
	c.once.Do(func() { close(c.closed) })
	return nil
}

func (c *fakeConn) Alive() bool {
	select {
	case <-c.closed:
		return false
	default:
		return true
	}
}

func (c *fakeConn) pushText(raw string) {
	c.inbound <- transport.Frame{Kind: transport.FrameText, Payload: []byte(raw)}
}

func (c *fakeConn) pushBinary(raw []byte) {
	c.inbound <- transport.Frame{Kind: transport.FrameBinary, Payload: raw}
}

// sentMessages decodes every text frame written so far.
func (c *fakeConn) sentMessages(t *testing.T) []map[string]any {
	t.Helper()
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]map[string]any, 0, len(c.texts))
	for _, raw := range c.texts {
		var m map[string]any
		if err := json.Unmarshal(raw, &m); err != nil {
			t.Fatalf("json.Unmarshal(%s) error = %v", raw, err)
		}
		out = append(out, m)
	}
	return out
}

func (c *fakeConn) sentOfType(t *testing.T, typ string) []map[string]any {
	t.Helper()
	var out []map[string]any
	for _, m := range c.sentMessages(t) {
		if m["type"] == typ {
			out = append(out, m)
		}
	}
	return out
}

func (c *fakeConn) binaryCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.binary)
}

type fakeDialer struct {
	mu       sync.Mutex
	failures int
	attempts int
	headers  []http.Header
	conns    []*fakeConn
	dialed   chan *fakeConn
}

func newFakeDialer(failures int) *fakeDialer {
	return &fakeDialer{failures: failures, dialed: make(chan *fakeConn, 16)}
}

func (d *fakeDialer) Dial(ctx context.Context, url string, header http.Header) (transport.Conn, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	d.mu.Lock()
	d.attempts++
	d.headers = append(d.headers, header.Clone())
	if d.failures > 0 {
		d.failures--
		d.mu.Unlock()
		return nil, &transport.Error{Op: "dial", Err: errInjected}
	}
	conn := newFakeConn()
	d.conns = append(d.conns, conn)
	d.mu.Unlock()
	d.dialed <- conn
	return conn, nil
}

func (d *fakeDialer) setFailures(n int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.failures = n
}

func (d *fakeDialer) attemptCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.attempts
}

func (d *fakeDialer) waitConn(t *testing.T) *fakeConn {
	t.Helper()
	select {
	case c := <-d.dialed:
		return c
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for dial")
		return nil
	}
}

// fakeCapture serves zeroed frames, optionally failing a number of reads.
type fakeCapture struct {
	failures atomic.Int32
	reads    atomic.Int64
	closed   atomic.Bool
}

func (c *fakeCapture) ReadFrame(p []byte) error {
	if c.closed.Load() {
		return audio.ErrDeviceClosed
	}
	c.reads.Add(1)
	if c.failures.Load() > 0 {
		c.failures.Add(-1)
		return &audio.DeviceError{Device: "fake", Err: errInjected}
	}
	time.Sleep(2 * time.Millisecond)
	clear(p)
	return nil
}

func (c *fakeCapture) Close() error {
	c.closed.Store(true)
	return nil
}

// stalledCapture blocks every read until Close.
type stalledCapture struct {
	entered chan struct{}
	once    sync.Once
	done    chan struct{}
	closed  atomic.Bool
}

func newStalledCapture() *stalledCapture {
	return &stalledCapture{entered: make(chan struct{}, 1), done: make(chan struct{})}
}

func (c *stalledCapture) ReadFrame([]byte) error {
	select {
	case c.entered <- struct{}{}:
	default:
	}
	<-c.done
	return audio.ErrDeviceClosed
}

func (c *stalledCapture) Close() error {
	c.closed.Store(true)
	c.once.Do(func() { close(c.done) })
	return nil
}

type fakePlayback struct {
	mu       sync.Mutex
	frames   [][]byte
	fail     atomic.Bool
	closed   atomic.Bool
	attempts atomic.Int64
}

func (p *fakePlayback) Write(frame []byte) error {
	p.attempts.Add(1)
	if p.fail.Load() {
		return errInjected
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.frames = append(p.frames, append([]byte(nil), frame...))
	return nil
}

func (p *fakePlayback) Close() error {
	p.closed.Store(true)
	return nil
}

func (p *fakePlayback) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.frames)
}

// stalledPlayback blocks every Write until Close, like a sink whose helper
// process stopped reading.
type stalledPlayback struct {
	entered chan struct{}
	once    sync.Once
	done    chan struct{}
	closed  atomic.Bool
}

func newStalledPlayback() *stalledPlayback {
	return &stalledPlayback{entered: make(chan struct{}, 1), done: make(chan struct{})}
}

func (p *stalledPlayback) Write([]byte) error {
	select {
	case p.entered <- struct{}{}:
	default:
	}
	<-p.done
	return audio.ErrDeviceClosed
}

func (p *stalledPlayback) Close() error {
	p.closed.Store(true)
	p.once.Do(func() { close(p.done) })
	return nil
}

type recordingStarter struct {
	gens []uint64
}

func (r *recordingStarter) EnsureUplink(gen uint64) {
	r.gens = append(r.gens, gen)
}

func testMetrics() *observability.Metrics {
	return observability.NewMetricsWith(prometheus.NewRegistry(), "test")
}

func testLogger() zerolog.Logger {
	return zerolog.Nop()
}

// eventually polls cond until it holds or the deadline passes.
func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}
