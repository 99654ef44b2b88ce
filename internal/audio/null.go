package audio

import (
	"sync/atomic"
	"time"
)

// SilentCapture produces zeroed frames paced at the frame duration.
type SilentCapture struct {
	interval time.Duration
	closed   atomic.Bool
}

func NewSilentCapture(frameDuration time.Duration) *SilentCapture {
	return &SilentCapture{interval: frameDuration}
}

func (c *SilentCapture) ReadFrame(p []byte) error {
	if c.closed.Load() {
		return ErrDeviceClosed
	}
	if c.interval > 0 {
		time.Sleep(c.interval)
	}
	clear(p)
	return nil
}

func (c *SilentCapture) Close() error {
	c.closed.Store(true)
	return nil
}

// DiscardPlayback drops every frame and counts bytes.
type DiscardPlayback struct {
	bytes  atomic.Int64
	closed atomic.Bool
}

func NewDiscardPlayback() *DiscardPlayback {
	return &DiscardPlayback{}
}

func (p *DiscardPlayback) Write(frame []byte) error {
	if p.closed.Load() {
		return ErrDeviceClosed
	}
	p.bytes.Add(int64(len(frame)))
	return nil
}

func (p *DiscardPlayback) Bytes() int64 {
	return p.bytes.Load()
}

func (p *DiscardPlayback) Close() error {
	p.closed.Store(true)
	return nil
}
