package client

import (
	"sync/atomic"
	"time"

	"github.com/zhou19830318/xiaozhi/internal/observability"
)

// turnClock timestamps turn milestones so the handler can report latency
// without sharing locks with the button worker.
type turnClock struct {
	metrics       *observability.Metrics
	listenStartAt atomic.Int64
	listenStopAt  atomic.Int64
	ttsStartAt    atomic.Int64
	awaitingAudio atomic.Bool
}

func newTurnClock(metrics *observability.Metrics) *turnClock {
	return &turnClock{metrics: metrics}
}

func (c *turnClock) listenStarted() {
	c.listenStartAt.Store(time.Now().UnixNano())
}

func (c *turnClock) listenStopped() {
	c.listenStopAt.Store(time.Now().UnixNano())
}

func (c *turnClock) ttsStarted() {
	now := time.Now()
	c.ttsStartAt.Store(now.UnixNano())
	c.awaitingAudio.Store(true)
	if start := c.listenStartAt.Swap(0); start > 0 {
		c.metrics.ObserveStage(observability.StageListenStartToTTS, now.Sub(time.Unix(0, start)))
	}
}

func (c *turnClock) audioReceived() {
	if !c.awaitingAudio.CompareAndSwap(true, false) {
		return
	}
	now := time.Now()
	if start := c.ttsStartAt.Load(); start > 0 {
		c.metrics.ObserveStage(observability.StageTTSStartToFirstAudio, now.Sub(time.Unix(0, start)))
	}
	if stop := c.listenStopAt.Swap(0); stop > 0 {
		c.metrics.ObserveResponse(now.Sub(time.Unix(0, stop)))
	}
}

func (c *turnClock) ttsStopped() {
	c.awaitingAudio.Store(false)
	if start := c.ttsStartAt.Swap(0); start > 0 {
		c.metrics.ObserveStage(observability.StageSpeaking, time.Since(time.Unix(0, start)))
	}
}

func (c *turnClock) reset() {
	c.listenStartAt.Store(0)
	c.listenStopAt.Store(0)
	c.ttsStartAt.Store(0)
	c.awaitingAudio.Store(false)
}
