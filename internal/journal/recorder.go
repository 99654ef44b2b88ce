package journal

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/zhou19830318/xiaozhi/internal/policy"
)

// Recorder decouples hot paths from the store. Record never blocks; events
// are dropped when the queue is full. Details are redacted before they are
// queued.
type Recorder struct {
	store   Store
	logger  zerolog.Logger
	queue   chan Event
	dropped atomic.Int64

	mu     sync.RWMutex
	closed bool
	done   chan struct{}
}

func NewRecorder(store Store, capacity int, logger zerolog.Logger) *Recorder {
	if capacity <= 0 {
		capacity = 256
	}
	r := &Recorder{
		store:  store,
		logger: logger,
		queue:  make(chan Event, capacity),
		done:   make(chan struct{}),
	}
	go r.run()
	return r
}

func (r *Recorder) Record(event Event) {
	if r == nil {
		return
	}
	stamp(&event)
	event.Detail = policy.Redact(event.Detail)
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.closed {
		return
	}
	select {
	case r.queue <- event:
	default:
		if r.dropped.Add(1) == 1 {
			r.logger.Warn().Str("kind", string(event.Kind)).Msg("journal queue full, dropping events")
		}
	}
}

// Dropped reports how many events were discarded because the queue was full.
func (r *Recorder) Dropped() int64 {
	return r.dropped.Load()
}

func (r *Recorder) run() {
	defer close(r.done)
	for event := range r.queue {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		if err := r.store.Append(ctx, event); err != nil {
			r.logger.Warn().Err(err).Str("kind", string(event.Kind)).Msg("journal append failed")
		}
		cancel()
	}
}

// Close drains queued events, waiting at most timeout.
func (r *Recorder) Close(timeout time.Duration) {
	if r == nil {
		return
	}
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	close(r.queue)
	r.mu.Unlock()

	select {
	case <-r.done:
	case <-time.After(timeout):
		r.logger.Warn().Int("pending", len(r.queue)).Msg("journal drain timed out")
	}
}
