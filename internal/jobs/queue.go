// Package jobs runs keyed, self-rescheduling background jobs. Each key has
// at most one pending timer or one running invocation at a time.
package jobs

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"

	"github.com/ent0n29/foreman/internal/reliability"
)

const (
	defaultPanicBackoff    = time.Second
	defaultPanicBackoffMax = time.Minute
)

// Handler runs one invocation for key. Returning again=true schedules the
// next invocation after next.
type Handler func(ctx context.Context, key string) (next time.Duration, again bool)

type entry struct {
	timer *time.Timer
	due   time.Time
	gen   uint64

	running bool
	// follow-up requested while running
	pending    bool
	pendingDue time.Duration
}

type Queue struct {
	handler Handler
	logger  *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	// A panicking handler is retried after a backoff that grows per key.
	panics          reliability.Streak
	panicBackoff    time.Duration
	panicBackoffMax time.Duration

	mu      sync.Mutex
	entries map[string]*entry
	closed  bool
}

func New(handler Handler, logger *slog.Logger) *Queue {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Queue{
		handler: handler,
		logger:  logger,
		ctx:     ctx,
		cancel:  cancel,
		entries: make(map[string]*entry),

		panicBackoff:    defaultPanicBackoff,
		panicBackoffMax: defaultPanicBackoffMax,
	}
}

// Schedule runs key after delay. An earlier deadline replaces a later pending
// one; a later deadline never postpones it. Scheduling a key that is running
// queues one follow-up run after the current one finishes.
func (q *Queue) Schedule(key string, delay time.Duration) {
	if delay < 0 {
		delay = 0
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	e, ok := q.entries[key]
	if !ok {
		e = &entry{}
		q.entries[key] = e
	}
	if e.running {
		if !e.pending || delay < e.pendingDue {
			e.pendingDue = delay
		}
		e.pending = true
		return
	}
	q.armLocked(key, e, delay)
}

// Scheduled reports whether key has a pending timer or a running invocation.
func (q *Queue) Scheduled(key string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	_, ok := q.entries[key]
	return ok
}

// Close stops pending timers, cancels running handlers and waits for them.
func (q *Queue) Close() {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.closed = true
	for key, e := range q.entries {
		if e.timer != nil {
			e.timer.Stop()
			e.timer = nil
		}
		if !e.running {
			delete(q.entries, key)
		}
	}
	q.mu.Unlock()

	q.cancel()
	q.wg.Wait()
}

func (q *Queue) armLocked(key string, e *entry, delay time.Duration) {
	due := time.Now().Add(delay)
	if e.timer != nil {
		if !due.Before(e.due) {
			return
		}
		e.timer.Stop()
	}
	e.gen++
	gen := e.gen
	e.due = due
	e.timer = time.AfterFunc(delay, func() { q.fire(key, gen) })
}

func (q *Queue) fire(key string, gen uint64) {
	q.mu.Lock()
	e, ok := q.entries[key]
	if !ok || q.closed || e.gen != gen || e.running {
		q.mu.Unlock()
		return
	}
	e.timer = nil
	e.running = true
	q.wg.Add(1)
	q.mu.Unlock()
	defer q.wg.Done()

	next, again := q.run(key)

	q.mu.Lock()
	defer q.mu.Unlock()
	e.running = false
	if q.closed {
		delete(q.entries, key)
		return
	}
	if e.pending && (!again || e.pendingDue < next) {
		next, again = e.pendingDue, true
	}
	e.pending = false
	if !again {
		delete(q.entries, key)
		return
	}
	q.armLocked(key, e, next)
}

func (q *Queue) run(key string) (next time.Duration, again bool) {
	defer func() {
		if r := recover(); r != nil {
			n := q.panics.Fail(key)
			next = reliability.ExponentialBackoff(n-1, q.panicBackoff, q.panicBackoffMax)
			again = q.ctx.Err() == nil
			q.logger.Error("job panicked", "key", key, "retry_in", next, "panic", fmt.Sprint(r), "stack", string(debug.Stack()))
		}
	}()
	next, again = q.handler(q.ctx, key)
	q.panics.Reset(key)
	return next, again
}
