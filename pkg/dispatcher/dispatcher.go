// Package dispatcher provides a typed, in-process event bus that serializes
// delivery per key, retries failed handlers with linearly growing backoff,
// and coalesces superseded pending retries.
//
// One Dispatcher carries one event type and one handler. Independent keys
// dispatch concurrently; within a key, handler invocations never overlap and
// are delivered in emission order. A payload sitting in a retry wait is
// dropped as soon as a fresh event for its key arrives - the newest event
// always wins over a stale retry.
package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Handler processes one payload. A non-nil error schedules a retry of the
// same payload.
type Handler[T any] func(ctx context.Context, payload T) error

// ErrNotStarted is returned by Emit before Start has been called.
var ErrNotStarted = errors.New("dispatcher not started")

const (
	defaultBaseDelay = 500 * time.Millisecond
	defaultStepDelay = time.Second
)

// Option configures a Dispatcher.
type Option func(*settings)

type settings struct {
	baseDelay time.Duration
	stepDelay time.Duration
	logger    *zap.Logger
}

// WithBackoff overrides the retry delays. The n-th consecutive failure on a
// key waits base + step*(n-1).
func WithBackoff(base, step time.Duration) Option {
	return func(s *settings) {
		s.baseDelay = base
		s.stepDelay = step
	}
}

// WithLogger attaches a logger for handler failures and retries.
func WithLogger(logger *zap.Logger) Option {
	return func(s *settings) { s.logger = logger }
}

// Dispatcher delivers payloads of one event type to its handler, serialized
// per key.
type Dispatcher[T any] struct {
	name      string
	handler   Handler[T]
	baseDelay time.Duration
	stepDelay time.Duration
	logger    *zap.Logger

	mu     sync.Mutex
	keys   map[string]*keyState[T]
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

type keyState[T any] struct {
	queue    []T
	running  bool
	failures int
	// wake is signaled when a fresh emit supersedes a payload that is
	// failing or waiting on a retry. Buffered so Emit never blocks.
	wake       chan struct{}
	superseded bool
}

// New creates a dispatcher for one event type. name identifies the event
// type in logs and metrics; handler is the single handler for it.
func New[T any](name string, handler Handler[T], opts ...Option) *Dispatcher[T] {
	s := settings{
		baseDelay: defaultBaseDelay,
		stepDelay: defaultStepDelay,
		logger:    zap.NewNop(),
	}
	for _, opt := range opts {
		opt(&s)
	}

	return &Dispatcher[T]{
		name:      name,
		handler:   handler,
		baseDelay: s.baseDelay,
		stepDelay: s.stepDelay,
		logger:    s.logger.Named("dispatcher").With(zap.String("event_type", name)),
		keys:      make(map[string]*keyState[T]),
	}
}

// Start makes the dispatcher ready to accept events. Delivery stops when ctx
// is cancelled or Stop is called.
func (d *Dispatcher[T]) Start(ctx context.Context) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.ctx != nil {
		return
	}
	d.ctx, d.cancel = context.WithCancel(ctx)
}

// Stop cancels pending retry waits and blocks until in-flight handler
// invocations have returned.
func (d *Dispatcher[T]) Stop() {
	d.mu.Lock()
	cancel := d.cancel
	d.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	d.wg.Wait()
}

// Emit schedules delivery of payload under the given serialization key.
// Different keys dispatch concurrently; the same key delivers strictly in
// emission order. If the key currently has a payload awaiting retry, that
// stale payload is discarded, the failure counter resets, and this payload
// is dispatched immediately.
func (d *Dispatcher[T]) Emit(key string, payload T) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.ctx == nil {
		return ErrNotStarted
	}
	if d.ctx.Err() != nil {
		return fmt.Errorf("dispatcher stopped: %w", d.ctx.Err())
	}

	ks, ok := d.keys[key]
	if !ok {
		ks = &keyState[T]{wake: make(chan struct{}, 1)}
		d.keys[key] = ks
	}

	eventsTotal.WithLabelValues(d.name).Inc()

	// A fresh event supersedes any payload that is currently failing or
	// waiting on a retry for this key.
	if ks.failures > 0 {
		ks.superseded = true
		select {
		case ks.wake <- struct{}{}:
		default:
		}
	}

	ks.queue = append(ks.queue, payload)

	if !ks.running {
		ks.running = true
		activeKeys.WithLabelValues(d.name).Inc()
		d.wg.Add(1)
		go d.run(key, ks)
	}
	return nil
}

// run drains one key's queue. It exists only while the key has work.
func (d *Dispatcher[T]) run(key string, ks *keyState[T]) {
	defer d.wg.Done()

	for {
		d.mu.Lock()
		if ks.superseded {
			// The retry timer may fire in the same instant a superseding
			// event arrives; the stale payload still must not be delivered.
			ks.queue = ks.queue[1:]
			ks.failures = 0
			ks.superseded = false
			drain(ks.wake)
		}
		if len(ks.queue) == 0 || d.ctx.Err() != nil {
			ks.running = false
			activeKeys.WithLabelValues(d.name).Dec()
			d.mu.Unlock()
			return
		}
		payload := ks.queue[0]
		d.mu.Unlock()

		err := d.invoke(payload)

		d.mu.Lock()
		if err == nil {
			ks.queue = ks.queue[1:]
			ks.failures = 0
			ks.superseded = false
			drain(ks.wake)
			d.mu.Unlock()
			continue
		}

		handlerFailures.WithLabelValues(d.name).Inc()

		if ks.superseded || len(ks.queue) > 1 {
			// A newer event arrived while this payload was failing; the
			// failed payload is stale and must never be redelivered.
			ks.queue = ks.queue[1:]
			ks.failures = 0
			ks.superseded = false
			drain(ks.wake)
			d.mu.Unlock()
			continue
		}

		ks.failures++
		failures := ks.failures
		drain(ks.wake)
		d.mu.Unlock()

		delay := d.baseDelay + time.Duration(failures-1)*d.stepDelay
		d.logger.Warn("handler failed, scheduling retry",
			zap.String("key", key),
			zap.Int("consecutive_failures", failures),
			zap.Duration("delay", delay),
			zap.Error(err))
		retriesTotal.WithLabelValues(d.name).Inc()

		timer := time.NewTimer(delay)
		select {
		case <-timer.C:
			// Retry the same payload; it is still at the head of the queue.
		case <-ks.wake:
			timer.Stop()
			d.mu.Lock()
			ks.queue = ks.queue[1:]
			ks.failures = 0
			ks.superseded = false
			d.mu.Unlock()
		case <-d.ctx.Done():
			timer.Stop()
			d.mu.Lock()
			ks.running = false
			activeKeys.WithLabelValues(d.name).Dec()
			d.mu.Unlock()
			return
		}
	}
}

// invoke calls the handler, converting a panic into a failure so a broken
// handler degrades into retries instead of taking the process down.
func (d *Dispatcher[T]) invoke(payload T) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return d.handler(d.ctx, payload)
}

func drain(ch chan struct{}) {
	select {
	case <-ch:
	default:
	}
}
