package dispatcher

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// recorder collects handler invocations so tests can assert on order and
// timing.
type recorder struct {
	mu       sync.Mutex
	payloads []string
	times    []time.Time
}

func (r *recorder) record(payload string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.payloads = append(r.payloads, payload)
	r.times = append(r.times, time.Now())
}

func (r *recorder) snapshot() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.payloads...)
}

func (r *recorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.payloads)
}

func (r *recorder) timeAt(i int) time.Time {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.times[i]
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	require.Eventually(t, cond, 5*time.Second, 5*time.Millisecond)
}

func TestEmitBeforeStart(t *testing.T) {
	d := New("test", func(ctx context.Context, payload string) error { return nil })

	err := d.Emit("key", "payload")

	assert.ErrorIs(t, err, ErrNotStarted)
}

func TestEmitAfterStop(t *testing.T) {
	d := New("test", func(ctx context.Context, payload string) error { return nil })
	d.Start(context.Background())
	d.Stop()

	err := d.Emit("key", "payload")

	assert.Error(t, err)
}

func TestDeliversInEmissionOrder(t *testing.T) {
	rec := &recorder{}
	d := New("test", func(ctx context.Context, payload string) error {
		rec.record(payload)
		return nil
	})
	d.Start(context.Background())
	defer d.Stop()

	want := []string{"a", "b", "c", "d", "e"}
	for _, p := range want {
		require.NoError(t, d.Emit("key", p))
	}

	waitFor(t, func() bool { return rec.count() == len(want) })
	assert.Equal(t, want, rec.snapshot())
}

func TestNoOverlapWithinKey(t *testing.T) {
	var mu sync.Mutex
	inFlight := 0
	maxInFlight := 0
	done := 0

	d := New("test", func(ctx context.Context, payload string) error {
		mu.Lock()
		inFlight++
		if inFlight > maxInFlight {
			maxInFlight = inFlight
		}
		mu.Unlock()

		time.Sleep(5 * time.Millisecond)

		mu.Lock()
		inFlight--
		done++
		mu.Unlock()
		return nil
	})
	d.Start(context.Background())
	defer d.Stop()

	const n = 10
	for i := 0; i < n; i++ {
		require.NoError(t, d.Emit("key", "payload"))
	}

	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return done == n
	})
	assert.Equal(t, 1, maxInFlight)
}

func TestKeysDispatchConcurrently(t *testing.T) {
	// Both handlers block until the other has entered. If keys were
	// serialized against each other this would deadlock until the timeout.
	barrier := make(chan struct{}, 2)
	both := make(chan struct{})
	var once sync.Once

	d := New("test", func(ctx context.Context, payload string) error {
		barrier <- struct{}{}
		if len(barrier) == 2 {
			once.Do(func() { close(both) })
		}
		select {
		case <-both:
			return nil
		case <-time.After(3 * time.Second):
			return errors.New("peer never arrived")
		}
	})
	d.Start(context.Background())
	defer d.Stop()

	require.NoError(t, d.Emit("key-1", "a"))
	require.NoError(t, d.Emit("key-2", "b"))

	select {
	case <-both:
	case <-time.After(4 * time.Second):
		t.Fatal("keys did not dispatch concurrently")
	}
}

func TestRetriesWithLinearBackoff(t *testing.T) {
	const base = 30 * time.Millisecond
	const step = 30 * time.Millisecond

	rec := &recorder{}
	var mu sync.Mutex
	failures := 3

	d := New("test", func(ctx context.Context, payload string) error {
		rec.record(payload)
		mu.Lock()
		defer mu.Unlock()
		if failures > 0 {
			failures--
			return errors.New("transient")
		}
		return nil
	}, WithBackoff(base, step))
	d.Start(context.Background())
	defer d.Stop()

	require.NoError(t, d.Emit("key", "payload"))

	waitFor(t, func() bool { return rec.count() == 4 })
	assert.Equal(t, []string{"payload", "payload", "payload", "payload"}, rec.snapshot())

	// The n-th retry waits base + step*(n-1).
	rec.mu.Lock()
	gaps := []time.Duration{
		rec.times[1].Sub(rec.times[0]),
		rec.times[2].Sub(rec.times[1]),
		rec.times[3].Sub(rec.times[2]),
	}
	rec.mu.Unlock()
	assert.GreaterOrEqual(t, gaps[0], base)
	assert.GreaterOrEqual(t, gaps[1], base+step)
	assert.GreaterOrEqual(t, gaps[2], base+2*step)
}

func TestFreshEventSupersedesPendingRetry(t *testing.T) {
	rec := &recorder{}
	d := New("test", func(ctx context.Context, payload string) error {
		rec.record(payload)
		if payload == "stale" {
			return errors.New("always fails")
		}
		return nil
	}, WithBackoff(time.Second, time.Second))
	d.Start(context.Background())
	defer d.Stop()

	require.NoError(t, d.Emit("key", "stale"))
	waitFor(t, func() bool { return rec.count() == 1 })

	// The stale payload is now in its one-second retry wait. A fresh event
	// must displace it without waiting the delay out.
	start := time.Now()
	require.NoError(t, d.Emit("key", "fresh"))

	waitFor(t, func() bool { return rec.count() == 2 })
	assert.Less(t, time.Since(start), time.Second)
	assert.Equal(t, []string{"stale", "fresh"}, rec.snapshot())

	// The stale payload must never come back.
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, []string{"stale", "fresh"}, rec.snapshot())
}

func TestSupersededResetsFailureCounter(t *testing.T) {
	const base = 20 * time.Millisecond
	const step = 200 * time.Millisecond

	rec := &recorder{}
	d := New("test", func(ctx context.Context, payload string) error {
		rec.record(payload)
		return errors.New("always fails")
	}, WithBackoff(base, step))
	d.Start(context.Background())
	defer d.Stop()

	// Run the first payload up to three failures so its next delay would be
	// base + 2*step.
	require.NoError(t, d.Emit("key", "first"))
	waitFor(t, func() bool { return rec.count() == 3 })

	// The superseding payload starts from a clean counter: its own first
	// retry comes after base, not after the escalated delay.
	require.NoError(t, d.Emit("key", "second"))
	waitFor(t, func() bool { return rec.count() >= 4 })

	start := rec.timeAt(3)
	waitFor(t, func() bool { return rec.count() >= 5 })
	assert.Less(t, rec.timeAt(4).Sub(start), base+step)
}

func TestHandlerPanicBecomesRetry(t *testing.T) {
	rec := &recorder{}
	var mu sync.Mutex
	panics := 1

	d := New("test", func(ctx context.Context, payload string) error {
		rec.record(payload)
		mu.Lock()
		defer mu.Unlock()
		if panics > 0 {
			panics--
			panic("handler bug")
		}
		return nil
	}, WithBackoff(10*time.Millisecond, 0))
	d.Start(context.Background())
	defer d.Stop()

	require.NoError(t, d.Emit("key", "payload"))

	waitFor(t, func() bool { return rec.count() == 2 })
}

func TestStopWaitsForInflightHandler(t *testing.T) {
	entered := make(chan struct{})
	finished := make(chan struct{})

	d := New("test", func(ctx context.Context, payload string) error {
		close(entered)
		time.Sleep(30 * time.Millisecond)
		close(finished)
		return nil
	})
	d.Start(context.Background())

	require.NoError(t, d.Emit("key", "payload"))
	<-entered

	d.Stop()

	select {
	case <-finished:
	default:
		t.Fatal("Stop returned before the in-flight handler finished")
	}
}

func TestStopCancelsPendingRetry(t *testing.T) {
	rec := &recorder{}
	d := New("test", func(ctx context.Context, payload string) error {
		rec.record(payload)
		return errors.New("always fails")
	}, WithBackoff(time.Hour, 0))
	d.Start(context.Background())

	require.NoError(t, d.Emit("key", "payload"))
	waitFor(t, func() bool { return rec.count() == 1 })

	done := make(chan struct{})
	go func() {
		d.Stop()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Stop did not interrupt the retry wait")
	}
}
