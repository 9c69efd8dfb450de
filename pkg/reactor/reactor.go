// Package reactor runs callbacks and timers on a single goroutine, so that
// everything scheduled on it is serialized without further locking.
package reactor

import (
	"container/heap"
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jonboulle/clockwork"
)

// Reactor is a single goroutine event loop owning a timer heap.
type Reactor struct {
	clock clockwork.Clock

	mu     sync.Mutex
	inbox  []func()
	signal chan struct{}

	// Owned by the loop goroutine.
	timers timerHeap
	seq    uint64

	pending atomic.Int64
}

// New creates a reactor. Call Run to start it.
func New(clock clockwork.Clock) *Reactor {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Reactor{
		clock:  clock,
		signal: make(chan struct{}, 1),
	}
}

// Clock returns the clock timers are measured on.
func (r *Reactor) Clock() clockwork.Clock {
	return r.clock
}

// Post queues fn to run on the loop. It never blocks.
func (r *Reactor) Post(fn func()) {
	r.mu.Lock()
	r.inbox = append(r.inbox, fn)
	r.mu.Unlock()

	select {
	case r.signal <- struct{}{}:
	default:
	}
}

// AfterFunc runs fn on the loop once d has elapsed.
func (r *Reactor) AfterFunc(d time.Duration, fn func()) *Timer {
	t := &Timer{r: r, fn: fn, at: r.clock.Now().Add(d), index: -1}
	r.Post(func() {
		if t.stopped {
			return
		}
		r.seq++
		t.seq = r.seq
		heap.Push(&r.timers, t)
		r.pending.Add(1)
	})
	return t
}

// Sync blocks until everything posted before it ran, or ctx is done.
func (r *Reactor) Sync(ctx context.Context) error {
	done := make(chan struct{})
	r.Post(func() { close(done) })

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Pending returns the number of scheduled timers.
func (r *Reactor) Pending() int {
	return int(r.pending.Load())
}

// Run processes callbacks and timers until ctx is done.
func (r *Reactor) Run(ctx context.Context) error {
	for {
		r.runDue()
		r.drain()
		r.runDue()

		var wake <-chan time.Time
		var ticker clockwork.Timer
		if r.timers.Len() > 0 {
			ticker = r.clock.NewTimer(r.timers[0].at.Sub(r.clock.Now()))
			wake = ticker.Chan()
		}

		select {
		case <-ctx.Done():
			if ticker != nil {
				ticker.Stop()
			}
			return ctx.Err()
		case <-r.signal:
		case <-wake:
		}
		if ticker != nil {
			ticker.Stop()
		}
	}
}

func (r *Reactor) drain() {
	for {
		r.mu.Lock()
		batch := r.inbox
		r.inbox = nil
		r.mu.Unlock()

		if len(batch) == 0 {
			return
		}
		for _, fn := range batch {
			r.runDue()
			fn()
		}
	}
}

// runDue fires every timer whose deadline has passed.
func (r *Reactor) runDue() {
	now := r.clock.Now()
	for r.timers.Len() > 0 && !r.timers[0].at.After(now) {
		t := heap.Pop(&r.timers).(*Timer)
		r.pending.Add(-1)
		if t.stopped {
			continue
		}
		t.stopped = true
		t.fn()
	}
}

// Timer is a callback scheduled on a Reactor.
type Timer struct {
	r  *Reactor
	fn func()

	// Owned by the loop goroutine.
	at      time.Time
	seq     uint64
	index   int
	stopped bool
}

// Stop cancels the timer. It is safe from any goroutine; a timer already
// firing is not interrupted.
func (t *Timer) Stop() {
	t.r.Post(func() {
		if t.stopped {
			return
		}
		t.stopped = true
		if t.index >= 0 && t.index < t.r.timers.Len() && t.r.timers[t.index] == t {
			heap.Remove(&t.r.timers, t.index)
			t.r.pending.Add(-1)
		}
	})
}

type timerHeap []*Timer

func (h timerHeap) Len() int { return len(h) }

func (h timerHeap) Less(i, j int) bool {
	if h[i].at.Equal(h[j].at) {
		return h[i].seq < h[j].seq
	}
	return h[i].at.Before(h[j].at)
}

func (h timerHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *timerHeap) Push(x any) {
	t := x.(*Timer)
	t.index = len(*h)
	*h = append(*h, t)
}

func (h *timerHeap) Pop() any {
	old := *h
	n := len(old)
	t := old[n-1]
	old[n-1] = nil
	t.index = -1
	*h = old[:n-1]
	return t
}
