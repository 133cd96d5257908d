// Package loop provides the host's cooperative scheduler.
//
// A Loop runs posted tasks one at a time on the goroutine that calls Run.
// Everything that touches a guest instance is posted to its loop, so guest
// code never runs on two goroutines at once.
//
// Like a libuv loop, a Loop finishes on its own once no tasks are queued and
// nothing holds a reference. Timers hold a reference while they are armed.
package loop

import (
	"context"
	"errors"
	"sync"
	"time"
)

var ErrStopped = errors.New("loop stopped")

type Loop struct {
	mu      sync.Mutex
	queue   []func()
	refs    int
	stopped bool
	code    int
	wake    chan struct{}
}

func New() *Loop {
	return &Loop{wake: make(chan struct{}, 1)}
}

// Post queues fn to run on the loop goroutine. It is safe to call from any
// goroutine, including from inside a task.
func (l *Loop) Post(fn func()) error {
	l.mu.Lock()
	if l.stopped {
		l.mu.Unlock()
		return ErrStopped
	}
	l.queue = append(l.queue, fn)
	l.mu.Unlock()

	l.signal()
	return nil
}

// Ref marks outstanding work that is not yet a queued task.
func (l *Loop) Ref() {
	l.mu.Lock()
	l.refs++
	l.mu.Unlock()
}

// Unref releases a reference taken with Ref.
func (l *Loop) Unref() {
	l.mu.Lock()
	if l.refs > 0 {
		l.refs--
	}
	l.mu.Unlock()

	l.signal()
}

// Stop ends Run with code. Tasks still queued are dropped. Only the first
// Stop sets the code.
func (l *Loop) Stop(code int) {
	l.mu.Lock()
	if !l.stopped {
		l.stopped = true
		l.code = code
		l.queue = nil
	}
	l.mu.Unlock()

	l.signal()
}

// Stopped reports whether the loop has finished or been stopped.
func (l *Loop) Stopped() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.stopped
}

// Pending returns the number of queued tasks plus held references.
func (l *Loop) Pending() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.queue) + l.refs
}

// Run executes tasks until the loop is stopped, drains, or ctx is done.
// A drained loop returns (0, nil). Run may only be called once.
func (l *Loop) Run(ctx context.Context) (int, error) {
	for {
		l.mu.Lock()
		if l.stopped {
			code := l.code
			l.mu.Unlock()
			return code, nil
		}

		if len(l.queue) > 0 {
			fn := l.queue[0]
			l.queue[0] = nil
			l.queue = l.queue[1:]
			l.mu.Unlock()

			fn()
			continue
		}

		if l.refs == 0 {
			l.stopped = true
			l.mu.Unlock()
			return 0, nil
		}
		l.mu.Unlock()

		select {
		case <-ctx.Done():
			l.Stop(0)
			return 0, ctx.Err()
		case <-l.wake:
		}
	}
}

func (l *Loop) signal() {
	select {
	case l.wake <- struct{}{}:
	default:
	}
}

// Timer is a one-shot or recurring callback scheduled on a Loop.
type Timer struct {
	loop    *Loop
	d       time.Duration
	fn      func()
	repeat  bool
	mu      sync.Mutex
	t       *time.Timer
	stopped bool
}

// Every runs fn on the loop every d until the returned Timer is stopped.
func (l *Loop) Every(d time.Duration, fn func()) *Timer {
	return l.schedule(d, fn, true)
}

// After runs fn on the loop once, after d.
func (l *Loop) After(d time.Duration, fn func()) *Timer {
	return l.schedule(d, fn, false)
}

func (l *Loop) schedule(d time.Duration, fn func(), repeat bool) *Timer {
	l.Ref()
	t := &Timer{loop: l, d: d, fn: fn, repeat: repeat}
	t.mu.Lock()
	t.arm()
	t.mu.Unlock()
	return t
}

// arm must be called with t.mu held.
func (t *Timer) arm() {
	t.t = time.AfterFunc(t.d, t.fire)
}

func (t *Timer) fire() {
	err := t.loop.Post(func() {
		if t.Stopped() {
			return
		}

		t.fn()

		if !t.repeat {
			t.Stop()
			return
		}

		t.mu.Lock()
		if !t.stopped {
			t.arm()
		}
		t.mu.Unlock()
	})
	if err != nil {
		t.Stop()
	}
}

// Stop cancels the timer and releases its loop reference. Stopping twice is
// a no-op.
func (t *Timer) Stop() {
	t.mu.Lock()
	if t.stopped {
		t.mu.Unlock()
		return
	}
	t.stopped = true
	if t.t != nil {
		t.t.Stop()
	}
	t.mu.Unlock()

	t.loop.Unref()
}

func (t *Timer) Stopped() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.stopped
}
