// Package scheduler runs callbacks on a single logical thread. The loader and
// its collaborators never run concurrently with each other: network and timer
// completions are posted back onto the scheduler.
package scheduler

import (
	"context"
	"sync"
	"sync/atomic"
	"time"
)

// Timer is a pending AfterFunc callback.
type Timer interface {
	// Stop prevents the callback from running. It reports whether the call
	// stopped the timer before it ran.
	Stop() bool
}

// Scheduler runs functions one at a time.
type Scheduler interface {
	Now() time.Time
	// AfterFunc runs f on the scheduler after d.
	AfterFunc(d time.Duration, f func()) Timer
	// Post runs f on the scheduler as soon as possible. Safe to call from any goroutine.
	Post(f func())
}

// Loop is a goroutine-backed Scheduler. Callbacks run inside Run.
type Loop struct {
	mutex  sync.Mutex
	queue  []func()
	closed bool
	wake   chan struct{}
}

// NewLoop creates a Loop. Nothing runs until Run is called.
func NewLoop() *Loop {
	return &Loop{wake: make(chan struct{}, 1)}
}

// Now returns the wall clock.
func (l *Loop) Now() time.Time {
	return time.Now()
}

// Post queues f. Functions posted after Run returned are dropped.
func (l *Loop) Post(f func()) {
	l.mutex.Lock()
	if l.closed {
		l.mutex.Unlock()
		return
	}
	l.queue = append(l.queue, f)
	l.mutex.Unlock()

	select {
	case l.wake <- struct{}{}:
	default:
	}
}

type loopTimer struct {
	timer *time.Timer
	done  atomic.Bool
}

func (t *loopTimer) Stop() bool {
	t.timer.Stop()
	return t.done.CompareAndSwap(false, true)
}

// AfterFunc posts f to the loop once d has elapsed.
func (l *Loop) AfterFunc(d time.Duration, f func()) Timer {
	t := &loopTimer{}
	t.timer = time.AfterFunc(d, func() {
		l.Post(func() {
			if t.done.CompareAndSwap(false, true) {
				f()
			}
		})
	})
	return t
}

// Run executes queued functions until ctx is cancelled.
func (l *Loop) Run(ctx context.Context) error {
	for {
		l.mutex.Lock()
		batch := l.queue
		l.queue = nil
		l.mutex.Unlock()

		for _, f := range batch {
			f()
		}

		select {
		case <-ctx.Done():
			l.mutex.Lock()
			l.closed = true
			l.queue = nil
			l.mutex.Unlock()
			return ctx.Err()
		case <-l.wake:
		}
	}
}
