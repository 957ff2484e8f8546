package scheduler

import (
	"sort"
	"time"
)

// Manual is a deterministic Scheduler for tests. Time only moves when Advance
// is called and callbacks only run inside Advance or Flush.
type Manual struct {
	now    time.Time
	seq    int
	timers []*manualTimer
}

type manualTimer struct {
	m    *Manual
	when time.Time
	seq  int
	f    func()
	done bool
}

func (t *manualTimer) Stop() bool {
	if t.done {
		return false
	}
	t.done = true
	t.m.drop(t)
	return true
}

// NewManual returns a Manual clock starting at start.
func NewManual(start time.Time) *Manual {
	return &Manual{now: start}
}

func (m *Manual) Now() time.Time {
	return m.now
}

func (m *Manual) AfterFunc(d time.Duration, f func()) Timer {
	if d < 0 {
		d = 0
	}
	m.seq++
	t := &manualTimer{m: m, when: m.now.Add(d), seq: m.seq, f: f}
	m.timers = append(m.timers, t)
	return t
}

func (m *Manual) Post(f func()) {
	m.AfterFunc(0, f)
}

// Pending returns the number of callbacks waiting to run.
func (m *Manual) Pending() int {
	return len(m.timers)
}

// Flush runs every callback that is due now, including ones they schedule.
func (m *Manual) Flush() {
	m.Advance(0)
}

// Advance moves the clock forward by d, running due callbacks in order.
func (m *Manual) Advance(d time.Duration) {
	target := m.now.Add(d)
	for {
		next := m.next(target)
		if next == nil {
			break
		}
		if next.when.After(m.now) {
			m.now = next.when
		}
		next.done = true
		m.drop(next)
		next.f()
	}
	m.now = target
}

func (m *Manual) next(target time.Time) *manualTimer {
	if len(m.timers) == 0 {
		return nil
	}
	sort.SliceStable(m.timers, func(i, j int) bool {
		if m.timers[i].when.Equal(m.timers[j].when) {
			return m.timers[i].seq < m.timers[j].seq
		}
		return m.timers[i].when.Before(m.timers[j].when)
	})
	if m.timers[0].when.After(target) {
		return nil
	}
	return m.timers[0]
}

func (m *Manual) drop(t *manualTimer) {
	for i, cur := range m.timers {
		if cur == t {
			m.timers = append(m.timers[:i], m.timers[i+1:]...)
			return
		}
	}
}
