package chunkbuf

import (
	"sync"
	"time"
)

// Scheduler defers one callback until the next render tick.
type Scheduler interface {
	// Schedule arranges for fn to run once. A previously scheduled callback is
	// replaced.
	Schedule(fn func())
	// Cancel drops the scheduled callback, if any.
	Cancel()
}

// Immediate runs callbacks synchronously. Headless hosts use it to disable
// batching.
type Immediate struct{}

func (Immediate) Schedule(fn func()) { fn() }
func (Immediate) Cancel()            {}

// Manual holds the callback until Fire is called. Batch replays and tests use
// it to decide when a tick happens.
type Manual struct {
	fn func()
}

func (m *Manual) Schedule(fn func()) { m.fn = fn }
func (m *Manual) Cancel()            { m.fn = nil }

// Pending reports whether a callback is waiting.
func (m *Manual) Pending() bool { return m.fn != nil }

// Fire runs the waiting callback and reports whether there was one.
func (m *Manual) Fire() bool {
	fn := m.fn
	m.fn = nil
	if fn == nil {
		return false
	}
	fn()
	return true
}

// Loop fires after a fixed interval and delivers the callback through post,
// which must run it on the buffer owner's goroutine.
type Loop struct {
	interval time.Duration
	post     func(func())

	mu    sync.Mutex
	timer *time.Timer
	gen   uint64
}

// NewLoop returns a timer scheduler. A non-positive interval means 16ms,
// about one frame.
func NewLoop(interval time.Duration, post func(func())) *Loop {
	if interval <= 0 {
		interval = 16 * time.Millisecond
	}
	return &Loop{interval: interval, post: post}
}

func (l *Loop) Schedule(fn func()) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.timer != nil {
		l.timer.Stop()
	}
	l.gen++
	gen := l.gen
	l.timer = time.AfterFunc(l.interval, func() {
		l.post(func() {
			if l.current(gen) {
				fn()
			}
		})
	})
}

func (l *Loop) Cancel() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.gen++
	if l.timer != nil {
		l.timer.Stop()
		l.timer = nil
	}
}

// current reports whether gen is still the live schedule. A callback already
// posted when Cancel ran is skipped this way.
func (l *Loop) current(gen uint64) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.gen == gen
}
