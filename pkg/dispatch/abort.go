package dispatch

import (
	"sync"
	"time"
)

// AbortCanceler is the hook the abort acknowledgment uses to cancel a pending
// abort timeout.
type AbortCanceler interface {
	Cancel(channelID string) bool
}

// AbortTimeouts is a table of pending abort timeouts keyed by channel. It is
// owned by whoever manages channel lifecycles and passed to the dispatcher.
type AbortTimeouts struct {
	mu     sync.Mutex
	gen    uint64
	timers map[string]abortTimer
}

type abortTimer struct {
	timer *time.Timer
	gen   uint64
}

// NewAbortTimeouts returns an empty table.
func NewAbortTimeouts() *AbortTimeouts {
	return &AbortTimeouts{timers: make(map[string]abortTimer)}
}

// Register arms fallback to run after d unless Cancel is called first. A
// pending timeout for the same channel is replaced. fallback runs on the
// timer goroutine.
func (a *AbortTimeouts) Register(channelID string, d time.Duration, fallback func()) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if cur, ok := a.timers[channelID]; ok {
		cur.timer.Stop()
	}
	a.gen++
	gen := a.gen
	t := time.AfterFunc(d, func() {
		if a.expire(channelID, gen) {
			fallback()
		}
	})
	a.timers[channelID] = abortTimer{timer: t, gen: gen}
}

func (a *AbortTimeouts) expire(channelID string, gen uint64) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	cur, ok := a.timers[channelID]
	if !ok || cur.gen != gen {
		return false
	}
	delete(a.timers, channelID)
	return true
}

// Cancel stops the pending timeout of a channel. It reports whether one was
// pending.
func (a *AbortTimeouts) Cancel(channelID string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	cur, ok := a.timers[channelID]
	if !ok {
		return false
	}
	cur.timer.Stop()
	delete(a.timers, channelID)
	return true
}

// Pending reports whether a timeout is armed for the channel.
func (a *AbortTimeouts) Pending(channelID string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	_, ok := a.timers[channelID]
	return ok
}

// Stop cancels every pending timeout.
func (a *AbortTimeouts) Stop() {
	a.mu.Lock()
	defer a.mu.Unlock()
	for id, cur := range a.timers {
		cur.timer.Stop()
		delete(a.timers, id)
	}
}
