package transcript

import (
	"fmt"
	"time"
)

type fakeClock struct {
	now time.Time
}

func (c *fakeClock) advance(d time.Duration) {
	c.now = c.now.Add(d)
}

func newTestReconciler() (*Reconciler, *fakeClock) {
	clk := &fakeClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	n := 0
	r := &Reconciler{
		Now: func() time.Time { return clk.now },
		NewID: func(prefix string) string {
			n++
			return fmt.Sprintf("%s_%d", prefix, n)
		},
		NewClientID: func() string {
			n++
			return fmt.Sprintf("client-%d", n)
		},
	}
	return r, clk
}

func countRunningPhases(e *AgentExecutionState) int {
	n := 0
	for _, p := range e.Phases {
		if p.Status == PhaseRunning {
			n++
		}
	}
	return n
}
