package transcript

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/holon-run/chatsync/pkg/protocol"
)

func TestAgentExecutionScenario(t *testing.T) {
	r, clk := newTestReconciler()
	ch := NewChannel("c1")

	r.AgentStart(ch, protocol.AgentStart{ExecutionID: "e1"})
	require.Len(t, ch.Messages, 1)
	msg := ch.Messages[0]
	require.NotNil(t, msg.AgentExecution)
	exec := msg.AgentExecution
	assert.Equal(t, ExecutionRunning, exec.Status)
	assert.Empty(t, exec.Phases)
	assert.Empty(t, exec.Subagents)

	r.NodeStart(ch, protocol.Node{ID: "plan"})
	require.Len(t, exec.Phases, 1)
	assert.Equal(t, "plan", exec.Phases[0].ID)
	assert.Equal(t, PhaseRunning, exec.Phases[0].Status)

	clk.advance(2 * time.Second)
	r.NodeStart(ch, protocol.Node{ID: "respond"})
	require.Len(t, exec.Phases, 2)
	assert.Equal(t, PhaseCompleted, exec.Phases[0].Status)
	assert.Equal(t, int64(2000), exec.Phases[0].DurationMs)
	assert.Equal(t, PhaseRunning, exec.Phases[1].Status)
	assert.Equal(t, "respond", exec.CurrentNodeID)

	clk.advance(time.Second)
	r.AgentEnd(ch, protocol.AgentEnd{Status: "completed"})
	assert.Equal(t, ExecutionCompleted, exec.Status)
	assert.Equal(t, 0, countRunningPhases(exec))
	assert.Equal(t, int64(1000), exec.Phases[1].DurationMs)
	assert.Equal(t, int64(3000), exec.DurationMs)
	assert.Equal(t, StatusCompleted, msg.Status)
}

func TestAgentStartConvertsPlaceholder(t *testing.T) {
	r, _ := newTestReconciler()
	ch := NewChannel("c1")
	r.Processing(ch, protocol.Processing{})

	out := r.AgentStart(ch, protocol.AgentStart{StreamID: "s1", ExecutionID: "e1", AgentName: "planner"})
	assert.False(t, out.Created)
	require.Len(t, ch.Messages, 1)
	msg := ch.Messages[0]
	assert.False(t, msg.IsPlaceholder)
	assert.Equal(t, "s1", msg.StreamID)
	assert.Equal(t, "planner", msg.AgentExecution.AgentName)

	again := r.AgentStart(ch, protocol.AgentStart{StreamID: "s1", ExecutionID: "e1"})
	assert.True(t, again.Dropped)
	assert.Len(t, ch.Messages, 1)
}

func TestSingleRunningPhase(t *testing.T) {
	r, clk := newTestReconciler()
	ch := NewChannel("c1")
	r.AgentStart(ch, protocol.AgentStart{ExecutionID: "e1"})
	exec := ch.Messages[0].AgentExecution

	for _, id := range []string{"a", "b", "a", "c", "b", "b"} {
		clk.advance(100 * time.Millisecond)
		r.NodeStart(ch, protocol.Node{ID: id, ExecutionID: "e1"})
		assert.Equal(t, 1, countRunningPhases(exec), "after node_start %s", id)
		assert.Equal(t, id, exec.CurrentNodeID)
	}
	assert.Len(t, exec.Phases, 3, "recurring ids reopen their phase")
}

func TestNodeStartReopenResetsContent(t *testing.T) {
	r, _ := newTestReconciler()
	ch := NewChannel("c1")
	r.AgentStart(ch, protocol.AgentStart{StreamID: "s1", ExecutionID: "e1"})
	r.NodeStart(ch, protocol.Node{ID: "draft", ExecutionID: "e1"})
	r.StreamingChunk(ch, protocol.Stream{ID: "s1", Content: "v1"})
	r.NodeStart(ch, protocol.Node{ID: "review", ExecutionID: "e1"})
	r.NodeStart(ch, protocol.Node{ID: "draft", ExecutionID: "e1"})

	exec := ch.Messages[0].AgentExecution
	draft := exec.PhaseByID("draft")
	require.NotNil(t, draft)
	assert.Equal(t, PhaseRunning, draft.Status)
	assert.Equal(t, "", draft.StreamedContent)
}

func TestNodeEndLeavesExecutionRunning(t *testing.T) {
	r, _ := newTestReconciler()
	ch := NewChannel("c1")
	r.AgentStart(ch, protocol.AgentStart{ExecutionID: "e1"})
	r.NodeStart(ch, protocol.Node{ID: "search", ExecutionID: "e1"})

	r.NodeEnd(ch, protocol.Node{ID: "search", ExecutionID: "e1", Status: "skipped", OutputSummary: "nothing to do", DurationMs: 42})
	exec := ch.Messages[0].AgentExecution
	phase := exec.PhaseByID("search")
	assert.Equal(t, PhaseSkipped, phase.Status)
	assert.Equal(t, int64(42), phase.DurationMs)
	assert.Equal(t, "nothing to do", phase.OutputSummary)
	assert.Equal(t, ExecutionRunning, exec.Status)
}

func TestAmbiguousExecutionEventIsDropped(t *testing.T) {
	r, _ := newTestReconciler()
	ch := NewChannel("c1")
	r.AgentStart(ch, protocol.AgentStart{ExecutionID: "e1"})
	r.AgentStart(ch, protocol.AgentStart{ExecutionID: "e2"})
	require.Len(t, ch.Messages, 2)

	out := r.NodeStart(ch, protocol.Node{ID: "plan"})
	assert.True(t, out.Dropped)
	assert.True(t, out.Ambiguous)
	assert.Len(t, ch.Messages, 2)
	assert.Empty(t, ch.Messages[0].AgentExecution.Phases)
	assert.Empty(t, ch.Messages[1].AgentExecution.Phases)

	r.NodeStart(ch, protocol.Node{ID: "plan", ExecutionID: "e2"})
	assert.Len(t, ch.Messages[1].AgentExecution.Phases, 1)
}

func TestLateNodeEventsAfterAgentEndAreDropped(t *testing.T) {
	r, _ := newTestReconciler()
	ch := NewChannel("c1")
	r.AgentStart(ch, protocol.AgentStart{StreamID: "s1", ExecutionID: "e1"})
	r.NodeStart(ch, protocol.Node{ID: "plan", ExecutionID: "e1"})
	r.AgentEnd(ch, protocol.AgentEnd{StreamID: "s1", ExecutionID: "e1"})
	exec := ch.Messages[0].AgentExecution
	require.Equal(t, ExecutionCompleted, exec.Status)

	out := r.NodeEnd(ch, protocol.Node{ID: "plan"})
	assert.True(t, out.Dropped)
	assert.False(t, out.Created)

	out = r.NodeEnd(ch, protocol.Node{ID: "plan", ExecutionID: "e1", Status: "failed"})
	assert.True(t, out.Dropped)
	assert.Equal(t, PhaseCompleted, exec.PhaseByID("plan").Status)

	out = r.NodeStart(ch, protocol.Node{ID: "review", ExecutionID: "e1"})
	assert.True(t, out.Dropped)
	assert.Nil(t, exec.PhaseByID("review"))

	assert.Len(t, ch.Messages, 1)
	assert.False(t, DeriveResponding(ch))
}

func TestUncorrelatedNestedEventsAreDropped(t *testing.T) {
	r, _ := newTestReconciler()
	ch := NewChannel("c1")
	r.AgentStart(ch, protocol.AgentStart{StreamID: "s1", ExecutionID: "e1"})
	r.AgentEnd(ch, protocol.AgentEnd{StreamID: "s1", ExecutionID: "e1"})

	out := r.NodeStart(ch, protocol.Node{ID: "search", ExecutionID: "e1.sub"})
	assert.True(t, out.Dropped)
	assert.False(t, out.Created)

	out = r.SubagentStart(ch, protocol.Subagent{ID: "sub-1", ExecutionID: "e9", ParentExecutionID: "e8"})
	assert.True(t, out.Dropped)
	out = r.SubagentEnd(ch, protocol.Subagent{ID: "sub-1", ExecutionID: "e9", Status: "completed"})
	assert.True(t, out.Dropped)

	out = r.SubagentStart(ch, protocol.Subagent{ID: "sub-2", ExecutionID: "e1.sub", ParentExecutionID: "e1"})
	assert.True(t, out.Dropped)
	assert.Empty(t, ch.Messages[0].AgentExecution.Subagents)

	assert.Len(t, ch.Messages, 1)
	assert.False(t, DeriveResponding(ch))
}

func TestNodeStartDoesNotReviveFinishedReply(t *testing.T) {
	r, _ := newTestReconciler()
	ch := NewChannel("c1")
	r.StreamingStart(ch, protocol.Stream{ID: "s1"})
	r.StreamingEnd(ch, protocol.Stream{ID: "s1", Content: "done"})

	out := r.NodeStart(ch, protocol.Node{ID: "plan", StreamID: "s1"})
	assert.True(t, out.Dropped)
	assert.Nil(t, ch.Messages[0].AgentExecution)
	assert.False(t, DeriveResponding(ch))
}

func TestSubagentMatchesParentExecution(t *testing.T) {
	r, clk := newTestReconciler()
	ch := NewChannel("c1")
	r.AgentStart(ch, protocol.AgentStart{ExecutionID: "root"})

	r.SubagentStart(ch, protocol.Subagent{
		ID:                "sub-1",
		Name:              "researcher",
		ExecutionID:       "child",
		ParentExecutionID: "root",
		Depth:             1,
		ExecutionPath:     []string{"root", "child"},
	})
	exec := ch.Messages[0].AgentExecution
	require.Len(t, exec.Subagents, 1)
	sub := exec.Subagents[0]
	assert.Equal(t, ExecutionRunning, sub.Status)
	assert.Equal(t, []string{"root", "child"}, sub.ExecutionPath)

	clk.advance(750 * time.Millisecond)
	r.SubagentEnd(ch, protocol.Subagent{ID: "sub-1", ExecutionID: "child", ParentExecutionID: "root", Status: "completed"})
	assert.Equal(t, ExecutionCompleted, sub.Status)
	assert.Equal(t, int64(750), sub.DurationMs)
	assert.Len(t, exec.Subagents, 1)
}

func TestProgressUpdateLastWriteWins(t *testing.T) {
	r, _ := newTestReconciler()
	ch := NewChannel("c1")
	r.AgentStart(ch, protocol.AgentStart{ExecutionID: "e1"})

	r.ProgressUpdate(ch, protocol.ProgressUpdate{ExecutionID: "e1", Percent: 10, Message: "start"})
	r.ProgressUpdate(ch, protocol.ProgressUpdate{ExecutionID: "e1", Percent: 60, Message: "half"})
	p := ch.Messages[0].AgentExecution.Progress
	require.NotNil(t, p)
	assert.Equal(t, 60.0, p.Percent)
	assert.Equal(t, "half", p.Message)

	out := r.ProgressUpdate(ch, protocol.ProgressUpdate{ExecutionID: "unknown", Percent: 1})
	assert.False(t, out.Dropped, "the sole running execution takes it")
}

func TestAgentEndCopiesPhaseContent(t *testing.T) {
	r, _ := newTestReconciler()
	ch := NewChannel("c1")
	r.AgentStart(ch, protocol.AgentStart{StreamID: "s1", ExecutionID: "e1"})
	r.NodeStart(ch, protocol.Node{ID: "respond", ExecutionID: "e1"})
	r.StreamingChunk(ch, protocol.Stream{ID: "s1", Content: "final answer"})

	r.AgentEnd(ch, protocol.AgentEnd{ExecutionID: "e1", Status: "completed"})
	msg := ch.Messages[0]
	assert.Equal(t, "final answer", msg.Content)
	assert.Equal(t, StatusCompleted, msg.Status)

	again := r.AgentEnd(ch, protocol.AgentEnd{ExecutionID: "e1", Status: "failed"})
	assert.True(t, again.Dropped)
	assert.Equal(t, StatusCompleted, msg.Status)
}

func TestAgentError(t *testing.T) {
	r, _ := newTestReconciler()
	ch := NewChannel("c1")
	r.AgentStart(ch, protocol.AgentStart{ExecutionID: "e1"})
	r.NodeStart(ch, protocol.Node{ID: "tool", ExecutionID: "e1"})

	r.AgentError(ch, protocol.AgentError{
		ExecutionID: "e1",
		Error:       protocol.AgentErrorDetail{Type: "tool_failure", Message: "boom", Recoverable: true, NodeID: "tool"},
	})
	msg := ch.Messages[0]
	exec := msg.AgentExecution
	assert.Equal(t, ExecutionFailed, exec.Status)
	require.NotNil(t, exec.Error)
	assert.Equal(t, "boom", exec.Error.Message)
	assert.Equal(t, PhaseFailed, exec.PhaseByID("tool").Status)
	assert.Equal(t, StatusFailed, msg.Status)
	require.NotNil(t, msg.Error)
	assert.Equal(t, "agent.tool_failure", msg.Error.Code)
	assert.Equal(t, "agent", msg.Error.Category)
	assert.True(t, msg.Error.Recoverable)
}

func TestAgentErrorWithoutTargetCreatesMessage(t *testing.T) {
	r, _ := newTestReconciler()
	ch := NewChannel("c1")

	out := r.AgentError(ch, protocol.AgentError{ExecutionID: "ghost", Error: protocol.AgentErrorDetail{Message: "lost"}})
	assert.True(t, out.Created)
	require.Len(t, ch.Messages, 1)
	assert.Equal(t, StatusFailed, ch.Messages[0].Status)
	assert.Equal(t, CodeInternal, ch.Messages[0].Error.Code)
}
