package transcript

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/holon-run/chatsync/pkg/protocol"
)

func TestErrorWithoutTargetCreatesFailedMessage(t *testing.T) {
	r, _ := newTestReconciler()
	ch := NewChannel("c1")
	ch.Responding = true

	out := r.Error(ch, protocol.Error{Message: "upstream exploded"})
	assert.True(t, out.Created)
	assert.False(t, ch.Responding)
	require.Len(t, ch.Messages, 1)
	msg := ch.Messages[0]
	assert.Equal(t, StatusFailed, msg.Status)
	require.NotNil(t, msg.Error)
	assert.Equal(t, CodeInternal, msg.Error.Code)
	assert.Equal(t, "system", msg.Error.Category)
	assert.True(t, msg.Error.Synthesized())
}

func TestErrorTargetsPlaceholder(t *testing.T) {
	r, _ := newTestReconciler()
	ch := NewChannel("c1")
	r.Processing(ch, protocol.Processing{})

	out := r.Error(ch, protocol.Error{Code: "provider.rate_limited", Message: "slow down", Recoverable: true})
	assert.Equal(t, "placeholder", out.Strategy)
	require.Len(t, ch.Messages, 1)
	msg := ch.Messages[0]
	assert.Equal(t, StatusFailed, msg.Status)
	assert.False(t, msg.IsPlaceholder)
	assert.Equal(t, "provider", msg.Error.Category)
	assert.True(t, msg.Error.Recoverable)
	assert.False(t, msg.Error.Synthesized())
}

func TestErrorFailsRunningExecution(t *testing.T) {
	r, _ := newTestReconciler()
	ch := NewChannel("c1")
	r.AgentStart(ch, protocol.AgentStart{ExecutionID: "e1"})
	r.NodeStart(ch, protocol.Node{ID: "plan", ExecutionID: "e1"})

	r.Error(ch, protocol.Error{ExecutionID: "e1", Code: "agent.timeout", Detail: json.RawMessage(`{"after":"30s"}`)})
	msg := ch.Messages[0]
	assert.Equal(t, StatusFailed, msg.Status)
	assert.Equal(t, ExecutionFailed, msg.AgentExecution.Status)
	assert.Equal(t, PhaseFailed, msg.AgentExecution.Phases[0].Status)
	assert.Equal(t, `{"after":"30s"}`, msg.Error.Detail)
}

func TestInsufficientBalance(t *testing.T) {
	r, _ := newTestReconciler()
	ch := NewChannel("c1")
	r.Processing(ch, protocol.Processing{})

	out := r.InsufficientBalance(ch, protocol.InsufficientBalance{Balance: 0.5, Required: 2})
	require.NotNil(t, out.Effect)
	assert.Equal(t, SeverityError, out.Effect.Severity)
	assert.Equal(t, CodeInsufficientBalance, out.Effect.Code)
	require.NotNil(t, out.Effect.Action)
	assert.Equal(t, TopUpTarget, out.Effect.Action.Target)
	assert.Contains(t, out.Effect.Message, "2.00")

	require.Len(t, ch.Messages, 1)
	assert.Equal(t, StatusFailed, ch.Messages[0].Status)
	assert.Equal(t, "billing", ch.Messages[0].Error.Category)
}

func TestParallelChatLimitRemovesPlaceholder(t *testing.T) {
	r, _ := newTestReconciler()
	ch := NewChannel("c1")
	r.Message(ch, protocol.Message{ID: "u1", Role: "user", Content: "hi"})
	r.Processing(ch, protocol.Processing{})

	out := r.ParallelChatLimit(ch, protocol.ParallelChatLimit{Limit: 3, Active: 3})
	assert.True(t, out.Removed)
	require.NotNil(t, out.Effect)
	assert.Equal(t, SeverityWarning, out.Effect.Severity)
	assert.Equal(t, "3 of 3 parallel conversations are running. Wait for one to finish.", out.Effect.Message)
	require.Len(t, ch.Messages, 1)
	assert.Equal(t, RoleUser, ch.Messages[0].Role)
}

func TestStreamAbortedCancelsLiveState(t *testing.T) {
	r, clk := newTestReconciler()
	ch := NewChannel("c1")
	r.AgentStart(ch, protocol.AgentStart{StreamID: "s1", ExecutionID: "e1"})
	r.NodeStart(ch, protocol.Node{ID: "act", ExecutionID: "e1"})
	r.ToolCallRequest(ch, protocol.ToolCallRequest{ID: "t1", Name: "shell", ExecutionID: "e1"})
	r.StreamingStart(ch, protocol.Stream{ID: "s2"})
	r.Processing(ch, protocol.Processing{})
	r.BeginAbort(ch)
	require.True(t, ch.Aborting)

	clk.advance(time.Second)
	r.StreamAborted(ch, protocol.StreamAborted{})
	for _, msg := range ch.Messages {
		assert.Equal(t, StatusCancelled, msg.Status, msg.ID)
		assert.False(t, msg.IsStreaming)
		assert.False(t, msg.IsPlaceholder)
	}
	exec := ch.Messages[0].AgentExecution
	assert.Equal(t, ExecutionCancelled, exec.Status)
	assert.Equal(t, PhaseCancelled, exec.Phases[0].Status)
	assert.Equal(t, int64(1000), exec.Phases[0].DurationMs)
	_, tc := FindToolCall(ch, "t1")
	assert.Equal(t, ToolFailed, tc.Status)
	assert.False(t, ch.Aborting)
	assert.False(t, ch.Responding)

	before := ch.Clone()
	r.StreamAborted(ch, protocol.StreamAborted{})
	assert.Equal(t, before, ch)
}

func TestStreamAbortedLeavesFinishedTurns(t *testing.T) {
	r, _ := newTestReconciler()
	ch := NewChannel("c1")
	r.StreamingStart(ch, protocol.Stream{ID: "s1"})
	r.StreamingEnd(ch, protocol.Stream{ID: "s1", Content: "done"})

	r.ForceCancel(ch)
	assert.Equal(t, StatusCompleted, ch.Messages[0].Status)
}

func TestToolCallAttachesToActivePhase(t *testing.T) {
	r, _ := newTestReconciler()
	ch := NewChannel("c1")
	r.AgentStart(ch, protocol.AgentStart{ExecutionID: "e1"})
	r.NodeStart(ch, protocol.Node{ID: "plan", ExecutionID: "e1"})
	r.NodeEnd(ch, protocol.Node{ID: "plan", ExecutionID: "e1"})

	r.ToolCallRequest(ch, protocol.ToolCallRequest{ID: "t1", Name: "search", ExecutionID: "e1", Arguments: json.RawMessage(`{"q":"go"}`)})
	exec := ch.Messages[0].AgentExecution
	require.Len(t, exec.Phases, 1, "no phase is fabricated for the call")
	require.Len(t, exec.Phases[0].ToolCalls, 1)
	call := exec.Phases[0].ToolCalls[0]
	assert.Equal(t, ToolExecuting, call.Status)
	assert.Equal(t, `{"q":"go"}`, call.Arguments)
	assert.True(t, ch.Responding)

	r.NodeStart(ch, protocol.Node{ID: "act", ExecutionID: "e1"})
	r.ToolCallRequest(ch, protocol.ToolCallRequest{ID: "t2", Name: "fetch", ExecutionID: "e1"})
	assert.Len(t, exec.PhaseByID("act").ToolCalls, 1)
}

func TestToolCallOpensFallbackPhase(t *testing.T) {
	r, _ := newTestReconciler()
	ch := NewChannel("c1")
	r.AgentStart(ch, protocol.AgentStart{ExecutionID: "e1"})

	r.ToolCallRequest(ch, protocol.ToolCallRequest{ID: "t1", Name: "search"})
	exec := ch.Messages[0].AgentExecution
	require.Len(t, exec.Phases, 1)
	assert.Equal(t, FallbackPhaseID, exec.Phases[0].ID)
}

func TestToolCallKeepsExecutionBearingPlaceholder(t *testing.T) {
	r, _ := newTestReconciler()
	ch := NewChannel("c1")
	r.Processing(ch, protocol.Processing{})
	r.AgentStart(ch, protocol.AgentStart{ExecutionID: "e1"})

	out := r.ToolCallRequest(ch, protocol.ToolCallRequest{ID: "t1", Name: "search", ExecutionID: "e1"})
	assert.False(t, out.Removed)
	require.Len(t, ch.Messages, 1)
	assert.NotNil(t, ch.Messages[0].AgentExecution)
}

func TestAmbiguousToolCallKeepsPlaceholder(t *testing.T) {
	r, _ := newTestReconciler()
	ch := NewChannel("c1")
	r.AgentStart(ch, protocol.AgentStart{StreamID: "s1", ExecutionID: "e1"})
	r.AgentStart(ch, protocol.AgentStart{StreamID: "s2", ExecutionID: "e2"})
	r.Processing(ch, protocol.Processing{})
	require.Len(t, ch.Messages, 3)

	out := r.ToolCallRequest(ch, protocol.ToolCallRequest{ID: "t1", Name: "search"})
	assert.True(t, out.Dropped)
	assert.True(t, out.Ambiguous)
	assert.False(t, out.Removed)
	require.Len(t, ch.Messages, 3)
	assert.True(t, ch.Messages[2].IsUnattachedPlaceholder())
	_, tc := FindToolCall(ch, "t1")
	assert.Nil(t, tc)

	out = r.ToolCallRequest(ch, protocol.ToolCallRequest{ID: "t1", Name: "search", ExecutionID: "e2"})
	assert.False(t, out.Dropped)
	assert.True(t, out.Removed)
	assert.Equal(t, 1, out.Index)
	require.Len(t, ch.Messages, 2)
	assert.Len(t, ch.Messages[1].AgentExecution.Phases[0].ToolCalls, 1)
}

func TestStandaloneToolCallLifecycle(t *testing.T) {
	r, _ := newTestReconciler()
	ch := NewChannel("c1")
	r.Processing(ch, protocol.Processing{})

	out := r.ToolCallRequest(ch, protocol.ToolCallRequest{ID: "t1", Name: "delete_file", RequiresConfirmation: true})
	assert.True(t, out.Removed)
	assert.True(t, out.Created)
	require.Len(t, ch.Messages, 1)
	msg := ch.Messages[0]
	assert.Equal(t, StatusWaitingForUser, msg.Status)
	assert.Equal(t, ToolWaitingConfirmation, msg.ToolCalls[0].Status)

	r.ToolCallResponse(ch, protocol.ToolCallResponse{ID: "t1", Status: "executing"})
	assert.Equal(t, StatusStreaming, msg.Status)

	r.ToolCallResponse(ch, protocol.ToolCallResponse{ID: "t1", Result: json.RawMessage(`{"deleted": true}`)})
	assert.Equal(t, ToolCompleted, msg.ToolCalls[0].Status)
	assert.Equal(t, `{"deleted":true}`, msg.ToolCalls[0].Result)
	assert.Equal(t, StatusCompleted, msg.Status)
}

func TestToolCallResponseFailure(t *testing.T) {
	r, _ := newTestReconciler()
	ch := NewChannel("c1")
	r.ToolCallRequest(ch, protocol.ToolCallRequest{ID: "t1", Name: "fetch"})

	r.ToolCallResponse(ch, protocol.ToolCallResponse{ID: "t1", Error: "404", Result: json.RawMessage(`"not found"`)})
	tc := ch.Messages[0].ToolCalls[0]
	assert.Equal(t, ToolFailed, tc.Status)
	assert.Equal(t, "404", tc.Error)
	assert.Equal(t, "not found", tc.Result)
}

func TestUnknownToolCallResponse(t *testing.T) {
	r, _ := newTestReconciler()
	ch := NewChannel("c1")

	out := r.ToolCallResponse(ch, protocol.ToolCallResponse{ID: "orphan", Status: "completed"})
	assert.True(t, out.Created)
	_, tc := FindToolCall(ch, "orphan")
	require.NotNil(t, tc)
	assert.Equal(t, ToolCompleted, tc.Status)
}

func TestTopicUpdated(t *testing.T) {
	r, _ := newTestReconciler()
	ch := NewChannel("c1")
	h := &History{}
	h.Upsert("c1", "New chat", time.Time{})
	h.Upsert("c2", "Other", time.Time{})

	r.TopicUpdated(ch, h, protocol.TopicUpdated{Title: "Trip planning"})
	assert.Equal(t, "Trip planning", ch.Title)
	title, ok := h.Title("c1")
	assert.True(t, ok)
	assert.Equal(t, "Trip planning", title)

	r.TopicUpdated(ch, h, protocol.TopicUpdated{TopicID: "c2", Title: "Renamed"})
	assert.Equal(t, "Trip planning", ch.Title)
	title, _ = h.Title("c2")
	assert.Equal(t, "Renamed", title)
}

func TestCitationsAndFilesMergeByID(t *testing.T) {
	r, _ := newTestReconciler()
	ch := NewChannel("c1")
	r.StreamingStart(ch, protocol.Stream{ID: "s1"})

	r.SearchCitations(ch, protocol.SearchCitations{Citations: []protocol.Citation{{ID: "a", Title: "A"}, {ID: "b"}}})
	r.SearchCitations(ch, protocol.SearchCitations{Citations: []protocol.Citation{{ID: "a", Title: "A2"}, {ID: "c"}}})
	msg := ch.Messages[0]
	require.Len(t, msg.Citations, 3)
	assert.Equal(t, "A2", msg.Citations[0].Title)

	r.StreamingEnd(ch, protocol.Stream{ID: "s1"})
	r.GeneratedFiles(ch, protocol.GeneratedFiles{Files: []protocol.Attachment{{ID: "f1", Name: "report.pdf"}}})
	r.GeneratedFiles(ch, protocol.GeneratedFiles{StreamID: "s1", Files: []protocol.Attachment{{ID: "f1", Name: "report.pdf"}}})
	assert.Len(t, msg.Attachments, 1)
}

func TestCitationsWithoutAnswerAreDropped(t *testing.T) {
	r, _ := newTestReconciler()
	ch := NewChannel("c1")
	r.Message(ch, protocol.Message{ID: "u1", Role: "user"})

	out := r.SearchCitations(ch, protocol.SearchCitations{Citations: []protocol.Citation{{ID: "a"}}})
	assert.True(t, out.Dropped)
	assert.Empty(t, ch.Messages[0].Citations)
}
