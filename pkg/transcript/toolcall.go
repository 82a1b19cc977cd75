package transcript

import (
	"strings"
	"time"

	"github.com/holon-run/chatsync/pkg/protocol"
)

// ByRunningKey matches the keyed message only while it owns a running
// execution.
var ByRunningKey = Strategy{Name: "correlation_key", Find: func(ch *Channel, q Query) Match {
	i := IndexOfKey(ch, q.StreamID)
	if i >= 0 && ch.Messages[i].HasRunningExecution() {
		return hit(i)
	}
	return noMatch
}}

// ToolChain is the precedence used to find the execution a tool call runs in.
var ToolChain = Chain{ByExecutionID, ByRunningKey, SoleRunningExecution}

// ToolCallRequest records a tool invocation. Inside a running execution the
// call is attached to the active phase; otherwise it lives on a standalone
// message.
func (r *Reconciler) ToolCallRequest(ch *Channel, p protocol.ToolCallRequest) Outcome {
	if i, tc := FindToolCall(ch, p.ID); tc != nil {
		return Outcome{Index: i, Strategy: "tool_call_id", Dropped: true}
	}
	m := ToolChain.Resolve(ch, Query{StreamID: p.StreamID, ExecutionID: p.ExecutionID})
	if m.Ambiguous {
		return dropped(m)
	}
	ch.Responding = true
	now := r.now()
	out := Outcome{Index: -1}
	// The unattached placeholder gives way to whatever now holds the call.
	// Indices past it shift down by one.
	clearPlaceholder := func(keep int) int {
		i := FirstUnattachedPlaceholder(ch)
		if i < 0 || i == keep {
			return keep
		}
		removeMessage(ch, i)
		out.Removed = true
		if keep > i {
			keep--
		}
		return keep
	}

	call := &ToolCall{
		ID:        p.ID,
		Name:      p.Name,
		Arguments: protocol.ResultString(p.Arguments),
		Status:    ToolExecuting,
		StartedAt: now,
	}
	if p.RequiresConfirmation {
		call.Status = ToolWaitingConfirmation
	}

	if m.Found() && ch.Messages[m.Index].HasRunningExecution() {
		msg := ch.Messages[m.Index]
		phase := EnsureFallbackPhase(msg.AgentExecution, now)
		phase.ToolCalls = append(phase.ToolCalls, call)
		msg.IsPlaceholder = false
		r.touch(msg)
		out.Index, out.Strategy = clearPlaceholder(m.Index), m.Strategy
		return out
	}

	status := StatusStreaming
	if p.RequiresConfirmation {
		status = StatusWaitingForUser
	}
	if i := IndexOfKey(ch, p.StreamID); i >= 0 && !ch.Messages[i].Status.Terminal() {
		msg := ch.Messages[i]
		msg.ToolCalls = append(msg.ToolCalls, call)
		msg.IsPlaceholder = false
		if p.RequiresConfirmation {
			msg.Status = status
		}
		r.touch(msg)
		out.Index, out.Strategy = clearPlaceholder(i), ByCorrelationKey.Name
		return out
	}
	clearPlaceholder(-1)
	msg := r.newMessage(RoleAssistant, status, p.StreamID)
	if p.StreamID == "" {
		msg.ID = r.id("tool")
	}
	msg.ToolCalls = []*ToolCall{call}
	out.Index = appendMessage(ch, msg)
	out.Created = true
	return out
}

func toolResponseStatus(p protocol.ToolCallResponse) ToolCallStatus {
	switch strings.ToLower(strings.TrimSpace(p.Status)) {
	case "failed", "error", "rejected", "denied":
		return ToolFailed
	case "executing", "running", "confirmed", "approved":
		return ToolExecuting
	case "completed", "success", "succeeded", "done":
		return ToolCompleted
	}
	if p.Error != "" {
		return ToolFailed
	}
	return ToolCompleted
}

// ToolCallResponse updates a call found by id in phase-scoped or standalone
// locations. The result is stored as its JSON text; string results are kept
// unquoted.
func (r *Reconciler) ToolCallResponse(ch *Channel, p protocol.ToolCallResponse) Outcome {
	now := r.now()
	status := toolResponseStatus(p)
	i, tc := FindToolCall(ch, p.ID)
	out := Outcome{Index: i, Strategy: "tool_call_id"}
	if tc == nil {
		tc = &ToolCall{ID: p.ID, StartedAt: now}
		msg := r.newMessage(RoleAssistant, StatusStreaming, "")
		msg.ID = r.id("tool")
		msg.ToolCalls = []*ToolCall{tc}
		out = Outcome{Index: appendMessage(ch, msg), Created: true}
	}
	tc.Status = status
	if len(p.Result) > 0 {
		tc.Result = protocol.ResultString(p.Result)
	}
	if p.Error != "" {
		tc.Error = p.Error
	}
	if !status.Active() {
		tc.CompletedAt = now
	}

	msg := ch.Messages[out.Index]
	if msg.AgentExecution == nil {
		settleStandalone(msg, now)
	}
	r.touch(msg)
	return out
}

// settleStandalone moves a tool-call message on once its calls allow it: a
// confirmed call resumes streaming and a message whose calls all finished is
// completed.
func settleStandalone(msg *Message, now time.Time) {
	if msg.Status.Terminal() || msg.IsStreaming {
		return
	}
	if q := msg.UserQuestion; q != nil && !q.Answered {
		return
	}
	waiting, active := false, false
	for _, tc := range msg.ToolCalls {
		switch tc.Status {
		case ToolWaitingConfirmation:
			waiting = true
		case ToolExecuting:
			active = true
		}
	}
	switch {
	case waiting:
		msg.Status = StatusWaitingForUser
	case active:
		msg.Status = StatusStreaming
	default:
		FinalizeMessage(msg, StatusCompleted, now)
	}
}
