package transcript

import (
	"strings"
	"time"

	"github.com/holon-run/chatsync/pkg/protocol"
)

// ByExecutingKey matches the message keyed by the stream id, provided it can
// own an execution. It never steals a message bound to another execution.
var ByExecutingKey = Strategy{Name: "correlation_key", Find: findByExecutingKey}

// ExecutionChain is the precedence used for execution-scoped events.
var ExecutionChain = Chain{ByExecutionID, ByExecutingKey, SoleRunningExecution}

func findByExecutingKey(ch *Channel, q Query) Match {
	i := IndexOfKey(ch, q.StreamID)
	if i < 0 {
		return noMatch
	}
	exec := ch.Messages[i].AgentExecution
	if exec != nil && q.ExecutionID != "" && exec.ID != "" && exec.ID != q.ExecutionID {
		return noMatch
	}
	return hit(i)
}

// ResolveExecution maps an execution-scoped event to the owning message.
func ResolveExecution(ch *Channel, streamID, executionID string) Match {
	return ExecutionChain.Resolve(ch, Query{StreamID: streamID, ExecutionID: executionID})
}

// executionTarget resolves the message owning an execution. When nothing
// correlates and create is set, a synthetic message holding a running
// execution is appended so the event is not lost.
func (r *Reconciler) executionTarget(ch *Channel, streamID, executionID string, create bool) (Outcome, *Message) {
	m := ResolveExecution(ch, streamID, executionID)
	if m.Ambiguous {
		return dropped(m), nil
	}
	if m.Found() {
		return Outcome{Index: m.Index, Strategy: m.Strategy}, ch.Messages[m.Index]
	}
	if !create {
		return Outcome{Index: -1, Dropped: true}, nil
	}
	msg := r.newMessage(RoleAssistant, StatusPending, streamID)
	msg.AgentExecution = NewExecution(executionID, r.now())
	return Outcome{Index: appendMessage(ch, msg), Created: true}, msg
}

// AgentStart attaches a running execution to the reply, converting the
// placeholder or creating a fresh message.
func (r *Reconciler) AgentStart(ch *Channel, p protocol.AgentStart) Outcome {
	now := r.now()
	if i := IndexOfExecution(ch, p.ExecutionID); i >= 0 {
		return Outcome{Index: i, Strategy: ByExecutionID.Name, Dropped: true}
	}

	out := Outcome{Index: -1}
	if i := IndexOfKey(ch, p.StreamID); i >= 0 && ch.Messages[i].AgentExecution == nil {
		out.Index, out.Strategy = i, ByCorrelationKey.Name
	} else if i := FirstUnattachedPlaceholder(ch); i >= 0 {
		out.Index, out.Strategy = i, "unattached_placeholder"
	}
	if out.Index < 0 {
		out.Index = appendMessage(ch, r.newMessage(RoleAssistant, StatusPending, p.StreamID))
		out.Created = true
	}

	msg := ch.Messages[out.Index]
	exec := NewExecution(p.ExecutionID, now)
	exec.AgentName = p.AgentName
	exec.AgentType = p.AgentType
	msg.AgentExecution = exec
	msg.IsPlaceholder = false
	if p.StreamID != "" {
		msg.StreamID = p.StreamID
	}
	if msg.Status.Terminal() || msg.Status == "" {
		msg.Status = StatusPending
	}
	r.touch(msg)
	return out
}

// NodeStart opens a phase. Any running phase is closed first so that at most
// one phase runs at a time; a known phase id is reopened rather than
// duplicated.
func (r *Reconciler) NodeStart(ch *Channel, p protocol.Node) Outcome {
	out, msg := r.structureTarget(ch, p.StreamID, p.ExecutionID)
	if msg == nil {
		return out
	}
	now := r.now()
	exec := EnsureExecution(msg, p.ExecutionID, now)
	CloseRunningPhases(exec, PhaseCompleted, now)

	id := p.ID
	if id == "" {
		id = FallbackPhaseID
	}
	phase := exec.PhaseByID(id)
	if phase == nil {
		phase = &Phase{ID: id}
		exec.Phases = append(exec.Phases, phase)
	}
	phase.Status = PhaseRunning
	phase.StreamedContent = ""
	phase.DurationMs = 0
	phase.StartedAt = now
	if p.Name != "" {
		phase.Name = p.Name
	}
	if p.Type != "" {
		phase.Type = p.Type
	}
	exec.CurrentNodeID = id
	msg.IsPlaceholder = false
	r.touch(msg)
	return out
}

// NodeEnd closes the named phase. The execution status is left alone.
func (r *Reconciler) NodeEnd(ch *Channel, p protocol.Node) Outcome {
	out, msg := r.structureTarget(ch, p.StreamID, p.ExecutionID)
	if msg == nil {
		return out
	}
	now := r.now()
	exec := EnsureExecution(msg, p.ExecutionID, now)
	id := p.ID
	if id == "" {
		id = FallbackPhaseID
	}
	phase := exec.PhaseByID(id)
	if phase == nil {
		phase = &Phase{ID: id, Name: p.Name, Type: p.Type, StartedAt: now}
		exec.Phases = append(exec.Phases, phase)
	}
	ClosePhase(phase, phaseEndStatus(p.Status), now)
	if p.DurationMs > 0 {
		phase.DurationMs = p.DurationMs
	}
	if p.OutputSummary != "" {
		phase.OutputSummary = p.OutputSummary
	}
	r.touch(msg)
	return out
}

func phaseEndStatus(s string) PhaseStatus {
	switch PhaseStatus(strings.ToLower(strings.TrimSpace(s))) {
	case PhaseSkipped:
		return PhaseSkipped
	case PhaseFailed, "error":
		return PhaseFailed
	case PhaseCancelled:
		return PhaseCancelled
	}
	return PhaseCompleted
}

// structureTarget resolves the message a node event belongs to. Nothing is
// created for an uncorrelated event, and a message whose execution already
// ended takes no further phases.
func (r *Reconciler) structureTarget(ch *Channel, streamID, executionID string) (Outcome, *Message) {
	out, msg := r.executionTarget(ch, streamID, executionID, false)
	if msg != nil && !acceptsStructure(msg) {
		out.Dropped = true
		return out, nil
	}
	return out, msg
}

func acceptsStructure(msg *Message) bool {
	if msg.AgentExecution != nil {
		return msg.AgentExecution.Status == ExecutionRunning
	}
	return !msg.Status.Terminal()
}

// subagentTarget matches the execution by the sub-agent's own execution id,
// then by its declared parent.
func (r *Reconciler) subagentTarget(ch *Channel, p protocol.Subagent) (Outcome, *Message) {
	for _, id := range []string{p.ExecutionID, p.ParentExecutionID} {
		if i := IndexOfExecution(ch, id); i >= 0 {
			out := Outcome{Index: i, Strategy: ByExecutionID.Name}
			if !acceptsStructure(ch.Messages[i]) {
				out.Dropped = true
				return out, nil
			}
			return out, ch.Messages[i]
		}
	}
	owner := p.ParentExecutionID
	if owner == "" {
		owner = p.ExecutionID
	}
	return r.structureTarget(ch, p.StreamID, owner)
}

// SubagentStart records a nested agent run on the matching execution.
func (r *Reconciler) SubagentStart(ch *Channel, p protocol.Subagent) Outcome {
	out, msg := r.subagentTarget(ch, p)
	if msg == nil {
		return out
	}
	now := r.now()
	exec := EnsureExecution(msg, p.ParentExecutionID, now)
	sub := exec.SubagentByID(p.ID)
	if sub == nil {
		sub = &Subagent{ID: p.ID}
		exec.Subagents = append(exec.Subagents, sub)
	}
	sub.Name = firstNonEmpty(p.Name, sub.Name)
	sub.Type = firstNonEmpty(p.Type, sub.Type)
	sub.Status = ExecutionRunning
	sub.Depth = p.Depth
	if len(p.ExecutionPath) > 0 {
		sub.ExecutionPath = append([]string(nil), p.ExecutionPath...)
	}
	sub.StartedAt = now
	sub.CompletedAt = time.Time{}
	sub.DurationMs = 0
	r.touch(msg)
	return out
}

// SubagentEnd closes a nested agent run.
func (r *Reconciler) SubagentEnd(ch *Channel, p protocol.Subagent) Outcome {
	out, msg := r.subagentTarget(ch, p)
	if msg == nil {
		return out
	}
	now := r.now()
	exec := EnsureExecution(msg, p.ParentExecutionID, now)
	sub := exec.SubagentByID(p.ID)
	if sub == nil {
		sub = &Subagent{ID: p.ID, Name: p.Name, Type: p.Type, Depth: p.Depth, StartedAt: now}
		exec.Subagents = append(exec.Subagents, sub)
	}
	sub.Status = executionEndStatus(p.Status)
	sub.CompletedAt = now
	switch {
	case p.DurationMs > 0:
		sub.DurationMs = p.DurationMs
	case !sub.StartedAt.IsZero():
		sub.DurationMs = now.Sub(sub.StartedAt).Milliseconds()
	}
	r.touch(msg)
	return out
}

// ProgressUpdate overwrites the execution's progress.
func (r *Reconciler) ProgressUpdate(ch *Channel, p protocol.ProgressUpdate) Outcome {
	out, msg := r.executionTarget(ch, p.StreamID, p.ExecutionID, false)
	if msg == nil || msg.AgentExecution == nil {
		out.Dropped = true
		return out
	}
	now := r.now()
	msg.AgentExecution.Progress = &Progress{Percent: p.Percent, Message: p.Message, UpdatedAt: now}
	r.touch(msg)
	return out
}

func executionEndStatus(s string) ExecutionStatus {
	switch ExecutionStatus(strings.ToLower(strings.TrimSpace(s))) {
	case ExecutionFailed, "error":
		return ExecutionFailed
	case ExecutionCancelled, "canceled", "aborted":
		return ExecutionCancelled
	}
	return ExecutionCompleted
}

func messageStatusFor(s ExecutionStatus) Status {
	switch s {
	case ExecutionFailed:
		return StatusFailed
	case ExecutionCancelled:
		return StatusCancelled
	}
	return StatusCompleted
}

// AgentEnd finalizes the execution and its message.
func (r *Reconciler) AgentEnd(ch *Channel, p protocol.AgentEnd) Outcome {
	out, msg := r.executionTarget(ch, p.StreamID, p.ExecutionID, false)
	if msg == nil {
		return out
	}
	now := r.now()
	exec := EnsureExecution(msg, p.ExecutionID, now)
	if exec.Status != ExecutionRunning && msg.Status.Terminal() {
		out.Dropped = true
		return out
	}
	status := executionEndStatus(p.Status)
	if p.Output != "" {
		exec.Output = p.Output
	}
	if exec.Status == ExecutionRunning {
		FinalizeExecution(exec, status, now)
	}
	FinalizeMessage(msg, messageStatusFor(exec.Status), now)
	if msg.Content == "" {
		msg.Content = exec.Output
	}
	return out
}

// AgentError attaches the failure to the execution and fails it. An error
// nothing correlates with becomes a new failed message.
func (r *Reconciler) AgentError(ch *Channel, p protocol.AgentError) Outcome {
	out, msg := r.executionTarget(ch, p.StreamID, p.ExecutionID, true)
	if msg == nil {
		return out
	}
	now := r.now()
	exec := EnsureExecution(msg, p.ExecutionID, now)
	exec.Error = &ExecutionError{
		Type:        p.Error.Type,
		Message:     p.Error.Message,
		Recoverable: p.Error.Recoverable,
		NodeID:      p.Error.NodeID,
	}
	if exec.Status == ExecutionRunning {
		FinalizeExecution(exec, ExecutionFailed, now)
		if p.Error.NodeID != "" {
			if phase := exec.PhaseByID(p.Error.NodeID); phase != nil {
				phase.Status = PhaseFailed
			}
		}
	}
	code := ""
	if p.Error.Type != "" {
		code = CodeAgentPrefix + p.Error.Type
	}
	msg.Error = NewMessageError(code, "", p.Error.Message, p.Error.Recoverable, "")
	FinalizeMessage(msg, StatusFailed, now)
	ch.Responding = false
	return out
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
