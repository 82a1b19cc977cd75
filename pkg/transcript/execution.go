package transcript

import (
	"time"
)

// FallbackPhaseID names the phase created when work arrives for an execution
// that has not opened any phase.
const FallbackPhaseID = "main"

// ClearTransientFlags drops the placeholder, streaming and thinking flags.
func ClearTransientFlags(m *Message, now time.Time) {
	m.IsPlaceholder = false
	m.IsStreaming = false
	if m.IsThinking {
		m.IsThinking = false
		if !m.ThinkingStarted.IsZero() {
			m.ThinkingMs += now.Sub(m.ThinkingStarted).Milliseconds()
			m.ThinkingStarted = time.Time{}
		}
	}
}

// NewExecution returns a running execution with no phases.
func NewExecution(id string, now time.Time) *AgentExecutionState {
	return &AgentExecutionState{
		ID:        id,
		Status:    ExecutionRunning,
		Phases:    make([]*Phase, 0),
		Subagents: make([]*Subagent, 0),
		StartedAt: now,
	}
}

// EnsureExecution returns the message execution, attaching a running one
// when the message has none.
func EnsureExecution(m *Message, executionID string, now time.Time) *AgentExecutionState {
	if m.AgentExecution == nil {
		m.AgentExecution = NewExecution(executionID, now)
	} else if m.AgentExecution.ID == "" {
		m.AgentExecution.ID = executionID
	}
	return m.AgentExecution
}

// PhaseByID returns the phase with the given id, or nil.
func (e *AgentExecutionState) PhaseByID(id string) *Phase {
	for _, p := range e.Phases {
		if p.ID == id {
			return p
		}
	}
	return nil
}

// RunningPhase returns the running phase, or nil.
func (e *AgentExecutionState) RunningPhase() *Phase {
	for i := len(e.Phases) - 1; i >= 0; i-- {
		if e.Phases[i].Status == PhaseRunning {
			return e.Phases[i]
		}
	}
	return nil
}

// LastPhase returns the most recently added phase, or nil.
func (e *AgentExecutionState) LastPhase() *Phase {
	if len(e.Phases) == 0 {
		return nil
	}
	return e.Phases[len(e.Phases)-1]
}

// ActivePhase picks the phase new work belongs to: the phase named by the
// current node pointer, else the running phase, else the last phase.
func (e *AgentExecutionState) ActivePhase() *Phase {
	if e.CurrentNodeID != "" {
		if p := e.PhaseByID(e.CurrentNodeID); p != nil {
			return p
		}
	}
	if p := e.RunningPhase(); p != nil {
		return p
	}
	return e.LastPhase()
}

// SubagentByID returns the sub-agent record with the given id, or nil.
func (e *AgentExecutionState) SubagentByID(id string) *Subagent {
	for _, s := range e.Subagents {
		if s.ID == id {
			return s
		}
	}
	return nil
}

// PhaseContent returns the most recent non-empty phase content.
func (e *AgentExecutionState) PhaseContent() string {
	for i := len(e.Phases) - 1; i >= 0; i-- {
		if e.Phases[i].StreamedContent != "" {
			return e.Phases[i].StreamedContent
		}
	}
	return ""
}

// EnsureFallbackPhase returns the phase work should attach to, opening the
// fallback phase only when the execution has none at all.
func EnsureFallbackPhase(e *AgentExecutionState, now time.Time) *Phase {
	if p := e.ActivePhase(); p != nil {
		return p
	}
	p := &Phase{ID: FallbackPhaseID, Name: FallbackPhaseID, Status: PhaseRunning, StartedAt: now}
	e.Phases = append(e.Phases, p)
	e.CurrentNodeID = p.ID
	return p
}

// ClosePhase moves a phase to a terminal status and records its duration.
func ClosePhase(p *Phase, status PhaseStatus, now time.Time) {
	p.Status = status
	if !p.StartedAt.IsZero() {
		p.DurationMs = now.Sub(p.StartedAt).Milliseconds()
	}
}

// CloseRunningPhases force-closes every running phase.
func CloseRunningPhases(e *AgentExecutionState, status PhaseStatus, now time.Time) {
	for _, p := range e.Phases {
		if p.Status == PhaseRunning {
			ClosePhase(p, status, now)
		}
	}
}

func phaseStatusFor(s ExecutionStatus) PhaseStatus {
	switch s {
	case ExecutionFailed:
		return PhaseFailed
	case ExecutionCancelled:
		return PhaseCancelled
	}
	return PhaseCompleted
}

// FinalizeExecution moves an execution to a terminal status and closes its
// running phases and sub-agents.
func FinalizeExecution(e *AgentExecutionState, status ExecutionStatus, now time.Time) {
	if status == ExecutionRunning || status == "" {
		status = ExecutionCompleted
	}
	e.Status = status
	e.CurrentNodeID = ""
	CloseRunningPhases(e, phaseStatusFor(status), now)
	for _, s := range e.Subagents {
		if s.Status == ExecutionRunning {
			s.Status = status
			s.CompletedAt = now
			if !s.StartedAt.IsZero() {
				s.DurationMs = now.Sub(s.StartedAt).Milliseconds()
			}
		}
	}
	if e.CompletedAt.IsZero() {
		e.CompletedAt = now
	}
	if !e.StartedAt.IsZero() {
		e.DurationMs = now.Sub(e.StartedAt).Milliseconds()
	}
}

func executionStatusFor(s Status) ExecutionStatus {
	switch s {
	case StatusFailed:
		return ExecutionFailed
	case StatusCancelled:
		return ExecutionCancelled
	}
	return ExecutionCompleted
}

// FinalizeMessage moves a message to a terminal status. Phase content is
// copied into an empty message body, and a running execution is finalized
// with the matching status.
func FinalizeMessage(m *Message, status Status, now time.Time) {
	ClearTransientFlags(m, now)
	if m.AgentExecution != nil {
		if m.Content == "" {
			m.Content = m.AgentExecution.PhaseContent()
		}
		if m.AgentExecution.Status == ExecutionRunning {
			FinalizeExecution(m.AgentExecution, executionStatusFor(status), now)
		}
	}
	m.Status = status
	m.UpdatedAt = now
}
