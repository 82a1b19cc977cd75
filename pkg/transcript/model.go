// Package transcript reconciles backend protocol events into an append-only
// transcript of conversation turns.
//
// A Channel is mutated one event at a time by the handlers on Reconciler.
// Handlers are total: an event they cannot correlate becomes a new synthetic
// entry instead of an error, except when correlation is ambiguous, in which
// case the event is dropped so that no unrelated turn is corrupted.
package transcript

import (
	"time"
)

// Role is the author of a message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

// Status is the lifecycle state of a message.
type Status string

const (
	StatusPending        Status = "pending"
	StatusThinking       Status = "thinking"
	StatusStreaming      Status = "streaming"
	StatusWaitingForUser Status = "waiting_for_user"
	StatusCompleted      Status = "completed"
	StatusFailed         Status = "failed"
	StatusCancelled      Status = "cancelled"
)

// Terminal reports whether no further lifecycle transition is expected.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// ExecutionStatus is the state of an agent execution.
type ExecutionStatus string

const (
	ExecutionRunning   ExecutionStatus = "running"
	ExecutionCompleted ExecutionStatus = "completed"
	ExecutionFailed    ExecutionStatus = "failed"
	ExecutionCancelled ExecutionStatus = "cancelled"
)

// PhaseStatus is the state of one phase of an execution.
type PhaseStatus string

const (
	PhaseRunning   PhaseStatus = "running"
	PhaseCompleted PhaseStatus = "completed"
	PhaseFailed    PhaseStatus = "failed"
	PhaseSkipped   PhaseStatus = "skipped"
	PhaseCancelled PhaseStatus = "cancelled"
)

// ToolCallStatus is the state of a tool invocation.
type ToolCallStatus string

const (
	ToolWaitingConfirmation ToolCallStatus = "waiting_confirmation"
	ToolExecuting           ToolCallStatus = "executing"
	ToolCompleted           ToolCallStatus = "completed"
	ToolFailed              ToolCallStatus = "failed"
)

// Active reports whether the tool call still holds the channel busy.
func (s ToolCallStatus) Active() bool {
	return s == ToolWaitingConfirmation || s == ToolExecuting
}

// Channel is one conversation thread.
type Channel struct {
	ID         string     `json:"id" yaml:"id"`
	Title      string     `json:"title,omitempty" yaml:"title,omitempty"`
	Messages   []*Message `json:"messages" yaml:"messages"`
	Responding bool       `json:"responding" yaml:"responding"`
	Aborting   bool       `json:"aborting" yaml:"aborting"`
}

// NewChannel returns an empty channel.
func NewChannel(id string) *Channel {
	return &Channel{ID: id, Messages: make([]*Message, 0)}
}

// Message is one transcript entry.
//
// ID is rewritten when the message is persisted; ClientID never changes and
// is what consumers key rendering on. StreamID is the correlation key used to
// match incoming events.
type Message struct {
	ID              string               `json:"id" yaml:"id"`
	ClientID        string               `json:"client_id" yaml:"client_id"`
	StreamID        string               `json:"stream_id,omitempty" yaml:"stream_id,omitempty"`
	Role            Role                 `json:"role" yaml:"role"`
	Status          Status               `json:"status" yaml:"status"`
	Content         string               `json:"content" yaml:"content"`
	ThinkingContent string               `json:"thinking_content,omitempty" yaml:"thinking_content,omitempty"`
	IsPlaceholder   bool                 `json:"is_placeholder,omitempty" yaml:"is_placeholder,omitempty"`
	IsStreaming     bool                 `json:"is_streaming,omitempty" yaml:"is_streaming,omitempty"`
	IsThinking      bool                 `json:"is_thinking,omitempty" yaml:"is_thinking,omitempty"`
	Persisted       bool                 `json:"persisted,omitempty" yaml:"persisted,omitempty"`
	AgentExecution  *AgentExecutionState `json:"agent_execution,omitempty" yaml:"agent_execution,omitempty"`
	ToolCalls       []*ToolCall          `json:"tool_calls,omitempty" yaml:"tool_calls,omitempty"`
	UserQuestion    *UserQuestion        `json:"user_question,omitempty" yaml:"user_question,omitempty"`
	Citations       []Citation           `json:"citations,omitempty" yaml:"citations,omitempty"`
	Attachments     []Attachment         `json:"attachments,omitempty" yaml:"attachments,omitempty"`
	Error           *MessageError        `json:"error,omitempty" yaml:"error,omitempty"`
	CreatedAt       time.Time            `json:"created_at" yaml:"created_at"`
	UpdatedAt       time.Time            `json:"updated_at" yaml:"updated_at"`
	ThinkingStarted time.Time            `json:"-" yaml:"-"`
	ThinkingMs      int64                `json:"thinking_ms,omitempty" yaml:"thinking_ms,omitempty"`
}

// HasRunningExecution reports whether the message owns a running execution.
func (m *Message) HasRunningExecution() bool {
	return m.AgentExecution != nil && m.AgentExecution.Status == ExecutionRunning
}

// IsUnattachedPlaceholder reports whether the message is a placeholder that
// no stream or execution has claimed yet.
func (m *Message) IsUnattachedPlaceholder() bool {
	return m.IsPlaceholder && m.StreamID == "" && m.AgentExecution == nil
}

// AgentExecutionState is the state of one agent run attached to a message.
type AgentExecutionState struct {
	ID            string          `json:"id" yaml:"id"`
	AgentName     string          `json:"agent_name,omitempty" yaml:"agent_name,omitempty"`
	AgentType     string          `json:"agent_type,omitempty" yaml:"agent_type,omitempty"`
	Status        ExecutionStatus `json:"status" yaml:"status"`
	CurrentNodeID string          `json:"current_node_id,omitempty" yaml:"current_node_id,omitempty"`
	Phases        []*Phase        `json:"phases" yaml:"phases"`
	Subagents     []*Subagent     `json:"subagents" yaml:"subagents"`
	Progress      *Progress       `json:"progress,omitempty" yaml:"progress,omitempty"`
	Output        string          `json:"output,omitempty" yaml:"output,omitempty"`
	Error         *ExecutionError `json:"error,omitempty" yaml:"error,omitempty"`
	StartedAt     time.Time       `json:"started_at" yaml:"started_at"`
	CompletedAt   time.Time       `json:"completed_at,omitempty" yaml:"completed_at,omitempty"`
	DurationMs    int64           `json:"duration_ms,omitempty" yaml:"duration_ms,omitempty"`
}

// Phase is one node of an execution.
type Phase struct {
	ID              string      `json:"id" yaml:"id"`
	Name            string      `json:"name,omitempty" yaml:"name,omitempty"`
	Type            string      `json:"type,omitempty" yaml:"type,omitempty"`
	Status          PhaseStatus `json:"status" yaml:"status"`
	StreamedContent string      `json:"streamed_content,omitempty" yaml:"streamed_content,omitempty"`
	OutputSummary   string      `json:"output_summary,omitempty" yaml:"output_summary,omitempty"`
	ToolCalls       []*ToolCall `json:"tool_calls,omitempty" yaml:"tool_calls,omitempty"`
	StartedAt       time.Time   `json:"started_at" yaml:"started_at"`
	DurationMs      int64       `json:"duration_ms,omitempty" yaml:"duration_ms,omitempty"`
}

// Subagent is a flat record of a nested agent run.
type Subagent struct {
	ID            string          `json:"id" yaml:"id"`
	Name          string          `json:"name,omitempty" yaml:"name,omitempty"`
	Type          string          `json:"type,omitempty" yaml:"type,omitempty"`
	Status        ExecutionStatus `json:"status" yaml:"status"`
	Depth         int             `json:"depth,omitempty" yaml:"depth,omitempty"`
	ExecutionPath []string        `json:"execution_path,omitempty" yaml:"execution_path,omitempty"`
	StartedAt     time.Time       `json:"started_at" yaml:"started_at"`
	CompletedAt   time.Time       `json:"completed_at,omitempty" yaml:"completed_at,omitempty"`
	DurationMs    int64           `json:"duration_ms,omitempty" yaml:"duration_ms,omitempty"`
}

// Progress is the last reported progress of an execution.
type Progress struct {
	Percent   float64   `json:"percent" yaml:"percent"`
	Message   string    `json:"message,omitempty" yaml:"message,omitempty"`
	UpdatedAt time.Time `json:"updated_at" yaml:"updated_at"`
}

// ExecutionError is the structured failure attached by agent_error.
type ExecutionError struct {
	Type        string `json:"type,omitempty" yaml:"type,omitempty"`
	Message     string `json:"message" yaml:"message"`
	Recoverable bool   `json:"recoverable" yaml:"recoverable"`
	NodeID      string `json:"node_id,omitempty" yaml:"node_id,omitempty"`
}

// ToolCall is one tool invocation.
type ToolCall struct {
	ID          string         `json:"id" yaml:"id"`
	Name        string         `json:"name" yaml:"name"`
	Arguments   string         `json:"arguments,omitempty" yaml:"arguments,omitempty"`
	Status      ToolCallStatus `json:"status" yaml:"status"`
	Result      string         `json:"result,omitempty" yaml:"result,omitempty"`
	Error       string         `json:"error,omitempty" yaml:"error,omitempty"`
	StartedAt   time.Time      `json:"started_at" yaml:"started_at"`
	CompletedAt time.Time      `json:"completed_at,omitempty" yaml:"completed_at,omitempty"`
}

// UserQuestion is an interactive question. Once answered it is immutable.
type UserQuestion struct {
	ID          string           `json:"id,omitempty" yaml:"id,omitempty"`
	Question    string           `json:"question" yaml:"question"`
	Options     []QuestionOption `json:"options,omitempty" yaml:"options,omitempty"`
	MultiSelect bool             `json:"multi_select,omitempty" yaml:"multi_select,omitempty"`
	Answered    bool             `json:"answered" yaml:"answered"`
	Answers     []string         `json:"answers,omitempty" yaml:"answers,omitempty"`
	AskedAt     time.Time        `json:"asked_at" yaml:"asked_at"`
	AnsweredAt  time.Time        `json:"answered_at,omitempty" yaml:"answered_at,omitempty"`
}

// QuestionOption is one selectable answer.
type QuestionOption struct {
	Label       string `json:"label" yaml:"label"`
	Description string `json:"description,omitempty" yaml:"description,omitempty"`
}

// Citation is a search result cited by an answer.
type Citation struct {
	ID      string `json:"id" yaml:"id"`
	URL     string `json:"url,omitempty" yaml:"url,omitempty"`
	Title   string `json:"title,omitempty" yaml:"title,omitempty"`
	Snippet string `json:"snippet,omitempty" yaml:"snippet,omitempty"`
}

// Attachment is a file attached to a message.
type Attachment struct {
	ID       string `json:"id" yaml:"id"`
	Name     string `json:"name,omitempty" yaml:"name,omitempty"`
	URL      string `json:"url,omitempty" yaml:"url,omitempty"`
	MimeType string `json:"mime_type,omitempty" yaml:"mime_type,omitempty"`
	Size     int64  `json:"size,omitempty" yaml:"size,omitempty"`
}
