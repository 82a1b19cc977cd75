// Package protocol defines the event envelopes emitted by the agent backend
// and the typed payloads carried by each envelope kind.
package protocol

import (
	"encoding/json"
	"time"
)

// Kind identifies the type of an inbound event envelope.
type Kind string

const (
	KindProcessing Kind = "processing"
	KindLoading    Kind = "loading"

	KindStreamingStart Kind = "streaming_start"
	KindStreamingChunk Kind = "streaming_chunk"
	KindStreamingEnd   Kind = "streaming_end"

	KindThinkingStart Kind = "thinking_start"
	KindThinkingChunk Kind = "thinking_chunk"
	KindThinkingEnd   Kind = "thinking_end"

	KindMessage      Kind = "message"
	KindMessageSaved Kind = "message_saved"

	KindAgentStart     Kind = "agent_start"
	KindAgentEnd       Kind = "agent_end"
	KindAgentError     Kind = "agent_error"
	KindNodeStart      Kind = "node_start"
	KindNodeEnd        Kind = "node_end"
	KindSubagentStart  Kind = "subagent_start"
	KindSubagentEnd    Kind = "subagent_end"
	KindProgressUpdate Kind = "progress_update"

	KindToolCallRequest  Kind = "tool_call_request"
	KindToolCallResponse Kind = "tool_call_response"

	KindTopicUpdated    Kind = "topic_updated"
	KindSearchCitations Kind = "search_citations"
	KindGeneratedFiles  Kind = "generated_files"
	KindAskUserQuestion Kind = "ask_user_question"

	KindError               Kind = "error"
	KindInsufficientBalance Kind = "insufficient_balance"
	KindParallelChatLimit   Kind = "parallel_chat_limit"
	KindStreamAborted       Kind = "stream_aborted"
)

// IsFragment reports whether events of this kind are high-frequency content
// fragments that go through the chunk buffer.
func (k Kind) IsFragment() bool {
	return k == KindStreamingChunk || k == KindThinkingChunk
}

// Envelope is one event as delivered by the transport.
type Envelope struct {
	Type      Kind            `json:"type"`
	ChannelID string          `json:"channel_id"`
	At        time.Time       `json:"at,omitzero"`
	Data      json.RawMessage `json:"data,omitempty"`
}

// ExecutionContext links an event to an agent execution and, optionally, to
// the node and sub-agent path inside that execution.
type ExecutionContext struct {
	ExecutionID       string   `json:"execution_id,omitempty"`
	ParentExecutionID string   `json:"parent_execution_id,omitempty"`
	NodeID            string   `json:"node_id,omitempty"`
	Depth             int      `json:"depth,omitempty"`
	ExecutionPath     []string `json:"execution_path,omitempty"`
}

// Processing announces that the backend accepted a request and a reply is
// on its way. It drives placeholder creation.
type Processing struct {
	ID string `json:"id,omitempty"`
}

// Stream is the payload shared by the streaming_* and thinking_* kinds.
type Stream struct {
	ID      string            `json:"id,omitempty"`
	Role    string            `json:"role,omitempty"`
	Content string            `json:"content,omitempty"`
	Context *ExecutionContext `json:"context,omitempty"`
}

// ExecutionID returns the execution id from the context block, if any.
func (s Stream) ExecutionID() string {
	if s.Context == nil {
		return ""
	}
	return s.Context.ExecutionID
}

// Attachment is a file produced by the agent or attached by the user.
type Attachment struct {
	ID       string `json:"id"`
	Name     string `json:"name,omitempty"`
	URL      string `json:"url,omitempty"`
	MimeType string `json:"mime_type,omitempty"`
	Size     int64  `json:"size,omitempty"`
}

// Message is a fully formed transcript entry that needs no lifecycle.
type Message struct {
	ID          string       `json:"id"`
	ClientID    string       `json:"client_id,omitempty"`
	Role        string       `json:"role,omitempty"`
	Content     string       `json:"content,omitempty"`
	CreatedAt   time.Time    `json:"created_at,omitempty"`
	Attachments []Attachment `json:"attachments,omitempty"`
}

// MessageSaved confirms persistence and carries the permanent id.
type MessageSaved struct {
	ID        string `json:"id"`
	MessageID string `json:"message_id"`
	Content   string `json:"content,omitempty"`
}

// AgentStart opens an agent execution.
type AgentStart struct {
	StreamID    string `json:"stream_id,omitempty"`
	ExecutionID string `json:"execution_id"`
	AgentName   string `json:"agent_name,omitempty"`
	AgentType   string `json:"agent_type,omitempty"`
}

// AgentEnd closes an agent execution with a terminal status.
type AgentEnd struct {
	StreamID    string `json:"stream_id,omitempty"`
	ExecutionID string `json:"execution_id,omitempty"`
	Status      string `json:"status,omitempty"`
	Output      string `json:"output,omitempty"`
}

// AgentErrorDetail describes why an execution failed.
type AgentErrorDetail struct {
	Type        string `json:"type,omitempty"`
	Message     string `json:"message,omitempty"`
	Recoverable bool   `json:"recoverable,omitempty"`
	NodeID      string `json:"node_id,omitempty"`
}

// AgentError reports an execution failure.
type AgentError struct {
	StreamID    string           `json:"stream_id,omitempty"`
	ExecutionID string           `json:"execution_id,omitempty"`
	Error       AgentErrorDetail `json:"error"`
}

// Node is the payload of node_start and node_end. ID is the phase id.
type Node struct {
	ID            string `json:"id"`
	Name          string `json:"name,omitempty"`
	Type          string `json:"type,omitempty"`
	StreamID      string `json:"stream_id,omitempty"`
	ExecutionID   string `json:"execution_id,omitempty"`
	Status        string `json:"status,omitempty"`
	DurationMs    int64  `json:"duration_ms,omitempty"`
	OutputSummary string `json:"output_summary,omitempty"`
}

// Subagent is the payload of subagent_start and subagent_end.
type Subagent struct {
	ID                string   `json:"id"`
	Name              string   `json:"name,omitempty"`
	Type              string   `json:"type,omitempty"`
	StreamID          string   `json:"stream_id,omitempty"`
	ExecutionID       string   `json:"execution_id,omitempty"`
	ParentExecutionID string   `json:"parent_execution_id,omitempty"`
	Depth             int      `json:"depth,omitempty"`
	ExecutionPath     []string `json:"execution_path,omitempty"`
	Status            string   `json:"status,omitempty"`
	DurationMs        int64    `json:"duration_ms,omitempty"`
}

// ProgressUpdate carries a last-write-wins progress value.
type ProgressUpdate struct {
	StreamID    string  `json:"stream_id,omitempty"`
	ExecutionID string  `json:"execution_id,omitempty"`
	Percent     float64 `json:"percent"`
	Message     string  `json:"message,omitempty"`
}

// ToolCallRequest announces a tool invocation.
type ToolCallRequest struct {
	ID                   string          `json:"id"`
	Name                 string          `json:"name"`
	Arguments            json.RawMessage `json:"arguments,omitempty"`
	StreamID             string          `json:"stream_id,omitempty"`
	ExecutionID          string          `json:"execution_id,omitempty"`
	RequiresConfirmation bool            `json:"requires_confirmation,omitempty"`
}

// ToolCallResponse reports the outcome of a tool invocation.
type ToolCallResponse struct {
	ID     string          `json:"id"`
	Status string          `json:"status,omitempty"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  string          `json:"error,omitempty"`
}

// TopicUpdated renames a topic. An empty TopicID means the envelope channel.
type TopicUpdated struct {
	TopicID string `json:"topic_id,omitempty"`
	Title   string `json:"title"`
}

// Citation is one search result cited by an answer.
type Citation struct {
	ID      string `json:"id"`
	URL     string `json:"url,omitempty"`
	Title   string `json:"title,omitempty"`
	Snippet string `json:"snippet,omitempty"`
}

// SearchCitations attaches citations to the latest answer.
type SearchCitations struct {
	StreamID  string     `json:"stream_id,omitempty"`
	Citations []Citation `json:"citations"`
}

// GeneratedFiles attaches generated files to the latest answer.
type GeneratedFiles struct {
	StreamID string       `json:"stream_id,omitempty"`
	Files    []Attachment `json:"files"`
}

// QuestionOption is one selectable answer of an interactive question.
type QuestionOption struct {
	Label       string `json:"label"`
	Description string `json:"description,omitempty"`
}

// AskUserQuestion asks the user to choose before the agent continues.
type AskUserQuestion struct {
	StreamID    string           `json:"stream_id,omitempty"`
	ExecutionID string           `json:"execution_id,omitempty"`
	QuestionID  string           `json:"question_id,omitempty"`
	Question    string           `json:"question"`
	Options     []QuestionOption `json:"options,omitempty"`
	MultiSelect bool             `json:"multi_select,omitempty"`
}

// Error is a server-reported failure.
type Error struct {
	StreamID    string          `json:"stream_id,omitempty"`
	ExecutionID string          `json:"execution_id,omitempty"`
	Code        string          `json:"code,omitempty"`
	Category    string          `json:"category,omitempty"`
	Message     string          `json:"message,omitempty"`
	Recoverable bool            `json:"recoverable,omitempty"`
	Detail      json.RawMessage `json:"detail,omitempty"`
}

// InsufficientBalance rejects a request for billing reasons.
type InsufficientBalance struct {
	StreamID string  `json:"stream_id,omitempty"`
	Message  string  `json:"message,omitempty"`
	Balance  float64 `json:"balance,omitempty"`
	Required float64 `json:"required,omitempty"`
}

// ParallelChatLimit rejects a request because too many sessions are active.
type ParallelChatLimit struct {
	StreamID string `json:"stream_id,omitempty"`
	Message  string `json:"message,omitempty"`
	Limit    int    `json:"limit,omitempty"`
	Active   int    `json:"active,omitempty"`
}

// StreamAborted acknowledges a cancellation request.
type StreamAborted struct {
	StreamID string `json:"stream_id,omitempty"`
	Reason   string `json:"reason,omitempty"`
}
