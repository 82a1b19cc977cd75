package transcript

import (
	"fmt"

	"github.com/holon-run/chatsync/pkg/protocol"
)

// ErrorChain is the precedence used to place a server-reported error.
var ErrorChain = Chain{
	ByCorrelationKey,
	ByExecutionID,
	{Name: "placeholder", Find: func(ch *Channel, _ Query) Match { return hit(FirstPlaceholder(ch)) }},
	{Name: "streaming", Find: func(ch *Channel, _ Query) Match { return hit(FirstStreaming(ch)) }},
	{Name: "running_execution", Find: func(ch *Channel, _ Query) Match { return hit(LastRunningExecution(ch)) }},
}

// Error fails the targeted message, or appends a new failed message when
// nothing correlates. The channel always stops responding.
func (r *Reconciler) Error(ch *Channel, p protocol.Error) Outcome {
	ch.Responding = false
	merr := NewMessageError(p.Code, p.Category, p.Message, p.Recoverable, protocol.ResultString(p.Detail))
	m := ErrorChain.Resolve(ch, Query{StreamID: p.StreamID, ExecutionID: p.ExecutionID})
	if m.Found() {
		msg := ch.Messages[m.Index]
		msg.Error = merr
		FinalizeMessage(msg, StatusFailed, r.now())
		return Outcome{Index: m.Index, Strategy: m.Strategy}
	}
	msg := r.newMessage(RoleAssistant, StatusFailed, p.StreamID)
	if p.StreamID == "" {
		msg.ID = r.id("err")
	}
	msg.Error = merr
	return Outcome{Index: appendMessage(ch, msg), Created: true}
}

// quotaTarget returns the message a rejected request left behind.
func quotaTarget(ch *Channel, streamID string) int {
	if i := IndexOfKey(ch, streamID); i >= 0 {
		return i
	}
	return FirstPlaceholder(ch)
}

// TopUpTarget is where the insufficient balance action points.
const TopUpTarget = "billing/top-up"

// InsufficientBalance fails the pending reply and asks the host to offer a
// top-up.
func (r *Reconciler) InsufficientBalance(ch *Channel, p protocol.InsufficientBalance) Outcome {
	ch.Responding = false
	text := p.Message
	if text == "" {
		text = "Your balance is too low to start this request."
		if p.Required > 0 {
			text = fmt.Sprintf("This request needs %.2f credits, your balance is %.2f.", p.Required, p.Balance)
		}
	}
	out := Outcome{Index: quotaTarget(ch, p.StreamID)}
	if out.Index >= 0 {
		msg := ch.Messages[out.Index]
		msg.Error = NewMessageError(CodeInsufficientBalance, "", text, false, "")
		FinalizeMessage(msg, StatusFailed, r.now())
	}
	out.Effect = &NotificationEffect{
		ChannelID: ch.ID,
		Code:      CodeInsufficientBalance,
		Title:     "Insufficient balance",
		Message:   text,
		Severity:  SeverityError,
		Action:    &EffectAction{Label: "Top up", Target: TopUpTarget},
	}
	return out
}

// ParallelChatLimit removes the reply placeholder of a rejected request and
// asks the host to tell the user.
func (r *Reconciler) ParallelChatLimit(ch *Channel, p protocol.ParallelChatLimit) Outcome {
	ch.Responding = false
	text := p.Message
	if text == "" {
		text = "Too many conversations are running at the same time."
		if p.Limit > 0 {
			text = fmt.Sprintf("%d of %d parallel conversations are running. Wait for one to finish.", p.Active, p.Limit)
		}
	}
	out := Outcome{Index: quotaTarget(ch, p.StreamID)}
	if out.Index >= 0 {
		msg := ch.Messages[out.Index]
		if msg.IsPlaceholder && msg.AgentExecution == nil && msg.Content == "" {
			removeMessage(ch, out.Index)
			out.Removed = true
			out.Index = -1
		} else {
			msg.Error = NewMessageError(CodeParallelChatLimit, "", text, true, "")
			FinalizeMessage(msg, StatusFailed, r.now())
		}
	}
	out.Effect = &NotificationEffect{
		ChannelID: ch.ID,
		Code:      CodeParallelChatLimit,
		Title:     "Too many active conversations",
		Message:   text,
		Severity:  SeverityWarning,
	}
	return out
}

// StreamAborted applies an abort acknowledgment. It is idempotent.
func (r *Reconciler) StreamAborted(ch *Channel, _ protocol.StreamAborted) Outcome {
	return r.cancelLive(ch)
}

// cancelLive cancels every live message and running execution, then clears
// the busy and aborting flags. A pending question is cancelled with its
// message.
func (r *Reconciler) cancelLive(ch *Channel) Outcome {
	now := r.now()
	out := Outcome{Index: -1}
	for i, msg := range ch.Messages {
		live := msg.HasRunningExecution() || msg.IsStreaming || msg.IsUnattachedPlaceholder()
		if msg.Role == RoleAssistant && !msg.Status.Terminal() {
			live = true
		}
		if !live {
			continue
		}
		for _, tc := range messageToolCalls(msg) {
			if tc.Status.Active() {
				tc.Status = ToolFailed
				tc.Error = "cancelled"
				tc.CompletedAt = now
			}
		}
		FinalizeMessage(msg, StatusCancelled, now)
		out.Index = i
	}
	ch.Aborting = false
	ch.Responding = false
	return out
}

// messageToolCalls returns the standalone and phase-scoped calls of m.
func messageToolCalls(m *Message) []*ToolCall {
	calls := append([]*ToolCall(nil), m.ToolCalls...)
	if m.AgentExecution != nil {
		for _, p := range m.AgentExecution.Phases {
			calls = append(calls, p.ToolCalls...)
		}
	}
	return calls
}

// TopicUpdated renames the channel when the topic is this channel, and the
// history entry in every case.
func (r *Reconciler) TopicUpdated(ch *Channel, h *History, p protocol.TopicUpdated) Outcome {
	topicID := p.TopicID
	if topicID == "" {
		topicID = ch.ID
	}
	if topicID == ch.ID {
		ch.Title = p.Title
	}
	if h != nil {
		h.Rename(topicID, p.Title, r.now())
	}
	return noop
}

// SearchCitations attaches citations to the latest answer lacking them.
func (r *Reconciler) SearchCitations(ch *Channel, p protocol.SearchCitations) Outcome {
	i := lateAttachmentTarget(ch, p.StreamID, func(m *Message) bool { return len(m.Citations) > 0 })
	if i < 0 {
		return Outcome{Index: -1, Dropped: true}
	}
	msg := ch.Messages[i]
	msg.Citations = mergeCitations(msg.Citations, p.Citations)
	r.touch(msg)
	return Outcome{Index: i}
}

// GeneratedFiles attaches generated files to the latest answer lacking them.
func (r *Reconciler) GeneratedFiles(ch *Channel, p protocol.GeneratedFiles) Outcome {
	i := lateAttachmentTarget(ch, p.StreamID, func(m *Message) bool { return len(m.Attachments) > 0 })
	if i < 0 {
		return Outcome{Index: -1, Dropped: true}
	}
	msg := ch.Messages[i]
	msg.Attachments = mergeAttachments(msg.Attachments, p.Files)
	r.touch(msg)
	return Outcome{Index: i}
}

func lateAttachmentTarget(ch *Channel, streamID string, has func(*Message) bool) int {
	if i := IndexOfKey(ch, streamID); i >= 0 && ch.Messages[i].Role == RoleAssistant {
		return i
	}
	return LatestAssistantMissing(ch, has)
}

func mergeCitations(existing []Citation, incoming []protocol.Citation) []Citation {
	for _, c := range incoming {
		replaced := false
		for i := range existing {
			if c.ID != "" && existing[i].ID == c.ID {
				existing[i] = Citation(c)
				replaced = true
				break
			}
		}
		if !replaced {
			existing = append(existing, Citation(c))
		}
	}
	return existing
}

func mergeAttachments(existing []Attachment, incoming []protocol.Attachment) []Attachment {
	for _, a := range incoming {
		replaced := false
		for i := range existing {
			if a.ID != "" && existing[i].ID == a.ID {
				existing[i] = Attachment(a)
				replaced = true
				break
			}
		}
		if !replaced {
			existing = append(existing, Attachment(a))
		}
	}
	return existing
}
