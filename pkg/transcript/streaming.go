package transcript

import (
	"time"

	"github.com/holon-run/chatsync/pkg/protocol"
)

// resolveStreamTarget resolves by stream and falls back to the first
// unattached placeholder.
func resolveStreamTarget(ch *Channel, streamID, executionID string) Match {
	m := ResolveByStream(ch, streamID, executionID)
	if m.Found() || m.Ambiguous {
		return m
	}
	if i := FirstUnattachedPlaceholder(ch); i >= 0 {
		return Match{Index: i, Strategy: "unattached_placeholder"}
	}
	return noMatch
}

func dropped(m Match) Outcome {
	return Outcome{Index: m.Index, Strategy: m.Strategy, Dropped: true, Ambiguous: m.Ambiguous}
}

// Processing creates the reply placeholder. It is a no-op when a message for
// the stream or an unattached placeholder already exists.
func (r *Reconciler) Processing(ch *Channel, p protocol.Processing) Outcome {
	if i := IndexOfKey(ch, p.ID); i >= 0 {
		return Outcome{Index: i, Strategy: ByCorrelationKey.Name, Dropped: true}
	}
	if i := FirstUnattachedPlaceholder(ch); i >= 0 {
		return Outcome{Index: i, Strategy: "unattached_placeholder", Dropped: true}
	}
	msg := r.newMessage(RoleAssistant, StatusPending, p.ID)
	msg.IsPlaceholder = true
	return Outcome{Index: appendMessage(ch, msg), Created: true}
}

// StreamingStart moves the target message into the streaming state, creating
// it when nothing correlates.
func (r *Reconciler) StreamingStart(ch *Channel, p protocol.Stream) Outcome {
	m := resolveStreamTarget(ch, p.ID, p.ExecutionID())
	if m.Ambiguous {
		return dropped(m)
	}
	out := Outcome{Index: m.Index, Strategy: m.Strategy}
	if !m.Found() {
		out.Index = appendMessage(ch, r.newMessage(roleOr(p.Role, RoleAssistant), StatusStreaming, p.ID))
		out.Created = true
	}
	msg := ch.Messages[out.Index]
	if msg.Status.Terminal() {
		out.Dropped = true
		return out
	}
	msg.IsPlaceholder = false
	msg.IsStreaming = true
	msg.Status = StatusStreaming
	if p.ID != "" {
		msg.StreamID = p.ID
	}
	if msg.Content == "" && p.Content != "" && !msg.HasRunningExecution() {
		msg.Content = p.Content
	}
	r.touch(msg)
	return out
}

// StreamingChunk appends a text fragment. While an execution is running the
// fragment goes to the active phase buffer.
func (r *Reconciler) StreamingChunk(ch *Channel, p protocol.Stream) Outcome {
	out, msg := r.fragmentTarget(ch, p, StatusStreaming)
	if msg == nil {
		return out
	}
	if msg.HasRunningExecution() {
		phase := EnsureFallbackPhase(msg.AgentExecution, r.now())
		phase.StreamedContent += p.Content
	} else {
		msg.Content += p.Content
	}
	msg.IsPlaceholder = false
	msg.IsStreaming = true
	if msg.Status == StatusPending || msg.Status == StatusThinking {
		msg.Status = StatusStreaming
	}
	r.touch(msg)
	return out
}

// ThinkingChunk appends a fragment of the thinking trace.
func (r *Reconciler) ThinkingChunk(ch *Channel, p protocol.Stream) Outcome {
	out, msg := r.fragmentTarget(ch, p, StatusThinking)
	if msg == nil {
		return out
	}
	msg.ThinkingContent += p.Content
	msg.IsPlaceholder = false
	if !msg.IsThinking {
		msg.IsThinking = true
		msg.ThinkingStarted = r.now()
	}
	if msg.Status == StatusPending {
		msg.Status = StatusThinking
	}
	r.touch(msg)
	return out
}

// fragmentTarget resolves the message a fragment belongs to. A fragment
// nothing correlates with starts a new message; fragments for terminal
// messages are dropped.
func (r *Reconciler) fragmentTarget(ch *Channel, p protocol.Stream, status Status) (Outcome, *Message) {
	m := resolveStreamTarget(ch, p.ID, p.ExecutionID())
	if m.Ambiguous {
		return dropped(m), nil
	}
	out := Outcome{Index: m.Index, Strategy: m.Strategy}
	if !m.Found() {
		msg := r.newMessage(roleOr(p.Role, RoleAssistant), status, p.ID)
		out.Index = appendMessage(ch, msg)
		out.Created = true
		return out, msg
	}
	msg := ch.Messages[out.Index]
	if msg.Status.Terminal() {
		out.Dropped = true
		return out, nil
	}
	if p.ID != "" && msg.StreamID == "" {
		msg.StreamID = p.ID
	}
	return out, msg
}

// StreamingEnd leaves the streaming state. A message whose execution is still
// running only loses its streaming flag; otherwise it is finalized here in
// case the execution's own terminal event never arrives.
func (r *Reconciler) StreamingEnd(ch *Channel, p protocol.Stream) Outcome {
	m := ResolveByStream(ch, p.ID, p.ExecutionID())
	if m.Ambiguous {
		return dropped(m)
	}
	if !m.Found() {
		if p.Content == "" {
			return Outcome{Index: -1, Dropped: true}
		}
		msg := r.newMessage(roleOr(p.Role, RoleAssistant), StatusCompleted, p.ID)
		msg.Content = p.Content
		return Outcome{Index: appendMessage(ch, msg), Created: true}
	}
	out := Outcome{Index: m.Index, Strategy: m.Strategy}
	msg := ch.Messages[m.Index]
	now := r.now()
	if msg.Content == "" && p.Content != "" && !msg.HasRunningExecution() {
		msg.Content = p.Content
	}
	if msg.Content == "" && msg.AgentExecution != nil {
		msg.Content = msg.AgentExecution.PhaseContent()
	}
	if msg.HasRunningExecution() {
		msg.IsStreaming = false
		r.touch(msg)
		return out
	}
	if msg.Status.Terminal() {
		ClearTransientFlags(msg, now)
		r.touch(msg)
		return out
	}
	if msg.Status == StatusWaitingForUser {
		msg.IsStreaming = false
		r.touch(msg)
		return out
	}
	FinalizeMessage(msg, StatusCompleted, now)
	return out
}

// ThinkingStart opens the thinking trace on the target message.
func (r *Reconciler) ThinkingStart(ch *Channel, p protocol.Stream) Outcome {
	m := resolveStreamTarget(ch, p.ID, p.ExecutionID())
	if m.Ambiguous {
		return dropped(m)
	}
	out := Outcome{Index: m.Index, Strategy: m.Strategy}
	if !m.Found() {
		out.Index = appendMessage(ch, r.newMessage(roleOr(p.Role, RoleAssistant), StatusThinking, p.ID))
		out.Created = true
	}
	msg := ch.Messages[out.Index]
	if msg.Status.Terminal() {
		out.Dropped = true
		return out
	}
	msg.IsPlaceholder = false
	if !msg.IsThinking {
		msg.IsThinking = true
		msg.ThinkingStarted = r.now()
	}
	if msg.Status == StatusPending {
		msg.Status = StatusThinking
	}
	if p.ID != "" && msg.StreamID == "" {
		msg.StreamID = p.ID
	}
	r.touch(msg)
	return out
}

// ThinkingEnd closes the thinking trace.
func (r *Reconciler) ThinkingEnd(ch *Channel, p protocol.Stream) Outcome {
	m := resolveStreamTarget(ch, p.ID, p.ExecutionID())
	if m.Ambiguous {
		return dropped(m)
	}
	if !m.Found() {
		return Outcome{Index: -1, Dropped: true}
	}
	msg := ch.Messages[m.Index]
	now := r.now()
	if msg.IsThinking {
		msg.IsThinking = false
		if !msg.ThinkingStarted.IsZero() {
			msg.ThinkingMs += now.Sub(msg.ThinkingStarted).Milliseconds()
		}
		msg.ThinkingStarted = time.Time{}
	}
	if msg.Status == StatusThinking {
		msg.Status = StatusStreaming
	}
	r.touch(msg)
	return Outcome{Index: m.Index, Strategy: m.Strategy}
}

// Message appends a fully formed entry once, keyed by id. A local optimistic
// copy with the same client id adopts the server id instead.
func (r *Reconciler) Message(ch *Channel, p protocol.Message) Outcome {
	for i, m := range ch.Messages {
		if p.ID != "" && m.ID == p.ID {
			return Outcome{Index: i, Strategy: "id", Dropped: true}
		}
	}
	now := r.now()
	if p.ClientID != "" {
		for i, m := range ch.Messages {
			if m.ClientID != p.ClientID {
				continue
			}
			if p.ID != "" {
				m.ID = p.ID
			}
			if p.Content != "" {
				m.Content = p.Content
			}
			if len(p.Attachments) > 0 {
				m.Attachments = mergeAttachments(m.Attachments, p.Attachments)
			}
			m.Persisted = true
			if !m.Status.Terminal() {
				FinalizeMessage(m, StatusCompleted, now)
			}
			return Outcome{Index: i, Strategy: "client_id"}
		}
	}

	role := roleOr(p.Role, RoleAssistant)
	out := Outcome{Index: -1, Created: true}
	if role == RoleAssistant {
		if i := FirstUnattachedPlaceholder(ch); i >= 0 {
			removeMessage(ch, i)
			out.Removed = true
		}
	}
	createdAt := p.CreatedAt
	if createdAt.IsZero() {
		createdAt = now
	}
	clientID := p.ClientID
	if clientID == "" {
		clientID = r.clientID()
	}
	id := p.ID
	if id == "" {
		id = r.id("msg")
	}
	msg := &Message{
		ID:          id,
		ClientID:    clientID,
		Role:        role,
		Status:      StatusCompleted,
		Content:     p.Content,
		Attachments: mergeAttachments(nil, p.Attachments),
		Persisted:   p.ID != "",
		CreatedAt:   createdAt,
		UpdatedAt:   now,
	}
	out.Index = appendMessage(ch, msg)
	return out
}

// MessageSaved rewrites the id to the permanent one. The previous key stays
// usable as correlation key for late events.
func (r *Reconciler) MessageSaved(ch *Channel, p protocol.MessageSaved) Outcome {
	i := IndexOfKey(ch, p.ID)
	if i < 0 {
		if IndexOfKey(ch, p.MessageID) >= 0 || p.Content == "" {
			return Outcome{Index: -1, Dropped: true}
		}
		msg := r.newMessage(RoleAssistant, StatusCompleted, p.ID)
		msg.ID = p.MessageID
		msg.Content = p.Content
		msg.Persisted = true
		return Outcome{Index: appendMessage(ch, msg), Created: true}
	}
	msg := ch.Messages[i]
	if msg.StreamID == "" {
		msg.StreamID = msg.ID
	}
	if p.MessageID != "" {
		msg.ID = p.MessageID
	}
	msg.Persisted = true
	if msg.Content == "" && p.Content != "" {
		msg.Content = p.Content
	}
	pendingQuestion := msg.UserQuestion != nil && !msg.UserQuestion.Answered
	if !msg.Status.Terminal() && !msg.HasRunningExecution() && !pendingQuestion {
		FinalizeMessage(msg, StatusCompleted, r.now())
	} else {
		r.touch(msg)
	}
	return Outcome{Index: i, Strategy: ByCorrelationKey.Name}
}
