package transcript

// AppendLocalMessage adds an optimistic entry typed by the local user. The
// server echo carrying the same client id later adopts its permanent id.
func (r *Reconciler) AppendLocalMessage(ch *Channel, role Role, content string) Outcome {
	if role == "" {
		role = RoleUser
	}
	msg := r.newMessage(role, StatusCompleted, "")
	msg.Content = content
	return Outcome{Index: appendMessage(ch, msg), Created: true}
}

// BeginAbort marks the channel as waiting for an abort acknowledgment.
func (r *Reconciler) BeginAbort(ch *Channel) {
	ch.Aborting = true
}

// ForceCancel applies a cancellation locally. It is what the abort timeout
// falls back to when no acknowledgment arrives.
func (r *Reconciler) ForceCancel(ch *Channel) Outcome {
	return r.cancelLive(ch)
}
