package transcript

// DeriveResponding reports whether the channel is busy. Only the latest
// assistant message is considered and the rules apply in this order:
//
//  1. an explicit non-terminal status; failed and cancelled end the turn and
//     skip the remaining rules
//  2. an unanswered interactive question
//  3. the legacy streaming, thinking and placeholder flags
//  4. a running execution
//  5. a tool call still waiting for confirmation or executing
func DeriveResponding(ch *Channel) bool {
	i := LastAssistant(ch)
	if i < 0 {
		return false
	}
	m := ch.Messages[i]

	switch m.Status {
	case StatusPending, StatusThinking, StatusStreaming, StatusWaitingForUser:
		return true
	case StatusFailed, StatusCancelled:
		return false
	}
	if m.UserQuestion != nil && !m.UserQuestion.Answered {
		return true
	}
	if m.IsStreaming || m.IsThinking || m.IsPlaceholder {
		return true
	}
	if m.HasRunningExecution() {
		return true
	}
	for _, tc := range messageToolCalls(m) {
		if tc.Status.Active() {
			return true
		}
	}
	return false
}

// SyncResponding stores the derived flag on the channel and returns it.
func SyncResponding(ch *Channel) bool {
	ch.Responding = DeriveResponding(ch)
	return ch.Responding
}
