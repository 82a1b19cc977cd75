package transcript

import (
	"errors"

	"github.com/holon-run/chatsync/pkg/protocol"
)

var (
	// ErrQuestionNotFound is returned when no pending question matches.
	ErrQuestionNotFound = errors.New("question not found")
	// ErrQuestionAnswered is returned when answering a question twice.
	ErrQuestionAnswered = errors.New("question already answered")
	// ErrInvalidAnswer is returned for an empty answer or several answers to a
	// single-select question.
	ErrInvalidAnswer = errors.New("invalid answer")
)

// QuestionChain is the precedence used to place an interactive question.
var QuestionChain = Chain{
	ByCorrelationKey,
	ByExecutionID,
	{Name: "running_execution", Find: func(ch *Channel, _ Query) Match { return hit(LastRunningExecution(ch)) }},
	{Name: "last_assistant", Find: func(ch *Channel, _ Query) Match { return hit(LastAssistant(ch)) }},
}

// AskUserQuestion puts a question on the transcript. An answered question is
// never overwritten: a later question goes to a new message.
func (r *Reconciler) AskUserQuestion(ch *Channel, p protocol.AskUserQuestion) Outcome {
	ch.Responding = true
	now := r.now()
	q := &UserQuestion{
		ID:          p.QuestionID,
		Question:    p.Question,
		MultiSelect: p.MultiSelect,
		AskedAt:     now,
	}
	if q.ID == "" {
		q.ID = r.id("q")
	}
	for _, o := range p.Options {
		q.Options = append(q.Options, QuestionOption(o))
	}

	m := QuestionChain.Resolve(ch, Query{StreamID: p.StreamID, ExecutionID: p.ExecutionID})
	if !m.Found() || (ch.Messages[m.Index].UserQuestion != nil && ch.Messages[m.Index].UserQuestion.Answered) {
		streamID := p.StreamID
		if m.Found() {
			// The answered message keeps the key; later events still reach it.
			streamID = ""
		}
		msg := r.newMessage(RoleAssistant, StatusWaitingForUser, streamID)
		if streamID == "" {
			msg.ID = r.id("q")
		}
		msg.UserQuestion = q
		return Outcome{Index: appendMessage(ch, msg), Created: true, Strategy: m.Strategy}
	}

	msg := ch.Messages[m.Index]
	if prev := msg.UserQuestion; prev != nil && prev.ID == q.ID && len(q.Options) == 0 {
		q.Options = prev.Options
	}
	msg.UserQuestion = q
	msg.IsPlaceholder = false
	msg.IsStreaming = false
	msg.Status = StatusWaitingForUser
	r.touch(msg)
	return Outcome{Index: m.Index, Strategy: m.Strategy}
}

// AnswerQuestion records the user's answer. key is a question id or a message
// key; an empty key selects the latest pending question.
func (r *Reconciler) AnswerQuestion(ch *Channel, key string, answers []string) (Outcome, error) {
	i := pendingQuestion(ch, key)
	if i < 0 {
		if key != "" && answeredQuestion(ch, key) {
			return noop, ErrQuestionAnswered
		}
		return noop, ErrQuestionNotFound
	}
	msg := ch.Messages[i]
	q := msg.UserQuestion
	if len(answers) == 0 || (!q.MultiSelect && len(answers) > 1) {
		return noop, ErrInvalidAnswer
	}
	now := r.now()
	q.Answered = true
	q.Answers = append([]string(nil), answers...)
	q.AnsweredAt = now
	if msg.Status == StatusWaitingForUser {
		if msg.HasRunningExecution() {
			msg.Status = StatusStreaming
		} else {
			FinalizeMessage(msg, StatusCompleted, now)
		}
	}
	r.touch(msg)
	return Outcome{Index: i}, nil
}

func questionMatches(m *Message, key string) bool {
	return key == "" || m.UserQuestion.ID == key || m.ID == key || m.StreamID == key || m.ClientID == key
}

func pendingQuestion(ch *Channel, key string) int {
	for i := len(ch.Messages) - 1; i >= 0; i-- {
		m := ch.Messages[i]
		if m.UserQuestion == nil || m.UserQuestion.Answered {
			continue
		}
		if questionMatches(m, key) {
			return i
		}
	}
	return -1
}

func answeredQuestion(ch *Channel, key string) bool {
	for _, m := range ch.Messages {
		if m.UserQuestion != nil && m.UserQuestion.Answered && questionMatches(m, key) {
			return true
		}
	}
	return false
}
