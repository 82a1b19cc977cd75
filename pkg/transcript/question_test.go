package transcript

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/holon-run/chatsync/pkg/protocol"
)

func TestQuestionsAreAppendOnly(t *testing.T) {
	r, _ := newTestReconciler()
	ch := NewChannel("c1")
	r.StreamingStart(ch, protocol.Stream{ID: "s1"})

	r.AskUserQuestion(ch, protocol.AskUserQuestion{
		StreamID: "s1",
		Question: "Which region?",
		Options:  []protocol.QuestionOption{{Label: "eu"}, {Label: "us"}},
	})
	require.Len(t, ch.Messages, 1)
	first := ch.Messages[0]
	assert.Equal(t, StatusWaitingForUser, first.Status)
	assert.True(t, ch.Responding)

	_, err := r.AnswerQuestion(ch, "", []string{"eu"})
	require.NoError(t, err)
	assert.True(t, first.UserQuestion.Answered)
	assert.Equal(t, StatusCompleted, first.Status)

	out := r.AskUserQuestion(ch, protocol.AskUserQuestion{StreamID: "s1", Question: "Which zone?"})
	assert.True(t, out.Created)
	require.Len(t, ch.Messages, 2)
	assert.Equal(t, "Which region?", ch.Messages[0].UserQuestion.Question)
	assert.Equal(t, []string{"eu"}, ch.Messages[0].UserQuestion.Answers)
	assert.Equal(t, "Which zone?", ch.Messages[1].UserQuestion.Question)
	assert.False(t, ch.Messages[1].UserQuestion.Answered)
	assert.Equal(t, StatusWaitingForUser, ch.Messages[1].Status)
}

func TestQuestionUpdatesPendingInPlace(t *testing.T) {
	r, _ := newTestReconciler()
	ch := NewChannel("c1")
	r.AgentStart(ch, protocol.AgentStart{ExecutionID: "e1"})

	r.AskUserQuestion(ch, protocol.AskUserQuestion{ExecutionID: "e1", QuestionID: "q1", Question: "Proceed?"})
	r.AskUserQuestion(ch, protocol.AskUserQuestion{ExecutionID: "e1", QuestionID: "q1", Question: "Proceed now?"})
	require.Len(t, ch.Messages, 1)
	msg := ch.Messages[0]
	assert.Equal(t, "Proceed now?", msg.UserQuestion.Question)

	_, err := r.AnswerQuestion(ch, "q1", []string{"yes"})
	require.NoError(t, err)
	assert.Equal(t, StatusStreaming, msg.Status, "the execution continues after the answer")

	_, err = r.AnswerQuestion(ch, "q1", []string{"no"})
	assert.ErrorIs(t, err, ErrQuestionAnswered)
	assert.Equal(t, []string{"yes"}, msg.UserQuestion.Answers)
}

func TestQuestionWithoutTargetCreatesMessage(t *testing.T) {
	r, _ := newTestReconciler()
	ch := NewChannel("c1")

	out := r.AskUserQuestion(ch, protocol.AskUserQuestion{StreamID: "s9", Question: "Continue?"})
	assert.True(t, out.Created)
	require.Len(t, ch.Messages, 1)
	assert.Equal(t, "s9", ch.Messages[0].StreamID)
	assert.NotEmpty(t, ch.Messages[0].UserQuestion.ID)
}

func TestAnswerQuestionErrors(t *testing.T) {
	r, _ := newTestReconciler()
	ch := NewChannel("c1")

	_, err := r.AnswerQuestion(ch, "", []string{"x"})
	assert.ErrorIs(t, err, ErrQuestionNotFound)

	r.AskUserQuestion(ch, protocol.AskUserQuestion{Question: "Pick one"})
	_, err = r.AnswerQuestion(ch, "", nil)
	assert.ErrorIs(t, err, ErrInvalidAnswer)
	_, err = r.AnswerQuestion(ch, "", []string{"a", "b"})
	assert.ErrorIs(t, err, ErrInvalidAnswer)

	r2, _ := newTestReconciler()
	multi := NewChannel("c2")
	r2.AskUserQuestion(multi, protocol.AskUserQuestion{Question: "Pick many", MultiSelect: true})
	_, err = r2.AnswerQuestion(multi, "", []string{"a", "b"})
	assert.NoError(t, err)
}
