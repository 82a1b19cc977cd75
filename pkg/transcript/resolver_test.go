package transcript

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func runningMessage(id, streamID, execID string, status Status) *Message {
	return &Message{
		ID:             id,
		StreamID:       streamID,
		Role:           RoleAssistant,
		Status:         status,
		AgentExecution: &AgentExecutionState{ID: execID, Status: ExecutionRunning},
	}
}

func TestResolveByStreamPrecedence(t *testing.T) {
	tests := []struct {
		name      string
		messages  []*Message
		streamID  string
		execID    string
		wantIndex int
		wantRule  string
		ambiguous bool
	}{
		{
			name: "correlation key wins over execution id",
			messages: []*Message{
				runningMessage("m0", "", "e1", StatusPending),
				{ID: "m1", StreamID: "s1", Role: RoleAssistant, Status: StatusCompleted},
			},
			streamID:  "s1",
			execID:    "e1",
			wantIndex: 1,
			wantRule:  "correlation_key",
		},
		{
			name: "current id is a correlation key",
			messages: []*Message{
				{ID: "db-1", Role: RoleAssistant, Status: StatusCompleted},
			},
			streamID:  "db-1",
			wantIndex: 0,
			wantRule:  "correlation_key",
		},
		{
			name: "execution id",
			messages: []*Message{
				runningMessage("m0", "", "e1", StatusThinking),
				runningMessage("m1", "", "e2", StatusThinking),
			},
			execID:    "e1",
			wantIndex: 0,
			wantRule:  "execution_id",
		},
		{
			name: "last pending or streaming assistant",
			messages: []*Message{
				{ID: "m0", Role: RoleAssistant, Status: StatusStreaming},
				{ID: "m1", Role: RoleUser, Status: StatusCompleted},
				{ID: "m2", Role: RoleAssistant, Status: StatusPending},
			},
			wantIndex: 2,
			wantRule:  "last_active_assistant",
		},
		{
			name: "messages bound to another stream are not taken",
			messages: []*Message{
				{ID: "m0", StreamID: "s1", Role: RoleAssistant, Status: StatusStreaming},
			},
			streamID:  "s2",
			wantIndex: -1,
		},
		{
			name: "sole running execution",
			messages: []*Message{
				runningMessage("m0", "", "e1", StatusThinking),
				{ID: "m1", Role: RoleAssistant, Status: StatusCompleted},
			},
			wantIndex: 0,
			wantRule:  "sole_running_execution",
		},
		{
			name: "two running executions are ambiguous",
			messages: []*Message{
				runningMessage("m0", "", "e1", StatusThinking),
				runningMessage("m1", "", "e2", StatusThinking),
			},
			wantIndex: -1,
			wantRule:  "sole_running_execution",
			ambiguous: true,
		},
		{
			name:      "empty channel",
			wantIndex: -1,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ch := NewChannel("c1")
			ch.Messages = append(ch.Messages, tt.messages...)
			m := ResolveByStream(ch, tt.streamID, tt.execID)
			assert.Equal(t, tt.wantIndex, m.Index)
			assert.Equal(t, tt.ambiguous, m.Ambiguous)
			assert.Equal(t, tt.wantRule, m.Strategy)
			assert.Equal(t, tt.wantIndex >= 0, m.Found())
		})
	}
}

func TestChainStopsAtFirstHit(t *testing.T) {
	var calls []string
	strategy := func(name string, idx int) Strategy {
		return Strategy{Name: name, Find: func(*Channel, Query) Match {
			calls = append(calls, name)
			return hit(idx)
		}}
	}
	chain := Chain{strategy("a", -1), strategy("b", 3), strategy("c", 1)}

	m := chain.Resolve(NewChannel("c1"), Query{})
	assert.Equal(t, 3, m.Index)
	assert.Equal(t, "b", m.Strategy)
	assert.Equal(t, []string{"a", "b"}, calls)
}

func TestAuxiliaryResolvers(t *testing.T) {
	ch := NewChannel("c1")
	ch.Messages = []*Message{
		{ID: "u", Role: RoleUser, Status: StatusCompleted, Citations: []Citation{{ID: "x"}}},
		{ID: "a", Role: RoleAssistant, Status: StatusCompleted, Citations: []Citation{{ID: "x"}}},
		{ID: "p", Role: RoleAssistant, Status: StatusPending, IsPlaceholder: true, StreamID: "s1"},
		{ID: "q", Role: RoleAssistant, Status: StatusPending, IsPlaceholder: true},
		{ID: "s", Role: RoleAssistant, Status: StatusStreaming, IsStreaming: true, Citations: []Citation{{ID: "y"}}},
		runningMessage("r", "", "e1", StatusCompleted),
	}
	ch.Messages[5].ToolCalls = []*ToolCall{{ID: "t1"}}

	assert.Equal(t, 3, FirstUnattachedPlaceholder(ch))
	assert.Equal(t, 2, FirstPlaceholder(ch))
	assert.Equal(t, 4, FirstStreaming(ch))
	assert.Equal(t, 5, LastRunningExecution(ch))
	assert.Equal(t, 5, LastAssistant(ch))
	assert.Equal(t, 5, IndexOfExecution(ch, "e1"))
	assert.Equal(t, -1, IndexOfExecution(ch, "missing"))
	assert.Equal(t, 2, IndexOfKey(ch, "s1"))

	hasCitations := func(m *Message) bool { return len(m.Citations) > 0 }
	assert.Equal(t, 5, LatestAssistantMissing(ch, hasCitations))
	ch.Messages[5].Citations = []Citation{{ID: "z"}}
	assert.Equal(t, 4, LatestAssistantMissing(ch, hasCitations), "streaming message still accepts late data")

	i, tc := FindToolCall(ch, "t1")
	require.NotNil(t, tc)
	assert.Equal(t, 5, i)
}

func TestFindToolCallInPhase(t *testing.T) {
	ch := NewChannel("c1")
	msg := runningMessage("m0", "", "e1", StatusPending)
	msg.AgentExecution.Phases = []*Phase{{ID: "plan", ToolCalls: []*ToolCall{{ID: "t9", Name: "search"}}}}
	ch.Messages = []*Message{msg}

	i, tc := FindToolCall(ch, "t9")
	require.NotNil(t, tc)
	assert.Equal(t, 0, i)
	assert.Equal(t, "search", tc.Name)

	i, tc = FindToolCall(ch, "nope")
	assert.Nil(t, tc)
	assert.Equal(t, -1, i)
}
