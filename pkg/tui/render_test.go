package tui

import (
	"strings"
	"testing"

	"github.com/holon-run/chatsync/pkg/transcript"
)

func TestRenderTranscriptEmpty(t *testing.T) {
	if got := RenderTranscript(nil, 0); !strings.Contains(got, "No messages yet") {
		t.Fatalf("RenderTranscript(nil) = %q", got)
	}
}

func TestRenderTranscriptDetails(t *testing.T) {
	ch := transcript.NewChannel("c1")
	ch.Messages = append(ch.Messages,
		&transcript.Message{
			Role:            transcript.RoleAssistant,
			Status:          transcript.StatusStreaming,
			ThinkingContent: "considering options",
			AgentExecution: &transcript.AgentExecutionState{
				Status: transcript.ExecutionRunning,
				Phases: []*transcript.Phase{
					{ID: "plan", Status: transcript.PhaseCompleted},
					{ID: "search", Name: "Web search", Status: transcript.PhaseRunning, StreamedContent: "looking\nfound 3 results"},
				},
				Subagents: []*transcript.Subagent{{ID: "sub-1", Name: "researcher", Status: transcript.ExecutionRunning}},
				Progress:  &transcript.Progress{Percent: 40, Message: "searching"},
			},
			ToolCalls: []*transcript.ToolCall{{ID: "t1", Name: "web_search", Status: transcript.ToolExecuting}},
		},
		&transcript.Message{
			Role:      transcript.RoleAssistant,
			Status:    transcript.StatusFailed,
			Citations: []transcript.Citation{{ID: "1", Title: "Guide"}},
			Error:     &transcript.MessageError{Code: "system.internal_error", Message: "boom"},
		},
	)

	got := RenderTranscript(ch, 0)
	for _, want := range []string{
		"considering options",
		"plan",
		"Web search: found 3 results",
		"subagent researcher",
		"40% searching",
		"tool web_search (executing)",
		"[1] Guide",
		"system.internal_error: boom",
		"failed",
	} {
		if !strings.Contains(got, want) {
			t.Fatalf("render missing %q:\n%s", want, got)
		}
	}
}

func TestLastLine(t *testing.T) {
	if got := lastLine("a\nb\n"); got != "b" {
		t.Fatalf("lastLine = %q, want b", got)
	}
	long := strings.Repeat("x", 80)
	if got := lastLine(long); len(got) != 60 || !strings.HasPrefix(got, "...") {
		t.Fatalf("lastLine(long) = %q", got)
	}
}
