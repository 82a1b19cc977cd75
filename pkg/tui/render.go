package tui

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/lipgloss"

	"github.com/holon-run/chatsync/pkg/transcript"
)

// Styles
var (
	titleStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("cyan")).
			Bold(true).
			Padding(0, 1)

	statusStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("green")).
			Padding(0, 1)

	errorStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("red")).
			Padding(0, 1)

	warnStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("yellow")).
			Padding(0, 1)

	borderStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("blue"))

	helpStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("240")).
			Padding(0, 1)

	userMsgStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("blue"))

	assistantMsgStyle = lipgloss.NewStyle().
				Foreground(lipgloss.Color("green"))

	systemMsgStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("magenta"))

	thinkingStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("240")).
			Italic(true)

	phaseStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("245"))
)

// RenderTranscript renders a channel as plain styled text, one block per
// message. Width 0 disables wrapping.
func RenderTranscript(ch *transcript.Channel, width int) string {
	if ch == nil || len(ch.Messages) == 0 {
		return helpStyle.Render("No messages yet")
	}
	blocks := make([]string, 0, len(ch.Messages))
	for _, m := range ch.Messages {
		blocks = append(blocks, renderMessage(m, width))
	}
	return strings.Join(blocks, "\n\n")
}

func renderMessage(m *transcript.Message, width int) string {
	var b strings.Builder

	style := assistantMsgStyle
	label := "Assistant"
	switch m.Role {
	case transcript.RoleUser:
		style, label = userMsgStyle, "You"
	case transcript.RoleSystem:
		style, label = systemMsgStyle, "System"
	}
	header := fmt.Sprintf("[%s] %s", label, statusMark(m.Status))
	b.WriteString(style.Bold(true).Render(header))
	b.WriteString("\n")

	if m.ThinkingContent != "" {
		b.WriteString(wrap(thinkingStyle, width).Render(m.ThinkingContent))
		b.WriteString("\n")
	}
	if exec := m.AgentExecution; exec != nil {
		for _, p := range exec.Phases {
			line := fmt.Sprintf("  %s %s", phaseMark(p.Status), firstNonEmpty(p.Name, p.ID))
			if p.Status == transcript.PhaseRunning && p.StreamedContent != "" {
				line += ": " + lastLine(p.StreamedContent)
			}
			b.WriteString(phaseStyle.Render(line))
			b.WriteString("\n")
		}
		for _, s := range exec.Subagents {
			b.WriteString(phaseStyle.Render(fmt.Sprintf("  %s subagent %s", executionMark(s.Status), firstNonEmpty(s.Name, s.ID))))
			b.WriteString("\n")
		}
		if exec.Progress != nil {
			b.WriteString(phaseStyle.Render(fmt.Sprintf("  %.0f%% %s", exec.Progress.Percent, exec.Progress.Message)))
			b.WriteString("\n")
		}
	}
	for _, tc := range m.ToolCalls {
		b.WriteString(phaseStyle.Render(fmt.Sprintf("  tool %s (%s)", tc.Name, tc.Status)))
		b.WriteString("\n")
	}

	content := m.Content
	if content == "" && m.IsPlaceholder {
		content = "…"
	}
	if content != "" {
		b.WriteString(wrap(lipgloss.NewStyle(), width).Render(content))
		b.WriteString("\n")
	}

	if q := m.UserQuestion; q != nil {
		b.WriteString(warnStyle.Render("? " + q.Question))
		b.WriteString("\n")
		if q.Answered {
			b.WriteString(helpStyle.Render("answered: " + strings.Join(q.Answers, ", ")))
			b.WriteString("\n")
		} else {
			for i, o := range q.Options {
				b.WriteString(helpStyle.Render(fmt.Sprintf("%d) %s", i+1, o.Label)))
				b.WriteString("\n")
			}
		}
	}
	for _, c := range m.Citations {
		b.WriteString(helpStyle.Render(fmt.Sprintf("[%s] %s", c.ID, firstNonEmpty(c.Title, c.URL))))
		b.WriteString("\n")
	}
	for _, a := range m.Attachments {
		b.WriteString(helpStyle.Render("file: " + firstNonEmpty(a.Name, a.ID)))
		b.WriteString("\n")
	}
	if m.Error != nil {
		b.WriteString(errorStyle.Render(fmt.Sprintf("%s: %s", m.Error.Code, m.Error.Message)))
		b.WriteString("\n")
	}
	return strings.TrimRight(b.String(), "\n")
}

func wrap(style lipgloss.Style, width int) lipgloss.Style {
	if width > 0 {
		return style.Width(width)
	}
	return style
}

func statusMark(s transcript.Status) string {
	switch s {
	case transcript.StatusCompleted:
		return "✓"
	case transcript.StatusFailed:
		return "✗ failed"
	case transcript.StatusCancelled:
		return "⊘ cancelled"
	case transcript.StatusWaitingForUser:
		return "waiting for you"
	default:
		return string(s) + "…"
	}
}

func phaseMark(s transcript.PhaseStatus) string {
	switch s {
	case transcript.PhaseCompleted:
		return "✓"
	case transcript.PhaseFailed:
		return "✗"
	case transcript.PhaseSkipped:
		return "-"
	case transcript.PhaseCancelled:
		return "⊘"
	default:
		return "…"
	}
}

func executionMark(s transcript.ExecutionStatus) string {
	return phaseMark(transcript.PhaseStatus(s))
}

func lastLine(s string) string {
	s = strings.TrimRight(s, "\n")
	if i := strings.LastIndexByte(s, '\n'); i >= 0 {
		s = s[i+1:]
	}
	if len(s) > 60 {
		s = s[len(s)-57:]
		s = "..." + s
	}
	return s
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
