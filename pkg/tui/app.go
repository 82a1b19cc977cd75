package tui

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/spinner"
	"github.com/charmbracelet/bubbles/textinput"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"

	"github.com/holon-run/chatsync/pkg/transcript"
)

const (
	noticeTTL     = 6 * time.Second
	actionTimeout = 10 * time.Second
)

// Actions are the user commands the viewer can issue. Every method is
// called from a tea.Cmd goroutine.
type Actions interface {
	Send(ctx context.Context, channelID, content string) error
	Answer(ctx context.Context, channelID string, answers []string) error
	Abort(ctx context.Context, channelID string) error
}

// SnapshotMsg carries a deep copy of a channel after it changed.
type SnapshotMsg struct {
	Channel *transcript.Channel
}

// EffectMsg carries a notification for the user.
type EffectMsg struct {
	Effect transcript.NotificationEffect
}

// ConnectionMsg reports the event source state.
type ConnectionMsg struct {
	Connected bool
	Err       string
}

type tickMsg time.Time

type actionDoneMsg struct {
	action string
	err    error
}

type notice struct {
	effect transcript.NotificationEffect
	at     time.Time
}

// App is a live view of one channel.
type App struct {
	channelID string
	actions   Actions
	channel   *transcript.Channel
	notices   []notice

	connected  bool
	connErr    string
	lastUpdate time.Time
	err        error
	quitting   bool
	ready      bool
	width      int
	height     int

	viewport viewport.Model
	input    textinput.Model
	spinner  spinner.Model
	tracer   *tuiDebugTracer
	now      func() time.Time
}

// NewApp creates a viewer for channelID. actions may be nil for a read-only
// view.
func NewApp(channelID string, actions Actions) *App {
	input := textinput.New()
	input.Prompt = "❯ "
	input.CharLimit = 4000
	input.Placeholder = "Type a message, or the number of an option to answer"
	input.Focus()

	sp := spinner.New()
	sp.Spinner = spinner.Points

	vp := viewport.New(0, 0)
	vp.MouseWheelEnabled = true

	return &App{
		channelID: channelID,
		actions:   actions,
		viewport:  vp,
		input:     input,
		spinner:   sp,
		tracer:    newTUIDebugTracerFromEnv(),
		now:       time.Now,
	}
}

// Init starts the spinner, cursor blink and notice expiry ticks.
func (a *App) Init() tea.Cmd {
	return tea.Batch(
		a.spinner.Tick,
		textinput.Blink,
		a.tick(),
	)
}

// Update handles messages and updates state
func (a *App) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "ctrl+c":
			a.quitting = true
			_ = a.tracer.close()
			return a, tea.Quit
		case "ctrl+x":
			a.tracer.trace("abort", map[string]interface{}{"channel": a.channelID})
			return a, a.run("abort", func(ctx context.Context) error {
				return a.actions.Abort(ctx, a.channelID)
			})
		case "enter":
			return a, a.submit()
		case "pgup", "pgdown", "up", "down":
			var cmd tea.Cmd
			a.viewport, cmd = a.viewport.Update(msg)
			return a, cmd
		}
		var cmd tea.Cmd
		a.input, cmd = a.input.Update(msg)
		return a, cmd

	case tea.MouseMsg:
		var cmd tea.Cmd
		a.viewport, cmd = a.viewport.Update(msg)
		return a, cmd

	case tea.WindowSizeMsg:
		a.width = msg.Width
		a.height = msg.Height
		a.ready = true
		a.resize()
		return a, nil

	case SnapshotMsg:
		if msg.Channel == nil || msg.Channel.ID != a.channelID {
			return a, nil
		}
		a.channel = msg.Channel
		a.lastUpdate = a.now()
		a.tracer.trace("snapshot", traceFieldsFromChannel(msg.Channel))
		a.refresh()
		return a, nil

	case EffectMsg:
		if msg.Effect.ChannelID != "" && msg.Effect.ChannelID != a.channelID {
			return a, nil
		}
		a.notices = append(a.notices, notice{effect: msg.Effect, at: a.now()})
		a.tracer.trace("effect", map[string]interface{}{"code": msg.Effect.Code, "severity": string(msg.Effect.Severity)})
		return a, nil

	case ConnectionMsg:
		a.connected = msg.Connected
		a.connErr = msg.Err
		return a, nil

	case actionDoneMsg:
		a.err = msg.err
		if msg.err != nil {
			a.err = fmt.Errorf("%s failed: %w", msg.action, msg.err)
		}
		return a, nil

	case spinner.TickMsg:
		var cmd tea.Cmd
		a.spinner, cmd = a.spinner.Update(msg)
		return a, cmd

	case tickMsg:
		a.expireNotices()
		if a.quitting {
			return a, nil
		}
		return a, a.tick()
	}

	var cmd tea.Cmd
	a.input, cmd = a.input.Update(msg)
	return a, cmd
}

// submit sends the input as an answer when a question is pending, otherwise
// as a new message.
func (a *App) submit() tea.Cmd {
	text := strings.TrimSpace(a.input.Value())
	if text == "" {
		return nil
	}
	a.input.Reset()
	if q := a.pendingQuestion(); q != nil {
		answers := parseAnswers(q, text)
		a.tracer.trace("answer", map[string]interface{}{"channel": a.channelID, "answers": answers})
		return a.run("answer", func(ctx context.Context) error {
			return a.actions.Answer(ctx, a.channelID, answers)
		})
	}
	a.tracer.trace("send", map[string]interface{}{"channel": a.channelID, "length": len(text)})
	return a.run("send", func(ctx context.Context) error {
		return a.actions.Send(ctx, a.channelID, text)
	})
}

func (a *App) run(action string, fn func(ctx context.Context) error) tea.Cmd {
	if a.actions == nil {
		return nil
	}
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), actionTimeout)
		defer cancel()
		return actionDoneMsg{action: action, err: fn(ctx)}
	}
}

func (a *App) pendingQuestion() *transcript.UserQuestion {
	if a.channel == nil {
		return nil
	}
	for i := len(a.channel.Messages) - 1; i >= 0; i-- {
		if q := a.channel.Messages[i].UserQuestion; q != nil && !q.Answered {
			return q
		}
	}
	return nil
}

// parseAnswers maps option numbers to labels. Anything else is a free-form
// answer.
func parseAnswers(q *transcript.UserQuestion, text string) []string {
	parts := []string{text}
	if q.MultiSelect {
		parts = strings.Split(text, ",")
	}
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		if n, err := strconv.Atoi(p); err == nil && n >= 1 && n <= len(q.Options) {
			p = q.Options[n-1].Label
		}
		out = append(out, p)
	}
	return out
}

func (a *App) expireNotices() {
	now := a.now()
	kept := a.notices[:0]
	for _, n := range a.notices {
		if now.Sub(n.at) < noticeTTL {
			kept = append(kept, n)
		}
	}
	a.notices = kept
}

func (a *App) tick() tea.Cmd {
	return tea.Tick(time.Second, func(t time.Time) tea.Msg {
		return tickMsg(t)
	})
}

func (a *App) resize() {
	a.viewport.Width = max(20, a.width-4)
	a.viewport.Height = max(5, a.height-10)
	a.input.Width = max(20, a.width-6)
	a.refresh()
}

func (a *App) refresh() {
	atBottom := a.viewport.AtBottom()
	a.viewport.SetContent(RenderTranscript(a.channel, a.viewport.Width))
	if atBottom {
		a.viewport.GotoBottom()
	}
}

// View renders the UI
func (a *App) View() string {
	if a.quitting {
		return "Goodbye!\n"
	}
	if !a.ready {
		return "Loading..."
	}

	var b strings.Builder

	title := a.channelID
	if a.channel != nil && a.channel.Title != "" {
		title = a.channel.Title
	}
	b.WriteString(titleStyle.Render("chatsync · " + title))
	b.WriteString("\n")
	b.WriteString(a.renderStatusLine())
	b.WriteString("\n")

	for _, n := range a.notices {
		style := warnStyle
		if n.effect.Severity == transcript.SeverityError {
			style = errorStyle
		}
		line := fmt.Sprintf("%s: %s", n.effect.Title, n.effect.Message)
		if n.effect.Action != nil {
			line += fmt.Sprintf(" [%s → %s]", n.effect.Action.Label, n.effect.Action.Target)
		}
		b.WriteString(style.Render(line))
		b.WriteString("\n")
	}

	b.WriteString(borderStyle.Render(a.viewport.View()))
	b.WriteString("\n")
	b.WriteString(a.input.View())
	b.WriteString("\n")
	b.WriteString(a.renderHelp())
	return b.String()
}

func (a *App) renderStatusLine() string {
	var parts []string
	if a.connected {
		parts = append(parts, "connected")
	} else if a.connErr != "" {
		return errorStyle.Render("Connection Error: " + a.connErr)
	} else {
		parts = append(parts, "connecting...")
	}
	if a.channel != nil {
		switch {
		case a.channel.Aborting:
			parts = append(parts, a.spinner.View()+" aborting")
		case a.channel.Responding:
			parts = append(parts, a.spinner.View()+" responding")
		}
	}
	if !a.lastUpdate.IsZero() {
		parts = append(parts, "last update "+a.lastUpdate.Format("15:04:05"))
	}
	line := statusStyle.Render(strings.Join(parts, " | "))
	if a.err != nil {
		line += errorStyle.Render(a.err.Error())
	}
	return line
}

func (a *App) renderHelp() string {
	return helpStyle.Render("Commands: [Enter] Send or Answer | [Ctrl+X] Abort | [PgUp/PgDn] Scroll | [Ctrl+C] Quit")
}
