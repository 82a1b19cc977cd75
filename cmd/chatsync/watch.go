package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/holon-run/chatsync/pkg/dispatch"
	"github.com/holon-run/chatsync/pkg/log"
	"github.com/holon-run/chatsync/pkg/metrics"
	"github.com/holon-run/chatsync/pkg/source"
	"github.com/holon-run/chatsync/pkg/transcript"
	"github.com/holon-run/chatsync/pkg/tui"
)

var (
	watchURL         string
	watchChannel     string
	watchMetricsAddr string
	watchRecord      string
	watchHeadless    bool
)

const connectionPollInterval = time.Second

// outboundFrame is a request sent to the backend over the event socket.
type outboundFrame struct {
	Type      string `json:"type"`
	ChannelID string `json:"channel_id"`
	Data      any    `json:"data,omitempty"`
}

type outboundMessage struct {
	ClientID string `json:"client_id"`
	Content  string `json:"content"`
}

type outboundAnswer struct {
	QuestionID string   `json:"question_id,omitempty"`
	MessageID  string   `json:"message_id,omitempty"`
	Answers    []string `json:"answers"`
}

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Render a live channel from a WebSocket event source",
	Long: `Watch connects to the backend event socket, reconciles every event into the
channel transcript and renders it in a terminal UI.

Typing a message and pressing Enter sends it; when the assistant asks a
question, Enter answers it instead. Ctrl+X aborts the running turn: if the
server does not acknowledge within abort.timeout the turn is cancelled
locally.`,
	Example: `  # Watch one channel
  chatsync watch --url ws://127.0.0.1:8080/events --channel c1

  # Run without a UI, expose metrics and record the raw events
  chatsync watch --url ws://127.0.0.1:8080/events --channel c1 --headless \
    --metrics-addr 127.0.0.1:9464 --record ./capture.ndjson`,
	RunE: func(cmd *cobra.Command, _ []string) error {
		if cmd.Flags().Changed("url") {
			cfg.Source.WebsocketURL = watchURL
		}
		if cmd.Flags().Changed("metrics-addr") {
			cfg.Metrics.Listen = watchMetricsAddr
		}
		if err := cfg.Validate(); err != nil {
			return err
		}
		if cfg.Source.WebsocketURL == "" {
			return fmt.Errorf("--url or source.websocket_url is required")
		}
		if watchChannel == "" {
			return fmt.Errorf("--channel is required")
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		return watch(ctx)
	},
}

func watch(parent context.Context) error {
	logger := log.Named("watch")
	ctx, cancel := context.WithCancel(parent)
	defer cancel()

	exporter := metrics.NewExporter(metrics.DefaultConfig())
	ws := source.NewWebSocket(source.WebSocketConfig{URL: cfg.Source.WebsocketURL, Logger: log.Named("websocket")})

	actions := &sessionActions{ws: ws}
	var program *tea.Program
	if !watchHeadless {
		program = tea.NewProgram(
			tui.NewApp(watchChannel, actions),
			tea.WithAltScreen(), tea.WithMouseCellMotion(), tea.WithContext(ctx),
		)
	}
	notify := func(msg tea.Msg) {
		if program != nil {
			program.Send(msg)
		}
	}

	session := dispatch.NewSession(dispatch.SessionConfig{
		Dispatcher: dispatch.Config{
			Buffer:  cfg.Buffer(),
			History: &transcript.History{},
			Metrics: exporter,
			Logger:  log.Named("dispatch"),
		},
		FlushInterval: cfg.Stream.FlushInterval,
		AbortTimeout:  cfg.Abort.Timeout,
		RequestAbort: func(ctx context.Context, channelID string) error {
			return ws.Send(ctx, outboundFrame{Type: "abort", ChannelID: channelID})
		},
		OnChange: func(ch *transcript.Channel) {
			if ch.ID != watchChannel {
				return
			}
			logger.Debugw("channel changed", "channel", ch.ID, "messages", len(ch.Messages), "responding", ch.Responding)
			notify(tui.SnapshotMsg{Channel: ch})
		},
		OnEffect: func(eff transcript.NotificationEffect) {
			logger.Warnw("notification", "channel", eff.ChannelID, "code", eff.Code, "title", eff.Title, "message", eff.Message)
			notify(tui.EffectMsg{Effect: eff})
		},
		Logger: log.Named("session"),
	})
	actions.session = session

	handler := source.Handler(session.Submit)
	if watchRecord != "" {
		rec, err := source.NewRecorder(watchRecord)
		if err != nil {
			return err
		}
		defer rec.Close()
		handler = rec.Tee(handler)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return session.Run(gctx) })
	g.Go(func() error { return ws.Run(gctx, handler) })
	if cfg.Metrics.Listen != "" {
		g.Go(func() error { return exporter.ListenAndServe(gctx, cfg.Metrics.Listen, logger) })
	}
	g.Go(func() error {
		pollConnection(gctx, ws, notify)
		return nil
	})
	if program != nil {
		g.Go(func() error {
			defer cancel()
			stopUI := context.AfterFunc(gctx, program.Quit)
			defer stopUI()
			if _, err := program.Run(); err != nil && !errors.Is(err, tea.ErrProgramKilled) {
				return fmt.Errorf("failed to run TUI: %w", err)
			}
			return nil
		})
	}

	if err := session.Do(gctx, func(d *dispatch.Dispatcher) error {
		d.Open(watchChannel)
		return nil
	}); err != nil && !errors.Is(err, context.Canceled) {
		cancel()
		_ = g.Wait()
		return err
	}
	logger.Infow("watching channel", "channel", watchChannel, "url", source.RedactURL(cfg.Source.WebsocketURL), "metrics", cfg.Metrics.Listen)

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

func pollConnection(ctx context.Context, ws *source.WebSocket, notify func(tea.Msg)) {
	ticker := time.NewTicker(connectionPollInterval)
	defer ticker.Stop()
	last := source.Status{}
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		status := ws.Status()
		if status.Connected == last.Connected && status.LastError == last.LastError {
			continue
		}
		last = status
		msg := tui.ConnectionMsg{Connected: status.Connected}
		if !status.Connected {
			msg.Err = status.LastError
		}
		notify(msg)
	}
}

// sessionActions applies user actions locally through the session and then
// forwards them to the backend.
type sessionActions struct {
	session *dispatch.Session
	ws      *source.WebSocket
}

func (a *sessionActions) Send(ctx context.Context, channelID, content string) error {
	var clientID string
	err := a.session.Do(ctx, func(d *dispatch.Dispatcher) error {
		out, err := d.AppendLocalMessage(channelID, transcript.RoleUser, content)
		if err != nil {
			return err
		}
		if ch, ok := d.Channel(channelID); ok && out.Index >= 0 {
			clientID = ch.Messages[out.Index].ClientID
		}
		return nil
	})
	if err != nil {
		return err
	}
	return a.ws.Send(ctx, outboundFrame{
		Type:      "message",
		ChannelID: channelID,
		Data:      outboundMessage{ClientID: clientID, Content: content},
	})
}

func (a *sessionActions) Answer(ctx context.Context, channelID string, answers []string) error {
	var frame outboundAnswer
	err := a.session.Do(ctx, func(d *dispatch.Dispatcher) error {
		out, err := d.AnswerQuestion(channelID, "", answers)
		if err != nil {
			return err
		}
		if ch, ok := d.Channel(channelID); ok && out.Index >= 0 {
			msg := ch.Messages[out.Index]
			frame = outboundAnswer{QuestionID: msg.UserQuestion.ID, MessageID: msg.ID, Answers: msg.UserQuestion.Answers}
		}
		return nil
	})
	if err != nil {
		return err
	}
	return a.ws.Send(ctx, outboundFrame{Type: "answer", ChannelID: channelID, Data: frame})
}

func (a *sessionActions) Abort(ctx context.Context, channelID string) error {
	return a.session.Abort(ctx, channelID)
}

func init() {
	watchCmd.Flags().StringVar(&watchURL, "url", "", "WebSocket event source URL (overrides source.websocket_url)")
	watchCmd.Flags().StringVar(&watchChannel, "channel", "", "Channel to render")
	watchCmd.Flags().StringVar(&watchMetricsAddr, "metrics-addr", "", "Serve Prometheus metrics on this address (overrides metrics.listen)")
	watchCmd.Flags().StringVar(&watchRecord, "record", "", "Append every received event to this NDJSON file")
	watchCmd.Flags().BoolVar(&watchHeadless, "headless", false, "Run without the terminal UI")
	rootCmd.AddCommand(watchCmd)
}
