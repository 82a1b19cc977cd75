package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/holon-run/chatsync/pkg/chunkbuf"
	"github.com/holon-run/chatsync/pkg/dispatch"
	"github.com/holon-run/chatsync/pkg/log"
	"github.com/holon-run/chatsync/pkg/protocol"
	"github.com/holon-run/chatsync/pkg/source"
	"github.com/holon-run/chatsync/pkg/transcript"
	"github.com/holon-run/chatsync/pkg/tui"
)

var (
	replayInput   string
	replayFormat  string
	replayChannel string
	replayStrict  bool
)

// replayOutput is the document written by replay.
type replayOutput struct {
	Channels []*transcript.Channel    `json:"channels" yaml:"channels"`
	Topics   []transcript.HistoryEntry `json:"topics,omitempty" yaml:"topics,omitempty"`
}

var replayCmd = &cobra.Command{
	Use:   "replay",
	Short: "Fold an NDJSON event capture into a transcript",
	Long: `Replay reads protocol envelopes (one JSON object per line) and applies them
in order, the way a live client would. The resulting transcript is printed to
stdout; notifications and skipped events are logged to stderr.

Fragments are batched and flushed before each structured event, so a capture
replays exactly like a client rendering at the configured tick.`,
	Example: `  # Replay a capture and print JSON
  chatsync replay --input capture.ndjson

  # Read from stdin, print one channel as text
  cat capture.ndjson | chatsync replay --channel c1 --format text`,
	RunE: func(cmd *cobra.Command, _ []string) error {
		switch replayFormat {
		case "json", "yaml", "text":
		default:
			return fmt.Errorf("unsupported format %q (expected json, yaml or text)", replayFormat)
		}

		reader, closer, err := openInput(replayInput)
		if err != nil {
			return err
		}
		if closer != nil {
			defer closer.Close()
		}

		out, err := replay(cmd.Context(), reader)
		if err != nil {
			return err
		}
		if replayChannel != "" {
			out.Channels = filterChannel(out.Channels, replayChannel)
			if len(out.Channels) == 0 {
				return fmt.Errorf("channel %q not found in input", replayChannel)
			}
		}
		return writeReplay(cmd.OutOrStdout(), out, replayFormat)
	},
}

func openInput(input string) (io.Reader, io.Closer, error) {
	if input == "" || input == "-" {
		return os.Stdin, nil, nil
	}
	f, err := os.Open(input)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open input: %w", err)
	}
	return f, f, nil
}

func replay(ctx context.Context, r io.Reader) (replayOutput, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	logger := log.Named("replay")
	history := &transcript.History{}
	d := dispatch.New(dispatch.Config{
		Buffer:  cfg.Buffer(),
		History: history,
		// Fragments wait for the next structured event or the final flush.
		NewScheduler: func(string) chunkbuf.Scheduler { return &chunkbuf.Manual{} },
		Logger:       log.Named("dispatch"),
	})

	handler := func(_ context.Context, env protocol.Envelope) error {
		res, err := d.Handle(env)
		if err != nil {
			if errors.Is(err, protocol.ErrMalformedPayload) || errors.Is(err, dispatch.ErrChannelRequired) {
				return err
			}
			logger.Warnw("event rejected", "kind", env.Type, "channel", env.ChannelID, "error", err)
			return nil
		}
		if eff := res.Outcome.Effect; eff != nil {
			logger.Warnw("notification", "channel", eff.ChannelID, "code", eff.Code, "title", eff.Title, "message", eff.Message)
		}
		return nil
	}

	stats, err := source.NDJSON{Strict: replayStrict, Logger: logger}.Read(ctx, r, handler)
	if err != nil {
		return replayOutput{}, err
	}
	d.Flush("")
	logger.Infow("replay finished", "lines", stats.Lines, "handled", stats.Handled, "skipped", stats.Skipped)

	out := replayOutput{Topics: history.Entries()}
	for _, id := range d.ChannelIDs() {
		if ch, ok := d.Snapshot(id); ok {
			out.Channels = append(out.Channels, ch)
		}
	}
	return out, nil
}

func filterChannel(channels []*transcript.Channel, id string) []*transcript.Channel {
	for _, ch := range channels {
		if ch.ID == id {
			return []*transcript.Channel{ch}
		}
	}
	return nil
}

func writeReplay(w io.Writer, out replayOutput, format string) error {
	switch format {
	case "yaml":
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		if err := enc.Encode(out); err != nil {
			return fmt.Errorf("failed to encode yaml: %w", err)
		}
		return enc.Close()
	case "text":
		for i, ch := range out.Channels {
			if i > 0 {
				fmt.Fprintln(w)
			}
			header := "# " + ch.ID
			if ch.Title != "" {
				header += " " + ch.Title
			}
			fmt.Fprintln(w, header)
			fmt.Fprintln(w, strings.TrimRight(tui.RenderTranscript(ch, 0), "\n"))
		}
		return nil
	default:
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		if err := enc.Encode(out); err != nil {
			return fmt.Errorf("failed to encode json: %w", err)
		}
		return nil
	}
}

func init() {
	replayCmd.Flags().StringVarP(&replayInput, "input", "i", "-", "Input capture ('-' for stdin, or path to file)")
	replayCmd.Flags().StringVarP(&replayFormat, "format", "f", "json", "Output format: json, yaml or text")
	replayCmd.Flags().StringVar(&replayChannel, "channel", "", "Only print this channel")
	replayCmd.Flags().BoolVar(&replayStrict, "strict", false, "Stop at the first undecodable line or rejected payload")
	rootCmd.AddCommand(replayCmd)
}
