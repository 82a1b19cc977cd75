// Package source delivers protocol envelopes from a transport to a handler.
package source

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sync"

	"go.uber.org/zap"

	"github.com/holon-run/chatsync/pkg/log"
	"github.com/holon-run/chatsync/pkg/protocol"
)

// Handler receives one decoded envelope.
type Handler func(ctx context.Context, env protocol.Envelope) error

// Stats counts what a reader saw.
type Stats struct {
	Lines   int
	Handled int
	// Skipped counts lines that failed to decode or that the handler
	// rejected.
	Skipped int
}

// NDJSON reads envelopes from newline-delimited JSON, one per line.
type NDJSON struct {
	// Strict stops at the first undecodable line or handler error instead of
	// logging and skipping it.
	Strict bool
	Logger *zap.SugaredLogger
}

// Read feeds every envelope of r to handler until EOF or ctx is done.
func (n NDJSON) Read(ctx context.Context, r io.Reader, handler Handler) (Stats, error) {
	logger := n.Logger
	if logger == nil {
		logger = log.Named("source")
	}
	var stats Stats
	scanner := bufio.NewScanner(r)
	// Tool results and generated file lists can exceed the default 64 KiB token limit.
	scanner.Buffer(make([]byte, 0, 128*1024), 10*1024*1024)
	for scanner.Scan() {
		select {
		case <-ctx.Done():
			return stats, ctx.Err()
		default:
		}
		stats.Lines++
		line := scanner.Bytes()
		if len(bytes.TrimSpace(line)) == 0 {
			continue
		}
		env, err := protocol.ParseEnvelope(line)
		if err == nil {
			err = handler(ctx, env)
		}
		if err != nil {
			if n.Strict {
				return stats, fmt.Errorf("line %d: %w", stats.Lines, err)
			}
			stats.Skipped++
			logger.Warnw("skipping event", "line", stats.Lines, "error", err)
			continue
		}
		stats.Handled++
	}
	if err := scanner.Err(); err != nil {
		return stats, fmt.Errorf("failed to read events: %w", err)
	}
	return stats, nil
}

// Recorder appends envelopes to an NDJSON capture that Read can replay.
type Recorder struct {
	mu   sync.Mutex
	file *os.File
	enc  *json.Encoder
}

// NewRecorder opens path for appending.
func NewRecorder(path string) (*Recorder, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open capture file %q: %w", path, err)
	}
	enc := json.NewEncoder(f)
	enc.SetEscapeHTML(false)
	return &Recorder{file: f, enc: enc}, nil
}

func (r *Recorder) Write(env protocol.Envelope) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.enc.Encode(env); err != nil {
		return fmt.Errorf("failed to write capture entry: %w", err)
	}
	return nil
}

func (r *Recorder) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.file.Close(); err != nil {
		return fmt.Errorf("failed to close capture file: %w", err)
	}
	return nil
}

// Tee returns a handler that records every envelope before passing it on.
func (r *Recorder) Tee(next Handler) Handler {
	return func(ctx context.Context, env protocol.Envelope) error {
		if err := r.Write(env); err != nil {
			return err
		}
		return next(ctx, env)
	}
}
