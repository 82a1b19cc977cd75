package tui

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/holon-run/chatsync/pkg/transcript"
)

const tuiTraceEnvKey = "CHATSYNC_TUI_TRACE_FILE"

type tuiDebugTracer struct {
	mu       sync.Mutex
	file     *os.File
	enc      *json.Encoder
	reported bool
	seq      atomic.Uint64
}

func newTUIDebugTracerFromEnv() *tuiDebugTracer {
	path := strings.TrimSpace(os.Getenv(tuiTraceEnvKey))
	if path == "" {
		return &tuiDebugTracer{}
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		fmt.Fprintf(os.Stderr, "chatsync tui: failed to open debug trace file %s: %v\n", path, err)
		return &tuiDebugTracer{}
	}
	enc := json.NewEncoder(f)
	enc.SetEscapeHTML(false)
	return &tuiDebugTracer{file: f, enc: enc}
}

func (t *tuiDebugTracer) enabled() bool {
	return t != nil && t.enc != nil
}

func (t *tuiDebugTracer) trace(kind string, fields map[string]interface{}) {
	if !t.enabled() {
		return
	}

	entry := make(map[string]interface{}, len(fields)+4)
	entry["ts"] = time.Now().UTC().Format(time.RFC3339Nano)
	entry["component"] = "tui"
	entry["kind"] = strings.TrimSpace(kind)
	entry["seq"] = t.seq.Add(1)
	for k, v := range fields {
		entry[k] = v
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.enc.Encode(entry); err != nil && !t.reported {
		t.reported = true
		fmt.Fprintf(os.Stderr, "chatsync tui: failed to write debug trace: %v\n", err)
	}
}

func (t *tuiDebugTracer) close() error {
	if t == nil || t.file == nil {
		return nil
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.file.Close(); err != nil {
		return fmt.Errorf("failed to close tui debug trace file: %w", err)
	}
	t.file = nil
	t.enc = nil
	return nil
}

func traceFieldsFromChannel(ch *transcript.Channel) map[string]interface{} {
	fields := map[string]interface{}{
		"channel":    ch.ID,
		"messages":   len(ch.Messages),
		"responding": ch.Responding,
		"aborting":   ch.Aborting,
	}
	if n := len(ch.Messages); n > 0 {
		last := ch.Messages[n-1]
		fields["last_id"] = last.ID
		fields["last_status"] = string(last.Status)
		fields["last_length"] = len(last.Content)
	}
	return fields
}
