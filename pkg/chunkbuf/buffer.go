// Package chunkbuf coalesces high-frequency streaming fragments into one
// flush per render tick.
//
// A Buffer is not safe for concurrent use. Its owner serializes Add, FlushSync
// and Destroy together with the scheduled flush callback, which a Scheduler
// must deliver on the owner's goroutine.
package chunkbuf

import (
	"strings"

	"github.com/holon-run/chatsync/pkg/protocol"
)

// Defaults for the reconnect de-duplication rule.
const (
	DefaultDedupMinPrefix = 5
	DefaultDedupProbe     = 32
)

// Fragment is one buffered streaming_chunk or thinking_chunk event.
type Fragment struct {
	Kind   protocol.Kind
	Stream protocol.Stream
}

type key struct {
	kind     protocol.Kind
	streamID string
}

func (f Fragment) key() key {
	return key{kind: f.Kind, streamID: f.Stream.ID}
}

// FlushFunc receives the merged fragments in first-arrival order.
type FlushFunc func([]Fragment)

// Observer is notified of buffer activity.
type Observer interface {
	FragmentBuffered(kind protocol.Kind)
	FragmentReplaced(kind protocol.Kind)
	Flushed(fragments int)
}

type nopObserver struct{}

func (nopObserver) FragmentBuffered(protocol.Kind) {}
func (nopObserver) FragmentReplaced(protocol.Kind) {}
func (nopObserver) Flushed(int)                    {}

// Config tunes the buffer.
type Config struct {
	// DedupMinPrefix is the buffered length from which a longer incoming
	// fragment repeating the buffered text replaces it.
	DedupMinPrefix int
	// DedupProbe bounds how much of the buffered text is compared.
	DedupProbe int
	Observer   Observer
}

func (c Config) normalized() Config {
	if c.DedupMinPrefix <= 0 {
		c.DedupMinPrefix = DefaultDedupMinPrefix
	}
	if c.DedupProbe <= 0 {
		c.DedupProbe = DefaultDedupProbe
	}
	if c.Observer == nil {
		c.Observer = nopObserver{}
	}
	return c
}

// Buffer accumulates fragments keyed by kind and stream id.
type Buffer struct {
	cfg       Config
	scheduler Scheduler
	flush     FlushFunc

	order     []key
	pending   map[key]*Fragment
	scheduled bool
	destroyed bool
}

// New returns a buffer that hands merged fragments to flush.
func New(cfg Config, scheduler Scheduler, flush FlushFunc) *Buffer {
	if scheduler == nil {
		scheduler = Immediate{}
	}
	return &Buffer{
		cfg:       cfg.normalized(),
		scheduler: scheduler,
		flush:     flush,
		pending:   make(map[key]*Fragment),
	}
}

// Add buffers a fragment and makes sure one flush is scheduled. It returns
// false once the buffer is destroyed.
func (b *Buffer) Add(f Fragment) bool {
	if b.destroyed {
		return false
	}
	k := f.key()
	if cur, ok := b.pending[k]; ok {
		if b.isResend(cur.Stream.Content, f.Stream.Content) {
			cur.Stream.Content = f.Stream.Content
			b.cfg.Observer.FragmentReplaced(f.Kind)
		} else {
			cur.Stream.Content += f.Stream.Content
		}
		if cur.Stream.Context == nil {
			cur.Stream.Context = f.Stream.Context
		}
	} else {
		copied := f
		b.pending[k] = &copied
		b.order = append(b.order, k)
	}
	b.cfg.Observer.FragmentBuffered(f.Kind)

	if !b.scheduled {
		b.scheduled = true
		b.scheduler.Schedule(b.onTick)
	}
	return true
}

// isResend reports whether incoming is the server re-sending buffered text
// from a checkpoint: it starts with a sizeable prefix of buffered and is
// longer.
func (b *Buffer) isResend(buffered, incoming string) bool {
	if len(buffered) < b.cfg.DedupMinPrefix || len(incoming) <= len(buffered) {
		return false
	}
	probe := min(len(buffered), b.cfg.DedupProbe)
	return strings.HasPrefix(incoming, buffered[:probe])
}

func (b *Buffer) onTick() {
	b.scheduled = false
	b.FlushSync()
}

// FlushSync drains the buffer now. It must run before any non-fragment event
// is handled so that causal order is kept.
func (b *Buffer) FlushSync() {
	if b.scheduled {
		b.scheduled = false
		b.scheduler.Cancel()
	}
	if len(b.order) == 0 {
		return
	}
	out := make([]Fragment, 0, len(b.order))
	for _, k := range b.order {
		out = append(out, *b.pending[k])
	}
	b.order = b.order[:0]
	clear(b.pending)

	b.cfg.Observer.Flushed(len(out))
	if b.flush != nil {
		b.flush(out)
	}
}

// Destroy cancels the scheduled flush and drops unflushed fragments. The
// buffer rejects fragments afterwards.
func (b *Buffer) Destroy() {
	if b.destroyed {
		return
	}
	b.destroyed = true
	if b.scheduled {
		b.scheduled = false
		b.scheduler.Cancel()
	}
	b.order = nil
	b.pending = nil
}

// Pending returns the number of merged fragments waiting for a flush.
func (b *Buffer) Pending() int {
	return len(b.order)
}

// Destroyed reports whether Destroy was called.
func (b *Buffer) Destroyed() bool {
	return b.destroyed
}
