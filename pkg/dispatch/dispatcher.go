// Package dispatch routes protocol envelopes to the transcript handlers.
//
// A Dispatcher owns the channel arena and one chunk buffer per channel. It is
// a single-writer component: every method must be called from the same
// goroutine, or through a Session which provides that goroutine.
package dispatch

import (
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/holon-run/chatsync/pkg/chunkbuf"
	"github.com/holon-run/chatsync/pkg/log"
	"github.com/holon-run/chatsync/pkg/protocol"
	"github.com/holon-run/chatsync/pkg/transcript"
)

var (
	// ErrChannelClosed is returned for events addressed to a channel that was
	// closed and not re-opened.
	ErrChannelClosed = errors.New("channel closed")
	// ErrChannelRequired is returned for envelopes without a channel id.
	ErrChannelRequired = errors.New("channel id is required")
)

// Config wires the dispatcher's collaborators. Every field is optional.
type Config struct {
	Reconciler *transcript.Reconciler
	Buffer     chunkbuf.Config
	// NewScheduler returns the render tick of a channel's chunk buffer.
	// Without it fragments are applied as they arrive, so a reconnect resend
	// is appended rather than replacing the text it repeats. Long-lived
	// sessions should always set it.
	NewScheduler func(channelID string) chunkbuf.Scheduler
	// Aborts is told when an abort acknowledgment arrives so that the pending
	// timeout fallback does not fire.
	Aborts  AbortCanceler
	History *transcript.History
	Metrics Metrics
	Logger  *zap.SugaredLogger
}

// Result reports what one routed envelope did.
type Result struct {
	ChannelID string
	Kind      protocol.Kind
	Outcome   transcript.Outcome
	// Label is one of the Result* constants.
	Label string
}

type channelState struct {
	ch  *transcript.Channel
	buf *chunkbuf.Buffer
}

// Dispatcher applies envelopes to the channel they address.
type Dispatcher struct {
	cfg        Config
	reconciler *transcript.Reconciler
	metrics    Metrics
	logger     *zap.SugaredLogger

	channels map[string]*channelState
	order    []string
	closed   map[string]struct{}
	dirty    []string
	isDirty  map[string]struct{}
	handlers map[protocol.Kind]handlerFunc
}

// New returns a dispatcher with an empty arena.
func New(cfg Config) *Dispatcher {
	d := &Dispatcher{
		cfg:        cfg,
		reconciler: cfg.Reconciler,
		metrics:    cfg.Metrics,
		logger:     cfg.Logger,
		channels:   make(map[string]*channelState),
		closed:     make(map[string]struct{}),
		isDirty:    make(map[string]struct{}),
		handlers:   defaultHandlers(),
	}
	if d.reconciler == nil {
		d.reconciler = transcript.NewReconciler()
	}
	if d.metrics == nil {
		d.metrics = nopMetrics{}
	}
	if d.logger == nil {
		d.logger = log.Named("dispatch")
	}
	if d.cfg.Buffer.Observer == nil {
		d.cfg.Buffer.Observer = d.metrics
	}
	return d
}

type handlerFunc func(d *Dispatcher, st *channelState, env protocol.Envelope) (transcript.Outcome, error)

// on adapts a reconciler method to the handler table. Pending fragments are
// flushed before the structured event so that causal order is kept.
func on[T any](apply func(*transcript.Reconciler, *transcript.Channel, T) transcript.Outcome) handlerFunc {
	return func(d *Dispatcher, st *channelState, env protocol.Envelope) (transcript.Outcome, error) {
		p, err := protocol.Decode[T](env)
		if err != nil {
			return transcript.Outcome{Index: -1}, err
		}
		st.buf.FlushSync()
		return apply(d.reconciler, st.ch, p), nil
	}
}

func defaultHandlers() map[protocol.Kind]handlerFunc {
	return map[protocol.Kind]handlerFunc{
		protocol.KindProcessing:          on((*transcript.Reconciler).Processing),
		protocol.KindLoading:             on((*transcript.Reconciler).Processing),
		protocol.KindStreamingStart:      on((*transcript.Reconciler).StreamingStart),
		protocol.KindStreamingEnd:        on((*transcript.Reconciler).StreamingEnd),
		protocol.KindThinkingStart:       on((*transcript.Reconciler).ThinkingStart),
		protocol.KindThinkingEnd:         on((*transcript.Reconciler).ThinkingEnd),
		protocol.KindMessage:             on((*transcript.Reconciler).Message),
		protocol.KindMessageSaved:        on((*transcript.Reconciler).MessageSaved),
		protocol.KindAgentStart:          on((*transcript.Reconciler).AgentStart),
		protocol.KindAgentEnd:            on((*transcript.Reconciler).AgentEnd),
		protocol.KindAgentError:          on((*transcript.Reconciler).AgentError),
		protocol.KindNodeStart:           on((*transcript.Reconciler).NodeStart),
		protocol.KindNodeEnd:             on((*transcript.Reconciler).NodeEnd),
		protocol.KindSubagentStart:       on((*transcript.Reconciler).SubagentStart),
		protocol.KindSubagentEnd:         on((*transcript.Reconciler).SubagentEnd),
		protocol.KindProgressUpdate:      on((*transcript.Reconciler).ProgressUpdate),
		protocol.KindToolCallRequest:     on((*transcript.Reconciler).ToolCallRequest),
		protocol.KindToolCallResponse:    on((*transcript.Reconciler).ToolCallResponse),
		protocol.KindSearchCitations:     on((*transcript.Reconciler).SearchCitations),
		protocol.KindGeneratedFiles:      on((*transcript.Reconciler).GeneratedFiles),
		protocol.KindAskUserQuestion:     on((*transcript.Reconciler).AskUserQuestion),
		protocol.KindError:               on((*transcript.Reconciler).Error),
		protocol.KindInsufficientBalance: on((*transcript.Reconciler).InsufficientBalance),
		protocol.KindParallelChatLimit:   on((*transcript.Reconciler).ParallelChatLimit),
		protocol.KindTopicUpdated:        handleTopicUpdated,
		protocol.KindStreamAborted:       handleStreamAborted,
		protocol.KindStreamingChunk:      handleFragment,
		protocol.KindThinkingChunk:       handleFragment,
	}
}

func handleTopicUpdated(d *Dispatcher, st *channelState, env protocol.Envelope) (transcript.Outcome, error) {
	p, err := protocol.Decode[protocol.TopicUpdated](env)
	if err != nil {
		return transcript.Outcome{Index: -1}, err
	}
	st.buf.FlushSync()
	return d.reconciler.TopicUpdated(st.ch, d.cfg.History, p), nil
}

func handleStreamAborted(d *Dispatcher, st *channelState, env protocol.Envelope) (transcript.Outcome, error) {
	p, err := protocol.Decode[protocol.StreamAborted](env)
	if err != nil {
		return transcript.Outcome{Index: -1}, err
	}
	st.buf.FlushSync()
	if d.cfg.Aborts != nil && d.cfg.Aborts.Cancel(st.ch.ID) {
		d.logger.Debugw("abort acknowledged", "channel", st.ch.ID)
	}
	return d.reconciler.StreamAborted(st.ch, p), nil
}

// handleFragment buffers a chunk. It reaches the transcript when the buffer
// flushes.
func handleFragment(_ *Dispatcher, st *channelState, env protocol.Envelope) (transcript.Outcome, error) {
	p, err := protocol.Decode[protocol.Stream](env)
	if err != nil {
		return transcript.Outcome{Index: -1}, err
	}
	st.buf.Add(chunkbuf.Fragment{Kind: env.Type, Stream: p})
	return transcript.Outcome{Index: -1}, nil
}

// Handle routes one envelope. Unknown kinds are ignored. A malformed payload
// leaves the transcript untouched and returns an error wrapping
// protocol.ErrMalformedPayload.
func (d *Dispatcher) Handle(env protocol.Envelope) (Result, error) {
	res := Result{ChannelID: env.ChannelID, Kind: env.Type, Outcome: transcript.Outcome{Index: -1}}
	if env.ChannelID == "" {
		res.Label = ResultRejected
		d.metrics.EventHandled(env.Type, res.Label)
		return res, fmt.Errorf("%s event: %w", env.Type, ErrChannelRequired)
	}
	handler, ok := d.handlers[env.Type]
	if !ok {
		res.Label = ResultIgnored
		d.metrics.EventHandled(env.Type, res.Label)
		d.logger.Debugw("ignoring unknown event", "kind", env.Type, "channel", env.ChannelID)
		return res, nil
	}
	st, err := d.state(env.ChannelID)
	if err != nil {
		res.Label = ResultRejected
		d.metrics.EventHandled(env.Type, res.Label)
		return res, fmt.Errorf("%s event: %w", env.Type, err)
	}

	out, err := handler(d, st, env)
	if err != nil {
		res.Label = ResultMalformed
		d.metrics.EventHandled(env.Type, res.Label)
		d.logger.Warnw("malformed event payload", "kind", env.Type, "channel", env.ChannelID, "error", err)
		return res, err
	}
	res.Outcome = out
	if env.Type.IsFragment() {
		res.Label = ResultBuffered
		d.metrics.EventHandled(env.Type, res.Label)
		return res, nil
	}
	res.Label = d.settle(st, env.Type, out)
	if out.Effect != nil && out.Effect.ChannelID == "" {
		out.Effect.ChannelID = st.ch.ID
	}
	return res, nil
}

// settle runs after every applied event: it syncs the responding flag, marks
// the channel dirty and records the outcome.
func (d *Dispatcher) settle(st *channelState, kind protocol.Kind, out transcript.Outcome) string {
	before := st.ch.Responding
	after := transcript.SyncResponding(st.ch)
	if !out.Dropped || before != after || out.Effect != nil {
		d.markDirty(st.ch.ID)
	}
	label := resultLabel(out)
	d.metrics.EventHandled(kind, label)
	switch label {
	case ResultAmbiguous:
		d.logger.Warnw("dropping event with ambiguous correlation", "kind", kind, "channel", st.ch.ID, "strategy", out.Strategy)
	default:
		d.logger.Debugw("event applied", "kind", kind, "channel", st.ch.ID, "result", label, "index", out.Index, "strategy", out.Strategy)
	}
	return label
}

func resultLabel(out transcript.Outcome) string {
	switch {
	case out.Ambiguous:
		return ResultAmbiguous
	case out.Dropped:
		return ResultDropped
	case out.Created:
		return ResultCreated
	default:
		return ResultApplied
	}
}

// flushTo returns the buffer callback of a channel. Merged fragments replay
// through the chunk handlers in first-arrival order.
func (d *Dispatcher) flushTo(st *channelState) chunkbuf.FlushFunc {
	return func(frags []chunkbuf.Fragment) {
		for _, f := range frags {
			var out transcript.Outcome
			switch f.Kind {
			case protocol.KindThinkingChunk:
				out = d.reconciler.ThinkingChunk(st.ch, f.Stream)
			default:
				out = d.reconciler.StreamingChunk(st.ch, f.Stream)
			}
			d.settle(st, f.Kind, out)
		}
	}
}

// state returns the arena entry of a channel, opening unknown channels.
func (d *Dispatcher) state(channelID string) (*channelState, error) {
	if _, ok := d.closed[channelID]; ok {
		return nil, fmt.Errorf("%s: %w", channelID, ErrChannelClosed)
	}
	if st, ok := d.channels[channelID]; ok {
		return st, nil
	}
	return d.open(channelID), nil
}

func (d *Dispatcher) open(channelID string) *channelState {
	st := &channelState{ch: transcript.NewChannel(channelID)}
	var sched chunkbuf.Scheduler
	if d.cfg.NewScheduler != nil {
		sched = d.cfg.NewScheduler(channelID)
	}
	st.buf = chunkbuf.New(d.cfg.Buffer, sched, d.flushTo(st))
	d.channels[channelID] = st
	d.order = append(d.order, channelID)
	if d.cfg.History != nil {
		d.cfg.History.Upsert(channelID, "", d.now())
	}
	d.metrics.ChannelOpened()
	d.logger.Infow("channel opened", "channel", channelID)
	d.markDirty(channelID)
	return st
}

// Open makes a channel available, clearing a previous Close. It returns the
// live channel.
func (d *Dispatcher) Open(channelID string) *transcript.Channel {
	delete(d.closed, channelID)
	if st, ok := d.channels[channelID]; ok {
		return st.ch
	}
	return d.open(channelID).ch
}

// Close tears a channel down: unflushed fragments are dropped, a pending
// abort timeout is cancelled and later events are rejected until Open.
func (d *Dispatcher) Close(channelID string) {
	d.closed[channelID] = struct{}{}
	st, ok := d.channels[channelID]
	if !ok {
		return
	}
	st.buf.Destroy()
	delete(d.channels, channelID)
	for i, id := range d.order {
		if id == channelID {
			d.order = append(d.order[:i], d.order[i+1:]...)
			break
		}
	}
	if _, ok := d.isDirty[channelID]; ok {
		delete(d.isDirty, channelID)
		for i, id := range d.dirty {
			if id == channelID {
				d.dirty = append(d.dirty[:i], d.dirty[i+1:]...)
				break
			}
		}
	}
	if d.cfg.Aborts != nil {
		d.cfg.Aborts.Cancel(channelID)
	}
	d.metrics.ChannelClosed()
	d.logger.Infow("channel closed", "channel", channelID)
}

// Channel returns the live channel. Callers must not keep it beyond the
// current turn of the owning goroutine; use Snapshot for that.
func (d *Dispatcher) Channel(channelID string) (*transcript.Channel, bool) {
	st, ok := d.channels[channelID]
	if !ok {
		return nil, false
	}
	return st.ch, true
}

// Snapshot returns a deep copy of a channel.
func (d *Dispatcher) Snapshot(channelID string) (*transcript.Channel, bool) {
	st, ok := d.channels[channelID]
	if !ok {
		return nil, false
	}
	return st.ch.Clone(), true
}

// ChannelIDs lists open channels in opening order.
func (d *Dispatcher) ChannelIDs() []string {
	return append([]string(nil), d.order...)
}

// Flush drains the chunk buffer of a channel, or of every channel when
// channelID is empty.
func (d *Dispatcher) Flush(channelID string) {
	if channelID != "" {
		if st, ok := d.channels[channelID]; ok {
			st.buf.FlushSync()
		}
		return
	}
	for _, id := range d.order {
		d.channels[id].buf.FlushSync()
	}
}

// TakeDirty returns the channels changed since the last call, in the order
// they first changed.
func (d *Dispatcher) TakeDirty() []string {
	out := d.dirty
	d.dirty = nil
	clear(d.isDirty)
	return out
}

func (d *Dispatcher) markDirty(channelID string) {
	if _, ok := d.isDirty[channelID]; ok {
		return
	}
	d.isDirty[channelID] = struct{}{}
	d.dirty = append(d.dirty, channelID)
}

func (d *Dispatcher) now() time.Time {
	if d.reconciler.Now != nil {
		return d.reconciler.Now()
	}
	return time.Now()
}

// local runs a locally initiated change with the same ordering and
// bookkeeping as a server event.
func (d *Dispatcher) local(channelID string, kind protocol.Kind, fn func(*transcript.Channel) (transcript.Outcome, error)) (transcript.Outcome, error) {
	if channelID == "" {
		return transcript.Outcome{Index: -1}, ErrChannelRequired
	}
	st, err := d.state(channelID)
	if err != nil {
		return transcript.Outcome{Index: -1}, err
	}
	st.buf.FlushSync()
	out, err := fn(st.ch)
	if err != nil {
		return out, err
	}
	d.settle(st, kind, out)
	return out, nil
}

// Local operation kinds recorded in metrics and logs.
const (
	KindLocalMessage protocol.Kind = "local_message"
	KindLocalAnswer  protocol.Kind = "local_answer"
	KindLocalAbort   protocol.Kind = "local_abort"
	KindForceCancel  protocol.Kind = "force_cancel"
)

// AppendLocalMessage adds an optimistic local entry to a channel.
func (d *Dispatcher) AppendLocalMessage(channelID string, role transcript.Role, content string) (transcript.Outcome, error) {
	return d.local(channelID, KindLocalMessage, func(ch *transcript.Channel) (transcript.Outcome, error) {
		return d.reconciler.AppendLocalMessage(ch, role, content), nil
	})
}

// AnswerQuestion records the user's answer to a pending question.
func (d *Dispatcher) AnswerQuestion(channelID, key string, answers []string) (transcript.Outcome, error) {
	return d.local(channelID, KindLocalAnswer, func(ch *transcript.Channel) (transcript.Outcome, error) {
		return d.reconciler.AnswerQuestion(ch, key, answers)
	})
}

// BeginAbort marks the channel as aborting. The caller is responsible for
// sending the request and arming the timeout fallback.
func (d *Dispatcher) BeginAbort(channelID string) error {
	_, err := d.local(channelID, KindLocalAbort, func(ch *transcript.Channel) (transcript.Outcome, error) {
		d.reconciler.BeginAbort(ch)
		return transcript.Outcome{Index: -1}, nil
	})
	return err
}

// ForceCancel cancels the channel's live work locally. It is the abort
// timeout fallback.
func (d *Dispatcher) ForceCancel(channelID string) (transcript.Outcome, error) {
	return d.local(channelID, KindForceCancel, func(ch *transcript.Channel) (transcript.Outcome, error) {
		return d.reconciler.ForceCancel(ch), nil
	})
}
