package dispatch

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/holon-run/chatsync/pkg/chunkbuf"
	"github.com/holon-run/chatsync/pkg/log"
	"github.com/holon-run/chatsync/pkg/protocol"
	"github.com/holon-run/chatsync/pkg/transcript"
)

// ErrSessionStopped is returned for work submitted after Run returned.
var ErrSessionStopped = errors.New("session stopped")

// DefaultAbortTimeout is how long an abort waits for the server
// acknowledgment before it is applied locally.
const DefaultAbortTimeout = 10 * time.Second

const sessionQueueSize = 256

// SessionConfig configures a Session.
type SessionConfig struct {
	Dispatcher Config
	// FlushInterval is the render tick of the chunk buffers.
	FlushInterval time.Duration
	AbortTimeout  time.Duration
	Aborts        *AbortTimeouts
	// RequestAbort sends the abort request to the server. It runs outside
	// the event loop.
	RequestAbort func(ctx context.Context, channelID string) error
	// OnChange receives a deep copy of every channel changed by a task.
	OnChange func(*transcript.Channel)
	// OnEffect receives notifications produced by handlers.
	OnEffect func(transcript.NotificationEffect)
	Logger   *zap.SugaredLogger
}

// Session serializes every input of a Dispatcher onto one goroutine: network
// events, local user actions, chunk buffer ticks and abort timeouts.
type Session struct {
	cfg    SessionConfig
	d      *Dispatcher
	aborts *AbortTimeouts
	logger *zap.SugaredLogger

	tasks chan func()
	done  chan struct{}
}

// NewSession builds a session and its dispatcher. Call Run to start it.
func NewSession(cfg SessionConfig) *Session {
	s := &Session{
		cfg:    cfg,
		aborts: cfg.Aborts,
		logger: cfg.Logger,
		tasks:  make(chan func(), sessionQueueSize),
		done:   make(chan struct{}),
	}
	if s.aborts == nil {
		s.aborts = NewAbortTimeouts()
	}
	if s.logger == nil {
		s.logger = log.Named("session")
	}
	if s.cfg.AbortTimeout <= 0 {
		s.cfg.AbortTimeout = DefaultAbortTimeout
	}
	dcfg := cfg.Dispatcher
	dcfg.Aborts = s.aborts
	if dcfg.NewScheduler == nil {
		dcfg.NewScheduler = func(string) chunkbuf.Scheduler {
			return chunkbuf.NewLoop(cfg.FlushInterval, func(fn func()) { s.post(fn) })
		}
	}
	s.d = New(dcfg)
	return s
}

// Run processes tasks until ctx is done. Pending fragments are flushed and
// published before it returns.
func (s *Session) Run(ctx context.Context) error {
	defer close(s.done)
	s.logger.Debug("session started")
	for {
		select {
		case <-ctx.Done():
			s.aborts.Stop()
			s.drain()
			s.d.Flush("")
			s.publish()
			s.logger.Debug("session stopped")
			return nil
		case fn := <-s.tasks:
			fn()
			s.publish()
		}
	}
}

// drain runs tasks that were queued before shutdown.
func (s *Session) drain() {
	for {
		select {
		case fn := <-s.tasks:
			fn()
		default:
			return
		}
	}
}

// post queues fn on the loop. It reports false once the session stopped.
func (s *Session) post(fn func()) bool {
	select {
	case <-s.done:
		return false
	default:
	}
	select {
	case s.tasks <- fn:
		return true
	case <-s.done:
		return false
	}
}

// Do runs fn on the loop with exclusive access to the dispatcher and waits
// for it to return. Changes are published before Do returns.
func (s *Session) Do(ctx context.Context, fn func(*Dispatcher) error) error {
	select {
	case <-s.done:
		return ErrSessionStopped
	default:
	}
	errc := make(chan error, 1)
	task := func() {
		err := fn(s.d)
		s.publish()
		errc <- err
	}
	select {
	case s.tasks <- task:
	case <-s.done:
		return ErrSessionStopped
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-errc:
		return err
	case <-s.done:
		select {
		case err := <-errc:
			return err
		default:
			return ErrSessionStopped
		}
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Submit applies one envelope and waits for the result. Effects are handed
// to OnEffect from the loop.
func (s *Session) Submit(ctx context.Context, env protocol.Envelope) error {
	return s.Do(ctx, func(d *Dispatcher) error {
		res, err := d.Handle(env)
		if err != nil {
			return err
		}
		if res.Outcome.Effect != nil && s.cfg.OnEffect != nil {
			s.cfg.OnEffect(*res.Outcome.Effect)
		}
		return nil
	})
}

// Abort marks the channel as aborting, arms the timeout fallback and sends
// the request. If no stream_aborted arrives in time the cancellation is
// applied locally.
func (s *Session) Abort(ctx context.Context, channelID string) error {
	err := s.Do(ctx, func(d *Dispatcher) error {
		if err := d.BeginAbort(channelID); err != nil {
			return err
		}
		s.aborts.Register(channelID, s.cfg.AbortTimeout, func() {
			s.post(func() { s.forceCancel(channelID) })
		})
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to begin abort: %w", err)
	}
	if s.cfg.RequestAbort == nil {
		return nil
	}
	if err := s.cfg.RequestAbort(ctx, channelID); err != nil {
		s.logger.Warnw("abort request failed, waiting for local fallback", "channel", channelID, "error", err)
		return fmt.Errorf("failed to send abort request: %w", err)
	}
	return nil
}

func (s *Session) forceCancel(channelID string) {
	if _, err := s.d.ForceCancel(channelID); err != nil {
		s.logger.Debugw("abort fallback skipped", "channel", channelID, "error", err)
		return
	}
	s.logger.Infow("abort not acknowledged, cancelled locally", "channel", channelID, "timeout", s.cfg.AbortTimeout)
}

// Snapshot returns a deep copy of a channel.
func (s *Session) Snapshot(ctx context.Context, channelID string) (*transcript.Channel, error) {
	var out *transcript.Channel
	err := s.Do(ctx, func(d *Dispatcher) error {
		snap, ok := d.Snapshot(channelID)
		if !ok {
			return fmt.Errorf("channel %q not found", channelID)
		}
		out = snap
		return nil
	})
	return out, err
}

func (s *Session) publish() {
	ids := s.d.TakeDirty()
	if s.cfg.OnChange == nil {
		return
	}
	for _, id := range ids {
		if snap, ok := s.d.Snapshot(id); ok {
			s.cfg.OnChange(snap)
		}
	}
}
