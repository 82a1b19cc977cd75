package dispatch

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/holon-run/chatsync/pkg/protocol"
	"github.com/holon-run/chatsync/pkg/transcript"
)

type published struct {
	mu      sync.Mutex
	changes []*transcript.Channel
	effects []transcript.NotificationEffect
}

func (p *published) onChange(ch *transcript.Channel) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.changes = append(p.changes, ch)
}

func (p *published) onEffect(e transcript.NotificationEffect) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.effects = append(p.effects, e)
}

func (p *published) last() *transcript.Channel {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.changes) == 0 {
		return nil
	}
	return p.changes[len(p.changes)-1]
}

func startSession(t *testing.T, cfg SessionConfig) (*Session, *published) {
	t.Helper()
	pub := &published{}
	cfg.OnChange = pub.onChange
	cfg.OnEffect = pub.onEffect
	cfg.Logger = zap.NewNop().Sugar()
	cfg.Dispatcher.Logger = zap.NewNop().Sugar()
	if cfg.Dispatcher.Reconciler == nil {
		cfg.Dispatcher.Reconciler = testReconciler()
	}
	s := NewSession(cfg)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		select {
		case err := <-done:
			assert.NoError(t, err)
		case <-time.After(5 * time.Second):
			t.Error("session did not stop")
		}
	})
	return s, pub
}

func TestSessionPublishesSnapshots(t *testing.T) {
	s, pub := startSession(t, SessionConfig{})
	ctx := context.Background()

	require.NoError(t, s.Submit(ctx, env(protocol.KindProcessing, protocol.Processing{})))
	snap := pub.last()
	require.NotNil(t, snap)
	assert.Equal(t, "c1", snap.ID)
	require.Len(t, snap.Messages, 1)
	assert.True(t, snap.Responding)

	snap.Messages[0].Content = "mutated"
	current, err := s.Snapshot(ctx, "c1")
	require.NoError(t, err)
	assert.Empty(t, current.Messages[0].Content)
}

func TestSessionFlushesOnTick(t *testing.T) {
	s, _ := startSession(t, SessionConfig{FlushInterval: time.Millisecond})
	ctx := context.Background()

	require.NoError(t, s.Submit(ctx, env(protocol.KindStreamingChunk, stream("s1", "Hello"))))
	require.NoError(t, s.Submit(ctx, env(protocol.KindStreamingChunk, stream("s1", " there"))))

	require.Eventually(t, func() bool {
		snap, err := s.Snapshot(ctx, "c1")
		return err == nil && len(snap.Messages) == 1 && snap.Messages[0].Content == "Hello there"
	}, 2*time.Second, 5*time.Millisecond)
}

func TestSessionForwardsEffects(t *testing.T) {
	s, pub := startSession(t, SessionConfig{})
	ctx := context.Background()

	require.NoError(t, s.Submit(ctx, env(protocol.KindParallelChatLimit, protocol.ParallelChatLimit{Limit: 2, Active: 2})))
	pub.mu.Lock()
	defer pub.mu.Unlock()
	require.Len(t, pub.effects, 1)
	assert.Equal(t, transcript.SeverityWarning, pub.effects[0].Severity)
	assert.Equal(t, "c1", pub.effects[0].ChannelID)
}

func TestSessionSubmitReturnsDecodeErrors(t *testing.T) {
	s, _ := startSession(t, SessionConfig{})
	err := s.Submit(context.Background(), protocol.Envelope{Type: protocol.KindMessage, ChannelID: "c1", Data: []byte(`[]`)})
	assert.ErrorIs(t, err, protocol.ErrMalformedPayload)
}

func TestAbortFallsBackToLocalCancel(t *testing.T) {
	requested := make(chan string, 1)
	s, _ := startSession(t, SessionConfig{
		AbortTimeout: 10 * time.Millisecond,
		RequestAbort: func(_ context.Context, channelID string) error {
			requested <- channelID
			return nil
		},
	})
	ctx := context.Background()
	require.NoError(t, s.Submit(ctx, env(protocol.KindStreamingStart, stream("s1", ""))))

	require.NoError(t, s.Abort(ctx, "c1"))
	assert.Equal(t, "c1", <-requested)

	require.Eventually(t, func() bool {
		snap, err := s.Snapshot(ctx, "c1")
		return err == nil && snap.Messages[0].Status == transcript.StatusCancelled
	}, 2*time.Second, 5*time.Millisecond)
	snap, err := s.Snapshot(ctx, "c1")
	require.NoError(t, err)
	assert.False(t, snap.Aborting)
	assert.False(t, snap.Responding)
}

func TestAbortAcknowledgedBeforeTimeout(t *testing.T) {
	aborts := NewAbortTimeouts()
	s, _ := startSession(t, SessionConfig{AbortTimeout: time.Hour, Aborts: aborts})
	ctx := context.Background()
	require.NoError(t, s.Submit(ctx, env(protocol.KindStreamingStart, stream("s1", ""))))

	require.NoError(t, s.Abort(ctx, "c1"))
	assert.True(t, aborts.Pending("c1"))
	snap, err := s.Snapshot(ctx, "c1")
	require.NoError(t, err)
	assert.True(t, snap.Aborting)

	require.NoError(t, s.Submit(ctx, env(protocol.KindStreamAborted, protocol.StreamAborted{StreamID: "s1"})))
	assert.False(t, aborts.Pending("c1"))
}

func TestAbortRequestFailureIsReported(t *testing.T) {
	s, _ := startSession(t, SessionConfig{
		AbortTimeout: time.Hour,
		RequestAbort: func(context.Context, string) error { return errors.New("offline") },
	})
	err := s.Abort(context.Background(), "c1")
	assert.ErrorContains(t, err, "offline")
}

func TestSessionStopped(t *testing.T) {
	s := NewSession(SessionConfig{Logger: zap.NewNop().Sugar(), Dispatcher: Config{Logger: zap.NewNop().Sugar()}})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.NoError(t, s.Run(ctx))

	err := s.Submit(context.Background(), env(protocol.KindProcessing, protocol.Processing{}))
	assert.ErrorIs(t, err, ErrSessionStopped)
}

func TestAbortTimeoutsReplaceAndCancel(t *testing.T) {
	a := NewAbortTimeouts()
	fired := make(chan string, 2)
	a.Register("c1", time.Hour, func() { fired <- "first" })
	a.Register("c1", time.Millisecond, func() { fired <- "second" })

	select {
	case got := <-fired:
		assert.Equal(t, "second", got)
	case <-time.After(2 * time.Second):
		t.Fatal("timeout never fired")
	}
	assert.False(t, a.Pending("c1"))
	assert.False(t, a.Cancel("c1"))

	a.Register("c2", time.Hour, func() { fired <- "c2" })
	assert.True(t, a.Cancel("c2"))
	assert.False(t, a.Pending("c2"))
}
