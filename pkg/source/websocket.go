package source

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/holon-run/chatsync/pkg/log"
	"github.com/holon-run/chatsync/pkg/protocol"
)

// ErrNotConnected is returned by Send while no connection is up.
var ErrNotConnected = errors.New("websocket not connected")

const (
	initialBackoff = 500 * time.Millisecond
	maxBackoff     = 5 * time.Second
	writeTimeout   = 5 * time.Second
)

// WebSocketConfig configures a WebSocket source.
type WebSocketConfig struct {
	URL    string
	Header http.Header
	Logger *zap.SugaredLogger
}

// WebSocket reads envelopes from text frames and reconnects with backoff
// until it is stopped.
type WebSocket struct {
	url string
	// safeURL is url with credentials masked, for logs and Status.
	safeURL string
	header  http.Header
	logger  *zap.SugaredLogger

	mu            sync.Mutex
	started       bool
	cancel        context.CancelFunc
	wg            sync.WaitGroup
	conn          *websocket.Conn
	writeMu       sync.Mutex
	lastError     string
	lastMessageAt time.Time
	connects      int
}

// Status is a point-in-time view of the source.
type Status struct {
	Running       bool      `json:"running"`
	URL           string    `json:"url"`
	Connected     bool      `json:"connected"`
	Connects      int       `json:"connects"`
	LastError     string    `json:"last_error,omitempty"`
	LastMessageAt time.Time `json:"last_message_at,omitzero"`
}

func NewWebSocket(cfg WebSocketConfig) *WebSocket {
	logger := cfg.Logger
	if logger == nil {
		logger = log.Named("websocket")
	}
	return &WebSocket{url: cfg.URL, safeURL: RedactURL(cfg.URL), header: cfg.Header, logger: logger}
}

// Start connects in the background and hands every frame to handler.
func (s *WebSocket) Start(ctx context.Context, handler Handler) error {
	if handler == nil {
		return fmt.Errorf("websocket handler is required")
	}
	if s.url == "" {
		return fmt.Errorf("websocket url is required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return fmt.Errorf("websocket source already started")
	}

	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.started = true
	s.wg.Add(1)
	go s.run(runCtx, handler)
	return nil
}

// Run is Start followed by a wait for ctx, for use in an errgroup.
func (s *WebSocket) Run(ctx context.Context, handler Handler) error {
	if err := s.Start(ctx, handler); err != nil {
		return err
	}
	<-ctx.Done()
	return s.Stop()
}

func (s *WebSocket) Stop() error {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return nil
	}
	s.started = false
	if s.cancel != nil {
		s.cancel()
	}
	s.mu.Unlock()

	s.wg.Wait()
	return nil
}

func (s *WebSocket) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Status{
		Running:       s.started,
		URL:           s.safeURL,
		Connected:     s.conn != nil,
		Connects:      s.connects,
		LastError:     s.lastError,
		LastMessageAt: s.lastMessageAt,
	}
}

// Send writes v as a JSON text frame on the current connection.
func (s *WebSocket) Send(ctx context.Context, v any) error {
	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()
	if conn == nil {
		return ErrNotConnected
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	deadline := time.Now().Add(writeTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	if err := conn.SetWriteDeadline(deadline); err != nil {
		return err
	}
	if err := conn.WriteJSON(v); err != nil {
		return fmt.Errorf("failed to send frame: %w", err)
	}
	return nil
}

func (s *WebSocket) run(ctx context.Context, handler Handler) {
	defer s.wg.Done()

	backoff := initialBackoff
	for ctx.Err() == nil {
		dialer := websocket.Dialer{
			HandshakeTimeout: 10 * time.Second,
		}
		conn, _, err := dialer.DialContext(ctx, s.url, s.header)
		if err != nil {
			s.setConnection(nil, err)
			s.logger.Debugw("websocket dial failed", "url", s.safeURL, "error", err, "retry_in", backoff)
			select {
			case <-ctx.Done():
				return
			case <-time.After(backoff):
			}
			backoff = min(backoff*2, maxBackoff)
			continue
		}

		backoff = initialBackoff
		s.setConnection(conn, nil)
		s.logger.Infow("websocket connected", "url", s.safeURL)
		readErr := s.readLoop(ctx, conn, handler)
		s.setConnection(nil, readErr)
		_ = conn.Close()
		if ctx.Err() == nil {
			s.logger.Warnw("websocket disconnected", "url", s.safeURL, "error", readErr)
		}
	}
}

func (s *WebSocket) readLoop(ctx context.Context, conn *websocket.Conn, handler Handler) error {
	// Closing the connection unblocks ReadMessage when ctx is cancelled.
	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()

	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return err
		}
		if len(message) == 0 {
			continue
		}

		s.mu.Lock()
		s.lastMessageAt = time.Now().UTC()
		s.mu.Unlock()

		env, err := protocol.ParseEnvelope(message)
		if err == nil {
			err = handler(ctx, env)
		}
		if err != nil {
			s.mu.Lock()
			s.lastError = err.Error()
			s.mu.Unlock()
			s.logger.Warnw("skipping websocket frame", "error", err)
		}
	}
}

func (s *WebSocket) setConnection(conn *websocket.Conn, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.conn = conn
	if conn != nil {
		s.connects++
	}
	if err != nil {
		s.lastError = err.Error()
	}
}
