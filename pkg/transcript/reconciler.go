package transcript

import (
	"time"

	"github.com/google/uuid"
	"github.com/lithammer/shortuuid/v4"
)

// Reconciler applies protocol events to channels. It holds no channel state;
// the clock and id generators are injectable for deterministic tests.
type Reconciler struct {
	Now         func() time.Time
	NewID       func(prefix string) string
	NewClientID func() string
}

// NewReconciler returns a reconciler using the wall clock and random ids.
func NewReconciler() *Reconciler {
	return &Reconciler{
		Now: time.Now,
		NewID: func(prefix string) string {
			return prefix + "_" + shortuuid.New()
		},
		NewClientID: func() string {
			return uuid.NewString()
		},
	}
}

// Outcome describes what a handler did. Index is the affected message or -1.
type Outcome struct {
	Index    int
	Strategy string
	Created  bool
	Removed  bool
	// Dropped is set when the event was ignored because correlation was
	// ambiguous, it was a duplicate or it came too late.
	Dropped   bool
	Ambiguous bool
	Effect    *NotificationEffect
}

var noop = Outcome{Index: -1}

func (r *Reconciler) now() time.Time {
	if r.Now == nil {
		return time.Now()
	}
	return r.Now()
}

func (r *Reconciler) id(prefix string) string {
	if r.NewID == nil {
		return prefix + "_" + shortuuid.New()
	}
	return r.NewID(prefix)
}

func (r *Reconciler) clientID() string {
	if r.NewClientID == nil {
		return uuid.NewString()
	}
	return r.NewClientID()
}

// newMessage builds an assistant-side entry; the id is the stream id when one
// is known so that lookups by current id keep working.
func (r *Reconciler) newMessage(role Role, status Status, streamID string) *Message {
	now := r.now()
	id := streamID
	if id == "" {
		id = r.id("local")
	}
	return &Message{
		ID:        id,
		ClientID:  r.clientID(),
		StreamID:  streamID,
		Role:      role,
		Status:    status,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

func appendMessage(ch *Channel, m *Message) int {
	ch.Messages = append(ch.Messages, m)
	return len(ch.Messages) - 1
}

func removeMessage(ch *Channel, i int) {
	ch.Messages = append(ch.Messages[:i], ch.Messages[i+1:]...)
}

func (r *Reconciler) touch(m *Message) {
	m.UpdatedAt = r.now()
}

func roleOr(role string, fallback Role) Role {
	if role == "" {
		return fallback
	}
	return Role(role)
}
