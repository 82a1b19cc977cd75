package dispatch

import (
	"github.com/holon-run/chatsync/pkg/chunkbuf"
	"github.com/holon-run/chatsync/pkg/protocol"
)

// Result labels recorded for every routed event.
const (
	ResultApplied   = "applied"
	ResultCreated   = "created"
	ResultDropped   = "dropped"
	ResultAmbiguous = "ambiguous"
	ResultBuffered  = "buffered"
	ResultIgnored   = "ignored"
	ResultMalformed = "malformed"
	ResultRejected  = "rejected"
)

// Metrics receives dispatcher activity. pkg/metrics provides a Prometheus
// implementation.
type Metrics interface {
	chunkbuf.Observer
	EventHandled(kind protocol.Kind, result string)
	ChannelOpened()
	ChannelClosed()
}

type nopMetrics struct{}

func (nopMetrics) FragmentBuffered(protocol.Kind)     {}
func (nopMetrics) FragmentReplaced(protocol.Kind)     {}
func (nopMetrics) Flushed(int)                        {}
func (nopMetrics) EventHandled(protocol.Kind, string) {}
func (nopMetrics) ChannelOpened()                     {}
func (nopMetrics) ChannelClosed()                     {}
