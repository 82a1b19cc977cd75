package transcript

// Match is the result of a correlation lookup. Index is -1 when nothing was
// found. Ambiguous is set when a strategy found several equally valid targets
// and refused to pick one.
type Match struct {
	Index     int
	Strategy  string
	Ambiguous bool
}

// Found reports whether the match designates a message.
func (m Match) Found() bool {
	return m.Index >= 0 && !m.Ambiguous
}

var noMatch = Match{Index: -1}

func hit(i int) Match {
	if i < 0 {
		return noMatch
	}
	return Match{Index: i}
}

// Query carries the identifiers an event offers for correlation.
type Query struct {
	StreamID    string
	ExecutionID string
}

// Strategy is one rule of a fallback chain.
type Strategy struct {
	Name string
	Find func(ch *Channel, q Query) Match
}

// Chain is an ordered list of strategies. The order is part of the contract.
type Chain []Strategy

// Resolve applies the strategies in order and returns the first hit. An
// ambiguous result stops the chain: guessing could corrupt two transcripts,
// missing an update corrupts none.
func (c Chain) Resolve(ch *Channel, q Query) Match {
	if ch == nil {
		return noMatch
	}
	for _, s := range c {
		m := s.Find(ch, q)
		if m.Ambiguous || m.Index >= 0 {
			m.Strategy = s.Name
			return m
		}
	}
	return noMatch
}

var (
	// ByCorrelationKey matches the message whose correlation key or current id
	// equals the event stream id.
	ByCorrelationKey = Strategy{Name: "correlation_key", Find: findByCorrelationKey}
	// ByExecutionID matches the message owning the event's execution.
	ByExecutionID = Strategy{Name: "execution_id", Find: findByExecutionID}
	// LastActiveAssistant matches the last pending or streaming assistant
	// message. It covers events lacking a correlation id.
	LastActiveAssistant = Strategy{Name: "last_active_assistant", Find: findLastActiveAssistant}
	// SoleRunningExecution matches the only message with a running execution.
	SoleRunningExecution = Strategy{Name: "sole_running_execution", Find: findSoleRunningExecution}
)

// StreamChain is the precedence used by ResolveByStream.
var StreamChain = Chain{ByCorrelationKey, ByExecutionID, LastActiveAssistant, SoleRunningExecution}

// ResolveByStream maps an event's identifiers to a message index.
func ResolveByStream(ch *Channel, streamID, executionID string) Match {
	return StreamChain.Resolve(ch, Query{StreamID: streamID, ExecutionID: executionID})
}

func findByCorrelationKey(ch *Channel, q Query) Match {
	if q.StreamID == "" {
		return noMatch
	}
	for i := len(ch.Messages) - 1; i >= 0; i-- {
		m := ch.Messages[i]
		if m.StreamID == q.StreamID || m.ID == q.StreamID {
			return hit(i)
		}
	}
	return noMatch
}

func findByExecutionID(ch *Channel, q Query) Match {
	return hit(IndexOfExecution(ch, q.ExecutionID))
}

// claimedElsewhere reports whether m is bound to a stream other than the one
// the query names. Fallback strategies never steal such messages.
func claimedElsewhere(m *Message, q Query) bool {
	return q.StreamID != "" && m.StreamID != "" && m.StreamID != q.StreamID
}

func findLastActiveAssistant(ch *Channel, q Query) Match {
	for i := len(ch.Messages) - 1; i >= 0; i-- {
		m := ch.Messages[i]
		if m.Role != RoleAssistant || claimedElsewhere(m, q) {
			continue
		}
		if m.Status == StatusPending || m.Status == StatusStreaming {
			return hit(i)
		}
	}
	return noMatch
}

func findSoleRunningExecution(ch *Channel, q Query) Match {
	found := -1
	for i, m := range ch.Messages {
		if !m.HasRunningExecution() || claimedElsewhere(m, q) {
			continue
		}
		if found >= 0 {
			return Match{Index: -1, Ambiguous: true}
		}
		found = i
	}
	return hit(found)
}

// IndexOfExecution returns the message owning the execution id, or -1.
func IndexOfExecution(ch *Channel, executionID string) int {
	if ch == nil || executionID == "" {
		return -1
	}
	for i := len(ch.Messages) - 1; i >= 0; i-- {
		exec := ch.Messages[i].AgentExecution
		if exec != nil && exec.ID == executionID {
			return i
		}
	}
	return -1
}

// IndexOfKey returns the message whose correlation key, id or client id is
// key, or -1.
func IndexOfKey(ch *Channel, key string) int {
	if ch == nil || key == "" {
		return -1
	}
	for i := len(ch.Messages) - 1; i >= 0; i-- {
		m := ch.Messages[i]
		if m.StreamID == key || m.ID == key || m.ClientID == key {
			return i
		}
	}
	return -1
}

// FirstUnattachedPlaceholder returns the first placeholder not yet claimed by
// a stream or an execution, or -1.
func FirstUnattachedPlaceholder(ch *Channel) int {
	for i, m := range ch.Messages {
		if m.IsUnattachedPlaceholder() {
			return i
		}
	}
	return -1
}

// FirstPlaceholder returns the first message still flagged as placeholder.
func FirstPlaceholder(ch *Channel) int {
	for i, m := range ch.Messages {
		if m.IsPlaceholder {
			return i
		}
	}
	return -1
}

// FirstStreaming returns the first message that is streaming, or -1.
func FirstStreaming(ch *Channel) int {
	for i, m := range ch.Messages {
		if m.IsStreaming || m.Status == StatusStreaming {
			return i
		}
	}
	return -1
}

// LastRunningExecution returns the last message with a running execution.
func LastRunningExecution(ch *Channel) int {
	for i := len(ch.Messages) - 1; i >= 0; i-- {
		if ch.Messages[i].HasRunningExecution() {
			return i
		}
	}
	return -1
}

// LastAssistant returns the most recent assistant message, or -1.
func LastAssistant(ch *Channel) int {
	for i := len(ch.Messages) - 1; i >= 0; i-- {
		if ch.Messages[i].Role == RoleAssistant {
			return i
		}
	}
	return -1
}

// LatestAssistantMissing returns the most recent assistant message that is
// still streaming or for which has reports false. Late-arriving citations and
// files are attached there.
func LatestAssistantMissing(ch *Channel, has func(*Message) bool) int {
	for i := len(ch.Messages) - 1; i >= 0; i-- {
		m := ch.Messages[i]
		if m.Role != RoleAssistant {
			continue
		}
		if m.IsStreaming || m.Status == StatusStreaming || !has(m) {
			return i
		}
	}
	return -1
}

// FindToolCall locates a tool call in phase-scoped and standalone locations,
// newest message first.
func FindToolCall(ch *Channel, id string) (int, *ToolCall) {
	if ch == nil || id == "" {
		return -1, nil
	}
	for i := len(ch.Messages) - 1; i >= 0; i-- {
		m := ch.Messages[i]
		if m.AgentExecution != nil {
			for _, p := range m.AgentExecution.Phases {
				for _, tc := range p.ToolCalls {
					if tc.ID == id {
						return i, tc
					}
				}
			}
		}
		for _, tc := range m.ToolCalls {
			if tc.ID == id {
				return i, tc
			}
		}
	}
	return -1, nil
}
