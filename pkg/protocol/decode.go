package protocol

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrUnknownKind is returned for envelope kinds this package does not know.
	ErrUnknownKind = errors.New("unknown event kind")
	// ErrMalformedPayload is returned when envelope data does not decode into
	// the payload type of its kind.
	ErrMalformedPayload = errors.New("malformed event payload")
)

var knownKinds = map[Kind]struct{}{
	KindProcessing: {}, KindLoading: {},
	KindStreamingStart: {}, KindStreamingChunk: {}, KindStreamingEnd: {},
	KindThinkingStart: {}, KindThinkingChunk: {}, KindThinkingEnd: {},
	KindMessage: {}, KindMessageSaved: {},
	KindAgentStart: {}, KindAgentEnd: {}, KindAgentError: {},
	KindNodeStart: {}, KindNodeEnd: {},
	KindSubagentStart: {}, KindSubagentEnd: {},
	KindProgressUpdate: {},
	KindToolCallRequest: {}, KindToolCallResponse: {},
	KindTopicUpdated: {}, KindSearchCitations: {}, KindGeneratedFiles: {},
	KindAskUserQuestion: {},
	KindError: {}, KindInsufficientBalance: {}, KindParallelChatLimit: {},
	KindStreamAborted: {},
}

// Known reports whether k is part of the protocol.
func (k Kind) Known() bool {
	_, ok := knownKinds[k]
	return ok
}

// ParseEnvelope decodes one NDJSON line or websocket frame into an envelope.
func ParseEnvelope(raw []byte) (Envelope, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 {
		return Envelope{}, errors.New("empty envelope")
	}
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return Envelope{}, fmt.Errorf("failed to decode envelope: %w", err)
	}
	env.Type = Kind(strings.TrimSpace(string(env.Type)))
	env.ChannelID = strings.TrimSpace(env.ChannelID)
	if env.Type == "" {
		return Envelope{}, errors.New("envelope type is required")
	}
	return env, nil
}

// Decode unmarshals the envelope data into the payload type T. Missing data
// decodes into the zero value.
func Decode[T any](env Envelope) (T, error) {
	var out T
	data := bytes.TrimSpace(env.Data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		return out, nil
	}
	if err := json.Unmarshal(data, &out); err != nil {
		return out, fmt.Errorf("%w: %s: %v", ErrMalformedPayload, env.Type, err)
	}
	return out, nil
}

// NewEnvelope builds an envelope around a payload value.
func NewEnvelope(kind Kind, channelID string, payload any) (Envelope, error) {
	env := Envelope{Type: kind, ChannelID: channelID}
	if payload == nil {
		return env, nil
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, fmt.Errorf("failed to marshal %s payload: %w", kind, err)
	}
	env.Data = data
	return env, nil
}

// MustEnvelope is NewEnvelope for payloads that are known to marshal.
func MustEnvelope(kind Kind, channelID string, payload any) Envelope {
	env, err := NewEnvelope(kind, channelID, payload)
	if err != nil {
		panic(err)
	}
	return env
}

// ResultString renders a tool result as the string stored on a tool call.
// JSON strings are unquoted; every other value keeps its compact JSON text.
func ResultString(raw json.RawMessage) string {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return ""
	}
	var s string
	if raw[0] == '"' {
		if err := json.Unmarshal(raw, &s); err == nil {
			return s
		}
	}
	var buf bytes.Buffer
	if err := json.Compact(&buf, raw); err != nil {
		return string(raw)
	}
	return buf.String()
}
