package transcript

// Severity ranks a notification.
type Severity string

const (
	SeverityInfo    Severity = "info"
	SeverityWarning Severity = "warning"
	SeverityError   Severity = "error"
)

// EffectAction is an optional follow-up offered with a notification.
type EffectAction struct {
	Label  string `json:"label"`
	Target string `json:"target"`
}

// NotificationEffect asks the layer above the engine to inform the user.
// Handlers return it as a value and never call presentation code themselves.
type NotificationEffect struct {
	ChannelID string        `json:"channel_id,omitempty"`
	Code      string        `json:"code,omitempty"`
	Title     string        `json:"title"`
	Message   string        `json:"message"`
	Severity  Severity      `json:"severity"`
	Action    *EffectAction `json:"action,omitempty"`
}
