package transcript

import (
	"strings"
)

// CodeInternal is used when the backend reports an error without a code.
const CodeInternal = "system.internal_error"

// Well known error codes raised by the control handlers.
const (
	CodeInsufficientBalance = "billing.insufficient_balance"
	CodeParallelChatLimit   = "quota.parallel_chat_limit"
	CodeAgentPrefix         = "agent."
)

// MessageError is the error surfaced on a failed message.
type MessageError struct {
	Code        string `json:"code" yaml:"code"`
	Category    string `json:"category" yaml:"category"`
	Message     string `json:"message" yaml:"message"`
	Recoverable bool   `json:"recoverable" yaml:"recoverable"`
	Detail      string `json:"detail,omitempty" yaml:"detail,omitempty"`
}

// Synthesized reports whether the code was invented locally rather than
// reported by the backend.
func (e *MessageError) Synthesized() bool {
	return e != nil && e.Code == CodeInternal
}

// NewMessageError normalizes a backend error. An empty code becomes
// CodeInternal, an empty category is taken from the dotted code prefix and an
// empty message falls back to the code.
func NewMessageError(code, category, message string, recoverable bool, detail string) *MessageError {
	code = strings.TrimSpace(code)
	if code == "" {
		code = CodeInternal
	}
	category = strings.TrimSpace(category)
	if category == "" {
		category = categoryOf(code)
	}
	message = strings.TrimSpace(message)
	if message == "" {
		message = code
	}
	return &MessageError{
		Code:        code,
		Category:    category,
		Message:     message,
		Recoverable: recoverable,
		Detail:      detail,
	}
}

func categoryOf(code string) string {
	if i := strings.IndexByte(code, '.'); i > 0 {
		return code[:i]
	}
	return "system"
}
