package source

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRedactURL(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"no secrets", "wss://events.example.com/stream?channel=c1", "wss://events.example.com/stream?channel=c1"},
		{"token param", "wss://events.example.com/stream?token=abc123", "wss://events.example.com/stream?token=***REDACTED***"},
		{"case insensitive", "ws://h/s?Access_Token=abc", "ws://h/s?Access_Token=***REDACTED***"},
		{"password", "ws://bob:hunter2@h/s", "ws://bob:***REDACTED***@h/s"},
		{"password and token", "ws://bob:hunter2@h/s?token=abc", "ws://bob:***REDACTED***@h/s?token=***REDACTED***"},
		{"user only", "ws://bob@h/s", "ws://bob@h/s"},
		{"no query", "ws://127.0.0.1:8080/events", "ws://127.0.0.1:8080/events"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, RedactURL(tt.in))
		})
	}
}

func TestRedactURLKeepsOtherParams(t *testing.T) {
	got := RedactURL("wss://h/s?channel=c1&api_key=zzz")
	assert.Contains(t, got, "channel=c1")
	assert.Contains(t, got, "api_key=***REDACTED***")
	assert.NotContains(t, got, "zzz")
}
