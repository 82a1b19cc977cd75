package source

import (
	"net/url"
	"strings"
)

const redacted = "***REDACTED***"

// sensitiveParams are query parameter names whose values never reach logs.
var sensitiveParams = []string{
	"token", "key", "secret", "password", "api_key",
	"access_token", "refresh_token", "auth_token",
	"apikey", "authorization",
}

// RedactURL masks credentials carried by an event source URL: the userinfo
// password and the values of well known secret query parameters. Unparseable
// input is returned with its whole query masked.
func RedactURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		if i := strings.IndexByte(raw, '?'); i >= 0 {
			return raw[:i+1] + redacted
		}
		return raw
	}
	if u.User != nil {
		if _, ok := u.User.Password(); ok {
			u.User = url.UserPassword(u.User.Username(), redacted)
		}
	}
	if u.RawQuery != "" {
		q := u.Query()
		changed := false
		for name := range q {
			if isSensitiveParam(name) {
				q[name] = []string{redacted}
				changed = true
			}
		}
		if changed {
			u.RawQuery = q.Encode()
		}
	}
	// Userinfo and query encoding both escape the asterisks; keep the marker
	// readable.
	return strings.ReplaceAll(u.String(), url.QueryEscape(redacted), redacted)
}

func isSensitiveParam(name string) bool {
	name = strings.ToLower(name)
	for _, p := range sensitiveParams {
		if name == p {
			return true
		}
	}
	return false
}
