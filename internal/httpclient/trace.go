// Package httpclient builds HTTP clients that log every exchange at trace level.
package httpclient

import (
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
)

type traceTransport struct {
	base http.RoundTripper
	name string
}

// NewTraceClient returns an HTTP client that logs requests at trace level.
func NewTraceClient(name string, timeout time.Duration) *http.Client {
	return &http.Client{
		Timeout:   timeout,
		Transport: &traceTransport{base: http.DefaultTransport, name: name},
	}
}

func (t *traceTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	target := RedactURL(req.URL)
	start := time.Now()

	resp, err := t.base.RoundTrip(req)
	ev := log.Trace().
		Str("client", t.name).
		Str("method", req.Method).
		Str("url", target).
		Dur("duration", time.Since(start))
	if err != nil {
		ev.Err(err).Msg("HTTP request failed")
		return nil, err
	}
	ev.Int("status", resp.StatusCode).Msg("HTTP response")
	return resp, nil
}

// RedactURL renders u with credentials and token-like query values hidden.
// Discord and most webhook receivers carry the secret in the path, so only
// the first path segment is kept.
func RedactURL(u *url.URL) string {
	if u == nil {
		return ""
	}
	c := *u
	c.User = nil

	if first, rest, ok := strings.Cut(strings.TrimPrefix(c.Path, "/"), "/"); ok && rest != "" {
		c.Path = "/" + first + "/redacted"
		c.RawPath = ""
	}

	if c.RawQuery != "" {
		q := c.Query()
		for key := range q {
			if isSensitiveQueryKey(key) {
				q.Set(key, "redacted")
			}
		}
		c.RawQuery = q.Encode()
	}
	return c.String()
}

func isSensitiveQueryKey(key string) bool {
	switch strings.ToLower(key) {
	case "apikey", "api_key", "api-key", "token", "access_token", "authorization", "auth", "password":
		return true
	default:
		return false
	}
}
