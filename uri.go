package pqlmem

import (
	"fmt"
	"net/url"
	"strings"
)

// DatabaseName extracts the bare database name from a connection URI: the last
// non-empty path segment, with any query string or fragment removed.
func DatabaseName(uri string) (string, error) {
	u, err := parseConnURI(uri)
	if err != nil {
		return "", err
	}

	var name string
	for segment := range strings.SplitSeq(u.Path, "/") {
		if segment != "" {
			name = segment
		}
	}
	if name == "" {
		return "", fmt.Errorf("uri %q has no database path segment", RedactURI(uri))
	}
	return name, nil
}

// RedactURI replaces the password of a connection URI so it can be logged.
// Strings that do not parse are returned unchanged.
func RedactURI(uri string) string {
	u, err := url.Parse(uri)
	if err != nil || u.User == nil {
		return uri
	}
	return u.Redacted()
}

func parseConnURI(uri string) (*url.URL, error) {
	if strings.TrimSpace(uri) == "" {
		return nil, fmt.Errorf("empty database uri")
	}
	u, err := url.Parse(uri)
	if err != nil {
		return nil, fmt.Errorf("invalid database uri: %w", err)
	}
	if u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("uri %q is missing a scheme or host", RedactURI(uri))
	}
	return u, nil
}
