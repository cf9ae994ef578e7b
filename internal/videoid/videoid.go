// Package videoid resolves the stable video identity out of the URL forms the
// source accepts.
package videoid

import (
	"net/url"
	"regexp"
	"strings"
)

var idPattern = regexp.MustCompile(`^[a-zA-Z0-9_-]{11}$`)

// Parse extracts the canonical 11-character video id from a URL. Supported
// forms: watch?v=, youtu.be/, /embed/, /v/, /shorts/, and a bare id. Returns
// "" when no id can be resolved.
func Parse(raw string) string {
	if raw == "" {
		return ""
	}

	u, err := url.Parse(raw)
	if err == nil {
		switch u.Hostname() {
		case "www.youtube.com", "youtube.com", "m.youtube.com":
			if u.Path == "/watch" {
				if v := u.Query().Get("v"); valid(v) {
					return v
				}
			}
			for _, prefix := range []string{"/embed/", "/v/", "/shorts/"} {
				if strings.HasPrefix(u.Path, prefix) {
					if v := pathSegment(u.Path, prefix); valid(v) {
						return v
					}
				}
			}
		case "youtu.be":
			if v := strings.TrimPrefix(u.Path, "/"); valid(v) {
				return v
			}
		}
	}

	// Bare 11-character id.
	if valid(raw) {
		return raw
	}
	return ""
}

// Valid reports whether raw resolves to a video id.
func Valid(raw string) bool { return Parse(raw) != "" }

func pathSegment(path, prefix string) string {
	rest := strings.TrimPrefix(path, prefix)
	if i := strings.IndexByte(rest, '/'); i >= 0 {
		rest = rest[:i]
	}
	return rest
}

func valid(v string) bool { return idPattern.MatchString(v) }
