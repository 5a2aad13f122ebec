package utils

import (
	"net/url"
	"strings"
)

// BaseURL normalizes a server address given on the command line or in the
// environment. A bare host:port gets an http scheme.
func BaseURL(raw string) string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return ""
	}
	if !strings.Contains(raw, "://") {
		raw = "http://" + raw
	}
	return strings.TrimRight(raw, "/")
}

// Absolute resolves href against base. Unlike plain reference resolution, a
// rooted href keeps the base path as a prefix, so a server mounted under
// /tuner still receives /tuner/api/....
func Absolute(base, href string) string {
	u, err := url.Parse(href)
	if err != nil || href == "" {
		return href
	}
	if u.IsAbs() {
		return u.String()
	}
	if base == "" {
		return href
	}
	bu, err := url.Parse(BaseURL(base))
	if err != nil {
		return href
	}
	prefix := strings.TrimRight(bu.Path, "/")
	if strings.HasPrefix(u.Path, "/") && prefix != "" {
		u.Path = prefix + u.Path
	}
	return bu.ResolveReference(u).String()
}
