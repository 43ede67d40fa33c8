// Package urlnorm implements the idempotent URL canonicalization applied
// before any dedup or queueing decision (spec §4.1 in the design ledger).
package urlnorm

import (
	"fmt"
	"net/url"
	"sort"
	"strings"
)

// Normalize canonicalizes a raw URL string: lowercases scheme and host,
// strips the default port, collapses an empty path to "/", strips a
// trailing slash on non-root paths, sorts query parameters lexicographically,
// and drops the fragment. Applying Normalize twice yields the same string.
func Normalize(raw string) (string, error) {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return "", fmt.Errorf("urlnorm: parse %q: %w", raw, err)
	}
	if u.Scheme == "" || u.Host == "" {
		return "", fmt.Errorf("urlnorm: %q has no scheme or host", raw)
	}

	u.Scheme = strings.ToLower(u.Scheme)
	u.Host = strings.ToLower(stripDefaultPort(u.Scheme, u.Host))
	u.Fragment = ""

	if u.Path == "" {
		u.Path = "/"
	} else if len(u.Path) > 1 && strings.HasSuffix(u.Path, "/") {
		u.Path = strings.TrimRight(u.Path, "/")
		if u.Path == "" {
			u.Path = "/"
		}
	}

	if u.RawQuery != "" {
		u.RawQuery = sortQuery(u.RawQuery)
	}

	return u.String(), nil
}

func stripDefaultPort(scheme, host string) string {
	switch scheme {
	case "http":
		return strings.TrimSuffix(host, ":80")
	case "https":
		return strings.TrimSuffix(host, ":443")
	default:
		return host
	}
}

func sortQuery(raw string) string {
	parts := strings.Split(raw, "&")
	sort.Strings(parts)
	return strings.Join(parts, "&")
}

// Host extracts the lowercased host (without credentials or default port)
// from an already-normalized URL.
func Host(normalized string) (string, error) {
	u, err := url.Parse(normalized)
	if err != nil {
		return "", fmt.Errorf("urlnorm: parse %q: %w", normalized, err)
	}
	return strings.ToLower(u.Hostname()), nil
}

// Valid reports whether a raw URL is admissible: http/https scheme, a host,
// and at least one dot in the host.
func Valid(raw string) bool {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return false
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return false
	}
	if u.Host == "" {
		return false
	}
	return strings.Contains(u.Hostname(), ".")
}
