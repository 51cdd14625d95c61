package platform

import (
	"net/url"
	"strings"
)

// NormalizeURL reduces a job link to scheme://host/path, lowercased, with
// trailing slashes and a trailing /apply segment removed. It is the dedup key
// for submitted links and is idempotent.
func NormalizeURL(raw string) string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return ""
	}

	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		// Not absolute; strip query and fragment by hand.
		s := strings.ToLower(raw)
		if i := strings.IndexAny(s, "?#"); i >= 0 {
			s = s[:i]
		}
		return trimPath(s)
	}

	scheme := strings.ToLower(u.Scheme)
	host := strings.ToLower(u.Host)
	path := trimPath(strings.ToLower(u.EscapedPath()))

	return scheme + "://" + host + path
}

func trimPath(p string) string {
	for {
		trimmed := strings.TrimRight(p, "/")
		trimmed = strings.TrimSuffix(trimmed, "/apply")
		if trimmed == p {
			return p
		}
		p = trimmed
	}
}
