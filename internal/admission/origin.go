package admission

import "strings"

// NormalizeOrigin reduces an Origin/Referer value or allow-list entry to a
// comparable host: scheme, path, query and a leading "www." are removed and
// the result is lower-cased. Ports are kept.
func NormalizeOrigin(raw string) string {
	s := strings.TrimSpace(strings.ToLower(raw))
	if i := strings.Index(s, "://"); i >= 0 {
		s = s[i+3:]
	}
	if i := strings.IndexAny(s, "/?#"); i >= 0 {
		s = s[:i]
	}
	if i := strings.LastIndex(s, "@"); i >= 0 {
		s = s[i+1:]
	}
	s = strings.TrimSuffix(s, ".")
	s = strings.TrimPrefix(s, "www.")
	return s
}

// OriginAllowed reports whether origin matches one allow-list entry exactly
// after normalization.
func OriginAllowed(origin string, allowed []string) bool {
	o := NormalizeOrigin(origin)
	if o == "" {
		return false
	}
	for _, a := range allowed {
		if n := NormalizeOrigin(a); n != "" && n == o {
			return true
		}
	}
	return false
}
