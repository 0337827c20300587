// Package sanitize strips tracking query parameters from URLs.
package sanitize

import (
	"net/url"
	"strings"
)

// Sanitizer removes a fixed set of query parameters from URLs.
// It is safe for concurrent use.
type Sanitizer struct {
	params map[string]struct{}
	names  []string
}

// New creates a Sanitizer for the given parameter names.
func New(paramNames []string) *Sanitizer {
	s := &Sanitizer{
		params: make(map[string]struct{}, len(paramNames)),
		names:  make([]string, 0, len(paramNames)),
	}
	for _, name := range paramNames {
		if _, dup := s.params[name]; dup {
			continue
		}
		s.params[name] = struct{}{}
		s.names = append(s.names, name)
	}
	return s
}

// ParamNames returns the parameter names removed by this sanitizer.
func (s *Sanitizer) ParamNames() []string {
	out := make([]string, len(s.names))
	copy(out, s.names)
	return out
}

// URL returns raw with every tracked query parameter removed.
//
// Remaining parameters keep their order and original encoding; scheme, host,
// path and fragment are untouched. A query left empty loses its '?'.
// Anything that is not an absolute URL is returned as-is.
func (s *Sanitizer) URL(raw string) string {
	cleaned, _ := s.Changed(raw)
	return cleaned
}

// Changed is like URL but also reports whether anything was removed.
func (s *Sanitizer) Changed(raw string) (string, bool) {
	if !absolute(raw) {
		return raw, false
	}

	head, fragment := raw, ""
	if i := strings.IndexByte(raw, '#'); i >= 0 {
		head, fragment = raw[:i], raw[i:]
	}
	q := strings.IndexByte(head, '?')
	if q < 0 {
		return raw, false
	}
	base, query := head[:q], head[q+1:]

	parts := strings.Split(query, "&")
	kept := make([]string, 0, len(parts))
	removed := false
	for _, part := range parts {
		if s.tracked(part) {
			removed = true
			continue
		}
		kept = append(kept, part)
	}
	if !removed {
		return raw, false
	}

	if len(kept) == 0 {
		return base + fragment, true
	}
	return base + "?" + strings.Join(kept, "&") + fragment, true
}

// absolute reports whether raw starts with scheme://host. Only that prefix
// is parsed, so a path or query that url.Parse rejects but browsers accept
// does not hide the query from the sanitizer.
func absolute(raw string) bool {
	i := strings.Index(raw, "://")
	if i <= 0 {
		return false
	}
	authority := raw[i+3:]
	if j := strings.IndexAny(authority, "/?#"); j >= 0 {
		authority = authority[:j]
	}
	u, err := url.Parse(raw[:i] + "://" + authority)
	return err == nil && u.Host != ""
}

// tracked reports whether a raw "key=value" pair names a tracked parameter.
func (s *Sanitizer) tracked(pair string) bool {
	key := pair
	if i := strings.IndexByte(pair, '='); i >= 0 {
		key = pair[:i]
	}
	if key == "" {
		return false
	}
	name, err := url.QueryUnescape(key)
	if err != nil {
		name = key
	}
	_, ok := s.params[name]
	return ok
}
