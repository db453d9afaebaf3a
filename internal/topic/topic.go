// Package topic defines the addressing scheme shared by the bus, the
// registry, the command router and the MQTT bridge. Topics are slash
// separated segment paths. Subscription patterns may use "*" to match
// exactly one segment and "**" to match any number of trailing segments.
package topic

import (
	"errors"
	"fmt"
	"strings"
)

// ErrMalformed is returned for invalid topics or patterns.
var ErrMalformed = errors.New("malformed topic")

const (
	// Single matches exactly one segment in a pattern.
	Single = "*"
	// Multi matches zero or more trailing segments. Only valid as the
	// final pattern segment.
	Multi = "**"
)

// Parse splits a concrete topic into segments. Concrete topics must not
// contain wildcard segments.
func Parse(s string) ([]string, error) {
	segs, err := split(s)
	if err != nil {
		return nil, err
	}
	for _, seg := range segs {
		if seg == Single || seg == Multi {
			return nil, fmt.Errorf("%w: wildcard %q in concrete topic %q", ErrMalformed, seg, s)
		}
	}
	return segs, nil
}

// ParsePattern splits a subscription pattern into segments. "**" is only
// allowed in the final position.
func ParsePattern(s string) ([]string, error) {
	segs, err := split(s)
	if err != nil {
		return nil, err
	}
	for i, seg := range segs {
		if seg == Multi && i != len(segs)-1 {
			return nil, fmt.Errorf("%w: %q must be the final segment in %q", ErrMalformed, Multi, s)
		}
	}
	return segs, nil
}

func split(s string) ([]string, error) {
	if s == "" {
		return nil, fmt.Errorf("%w: empty topic", ErrMalformed)
	}
	segs := strings.Split(s, "/")
	for _, seg := range segs {
		if seg == "" {
			return nil, fmt.Errorf("%w: empty segment in %q", ErrMalformed, s)
		}
	}
	return segs, nil
}

// Match reports whether the concrete topic matches the pattern. Both inputs
// are validated; an error is returned for malformed values.
func Match(concrete, pattern string) (bool, error) {
	t, err := Parse(concrete)
	if err != nil {
		return false, err
	}
	p, err := ParsePattern(pattern)
	if err != nil {
		return false, err
	}
	return MatchSegments(t, p), nil
}

// MatchSegments matches pre-parsed topic segments against pattern segments.
func MatchSegments(t, p []string) bool {
	for i, seg := range p {
		if seg == Multi {
			// Consumes zero or more trailing segments.
			return len(t) >= i
		}
		if i >= len(t) {
			return false
		}
		if seg != Single && seg != t[i] {
			return false
		}
	}
	return len(t) == len(p)
}
