// Package topic implements the hub's pub/sub topic pattern matcher
// (spec §4.4): a '/'-separated pattern whose segments may be literals,
// the single-level wildcard '+', or the multi-level wildcard '#'.
package topic

import (
	"strings"

	"github.com/nugget/hsipc/internal/herrors"
)

// Pattern is a parsed, validated topic pattern ready for repeated
// matching. Parsing once avoids re-splitting the pattern on every
// publish.
type Pattern struct {
	raw      string
	segments []string
}

// Parse validates and compiles a pattern. A '#' segment is only
// legal as the final segment; any other placement is a pattern error.
func Parse(pattern string) (*Pattern, error) {
	segments := strings.Split(pattern, "/")
	for i, seg := range segments {
		if seg == "#" && i != len(segments)-1 {
			return nil, herrors.InvalidTopicPattern(pattern)
		}
	}
	return &Pattern{raw: pattern, segments: segments}, nil
}

// MustParse is Parse but panics on an invalid pattern. Intended for
// package-level pattern constants known to be valid at compile time.
func MustParse(pattern string) *Pattern {
	p, err := Parse(pattern)
	if err != nil {
		panic(err)
	}
	return p
}

// String returns the original pattern text.
func (p *Pattern) String() string { return p.raw }

// Matches reports whether topic matches this pattern. Matching is a
// pure function of topic and pattern (spec §8 invariant 4): equal-
// length literal segments must be equal, '+' matches exactly one
// segment, and a trailing '#' matches the remainder (zero or more
// segments).
func (p *Pattern) Matches(t string) bool {
	return matchSegments(strings.Split(t, "/"), p.segments)
}

// Matches is the free-function form, splitting both topic and pattern
// on '/' and applying the rules above. Callers that match the same
// pattern repeatedly should prefer Parse + Pattern.Matches to avoid
// re-splitting the pattern string every call.
func Matches(t, pattern string) bool {
	return matchSegments(strings.Split(t, "/"), strings.Split(pattern, "/"))
}

func matchSegments(topicSegs, patternSegs []string) bool {
	i := 0
	for ; i < len(patternSegs); i++ {
		p := patternSegs[i]
		if p == "#" {
			// '#' consumes the remainder, including zero segments.
			return true
		}
		if i >= len(topicSegs) {
			return false
		}
		if p == "+" {
			continue
		}
		if p != topicSegs[i] {
			return false
		}
	}
	// Pattern exhausted without a trailing '#': lengths must match.
	return i == len(topicSegs)
}
