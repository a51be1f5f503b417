package state

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// ErrInvalidKey is returned by ValidateKey.
var ErrInvalidKey = errors.New("invalid key")

// ValidateKey checks that key is a non-empty dotted path with no empty
// segments and no whitespace.
func ValidateKey(key string) error {
	if key == "" {
		return fmt.Errorf("%w: empty", ErrInvalidKey)
	}
	if strings.ContainsAny(key, " \t\r\n") {
		return fmt.Errorf("%w: %q contains whitespace", ErrInvalidKey, key)
	}
	for _, seg := range strings.Split(key, ".") {
		if seg == "" {
			return fmt.Errorf("%w: %q has an empty segment", ErrInvalidKey, key)
		}
	}
	return nil
}

// Match reports whether key falls under filter. An empty filter matches
// every key. Otherwise the filter matches the key itself and every key
// below it: "battery" matches "battery" and "battery.percent" but not
// "batteryx". A trailing dot ("workspace.") matches only descendants.
func Match(filter, key string) bool {
	if filter == "" {
		return true
	}
	if strings.HasSuffix(filter, ".") {
		return strings.HasPrefix(key, filter)
	}
	if !strings.HasPrefix(key, filter) {
		return false
	}
	return len(key) == len(filter) || key[len(filter)] == '.'
}

// MatchAny reports whether key matches at least one filter. No filters
// matches everything.
func MatchAny(filters []string, key string) bool {
	if len(filters) == 0 {
		return true
	}
	for _, f := range filters {
		if Match(f, key) {
			return true
		}
	}
	return false
}

// Overlaps reports whether some key under namespace can match filter.
func Overlaps(filter, namespace string) bool {
	if filter == "" || filter == namespace || strings.HasPrefix(filter, namespace+".") {
		return true
	}
	return Match(filter, namespace)
}

// OverlapsAny is Overlaps over a filter list. No filters overlaps every
// namespace.
func OverlapsAny(filters []string, namespace string) bool {
	if len(filters) == 0 {
		return true
	}
	for _, f := range filters {
		if Overlaps(f, namespace) {
			return true
		}
	}
	return false
}

// Namespace returns the first segment of key.
func Namespace(key string) string {
	if i := strings.IndexByte(key, '.'); i >= 0 {
		return key[:i]
	}
	return key
}

// CompareKeys orders keys segment by segment, comparing all-digit segments
// numerically so that "workspace.2" sorts before "workspace.10".
func CompareKeys(a, b string) int {
	as := strings.Split(a, ".")
	bs := strings.Split(b, ".")
	for i := 0; i < len(as) && i < len(bs); i++ {
		if c := compareSegment(as[i], bs[i]); c != 0 {
			return c
		}
	}
	return len(as) - len(bs)
}

func compareSegment(a, b string) int {
	ai, aErr := strconv.ParseInt(a, 10, 64)
	bi, bErr := strconv.ParseInt(b, 10, 64)
	switch {
	case aErr == nil && bErr == nil:
		switch {
		case ai < bi:
			return -1
		case ai > bi:
			return 1
		}
		return 0
	case aErr == nil:
		return -1
	case bErr == nil:
		return 1
	}
	return strings.Compare(a, b)
}

// Join builds a key from segments.
func Join(segments ...string) string {
	return strings.Join(segments, ".")
}

// Sanitize makes s usable as a single key segment by replacing dots,
// whitespace and colons with underscores.
func Sanitize(s string) string {
	return strings.Map(func(r rune) rune {
		switch r {
		case '.', ' ', '\t', '\n', '\r', ':', '/':
			return '_'
		}
		return r
	}, s)
}
