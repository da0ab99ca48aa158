package query

import "strings"

// Key identifies a cache entry: an ordered tuple such as {"documents"} or
// {"messages", "42"}.
type Key []string

const keySep = "\x1f"

// String returns the cache-store form of the key.
func (k Key) String() string {
	return strings.Join(k, keySep)
}

// HasPrefix reports whether p is a leading sub-tuple of k.
func (k Key) HasPrefix(p Key) bool {
	if len(p) > len(k) {
		return false
	}
	for i := range p {
		if k[i] != p[i] {
			return false
		}
	}
	return true
}

func parseKey(s string) Key {
	if s == "" {
		return Key{}
	}
	return Key(strings.Split(s, keySep))
}
