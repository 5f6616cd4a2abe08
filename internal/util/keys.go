package util

import (
	"errors"
	"hash/fnv"
	"net/url"
	"strings"
)

var ErrMalformedKey = errors.New("malformed key")

// Join escapes each part and joins them with '/'.
// The result round-trips through Split.
func Join(parts ...string) string {
	esc := make([]string, len(parts))
	for i, p := range parts {
		esc[i] = url.PathEscape(p)
	}
	return strings.Join(esc, "/")
}

// Split reverses Join. It fails unless s holds exactly n parts.
func Split(s string, n int) ([]string, error) {
	raw := strings.Split(s, "/")
	if len(raw) != n {
		return nil, ErrMalformedKey
	}
	out := make([]string, n)
	for i, p := range raw {
		u, err := url.PathUnescape(p)
		if err != nil {
			return nil, ErrMalformedKey
		}
		out[i] = u
	}
	return out, nil
}

// Partition maps key onto one of n buckets; stable across processes.
func Partition(key string, n int) int {
	if n <= 1 {
		return 0
	}
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return int(h.Sum32() % uint32(n))
}
