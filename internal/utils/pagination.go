// Package utils holds tiny helpers shared across layers. Nothing in here
// knows about plants, conversations, or HTTP.
package utils

import "strconv"

// AtoiDefault parses s as an int and falls back to def when s is empty or
// not a plain base-10 integer. Query parameters like page and page_size go
// through this so a garbled value degrades to the default instead of erroring.
func AtoiDefault(s string, def int) int {
	if s == "" {
		return def
	}
	if n, err := strconv.Atoi(s); err == nil {
		return n
	}
	return def
}

// ClampInt bounds n to the closed interval [lo, hi].
func ClampInt(n, lo, hi int) int {
	if n < lo {
		return lo
	}
	if n > hi {
		return hi
	}
	return n
}
