// Package utils provides small helpers shared by the HTTP layer and the CLI
// for parsing user-supplied numbers.
package utils

import "strconv"

// AtoiDefault parses s as a base-10 int, returning def when s is empty or
// malformed.
func AtoiDefault(s string, def int) int {
	if s == "" {
		return def
	}
	if n, err := strconv.Atoi(s); err == nil {
		return n
	}
	return def
}

// Clamp bounds v to [lo, hi].
func Clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// Page parses page/pageSize query values: page defaults to 1 and is at
// least 1; pageSize defaults to def and is bounded to [1, max].
func Page(pageStr, sizeStr string, def, max int) (page, pageSize int) {
	page = AtoiDefault(pageStr, 1)
	if page < 1 {
		page = 1
	}
	pageSize = Clamp(AtoiDefault(sizeStr, def), 1, max)
	return page, pageSize
}
