package hume

import (
	"strconv"
	"strings"
)

// Ptr returns a pointer to v. It is handy for optional request fields.
//
// Example usage:
//
//	u := hume.Utterance{
//		Text:  "Hello",
//		Speed: hume.Ptr(1.2),
//	}
func Ptr[T any](v T) *T { return &v }

// itoaPositive formats n, or returns "" when n is not positive so that
// WithQuery skips the parameter.
func itoaPositive(n int) string {
	if n <= 0 {
		return ""
	}
	return strconv.Itoa(n)
}

// joinURLPath appends p to the base URL path, keeping any prefix such as a
// proxy mount point.
func joinURLPath(base, p string) string {
	return strings.TrimRight(base, "/") + "/" + strings.TrimLeft(p, "/")
}
