// Package sliceutil provides generic slice helpers used across the server.
package sliceutil

// Index returns the index of the first occurrence of v in s, or -1 if not
// present.
func Index[T comparable](s []T, v T) int {
	for i, e := range s {
		if e == v {
			return i
		}
	}
	return -1
}

// DeleteVal deletes the first occurrence of v in s, returning the resulting
// slice. Order of the remaining elements is not preserved.
func DeleteVal[T comparable](s []T, v T) []T {
	if i := Index(s, v); i != -1 {
		s[i] = s[len(s)-1]
		return s[:len(s)-1]
	}
	return s
}
