// Package cmp provides equality helpers for domain values.
//
// For diffs in tests, use github.com/google/go-cmp.
package cmp

func EqEq[T comparable](a, b T) bool {
	return a == b
}

func PEqEq[T comparable](a, b *T) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return *a == *b
}
