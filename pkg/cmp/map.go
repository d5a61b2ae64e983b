package cmp

type BiPredicator[V any, U any] func(a V, b U) bool

// MapEq reports whether a and b have the same keys mapped to the same values.
//
// nil and empty maps are equal.
func MapEq[K comparable, V comparable](a map[K]V, b map[K]V) bool {
	return MapEqWith(a, b, EqEq[V])
}

func MapEqWith[K comparable, V any, U any](a map[K]V, b map[K]U, comparator BiPredicator[V, U]) bool {
	if len(a) != len(b) {
		return false
	}
	return MapLeqWith(a, b, comparator)
}

// MapLeq reports whether every entry of a is found in b.
func MapLeq[K comparable, V comparable](a map[K]V, b map[K]V) bool {
	return MapLeqWith(a, b, EqEq[V])
}

func MapLeqWith[K comparable, V any, U any](a map[K]V, b map[K]U, comparator BiPredicator[V, U]) bool {
	for ka, va := range a {
		vb, ok := b[ka]
		if !ok || !comparator(va, vb) {
			return false
		}
	}
	return true
}
