package mocks

// CallLog records arguments of calls to a mock, in call order.
type CallLog[T any] []T

func (l CallLog[T]) Times() uint {
	return uint(len(l))
}

// Last returns arguments of the latest call. ok is false if never called.
func (l CallLog[T]) Last() (_ T, ok bool) {
	if len(l) == 0 {
		return *new(T), false
	}
	return l[len(l)-1], true
}
