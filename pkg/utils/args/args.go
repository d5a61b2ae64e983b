// Package args adapts parser functions to flag.Value.
package args

// Adapter is flag.Value which parses with a function.
type Adapter[T interface{ String() string }] struct {
	value  T
	parser func(string) (T, error)
	isSet  bool
}

func (i *Adapter[T]) String() string {
	if i.isSet {
		return i.value.String()
	}
	return ""
}

func (i *Adapter[T]) Set(s string) error {
	v, err := i.parser(s)
	if err != nil {
		return err
	}
	i.isSet = true
	i.value = v
	return nil
}

// Value returns the parsed value, or the default if not set.
func (i Adapter[T]) Value() T {
	return i.value
}

func (i Adapter[T]) IsSet() bool {
	return i.isSet
}

// Parser creates an Adapter with parser.
func Parser[T interface{ String() string }](parser func(string) (T, error)) *Adapter[T] {
	return &Adapter[T]{parser: parser}
}

// ParserWithDefault creates an Adapter with parser and default value.
func ParserWithDefault[T interface{ String() string }](parser func(string) (T, error), d T) *Adapter[T] {
	return &Adapter[T]{parser: parser, value: d}
}
