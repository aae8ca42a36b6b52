package tia

// State says whether a lookup could be answered at all, and if so whether
// the key was present.
type State int

const (
	// StateUnavailable means there is no data to look in (no snapshot).
	StateUnavailable State = iota
	// StateNotFound means the data exists but has no entry for the key.
	StateNotFound
	// StateFound means Value holds the entry.
	StateFound
)

func (s State) String() string {
	switch s {
	case StateUnavailable:
		return "unavailable"
	case StateNotFound:
		return "not-found"
	case StateFound:
		return "found"
	default:
		return "unknown"
	}
}

// Result is the outcome of a lookup that may have no backing data.
type Result[T any] struct {
	State State
	Value T
}

// Found wraps a present value.
func Found[T any](v T) Result[T] {
	return Result[T]{State: StateFound, Value: v}
}

// NotFound is the result for a missing key.
func NotFound[T any]() Result[T] {
	return Result[T]{State: StateNotFound}
}

// Unavailable is the result when there is nothing to look in.
func Unavailable[T any]() Result[T] {
	return Result[T]{State: StateUnavailable}
}

// Get returns the value and whether it was found.
func (r Result[T]) Get() (T, bool) {
	return r.Value, r.State == StateFound
}
