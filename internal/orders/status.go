package orders

import "fmt"

type Status string

const (
	StatusOrder  Status = "ORDER"
	StatusCancel Status = "CANCEL"
)

// CANCEL is terminal. Deletion is not a transition, it removes the record in any state.
var validNext = map[Status]map[Status]bool{
	StatusOrder:  {StatusCancel: true},
	StatusCancel: {},
}

func CanTransition(from, to Status) bool {
	return validNext[from][to]
}

// Transition checks from -> to and returns an error wrapping ErrInvalidTransition
// (and ErrAlreadyCancelled when the order is already CANCEL).
func Transition(from, to Status) error {
	if CanTransition(from, to) {
		return nil
	}
	if from == StatusCancel {
		return fmt.Errorf("%w: %w", ErrInvalidTransition, ErrAlreadyCancelled)
	}
	return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
}

func (s Status) Valid() bool {
	_, ok := validNext[s]
	return ok
}
