package shared

import "fmt"

// TransitionTable declares, per source status, the statuses reachable from it.
// Statuses absent from the table are terminal.
type TransitionTable[S ~string] map[S][]S

// Allowed reports whether the transition from -> to is declared.
func (t TransitionTable[S]) Allowed(from, to S) bool {
	for _, next := range t[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Ensure fails with ErrInvalidStateTransition when from -> to is not declared.
func (t TransitionTable[S]) Ensure(from, to S) error {
	if !t.Allowed(from, to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidStateTransition, string(from), string(to))
	}
	return nil
}

// Terminal reports whether no transition leaves the given status.
func (t TransitionTable[S]) Terminal(status S) bool {
	return len(t[status]) == 0
}
