package webhook

import (
	"fmt"

	"github.com/marketflow/signalbridge/internal/models"
)

// ValidationError covers malformed payloads, unknown actions and strategies
// with no usable configuration. It carries no side effects.
type ValidationError struct {
	Reason string
}

func (e *ValidationError) Error() string {
	return e.Reason
}

// StateConflictError reports an entry attempted with positions open, or an
// exit attempted with none. For blocked entries Positions carries the
// conflicting snapshot and Hint names the remedial action.
type StateConflictError struct {
	Reason    string
	Hint      string
	Positions []models.Position
}

func (e *StateConflictError) Error() string {
	return e.Reason
}

// TimingError reports a signal outside the strategy's trading window.
type TimingError struct {
	Reason string
}

func (e *TimingError) Error() string {
	return e.Reason
}

// ResolutionError reports that dynamic strike resolution produced no
// tradable legs. It always precedes any dispatch or position mutation.
type ResolutionError struct {
	Reason string
	Err    error
}

func (e *ResolutionError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Reason, e.Err)
	}
	return e.Reason
}

func (e *ResolutionError) Unwrap() error {
	return e.Err
}
