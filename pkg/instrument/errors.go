package instrument

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

var (
	// ErrInvalidLocation is returned when an instrument targets an empty
	// source or a non-positive line.
	ErrInvalidLocation = errors.New("invalid location")

	// ErrInvalidInstrument is returned for definitions with an unknown
	// type, a hit limit below Unlimited or a malformed throttle.
	ErrInvalidInstrument = errors.New("invalid instrument")

	// ErrApplyTimeout is returned when no probe confirmed an immediate
	// apply before the deadline.
	ErrApplyTimeout = errors.New("apply timed out")

	// ErrApplyFailed is returned when the probe gateway rejected an apply.
	ErrApplyFailed = errors.New("apply failed")
)

// ConditionError describes a condition that could not be compiled or did
// not evaluate to a boolean. The hit that triggered it is suppressed.
type ConditionError struct {
	InstrumentID string
	Condition    string
	Err          error
}

func (e *ConditionError) Error() string {
	return fmt.Sprintf("instrument %s: condition %q: %v", e.InstrumentID, e.Condition, e.Err)
}

func (e *ConditionError) Unwrap() error { return e.Err }

// BatchError reports the items of a batch add that failed, keyed by their
// index in the input. Items not listed were added.
type BatchError struct {
	Failures map[int]error
}

func (e *BatchError) Error() string {
	indexes := make([]int, 0, len(e.Failures))
	for i := range e.Failures {
		indexes = append(indexes, i)
	}
	sort.Ints(indexes)

	parts := make([]string, 0, len(indexes))
	for _, i := range indexes {
		parts = append(parts, fmt.Sprintf("[%d] %v", i, e.Failures[i]))
	}
	return fmt.Sprintf("%d batch item(s) failed: %s", len(indexes), strings.Join(parts, "; "))
}

// Unwrap exposes every item error to errors.Is and errors.As.
func (e *BatchError) Unwrap() []error {
	errs := make([]error, 0, len(e.Failures))
	for _, err := range e.Failures {
		errs = append(errs, err)
	}
	return errs
}

// ClearError reports instruments the probe gateway failed to detach. They
// are already gone from the store; a later clear retries the detach.
type ClearError struct {
	Failures map[string]error
}

func (e *ClearError) Error() string {
	ids := e.IDs()
	parts := make([]string, 0, len(ids))
	for _, id := range ids {
		parts = append(parts, fmt.Sprintf("%s: %v", id, e.Failures[id]))
	}
	return fmt.Sprintf("failed to detach %d instrument(s): %s", len(ids), strings.Join(parts, "; "))
}

// IDs returns the failed instrument ids in sorted order.
func (e *ClearError) IDs() []string {
	ids := make([]string, 0, len(e.Failures))
	for id := range e.Failures {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func (e *ClearError) Unwrap() []error {
	errs := make([]error, 0, len(e.Failures))
	for _, err := range e.Failures {
		errs = append(errs, err)
	}
	return errs
}
