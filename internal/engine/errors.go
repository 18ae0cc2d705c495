package engine

import (
	"errors"
	"fmt"
	"runtime/debug"
	"strings"

	"github.com/hashicorp/go-multierror"
)

// ErrHalted is reported for records submitted to, or still queued in, a halted core.
var ErrHalted = errors.New("engine: dispatch halted")

// PanicError is what a job that panicked settles with. A panic is treated
// exactly like a returned error.
type PanicError struct {
	Value any
	Stack []byte
}

func (e *PanicError) Error() string { return fmt.Sprintf("panic: %v", e.Value) }

// Unwrap exposes the panic value when it was itself an error.
func (e *PanicError) Unwrap() error {
	if err, ok := e.Value.(error); ok {
		return err
	}
	return nil
}

// Call runs fn and converts a panic into a *PanicError.
func Call[T any](fn func() (T, error)) (v T, err error) {
	defer func() {
		if r := recover(); r != nil {
			var zero T
			v = zero
			err = &PanicError{Value: r, Stack: debug.Stack()}
		}
	}()
	return fn()
}

// AggregateError is the single failure an Aggregate run ends with. It carries
// every underlying failure in the order they were observed.
type AggregateError struct {
	merr *multierror.Error
}

// NewAggregateError builds an AggregateError from errs. Nil entries are skipped.
func NewAggregateError(errs []error) *AggregateError {
	var merr *multierror.Error
	for _, err := range errs {
		if err != nil {
			merr = multierror.Append(merr, err)
		}
	}
	if merr == nil {
		merr = &multierror.Error{}
	}
	merr.ErrorFormat = joinErrors
	return &AggregateError{merr: merr}
}

// Count is the number of collected failures.
func (e *AggregateError) Count() int { return e.merr.Len() }

// Errors returns the collected failures.
func (e *AggregateError) Errors() []error {
	return append([]error(nil), e.merr.WrappedErrors()...)
}

// Unwrap lets errors.Is/As reach the collected failures.
func (e *AggregateError) Unwrap() []error { return e.Errors() }

func (e *AggregateError) Error() string {
	return fmt.Sprintf("%d job(s) failed: %s", e.Count(), e.merr.Error())
}

func joinErrors(errs []error) string {
	parts := make([]string, 0, len(errs))
	for _, err := range errs {
		parts = append(parts, err.Error())
	}
	return strings.Join(parts, "; ")
}
