package saga

import (
	"fmt"

	"github.com/pkg/errors"
)

var (
	// ErrDefinitionNotFound is returned by ExecuteSaga for an unknown
	// definition ID. This is the one error path surfaced directly to
	// the caller instead of through the result status.
	ErrDefinitionNotFound = errors.New("saga definition not found")

	// ErrInstanceNotFound is returned when no execution exists for a saga ID.
	ErrInstanceNotFound = errors.New("saga instance not found")

	// ErrNotCompensable is returned by CompensateSaga when the instance
	// is not in a status that allows compensation.
	ErrNotCompensable = errors.New("saga instance is not in a compensable status")

	// ErrCompensationRejected marks a compensate action that ran but
	// reported an unsuccessful result.
	ErrCompensationRejected = errors.New("compensate action reported failure")
)

// FailureKind classifies why a saga stopped making forward progress.
type FailureKind string

const (
	// FailureValidation: a business precondition was unmet inside a step.
	// Not retryable without new input.
	FailureValidation FailureKind = "validation"

	// FailureTransient: an I/O or external-call error. The caller decides
	// whether to retry the whole saga.
	FailureTransient FailureKind = "transient"

	// FailureTimeout: the instance exceeded its execution deadline between
	// steps. Follows the same compensation path as any other failure.
	FailureTimeout FailureKind = "timeout"

	// FailureCompensation: a compensate call failed during the sweep.
	// Logged per step; never aborts the sweep.
	FailureCompensation FailureKind = "compensation"
)

// Failure is a classified step-level error. It wraps the underlying
// cause so errors.Is/As keep working through it.
type Failure struct {
	Kind   FailureKind
	StepID string
	Err    error
}

func (f *Failure) Error() string {
	if f.StepID == "" {
		return fmt.Sprintf("%s failure: %v", f.Kind, f.Err)
	}
	return fmt.Sprintf("%s failure at step %s: %v", f.Kind, f.StepID, f.Err)
}

func (f *Failure) Unwrap() error {
	return f.Err
}

// NewValidationFailure marks an error as a failed business precondition.
func NewValidationFailure(stepID string, err error) *Failure {
	return &Failure{Kind: FailureValidation, StepID: stepID, Err: err}
}

// NewTransientFailure marks an error as a retryable I/O or external-call error.
func NewTransientFailure(stepID string, err error) *Failure {
	return &Failure{Kind: FailureTransient, StepID: stepID, Err: err}
}

// NewTimeoutFailure marks an instance as having exceeded its deadline.
func NewTimeoutFailure(stepID string, err error) *Failure {
	return &Failure{Kind: FailureTimeout, StepID: stepID, Err: err}
}

// NewCompensationFailure marks a failed compensate call.
func NewCompensationFailure(stepID string, err error) *Failure {
	return &Failure{Kind: FailureCompensation, StepID: stepID, Err: err}
}

// KindOf extracts the failure classification from an error chain.
func KindOf(err error) (FailureKind, bool) {
	var f *Failure
	if errors.As(err, &f) {
		return f.Kind, true
	}
	return "", false
}

// classify wraps an unclassified step error as transient; typed
// failures pass through unchanged.
func classify(stepID string, err error) *Failure {
	var f *Failure
	if errors.As(err, &f) {
		return f
	}
	return NewTransientFailure(stepID, err)
}
