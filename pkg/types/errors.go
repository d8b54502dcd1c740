package types

import (
	"errors"
	"fmt"
)

var (
	// ErrSourceUnavailable marks an external provider that could not be reached in time.
	ErrSourceUnavailable = errors.New("source unavailable")
	// ErrMalformedArtifact marks a missing or unparseable file written by an earlier stage.
	ErrMalformedArtifact = errors.New("malformed artifact")
	// ErrValidation marks a request that is rejected before any work starts.
	ErrValidation = errors.New("validation error")
	// ErrWorkerFailure marks a single fan-out item that failed.
	ErrWorkerFailure = errors.New("worker failure")
)

type PipelineError struct {
	Kind error
	Op   string
	Err  error
}

func (e *PipelineError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %v", e.Op, e.Kind)
	}
	return fmt.Sprintf("%s: %v: %v", e.Op, e.Kind, e.Err)
}

func (e *PipelineError) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

func SourceUnavailable(op string, err error) error {
	return &PipelineError{Kind: ErrSourceUnavailable, Op: op, Err: err}
}

func MalformedArtifact(op string, err error) error {
	return &PipelineError{Kind: ErrMalformedArtifact, Op: op, Err: err}
}

func Validation(op, msg string) error {
	return &PipelineError{Kind: ErrValidation, Op: op, Err: errors.New(msg)}
}

func WorkerFailure(op string, err error) error {
	return &PipelineError{Kind: ErrWorkerFailure, Op: op, Err: err}
}

// Kind returns the taxonomy sentinel carried by err, or nil.
func Kind(err error) error {
	for _, k := range []error{ErrValidation, ErrMalformedArtifact, ErrSourceUnavailable, ErrWorkerFailure} {
		if errors.Is(err, k) {
			return k
		}
	}
	return nil
}
