package jobs

import (
	"errors"
	"fmt"
)

var (
	ErrUnknownJob   = errors.New("unknown job")
	ErrDuplicateJob = errors.New("job already registered")
	ErrValidation   = errors.New("invalid job config")
)

// ValidationError describes the first invalid field of a job config.
type ValidationError struct {
	Job    string
	Field  string
	Value  any
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Job != "" {
		return fmt.Sprintf("invalid config for job %s: %s=%v: %s", e.Job, e.Field, e.Value, e.Reason)
	}
	return fmt.Sprintf("invalid job config: %s=%v: %s", e.Field, e.Value, e.Reason)
}

func (e *ValidationError) Is(target error) bool { return target == ErrValidation }

// UnknownJobError wraps ErrUnknownJob with the offending name.
func UnknownJobError(name string) error {
	return fmt.Errorf("%w: %s", ErrUnknownJob, name)
}
