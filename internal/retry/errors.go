package retry

import (
	"errors"
	"fmt"
	"time"

	"opscron/internal/metrics"
)

var ErrTimeout = errors.New("job attempt timed out")

// TimeoutError records an attempt abandoned after its timeout.
type TimeoutError struct {
	Job     string
	Attempt int
	Timeout time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("job %s attempt %d timed out after %s", e.Job, e.Attempt, e.Timeout)
}

func (e *TimeoutError) Is(target error) bool { return target == ErrTimeout }

// JobExecutionError wraps an error returned (or a panic raised) by a job body.
type JobExecutionError struct {
	Job      string
	Attempt  int
	Err      error
	Panicked bool
}

func (e *JobExecutionError) Error() string {
	if e.Panicked {
		return fmt.Sprintf("job %s attempt %d panicked: %v", e.Job, e.Attempt, e.Err)
	}
	return fmt.Sprintf("job %s attempt %d failed: %v", e.Job, e.Attempt, e.Err)
}

func (e *JobExecutionError) Unwrap() error { return e.Err }

// ErrorType classifies a failed attempt for metrics: "timeout", "panic" or "execution".
func ErrorType(err error) string {
	if errors.Is(err, ErrTimeout) {
		return metrics.ErrorTimeout
	}
	var je *JobExecutionError
	if errors.As(err, &je) && je.Panicked {
		return metrics.ErrorPanic
	}
	return metrics.ErrorExecution
}
