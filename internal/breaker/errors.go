package breaker

import (
	"errors"
	"fmt"
	"time"
)

var ErrCircuitOpen = errors.New("circuit breaker open")

// CircuitOpenError is returned by CanRun when a job is refused.
type CircuitOpenError struct {
	Job      string
	State    State
	OpenedAt time.Time
	// RetryAt is when the next half-open trial becomes possible.
	// Zero while a half-open trial is in flight.
	RetryAt time.Time
}

func (e *CircuitOpenError) Error() string {
	if e.State == HalfOpen || e.RetryAt.IsZero() {
		return fmt.Sprintf("circuit breaker for job %s is half-open: trial run in progress", e.Job)
	}
	return fmt.Sprintf("circuit breaker for job %s is open since %s; next run allowed at %s",
		e.Job, e.OpenedAt.UTC().Format(time.RFC3339), e.RetryAt.UTC().Format(time.RFC3339))
}

func (e *CircuitOpenError) Is(target error) bool { return target == ErrCircuitOpen }

// RetryAfter is how long until RetryAt, measured from now. Zero if already due or unknown.
func (e *CircuitOpenError) RetryAfter(now time.Time) time.Duration {
	if e.RetryAt.IsZero() || !e.RetryAt.After(now) {
		return 0
	}
	return e.RetryAt.Sub(now)
}
