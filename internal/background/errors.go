package background

import (
	"errors"

	"github.com/cenkalti/backoff/v4"
)

var (
	ErrStopped     = errors.New("background worker stopped")
	ErrQueueFull   = errors.New("background queue full")
	ErrInvalidTask = errors.New("background task invalid")
)

// NoRetry marks an error as non-retryable.
//
//	return background.NoRetry(fmt.Errorf("bad row: %w", err))
func NoRetry(err error) error {
	if err == nil {
		return nil
	}
	return backoff.Permanent(err)
}
