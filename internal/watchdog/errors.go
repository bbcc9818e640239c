package watchdog

import (
	"errors"
	"fmt"
)

var (
	ErrAlreadyRunning  = errors.New("job already running")
	ErrPausedJob       = errors.New("job paused")
	ErrShuttingDown    = errors.New("scheduler shutting down")
	ErrShutdownTimeout = errors.New("shutdown grace period exceeded")
)

func jobErr(sentinel error, job string) error { return fmt.Errorf("%w: %s", sentinel, job) }
