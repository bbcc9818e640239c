package ops

import (
	"errors"
	"math"
	"net/http"
	"strconv"
	"time"

	"opscron/internal/breaker"
	"opscron/internal/jobs"
	"opscron/internal/ratelimit"
	"opscron/internal/watchdog"
)

var errBadRequest = errors.New("bad request")

// StatusCode maps scheduler control-flow errors to HTTP statuses.
func StatusCode(err error) int {
	switch {
	case err == nil:
		return http.StatusOK
	case errors.Is(err, jobs.ErrUnknownJob):
		return http.StatusNotFound
	case errors.Is(err, watchdog.ErrAlreadyRunning):
		return http.StatusConflict
	case errors.Is(err, watchdog.ErrPausedJob):
		return http.StatusForbidden
	case errors.Is(err, breaker.ErrCircuitOpen), errors.Is(err, watchdog.ErrShuttingDown):
		return http.StatusServiceUnavailable
	case errors.Is(err, jobs.ErrValidation), errors.Is(err, errBadRequest):
		return http.StatusBadRequest
	case errors.Is(err, ratelimit.ErrLimited):
		return http.StatusTooManyRequests
	default:
		return http.StatusInternalServerError
	}
}

// errorCode is the short machine-readable name sent next to the message.
func errorCode(err error) string {
	switch StatusCode(err) {
	case http.StatusNotFound:
		return "unknown_job"
	case http.StatusConflict:
		return "already_running"
	case http.StatusForbidden:
		return "paused"
	case http.StatusServiceUnavailable:
		if errors.Is(err, watchdog.ErrShuttingDown) {
			return "shutting_down"
		}
		return "circuit_open"
	case http.StatusBadRequest:
		return "invalid"
	case http.StatusTooManyRequests:
		return "rate_limited"
	default:
		return "internal"
	}
}

// retryAfter returns the Retry-After header value for err, or "".
func retryAfter(err error, now time.Time) string {
	var d time.Duration
	var le *ratelimit.LimitedError
	var ce *breaker.CircuitOpenError
	switch {
	case errors.As(err, &le):
		d = le.RetryAfter
	case errors.As(err, &ce):
		d = ce.RetryAfter(now)
	default:
		return ""
	}
	if d <= 0 {
		return ""
	}
	return strconv.Itoa(int(math.Ceil(d.Seconds())))
}
