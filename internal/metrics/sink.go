package metrics

// Sink receives scheduler metrics. Implementations must be safe for concurrent use
// and must not block.
type Sink interface {
	// RecordCronJobRun records a finished or skipped run. status is "success", "failure" or "skipped".
	RecordCronJobRun(job, status string, durationSec float64)
	// RecordCronJobError records a failed run by error type: "timeout", "execution" or "panic".
	RecordCronJobError(job, errorType string)
	RecordCronJobTimeout(job string)
	RecordCronJobRetry(job string)

	SetCircuitBreakerState(job, state string)
	RecordCircuitBreakerTrip(job string)
	// RecordCircuitBreakerReset records a reset; kind is "manual" or "auto".
	RecordCircuitBreakerReset(job, kind string)

	// RecordAutoHeal records an auto-heal decision by outcome reason.
	RecordAutoHeal(outcome string)
}

// Run statuses.
const (
	StatusSuccess = "success"
	StatusFailure = "failure"
	StatusSkipped = "skipped"
)

// Error types.
const (
	ErrorTimeout   = "timeout"
	ErrorExecution = "execution"
	ErrorPanic     = "panic"
)

// StateValue maps a breaker state to its gauge value.
func StateValue(state string) float64 {
	switch state {
	case "half-open":
		return 1
	case "open":
		return 2
	default:
		return 0
	}
}

// Nop discards everything.
type Nop struct{}

func (Nop) RecordCronJobRun(string, string, float64) {}
func (Nop) RecordCronJobError(string, string)        {}
func (Nop) RecordCronJobTimeout(string)              {}
func (Nop) RecordCronJobRetry(string)                {}
func (Nop) SetCircuitBreakerState(string, string)    {}
func (Nop) RecordCircuitBreakerTrip(string)          {}
func (Nop) RecordCircuitBreakerReset(string, string) {}
func (Nop) RecordAutoHeal(string)                    {}

// OrNop returns s, or Nop when s is nil.
func OrNop(s Sink) Sink {
	if s == nil {
		return Nop{}
	}
	return s
}
