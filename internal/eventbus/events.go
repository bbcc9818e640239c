package eventbus

import "time"

// Type names an event. The set is closed: every Type has exactly one payload struct.
type Type string

const (
	TypeJobStarted       Type = "job.started"
	TypeJobFinished      Type = "job.finished"
	TypeJobSkipped       Type = "job.skipped"
	TypeJobRetrying      Type = "job.retrying"
	TypeJobPaused        Type = "job.paused"
	TypeJobResumed       Type = "job.resumed"
	TypeJobConfigUpdated Type = "job.config_updated"

	TypeBreakerTripped  Type = "breaker.tripped"
	TypeBreakerHalfOpen Type = "breaker.half_open"
	TypeBreakerReset    Type = "breaker.reset"

	TypeAutoHealFired Type = "autoheal.fired"

	TypeTaskFinished Type = "background.finished"
	TypeTaskFailed   Type = "background.failed"
	TypeTaskDropped  Type = "background.dropped"

	TypeNotificationSent    Type = "notifier.sent"
	TypeNotificationFailed  Type = "notifier.failed"
	TypeNotificationDropped Type = "notifier.dropped"
)

// Payload is implemented by every event payload struct.
type Payload interface {
	EventType() Type
}

type JobStarted struct {
	Job     string `json:"job"`
	RunID   string `json:"run_id"`
	Trigger string `json:"trigger"`
}

func (JobStarted) EventType() Type { return TypeJobStarted }

type JobFinished struct {
	Job      string        `json:"job"`
	RunID    string        `json:"run_id"`
	Trigger  string        `json:"trigger"`
	Success  bool          `json:"success"`
	Attempts int           `json:"attempts"`
	Duration time.Duration `json:"duration"`
	Error    string        `json:"error,omitempty"`
}

func (JobFinished) EventType() Type { return TypeJobFinished }

type JobSkipped struct {
	Job     string `json:"job"`
	Trigger string `json:"trigger"`
	Reason  string `json:"reason"`
}

func (JobSkipped) EventType() Type { return TypeJobSkipped }

type JobRetrying struct {
	Job         string        `json:"job"`
	NextAttempt int           `json:"next_attempt"`
	Delay       time.Duration `json:"delay"`
	Error       string        `json:"error,omitempty"`
}

func (JobRetrying) EventType() Type { return TypeJobRetrying }

// JobPauseChanged is published as job.paused or job.resumed.
type JobPauseChanged struct {
	Job    string `json:"job"`
	Paused bool   `json:"paused"`
}

func (e JobPauseChanged) EventType() Type {
	if e.Paused {
		return TypeJobPaused
	}
	return TypeJobResumed
}

type JobConfigUpdated struct {
	Job string `json:"job"`
}

func (JobConfigUpdated) EventType() Type { return TypeJobConfigUpdated }

// BreakerTransition is published as breaker.tripped, breaker.half_open or breaker.reset
// depending on the target state.
type BreakerTransition struct {
	Job       string     `json:"job"`
	From      string     `json:"from"`
	To        string     `json:"to"`
	Failures  int        `json:"failures"`
	OpenedAt  *time.Time `json:"opened_at,omitempty"`
	ResetKind string     `json:"reset_kind,omitempty"`
}

func (e BreakerTransition) EventType() Type {
	switch e.To {
	case "open":
		return TypeBreakerTripped
	case "half-open":
		return TypeBreakerHalfOpen
	default:
		return TypeBreakerReset
	}
}

type AutoHealFired struct {
	Score    float64  `json:"score"`
	Jobs     []string `json:"jobs"`
	Accepted int      `json:"accepted"`
}

func (AutoHealFired) EventType() Type { return TypeAutoHealFired }

// TaskEvent reports a background task outcome ("finished", "failed" or "dropped").
type TaskEvent struct {
	ID       string        `json:"id"`
	Name     string        `json:"name"`
	Outcome  string        `json:"outcome"`
	Attempts int           `json:"attempts"`
	Duration time.Duration `json:"duration"`
	Error    string        `json:"error,omitempty"`
}

func (e TaskEvent) EventType() Type {
	switch e.Outcome {
	case "failed":
		return TypeTaskFailed
	case "dropped":
		return TypeTaskDropped
	default:
		return TypeTaskFinished
	}
}

// NotificationEvent reports a notifier outcome ("sent", "failed" or "dropped").
type NotificationEvent struct {
	Channel string    `json:"channel"`
	Key     string    `json:"key"`
	Outcome string    `json:"outcome"`
	At      time.Time `json:"at"`
	Error   string    `json:"error,omitempty"`
}

func (e NotificationEvent) EventType() Type {
	switch e.Outcome {
	case "failed":
		return TypeNotificationFailed
	case "dropped":
		return TypeNotificationDropped
	default:
		return TypeNotificationSent
	}
}
