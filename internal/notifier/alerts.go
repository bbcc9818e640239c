package notifier

import (
	"context"
	"fmt"
	"strings"

	"opscron/internal/eventbus"
	logx "opscron/pkg/logx"
)

var alertTypes = []eventbus.Type{
	eventbus.TypeBreakerTripped,
	eventbus.TypeJobFinished,
	eventbus.TypeAutoHealFired,
}

// AlertFor maps a bus event to an operator alert. ok is false for events that need none,
// such as successful runs.
func AlertFor(e eventbus.Event) (n Notification, ok bool) {
	switch p := e.Data.(type) {
	case eventbus.BreakerTransition:
		if e.Type != eventbus.TypeBreakerTripped {
			return n, false
		}
		return Notification{
			Priority: 9,
			Key:      "breaker:" + p.Job,
			Text:     fmt.Sprintf("circuit breaker opened for %s after %d consecutive failures", p.Job, p.Failures),
		}, true
	case eventbus.JobFinished:
		if p.Success {
			return n, false
		}
		text := fmt.Sprintf("%s failed after %d attempt(s) (%s trigger)", p.Job, p.Attempts, p.Trigger)
		if p.Error != "" {
			text += ": " + p.Error
		}
		return Notification{Priority: 7, Key: "failed:" + p.Job, Text: text}, true
	case eventbus.AutoHealFired:
		return Notification{
			Priority: 5,
			Key:      "autoheal",
			Text:     fmt.Sprintf("auto-heal fired at health score %.1f: %s", p.Score, strings.Join(p.Jobs, ", ")),
		}, true
	}
	return n, false
}

// alertLoop runs until events is closed by Stop.
func (s *Service) alertLoop(ctx context.Context, events <-chan eventbus.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-events:
			if !ok {
				return
			}
			n, want := AlertFor(e)
			if !want {
				continue
			}
			if err := s.Notify(ctx, n); err != nil {
				s.log.Debug("notify.alert_not_queued", logx.String("key", n.Key), logx.Err(err))
			}
		}
	}
}
