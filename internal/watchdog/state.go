package watchdog

import "time"

// runState is the mutable form of JobRunState. Guarded by Watchdog.mu.
type runState struct {
	JobRunState

	window [successWindow]bool
	filled int
	next   int
}

func (s *runState) pushOutcome(ok bool) {
	s.window[s.next] = ok
	s.next = (s.next + 1) % successWindow
	if s.filled < successWindow {
		s.filled++
	}
	n := 0
	for i := 0; i < s.filled; i++ {
		if s.window[i] {
			n++
		}
	}
	s.SuccessRate = float64(n) / float64(s.filled)
}

func (s *runState) snapshot() JobRunState {
	out := s.JobRunState
	if s.LastRunAt != nil {
		t := *s.LastRunAt
		out.LastRunAt = &t
	}
	return out
}

// activeRun is the transient record of an in-flight run.
type activeRun struct {
	runID            string
	kind             TriggerKind
	startedAt        time.Time
	attempt          int
	attemptStartedAt time.Time
	lastErr          string
}
