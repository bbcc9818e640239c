// Package health turns a watchdog snapshot into a 0-100 score and provides the self_heal job.
package health

import (
	"context"
	"fmt"
	"math"
	"sort"
	"time"

	"opscron/internal/autoheal"
	"opscron/internal/breaker"
	"opscron/internal/jobs"
	"opscron/internal/watchdog"
	logx "opscron/pkg/logx"
)

// Penalties applied per job. Jobs that never ran only count for their breaker.
const (
	PenaltyOpen        = 20.0
	PenaltyHalfOpen    = 10.0
	PenaltyLastFailed  = 5.0
	PenaltyLowSuccess  = 15.0 // scaled by how far the rate is below MinSuccessRate
	MinSuccessRate     = 0.8
	maxScore, minScore = 100.0, 0.0
)

// Finding is one deduction from the score.
type Finding struct {
	Job     string  `json:"job"`
	Kind    string  `json:"kind"`
	Penalty float64 `json:"penalty"`
}

type Report struct {
	Score    float64   `json:"score"`
	Findings []Finding `json:"findings,omitempty"`
}

// Score computes the composite health of st. The self_heal job itself is ignored.
func Score(st watchdog.Status) Report {
	var r Report
	names := make([]string, 0, len(st.JobMetrics))
	for name := range st.JobMetrics {
		if name != jobs.SelfHeal {
			names = append(names, name)
		}
	}
	sort.Strings(names)

	for _, name := range names {
		switch st.CircuitBreakers[name].State {
		case breaker.Open:
			r.Findings = append(r.Findings, Finding{Job: name, Kind: "breaker_open", Penalty: PenaltyOpen})
		case breaker.HalfOpen:
			r.Findings = append(r.Findings, Finding{Job: name, Kind: "breaker_half_open", Penalty: PenaltyHalfOpen})
		}

		m := st.JobMetrics[name]
		if m.RunCount == 0 {
			continue
		}
		if m.SuccessRate < MinSuccessRate {
			p := PenaltyLowSuccess * (MinSuccessRate - m.SuccessRate) / MinSuccessRate
			r.Findings = append(r.Findings, Finding{Job: name, Kind: "low_success_rate", Penalty: round2(p)})
		}
		if !m.LastSuccess {
			r.Findings = append(r.Findings, Finding{Job: name, Kind: "last_run_failed", Penalty: PenaltyLastFailed})
		}
	}

	score := maxScore
	for _, f := range r.Findings {
		score -= f.Penalty
	}
	r.Score = round2(math.Max(minScore, math.Min(maxScore, score)))
	return r
}

func round2(v float64) float64 { return math.Round(v*100) / 100 }

type StatusSource interface {
	Status() watchdog.Status
}

type Healer interface {
	MaybeAutoHeal(ctx context.Context, score float64, now time.Time) autoheal.Decision
}

// SelfHealJob is the body of the self_heal job: score the scheduler and let the guard decide.
// A decision where every recovery dispatch was refused fails the run.
func SelfHealJob(src StatusSource, guard Healer, log logx.Logger) jobs.Func {
	return func(ctx context.Context) error {
		rep := Score(src.Status())
		dec := guard.MaybeAutoHeal(ctx, rep.Score, time.Now())
		log.Debug("self_heal.checked", logx.Float64("score", rep.Score), logx.String("decision", string(dec.Reason)), logx.Int("findings", len(rep.Findings)))
		if dec.Reason == autoheal.ReasonDispatchFailed {
			return fmt.Errorf("auto-heal at score %.1f: no recovery job accepted", rep.Score)
		}
		return nil
	}
}
