package ops

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"net/http"
	"time"

	"opscron/internal/autoheal"
	"opscron/internal/background"
	"opscron/internal/health"
	"opscron/internal/jobs"
	"opscron/internal/ratelimit"
	"opscron/internal/watchdog"
	logx "opscron/pkg/logx"
)

const maxBody = 64 << 10

type errorBody struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	_ = enc.Encode(v)
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := StatusCode(err)
	if ra := retryAfter(err, s.now()); ra != "" {
		w.Header().Set("Retry-After", ra)
	}
	if status >= http.StatusInternalServerError && status != http.StatusServiceUnavailable {
		s.log.Warn("ops request failed", logx.String("method", r.Method), logx.String("path", r.URL.Path), logx.Err(err))
	}
	writeJSON(w, status, errorBody{Error: err.Error(), Code: errorCode(err)})
}

// limit charges one action of kind to the caller. It writes the 429 itself.
func (s *Server) limit(w http.ResponseWriter, r *http.Request, kind ratelimit.Kind) bool {
	if s.deps.Limiter == nil {
		return true
	}
	if err := s.deps.Limiter.Check(callerID(r), kind); err != nil {
		s.log.Debug("ops rate limited", logx.String("caller", callerID(r)), logx.String("kind", string(kind)))
		s.writeError(w, r, err)
		return false
	}
	return true
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	st := s.deps.Scheduler.Status()
	status := http.StatusOK
	if st.IsShuttingDown {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, map[string]any{
		"ok":             !st.IsShuttingDown,
		"isRunning":      st.IsRunning,
		"isShuttingDown": st.IsShuttingDown,
	})
}

type statusView struct {
	Scheduler  watchdog.Status      `json:"scheduler"`
	Health     health.Report        `json:"health"`
	NextRuns   map[string]time.Time `json:"nextRuns"`
	AutoHeal   *autoheal.State      `json:"autoHeal,omitempty"`
	Background *backgroundView      `json:"background,omitempty"`
}

type backgroundView struct {
	Running  bool   `json:"running"`
	Workers  int    `json:"workers"`
	QueueLen int    `json:"queueLen"`
	QueueCap int    `json:"queueCap"`
	InFlight int    `json:"inFlight"`
	Enqueued uint64 `json:"enqueued"`
	Finished uint64 `json:"finished"`
	Failed   uint64 `json:"failed"`
	Dropped  uint64 `json:"dropped"`
}

func viewBackground(b background.Snapshot) *backgroundView {
	return &backgroundView{
		Running:  b.Running,
		Workers:  b.Workers,
		QueueLen: b.QueueLen,
		QueueCap: b.QueueCap,
		InFlight: b.InFlight,
		Enqueued: b.Enqueued,
		Finished: b.Finished,
		Failed:   b.Failed,
		Dropped:  b.Dropped,
	}
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	st := s.deps.Scheduler.Status()
	v := statusView{
		Scheduler: st,
		Health:    health.Score(st),
		NextRuns:  s.deps.Scheduler.NextRuns(s.now()),
	}
	if s.deps.Healer != nil {
		hs := s.deps.Healer.State()
		v.AutoHeal = &hs
	}
	if s.deps.Background != nil {
		v.Background = viewBackground(s.deps.Background())
	}
	writeJSON(w, http.StatusOK, v)
}

type lastRunsView struct {
	Forecast   *time.Time        `json:"forecast"`
	Learning   *time.Time        `json:"learning"`
	Governance *time.Time        `json:"governance"`
	Sources    map[string]string `json:"sources"`
}

// handleLastRuns walks live state, then the persisted store, then null.
func (s *Server) handleLastRuns(w http.ResponseWriter, r *http.Request) {
	live := s.deps.Scheduler.LastRuns()
	v := lastRunsView{Sources: map[string]string{}}

	resolve := func(key, job string, liveAt *time.Time) *time.Time {
		if liveAt != nil {
			v.Sources[key] = "live"
			return liveAt
		}
		if s.deps.LastRuns != nil {
			ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
			at, ok, err := s.deps.LastRuns.LastRun(ctx, job)
			cancel()
			if err != nil {
				s.log.Debug("persisted last run unavailable", logx.String("job", job), logx.Err(err))
			} else if ok {
				v.Sources[key] = "persisted"
				return &at
			}
		}
		v.Sources[key] = "none"
		return nil
	}
	v.Forecast = resolve("forecast", jobs.AIForecast, live.Forecast)
	v.Learning = resolve("learning", jobs.AILearning, live.Learning)
	v.Governance = resolve("governance", jobs.GovernanceScore, live.Governance)
	writeJSON(w, http.StatusOK, v)
}

func (s *Server) handlePaused(w http.ResponseWriter, _ *http.Request) {
	paused := s.deps.Scheduler.PausedJobs()
	if paused == nil {
		paused = []string{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"pausedJobs": paused, "count": len(paused)})
}

func (s *Server) handleRetryState(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"retryState": s.deps.Scheduler.RetryState()})
}

// handleTrigger runs the job and answers with its Result. The run is detached from the
// request context so a dropped client does not cancel it.
func (s *Server) handleTrigger(w http.ResponseWriter, r *http.Request) {
	if !s.limit(w, r, ratelimit.KindTrigger) {
		return
	}
	name := r.PathValue("name")
	res, err := s.deps.Scheduler.TriggerJob(context.WithoutCancel(r.Context()), name)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.log.Info("manual trigger finished",
		logx.String("job", name),
		logx.String("caller", callerID(r)),
		logx.Bool("success", res.Success),
		logx.Int("attempts", res.Attempts),
	)
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handlePause(w http.ResponseWriter, r *http.Request) {
	s.setPaused(w, r, true)
}

func (s *Server) handleResume(w http.ResponseWriter, r *http.Request) {
	s.setPaused(w, r, false)
}

func (s *Server) setPaused(w http.ResponseWriter, r *http.Request, paused bool) {
	if !s.limit(w, r, ratelimit.KindPause) {
		return
	}
	name := r.PathValue("name")
	op := s.deps.Scheduler.ResumeJob
	if paused {
		op = s.deps.Scheduler.PauseJob
	}
	if err := op(name); err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"job": name, "paused": paused})
}

// configPatch is the wire form of jobs.Partial; durations are milliseconds.
type configPatch struct {
	TimeoutMs         *int64   `json:"timeoutMs"`
	MaxRetries        *int     `json:"maxRetries"`
	RetryDelayMs      *int64   `json:"retryDelayMs"`
	BackoffMultiplier *float64 `json:"backoffMultiplier"`
	Schedule          *string  `json:"schedule"`
}

func (p configPatch) partial() (jobs.Partial, error) {
	var bad string
	ms := func(field string, v *int64) *time.Duration {
		if v == nil {
			return nil
		}
		if *v < 0 || *v > math.MaxInt64/int64(time.Millisecond) {
			bad = field
			return nil
		}
		d := time.Duration(*v) * time.Millisecond
		return &d
	}
	out := jobs.Partial{
		Timeout:           ms("timeoutMs", p.TimeoutMs),
		MaxRetries:        p.MaxRetries,
		RetryDelay:        ms("retryDelayMs", p.RetryDelayMs),
		BackoffMultiplier: p.BackoffMultiplier,
		Schedule:          p.Schedule,
	}
	if bad != "" {
		return jobs.Partial{}, fmt.Errorf("%w: %s out of range", errBadRequest, bad)
	}
	return out, nil
}

type configView struct {
	TimeoutMs         int64   `json:"timeoutMs"`
	MaxRetries        int     `json:"maxRetries"`
	RetryDelayMs      int64   `json:"retryDelayMs"`
	BackoffMultiplier float64 `json:"backoffMultiplier"`
	Schedule          string  `json:"schedule,omitempty"`
}

func viewConfig(c jobs.Config) configView {
	return configView{
		TimeoutMs:         c.Timeout.Milliseconds(),
		MaxRetries:        c.MaxRetries,
		RetryDelayMs:      c.RetryDelay.Milliseconds(),
		BackoffMultiplier: c.BackoffMultiplier,
		Schedule:          c.Schedule,
	}
}

func decodeJSON(r *http.Request, v any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBody))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		if errors.Is(err, io.EOF) {
			return fmt.Errorf("%w: empty body", errBadRequest)
		}
		return fmt.Errorf("%w: %v", errBadRequest, err)
	}
	return nil
}

func (s *Server) handleConfig(w http.ResponseWriter, r *http.Request) {
	if !s.limit(w, r, ratelimit.KindConfig) {
		return
	}
	name := r.PathValue("name")
	var patch configPatch
	if err := decodeJSON(r, &patch); err != nil {
		s.writeError(w, r, err)
		return
	}
	p, err := patch.partial()
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if p.IsZero() {
		s.writeError(w, r, fmt.Errorf("%w: no fields to update", errBadRequest))
		return
	}
	cfg, err := s.deps.Scheduler.UpdateJobConfig(name, p)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.log.Info("job config updated", logx.String("job", name), logx.String("caller", callerID(r)))
	writeJSON(w, http.StatusOK, map[string]any{"job": name, "config": viewConfig(cfg)})
}

func (s *Server) handleReset(w http.ResponseWriter, r *http.Request) {
	if !s.limit(w, r, ratelimit.KindReset) {
		return
	}
	res, err := s.deps.Scheduler.ResetCircuitBreaker(r.PathValue("name"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleResetAll(w http.ResponseWriter, r *http.Request) {
	if !s.limit(w, r, ratelimit.KindReset) {
		return
	}
	writeJSON(w, http.StatusOK, s.deps.Scheduler.ResetAllCircuitBreakers())
}

// handleAutoHeal scores current health and lets the guard decide. The guard enforces its
// own cooldown; the trigger limit only protects against request floods.
func (s *Server) handleAutoHeal(w http.ResponseWriter, r *http.Request) {
	if s.deps.Healer == nil {
		writeJSON(w, http.StatusNotFound, errorBody{Error: "auto-heal is not configured", Code: "disabled"})
		return
	}
	if !s.limit(w, r, ratelimit.KindTrigger) {
		return
	}
	report := health.Score(s.deps.Scheduler.Status())
	dec := s.deps.Healer.MaybeAutoHeal(context.WithoutCancel(r.Context()), report.Score, s.now())
	writeJSON(w, http.StatusOK, map[string]any{"health": report, "decision": dec})
}
