package metrics

import "sync"

// Recorder is an in-memory Sink. Tests across packages use it to assert on emitted metrics.
type Recorder struct {
	mu sync.Mutex

	runs     map[string]map[string]int // job -> status -> count
	errors   map[string]map[string]int // job -> type -> count
	timeouts map[string]int
	retries  map[string]int
	states   map[string]string
	trips    map[string]int
	resets   map[string]map[string]int // job -> kind -> count
	autoHeal map[string]int
}

func NewRecorder() *Recorder {
	return &Recorder{
		runs:     map[string]map[string]int{},
		errors:   map[string]map[string]int{},
		timeouts: map[string]int{},
		retries:  map[string]int{},
		states:   map[string]string{},
		trips:    map[string]int{},
		resets:   map[string]map[string]int{},
		autoHeal: map[string]int{},
	}
}

func bump(m map[string]map[string]int, k1, k2 string) {
	inner := m[k1]
	if inner == nil {
		inner = map[string]int{}
		m[k1] = inner
	}
	inner[k2]++
}

func (r *Recorder) RecordCronJobRun(job, status string, _ float64) {
	r.mu.Lock()
	bump(r.runs, job, status)
	r.mu.Unlock()
}

func (r *Recorder) RecordCronJobError(job, errorType string) {
	r.mu.Lock()
	bump(r.errors, job, errorType)
	r.mu.Unlock()
}

func (r *Recorder) RecordCronJobTimeout(job string) {
	r.mu.Lock()
	r.timeouts[job]++
	r.mu.Unlock()
}

func (r *Recorder) RecordCronJobRetry(job string) {
	r.mu.Lock()
	r.retries[job]++
	r.mu.Unlock()
}

func (r *Recorder) SetCircuitBreakerState(job, state string) {
	r.mu.Lock()
	r.states[job] = state
	r.mu.Unlock()
}

func (r *Recorder) RecordCircuitBreakerTrip(job string) {
	r.mu.Lock()
	r.trips[job]++
	r.mu.Unlock()
}

func (r *Recorder) RecordCircuitBreakerReset(job, kind string) {
	r.mu.Lock()
	bump(r.resets, job, kind)
	r.mu.Unlock()
}

func (r *Recorder) RecordAutoHeal(outcome string) {
	r.mu.Lock()
	r.autoHeal[outcome]++
	r.mu.Unlock()
}

func (r *Recorder) Runs(job, status string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.runs[job][status]
}

func (r *Recorder) Errors(job, errorType string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.errors[job][errorType]
}

func (r *Recorder) Timeouts(job string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.timeouts[job]
}

func (r *Recorder) Retries(job string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.retries[job]
}

func (r *Recorder) State(job string) string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.states[job]
}

func (r *Recorder) Trips(job string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.trips[job]
}

func (r *Recorder) Resets(job, kind string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.resets[job][kind]
}

func (r *Recorder) AutoHeals(outcome string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.autoHeal[outcome]
}
