package jobs

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
)

// Func is a job body. It must honour ctx cancellation to be abandoned cleanly on timeout.
type Func func(ctx context.Context) error

// Definition is a registered job.
type Definition struct {
	Name      string
	Func      Func
	Overrides Partial
}

// Registry holds job definitions and their config overrides.
//
// Config changes are in-memory only; runs capture the effective config when they start,
// so an update takes effect on the next run.
type Registry struct {
	mu   sync.RWMutex
	def  Config
	jobs map[string]*Definition
}

// NewRegistry returns a registry whose "default" entry is def.
func NewRegistry(def Config) (*Registry, error) {
	if err := def.Validate(DefaultName); err != nil {
		return nil, err
	}
	return &Registry{def: def, jobs: map[string]*Definition{}}, nil
}

// Register adds a job. The merged config must be valid.
func (r *Registry) Register(name string, fn Func, overrides Partial) error {
	name = strings.TrimSpace(name)
	if name == "" || name == DefaultName {
		return &ValidationError{Field: "name", Value: name, Reason: "reserved or empty job name"}
	}
	if fn == nil {
		return &ValidationError{Job: name, Field: "func", Value: nil, Reason: "job function required"}
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.jobs[name]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateJob, name)
	}
	if err := Merge(r.def, overrides).Validate(name); err != nil {
		return err
	}
	r.jobs[name] = &Definition{Name: name, Func: fn, Overrides: overrides}
	return nil
}

// Has reports whether name is registered.
func (r *Registry) Has(name string) bool {
	r.mu.RLock()
	_, ok := r.jobs[name]
	r.mu.RUnlock()
	return ok
}

// Config returns the effective config. Config("default") returns the default entry.
func (r *Registry) Config(name string) (Config, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if name == DefaultName {
		return r.def, nil
	}
	d, ok := r.jobs[name]
	if !ok {
		return Config{}, UnknownJobError(name)
	}
	return Merge(r.def, d.Overrides), nil
}

// Lookup returns the job body together with a snapshot of its effective config.
func (r *Registry) Lookup(name string) (Func, Config, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.jobs[name]
	if !ok {
		return nil, Config{}, UnknownJobError(name)
	}
	return d.Func, Merge(r.def, d.Overrides), nil
}

// UpdateConfig merges p into the job's overrides and returns the new effective config.
// On validation failure nothing changes. Updating "default" revalidates every job.
func (r *Registry) UpdateConfig(name string, p Partial) (Config, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if name == DefaultName {
		next := Merge(r.def, p)
		if err := next.Validate(DefaultName); err != nil {
			return r.def, err
		}
		for _, jobName := range r.sortedNamesLocked() {
			if err := Merge(next, r.jobs[jobName].Overrides).Validate(jobName); err != nil {
				return r.def, err
			}
		}
		r.def = next
		return next, nil
	}

	d, ok := r.jobs[name]
	if !ok {
		return Config{}, UnknownJobError(name)
	}
	merged := d.Overrides.Overlay(p)
	eff := Merge(r.def, merged)
	if err := eff.Validate(name); err != nil {
		return Merge(r.def, d.Overrides), err
	}
	d.Overrides = merged
	return eff, nil
}

// Names returns registered job names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.sortedNamesLocked()
}

// Configs returns every effective config keyed by name, including "default".
func (r *Registry) Configs() map[string]Config {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]Config, len(r.jobs)+1)
	out[DefaultName] = r.def
	for name, d := range r.jobs {
		out[name] = Merge(r.def, d.Overrides)
	}
	return out
}

func (r *Registry) sortedNamesLocked() []string {
	out := make([]string, 0, len(r.jobs))
	for name := range r.jobs {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}
