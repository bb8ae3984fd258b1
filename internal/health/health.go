// Package health aggregates readiness probes for the subsystems the entry
// service depends on.
package health

import (
	"context"
	"sync"
	"time"
)

// DefaultCheckTimeout bounds a single subsystem probe.
const DefaultCheckTimeout = 3 * time.Second

// Check probes one subsystem. A nil error means healthy.
type Check func(ctx context.Context) error

// Result is the outcome of one subsystem probe.
type Result struct {
	Name    string `json:"name"`
	Healthy bool   `json:"healthy"`
	Detail  string `json:"detail,omitempty"`

	Elapsed time.Duration `json:"-"`
}

// Registry holds named checks and runs them concurrently on demand.
type Registry struct {
	timeout time.Duration

	mu     sync.RWMutex
	checks []namedCheck
}

type namedCheck struct {
	name  string
	check Check
}

// NewRegistry creates an empty registry with the default per-check timeout.
func NewRegistry() *Registry {
	return &Registry{timeout: DefaultCheckTimeout}
}

// Register adds a named check. Register each subsystem once.
func (r *Registry) Register(name string, check Check) {
	r.mu.Lock()
	r.checks = append(r.checks, namedCheck{name: name, check: check})
	r.mu.Unlock()
}

// CheckAll runs every registered check concurrently, each bounded by the
// per-check timeout, and returns the aggregate health plus per-subsystem
// results in registration order.
func (r *Registry) CheckAll(ctx context.Context) (bool, []Result) {
	r.mu.RLock()
	checks := make([]namedCheck, len(r.checks))
	copy(checks, r.checks)
	r.mu.RUnlock()

	results := make([]Result, len(checks))

	var wg sync.WaitGroup
	for i, nc := range checks {
		wg.Add(1)
		go func(i int, nc namedCheck) {
			defer wg.Done()

			cctx, cancel := context.WithTimeout(ctx, r.timeout)
			defer cancel()

			start := time.Now()
			err := nc.check(cctx)

			res := Result{Name: nc.name, Healthy: err == nil, Elapsed: time.Since(start)}
			if err != nil {
				res.Detail = err.Error()
			}
			results[i] = res
		}(i, nc)
	}
	wg.Wait()

	healthy := true
	for _, res := range results {
		if !res.Healthy {
			healthy = false
		}
	}
	return healthy, results
}
