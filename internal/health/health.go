// Package health answers the spendgate readiness probes. Subsystem
// checkers are registered at startup; in postgres mode the database ping
// is the only one, and dev mode runs with an empty registry, which always
// reports healthy.
package health

import (
	"context"
	"sync"
)

// Status is the outcome of one subsystem check, serialized as-is into the
// /health response.
type Status struct {
	Name    string `json:"name"`
	Healthy bool   `json:"healthy"`
	Detail  string `json:"detail,omitempty"`
}

// Checker probes one subsystem. It must honor ctx: the health handler
// runs every checker under a single deadline.
type Checker func(ctx context.Context) Status

// Ping adapts an error-returning probe, such as sql.DB.PingContext, into
// a Checker. The error text becomes the status detail.
func Ping(name string, probe func(ctx context.Context) error) Checker {
	return func(ctx context.Context) Status {
		if err := probe(ctx); err != nil {
			return Status{Name: name, Healthy: false, Detail: err.Error()}
		}
		return Status{Name: name, Healthy: true}
	}
}

// Registry holds named checkers and runs them on demand.
type Registry struct {
	mu       sync.RWMutex
	checkers []namedChecker
}

type namedChecker struct {
	name  string
	check Checker
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{}
}

// Register adds a checker. Checks run in registration order.
func (r *Registry) Register(name string, check Checker) {
	r.mu.Lock()
	r.checkers = append(r.checkers, namedChecker{name: name, check: check})
	r.mu.Unlock()
}

// CheckAll runs every registered checker. A single unhealthy subsystem
// marks the whole process unhealthy.
func (r *Registry) CheckAll(ctx context.Context) (healthy bool, statuses []Status) {
	r.mu.RLock()
	checkers := make([]namedChecker, len(r.checkers))
	copy(checkers, r.checkers)
	r.mu.RUnlock()

	healthy = true
	statuses = make([]Status, len(checkers))

	for i, nc := range checkers {
		statuses[i] = nc.check(ctx)
		if !statuses[i].Healthy {
			healthy = false
		}
	}

	return healthy, statuses
}
