// Package health probes controller components and aggregates a report.
package health

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// Status represents the health status of a component
type Status string

const (
	StatusOK       Status = "ok"
	StatusDegraded Status = "degraded"
	StatusCritical Status = "critical"
	StatusUnknown  Status = "unknown"
)

// rank orders statuses for worst-wins aggregation
func rank(s Status) int {
	switch s {
	case StatusCritical:
		return 3
	case StatusDegraded:
		return 2
	case StatusUnknown:
		return 1
	default:
		return 0
	}
}

// Result represents the result of one component probe
type Result struct {
	Component string        `json:"component"`
	Status    Status        `json:"status"`
	Message   string        `json:"message"`
	Details   interface{}   `json:"details,omitempty"`
	Duration  time.Duration `json:"duration"`
	Timestamp time.Time     `json:"timestamp"`
}

// Report contains all component results plus controller identity
type Report struct {
	Timestamp     time.Time         `json:"timestamp"`
	Overall       Status            `json:"overall"`
	Components    map[string]Result `json:"components"`
	SchemaVersion int               `json:"schema_version"`
	Uptime        time.Duration     `json:"uptime"`
}

// Check defines the interface for component probes
type Check interface {
	Name() string
	Run(ctx context.Context) Result
}

// CheckFn adapts a plain function to the Check interface. The function
// returns the status and a human message; timing is filled in here.
type CheckFn struct {
	Component string
	Fn        func(ctx context.Context) (Status, string)
}

// Name returns the component name
func (c CheckFn) Name() string { return c.Component }

// Run executes the probe
func (c CheckFn) Run(ctx context.Context) Result {
	start := time.Now()
	status, msg := c.Fn(ctx)
	return Result{
		Component: c.Component,
		Status:    status,
		Message:   msg,
		Duration:  time.Since(start),
		Timestamp: start,
	}
}

// Checker runs registered component probes
type Checker struct {
	mu            sync.Mutex
	checks        []Check
	started       time.Time
	schemaVersion int
}

// NewChecker creates a checker. Uptime is measured from started.
func NewChecker(started time.Time, schemaVersion int) *Checker {
	return &Checker{started: started, schemaVersion: schemaVersion}
}

// Register adds component probes. Safe to call during startup while other
// goroutines already serve Run.
func (c *Checker) Register(checks ...Check) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.checks = append(c.checks, checks...)
}

// Run executes all probes and returns a report
func (c *Checker) Run(ctx context.Context) *Report {
	c.mu.Lock()
	checks := make([]Check, len(c.checks))
	copy(checks, c.checks)
	c.mu.Unlock()

	start := time.Now()
	report := &Report{
		Timestamp:     start,
		Overall:       StatusOK,
		Components:    make(map[string]Result, len(checks)),
		SchemaVersion: c.schemaVersion,
		Uptime:        time.Since(c.started),
	}

	for _, check := range checks {
		result := check.Run(ctx)
		report.Components[check.Name()] = result

		// Worst wins.
		if rank(result.Status) > rank(report.Overall) {
			report.Overall = result.Status
		}
	}

	return report
}

// RunCheck runs a single probe by component name
func (c *Checker) RunCheck(ctx context.Context, name string) (*Result, error) {
	c.mu.Lock()
	checks := make([]Check, len(c.checks))
	copy(checks, c.checks)
	c.mu.Unlock()

	for _, check := range checks {
		if check.Name() == name {
			result := check.Run(ctx)
			return &result, nil
		}
	}
	return nil, fmt.Errorf("health check '%s' not found", name)
}
