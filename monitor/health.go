package monitor

import (
	"context"
	"sync"
	"time"
)

// Status is a health verdict.
type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusDegraded  Status = "degraded"
	StatusUnhealthy Status = "unhealthy"
)

// CheckResult is the outcome of one health check.
type CheckResult struct {
	Name      string         `json:"name"`
	Status    Status         `json:"status"`
	Message   string         `json:"message,omitempty"`
	Duration  time.Duration  `json:"duration"`
	Details   map[string]any `json:"details,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
	Error     string         `json:"error,omitempty"`
}

// OverallHealth aggregates every check: unhealthy dominates degraded, which
// dominates healthy.
type OverallHealth struct {
	Status    Status                 `json:"status"`
	Timestamp time.Time              `json:"timestamp"`
	Duration  time.Duration          `json:"duration"`
	Checks    map[string]CheckResult `json:"checks"`
}

// Healthy reports whether the system is fully up.
func (h OverallHealth) Healthy() bool {
	return h.Status == StatusHealthy
}

// Failing lists the names of the checks that are not healthy.
func (h OverallHealth) Failing() []string {
	var names []string
	for name, check := range h.Checks {
		if check.Status != StatusHealthy {
			names = append(names, name)
		}
	}
	return names
}

// Checker is one health probe.
type Checker interface {
	Name() string
	Check(ctx context.Context) CheckResult
}

// CheckerFunc adapts a function to the Checker interface.
type CheckerFunc struct {
	name string
	fn   func(ctx context.Context) CheckResult
}

// NewCheckerFunc wraps fn as a named Checker.
func NewCheckerFunc(name string, fn func(ctx context.Context) CheckResult) *CheckerFunc {
	return &CheckerFunc{name: name, fn: fn}
}

func (c *CheckerFunc) Name() string { return c.name }

func (c *CheckerFunc) Check(ctx context.Context) CheckResult { return c.fn(ctx) }

// Registry runs registered checkers concurrently and aggregates the results.
type Registry struct {
	mu       sync.RWMutex
	checkers map[string]Checker
	timeout  time.Duration
}

// NewRegistry builds an empty registry. Each check runs under its own
// timeout so one hung probe cannot stall the rest.
func NewRegistry(timeout time.Duration) *Registry {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Registry{checkers: make(map[string]Checker), timeout: timeout}
}

// Register adds a checker, replacing any previous one with the same name.
func (r *Registry) Register(checker Checker) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.checkers[checker.Name()] = checker
}

// Unregister removes a checker by name.
func (r *Registry) Unregister(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.checkers, name)
}

// Check runs every registered checker concurrently.
func (r *Registry) Check(ctx context.Context) OverallHealth {
	start := time.Now()

	r.mu.RLock()
	checkers := make([]Checker, 0, len(r.checkers))
	for _, c := range r.checkers {
		checkers = append(checkers, c)
	}
	r.mu.RUnlock()

	results := make(chan CheckResult, len(checkers))
	var wg sync.WaitGroup
	for _, checker := range checkers {
		wg.Add(1)
		go func(c Checker) {
			defer wg.Done()
			checkCtx, cancel := context.WithTimeout(ctx, r.timeout)
			defer cancel()
			results <- r.run(checkCtx, c)
		}(checker)
	}
	wg.Wait()
	close(results)

	overall := OverallHealth{
		Status:    StatusHealthy,
		Timestamp: start.UTC(),
		Checks:    make(map[string]CheckResult, len(checkers)),
	}
	for res := range results {
		overall.Checks[res.Name] = res
		switch res.Status {
		case StatusUnhealthy:
			overall.Status = StatusUnhealthy
		case StatusDegraded:
			if overall.Status == StatusHealthy {
				overall.Status = StatusDegraded
			}
		}
	}
	overall.Duration = time.Since(start)
	return overall
}

// run shields the registry from a panicking checker.
func (r *Registry) run(ctx context.Context, c Checker) (res CheckResult) {
	start := time.Now()
	defer func() {
		if rec := recover(); rec != nil {
			res = CheckResult{
				Name:      c.Name(),
				Status:    StatusUnhealthy,
				Error:     "checker panicked",
				Duration:  time.Since(start),
				Timestamp: start.UTC(),
			}
		}
	}()
	res = c.Check(ctx)
	res.Name = c.Name()
	res.Duration = time.Since(start)
	res.Timestamp = start.UTC()
	return res
}
