// Package health aggregates liveness probes for the pipeline's external
// dependencies. A component is a named probe; the checker runs them all
// and reports degraded when any probe fails.
package health

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Probe checks one dependency. It must respect the context deadline.
type Probe func(ctx context.Context) error

// Report is the /healthz response body.
type Report struct {
	Status     string            `json:"status"` // "ok" or "degraded"
	Components map[string]string `json:"components"`
}

// Healthy reports whether every component probe passed.
func (r Report) Healthy() bool { return r.Status == "ok" }

// Checker runs registered probes concurrently with a shared deadline.
type Checker struct {
	mu     sync.RWMutex
	probes map[string]Probe
}

// NewChecker returns an empty checker.
func NewChecker() *Checker {
	return &Checker{probes: make(map[string]Probe)}
}

// Register adds a named component probe. Registering the same name twice
// replaces the earlier probe.
func (c *Checker) Register(name string, probe Probe) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.probes[name] = probe
}

// Check runs every probe and folds the results into a Report. Probe
// failures degrade the report but never panic the caller.
func (c *Checker) Check(ctx context.Context) Report {
	c.mu.RLock()
	names := make([]string, 0, len(c.probes))
	probes := make([]Probe, 0, len(c.probes))
	for name, probe := range c.probes {
		names = append(names, name)
		probes = append(probes, probe)
	}
	c.mu.RUnlock()

	report := Report{Status: "ok", Components: make(map[string]string, len(names))}

	type outcome struct {
		name string
		err  error
	}
	results := make(chan outcome, len(names))

	var wg sync.WaitGroup
	for i := range probes {
		wg.Add(1)
		go func(name string, probe Probe) {
			defer wg.Done()
			start := time.Now()
			err := probe(ctx)
			if err != nil {
				slog.Warn("Health probe failed", "component", name, "elapsed", time.Since(start), "error", err)
			}
			results <- outcome{name: name, err: err}
		}(names[i], probes[i])
	}
	wg.Wait()
	close(results)

	for res := range results {
		if res.err != nil {
			report.Status = "degraded"
			report.Components[res.name] = res.err.Error()
		} else {
			report.Components[res.name] = "ok"
		}
	}
	return report
}
