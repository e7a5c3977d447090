// Package routesource loads the longest-prefix-match routing table from a
// pluggable backend (a local JSON file, or a polled Azure Blob) and drives
// pkg/lpm.Stage.Build with it, the way the teacher's output adapters drove
// a destination client from a config struct: one small interface
// (Source.Load) per backend, one Controller wiring any of them to the
// pipeline and to the control-plane API.
package routesource

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"routerd/internal/metrics"
	"routerd/pkg/lpm"
	"routerd/pkg/pipeline"
)

// Source loads the current routing table from a backend. Implementations
// live in subpackages (static, azureblob).
type Source interface {
	Load(ctx context.Context) ([]lpm.Route, error)
}

// HealthChecker is implemented by sources that have a live dependency worth
// probing at startup (e.g. azureblob's storage client).
type HealthChecker interface {
	HealthCheck(ctx context.Context) error
}

// Builder is the subset of *lpm.Stage the controller drives.
type Builder interface {
	Build(ctx context.Context, routes []lpm.Route) error
}

// Controller polls a Source on an interval (if non-zero) and rebuilds the
// bound LPM stage's table, guarding backend reads with a circuit breaker so
// a flaky blob store can't wedge the polling loop in a tight retry storm.
// It satisfies both internal/api.RouteController and
// internal/diagnostics/selfcheck's RouteSource dependency.
type Controller struct {
	log      *zap.Logger
	source   Source
	builder  Builder
	interval time.Duration
	cb       *pipeline.CircuitBreaker

	mu    sync.RWMutex
	count int
}

// New constructs a Controller. interval of zero means the table is loaded
// once at Reload time and never polled again (suitable for the static
// source).
func New(source Source, builder Builder, interval time.Duration, log *zap.Logger) *Controller {
	if log == nil {
		log = zap.NewNop()
	}
	return &Controller{
		log:      log,
		source:   source,
		builder:  builder,
		interval: interval,
		cb:       pipeline.NewCircuitBreaker("routesource", 5, 30*time.Second, 2),
	}
}

// Reload loads the table from the source through the circuit breaker and
// rebuilds the bound LPM stage. Satisfies internal/api.RouteController.
func (c *Controller) Reload(ctx context.Context) error {
	var routes []lpm.Route
	err := c.cb.Execute(func() error {
		r, loadErr := c.source.Load(ctx)
		if loadErr != nil {
			return loadErr
		}
		routes = r
		return nil
	})
	if err != nil {
		metrics.RouteReloads.WithLabelValues("error").Inc()
		return fmt.Errorf("routesource: load: %w", err)
	}
	if err := c.builder.Build(ctx, routes); err != nil {
		metrics.RouteReloads.WithLabelValues("error").Inc()
		return fmt.Errorf("routesource: build: %w", err)
	}
	c.mu.Lock()
	c.count = len(routes)
	c.mu.Unlock()
	metrics.RouteReloads.WithLabelValues("ok").Inc()
	c.log.Info("route table reloaded", zap.Int("routes", len(routes)))
	return nil
}

// RouteCount returns the number of routes installed at the last successful
// Reload. Satisfies internal/api.RouteController.
func (c *Controller) RouteCount() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.count
}

// HealthCheck delegates to the source when it implements HealthChecker
// (azureblob does, static doesn't), satisfying selfcheck.Dependencies.
func (c *Controller) HealthCheck(ctx context.Context) error {
	if hc, ok := c.source.(HealthChecker); ok {
		return hc.HealthCheck(ctx)
	}
	return nil
}

// Run loads the table once, then — if interval is non-zero — polls it on
// that interval in a background goroutine until ctx is done. Poll failures
// are logged, not fatal: the stage keeps serving the last good table.
func (c *Controller) Run(ctx context.Context) error {
	if err := c.Reload(ctx); err != nil {
		return err
	}
	if c.interval <= 0 {
		return nil
	}
	go func() {
		ticker := time.NewTicker(c.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := c.Reload(ctx); err != nil {
					c.log.Warn("route table poll failed, keeping last good table", zap.Error(err))
				}
			}
		}
	}()
	return nil
}
