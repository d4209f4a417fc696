// Copyright 2025 KrakLabs
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published
// by the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program. If not, see <https://www.gnu.org/licenses/>.
//
// For commercial licensing, contact: licensing@kraklabs.com
//
// SPDX-License-Identifier: AGPL-3.0-or-later

package collector

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/panjf2000/ants/v2"

	"github.com/kraklabs/trendwatch/internal/metrics"
	"github.com/kraklabs/trendwatch/pkg/collector/ratelimit"
	"github.com/kraklabs/trendwatch/pkg/collector/sandbox"
	"github.com/kraklabs/trendwatch/pkg/config"
	"github.com/kraklabs/trendwatch/pkg/model"
	"github.com/kraklabs/trendwatch/pkg/trenderr"
)

// HealthStore is the slice of the plugin-health repository the runtime
// needs.
type HealthStore interface {
	Get(ctx context.Context, name string) (*model.PluginHealth, error)
	GetAll(ctx context.Context) ([]model.PluginHealth, error)
	Upsert(ctx context.Context, h model.PluginHealth) error
}

// SourceStore is the slice of the source repository the runtime needs for
// dynamic loading.
type SourceStore interface {
	List(ctx context.Context, enabledOnly bool) ([]model.CollectorSource, error)
	SetEnabled(ctx context.Context, name string, enabled bool) error
}

// RunResult carries one plugin run's output.
type RunResult struct {
	Plugin   string
	Items    []model.RawItem
	Err      error
	Duration time.Duration
}

// Runtime runs collectors: rate limiting, retry with backoff, health
// recording, no-overlap per plugin, and parallel execution across plugins.
type Runtime struct {
	cfg      config.CollectorsConfig
	registry *Registry
	limiter  ratelimit.Limiter
	health   HealthStore
	sources  SourceStore
	box      *sandbox.Sandbox
	logger   *slog.Logger

	// inflight guards per-plugin concurrency: one run per plugin at a time.
	mu       sync.Mutex
	inflight map[string]bool
}

// NewRuntime wires the runtime. sources may be nil for deployments with
// only static collectors.
func NewRuntime(cfg config.CollectorsConfig, registry *Registry, limiter ratelimit.Limiter, health HealthStore, sources SourceStore, box *sandbox.Sandbox, logger *slog.Logger) *Runtime {
	if logger == nil {
		logger = slog.Default()
	}
	return &Runtime{
		cfg:      cfg,
		registry: registry,
		limiter:  limiter,
		health:   health,
		sources:  sources,
		box:      box,
		logger:   logger,
		inflight: make(map[string]bool),
	}
}

// Registry exposes the underlying registry for admin operations.
func (rt *Runtime) Registry() *Registry { return rt.registry }

// defaults returns the metadata defaults applied to DB-defined sources.
func (rt *Runtime) defaults() Metadata {
	return Metadata{
		Schedule:   "",
		RateLimit:  rt.cfg.DefaultRateLimit,
		Timeout:    rt.cfg.DefaultTimeout,
		RetryCount: rt.cfg.DefaultRetryCount,
	}
}

// LoadDBDefined reads collector sources from the metadata store and
// registers a collector per row. Custom sources that fail sandbox
// validation are skipped and their failure is recorded in plugin health;
// one bad plugin never blocks the rest of the catalog.
func (rt *Runtime) LoadDBDefined(ctx context.Context) ([]string, error) {
	if rt.sources == nil {
		return nil, nil
	}
	sources, err := rt.sources.List(ctx, false)
	if err != nil {
		return nil, fmt.Errorf("load sources: %w", err)
	}

	var loaded []string
	for _, src := range sources {
		c, err := rt.buildCollector(src)
		if err != nil {
			rt.logger.Warn("collector.load.error", "source", src.Name, "err", err)
			rt.recordFailure(ctx, src.Name, err)
			continue
		}
		rt.registry.RegisterStatic(c)
		loaded = append(loaded, src.Name)
	}

	rt.logger.Info("collector.load.complete", "loaded", len(loaded), "total", len(sources))
	return loaded, nil
}

// buildCollector instantiates the built-in collector for a source type, or
// a sandboxed custom collector.
func (rt *Runtime) buildCollector(src model.CollectorSource) (Collector, error) {
	defaults := rt.defaults()
	switch src.Type {
	case model.SourceRSS:
		return NewRSS(src, defaults), nil
	case model.SourceReddit:
		return NewReddit(src, defaults), nil
	case model.SourceYouTube:
		return NewYouTube(src, defaults), nil
	case model.SourceTwitter:
		return NewTwitter(src, defaults), nil
	case model.SourceHackerNews:
		return NewHackerNews(src, defaults, 0), nil
	case model.SourceCustom:
		if rt.box == nil {
			return nil, trenderr.Validation.New("custom sources require a sandbox")
		}
		return NewCustom(src, defaults, rt.box)
	default:
		return nil, trenderr.Validation.New("unknown source type %q", src.Type)
	}
}

// Run executes one plugin by name. force bypasses the rate limiter but
// never the no-overlap guard. Failures are recorded in plugin health and
// returned; they do not panic and never abort sibling plugins.
func (rt *Runtime) Run(ctx context.Context, name string, force bool) ([]model.RawItem, error) {
	c, ok := rt.registry.Get(name)
	if !ok {
		return nil, trenderr.NotFound.New("collector %q", name)
	}

	if !rt.acquire(name) {
		return nil, trenderr.AlreadyRunning.New("collector %q", name)
	}
	defer rt.release(name)

	meta := c.Metadata()

	if !force {
		allowed, err := rt.limiter.CheckAllowed(ctx, name, meta.RateLimit)
		if err != nil {
			return nil, err
		}
		if !allowed {
			return nil, trenderr.RateLimited.New("collector %q exhausted %d requests/hour", name, meta.RateLimit)
		}
	}

	start := time.Now()
	items, err := rt.collectWithRetry(ctx, c, meta)
	duration := time.Since(start)

	metrics.CollectorRuns.WithLabelValues(name, outcome(err)).Inc()
	metrics.CollectorRunDuration.WithLabelValues(name).Observe(duration.Seconds())

	if err != nil {
		rt.logger.Warn("collector.run.error",
			"plugin", name,
			"err", err,
			"error_tag", trenderr.Tag(err),
			"duration_ms", duration.Milliseconds(),
		)
		rt.recordFailure(ctx, name, err)
		return nil, err
	}

	kept := items[:0]
	for _, item := range items {
		if c.Validate(item) {
			kept = append(kept, item)
		}
	}

	rt.logger.Info("collector.run.complete",
		"plugin", name,
		"items", len(kept),
		"dropped", len(items)-len(kept),
		"duration_ms", duration.Milliseconds(),
	)
	rt.recordSuccess(ctx, name)
	metrics.CollectorItems.WithLabelValues(name).Add(float64(len(kept)))
	return kept, nil
}

// collectWithRetry applies the failure semantics: transient and rate-limit
// errors retry with exponential backoff up to the plugin's budget, resource
// exhaustion retries once, sandbox violations and parse errors never retry.
// Rate-limit errors carrying a server-advertised retry-after (a 429 with a
// Retry-After header) wait that long instead of the computed backoff.
func (rt *Runtime) collectWithRetry(ctx context.Context, c Collector, meta Metadata) ([]model.RawItem, error) {
	runOnce := func() ([]model.RawItem, error) {
		runCtx := ctx
		if meta.Timeout > 0 {
			var cancel context.CancelFunc
			runCtx, cancel = context.WithTimeout(ctx, meta.Timeout)
			defer cancel()
		}
		return c.Collect(runCtx)
	}

	var items []model.RawItem
	attempts := meta.RetryCount + 1
	resourceRetried := false

	err := trenderr.Retry(ctx, trenderr.RetryConfig{
		MaxAttempts: attempts,
		BaseDelay:   rt.cfg.RetryBaseDelay,
		MaxDelay:    time.Minute,
		RetryOn: func(err error) bool {
			if trenderr.SandboxSecurity.Has(err) {
				return false
			}
			if trenderr.ResourceExhausted.Has(err) {
				// Retryable once, then fatal for this run.
				if resourceRetried {
					return false
				}
				resourceRetried = true
				return true
			}
			return trenderr.Transient.Has(err) || trenderr.RateLimited.Has(err)
		},
	}, func() error {
		var err error
		items, err = runOnce()
		return err
	})
	return items, err
}

// CollectAll runs every enabled, healthy plugin in parallel on a worker
// pool and returns per-plugin results. Unhealthy plugins are skipped, not
// deleted; one plugin's failure never affects another's run.
func (rt *Runtime) CollectAll(ctx context.Context, force bool) []RunResult {
	names := rt.dueNames(ctx)

	pool, err := ants.NewPool(rt.workers())
	if err != nil {
		// Pool construction only fails on invalid size; fall back to serial.
		results := make([]RunResult, 0, len(names))
		for _, name := range names {
			results = append(results, rt.runOne(ctx, name, force))
		}
		return results
	}
	defer pool.Release()

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		results = make([]RunResult, 0, len(names))
	)
	for _, name := range names {
		name := name
		wg.Add(1)
		if err := pool.Submit(func() {
			defer wg.Done()
			res := rt.runOne(ctx, name, force)
			mu.Lock()
			results = append(results, res)
			mu.Unlock()
		}); err != nil {
			wg.Done()
		}
	}
	wg.Wait()

	sort.Slice(results, func(i, j int) bool { return results[i].Plugin < results[j].Plugin })
	return results
}

func (rt *Runtime) runOne(ctx context.Context, name string, force bool) RunResult {
	start := time.Now()
	items, err := rt.Run(ctx, name, force)
	return RunResult{Plugin: name, Items: items, Err: err, Duration: time.Since(start)}
}

// dueNames returns enabled plugins that are healthy enough to run.
func (rt *Runtime) dueNames(ctx context.Context) []string {
	var names []string
	for _, name := range rt.registry.Names() {
		if !rt.registry.Enabled(name) {
			continue
		}
		if h, err := rt.health.Get(ctx, name); err == nil && !h.IsHealthy {
			rt.logger.Debug("collector.skip.unhealthy", "plugin", name,
				"consecutive_failures", h.ConsecutiveFailures)
			continue
		}
		names = append(names, name)
	}
	return names
}

func (rt *Runtime) workers() int {
	if rt.cfg.Workers > 0 {
		return rt.cfg.Workers
	}
	return 4
}

// StatusAll merges registry metadata with durable health records.
func (rt *Runtime) StatusAll(ctx context.Context) ([]Status, error) {
	healthByName := make(map[string]*model.PluginHealth)
	if all, err := rt.health.GetAll(ctx); err == nil {
		for i := range all {
			healthByName[all[i].PluginName] = &all[i]
		}
	}

	rt.mu.Lock()
	running := make(map[string]bool, len(rt.inflight))
	for name, v := range rt.inflight {
		running[name] = v
	}
	rt.mu.Unlock()

	var statuses []Status
	for _, name := range rt.registry.Names() {
		c, _ := rt.registry.Get(name)
		meta := c.Metadata()
		meta.Enabled = rt.registry.Enabled(name)
		statuses = append(statuses, Status{
			Metadata: meta,
			Health:   healthByName[name],
			Running:  running[name],
		})
	}
	return statuses, nil
}

// ResetHealth clears a plugin's failure state; the admin escape hatch after
// an upstream outage.
func (rt *Runtime) ResetHealth(ctx context.Context, name string) error {
	h, err := rt.health.Get(ctx, name)
	if err != nil {
		if trenderr.NotFound.Has(err) {
			h = &model.PluginHealth{PluginName: name, IsHealthy: true}
		} else {
			return err
		}
	}
	h.Reset()
	return rt.health.Upsert(ctx, *h)
}

// TestConnection makes one probe call against a source definition and
// reports success plus latency. Used by the admin surface before saving.
func (rt *Runtime) TestConnection(ctx context.Context, src model.CollectorSource) (time.Duration, error) {
	c, err := rt.buildCollector(src)
	if err != nil {
		return 0, err
	}
	probeCtx, cancel := context.WithTimeout(ctx, rt.cfg.RequestTimeout)
	defer cancel()

	start := time.Now()
	_, err = c.Collect(probeCtx)
	return time.Since(start), err
}

func (rt *Runtime) acquire(name string) bool {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	if rt.inflight[name] {
		return false
	}
	rt.inflight[name] = true
	return true
}

func (rt *Runtime) release(name string) {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	delete(rt.inflight, name)
}

func (rt *Runtime) recordSuccess(ctx context.Context, name string) {
	h := rt.loadHealth(ctx, name)
	h.RecordSuccess(time.Now().UTC(), rt.cfg.FailureThreshold, rt.cfg.SuccessRateFloor)
	if err := rt.health.Upsert(ctx, *h); err != nil {
		rt.logger.Warn("collector.health.upsert.error", "plugin", name, "err", err)
	}
}

func (rt *Runtime) recordFailure(ctx context.Context, name string, runErr error) {
	h := rt.loadHealth(ctx, name)
	h.RecordFailure(time.Now().UTC(), runErr.Error(), rt.cfg.FailureThreshold, rt.cfg.SuccessRateFloor)
	if err := rt.health.Upsert(ctx, *h); err != nil {
		rt.logger.Warn("collector.health.upsert.error", "plugin", name, "err", err)
	}

	// Sandbox violations and resource exhaustion auto-disable the plugin
	// once the threshold is hit.
	if trenderr.IsFatalForPlugin(runErr) && h.ConsecutiveFailures >= rt.cfg.FailureThreshold {
		rt.registry.DisableByName(name)
		if rt.sources != nil {
			if err := rt.sources.SetEnabled(ctx, name, false); err != nil && !trenderr.NotFound.Has(err) {
				rt.logger.Warn("collector.disable.error", "plugin", name, "err", err)
			}
		}
		rt.logger.Warn("collector.auto_disabled", "plugin", name,
			"consecutive_failures", h.ConsecutiveFailures)
	}
}

func (rt *Runtime) loadHealth(ctx context.Context, name string) *model.PluginHealth {
	h, err := rt.health.Get(ctx, name)
	if err != nil {
		return &model.PluginHealth{PluginName: name, IsHealthy: true}
	}
	return h
}

func outcome(err error) string {
	if err != nil {
		return "error"
	}
	return "success"
}
