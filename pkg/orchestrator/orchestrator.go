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

// Package orchestrator sequences one full cycle: collect from every due
// plugin, run the pipeline, persist items then topics then trends, index
// embeddings, and invalidate read caches. Each step is idempotent on
// identity, so a cycle interrupted partway is safe to repeat.
package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/kraklabs/trendwatch/internal/metrics"
	"github.com/kraklabs/trendwatch/pkg/cache"
	"github.com/kraklabs/trendwatch/pkg/collector"
	"github.com/kraklabs/trendwatch/pkg/config"
	"github.com/kraklabs/trendwatch/pkg/embed"
	"github.com/kraklabs/trendwatch/pkg/model"
	"github.com/kraklabs/trendwatch/pkg/pipeline"
	"github.com/kraklabs/trendwatch/pkg/storage/vector"
	"github.com/kraklabs/trendwatch/pkg/trenderr"
)

// ItemStore is the item-repository slice the orchestrator needs.
type ItemStore interface {
	SaveBatch(ctx context.Context, items []model.ProcessedItem) error
	GetWithoutEmbeddings(ctx context.Context, limit int) ([]model.ProcessedItem, error)
	MarkEmbedded(ctx context.Context, ids []string) error
	DeleteOlderThan(ctx context.Context, cutoff time.Time) (int, error)
	PruneBodies(ctx context.Context, cutoff time.Time) (int, error)
}

// TopicStore is the topic-repository slice the orchestrator needs.
type TopicStore interface {
	SaveBatch(ctx context.Context, topics []model.Topic) error
	DeleteOlderThan(ctx context.Context, cutoff time.Time) (int, error)
}

// TrendStore is the trend-repository slice the orchestrator needs.
type TrendStore interface {
	SaveBatch(ctx context.Context, trends []model.Trend) error
	DeleteOlderThan(ctx context.Context, cutoff time.Time) (int, error)
}

// RunStore persists pipeline run accounting.
type RunStore interface {
	Save(ctx context.Context, run model.PipelineRun) error
}

// CycleReport summarizes one completed cycle.
type CycleReport struct {
	Run        model.PipelineRun    `json:"run"`
	Collected  int                  `json:"collected"`
	PluginRuns []collector.RunResult `json:"-"`
	Indexed    int                  `json:"indexed"`
}

// Orchestrator drives full cycles.
type Orchestrator struct {
	cfg      config.Config
	runtime  *collector.Runtime
	runner   *pipeline.Runner
	items    ItemStore
	topics   TopicStore
	trends   TrendStore
	runs     RunStore
	vectors  vector.Repo
	provider embed.Provider
	cache    cache.Cache
	logger   *slog.Logger

	// running is the re-entrancy guard: one full cycle per scope.
	running atomic.Bool
}

// New wires the orchestrator.
func New(cfg config.Config, runtime *collector.Runtime, runner *pipeline.Runner,
	items ItemStore, topics TopicStore, trends TrendStore, runs RunStore,
	vectors vector.Repo, provider embed.Provider, c cache.Cache, logger *slog.Logger) *Orchestrator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Orchestrator{
		cfg:      cfg,
		runtime:  runtime,
		runner:   runner,
		items:    items,
		topics:   topics,
		trends:   trends,
		runs:     runs,
		vectors:  vectors,
		provider: provider,
		cache:    c,
		logger:   logger,
	}
}

// RunCycle executes one full cycle. A second concurrent cycle is rejected
// with AlreadyRunning. force bypasses collector rate limits.
func (o *Orchestrator) RunCycle(ctx context.Context, force bool) (*CycleReport, error) {
	if !o.running.CompareAndSwap(false, true) {
		return nil, trenderr.AlreadyRunning.New("full cycle")
	}
	defer o.running.Store(false)

	cycleStart := time.Now()
	o.logger.Info("orchestrator.cycle.start", "force", force)

	// Step 1: collect. Per-plugin failures are recorded in plugin health
	// and never abort the cycle.
	pluginRuns := o.runtime.CollectAll(ctx, force)
	var raw []model.RawItem
	failures := 0
	for _, res := range pluginRuns {
		if res.Err != nil {
			failures++
			continue
		}
		raw = append(raw, res.Items...)
	}
	o.logger.Info("orchestrator.collect.complete",
		"plugins", len(pluginRuns),
		"failures", failures,
		"items", len(raw),
	)

	report, err := o.process(ctx, raw)
	if err != nil {
		return nil, err
	}
	report.PluginRuns = pluginRuns
	o.logger.Info("orchestrator.cycle.complete",
		"run_id", report.Run.ID,
		"collected", len(raw),
		"items_out", report.Run.ItemsOut,
		"topics", report.Run.TopicCount,
		"trends", report.Run.TrendCount,
		"indexed", report.Indexed,
		"duration_ms", time.Since(cycleStart).Milliseconds(),
	)
	return report, nil
}

// ProcessBatch runs the pipeline-and-persist steps over externally
// collected raw items; the daemon's scheduler feeds it. The same
// re-entrancy guard covers full cycles and batch processing.
func (o *Orchestrator) ProcessBatch(ctx context.Context, raw []model.RawItem) (*CycleReport, error) {
	if !o.running.CompareAndSwap(false, true) {
		return nil, trenderr.AlreadyRunning.New("full cycle")
	}
	defer o.running.Store(false)
	return o.process(ctx, raw)
}

// process is steps 2-5: pipeline, persist, index, invalidate.
func (o *Orchestrator) process(ctx context.Context, raw []model.RawItem) (*CycleReport, error) {
	// Step 2: pipeline.
	result, err := o.runner.Run(ctx, raw)
	if result != nil {
		if saveErr := o.runs.Save(ctx, result.Run); saveErr != nil {
			o.logger.Warn("orchestrator.run_record.error", "err", saveErr)
		}
	}
	if err != nil {
		return nil, fmt.Errorf("pipeline: %w", err)
	}

	// Step 3: persist in dependency order; every save is an upsert.
	if err := o.items.SaveBatch(ctx, result.Items); err != nil {
		return nil, fmt.Errorf("persist items: %w", err)
	}
	if err := o.topics.SaveBatch(ctx, result.Topics); err != nil {
		return nil, fmt.Errorf("persist topics: %w", err)
	}
	if err := o.trends.SaveBatch(ctx, result.Trends); err != nil {
		return nil, fmt.Errorf("persist trends: %w", err)
	}

	// Step 4: index embeddings.
	indexed, err := o.indexEmbeddings(ctx, result)
	if err != nil {
		return nil, fmt.Errorf("index embeddings: %w", err)
	}

	// Step 5: drop read caches so the new ranking is visible.
	o.invalidateCaches(ctx)

	return &CycleReport{
		Run:       result.Run,
		Collected: len(raw),
		Indexed:   indexed,
	}, nil
}

// indexEmbeddings upserts vectors for the new trends and for any items the
// backfill still owes, in parallel batches.
func (o *Orchestrator) indexEmbeddings(ctx context.Context, result *pipeline.Result) (int, error) {
	var indexed atomic.Int64
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		n, err := o.indexTrends(ctx, result.Trends)
		indexed.Add(int64(n))
		return err
	})
	g.Go(func() error {
		n, err := o.backfillItems(ctx, result.Items)
		indexed.Add(int64(n))
		return err
	})

	if err := g.Wait(); err != nil {
		return int(indexed.Load()), err
	}
	return int(indexed.Load()), nil
}

func (o *Orchestrator) indexTrends(ctx context.Context, trends []model.Trend) (int, error) {
	if len(trends) == 0 {
		return 0, nil
	}

	texts := make([]string, len(trends))
	for i, t := range trends {
		texts[i] = t.Title + " " + t.Summary
	}
	vecs, err := o.provider.EmbedBatch(ctx, texts)
	if err != nil {
		metrics.EmbeddingCalls.WithLabelValues("error").Inc()
		return 0, err
	}
	metrics.EmbeddingCalls.WithLabelValues("success").Inc()

	entries := make([]vector.Entry, len(trends))
	for i, t := range trends {
		entries[i] = vector.Entry{
			ID:     vector.TrendKey(t.ID),
			Vector: vecs[i],
			Payload: vector.Payload{
				Entity:      "trend",
				Category:    string(t.Category),
				State:       string(t.State),
				Language:    t.Language,
				Sources:     t.Sources,
				Score:       t.Score,
				PublishedAt: t.CreatedAt,
			},
		}
	}
	if err := o.vectors.UpsertBatch(ctx, entries); err != nil {
		return 0, err
	}
	return len(entries), nil
}

// backfillItems indexes the current batch's items plus any older items
// that never got a vector.
func (o *Orchestrator) backfillItems(ctx context.Context, fresh []model.ProcessedItem) (int, error) {
	pending, err := o.items.GetWithoutEmbeddings(ctx, 500)
	if err != nil {
		return 0, err
	}

	byID := make(map[string]model.ProcessedItem, len(fresh)+len(pending))
	for _, item := range fresh {
		byID[item.ID] = item
	}
	for _, item := range pending {
		if _, ok := byID[item.ID]; !ok {
			byID[item.ID] = item
		}
	}
	if len(byID) == 0 {
		return 0, nil
	}

	items := make([]model.ProcessedItem, 0, len(byID))
	texts := make([]string, 0, len(byID))
	for _, item := range byID {
		items = append(items, item)
		texts = append(texts, item.NormalizedTitle)
	}

	vecs := make([][]float32, len(items))
	reuse := 0
	var missingIdx []int
	var missingTexts []string
	for i, item := range items {
		if len(item.Embedding) > 0 {
			vecs[i] = item.Embedding
			reuse++
			continue
		}
		missingIdx = append(missingIdx, i)
		missingTexts = append(missingTexts, texts[i])
	}
	if len(missingTexts) > 0 {
		fetched, err := o.provider.EmbedBatch(ctx, missingTexts)
		if err != nil {
			metrics.EmbeddingCalls.WithLabelValues("error").Inc()
			return 0, err
		}
		metrics.EmbeddingCalls.WithLabelValues("success").Inc()
		for j, idx := range missingIdx {
			vecs[idx] = fetched[j]
		}
	}

	entries := make([]vector.Entry, len(items))
	ids := make([]string, len(items))
	for i, item := range items {
		ids[i] = item.ID
		entries[i] = vector.Entry{
			ID:     vector.ItemKey(item.ID),
			Vector: vecs[i],
			Payload: vector.Payload{
				Entity:      "item",
				Category:    string(item.Category),
				Language:    item.Language,
				Sources:     []string{item.Source},
				PublishedAt: item.PublishedAt,
			},
		}
	}
	if err := o.vectors.UpsertBatch(ctx, entries); err != nil {
		return 0, err
	}
	if err := o.items.MarkEmbedded(ctx, ids); err != nil {
		return 0, err
	}

	o.logger.Debug("orchestrator.backfill.complete",
		"indexed", len(entries),
		"reused_vectors", reuse,
	)
	return len(entries), nil
}

func (o *Orchestrator) invalidateCaches(ctx context.Context) {
	for _, glob := range []string{"trends:*", "topics:*"} {
		if n, err := o.cache.DeletePattern(ctx, glob); err != nil {
			o.logger.Warn("orchestrator.cache.invalidate.error", "glob", glob, "err", err)
		} else if n > 0 {
			o.logger.Debug("orchestrator.cache.invalidated", "glob", glob, "keys", n)
		}
	}
}

// Sweep applies the retention tiers: warm items lose their bodies, cold
// entities are deleted, and vector tombstones past the cold cut-off go
// with them.
func (o *Orchestrator) Sweep(ctx context.Context) error {
	now := time.Now().UTC()
	warmCutoff := now.Add(-o.cfg.Retention.Warm)
	coldCutoff := now.Add(-o.cfg.Retention.Cold)

	pruned, err := o.items.PruneBodies(ctx, warmCutoff)
	if err != nil {
		return fmt.Errorf("prune bodies: %w", err)
	}

	deletedItems, err := o.items.DeleteOlderThan(ctx, coldCutoff)
	if err != nil {
		return fmt.Errorf("delete items: %w", err)
	}
	deletedTopics, err := o.topics.DeleteOlderThan(ctx, coldCutoff)
	if err != nil {
		return fmt.Errorf("delete topics: %w", err)
	}
	deletedTrends, err := o.trends.DeleteOlderThan(ctx, coldCutoff)
	if err != nil {
		return fmt.Errorf("delete trends: %w", err)
	}

	sweptVectors := 0
	for _, entity := range []string{"trend", "item"} {
		n, err := o.vectors.DeleteOlderThan(ctx, entity, coldCutoff)
		if err != nil {
			return fmt.Errorf("sweep vectors: %w", err)
		}
		sweptVectors += n
	}

	o.logger.Info("orchestrator.sweep.complete",
		"bodies_pruned", pruned,
		"items_deleted", deletedItems,
		"topics_deleted", deletedTopics,
		"trends_deleted", deletedTrends,
		"vectors_swept", sweptVectors,
	)
	return nil
}
