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

// Package pipeline implements the processing stages that turn raw items
// into ranked trends: normalize, detect language, deduplicate, cluster,
// rank. Stages run serially within one run; a fatal stage failure fails the
// run and discards partial output.
package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"runtime"
	"time"

	"github.com/google/uuid"

	"github.com/kraklabs/trendwatch/internal/metrics"
	"github.com/kraklabs/trendwatch/pkg/config"
	"github.com/kraklabs/trendwatch/pkg/embed"
	"github.com/kraklabs/trendwatch/pkg/model"
	"github.com/kraklabs/trendwatch/pkg/trenderr"
)

// Stage transforms a batch of processed items. Stages must be safe to call
// from a single goroutine at a time and must honor ctx.
type Stage interface {
	Name() string
	Process(ctx context.Context, items []model.ProcessedItem) ([]model.ProcessedItem, error)
}

// Result carries one run's complete output.
type Result struct {
	Items  []model.ProcessedItem
	Topics []model.Topic
	Trends []model.Trend
	Run    model.PipelineRun
}

// Runner drives the standard stage order over a batch of raw items.
type Runner struct {
	cfg        config.PipelineConfig
	normalizer *Normalizer
	stages     []Stage
	clusterer  *Clusterer
	ranker     *Ranker
	logger     *slog.Logger

	// snapshot is the serialized configuration recorded on each run.
	snapshot string
}

// NewRunner wires the standard pipeline. provider powers the deduplicator
// and clusterer embeddings.
func NewRunner(cfg config.PipelineConfig, provider embed.Provider, snapshot string, logger *slog.Logger) *Runner {
	if logger == nil {
		logger = slog.Default()
	}
	return &Runner{
		cfg:        cfg,
		normalizer: NewNormalizer(cfg.TopKeywords, logger),
		stages: []Stage{
			NewLanguageDetector(logger),
			NewDeduplicator(cfg, provider, logger),
		},
		clusterer: NewClusterer(cfg, provider, logger),
		ranker:    NewRanker(cfg, logger),
		logger:    logger,
		snapshot:  snapshot,
	}
}

// Run executes one pipeline run. Per-item problems drop the item with a
// log line; stage-level failures fail the whole run. Cancellation marks
// the run cancelled rather than failed.
func (r *Runner) Run(ctx context.Context, raw []model.RawItem) (*Result, error) {
	run := model.PipelineRun{
		ID:             uuid.NewString(),
		StartedAt:      time.Now().UTC(),
		Status:         model.RunRunning,
		ItemsIn:        len(raw),
		ConfigSnapshot: r.snapshot,
	}
	r.logger.Info("pipeline.run.start", "run_id", run.ID, "items_in", len(raw))
	metrics.PipelineItems.WithLabelValues("in").Add(float64(len(raw)))

	result, err := r.execute(ctx, raw, &run)
	run.CompletedAt = time.Now().UTC()

	switch {
	case err == nil:
		run.Status = model.RunCompleted
	case trenderr.Canceled(err):
		run.Status = model.RunCancelled
	default:
		run.Status = model.RunFailed
		run.Errors = append(run.Errors, err.Error())
	}
	metrics.PipelineRuns.WithLabelValues(string(run.Status)).Inc()

	if err != nil {
		r.logger.Warn("pipeline.run.end", "run_id", run.ID, "status", run.Status, "err", err)
		// Partial outputs are discarded; only the accounting record
		// survives a failed run.
		return &Result{Run: run}, err
	}

	result.Run = run
	metrics.PipelineItems.WithLabelValues("out").Add(float64(len(result.Items)))
	r.logger.Info("pipeline.run.end",
		"run_id", run.ID,
		"status", run.Status,
		"items_out", run.ItemsOut,
		"topics", run.TopicCount,
		"trends", run.TrendCount,
		"duration_ms", run.CompletedAt.Sub(run.StartedAt).Milliseconds(),
	)
	return result, nil
}

func (r *Runner) execute(ctx context.Context, raw []model.RawItem, run *model.PipelineRun) (*Result, error) {
	items, err := r.timedNormalize(ctx, raw)
	if err != nil {
		return nil, err
	}

	for _, stage := range r.stages {
		start := time.Now()
		items, err = stage.Process(ctx, items)
		metrics.PipelineStageDuration.WithLabelValues(stage.Name()).Observe(time.Since(start).Seconds())
		if err != nil {
			return nil, fmt.Errorf("stage %s: %w", stage.Name(), err)
		}
		r.logger.Debug("pipeline.stage.complete",
			"run_id", run.ID,
			"stage", stage.Name(),
			"items", len(items),
			"duration_ms", time.Since(start).Milliseconds(),
		)
	}
	run.ItemsOut = len(items)

	start := time.Now()
	topics, err := r.clusterer.Cluster(ctx, items)
	metrics.PipelineStageDuration.WithLabelValues("cluster").Observe(time.Since(start).Seconds())
	if err != nil {
		return nil, fmt.Errorf("stage cluster: %w", err)
	}
	run.TopicCount = len(topics)

	start = time.Now()
	trends := r.ranker.Rank(topics, time.Now().UTC())
	metrics.PipelineStageDuration.WithLabelValues("rank").Observe(time.Since(start).Seconds())
	run.TrendCount = len(trends)

	return &Result{Items: items, Topics: topics, Trends: trends}, nil
}

func (r *Runner) timedNormalize(ctx context.Context, raw []model.RawItem) ([]model.ProcessedItem, error) {
	start := time.Now()
	items, err := r.normalizer.Normalize(ctx, raw)
	metrics.PipelineStageDuration.WithLabelValues("normalize").Observe(time.Since(start).Seconds())
	if err != nil {
		return nil, fmt.Errorf("stage normalize: %w", err)
	}
	return items, nil
}

// yieldEvery lets pure CPU stages hand the scheduler a turn on large
// batches without measurable cost on small ones.
const yieldEvery = 1000

// maybeYield checks cancellation and yields to the scheduler every
// yieldEvery iterations.
func maybeYield(ctx context.Context, i int) error {
	if i > 0 && i%yieldEvery == 0 {
		if err := ctx.Err(); err != nil {
			return err
		}
		runtime.Gosched()
	}
	return nil
}
