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

// Package metrics holds the Prometheus collectors shared across the
// collector runtime, pipeline, and search service.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	CollectorRuns = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "trendwatch",
		Subsystem: "collector",
		Name:      "runs_total",
		Help:      "Collector runs by plugin and outcome.",
	}, []string{"plugin", "outcome"})

	CollectorItems = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "trendwatch",
		Subsystem: "collector",
		Name:      "items_total",
		Help:      "Raw items emitted by plugin.",
	}, []string{"plugin"})

	CollectorRunDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "trendwatch",
		Subsystem: "collector",
		Name:      "run_duration_seconds",
		Help:      "Collector run duration by plugin.",
		Buckets:   prometheus.ExponentialBuckets(0.1, 2, 12),
	}, []string{"plugin"})

	PipelineStageDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "trendwatch",
		Subsystem: "pipeline",
		Name:      "stage_duration_seconds",
		Help:      "Pipeline stage duration by stage name.",
		Buckets:   prometheus.ExponentialBuckets(0.01, 2, 14),
	}, []string{"stage"})

	PipelineRuns = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "trendwatch",
		Subsystem: "pipeline",
		Name:      "runs_total",
		Help:      "Pipeline runs by terminal status.",
	}, []string{"status"})

	PipelineItems = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "trendwatch",
		Subsystem: "pipeline",
		Name:      "items_total",
		Help:      "Items flowing through the pipeline by direction (in/out).",
	}, []string{"direction"})

	EmbeddingCalls = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "trendwatch",
		Subsystem: "embedding",
		Name:      "calls_total",
		Help:      "Embedding provider calls by outcome.",
	}, []string{"outcome"})

	SearchRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "trendwatch",
		Subsystem: "search",
		Name:      "requests_total",
		Help:      "Semantic search requests by outcome.",
	}, []string{"outcome"})

	CacheOps = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "trendwatch",
		Subsystem: "cache",
		Name:      "ops_total",
		Help:      "Cache lookups by consumer and result (hit/miss).",
	}, []string{"consumer", "result"})
)
