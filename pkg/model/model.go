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

// Package model defines the entities that flow through trendwatch: raw items
// emitted by collectors, processed items produced by the pipeline, topics,
// ranked trends, and the durable records for plugin health, collector
// sources, and pipeline runs.
package model

import (
	"time"
)

// SourceType identifies the kind of collector a CollectorSource describes.
type SourceType string

const (
	SourceRSS        SourceType = "rss"
	SourceTwitter    SourceType = "twitter"
	SourceReddit     SourceType = "reddit"
	SourceYouTube    SourceType = "youtube"
	SourceHackerNews SourceType = "hackernews"
	SourceCustom     SourceType = "custom"
)

// Valid reports whether t is a known source type.
func (t SourceType) Valid() bool {
	switch t {
	case SourceRSS, SourceTwitter, SourceReddit, SourceYouTube, SourceHackerNews, SourceCustom:
		return true
	}
	return false
}

// Category is the content category assigned during normalization.
type Category string

const (
	CategoryTechnology    Category = "technology"
	CategoryBusiness      Category = "business"
	CategoryScience       Category = "science"
	CategoryEntertainment Category = "entertainment"
	CategoryPolitics      Category = "politics"
	CategorySports        Category = "sports"
	CategoryHealth        Category = "health"
	CategoryGeneral       Category = "general"
)

// TrendState is the lifecycle label assigned by the ranker.
type TrendState string

const (
	StateEmerging  TrendState = "emerging"
	StateViral     TrendState = "viral"
	StateSustained TrendState = "sustained"
	StateDeclining TrendState = "declining"
)

// RunStatus is the terminal (or in-flight) status of a pipeline run.
type RunStatus string

const (
	RunRunning   RunStatus = "running"
	RunCompleted RunStatus = "completed"
	RunFailed    RunStatus = "failed"
	RunCancelled RunStatus = "cancelled"
)

// Engagement holds the engagement counters a source reports for an item.
// Not every source exposes every counter; absent values stay zero.
type Engagement struct {
	Upvotes   int64 `json:"upvotes"`
	Downvotes int64 `json:"downvotes"`
	Comments  int64 `json:"comments"`
	Shares    int64 `json:"shares"`
	Views     int64 `json:"views"`
}

// Sum returns the scalar engagement used for scoring and tie-breaks.
// Views are discounted: they accumulate orders of magnitude faster than
// active engagement signals.
func (e Engagement) Sum() int64 {
	return e.Upvotes + e.Comments*2 + e.Shares*3 + e.Views/100
}

// Add accumulates other into e.
func (e *Engagement) Add(other Engagement) {
	e.Upvotes += other.Upvotes
	e.Downvotes += other.Downvotes
	e.Comments += other.Comments
	e.Shares += other.Shares
	e.Views += other.Views
}

// RawItem is an un-normalized observation emitted by a collector.
// Identity is the (Source, SourceID) pair; collectors hand raw items to the
// pipeline by value and never retain them.
type RawItem struct {
	// Source is the tag of the collector that produced the item.
	Source string `json:"source"`

	// SourceID is the item identifier local to the source.
	SourceID string `json:"source_id"`

	URL    string `json:"url"`
	Title  string `json:"title"`
	Body   string `json:"body,omitempty"`
	Author string `json:"author,omitempty"`

	PublishedAt time.Time  `json:"published_at"`
	Engagement  Engagement `json:"engagement"`

	// LanguageHint is an optional BCP-47 primary tag supplied by the source.
	LanguageHint string `json:"language_hint,omitempty"`

	Tags []string `json:"tags,omitempty"`
}

// Key returns the identity key for deduplication at the source boundary.
func (r RawItem) Key() string {
	return r.Source + ":" + r.SourceID
}

// ProcessedItem is a RawItem after normalization and language tagging.
type ProcessedItem struct {
	ID string `json:"id"`

	Source      string     `json:"source"`
	SourceID    string     `json:"source_id"`
	URL         string     `json:"url"`
	Title       string     `json:"title"`
	Body        string     `json:"body,omitempty"`
	Author      string     `json:"author,omitempty"`
	PublishedAt time.Time  `json:"published_at"`
	Engagement  Engagement `json:"engagement"`
	Tags        []string   `json:"tags,omitempty"`

	// NormalizedTitle is the comparison form: HTML-stripped, NFC,
	// whitespace-collapsed, lower-cased. Title keeps the display form.
	NormalizedTitle string `json:"normalized_title"`

	Category Category `json:"category"`

	// Language is a BCP-47 primary tag, or "und" when detection had fewer
	// than three characters to work with.
	Language     string  `json:"language"`
	LanguageConf float64 `json:"language_confidence"`

	Keywords  []string `json:"keywords,omitempty"`
	Sentiment *float64 `json:"sentiment,omitempty"`

	// Embedding is populated lazily: either during deduplication or by the
	// orchestrator's backfill pass. Nil means not yet computed.
	Embedding []float32 `json:"-"`

	ProcessedAt time.Time `json:"processed_at"`
}

// Topic is a cluster of processed items judged to be about the same story.
type Topic struct {
	ID string `json:"id"`

	Title    string   `json:"title"`
	Summary  string   `json:"summary"`
	Category Category `json:"category"`
	Keywords []string `json:"keywords,omitempty"`

	ItemCount  int        `json:"item_count"`
	ItemIDs    []string   `json:"-"`
	Engagement Engagement `json:"engagement"`

	// Sources is the distinct source set of the member items.
	// SourceCounts carries the per-source item distribution for the
	// ranker's diversity signal; it is not persisted.
	Sources      []string       `json:"sources,omitempty"`
	SourceCounts map[string]int `json:"-"`

	FirstSeen   time.Time `json:"first_seen"`
	LastUpdated time.Time `json:"last_updated"`

	Language string `json:"language"`
}

// Trend is a ranked, scored projection of a Topic at a point in time.
type Trend struct {
	ID      string `json:"id"`
	TopicID string `json:"topic_id"`

	// Rank is 1-based within one ranking run and category.
	Rank int `json:"rank"`

	// Score is the composite ranking score in [0, 100].
	Score float64 `json:"score"`

	State TrendState `json:"state"`

	// Velocity is engagement accrued per hour over the topic's life.
	Velocity float64 `json:"velocity"`

	Sources  []string `json:"sources"`
	Language string   `json:"language"`

	// Title and Summary are copied from the topic for efficient reads.
	Title    string   `json:"title"`
	Summary  string   `json:"summary"`
	Category Category `json:"category"`

	CreatedAt time.Time `json:"created_at"`
}

// PluginHealth is the durable per-collector health record.
type PluginHealth struct {
	PluginName          string    `json:"plugin_name"`
	LastRunAt           time.Time `json:"last_run_at"`
	LastSuccessAt       time.Time `json:"last_success_at"`
	LastError           string    `json:"last_error,omitempty"`
	ConsecutiveFailures int       `json:"consecutive_failures"`
	TotalRuns           int64     `json:"total_runs"`
	SuccessRate         float64   `json:"success_rate"`
	IsHealthy           bool      `json:"is_healthy"`
}

// RecordSuccess folds a successful run into the health record.
func (h *PluginHealth) RecordSuccess(at time.Time, threshold int, floor float64) {
	h.LastRunAt = at
	h.LastSuccessAt = at
	h.LastError = ""
	h.ConsecutiveFailures = 0
	h.TotalRuns++
	h.SuccessRate = updatedRate(h.SuccessRate, h.TotalRuns, true)
	h.recompute(threshold, floor)
}

// RecordFailure folds a failed run into the health record.
func (h *PluginHealth) RecordFailure(at time.Time, errMsg string, threshold int, floor float64) {
	h.LastRunAt = at
	h.LastError = errMsg
	h.ConsecutiveFailures++
	h.TotalRuns++
	h.SuccessRate = updatedRate(h.SuccessRate, h.TotalRuns, false)
	h.recompute(threshold, floor)
}

// Reset clears failure state, as the admin "reset health" operation.
func (h *PluginHealth) Reset() {
	h.ConsecutiveFailures = 0
	h.LastError = ""
	h.IsHealthy = true
}

// minRunsForRateFloor keeps the success-rate floor from condemning a young
// plugin: a single early failure would otherwise pin the rate at zero and
// override the consecutive-failure threshold.
const minRunsForRateFloor = 5

func (h *PluginHealth) recompute(threshold int, floor float64) {
	healthy := h.ConsecutiveFailures < threshold
	if h.TotalRuns >= minRunsForRateFloor {
		healthy = healthy && h.SuccessRate >= floor
	}
	h.IsHealthy = healthy
}

// updatedRate maintains a running success rate over totalRuns samples.
func updatedRate(prev float64, totalRuns int64, success bool) float64 {
	if totalRuns <= 0 {
		return 0
	}
	s := 0.0
	if success {
		s = 1.0
	}
	n := float64(totalRuns)
	return (prev*(n-1) + s) / n
}

// PipelineRun is the accounting record produced by each pipeline execution.
type PipelineRun struct {
	ID          string    `json:"id"`
	StartedAt   time.Time `json:"started_at"`
	CompletedAt time.Time `json:"completed_at,omitzero"`
	Status      RunStatus `json:"status"`

	ItemsIn    int `json:"items_in"`
	ItemsOut   int `json:"items_out"`
	TopicCount int `json:"topic_count"`
	TrendCount int `json:"trend_count"`

	Errors []string `json:"errors,omitempty"`

	// ConfigSnapshot is the serialized pipeline configuration the run
	// executed under, kept for reproducibility.
	ConfigSnapshot string `json:"config_snapshot,omitempty"`
}
