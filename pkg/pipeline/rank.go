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

package pipeline

import (
	"log/slog"
	"math"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/kraklabs/trendwatch/pkg/config"
	"github.com/kraklabs/trendwatch/pkg/model"
)

// Ranker scores topics into ranked trends. The composite score is
//
//	100 · sigmoid(w_e·norm(engagement) + w_r·recency + w_v·norm(velocity) + w_d·diversity)
//
// and is monotone in each input. After scoring, an optional diversity
// filter caps any single source's share of the per-category top-N; ranks
// are assigned by descending score within each category, starting at 1.
type Ranker struct {
	cfg    config.PipelineConfig
	logger *slog.Logger
}

// NewRanker creates the stage.
func NewRanker(cfg config.PipelineConfig, logger *slog.Logger) *Ranker {
	if logger == nil {
		logger = slog.Default()
	}
	return &Ranker{cfg: cfg, logger: logger}
}

// Rank converts topics into ranked trends as of now.
func (r *Ranker) Rank(topics []model.Topic, now time.Time) []model.Trend {
	if len(topics) == 0 {
		return nil
	}
	rank := r.cfg.Ranking

	trends := make([]model.Trend, 0, len(topics))
	for _, topic := range topics {
		vel := velocity(topic, now)
		score := r.score(topic, vel, now)
		trends = append(trends, model.Trend{
			ID:        uuid.NewString(),
			TopicID:   topic.ID,
			Score:     score,
			State:     r.state(topic, vel, now, rank),
			Velocity:  vel,
			Sources:   topic.Sources,
			Language:  topic.Language,
			Title:     topic.Title,
			Summary:   topic.Summary,
			Category:  topic.Category,
			CreatedAt: now,
		})
	}

	byCategory := make(map[model.Category][]model.Trend)
	for _, t := range trends {
		byCategory[t.Category] = append(byCategory[t.Category], t)
	}

	var out []model.Trend
	for _, group := range byCategory {
		sort.Slice(group, func(i, j int) bool {
			if group[i].Score != group[j].Score {
				return group[i].Score > group[j].Score
			}
			return group[i].ID < group[j].ID
		})

		limit := r.cfg.MaxTrendsPerCategory
		if limit <= 0 {
			limit = 10
		}
		if r.cfg.SourceDiversityEnabled {
			group = diversityFilter(group, limit, r.cfg.MaxPercentagePerSource)
		} else if len(group) > limit {
			group = group[:limit]
		}

		for i := range group {
			group[i].Rank = i + 1
		}
		out = append(out, group...)
	}

	sort.Slice(out, func(i, j int) bool {
		if out[i].Score != out[j].Score {
			return out[i].Score > out[j].Score
		}
		return out[i].ID < out[j].ID
	})

	r.logger.Info("pipeline.rank.complete", "topics", len(topics), "trends", len(out))
	return out
}

// score computes the composite score in [0, 100].
func (r *Ranker) score(topic model.Topic, vel float64, now time.Time) float64 {
	rank := r.cfg.Ranking

	recency := math.Exp(-now.Sub(topic.LastUpdated).Hours() / rank.RecencyTau.Hours())
	if recency > 1 {
		recency = 1 // Future timestamps do not earn bonus recency.
	}

	x := rank.EngagementWeight*saturate(float64(topic.Engagement.Sum())) +
		rank.RecencyWeight*recency +
		rank.VelocityWeight*saturate(vel) +
		rank.DiversityWeight*sourceDiversity(topic.SourceCounts)

	return 100 / (1 + math.Exp(-x))
}

// saturate maps [0, inf) monotonically into [0, 1).
func saturate(x float64) float64 {
	if x <= 0 {
		return 0
	}
	l := math.Log1p(x)
	return l / (l + 1)
}

// velocity is engagement accrued per hour over the topic's life, with a
// one-hour floor so brand-new topics do not divide by epsilon.
func velocity(topic model.Topic, now time.Time) float64 {
	hours := now.Sub(topic.FirstSeen).Hours()
	if hours < 1 {
		hours = 1
	}
	return float64(topic.Engagement.Sum()) / hours
}

// sourceDiversity is the entropy of the source distribution normalized to
// [0, 1]. A single-source topic scores 0.
func sourceDiversity(counts map[string]int) float64 {
	if len(counts) <= 1 {
		return 0
	}
	total := 0
	for _, c := range counts {
		total += c
	}
	if total == 0 {
		return 0
	}

	var entropy float64
	for _, c := range counts {
		if c == 0 {
			continue
		}
		p := float64(c) / float64(total)
		entropy -= p * math.Log2(p)
	}
	return entropy / math.Log2(float64(len(counts)))
}

// state assigns the lifecycle label from velocity and age. Declining wins
// when current velocity fell under half the observed peak; with per-run
// scoring the peak proxy is the velocity over the topic's most active hour.
func (r *Ranker) state(topic model.Topic, vel float64, now time.Time, rank config.RankingConfig) model.TrendState {
	age := now.Sub(topic.FirstSeen)

	// Peak proxy: if the topic stopped accruing (stale last_updated), its
	// historical rate was higher than the current window suggests.
	sinceUpdate := now.Sub(topic.LastUpdated).Hours()
	activeHours := topic.LastUpdated.Sub(topic.FirstSeen).Hours()
	if activeHours < 1 {
		activeHours = 1
	}
	peak := float64(topic.Engagement.Sum()) / activeHours

	switch {
	case sinceUpdate > 1 && vel < 0.5*peak:
		return model.StateDeclining
	case vel >= rank.VelocityViral:
		return model.StateViral
	case age < 24*time.Hour && vel >= rank.VelocityEmerge:
		return model.StateEmerging
	case age >= 24*time.Hour && vel >= rank.VelocitySustainLow && vel <= rank.VelocitySustainHigh:
		return model.StateSustained
	case vel < 0.5*peak:
		return model.StateDeclining
	default:
		if age < 24*time.Hour {
			return model.StateEmerging
		}
		return model.StateSustained
	}
}

// diversityFilter selects up to limit trends such that no single source
// supplies more than maxShare of the selection. Candidates arrive score-
// sorted; a slot blocked by the cap falls to the next-highest candidate
// from another source, or stays unfilled.
func diversityFilter(sorted []model.Trend, limit int, maxShare float64) []model.Trend {
	if maxShare <= 0 || maxShare > 1 {
		maxShare = 0.2
	}
	perSourceCap := int(math.Max(1, math.Floor(float64(limit)*maxShare)))

	counts := make(map[string]int)
	selected := make([]model.Trend, 0, limit)
	for _, t := range sorted {
		if len(selected) >= limit {
			break
		}
		if overCap(t.Sources, counts, perSourceCap) {
			continue
		}
		for _, s := range t.Sources {
			counts[s]++
		}
		selected = append(selected, t)
	}
	return selected
}

func overCap(sources []string, counts map[string]int, perSource int) bool {
	for _, s := range sources {
		if counts[s]+1 > perSource {
			return true
		}
	}
	return false
}
