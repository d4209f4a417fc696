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
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kraklabs/trendwatch/pkg/config"
	"github.com/kraklabs/trendwatch/pkg/model"
)

func rankTopic(id string, upvotes int64, sources map[string]int, firstSeen, lastUpdated time.Time) model.Topic {
	names := make([]string, 0, len(sources))
	for s := range sources {
		names = append(names, s)
	}
	return model.Topic{
		ID:           id,
		Title:        "topic " + id,
		Category:     model.CategoryTechnology,
		Engagement:   model.Engagement{Upvotes: upvotes},
		Sources:      names,
		SourceCounts: sources,
		FirstSeen:    firstSeen,
		LastUpdated:  lastUpdated,
		Language:     "en",
	}
}

func TestScoreMonotoneInEngagement(t *testing.T) {
	r := NewRanker(config.Default().Pipeline, nil)
	now := time.Now().UTC()
	firstSeen := now.Add(-6 * time.Hour)

	var prev float64
	for i, upvotes := range []int64{0, 10, 100, 1000, 100000} {
		topic := rankTopic("t", upvotes, map[string]int{"hn": 1}, firstSeen, now)
		score := r.score(topic, velocity(topic, now), now)
		if i > 0 {
			assert.GreaterOrEqual(t, score, prev,
				"score must not decrease as engagement grows (upvotes=%d)", upvotes)
		}
		assert.GreaterOrEqual(t, score, 0.0)
		assert.LessOrEqual(t, score, 100.0)
		prev = score
	}
}

func TestRankContiguousPerCategory(t *testing.T) {
	r := NewRanker(config.Default().Pipeline, nil)
	now := time.Now().UTC()

	var topics []model.Topic
	for i := range 6 {
		topics = append(topics, rankTopic(
			fmt.Sprintf("t%d", i),
			int64(10*(i+1)),
			map[string]int{fmt.Sprintf("s%d", i): 1},
			now.Add(-3*time.Hour), now,
		))
	}
	trends := r.Rank(topics, now)
	require.NotEmpty(t, trends)

	// Ranks within the single category are 1..N with no gaps.
	ranks := map[int]bool{}
	for _, trend := range trends {
		assert.False(t, ranks[trend.Rank], "rank %d duplicated", trend.Rank)
		ranks[trend.Rank] = true
	}
	for i := 1; i <= len(trends); i++ {
		assert.True(t, ranks[i], "rank %d missing", i)
	}
}

func TestDiversityFilter(t *testing.T) {
	// Seven trends at score 80 from reddit, three at 75 from distinct
	// sources; top-5 with a 20% cap admits at most one reddit trend and
	// the three diverse trends, leaving the fifth slot unfilled.
	mk := func(id string, score float64, source string) model.Trend {
		return model.Trend{ID: id, Score: score, Sources: []string{source}}
	}
	var sorted []model.Trend
	for i := range 7 {
		sorted = append(sorted, mk(fmt.Sprintf("r%d", i), 80, "reddit"))
	}
	sorted = append(sorted,
		mk("d1", 75, "hn"),
		mk("d2", 75, "youtube"),
		mk("d3", 75, "rss"),
	)

	selected := diversityFilter(sorted, 5, 0.20)
	require.Len(t, selected, 4)

	redditCount := 0
	for _, trend := range selected {
		if trend.Sources[0] == "reddit" {
			redditCount++
		}
	}
	assert.Equal(t, 1, redditCount)
}

func TestDiversityFilterDisabledKeepsOrder(t *testing.T) {
	cfg := config.Default().Pipeline
	cfg.SourceDiversityEnabled = false
	cfg.MaxTrendsPerCategory = 3
	r := NewRanker(cfg, nil)
	now := time.Now().UTC()

	var topics []model.Topic
	for i := range 5 {
		topics = append(topics, rankTopic(
			fmt.Sprintf("t%d", i), int64(10*(i+1)),
			map[string]int{"reddit": 1},
			now.Add(-2*time.Hour), now,
		))
	}
	trends := r.Rank(topics, now)
	require.Len(t, trends, 3, "category cap applies without the diversity filter")
	// The survivors are the three highest-scored topics, in score order.
	assert.Equal(t, "t4", trends[0].TopicID)
	assert.Equal(t, "t3", trends[1].TopicID)
	assert.Equal(t, "t2", trends[2].TopicID)
}

func TestStateAssignment(t *testing.T) {
	cfg := config.Default().Pipeline
	r := NewRanker(cfg, nil)
	now := time.Now().UTC()

	tests := []struct {
		name        string
		firstSeen   time.Time
		lastUpdated time.Time
		upvotes     int64
		want        model.TrendState
	}{
		{
			// 2h old, still accruing, velocity 100/h >= emerge 50.
			name:        "emerging",
			firstSeen:   now.Add(-2 * time.Hour),
			lastUpdated: now,
			upvotes:     200,
			want:        model.StateEmerging,
		},
		{
			// Velocity 1000/h >= viral 500.
			name:        "viral",
			firstSeen:   now.Add(-2 * time.Hour),
			lastUpdated: now,
			upvotes:     2000,
			want:        model.StateViral,
		},
		{
			// 48h old, 4800/48h = 100/h inside the sustain band.
			name:        "sustained",
			firstSeen:   now.Add(-48 * time.Hour),
			lastUpdated: now,
			upvotes:     4800,
			want:        model.StateSustained,
		},
		{
			// Active for 18h, then silent for 30h: current velocity is
			// well under half the active-window peak.
			name:        "declining",
			firstSeen:   now.Add(-48 * time.Hour),
			lastUpdated: now.Add(-30 * time.Hour),
			upvotes:     4800,
			want:        model.StateDeclining,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			topic := rankTopic("t", tt.upvotes, map[string]int{"hn": 1}, tt.firstSeen, tt.lastUpdated)
			vel := velocity(topic, now)
			assert.Equal(t, tt.want, r.state(topic, vel, now, cfg.Ranking))
		})
	}
}

func TestSourceDiversityEntropy(t *testing.T) {
	assert.Equal(t, 0.0, sourceDiversity(map[string]int{"a": 10}))
	assert.InDelta(t, 1.0, sourceDiversity(map[string]int{"a": 5, "b": 5}), 1e-9)

	skewed := sourceDiversity(map[string]int{"a": 9, "b": 1})
	assert.Greater(t, skewed, 0.0)
	assert.Less(t, skewed, 1.0)
}

func TestVelocityFloor(t *testing.T) {
	now := time.Now().UTC()
	topic := rankTopic("t", 100, map[string]int{"a": 1}, now.Add(-time.Minute), now)
	// A minute-old topic uses the one-hour floor, not a divide-by-epsilon.
	assert.InDelta(t, 100, velocity(topic, now), 1e-9)
}
