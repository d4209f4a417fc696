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
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kraklabs/trendwatch/pkg/config"
	"github.com/kraklabs/trendwatch/pkg/embed"
	"github.com/kraklabs/trendwatch/pkg/model"
)

func dedupConfig(threshold float64) config.PipelineConfig {
	cfg := config.Default().Pipeline
	cfg.DeduplicationThreshold = threshold
	return cfg
}

func processedItem(id, normalizedTitle string, published time.Time) model.ProcessedItem {
	return model.ProcessedItem{
		ID:              id,
		NormalizedTitle: normalizedTitle,
		PublishedAt:     published,
	}
}

func TestDedupByNormalizedTitle(t *testing.T) {
	// Identical normalized titles embed identically through the mock
	// provider, so the pair collapses; the earlier published item wins.
	d := NewDeduplicator(dedupConfig(0.92), embed.NewMock(64), nil)

	early := time.Date(2025, 6, 1, 8, 0, 0, 0, time.UTC)
	late := early.Add(2 * time.Hour)

	out, err := d.Process(context.Background(), []model.ProcessedItem{
		processedItem("bbb", "apple unveils m5", late),
		processedItem("aaa", "apple unveils m5", early),
		processedItem("ccc", "google ipo", early),
	})
	require.NoError(t, err)
	require.Len(t, out, 2)

	ids := map[string]bool{}
	for _, item := range out {
		ids[item.ID] = true
	}
	assert.True(t, ids["aaa"], "the earlier published duplicate is kept")
	assert.False(t, ids["bbb"])
	assert.True(t, ids["ccc"])
}

func TestDedupTieBreaks(t *testing.T) {
	ts := time.Date(2025, 6, 1, 8, 0, 0, 0, time.UTC)

	t.Run("engagement breaks published tie", func(t *testing.T) {
		d := NewDeduplicator(dedupConfig(0.92), embed.NewMock(64), nil)
		hot := processedItem("bbb", "same story", ts)
		hot.Engagement = model.Engagement{Upvotes: 100}
		cold := processedItem("aaa", "same story", ts)

		out, err := d.Process(context.Background(), []model.ProcessedItem{cold, hot})
		require.NoError(t, err)
		require.Len(t, out, 1)
		assert.Equal(t, "bbb", out[0].ID)
	})

	t.Run("lowest uuid breaks full tie", func(t *testing.T) {
		d := NewDeduplicator(dedupConfig(0.92), embed.NewMock(64), nil)
		out, err := d.Process(context.Background(), []model.ProcessedItem{
			processedItem("zzz", "same story", ts),
			processedItem("aaa", "same story", ts),
		})
		require.NoError(t, err)
		require.Len(t, out, 1)
		assert.Equal(t, "aaa", out[0].ID)
	})
}

func TestDedupMonotonicity(t *testing.T) {
	// For thresholds t1 <= t2, |dedup(S, t1)| <= |dedup(S, t2)|.
	ts := time.Date(2025, 6, 1, 8, 0, 0, 0, time.UTC)

	// Hand-built embeddings with controlled pairwise similarities.
	mk := func(id string, vec []float32) model.ProcessedItem {
		item := processedItem(id, id, ts)
		item.Embedding = vec
		return item
	}
	items := func() []model.ProcessedItem {
		return []model.ProcessedItem{
			mk("a", []float32{1, 0, 0}),
			mk("b", []float32{0.97, 0.24, 0}), // cos(a,b) ~ 0.97
			mk("c", []float32{0.80, 0.60, 0}), // cos(a,c) ~ 0.80
			mk("d", []float32{0, 1, 0}),
		}
	}

	counts := make([]int, 0, 3)
	for _, threshold := range []float64{0.75, 0.92, 0.99} {
		d := NewDeduplicator(dedupConfig(threshold), embed.NewMock(3), nil)
		out, err := d.Process(context.Background(), items())
		require.NoError(t, err)
		counts = append(counts, len(out))
	}
	assert.LessOrEqual(t, counts[0], counts[1])
	assert.LessOrEqual(t, counts[1], counts[2])
}

func TestDedupLargeBatchUsesNearNeighbor(t *testing.T) {
	// Above the cutoff the LSH path must still collapse exact duplicates.
	cfg := dedupConfig(0.92)
	cfg.NearNeighborCutoff = 100
	d := NewDeduplicator(cfg, embed.NewMock(64), nil)

	ts := time.Date(2025, 6, 1, 8, 0, 0, 0, time.UTC)
	var items []model.ProcessedItem
	for i := 0; i < 300; i++ {
		items = append(items, processedItem(
			fmt.Sprintf("unique-%03d", i),
			fmt.Sprintf("distinct headline number %d about its own subject", i),
			ts,
		))
	}
	// Ten exact duplicates of item zero.
	for i := 0; i < 10; i++ {
		items = append(items, processedItem(
			fmt.Sprintf("dup-%02d", i),
			"distinct headline number 0 about its own subject",
			ts.Add(time.Hour),
		))
	}

	out, err := d.Process(context.Background(), items)
	require.NoError(t, err)
	assert.Len(t, out, 300, "all ten duplicates collapse into the original")
}

func TestDedupCrossLanguageRetainsBoth(t *testing.T) {
	// Two items with identical embeddings after normalization but
	// languages en and es: cross-language dedup is disabled by default,
	// so both survive for the clusterer to group.
	d := NewDeduplicator(dedupConfig(0.92), embed.NewMock(64), nil)
	ts := time.Date(2025, 6, 1, 8, 0, 0, 0, time.UTC)

	en := processedItem("en1", "apple unveils m5", ts)
	en.Language = "en"
	es := processedItem("es1", "apple unveils m5", ts.Add(time.Hour))
	es.Language = "es"

	out, err := d.Process(context.Background(), []model.ProcessedItem{en, es})
	require.NoError(t, err)
	require.Len(t, out, 2, "different-language near-duplicates both survive")

	// Same pair in the same language still collapses.
	en2 := processedItem("en2", "apple unveils m5", ts.Add(2*time.Hour))
	en2.Language = "en"
	out, err = d.Process(context.Background(), []model.ProcessedItem{en, en2})
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.Equal(t, "en1", out[0].ID, "earlier published same-language duplicate wins")
}

func TestDedupCrossLanguageEnabled(t *testing.T) {
	cfg := dedupConfig(0.92)
	cfg.CrossLanguageDedup = true
	d := NewDeduplicator(cfg, embed.NewMock(64), nil)
	ts := time.Date(2025, 6, 1, 8, 0, 0, 0, time.UTC)

	en := processedItem("en1", "apple unveils m5", ts)
	en.Language = "en"
	es := processedItem("es1", "apple unveils m5", ts.Add(time.Hour))
	es.Language = "es"

	out, err := d.Process(context.Background(), []model.ProcessedItem{en, es})
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.Equal(t, "en1", out[0].ID)
}

func TestDedupSingleItemPassThrough(t *testing.T) {
	d := NewDeduplicator(dedupConfig(0.92), embed.NewMock(8), nil)
	items := []model.ProcessedItem{processedItem("only", "solo", time.Now())}
	out, err := d.Process(context.Background(), items)
	require.NoError(t, err)
	assert.Len(t, out, 1)
}
