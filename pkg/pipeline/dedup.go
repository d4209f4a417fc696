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
	"log/slog"
	"math/rand"

	"github.com/kraklabs/trendwatch/pkg/config"
	"github.com/kraklabs/trendwatch/pkg/embed"
	"github.com/kraklabs/trendwatch/pkg/model"
)

// Deduplicator drops near-duplicate items. A pair is duplicate when the
// cosine similarity of their embeddings reaches the threshold AND the items
// share a language tag: cross-language dedup is disabled by default, so the
// same story reported in en and es stays as two items for the clusterer to
// group.
//
// Small batches compare exhaustively; batches above the cutoff go through
// locality-sensitive bucketing so the comparison count stays near-linear.
// The kept item of a duplicate group is chosen by earliest published time,
// then highest engagement, then lowest UUID. Duplicates are logged, never
// persisted.
type Deduplicator struct {
	threshold     float64
	cutoff        int
	crossLanguage bool
	provider      embed.Provider
	logger        *slog.Logger
}

// NewDeduplicator creates the stage.
func NewDeduplicator(cfg config.PipelineConfig, provider embed.Provider, logger *slog.Logger) *Deduplicator {
	if logger == nil {
		logger = slog.Default()
	}
	threshold := cfg.DeduplicationThreshold
	if threshold <= 0 {
		threshold = 0.92
	}
	cutoff := cfg.NearNeighborCutoff
	if cutoff <= 0 {
		cutoff = 500
	}
	return &Deduplicator{
		threshold:     threshold,
		cutoff:        cutoff,
		crossLanguage: cfg.CrossLanguageDedup,
		provider:      provider,
		logger:        logger,
	}
}

func (d *Deduplicator) Name() string { return "dedup" }

func (d *Deduplicator) Process(ctx context.Context, items []model.ProcessedItem) ([]model.ProcessedItem, error) {
	if len(items) < 2 {
		return items, nil
	}

	if err := d.ensureEmbeddings(ctx, items); err != nil {
		return nil, err
	}

	var pairs [][2]int
	var err error
	if len(items) > d.cutoff {
		pairs, err = d.candidatesLSH(ctx, items)
	} else {
		pairs, err = d.candidatesExhaustive(ctx, items)
	}
	if err != nil {
		return nil, err
	}

	// Union duplicate pairs into groups.
	parent := make([]int, len(items))
	for i := range parent {
		parent[i] = i
	}
	var find func(int) int
	find = func(i int) int {
		for parent[i] != i {
			parent[i] = parent[parent[i]]
			i = parent[i]
		}
		return i
	}
	union := func(a, b int) {
		ra, rb := find(a), find(b)
		if ra != rb {
			parent[rb] = ra
		}
	}

	for _, p := range pairs {
		if !d.mergeable(items[p[0]], items[p[1]]) {
			continue
		}
		if embed.Cosine(items[p[0]].Embedding, items[p[1]].Embedding) >= d.threshold {
			union(p[0], p[1])
		}
	}

	// Pick the keeper per group.
	keeper := make(map[int]int)
	for i := range items {
		root := find(i)
		best, ok := keeper[root]
		if !ok || betterKeeper(items[i], items[best]) {
			keeper[root] = i
		}
	}

	kept := make([]model.ProcessedItem, 0, len(keeper))
	dropped := 0
	for i := range items {
		if keeper[find(i)] == i {
			kept = append(kept, items[i])
		} else {
			dropped++
			d.logger.Debug("pipeline.dedup.drop",
				"id", items[i].ID,
				"title", items[i].Title,
				"kept", items[keeper[find(i)]].ID,
			)
		}
	}

	d.logger.Info("pipeline.dedup.complete", "in", len(items), "out", len(kept), "duplicates", dropped)
	return kept, nil
}

// mergeable reports whether a pair may collapse at all. Items in different
// languages never merge unless cross-language dedup was explicitly enabled;
// the clusterer still groups the same story across languages.
func (d *Deduplicator) mergeable(a, b model.ProcessedItem) bool {
	if d.crossLanguage {
		return true
	}
	return a.Language == b.Language
}

// betterKeeper reports whether a should be kept over b: earliest published,
// then highest engagement, then lowest UUID.
func betterKeeper(a, b model.ProcessedItem) bool {
	if !a.PublishedAt.Equal(b.PublishedAt) {
		return a.PublishedAt.Before(b.PublishedAt)
	}
	if a.Engagement.Sum() != b.Engagement.Sum() {
		return a.Engagement.Sum() > b.Engagement.Sum()
	}
	return a.ID < b.ID
}

// ensureEmbeddings fills missing item embeddings from the normalized title
// in one batch call.
func (d *Deduplicator) ensureEmbeddings(ctx context.Context, items []model.ProcessedItem) error {
	var missing []int
	var texts []string
	for i := range items {
		if len(items[i].Embedding) == 0 {
			missing = append(missing, i)
			texts = append(texts, items[i].NormalizedTitle)
		}
	}
	if len(missing) == 0 {
		return nil
	}

	vecs, err := d.provider.EmbedBatch(ctx, texts)
	if err != nil {
		return fmt.Errorf("embed batch: %w", err)
	}
	for j, idx := range missing {
		items[idx].Embedding = vecs[j]
	}
	return nil
}

func (d *Deduplicator) candidatesExhaustive(ctx context.Context, items []model.ProcessedItem) ([][2]int, error) {
	var pairs [][2]int
	count := 0
	for i := 0; i < len(items); i++ {
		for j := i + 1; j < len(items); j++ {
			if err := maybeYield(ctx, count); err != nil {
				return nil, err
			}
			count++
			pairs = append(pairs, [2]int{i, j})
		}
	}
	return pairs, nil
}

// lshBands and lshBits configure the signature scheme: a pair is a
// candidate when any of the band signatures collide. At the 0.92 threshold
// true duplicates are nearly parallel vectors, so band collisions catch
// them with high probability while unrelated items spread across buckets.
const (
	lshBands = 6
	lshBits  = 10
)

func (d *Deduplicator) candidatesLSH(ctx context.Context, items []model.ProcessedItem) ([][2]int, error) {
	dims := len(items[0].Embedding)

	// Deterministic hyperplanes: reproducible runs, no warm state.
	rng := rand.New(rand.NewSource(0x7472656e64)) // "trend"
	planes := make([][]float32, lshBands*lshBits)
	for p := range planes {
		plane := make([]float32, dims)
		for i := range plane {
			plane[i] = float32(rng.NormFloat64())
		}
		planes[p] = plane
	}

	sign := func(vec, plane []float32) uint32 {
		var dot float64
		for i := range vec {
			dot += float64(vec[i]) * float64(plane[i])
		}
		if dot >= 0 {
			return 1
		}
		return 0
	}

	seen := make(map[[2]int]bool)
	var pairs [][2]int
	for band := 0; band < lshBands; band++ {
		buckets := make(map[uint32][]int)
		for i := range items {
			if err := maybeYield(ctx, i); err != nil {
				return nil, err
			}
			var sig uint32
			for bit := 0; bit < lshBits; bit++ {
				sig = sig<<1 | sign(items[i].Embedding, planes[band*lshBits+bit])
			}
			buckets[sig] = append(buckets[sig], i)
		}
		for _, bucket := range buckets {
			for a := 0; a < len(bucket); a++ {
				for b := a + 1; b < len(bucket); b++ {
					key := [2]int{bucket[a], bucket[b]}
					if !seen[key] {
						seen[key] = true
						pairs = append(pairs, key)
					}
				}
			}
		}
	}
	return pairs, nil
}
