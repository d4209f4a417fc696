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
	"math"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/kraklabs/trendwatch/pkg/config"
	"github.com/kraklabs/trendwatch/pkg/embed"
	"github.com/kraklabs/trendwatch/pkg/model"
)

// Clusterer groups items into topics by density over their embeddings:
// reachability within the configured cosine distance, automatic cluster
// count, and a noise set for unclustered items. The clusterer is a pure
// function of (vectors, params); no model state survives a run.
//
// Undetermined-language items only link to other undetermined items; items
// with known languages cluster freely across languages.
type Clusterer struct {
	distance float64
	minSize  int
	topK     int
	provider embed.Provider
	logger   *slog.Logger
}

// NewClusterer creates the stage.
func NewClusterer(cfg config.PipelineConfig, provider embed.Provider, logger *slog.Logger) *Clusterer {
	if logger == nil {
		logger = slog.Default()
	}
	distance := cfg.ClusteringDistance
	if distance <= 0 {
		distance = 0.3
	}
	minSize := cfg.MinClusterSize
	if minSize < 2 {
		minSize = 2
	}
	topK := cfg.TopKeywords
	if topK <= 0 {
		topK = 10
	}
	return &Clusterer{distance: distance, minSize: minSize, topK: topK, provider: provider, logger: logger}
}

// Cluster returns topics; items left in the noise set are not part of any
// topic but remain in the batch for persistence.
func (c *Clusterer) Cluster(ctx context.Context, items []model.ProcessedItem) ([]model.Topic, error) {
	if len(items) < c.minSize {
		return nil, nil
	}

	// Clustering needs every embedding present; dedup usually filled them.
	for i := range items {
		if len(items[i].Embedding) == 0 {
			vec, err := c.provider.Embed(ctx, items[i].NormalizedTitle)
			if err != nil {
				return nil, fmt.Errorf("embed item %s: %w", items[i].ID, err)
			}
			items[i].Embedding = vec
		}
	}

	labels, err := c.densityLabels(ctx, items)
	if err != nil {
		return nil, err
	}

	byLabel := make(map[int][]int)
	noise := 0
	for i, label := range labels {
		if label < 0 {
			noise++
			continue
		}
		byLabel[label] = append(byLabel[label], i)
	}

	// Cluster-local TF-IDF needs document frequencies over the whole batch.
	docFreq := make(map[string]int)
	for i := range items {
		for _, kw := range uniqueStrings(items[i].Keywords) {
			docFreq[kw]++
		}
	}

	labelsSorted := make([]int, 0, len(byLabel))
	for label := range byLabel {
		labelsSorted = append(labelsSorted, label)
	}
	sort.Ints(labelsSorted)

	topics := make([]model.Topic, 0, len(byLabel))
	for _, label := range labelsSorted {
		members := byLabel[label]
		if len(members) < c.minSize {
			noise += len(members)
			continue
		}
		topics = append(topics, c.buildTopic(items, members, docFreq, len(items)))
	}

	c.logger.Info("pipeline.cluster.complete",
		"items", len(items),
		"topics", len(topics),
		"noise", noise,
	)
	return topics, nil
}

// densityLabels runs the density scan: -1 is noise, labels start at 0.
func (c *Clusterer) densityLabels(ctx context.Context, items []model.ProcessedItem) ([]int, error) {
	n := len(items)
	labels := make([]int, n)
	for i := range labels {
		labels[i] = -1
	}

	linkable := func(a, b int) bool {
		aUnd := items[a].Language == undetermined
		bUnd := items[b].Language == undetermined
		if aUnd != bUnd {
			return false
		}
		return 1-embed.Cosine(items[a].Embedding, items[b].Embedding) <= c.distance
	}

	neighbors := func(i int) []int {
		var out []int
		for j := 0; j < n; j++ {
			if j != i && linkable(i, j) {
				out = append(out, j)
			}
		}
		return out
	}

	next := 0
	visited := make([]bool, n)
	work := 0
	for i := 0; i < n; i++ {
		if visited[i] {
			continue
		}
		visited[i] = true

		seed := neighbors(i)
		work += n
		if err := maybeYield(ctx, work); err != nil {
			return nil, err
		}
		// A core point needs minSize members counting itself.
		if len(seed)+1 < c.minSize {
			continue
		}

		labels[i] = next
		queue := seed
		for len(queue) > 0 {
			j := queue[0]
			queue = queue[1:]
			if labels[j] < 0 {
				labels[j] = next
			}
			if visited[j] {
				continue
			}
			visited[j] = true

			reach := neighbors(j)
			work += n
			if err := maybeYield(ctx, work); err != nil {
				return nil, err
			}
			if len(reach)+1 >= c.minSize {
				queue = append(queue, reach...)
			}
		}
		next++
	}
	return labels, nil
}

// buildTopic assembles a topic from its member items.
func (c *Clusterer) buildTopic(items []model.ProcessedItem, members []int, docFreq map[string]int, totalDocs int) model.Topic {
	// Representative title: the member with the highest engagement.
	best := members[0]
	var engagement model.Engagement
	firstSeen := items[members[0]].PublishedAt
	lastUpdated := firstSeen
	sourceCounts := make(map[string]int)

	for _, idx := range members {
		item := items[idx]
		engagement.Add(item.Engagement)
		sourceCounts[item.Source]++
		if item.Engagement.Sum() > items[best].Engagement.Sum() {
			best = idx
		}
		if item.PublishedAt.Before(firstSeen) {
			firstSeen = item.PublishedAt
		}
		if item.PublishedAt.After(lastUpdated) {
			lastUpdated = item.PublishedAt
		}
	}

	sources := make([]string, 0, len(sourceCounts))
	for source := range sourceCounts {
		sources = append(sources, source)
	}
	sort.Strings(sources)

	return model.Topic{
		ID:          uuid.NewString(),
		Title:       items[best].Title,
		Summary:     c.summarize(items, members, best),
		Category:    items[best].Category,
		Keywords:    c.tfidfKeywords(items, members, docFreq, totalDocs),
		ItemCount:   len(members),
		ItemIDs:     memberIDs(items, members),
		Engagement:  engagement,
		Sources:     sources,
		SourceCounts: sourceCounts,
		FirstSeen:   firstSeen,
		LastUpdated: lastUpdated,
		Language:    majorityLanguage(items, members),
	}
}

// summarize joins the top member titles into a short digest, leading with
// the representative.
func (c *Clusterer) summarize(items []model.ProcessedItem, members []int, best int) string {
	ordered := append([]int{}, members...)
	sort.Slice(ordered, func(a, b int) bool {
		return items[ordered[a]].Engagement.Sum() > items[ordered[b]].Engagement.Sum()
	})

	var parts []string
	seen := map[string]bool{items[best].NormalizedTitle: true}
	parts = append(parts, items[best].Title)
	for _, idx := range ordered {
		if len(parts) >= 3 {
			break
		}
		if seen[items[idx].NormalizedTitle] {
			continue
		}
		seen[items[idx].NormalizedTitle] = true
		parts = append(parts, items[idx].Title)
	}

	summary := strings.Join(parts, " · ")
	const maxSummary = 480
	if len(summary) > maxSummary {
		summary = summary[:maxSummary]
	}
	return summary
}

// tfidfKeywords weights member keywords by cluster-local term frequency
// against batch-wide document frequency and keeps the top K.
func (c *Clusterer) tfidfKeywords(items []model.ProcessedItem, members []int, docFreq map[string]int, totalDocs int) []string {
	tf := make(map[string]int)
	for _, idx := range members {
		for _, kw := range uniqueStrings(items[idx].Keywords) {
			tf[kw]++
		}
	}

	type scored struct {
		kw    string
		score float64
	}
	ranked := make([]scored, 0, len(tf))
	for kw, freq := range tf {
		idf := math.Log(float64(totalDocs+1) / float64(docFreq[kw]+1))
		ranked = append(ranked, scored{kw: kw, score: float64(freq) * idf})
	}
	sort.Slice(ranked, func(a, b int) bool {
		if ranked[a].score != ranked[b].score {
			return ranked[a].score > ranked[b].score
		}
		return ranked[a].kw < ranked[b].kw
	})

	k := min(c.topK, len(ranked))
	out := make([]string, 0, k)
	for _, s := range ranked[:k] {
		out = append(out, s.kw)
	}
	return out
}

// majorityLanguage picks the most common known language among members;
// ties break toward the language seen earliest.
func majorityLanguage(items []model.ProcessedItem, members []int) string {
	counts := make(map[string]int)
	firstSeen := make(map[string]time.Time)
	for _, idx := range members {
		lang := items[idx].Language
		if lang == "" || lang == undetermined {
			continue
		}
		counts[lang]++
		ts := items[idx].PublishedAt
		if prev, ok := firstSeen[lang]; !ok || ts.Before(prev) {
			firstSeen[lang] = ts
		}
	}
	if len(counts) == 0 {
		return undetermined
	}

	bestLang := ""
	for lang, count := range counts {
		if bestLang == "" {
			bestLang = lang
			continue
		}
		switch {
		case count > counts[bestLang]:
			bestLang = lang
		case count == counts[bestLang] && firstSeen[lang].Before(firstSeen[bestLang]):
			bestLang = lang
		}
	}
	return bestLang
}

func memberIDs(items []model.ProcessedItem, members []int) []string {
	ids := make([]string, len(members))
	for i, idx := range members {
		ids[i] = items[idx].ID
	}
	sort.Strings(ids)
	return ids
}

func uniqueStrings(in []string) []string {
	seen := make(map[string]bool, len(in))
	var out []string
	for _, s := range in {
		if !seen[s] {
			seen[s] = true
			out = append(out, s)
		}
	}
	return out
}
