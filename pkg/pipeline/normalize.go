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
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/kraklabs/trendwatch/pkg/model"
	"github.com/kraklabs/trendwatch/pkg/textnorm"
)

// Normalizer is the intake stage: raw items become processed items with a
// cleaned display title, a comparison-form normalized title, a category,
// and extracted keywords. Deterministic and pure; items that collapse to an
// empty title are dropped, and items sharing a (source, source_id) key keep
// only the first occurrence.
type Normalizer struct {
	topKeywords int
	logger      *slog.Logger
}

// NewNormalizer creates the stage.
func NewNormalizer(topKeywords int, logger *slog.Logger) *Normalizer {
	if logger == nil {
		logger = slog.Default()
	}
	if topKeywords <= 0 {
		topKeywords = 10
	}
	return &Normalizer{topKeywords: topKeywords, logger: logger}
}

// Normalize converts the batch.
func (n *Normalizer) Normalize(ctx context.Context, raw []model.RawItem) ([]model.ProcessedItem, error) {
	seen := make(map[string]bool, len(raw))
	items := make([]model.ProcessedItem, 0, len(raw))
	dropped := 0

	for i, r := range raw {
		if err := maybeYield(ctx, i); err != nil {
			return nil, err
		}

		if seen[r.Key()] {
			dropped++
			continue
		}
		seen[r.Key()] = true

		title := textnorm.Clean(r.Title)
		if title == "" {
			n.logger.Debug("pipeline.normalize.drop", "source", r.Source, "source_id", r.SourceID, "reason", "empty_title")
			dropped++
			continue
		}
		body := textnorm.Clean(r.Body)

		items = append(items, model.ProcessedItem{
			ID:              uuid.NewString(),
			Source:          r.Source,
			SourceID:        r.SourceID,
			URL:             r.URL,
			Title:           title,
			Body:            body,
			Author:          r.Author,
			PublishedAt:     r.PublishedAt.UTC(),
			Engagement:      r.Engagement,
			Tags:            r.Tags,
			NormalizedTitle: textnorm.ComparisonForm(r.Title),
			Category:        categorize(r, title+" "+body),
			Language:        r.LanguageHint, // Refined by the detector stage.
			Keywords:        textnorm.Keywords(title+" "+body, n.topKeywords),
			ProcessedAt:     time.Now().UTC(),
		})
	}

	if dropped > 0 {
		n.logger.Info("pipeline.normalize.complete", "in", len(raw), "out", len(items), "dropped", dropped)
	}
	return items, nil
}

// categoryHints maps token cues to categories. Tag matches win over body
// matches; the first hit decides.
var categoryHints = []struct {
	category model.Category
	cues     []string
}{
	{model.CategoryTechnology, []string{"ai", "software", "startup", "tech", "chip", "robot", "crypto", "app", "cloud", "programming", "iphone", "android"}},
	{model.CategoryBusiness, []string{"market", "stock", "ipo", "earnings", "economy", "acquisition", "merger", "revenue", "bank"}},
	{model.CategoryScience, []string{"research", "study", "physics", "biology", "space", "nasa", "climate", "quantum", "genome"}},
	{model.CategorySports, []string{"game", "league", "championship", "tournament", "match", "olympics", "playoff", "nba", "nfl"}},
	{model.CategoryHealth, []string{"health", "vaccine", "disease", "hospital", "drug", "cancer", "fda", "therapy"}},
	{model.CategoryPolitics, []string{"election", "senate", "parliament", "policy", "president", "congress", "legislation", "vote"}},
	{model.CategoryEntertainment, []string{"film", "movie", "album", "celebrity", "netflix", "music", "trailer", "boxoffice"}},
}

// categorize assigns the item category from tags first, then content
// tokens. Unmatched items are general.
func categorize(r model.RawItem, text string) model.Category {
	tagText := strings.ToLower(strings.Join(r.Tags, " "))
	if tagText != "" {
		for _, hint := range categoryHints {
			for _, cue := range hint.cues {
				if strings.Contains(tagText, cue) {
					return hint.category
				}
			}
		}
	}

	tokens := make(map[string]bool)
	for _, tok := range textnorm.Tokens(text) {
		tokens[tok] = true
	}
	for _, hint := range categoryHints {
		for _, cue := range hint.cues {
			if tokens[cue] {
				return hint.category
			}
		}
	}
	return model.CategoryGeneral
}
