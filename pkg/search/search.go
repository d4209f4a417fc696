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

// Package search implements embedding-backed semantic search over trends
// and items: fingerprint the query, embed (with cache), run a filtered
// vector search, and hydrate survivors from the metadata store.
package search

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/kraklabs/trendwatch/internal/metrics"
	"github.com/kraklabs/trendwatch/pkg/cache"
	"github.com/kraklabs/trendwatch/pkg/embed"
	"github.com/kraklabs/trendwatch/pkg/model"
	"github.com/kraklabs/trendwatch/pkg/storage/vector"
	"github.com/kraklabs/trendwatch/pkg/trenderr"
)

// overfetch multiplies the vector-search limit to absorb post-filter and
// tombstone drop.
const overfetch = 2

// SearchType selects which entity families a search covers.
type SearchType string

const (
	SearchTrends SearchType = "trends"
	SearchTopics SearchType = "topics"
	SearchAll    SearchType = "all"
)

// Request is one semantic search invocation. Exactly one of Query or
// Embedding must be set.
type Request struct {
	Query     string
	Embedding []float32

	Limit         int
	MinSimilarity float64

	Category string
	Sources  []string
	Language string
	State    string
	MinScore float64
	From     time.Time
	To       time.Time

	Type SearchType
}

// Hit is one search result with its similarity.
type Hit struct {
	Trend      model.Trend `json:"trend"`
	Similarity float64     `json:"similarity"`
}

// TrendStore is the slice of the metadata repository search hydrates from.
type TrendStore interface {
	GetMany(ctx context.Context, ids []string) ([]model.Trend, error)
	Get(ctx context.Context, id string) (*model.Trend, error)
}

// Service runs semantic searches.
type Service struct {
	provider embed.Provider
	vectors  vector.Repo
	trends   TrendStore
	cache    cache.Cache
	logger   *slog.Logger
}

// New wires the service.
func New(provider embed.Provider, vectors vector.Repo, trends TrendStore, c cache.Cache, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{provider: provider, vectors: vectors, trends: trends, cache: c, logger: logger}
}

// Search runs the request and returns hydrated trends in similarity order.
// When the vector backend is down the call fails with ServiceUnavailable;
// there is no silent keyword fallback.
func (s *Service) Search(ctx context.Context, req Request) ([]Hit, error) {
	if err := validate(req); err != nil {
		metrics.SearchRequests.WithLabelValues("invalid").Inc()
		return nil, err
	}

	vec := req.Embedding
	if vec == nil {
		var err error
		vec, err = s.embedQuery(ctx, req.Query)
		if err != nil {
			metrics.SearchRequests.WithLabelValues("error").Inc()
			return nil, err
		}
	}

	hits, err := s.searchVector(ctx, vec, req, nil)
	if err != nil {
		metrics.SearchRequests.WithLabelValues("error").Inc()
		return nil, err
	}
	metrics.SearchRequests.WithLabelValues("success").Inc()
	return hits, nil
}

// Similar finds trends near an existing trend, excluding the trend itself.
func (s *Service) Similar(ctx context.Context, trendID string, limit int, minSimilarity float64) ([]Hit, error) {
	key := cache.TrendSimilarKey(trendID, limit, minSimilarity)
	var cached []Hit
	if err := s.cache.Get(ctx, key, &cached); err == nil {
		metrics.CacheOps.WithLabelValues("similar", "hit").Inc()
		return cached, nil
	}
	metrics.CacheOps.WithLabelValues("similar", "miss").Inc()

	entry, err := s.vectors.Get(ctx, vector.TrendKey(trendID))
	if err != nil {
		if trenderr.NotFound.Has(err) {
			// The trend may exist without a vector yet; confirm which 404
			// the caller gets.
			if _, metaErr := s.trends.Get(ctx, trendID); metaErr != nil {
				return nil, metaErr
			}
			return nil, trenderr.NotFound.New("trend %s has no embedding yet", trendID)
		}
		return nil, err
	}

	req := Request{Limit: limit, MinSimilarity: minSimilarity, Type: SearchTrends}
	hits, err := s.searchVector(ctx, entry.Vector, req, []string{vector.TrendKey(trendID)})
	if err != nil {
		return nil, err
	}

	if err := s.cache.Set(ctx, key, hits, cache.TTLTrendSimilar); err != nil {
		s.logger.Warn("search.similar.cache.error", "err", err)
	}
	return hits, nil
}

func validate(req Request) error {
	if req.Query == "" && req.Embedding == nil {
		return trenderr.Validation.New("search needs a query or an embedding")
	}
	if req.Query != "" && req.Embedding != nil {
		return trenderr.Validation.New("search takes a query or an embedding, not both")
	}
	if req.MinSimilarity < 0 || req.MinSimilarity > 1 {
		return trenderr.Validation.New("min_similarity must be in [0, 1], got %g", req.MinSimilarity)
	}
	return nil
}

// embedQuery computes the query embedding, consulting the fingerprint
// cache first.
func (s *Service) embedQuery(ctx context.Context, query string) ([]float32, error) {
	key := cache.EmbeddingKey(query)
	var vec []float32
	err := s.cache.Get(ctx, key, &vec)
	if err == nil && len(vec) > 0 {
		metrics.CacheOps.WithLabelValues("search_embed", "hit").Inc()
		return vec, nil
	}
	if err != nil && !errors.Is(err, cache.ErrMiss) {
		s.logger.Warn("search.embed.cache.error", "err", err)
	}
	metrics.CacheOps.WithLabelValues("search_embed", "miss").Inc()

	vec, err = s.provider.Embed(ctx, query)
	if err != nil {
		metrics.EmbeddingCalls.WithLabelValues("error").Inc()
		return nil, fmt.Errorf("embed query: %w", err)
	}
	metrics.EmbeddingCalls.WithLabelValues("success").Inc()

	if err := s.cache.Set(ctx, key, vec, cache.TTLEmbedding); err != nil {
		s.logger.Warn("search.embed.cache.error", "err", err)
	}
	return vec, nil
}

func (s *Service) searchVector(ctx context.Context, vec []float32, req Request, excludeIDs []string) ([]Hit, error) {
	limit := req.Limit
	if limit <= 0 {
		limit = 10
	}

	filter := vector.Filter{
		Entity:        entityFor(req.Type),
		Sources:       req.Sources,
		MinScore:      req.MinScore,
		PublishedFrom: req.From,
		PublishedTo:   req.To,
		ExcludeIDs:    excludeIDs,
	}
	if req.Category != "" {
		filter.Categories = []string{req.Category}
	}
	if req.Language != "" {
		filter.Languages = []string{req.Language}
	}
	if req.State != "" {
		filter.States = []string{req.State}
	}

	results, err := s.vectors.Search(ctx, vec, limit*overfetch, req.MinSimilarity, filter)
	if err != nil {
		return nil, err
	}

	// Hydrate from metadata; deleted entities are tombstones in the vector
	// store and silently dropped here.
	ids := make([]string, 0, len(results))
	similarity := make(map[string]float64, len(results))
	for _, res := range results {
		id := strings.TrimPrefix(res.ID, "trend:")
		if id == res.ID {
			continue // Non-trend entity under a trends hydration.
		}
		ids = append(ids, id)
		similarity[id] = res.Score
	}

	trends, err := s.trends.GetMany(ctx, ids)
	if err != nil {
		return nil, err
	}

	hits := make([]Hit, 0, min(len(trends), limit))
	for _, t := range trends {
		hits = append(hits, Hit{Trend: t, Similarity: similarity[t.ID]})
	}
	sort.Slice(hits, func(i, j int) bool {
		if hits[i].Similarity != hits[j].Similarity {
			return hits[i].Similarity > hits[j].Similarity
		}
		return hits[i].Trend.ID < hits[j].Trend.ID
	})
	if len(hits) > limit {
		hits = hits[:limit]
	}
	return hits, nil
}

// entityFor maps the search type to the vector payload entity filter.
// SearchAll leaves the entity unconstrained; hydration still keys on
// trend ids, so item vectors act as recall boosters for their trends only
// when persisted under a trend key.
func entityFor(t SearchType) string {
	switch t {
	case SearchTopics, SearchAll:
		return ""
	default:
		return "trend"
	}
}
