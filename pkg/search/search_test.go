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

package search

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kraklabs/trendwatch/pkg/cache"
	"github.com/kraklabs/trendwatch/pkg/embed"
	"github.com/kraklabs/trendwatch/pkg/model"
	"github.com/kraklabs/trendwatch/pkg/storage/vector"
	"github.com/kraklabs/trendwatch/pkg/trenderr"
)

// fakeVectorRepo is an in-memory vector.Repo backed by brute-force cosine.
type fakeVectorRepo struct {
	entries map[string]vector.Entry
	down    bool
}

func newFakeVectorRepo() *fakeVectorRepo {
	return &fakeVectorRepo{entries: make(map[string]vector.Entry)}
}

func (f *fakeVectorRepo) Upsert(_ context.Context, id string, vec []float32, payload vector.Payload) error {
	f.entries[id] = vector.Entry{ID: id, Vector: vec, Payload: payload}
	return nil
}

func (f *fakeVectorRepo) UpsertBatch(ctx context.Context, entries []vector.Entry) error {
	for _, e := range entries {
		if err := f.Upsert(ctx, e.ID, e.Vector, e.Payload); err != nil {
			return err
		}
	}
	return nil
}

func (f *fakeVectorRepo) Search(_ context.Context, vec []float32, limit int, minScore float64, filter vector.Filter) ([]vector.Result, error) {
	if f.down {
		return nil, trenderr.ServiceUnavailable.New("vector backend down")
	}
	excluded := make(map[string]bool)
	for _, id := range filter.ExcludeIDs {
		excluded[id] = true
	}

	var results []vector.Result
	for id, e := range f.entries {
		if excluded[id] {
			continue
		}
		if filter.Entity != "" && e.Payload.Entity != filter.Entity {
			continue
		}
		if len(filter.Categories) > 0 && !contains(filter.Categories, e.Payload.Category) {
			continue
		}
		if len(filter.Languages) > 0 && !contains(filter.Languages, e.Payload.Language) {
			continue
		}
		score := embed.Cosine(vec, e.Vector)
		if score < minScore {
			continue
		}
		results = append(results, vector.Result{ID: id, Score: score, Payload: e.Payload})
	}
	if len(results) > limit {
		results = results[:limit]
	}
	return results, nil
}

func (f *fakeVectorRepo) Get(_ context.Context, id string) (*vector.Entry, error) {
	e, ok := f.entries[id]
	if !ok {
		return nil, trenderr.NotFound.New("vector %s", id)
	}
	return &e, nil
}

func (f *fakeVectorRepo) Delete(_ context.Context, ids ...string) error {
	for _, id := range ids {
		delete(f.entries, id)
	}
	return nil
}

func (f *fakeVectorRepo) DeleteOlderThan(context.Context, string, time.Time) (int, error) {
	return 0, nil
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

// fakeTrendStore hydrates from a map; absent ids model tombstones.
type fakeTrendStore struct {
	trends map[string]model.Trend
}

func (f *fakeTrendStore) GetMany(_ context.Context, ids []string) ([]model.Trend, error) {
	var out []model.Trend
	for _, id := range ids {
		if t, ok := f.trends[id]; ok {
			out = append(out, t)
		}
	}
	return out, nil
}

func (f *fakeTrendStore) Get(_ context.Context, id string) (*model.Trend, error) {
	t, ok := f.trends[id]
	if !ok {
		return nil, trenderr.NotFound.New("trend %s", id)
	}
	return &t, nil
}

func setupSearch(t *testing.T) (*Service, *fakeVectorRepo, *fakeTrendStore, embed.Provider) {
	t.Helper()
	mr := miniredis.RunT(t)
	c := cache.NewRedisFromClient(goredis.NewClient(&goredis.Options{Addr: mr.Addr()}))
	t.Cleanup(func() { _ = c.Close() })

	provider := embed.NewMock(32)
	vectors := newFakeVectorRepo()
	trends := &fakeTrendStore{trends: make(map[string]model.Trend)}
	return New(provider, vectors, trends, c, nil), vectors, trends, provider
}

// seedTrend registers a trend and its vector derived from its title.
func seedTrend(ctx context.Context, t *testing.T, vectors *fakeVectorRepo, trends *fakeTrendStore, provider embed.Provider, id, title string) {
	t.Helper()
	vec, err := provider.Embed(ctx, title)
	require.NoError(t, err)
	require.NoError(t, vectors.Upsert(ctx, vector.TrendKey(id), vec, vector.Payload{Entity: "trend"}))
	trends.trends[id] = model.Trend{ID: id, Title: title, Score: 50}
}

func TestSearchByQuery(t *testing.T) {
	svc, vectors, trends, provider := setupSearch(t)
	ctx := context.Background()

	seedTrend(ctx, t, vectors, trends, provider, "t1", "ai chips")
	seedTrend(ctx, t, vectors, trends, provider, "t2", "completely different story")

	hits, err := svc.Search(ctx, Request{Query: "ai chips", Limit: 5, MinSimilarity: 0.9})
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, "t1", hits[0].Trend.ID)
	assert.InDelta(t, 1.0, hits[0].Similarity, 1e-6)
}

func TestSearchValidation(t *testing.T) {
	svc, _, _, _ := setupSearch(t)
	ctx := context.Background()

	_, err := svc.Search(ctx, Request{})
	assert.True(t, trenderr.Validation.Has(err))

	_, err = svc.Search(ctx, Request{Query: "x", Embedding: []float32{1}})
	assert.True(t, trenderr.Validation.Has(err))

	_, err = svc.Search(ctx, Request{Query: "x", MinSimilarity: 1.5})
	assert.True(t, trenderr.Validation.Has(err))
}

func TestSearchDropsTombstones(t *testing.T) {
	svc, vectors, trends, provider := setupSearch(t)
	ctx := context.Background()

	seedTrend(ctx, t, vectors, trends, provider, "alive", "shared topic headline")
	seedTrend(ctx, t, vectors, trends, provider, "deleted", "shared topic headline")
	// The metadata row is gone; the vector is an orphaned tombstone.
	delete(trends.trends, "deleted")

	hits, err := svc.Search(ctx, Request{Query: "shared topic headline", Limit: 10})
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, "alive", hits[0].Trend.ID)
}

func TestSearchVectorBackendDown(t *testing.T) {
	svc, vectors, _, _ := setupSearch(t)
	vectors.down = true

	_, err := svc.Search(context.Background(), Request{Query: "anything"})
	require.Error(t, err)
	assert.True(t, trenderr.ServiceUnavailable.Has(err),
		"vector outage surfaces as ServiceUnavailable, never a keyword fallback")
}

func TestSimilarExcludesSelf(t *testing.T) {
	svc, vectors, trends, provider := setupSearch(t)
	ctx := context.Background()

	seedTrend(ctx, t, vectors, trends, provider, "x", "the original story")
	seedTrend(ctx, t, vectors, trends, provider, "near", "the original story")
	seedTrend(ctx, t, vectors, trends, provider, "far", "unrelated event entirely")

	hits, err := svc.Similar(ctx, "x", 5, 0.7)
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, "near", hits[0].Trend.ID, "similar(X) never contains X")
}

func TestSimilarUnknownTrend(t *testing.T) {
	svc, _, _, _ := setupSearch(t)
	_, err := svc.Similar(context.Background(), "ghost", 5, 0.7)
	require.Error(t, err)
	assert.True(t, trenderr.NotFound.Has(err))
}

func TestSimilarCached(t *testing.T) {
	svc, vectors, trends, provider := setupSearch(t)
	ctx := context.Background()

	seedTrend(ctx, t, vectors, trends, provider, "x", "story one")
	seedTrend(ctx, t, vectors, trends, provider, "y", "story one")

	first, err := svc.Similar(ctx, "x", 5, 0.7)
	require.NoError(t, err)

	// Remove the backing data: a repeat within TTL serves from cache.
	vectors.down = true
	second, err := svc.Similar(ctx, "x", 5, 0.7)
	require.NoError(t, err)
	assert.Equal(t, first, second)
}

func TestSearchEmbeddingCacheIdempotence(t *testing.T) {
	// Identical queries hit the provider once: the second call reads the
	// fingerprint cache and returns identical output.
	svc, vectors, trends, provider := setupSearch(t)
	ctx := context.Background()
	seedTrend(ctx, t, vectors, trends, provider, "t1", "cache me")

	first, err := svc.Search(ctx, Request{Query: "cache me", Limit: 3})
	require.NoError(t, err)
	second, err := svc.Search(ctx, Request{Query: "cache me", Limit: 3})
	require.NoError(t, err)
	assert.Equal(t, first, second)
}
