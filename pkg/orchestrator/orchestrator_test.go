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

package orchestrator

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kraklabs/trendwatch/pkg/cache"
	"github.com/kraklabs/trendwatch/pkg/config"
	"github.com/kraklabs/trendwatch/pkg/embed"
	"github.com/kraklabs/trendwatch/pkg/model"
	"github.com/kraklabs/trendwatch/pkg/pipeline"
	"github.com/kraklabs/trendwatch/pkg/storage/vector"
	"github.com/kraklabs/trendwatch/pkg/trenderr"
)

// memStores collects the in-memory store fakes for orchestrator tests.
type memStores struct {
	mu sync.Mutex

	items   map[string]model.ProcessedItem
	topics  map[string]model.Topic
	trends  map[string]model.Trend
	runs    map[string]model.PipelineRun
	vectors map[string]vector.Entry

	// itemSaveGate, when set, blocks SaveBatch until released; used to
	// hold the cycle guard open.
	itemSaveGate chan struct{}
}

func newMemStores() *memStores {
	return &memStores{
		items:   make(map[string]model.ProcessedItem),
		topics:  make(map[string]model.Topic),
		trends:  make(map[string]model.Trend),
		runs:    make(map[string]model.PipelineRun),
		vectors: make(map[string]vector.Entry),
	}
}

func (s *memStores) SaveBatch(ctx context.Context, items []model.ProcessedItem) error {
	if s.itemSaveGate != nil {
		select {
		case <-s.itemSaveGate:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, item := range items {
		s.items[item.ID] = item
	}
	return nil
}

func (s *memStores) GetWithoutEmbeddings(context.Context, int) ([]model.ProcessedItem, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []model.ProcessedItem
	for _, item := range s.items {
		if _, ok := s.vectors[vector.ItemKey(item.ID)]; !ok {
			out = append(out, item)
		}
	}
	return out, nil
}

func (s *memStores) MarkEmbedded(context.Context, []string) error { return nil }

func (s *memStores) DeleteOlderThan(_ context.Context, cutoff time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for id, item := range s.items {
		if item.PublishedAt.Before(cutoff) {
			delete(s.items, id)
			n++
		}
	}
	return n, nil
}

func (s *memStores) PruneBodies(_ context.Context, cutoff time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for id, item := range s.items {
		if item.PublishedAt.Before(cutoff) && item.Body != "" {
			item.Body = ""
			s.items[id] = item
			n++
		}
	}
	return n, nil
}

// topicStore / trendStore / runStore views over the same memStores.

type topicStore struct{ *memStores }

func (s topicStore) SaveBatch(_ context.Context, topics []model.Topic) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, topic := range topics {
		s.topics[topic.ID] = topic
	}
	return nil
}

func (s topicStore) DeleteOlderThan(context.Context, time.Time) (int, error) { return 0, nil }

type trendStore struct{ *memStores }

func (s trendStore) SaveBatch(_ context.Context, trends []model.Trend) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, trend := range trends {
		s.trends[trend.ID] = trend
	}
	return nil
}

func (s trendStore) DeleteOlderThan(context.Context, time.Time) (int, error) { return 0, nil }

type runStore struct{ *memStores }

func (s runStore) Save(_ context.Context, run model.PipelineRun) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.runs[run.ID] = run
	return nil
}

type vectorStore struct{ *memStores }

func (s vectorStore) Upsert(_ context.Context, id string, vec []float32, payload vector.Payload) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.vectors[id] = vector.Entry{ID: id, Vector: vec, Payload: payload}
	return nil
}

func (s vectorStore) UpsertBatch(ctx context.Context, entries []vector.Entry) error {
	for _, e := range entries {
		if err := s.Upsert(ctx, e.ID, e.Vector, e.Payload); err != nil {
			return err
		}
	}
	return nil
}

func (s vectorStore) Search(context.Context, []float32, int, float64, vector.Filter) ([]vector.Result, error) {
	return nil, nil
}

func (s vectorStore) Get(_ context.Context, id string) (*vector.Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.vectors[id]
	if !ok {
		return nil, trenderr.NotFound.New("vector %s", id)
	}
	return &e, nil
}

func (s vectorStore) Delete(_ context.Context, ids ...string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range ids {
		delete(s.vectors, id)
	}
	return nil
}

func (s vectorStore) DeleteOlderThan(context.Context, string, time.Time) (int, error) {
	return 0, nil
}

func setupOrchestrator(t *testing.T) (*Orchestrator, *memStores, *cache.Redis) {
	t.Helper()
	mr := miniredis.RunT(t)
	c := cache.NewRedisFromClient(goredis.NewClient(&goredis.Options{Addr: mr.Addr()}))
	t.Cleanup(func() { _ = c.Close() })

	cfg := config.Default()
	provider := embed.NewMock(16)
	stores := newMemStores()
	runner := pipeline.NewRunner(cfg.Pipeline, provider, cfg.Snapshot(), nil)

	orch := New(cfg, nil, runner,
		stores, topicStore{stores}, trendStore{stores}, runStore{stores},
		vectorStore{stores}, provider, c, nil)
	return orch, stores, c
}

func testRaw(source, id, title string, upvotes int64) model.RawItem {
	return model.RawItem{
		Source:      source,
		SourceID:    id,
		URL:         "https://example.com/" + id,
		Title:       title,
		PublishedAt: time.Now().UTC().Add(-2 * time.Hour),
		Engagement:  model.Engagement{Upvotes: upvotes},
	}
}

func TestProcessBatchEndToEnd(t *testing.T) {
	orch, stores, _ := setupOrchestrator(t)
	ctx := context.Background()

	raw := []model.RawItem{
		testRaw("hn", "1", "Massive chip launch shakes the industry", 500),
		testRaw("reddit", "2", "massive chip launch shakes the industry", 200),
		testRaw("hn", "3", "Unrelated science discovery announced", 50),
	}
	report, err := orch.ProcessBatch(ctx, raw)
	require.NoError(t, err)

	// Dedup collapsed the title pair.
	assert.Equal(t, 3, report.Run.ItemsIn)
	assert.Equal(t, 2, report.Run.ItemsOut)
	assert.Equal(t, model.RunCompleted, report.Run.Status)

	assert.Len(t, stores.items, 2)
	assert.Len(t, stores.runs, 1)

	// Every persisted item got an item vector.
	for id := range stores.items {
		_, ok := stores.vectors[vector.ItemKey(id)]
		assert.True(t, ok, "item %s has a vector", id)
	}
}

func TestProcessBatchInvalidatesCaches(t *testing.T) {
	orch, _, c := setupOrchestrator(t)
	ctx := context.Background()

	require.NoError(t, c.Set(ctx, "trends:list:x", "stale", time.Hour))
	require.NoError(t, c.Set(ctx, "topics:items:y", "stale", time.Hour))
	require.NoError(t, c.Set(ctx, "emb:keep", "kept", time.Hour))

	_, err := orch.ProcessBatch(ctx, []model.RawItem{
		testRaw("hn", "1", "Something happened today", 10),
	})
	require.NoError(t, err)

	var got string
	assert.ErrorIs(t, c.Get(ctx, "trends:list:x", &got), cache.ErrMiss)
	assert.ErrorIs(t, c.Get(ctx, "topics:items:y", &got), cache.ErrMiss)
	assert.NoError(t, c.Get(ctx, "emb:keep", &got), "embedding cache survives invalidation")
}

func TestCycleGuardRejectsConcurrent(t *testing.T) {
	orch, stores, _ := setupOrchestrator(t)
	stores.itemSaveGate = make(chan struct{})

	started := make(chan struct{})
	done := make(chan error, 1)
	go func() {
		close(started)
		_, err := orch.ProcessBatch(context.Background(), []model.RawItem{
			testRaw("hn", "1", "long running batch", 1),
		})
		done <- err
	}()
	<-started
	// Give the first batch time to take the guard and block on the gate.
	time.Sleep(50 * time.Millisecond)

	_, err := orch.ProcessBatch(context.Background(), nil)
	require.Error(t, err)
	assert.True(t, trenderr.AlreadyRunning.Has(err))

	close(stores.itemSaveGate)
	require.NoError(t, <-done)

	// The guard releases once the first batch completes.
	_, err = orch.ProcessBatch(context.Background(), nil)
	assert.NoError(t, err)
}

func TestSweepPrunesOldContent(t *testing.T) {
	orch, stores, _ := setupOrchestrator(t)
	ctx := context.Background()

	old := model.ProcessedItem{
		ID:          "old",
		Body:        "full text",
		PublishedAt: time.Now().UTC().Add(-400 * 24 * time.Hour),
	}
	warm := model.ProcessedItem{
		ID:          "warm",
		Body:        "full text",
		PublishedAt: time.Now().UTC().Add(-60 * 24 * time.Hour),
	}
	fresh := model.ProcessedItem{
		ID:          "fresh",
		Body:        "full text",
		PublishedAt: time.Now().UTC(),
	}
	stores.items["old"] = old
	stores.items["warm"] = warm
	stores.items["fresh"] = fresh

	require.NoError(t, orch.Sweep(ctx))

	assert.NotContains(t, stores.items, "old", "cold-tier content is deleted")
	assert.Contains(t, stores.items, "warm")
	assert.Empty(t, stores.items["warm"].Body, "warm-tier content loses its body")
	assert.Equal(t, "full text", stores.items["fresh"].Body)
}
