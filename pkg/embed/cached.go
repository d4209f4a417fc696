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

package embed

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/kraklabs/trendwatch/pkg/cache"
)

// Cached fronts any Provider with the embedding cache. Identical inputs hit
// the provider once per TTL window; cache failures degrade to direct
// provider calls rather than failing the embed.
type Cached struct {
	inner  Provider
	cache  cache.Cache
	ttl    time.Duration
	logger *slog.Logger
}

// NewCached wraps inner with c. A zero ttl falls back to the documented
// seven-day default.
func NewCached(inner Provider, c cache.Cache, ttl time.Duration, logger *slog.Logger) *Cached {
	if logger == nil {
		logger = slog.Default()
	}
	if ttl <= 0 {
		ttl = cache.TTLEmbedding
	}
	return &Cached{inner: inner, cache: c, ttl: ttl, logger: logger}
}

func (c *Cached) Dimensions() int { return c.inner.Dimensions() }

func (c *Cached) Embed(ctx context.Context, text string) ([]float32, error) {
	key := cache.EmbeddingKey(text)

	var vec []float32
	err := c.cache.Get(ctx, key, &vec)
	if err == nil && len(vec) > 0 {
		return vec, nil
	}
	if err != nil && !errors.Is(err, cache.ErrMiss) {
		c.logger.Warn("embed.cache.get.error", "err", err)
	}

	vec, err = c.inner.Embed(ctx, text)
	if err != nil {
		return nil, err
	}
	if err := c.cache.Set(ctx, key, vec, c.ttl); err != nil {
		c.logger.Warn("embed.cache.set.error", "err", err)
	}
	return vec, nil
}

func (c *Cached) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	missing := make([]int, 0, len(texts))
	missingTexts := make([]string, 0, len(texts))

	for i, text := range texts {
		var vec []float32
		err := c.cache.Get(ctx, cache.EmbeddingKey(text), &vec)
		if err == nil && len(vec) > 0 {
			out[i] = vec
			continue
		}
		if err != nil && !errors.Is(err, cache.ErrMiss) {
			c.logger.Warn("embed.cache.get.error", "err", err)
		}
		missing = append(missing, i)
		missingTexts = append(missingTexts, text)
	}

	if len(missing) == 0 {
		return out, nil
	}

	vecs, err := c.inner.EmbedBatch(ctx, missingTexts)
	if err != nil {
		return nil, err
	}
	for j, idx := range missing {
		out[idx] = vecs[j]
		if err := c.cache.Set(ctx, cache.EmbeddingKey(missingTexts[j]), vecs[j], c.ttl); err != nil {
			c.logger.Warn("embed.cache.set.error", "err", err)
		}
	}

	c.logger.Debug("embed.batch.complete",
		"total", len(texts),
		"cache_hits", len(texts)-len(missing),
		"provider_calls", len(missing),
	)
	return out, nil
}
