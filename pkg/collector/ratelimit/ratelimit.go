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

// Package ratelimit bounds per-plugin request rates with an hourly
// sliding-window counter. Two backends share one interface: an in-memory
// counter for single-node deployments and a Redis counter whose atomic
// increments hold across nodes.
package ratelimit

import (
	"context"
	"sync"
	"time"

	"github.com/kraklabs/trendwatch/pkg/cache"
)

// Limiter answers whether a plugin may make another request this hour.
type Limiter interface {
	// CheckAllowed increments the plugin's window counter and reports
	// whether the count stayed within limit. Once the count reaches the
	// limit, further calls return false until the window rolls over.
	CheckAllowed(ctx context.Context, plugin string, limit int) (bool, error)

	// Count returns the current window count without incrementing.
	Count(ctx context.Context, plugin string) (int64, error)
}

// Memory is the single-node backend.
type Memory struct {
	mu      sync.Mutex
	buckets map[string]int64

	// now is swappable for tests.
	now func() time.Time
}

// NewMemory creates an in-memory limiter.
func NewMemory() *Memory {
	return &Memory{
		buckets: make(map[string]int64),
		now:     time.Now,
	}
}

func (m *Memory) CheckAllowed(_ context.Context, plugin string, limit int) (bool, error) {
	if limit <= 0 {
		return true, nil
	}
	key := cache.RateLimitKey(plugin, m.now())

	m.mu.Lock()
	defer m.mu.Unlock()
	m.gc(key, plugin)
	if m.buckets[key] >= int64(limit) {
		return false, nil
	}
	m.buckets[key]++
	return true, nil
}

func (m *Memory) Count(_ context.Context, plugin string) (int64, error) {
	key := cache.RateLimitKey(plugin, m.now())
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.buckets[key], nil
}

// gc drops stale buckets for the plugin; only the current hour matters.
func (m *Memory) gc(current, plugin string) {
	prefix := "ratelimit:" + plugin + ":"
	for key := range m.buckets {
		if key != current && len(key) > len(prefix) && key[:len(prefix)] == prefix {
			delete(m.buckets, key)
		}
	}
}

// Redis is the distributed backend. The counter key carries the UTC hour
// bucket and a one-hour TTL, so the window expires on its own.
type Redis struct {
	cache cache.Cache
	now   func() time.Time
}

// NewRedis creates a limiter over the shared cache.
func NewRedis(c cache.Cache) *Redis {
	return &Redis{cache: c, now: time.Now}
}

func (r *Redis) CheckAllowed(ctx context.Context, plugin string, limit int) (bool, error) {
	if limit <= 0 {
		return true, nil
	}
	key := cache.RateLimitKey(plugin, r.now())
	count, err := r.cache.Increment(ctx, key, cache.TTLRateLimit)
	if err != nil {
		return false, err
	}
	return count <= int64(limit), nil
}

func (r *Redis) Count(ctx context.Context, plugin string) (int64, error) {
	return r.cache.GetCounter(ctx, cache.RateLimitKey(plugin, r.now()))
}
