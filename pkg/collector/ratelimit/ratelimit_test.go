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

package ratelimit

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kraklabs/trendwatch/pkg/cache"
)

func TestMemoryLimit(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	// For limit L, at most L calls succeed within one window.
	const limit = 5
	allowed := 0
	for range 20 {
		ok, err := m.CheckAllowed(ctx, "plugin", limit)
		require.NoError(t, err)
		if ok {
			allowed++
		}
	}
	assert.Equal(t, limit, allowed)

	count, err := m.Count(ctx, "plugin")
	require.NoError(t, err)
	assert.Equal(t, int64(limit), count)
}

func TestMemoryWindowRollover(t *testing.T) {
	m := NewMemory()
	now := time.Date(2025, 6, 1, 10, 59, 0, 0, time.UTC)
	m.now = func() time.Time { return now }
	ctx := context.Background()

	ok, err := m.CheckAllowed(ctx, "p", 1)
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = m.CheckAllowed(ctx, "p", 1)
	require.NoError(t, err)
	require.False(t, ok)

	// The next hour opens a fresh window.
	now = now.Add(2 * time.Minute)
	ok, err = m.CheckAllowed(ctx, "p", 1)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestMemoryZeroLimitMeansUnlimited(t *testing.T) {
	m := NewMemory()
	for range 100 {
		ok, err := m.CheckAllowed(context.Background(), "p", 0)
		require.NoError(t, err)
		require.True(t, ok)
	}
}

func TestMemoryConcurrent(t *testing.T) {
	m := NewMemory()
	const limit = 50

	var allowed atomic.Int64
	var wg sync.WaitGroup
	for range 200 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := m.CheckAllowed(context.Background(), "p", limit)
			if err == nil && ok {
				allowed.Add(1)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int64(limit), allowed.Load())
}

func TestRedisLimit(t *testing.T) {
	mr := miniredis.RunT(t)
	c := cache.NewRedisFromClient(goredis.NewClient(&goredis.Options{Addr: mr.Addr()}))
	defer c.Close()

	r := NewRedis(c)
	ctx := context.Background()

	const limit = 3
	allowed := 0
	for range 10 {
		ok, err := r.CheckAllowed(ctx, "plugin", limit)
		require.NoError(t, err)
		if ok {
			allowed++
		}
	}
	assert.Equal(t, limit, allowed)

	// The counter key expires with the hour window.
	mr.FastForward(time.Hour + time.Minute)
	ok, err := r.CheckAllowed(ctx, "plugin", limit)
	require.NoError(t, err)
	assert.True(t, ok, "a fresh window admits requests again")
}

func TestRedisSeparatePlugins(t *testing.T) {
	mr := miniredis.RunT(t)
	c := cache.NewRedisFromClient(goredis.NewClient(&goredis.Options{Addr: mr.Addr()}))
	defer c.Close()

	r := NewRedis(c)
	ctx := context.Background()

	ok, err := r.CheckAllowed(ctx, "a", 1)
	require.NoError(t, err)
	require.True(t, ok)

	// Plugin b has its own counter.
	ok, err = r.CheckAllowed(ctx, "b", 1)
	require.NoError(t, err)
	assert.True(t, ok)
}
