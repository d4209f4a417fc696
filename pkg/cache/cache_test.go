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

package cache

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// setupCache starts a miniredis and wraps it in the cache repository.
func setupCache(t *testing.T) (*Redis, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	c := NewRedisFromClient(redis.NewClient(&redis.Options{Addr: mr.Addr()}))
	t.Cleanup(func() { _ = c.Close() })
	return c, mr
}

func TestSetGet(t *testing.T) {
	c, _ := setupCache(t)
	ctx := context.Background()

	type payload struct {
		Name  string `json:"name"`
		Count int    `json:"count"`
	}
	require.NoError(t, c.Set(ctx, "k", payload{Name: "a", Count: 2}, time.Minute))

	var got payload
	require.NoError(t, c.Get(ctx, "k", &got))
	assert.Equal(t, payload{Name: "a", Count: 2}, got)
}

func TestGetMiss(t *testing.T) {
	c, _ := setupCache(t)
	var got string
	err := c.Get(context.Background(), "absent", &got)
	assert.ErrorIs(t, err, ErrMiss)
}

func TestSetExpires(t *testing.T) {
	c, mr := setupCache(t)
	ctx := context.Background()

	require.NoError(t, c.Set(ctx, "k", "v", time.Minute))
	mr.FastForward(2 * time.Minute)

	var got string
	assert.ErrorIs(t, c.Get(ctx, "k", &got), ErrMiss)
}

func TestIncrementWindow(t *testing.T) {
	c, mr := setupCache(t)
	ctx := context.Background()

	for i := int64(1); i <= 3; i++ {
		n, err := c.Increment(ctx, "counter", time.Hour)
		require.NoError(t, err)
		assert.Equal(t, i, n)
	}

	n, err := c.GetCounter(ctx, "counter")
	require.NoError(t, err)
	assert.Equal(t, int64(3), n)

	// The window TTL is set on first increment and expires the counter.
	mr.FastForward(61 * time.Minute)
	n, err = c.GetCounter(ctx, "counter")
	require.NoError(t, err)
	assert.Equal(t, int64(0), n)
}

func TestDeletePattern(t *testing.T) {
	c, _ := setupCache(t)
	ctx := context.Background()

	require.NoError(t, c.Set(ctx, "trends:list:a", 1, time.Minute))
	require.NoError(t, c.Set(ctx, "trends:detail:b", 2, time.Minute))
	require.NoError(t, c.Set(ctx, "topics:items:c", 3, time.Minute))

	n, err := c.DeletePattern(ctx, "trends:*")
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	var got int
	assert.ErrorIs(t, c.Get(ctx, "trends:list:a", &got), ErrMiss)
	assert.NoError(t, c.Get(ctx, "topics:items:c", &got))
}

func TestHashOps(t *testing.T) {
	c, _ := setupCache(t)
	ctx := context.Background()

	require.NoError(t, c.SetHash(ctx, "h", "f", "value", time.Minute))
	var got string
	require.NoError(t, c.GetHash(ctx, "h", "f", &got))
	assert.Equal(t, "value", got)

	assert.ErrorIs(t, c.GetHash(ctx, "h", "absent", &got), ErrMiss)
}

func TestListOps(t *testing.T) {
	c, _ := setupCache(t)
	ctx := context.Background()

	require.NoError(t, c.PushList(ctx, "l", time.Minute, "a", "b", "c"))
	vals, err := c.RangeList(ctx, "l", 0, -1)
	require.NoError(t, err)
	assert.Len(t, vals, 3)
}
