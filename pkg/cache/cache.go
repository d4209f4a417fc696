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

// Package cache implements the Redis-backed cache repository that fronts the
// metadata and vector stores, and the counters backing rate limiting.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/kraklabs/trendwatch/pkg/trenderr"
)

// ErrMiss is returned when a key does not exist. Callers treat a miss as
// "compute and store", never as a failure.
var ErrMiss = errors.New("cache miss")

// Cache is the repository contract for the hot-read tier. Serialization is
// the implementation's concern; callers exchange Go values.
type Cache interface {
	Get(ctx context.Context, key string, dest any) error
	Set(ctx context.Context, key string, value any, ttl time.Duration) error
	Delete(ctx context.Context, keys ...string) error
	DeletePattern(ctx context.Context, glob string) (int, error)

	GetHash(ctx context.Context, key, field string, dest any) error
	SetHash(ctx context.Context, key, field string, value any, ttl time.Duration) error

	PushList(ctx context.Context, key string, ttl time.Duration, values ...any) error
	RangeList(ctx context.Context, key string, start, stop int64) ([]string, error)

	Increment(ctx context.Context, key string, ttl time.Duration) (int64, error)
	GetCounter(ctx context.Context, key string) (int64, error)

	Ping(ctx context.Context) error
	Close() error
}

// Redis implements Cache over go-redis. Safe for concurrent use.
type Redis struct {
	client *redis.Client
}

// NewRedis connects a cache to the given Redis instance.
func NewRedis(addr, password string, db int) *Redis {
	return &Redis{client: redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})}
}

// NewRedisFromClient wraps an existing client; used by tests with miniredis.
func NewRedisFromClient(client *redis.Client) *Redis {
	return &Redis{client: client}
}

func (r *Redis) Get(ctx context.Context, key string, dest any) error {
	data, err := r.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return ErrMiss
	}
	if err != nil {
		return trenderr.ServiceUnavailable.Wrap(fmt.Errorf("cache get %s: %w", key, err))
	}
	if err := json.Unmarshal(data, dest); err != nil {
		return fmt.Errorf("cache decode %s: %w", key, err)
	}
	return nil
}

func (r *Redis) Set(ctx context.Context, key string, value any, ttl time.Duration) error {
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("cache encode %s: %w", key, err)
	}
	if err := r.client.Set(ctx, key, data, ttl).Err(); err != nil {
		return trenderr.ServiceUnavailable.Wrap(fmt.Errorf("cache set %s: %w", key, err))
	}
	return nil
}

func (r *Redis) Delete(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	if err := r.client.Del(ctx, keys...).Err(); err != nil {
		return trenderr.ServiceUnavailable.Wrap(fmt.Errorf("cache delete: %w", err))
	}
	return nil
}

// DeletePattern removes every key matching glob via incremental SCAN, so a
// large keyspace never blocks the server the way KEYS would.
func (r *Redis) DeletePattern(ctx context.Context, glob string) (int, error) {
	var deleted int
	iter := r.client.Scan(ctx, 0, glob, 256).Iterator()
	batch := make([]string, 0, 256)
	for iter.Next(ctx) {
		batch = append(batch, iter.Val())
		if len(batch) == 256 {
			if err := r.client.Del(ctx, batch...).Err(); err != nil {
				return deleted, trenderr.ServiceUnavailable.Wrap(err)
			}
			deleted += len(batch)
			batch = batch[:0]
		}
	}
	if err := iter.Err(); err != nil {
		return deleted, trenderr.ServiceUnavailable.Wrap(fmt.Errorf("cache scan %s: %w", glob, err))
	}
	if len(batch) > 0 {
		if err := r.client.Del(ctx, batch...).Err(); err != nil {
			return deleted, trenderr.ServiceUnavailable.Wrap(err)
		}
		deleted += len(batch)
	}
	return deleted, nil
}

func (r *Redis) GetHash(ctx context.Context, key, field string, dest any) error {
	data, err := r.client.HGet(ctx, key, field).Bytes()
	if errors.Is(err, redis.Nil) {
		return ErrMiss
	}
	if err != nil {
		return trenderr.ServiceUnavailable.Wrap(fmt.Errorf("cache hget %s.%s: %w", key, field, err))
	}
	if err := json.Unmarshal(data, dest); err != nil {
		return fmt.Errorf("cache decode %s.%s: %w", key, field, err)
	}
	return nil
}

func (r *Redis) SetHash(ctx context.Context, key, field string, value any, ttl time.Duration) error {
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("cache encode %s.%s: %w", key, field, err)
	}
	pipe := r.client.Pipeline()
	pipe.HSet(ctx, key, field, data)
	if ttl > 0 {
		pipe.Expire(ctx, key, ttl)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return trenderr.ServiceUnavailable.Wrap(fmt.Errorf("cache hset %s.%s: %w", key, field, err))
	}
	return nil
}

func (r *Redis) PushList(ctx context.Context, key string, ttl time.Duration, values ...any) error {
	encoded := make([]any, 0, len(values))
	for _, v := range values {
		data, err := json.Marshal(v)
		if err != nil {
			return fmt.Errorf("cache encode %s: %w", key, err)
		}
		encoded = append(encoded, data)
	}
	pipe := r.client.Pipeline()
	pipe.RPush(ctx, key, encoded...)
	if ttl > 0 {
		pipe.Expire(ctx, key, ttl)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return trenderr.ServiceUnavailable.Wrap(fmt.Errorf("cache rpush %s: %w", key, err))
	}
	return nil
}

func (r *Redis) RangeList(ctx context.Context, key string, start, stop int64) ([]string, error) {
	vals, err := r.client.LRange(ctx, key, start, stop).Result()
	if err != nil {
		return nil, trenderr.ServiceUnavailable.Wrap(fmt.Errorf("cache lrange %s: %w", key, err))
	}
	return vals, nil
}

// Increment atomically bumps a counter and sets its TTL on first write.
// The INCR/EXPIRE pair pipelines into one round trip; EXPIRE NX keeps a
// pre-existing window from being extended.
func (r *Redis) Increment(ctx context.Context, key string, ttl time.Duration) (int64, error) {
	pipe := r.client.Pipeline()
	incr := pipe.Incr(ctx, key)
	if ttl > 0 {
		pipe.ExpireNX(ctx, key, ttl)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, trenderr.ServiceUnavailable.Wrap(fmt.Errorf("cache incr %s: %w", key, err))
	}
	return incr.Val(), nil
}

func (r *Redis) GetCounter(ctx context.Context, key string) (int64, error) {
	val, err := r.client.Get(ctx, key).Int64()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, trenderr.ServiceUnavailable.Wrap(fmt.Errorf("cache counter %s: %w", key, err))
	}
	return val, nil
}

func (r *Redis) Ping(ctx context.Context) error {
	if err := r.client.Ping(ctx).Err(); err != nil {
		return trenderr.ServiceUnavailable.Wrap(err)
	}
	return nil
}

func (r *Redis) Close() error {
	return r.client.Close()
}
