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

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaults(t *testing.T) {
	cfg := Default()

	assert.Equal(t, 0.92, cfg.Pipeline.DeduplicationThreshold)
	assert.Equal(t, 2, cfg.Pipeline.MinClusterSize)
	assert.Equal(t, 0.3, cfg.Pipeline.ClusteringDistance)
	assert.Equal(t, 10, cfg.Pipeline.MaxTrendsPerCategory)
	assert.True(t, cfg.Pipeline.SourceDiversityEnabled)
	assert.Equal(t, 0.20, cfg.Pipeline.MaxPercentagePerSource)

	assert.Equal(t, 30*time.Second, cfg.Sandbox.Timeout)
	assert.Equal(t, int64(100*1024*1024), cfg.Sandbox.MemoryLimitBytes)
	assert.Contains(t, cfg.Sandbox.IdentifierBlacklist, "exec")
	assert.Contains(t, cfg.Sandbox.ModuleWhitelist, "http")

	assert.Equal(t, 3, cfg.Collectors.FailureThreshold)
	assert.Equal(t, 7*24*time.Hour, cfg.Retention.Hot)
	assert.Equal(t, 30*24*time.Hour, cfg.Retention.Warm)
	assert.Equal(t, 365*24*time.Hour, cfg.Retention.Cold)

	require.NoError(t, cfg.Validate())
}

func TestLoadFileOverridesDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "trendwatch.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
pipeline:
  deduplication_threshold: 0.85
  min_cluster_size: 3
collectors:
  workers: 8
`), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 0.85, cfg.Pipeline.DeduplicationThreshold)
	assert.Equal(t, 3, cfg.Pipeline.MinClusterSize)
	assert.Equal(t, 8, cfg.Collectors.Workers)
	// Untouched sections keep their defaults.
	assert.Equal(t, 0.3, cfg.Pipeline.ClusteringDistance)
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv("TRENDWATCH_DATABASE_URL", "postgres://db.internal:5432/tw")
	t.Setenv("TRENDWATCH_REDIS_ADDR", "redis.internal:6379")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "postgres://db.internal:5432/tw", cfg.Database.DSN)
	assert.Equal(t, "redis.internal:6379", cfg.Redis.Addr)
}

func TestValidateRejections(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"threshold too high", func(c *Config) { c.Pipeline.DeduplicationThreshold = 1.5 }},
		{"threshold zero", func(c *Config) { c.Pipeline.DeduplicationThreshold = 0 }},
		{"cluster size one", func(c *Config) { c.Pipeline.MinClusterSize = 1 }},
		{"bad source share", func(c *Config) { c.Pipeline.MaxPercentagePerSource = 2 }},
		{"zero dimensions", func(c *Config) { c.Embedding.Dimensions = 0 }},
		{"bad limiter backend", func(c *Config) { c.Collectors.RateLimitBackend = "zookeeper" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(&cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	assert.Error(t, err)
}

func TestSnapshotRoundTrips(t *testing.T) {
	cfg := Default()
	snapshot := cfg.Snapshot()
	assert.Contains(t, snapshot, "deduplication_threshold: 0.92")
	assert.Contains(t, snapshot, "min_cluster_size: 2")
}
