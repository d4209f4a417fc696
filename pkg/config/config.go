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

// Package config loads and validates the trendwatch configuration tree.
// Configuration comes from a YAML file with environment-variable overrides
// for connection strings and secrets.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root configuration tree.
type Config struct {
	Database   DatabaseConfig   `yaml:"database"`
	Redis      RedisConfig      `yaml:"redis"`
	Embedding  EmbeddingConfig  `yaml:"embedding"`
	Pipeline   PipelineConfig   `yaml:"pipeline"`
	Collectors CollectorsConfig `yaml:"collectors"`
	Sandbox    SandboxConfig    `yaml:"sandbox"`
	Retention  RetentionConfig  `yaml:"retention"`
	Server     ServerConfig     `yaml:"server"`
}

// DatabaseConfig configures the Postgres metadata store.
type DatabaseConfig struct {
	// DSN is a pgx-compatible connection string. The TRENDWATCH_DATABASE_URL
	// environment variable overrides it.
	DSN string `yaml:"dsn"`

	MaxOpenConns int           `yaml:"max_open_conns"`
	MaxIdleConns int           `yaml:"max_idle_conns"`
	ConnLifetime time.Duration `yaml:"conn_lifetime"`
}

// RedisConfig configures the cache and the distributed rate-limit backend.
type RedisConfig struct {
	// Addr is host:port. The TRENDWATCH_REDIS_ADDR environment variable
	// overrides it.
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// EmbeddingConfig configures the embedding provider.
type EmbeddingConfig struct {
	// Provider selects the embedding backend: "openai" or "mock".
	// The openai provider reads OPENAI_API_KEY (required) and
	// OPENAI_API_BASE.
	Provider string `yaml:"provider"`

	// Model is the embedding model identifier.
	Model string `yaml:"model"`

	// Dimensions is the vector size. Defaults to 1536
	// (text-embedding-3-small).
	Dimensions int `yaml:"dimensions"`

	// BatchTimeout bounds one embedding batch call.
	BatchTimeout time.Duration `yaml:"batch_timeout"`

	// BatchSize is the maximum number of texts per provider call.
	BatchSize int `yaml:"batch_size"`

	// CacheTTL bounds how long a text's embedding stays cached.
	CacheTTL time.Duration `yaml:"cache_ttl"`
}

// PipelineConfig controls the processing stages and ranking.
type PipelineConfig struct {
	// DeduplicationThreshold is the cosine similarity at or above which a
	// pair of items is considered duplicate.
	DeduplicationThreshold float64 `yaml:"deduplication_threshold"`

	// NearNeighborCutoff is the batch size above which deduplication
	// switches from exhaustive pairing to bucketed near-neighbor search.
	NearNeighborCutoff int `yaml:"near_neighbor_cutoff"`

	// CrossLanguageDedup allows near-duplicate pairs in different
	// languages to collapse. Disabled by default: the same story in two
	// languages stays as two items and clusters into one topic instead.
	CrossLanguageDedup bool `yaml:"cross_language_dedup"`

	// MinClusterSize is the smallest item count that forms a topic.
	MinClusterSize int `yaml:"min_cluster_size"`

	// ClusteringDistance is the cosine-distance reachability radius for
	// density clustering.
	ClusteringDistance float64 `yaml:"clustering_distance"`

	// MaxTrendsPerCategory caps ranked trends within one category.
	MaxTrendsPerCategory int `yaml:"max_trends_per_category"`

	// SourceDiversityEnabled toggles the per-source cap on top-N output.
	SourceDiversityEnabled bool `yaml:"source_diversity_enabled"`

	// MaxPercentagePerSource is the share of top-N any single source may
	// supply when the diversity filter is enabled.
	MaxPercentagePerSource float64 `yaml:"max_percentage_per_source"`

	// TopKeywords is how many TF-IDF keywords a topic keeps.
	TopKeywords int `yaml:"top_keywords"`

	Ranking RankingConfig `yaml:"ranking"`
}

// RankingConfig holds the composite-score weights and the lifecycle state
// thresholds. Thresholds are configuration, not hard-coded.
type RankingConfig struct {
	EngagementWeight float64 `yaml:"engagement_weight"`
	RecencyWeight    float64 `yaml:"recency_weight"`
	VelocityWeight   float64 `yaml:"velocity_weight"`
	DiversityWeight  float64 `yaml:"diversity_weight"`

	// RecencyTau is the decay constant for recency(t) = exp(-dt/tau).
	RecencyTau time.Duration `yaml:"recency_tau"`

	// VelocityEmerge is the minimum velocity for the emerging state.
	VelocityEmerge float64 `yaml:"velocity_emerge"`

	// VelocityViral is the absolute velocity threshold for viral.
	VelocityViral float64 `yaml:"velocity_viral"`

	// VelocitySustainLow and VelocitySustainHigh bound the sustained band.
	VelocitySustainLow  float64 `yaml:"velocity_sustain_low"`
	VelocitySustainHigh float64 `yaml:"velocity_sustain_high"`
}

// CollectorsConfig carries the runtime defaults applied when a
// CollectorSource leaves a field unset.
type CollectorsConfig struct {
	// DefaultRateLimit is requests per hour per plugin.
	DefaultRateLimit int `yaml:"default_rate_limit"`

	// DefaultTimeout bounds one plugin run.
	DefaultTimeout time.Duration `yaml:"default_timeout"`

	// DefaultRetryCount is the retry budget for transient failures.
	DefaultRetryCount int `yaml:"default_retry_count"`

	// RetryBaseDelay seeds the exponential backoff between retries.
	RetryBaseDelay time.Duration `yaml:"retry_base_delay"`

	// FailureThreshold is the consecutive-failure count after which a
	// plugin is marked unhealthy and skipped by the scheduler.
	FailureThreshold int `yaml:"failure_threshold"`

	// SuccessRateFloor is the minimum success rate for a healthy plugin.
	SuccessRateFloor float64 `yaml:"success_rate_floor"`

	// Workers is the size of the parallel collector worker pool.
	Workers int `yaml:"workers"`

	// RateLimitBackend selects "memory" (single node) or "redis"
	// (distributed).
	RateLimitBackend string `yaml:"rate_limit_backend"`

	// RequestTimeout bounds a single HTTP request inside a collector.
	RequestTimeout time.Duration `yaml:"request_timeout"`

	// CycleInterval is how often the daemon flushes scheduler-collected
	// items through the pipeline.
	CycleInterval time.Duration `yaml:"cycle_interval"`
}

// SandboxConfig controls the restricted execution environment for custom
// collector code.
type SandboxConfig struct {
	// Timeout is the wall-clock ceiling per invocation.
	Timeout time.Duration `yaml:"timeout"`

	// MemoryLimitBytes is the per-invocation memory ceiling.
	MemoryLimitBytes int64 `yaml:"memory_limit_bytes"`

	// MaxSteps bounds interpreter execution steps; a proxy that keeps
	// runaway loops from ever reaching the wall clock.
	MaxSteps uint64 `yaml:"max_steps"`

	// ModuleWhitelist is the set of modules plugin code may use.
	ModuleWhitelist []string `yaml:"module_whitelist"`

	// IdentifierBlacklist is the set of identifiers plugin code must not
	// reference. Matching is word-boundary, never substring.
	IdentifierBlacklist []string `yaml:"identifier_blacklist"`

	// MaxResponseBytes caps the body size the sandbox http module reads.
	MaxResponseBytes int64 `yaml:"max_response_bytes"`
}

// RetentionConfig holds the tiered retention cut-overs. Content older than
// Cold is deleted by the sweep.
type RetentionConfig struct {
	Hot  time.Duration `yaml:"hot"`
	Warm time.Duration `yaml:"warm"`
	Cold time.Duration `yaml:"cold"`
}

// ServerConfig configures the HTTP facade.
type ServerConfig struct {
	Addr            string        `yaml:"addr"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// Default returns a config with every documented default populated.
func Default() Config {
	return Config{
		Database: DatabaseConfig{
			DSN:          "postgres://localhost:5432/trendwatch?sslmode=disable",
			MaxOpenConns: 16,
			MaxIdleConns: 4,
			ConnLifetime: 30 * time.Minute,
		},
		Redis: RedisConfig{
			Addr: "localhost:6379",
		},
		Embedding: EmbeddingConfig{
			Provider:     "mock", // Safe default for local development
			Model:        "text-embedding-3-small",
			Dimensions:   1536,
			BatchTimeout: 120 * time.Second,
			BatchSize:    128,
			CacheTTL:     7 * 24 * time.Hour,
		},
		Pipeline: PipelineConfig{
			DeduplicationThreshold: 0.92,
			NearNeighborCutoff:     500,
			CrossLanguageDedup:     false, // Same story per language stays separate
			MinClusterSize:         2,
			ClusteringDistance:     0.3,
			MaxTrendsPerCategory:   10,
			SourceDiversityEnabled: true,
			MaxPercentagePerSource: 0.20,
			TopKeywords:            10,
			Ranking: RankingConfig{
				EngagementWeight:    0.5,
				RecencyWeight:       0.2,
				VelocityWeight:      0.2,
				DiversityWeight:     0.1,
				RecencyTau:          24 * time.Hour,
				VelocityEmerge:      50,
				VelocityViral:       500,
				VelocitySustainLow:  20,
				VelocitySustainHigh: 500,
			},
		},
		Collectors: CollectorsConfig{
			DefaultRateLimit:  100,
			DefaultTimeout:    2 * time.Minute,
			DefaultRetryCount: 3,
			RetryBaseDelay:    time.Second,
			FailureThreshold:  3,
			SuccessRateFloor:  0.5,
			Workers:           4,
			RateLimitBackend:  "memory",
			RequestTimeout:    30 * time.Second,
			CycleInterval:     5 * time.Minute,
		},
		Sandbox: SandboxConfig{
			Timeout:          30 * time.Second,
			MemoryLimitBytes: 100 * 1024 * 1024,
			MaxSteps:         50_000_000,
			ModuleWhitelist:  []string{"http", "html", "json", "re", "time", "text"},
			IdentifierBlacklist: []string{
				"exec", "eval", "compile", "open", "dir",
				"import", "__import__", "globals", "locals",
				"os", "sys", "subprocess", "socket", "ctypes",
				"getattr", "setattr", "delattr",
			},
			MaxResponseBytes: 10 * 1024 * 1024,
		},
		Retention: RetentionConfig{
			Hot:  7 * 24 * time.Hour,
			Warm: 30 * 24 * time.Hour,
			Cold: 365 * 24 * time.Hour,
		},
		Server: ServerConfig{
			Addr:            ":8080",
			ReadTimeout:     15 * time.Second,
			WriteTimeout:    30 * time.Second,
			ShutdownTimeout: 10 * time.Second,
		},
	}
}

// Load reads path (when non-empty) over the defaults and applies environment
// overrides. A missing file is not an error when path is empty.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config: %w", err)
		}
	}

	if v := os.Getenv("TRENDWATCH_DATABASE_URL"); v != "" {
		cfg.Database.DSN = v
	}
	if v := os.Getenv("TRENDWATCH_REDIS_ADDR"); v != "" {
		cfg.Redis.Addr = v
	}
	if v := os.Getenv("TRENDWATCH_REDIS_PASSWORD"); v != "" {
		cfg.Redis.Password = v
	}

	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// Validate rejects configurations the pipeline cannot run under.
func (c *Config) Validate() error {
	if c.Pipeline.DeduplicationThreshold <= 0 || c.Pipeline.DeduplicationThreshold > 1 {
		return fmt.Errorf("deduplication_threshold must be in (0, 1], got %v", c.Pipeline.DeduplicationThreshold)
	}
	if c.Pipeline.MinClusterSize < 2 {
		return fmt.Errorf("min_cluster_size must be at least 2, got %d", c.Pipeline.MinClusterSize)
	}
	if c.Pipeline.MaxPercentagePerSource <= 0 || c.Pipeline.MaxPercentagePerSource > 1 {
		return fmt.Errorf("max_percentage_per_source must be in (0, 1], got %v", c.Pipeline.MaxPercentagePerSource)
	}
	if c.Embedding.Dimensions <= 0 {
		return fmt.Errorf("embedding dimensions must be positive, got %d", c.Embedding.Dimensions)
	}
	switch c.Collectors.RateLimitBackend {
	case "memory", "redis":
	default:
		return fmt.Errorf("rate_limit_backend must be \"memory\" or \"redis\", got %q", c.Collectors.RateLimitBackend)
	}
	return nil
}

// Snapshot serializes the pipeline section for PipelineRun accounting.
func (c *Config) Snapshot() string {
	data, err := yaml.Marshal(c.Pipeline)
	if err != nil {
		return ""
	}
	return string(data)
}
