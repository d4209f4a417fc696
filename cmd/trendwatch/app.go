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

package main

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/jmoiron/sqlx"

	"github.com/kraklabs/trendwatch/pkg/cache"
	"github.com/kraklabs/trendwatch/pkg/collector"
	"github.com/kraklabs/trendwatch/pkg/collector/ratelimit"
	"github.com/kraklabs/trendwatch/pkg/collector/sandbox"
	"github.com/kraklabs/trendwatch/pkg/config"
	"github.com/kraklabs/trendwatch/pkg/embed"
	"github.com/kraklabs/trendwatch/pkg/orchestrator"
	"github.com/kraklabs/trendwatch/pkg/pipeline"
	"github.com/kraklabs/trendwatch/pkg/search"
	"github.com/kraklabs/trendwatch/pkg/storage/postgres"
	"github.com/kraklabs/trendwatch/pkg/storage/vector"
)

// app is the explicitly-initialized service container: every component the
// commands need, wired once and passed by reference. No hidden globals.
type app struct {
	cfg    config.Config
	logger *slog.Logger

	db      *sqlx.DB
	cache   *cache.Redis
	items   *postgres.ItemRepo
	topics  *postgres.TopicRepo
	trends  *postgres.TrendRepo
	health  *postgres.HealthRepo
	sources *postgres.SourceRepo
	runs    *postgres.RunRepo
	vectors *vector.PG

	provider embed.Provider
	runtime  *collector.Runtime
	runner   *pipeline.Runner
	orch     *orchestrator.Orchestrator
	searcher *search.Service
}

// newApp loads configuration and wires the full container. migrate controls
// whether the schema is applied; read-only commands skip it.
func newApp(ctx context.Context, globals GlobalFlags, migrate bool) (*app, error) {
	cfg, err := config.Load(globals.ConfigPath)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	logger := globals.logger()

	db, err := postgres.Open(ctx, cfg.Database)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if migrate {
		if err := postgres.Migrate(ctx, db); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("migrate: %w", err)
		}
	}

	redisCache := cache.NewRedis(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)

	sources, err := postgres.NewSourceRepo(db)
	if err != nil {
		_ = db.Close()
		return nil, err
	}

	vectors := vector.NewPG(db, cfg.Embedding.Dimensions, logger)
	if migrate {
		if err := vectors.EnsureSchema(ctx); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("vector schema: %w", err)
		}
	}

	baseProvider, err := embed.New(cfg.Embedding)
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("embedding provider: %w", err)
	}
	provider := embed.NewCached(baseProvider, redisCache, cfg.Embedding.CacheTTL, logger)

	box, err := sandbox.New(cfg.Sandbox, logger)
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sandbox: %w", err)
	}

	var limiter ratelimit.Limiter
	if cfg.Collectors.RateLimitBackend == "redis" {
		limiter = ratelimit.NewRedis(redisCache)
	} else {
		limiter = ratelimit.NewMemory()
	}

	health := postgres.NewHealthRepo(db)
	registry := collector.NewRegistry()
	runtime := collector.NewRuntime(cfg.Collectors, registry, limiter, health, sources, box, logger)

	items := postgres.NewItemRepo(db)
	topics := postgres.NewTopicRepo(db)
	trends := postgres.NewTrendRepo(db)
	runs := postgres.NewRunRepo(db)

	runner := pipeline.NewRunner(cfg.Pipeline, provider, cfg.Snapshot(), logger)
	orch := orchestrator.New(cfg, runtime, runner, items, topics, trends, runs, vectors, provider, redisCache, logger)
	searcher := search.New(provider, vectors, trends, redisCache, logger)

	return &app{
		cfg:      cfg,
		logger:   logger,
		db:       db,
		cache:    redisCache,
		items:    items,
		topics:   topics,
		trends:   trends,
		health:   health,
		sources:  sources,
		runs:     runs,
		vectors:  vectors,
		provider: provider,
		runtime:  runtime,
		runner:   runner,
		orch:     orch,
		searcher: searcher,
	}, nil
}

// loadCollectors pulls the DB-defined catalog into the registry.
func (a *app) loadCollectors(ctx context.Context) error {
	_, err := a.runtime.LoadDBDefined(ctx)
	return err
}

// Close releases connections.
func (a *app) Close() {
	if a.db != nil {
		_ = a.db.Close()
	}
	if a.cache != nil {
		_ = a.cache.Close()
	}
}
