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

// Package postgres implements the metadata repositories over Postgres via
// sqlx. Saves use upsert semantics (items conflict on their (source,
// source_id) identity, other entities on the primary key); creating a source
// is a plain insert. Listing operations return a deterministic order: trends
// by score desc then UUID asc, items and topics by their timestamp desc then
// UUID asc.
package postgres

import (
	"context"
	"fmt"

	_ "github.com/jackc/pgx/v5/stdlib" // pgx database/sql driver
	"github.com/jmoiron/sqlx"

	"github.com/kraklabs/trendwatch/pkg/config"
	"github.com/kraklabs/trendwatch/pkg/trenderr"
)

// Open connects to Postgres and verifies the connection.
func Open(ctx context.Context, cfg config.DatabaseConfig) (*sqlx.DB, error) {
	db, err := sqlx.Open("pgx", cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.ConnLifetime > 0 {
		db.SetConnMaxLifetime(cfg.ConnLifetime)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, trenderr.ServiceUnavailable.Wrap(fmt.Errorf("ping database: %w", err))
	}
	return db, nil
}

// schema is the persisted state layout: typed enums, full-text indexes on
// title/summary, a GIN index on the sources array, and a composite index on
// the topic_items junction for get_items_by_topic.
var schema = []string{
	`DO $$ BEGIN
		CREATE TYPE source_type AS ENUM ('rss', 'twitter', 'reddit', 'youtube', 'hackernews', 'custom');
	EXCEPTION WHEN duplicate_object THEN NULL; END $$`,
	`DO $$ BEGIN
		CREATE TYPE trend_state AS ENUM ('emerging', 'viral', 'sustained', 'declining');
	EXCEPTION WHEN duplicate_object THEN NULL; END $$`,
	`DO $$ BEGIN
		CREATE TYPE run_status AS ENUM ('running', 'completed', 'failed', 'cancelled');
	EXCEPTION WHEN duplicate_object THEN NULL; END $$`,

	`CREATE TABLE IF NOT EXISTS processed_items (
		id               uuid PRIMARY KEY,
		source           text NOT NULL,
		source_id        text NOT NULL,
		url              text NOT NULL,
		title            text NOT NULL,
		body             text NOT NULL DEFAULT '',
		author           text NOT NULL DEFAULT '',
		published_at     timestamptz NOT NULL,
		upvotes          bigint NOT NULL DEFAULT 0,
		downvotes        bigint NOT NULL DEFAULT 0,
		comments         bigint NOT NULL DEFAULT 0,
		shares           bigint NOT NULL DEFAULT 0,
		views            bigint NOT NULL DEFAULT 0,
		tags             text[] NOT NULL DEFAULT '{}',
		normalized_title text NOT NULL,
		category         text NOT NULL DEFAULT 'general',
		language         text NOT NULL DEFAULT 'und',
		language_conf    double precision NOT NULL DEFAULT 0,
		keywords         text[] NOT NULL DEFAULT '{}',
		sentiment        double precision,
		has_embedding    boolean NOT NULL DEFAULT false,
		processed_at     timestamptz NOT NULL,
		UNIQUE (source, source_id)
	)`,
	`CREATE INDEX IF NOT EXISTS processed_items_published_idx ON processed_items (published_at DESC)`,
	`CREATE INDEX IF NOT EXISTS processed_items_no_embedding_idx ON processed_items (processed_at) WHERE NOT has_embedding`,
	`CREATE INDEX IF NOT EXISTS processed_items_title_fts_idx ON processed_items USING gin (to_tsvector('simple', title))`,

	`CREATE TABLE IF NOT EXISTS topics (
		id           uuid PRIMARY KEY,
		title        text NOT NULL,
		summary      text NOT NULL DEFAULT '',
		category     text NOT NULL DEFAULT 'general',
		keywords     text[] NOT NULL DEFAULT '{}',
		item_count   integer NOT NULL DEFAULT 0,
		upvotes      bigint NOT NULL DEFAULT 0,
		downvotes    bigint NOT NULL DEFAULT 0,
		comments     bigint NOT NULL DEFAULT 0,
		shares       bigint NOT NULL DEFAULT 0,
		views        bigint NOT NULL DEFAULT 0,
		first_seen   timestamptz NOT NULL,
		last_updated timestamptz NOT NULL,
		language     text NOT NULL DEFAULT 'und'
	)`,
	`CREATE INDEX IF NOT EXISTS topics_fts_idx ON topics USING gin (to_tsvector('simple', title || ' ' || summary))`,

	`CREATE TABLE IF NOT EXISTS topic_items (
		topic_id uuid NOT NULL REFERENCES topics(id) ON DELETE CASCADE,
		item_id  uuid NOT NULL REFERENCES processed_items(id) ON DELETE CASCADE,
		PRIMARY KEY (topic_id, item_id)
	)`,
	`CREATE INDEX IF NOT EXISTS topic_items_topic_idx ON topic_items (topic_id, item_id)`,

	`CREATE TABLE IF NOT EXISTS trends (
		id         uuid PRIMARY KEY,
		topic_id   uuid NOT NULL REFERENCES topics(id) ON DELETE CASCADE,
		rank       integer NOT NULL,
		score      double precision NOT NULL,
		state      trend_state NOT NULL,
		velocity   double precision NOT NULL DEFAULT 0,
		sources    text[] NOT NULL DEFAULT '{}',
		language   text NOT NULL DEFAULT 'und',
		title      text NOT NULL,
		summary    text NOT NULL DEFAULT '',
		category   text NOT NULL DEFAULT 'general',
		created_at timestamptz NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS trends_score_idx ON trends (score DESC, id ASC)`,
	`CREATE INDEX IF NOT EXISTS trends_category_idx ON trends (category, rank)`,
	`CREATE INDEX IF NOT EXISTS trends_sources_idx ON trends USING gin (sources)`,
	`CREATE INDEX IF NOT EXISTS trends_fts_idx ON trends USING gin (to_tsvector('simple', title || ' ' || summary))`,

	`CREATE TABLE IF NOT EXISTS plugin_health (
		plugin_name          text PRIMARY KEY,
		last_run_at          timestamptz,
		last_success_at      timestamptz,
		last_error           text NOT NULL DEFAULT '',
		consecutive_failures integer NOT NULL DEFAULT 0,
		total_runs           bigint NOT NULL DEFAULT 0,
		success_rate         double precision NOT NULL DEFAULT 0,
		is_healthy           boolean NOT NULL DEFAULT true
	)`,

	`CREATE TABLE IF NOT EXISTS crawler_sources (
		id               bigserial PRIMARY KEY,
		name             text NOT NULL UNIQUE,
		type             source_type NOT NULL,
		url              text NOT NULL DEFAULT '',
		schedule         text NOT NULL DEFAULT '',
		rate_limit       integer NOT NULL DEFAULT 0,
		timeout_seconds  integer NOT NULL DEFAULT 0,
		language         text NOT NULL DEFAULT '',
		include_keywords text[] NOT NULL DEFAULT '{}',
		exclude_keywords text[] NOT NULL DEFAULT '{}',
		auth_ciphertext  bytea,
		plugin_code      text NOT NULL DEFAULT '',
		enabled          boolean NOT NULL DEFAULT false,
		created_at       timestamptz NOT NULL DEFAULT now(),
		updated_at       timestamptz NOT NULL DEFAULT now()
	)`,

	`CREATE TABLE IF NOT EXISTS pipeline_runs (
		id              uuid PRIMARY KEY,
		started_at      timestamptz NOT NULL,
		completed_at    timestamptz,
		status          run_status NOT NULL,
		items_in        integer NOT NULL DEFAULT 0,
		items_out       integer NOT NULL DEFAULT 0,
		topic_count     integer NOT NULL DEFAULT 0,
		trend_count     integer NOT NULL DEFAULT 0,
		errors          text[] NOT NULL DEFAULT '{}',
		config_snapshot text NOT NULL DEFAULT ''
	)`,
	`CREATE INDEX IF NOT EXISTS pipeline_runs_started_idx ON pipeline_runs (started_at DESC)`,
}

// Migrate applies the schema. Every statement is idempotent, so repeated
// runs are safe.
func Migrate(ctx context.Context, db *sqlx.DB) error {
	for i, stmt := range schema {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migrate statement %d: %w", i, err)
		}
	}
	return nil
}
