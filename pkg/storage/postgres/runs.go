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

package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/kraklabs/trendwatch/pkg/model"
	"github.com/kraklabs/trendwatch/pkg/trenderr"
)

// RunRepo persists pipeline run accounting records.
type RunRepo struct {
	db *sqlx.DB
}

// NewRunRepo wires the repository.
func NewRunRepo(db *sqlx.DB) *RunRepo {
	return &RunRepo{db: db}
}

type runRow struct {
	ID             string         `db:"id"`
	StartedAt      time.Time      `db:"started_at"`
	CompletedAt    sql.NullTime   `db:"completed_at"`
	Status         string         `db:"status"`
	ItemsIn        int            `db:"items_in"`
	ItemsOut       int            `db:"items_out"`
	TopicCount     int            `db:"topic_count"`
	TrendCount     int            `db:"trend_count"`
	Errors         pq.StringArray `db:"errors"`
	ConfigSnapshot string         `db:"config_snapshot"`
}

func (r runRow) toModel() model.PipelineRun {
	run := model.PipelineRun{
		ID:             r.ID,
		StartedAt:      r.StartedAt,
		Status:         model.RunStatus(r.Status),
		ItemsIn:        r.ItemsIn,
		ItemsOut:       r.ItemsOut,
		TopicCount:     r.TopicCount,
		TrendCount:     r.TrendCount,
		Errors:         r.Errors,
		ConfigSnapshot: r.ConfigSnapshot,
	}
	if r.CompletedAt.Valid {
		run.CompletedAt = r.CompletedAt.Time
	}
	return run
}

// Save upserts a run record; the orchestrator writes once at start and once
// at completion.
func (r *RunRepo) Save(ctx context.Context, run model.PipelineRun) error {
	var completed sql.NullTime
	if !run.CompletedAt.IsZero() {
		completed = sql.NullTime{Time: run.CompletedAt, Valid: true}
	}
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO pipeline_runs (id, started_at, completed_at, status,
			items_in, items_out, topic_count, trend_count, errors, config_snapshot)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		 ON CONFLICT (id) DO UPDATE SET
			completed_at = EXCLUDED.completed_at,
			status = EXCLUDED.status,
			items_in = EXCLUDED.items_in,
			items_out = EXCLUDED.items_out,
			topic_count = EXCLUDED.topic_count,
			trend_count = EXCLUDED.trend_count,
			errors = EXCLUDED.errors`,
		run.ID, run.StartedAt, completed, string(run.Status),
		run.ItemsIn, run.ItemsOut, run.TopicCount, run.TrendCount,
		pq.Array(run.Errors), run.ConfigSnapshot)
	if err != nil {
		return trenderr.ServiceUnavailable.Wrap(fmt.Errorf("save pipeline run %s: %w", run.ID, err))
	}
	return nil
}

// Get retrieves one run by UUID.
func (r *RunRepo) Get(ctx context.Context, id string) (*model.PipelineRun, error) {
	var row runRow
	err := r.db.GetContext(ctx, &row,
		`SELECT id, started_at, completed_at, status, items_in, items_out,
			topic_count, trend_count, errors, config_snapshot
		 FROM pipeline_runs WHERE id = $1`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, trenderr.NotFound.New("pipeline run %s", id)
	}
	if err != nil {
		return nil, trenderr.ServiceUnavailable.Wrap(fmt.Errorf("get pipeline run %s: %w", id, err))
	}
	run := row.toModel()
	return &run, nil
}

// Recent returns the latest runs, newest first.
func (r *RunRepo) Recent(ctx context.Context, limit int) ([]model.PipelineRun, error) {
	if limit <= 0 {
		limit = 10
	}
	var rows []runRow
	err := r.db.SelectContext(ctx, &rows,
		`SELECT id, started_at, completed_at, status, items_in, items_out,
			topic_count, trend_count, errors, config_snapshot
		 FROM pipeline_runs ORDER BY started_at DESC LIMIT $1`, limit)
	if err != nil {
		return nil, trenderr.ServiceUnavailable.Wrap(fmt.Errorf("recent pipeline runs: %w", err))
	}
	out := make([]model.PipelineRun, len(rows))
	for i, row := range rows {
		out[i] = row.toModel()
	}
	return out, nil
}
