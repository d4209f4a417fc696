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

	"github.com/jmoiron/sqlx"

	"github.com/kraklabs/trendwatch/pkg/model"
	"github.com/kraklabs/trendwatch/pkg/trenderr"
)

// HealthRepo persists per-plugin health records.
type HealthRepo struct {
	db *sqlx.DB
}

// NewHealthRepo wires the repository.
func NewHealthRepo(db *sqlx.DB) *HealthRepo {
	return &HealthRepo{db: db}
}

type healthRow struct {
	PluginName          string       `db:"plugin_name"`
	LastRunAt           sql.NullTime `db:"last_run_at"`
	LastSuccessAt       sql.NullTime `db:"last_success_at"`
	LastError           string       `db:"last_error"`
	ConsecutiveFailures int          `db:"consecutive_failures"`
	TotalRuns           int64        `db:"total_runs"`
	SuccessRate         float64      `db:"success_rate"`
	IsHealthy           bool         `db:"is_healthy"`
}

func (r healthRow) toModel() model.PluginHealth {
	h := model.PluginHealth{
		PluginName:          r.PluginName,
		LastError:           r.LastError,
		ConsecutiveFailures: r.ConsecutiveFailures,
		TotalRuns:           r.TotalRuns,
		SuccessRate:         r.SuccessRate,
		IsHealthy:           r.IsHealthy,
	}
	if r.LastRunAt.Valid {
		h.LastRunAt = r.LastRunAt.Time
	}
	if r.LastSuccessAt.Valid {
		h.LastSuccessAt = r.LastSuccessAt.Time
	}
	return h
}

// Get retrieves one plugin's health record.
func (r *HealthRepo) Get(ctx context.Context, name string) (*model.PluginHealth, error) {
	var row healthRow
	err := r.db.GetContext(ctx, &row,
		`SELECT plugin_name, last_run_at, last_success_at, last_error,
			consecutive_failures, total_runs, success_rate, is_healthy
		 FROM plugin_health WHERE plugin_name = $1`, name)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, trenderr.NotFound.New("plugin health %s", name)
	}
	if err != nil {
		return nil, trenderr.ServiceUnavailable.Wrap(fmt.Errorf("get plugin health %s: %w", name, err))
	}
	h := row.toModel()
	return &h, nil
}

// GetAll returns every plugin's health record, name-ordered.
func (r *HealthRepo) GetAll(ctx context.Context) ([]model.PluginHealth, error) {
	var rows []healthRow
	err := r.db.SelectContext(ctx, &rows,
		`SELECT plugin_name, last_run_at, last_success_at, last_error,
			consecutive_failures, total_runs, success_rate, is_healthy
		 FROM plugin_health ORDER BY plugin_name ASC`)
	if err != nil {
		return nil, trenderr.ServiceUnavailable.Wrap(fmt.Errorf("list plugin health: %w", err))
	}
	out := make([]model.PluginHealth, len(rows))
	for i, row := range rows {
		out[i] = row.toModel()
	}
	return out, nil
}

// Upsert writes the record atomically via INSERT ... ON CONFLICT DO UPDATE.
func (r *HealthRepo) Upsert(ctx context.Context, h model.PluginHealth) error {
	var lastRun, lastSuccess sql.NullTime
	if !h.LastRunAt.IsZero() {
		lastRun = sql.NullTime{Time: h.LastRunAt, Valid: true}
	}
	if !h.LastSuccessAt.IsZero() {
		lastSuccess = sql.NullTime{Time: h.LastSuccessAt, Valid: true}
	}

	_, err := r.db.ExecContext(ctx,
		`INSERT INTO plugin_health (plugin_name, last_run_at, last_success_at,
			last_error, consecutive_failures, total_runs, success_rate, is_healthy)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		 ON CONFLICT (plugin_name) DO UPDATE SET
			last_run_at = EXCLUDED.last_run_at,
			last_success_at = EXCLUDED.last_success_at,
			last_error = EXCLUDED.last_error,
			consecutive_failures = EXCLUDED.consecutive_failures,
			total_runs = EXCLUDED.total_runs,
			success_rate = EXCLUDED.success_rate,
			is_healthy = EXCLUDED.is_healthy`,
		h.PluginName, lastRun, lastSuccess, h.LastError,
		h.ConsecutiveFailures, h.TotalRuns, h.SuccessRate, h.IsHealthy)
	if err != nil {
		return trenderr.ServiceUnavailable.Wrap(fmt.Errorf("upsert plugin health %s: %w", h.PluginName, err))
	}
	return nil
}

// Delete removes a plugin's health record.
func (r *HealthRepo) Delete(ctx context.Context, name string) error {
	res, err := r.db.ExecContext(ctx,
		`DELETE FROM plugin_health WHERE plugin_name = $1`, name)
	if err != nil {
		return trenderr.ServiceUnavailable.Wrap(fmt.Errorf("delete plugin health %s: %w", name, err))
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return trenderr.NotFound.New("plugin health %s", name)
	}
	return nil
}
