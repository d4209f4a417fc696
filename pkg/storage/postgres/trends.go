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

// TrendRepo persists ranked trends.
type TrendRepo struct {
	db *sqlx.DB
}

// NewTrendRepo wires the repository.
func NewTrendRepo(db *sqlx.DB) *TrendRepo {
	return &TrendRepo{db: db}
}

type trendRow struct {
	ID        string         `db:"id"`
	TopicID   string         `db:"topic_id"`
	Rank      int            `db:"rank"`
	Score     float64        `db:"score"`
	State     string         `db:"state"`
	Velocity  float64        `db:"velocity"`
	Sources   pq.StringArray `db:"sources"`
	Language  string         `db:"language"`
	Title     string         `db:"title"`
	Summary   string         `db:"summary"`
	Category  string         `db:"category"`
	CreatedAt time.Time      `db:"created_at"`
}

func (r trendRow) toModel() model.Trend {
	return model.Trend{
		ID:        r.ID,
		TopicID:   r.TopicID,
		Rank:      r.Rank,
		Score:     r.Score,
		State:     model.TrendState(r.State),
		Velocity:  r.Velocity,
		Sources:   r.Sources,
		Language:  r.Language,
		Title:     r.Title,
		Summary:   r.Summary,
		Category:  model.Category(r.Category),
		CreatedAt: r.CreatedAt,
	}
}

const trendColumns = `id, topic_id, rank, score, state, velocity, sources,
	language, title, summary, category, created_at`

// SaveBatch upserts trends in one transaction.
func (r *TrendRepo) SaveBatch(ctx context.Context, trends []model.Trend) error {
	if len(trends) == 0 {
		return nil
	}

	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return trenderr.ServiceUnavailable.Wrap(fmt.Errorf("begin trend save: %w", err))
	}
	defer func() { _ = tx.Rollback() }()

	const q = `INSERT INTO trends (` + trendColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		ON CONFLICT (id) DO UPDATE SET
			rank = EXCLUDED.rank,
			score = EXCLUDED.score,
			state = EXCLUDED.state,
			velocity = EXCLUDED.velocity,
			sources = EXCLUDED.sources,
			language = EXCLUDED.language,
			title = EXCLUDED.title,
			summary = EXCLUDED.summary`

	for _, t := range trends {
		_, err := tx.ExecContext(ctx, q,
			t.ID, t.TopicID, t.Rank, t.Score, string(t.State), t.Velocity,
			pq.Array(t.Sources), t.Language, t.Title, t.Summary,
			string(t.Category), t.CreatedAt,
		)
		if err != nil {
			return trenderr.ServiceUnavailable.Wrap(fmt.Errorf("save trend %s: %w", t.ID, err))
		}
	}

	if err := tx.Commit(); err != nil {
		return trenderr.ServiceUnavailable.Wrap(fmt.Errorf("commit trend save: %w", err))
	}
	return nil
}

// Get retrieves one trend by UUID.
func (r *TrendRepo) Get(ctx context.Context, id string) (*model.Trend, error) {
	var row trendRow
	err := r.db.GetContext(ctx, &row,
		`SELECT `+trendColumns+` FROM trends WHERE id = $1`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, trenderr.NotFound.New("trend %s", id)
	}
	if err != nil {
		return nil, trenderr.ServiceUnavailable.Wrap(fmt.Errorf("get trend %s: %w", id, err))
	}
	trend := row.toModel()
	return &trend, nil
}

// GetMany retrieves trends by UUID, skipping ids that no longer resolve.
// Order follows the input ids.
func (r *TrendRepo) GetMany(ctx context.Context, ids []string) ([]model.Trend, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	var rows []trendRow
	err := r.db.SelectContext(ctx, &rows,
		`SELECT `+trendColumns+` FROM trends WHERE id = ANY($1)`, pq.Array(ids))
	if err != nil {
		return nil, trenderr.ServiceUnavailable.Wrap(fmt.Errorf("get trends: %w", err))
	}

	byID := make(map[string]model.Trend, len(rows))
	for _, row := range rows {
		byID[row.ID] = row.toModel()
	}
	out := make([]model.Trend, 0, len(ids))
	for _, id := range ids {
		if t, ok := byID[id]; ok {
			out = append(out, t)
		}
	}
	return out, nil
}

// List returns trends matching the filter in the stable order:
// score descending, then UUID ascending.
func (r *TrendRepo) List(ctx context.Context, filter ListFilter) ([]model.Trend, error) {
	var args []any
	q := `SELECT ` + trendColumns + ` FROM trends WHERE TRUE` +
		filter.whereClause(&args, "created_at", "score") +
		` ORDER BY score DESC, id ASC` +
		filter.limitClause(&args)

	var rows []trendRow
	if err := r.db.SelectContext(ctx, &rows, q, args...); err != nil {
		return nil, trenderr.ServiceUnavailable.Wrap(fmt.Errorf("list trends: %w", err))
	}
	return rowsToTrends(rows), nil
}

// Count returns the number of trends matching the filter.
func (r *TrendRepo) Count(ctx context.Context, filter ListFilter) (int, error) {
	var args []any
	q := `SELECT count(*) FROM trends WHERE TRUE` +
		filter.whereClause(&args, "created_at", "score")

	var n int
	if err := r.db.GetContext(ctx, &n, q, args...); err != nil {
		return 0, trenderr.ServiceUnavailable.Wrap(fmt.Errorf("count trends: %w", err))
	}
	return n, nil
}

// Top returns the highest-scored trends, optionally within one category.
func (r *TrendRepo) Top(ctx context.Context, limit int, category string) ([]model.Trend, error) {
	if limit <= 0 {
		limit = 10
	}
	var (
		rows []trendRow
		err  error
	)
	if category != "" {
		err = r.db.SelectContext(ctx, &rows,
			`SELECT `+trendColumns+` FROM trends WHERE category = $1
			 ORDER BY score DESC, id ASC LIMIT $2`, category, limit)
	} else {
		err = r.db.SelectContext(ctx, &rows,
			`SELECT `+trendColumns+` FROM trends
			 ORDER BY score DESC, id ASC LIMIT $1`, limit)
	}
	if err != nil {
		return nil, trenderr.ServiceUnavailable.Wrap(fmt.Errorf("top trends: %w", err))
	}
	return rowsToTrends(rows), nil
}

// Search matches trends by full-text query over title and summary.
func (r *TrendRepo) Search(ctx context.Context, keywords string, limit int) ([]model.Trend, error) {
	if limit <= 0 {
		limit = 20
	}
	var rows []trendRow
	err := r.db.SelectContext(ctx, &rows,
		`SELECT `+trendColumns+` FROM trends
		 WHERE to_tsvector('simple', title || ' ' || summary) @@ plainto_tsquery('simple', $1)
		 ORDER BY score DESC, id ASC
		 LIMIT $2`, keywords, limit)
	if err != nil {
		return nil, trenderr.ServiceUnavailable.Wrap(fmt.Errorf("search trends: %w", err))
	}
	return rowsToTrends(rows), nil
}

// Delete removes a trend. The vector entry is tombstoned until the sweep.
func (r *TrendRepo) Delete(ctx context.Context, id string) error {
	res, err := r.db.ExecContext(ctx, `DELETE FROM trends WHERE id = $1`, id)
	if err != nil {
		return trenderr.ServiceUnavailable.Wrap(fmt.Errorf("delete trend %s: %w", id, err))
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return trenderr.NotFound.New("trend %s", id)
	}
	return nil
}

// DeleteOlderThan removes trends created before the retention cut-off.
func (r *TrendRepo) DeleteOlderThan(ctx context.Context, cutoff time.Time) (int, error) {
	res, err := r.db.ExecContext(ctx,
		`DELETE FROM trends WHERE created_at < $1`, cutoff)
	if err != nil {
		return 0, trenderr.ServiceUnavailable.Wrap(fmt.Errorf("prune trends: %w", err))
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

func rowsToTrends(rows []trendRow) []model.Trend {
	trends := make([]model.Trend, len(rows))
	for i, row := range rows {
		trends[i] = row.toModel()
	}
	return trends
}
