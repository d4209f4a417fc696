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

// TopicRepo persists topics and their item junction rows.
type TopicRepo struct {
	db *sqlx.DB
}

// NewTopicRepo wires the repository.
func NewTopicRepo(db *sqlx.DB) *TopicRepo {
	return &TopicRepo{db: db}
}

type topicRow struct {
	ID          string         `db:"id"`
	Title       string         `db:"title"`
	Summary     string         `db:"summary"`
	Category    string         `db:"category"`
	Keywords    pq.StringArray `db:"keywords"`
	ItemCount   int            `db:"item_count"`
	Upvotes     int64          `db:"upvotes"`
	Downvotes   int64          `db:"downvotes"`
	Comments    int64          `db:"comments"`
	Shares      int64          `db:"shares"`
	Views       int64          `db:"views"`
	FirstSeen   time.Time      `db:"first_seen"`
	LastUpdated time.Time      `db:"last_updated"`
	Language    string         `db:"language"`
}

func (r topicRow) toModel() model.Topic {
	return model.Topic{
		ID:        r.ID,
		Title:     r.Title,
		Summary:   r.Summary,
		Category:  model.Category(r.Category),
		Keywords:  r.Keywords,
		ItemCount: r.ItemCount,
		Engagement: model.Engagement{
			Upvotes:   r.Upvotes,
			Downvotes: r.Downvotes,
			Comments:  r.Comments,
			Shares:    r.Shares,
			Views:     r.Views,
		},
		FirstSeen:   r.FirstSeen,
		LastUpdated: r.LastUpdated,
		Language:    r.Language,
	}
}

const topicColumns = `id, title, summary, category, keywords, item_count,
	upvotes, downvotes, comments, shares, views, first_seen, last_updated, language`

// SaveBatch upserts topics and their junction rows in one transaction.
// item_count is written from the junction row count so the consistency
// invariant holds even if the caller's count drifted.
func (r *TopicRepo) SaveBatch(ctx context.Context, topics []model.Topic) error {
	if len(topics) == 0 {
		return nil
	}

	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return trenderr.ServiceUnavailable.Wrap(fmt.Errorf("begin topic save: %w", err))
	}
	defer func() { _ = tx.Rollback() }()

	const upsert = `INSERT INTO topics (` + topicColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
		ON CONFLICT (id) DO UPDATE SET
			title = EXCLUDED.title,
			summary = EXCLUDED.summary,
			keywords = EXCLUDED.keywords,
			item_count = EXCLUDED.item_count,
			upvotes = EXCLUDED.upvotes,
			downvotes = EXCLUDED.downvotes,
			comments = EXCLUDED.comments,
			shares = EXCLUDED.shares,
			views = EXCLUDED.views,
			last_updated = EXCLUDED.last_updated,
			language = EXCLUDED.language`

	for _, topic := range topics {
		_, err := tx.ExecContext(ctx, upsert,
			topic.ID, topic.Title, topic.Summary, string(topic.Category),
			pq.Array(topic.Keywords), len(topic.ItemIDs),
			topic.Engagement.Upvotes, topic.Engagement.Downvotes,
			topic.Engagement.Comments, topic.Engagement.Shares, topic.Engagement.Views,
			topic.FirstSeen, topic.LastUpdated, topic.Language,
		)
		if err != nil {
			return trenderr.ServiceUnavailable.Wrap(fmt.Errorf("save topic %s: %w", topic.ID, err))
		}

		for _, itemID := range topic.ItemIDs {
			_, err := tx.ExecContext(ctx,
				`INSERT INTO topic_items (topic_id, item_id) VALUES ($1, $2)
				 ON CONFLICT DO NOTHING`, topic.ID, itemID)
			if err != nil {
				return trenderr.ServiceUnavailable.Wrap(fmt.Errorf("save topic item %s/%s: %w", topic.ID, itemID, err))
			}
		}

		// Reconcile item_count with the junction rows actually present.
		_, err = tx.ExecContext(ctx,
			`UPDATE topics SET item_count =
				(SELECT count(*) FROM topic_items WHERE topic_id = $1)
			 WHERE id = $1`, topic.ID)
		if err != nil {
			return trenderr.ServiceUnavailable.Wrap(fmt.Errorf("reconcile topic %s: %w", topic.ID, err))
		}
	}

	if err := tx.Commit(); err != nil {
		return trenderr.ServiceUnavailable.Wrap(fmt.Errorf("commit topic save: %w", err))
	}
	return nil
}

// Get retrieves one topic by UUID.
func (r *TopicRepo) Get(ctx context.Context, id string) (*model.Topic, error) {
	var row topicRow
	err := r.db.GetContext(ctx, &row,
		`SELECT `+topicColumns+` FROM topics WHERE id = $1`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, trenderr.NotFound.New("topic %s", id)
	}
	if err != nil {
		return nil, trenderr.ServiceUnavailable.Wrap(fmt.Errorf("get topic %s: %w", id, err))
	}
	topic := row.toModel()
	return &topic, nil
}

// List returns topics matching the filter, most recently updated first.
func (r *TopicRepo) List(ctx context.Context, filter ListFilter) ([]model.Topic, error) {
	var args []any
	q := `SELECT ` + topicColumns + ` FROM topics WHERE TRUE` +
		filter.whereClause(&args, "last_updated", "") +
		` ORDER BY last_updated DESC, id ASC` +
		filter.limitClause(&args)

	var rows []topicRow
	if err := r.db.SelectContext(ctx, &rows, q, args...); err != nil {
		return nil, trenderr.ServiceUnavailable.Wrap(fmt.Errorf("list topics: %w", err))
	}
	topics := make([]model.Topic, len(rows))
	for i, row := range rows {
		topics[i] = row.toModel()
	}
	return topics, nil
}

// Count returns the number of topics matching the filter.
func (r *TopicRepo) Count(ctx context.Context, filter ListFilter) (int, error) {
	var args []any
	q := `SELECT count(*) FROM topics WHERE TRUE` +
		filter.whereClause(&args, "last_updated", "")

	var n int
	if err := r.db.GetContext(ctx, &n, q, args...); err != nil {
		return 0, trenderr.ServiceUnavailable.Wrap(fmt.Errorf("count topics: %w", err))
	}
	return n, nil
}

// Search matches topics by full-text query over title and summary.
func (r *TopicRepo) Search(ctx context.Context, keywords string, limit int) ([]model.Topic, error) {
	if limit <= 0 {
		limit = 20
	}
	var rows []topicRow
	err := r.db.SelectContext(ctx, &rows,
		`SELECT `+topicColumns+` FROM topics
		 WHERE to_tsvector('simple', title || ' ' || summary) @@ plainto_tsquery('simple', $1)
		 ORDER BY last_updated DESC, id ASC
		 LIMIT $2`, keywords, limit)
	if err != nil {
		return nil, trenderr.ServiceUnavailable.Wrap(fmt.Errorf("search topics: %w", err))
	}
	topics := make([]model.Topic, len(rows))
	for i, row := range rows {
		topics[i] = row.toModel()
	}
	return topics, nil
}

// Delete removes a topic; junction rows and trends cascade. Vector entries
// are tombstoned until the sweep.
func (r *TopicRepo) Delete(ctx context.Context, id string) error {
	res, err := r.db.ExecContext(ctx, `DELETE FROM topics WHERE id = $1`, id)
	if err != nil {
		return trenderr.ServiceUnavailable.Wrap(fmt.Errorf("delete topic %s: %w", id, err))
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return trenderr.NotFound.New("topic %s", id)
	}
	return nil
}

// DeleteOlderThan removes topics idle past the retention cut-off.
func (r *TopicRepo) DeleteOlderThan(ctx context.Context, cutoff time.Time) (int, error) {
	res, err := r.db.ExecContext(ctx,
		`DELETE FROM topics WHERE last_updated < $1`, cutoff)
	if err != nil {
		return 0, trenderr.ServiceUnavailable.Wrap(fmt.Errorf("prune topics: %w", err))
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}
