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

// ItemRepo persists processed items. Identity is the item UUID; the
// (source, source_id) pair is unique, so re-saving an observed item updates
// the existing row.
type ItemRepo struct {
	db *sqlx.DB
}

// NewItemRepo wires the repository.
func NewItemRepo(db *sqlx.DB) *ItemRepo {
	return &ItemRepo{db: db}
}

type itemRow struct {
	ID              string         `db:"id"`
	Source          string         `db:"source"`
	SourceID        string         `db:"source_id"`
	URL             string         `db:"url"`
	Title           string         `db:"title"`
	Body            string         `db:"body"`
	Author          string         `db:"author"`
	PublishedAt     time.Time      `db:"published_at"`
	Upvotes         int64          `db:"upvotes"`
	Downvotes       int64          `db:"downvotes"`
	Comments        int64          `db:"comments"`
	Shares          int64          `db:"shares"`
	Views           int64          `db:"views"`
	Tags            pq.StringArray `db:"tags"`
	NormalizedTitle string         `db:"normalized_title"`
	Category        string         `db:"category"`
	Language        string         `db:"language"`
	LanguageConf    float64        `db:"language_conf"`
	Keywords        pq.StringArray `db:"keywords"`
	Sentiment       sql.NullFloat64 `db:"sentiment"`
	HasEmbedding    bool           `db:"has_embedding"`
	ProcessedAt     time.Time      `db:"processed_at"`
}

func (r itemRow) toModel() model.ProcessedItem {
	item := model.ProcessedItem{
		ID:       r.ID,
		Source:   r.Source,
		SourceID: r.SourceID,
		URL:      r.URL,
		Title:    r.Title,
		Body:     r.Body,
		Author:   r.Author,
		Engagement: model.Engagement{
			Upvotes:   r.Upvotes,
			Downvotes: r.Downvotes,
			Comments:  r.Comments,
			Shares:    r.Shares,
			Views:     r.Views,
		},
		PublishedAt:     r.PublishedAt,
		Tags:            r.Tags,
		NormalizedTitle: r.NormalizedTitle,
		Category:        model.Category(r.Category),
		Language:        r.Language,
		LanguageConf:    r.LanguageConf,
		Keywords:        r.Keywords,
		ProcessedAt:     r.ProcessedAt,
	}
	if r.Sentiment.Valid {
		s := r.Sentiment.Float64
		item.Sentiment = &s
	}
	return item
}

const itemColumns = `id, source, source_id, url, title, body, author, published_at,
	upvotes, downvotes, comments, shares, views, tags, normalized_title,
	category, language, language_conf, keywords, sentiment, has_embedding, processed_at`

// SaveBatch upserts items in one transaction. Conflicts on the
// (source, source_id) identity update the existing row in place, keeping
// its UUID stable.
func (r *ItemRepo) SaveBatch(ctx context.Context, items []model.ProcessedItem) error {
	if len(items) == 0 {
		return nil
	}

	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return trenderr.ServiceUnavailable.Wrap(fmt.Errorf("begin item save: %w", err))
	}
	defer func() { _ = tx.Rollback() }()

	const q = `INSERT INTO processed_items (` + itemColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20, $21, $22)
		ON CONFLICT (source, source_id) DO UPDATE SET
			url = EXCLUDED.url,
			title = EXCLUDED.title,
			body = EXCLUDED.body,
			upvotes = EXCLUDED.upvotes,
			downvotes = EXCLUDED.downvotes,
			comments = EXCLUDED.comments,
			shares = EXCLUDED.shares,
			views = EXCLUDED.views,
			tags = EXCLUDED.tags,
			normalized_title = EXCLUDED.normalized_title,
			category = EXCLUDED.category,
			language = EXCLUDED.language,
			language_conf = EXCLUDED.language_conf,
			keywords = EXCLUDED.keywords,
			sentiment = EXCLUDED.sentiment,
			processed_at = EXCLUDED.processed_at`

	for _, item := range items {
		var sentiment sql.NullFloat64
		if item.Sentiment != nil {
			sentiment = sql.NullFloat64{Float64: *item.Sentiment, Valid: true}
		}
		_, err := tx.ExecContext(ctx, q,
			item.ID, item.Source, item.SourceID, item.URL, item.Title, item.Body,
			item.Author, item.PublishedAt,
			item.Engagement.Upvotes, item.Engagement.Downvotes, item.Engagement.Comments,
			item.Engagement.Shares, item.Engagement.Views,
			pq.Array(item.Tags), item.NormalizedTitle, string(item.Category),
			item.Language, item.LanguageConf, pq.Array(item.Keywords), sentiment,
			len(item.Embedding) > 0, item.ProcessedAt,
		)
		if err != nil {
			return trenderr.ServiceUnavailable.Wrap(fmt.Errorf("save item %s: %w", item.ID, err))
		}
	}

	if err := tx.Commit(); err != nil {
		return trenderr.ServiceUnavailable.Wrap(fmt.Errorf("commit item save: %w", err))
	}
	return nil
}

// Get retrieves one item by UUID.
func (r *ItemRepo) Get(ctx context.Context, id string) (*model.ProcessedItem, error) {
	var row itemRow
	err := r.db.GetContext(ctx, &row,
		`SELECT `+itemColumns+` FROM processed_items WHERE id = $1`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, trenderr.NotFound.New("item %s", id)
	}
	if err != nil {
		return nil, trenderr.ServiceUnavailable.Wrap(fmt.Errorf("get item %s: %w", id, err))
	}
	item := row.toModel()
	return &item, nil
}

// GetByTopic returns one page of a topic's items through the junction
// table, ordered by engagement then UUID. One query, no traversal.
func (r *ItemRepo) GetByTopic(ctx context.Context, topicID string, limit, offset int) ([]model.ProcessedItem, error) {
	if limit <= 0 {
		limit = 50
	}
	var rows []itemRow
	err := r.db.SelectContext(ctx, &rows,
		`SELECT `+itemColumns+` FROM processed_items
		 WHERE id IN (SELECT item_id FROM topic_items WHERE topic_id = $1)
		 ORDER BY upvotes + comments * 2 + shares * 3 DESC, id ASC
		 LIMIT $2 OFFSET $3`, topicID, limit, offset)
	if err != nil {
		return nil, trenderr.ServiceUnavailable.Wrap(fmt.Errorf("items by topic %s: %w", topicID, err))
	}
	return rowsToItems(rows), nil
}

// GetWithoutEmbeddings returns items the embedding backfill still owes,
// oldest first.
func (r *ItemRepo) GetWithoutEmbeddings(ctx context.Context, limit int) ([]model.ProcessedItem, error) {
	if limit <= 0 {
		limit = 100
	}
	var rows []itemRow
	err := r.db.SelectContext(ctx, &rows,
		`SELECT `+itemColumns+` FROM processed_items
		 WHERE NOT has_embedding
		 ORDER BY processed_at ASC, id ASC
		 LIMIT $1`, limit)
	if err != nil {
		return nil, trenderr.ServiceUnavailable.Wrap(fmt.Errorf("items without embeddings: %w", err))
	}
	return rowsToItems(rows), nil
}

// MarkEmbedded records that the vector store holds an embedding for ids.
func (r *ItemRepo) MarkEmbedded(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	_, err := r.db.ExecContext(ctx,
		`UPDATE processed_items SET has_embedding = true WHERE id = ANY($1)`,
		pq.Array(ids))
	if err != nil {
		return trenderr.ServiceUnavailable.Wrap(fmt.Errorf("mark embedded: %w", err))
	}
	return nil
}

// List returns items matching the filter in deterministic order.
func (r *ItemRepo) List(ctx context.Context, filter ListFilter) ([]model.ProcessedItem, error) {
	var args []any
	q := `SELECT ` + itemColumns + ` FROM processed_items WHERE TRUE` +
		filter.whereClause(&args, "published_at", "") +
		` ORDER BY published_at DESC, id ASC` +
		filter.limitClause(&args)

	var rows []itemRow
	if err := r.db.SelectContext(ctx, &rows, q, args...); err != nil {
		return nil, trenderr.ServiceUnavailable.Wrap(fmt.Errorf("list items: %w", err))
	}
	return rowsToItems(rows), nil
}

// Count returns the number of items matching the filter.
func (r *ItemRepo) Count(ctx context.Context, filter ListFilter) (int, error) {
	var args []any
	q := `SELECT count(*) FROM processed_items WHERE TRUE` +
		filter.whereClause(&args, "published_at", "")

	var n int
	if err := r.db.GetContext(ctx, &n, q, args...); err != nil {
		return 0, trenderr.ServiceUnavailable.Wrap(fmt.Errorf("count items: %w", err))
	}
	return n, nil
}

// DeleteOlderThan removes items past the retention cut-off. Junction rows
// cascade; vector entries are left for the sweep.
func (r *ItemRepo) DeleteOlderThan(ctx context.Context, cutoff time.Time) (int, error) {
	res, err := r.db.ExecContext(ctx,
		`DELETE FROM processed_items WHERE published_at < $1`, cutoff)
	if err != nil {
		return 0, trenderr.ServiceUnavailable.Wrap(fmt.Errorf("prune items: %w", err))
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// PruneBodies clears body text for items older than cutoff; the warm
// retention tier keeps metadata but drops content.
func (r *ItemRepo) PruneBodies(ctx context.Context, cutoff time.Time) (int, error) {
	res, err := r.db.ExecContext(ctx,
		`UPDATE processed_items SET body = '' WHERE published_at < $1 AND body <> ''`, cutoff)
	if err != nil {
		return 0, trenderr.ServiceUnavailable.Wrap(fmt.Errorf("prune item bodies: %w", err))
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

func rowsToItems(rows []itemRow) []model.ProcessedItem {
	items := make([]model.ProcessedItem, len(rows))
	for i, row := range rows {
		items[i] = row.toModel()
	}
	return items
}
