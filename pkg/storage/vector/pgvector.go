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

package vector

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	pgvector "github.com/pgvector/pgvector-go"

	"github.com/kraklabs/trendwatch/pkg/trenderr"
)

// Repo is the vector repository contract shared by persistence and search.
type Repo interface {
	Upsert(ctx context.Context, id string, vec []float32, payload Payload) error
	UpsertBatch(ctx context.Context, entries []Entry) error
	Search(ctx context.Context, vec []float32, limit int, minScore float64, filter Filter) ([]Result, error)
	Get(ctx context.Context, id string) (*Entry, error)
	Delete(ctx context.Context, ids ...string) error

	// DeleteOlderThan sweeps entries whose payload published_at predates
	// cutoff; the tombstone sweep for orphaned vectors.
	DeleteOlderThan(ctx context.Context, entity string, cutoff time.Time) (int, error)
}

// PG implements Repo over a pgvector table. Distance metric is cosine; the
// score reported to callers is cosine similarity, 1 - distance.
type PG struct {
	db     *sqlx.DB
	dims   int
	logger *slog.Logger
}

// NewPG creates the repository. EnsureSchema must run before first use.
func NewPG(db *sqlx.DB, dims int, logger *slog.Logger) *PG {
	if logger == nil {
		logger = slog.Default()
	}
	return &PG{db: db, dims: dims, logger: logger}
}

// EnsureSchema creates the extension, table, and HNSW index.
func (p *PG) EnsureSchema(ctx context.Context) error {
	stmts := []string{
		`CREATE EXTENSION IF NOT EXISTS vector`,
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS vector_entries (
			id        text PRIMARY KEY,
			embedding vector(%d) NOT NULL,
			payload   jsonb NOT NULL DEFAULT '{}'::jsonb
		)`, p.dims),
		`CREATE INDEX IF NOT EXISTS vector_entries_embedding_idx
			ON vector_entries USING hnsw (embedding vector_cosine_ops)`,
		`CREATE INDEX IF NOT EXISTS vector_entries_payload_idx
			ON vector_entries USING gin (payload)`,
	}
	for _, stmt := range stmts {
		if _, err := p.db.ExecContext(ctx, stmt); err != nil {
			return trenderr.ServiceUnavailable.Wrap(fmt.Errorf("ensure vector schema: %w", err))
		}
	}
	return nil
}

func (p *PG) Upsert(ctx context.Context, id string, vec []float32, payload Payload) error {
	return p.UpsertBatch(ctx, []Entry{{ID: id, Vector: vec, Payload: payload}})
}

func (p *PG) UpsertBatch(ctx context.Context, entries []Entry) error {
	if len(entries) == 0 {
		return nil
	}

	tx, err := p.db.BeginTxx(ctx, nil)
	if err != nil {
		return trenderr.ServiceUnavailable.Wrap(fmt.Errorf("begin vector upsert: %w", err))
	}
	defer func() { _ = tx.Rollback() }()

	const q = `INSERT INTO vector_entries (id, embedding, payload)
		VALUES ($1, $2, $3)
		ON CONFLICT (id) DO UPDATE SET embedding = EXCLUDED.embedding, payload = EXCLUDED.payload`

	for _, e := range entries {
		if len(e.Vector) != p.dims {
			return trenderr.Validation.New("vector %s has %d dimensions, index expects %d", e.ID, len(e.Vector), p.dims)
		}
		payloadJSON, err := json.Marshal(e.Payload)
		if err != nil {
			return fmt.Errorf("encode payload %s: %w", e.ID, err)
		}
		if _, err := tx.ExecContext(ctx, q, e.ID, pgvector.NewVector(e.Vector), payloadJSON); err != nil {
			return trenderr.ServiceUnavailable.Wrap(fmt.Errorf("upsert vector %s: %w", e.ID, err))
		}
	}

	if err := tx.Commit(); err != nil {
		return trenderr.ServiceUnavailable.Wrap(fmt.Errorf("commit vector upsert: %w", err))
	}
	return nil
}

func (p *PG) Search(ctx context.Context, vec []float32, limit int, minScore float64, filter Filter) ([]Result, error) {
	if len(vec) != p.dims {
		return nil, trenderr.Validation.New("query vector has %d dimensions, index expects %d", len(vec), p.dims)
	}
	if limit <= 0 {
		limit = 10
	}

	var sb strings.Builder
	args := []any{pgvector.NewVector(vec)}
	sb.WriteString(`SELECT id, 1 - (embedding <=> $1) AS score, payload
		FROM vector_entries WHERE TRUE`)

	addArg := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}

	if filter.Entity != "" {
		sb.WriteString(` AND payload->>'entity' = ` + addArg(filter.Entity))
	}
	writeIn := func(field string, values []string) {
		if len(values) == 0 {
			return
		}
		placeholders := make([]string, len(values))
		for i, v := range values {
			placeholders[i] = addArg(v)
		}
		fmt.Fprintf(&sb, " AND payload->>'%s' IN (%s)", field, strings.Join(placeholders, ", "))
	}
	writeIn("category", filter.Categories)
	writeIn("state", filter.States)
	writeIn("language", filter.Languages)

	if len(filter.Sources) > 0 {
		// Set overlap: any of the requested sources appears in the entry's
		// sources array.
		placeholders := make([]string, len(filter.Sources))
		for i, s := range filter.Sources {
			placeholders[i] = addArg(s)
		}
		fmt.Fprintf(&sb, " AND payload->'sources' ?| array[%s]", strings.Join(placeholders, ", "))
	}
	if filter.MinScore > 0 {
		sb.WriteString(` AND (payload->>'score')::float8 >= ` + addArg(filter.MinScore))
	}
	if !filter.PublishedFrom.IsZero() {
		sb.WriteString(` AND (payload->>'published_at')::timestamptz >= ` + addArg(filter.PublishedFrom))
	}
	if !filter.PublishedTo.IsZero() {
		sb.WriteString(` AND (payload->>'published_at')::timestamptz <= ` + addArg(filter.PublishedTo))
	}
	if len(filter.ExcludeIDs) > 0 {
		placeholders := make([]string, len(filter.ExcludeIDs))
		for i, id := range filter.ExcludeIDs {
			placeholders[i] = addArg(id)
		}
		fmt.Fprintf(&sb, " AND id NOT IN (%s)", strings.Join(placeholders, ", "))
	}

	if minScore > 0 {
		sb.WriteString(` AND 1 - (embedding <=> $1) >= ` + addArg(minScore))
	}
	sb.WriteString(` ORDER BY embedding <=> $1 LIMIT ` + addArg(limit))

	rows, err := p.db.QueryxContext(ctx, sb.String(), args...)
	if err != nil {
		return nil, trenderr.ServiceUnavailable.Wrap(fmt.Errorf("vector search: %w", err))
	}
	defer rows.Close()

	var results []Result
	for rows.Next() {
		var (
			r           Result
			payloadJSON []byte
		)
		if err := rows.Scan(&r.ID, &r.Score, &payloadJSON); err != nil {
			return nil, fmt.Errorf("scan vector result: %w", err)
		}
		if err := json.Unmarshal(payloadJSON, &r.Payload); err != nil {
			return nil, fmt.Errorf("decode payload %s: %w", r.ID, err)
		}
		results = append(results, r)
	}
	if err := rows.Err(); err != nil {
		return nil, trenderr.ServiceUnavailable.Wrap(fmt.Errorf("vector search rows: %w", err))
	}
	return results, nil
}

func (p *PG) Get(ctx context.Context, id string) (*Entry, error) {
	var (
		e           Entry
		vec         pgvector.Vector
		payloadJSON []byte
	)
	err := p.db.QueryRowxContext(ctx,
		`SELECT id, embedding, payload FROM vector_entries WHERE id = $1`, id,
	).Scan(&e.ID, &vec, &payloadJSON)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, trenderr.NotFound.New("vector %s", id)
	}
	if err != nil {
		return nil, trenderr.ServiceUnavailable.Wrap(fmt.Errorf("get vector %s: %w", id, err))
	}
	e.Vector = vec.Slice()
	if err := json.Unmarshal(payloadJSON, &e.Payload); err != nil {
		return nil, fmt.Errorf("decode payload %s: %w", id, err)
	}
	return &e, nil
}

func (p *PG) Delete(ctx context.Context, ids ...string) error {
	if len(ids) == 0 {
		return nil
	}
	placeholders := make([]string, len(ids))
	args := make([]any, len(ids))
	for i, id := range ids {
		placeholders[i] = fmt.Sprintf("$%d", i+1)
		args[i] = id
	}
	q := fmt.Sprintf(`DELETE FROM vector_entries WHERE id IN (%s)`, strings.Join(placeholders, ", "))
	if _, err := p.db.ExecContext(ctx, q, args...); err != nil {
		return trenderr.ServiceUnavailable.Wrap(fmt.Errorf("delete vectors: %w", err))
	}
	return nil
}

func (p *PG) DeleteOlderThan(ctx context.Context, entity string, cutoff time.Time) (int, error) {
	res, err := p.db.ExecContext(ctx,
		`DELETE FROM vector_entries
		 WHERE payload->>'entity' = $1
		   AND (payload->>'published_at')::timestamptz < $2`,
		entity, cutoff)
	if err != nil {
		return 0, trenderr.ServiceUnavailable.Wrap(fmt.Errorf("sweep vectors: %w", err))
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}
