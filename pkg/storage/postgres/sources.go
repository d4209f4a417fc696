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
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/gtank/cryptopasta"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/kraklabs/trendwatch/pkg/model"
	"github.com/kraklabs/trendwatch/pkg/trenderr"
)

// SourceRepo persists admin-managed collector source definitions. The auth
// envelope is AES-GCM encrypted at rest; plaintext exists only in the
// returned value and is decrypted per-load.
type SourceRepo struct {
	db  *sqlx.DB
	key *[32]byte
}

// NewSourceRepo wires the repository. The encryption key comes from
// TRENDWATCH_SECRET_KEY (64 hex characters); without it, sources with
// credentials cannot be saved or loaded.
func NewSourceRepo(db *sqlx.DB) (*SourceRepo, error) {
	repo := &SourceRepo{db: db}
	if raw := os.Getenv("TRENDWATCH_SECRET_KEY"); raw != "" {
		decoded, err := hex.DecodeString(raw)
		if err != nil || len(decoded) != 32 {
			return nil, trenderr.Validation.New("TRENDWATCH_SECRET_KEY must be 64 hex characters")
		}
		var key [32]byte
		copy(key[:], decoded)
		repo.key = &key
	}
	return repo, nil
}

type sourceRow struct {
	ID              int64          `db:"id"`
	Name            string         `db:"name"`
	Type            string         `db:"type"`
	URL             string         `db:"url"`
	Schedule        string         `db:"schedule"`
	RateLimit       int            `db:"rate_limit"`
	TimeoutSeconds  int            `db:"timeout_seconds"`
	Language        string         `db:"language"`
	IncludeKeywords pq.StringArray `db:"include_keywords"`
	ExcludeKeywords pq.StringArray `db:"exclude_keywords"`
	AuthCiphertext  []byte         `db:"auth_ciphertext"`
	PluginCode      string         `db:"plugin_code"`
	Enabled         bool           `db:"enabled"`
	CreatedAt       time.Time      `db:"created_at"`
	UpdatedAt       time.Time      `db:"updated_at"`
}

const sourceColumns = `id, name, type, url, schedule, rate_limit, timeout_seconds,
	language, include_keywords, exclude_keywords, auth_ciphertext, plugin_code,
	enabled, created_at, updated_at`

func (r *SourceRepo) toModel(row sourceRow) (model.CollectorSource, error) {
	src := model.CollectorSource{
		ID:              row.ID,
		Name:            row.Name,
		Type:            model.SourceType(row.Type),
		URL:             row.URL,
		Schedule:        row.Schedule,
		RateLimit:       row.RateLimit,
		Timeout:         time.Duration(row.TimeoutSeconds) * time.Second,
		Language:        row.Language,
		IncludeKeywords: row.IncludeKeywords,
		ExcludeKeywords: row.ExcludeKeywords,
		PluginCode:      row.PluginCode,
		Enabled:         row.Enabled,
		CreatedAt:       row.CreatedAt,
		UpdatedAt:       row.UpdatedAt,
	}
	if len(row.AuthCiphertext) > 0 {
		if r.key == nil {
			return src, trenderr.AuthRequired.New("source %s has credentials but TRENDWATCH_SECRET_KEY is not set", row.Name)
		}
		plaintext, err := cryptopasta.Decrypt(row.AuthCiphertext, r.key)
		if err != nil {
			return src, trenderr.Internal.Wrap(fmt.Errorf("decrypt auth for %s: %w", row.Name, err))
		}
		if err := json.Unmarshal(plaintext, &src.Auth); err != nil {
			return src, fmt.Errorf("decode auth for %s: %w", row.Name, err)
		}
	}
	return src, nil
}

func (r *SourceRepo) encryptAuth(src model.CollectorSource) ([]byte, error) {
	if src.Auth.Empty() {
		return nil, nil
	}
	if r.key == nil {
		return nil, trenderr.AuthRequired.New("cannot store credentials without TRENDWATCH_SECRET_KEY")
	}
	plaintext, err := json.Marshal(src.Auth)
	if err != nil {
		return nil, fmt.Errorf("encode auth: %w", err)
	}
	ciphertext, err := cryptopasta.Encrypt(plaintext, r.key)
	if err != nil {
		return nil, trenderr.Internal.Wrap(fmt.Errorf("encrypt auth: %w", err))
	}
	return ciphertext, nil
}

// Create inserts a new source and returns it with its assigned id.
func (r *SourceRepo) Create(ctx context.Context, src model.CollectorSource) (*model.CollectorSource, error) {
	if err := src.Validate(); err != nil {
		return nil, trenderr.Validation.Wrap(err)
	}
	ciphertext, err := r.encryptAuth(src)
	if err != nil {
		return nil, err
	}

	var row sourceRow
	err = r.db.GetContext(ctx, &row,
		`INSERT INTO crawler_sources (name, type, url, schedule, rate_limit,
			timeout_seconds, language, include_keywords, exclude_keywords,
			auth_ciphertext, plugin_code, enabled)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		 RETURNING `+sourceColumns,
		src.Name, string(src.Type), src.URL, src.Schedule, src.RateLimit,
		int(src.Timeout/time.Second), src.Language,
		pq.Array(src.IncludeKeywords), pq.Array(src.ExcludeKeywords),
		ciphertext, src.PluginCode, src.Enabled)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, trenderr.Validation.New("source name %q already exists", src.Name)
		}
		return nil, trenderr.ServiceUnavailable.Wrap(fmt.Errorf("create source %s: %w", src.Name, err))
	}
	created, err := r.toModel(row)
	if err != nil {
		return nil, err
	}
	return &created, nil
}

// Update rewrites an existing source by id.
func (r *SourceRepo) Update(ctx context.Context, src model.CollectorSource) (*model.CollectorSource, error) {
	if err := src.Validate(); err != nil {
		return nil, trenderr.Validation.Wrap(err)
	}
	ciphertext, err := r.encryptAuth(src)
	if err != nil {
		return nil, err
	}

	var row sourceRow
	err = r.db.GetContext(ctx, &row,
		`UPDATE crawler_sources SET
			name = $2, type = $3, url = $4, schedule = $5, rate_limit = $6,
			timeout_seconds = $7, language = $8, include_keywords = $9,
			exclude_keywords = $10, auth_ciphertext = $11, plugin_code = $12,
			enabled = $13, updated_at = now()
		 WHERE id = $1
		 RETURNING `+sourceColumns,
		src.ID, src.Name, string(src.Type), src.URL, src.Schedule, src.RateLimit,
		int(src.Timeout/time.Second), src.Language,
		pq.Array(src.IncludeKeywords), pq.Array(src.ExcludeKeywords),
		ciphertext, src.PluginCode, src.Enabled)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, trenderr.NotFound.New("source %d", src.ID)
	}
	if err != nil {
		return nil, trenderr.ServiceUnavailable.Wrap(fmt.Errorf("update source %d: %w", src.ID, err))
	}
	updated, err := r.toModel(row)
	if err != nil {
		return nil, err
	}
	return &updated, nil
}

// Get retrieves one source by id.
func (r *SourceRepo) Get(ctx context.Context, id int64) (*model.CollectorSource, error) {
	var row sourceRow
	err := r.db.GetContext(ctx, &row,
		`SELECT `+sourceColumns+` FROM crawler_sources WHERE id = $1`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, trenderr.NotFound.New("source %d", id)
	}
	if err != nil {
		return nil, trenderr.ServiceUnavailable.Wrap(fmt.Errorf("get source %d: %w", id, err))
	}
	src, err := r.toModel(row)
	if err != nil {
		return nil, err
	}
	return &src, nil
}

// GetByName retrieves one source by its unique name.
func (r *SourceRepo) GetByName(ctx context.Context, name string) (*model.CollectorSource, error) {
	var row sourceRow
	err := r.db.GetContext(ctx, &row,
		`SELECT `+sourceColumns+` FROM crawler_sources WHERE name = $1`, name)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, trenderr.NotFound.New("source %q", name)
	}
	if err != nil {
		return nil, trenderr.ServiceUnavailable.Wrap(fmt.Errorf("get source %q: %w", name, err))
	}
	src, err := r.toModel(row)
	if err != nil {
		return nil, err
	}
	return &src, nil
}

// List returns sources, optionally only enabled ones, name-ordered.
func (r *SourceRepo) List(ctx context.Context, enabledOnly bool) ([]model.CollectorSource, error) {
	q := `SELECT ` + sourceColumns + ` FROM crawler_sources`
	if enabledOnly {
		q += ` WHERE enabled`
	}
	q += ` ORDER BY name ASC`

	var rows []sourceRow
	if err := r.db.SelectContext(ctx, &rows, q); err != nil {
		return nil, trenderr.ServiceUnavailable.Wrap(fmt.Errorf("list sources: %w", err))
	}
	out := make([]model.CollectorSource, 0, len(rows))
	for _, row := range rows {
		src, err := r.toModel(row)
		if err != nil {
			return nil, err
		}
		out = append(out, src)
	}
	return out, nil
}

// SetEnabled flips the enabled flag by name.
func (r *SourceRepo) SetEnabled(ctx context.Context, name string, enabled bool) error {
	res, err := r.db.ExecContext(ctx,
		`UPDATE crawler_sources SET enabled = $2, updated_at = now() WHERE name = $1`,
		name, enabled)
	if err != nil {
		return trenderr.ServiceUnavailable.Wrap(fmt.Errorf("set source %q enabled=%v: %w", name, enabled, err))
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return trenderr.NotFound.New("source %q", name)
	}
	return nil
}

// Delete removes a source definition.
func (r *SourceRepo) Delete(ctx context.Context, id int64) error {
	res, err := r.db.ExecContext(ctx,
		`DELETE FROM crawler_sources WHERE id = $1`, id)
	if err != nil {
		return trenderr.ServiceUnavailable.Wrap(fmt.Errorf("delete source %d: %w", id, err))
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return trenderr.NotFound.New("source %d", id)
	}
	return nil
}

// isUniqueViolation matches Postgres error code 23505 without importing the
// driver's error type into callers.
func isUniqueViolation(err error) bool {
	type coder interface{ SQLState() string }
	var c coder
	if errors.As(err, &c) {
		return c.SQLState() == "23505"
	}
	return false
}
