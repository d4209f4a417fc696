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
	"fmt"
	"strings"
	"time"

	"github.com/lib/pq"
)

// ListFilter restricts listing operations. Zero values mean "any".
type ListFilter struct {
	Category string
	State    string
	Sources  []string
	Language string
	MinScore float64
	From     time.Time
	To       time.Time
	Limit    int
	Offset   int
}

// Fingerprint returns a stable cache-key component for the filter.
func (f ListFilter) Fingerprint() string {
	return fmt.Sprintf("%s|%s|%s|%s|%g|%d|%d|%d|%d",
		f.Category, f.State, strings.Join(f.Sources, ","), f.Language,
		f.MinScore, f.From.Unix(), f.To.Unix(), f.Limit, f.Offset)
}

// whereClause renders the filter into SQL starting at placeholder index
// len(args)+1. timeCol is the column the date range applies to; scoreCol is
// empty for tables without a score.
func (f ListFilter) whereClause(args *[]any, timeCol, scoreCol string) string {
	var sb strings.Builder

	add := func(v any) string {
		*args = append(*args, v)
		return fmt.Sprintf("$%d", len(*args))
	}

	if f.Category != "" {
		sb.WriteString(" AND category = " + add(f.Category))
	}
	if f.State != "" {
		sb.WriteString(" AND state = " + add(f.State))
	}
	if len(f.Sources) > 0 {
		sb.WriteString(" AND sources && " + add(pq.Array(f.Sources)))
	}
	if f.Language != "" {
		sb.WriteString(" AND language = " + add(f.Language))
	}
	if f.MinScore > 0 && scoreCol != "" {
		sb.WriteString(fmt.Sprintf(" AND %s >= %s", scoreCol, add(f.MinScore)))
	}
	if !f.From.IsZero() {
		sb.WriteString(fmt.Sprintf(" AND %s >= %s", timeCol, add(f.From)))
	}
	if !f.To.IsZero() {
		sb.WriteString(fmt.Sprintf(" AND %s <= %s", timeCol, add(f.To)))
	}
	return sb.String()
}

// limitClause renders LIMIT/OFFSET with a defensive default page size.
func (f ListFilter) limitClause(args *[]any) string {
	limit := f.Limit
	if limit <= 0 {
		limit = 50
	}
	*args = append(*args, limit)
	clause := fmt.Sprintf(" LIMIT $%d", len(*args))
	if f.Offset > 0 {
		*args = append(*args, f.Offset)
		clause += fmt.Sprintf(" OFFSET $%d", len(*args))
	}
	return clause
}
