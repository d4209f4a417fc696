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

// Package vector implements the vector repository over a pgvector-enabled
// Postgres table. Entries are keyed "trend:{uuid}" or "item:{uuid}"; the
// payload carries the declared indexable fields for filtered search.
package vector

import (
	"time"
)

// Payload is stored alongside each vector. Only these fields are indexable
// for filtering.
type Payload struct {
	// Entity is "trend" or "item".
	Entity      string    `json:"entity"`
	Category    string    `json:"category,omitempty"`
	State       string    `json:"state,omitempty"`
	Language    string    `json:"language,omitempty"`
	Sources     []string  `json:"sources,omitempty"`
	Score       float64   `json:"score,omitempty"`
	PublishedAt time.Time `json:"published_at,omitzero"`
}

// Filter restricts a search to vectors whose payload matches. Slice fields
// are set-membership; Entity is equality; MinScore and the published range
// are inclusive bounds. Zero values mean "any".
type Filter struct {
	Entity        string
	Categories    []string
	States        []string
	Languages     []string
	Sources       []string
	MinScore      float64
	PublishedFrom time.Time
	PublishedTo   time.Time

	// ExcludeIDs drops specific entries from results; used by
	// similar-to-trend to exclude the query trend itself.
	ExcludeIDs []string
}

// Entry is one stored vector with its payload.
type Entry struct {
	ID      string
	Vector  []float32
	Payload Payload
}

// Result is one search hit with its cosine similarity to the query vector.
type Result struct {
	ID      string
	Score   float64
	Payload Payload
}

// TrendKey and ItemKey build the vector-store keys for owned entities.
func TrendKey(id string) string { return "trend:" + id }
func ItemKey(id string) string  { return "item:" + id }
