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

package pipeline

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kraklabs/trendwatch/pkg/model"
)

func rawItem(source, id, title string) model.RawItem {
	return model.RawItem{
		Source:      source,
		SourceID:    id,
		URL:         "https://example.com/" + id,
		Title:       title,
		PublishedAt: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC),
	}
}

func TestNormalizeComparisonForms(t *testing.T) {
	n := NewNormalizer(10, nil)
	items, err := n.Normalize(context.Background(), []model.RawItem{
		rawItem("a", "1", "Apple unveils M5"),
		rawItem("b", "2", "apple   unveils m5"),
		rawItem("c", "3", "Google IPO"),
	})
	require.NoError(t, err)
	require.Len(t, items, 3)

	assert.Equal(t, items[0].NormalizedTitle, items[1].NormalizedTitle,
		"case and whitespace variants normalize identically")
	assert.NotEqual(t, items[0].NormalizedTitle, items[2].NormalizedTitle)

	// Display form keeps the original casing.
	assert.Equal(t, "Apple unveils M5", items[0].Title)
}

func TestNormalizeStripsHTML(t *testing.T) {
	n := NewNormalizer(10, nil)
	raw := rawItem("a", "1", "<b>Big</b> news")
	raw.Body = "<p>Paragraph one</p><script>x()</script>"

	items, err := n.Normalize(context.Background(), []model.RawItem{raw})
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, "Big news", items[0].Title)
	assert.Equal(t, "Paragraph one", items[0].Body)
}

func TestNormalizeDropsEmptyTitles(t *testing.T) {
	n := NewNormalizer(10, nil)
	items, err := n.Normalize(context.Background(), []model.RawItem{
		rawItem("a", "1", "<p></p>"),
		rawItem("a", "2", "kept"),
	})
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, "kept", items[0].Title)
}

func TestNormalizeDropsDuplicateSourceKeys(t *testing.T) {
	// The (source, source_id) identity admits only the first occurrence.
	n := NewNormalizer(10, nil)
	items, err := n.Normalize(context.Background(), []model.RawItem{
		rawItem("a", "1", "first"),
		rawItem("a", "1", "second fetch of the same item"),
		rawItem("b", "1", "different source"),
	})
	require.NoError(t, err)
	require.Len(t, items, 2)
	assert.Equal(t, "first", items[0].Title)
}

func TestNormalizeAssignsUniqueIDs(t *testing.T) {
	n := NewNormalizer(10, nil)
	items, err := n.Normalize(context.Background(), []model.RawItem{
		rawItem("a", "1", "one"),
		rawItem("a", "2", "two"),
	})
	require.NoError(t, err)
	require.Len(t, items, 2)
	assert.NotEmpty(t, items[0].ID)
	assert.NotEqual(t, items[0].ID, items[1].ID)
}

func TestCategorize(t *testing.T) {
	tests := []struct {
		title string
		tags  []string
		want  model.Category
	}{
		{"New AI chip announced", nil, model.CategoryTechnology},
		{"Quarterly earnings beat the market", nil, model.CategoryBusiness},
		{"NASA probes deep space", nil, model.CategoryScience},
		{"Championship game tonight", nil, model.CategorySports},
		{"Nothing remarkable here", nil, model.CategoryGeneral},
		{"Untagged title", []string{"health"}, model.CategoryHealth},
	}
	for _, tt := range tests {
		t.Run(tt.title, func(t *testing.T) {
			raw := rawItem("a", "1", tt.title)
			raw.Tags = tt.tags
			got := categorize(raw, tt.title)
			assert.Equal(t, tt.want, got)
		})
	}
}
