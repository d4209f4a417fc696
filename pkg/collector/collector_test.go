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

package collector

import (
	"context"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/kraklabs/trendwatch/pkg/model"
)

// fakeCollector is the shared test double for registry and runtime tests.
type fakeCollector struct {
	meta    Metadata
	collect func(ctx context.Context) ([]model.RawItem, error)
}

func (f *fakeCollector) Metadata() Metadata { return f.meta }

func (f *fakeCollector) Collect(ctx context.Context) ([]model.RawItem, error) {
	if f.collect == nil {
		return nil, nil
	}
	return f.collect(ctx)
}

func (f *fakeCollector) Validate(item model.RawItem) bool { return baseValidate(item) }

func newFake(name string, enabled bool) *fakeCollector {
	return &fakeCollector{meta: Metadata{
		Name:    name,
		Source:  name,
		Enabled: enabled,
		Timeout: time.Second,
	}}
}

func TestRegistryRegisterAndToggle(t *testing.T) {
	r := NewRegistry()
	r.RegisterStatic(newFake("a", true), newFake("b", false))

	assert.Equal(t, []string{"a", "b"}, r.Names())
	assert.True(t, r.Enabled("a"))
	assert.False(t, r.Enabled("b"))

	assert.True(t, r.EnableByName("b"))
	assert.True(t, r.Enabled("b"))

	assert.True(t, r.DisableByName("a"))
	assert.False(t, r.Enabled("a"))

	assert.False(t, r.EnableByName("missing"))

	r.Remove("a")
	_, ok := r.Get("a")
	assert.False(t, ok)
}

func TestRegistryReplaceOnSameName(t *testing.T) {
	r := NewRegistry()
	first := newFake("dup", true)
	second := newFake("dup", false)
	r.RegisterStatic(first)
	r.RegisterStatic(second)

	got, ok := r.Get("dup")
	assert.True(t, ok)
	assert.Same(t, second, got.(*fakeCollector))
	assert.False(t, r.Enabled("dup"))
}

func TestKeywordFilter(t *testing.T) {
	item := func(title string) model.RawItem { return model.RawItem{Title: title} }

	tests := []struct {
		name   string
		filter keywordFilter
		title  string
		want   bool
	}{
		{"no filters admits", keywordFilter{}, "anything", true},
		{"include hit", keywordFilter{include: []string{"ai"}}, "New AI chip", true},
		{"include miss", keywordFilter{include: []string{"ai"}}, "Sports result", false},
		{"exclude wins", keywordFilter{include: []string{"ai"}, exclude: []string{"crypto"}}, "AI crypto token", false},
		{"case insensitive", keywordFilter{include: []string{"OpenAI"}}, "openai releases model", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.filter.match(item(tt.title)))
		})
	}
}

func TestBaseValidate(t *testing.T) {
	good := model.RawItem{SourceID: "1", Title: "t", PublishedAt: time.Now()}
	assert.True(t, baseValidate(good))

	assert.False(t, baseValidate(model.RawItem{Title: "t", PublishedAt: time.Now()}))
	assert.False(t, baseValidate(model.RawItem{SourceID: "1", PublishedAt: time.Now()}))
	assert.False(t, baseValidate(model.RawItem{SourceID: "1", Title: "t"}))
	assert.False(t, baseValidate(model.RawItem{
		SourceID: "1", Title: "t", PublishedAt: time.Now().Add(48 * time.Hour),
	}))
}

func TestParseRetryAfter(t *testing.T) {
	tests := []struct {
		name  string
		value string
		want  time.Duration
	}{
		{"empty", "", 0},
		{"seconds", "120", 120 * time.Second},
		{"padded seconds", " 30 ", 30 * time.Second},
		{"zero", "0", 0},
		{"negative", "-5", 0},
		{"garbage", "soon", 0},
		{"past http date", "Wed, 21 Oct 2015 07:28:00 GMT", 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, parseRetryAfter(tt.value))
		})
	}

	// A future HTTP date yields roughly the remaining duration.
	future := time.Now().Add(90 * time.Second).UTC().Format(http.TimeFormat)
	got := parseRetryAfter(future)
	assert.Greater(t, got, 80*time.Second)
	assert.LessOrEqual(t, got, 90*time.Second)
}

func TestMetadataFromSourceDefaults(t *testing.T) {
	defaults := Metadata{RateLimit: 100, Timeout: 2 * time.Minute, RetryCount: 3}

	src := model.CollectorSource{Name: "feed", Schedule: "*/10 * * * *", RateLimit: 50, Timeout: time.Minute}
	meta := metadataFromSource(src, defaults)
	assert.Equal(t, 50, meta.RateLimit)
	assert.Equal(t, time.Minute, meta.Timeout)
	assert.Equal(t, "*/10 * * * *", meta.Schedule)
	assert.Equal(t, 3, meta.RetryCount)

	// Unset fields fall back to runtime defaults.
	bare := model.CollectorSource{Name: "bare"}
	meta = metadataFromSource(bare, defaults)
	assert.Equal(t, 100, meta.RateLimit)
	assert.Equal(t, 2*time.Minute, meta.Timeout)
}
