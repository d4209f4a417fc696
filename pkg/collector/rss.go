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
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/mmcdole/gofeed"

	"github.com/kraklabs/trendwatch/pkg/model"
	"github.com/kraklabs/trendwatch/pkg/trenderr"
)

// RSS collects items from an RSS or Atom feed.
type RSS struct {
	meta   Metadata
	url    string
	filter keywordFilter
	lang   string
	parser *gofeed.Parser
}

// NewRSS builds a feed collector from a source definition.
func NewRSS(src model.CollectorSource, defaults Metadata) *RSS {
	meta := metadataFromSource(src, defaults)
	parser := gofeed.NewParser()
	parser.UserAgent = "trendwatch/1.0"
	return &RSS{
		meta:   meta,
		url:    src.URL,
		filter: keywordFilter{include: src.IncludeKeywords, exclude: src.ExcludeKeywords},
		lang:   src.Language,
		parser: parser,
	}
}

func (c *RSS) Metadata() Metadata { return c.meta }

func (c *RSS) Collect(ctx context.Context) ([]model.RawItem, error) {
	feed, err := c.parser.ParseURLWithContext(c.url, ctx)
	if err != nil {
		return nil, trenderr.Transient.Wrap(fmt.Errorf("fetch feed %s: %w", c.url, err))
	}

	lang := c.lang
	if lang == "" {
		lang = feed.Language
	}

	items := make([]model.RawItem, 0, len(feed.Items))
	for _, entry := range feed.Items {
		item := model.RawItem{
			Source:       c.meta.Source,
			SourceID:     feedEntryID(entry),
			URL:          entry.Link,
			Title:        entry.Title,
			Body:         entry.Description,
			LanguageHint: lang,
			Tags:         entry.Categories,
		}
		if entry.Author != nil {
			item.Author = entry.Author.Name
		}
		switch {
		case entry.PublishedParsed != nil:
			item.PublishedAt = *entry.PublishedParsed
		case entry.UpdatedParsed != nil:
			item.PublishedAt = *entry.UpdatedParsed
		default:
			item.PublishedAt = time.Now().UTC()
		}

		if c.Validate(item) && c.filter.match(item) {
			items = append(items, item)
		}
	}
	return items, nil
}

func (c *RSS) Validate(item model.RawItem) bool {
	return baseValidate(item) && item.URL != ""
}

// feedEntryID prefers the feed's GUID; entries without one get a stable
// hash of the link so re-fetches dedupe correctly.
func feedEntryID(entry *gofeed.Item) string {
	if entry.GUID != "" {
		return entry.GUID
	}
	sum := sha256.Sum256([]byte(entry.Link))
	return hex.EncodeToString(sum[:16])
}

// metadataFromSource fills collector metadata from a source row, falling
// back to runtime defaults for unset fields.
func metadataFromSource(src model.CollectorSource, defaults Metadata) Metadata {
	meta := Metadata{
		Name:       src.Name,
		Version:    "1.0.0",
		Source:     src.Name,
		Schedule:   src.Schedule,
		RateLimit:  src.RateLimit,
		Timeout:    src.Timeout,
		RetryCount: defaults.RetryCount,
		Enabled:    src.Enabled,
	}
	if meta.Schedule == "" {
		meta.Schedule = defaults.Schedule
	}
	if meta.RateLimit <= 0 {
		meta.RateLimit = defaults.RateLimit
	}
	if meta.Timeout <= 0 {
		meta.Timeout = defaults.Timeout
	}
	return meta
}
