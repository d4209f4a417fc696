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
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"golang.org/x/time/rate"

	"github.com/kraklabs/trendwatch/pkg/model"
	"github.com/kraklabs/trendwatch/pkg/trenderr"
)

const hnDefaultBase = "https://hacker-news.firebaseio.com/v0"

// HackerNews collects top stories from the Hacker News API. It needs no
// credentials, which makes it the default collector on a fresh install.
type HackerNews struct {
	meta     Metadata
	base     string
	maxItems int
	filter   keywordFilter
	client   *resty.Client

	// limiter paces item fetches so one run does not hammer the API.
	limiter *rate.Limiter
}

// NewHackerNews builds the collector. maxItems bounds how many of the top
// stories one run hydrates.
func NewHackerNews(src model.CollectorSource, defaults Metadata, maxItems int) *HackerNews {
	if maxItems <= 0 {
		maxItems = 50
	}
	base := src.URL
	if base == "" {
		base = hnDefaultBase
	}
	return &HackerNews{
		meta:     metadataFromSource(src, defaults),
		base:     base,
		maxItems: maxItems,
		filter:   keywordFilter{include: src.IncludeKeywords, exclude: src.ExcludeKeywords},
		client:   newRestyClient(defaults.Timeout),
		limiter:  rate.NewLimiter(rate.Limit(10), 5),
	}
}

func (c *HackerNews) Metadata() Metadata { return c.meta }

type hnStory struct {
	ID          int64  `json:"id"`
	Title       string `json:"title"`
	URL         string `json:"url"`
	Text        string `json:"text"`
	By          string `json:"by"`
	Time        int64  `json:"time"`
	Score       int64  `json:"score"`
	Descendants int64  `json:"descendants"`
	Type        string `json:"type"`
}

func (c *HackerNews) Collect(ctx context.Context) ([]model.RawItem, error) {
	var ids []int64
	resp, err := c.client.R().
		SetContext(ctx).
		SetResult(&ids).
		Get(c.base + "/topstories.json")
	if err != nil {
		return nil, trenderr.Transient.Wrap(fmt.Errorf("fetch top stories: %w", err))
	}
	if resp.IsError() {
		return nil, classifyHTTPResponse(resp, "top stories")
	}

	if len(ids) > c.maxItems {
		ids = ids[:c.maxItems]
	}

	items := make([]model.RawItem, 0, len(ids))
	for _, id := range ids {
		if err := c.limiter.Wait(ctx); err != nil {
			return items, err
		}

		var story hnStory
		resp, err := c.client.R().
			SetContext(ctx).
			SetResult(&story).
			Get(fmt.Sprintf("%s/item/%d.json", c.base, id))
		if err != nil {
			return nil, trenderr.Transient.Wrap(fmt.Errorf("fetch story %d: %w", id, err))
		}
		if resp.IsError() || story.Type != "story" || story.Title == "" {
			continue
		}

		url := story.URL
		if url == "" {
			url = fmt.Sprintf("https://news.ycombinator.com/item?id=%d", story.ID)
		}
		item := model.RawItem{
			Source:      c.meta.Source,
			SourceID:    strconv.FormatInt(story.ID, 10),
			URL:         url,
			Title:       story.Title,
			Body:        story.Text,
			Author:      story.By,
			PublishedAt: time.Unix(story.Time, 0).UTC(),
			Engagement: model.Engagement{
				Upvotes:  story.Score,
				Comments: story.Descendants,
			},
		}
		if c.Validate(item) && c.filter.match(item) {
			items = append(items, item)
		}
	}
	return items, nil
}

func (c *HackerNews) Validate(item model.RawItem) bool {
	return baseValidate(item)
}

// newRestyClient builds the shared HTTP client shape for API collectors.
func newRestyClient(timeout time.Duration) *resty.Client {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return resty.New().
		SetTimeout(timeout).
		SetHeader("User-Agent", "trendwatch/1.0").
		SetRetryCount(0) // Retry policy lives in the runtime, not the client.
}

// classifyHTTPResponse maps an upstream error response onto the error
// taxonomy. A 429 with a Retry-After header carries the advertised delay so
// the retry helper honors it before resuming its own backoff.
func classifyHTTPResponse(resp *resty.Response, what string) error {
	status := resp.StatusCode()
	switch {
	case status == 401:
		return trenderr.AuthRequired.New("%s: upstream returned 401", what)
	case status == 403:
		return trenderr.Forbidden.New("%s: upstream returned 403", what)
	case status == 429:
		if delay := parseRetryAfter(resp.Header().Get("Retry-After")); delay > 0 {
			return trenderr.RateLimitedAfter(delay, "%s: upstream returned 429, retry after %s", what, delay)
		}
		return trenderr.RateLimited.New("%s: upstream returned 429", what)
	case status >= 500:
		return trenderr.Transient.New("%s: upstream returned %d", what, status)
	default:
		return trenderr.Validation.New("%s: upstream returned %d", what, status)
	}
}

// parseRetryAfter handles both Retry-After forms: delta-seconds and an
// HTTP-date. Unparseable or elapsed values yield zero.
func parseRetryAfter(value string) time.Duration {
	value = strings.TrimSpace(value)
	if value == "" {
		return 0
	}
	if secs, err := strconv.Atoi(value); err == nil {
		if secs <= 0 {
			return 0
		}
		return time.Duration(secs) * time.Second
	}
	if at, err := http.ParseTime(value); err == nil {
		if d := time.Until(at); d > 0 {
			return d
		}
	}
	return 0
}
