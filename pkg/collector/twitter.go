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
	"time"

	"github.com/go-resty/resty/v2"

	"github.com/kraklabs/trendwatch/pkg/model"
	"github.com/kraklabs/trendwatch/pkg/trenderr"
)

const twitterDefaultURL = "https://api.twitter.com/2/tweets/search/recent"

// Twitter collects recent tweets matching a query via the v2 search API.
// The URL field holds the endpoint and the first include keyword is the
// search query.
type Twitter struct {
	meta   Metadata
	url    string
	query  string
	filter keywordFilter
	auth   model.AuthEnvelope
	client *resty.Client
}

// NewTwitter builds the collector from a source definition.
func NewTwitter(src model.CollectorSource, defaults Metadata) *Twitter {
	url := src.URL
	if url == "" {
		url = twitterDefaultURL
	}
	query := ""
	if len(src.IncludeKeywords) > 0 {
		query = src.IncludeKeywords[0]
	}
	return &Twitter{
		meta:   metadataFromSource(src, defaults),
		url:    url,
		query:  query,
		filter: keywordFilter{exclude: src.ExcludeKeywords},
		auth:   src.Auth,
		client: newRestyClient(defaults.Timeout),
	}
}

func (c *Twitter) Metadata() Metadata { return c.meta }

type twitterSearch struct {
	Data []struct {
		ID            string    `json:"id"`
		Text          string    `json:"text"`
		AuthorID      string    `json:"author_id"`
		CreatedAt     time.Time `json:"created_at"`
		Lang          string    `json:"lang"`
		PublicMetrics struct {
			RetweetCount int64 `json:"retweet_count"`
			ReplyCount   int64 `json:"reply_count"`
			LikeCount    int64 `json:"like_count"`
			QuoteCount   int64 `json:"quote_count"`
		} `json:"public_metrics"`
	} `json:"data"`
}

func (c *Twitter) Collect(ctx context.Context) ([]model.RawItem, error) {
	if c.auth.OAuthToken == "" {
		return nil, trenderr.AuthRequired.New("twitter collector requires a bearer token")
	}
	if c.query == "" {
		return nil, trenderr.Validation.New("twitter collector requires a search query")
	}

	var search twitterSearch
	resp, err := c.client.R().
		SetContext(ctx).
		SetAuthToken(c.auth.OAuthToken).
		SetQueryParams(map[string]string{
			"query":        c.query,
			"max_results":  "100",
			"tweet.fields": "created_at,lang,public_metrics,author_id",
		}).
		SetResult(&search).
		Get(c.url)
	if err != nil {
		return nil, trenderr.Transient.Wrap(fmt.Errorf("search tweets: %w", err))
	}
	if resp.IsError() {
		return nil, classifyHTTPResponse(resp, "twitter search")
	}

	items := make([]model.RawItem, 0, len(search.Data))
	for _, tweet := range search.Data {
		item := model.RawItem{
			Source:       c.meta.Source,
			SourceID:     tweet.ID,
			URL:          "https://twitter.com/i/status/" + tweet.ID,
			Title:        tweet.Text,
			Author:       tweet.AuthorID,
			PublishedAt:  tweet.CreatedAt,
			LanguageHint: tweet.Lang,
			Engagement: model.Engagement{
				Upvotes:  tweet.PublicMetrics.LikeCount,
				Comments: tweet.PublicMetrics.ReplyCount,
				Shares:   tweet.PublicMetrics.RetweetCount + tweet.PublicMetrics.QuoteCount,
			},
		}
		if c.Validate(item) && c.filter.match(item) {
			items = append(items, item)
		}
	}
	return items, nil
}

func (c *Twitter) Validate(item model.RawItem) bool {
	return baseValidate(item)
}
