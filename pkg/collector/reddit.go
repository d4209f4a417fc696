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

// Reddit collects hot posts from a subreddit listing endpoint. The source
// URL points at the listing, e.g.
// https://www.reddit.com/r/technology/hot.json?limit=100.
type Reddit struct {
	meta   Metadata
	url    string
	filter keywordFilter
	auth   model.AuthEnvelope
	client *resty.Client
}

// NewReddit builds the collector from a source definition.
func NewReddit(src model.CollectorSource, defaults Metadata) *Reddit {
	return &Reddit{
		meta:   metadataFromSource(src, defaults),
		url:    src.URL,
		filter: keywordFilter{include: src.IncludeKeywords, exclude: src.ExcludeKeywords},
		auth:   src.Auth,
		client: newRestyClient(defaults.Timeout),
	}
}

func (c *Reddit) Metadata() Metadata { return c.meta }

type redditListing struct {
	Data struct {
		Children []struct {
			Data struct {
				ID          string  `json:"id"`
				Title       string  `json:"title"`
				SelfText    string  `json:"selftext"`
				Author      string  `json:"author"`
				Permalink   string  `json:"permalink"`
				URL         string  `json:"url"`
				CreatedUTC  float64 `json:"created_utc"`
				Ups         int64   `json:"ups"`
				Downs       int64   `json:"downs"`
				NumComments int64   `json:"num_comments"`
				Subreddit   string  `json:"subreddit"`
			} `json:"data"`
		} `json:"children"`
	} `json:"data"`
}

func (c *Reddit) Collect(ctx context.Context) ([]model.RawItem, error) {
	req := c.client.R().SetContext(ctx)
	if c.auth.OAuthToken != "" {
		req.SetAuthToken(c.auth.OAuthToken)
	}

	var listing redditListing
	resp, err := req.SetResult(&listing).Get(c.url)
	if err != nil {
		return nil, trenderr.Transient.Wrap(fmt.Errorf("fetch listing %s: %w", c.url, err))
	}
	if resp.IsError() {
		return nil, classifyHTTPResponse(resp, "reddit listing")
	}

	items := make([]model.RawItem, 0, len(listing.Data.Children))
	for _, child := range listing.Data.Children {
		post := child.Data
		item := model.RawItem{
			Source:      c.meta.Source,
			SourceID:    post.ID,
			URL:         "https://www.reddit.com" + post.Permalink,
			Title:       post.Title,
			Body:        post.SelfText,
			Author:      post.Author,
			PublishedAt: time.Unix(int64(post.CreatedUTC), 0).UTC(),
			Engagement: model.Engagement{
				Upvotes:   post.Ups,
				Downvotes: post.Downs,
				Comments:  post.NumComments,
			},
			Tags: []string{post.Subreddit},
		}
		if c.Validate(item) && c.filter.match(item) {
			items = append(items, item)
		}
	}
	return items, nil
}

func (c *Reddit) Validate(item model.RawItem) bool {
	return baseValidate(item)
}
