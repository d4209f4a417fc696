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
	"strconv"
	"time"

	"github.com/go-resty/resty/v2"

	"github.com/kraklabs/trendwatch/pkg/model"
	"github.com/kraklabs/trendwatch/pkg/trenderr"
)

const youtubeDefaultURL = "https://www.googleapis.com/youtube/v3/videos"

// YouTube collects trending videos via the Data API v3 videos endpoint
// (chart=mostPopular). Requires an API key in the auth envelope.
type YouTube struct {
	meta   Metadata
	url    string
	region string
	filter keywordFilter
	auth   model.AuthEnvelope
	client *resty.Client
}

// NewYouTube builds the collector from a source definition. The chart
// region is always US; the source language field does not change it.
func NewYouTube(src model.CollectorSource, defaults Metadata) *YouTube {
	url := src.URL
	if url == "" {
		url = youtubeDefaultURL
	}
	return &YouTube{
		meta:   metadataFromSource(src, defaults),
		url:    url,
		region: "US",
		filter: keywordFilter{include: src.IncludeKeywords, exclude: src.ExcludeKeywords},
		auth:   src.Auth,
		client: newRestyClient(defaults.Timeout),
	}
}

func (c *YouTube) Metadata() Metadata { return c.meta }

type youtubeListing struct {
	Items []struct {
		ID      string `json:"id"`
		Snippet struct {
			Title        string    `json:"title"`
			Description  string    `json:"description"`
			ChannelTitle string    `json:"channelTitle"`
			PublishedAt  time.Time `json:"publishedAt"`
			Tags         []string  `json:"tags"`
			Language     string    `json:"defaultAudioLanguage"`
		} `json:"snippet"`
		Statistics struct {
			ViewCount    string `json:"viewCount"`
			LikeCount    string `json:"likeCount"`
			CommentCount string `json:"commentCount"`
		} `json:"statistics"`
	} `json:"items"`
}

func (c *YouTube) Collect(ctx context.Context) ([]model.RawItem, error) {
	if c.auth.APIKey == "" {
		return nil, trenderr.AuthRequired.New("youtube collector requires an API key")
	}

	var listing youtubeListing
	resp, err := c.client.R().
		SetContext(ctx).
		SetQueryParams(map[string]string{
			"part":       "snippet,statistics",
			"chart":      "mostPopular",
			"regionCode": c.region,
			"maxResults": "50",
			"key":        c.auth.APIKey,
		}).
		SetResult(&listing).
		Get(c.url)
	if err != nil {
		return nil, trenderr.Transient.Wrap(fmt.Errorf("fetch videos: %w", err))
	}
	if resp.IsError() {
		return nil, classifyHTTPResponse(resp, "youtube videos")
	}

	items := make([]model.RawItem, 0, len(listing.Items))
	for _, video := range listing.Items {
		item := model.RawItem{
			Source:       c.meta.Source,
			SourceID:     video.ID,
			URL:          "https://www.youtube.com/watch?v=" + video.ID,
			Title:        video.Snippet.Title,
			Body:         video.Snippet.Description,
			Author:       video.Snippet.ChannelTitle,
			PublishedAt:  video.Snippet.PublishedAt,
			LanguageHint: video.Snippet.Language,
			Tags:         video.Snippet.Tags,
			Engagement: model.Engagement{
				Views:    parseCount(video.Statistics.ViewCount),
				Upvotes:  parseCount(video.Statistics.LikeCount),
				Comments: parseCount(video.Statistics.CommentCount),
			},
		}
		if c.Validate(item) && c.filter.match(item) {
			items = append(items, item)
		}
	}
	return items, nil
}

func (c *YouTube) Validate(item model.RawItem) bool {
	return baseValidate(item)
}

func parseCount(s string) int64 {
	n, _ := strconv.ParseInt(s, 10, 64)
	return n
}
