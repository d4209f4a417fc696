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

package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"
)

// Key conventions and TTLs. Every cache consumer goes through these
// builders so the invalidation globs in the orchestrator stay correct.
const (
	TTLEmbedding    = 7 * 24 * time.Hour
	TTLRateLimit    = time.Hour
	TTLTrendList    = 5 * time.Minute
	TTLTrendDetail  = 10 * time.Minute
	TTLTrendSimilar = 10 * time.Minute
	TTLTopicItems   = 10 * time.Minute
)

// Fingerprint returns the content-derived hash used in cache keys.
func Fingerprint(text string) string {
	sum := sha256.Sum256([]byte(text))
	return hex.EncodeToString(sum[:])
}

// EmbeddingKey keys a cached embedding by text fingerprint.
func EmbeddingKey(text string) string {
	return "emb:" + Fingerprint(text)
}

// RateLimitKey keys the sliding-window counter for a plugin by the current
// UTC hour bucket.
func RateLimitKey(plugin string, now time.Time) string {
	return fmt.Sprintf("ratelimit:%s:%s", plugin, now.UTC().Format("2006010215"))
}

// TrendListKey keys a cached trend listing by filter fingerprint.
func TrendListKey(filterFingerprint string) string {
	return "trends:list:" + filterFingerprint
}

// TrendDetailKey keys a cached single trend.
func TrendDetailKey(id string) string {
	return "trends:detail:" + id
}

// TrendSimilarKey keys a cached similar-trends result.
func TrendSimilarKey(id string, limit int, minSimilarity float64) string {
	return fmt.Sprintf("trends:similar:%s:%d:%g", id, limit, minSimilarity)
}

// TopicItemsKey keys a cached page of a topic's items.
func TopicItemsKey(topicID string, limit, offset int) string {
	return fmt.Sprintf("topics:items:%s:%d:%d", topicID, limit, offset)
}
