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
	"log/slog"
	"strings"

	"github.com/abadojack/whatlanggo"
	"golang.org/x/text/language"

	"github.com/kraklabs/trendwatch/pkg/model"
)

// undetermined is the BCP-47 tag for content the detector cannot place.
const undetermined = "und"

// LanguageDetector tags each item with a BCP-47 primary language tag and a
// confidence. Items with fewer than three characters of content get "und"
// and flow through; they are later excluded from cross-language clustering.
// Detection handles CJK and RTL scripts natively via trigram profiles.
type LanguageDetector struct {
	logger *slog.Logger
}

// NewLanguageDetector creates the stage.
func NewLanguageDetector(logger *slog.Logger) *LanguageDetector {
	if logger == nil {
		logger = slog.Default()
	}
	return &LanguageDetector{logger: logger}
}

func (d *LanguageDetector) Name() string { return "language" }

func (d *LanguageDetector) Process(ctx context.Context, items []model.ProcessedItem) ([]model.ProcessedItem, error) {
	undCount := 0
	for i := range items {
		if err := maybeYield(ctx, i); err != nil {
			return nil, err
		}

		tag, conf := Detect(strings.TrimSpace(items[i].Title + " " + items[i].Body))
		if tag == undetermined && items[i].Language != "" {
			// Source-provided hints rescue short items, once validated.
			if normalized := normalizeTag(items[i].Language); normalized != undetermined {
				items[i].Language = normalized
				items[i].LanguageConf = 0.5
				continue
			}
		}
		items[i].Language = tag
		items[i].LanguageConf = conf
		if tag == undetermined {
			undCount++
		}
	}

	d.logger.Debug("pipeline.language.complete", "items", len(items), "undetermined", undCount)
	return items, nil
}

// Detect returns a BCP-47 primary tag plus confidence for text. Fewer than
// three characters of content yields ("und", 0).
func Detect(text string) (string, float64) {
	if len([]rune(text)) < 3 {
		return undetermined, 0
	}
	info := whatlanggo.Detect(text)
	if info.Lang == -1 {
		return undetermined, 0
	}
	tag := normalizeTag(info.Lang.Iso6391())
	if tag == undetermined {
		// Languages without a 639-1 code keep their 639-3 identity.
		tag = normalizeTag(whatlanggo.LangToString(info.Lang))
	}
	return tag, info.Confidence
}

// normalizeTag parses raw into a canonical BCP-47 primary tag, or "und".
func normalizeTag(raw string) string {
	if raw == "" {
		return undetermined
	}
	tag, err := language.Parse(raw)
	if err != nil {
		return undetermined
	}
	base, conf := tag.Base()
	if conf == language.No {
		return undetermined
	}
	return base.String()
}
