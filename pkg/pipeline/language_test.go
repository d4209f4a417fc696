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

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kraklabs/trendwatch/pkg/model"
)

func TestDetectShortContent(t *testing.T) {
	tests := []string{"", "a", "ab"}
	for _, text := range tests {
		tag, conf := Detect(text)
		assert.Equal(t, "und", tag, "Detect(%q)", text)
		assert.Zero(t, conf)
	}
}

func TestDetectLanguages(t *testing.T) {
	tests := []struct {
		name string
		text string
		want string
	}{
		{"english", "The government announced a comprehensive new policy on renewable energy investments today", "en"},
		{"spanish", "El gobierno anunció hoy una nueva política integral sobre inversiones en energía renovable", "es"},
		{"japanese", "政府は本日、再生可能エネルギーへの投資に関する新しい政策を発表しました", "ja"},
		{"arabic", "أعلنت الحكومة اليوم عن سياسة جديدة شاملة بشأن الاستثمارات في الطاقة المتجددة", "ar"},
		{"chinese", "政府今天宣布了一项关于可再生能源投资的全面新政策", "zh"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tag, conf := Detect(tt.text)
			assert.Equal(t, tt.want, tag)
			assert.Greater(t, conf, 0.0)
		})
	}
}

func TestNormalizeTag(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"en", "en"},
		{"en-US", "en"},
		{"spa", "es"},
		{"", "und"},
		{"not a tag!", "und"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, normalizeTag(tt.in), "normalizeTag(%q)", tt.in)
	}
}

func TestLanguageStage(t *testing.T) {
	d := NewLanguageDetector(nil)
	items := []model.ProcessedItem{
		{Title: "The parliament passed sweeping legislation on digital privacy protections"},
		{Title: "ab"}, // Too short: flows through as und.
	}
	out, err := d.Process(context.Background(), items)
	require.NoError(t, err)
	require.Len(t, out, 2)

	assert.Equal(t, "en", out[0].Language)
	assert.Greater(t, out[0].LanguageConf, 0.0)
	assert.Equal(t, "und", out[1].Language)
}

func TestLanguageStageUsesHintForShortContent(t *testing.T) {
	d := NewLanguageDetector(nil)
	items := []model.ProcessedItem{
		{Title: "ab", Language: "de"},
	}
	out, err := d.Process(context.Background(), items)
	require.NoError(t, err)
	assert.Equal(t, "de", out[0].Language)
}
