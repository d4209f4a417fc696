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

package model

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPluginHealthLifecycle(t *testing.T) {
	h := PluginHealth{PluginName: "test", IsHealthy: true}
	now := time.Now()

	// Three consecutive failures cross the default threshold.
	for i := 1; i <= 3; i++ {
		h.RecordFailure(now, "boom", 3, 0.5)
		assert.Equal(t, i, h.ConsecutiveFailures)
	}
	assert.False(t, h.IsHealthy)
	assert.Equal(t, int64(3), h.TotalRuns)

	// Success resets consecutive failures but the success rate still
	// reflects history: 1 of 4 runs. Under five total runs the rate floor
	// does not apply yet.
	h.RecordSuccess(now, 3, 0.5)
	assert.Equal(t, 0, h.ConsecutiveFailures)
	assert.InDelta(t, 0.25, h.SuccessRate, 1e-9)
	assert.True(t, h.IsHealthy)

	// The fifth run brings the floor into force: 2 of 5 is under 0.5.
	h.RecordSuccess(now, 3, 0.5)
	assert.InDelta(t, 0.4, h.SuccessRate, 1e-9)
	assert.False(t, h.IsHealthy, "success rate 0.4 is under the 0.5 floor")

	h.Reset()
	assert.True(t, h.IsHealthy)
	assert.Empty(t, h.LastError)
}

func TestPluginHealthRecoveryScenario(t *testing.T) {
	// A collector fails three times, then succeeds: consecutive failures
	// reset to zero and the plugin is healthy again under a lenient floor.
	h := PluginHealth{PluginName: "flaky", IsHealthy: true}
	now := time.Now()
	for range 3 {
		h.RecordFailure(now, "network timeout", 4, 0.2)
	}
	require.True(t, h.IsHealthy, "threshold 4 not yet reached")

	h.RecordSuccess(now.Add(time.Minute), 4, 0.2)
	assert.Equal(t, 0, h.ConsecutiveFailures)
	assert.True(t, h.IsHealthy)
	assert.Equal(t, now.Add(time.Minute), h.LastSuccessAt)
}

func TestEngagementSum(t *testing.T) {
	e := Engagement{Upvotes: 10, Comments: 5, Shares: 2, Views: 300}
	// 10 + 5*2 + 2*3 + 300/100
	assert.Equal(t, int64(29), e.Sum())
}

func TestCollectorSourceValidate(t *testing.T) {
	valid := CollectorSource{
		Name:     "feed",
		Type:     SourceRSS,
		URL:      "https://example.com/rss",
		Schedule: "*/30 * * * *",
	}
	require.NoError(t, valid.Validate())

	tests := []struct {
		name   string
		mutate func(*CollectorSource)
	}{
		{"missing name", func(s *CollectorSource) { s.Name = "" }},
		{"bad type", func(s *CollectorSource) { s.Type = "ftp" }},
		{"missing url", func(s *CollectorSource) { s.URL = "" }},
		{"bad cron", func(s *CollectorSource) { s.Schedule = "every 5 minutes" }},
		{"six fields", func(s *CollectorSource) { s.Schedule = "0 0 * * * *" }},
		{"negative rate", func(s *CollectorSource) { s.RateLimit = -1 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			src := valid
			tt.mutate(&src)
			assert.Error(t, src.Validate())
		})
	}
}

func TestCollectorSourceCustomNeedsCode(t *testing.T) {
	src := CollectorSource{Name: "mine", Type: SourceCustom}
	assert.Error(t, src.Validate())

	src.PluginCode = "def collect():\n    return []\n"
	assert.NoError(t, src.Validate())
}
