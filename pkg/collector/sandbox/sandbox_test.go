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

package sandbox

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kraklabs/trendwatch/pkg/config"
	"github.com/kraklabs/trendwatch/pkg/model"
	"github.com/kraklabs/trendwatch/pkg/trenderr"
)

func newTestSandbox(t *testing.T) *Sandbox {
	t.Helper()
	cfg := config.Default().Sandbox
	cfg.Timeout = 5 * time.Second
	box, err := New(cfg, nil)
	require.NoError(t, err)
	return box
}

func TestValidateWordBoundary(t *testing.T) {
	box := newTestSandbox(t)

	tests := []struct {
		name    string
		code    string
		wantErr bool
	}{
		{
			// The canonical substring-matching bug: follow_redirects
			// contains "dir" but must pass.
			name:    "follow_redirects passes",
			code:    "follow_redirects = True\n\ndef collect():\n    return []\n",
			wantErr: false,
		},
		{
			name:    "dir call fails",
			code:    "def collect():\n    x = dir(foo)\n    return []\n",
			wantErr: true,
		},
		{
			name:    "exec fails",
			code:    "def collect():\n    exec(payload)\n    return []\n",
			wantErr: true,
		},
		{
			name:    "eval fails",
			code:    "def collect():\n    return eval(\"[]\")\n",
			wantErr: true,
		},
		{
			name:    "executor is not exec",
			code:    "executor = 1\n\ndef collect():\n    return []\n",
			wantErr: false,
		},
		{
			name:    "evaluate is not eval",
			code:    "def evaluate(x):\n    return x\n\ndef collect():\n    return []\n",
			wantErr: false,
		},
		{
			name:    "subprocess fails",
			code:    "def collect():\n    subprocess.run([\"ls\"])\n    return []\n",
			wantErr: true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := box.Validate(tt.code)
			if tt.wantErr {
				require.Error(t, err)
				assert.True(t, trenderr.SandboxSecurity.Has(err), "want SandboxSecurity, got %v", err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestValidateSyntaxError(t *testing.T) {
	box := newTestSandbox(t)
	err := box.Validate("def collect(:\n")
	require.Error(t, err)
	assert.True(t, trenderr.Validation.Has(err))
}

func TestRunSimplePlugin(t *testing.T) {
	box := newTestSandbox(t)
	code := `
def collect():
    return [
        {
            "source_id": "1",
            "url": "https://example.com/1",
            "title": "First story",
            "published_at": "2025-06-01T10:00:00Z",
            "engagement": {"upvotes": 10, "comments": 3},
            "tags": ["news"],
        },
        {
            "source_id": "2",
            "url": "https://example.com/2",
            "title": "Second story",
            "published_at": "2025-06-01T11:00:00Z",
        },
    ]
`
	items, err := box.Run(context.Background(), code, "myplugin", model.AuthEnvelope{})
	require.NoError(t, err)
	require.Len(t, items, 2)

	assert.Equal(t, "myplugin", items[0].Source)
	assert.Equal(t, "1", items[0].SourceID)
	assert.Equal(t, "First story", items[0].Title)
	assert.Equal(t, int64(10), items[0].Engagement.Upvotes)
	assert.Equal(t, int64(3), items[0].Engagement.Comments)
	assert.Equal(t, []string{"news"}, items[0].Tags)
	assert.Equal(t, time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC), items[0].PublishedAt)
}

func TestRunUsesWhitelistedModules(t *testing.T) {
	box := newTestSandbox(t)
	code := `
def collect():
    raw = '{"title": "decoded"}'
    data = json.decode(raw)
    cleaned = html.strip_tags("<b>" + data["title"] + "</b>")
    return [{"source_id": "j1", "url": "https://e.com", "title": text.collapse_ws(cleaned), "published_at": "2025-01-01T00:00:00Z"}]
`
	items, err := box.Run(context.Background(), code, "p", model.AuthEnvelope{})
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, "decoded", items[0].Title)
}

func TestRunAuthEnvelope(t *testing.T) {
	box := newTestSandbox(t)
	code := `
def collect():
    return [{"source_id": auth.api_key, "url": "https://e.com", "title": "t", "published_at": "2025-01-01T00:00:00Z"}]
`
	items, err := box.Run(context.Background(), code, "p", model.AuthEnvelope{APIKey: "secret-key"})
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, "secret-key", items[0].SourceID)
}

func TestRunLoadDenied(t *testing.T) {
	box := newTestSandbox(t)
	code := "load(\"socketmod\", \"connect\")\n\ndef collect():\n    return []\n"
	_, err := box.Run(context.Background(), code, "p", model.AuthEnvelope{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "denied")
}

func TestRunMissingEntryPoint(t *testing.T) {
	box := newTestSandbox(t)
	_, err := box.Run(context.Background(), "x = 1\n", "p", model.AuthEnvelope{})
	require.Error(t, err)
	assert.True(t, trenderr.Validation.Has(err))
}

func TestRunStepLimit(t *testing.T) {
	cfg := config.Default().Sandbox
	cfg.Timeout = 10 * time.Second
	cfg.MaxSteps = 10_000
	box, err := New(cfg, nil)
	require.NoError(t, err)

	code := `
def collect():
    n = 0
    for i in range(1000000):
        n += i
    return []
`
	_, err = box.Run(context.Background(), code, "p", model.AuthEnvelope{})
	require.Error(t, err)
}

func TestRunWallClockLimit(t *testing.T) {
	cfg := config.Default().Sandbox
	cfg.Timeout = 50 * time.Millisecond
	cfg.MaxSteps = 0 // Only the wall clock applies.
	box, err := New(cfg, nil)
	require.NoError(t, err)

	code := `
def collect():
    n = 0
    while True:
        n += 1
    return []
`
	_, err = box.Run(context.Background(), code, "p", model.AuthEnvelope{})
	require.Error(t, err)
	assert.True(t, trenderr.ResourceExhausted.Has(err), "want ResourceExhausted, got %v", err)
}

func TestRunItemMissingIdentity(t *testing.T) {
	box := newTestSandbox(t)
	code := `
def collect():
    return [{"url": "https://e.com", "title": "no id"}]
`
	_, err := box.Run(context.Background(), code, "p", model.AuthEnvelope{})
	require.Error(t, err)
	assert.True(t, trenderr.Validation.Has(err))
}
