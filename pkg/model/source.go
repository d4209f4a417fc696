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
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
)

// AuthEnvelope carries the credentials a collector needs. Values are
// encrypted at rest; the runtime decrypts per-use and never holds plaintext
// in long-lived state.
type AuthEnvelope struct {
	APIKey     string `json:"api_key,omitempty" yaml:"api_key,omitempty"`
	OAuthToken string `json:"oauth_token,omitempty" yaml:"oauth_token,omitempty"`
}

// Empty reports whether the envelope carries no credentials.
func (a AuthEnvelope) Empty() bool {
	return a.APIKey == "" && a.OAuthToken == ""
}

// CollectorSource is an admin-managed, database-defined collector
// definition. Non-custom sources parameterize a built-in collector; custom
// sources carry a plugin code body executed through the sandbox.
type CollectorSource struct {
	ID   int64  `json:"id"`
	Name string `json:"name"`

	Type SourceType `json:"type"`
	URL  string     `json:"url"`

	// Schedule is a five-field cron expression.
	Schedule string `json:"schedule"`

	// RateLimit is the allowed requests per hour.
	RateLimit int `json:"rate_limit"`

	Timeout  time.Duration `json:"timeout"`
	Language string        `json:"language,omitempty"`

	IncludeKeywords []string `json:"include_keywords,omitempty"`
	ExcludeKeywords []string `json:"exclude_keywords,omitempty"`

	// Auth is decrypted on load; the persisted column stores ciphertext.
	Auth AuthEnvelope `json:"-"`

	// PluginCode is the sandboxed collector body, set only for custom
	// sources. It must pass sandbox validation before the source can be
	// enabled.
	PluginCode string `json:"plugin_code,omitempty"`

	Enabled   bool      `json:"enabled"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// cronParser accepts standard five-field expressions.
var cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

// ValidateCron reports whether expr is a parseable five-field cron expression.
func ValidateCron(expr string) error {
	if _, err := cronParser.Parse(expr); err != nil {
		return fmt.Errorf("invalid cron expression %q: %w", expr, err)
	}
	return nil
}

// Validate checks the structural constraints on a source definition.
// Sandbox validation of PluginCode is the collector runtime's concern and
// happens separately, before activation.
func (s *CollectorSource) Validate() error {
	if s.Name == "" {
		return fmt.Errorf("source name is required")
	}
	if !s.Type.Valid() {
		return fmt.Errorf("unknown source type %q", s.Type)
	}
	if (s.Type == SourceRSS || s.Type == SourceReddit) && s.URL == "" {
		return fmt.Errorf("source URL is required for type %q", s.Type)
	}
	if s.Type == SourceCustom && s.PluginCode == "" {
		return fmt.Errorf("custom source requires a plugin code body")
	}
	if s.Schedule != "" {
		if err := ValidateCron(s.Schedule); err != nil {
			return err
		}
	}
	if s.RateLimit < 0 {
		return fmt.Errorf("rate limit must be non-negative, got %d", s.RateLimit)
	}
	if s.Timeout < 0 {
		return fmt.Errorf("timeout must be non-negative, got %s", s.Timeout)
	}
	return nil
}
