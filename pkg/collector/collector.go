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

// Package collector implements the plugin ingestion runtime: the collector
// contract, the registry, built-in collectors for the supported source
// types, dynamic loading of database-defined sources (including sandboxed
// custom code), scheduling, rate limiting, and health tracking.
package collector

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/kraklabs/trendwatch/pkg/model"
)

// Metadata describes a collector to the runtime and scheduler.
type Metadata struct {
	// Name uniquely identifies the plugin.
	Name string `json:"name"`

	Version string `json:"version"`

	// Source is the tag stamped onto emitted raw items.
	Source string `json:"source"`

	// Schedule is a five-field cron expression; empty means manual-only.
	Schedule string `json:"schedule"`

	// RateLimit is allowed requests per hour.
	RateLimit int `json:"rate_limit"`

	// Timeout bounds one Collect call.
	Timeout time.Duration `json:"timeout"`

	// RetryCount is the retry budget for transient failures.
	RetryCount int `json:"retry_count"`

	Enabled bool `json:"enabled"`
}

// Collector produces raw items from one source. Collect may block on I/O
// and must honor ctx; Validate is cheap and filters obviously unusable
// items before they reach the pipeline.
type Collector interface {
	Metadata() Metadata
	Collect(ctx context.Context) ([]model.RawItem, error)
	Validate(item model.RawItem) bool
}

// Status is the runtime view of one registered plugin.
type Status struct {
	Metadata Metadata            `json:"metadata"`
	Health   *model.PluginHealth `json:"health,omitempty"`
	Running  bool                `json:"running"`
}

// Registry holds the registered collectors. Registration is admin-initiated
// and rare; a mutex guards the map.
type Registry struct {
	mu         sync.RWMutex
	collectors map[string]Collector
	enabled    map[string]bool
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		collectors: make(map[string]Collector),
		enabled:    make(map[string]bool),
	}
}

// RegisterStatic adds collectors compiled into the binary. Later
// registrations with the same name replace earlier ones.
func (r *Registry) RegisterStatic(collectors ...Collector) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, c := range collectors {
		meta := c.Metadata()
		r.collectors[meta.Name] = c
		r.enabled[meta.Name] = meta.Enabled
	}
}

// Get returns a collector by name.
func (r *Registry) Get(name string) (Collector, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.collectors[name]
	return c, ok
}

// Remove drops a collector from the registry.
func (r *Registry) Remove(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.collectors, name)
	delete(r.enabled, name)
}

// EnableByName marks a collector schedulable.
func (r *Registry) EnableByName(name string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.collectors[name]; !ok {
		return false
	}
	r.enabled[name] = true
	return true
}

// DisableByName removes a collector from scheduling without unregistering.
func (r *Registry) DisableByName(name string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.collectors[name]; !ok {
		return false
	}
	r.enabled[name] = false
	return true
}

// Enabled reports whether a collector is schedulable.
func (r *Registry) Enabled(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.enabled[name]
}

// Names returns registered names, sorted for deterministic iteration.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.collectors))
	for name := range r.collectors {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// keywordFilter applies include/exclude keyword sets to a raw item. An
// empty include set admits everything.
type keywordFilter struct {
	include []string
	exclude []string
}

func (f keywordFilter) match(item model.RawItem) bool {
	text := strings.ToLower(item.Title + " " + item.Body)
	for _, kw := range f.exclude {
		if kw != "" && strings.Contains(text, strings.ToLower(kw)) {
			return false
		}
	}
	if len(f.include) == 0 {
		return true
	}
	for _, kw := range f.include {
		if kw != "" && strings.Contains(text, strings.ToLower(kw)) {
			return true
		}
	}
	return false
}

// baseValidate is the shared Validate implementation: an item needs an
// identity, a title, and a plausible timestamp.
func baseValidate(item model.RawItem) bool {
	if item.SourceID == "" || item.Title == "" {
		return false
	}
	if item.PublishedAt.IsZero() || item.PublishedAt.After(time.Now().Add(24*time.Hour)) {
		return false
	}
	return true
}
