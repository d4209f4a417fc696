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
	"log/slog"
	"sync"

	"github.com/robfig/cron/v3"

	"github.com/kraklabs/trendwatch/pkg/model"
	"github.com/kraklabs/trendwatch/pkg/trenderr"
)

// Sink receives the items a scheduled run produced. The orchestrator feeds
// these into the pipeline.
type Sink func(plugin string, items []model.RawItem)

// Scheduler fires collector runs on their cron schedules. Unhealthy
// plugins are skipped at fire time, never removed from the schedule; the
// runtime's no-overlap guard keeps a slow run from stacking on itself.
type Scheduler struct {
	runtime *Runtime
	sink    Sink
	logger  *slog.Logger

	mu      sync.Mutex
	cron    *cron.Cron
	entries map[string]cron.EntryID
}

// NewScheduler wires a scheduler over the runtime.
func NewScheduler(runtime *Runtime, sink Sink, logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		runtime: runtime,
		sink:    sink,
		logger:  logger,
		cron:    cron.New(),
		entries: make(map[string]cron.EntryID),
	}
}

// Schedule registers or replaces one plugin's cron entry.
func (s *Scheduler) Schedule(name, cronExpr string) error {
	if err := model.ValidateCron(cronExpr); err != nil {
		return trenderr.Validation.Wrap(err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if id, ok := s.entries[name]; ok {
		s.cron.Remove(id)
	}
	id, err := s.cron.AddFunc(cronExpr, func() { s.fire(name) })
	if err != nil {
		return trenderr.Validation.Wrap(err)
	}
	s.entries[name] = id
	s.logger.Info("scheduler.entry.added", "plugin", name, "schedule", cronExpr)
	return nil
}

// ScheduleAll registers every plugin that carries a schedule, enabled or
// not; fire skips plugins that are disabled when their trigger comes.
func (s *Scheduler) ScheduleAll() {
	for _, name := range s.runtime.Registry().Names() {
		c, ok := s.runtime.Registry().Get(name)
		if !ok {
			continue
		}
		meta := c.Metadata()
		if meta.Schedule == "" {
			continue
		}
		if err := s.Schedule(name, meta.Schedule); err != nil {
			s.logger.Warn("scheduler.entry.error", "plugin", name, "err", err)
		}
	}
}

// Unschedule removes one plugin's cron entry.
func (s *Scheduler) Unschedule(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if id, ok := s.entries[name]; ok {
		s.cron.Remove(id)
		delete(s.entries, name)
	}
}

// Start begins firing entries. Stop halts them.
func (s *Scheduler) Start() {
	s.cron.Start()
	s.logger.Info("scheduler.started", "entries", len(s.entries))
}

// Stop halts scheduling and waits for in-flight jobs.
func (s *Scheduler) Stop() {
	<-s.cron.Stop().Done()
	s.logger.Info("scheduler.stopped")
}

// fire runs one plugin off its cron trigger. Scheduled runs always consult
// the rate limiter.
func (s *Scheduler) fire(name string) {
	ctx := context.Background()

	if !s.runtime.Registry().Enabled(name) {
		return
	}
	if h, err := s.runtime.health.Get(ctx, name); err == nil && !h.IsHealthy {
		s.logger.Debug("scheduler.skip.unhealthy", "plugin", name)
		return
	}

	items, err := s.runtime.Run(ctx, name, false)
	if err != nil {
		if trenderr.AlreadyRunning.Has(err) {
			s.logger.Debug("scheduler.skip.overlap", "plugin", name)
			return
		}
		// Run already logged and recorded the failure.
		return
	}
	if s.sink != nil && len(items) > 0 {
		s.sink(name, items)
	}
}
