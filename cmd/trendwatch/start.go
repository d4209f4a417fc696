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

package main

import (
	"context"
	"sync"
	"time"

	flag "github.com/spf13/pflag"

	"github.com/kraklabs/trendwatch/internal/ui"
	"github.com/kraklabs/trendwatch/pkg/collector"
	"github.com/kraklabs/trendwatch/pkg/model"
	"github.com/kraklabs/trendwatch/pkg/trenderr"
)

// itemBuffer accumulates scheduler-collected items between pipeline
// flushes.
type itemBuffer struct {
	mu    sync.Mutex
	items []model.RawItem
}

func (b *itemBuffer) add(items []model.RawItem) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.items = append(b.items, items...)
}

func (b *itemBuffer) drain() []model.RawItem {
	b.mu.Lock()
	defer b.mu.Unlock()
	items := b.items
	b.items = nil
	return items
}

// runStart runs the daemon: per-plugin cron scheduling, periodic pipeline
// flushes, a daily retention sweep, and the HTTP API.
func runStart(args []string, globals GlobalFlags) int {
	fs := flag.NewFlagSet("start", flag.ContinueOnError)
	noServe := fs.Bool("no-serve", false, "Run the scheduler without the HTTP API")
	if err := fs.Parse(args); err != nil {
		return 1
	}

	ctx, cancel := signalContext()
	defer cancel()

	a, err := newApp(ctx, globals, true)
	if err != nil {
		ui.Error("%v", err)
		return 1
	}
	defer a.Close()

	if err := a.loadCollectors(ctx); err != nil {
		ui.Error("load collectors: %v", err)
		return 1
	}

	buffer := &itemBuffer{}
	scheduler := collector.NewScheduler(a.runtime, func(plugin string, items []model.RawItem) {
		buffer.add(items)
		a.logger.Debug("daemon.buffer.add", "plugin", plugin, "items", len(items))
	}, a.logger)
	scheduler.ScheduleAll()
	scheduler.Start()
	defer scheduler.Stop()

	// Periodic pipeline flush over whatever the scheduler gathered.
	interval := a.cfg.Collectors.CycleInterval
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	go a.flushLoop(ctx, buffer, interval)

	// Daily retention sweep.
	go a.sweepLoop(ctx)

	ui.Success("daemon started (%d plugins scheduled)", len(a.runtime.Registry().Names()))

	if *noServe {
		<-ctx.Done()
		return 0
	}
	if err := a.serveHTTP(ctx); err != nil {
		ui.Error("http server: %v", err)
		return 1
	}
	return 0
}

// flushLoop drains the buffer through the pipeline on the cycle interval.
func (a *app) flushLoop(ctx context.Context, buffer *itemBuffer, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			items := buffer.drain()
			if len(items) == 0 {
				continue
			}
			report, err := a.orch.ProcessBatch(ctx, items)
			if err != nil {
				if trenderr.AlreadyRunning.Has(err) {
					// A manual cycle holds the guard; requeue for the
					// next tick.
					buffer.add(items)
					continue
				}
				a.logger.Warn("daemon.flush.error", "err", err)
				continue
			}
			a.logger.Info("daemon.flush.complete",
				"run_id", report.Run.ID,
				"items", len(items),
				"trends", report.Run.TrendCount,
			)
		}
	}
}

// sweepLoop applies retention once a day.
func (a *app) sweepLoop(ctx context.Context) {
	ticker := time.NewTicker(24 * time.Hour)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := a.orch.Sweep(ctx); err != nil {
				a.logger.Warn("daemon.sweep.error", "err", err)
			}
		}
	}
}
