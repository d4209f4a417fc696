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
	"fmt"
	"time"

	flag "github.com/spf13/pflag"

	"github.com/kraklabs/trendwatch/internal/ui"
	"github.com/kraklabs/trendwatch/pkg/collector"
	"github.com/kraklabs/trendwatch/pkg/model"
)

// statusReport is the combined view the status command renders.
type statusReport struct {
	Plugins []collector.Status  `json:"plugins"`
	Runs    []model.PipelineRun `json:"recent_runs"`
}

// runStatus shows plugin health and recent pipeline runs.
func runStatus(args []string, globals GlobalFlags) int {
	fs := flag.NewFlagSet("status", flag.ContinueOnError)
	runCount := fs.IntP("runs", "r", 5, "Recent pipeline runs to show")
	if err := fs.Parse(args); err != nil {
		return 1
	}

	ctx, cancel := signalContext()
	defer cancel()

	a, err := newApp(ctx, globals, false)
	if err != nil {
		ui.Error("%v", err)
		return 1
	}
	defer a.Close()

	if err := a.loadCollectors(ctx); err != nil {
		ui.Warn("load collectors: %v", err)
	}

	plugins, err := a.runtime.StatusAll(ctx)
	if err != nil {
		ui.Error("plugin status: %v", err)
		return 1
	}
	runs, err := a.runs.Recent(ctx, *runCount)
	if err != nil {
		ui.Error("recent runs: %v", err)
		return 1
	}

	report := statusReport{Plugins: plugins, Runs: runs}
	if globals.JSON {
		return printJSON(report)
	}

	ui.Header("Plugins (%d)", len(plugins))
	for _, p := range plugins {
		health := "no runs yet"
		if p.Health != nil {
			if p.Health.IsHealthy {
				health = fmt.Sprintf("healthy, %.0f%% success over %d runs",
					p.Health.SuccessRate*100, p.Health.TotalRuns)
			} else {
				health = fmt.Sprintf("UNHEALTHY after %d consecutive failures: %s",
					p.Health.ConsecutiveFailures, p.Health.LastError)
			}
		}
		state := " "
		if !p.Metadata.Enabled {
			state = "-"
		} else if p.Running {
			state = "*"
		}
		fmt.Printf("  %s %-20s %s\n", state, p.Metadata.Name, health)
	}

	ui.Header("Recent pipeline runs (%d)", len(runs))
	for _, run := range runs {
		duration := ""
		if !run.CompletedAt.IsZero() {
			duration = run.CompletedAt.Sub(run.StartedAt).Round(time.Millisecond).String()
		}
		fmt.Printf("  %s  %-9s  in=%-5d out=%-5d topics=%-4d trends=%-4d %s\n",
			run.StartedAt.Format("2006-01-02 15:04:05"), run.Status,
			run.ItemsIn, run.ItemsOut, run.TopicCount, run.TrendCount, duration)
		for _, errMsg := range run.Errors {
			ui.Dim("      %s", errMsg)
		}
	}
	return 0
}
