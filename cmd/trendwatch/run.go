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
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/schollz/progressbar/v3"
	flag "github.com/spf13/pflag"

	"github.com/kraklabs/trendwatch/internal/ui"
)

// signalContext returns a context cancelled on SIGINT/SIGTERM.
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

// runCycle executes one manual full cycle: collect, pipeline, persist,
// index, invalidate.
func runCycle(args []string, globals GlobalFlags) int {
	fs := flag.NewFlagSet("run", flag.ContinueOnError)
	force := fs.Bool("force", false, "Bypass collector rate limits")
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

	var spinner *progressbar.ProgressBar
	if !globals.Quiet {
		spinner = progressbar.NewOptions(-1,
			progressbar.OptionSetDescription("running cycle"),
			progressbar.OptionSpinnerType(14),
			progressbar.OptionSetWriter(os.Stderr),
		)
		done := make(chan struct{})
		defer close(done)
		go func() {
			for {
				select {
				case <-done:
					return
				case <-time.After(120 * time.Millisecond):
					_ = spinner.Add(1)
				}
			}
		}()
	}

	report, err := a.orch.RunCycle(ctx, *force)
	if spinner != nil {
		_ = spinner.Finish()
		fmt.Fprintln(os.Stderr)
	}
	if err != nil {
		ui.Error("cycle failed: %v", err)
		return 1
	}

	if globals.JSON {
		return printJSON(report)
	}

	ui.Success("cycle %s complete", report.Run.ID)
	fmt.Printf("  collected: %d raw items from %d plugins\n", report.Collected, len(report.PluginRuns))
	for _, res := range report.PluginRuns {
		if res.Err != nil {
			ui.Warn("  plugin %s failed: %v", res.Plugin, res.Err)
		}
	}
	fmt.Printf("  items:     %d kept after dedup\n", report.Run.ItemsOut)
	fmt.Printf("  topics:    %d\n", report.Run.TopicCount)
	fmt.Printf("  trends:    %d\n", report.Run.TrendCount)
	fmt.Printf("  indexed:   %d vectors\n", report.Indexed)
	return 0
}

// runSweep applies the retention tiers.
func runSweep(args []string, globals GlobalFlags) int {
	fs := flag.NewFlagSet("sweep", flag.ContinueOnError)
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

	if err := a.orch.Sweep(ctx); err != nil {
		ui.Error("sweep failed: %v", err)
		return 1
	}
	ui.Success("retention sweep complete")
	return 0
}

// printJSON renders v to stdout for --json consumers.
func printJSON(v any) int {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		fmt.Fprintf(os.Stderr, "encode json: %v\n", err)
		return 1
	}
	return 0
}
