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

	flag "github.com/spf13/pflag"

	"github.com/kraklabs/trendwatch/internal/ui"
)

// runCollect runs a single collector by name and prints its items without
// feeding the pipeline. Useful for source debugging.
func runCollect(args []string, globals GlobalFlags) int {
	fs := flag.NewFlagSet("collect", flag.ContinueOnError)
	force := fs.Bool("force", false, "Bypass the rate limiter")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	if fs.NArg() != 1 {
		ui.Error("usage: trendwatch collect <plugin-name>")
		return 1
	}
	name := fs.Arg(0)

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

	items, err := a.runtime.Run(ctx, name, *force)
	if err != nil {
		ui.Error("collect %s: %v", name, err)
		return 1
	}

	if globals.JSON {
		return printJSON(items)
	}

	ui.Success("%s emitted %d items", name, len(items))
	for i, item := range items {
		if i >= 20 {
			ui.Dim("  ... and %d more", len(items)-20)
			break
		}
		fmt.Printf("  [%s] %s\n", item.PublishedAt.Format("2006-01-02 15:04"), item.Title)
	}
	return 0
}
