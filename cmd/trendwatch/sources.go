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
	"os"
	"time"

	flag "github.com/spf13/pflag"

	"github.com/kraklabs/trendwatch/internal/ui"
	"github.com/kraklabs/trendwatch/pkg/model"
)

// runSources dispatches the source-management subcommands.
func runSources(args []string, globals GlobalFlags) int {
	if len(args) == 0 {
		fmt.Fprintln(os.Stderr, "usage: trendwatch sources <list|add|enable|disable|test|run|delete|reset-health>")
		return 1
	}

	sub := args[0]
	subArgs := args[1:]

	ctx, cancel := signalContext()
	defer cancel()

	a, err := newApp(ctx, globals, true)
	if err != nil {
		ui.Error("%v", err)
		return 1
	}
	defer a.Close()

	switch sub {
	case "list":
		return sourcesList(a, globals)
	case "add":
		return sourcesAdd(a, globals, subArgs)
	case "enable", "disable":
		if len(subArgs) != 1 {
			ui.Error("usage: trendwatch sources %s <name>", sub)
			return 1
		}
		if err := a.sources.SetEnabled(ctx, subArgs[0], sub == "enable"); err != nil {
			ui.Error("%v", err)
			return 1
		}
		ui.Success("source %s %sd", subArgs[0], sub)
		return 0
	case "test":
		return sourcesTest(a, subArgs)
	case "run":
		return runCollect(subArgs, globals)
	case "delete":
		return sourcesDelete(a, subArgs)
	case "reset-health":
		if len(subArgs) != 1 {
			ui.Error("usage: trendwatch sources reset-health <name>")
			return 1
		}
		if err := a.runtime.ResetHealth(ctx, subArgs[0]); err != nil {
			ui.Error("%v", err)
			return 1
		}
		ui.Success("health reset for %s", subArgs[0])
		return 0
	default:
		ui.Error("unknown sources subcommand %q", sub)
		return 1
	}
}

func sourcesList(a *app, globals GlobalFlags) int {
	ctx, cancel := signalContext()
	defer cancel()

	sources, err := a.sources.List(ctx, false)
	if err != nil {
		ui.Error("list sources: %v", err)
		return 1
	}

	if globals.JSON {
		return printJSON(sources)
	}

	ui.Header("%d collector sources", len(sources))
	for _, src := range sources {
		state := "disabled"
		if src.Enabled {
			state = "enabled"
		}
		fmt.Printf("  %-20s %-10s %-9s %s\n", src.Name, src.Type, state, src.URL)
	}
	return 0
}

func sourcesAdd(a *app, globals GlobalFlags, args []string) int {
	fs := flag.NewFlagSet("sources add", flag.ContinueOnError)
	var (
		name      = fs.String("name", "", "Unique source name (required)")
		srcType   = fs.String("type", "", "Source type: rss|twitter|reddit|youtube|hackernews|custom (required)")
		url       = fs.String("url", "", "Source URL or API endpoint")
		schedule  = fs.String("schedule", "*/30 * * * *", "Cron schedule")
		rateLimit = fs.Int("rate-limit", 0, "Requests per hour (0 = runtime default)")
		timeout   = fs.Duration("timeout", 0, "Per-run timeout (0 = runtime default)")
		language  = fs.String("language", "", "Expected content language")
		include   = fs.StringSlice("include", nil, "Include keywords")
		exclude   = fs.StringSlice("exclude", nil, "Exclude keywords")
		apiKey    = fs.String("api-key", "", "API key (encrypted at rest)")
		token     = fs.String("oauth-token", "", "OAuth/bearer token (encrypted at rest)")
		codeFile  = fs.String("code", "", "Path to plugin code body (type custom)")
		enabled   = fs.Bool("enabled", true, "Enable immediately")
	)
	if err := fs.Parse(args); err != nil {
		return 1
	}

	src := model.CollectorSource{
		Name:            *name,
		Type:            model.SourceType(*srcType),
		URL:             *url,
		Schedule:        *schedule,
		RateLimit:       *rateLimit,
		Timeout:         *timeout,
		Language:        *language,
		IncludeKeywords: *include,
		ExcludeKeywords: *exclude,
		Auth:            model.AuthEnvelope{APIKey: *apiKey, OAuthToken: *token},
		Enabled:         *enabled,
	}
	if *codeFile != "" {
		code, err := os.ReadFile(*codeFile)
		if err != nil {
			ui.Error("read plugin code: %v", err)
			return 1
		}
		src.PluginCode = string(code)
	}

	ctx, cancel := signalContext()
	defer cancel()

	// Custom plugin code must pass sandbox validation before activation.
	if src.Type == model.SourceCustom {
		if _, err := a.runtime.TestConnection(ctx, src); err != nil {
			ui.Error("plugin validation failed: %v", err)
			return 1
		}
	}

	created, err := a.sources.Create(ctx, src)
	if err != nil {
		ui.Error("create source: %v", err)
		return 1
	}

	if globals.JSON {
		return printJSON(created)
	}
	ui.Success("source %s created (id %d)", created.Name, created.ID)
	return 0
}

func sourcesTest(a *app, args []string) int {
	if len(args) != 1 {
		ui.Error("usage: trendwatch sources test <name>")
		return 1
	}

	ctx, cancel := signalContext()
	defer cancel()

	src, err := a.sources.GetByName(ctx, args[0])
	if err != nil {
		ui.Error("%v", err)
		return 1
	}

	latency, err := a.runtime.TestConnection(ctx, *src)
	if err != nil {
		ui.Error("probe failed after %s: %v", latency.Round(time.Millisecond), err)
		return 1
	}
	ui.Success("probe ok in %s", latency.Round(time.Millisecond))
	return 0
}

func sourcesDelete(a *app, args []string) int {
	if len(args) != 1 {
		ui.Error("usage: trendwatch sources delete <name>")
		return 1
	}

	ctx, cancel := signalContext()
	defer cancel()

	src, err := a.sources.GetByName(ctx, args[0])
	if err != nil {
		ui.Error("%v", err)
		return 1
	}
	if err := a.sources.Delete(ctx, src.ID); err != nil {
		ui.Error("%v", err)
		return 1
	}
	a.runtime.Registry().Remove(src.Name)
	ui.Success("source %s deleted", src.Name)
	return 0
}
