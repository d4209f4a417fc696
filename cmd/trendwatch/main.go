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

// Package main implements the trendwatch CLI for collecting content,
// running the trend pipeline, and querying ranked trends.
//
// Usage:
//
//	trendwatch init                   Create trendwatch.yaml configuration
//	trendwatch run                    Run one full collect+rank cycle
//	trendwatch start                  Run the scheduler daemon + HTTP API
//	trendwatch collect <plugin>       Run one collector
//	trendwatch search <query>         Semantic search over trends
//	trendwatch sources <subcommand>   Manage collector sources
//	trendwatch status [--json]        Plugin health and recent runs
package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/joho/godotenv"
	flag "github.com/spf13/pflag"

	"github.com/kraklabs/trendwatch/internal/ui"
)

// Version information (set via ldflags during build)
var (
	version = "dev"     // Version string
	commit  = "unknown" // Git commit hash
	date    = "unknown" // Build date
)

// GlobalFlags holds the global CLI flags that apply to all commands.
type GlobalFlags struct {
	JSON       bool   // Output in JSON format (for applicable commands)
	NoColor    bool   // Disable color output
	Verbose    int    // Verbosity level: 0=normal, 1=-v (info), 2=-vv (debug)
	Quiet      bool   // Suppress non-essential output
	ConfigPath string // Path to trendwatch.yaml
}

// logger builds the process logger at the requested verbosity.
func (g GlobalFlags) logger() *slog.Logger {
	level := slog.LevelWarn
	switch {
	case g.Verbose >= 2:
		level = slog.LevelDebug
	case g.Verbose == 1:
		level = slog.LevelInfo
	case g.Quiet:
		level = slog.LevelError
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}

func main() {
	var (
		showVersion = flag.BoolP("version", "V", false, "Show version and exit")
		configPath  = flag.StringP("config", "c", "", "Path to trendwatch.yaml (default: ./trendwatch.yaml)")
		jsonOutput  = flag.Bool("json", false, "Output in JSON format (for applicable commands)")
		noColor     = flag.Bool("no-color", false, "Disable color output")
		verbose     = flag.CountP("verbose", "v", "Increase verbosity (-v for info, -vv for debug)")
		quiet       = flag.BoolP("quiet", "q", false, "Suppress non-essential output")
	)

	// Stop parsing at the first non-flag argument (the command name) so
	// subcommand-specific flags pass through to their handlers.
	flag.SetInterspersed(false)

	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, `trendwatch - Trend aggregation engine

trendwatch ingests items from heterogeneous sources, deduplicates and
clusters them into topics, ranks them into trends, and serves the results
with semantic search.

Usage:
  trendwatch <command> [options]

Commands:
  init       Create trendwatch.yaml configuration
  run        Run one full collect -> pipeline -> persist cycle
  start      Run the scheduler daemon with the HTTP API
  collect    Run one collector by name
  search     Semantic search over ranked trends
  similar    Find trends similar to a given trend
  sources    Manage collector sources (list|add|enable|disable|test|run|delete|reset-health)
  status     Show plugin health and recent pipeline runs
  config     Show effective configuration
  serve      Run only the HTTP API
  sweep      Apply retention tiers (prune and delete old content)

Global Options:
  --json            Output in JSON format (for applicable commands)
  --no-color        Disable color output (respects NO_COLOR env var)
  -v, --verbose     Increase verbosity (-v for info, -vv for debug)
  -q, --quiet       Suppress non-essential output
  -c, --config      Path to trendwatch.yaml
  -V, --version     Show version and exit

Examples:
  trendwatch init
  trendwatch run --force
  trendwatch collect hackernews
  trendwatch search "AI chip supply chain"
  trendwatch sources list
  trendwatch status --json

Environment Variables:
  TRENDWATCH_DATABASE_URL  Postgres connection string
  TRENDWATCH_REDIS_ADDR    Redis address (host:port)
  TRENDWATCH_SECRET_KEY    64-hex-char key for credential encryption
  OPENAI_API_KEY           Embedding provider key (provider: openai)

For detailed command help: trendwatch <command> --help

`)
	}

	flag.Parse()

	if *showVersion {
		fmt.Printf("trendwatch version %s\n", version)
		fmt.Printf("commit: %s\n", commit)
		fmt.Printf("built: %s\n", date)
		os.Exit(0)
	}

	// .env is a development convenience; absence is not an error.
	_ = godotenv.Load()

	if os.Getenv("NO_COLOR") != "" {
		*noColor = true
	}
	if *quiet && *verbose > 0 {
		fmt.Fprintf(os.Stderr, "Error: cannot use --quiet and --verbose together\n")
		os.Exit(1)
	}
	if *jsonOutput {
		*quiet = true
	}

	globals := GlobalFlags{
		JSON:       *jsonOutput,
		NoColor:    *noColor,
		Verbose:    *verbose,
		Quiet:      *quiet,
		ConfigPath: *configPath,
	}
	ui.InitColors(globals.NoColor)

	args := flag.Args()
	if len(args) == 0 {
		flag.Usage()
		os.Exit(1)
	}

	command := args[0]
	cmdArgs := args[1:]

	switch command {
	case "init":
		os.Exit(runInit(cmdArgs, globals))
	case "run":
		os.Exit(runCycle(cmdArgs, globals))
	case "start":
		os.Exit(runStart(cmdArgs, globals))
	case "collect":
		os.Exit(runCollect(cmdArgs, globals))
	case "search":
		os.Exit(runSearch(cmdArgs, globals))
	case "similar":
		os.Exit(runSimilar(cmdArgs, globals))
	case "sources":
		os.Exit(runSources(cmdArgs, globals))
	case "status":
		os.Exit(runStatus(cmdArgs, globals))
	case "config":
		os.Exit(runConfig(cmdArgs, globals))
	case "serve":
		os.Exit(runServe(cmdArgs, globals))
	case "sweep":
		os.Exit(runSweep(cmdArgs, globals))
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", command)
		flag.Usage()
		os.Exit(1)
	}
}
