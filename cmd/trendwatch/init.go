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

	flag "github.com/spf13/pflag"
	"gopkg.in/yaml.v3"

	"github.com/kraklabs/trendwatch/internal/ui"
	"github.com/kraklabs/trendwatch/pkg/config"
)

// runInit writes a starter trendwatch.yaml with every default spelled out.
func runInit(args []string, globals GlobalFlags) int {
	fs := flag.NewFlagSet("init", flag.ContinueOnError)
	force := fs.BoolP("force", "f", false, "Overwrite an existing configuration file")
	if err := fs.Parse(args); err != nil {
		return 1
	}

	path := globals.ConfigPath
	if path == "" {
		path = "trendwatch.yaml"
	}

	if _, err := os.Stat(path); err == nil && !*force {
		ui.Error("%s already exists (use --force to overwrite)", path)
		return 1
	}

	data, err := yaml.Marshal(config.Default())
	if err != nil {
		ui.Error("encode config: %v", err)
		return 1
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		ui.Error("write %s: %v", path, err)
		return 1
	}

	ui.Success("wrote %s", path)
	ui.Dim("next steps:")
	ui.Dim("  1. point TRENDWATCH_DATABASE_URL at a pgvector-enabled Postgres")
	ui.Dim("  2. add a source:   trendwatch sources add --name hn --type hackernews")
	ui.Dim("  3. run a cycle:    trendwatch run")
	return 0
}

// runConfig prints the effective configuration after file and environment
// overrides.
func runConfig(args []string, globals GlobalFlags) int {
	fs := flag.NewFlagSet("config", flag.ContinueOnError)
	if err := fs.Parse(args); err != nil {
		return 1
	}

	cfg, err := config.Load(globals.ConfigPath)
	if err != nil {
		ui.Error("load config: %v", err)
		return 1
	}

	if globals.JSON {
		return printJSON(cfg)
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		ui.Error("encode config: %v", err)
		return 1
	}
	fmt.Print(string(data))
	return 0
}
