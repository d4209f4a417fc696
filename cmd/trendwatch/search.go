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
	"strings"

	flag "github.com/spf13/pflag"

	"github.com/kraklabs/trendwatch/internal/ui"
	"github.com/kraklabs/trendwatch/pkg/search"
)

// runSearch performs a semantic (or, with --keywords, full-text) search
// over ranked trends.
func runSearch(args []string, globals GlobalFlags) int {
	fs := flag.NewFlagSet("search", flag.ContinueOnError)
	var (
		limit    = fs.IntP("limit", "n", 10, "Maximum results")
		minSim   = fs.Float64("min-similarity", 0.5, "Minimum cosine similarity")
		category = fs.String("category", "", "Filter by category")
		language = fs.String("language", "", "Filter by language (BCP-47 primary tag)")
		state    = fs.String("state", "", "Filter by trend state")
		keywords = fs.BoolP("keywords", "k", false, "Full-text keyword search instead of semantic")
	)
	if err := fs.Parse(args); err != nil {
		return 1
	}
	if fs.NArg() == 0 {
		ui.Error("usage: trendwatch search <query>")
		return 1
	}
	query := strings.Join(fs.Args(), " ")

	ctx, cancel := signalContext()
	defer cancel()

	a, err := newApp(ctx, globals, false)
	if err != nil {
		ui.Error("%v", err)
		return 1
	}
	defer a.Close()

	// Keyword search is the distinct non-semantic operation; it never
	// substitutes for a failed semantic search.
	if *keywords {
		trends, err := a.trends.Search(ctx, query, *limit)
		if err != nil {
			ui.Error("search: %v", err)
			return 1
		}
		if globals.JSON {
			return printJSON(trends)
		}
		ui.Header("%d trends match %q", len(trends), query)
		for _, t := range trends {
			fmt.Printf("  %5.1f  [%s/%s] %s\n", t.Score, t.Category, t.State, t.Title)
		}
		return 0
	}

	hits, err := a.searcher.Search(ctx, search.Request{
		Query:         query,
		Limit:         *limit,
		MinSimilarity: *minSim,
		Category:      *category,
		Language:      *language,
		State:         *state,
		Type:          search.SearchTrends,
	})
	if err != nil {
		ui.Error("search: %v", err)
		return 1
	}

	if globals.JSON {
		return printJSON(hits)
	}

	ui.Header("%d trends similar to %q", len(hits), query)
	printHits(hits)
	return 0
}

// runSimilar finds trends similar to an existing trend by id.
func runSimilar(args []string, globals GlobalFlags) int {
	fs := flag.NewFlagSet("similar", flag.ContinueOnError)
	var (
		limit  = fs.IntP("limit", "n", 5, "Maximum results")
		minSim = fs.Float64("min-similarity", 0.7, "Minimum cosine similarity")
	)
	if err := fs.Parse(args); err != nil {
		return 1
	}
	if fs.NArg() != 1 {
		ui.Error("usage: trendwatch similar <trend-id>")
		return 1
	}
	trendID := fs.Arg(0)

	ctx, cancel := signalContext()
	defer cancel()

	a, err := newApp(ctx, globals, false)
	if err != nil {
		ui.Error("%v", err)
		return 1
	}
	defer a.Close()

	hits, err := a.searcher.Similar(ctx, trendID, *limit, *minSim)
	if err != nil {
		ui.Error("similar: %v", err)
		return 1
	}

	if globals.JSON {
		return printJSON(hits)
	}
	ui.Header("%d trends similar to %s", len(hits), trendID)
	printHits(hits)
	return 0
}

func printHits(hits []search.Hit) {
	for _, hit := range hits {
		fmt.Printf("  %.3f  [%s/%s] %s\n", hit.Similarity, hit.Trend.Category, hit.Trend.State, hit.Trend.Title)
		if hit.Trend.Summary != "" && hit.Trend.Summary != hit.Trend.Title {
			ui.Dim("         %s", hit.Trend.Summary)
		}
	}
}
