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

// Package ui holds terminal output helpers for the CLI: colors when the
// terminal supports them, plain text otherwise.
package ui

import (
	"fmt"
	"os"

	"github.com/fatih/color"
	"github.com/mattn/go-isatty"
)

var (
	successColor = color.New(color.FgGreen)
	errorColor   = color.New(color.FgRed)
	warnColor    = color.New(color.FgYellow)
	headerColor  = color.New(color.Bold)
	dimColor     = color.New(color.Faint)
)

// InitColors disables color when asked to, or when stdout is not a
// terminal (pipes, CI).
func InitColors(noColor bool) {
	if noColor || (!isatty.IsTerminal(os.Stdout.Fd()) && !isatty.IsCygwinTerminal(os.Stdout.Fd())) {
		color.NoColor = true
	}
}

// Success prints a green check line.
func Success(format string, args ...any) {
	fmt.Printf("%s %s\n", successColor.Sprint("✓"), fmt.Sprintf(format, args...))
}

// Error prints a red cross line to stderr.
func Error(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "%s %s\n", errorColor.Sprint("✗"), fmt.Sprintf(format, args...))
}

// Warn prints a yellow warning line to stderr.
func Warn(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "%s %s\n", warnColor.Sprint("!"), fmt.Sprintf(format, args...))
}

// Header prints a bold section header.
func Header(format string, args ...any) {
	fmt.Println(headerColor.Sprintf(format, args...))
}

// Dim prints a faint detail line.
func Dim(format string, args ...any) {
	fmt.Println(dimColor.Sprintf(format, args...))
}
