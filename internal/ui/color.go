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

// Package ui provides colored terminal output for the cindex CLI.
//
// Colors respect the --no-color flag and the NO_COLOR environment variable,
// and are disabled by fatih/color when stdout is not a TTY.
//
// Color usage:
//   - Red: Errors, failed files
//   - Yellow: Warnings, skipped items
//   - Green: Success, completed stages
//   - Cyan: Info, counts
//   - Bold: Headers, labels
//   - Dim: Paths, secondary details
package ui

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/fatih/color"
)

// Out is where messages are written.
var Out io.Writer = os.Stdout

// Pre-configured color instances for consistent CLI output.
var (
	Red    = color.New(color.FgRed)
	Yellow = color.New(color.FgYellow)
	Green  = color.New(color.FgGreen)
	Cyan   = color.New(color.FgCyan)
	Bold   = color.New(color.Bold)
	Dim    = color.New(color.Faint)
)

// InitColors configures global color output based on the noColor flag.
// Call it right after flag parsing.
func InitColors(noColor bool) {
	color.NoColor = noColor
}

// Success prints a green message with a checkmark prefix.
//
// Example output: "✓ Upserted 1204 chunks into code_chunks"
func Success(msg string) {
	_, _ = Green.Fprintln(Out, "✓ "+msg)
}

// Successf is Success with formatting.
func Successf(format string, args ...any) {
	Success(fmt.Sprintf(format, args...))
}

// Warningf prints a yellow message with a warning symbol prefix.
//
// Example output: "⚠ 3 files could not be parsed"
func Warningf(format string, args ...any) {
	_, _ = Yellow.Fprintln(Out, "⚠ "+fmt.Sprintf(format, args...))
}

// Errorf prints a red message with an X prefix. Fatal errors go through
// the errors package instead.
func Errorf(format string, args ...any) {
	_, _ = Red.Fprintln(Out, "✗ "+fmt.Sprintf(format, args...))
}

// Info prints a cyan message with an info symbol prefix.
func Info(msg string) {
	_, _ = Cyan.Fprintln(Out, "ℹ "+msg)
}

// Infof is Info with formatting.
func Infof(format string, args ...any) {
	Info(fmt.Sprintf(format, args...))
}

// Header prints a bold header underlined with "=".
//
//	Indexing Complete
//	=================
func Header(text string) {
	_, _ = Bold.Fprintln(Out, text)
	_, _ = fmt.Fprintln(Out, strings.Repeat("=", len([]rune(text))))
}

// SubHeader prints a bold sub-header without an underline.
func SubHeader(text string) {
	_, _ = Bold.Fprintln(Out, text)
}

// Stat prints an indented "label: value" line with the value in cyan.
//
// Example output: "  Chunks:       1204"
func Stat(label string, value any) {
	_, _ = fmt.Fprintf(Out, "  %-14s %s\n", label+":", Cyan.Sprint(value))
}

// Label returns a bold-formatted label string for inline use.
func Label(text string) string {
	return Bold.Sprint(text)
}

// DimText returns a dim-formatted string for less important text.
//
// Example: fmt.Printf("Chunk file: %s\n", ui.DimText(path))
func DimText(text string) string {
	return Dim.Sprint(text)
}

// CountText returns a cyan-formatted count.
func CountText(count int) string {
	return Cyan.Sprint(count)
}
