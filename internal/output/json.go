// Copyright 2026 KrakLabs
//
// SPDX-License-Identifier: AGPL-3.0-only

// Package output provides machine-readable and tabular output for the
// cindex CLI.
//
// Commands run with --json write their result structs with JSON; errors in
// that mode are rendered by the errors package. Table lays out query hits
// and stage summaries for terminals. Human-oriented colored messages live
// in the ui package.
//
// # Usage
//
//	type Summary struct {
//	    Collection string `json:"collection"`
//	    Upserted   int    `json:"upserted"`
//	}
//	if globals.JSON {
//	    if err := output.JSON(summary); err != nil {
//	        errors.FatalError(err, true)
//	    }
//	    return
//	}
//	output.Table([]string{"score", "name", "file"}, rows)
package output

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"
)

// JSON writes data as pretty-printed JSON to stdout.
func JSON(data any) error {
	return JSONTo(os.Stdout, data)
}

// JSONTo writes data as JSON indented by two spaces to w.
//
// Returns an error if encoding fails (e.g. for channels or functions).
func JSONTo(w io.Writer, data any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(data); err != nil {
		return fmt.Errorf("JSON encoding failed: %w", err)
	}
	return nil
}

// MaxCellWidth is the width at which Table truncates cell text.
const MaxCellWidth = 60

// Table writes rows as aligned columns to stdout under upper-cased headers.
func Table(headers []string, rows [][]string) error {
	return TableTo(os.Stdout, headers, rows)
}

// TableTo writes rows as aligned columns to w. Cells longer than
// MaxCellWidth are truncated with "..." and embedded newlines are flattened
// so that one row stays on one line.
func TableTo(w io.Writer, headers []string, rows [][]string) error {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)

	upper := make([]string, len(headers))
	sep := make([]string, len(headers))
	for i, h := range headers {
		upper[i] = strings.ToUpper(h)
		sep[i] = "---"
	}
	_, _ = fmt.Fprintln(tw, strings.Join(upper, "\t"))
	_, _ = fmt.Fprintln(tw, strings.Join(sep, "\t"))

	for _, row := range rows {
		cells := make([]string, len(row))
		for i, cell := range row {
			cells[i] = formatCell(cell)
		}
		_, _ = fmt.Fprintln(tw, strings.Join(cells, "\t"))
	}

	if err := tw.Flush(); err != nil {
		return fmt.Errorf("write table: %w", err)
	}
	return nil
}

func formatCell(s string) string {
	s = strings.Join(strings.Fields(s), " ")
	if r := []rune(s); len(r) > MaxCellWidth {
		return string(r[:MaxCellWidth-3]) + "..."
	}
	return s
}
