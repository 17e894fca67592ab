// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package cli

import (
	"encoding/json"
	"io"
	"strings"
	"time"

	"github.com/jeranaias/fusion/internal/util"
)

// =============================================================================
// JSON OUTPUT
// =============================================================================

// JSONResponse is the envelope every command prints in --json mode.
type JSONResponse struct {
	Success   bool    `json:"success"`
	Data      any     `json:"data"`
	Error     *string `json:"error"`
	Timestamp string  `json:"timestamp"`
	Command   string  `json:"command,omitempty"`
}

// NewJSONResponse creates a successful response.
func NewJSONResponse(command string, data any) *JSONResponse {
	return &JSONResponse{
		Success:   true,
		Data:      data,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Command:   command,
	}
}

// NewJSONErrorResponse creates an error response.
func NewJSONErrorResponse(command string, err error) *JSONResponse {
	msg := err.Error()
	return &JSONResponse{
		Error:     &msg,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Command:   command,
	}
}

// Write encodes the response to w, indented.
func (r *JSONResponse) Write(w io.Writer) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(r)
}

// =============================================================================
// TABLES
// =============================================================================

// Table renders aligned columns. Widths are measured in terminal cells so
// wide runes line up.
type Table struct {
	headers []string
	rows    [][]string
}

// NewTable creates a table with the given headers.
func NewTable(headers ...string) *Table {
	return &Table{headers: headers}
}

// Row appends a row. Missing cells render empty.
func (t *Table) Row(cells ...string) {
	t.rows = append(t.rows, cells)
}

// Len returns the number of rows.
func (t *Table) Len() int {
	return len(t.rows)
}

// Render writes the table to w. maxCell caps each column's width; 0 leaves
// columns unbounded.
func (t *Table) Render(w io.Writer, maxCell int) error {
	widths := make([]int, len(t.headers))
	for i, h := range t.headers {
		widths[i] = util.DisplayWidth(h)
	}
	for _, row := range t.rows {
		for i := range min(len(row), len(widths)) {
			widths[i] = max(widths[i], util.DisplayWidth(row[i]))
		}
	}
	if maxCell > 0 {
		for i := range widths {
			widths[i] = min(widths[i], maxCell)
		}
	}

	line := func(cells []string, style func(string) string) string {
		parts := make([]string, len(widths))
		for i := range widths {
			cell := ""
			if i < len(cells) {
				cell = cells[i]
			}
			parts[i] = util.PadRight(cell, widths[i])
		}
		return style(strings.TrimRight(strings.Join(parts, "  "), " "))
	}

	var b strings.Builder
	b.WriteString(line(t.headers, func(s string) string { return DimStyle.Render(s) }))
	b.WriteByte('\n')
	for _, row := range t.rows {
		b.WriteString(line(row, func(s string) string { return s }))
		b.WriteByte('\n')
	}
	_, err := io.WriteString(w, b.String())
	return err
}
