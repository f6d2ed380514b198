package ui

import (
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/fatih/color"

	"github.com/conduit-lang/metasync/internal/report"
)

// Table represents a simple table for displaying tabular data
type Table struct {
	writer  io.Writer
	headers []string
	rows    [][]string
	noColor bool
}

// TableOptions configures table behavior
type TableOptions struct {
	NoColor bool
}

// NewTable creates a new table with the given headers
func NewTable(w io.Writer, headers []string, opts *TableOptions) *Table {
	noColor := false
	if opts != nil {
		noColor = opts.NoColor
	}
	return &Table{writer: w, headers: headers, noColor: noColor}
}

// AddRow adds a row to the table
func (t *Table) AddRow(cells ...string) {
	t.rows = append(t.rows, cells)
}

// Render renders the table to the writer
func (t *Table) Render() {
	if len(t.headers) == 0 {
		return
	}

	widths := make([]int, len(t.headers))
	for i, header := range t.headers {
		widths[i] = len(header)
	}
	for _, row := range t.rows {
		for i, cell := range row {
			if i < len(widths) && len(cell) > widths[i] {
				widths[i] = len(cell)
			}
		}
	}

	bold := color.New(color.Bold, color.FgCyan)
	gray := color.New(color.FgHiBlack)
	if t.noColor {
		bold.DisableColor()
		gray.DisableColor()
	}

	for i, header := range t.headers {
		bold.Fprint(t.writer, padRight(header, widths[i]))
		if i < len(t.headers)-1 {
			fmt.Fprint(t.writer, "  ")
		}
	}
	fmt.Fprintln(t.writer)

	for i, width := range widths {
		gray.Fprint(t.writer, strings.Repeat("─", width))
		if i < len(widths)-1 {
			gray.Fprint(t.writer, "  ")
		}
	}
	fmt.Fprintln(t.writer)

	for _, row := range t.rows {
		for i, cell := range row {
			if i >= len(widths) {
				break
			}
			fmt.Fprint(t.writer, padRight(cell, widths[i]))
			if i < len(row)-1 {
				fmt.Fprint(t.writer, "  ")
			}
		}
		fmt.Fprintln(t.writer)
	}
}

// padRight pads a string with spaces on the right to reach the target width
func padRight(s string, width int) string {
	if len(s) >= width {
		return s
	}
	return s + strings.Repeat(" ", width-len(s))
}

// KeyValueTable renders aligned key-value pairs
type KeyValueTable struct {
	writer  io.Writer
	rows    [][2]string
	noColor bool
}

// NewKeyValueTable creates a new key-value table
func NewKeyValueTable(w io.Writer, noColor bool) *KeyValueTable {
	return &KeyValueTable{writer: w, noColor: noColor}
}

// AddRow adds a key-value pair to the table
func (t *KeyValueTable) AddRow(key, value string) {
	t.rows = append(t.rows, [2]string{key, value})
}

// Render renders the key-value table
func (t *KeyValueTable) Render() {
	width := 0
	for _, row := range t.rows {
		if len(row[0]) > width {
			width = len(row[0])
		}
	}
	cyan := color.New(color.FgCyan)
	if t.noColor {
		cyan.DisableColor()
	}
	for _, row := range t.rows {
		cyan.Fprint(t.writer, padRight(row[0]+":", width+1))
		fmt.Fprintf(t.writer, " %s\n", row[1])
	}
}

// RenderSummary prints per-type counts followed by every failed, skipped
// or removed item
func RenderSummary(w io.Writer, title string, summary *report.Summary, noColor bool) {
	bold := color.New(color.Bold, color.FgCyan)
	red := color.New(color.FgRed)
	yellow := color.New(color.FgYellow)
	if noColor {
		bold.DisableColor()
		red.DisableColor()
		yellow.DisableColor()
	}

	bold.Fprintln(w, title)
	table := NewTable(w, []string{"TYPE", "SUCCEEDED", "FAILED", "SKIPPED", "REMOVED"}, &TableOptions{NoColor: noColor})
	for _, c := range summary.Counts() {
		table.AddRow(c.TypeName,
			strconv.Itoa(c.Succeeded),
			strconv.Itoa(c.Failed),
			strconv.Itoa(c.Skipped),
			strconv.Itoa(c.Removed))
	}
	table.Render()

	var problems []report.Entry
	for _, e := range summary.Entries() {
		if e.Outcome != report.Succeeded {
			problems = append(problems, e)
		}
	}
	if len(problems) == 0 {
		return
	}

	fmt.Fprintln(w)
	for _, e := range problems {
		name := e.TypeName
		if e.Key != "" {
			name += " " + e.Key
		}
		detail := e.Message
		if e.Err != nil {
			detail = e.Err.Error()
		}
		switch e.Outcome {
		case report.Failed:
			red.Fprintf(w, "  ✗ %s: %s\n", name, detail)
		default:
			yellow.Fprintf(w, "  - %s (%s): %s\n", name, e.Outcome, detail)
		}
	}
}
