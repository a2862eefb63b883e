package main

import (
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/calloway/waypoint/internal/models"
)

// writeTable prints rows as aligned plain-text columns.
func writeTable(w io.Writer, headers []string, rows [][]string) {
	widths := make([]int, len(headers))
	for i, h := range headers {
		widths[i] = len(h)
	}
	for _, row := range rows {
		for i, cell := range row {
			if i < len(widths) && len(cell) > widths[i] {
				widths[i] = len(cell)
			}
		}
	}

	writeRow := func(cells []string) {
		var b strings.Builder
		for i, cell := range cells {
			if i > 0 {
				b.WriteString("  ")
			}
			b.WriteString(cell)
			// Pad all but the last column.
			if i < len(cells)-1 {
				b.WriteString(strings.Repeat(" ", widths[i]-len(cell)))
			}
		}
		fmt.Fprintln(w, b.String())
	}

	writeRow(headers)
	for _, row := range rows {
		writeRow(row)
	}
}

// formatDateRange renders "Jan 2 – Jan 9 2026", tolerating open ends.
func formatDateRange(start, end *time.Time) string {
	switch {
	case start == nil && end == nil:
		return "-"
	case end == nil:
		return fmt.Sprintf("from %s", start.Format("Jan 2 2006"))
	case start == nil:
		return fmt.Sprintf("until %s", end.Format("Jan 2 2006"))
	default:
		return fmt.Sprintf("%s – %s", start.Format("Jan 2"), end.Format("Jan 2 2006"))
	}
}

// statusLabel maps sync status tags to the labels shown in lists.
func statusLabel(status string) string {
	switch status {
	case models.SyncStatusPending:
		return "pending sync"
	case models.SyncStatusConflict:
		return "needs attention"
	default:
		return "synced"
	}
}
