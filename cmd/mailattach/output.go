package main

import (
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"

	"github.com/nhle/mailattach/internal/model"
	"github.com/nhle/mailattach/internal/theme"
)

// printAttachmentList writes atts as indented JSON without their payloads.
func printAttachmentList(w io.Writer, atts []model.Attachment) error {
	out := make([]model.Attachment, 0, len(atts))
	for _, a := range atts {
		a.EmbeddedData = ""
		out = append(out, a)
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(out)
}

// renderEntries formats cache entries as a table.
func renderEntries(entries []model.CacheEntry, now time.Time) string {
	headerStyle := lipgloss.NewStyle().Bold(true).Foreground(theme.ColorWhite).Padding(0, 1)
	cellStyle := lipgloss.NewStyle().Padding(0, 1)

	t := table.New().
		Border(lipgloss.RoundedBorder()).
		BorderStyle(lipgloss.NewStyle().Foreground(theme.ColorBorder)).
		Headers("NAME", "SOURCE", "SIZE", "AGE", "KEY").
		StyleFunc(func(row, col int) lipgloss.Style {
			if row == table.HeaderRow {
				return headerStyle
			}
			if col == 1 {
				return theme.SourceLabelStyle(string(entries[row].Source))
			}
			return cellStyle
		})

	for _, e := range entries {
		name := e.Name
		if name == "" {
			name = "-"
		}
		key := e.Key.String()
		if len(key) > 12 {
			key = key[:12]
		}
		t.Row(name, string(e.Source), formatSize(e.Size), formatAge(now.Sub(e.CachedAt)), key)
	}
	return t.Render()
}

func formatSize(n int64) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%d B", n)
	}
	div, exp := int64(unit), 0
	for m := n / unit; m >= unit; m /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %cB", float64(n)/float64(div), "KMGTPE"[exp])
}

func formatAge(d time.Duration) string {
	switch {
	case d < time.Minute:
		return "just now"
	case d < time.Hour:
		return fmt.Sprintf("%dm", int(d.Minutes()))
	case d < 24*time.Hour:
		return fmt.Sprintf("%dh", int(d.Hours()))
	}
	return fmt.Sprintf("%dd", int(d.Hours()/24))
}
