package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/natefinch/atomic"

	"github.com/nhle/roadmap-sync/internal/model"
	"github.com/nhle/roadmap-sync/internal/theme"
)

const (
	formatTable = "table"
	formatJSON  = "json"
	formatCSV   = "csv"
)

func formatTime(t *time.Time) string {
	if t == nil {
		return "never"
	}
	return t.Local().Format("2006-01-02 15:04")
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// truncate shortens s to max runes for table cells.
func truncate(s string, max int) string {
	s = strings.Join(strings.Fields(s), " ")
	r := []rune(s)
	if len(r) <= max {
		return s
	}
	return string(r[:max-1]) + "…"
}

func itemsTable(items []model.RoadmapItem) string {
	rows := make([][]string, 0, len(items))
	for _, it := range items {
		rows = append(rows, []string{
			it.ID,
			truncate(it.Title, 48),
			it.StartDate,
			it.EndDate,
			it.Criticality,
			it.Disposition,
			it.Pillar,
		})
	}

	return theme.Table(
		[]string{"ID", "Title", "Start", "End", "Criticality", "Disposition", "Pillar"},
		rows,
		func(row, col int, base lipgloss.Style) lipgloss.Style {
			if col == 4 && row >= 0 && row < len(items) {
				return base.Inherit(theme.CriticalityStyle(items[row].Criticality))
			}
			return base
		},
	)
}

// keyValueTable renders a two-column property table.
func keyValueTable(pairs [][2]string) string {
	rows := make([][]string, 0, len(pairs))
	for _, p := range pairs {
		rows = append(rows, []string{p[0], p[1]})
	}
	return theme.Table([]string{"Property", "Value"}, rows, nil)
}

// emit writes out to path atomically, or to w when path is empty.
func emit(w io.Writer, path, out string) error {
	if path == "" {
		_, err := io.WriteString(w, out)
		return err
	}
	if err := atomic.WriteFile(path, strings.NewReader(out)); err != nil {
		return fmt.Errorf("writing %s: %w", path, err)
	}
	return nil
}
