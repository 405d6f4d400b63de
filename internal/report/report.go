// Package report renders run summaries and metadata status as aligned text tables.
package report

import (
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/mattn/go-runewidth"

	"hospitaletl/internal/core/domain"
)

const maxCellWidth = 60

// WriteSummary prints the outcome of one run.
func WriteSummary(w io.Writer, s *domain.RunSummary) error {
	if s == nil {
		return nil
	}

	var sb strings.Builder
	sb.WriteString("\n=== Run Summary ===\n")
	fmt.Fprintf(&sb, "Run ID:     %s\n", s.RunID)
	fmt.Fprintf(&sb, "Started:    %s\n", s.StartedAt.Format(time.RFC3339))
	fmt.Fprintf(&sb, "Duration:   %s\n", s.Duration().Round(time.Millisecond))
	sb.WriteString("\n")

	counts := [][]string{
		{"Total", "Skipped", "Succeeded", "Failed"},
		{strconv.Itoa(s.Total), strconv.Itoa(s.Skipped), strconv.Itoa(s.Succeeded), strconv.Itoa(s.Failed)},
	}
	writeTable(&sb, counts)

	if len(s.Failures) > 0 {
		sb.WriteString("\nFailures:\n")
		rows := [][]string{{"Dataset", "Kind", "Error"}}
		for _, f := range s.Failures {
			rows = append(rows, []string{f.ID, string(f.Kind), f.Message})
		}
		writeTable(&sb, rows)
	}

	_, err := io.WriteString(w, sb.String())
	return err
}

// Status is the aggregate view of the metadata store.
type Status struct {
	Records     int
	Succeeded   int
	Failed      int
	LastSuccess time.Time
}

// HasData reports whether any dataset has ever been processed successfully.
func (s Status) HasData() bool {
	return !s.LastSuccess.IsZero()
}

// DaysSinceLastSuccess returns whole days elapsed since the most recent success, or -1 if none.
func (s Status) DaysSinceLastSuccess(now time.Time) int {
	if !s.HasData() {
		return -1
	}
	return int(now.Sub(s.LastSuccess).Hours() / 24)
}

// Summarize aggregates records into a Status.
func Summarize(records []domain.DatasetRecord) Status {
	st := Status{Records: len(records)}
	for _, r := range records {
		switch r.Status {
		case domain.StatusSuccess:
			st.Succeeded++
		case domain.StatusFailed:
			st.Failed++
		}
		if r.LastSuccess.After(st.LastSuccess) {
			st.LastSuccess = r.LastSuccess
		}
	}
	return st
}

// WriteStatus prints the aggregate status followed by one row per dataset.
func WriteStatus(w io.Writer, records []domain.DatasetRecord, now time.Time) error {
	st := Summarize(records)

	var sb strings.Builder
	sb.WriteString("\n=== Metadata Status ===\n")
	if !st.HasData() {
		fmt.Fprintf(&sb, "No successfully processed datasets (%d records).\n", st.Records)
	} else {
		fmt.Fprintf(&sb, "Records:        %d (%d succeeded, %d failed)\n", st.Records, st.Succeeded, st.Failed)
		fmt.Fprintf(&sb, "Last success:   %s (%d days ago)\n",
			st.LastSuccess.Format(time.RFC3339), st.DaysSinceLastSuccess(now))
	}

	if len(records) > 0 {
		sb.WriteString("\n")
		rows := [][]string{{"Dataset", "Status", "Fingerprint", "Last Success", "Error"}}
		for _, r := range records {
			last := "-"
			if !r.LastSuccess.IsZero() {
				last = r.LastSuccess.Format("2006-01-02 15:04")
			}
			rows = append(rows, []string{r.ID, string(r.Status), r.Fingerprint, last, r.LastError})
		}
		writeTable(&sb, rows)
	}

	_, err := io.WriteString(w, sb.String())
	return err
}

// writeTable renders rows as a pipe table; the first row is the header.
// Column widths use display width so wide runes stay aligned.
func writeTable(sb *strings.Builder, rows [][]string) {
	if len(rows) == 0 {
		return
	}

	cols := 0
	for _, row := range rows {
		if len(row) > cols {
			cols = len(row)
		}
	}

	cells := make([][]string, len(rows))
	widths := make([]int, cols)
	for i, row := range rows {
		cells[i] = make([]string, cols)
		for j := 0; j < cols; j++ {
			if j < len(row) {
				cells[i][j] = runewidth.Truncate(oneLine(row[j]), maxCellWidth, "...")
			}
			if w := runewidth.StringWidth(cells[i][j]); w > widths[j] {
				widths[j] = w
			}
		}
	}
	for j := range widths {
		if widths[j] < 3 {
			widths[j] = 3
		}
	}

	for i, row := range cells {
		writeRow(sb, row, widths)
		if i == 0 {
			sep := make([]string, cols)
			for j := range sep {
				sep[j] = strings.Repeat("-", widths[j])
			}
			writeRow(sb, sep, widths)
		}
	}
}

func writeRow(sb *strings.Builder, row []string, widths []int) {
	sb.WriteString("|")
	for j, cell := range row {
		sb.WriteString(" ")
		sb.WriteString(runewidth.FillRight(cell, widths[j]))
		sb.WriteString(" |")
	}
	sb.WriteString("\n")
}

func oneLine(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
