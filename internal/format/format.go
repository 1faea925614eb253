// Package format renders CLI tables for execution logs and dropped messages.
package format

import (
	"fmt"
	"strings"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/jedib0t/go-pretty/v6/text"

	"github.com/tutu-network/tutuflow/internal/domain"
)

// Mode controls the output format.
type Mode int

const (
	ASCII    Mode = iota // Fixed-width terminal tables
	Markdown             // GitHub-flavoured Markdown tables
)

// ParseMode maps "table"/"ascii" and "markdown"/"md" to a Mode.
func ParseMode(s string) (Mode, error) {
	switch strings.ToLower(s) {
	case "", "table", "ascii":
		return ASCII, nil
	case "markdown", "md":
		return Markdown, nil
	default:
		return ASCII, fmt.Errorf("unknown output format %q", s)
	}
}

// Table wraps a go-pretty writer for one render mode.
type Table struct {
	w    table.Writer
	mode Mode
}

// NewTable returns an empty table rendering in mode m.
func NewTable(m Mode) *Table {
	w := table.NewWriter()
	if m == ASCII {
		w.SetStyle(table.StyleLight)
	}
	return &Table{w: w, mode: m}
}

// Header sets the column headers.
func (t *Table) Header(cols ...string) {
	row := make(table.Row, len(cols))
	for i, c := range cols {
		row[i] = c
	}
	t.w.AppendHeader(row)
}

// Row appends a data row.
func (t *Table) Row(vals ...any) {
	t.w.AppendRow(table.Row(vals))
}

// Footer appends a footer row.
func (t *Table) Footer(vals ...any) {
	t.w.AppendFooter(table.Row(vals))
}

// AlignRight right-aligns the given 1-based columns.
func (t *Table) AlignRight(cols ...int) {
	cfgs := make([]table.ColumnConfig, len(cols))
	for i, c := range cols {
		cfgs[i] = table.ColumnConfig{Number: c, Align: text.AlignRight, AlignFooter: text.AlignRight}
	}
	t.w.SetColumnConfigs(cfgs)
}

// String renders the table.
func (t *Table) String() string {
	if t.mode == Markdown {
		return t.w.RenderMarkdown()
	}
	return t.w.Render()
}

// ─── Domain Tables ──────────────────────────────────────────────────────────

// Executions renders an execution log listing with a status tally footer.
func Executions(m Mode, recs []domain.ExecutionRecord) string {
	t := NewTable(m)
	t.Header("Finished", "Message", "Task", "Status", "Rows", "Outputs", "Duration", "Error")
	t.AlignRight(5, 6, 7)

	failed := 0
	for _, r := range recs {
		if r.Status != "ok" {
			failed++
		}
		t.Row(
			r.FinishedAt.Local().Format(time.DateTime),
			ShortID(r.MessageID),
			orDash(r.TaskType),
			r.Status,
			r.Rows,
			r.Outputs,
			Duration(r.Duration),
			Truncate(r.Error, 48),
		)
	}
	t.Footer("", "", "", fmt.Sprintf("%d/%d failed", failed, len(recs)), "", "", "", "")
	return t.String()
}

// Dropped renders dropped-message reports.
func Dropped(m Mode, msgs []domain.DroppedMessage) string {
	t := NewTable(m)
	t.Header("Dropped", "Stage", "Node", "Message", "Rows", "Error")
	t.AlignRight(5)
	for _, d := range msgs {
		t.Row(
			d.DroppedAt.Local().Format(time.DateTime),
			d.Stage,
			orDash(d.Node),
			ShortID(d.MessageID),
			d.Rows,
			Truncate(d.Error, 60),
		)
	}
	return t.String()
}

// ─── Helpers ────────────────────────────────────────────────────────────────

// Duration formats sub-second durations in ms and longer ones as "Xm Ys" or
// "X.Ys".
func Duration(d time.Duration) string {
	switch {
	case d < time.Second:
		return fmt.Sprintf("%dms", d.Milliseconds())
	case d < time.Minute:
		return fmt.Sprintf("%.1fs", d.Seconds())
	default:
		s := int(d.Seconds())
		return fmt.Sprintf("%dm %ds", s/60, s%60)
	}
}

// Truncate shortens s to maxLen characters, appending "..." if truncated.
func Truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	if maxLen <= 3 {
		return s[:maxLen]
	}
	return s[:maxLen-3] + "..."
}

// ShortID keeps the first block of a UUID.
func ShortID(id string) string {
	if i := strings.IndexByte(id, '-'); i > 0 {
		return id[:i]
	}
	return Truncate(id, 8)
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
