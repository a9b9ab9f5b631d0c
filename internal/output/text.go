package output

import (
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"github.com/nethalo/sologate/internal/apperr"
	"github.com/nethalo/sologate/internal/export"
	"github.com/nethalo/sologate/internal/gateway"
	"github.com/nethalo/sologate/internal/warehouse"
)

// maxCellWidth truncates wide values (signatures, program ids) in the table.
const maxCellWidth = 24

// TextRenderer produces Lip Gloss styled terminal output.
type TextRenderer struct {
	w io.Writer
}

func (r *TextRenderer) RenderConnection(res *gateway.Result) {
	width := 78
	conn := res.Connection

	header := TitleStyle.Render("sologate — query result")
	summary := []string{
		r.labelValue("Rows:", fmt.Sprintf("%d", len(conn.Edges))),
		r.labelValue("Next page:", yesNo(conn.PageInfo.HasNextPage)),
		r.labelValue("Cache:", cacheTag(res.CacheHit)),
		r.labelValue("Took:", res.Took.Truncate(time.Millisecond).String()),
	}
	if res.Complexity != nil {
		summary = append(summary,
			r.labelValue("Complexity:", fmt.Sprintf("%.2f (~%s rows scanned)",
				res.Complexity.Score, formatNumber(int64(res.Complexity.EstimatedRows)))))
	}
	fmt.Fprintln(r.w)
	fmt.Fprintln(r.w, BoxStyle.Width(width).Render(header+"\n"+strings.Join(summary, "\n")))

	r.RenderRows(conn.Nodes)

	if conn.PageInfo.EndCursor != "" {
		fmt.Fprintln(r.w, MutedText.Render("resume with --after "+conn.PageInfo.EndCursor))
	}
	fmt.Fprintln(r.w)
}

func (r *TextRenderer) RenderRows(rows []warehouse.Row) {
	if len(rows) == 0 {
		fmt.Fprintln(r.w, MutedText.Render("no rows matched"))
		return
	}
	cols := columns(rows)

	widths := make([]int, len(cols))
	for i, c := range cols {
		widths[i] = len(c)
	}
	cells := make([][]string, len(rows))
	for ri, row := range rows {
		cells[ri] = make([]string, len(cols))
		for ci, c := range cols {
			v := truncate(formatCell(row[c]), maxCellWidth)
			cells[ri][ci] = v
			if len(v) > widths[ci] {
				widths[ci] = len(v)
			}
		}
	}

	var sb strings.Builder
	for i, c := range cols {
		sb.WriteString(MutedText.Render(pad(c, widths[i])))
		if i < len(cols)-1 {
			sb.WriteString("  ")
		}
	}
	fmt.Fprintln(r.w, sb.String())
	for _, row := range cells {
		var line strings.Builder
		for i, v := range row {
			line.WriteString(pad(v, widths[i]))
			if i < len(row)-1 {
				line.WriteString("  ")
			}
		}
		fmt.Fprintln(r.w, line.String())
	}
}

func (r *TextRenderer) RenderJob(job *export.Job, downloadURL string) {
	width := 78
	header := TitleStyle.Render("sologate — export job")

	lines := []string{
		r.labelValue("Job:", job.ID),
		r.labelValue("Status:", statusText(job.Status)),
		r.labelValue("Format:", string(job.Format)),
		r.labelValue("Progress:", fmt.Sprintf("%d%%", job.Progress)),
	}
	if job.RowCount > 0 {
		lines = append(lines, r.labelValue("Rows:", formatNumber(int64(job.RowCount))))
	}
	if job.Status == export.StatusCompleted {
		lines = append(lines,
			r.labelValue("File size:", formatBytes(job.FileSize)),
			r.labelValue("Download:", downloadURL))
	}
	if job.Error != "" {
		lines = append(lines, r.labelValue("Error:", job.Error))
	}

	box := BoxStyle
	switch job.Status {
	case export.StatusCompleted:
		box = SafeBoxStyle
	case export.StatusFailed:
		box = DangerBoxStyle
	}
	fmt.Fprintln(r.w)
	fmt.Fprintln(r.w, box.Width(width).Render(header+"\n"+strings.Join(lines, "\n")))
	fmt.Fprintln(r.w)
}

func (r *TextRenderer) RenderError(err error) {
	e := apperr.From(err)
	lines := []string{
		DangerText.Render(IconDanger+" "+string(e.Code)) + "\n" + e.Message,
	}
	if recs := recommendations(e); len(recs) > 0 {
		lines = append(lines, "")
		for _, rec := range recs {
			lines = append(lines, MutedText.Render("• "+rec))
		}
	}
	fmt.Fprintln(r.w)
	fmt.Fprintln(r.w, DangerBoxStyle.Width(78).Render(strings.Join(lines, "\n")))
	fmt.Fprintln(r.w)
}

func (r *TextRenderer) labelValue(label, value string) string {
	return LabelStyle.Render(label) + ValueStyle.Render(value)
}

func statusText(s export.Status) string {
	switch s {
	case export.StatusCompleted:
		return SafeText.Render(string(s))
	case export.StatusFailed:
		return DangerText.Render(string(s))
	case export.StatusProcessing:
		return WarningText.Render(string(s))
	default:
		return string(s)
	}
}

func cacheTag(hit bool) string {
	if hit {
		return SafeText.Render("hit")
	}
	return "miss"
}

func yesNo(b bool) string {
	if b {
		return "yes"
	}
	return "no"
}

func recommendations(e *apperr.Error) []string {
	raw, ok := e.Extensions["recommendations"]
	if !ok {
		return nil
	}
	switch v := raw.(type) {
	case []string:
		return v
	case []any:
		out := make([]string, 0, len(v))
		for _, r := range v {
			out = append(out, fmt.Sprint(r))
		}
		return out
	default:
		return nil
	}
}

func sortedKeys(row warehouse.Row) []string {
	keys := make([]string, 0, len(row))
	for k := range row {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func formatCell(v any) string {
	if v == nil {
		return ""
	}
	switch n := v.(type) {
	case float64:
		return fmt.Sprintf("%.2f", n)
	case float32:
		return fmt.Sprintf("%.2f", n)
	default:
		return fmt.Sprint(v)
	}
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max-1] + "…"
}

func pad(s string, width int) string {
	if len(s) >= width {
		return s
	}
	return s + strings.Repeat(" ", width-len(s))
}

// formatNumber renders 1234567 as "1,234,567".
func formatNumber(n int64) string {
	s := fmt.Sprintf("%d", n)
	if len(s) <= 3 {
		return s
	}
	var sb strings.Builder
	lead := len(s) % 3
	if lead > 0 {
		sb.WriteString(s[:lead])
	}
	for i := lead; i < len(s); i += 3 {
		if sb.Len() > 0 {
			sb.WriteByte(',')
		}
		sb.WriteString(s[i : i+3])
	}
	return sb.String()
}

func formatBytes(n int64) string {
	switch {
	case n >= 1<<30:
		return fmt.Sprintf("%.1f GB", float64(n)/(1<<30))
	case n >= 1<<20:
		return fmt.Sprintf("%.1f MB", float64(n)/(1<<20))
	case n >= 1<<10:
		return fmt.Sprintf("%.1f KB", float64(n)/(1<<10))
	default:
		return fmt.Sprintf("%d B", n)
	}
}
