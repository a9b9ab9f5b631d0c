package output

import (
	"fmt"
	"io"
	"strings"

	"github.com/nethalo/sologate/internal/apperr"
	"github.com/nethalo/sologate/internal/export"
	"github.com/nethalo/sologate/internal/gateway"
	"github.com/nethalo/sologate/internal/warehouse"
)

// PlainRenderer emits tab-separated output without styling, for piping
// into cut/awk and for terminals without color support.
type PlainRenderer struct {
	w io.Writer
}

func (r *PlainRenderer) RenderConnection(res *gateway.Result) {
	r.RenderRows(res.Connection.Nodes)
	if res.Connection.PageInfo.HasNextPage {
		fmt.Fprintf(r.w, "# next: %s\n", res.Connection.PageInfo.EndCursor)
	}
}

func (r *PlainRenderer) RenderRows(rows []warehouse.Row) {
	if len(rows) == 0 {
		return
	}
	cols := columns(rows)
	fmt.Fprintln(r.w, strings.Join(cols, "\t"))
	for _, row := range rows {
		fields := make([]string, len(cols))
		for i, c := range cols {
			fields[i] = formatCell(row[c])
		}
		fmt.Fprintln(r.w, strings.Join(fields, "\t"))
	}
}

func (r *PlainRenderer) RenderJob(job *export.Job, downloadURL string) {
	fmt.Fprintf(r.w, "job\t%s\nstatus\t%s\nprogress\t%d\n", job.ID, job.Status, job.Progress)
	if job.RowCount > 0 {
		fmt.Fprintf(r.w, "rows\t%d\n", job.RowCount)
	}
	if downloadURL != "" {
		fmt.Fprintf(r.w, "download\t%s\n", downloadURL)
	}
	if job.Error != "" {
		fmt.Fprintf(r.w, "error\t%s\n", job.Error)
	}
}

func (r *PlainRenderer) RenderError(err error) {
	e := apperr.From(err)
	fmt.Fprintf(r.w, "error\t%s\t%s\n", e.Code, e.Message)
}
