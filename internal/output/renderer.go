package output

import (
	"io"

	"github.com/nethalo/sologate/internal/export"
	"github.com/nethalo/sologate/internal/gateway"
	"github.com/nethalo/sologate/internal/warehouse"
)

// Renderer defines the output interface.
type Renderer interface {
	RenderConnection(res *gateway.Result)
	RenderRows(rows []warehouse.Row)
	RenderJob(job *export.Job, downloadURL string)
	RenderError(err error)
}

// NewRenderer creates a renderer for the given format.
func NewRenderer(format string, w io.Writer) Renderer {
	switch format {
	case "json":
		return &JSONRenderer{w: w}
	case "plain":
		return &PlainRenderer{w: w}
	default:
		return &TextRenderer{w: w}
	}
}

// columns derives a stable column order from a row set: the first row's
// keys, sorted. Aggregation rows are polymorphic, so the header has to come
// from the data.
func columns(rows []warehouse.Row) []string {
	if len(rows) == 0 {
		return nil
	}
	return sortedKeys(rows[0])
}
