package output

import (
	"encoding/json"
	"io"

	"github.com/nethalo/sologate/internal/apperr"
	"github.com/nethalo/sologate/internal/export"
	"github.com/nethalo/sologate/internal/gateway"
	"github.com/nethalo/sologate/internal/warehouse"
)

// JSONRenderer emits machine-readable envelopes.
type JSONRenderer struct {
	w io.Writer
}

func (r *JSONRenderer) encode(v any) {
	enc := json.NewEncoder(r.w)
	enc.SetIndent("", "  ")
	enc.Encode(v)
}

func (r *JSONRenderer) RenderConnection(res *gateway.Result) {
	payload := map[string]any{
		"data":     res.Connection,
		"cacheHit": res.CacheHit,
		"tookMs":   res.Took.Milliseconds(),
	}
	if res.Complexity != nil {
		payload["complexity"] = res.Complexity
	}
	r.encode(payload)
}

func (r *JSONRenderer) RenderRows(rows []warehouse.Row) {
	r.encode(map[string]any{"data": rows})
}

func (r *JSONRenderer) RenderJob(job *export.Job, downloadURL string) {
	payload := map[string]any{"job": job}
	if downloadURL != "" {
		payload["downloadUrl"] = downloadURL
	}
	r.encode(payload)
}

func (r *JSONRenderer) RenderError(err error) {
	e := apperr.From(err)
	payload := map[string]any{
		"error":   string(e.Code),
		"message": e.Message,
	}
	if len(e.Extensions) > 0 {
		payload["extensions"] = e.Extensions
	}
	r.encode(payload)
}
