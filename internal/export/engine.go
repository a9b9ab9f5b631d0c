package export

import (
	"compress/gzip"
	"context"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/nethalo/sologate/internal/apperr"
	"github.com/nethalo/sologate/internal/complexity"
	"github.com/nethalo/sologate/internal/config"
	"github.com/nethalo/sologate/internal/query"
	"github.com/nethalo/sologate/internal/warehouse"
)

// chunkTimeout bounds one chunk query.
const chunkTimeout = 600 * time.Second

// dequeueWait bounds one blocking queue poll so workers notice shutdown.
const dequeueWait = 2 * time.Second

// Warehouse is the streaming query surface the engine needs.
type Warehouse interface {
	QueryStream(ctx context.Context, sql string, params map[string]string, timeout time.Duration, fn func(warehouse.Row) error) error
}

// Estimator supplies the row estimate the progress heuristic divides by.
type Estimator interface {
	Calculate(ctx context.Context, s *query.Spec) (*complexity.Record, error)
}

// Engine runs export jobs: submission with disk guards, bounded workers,
// chunked streaming writes, retry via the delayed queue.
type Engine struct {
	queue     Queue
	wh        Warehouse
	estimator Estimator
	signer    *Signer
	cfg       config.Export
	logger    zerolog.Logger

	stop chan struct{}
	wg   sync.WaitGroup
}

// New builds the engine. Start launches the workers.
func New(q Queue, wh Warehouse, est Estimator, cfg config.Export, logger zerolog.Logger) *Engine {
	return &Engine{
		queue:     q,
		wh:        wh,
		estimator: est,
		signer:    NewSigner(cfg.SigningKey),
		cfg:       cfg,
		logger:    logger.With().Str("component", "export").Logger(),
		stop:      make(chan struct{}),
	}
}

// Submit validates disk capacity, persists a pending job and enqueues it.
func (e *Engine) Submit(ctx context.Context, spec *query.Spec, format Format) (*Job, error) {
	if err := spec.Validate(); err != nil {
		return nil, err
	}
	if err := os.MkdirAll(e.cfg.Dir, 0o755); err != nil {
		return nil, apperr.Wrap(apperr.CodeExportCreation, err, "creating export directory")
	}

	free, err := freeBytes(e.cfg.Dir)
	if err != nil {
		return nil, apperr.Wrap(apperr.CodeExportCreation, err, "checking disk space")
	}
	if free < uint64(e.cfg.MinFreeSpaceGB)*gigabyte {
		return nil, apperr.Newf(apperr.CodeExportCreation,
			"insufficient disk space: %d GB free, %d GB required",
			free/gigabyte, e.cfg.MinFreeSpaceGB)
	}

	size, err := dirSize(e.cfg.Dir)
	if err != nil {
		return nil, apperr.Wrap(apperr.CodeExportCreation, err, "sizing export directory")
	}
	maxTotal := int64(e.cfg.MaxTotalSizeGB) * gigabyte
	if size > maxTotal {
		target := maxTotal * 8 / 10
		freed, err := evictFIFO(e.cfg.Dir, target)
		if err != nil {
			return nil, apperr.Wrap(apperr.CodeExportCreation, err, "evicting old exports")
		}
		e.logger.Info().Int64("freed", freed).Msg("evicted old exports")
	}

	job := NewJob(spec, format)
	if err := e.queue.Put(ctx, job); err != nil {
		return nil, apperr.Wrap(apperr.CodeExportCreation, err, "persisting export job")
	}
	if err := e.queue.Enqueue(ctx, job.ID); err != nil {
		return nil, apperr.Wrap(apperr.CodeExportCreation, err, "enqueueing export job")
	}
	e.logger.Info().Str("job", job.ID).Str("format", string(format)).Msg("export submitted")
	return job, nil
}

// Status returns the durable record for a job.
func (e *Engine) Status(ctx context.Context, id string) (*Job, error) {
	return e.queue.Get(ctx, id)
}

// DownloadURL returns the signed artifact path for a completed job.
func (e *Engine) DownloadURL(job *Job) string {
	return e.signer.DownloadURL(job.ID, job.Filename())
}

// VerifyToken checks a presented download token.
func (e *Engine) VerifyToken(jobID, filename, token string) bool {
	return e.signer.Verify(jobID, filename, token)
}

// Start launches the configured number of workers plus the delayed-job
// promoter.
func (e *Engine) Start() {
	for i := 0; i < e.cfg.Workers; i++ {
		e.wg.Add(1)
		go e.worker()
	}
	e.wg.Add(1)
	go e.promoter()
}

// Stop signals the workers and waits for in-flight jobs.
func (e *Engine) Stop() {
	close(e.stop)
	e.wg.Wait()
}

func (e *Engine) worker() {
	defer e.wg.Done()
	for {
		select {
		case <-e.stop:
			return
		default:
		}
		id, err := e.queue.Dequeue(context.Background(), dequeueWait)
		if err != nil {
			e.logger.Warn().Err(err).Msg("dequeue failed")
			time.Sleep(time.Second)
			continue
		}
		if id == "" {
			continue
		}
		e.Process(context.Background(), id)
	}
}

func (e *Engine) promoter() {
	defer e.wg.Done()
	t := time.NewTicker(time.Second)
	defer t.Stop()
	for {
		select {
		case <-e.stop:
			return
		case <-t.C:
			if _, err := e.queue.PromoteDue(context.Background(), time.Now()); err != nil {
				e.logger.Warn().Err(err).Msg("promoting delayed jobs failed")
			}
		}
	}
}

// Process runs one job to a terminal state or back onto the delayed queue.
// Exported for tests and for a synchronous --wait CLI path.
func (e *Engine) Process(ctx context.Context, id string) {
	job, err := e.queue.Get(ctx, id)
	if err != nil {
		e.logger.Error().Err(err).Str("job", id).Msg("loading job failed")
		return
	}
	if job.Terminal() {
		return
	}

	job.Status = StatusProcessing
	job.Attempts++
	if job.StartedAt.IsZero() {
		job.StartedAt = time.Now().UTC()
	}
	e.put(ctx, job)

	if err := e.writeArtifact(ctx, job); err != nil {
		e.retryOrFail(ctx, job, err)
		return
	}

	job.Status = StatusCompleted
	job.Progress = 100
	job.CompletedAt = time.Now().UTC()
	job.Error = ""
	e.put(ctx, job)
	e.logger.Info().Str("job", job.ID).Uint64("rows", job.RowCount).
		Int64("bytes", job.FileSize).Msg("export completed")
}

func (e *Engine) retryOrFail(ctx context.Context, job *Job, cause error) {
	job.Error = cause.Error()
	if job.Attempts < MaxAttempts {
		job.Status = StatusPending
		e.put(ctx, job)
		delay := backoffDelay(job.Attempts)
		if err := e.queue.Delay(ctx, job.ID, time.Now().Add(delay)); err != nil {
			e.logger.Error().Err(err).Str("job", job.ID).Msg("scheduling retry failed")
		}
		e.logger.Warn().Err(cause).Str("job", job.ID).Int("attempt", job.Attempts).
			Dur("delay", delay).Msg("export chunk failed, retrying")
		return
	}
	job.Status = StatusFailed
	job.CompletedAt = time.Now().UTC()
	e.put(ctx, job)
	// The partial file stays on disk; retention reaps it.
	e.logger.Error().Err(cause).Str("job", job.ID).Msg("export failed permanently")
}

// writeArtifact streams the full result set in offset chunks into the
// gzip-wrapped artifact.
func (e *Engine) writeArtifact(ctx context.Context, job *Job) error {
	columns, err := query.ResultColumns(job.Spec)
	if err != nil {
		return err
	}

	dir := filepath.Join(e.cfg.Dir, job.ID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return apperr.Wrap(apperr.CodeExportProcessing, err, "creating job directory")
	}
	path := filepath.Join(dir, job.Filename())
	f, err := os.Create(path)
	if err != nil {
		return apperr.Wrap(apperr.CodeExportProcessing, err, "creating export file")
	}
	defer f.Close()
	job.FilePath = path

	gz := gzip.NewWriter(f)
	w, err := newRowWriter(job.Format, gz, columns)
	if err != nil {
		return err
	}

	estRows := e.estimateRows(ctx, job.Spec)
	maxBytes := int64(e.cfg.MaxFileSizeGB) * gigabyte

	var total uint64
	for offset := 0; ; offset += e.cfg.ChunkSize {
		compiled, err := query.CompileChunk(job.Spec, e.cfg.ChunkSize, offset)
		if err != nil {
			return err
		}
		n := 0
		err = e.wh.QueryStream(ctx, compiled.SQL, compiled.Params, chunkTimeout, func(row warehouse.Row) error {
			n++
			return w.write(row)
		})
		if err != nil {
			return err
		}
		total += uint64(n)

		job.RowCount = total
		job.Progress = progress(total, estRows)
		e.put(ctx, job)

		if size, err := fileSize(f); err == nil && size > maxBytes {
			return apperr.Newf(apperr.CodeExportProcessing,
				"export exceeds the %d GB file limit", e.cfg.MaxFileSizeGB)
		}
		if n < e.cfg.ChunkSize {
			break
		}
	}

	if err := w.flush(); err != nil {
		return apperr.Wrap(apperr.CodeExportProcessing, err, "flushing export file")
	}
	if err := gz.Close(); err != nil {
		return apperr.Wrap(apperr.CodeExportProcessing, err, "closing compressed stream")
	}
	if err := f.Sync(); err != nil {
		return apperr.Wrap(apperr.CodeExportProcessing, err, "syncing export file")
	}
	size, err := fileSize(f)
	if err != nil {
		return apperr.Wrap(apperr.CodeExportProcessing, err, "sizing export file")
	}
	job.FileSize = size
	return nil
}

func (e *Engine) estimateRows(ctx context.Context, spec *query.Spec) uint64 {
	record, err := e.estimator.Calculate(ctx, spec)
	if err != nil || record.EstimatedRows == 0 {
		return complexity.FallbackRows
	}
	return record.EstimatedRows
}

// put persists progress best-effort; a store hiccup must not kill the job.
func (e *Engine) put(ctx context.Context, job *Job) {
	if err := e.queue.Put(ctx, job); err != nil {
		e.logger.Warn().Err(err).Str("job", job.ID).Msg("persisting job state failed")
	}
}

// progress is the chunk heuristic: rows written over the estimate, clamped
// to 99 until the job actually finishes.
func progress(written, estimated uint64) int {
	if estimated == 0 {
		return 0
	}
	pct := int(written * 100 / estimated)
	if pct > 99 {
		pct = 99
	}
	return pct
}

func fileSize(f *os.File) (int64, error) {
	info, err := f.Stat()
	if err != nil {
		return 0, err
	}
	return info.Size(), nil
}

// rowWriter encodes rows in the job's format.
type rowWriter struct {
	format  Format
	columns []string
	csv     *csv.Writer
	json    *json.Encoder
}

func newRowWriter(format Format, w *gzip.Writer, columns []string) (*rowWriter, error) {
	rw := &rowWriter{format: format, columns: columns}
	switch format {
	case FormatCSV:
		rw.csv = csv.NewWriter(w)
		if err := rw.csv.Write(columns); err != nil {
			return nil, apperr.Wrap(apperr.CodeExportProcessing, err, "writing CSV header")
		}
	case FormatJSONL:
		rw.json = json.NewEncoder(w)
	default:
		return nil, apperr.Newf(apperr.CodeExportProcessing, "unknown export format %q", format)
	}
	return rw, nil
}

func (rw *rowWriter) write(row warehouse.Row) error {
	if rw.format == FormatJSONL {
		return rw.json.Encode(row)
	}
	record := make([]string, len(rw.columns))
	for i, c := range rw.columns {
		record[i] = renderField(row[c])
	}
	return rw.csv.Write(record)
}

func (rw *rowWriter) flush() error {
	if rw.csv != nil {
		rw.csv.Flush()
		return rw.csv.Error()
	}
	return nil
}

func renderField(v any) string {
	if v == nil {
		return ""
	}
	if s, ok := v.(string); ok {
		return s
	}
	return fmt.Sprint(v)
}
