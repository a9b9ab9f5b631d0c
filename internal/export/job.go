// Package export materializes arbitrarily large result sets to compressed
// files through a durable job queue. Jobs survive process restarts in the
// shared store; workers run under a fixed semaphore and retry transient
// chunk failures with exponential backoff.
package export

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/nethalo/sologate/internal/query"
)

// Status is a job lifecycle state.
type Status string

const (
	StatusPending    Status = "PENDING"
	StatusProcessing Status = "PROCESSING"
	StatusCompleted  Status = "COMPLETED"
	StatusFailed     Status = "FAILED"
)

// Format selects the output encoding; the file is always gzip-wrapped.
type Format string

const (
	FormatCSV   Format = "csv"
	FormatJSONL Format = "jsonl"
)

// ParseFormat validates a client-supplied format name.
func ParseFormat(s string) (Format, error) {
	switch Format(s) {
	case FormatCSV, FormatJSONL:
		return Format(s), nil
	default:
		return "", fmt.Errorf("unknown export format %q: valid values are csv, jsonl", s)
	}
}

// MaxAttempts bounds retries for one job.
const MaxAttempts = 3

// Job is the durable export record.
type Job struct {
	ID     string      `json:"id"`
	Spec   *query.Spec `json:"spec"`
	Format Format      `json:"format"`
	Status Status      `json:"status"`

	Attempts int `json:"attempts"`
	Progress int `json:"progress"` // percent, clamped to 99 until completion

	RowCount uint64 `json:"rowCount"`
	FileSize int64  `json:"fileSize"`
	FilePath string `json:"filePath,omitempty"`
	Error    string `json:"error,omitempty"`

	CreatedAt   time.Time `json:"createdAt"`
	StartedAt   time.Time `json:"startedAt"`
	CompletedAt time.Time `json:"completedAt"`
}

// NewJob creates a pending job with a fresh id.
func NewJob(spec *query.Spec, format Format) *Job {
	return &Job{
		ID:        uuid.NewString(),
		Spec:      spec,
		Format:    format,
		Status:    StatusPending,
		CreatedAt: time.Now().UTC(),
	}
}

// Filename is the artifact name inside the job directory.
func (j *Job) Filename() string {
	return fmt.Sprintf("export.%s.gz", j.Format)
}

// Terminal reports whether the job reached a final state.
func (j *Job) Terminal() bool {
	return j.Status == StatusCompleted || j.Status == StatusFailed
}
