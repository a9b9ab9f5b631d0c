package export

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"
)

// failedRetention keeps failed jobs around for inspection.
const failedRetention = 7 * 24 * time.Hour

// Reaper removes expired job directories: completed jobs after the
// configured expiration, failed jobs after a week. Directories without a
// job record (crashed mid-write, record expired) use the shorter window.
type Reaper struct {
	dir        string
	queue      Queue
	expiration time.Duration
	logger     zerolog.Logger

	stop chan struct{}
	done chan struct{}
}

// NewReaper builds the reaper; Start launches the hourly sweep.
func NewReaper(dir string, q Queue, expiration time.Duration, logger zerolog.Logger) *Reaper {
	return &Reaper{
		dir:        dir,
		queue:      q,
		expiration: expiration,
		logger:     logger.With().Str("component", "export-reaper").Logger(),
		stop:       make(chan struct{}),
		done:       make(chan struct{}),
	}
}

// Start runs the sweep hourly until Stop.
func (r *Reaper) Start() {
	go func() {
		defer close(r.done)
		t := time.NewTicker(time.Hour)
		defer t.Stop()
		for {
			select {
			case <-t.C:
				r.RunOnce(context.Background())
			case <-r.stop:
				return
			}
		}
	}()
}

// Stop halts the ticker.
func (r *Reaper) Stop() {
	close(r.stop)
	<-r.done
}

// RunOnce sweeps the export root once and reports removed directories.
func (r *Reaper) RunOnce(ctx context.Context) int {
	entries, err := os.ReadDir(r.dir)
	if err != nil {
		if !os.IsNotExist(err) {
			r.logger.Warn().Err(err).Msg("reading export directory failed")
		}
		return 0
	}

	now := time.Now()
	removed := 0
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		age := now.Sub(info.ModTime())
		if age <= r.retentionFor(ctx, entry.Name()) {
			continue
		}
		path := filepath.Join(r.dir, entry.Name())
		if err := os.RemoveAll(path); err != nil {
			r.logger.Warn().Err(err).Str("dir", path).Msg("removing expired export failed")
			continue
		}
		if err := r.queue.Remove(ctx, entry.Name()); err != nil && !errors.Is(err, ErrJobNotFound) {
			r.logger.Warn().Err(err).Str("job", entry.Name()).Msg("removing job record failed")
		}
		removed++
	}
	if removed > 0 {
		r.logger.Info().Int("removed", removed).Msg("reaped expired exports")
	}
	return removed
}

func (r *Reaper) retentionFor(ctx context.Context, jobID string) time.Duration {
	job, err := r.queue.Get(ctx, jobID)
	if err != nil {
		return r.expiration
	}
	if job.Status == StatusFailed {
		return failedRetention
	}
	return r.expiration
}
