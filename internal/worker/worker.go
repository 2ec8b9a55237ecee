// Package worker runs background jobs from the SQLite job queue: rendering
// exports of large runs and pruning expired share links.
package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/kalambet/jreplay/internal/export"
	"github.com/kalambet/jreplay/internal/journey"
	"github.com/kalambet/jreplay/internal/metrics"
	"github.com/kalambet/jreplay/internal/script"
	"github.com/kalambet/jreplay/internal/storage"
	"github.com/kalambet/jreplay/internal/timeline"
)

// JobExport is the job type for background exports.
const JobExport = "export"

// JobStore abstracts the queue and the records a job reads and writes.
type JobStore interface {
	ClaimNextJob(types []string) (*storage.Job, error)
	CompleteJob(id string) error
	FailJob(id string, errMsg string) error
	GetRun(id string) (*journey.Run, error)
	SaveExport(e storage.ExportRecord) error
	DeleteExpiredShareLinks(now time.Time) (int64, error)
}

// Enqueuer adds jobs to the queue.
type Enqueuer interface {
	EnqueueJob(job storage.Job) error
}

// Observer is told about every finished export.
type Observer interface {
	ExportFinished(format export.Format, err error)
}

// ExportPayload is the job body of an export. Where is an optional script
// predicate combined with Filters.
type ExportPayload struct {
	RunID   string           `json:"runId"`
	Options export.Options   `json:"options"`
	Filters timeline.Filters `json:"filters"`
	Where   string           `json:"where,omitempty"`
}

// EnqueueExport validates p and queues it. It returns the job id.
func EnqueueExport(q Enqueuer, p ExportPayload) (string, error) {
	if p.RunID == "" {
		return "", fmt.Errorf("export needs a run id")
	}
	if _, err := export.ParseFormat(string(p.Options.Format)); err != nil {
		return "", err
	}
	if p.Where != "" {
		pred, err := script.Compile(p.Where)
		if err != nil {
			return "", err
		}
		pred.Close()
	}
	data, err := json.Marshal(p)
	if err != nil {
		return "", fmt.Errorf("encoding export payload: %w", err)
	}
	id := uuid.New().String()
	if err := q.EnqueueJob(storage.Job{ID: id, Type: JobExport, PayloadJSON: string(data)}); err != nil {
		return "", fmt.Errorf("enqueueing export: %w", err)
	}
	return id, nil
}

// Worker processes export jobs and periodically prunes share links.
type Worker struct {
	store      JobStore
	sink       export.Sink
	maxBytes   int64
	poll       time.Duration
	pruneEvery time.Duration
	lastPrune  time.Time
	observer   Observer
	logger     *slog.Logger
	now        func() time.Time
}

// NewWorker creates a Worker writing artifacts to sink.
// If pollInterval is <= 0, it defaults to 500ms.
func NewWorker(store JobStore, sink export.Sink, maxBytes int64, pollInterval time.Duration) *Worker {
	if pollInterval <= 0 {
		pollInterval = 500 * time.Millisecond
	}
	return &Worker{
		store:      store,
		sink:       sink,
		maxBytes:   maxBytes,
		poll:       pollInterval,
		pruneEvery: time.Minute,
		logger:     slog.Default(),
		now:        time.Now,
	}
}

// SetObserver registers o for export outcomes.
func (w *Worker) SetObserver(o Observer) { w.observer = o }

// SetLogger replaces the default logger.
func (w *Worker) SetLogger(l *slog.Logger) { w.logger = l }

// Run polls for jobs until ctx is cancelled.
func (w *Worker) Run(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}

		w.maybePrune()
		done, err := w.RunOnce(ctx)
		if err != nil {
			w.logger.Error("worker iteration failed", "error", err)
		}
		if done {
			continue
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(w.poll):
		}
	}
}

// RunOnce claims and processes a single export job.
// Returns true if a job was processed (regardless of success/failure).
func (w *Worker) RunOnce(ctx context.Context) (bool, error) {
	job, err := w.store.ClaimNextJob([]string{JobExport})
	if err != nil {
		return false, fmt.Errorf("claiming job: %w", err)
	}
	if job == nil {
		return false, nil
	}

	if err := w.processJob(ctx, job); err != nil {
		w.logger.Warn("job failed", "job_id", job.ID, "error", err)
		if failErr := w.store.FailJob(job.ID, err.Error()); failErr != nil {
			w.logger.Error("failed to mark job as failed", "job_id", job.ID, "error", failErr)
		}
		return true, nil
	}

	if err := w.store.CompleteJob(job.ID); err != nil {
		return true, fmt.Errorf("completing job %s: %w", job.ID, err)
	}
	return true, nil
}

// Prune removes share links whose deadline has passed.
func (w *Worker) Prune() (int64, error) {
	n, err := w.store.DeleteExpiredShareLinks(w.now())
	if err != nil {
		return 0, fmt.Errorf("pruning share links: %w", err)
	}
	if n > 0 {
		w.logger.Info("pruned expired share links", "count", n)
	}
	return n, nil
}

func (w *Worker) maybePrune() {
	now := w.now()
	if now.Sub(w.lastPrune) < w.pruneEvery {
		return
	}
	w.lastPrune = now
	if _, err := w.Prune(); err != nil {
		w.logger.Error("share link pruning failed", "error", err)
	}
}

func (w *Worker) processJob(ctx context.Context, job *storage.Job) error {
	var p ExportPayload
	if err := json.Unmarshal([]byte(job.PayloadJSON), &p); err != nil {
		return fmt.Errorf("parsing payload: %w", err)
	}

	run, err := w.store.GetRun(p.RunID)
	if err != nil {
		return fmt.Errorf("loading run %s: %w", p.RunID, err)
	}

	if p.Where != "" {
		pred, err := script.Compile(p.Where)
		if err != nil {
			return err
		}
		defer pred.Close()
		p.Filters.Match = pred.Match
	}

	m := metrics.Compute(run.Steps, run.AILogs)
	items := timeline.Apply(timeline.Build(run, &m), p.Filters)

	opts := p.Options
	opts.JourneyID, opts.RunID = run.JourneyID, run.ID
	if opts.MaxBytes == 0 {
		opts.MaxBytes = w.maxBytes
	}
	res := export.Export(ctx, items, &m, opts, w.sink)

	rec := storage.ExportRecord{
		ID:       uuid.New().String(),
		RunID:    run.ID,
		JobID:    job.ID,
		Format:   string(opts.Format),
		Filename: res.Filename,
		URL:      res.URL,
		Size:     res.Size,
		Error:    res.Error,
	}
	if err := w.store.SaveExport(rec); err != nil {
		return fmt.Errorf("recording export: %w", err)
	}

	var exportErr error
	if !res.Ok() {
		exportErr = fmt.Errorf("export: %s", res.Error)
	}
	if w.observer != nil {
		w.observer.ExportFinished(opts.Format, exportErr)
	}
	if exportErr != nil {
		return exportErr
	}
	w.logger.Info("export written", "job_id", job.ID, "run_id", run.ID, "file", res.Filename, "size", res.Size)
	return nil
}
