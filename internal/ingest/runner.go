package ingest

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"agenthub/internal/config"
	"agenthub/internal/models"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

var (
	// ErrJobNotFound is returned for unknown job ids.
	ErrJobNotFound = errors.New("ingestion job not found")
	// ErrJobActive is returned when the source already has a queued or
	// running job.
	ErrJobActive = errors.New("ingestion already active for source")
	// ErrQueueFull is returned when the job queue cannot accept more work.
	ErrQueueFull = errors.New("ingestion queue full")
	// ErrJobTerminal is returned when updating a job that already finished.
	ErrJobTerminal = errors.New("ingestion job already finished")
)

// processFunc performs one ingestion attempt and reports how many pages or
// segments it produced. Swappable in tests.
type processFunc func(ctx context.Context, job *models.IngestionJob) (int, error)

// Runner executes ingestion jobs on a fixed worker pool. Each job retries
// with exponential backoff and reports its terminal state through exactly one
// webhook call.
type Runner struct {
	db       *sql.DB
	cfg      config.IngestConfig
	queue    chan string
	notifier *Notifier
	process  processFunc
}

func NewRunner(db *sql.DB, cfg config.IngestConfig) *Runner {
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 128
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	if cfg.RetryBackoff <= 0 {
		cfg.RetryBackoff = 5
	}
	r := &Runner{
		db:       db,
		cfg:      cfg,
		queue:    make(chan string, cfg.QueueSize),
		notifier: NewNotifier(cfg.WebhookURL),
	}
	scraper := NewScraper(cfg.MaxPages)
	docs := NewDocumentLoader()
	r.process = func(ctx context.Context, job *models.IngestionJob) (int, error) {
		switch job.Kind {
		case models.JobScrape:
			pages, err := scraper.Scrape(ctx, job.Source)
			return len(pages), err
		case models.JobDocument:
			return docs.Load(ctx, job.Source)
		default:
			return 0, fmt.Errorf("unknown job kind: %s", job.Kind)
		}
	}
	return r
}

// Start launches the worker pool and re-queues jobs a previous run left
// unfinished. Workers exit when ctx is cancelled.
func (r *Runner) Start(ctx context.Context) {
	for i := 0; i < r.cfg.Workers; i++ {
		go r.worker(ctx)
	}
	go r.recoverPending(ctx)
}

// recoverPending pushes queued and running rows back onto the queue. The
// queue itself is in-memory, so after a restart those rows would otherwise
// never run again and their sources would stay blocked.
func (r *Runner) recoverPending(ctx context.Context) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT id FROM ingestion_jobs WHERE status IN (?, ?) ORDER BY created_at`,
		models.JobQueued, models.JobRunning,
	)
	if err != nil {
		log.Warn().Err(err).Msg("pending job recovery failed")
		return
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			log.Warn().Err(err).Msg("pending job scan failed")
			return
		}
		ids = append(ids, id)
	}
	rows.Close()

	for _, id := range ids {
		select {
		case <-ctx.Done():
			return
		case r.queue <- id:
		}
	}
	if len(ids) > 0 {
		log.Info().
			Str("component", "ingest").
			Int("jobs", len(ids)).
			Msg("re-queued unfinished ingestion jobs")
	}
}

func (r *Runner) worker(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case jobID := <-r.queue:
			r.runJob(ctx, jobID)
		}
	}
}

// Enqueue records a new job and hands it to the worker pool. At most one
// queued-or-running job may exist per source.
func (r *Runner) Enqueue(ctx context.Context, tenantID string, kind models.JobKind, source string) (*models.IngestionJob, error) {
	var existing string
	err := r.db.QueryRowContext(ctx,
		`SELECT id FROM ingestion_jobs WHERE source = ? AND status IN (?, ?)`,
		source, models.JobQueued, models.JobRunning,
	).Scan(&existing)
	switch {
	case err == nil:
		return nil, ErrJobActive
	case errors.Is(err, sql.ErrNoRows):
	default:
		return nil, fmt.Errorf("check active jobs: %w", err)
	}

	now := time.Now().UTC()
	job := &models.IngestionJob{
		ID:        uuid.NewString(),
		TenantID:  tenantID,
		Kind:      kind,
		Source:    source,
		Status:    models.JobQueued,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if _, err := r.db.ExecContext(ctx,
		`INSERT INTO ingestion_jobs (id, tenant_id, kind, source, status, retries, pages, error, created_at, updated_at) VALUES (?, ?, ?, ?, ?, 0, 0, '', ?, ?)`,
		job.ID, job.TenantID, job.Kind, job.Source, job.Status, now, now,
	); err != nil {
		// The unique index on active sources backstops the SELECT above when
		// two enqueues race.
		if isActiveSourceConflict(err) {
			return nil, ErrJobActive
		}
		return nil, fmt.Errorf("insert job: %w", err)
	}

	select {
	case r.queue <- job.ID:
	default:
		_, _ = r.db.ExecContext(ctx, `DELETE FROM ingestion_jobs WHERE id = ?`, job.ID)
		return nil, ErrQueueFull
	}
	log.Info().
		Str("component", "ingest").
		Str("job_id", job.ID).
		Str("kind", string(kind)).
		Str("source", source).
		Msg("ingestion queued")
	return job, nil
}

// Get returns one job by id.
func (r *Runner) Get(ctx context.Context, id string) (*models.IngestionJob, error) {
	return r.scanJob(r.db.QueryRowContext(ctx,
		`SELECT id, tenant_id, kind, source, status, retries, pages, error, created_at, updated_at FROM ingestion_jobs WHERE id = ?`,
		id,
	))
}

// RecordUpdate applies a status report from an external processing service.
// Terminal jobs are immutable.
func (r *Runner) RecordUpdate(ctx context.Context, jobID string, status models.JobStatus, pages int, errMsg string) (*models.IngestionJob, error) {
	job, err := r.Get(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if job.Terminal() {
		return nil, ErrJobTerminal
	}
	if pages <= 0 {
		pages = job.Pages
	}
	now := time.Now().UTC()
	if _, err := r.db.ExecContext(ctx,
		`UPDATE ingestion_jobs SET status = ?, pages = ?, error = ?, updated_at = ? WHERE id = ?`,
		status, pages, errMsg, now, jobID,
	); err != nil {
		return nil, fmt.Errorf("update job: %w", err)
	}
	job.Status = status
	job.Pages = pages
	job.Error = errMsg
	job.UpdatedAt = now
	return job, nil
}

func (r *Runner) runJob(ctx context.Context, jobID string) {
	job, err := r.Get(ctx, jobID)
	if err != nil {
		log.Warn().Err(err).Str("job_id", jobID).Msg("job load failed")
		return
	}
	if job.Terminal() {
		// An external status update can finish a job before a worker picks
		// it up; the webhook was already owed by whoever finished it.
		return
	}
	r.setStatus(ctx, job, models.JobRunning, job.Retries, 0, "")

	var pages int
	var lastErr error
	for attempt := 0; ; attempt++ {
		pages, lastErr = r.process(ctx, job)
		if lastErr == nil || attempt >= r.cfg.MaxRetries {
			break
		}
		backoff := time.Duration(r.cfg.RetryBackoff) * time.Second << attempt
		log.Warn().
			Str("component", "ingest").
			Str("job_id", job.ID).
			Int("attempt", attempt+1).
			Dur("backoff", backoff).
			Err(lastErr).
			Msg("ingestion attempt failed, retrying")
		r.setStatus(ctx, job, models.JobRunning, attempt+1, 0, "")
		select {
		case <-ctx.Done():
			lastErr = ctx.Err()
		case <-time.After(backoff):
			continue
		}
		break
	}

	if lastErr != nil {
		r.setStatus(ctx, job, models.JobFailed, job.Retries, 0, lastErr.Error())
	} else {
		r.setStatus(ctx, job, models.JobSucceeded, job.Retries, pages, "")
	}

	// Exactly one completion webhook per terminal job.
	if err := r.notifier.Notify(context.Background(), job); err != nil {
		log.Warn().Err(err).Str("job_id", job.ID).Msg("completion webhook failed")
	}
	log.Info().
		Str("component", "ingest").
		Str("job_id", job.ID).
		Str("status", string(job.Status)).
		Int("pages", job.Pages).
		Msg("ingestion finished")
}

func (r *Runner) setStatus(ctx context.Context, job *models.IngestionJob, status models.JobStatus, retries, pages int, errMsg string) {
	now := time.Now().UTC()
	if _, err := r.db.ExecContext(ctx,
		`UPDATE ingestion_jobs SET status = ?, retries = ?, pages = ?, error = ?, updated_at = ? WHERE id = ?`,
		status, retries, pages, errMsg, now, job.ID,
	); err != nil {
		log.Warn().Err(err).Str("job_id", job.ID).Msg("job status update failed")
		return
	}
	job.Status = status
	job.Retries = retries
	job.Pages = pages
	job.Error = errMsg
	job.UpdatedAt = now
}

func isActiveSourceConflict(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "UNIQUE constraint failed") ||
		strings.Contains(msg, "Duplicate entry")
}

func (r *Runner) scanJob(row *sql.Row) (*models.IngestionJob, error) {
	var job models.IngestionJob
	err := row.Scan(&job.ID, &job.TenantID, &job.Kind, &job.Source, &job.Status,
		&job.Retries, &job.Pages, &job.Error, &job.CreatedAt, &job.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrJobNotFound
		}
		return nil, fmt.Errorf("get job: %w", err)
	}
	return &job, nil
}
