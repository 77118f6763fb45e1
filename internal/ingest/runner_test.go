package ingest

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"agenthub/internal/config"
	"agenthub/internal/models"
	"agenthub/internal/storage"

	_ "github.com/mattn/go-sqlite3"
)

func newTestDB(t *testing.T) *sql.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:ingest_test_%d?mode=memory&cache=shared", time.Now().UnixNano())
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	db.SetMaxOpenConns(1)
	if err := storage.Migrate(db, "sqlite3"); err != nil {
		t.Fatalf("migrate db: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

// webhookRecorder collects completion payloads posted by the runner.
type webhookRecorder struct {
	mu       sync.Mutex
	payloads []map[string]interface{}
	server   *httptest.Server
}

func newWebhookRecorder(t *testing.T) *webhookRecorder {
	t.Helper()
	rec := &webhookRecorder{}
	rec.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var payload map[string]interface{}
		if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
			t.Errorf("decode webhook payload: %v", err)
		}
		rec.mu.Lock()
		rec.payloads = append(rec.payloads, payload)
		rec.mu.Unlock()
		w.WriteHeader(http.StatusOK)
	}))
	t.Cleanup(rec.server.Close)
	return rec
}

func (r *webhookRecorder) calls() []map[string]interface{} {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]map[string]interface{}, len(r.payloads))
	copy(out, r.payloads)
	return out
}

func waitTerminal(t *testing.T, r *Runner, jobID string) *models.IngestionJob {
	t.Helper()
	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		job, err := r.Get(context.Background(), jobID)
		if err != nil {
			t.Fatalf("get job: %v", err)
		}
		if job.Terminal() {
			return job
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatalf("job %s never reached a terminal state", jobID)
	return nil
}

func TestRunJobSuccessNotifiesOnce(t *testing.T) {
	rec := newWebhookRecorder(t)
	r := NewRunner(newTestDB(t), config.IngestConfig{
		Workers:    1,
		WebhookURL: rec.server.URL,
	})
	r.process = func(context.Context, *models.IngestionJob) (int, error) {
		return 7, nil
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	r.Start(ctx)

	job, err := r.Enqueue(ctx, "acme", models.JobScrape, "https://example.com")
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	done := waitTerminal(t, r, job.ID)
	if done.Status != models.JobSucceeded {
		t.Fatalf("expected succeeded, got %s (%s)", done.Status, done.Error)
	}
	if done.Pages != 7 {
		t.Fatalf("expected 7 pages, got %d", done.Pages)
	}

	// Give any stray notification time to land, then assert exactly one.
	time.Sleep(100 * time.Millisecond)
	calls := rec.calls()
	if len(calls) != 1 {
		t.Fatalf("expected exactly one webhook call, got %d", len(calls))
	}
	if calls[0]["job_id"] != job.ID || calls[0]["status"] != "succeeded" {
		t.Fatalf("unexpected webhook payload: %v", calls[0])
	}
}

func TestRunJobRetriesThenSucceeds(t *testing.T) {
	rec := newWebhookRecorder(t)
	r := NewRunner(newTestDB(t), config.IngestConfig{
		Workers:      1,
		MaxRetries:   3,
		RetryBackoff: 1,
		WebhookURL:   rec.server.URL,
	})
	var attempts int32
	r.process = func(context.Context, *models.IngestionJob) (int, error) {
		if atomic.AddInt32(&attempts, 1) < 3 {
			return 0, errors.New("transient failure")
		}
		return 2, nil
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	r.Start(ctx)

	job, err := r.Enqueue(ctx, "acme", models.JobDocument, "/tmp/report.pdf")
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	done := waitTerminal(t, r, job.ID)
	if done.Status != models.JobSucceeded {
		t.Fatalf("expected succeeded after retries, got %s (%s)", done.Status, done.Error)
	}
	if done.Retries != 2 {
		t.Fatalf("expected 2 recorded retries, got %d", done.Retries)
	}
	if got := atomic.LoadInt32(&attempts); got != 3 {
		t.Fatalf("expected 3 attempts, got %d", got)
	}
	if calls := rec.calls(); len(calls) != 1 {
		t.Fatalf("expected exactly one webhook call, got %d", len(calls))
	}
}

func TestRunJobExhaustsRetries(t *testing.T) {
	rec := newWebhookRecorder(t)
	r := NewRunner(newTestDB(t), config.IngestConfig{
		Workers:      1,
		MaxRetries:   1,
		RetryBackoff: 1,
		WebhookURL:   rec.server.URL,
	})
	var attempts int32
	r.process = func(context.Context, *models.IngestionJob) (int, error) {
		atomic.AddInt32(&attempts, 1)
		return 0, errors.New("permanent failure")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	r.Start(ctx)

	job, err := r.Enqueue(ctx, "acme", models.JobScrape, "https://broken.example.com")
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	done := waitTerminal(t, r, job.ID)
	if done.Status != models.JobFailed {
		t.Fatalf("expected failed, got %s", done.Status)
	}
	if done.Error != "permanent failure" {
		t.Fatalf("expected recorded error, got %q", done.Error)
	}
	if got := atomic.LoadInt32(&attempts); got != 2 {
		t.Fatalf("expected initial attempt plus one retry, got %d", got)
	}

	time.Sleep(100 * time.Millisecond)
	calls := rec.calls()
	if len(calls) != 1 {
		t.Fatalf("expected exactly one webhook call, got %d", len(calls))
	}
	if calls[0]["status"] != "failed" {
		t.Fatalf("expected failed status in webhook, got %v", calls[0])
	}
}

func TestStartRecoversUnfinishedJobs(t *testing.T) {
	rec := newWebhookRecorder(t)
	db := newTestDB(t)
	cfg := config.IngestConfig{Workers: 1, WebhookURL: rec.server.URL}

	// The first runner accepts work but never starts its workers, standing
	// in for a process that died with rows still queued or running.
	first := NewRunner(db, cfg)
	queued, err := first.Enqueue(context.Background(), "acme", models.JobScrape, "https://example.com")
	if err != nil {
		t.Fatalf("enqueue queued job: %v", err)
	}
	stuck, err := first.Enqueue(context.Background(), "acme", models.JobScrape, "https://other.example.com")
	if err != nil {
		t.Fatalf("enqueue stuck job: %v", err)
	}
	if _, err := db.Exec(`UPDATE ingestion_jobs SET status = ? WHERE id = ?`, models.JobRunning, stuck.ID); err != nil {
		t.Fatalf("mark job running: %v", err)
	}

	second := NewRunner(db, cfg)
	second.process = func(context.Context, *models.IngestionJob) (int, error) {
		return 1, nil
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	second.Start(ctx)

	for _, id := range []string{queued.ID, stuck.ID} {
		done := waitTerminal(t, second, id)
		if done.Status != models.JobSucceeded {
			t.Fatalf("expected recovered job %s to succeed, got %s (%s)", id, done.Status, done.Error)
		}
	}

	// The sources are enqueueable again once recovery finished the jobs.
	if _, err := second.Enqueue(ctx, "acme", models.JobScrape, "https://example.com"); err != nil {
		t.Fatalf("re-enqueue after recovery: %v", err)
	}
}

func TestEnqueueRejectsActiveDuplicate(t *testing.T) {
	r := NewRunner(newTestDB(t), config.IngestConfig{Workers: 1})
	// No Start: the job stays queued.
	ctx := context.Background()

	if _, err := r.Enqueue(ctx, "acme", models.JobScrape, "https://example.com"); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if _, err := r.Enqueue(ctx, "acme", models.JobScrape, "https://example.com"); !errors.Is(err, ErrJobActive) {
		t.Fatalf("expected ErrJobActive, got %v", err)
	}
	// A different source is fine.
	if _, err := r.Enqueue(ctx, "acme", models.JobScrape, "https://other.example.com"); err != nil {
		t.Fatalf("enqueue other source: %v", err)
	}
}

func TestEnqueueQueueFull(t *testing.T) {
	r := NewRunner(newTestDB(t), config.IngestConfig{Workers: 1, QueueSize: 1})
	ctx := context.Background()

	if _, err := r.Enqueue(ctx, "acme", models.JobScrape, "https://a.example.com"); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if _, err := r.Enqueue(ctx, "acme", models.JobScrape, "https://b.example.com"); !errors.Is(err, ErrQueueFull) {
		t.Fatalf("expected ErrQueueFull, got %v", err)
	}
	// The rejected job leaves no row behind.
	var count int
	if err := r.db.QueryRow(`SELECT COUNT(*) FROM ingestion_jobs`).Scan(&count); err != nil {
		t.Fatalf("count jobs: %v", err)
	}
	if count != 1 {
		t.Fatalf("expected 1 job row, got %d", count)
	}
}

func TestRecordUpdateTerminalJobImmutable(t *testing.T) {
	r := NewRunner(newTestDB(t), config.IngestConfig{Workers: 1})
	ctx := context.Background()

	job, err := r.Enqueue(ctx, "acme", models.JobDocument, "/tmp/doc.md")
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	updated, err := r.RecordUpdate(ctx, job.ID, models.JobSucceeded, 3, "")
	if err != nil {
		t.Fatalf("record update: %v", err)
	}
	if updated.Status != models.JobSucceeded || updated.Pages != 3 {
		t.Fatalf("unexpected update result: %+v", updated)
	}

	if _, err := r.RecordUpdate(ctx, job.ID, models.JobFailed, 0, "late"); !errors.Is(err, ErrJobTerminal) {
		t.Fatalf("expected ErrJobTerminal, got %v", err)
	}
	if _, err := r.RecordUpdate(ctx, "missing", models.JobRunning, 0, ""); !errors.Is(err, ErrJobNotFound) {
		t.Fatalf("expected ErrJobNotFound, got %v", err)
	}
}
