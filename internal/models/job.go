package models

import "time"

// JobKind names the kind of ingestion work a job performs.
type JobKind string

const (
	JobDocument JobKind = "document"
	JobScrape   JobKind = "scrape"
)

// JobStatus tracks an ingestion job through its lifecycle. Succeeded and
// failed are terminal.
type JobStatus string

const (
	JobQueued    JobStatus = "queued"
	JobRunning   JobStatus = "running"
	JobSucceeded JobStatus = "succeeded"
	JobFailed    JobStatus = "failed"
)

// IngestionJob is an asynchronous unit of work processing a document or URL
// into knowledge-base content. Completion is reported via webhook, not polled.
type IngestionJob struct {
	ID        string    `json:"job_id"`
	TenantID  string    `json:"tenant_id"`
	Kind      JobKind   `json:"kind"`
	Source    string    `json:"source"`
	Status    JobStatus `json:"status"`
	Retries   int       `json:"retries"`
	Pages     int       `json:"pages"`
	Error     string    `json:"error,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Terminal reports whether the job has reached a final state.
func (j *IngestionJob) Terminal() bool {
	return j != nil && (j.Status == JobSucceeded || j.Status == JobFailed)
}
