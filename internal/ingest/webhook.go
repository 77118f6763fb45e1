package ingest

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"agenthub/internal/models"
)

// Notifier posts terminal job states to the configured completion webhook.
// With no URL configured it is a no-op.
type Notifier struct {
	client *http.Client
	url    string
}

func NewNotifier(url string) *Notifier {
	return &Notifier{
		client: &http.Client{Timeout: 15 * time.Second},
		url:    url,
	}
}

type completionPayload struct {
	JobID  string           `json:"job_id"`
	Kind   models.JobKind   `json:"kind"`
	Source string           `json:"source"`
	Status models.JobStatus `json:"status"`
	Pages  int              `json:"pages,omitempty"`
	Error  string           `json:"error,omitempty"`
}

// Notify delivers the completion payload. Callers invoke it once per
// terminal job.
func (n *Notifier) Notify(ctx context.Context, job *models.IngestionJob) error {
	if n == nil || n.url == "" {
		return nil
	}
	body, err := json.Marshal(completionPayload{
		JobID:  job.ID,
		Kind:   job.Kind,
		Source: job.Source,
		Status: job.Status,
		Pages:  job.Pages,
		Error:  job.Error,
	})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("webhook returned status %d", resp.StatusCode)
	}
	return nil
}
