// Package queue carries image-sync jobs from remote discovery to the worker.
// RabbitMQ is used when AMQP_URL is configured; otherwise jobs run inline.
package queue

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/providentiaww/ptdatax-ingest/internal/errs"
	"github.com/providentiaww/ptdatax-ingest/internal/metrics"
	"github.com/providentiaww/ptdatax-ingest/pkg/logging"
)

// ImageSyncJob asks the worker to download a flight's images for a
// project.
type ImageSyncJob struct {
	ProjectID   string    `json:"project_id"`
	UserID      string    `json:"user_id"`
	ClientID    string    `json:"client_id"`
	SystemID    string    `json:"system_id"`
	ImagesPath  string    `json:"images_path"`
	RequestedAt time.Time `json:"requested_at"`
}

func (j ImageSyncJob) validate() error {
	if j.ProjectID == "" || j.UserID == "" || j.ClientID == "" {
		return errs.Validation("queue.ImageSyncJob", "project_id, user_id and client_id are required")
	}
	return nil
}

// Handler executes one job.
type Handler func(ctx context.Context, job ImageSyncJob) error

// Publisher enqueues jobs. Publishing is fire-and-forget for callers.
type Publisher interface {
	Publish(ctx context.Context, job ImageSyncJob) error
}

func decodeJob(body []byte) (ImageSyncJob, error) {
	var job ImageSyncJob
	if err := json.Unmarshal(body, &job); err != nil {
		return job, errs.Validation("queue.decode", "malformed job: %v", err)
	}
	return job, job.validate()
}

// Inline runs jobs in background goroutines of the current process.
type Inline struct {
	handler Handler
	wg      sync.WaitGroup
}

func NewInline(h Handler) *Inline {
	return &Inline{handler: h}
}

func (q *Inline) Publish(ctx context.Context, job ImageSyncJob) error {
	if err := job.validate(); err != nil {
		return err
	}
	q.wg.Add(1)
	go func() {
		defer q.wg.Done()
		runJob(context.WithoutCancel(ctx), q.handler, job)
	}()
	return nil
}

// Wait blocks until all published jobs have finished.
func (q *Inline) Wait() {
	q.wg.Wait()
}

func runJob(ctx context.Context, h Handler, job ImageSyncJob) error {
	err := h(ctx, job)
	if err != nil {
		metrics.ImageSyncJobs.WithLabelValues("failed").Inc()
		logging.Error("Queue", err, "image sync for project %s failed", job.ProjectID)
		return err
	}
	metrics.ImageSyncJobs.WithLabelValues("succeeded").Inc()
	return nil
}

// Discard drops every job. Used when image sync is disabled.
type Discard struct{}

func (Discard) Publish(_ context.Context, job ImageSyncJob) error {
	logging.Debug("Queue", "image sync disabled, dropping job for project %s", job.ProjectID)
	return nil
}

