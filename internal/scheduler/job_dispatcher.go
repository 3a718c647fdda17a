package scheduler

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"go.flowcatalyst.tech/internal/common/metrics"
	"go.flowcatalyst.tech/internal/dispatch"
	"go.flowcatalyst.tech/internal/queue"
	"go.flowcatalyst.tech/internal/router/codec"
	"go.flowcatalyst.tech/internal/router/model"
)

// PublishRequest is the broker publication the job dispatcher produces.
type PublishRequest struct {
	MessageID       string
	MessageGroupID  string
	DeduplicationID string
	Body            []byte
}

// Publisher is the port the scheduler publishes pointers through.
type Publisher interface {
	Publish(ctx context.Context, req PublishRequest) error
}

// ErrDeduplicated signals the broker reported the message as a duplicate;
// the job is still considered queued.
var ErrDeduplicated = errors.New("message deduplicated by broker")

// JobDispatcher turns a dispatch job into a message pointer on the broker
// and transitions the job to QUEUED.
type JobDispatcher struct {
	repo      dispatch.Repository
	publisher Publisher

	processingEndpoint string
	defaultPoolCode    string
}

// NewJobDispatcher creates a job dispatcher.
func NewJobDispatcher(repo dispatch.Repository, publisher Publisher, processingEndpoint, defaultPoolCode string) *JobDispatcher {
	return &JobDispatcher{
		repo:               repo,
		publisher:          publisher,
		processingEndpoint: processingEndpoint,
		defaultPoolCode:    defaultPoolCode,
	}
}

// Dispatch publishes one job's pointer. Returns true when the job reached
// the broker (including broker-side deduplication); on failure the job is
// left PENDING for the next poll.
func (d *JobDispatcher) Dispatch(ctx context.Context, job *dispatch.Job) bool {
	poolCode := job.DispatchPoolID
	if poolCode == "" {
		poolCode = d.defaultPoolCode
	}

	pointer := &model.MessagePointer{
		ID:              job.ID,
		PoolCode:        poolCode,
		MessageGroupID:  job.EffectiveMessageGroup(),
		MediationType:   model.MediationTypeHTTP,
		MediationTarget: d.processingEndpoint,
	}

	body, err := codec.Encode(pointer)
	if err != nil {
		slog.Error("failed to encode message pointer", "error", err, "jobId", job.ID)
		return false
	}

	err = d.publisher.Publish(ctx, PublishRequest{
		MessageID:       job.ID,
		MessageGroupID:  pointer.MessageGroupID,
		DeduplicationID: job.ID,
		Body:            body,
	})
	if err != nil && !errors.Is(err, ErrDeduplicated) {
		slog.Error("failed to publish dispatch job", "error", err, "jobId", job.ID, "pool", poolCode)
		return false
	}

	markCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := d.repo.MarkQueued(markCtx, job.ID); err != nil {
		// The pointer is on the broker; the stale-QUEUED poller cannot help
		// a job stuck in PENDING, but broker-side dedup absorbs the re-send
		// from the next poll.
		slog.Error("failed to mark job QUEUED", "error", err, "jobId", job.ID)
	}

	metrics.SchedulerJobsScheduled.Inc()
	slog.Debug("dispatched job to broker", "jobId", job.ID, "pool", poolCode, "group", pointer.MessageGroupID)
	return true
}

// QueuePublisher adapts a queue.Publisher to the scheduler's Publisher port,
// using the richest publish variant the underlying broker supports.
type QueuePublisher struct {
	inner   queue.Publisher
	subject string
}

// NewQueuePublisher wraps a broker publisher. subject is the destination
// passed to brokers that address by subject.
func NewQueuePublisher(inner queue.Publisher, subject string) *QueuePublisher {
	return &QueuePublisher{inner: inner, subject: subject}
}

// groupedDedupPublisher is the optional richer publish surface a broker
// adapter may expose (group + dedup id in one call).
type groupedDedupPublisher interface {
	PublishGroupedWithDeduplication(ctx context.Context, data []byte, messageGroup, deduplicationID string) error
}

// Publish implements Publisher.
func (p *QueuePublisher) Publish(ctx context.Context, req PublishRequest) error {
	if gd, ok := p.inner.(groupedDedupPublisher); ok {
		return gd.PublishGroupedWithDeduplication(ctx, req.Body, req.MessageGroupID, req.DeduplicationID)
	}
	if req.MessageGroupID != "" && req.MessageGroupID != "default" {
		return p.inner.PublishWithGroup(ctx, p.subject, req.Body, req.MessageGroupID)
	}
	return p.inner.Publish(ctx, p.subject, req.Body)
}
