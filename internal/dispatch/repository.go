package dispatch

import (
	"context"
	"errors"
	"time"
)

var (
	ErrNotFound     = errors.New("not found")
	ErrDuplicateJob = errors.New("duplicate job")
)

// Repository is the typed port the scheduler consumes dispatch jobs through.
// The persistence behind it is external; this module carries one conforming
// MongoDB adapter.
type Repository interface {
	FindByID(ctx context.Context, id string) (*Job, error)

	// FindPending returns jobs with status PENDING whose scheduledFor has
	// lapsed, ordered by createdAt, up to limit.
	FindPending(ctx context.Context, limit int64) ([]*Job, error)

	// FindStaleQueued returns jobs stuck in QUEUED longer than threshold
	// with no IN_PROGRESS transition.
	FindStaleQueued(ctx context.Context, threshold time.Duration) ([]*Job, error)

	Insert(ctx context.Context, job *Job) error
	Update(ctx context.Context, job *Job) error

	MarkQueued(ctx context.Context, id string) error
	MarkInProgress(ctx context.Context, id string) error
	MarkCompleted(ctx context.Context, id string, durationMillis int64) error
	MarkError(ctx context.Context, id string, errorMsg string) error
	Cancel(ctx context.Context, id string) error

	// ResetToPending returns a QUEUED or ERROR job to PENDING for retry.
	ResetToPending(ctx context.Context, id string, scheduledFor time.Time) error

	RecordAttempt(ctx context.Context, id string, attempt Attempt) error

	CountByStatus(ctx context.Context, status Status) (int64, error)

	// HasErrorJobsInGroup reports whether messageGroup has any job in
	// ERROR state whose mode is BLOCK_ON_ERROR; used by BLOCK_ON_ERROR
	// checking.
	HasErrorJobsInGroup(ctx context.Context, messageGroup string) (bool, error)

	// GetBlockedMessageGroups returns which of the given groups have ERROR
	// jobs whose mode is BLOCK_ON_ERROR, in one round trip.
	GetBlockedMessageGroups(ctx context.Context, groups []string) (map[string]bool, error)

	Delete(ctx context.Context, id string) error
}
