package dispatch

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// mongoRepository provides MongoDB access to dispatch job data
type mongoRepository struct {
	jobs *mongo.Collection
}

// NewRepository creates a new dispatch job repository with instrumentation
func NewRepository(db *mongo.Database) Repository {
	return newInstrumentedRepository(&mongoRepository{
		jobs: db.Collection("dispatch_jobs"),
	})
}

func newJobID() string {
	// UUIDv7 keeps ids lexicographically sortable by creation time.
	return uuid.Must(uuid.NewV7()).String()
}

// FindByID finds a dispatch job by ID
func (r *mongoRepository) FindByID(ctx context.Context, id string) (*Job, error) {
	var job Job
	err := r.jobs.FindOne(ctx, bson.M{"_id": id}).Decode(&job)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &job, nil
}

// FindPending finds pending jobs ready for dispatch, oldest first
func (r *mongoRepository) FindPending(ctx context.Context, limit int64) ([]*Job, error) {
	filter := bson.M{
		"status": StatusPending,
		"$or": []bson.M{
			{"scheduledFor": bson.M{"$exists": false}},
			{"scheduledFor": bson.M{"$lte": time.Now()}},
		},
	}

	opts := options.Find().
		SetLimit(limit).
		SetSort(bson.D{{Key: "createdAt", Value: 1}})

	cursor, err := r.jobs.Find(ctx, filter, opts)
	if err != nil {
		return nil, err
	}
	defer cursor.Close(ctx)

	var jobs []*Job
	if err := cursor.All(ctx, &jobs); err != nil {
		return nil, err
	}
	return jobs, nil
}

// FindStaleQueued finds jobs stuck in QUEUED longer than threshold
func (r *mongoRepository) FindStaleQueued(ctx context.Context, threshold time.Duration) ([]*Job, error) {
	staleTime := time.Now().Add(-threshold)

	filter := bson.M{
		"status":    StatusQueued,
		"updatedAt": bson.M{"$lt": staleTime},
	}

	cursor, err := r.jobs.Find(ctx, filter)
	if err != nil {
		return nil, err
	}
	defer cursor.Close(ctx)

	var jobs []*Job
	if err := cursor.All(ctx, &jobs); err != nil {
		return nil, err
	}
	return jobs, nil
}

// Insert creates a new dispatch job
func (r *mongoRepository) Insert(ctx context.Context, job *Job) error {
	if job.ID == "" {
		job.ID = newJobID()
	}
	now := time.Now()
	job.CreatedAt = now
	job.UpdatedAt = now

	if job.Status == "" {
		job.Status = StatusPending
	}

	_, err := r.jobs.InsertOne(ctx, job)
	if mongo.IsDuplicateKeyError(err) {
		return ErrDuplicateJob
	}
	return err
}

// Update replaces an existing dispatch job
func (r *mongoRepository) Update(ctx context.Context, job *Job) error {
	job.UpdatedAt = time.Now()

	result, err := r.jobs.ReplaceOne(ctx, bson.M{"_id": job.ID}, job)
	if err != nil {
		return err
	}
	if result.MatchedCount == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *mongoRepository) updateStatus(ctx context.Context, id string, status Status, extra bson.M) error {
	set := bson.M{
		"status":    status,
		"updatedAt": time.Now(),
	}
	for k, v := range extra {
		set[k] = v
	}

	result, err := r.jobs.UpdateOne(ctx, bson.M{"_id": id}, bson.M{"$set": set})
	if err != nil {
		return err
	}
	if result.MatchedCount == 0 {
		return ErrNotFound
	}
	return nil
}

// MarkQueued marks a job as queued
func (r *mongoRepository) MarkQueued(ctx context.Context, id string) error {
	return r.updateStatus(ctx, id, StatusQueued, nil)
}

// MarkInProgress marks a job as in progress
func (r *mongoRepository) MarkInProgress(ctx context.Context, id string) error {
	return r.updateStatus(ctx, id, StatusInProgress, nil)
}

// MarkCompleted marks a job as completed
func (r *mongoRepository) MarkCompleted(ctx context.Context, id string, durationMillis int64) error {
	return r.updateStatus(ctx, id, StatusCompleted, bson.M{
		"completedAt":    time.Now(),
		"durationMillis": durationMillis,
	})
}

// MarkError marks a job as errored, recording the failure
func (r *mongoRepository) MarkError(ctx context.Context, id string, errorMsg string) error {
	return r.updateStatus(ctx, id, StatusError, bson.M{
		"lastError": errorMsg,
	})
}

// Cancel marks a job as cancelled
func (r *mongoRepository) Cancel(ctx context.Context, id string) error {
	return r.updateStatus(ctx, id, StatusCancelled, nil)
}

// ResetToPending returns a job to PENDING for retry
func (r *mongoRepository) ResetToPending(ctx context.Context, id string, scheduledFor time.Time) error {
	return r.updateStatus(ctx, id, StatusPending, bson.M{
		"scheduledFor": scheduledFor,
	})
}

// RecordAttempt appends a delivery attempt and bumps the attempt count
func (r *mongoRepository) RecordAttempt(ctx context.Context, id string, attempt Attempt) error {
	if attempt.ID == "" {
		attempt.ID = newJobID()
	}
	now := time.Now()
	attempt.CreatedAt = now

	update := bson.M{
		"$push": bson.M{"attempts": attempt},
		"$set": bson.M{
			"lastAttemptAt": attempt.AttemptedAt,
			"updatedAt":     now,
		},
		"$inc": bson.M{"attemptCount": 1},
	}

	result, err := r.jobs.UpdateOne(ctx, bson.M{"_id": id}, update)
	if err != nil {
		return err
	}
	if result.MatchedCount == 0 {
		return ErrNotFound
	}
	return nil
}

// CountByStatus counts jobs by status
func (r *mongoRepository) CountByStatus(ctx context.Context, status Status) (int64, error) {
	return r.jobs.CountDocuments(ctx, bson.M{"status": status})
}

// HasErrorJobsInGroup returns true if the group has ERROR jobs whose mode
// halts the group
func (r *mongoRepository) HasErrorJobsInGroup(ctx context.Context, messageGroup string) (bool, error) {
	count, err := r.jobs.CountDocuments(ctx, bson.M{
		"messageGroup": messageGroup,
		"status":       StatusError,
		"mode":         ModeBlockOnError,
	})
	if err != nil {
		return false, err
	}
	return count > 0, nil
}

// GetBlockedMessageGroups returns which of the given groups have ERROR jobs
// whose mode is BLOCK_ON_ERROR
func (r *mongoRepository) GetBlockedMessageGroups(ctx context.Context, groups []string) (map[string]bool, error) {
	if len(groups) == 0 {
		return map[string]bool{}, nil
	}

	pipeline := []bson.M{
		{
			"$match": bson.M{
				"messageGroup": bson.M{"$in": groups},
				"status":       StatusError,
				"mode":         ModeBlockOnError,
			},
		},
		{
			"$group": bson.M{
				"_id": "$messageGroup",
			},
		},
	}

	cursor, err := r.jobs.Aggregate(ctx, pipeline)
	if err != nil {
		return nil, err
	}
	defer cursor.Close(ctx)

	blocked := make(map[string]bool)
	for cursor.Next(ctx) {
		var result struct {
			ID string `bson:"_id"`
		}
		if err := cursor.Decode(&result); err != nil {
			continue
		}
		blocked[result.ID] = true
	}

	return blocked, cursor.Err()
}

// Delete removes a dispatch job
func (r *mongoRepository) Delete(ctx context.Context, id string) error {
	result, err := r.jobs.DeleteOne(ctx, bson.M{"_id": id})
	if err != nil {
		return err
	}
	if result.DeletedCount == 0 {
		return ErrNotFound
	}
	return nil
}
