// Package dispatch holds the dispatch job domain: the persisted work items
// the scheduler materializes into message pointers, the typed repository
// port they are consumed through, and the webhook signing used on delivery.
package dispatch

import (
	"time"
)

// Status defines the lifecycle state of a dispatch job.
type Status string

const (
	StatusPending    Status = "PENDING"
	StatusQueued     Status = "QUEUED"
	StatusInProgress Status = "IN_PROGRESS"
	StatusCompleted  Status = "COMPLETED"
	StatusError      Status = "ERROR"
	StatusCancelled  Status = "CANCELLED"
)

// Mode defines how a job's message group reacts to failures.
type Mode string

const (
	// ModeImmediate bypasses the group serializer entirely.
	ModeImmediate Mode = "IMMEDIATE"
	// ModeNextOnError serializes the group; a failed job is terminal but
	// the group advances.
	ModeNextOnError Mode = "NEXT_ON_ERROR"
	// ModeBlockOnError serializes the group; a failed job halts all later
	// jobs in the group until an operator intervenes.
	ModeBlockOnError Mode = "BLOCK_ON_ERROR"
)

// DefaultSequence orders jobs that carry no explicit sequence after all
// explicitly sequenced ones.
const DefaultSequence = 99

// AttemptStatus classifies a single delivery attempt.
type AttemptStatus string

const (
	AttemptStatusSuccess         AttemptStatus = "SUCCESS"
	AttemptStatusClientError     AttemptStatus = "CLIENT_ERROR"
	AttemptStatusServerError     AttemptStatus = "SERVER_ERROR"
	AttemptStatusTimeout         AttemptStatus = "TIMEOUT"
	AttemptStatusConnectionError AttemptStatus = "CONNECTION_ERROR"
)

// Job is a persisted dispatch work item.
// Collection: dispatch_jobs
type Job struct {
	ID                 string            `bson:"_id" json:"id"`
	Source             string            `bson:"source,omitempty" json:"source,omitempty"`
	EventID            string            `bson:"eventId,omitempty" json:"eventId,omitempty"`
	SubscriptionID     string            `bson:"subscriptionId,omitempty" json:"subscriptionId,omitempty"`
	TargetURL          string            `bson:"targetUrl" json:"targetUrl"`
	Headers            map[string]string `bson:"headers,omitempty" json:"headers,omitempty"`
	Payload            string            `bson:"payload" json:"payload"`
	PayloadContentType string            `bson:"payloadContentType,omitempty" json:"payloadContentType,omitempty"`
	DispatchPoolID     string            `bson:"dispatchPoolId,omitempty" json:"dispatchPoolId,omitempty"`
	MessageGroup       string            `bson:"messageGroup,omitempty" json:"messageGroup,omitempty"`
	Sequence           int               `bson:"sequence,omitempty" json:"sequence,omitempty"`
	Mode               Mode              `bson:"mode,omitempty" json:"mode,omitempty"`
	TimeoutSeconds     int               `bson:"timeoutSeconds,omitempty" json:"timeoutSeconds,omitempty"`
	Status             Status            `bson:"status" json:"status"`
	MaxRetries         int               `bson:"maxRetries" json:"maxRetries"`
	ScheduledFor       time.Time         `bson:"scheduledFor,omitempty" json:"scheduledFor,omitempty"`
	AttemptCount       int               `bson:"attemptCount" json:"attemptCount"`
	LastAttemptAt      time.Time         `bson:"lastAttemptAt,omitempty" json:"lastAttemptAt,omitempty"`
	CompletedAt        time.Time         `bson:"completedAt,omitempty" json:"completedAt,omitempty"`
	DurationMillis     int64             `bson:"durationMillis,omitempty" json:"durationMillis,omitempty"`
	LastError          string            `bson:"lastError,omitempty" json:"lastError,omitempty"`
	Attempts           []Attempt         `bson:"attempts,omitempty" json:"attempts,omitempty"`
	CreatedAt          time.Time         `bson:"createdAt" json:"createdAt"`
	UpdatedAt          time.Time         `bson:"updatedAt" json:"updatedAt"`
}

// Attempt records a single delivery attempt.
type Attempt struct {
	ID             string        `bson:"id" json:"id"`
	AttemptNumber  int           `bson:"attemptNumber" json:"attemptNumber"`
	AttemptedAt    time.Time     `bson:"attemptedAt" json:"attemptedAt"`
	CompletedAt    time.Time     `bson:"completedAt,omitempty" json:"completedAt,omitempty"`
	DurationMillis int64         `bson:"durationMillis,omitempty" json:"durationMillis,omitempty"`
	Status         AttemptStatus `bson:"status" json:"status"`
	ResponseCode   int           `bson:"responseCode,omitempty" json:"responseCode,omitempty"`
	ErrorMessage   string        `bson:"errorMessage,omitempty" json:"errorMessage,omitempty"`
	CreatedAt      time.Time     `bson:"createdAt" json:"createdAt"`
}

// EffectiveSequence returns the job's sequence, DefaultSequence when unset.
func (j *Job) EffectiveSequence() int {
	if j.Sequence <= 0 {
		return DefaultSequence
	}
	return j.Sequence
}

// EffectiveMessageGroup returns the job's ordering key, "default" when unset.
func (j *Job) EffectiveMessageGroup() string {
	if j.MessageGroup == "" {
		return "default"
	}
	return j.MessageGroup
}

// IsTerminal reports whether the job is in a terminal state.
func (j *Job) IsTerminal() bool {
	return j.Status == StatusCompleted || j.Status == StatusError || j.Status == StatusCancelled
}

// CanRetry reports whether the job has retry budget left.
func (j *Job) CanRetry() bool {
	return j.AttemptCount < j.MaxRetries && !j.IsTerminal()
}

// IsBlockOnError reports whether the job halts its group on terminal error.
func (j *Job) IsBlockOnError() bool {
	return j.Mode == ModeBlockOnError
}
