package staging

import "time"

// Kind distinguishes the credit-metered generation operations.
type Kind string

const (
	KindStageImage    Kind = "stage_image"
	KindGenerateVideo Kind = "generate_video"
)

// Status is the terminal state of a job record. Jobs are only persisted once
// the external generation call has finished, so there is no pending state.
type Status string

const (
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
)

// Job records one generation attempt and its accounting outcome.
type Job struct {
	ID          string
	AccountID   string
	Kind        Kind
	Style       string
	Seed        int64 // 0 means no deterministic seed was requested
	SourceKey   string
	ResultKey   string
	ResultURL   string
	Credits     int64 // credits deducted for this job (refunded if Status is failed)
	Refunded    bool
	Status      Status
	Error       string
	CreatedAt   time.Time
	CompletedAt time.Time
}
