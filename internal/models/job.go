package models

import (
	"encoding/json"
	"time"
)

// Priority orders queue drain: critical first, low last.
type Priority string

const (
	PriorityCritical Priority = "critical"
	PriorityHigh     Priority = "high"
	PriorityNormal   Priority = "normal"
	PriorityLow      Priority = "low"
)

// Rank maps a priority to its drain order; lower drains first.
func (p Priority) Rank() int {
	switch p {
	case PriorityCritical:
		return 0
	case PriorityHigh:
		return 1
	case PriorityNormal:
		return 2
	default:
		return 3
	}
}

// JobState is the lifecycle state of a queued job.
type JobState string

const (
	JobEnqueued JobState = "enqueued"
	JobStarted  JobState = "started"
	JobOK       JobState = "ok"
	JobFailed   JobState = "failed"
	JobRetry    JobState = "retry"
	JobDLQ      JobState = "dlq"
)

// Terminal reports whether the state ends the job's lifecycle.
func (s JobState) Terminal() bool {
	return s == JobOK || s == JobFailed || s == JobDLQ
}

// Job is a unit of deferred work. For any idempotency key at most one job is
// in a non-terminal state at any time.
type Job struct {
	ID             string          `json:"id"`
	Kind           string          `json:"kind"`
	Payload        json.RawMessage `json:"payload"`
	Priority       Priority        `json:"priority"`
	IdempotencyKey string          `json:"idempotencyKey,omitempty"`
	Attempts       int             `json:"attempts"`
	NextVisibleAt  time.Time       `json:"nextVisibleAt"`
	State          JobState        `json:"state"`
	LastError      string          `json:"lastError,omitempty"`
	CreatedAt      time.Time       `json:"createdAt"`
}
