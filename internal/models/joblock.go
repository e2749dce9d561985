package models

import (
	"fmt"
	"time"
)

// JobLockStatus enumerates lifecycle states of a lock row.
const (
	JobStatusRunning   = "running"
	JobStatusCompleted = "completed"
	JobStatusFailed    = "failed"
	JobStatusSkipped   = "skipped"
)

// JobLock is the unit of idempotency: one row per (intent, scheduling
// window). The backing store enforces uniqueness on JobKey, which is
// what guarantees at-most-one successful execution per window even with
// multiple scheduler processes.
type JobLock struct {
	ID          string     `json:"id"`
	JobKey      string     `json:"job_key"`
	IntentID    string     `json:"intent_id"`
	Status      string     `json:"status"`
	Attempts    int        `json:"attempts"`
	ScheduledAt time.Time  `json:"scheduled_at"`
	StartedAt   time.Time  `json:"started_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	Result      *string    `json:"result,omitempty"`
	LastError   *string    `json:"last_error,omitempty"`
}

// JobKeyFor derives the deterministic lock key for an intent and a
// scheduling instant, flooring the instant to a fixed window so that
// every tick inside the same window maps to the same key.
func JobKeyFor(intentID string, scheduledAt time.Time, window time.Duration) string {
	bucket := scheduledAt.UnixMilli() / window.Milliseconds() * window.Milliseconds()
	return fmt.Sprintf("%s:%d", intentID, bucket)
}
