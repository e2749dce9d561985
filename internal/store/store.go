package store

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"

	"flowmint-engine/internal/models"
)

// Sentinel errors shared by every implementation.
var (
	// ErrNotFound is returned when a row does not exist.
	ErrNotFound = errors.New("not found")
	// ErrConflict is returned when a uniqueness constraint or a
	// conditional update loses a race. Callers treat it as contention,
	// not as a hard failure.
	ErrConflict = errors.New("conflict")
)

// IntentStore persists user intents.
type IntentStore interface {
	CreateIntent(ctx context.Context, intent *models.Intent) error
	GetIntent(ctx context.Context, id string) (models.Intent, error)
	// GetDueDCAIntents returns active DCA intents whose next execution
	// time is at or before now.
	GetDueDCAIntents(ctx context.Context, now time.Time) ([]models.Intent, error)
	// GetActiveConditionalIntents returns every active conditional
	// intent; these are evaluated against price on every tick.
	GetActiveConditionalIntents(ctx context.Context) ([]models.Intent, error)
	// UpdateIntent writes back mutable intent fields. The update only
	// applies while the row is still active; once an intent has reached
	// a terminal status the write is refused with ErrConflict, so a
	// stale in-memory copy can never resurrect it.
	UpdateIntent(ctx context.Context, intent *models.Intent) error
	// RecordIntentProgress persists execution bookkeeping regardless of
	// status. Used when a state transition loses to a concurrent
	// terminal transition but the executed amounts still need recording.
	RecordIntentProgress(ctx context.Context, id string, remaining decimal.Decimal, executionCount int, lastExecutionAt *time.Time) error
	ListIntentsByUser(ctx context.Context, userKey string) ([]models.Intent, error)
}

// JobLockStore persists job locks. The job_key column carries a unique
// constraint; InsertIfAbsent and TryReacquire resolve concurrent
// acquisition races through it.
type JobLockStore interface {
	// InsertIfAbsent inserts a new lock row, returning ErrConflict if a
	// row with the same job key already exists.
	InsertIfAbsent(ctx context.Context, lock models.JobLock) error
	// TryReacquire atomically flips a failed lock back to running and
	// bumps its attempt count, provided attempts is still below the
	// retry limit. ErrConflict means another process won the race or
	// the row was no longer in a failed state.
	TryReacquire(ctx context.Context, jobKey string, retryLimit int, startedAt time.Time) (models.JobLock, error)
	FindByKey(ctx context.Context, jobKey string) (models.JobLock, error)
	// UpdateStatus moves a lock to a terminal status with its result or
	// error and completion time.
	UpdateStatus(ctx context.Context, jobID, status string, result, lastErr *string, completedAt time.Time) error
	// FindStaleRunning returns running locks started before the cutoff.
	FindStaleRunning(ctx context.Context, startedBefore time.Time) ([]models.JobLock, error)
}

// ReceiptStore persists receipts and their attestation legs.
type ReceiptStore interface {
	CreateReceipt(ctx context.Context, r *models.Receipt) error
	GetReceipt(ctx context.Context, id string) (models.Receipt, error)
	UpdateReceipt(ctx context.Context, r *models.Receipt) error
	ListReceiptsByIntent(ctx context.Context, intentID string) ([]models.Receipt, error)
	AppendLeg(ctx context.Context, leg models.AttestationLeg) error
	GetLegs(ctx context.Context, receiptID string) ([]models.AttestationLeg, error)
	SetMerkleRoot(ctx context.Context, receiptID, root string) error
	GetMerkleRoot(ctx context.Context, receiptID string) (string, error)
}
