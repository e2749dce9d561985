package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"flowmint-engine/internal/models"
)

// Memory is a mutex-guarded in-memory implementation of every store
// interface. It mirrors the Postgres semantics, including the job_key
// uniqueness guarantee, and backs unit tests and local development.
type Memory struct {
	mu          sync.Mutex
	intents     map[string]models.Intent
	locks       map[string]models.JobLock // keyed by job_key
	receipts    map[string]models.Receipt
	legs        map[string][]models.AttestationLeg
	merkleRoots map[string]string
}

var (
	_ IntentStore  = (*Memory)(nil)
	_ JobLockStore = (*Memory)(nil)
	_ ReceiptStore = (*Memory)(nil)
)

func NewMemory() *Memory {
	return &Memory{
		intents:     make(map[string]models.Intent),
		locks:       make(map[string]models.JobLock),
		receipts:    make(map[string]models.Receipt),
		legs:        make(map[string][]models.AttestationLeg),
		merkleRoots: make(map[string]string),
	}
}

func (m *Memory) CreateIntent(_ context.Context, intent *models.Intent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.intents[intent.ID]; exists {
		return ErrConflict
	}
	now := time.Now().UTC()
	intent.CreatedAt = now
	intent.UpdatedAt = now
	m.intents[intent.ID] = *intent
	return nil
}

func (m *Memory) GetIntent(_ context.Context, id string) (models.Intent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	intent, ok := m.intents[id]
	if !ok {
		return models.Intent{}, ErrNotFound
	}
	return intent, nil
}

func (m *Memory) GetDueDCAIntents(_ context.Context, now time.Time) ([]models.Intent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.Intent
	for _, intent := range m.intents {
		if intent.Status == models.IntentStatusActive && intent.Kind == models.KindDCA &&
			!intent.NextExecutionAt.After(now) {
			out = append(out, intent)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].NextExecutionAt.Before(out[j].NextExecutionAt) })
	return out, nil
}

func (m *Memory) GetActiveConditionalIntents(_ context.Context) ([]models.Intent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.Intent
	for _, intent := range m.intents {
		if intent.Status == models.IntentStatusActive && intent.Kind == models.KindStopLoss {
			out = append(out, intent)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (m *Memory) UpdateIntent(_ context.Context, intent *models.Intent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.intents[intent.ID]
	if !ok {
		return ErrNotFound
	}
	if cur.Status != models.IntentStatusActive {
		return ErrConflict
	}
	intent.UpdatedAt = time.Now().UTC()
	m.intents[intent.ID] = *intent
	return nil
}

func (m *Memory) RecordIntentProgress(_ context.Context, id string, remaining decimal.Decimal, executionCount int, lastExecutionAt *time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	intent, ok := m.intents[id]
	if !ok {
		return ErrNotFound
	}
	intent.RemainingAmount = remaining
	intent.ExecutionCount = executionCount
	intent.LastExecutionAt = lastExecutionAt
	intent.UpdatedAt = time.Now().UTC()
	m.intents[id] = intent
	return nil
}

func (m *Memory) ListIntentsByUser(_ context.Context, userKey string) ([]models.Intent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.Intent
	for _, intent := range m.intents {
		if intent.UserKey == userKey {
			out = append(out, intent)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func (m *Memory) InsertIfAbsent(_ context.Context, lock models.JobLock) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.locks[lock.JobKey]; exists {
		return ErrConflict
	}
	m.locks[lock.JobKey] = lock
	return nil
}

func (m *Memory) TryReacquire(_ context.Context, jobKey string, retryLimit int, startedAt time.Time) (models.JobLock, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	lock, ok := m.locks[jobKey]
	if !ok || lock.Status != models.JobStatusFailed || lock.Attempts >= retryLimit {
		return models.JobLock{}, ErrConflict
	}
	lock.Status = models.JobStatusRunning
	lock.Attempts++
	lock.StartedAt = startedAt
	lock.CompletedAt = nil
	lock.Result = nil
	lock.LastError = nil
	m.locks[jobKey] = lock
	return lock, nil
}

func (m *Memory) FindByKey(_ context.Context, jobKey string) (models.JobLock, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	lock, ok := m.locks[jobKey]
	if !ok {
		return models.JobLock{}, ErrNotFound
	}
	return lock, nil
}

func (m *Memory) UpdateStatus(_ context.Context, jobID, status string, result, lastErr *string, completedAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for key, lock := range m.locks {
		if lock.ID == jobID {
			lock.Status = status
			lock.Result = result
			lock.LastError = lastErr
			lock.CompletedAt = &completedAt
			m.locks[key] = lock
			return nil
		}
	}
	return ErrNotFound
}

func (m *Memory) FindStaleRunning(_ context.Context, startedBefore time.Time) ([]models.JobLock, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.JobLock
	for _, lock := range m.locks {
		if lock.Status == models.JobStatusRunning && lock.StartedAt.Before(startedBefore) {
			out = append(out, lock)
		}
	}
	return out, nil
}

func (m *Memory) CreateReceipt(_ context.Context, r *models.Receipt) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.receipts[r.ID]; exists {
		return ErrConflict
	}
	now := time.Now().UTC()
	r.CreatedAt = now
	r.UpdatedAt = now
	m.receipts[r.ID] = *r
	return nil
}

func (m *Memory) GetReceipt(_ context.Context, id string) (models.Receipt, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.receipts[id]
	if !ok {
		return models.Receipt{}, ErrNotFound
	}
	return r, nil
}

func (m *Memory) UpdateReceipt(_ context.Context, r *models.Receipt) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.receipts[r.ID]; !ok {
		return ErrNotFound
	}
	r.UpdatedAt = time.Now().UTC()
	m.receipts[r.ID] = *r
	return nil
}

func (m *Memory) ListReceiptsByIntent(_ context.Context, intentID string) ([]models.Receipt, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.Receipt
	for _, r := range m.receipts {
		if r.IntentID == intentID {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (m *Memory) AppendLeg(_ context.Context, leg models.AttestationLeg) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.legs[leg.ReceiptID] = append(m.legs[leg.ReceiptID], leg)
	return nil
}

func (m *Memory) GetLegs(_ context.Context, receiptID string) ([]models.AttestationLeg, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	legs := make([]models.AttestationLeg, len(m.legs[receiptID]))
	copy(legs, m.legs[receiptID])
	sort.Slice(legs, func(i, j int) bool { return legs[i].LegIndex < legs[j].LegIndex })
	return legs, nil
}

func (m *Memory) SetMerkleRoot(_ context.Context, receiptID, root string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.merkleRoots[receiptID] = root
	return nil
}

func (m *Memory) GetMerkleRoot(_ context.Context, receiptID string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.receipts[receiptID]; !ok {
		return "", ErrNotFound
	}
	return m.merkleRoots[receiptID], nil
}
