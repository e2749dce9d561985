package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"flowmint-engine/internal/models"
)

// Postgres implements every store interface on a pgx pool.
type Postgres struct {
	pool *pgxpool.Pool
}

var (
	_ IntentStore  = (*Postgres)(nil)
	_ JobLockStore = (*Postgres)(nil)
	_ ReceiptStore = (*Postgres)(nil)
)

// NewPostgres creates a pooled connection to Postgres.
func NewPostgres(ctx context.Context, dsn string) (*Postgres, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &Postgres{pool: pool}, nil
}

func (s *Postgres) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

const intentColumns = `id, user_key, kind, token_from, token_to,
	total_amount::text, remaining_amount::text, slippage_bps,
	interval_seconds, amount_per_slice::text, next_execution_at,
	price_threshold::text, price_direction, price_feed_id,
	status, execution_count, last_execution_at, failure_reason,
	created_at, updated_at`

// CreateIntent inserts a new intent row.
func (s *Postgres) CreateIntent(ctx context.Context, intent *models.Intent) error {
	now := time.Now().UTC()
	intent.CreatedAt = now
	intent.UpdatedAt = now
	_, err := s.pool.Exec(ctx, `
		INSERT INTO intents (id, user_key, kind, token_from, token_to,
			total_amount, remaining_amount, slippage_bps,
			interval_seconds, amount_per_slice, next_execution_at,
			price_threshold, price_direction, price_feed_id,
			status, execution_count, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $17)
	`, intent.ID, intent.UserKey, intent.Kind, intent.TokenFrom, intent.TokenTo,
		intent.TotalAmount.String(), intent.RemainingAmount.String(), intent.SlippageBps,
		intent.IntervalSeconds, intent.AmountPerSlice.String(), intent.NextExecutionAt,
		intent.PriceThreshold.String(), intent.PriceDirection, intent.PriceFeedID,
		intent.Status, intent.ExecutionCount, now)
	if err != nil {
		return fmt.Errorf("insert intent: %w", err)
	}
	return nil
}

// GetIntent fetches an intent by id.
func (s *Postgres) GetIntent(ctx context.Context, id string) (models.Intent, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+intentColumns+` FROM intents WHERE id = $1`, id)
	return scanIntent(row)
}

// GetDueDCAIntents returns active DCA intents due at or before now.
func (s *Postgres) GetDueDCAIntents(ctx context.Context, now time.Time) ([]models.Intent, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+intentColumns+` FROM intents
		WHERE status = $1 AND kind = $2 AND next_execution_at <= $3
		ORDER BY next_execution_at
	`, models.IntentStatusActive, models.KindDCA, now)
	if err != nil {
		return nil, fmt.Errorf("query due dca intents: %w", err)
	}
	defer rows.Close()
	return scanIntents(rows)
}

// GetActiveConditionalIntents returns every active stop-loss intent.
func (s *Postgres) GetActiveConditionalIntents(ctx context.Context) ([]models.Intent, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+intentColumns+` FROM intents
		WHERE status = $1 AND kind = $2
		ORDER BY created_at
	`, models.IntentStatusActive, models.KindStopLoss)
	if err != nil {
		return nil, fmt.Errorf("query conditional intents: %w", err)
	}
	defer rows.Close()
	return scanIntents(rows)
}

// UpdateIntent writes back mutable intent fields. The WHERE clause only
// matches active rows, so a writer holding a stale copy cannot overwrite
// a terminal status; the lost race surfaces as ErrConflict through
// RowsAffected, same as the job lock reacquire path.
func (s *Postgres) UpdateIntent(ctx context.Context, intent *models.Intent) error {
	intent.UpdatedAt = time.Now().UTC()
	tag, err := s.pool.Exec(ctx, `
		UPDATE intents
		SET remaining_amount = $2, next_execution_at = $3, status = $4,
			execution_count = $5, last_execution_at = $6, failure_reason = $7,
			updated_at = $8
		WHERE id = $1 AND status = $9
	`, intent.ID, intent.RemainingAmount.String(), intent.NextExecutionAt, intent.Status,
		intent.ExecutionCount, intent.LastExecutionAt, intent.FailureReason, intent.UpdatedAt,
		models.IntentStatusActive)
	if err != nil {
		return fmt.Errorf("update intent: %w", err)
	}
	if tag.RowsAffected() == 0 {
		if _, err := s.GetIntent(ctx, intent.ID); errors.Is(err, ErrNotFound) {
			return ErrNotFound
		}
		return ErrConflict
	}
	return nil
}

// RecordIntentProgress updates execution bookkeeping without touching
// the status or schedule columns, so it is safe against terminal rows.
func (s *Postgres) RecordIntentProgress(ctx context.Context, id string, remaining decimal.Decimal, executionCount int, lastExecutionAt *time.Time) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE intents
		SET remaining_amount = $2, execution_count = $3, last_execution_at = $4, updated_at = $5
		WHERE id = $1
	`, id, remaining.String(), executionCount, lastExecutionAt, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("record intent progress: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// ListIntentsByUser returns all intents owned by a user key.
func (s *Postgres) ListIntentsByUser(ctx context.Context, userKey string) ([]models.Intent, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+intentColumns+` FROM intents WHERE user_key = $1 ORDER BY created_at DESC
	`, userKey)
	if err != nil {
		return nil, fmt.Errorf("query user intents: %w", err)
	}
	defer rows.Close()
	return scanIntents(rows)
}

func scanIntents(rows pgx.Rows) ([]models.Intent, error) {
	var out []models.Intent
	for rows.Next() {
		intent, err := scanIntent(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, intent)
	}
	return out, rows.Err()
}

func scanIntent(row pgx.Row) (models.Intent, error) {
	var intent models.Intent
	var total, remaining, perSlice, threshold string
	var lastExec pgtype.Timestamptz
	var failureReason pgtype.Text

	err := row.Scan(&intent.ID, &intent.UserKey, &intent.Kind, &intent.TokenFrom, &intent.TokenTo,
		&total, &remaining, &intent.SlippageBps,
		&intent.IntervalSeconds, &perSlice, &intent.NextExecutionAt,
		&threshold, &intent.PriceDirection, &intent.PriceFeedID,
		&intent.Status, &intent.ExecutionCount, &lastExec, &failureReason,
		&intent.CreatedAt, &intent.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.Intent{}, ErrNotFound
		}
		return models.Intent{}, fmt.Errorf("scan intent: %w", err)
	}

	if intent.TotalAmount, err = decimal.NewFromString(total); err != nil {
		return models.Intent{}, fmt.Errorf("parse total_amount: %w", err)
	}
	if intent.RemainingAmount, err = decimal.NewFromString(remaining); err != nil {
		return models.Intent{}, fmt.Errorf("parse remaining_amount: %w", err)
	}
	if intent.AmountPerSlice, err = decimal.NewFromString(perSlice); err != nil {
		return models.Intent{}, fmt.Errorf("parse amount_per_slice: %w", err)
	}
	if intent.PriceThreshold, err = decimal.NewFromString(threshold); err != nil {
		return models.Intent{}, fmt.Errorf("parse price_threshold: %w", err)
	}
	if lastExec.Valid {
		t := lastExec.Time
		intent.LastExecutionAt = &t
	}
	intent.FailureReason = textPtr(failureReason)
	return intent, nil
}

func textPtr(t pgtype.Text) *string {
	if t.Valid {
		return &t.String
	}
	return nil
}
