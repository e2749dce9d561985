package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/shopspring/decimal"

	"flowmint-engine/internal/models"
)

// CreateReceipt inserts a receipt row. The request and quote are
// persisted before execution begins so a crash mid-execution still
// leaves an inspectable partial record.
func (s *Postgres) CreateReceipt(ctx context.Context, r *models.Receipt) error {
	now := time.Now().UTC()
	r.CreatedAt = now
	r.UpdatedAt = now

	request, quote, attempts, result, diff, err := marshalReceiptParts(r)
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO receipts (id, intent_id, user_key, request, quote, status, attempts, result, diff, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $10)
	`, r.ID, r.IntentID, r.UserKey, request, quote, r.Status, attempts, result, diff, now)
	if err != nil {
		return fmt.Errorf("insert receipt: %w", err)
	}
	return nil
}

// UpdateReceipt writes back the mutable receipt fields.
func (s *Postgres) UpdateReceipt(ctx context.Context, r *models.Receipt) error {
	r.UpdatedAt = time.Now().UTC()
	_, quote, attempts, result, diff, err := marshalReceiptParts(r)
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx, `
		UPDATE receipts
		SET quote = $2, status = $3, attempts = $4, result = $5, diff = $6, updated_at = $7
		WHERE id = $1
	`, r.ID, quote, r.Status, attempts, result, diff, r.UpdatedAt)
	if err != nil {
		return fmt.Errorf("update receipt: %w", err)
	}
	return nil
}

// GetReceipt fetches a receipt by id.
func (s *Postgres) GetReceipt(ctx context.Context, id string) (models.Receipt, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT id, intent_id, user_key, request, quote, status, attempts, result, diff, created_at, updated_at
		FROM receipts WHERE id = $1
	`, id)
	return scanReceipt(row)
}

// ListReceiptsByIntent returns all receipts recorded for an intent.
func (s *Postgres) ListReceiptsByIntent(ctx context.Context, intentID string) ([]models.Receipt, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, intent_id, user_key, request, quote, status, attempts, result, diff, created_at, updated_at
		FROM receipts WHERE intent_id = $1 ORDER BY created_at
	`, intentID)
	if err != nil {
		return nil, fmt.Errorf("query receipts: %w", err)
	}
	defer rows.Close()

	var out []models.Receipt
	for rows.Next() {
		r, err := scanReceipt(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// AppendLeg adds one attestation leg to a receipt's chain.
func (s *Postgres) AppendLeg(ctx context.Context, leg models.AttestationLeg) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO attestation_legs (receipt_id, leg_index, token_in, token_out, amount_in, amount_out, signature, prev_hash, hash)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`, leg.ReceiptID, leg.LegIndex, leg.TokenIn, leg.TokenOut,
		leg.AmountIn.String(), leg.AmountOut.String(), leg.Signature, leg.PrevHash, leg.Hash)
	if err != nil {
		return fmt.Errorf("insert attestation leg: %w", err)
	}
	return nil
}

// GetLegs returns a receipt's legs in chain order.
func (s *Postgres) GetLegs(ctx context.Context, receiptID string) ([]models.AttestationLeg, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT receipt_id, leg_index, token_in, token_out, amount_in::text, amount_out::text, signature, prev_hash, hash
		FROM attestation_legs WHERE receipt_id = $1 ORDER BY leg_index
	`, receiptID)
	if err != nil {
		return nil, fmt.Errorf("query attestation legs: %w", err)
	}
	defer rows.Close()

	var out []models.AttestationLeg
	for rows.Next() {
		var leg models.AttestationLeg
		var amountIn, amountOut string
		if err := rows.Scan(&leg.ReceiptID, &leg.LegIndex, &leg.TokenIn, &leg.TokenOut,
			&amountIn, &amountOut, &leg.Signature, &leg.PrevHash, &leg.Hash); err != nil {
			return nil, fmt.Errorf("scan attestation leg: %w", err)
		}
		if leg.AmountIn, err = decimal.NewFromString(amountIn); err != nil {
			return nil, fmt.Errorf("parse amount_in: %w", err)
		}
		if leg.AmountOut, err = decimal.NewFromString(amountOut); err != nil {
			return nil, fmt.Errorf("parse amount_out: %w", err)
		}
		out = append(out, leg)
	}
	return out, rows.Err()
}

// SetMerkleRoot stores the aggregate root over a receipt's leg hashes.
func (s *Postgres) SetMerkleRoot(ctx context.Context, receiptID, root string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE receipts SET merkle_root = $2, updated_at = NOW() WHERE id = $1
	`, receiptID, root)
	if err != nil {
		return fmt.Errorf("set merkle root: %w", err)
	}
	return nil
}

// GetMerkleRoot returns the stored root, empty if never set.
func (s *Postgres) GetMerkleRoot(ctx context.Context, receiptID string) (string, error) {
	var root pgtype.Text
	err := s.pool.QueryRow(ctx, `SELECT merkle_root FROM receipts WHERE id = $1`, receiptID).Scan(&root)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("query merkle root: %w", err)
	}
	if !root.Valid {
		return "", nil
	}
	return root.String, nil
}

func marshalReceiptParts(r *models.Receipt) (request, quote, attempts, result, diff []byte, err error) {
	if request, err = json.Marshal(r.Request); err != nil {
		return nil, nil, nil, nil, nil, fmt.Errorf("marshal request: %w", err)
	}
	if r.Quote != nil {
		if quote, err = json.Marshal(r.Quote); err != nil {
			return nil, nil, nil, nil, nil, fmt.Errorf("marshal quote: %w", err)
		}
	}
	if len(r.Attempts) > 0 {
		if attempts, err = json.Marshal(r.Attempts); err != nil {
			return nil, nil, nil, nil, nil, fmt.Errorf("marshal attempts: %w", err)
		}
	}
	if r.Result != nil {
		if result, err = json.Marshal(r.Result); err != nil {
			return nil, nil, nil, nil, nil, fmt.Errorf("marshal result: %w", err)
		}
	}
	if r.Diff != nil {
		if diff, err = json.Marshal(r.Diff); err != nil {
			return nil, nil, nil, nil, nil, fmt.Errorf("marshal diff: %w", err)
		}
	}
	return request, quote, attempts, result, diff, nil
}

func scanReceipt(row pgx.Row) (models.Receipt, error) {
	var r models.Receipt
	var request, quote, attempts, result, diff []byte

	err := row.Scan(&r.ID, &r.IntentID, &r.UserKey, &request, &quote, &r.Status,
		&attempts, &result, &diff, &r.CreatedAt, &r.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.Receipt{}, ErrNotFound
		}
		return models.Receipt{}, fmt.Errorf("scan receipt: %w", err)
	}

	if err := json.Unmarshal(request, &r.Request); err != nil {
		return models.Receipt{}, fmt.Errorf("unmarshal request: %w", err)
	}
	if len(quote) > 0 {
		r.Quote = &models.ReceiptQuote{}
		if err := json.Unmarshal(quote, r.Quote); err != nil {
			return models.Receipt{}, fmt.Errorf("unmarshal quote: %w", err)
		}
	}
	if len(attempts) > 0 {
		if err := json.Unmarshal(attempts, &r.Attempts); err != nil {
			return models.Receipt{}, fmt.Errorf("unmarshal attempts: %w", err)
		}
	}
	if len(result) > 0 {
		r.Result = &models.ReceiptResult{}
		if err := json.Unmarshal(result, r.Result); err != nil {
			return models.Receipt{}, fmt.Errorf("unmarshal result: %w", err)
		}
	}
	if len(diff) > 0 {
		r.Diff = &models.ReceiptDiff{}
		if err := json.Unmarshal(diff, r.Diff); err != nil {
			return models.Receipt{}, fmt.Errorf("unmarshal diff: %w", err)
		}
	}
	return r, nil
}
