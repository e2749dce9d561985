package receipts

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"flowmint-engine/internal/models"
	"flowmint-engine/internal/store"
	"flowmint-engine/internal/telemetry"
)

// Service records the full lifecycle of one execution attempt and
// maintains the tamper-evident attestation chain for multi-leg
// executions.
type Service struct {
	receipts store.ReceiptStore
	archiver Archiver
	logger   *zap.Logger
	now      func() time.Time
}

// New constructs the service. archiver may be nil when long-term export
// is disabled.
func New(receipts store.ReceiptStore, archiver Archiver, logger *zap.Logger) *Service {
	return &Service{
		receipts: receipts,
		archiver: archiver,
		logger:   logger,
		now:      time.Now,
	}
}

// CreatePending persists the request and quote before execution begins,
// so a crash mid-execution still leaves an inspectable partial record.
func (s *Service) CreatePending(ctx context.Context, intentID, userKey string, req models.ReceiptRequest, quote *models.ReceiptQuote) (models.Receipt, error) {
	r := models.Receipt{
		ID:       uuid.New().String(),
		IntentID: intentID,
		UserKey:  userKey,
		Request:  req,
		Quote:    quote,
		Status:   models.ReceiptStatusPending,
	}
	if err := s.receipts.CreateReceipt(ctx, &r); err != nil {
		return models.Receipt{}, fmt.Errorf("create pending receipt: %w", err)
	}
	return r, nil
}

// RecordAttempt appends one endpoint attempt to the receipt's timeline.
func (s *Service) RecordAttempt(ctx context.Context, receiptID string, attempt models.ExecutionAttempt) error {
	r, err := s.receipts.GetReceipt(ctx, receiptID)
	if err != nil {
		return fmt.Errorf("load receipt %s: %w", receiptID, err)
	}
	r.Attempts = append(r.Attempts, attempt)
	r.Status = models.ReceiptStatusSubmitted
	if err := s.receipts.UpdateReceipt(ctx, &r); err != nil {
		return fmt.Errorf("record attempt on receipt %s: %w", receiptID, err)
	}
	return nil
}

// Finalize records the terminal outcome. The quoted-vs-actual diff is
// computed only when both the quote and the actual output are known;
// otherwise it stays absent rather than zero-filled.
func (s *Service) Finalize(ctx context.Context, receiptID string, result *models.ReceiptResult, execErr error) (models.Receipt, error) {
	r, err := s.receipts.GetReceipt(ctx, receiptID)
	if err != nil {
		return models.Receipt{}, fmt.Errorf("load receipt %s: %w", receiptID, err)
	}

	if execErr != nil {
		r.Status = models.ReceiptStatusFailed
	} else {
		r.Status = models.ReceiptStatusConfirmed
		r.Result = result
	}

	if r.Quote != nil && r.Result != nil && !r.Quote.OutAmount.IsZero() {
		delta := r.Result.OutAmountActual.Sub(r.Quote.OutAmount)
		pct := delta.Div(r.Quote.OutAmount).Mul(decimal.NewFromInt(100))
		r.Diff = &models.ReceiptDiff{Amount: delta, Pct: pct}
		pctFloat, _ := pct.Float64()
		telemetry.QuoteDeltaPct.Observe(pctFloat)
	}

	if err := s.receipts.UpdateReceipt(ctx, &r); err != nil {
		return models.Receipt{}, fmt.Errorf("finalize receipt %s: %w", receiptID, err)
	}

	if s.archiver != nil && r.Status == models.ReceiptStatusConfirmed {
		// Export is best-effort; the execution path never waits on it.
		go func(archived models.Receipt) {
			archiveCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()
			if err := s.archiver.Archive(archiveCtx, archived); err != nil {
				s.logger.Warn("receipt archive failed",
					zap.String("receipt_id", archived.ID), zap.Error(err))
			}
		}(r)
	}
	return r, nil
}

// AppendLeg links one execution leg into the receipt's hash chain and
// refreshes the stored Merkle root.
func (s *Service) AppendLeg(ctx context.Context, receiptID, tokenIn, tokenOut string, amountIn, amountOut decimal.Decimal, signature string) (models.AttestationLeg, error) {
	existing, err := s.receipts.GetLegs(ctx, receiptID)
	if err != nil {
		return models.AttestationLeg{}, fmt.Errorf("load legs for receipt %s: %w", receiptID, err)
	}

	prevHash := ""
	if len(existing) > 0 {
		prevHash = existing[len(existing)-1].Hash
	}

	leg := models.AttestationLeg{
		ReceiptID: receiptID,
		LegIndex:  len(existing),
		TokenIn:   tokenIn,
		TokenOut:  tokenOut,
		AmountIn:  amountIn,
		AmountOut: amountOut,
		Signature: signature,
		PrevHash:  prevHash,
	}
	leg.Hash = legHash(leg)

	if err := s.receipts.AppendLeg(ctx, leg); err != nil {
		return models.AttestationLeg{}, fmt.Errorf("append leg %d: %w", leg.LegIndex, err)
	}

	hashes := make([]string, 0, len(existing)+1)
	for _, l := range existing {
		hashes = append(hashes, l.Hash)
	}
	hashes = append(hashes, leg.Hash)
	if err := s.receipts.SetMerkleRoot(ctx, receiptID, merkleRoot(hashes)); err != nil {
		return models.AttestationLeg{}, fmt.Errorf("store merkle root: %w", err)
	}
	return leg, nil
}

// Verify recomputes every leg hash, chain link, and the Merkle root
// independently of the stored values and reports precisely what broke.
func (s *Service) Verify(ctx context.Context, receiptID string) (VerifyResult, error) {
	legs, err := s.receipts.GetLegs(ctx, receiptID)
	if err != nil {
		return VerifyResult{}, fmt.Errorf("load legs for receipt %s: %w", receiptID, err)
	}
	root, err := s.receipts.GetMerkleRoot(ctx, receiptID)
	if err != nil {
		return VerifyResult{}, fmt.Errorf("load merkle root for receipt %s: %w", receiptID, err)
	}
	return verifyChain(legs, root), nil
}

// Attestation returns the full chain with its stored root.
func (s *Service) Attestation(ctx context.Context, receiptID string) (models.Attestation, error) {
	legs, err := s.receipts.GetLegs(ctx, receiptID)
	if err != nil {
		return models.Attestation{}, fmt.Errorf("load legs for receipt %s: %w", receiptID, err)
	}
	root, err := s.receipts.GetMerkleRoot(ctx, receiptID)
	if err != nil {
		return models.Attestation{}, fmt.Errorf("load merkle root for receipt %s: %w", receiptID, err)
	}
	return models.Attestation{ReceiptID: receiptID, Legs: legs, MerkleRoot: root}, nil
}
