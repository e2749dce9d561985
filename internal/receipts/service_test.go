package receipts

import (
	"context"
	"errors"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"flowmint-engine/internal/models"
	"flowmint-engine/internal/store"
)

func newTestService(t *testing.T) (*Service, *store.Memory) {
	t.Helper()
	mem := store.NewMemory()
	return New(mem, nil, zap.NewNop()), mem
}

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func pendingReceipt(t *testing.T, svc *Service, quote *models.ReceiptQuote) models.Receipt {
	t.Helper()
	r, err := svc.CreatePending(context.Background(), "intent-1", "user-a", models.ReceiptRequest{
		TokenIn:     "USDC",
		TokenOut:    "SOL",
		Amount:      dec("100"),
		SlippageBps: 50,
		Mode:        "dca",
		Profile:     models.ProfileAuto,
	}, quote)
	require.NoError(t, err)
	return r
}

func TestReceiptLifecycle(t *testing.T) {
	ctx := context.Background()
	svc, _ := newTestService(t)

	quote := &models.ReceiptQuote{OutAmount: dec("0.5"), PriceImpactPct: dec("0.01")}
	r := pendingReceipt(t, svc, quote)
	require.Equal(t, models.ReceiptStatusPending, r.Status)

	require.NoError(t, svc.RecordAttempt(ctx, r.ID, models.ExecutionAttempt{
		Endpoint: "https://a.example", LatencyMs: 40, Error: "connection refused",
	}))
	require.NoError(t, svc.RecordAttempt(ctx, r.ID, models.ExecutionAttempt{
		Endpoint: "https://b.example", LatencyMs: 120,
	}))

	final, err := svc.Finalize(ctx, r.ID, &models.ReceiptResult{
		OutAmountActual: dec("0.49"),
		Signature:       "sig-1",
	}, nil)
	require.NoError(t, err)
	require.Equal(t, models.ReceiptStatusConfirmed, final.Status)
	require.Len(t, final.Attempts, 2)

	require.NotNil(t, final.Diff)
	require.True(t, final.Diff.Amount.Equal(dec("-0.01")), "got %s", final.Diff.Amount)
	require.True(t, final.Diff.Pct.Equal(dec("-2")), "got %s", final.Diff.Pct)
}

func TestFinalizeFailureKeepsDiffAbsent(t *testing.T) {
	ctx := context.Background()
	svc, _ := newTestService(t)

	r := pendingReceipt(t, svc, &models.ReceiptQuote{OutAmount: dec("0.5")})
	final, err := svc.Finalize(ctx, r.ID, nil, errors.New("all endpoints exhausted"))
	require.NoError(t, err)
	require.Equal(t, models.ReceiptStatusFailed, final.Status)
	require.Nil(t, final.Result)
	require.Nil(t, final.Diff)
}

func TestFinalizeWithoutQuoteKeepsDiffAbsent(t *testing.T) {
	ctx := context.Background()
	svc, _ := newTestService(t)

	r := pendingReceipt(t, svc, nil)
	final, err := svc.Finalize(ctx, r.ID, &models.ReceiptResult{
		OutAmountActual: dec("0.49"), Signature: "sig-1",
	}, nil)
	require.NoError(t, err)
	require.Equal(t, models.ReceiptStatusConfirmed, final.Status)
	require.Nil(t, final.Diff)
}

func TestAttestationChain(t *testing.T) {
	ctx := context.Background()
	svc, _ := newTestService(t)
	r := pendingReceipt(t, svc, nil)

	leg0, err := svc.AppendLeg(ctx, r.ID, "USDC", "wSOL", dec("100"), dec("0.5"), "sig-0")
	require.NoError(t, err)
	require.Equal(t, 0, leg0.LegIndex)
	require.Empty(t, leg0.PrevHash)

	leg1, err := svc.AppendLeg(ctx, r.ID, "wSOL", "SOL", dec("0.5"), dec("0.5"), "sig-1")
	require.NoError(t, err)
	require.Equal(t, leg0.Hash, leg1.PrevHash)

	leg2, err := svc.AppendLeg(ctx, r.ID, "SOL", "BONK", dec("0.5"), dec("90000"), "sig-2")
	require.NoError(t, err)
	require.Equal(t, leg1.Hash, leg2.PrevHash)

	res, err := svc.Verify(ctx, r.ID)
	require.NoError(t, err)
	require.True(t, res.OK, "detail: %s", res.Detail)

	att, err := svc.Attestation(ctx, r.ID)
	require.NoError(t, err)
	require.Len(t, att.Legs, 3)
	require.NotEmpty(t, att.MerkleRoot)
}

func TestVerifyDetectsTampering(t *testing.T) {
	mkLegs := func() []models.AttestationLeg {
		legs := make([]models.AttestationLeg, 0, 3)
		prev := ""
		for i, amt := range []string{"100", "0.5", "90000"} {
			leg := models.AttestationLeg{
				ReceiptID: "r-1",
				LegIndex:  i,
				TokenIn:   "A",
				TokenOut:  "B",
				AmountIn:  dec(amt),
				AmountOut: dec(amt),
				Signature: "sig",
				PrevHash:  prev,
			}
			leg.Hash = legHash(leg)
			legs = append(legs, leg)
			prev = leg.Hash
		}
		return legs
	}
	rootOf := func(legs []models.AttestationLeg) string {
		hashes := make([]string, len(legs))
		for i, l := range legs {
			hashes[i] = l.Hash
		}
		return merkleRoot(hashes)
	}

	t.Run("clean chain verifies", func(t *testing.T) {
		legs := mkLegs()
		res := verifyChain(legs, rootOf(legs))
		require.True(t, res.OK)
	})

	t.Run("mutated amount breaks the leg hash", func(t *testing.T) {
		legs := mkLegs()
		root := rootOf(legs)
		legs[1].AmountOut = dec("9999")
		res := verifyChain(legs, root)
		require.False(t, res.OK)
		require.Equal(t, 1, res.FailedLeg)
	})

	t.Run("rewritten hash breaks the downstream link", func(t *testing.T) {
		legs := mkLegs()
		root := rootOf(legs)
		// Recompute leg 1's hash after mutation; leg 2's prev_hash no
		// longer matches.
		legs[1].AmountOut = dec("9999")
		legs[1].Hash = legHash(legs[1])
		res := verifyChain(legs, root)
		require.False(t, res.OK)
		require.Equal(t, 2, res.BrokenLink)
	})

	t.Run("stored root mismatch", func(t *testing.T) {
		legs := mkLegs()
		res := verifyChain(legs, "deadbeef")
		require.False(t, res.OK)
		require.True(t, res.RootMismatch)
	})

	t.Run("empty chain with empty root", func(t *testing.T) {
		res := verifyChain(nil, "")
		require.True(t, res.OK)
	})
}

func TestMerkleRootOddLeafDuplicated(t *testing.T) {
	a, b, c := "aa", "bb", "cc"
	// With three leaves the last one is paired with itself.
	require.Equal(t, merkleRoot([]string{a, b, c}), merkleRoot([]string{a, b, c, c}))
	require.NotEqual(t, merkleRoot([]string{a, b}), merkleRoot([]string{a, b, c}))
	require.Empty(t, merkleRoot(nil))
}
