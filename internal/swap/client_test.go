package swap

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"flowmint-engine/internal/models"
	"flowmint-engine/internal/rpcpool"
)

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func testPool() *rpcpool.Pool {
	return rpcpool.New([]rpcpool.EndpointConfig{{URL: "primary", Weight: 1}}, zap.NewNop())
}

func TestGetQuote(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/quote", r.URL.Path)
		require.Equal(t, "USDC", r.URL.Query().Get("inputMint"))
		require.Equal(t, "SOL", r.URL.Query().Get("outputMint"))
		require.Equal(t, "100", r.URL.Query().Get("amount"))
		require.Equal(t, "50", r.URL.Query().Get("slippageBps"))
		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"inAmount":       "100",
			"outAmount":      "0.512",
			"priceImpactPct": "0.03",
		})
	}))
	defer server.Close()

	client := NewClient(server.URL, testPool(), zap.NewNop())
	quote, err := client.GetQuote(context.Background(), "USDC", "SOL", dec("100"), 50)
	require.NoError(t, err)
	require.True(t, quote.OutAmount.Equal(dec("0.512")))
	require.True(t, quote.PriceImpactPct.Equal(dec("0.03")))
	require.True(t, quote.ExpiresAt.After(time.Now()))
}

func TestExecuteRecordsAttemptsAcrossFailover(t *testing.T) {
	calls := 0
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/swap", r.URL.Path)
		calls++
		if calls == 1 {
			_ = json.NewEncoder(w).Encode(map[string]interface{}{
				"error": map[string]interface{}{"code": -32000, "message": "node behind"},
			})
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"signature":       "sig-xyz",
			"outAmountActual": "0.508",
		})
	}))
	defer server.Close()

	client := NewClient(server.URL, testPool(), zap.NewNop())
	quote := Quote{
		TokenIn:   "USDC",
		TokenOut:  "SOL",
		InAmount:  dec("100"),
		OutAmount: dec("0.512"),
		ExpiresAt: time.Now().Add(time.Minute),
	}

	var attempts []models.ExecutionAttempt
	outcome := client.Execute(context.Background(), "user-a", quote, 50, ExecutionBudget{
		PriorityFeeMicroLamports: 10_000,
		ComputeUnits:             240_000,
	}, func(a models.ExecutionAttempt) { attempts = append(attempts, a) })

	require.True(t, outcome.Ok())
	require.Equal(t, "sig-xyz", outcome.Signature)
	require.True(t, outcome.OutAmountActual.Equal(dec("0.508")))

	require.Len(t, attempts, 2)
	require.Contains(t, attempts[0].Error, "node behind")
	require.Empty(t, attempts[1].Error)
}

func TestExecuteRejectsExpiredQuote(t *testing.T) {
	client := NewClient("http://unused.example", testPool(), zap.NewNop())
	quote := Quote{ExpiresAt: time.Now().Add(-time.Second)}

	outcome := client.Execute(context.Background(), "user-a", quote, 50, ExecutionBudget{}, nil)
	require.False(t, outcome.Ok())
	require.Contains(t, outcome.Err.Error(), "quote expired")
}
