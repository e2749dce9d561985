package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"flowmint-engine/internal/models"
	"flowmint-engine/internal/receipts"
	"flowmint-engine/internal/store"
)

func newTestServer(t *testing.T) (*Server, *store.Memory) {
	t.Helper()
	mem := store.NewMemory()
	receiptSvc := receipts.New(mem, nil, zap.NewNop())
	return New(mem, mem, receiptSvc, nil, nil), mem
}

func postJSON(t *testing.T, handler http.Handler, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	buf, err := json.Marshal(body)
	require.NoError(t, err)
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(buf))
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	return rec
}

func TestCreateIntentValidation(t *testing.T) {
	srv, _ := newTestServer(t)
	router := srv.Router()

	valid := map[string]interface{}{
		"user_key":         "user-a",
		"kind":             "dca",
		"token_from":       "USDC",
		"token_to":         "SOL",
		"total_amount":     "1000",
		"slippage_bps":     50,
		"interval_seconds": 3600,
		"amount_per_slice": "100",
	}

	t.Run("valid dca", func(t *testing.T) {
		rec := postJSON(t, router, "/intents", valid)
		require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

		var intent models.Intent
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &intent))
		require.Equal(t, models.IntentStatusActive, intent.Status)
		require.True(t, intent.RemainingAmount.Equal(intent.TotalAmount))
	})

	t.Run("valid stop loss", func(t *testing.T) {
		rec := postJSON(t, router, "/intents", map[string]interface{}{
			"user_key":        "user-a",
			"kind":            "stop_loss",
			"token_from":      "SOL",
			"token_to":        "USDC",
			"total_amount":    "10",
			"slippage_bps":    100,
			"price_threshold": "95.5",
			"price_direction": "below",
			"price_feed_id":   "feed-sol",
		})
		require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	})

	bad := func(mutate func(map[string]interface{})) map[string]interface{} {
		m := map[string]interface{}{}
		for k, v := range valid {
			m[k] = v
		}
		mutate(m)
		return m
	}

	t.Run("rejects bad input", func(t *testing.T) {
		cases := map[string]map[string]interface{}{
			"missing user key":    bad(func(m map[string]interface{}) { delete(m, "user_key") }),
			"unknown kind":        bad(func(m map[string]interface{}) { m["kind"] = "limit" }),
			"zero amount":         bad(func(m map[string]interface{}) { m["total_amount"] = "0" }),
			"negative amount":     bad(func(m map[string]interface{}) { m["total_amount"] = "-5" }),
			"slice exceeds total": bad(func(m map[string]interface{}) { m["amount_per_slice"] = "2000" }),
			"zero interval":       bad(func(m map[string]interface{}) { m["interval_seconds"] = 0 }),
			"excessive slippage":  bad(func(m map[string]interface{}) { m["slippage_bps"] = 20000 }),
			"non-decimal amount":  bad(func(m map[string]interface{}) { m["total_amount"] = "lots" }),
		}
		for name, payload := range cases {
			t.Run(name, func(t *testing.T) {
				rec := postJSON(t, router, "/intents", payload)
				require.Equal(t, http.StatusBadRequest, rec.Code)
			})
		}
	})
}

func TestCancelIntent(t *testing.T) {
	srv, mem := newTestServer(t)
	router := srv.Router()
	ctx := context.Background()

	rec := postJSON(t, router, "/intents", map[string]interface{}{
		"user_key":         "user-a",
		"kind":             "dca",
		"token_from":       "USDC",
		"token_to":         "SOL",
		"total_amount":     "1000",
		"slippage_bps":     50,
		"interval_seconds": 3600,
		"amount_per_slice": "100",
	})
	require.Equal(t, http.StatusCreated, rec.Code)
	var intent models.Intent
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &intent))

	rec = postJSON(t, router, "/intents/"+intent.ID+"/cancel", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	stored, err := mem.GetIntent(ctx, intent.ID)
	require.NoError(t, err)
	require.Equal(t, models.IntentStatusCancelled, stored.Status)

	// Cancelling twice conflicts; terminal states never change.
	rec = postJSON(t, router, "/intents/"+intent.ID+"/cancel", nil)
	require.Equal(t, http.StatusConflict, rec.Code)
}

func TestGetUnknownReturns404(t *testing.T) {
	srv, _ := newTestServer(t)
	router := srv.Router()

	for _, path := range []string{"/intents/nope", "/receipts/nope"} {
		req := httptest.NewRequest(http.MethodGet, path, nil)
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, req)
		require.Equal(t, http.StatusNotFound, rec.Code, path)
	}
}
