package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"flowmint-engine/internal/models"
	"flowmint-engine/internal/ratelimit"
	"flowmint-engine/internal/receipts"
	"flowmint-engine/internal/rpcpool"
	"flowmint-engine/internal/store"
	"flowmint-engine/internal/telemetry"
)

// Server wires the HTTP handlers for intent submission and receipt
// inspection. Execution itself happens in the scheduler process; the API
// only reads and writes state.
type Server struct {
	intents     store.IntentStore
	receiptRows store.ReceiptStore
	receiptSvc  *receipts.Service
	pool        *rpcpool.Pool
	limiter     *ratelimit.TokenBucket
}

func New(intents store.IntentStore, receiptRows store.ReceiptStore, receiptSvc *receipts.Service, pool *rpcpool.Pool, limiter *ratelimit.TokenBucket) *Server {
	return &Server{
		intents:     intents,
		receiptRows: receiptRows,
		receiptSvc:  receiptSvc,
		pool:        pool,
		limiter:     limiter,
	}
}

// Router builds the HTTP router.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", s.handleHealth)
	r.Mount("/metrics", telemetry.Handler())

	r.Post("/intents", s.handleCreateIntent)
	r.Get("/intents", s.handleListIntents)
	r.Get("/intents/{id}", s.handleGetIntent)
	r.Post("/intents/{id}/cancel", s.handleCancelIntent)
	r.Get("/intents/{id}/receipts", s.handleIntentReceipts)
	r.Get("/receipts/{id}", s.handleGetReceipt)
	r.Get("/receipts/{id}/attestation", s.handleAttestation)
	r.Get("/receipts/{id}/verify", s.handleVerify)
	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	var endpoints interface{}
	if s.pool != nil {
		endpoints = s.pool.Statuses()
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":    "ok",
		"endpoints": endpoints,
	})
}

type createIntentRequest struct {
	UserKey     string `json:"user_key"`
	Kind        string `json:"kind"`
	TokenFrom   string `json:"token_from"`
	TokenTo     string `json:"token_to"`
	TotalAmount string `json:"total_amount"`
	SlippageBps int    `json:"slippage_bps"`

	// DCA schedule terms.
	IntervalSeconds int64  `json:"interval_seconds,omitempty"`
	AmountPerSlice  string `json:"amount_per_slice,omitempty"`

	// Conditional trigger terms.
	PriceThreshold string `json:"price_threshold,omitempty"`
	PriceDirection string `json:"price_direction,omitempty"`
	PriceFeedID    string `json:"price_feed_id,omitempty"`
}

func (s *Server) handleCreateIntent(w http.ResponseWriter, r *http.Request) {
	var req createIntentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	if req.UserKey == "" {
		http.Error(w, "user_key is required", http.StatusBadRequest)
		return
	}

	if s.limiter != nil {
		allowed, _, err := s.limiter.Allow(r.Context(), ratelimit.IntentKey(req.UserKey))
		if err != nil {
			http.Error(w, "rate limit error", http.StatusInternalServerError)
			return
		}
		if !allowed {
			telemetry.RateLimitRejects.Inc()
			http.Error(w, "rate limited", http.StatusTooManyRequests)
			return
		}
	}

	intent, err := buildIntent(req)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if err := s.intents.CreateIntent(r.Context(), &intent); err != nil {
		http.Error(w, "failed to create intent", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusCreated, intent)
}

func buildIntent(req createIntentRequest) (models.Intent, error) {
	total, err := decimal.NewFromString(req.TotalAmount)
	if err != nil || !total.IsPositive() {
		return models.Intent{}, errors.New("total_amount must be a positive decimal")
	}
	if req.TokenFrom == "" || req.TokenTo == "" {
		return models.Intent{}, errors.New("token_from and token_to are required")
	}
	if req.SlippageBps <= 0 || req.SlippageBps > 10_000 {
		return models.Intent{}, errors.New("slippage_bps must be in (0, 10000]")
	}

	now := time.Now().UTC()
	intent := models.Intent{
		ID:              uuid.New().String(),
		UserKey:         req.UserKey,
		Kind:            models.IntentKind(req.Kind),
		TokenFrom:       req.TokenFrom,
		TokenTo:         req.TokenTo,
		TotalAmount:     total,
		RemainingAmount: total,
		SlippageBps:     req.SlippageBps,
		Status:          models.IntentStatusActive,
	}

	switch intent.Kind {
	case models.KindDCA:
		if req.IntervalSeconds <= 0 {
			return models.Intent{}, errors.New("interval_seconds must be positive for dca intents")
		}
		slice, err := decimal.NewFromString(req.AmountPerSlice)
		if err != nil || !slice.IsPositive() {
			return models.Intent{}, errors.New("amount_per_slice must be a positive decimal")
		}
		if slice.GreaterThan(total) {
			return models.Intent{}, errors.New("amount_per_slice cannot exceed total_amount")
		}
		intent.IntervalSeconds = req.IntervalSeconds
		intent.AmountPerSlice = slice
		intent.NextExecutionAt = now
	case models.KindStopLoss:
		threshold, err := decimal.NewFromString(req.PriceThreshold)
		if err != nil || !threshold.IsPositive() {
			return models.Intent{}, errors.New("price_threshold must be a positive decimal")
		}
		direction := models.PriceDirection(req.PriceDirection)
		if direction != models.DirectionAbove && direction != models.DirectionBelow {
			return models.Intent{}, errors.New("price_direction must be above or below")
		}
		if req.PriceFeedID == "" {
			return models.Intent{}, errors.New("price_feed_id is required for stop_loss intents")
		}
		intent.PriceThreshold = threshold
		intent.PriceDirection = direction
		intent.PriceFeedID = req.PriceFeedID
	default:
		return models.Intent{}, errors.New("kind must be dca or stop_loss")
	}
	return intent, nil
}

func (s *Server) handleListIntents(w http.ResponseWriter, r *http.Request) {
	userKey := r.URL.Query().Get("user_key")
	if userKey == "" {
		http.Error(w, "user_key query parameter is required", http.StatusBadRequest)
		return
	}
	intents, err := s.intents.ListIntentsByUser(r.Context(), userKey)
	if err != nil {
		http.Error(w, "failed to list intents", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"intents": intents})
}

func (s *Server) handleGetIntent(w http.ResponseWriter, r *http.Request) {
	intent, err := s.intents.GetIntent(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, intent)
}

// handleCancelIntent is best-effort by design: a cancellation races the
// scheduler, and an execution already past its final cancel check will
// still land on chain.
func (s *Server) handleCancelIntent(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	intent, err := s.intents.GetIntent(r.Context(), id)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	if intent.IsTerminal() {
		writeJSON(w, http.StatusConflict, map[string]string{
			"status": intent.Status,
			"error":  "intent is already in a terminal state",
		})
		return
	}
	intent.Status = models.IntentStatusCancelled
	if err := s.intents.UpdateIntent(r.Context(), &intent); err != nil {
		// The scheduler can finish the intent between our read and the
		// conditional write; that terminal status wins.
		if errors.Is(err, store.ErrConflict) {
			writeJSON(w, http.StatusConflict, map[string]string{
				"error": "intent is already in a terminal state",
			})
			return
		}
		http.Error(w, "failed to cancel intent", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": models.IntentStatusCancelled})
}

func (s *Server) handleIntentReceipts(w http.ResponseWriter, r *http.Request) {
	rows, err := s.receiptRows.ListReceiptsByIntent(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		http.Error(w, "failed to list receipts", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"receipts": rows})
}

func (s *Server) handleGetReceipt(w http.ResponseWriter, r *http.Request) {
	receipt, err := s.receiptRows.GetReceipt(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, receipt)
}

func (s *Server) handleAttestation(w http.ResponseWriter, r *http.Request) {
	att, err := s.receiptSvc.Attestation(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, att)
}

func (s *Server) handleVerify(w http.ResponseWriter, r *http.Request) {
	result, err := s.receiptSvc.Verify(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func writeStoreError(w http.ResponseWriter, err error) {
	if errors.Is(err, store.ErrNotFound) {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}
	http.Error(w, err.Error(), http.StatusInternalServerError)
}

func writeJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(payload)
}
