package swap

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"flowmint-engine/internal/models"
	"flowmint-engine/internal/rpcpool"
)

const (
	defaultQuoteTTL       = 15 * time.Second
	defaultRequestTimeout = 10 * time.Second
)

// Quote is the provider's promise for one swap, valid until ExpiresAt.
type Quote struct {
	TokenIn        string          `json:"token_in"`
	TokenOut       string          `json:"token_out"`
	InAmount       decimal.Decimal `json:"in_amount"`
	OutAmount      decimal.Decimal `json:"out_amount"`
	PriceImpactPct decimal.Decimal `json:"price_impact_pct"`
	RoutePlan      json.RawMessage `json:"route_plan,omitempty"`
	ExpiresAt      time.Time       `json:"expires_at"`
}

// Outcome is the terminal result of one submission. Exactly one of the
// two branches is populated; Ok() tells which.
type Outcome struct {
	Signature       string
	OutAmountActual decimal.Decimal
	BalanceDeltaIn  decimal.Decimal
	BalanceDeltaOut decimal.Decimal
	Err             error
}

func (o Outcome) Ok() bool { return o.Err == nil }

// Client talks to a Jupiter-style aggregator for quotes and transaction
// construction, then submits through the RPC failover pool.
type Client struct {
	baseURL    string
	pool       *rpcpool.Pool
	httpClient *http.Client
	logger     *zap.Logger
	// maxAttempts bounds submission retries across endpoints.
	maxAttempts int
}

func NewClient(baseURL string, pool *rpcpool.Pool, logger *zap.Logger) *Client {
	return &Client{
		baseURL:     baseURL,
		pool:        pool,
		httpClient:  &http.Client{Timeout: defaultRequestTimeout},
		logger:      logger,
		maxAttempts: 3,
	}
}

type quoteResponse struct {
	InAmount       string          `json:"inAmount"`
	OutAmount      string          `json:"outAmount"`
	PriceImpactPct string          `json:"priceImpactPct"`
	RoutePlan      json.RawMessage `json:"routePlan"`
}

// GetQuote asks the aggregator what the swap should yield right now.
func (c *Client) GetQuote(ctx context.Context, tokenIn, tokenOut string, amount decimal.Decimal, slippageBps int) (Quote, error) {
	q := url.Values{}
	q.Set("inputMint", tokenIn)
	q.Set("outputMint", tokenOut)
	q.Set("amount", amount.String())
	q.Set("slippageBps", fmt.Sprintf("%d", slippageBps))

	reqURL := fmt.Sprintf("%s/quote?%s", c.baseURL, q.Encode())
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return Quote{}, fmt.Errorf("build quote request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return Quote{}, fmt.Errorf("fetch quote: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return Quote{}, fmt.Errorf("quote provider returned status %d: %s", resp.StatusCode, body)
	}

	var parsed quoteResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return Quote{}, fmt.Errorf("decode quote response: %w", err)
	}

	outAmount, err := decimal.NewFromString(parsed.OutAmount)
	if err != nil {
		return Quote{}, fmt.Errorf("parse quoted out amount %q: %w", parsed.OutAmount, err)
	}
	impact := decimal.Zero
	if parsed.PriceImpactPct != "" {
		impact, err = decimal.NewFromString(parsed.PriceImpactPct)
		if err != nil {
			return Quote{}, fmt.Errorf("parse price impact %q: %w", parsed.PriceImpactPct, err)
		}
	}

	return Quote{
		TokenIn:        tokenIn,
		TokenOut:       tokenOut,
		InAmount:       amount,
		OutAmount:      outAmount,
		PriceImpactPct: impact,
		RoutePlan:      parsed.RoutePlan,
		ExpiresAt:      time.Now().Add(defaultQuoteTTL),
	}, nil
}

type submitRequest struct {
	QuoteRoute  json.RawMessage `json:"quoteRoute,omitempty"`
	InputMint   string          `json:"inputMint"`
	OutputMint  string          `json:"outputMint"`
	Amount      string          `json:"amount"`
	SlippageBps int             `json:"slippageBps"`
	PriorityFee uint64          `json:"priorityFeeMicroLamports"`
	ComputeUnit uint32          `json:"computeUnitLimit"`
	UserKey     string          `json:"userPublicKey"`
}

type submitResponse struct {
	Signature       string `json:"signature"`
	OutAmountActual string `json:"outAmountActual"`
	DeltaIn         string `json:"balanceDeltaIn"`
	DeltaOut        string `json:"balanceDeltaOut"`
	Error           *struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

// Execute builds and submits the swap transaction, trying endpoints
// through the failover pool. An expired quote is rejected before any
// endpoint is touched. The returned Outcome is terminal for this
// attempt; callers decide whether to retry on a later tick.
func (c *Client) Execute(ctx context.Context, userKey string, quote Quote, slippageBps int, est ExecutionBudget, onAttempt func(models.ExecutionAttempt)) Outcome {
	if time.Now().After(quote.ExpiresAt) {
		return Outcome{Err: fmt.Errorf("quote expired at %s", quote.ExpiresAt.Format(time.RFC3339))}
	}

	payload, err := json.Marshal(submitRequest{
		QuoteRoute:  quote.RoutePlan,
		InputMint:   quote.TokenIn,
		OutputMint:  quote.TokenOut,
		Amount:      quote.InAmount.String(),
		SlippageBps: slippageBps,
		PriorityFee: est.PriorityFeeMicroLamports,
		ComputeUnit: est.ComputeUnits,
		UserKey:     userKey,
	})
	if err != nil {
		return Outcome{Err: fmt.Errorf("marshal swap request: %w", err)}
	}

	var out Outcome
	err = c.pool.ExecuteWithFailover(ctx, c.maxAttempts, func(ctx context.Context, endpointURL string) error {
		started := time.Now()
		result, attemptErr := c.submitOnce(ctx, endpointURL, payload)
		if onAttempt != nil {
			attempt := models.ExecutionAttempt{
				Endpoint:  endpointURL,
				LatencyMs: time.Since(started).Milliseconds(),
				At:        started,
			}
			if attemptErr != nil {
				attempt.Error = attemptErr.Error()
			}
			onAttempt(attempt)
		}
		if attemptErr != nil {
			return attemptErr
		}
		out = result
		return nil
	})
	if err != nil {
		return Outcome{Err: err}
	}
	return out
}

func (c *Client) submitOnce(ctx context.Context, endpointURL string, payload []byte) (Outcome, error) {
	reqURL := fmt.Sprintf("%s/swap?endpoint=%s", c.baseURL, url.QueryEscape(endpointURL))
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, reqURL, bytes.NewReader(payload))
	if err != nil {
		return Outcome{}, fmt.Errorf("build swap request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return Outcome{}, fmt.Errorf("submit swap: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return Outcome{}, fmt.Errorf("swap provider returned status %d: %s", resp.StatusCode, body)
	}

	var parsed submitResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return Outcome{}, fmt.Errorf("decode swap response: %w", err)
	}
	if parsed.Error != nil {
		return Outcome{}, fmt.Errorf("swap failed with code %d: %s", parsed.Error.Code, parsed.Error.Message)
	}
	if parsed.Signature == "" {
		return Outcome{}, fmt.Errorf("swap response missing signature")
	}

	actual, err := decimal.NewFromString(parsed.OutAmountActual)
	if err != nil {
		return Outcome{}, fmt.Errorf("parse actual out amount %q: %w", parsed.OutAmountActual, err)
	}
	deltaIn, err := parseDeltaOrZero(parsed.DeltaIn)
	if err != nil {
		return Outcome{}, err
	}
	deltaOut, err := parseDeltaOrZero(parsed.DeltaOut)
	if err != nil {
		return Outcome{}, err
	}

	return Outcome{
		Signature:       parsed.Signature,
		OutAmountActual: actual,
		BalanceDeltaIn:  deltaIn,
		BalanceDeltaOut: deltaOut,
	}, nil
}

func parseDeltaOrZero(raw string) (decimal.Decimal, error) {
	if raw == "" {
		return decimal.Zero, nil
	}
	d, err := decimal.NewFromString(raw)
	if err != nil {
		return decimal.Zero, fmt.Errorf("parse balance delta %q: %w", raw, err)
	}
	return d, nil
}

// ExecutionBudget is the fee bid attached to the transaction.
type ExecutionBudget struct {
	PriorityFeeMicroLamports uint64
	ComputeUnits             uint32
}
