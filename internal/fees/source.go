package fees

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"flowmint-engine/internal/rpcpool"
)

// RPCSource fetches recent prioritization fees from the chain's JSON-RPC
// surface through the failover pool.
type RPCSource struct {
	pool        *rpcpool.Pool
	httpClient  *http.Client
	maxAttempts int
}

func NewRPCSource(pool *rpcpool.Pool) *RPCSource {
	return &RPCSource{
		pool:        pool,
		httpClient:  &http.Client{Timeout: 10 * time.Second},
		maxAttempts: 2,
	}
}

type recentFeesResponse struct {
	Result []struct {
		Slot              uint64 `json:"slot"`
		PrioritizationFee uint64 `json:"prioritizationFee"`
	} `json:"result"`
	Error *struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

// RecentPriorityFees returns the prioritization fees observed in recent
// slots.
func (s *RPCSource) RecentPriorityFees(ctx context.Context) ([]uint64, error) {
	var fees []uint64
	err := s.pool.ExecuteWithFailover(ctx, s.maxAttempts, func(ctx context.Context, endpointURL string) error {
		payload := []byte(`{"jsonrpc":"2.0","id":1,"method":"getRecentPrioritizationFees","params":[[]]}`)
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpointURL, bytes.NewReader(payload))
		if err != nil {
			return fmt.Errorf("build fee request: %w", err)
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := s.httpClient.Do(req)
		if err != nil {
			return fmt.Errorf("fetch recent fees: %w", err)
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusOK {
			return fmt.Errorf("rpc returned status %d", resp.StatusCode)
		}
		body, err := io.ReadAll(resp.Body)
		if err != nil {
			return fmt.Errorf("read fee response: %w", err)
		}

		var parsed recentFeesResponse
		if err := json.Unmarshal(body, &parsed); err != nil {
			return fmt.Errorf("decode fee response: %w", err)
		}
		if parsed.Error != nil {
			return fmt.Errorf("rpc error %d: %s", parsed.Error.Code, parsed.Error.Message)
		}

		fees = fees[:0]
		for _, r := range parsed.Result {
			fees = append(fees, r.PrioritizationFee)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return fees, nil
}
