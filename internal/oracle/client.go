package oracle

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/shopspring/decimal"

	"flowmint-engine/internal/models"
)

// Provider fetches the latest observation for a price feed.
type Provider interface {
	GetLatestPrice(ctx context.Context, feedID string) (models.OraclePrice, error)
}

// HTTPProvider talks to a Pyth-style price service over HTTPS.
type HTTPProvider struct {
	baseURL    string
	httpClient *http.Client
}

func NewHTTPProvider(baseURL string, timeout time.Duration) *HTTPProvider {
	if timeout == 0 {
		timeout = 10 * time.Second
	}
	return &HTTPProvider{
		baseURL: baseURL,
		httpClient: &http.Client{
			Timeout: timeout,
			Transport: &http.Transport{
				MaxIdleConns:        100,
				MaxIdleConnsPerHost: 100,
				IdleConnTimeout:     90 * time.Second,
			},
		},
	}
}

// Wire shapes for the price service response. The duck-typed upstream
// payload is normalized into models.OraclePrice at this boundary and
// nowhere else.
type latestPriceResponse struct {
	Parsed []struct {
		ID    string `json:"id"`
		Price struct {
			Price       string `json:"price"`
			Conf        string `json:"conf"`
			Expo        int32  `json:"expo"`
			PublishTime int64  `json:"publish_time"`
		} `json:"price"`
	} `json:"parsed"`
}

// GetLatestPrice fetches one feed's latest observation.
func (p *HTTPProvider) GetLatestPrice(ctx context.Context, feedID string) (models.OraclePrice, error) {
	u := fmt.Sprintf("%s/v2/updates/price/latest?ids[]=%s", p.baseURL, url.QueryEscape(feedID))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return models.OraclePrice{}, fmt.Errorf("build price request: %w", err)
	}

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return models.OraclePrice{}, fmt.Errorf("fetch price for feed %s: %w", feedID, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return models.OraclePrice{}, fmt.Errorf("price service returned status %d for feed %s", resp.StatusCode, feedID)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return models.OraclePrice{}, fmt.Errorf("read price response: %w", err)
	}

	var parsed latestPriceResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return models.OraclePrice{}, fmt.Errorf("decode price response: %w", err)
	}
	if len(parsed.Parsed) == 0 {
		return models.OraclePrice{}, fmt.Errorf("price service returned no data for feed %s", feedID)
	}

	raw := parsed.Parsed[0]
	price, err := scaledDecimal(raw.Price.Price, raw.Price.Expo)
	if err != nil {
		return models.OraclePrice{}, fmt.Errorf("parse price for feed %s: %w", feedID, err)
	}
	conf, err := scaledDecimal(raw.Price.Conf, raw.Price.Expo)
	if err != nil {
		return models.OraclePrice{}, fmt.Errorf("parse confidence for feed %s: %w", feedID, err)
	}

	return models.OraclePrice{
		FeedID:      feedID,
		Price:       price,
		Confidence:  conf,
		PublishTime: time.Unix(raw.Price.PublishTime, 0).UTC(),
	}, nil
}

// scaledDecimal applies the feed's exponent to a fixed-point mantissa.
func scaledDecimal(mantissa string, expo int32) (decimal.Decimal, error) {
	d, err := decimal.NewFromString(mantissa)
	if err != nil {
		return decimal.Decimal{}, err
	}
	return d.Shift(expo), nil
}
