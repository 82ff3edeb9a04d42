// Package oracle resolves USD unit prices for token addresses.
package oracle

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/pkg/errors"

	"github/chapool/go-rebalancer/internal/config"
)

// Service returns a USD unit price for a token address. A returned price of
// 0 means "unavailable"; callers must not divide by it.
type Service interface {
	GetPrice(ctx context.Context, chainID int64, tokenAddress string) (float64, error)
}

type httpService struct {
	baseURL string
	http    *http.Client
}

// NewHTTPService creates an oracle client against the configured price API.
func NewHTTPService(cfg config.Oracle) Service {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	return &httpService{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		http:    &http.Client{Timeout: timeout},
	}
}

type priceResponse struct {
	Price float64 `json:"price"`
}

func (s *httpService) GetPrice(ctx context.Context, chainID int64, tokenAddress string) (float64, error) {
	query := url.Values{}
	query.Set("chainId", fmt.Sprintf("%d", chainID))
	query.Set("token", strings.ToLower(tokenAddress))
	query.Set("vs", "usd")

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.baseURL+"/v1/price?"+query.Encode(), nil)
	if err != nil {
		return 0, errors.Wrap(err, "failed to build price request")
	}

	resp, err := s.http.Do(req)
	if err != nil {
		return 0, errors.Wrap(err, "failed to query price oracle")
	}
	defer resp.Body.Close()

	// an unknown token is reported as price 0, not as an HTTP error
	if resp.StatusCode == http.StatusNotFound {
		return 0, nil
	}
	if resp.StatusCode != http.StatusOK {
		return 0, errors.Errorf("price oracle responded with status %d", resp.StatusCode)
	}

	var payload priceResponse
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return 0, errors.Wrap(err, "failed to decode price response")
	}
	if payload.Price < 0 {
		return 0, errors.Errorf("price oracle returned negative price %f", payload.Price)
	}

	return payload.Price, nil
}
