// Package bridge drives cross-chain transfers through an external bridge
// aggregator: route discovery, transaction building and status reporting.
package bridge

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"math/big"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/pkg/errors"

	"github/chapool/go-rebalancer/internal/config"
)

// Error taxonomy for orchestration and monitoring. Every failure of an
// attempt wraps exactly one of these so the engine can report a precise
// cause.
var (
	// ErrQuoteUnavailable marks a missing or malformed route/quote.
	ErrQuoteUnavailable = errors.New("no viable bridge route")
	// ErrApproval marks a failed token approval.
	ErrApproval = errors.New("token approval failed")
	// ErrSubmission marks a gas-estimation or send failure.
	ErrSubmission = errors.New("transaction submission failed")
	// ErrMonitorTimeout marks an exhausted polling budget, distinct from a
	// reported bridge failure.
	ErrMonitorTimeout = errors.New("bridge status polling timed out")
	// ErrBridgeFailed marks an aggregator-reported failed transfer leg.
	ErrBridgeFailed = errors.New("bridge reported transfer failure")
)

// TxStatus is a per-leg status reported by the aggregator.
type TxStatus string

// Aggregator leg statuses.
const (
	TxStatusPending   TxStatus = "PENDING"
	TxStatusCompleted TxStatus = "COMPLETED"
	TxStatusFailed    TxStatus = "FAILED"
)

// Route is one proposed path for moving value between chains, as returned by
// GET /quote.
type Route struct {
	RouteID    string `json:"routeId"`
	FromChain  int64  `json:"fromChain"`
	ToChain    int64  `json:"toChain"`
	FromToken  string `json:"fromToken"`
	ToToken    string `json:"toToken"`
	FromAmount string `json:"fromAmount"`
	ToAmount   string `json:"toAmount"`
}

// OutputAmount parses the route's expected output into an integer amount.
func (r *Route) OutputAmount() (*big.Int, error) {
	amount, ok := new(big.Int).SetString(r.ToAmount, 10)
	if !ok || amount.Sign() <= 0 {
		return nil, errors.Wrapf(ErrQuoteUnavailable, "malformed route output amount %q", r.ToAmount)
	}
	return amount, nil
}

// Approval describes the allowance a route requires before submission.
type Approval struct {
	TokenAddress   string `json:"tokenAddress"`
	SpenderAddress string `json:"spenderAddress"`
	Amount         string `json:"amount"`
}

// BuildTxResult is the ready-to-sign transaction data for a route, as
// returned by POST /build-tx.
type BuildTxResult struct {
	TxTarget string    `json:"txTarget"`
	TxData   string    `json:"txData"`
	Value    string    `json:"value"`
	Approval *Approval `json:"approvalData,omitempty"`
}

// StatusResult is the per-leg transfer status keyed by the source tx hash.
type StatusResult struct {
	SourceTxStatus      TxStatus `json:"sourceTxStatus"`
	DestinationTxStatus TxStatus `json:"destinationTxStatus"`
}

// QuoteRequest identifies the transfer tuple a route is requested for.
type QuoteRequest struct {
	FromChain int64
	ToChain   int64
	FromToken string
	ToToken   string
	Amount    *big.Int
	Sender    string
}

// Client is the aggregator API surface the orchestrator and monitor consume.
type Client interface {
	Quote(ctx context.Context, req QuoteRequest) ([]Route, error)
	BuildTx(ctx context.Context, route Route) (*BuildTxResult, error)
	Status(ctx context.Context, txHash string, fromChain, toChain int64) (*StatusResult, error)
}

type httpClient struct {
	baseURL string
	apiKey  string
	http    *http.Client
}

// NewHTTPClient creates an aggregator client with the configured base URL
// and API key.
func NewHTTPClient(cfg config.Aggregator) Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	return &httpClient{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:  cfg.APIKey,
		http:    &http.Client{Timeout: timeout},
	}
}

type quoteResponse struct {
	Routes []Route `json:"routes"`
}

func (c *httpClient) Quote(ctx context.Context, req QuoteRequest) ([]Route, error) {
	query := url.Values{}
	query.Set("fromChain", fmt.Sprintf("%d", req.FromChain))
	query.Set("toChain", fmt.Sprintf("%d", req.ToChain))
	query.Set("fromToken", strings.ToLower(req.FromToken))
	query.Set("toToken", strings.ToLower(req.ToToken))
	query.Set("amount", req.Amount.String())
	query.Set("sender", strings.ToLower(req.Sender))

	var resp quoteResponse
	if err := c.do(ctx, http.MethodGet, "/quote?"+query.Encode(), nil, &resp); err != nil {
		return nil, err
	}

	return resp.Routes, nil
}

func (c *httpClient) BuildTx(ctx context.Context, route Route) (*BuildTxResult, error) {
	var resp BuildTxResult
	if err := c.do(ctx, http.MethodPost, "/build-tx", map[string]any{"route": route}, &resp); err != nil {
		return nil, err
	}

	// validate at the boundary: a build result without target or calldata
	// cannot be submitted and counts as an unusable quote
	if resp.TxTarget == "" || resp.TxData == "" {
		return nil, errors.Wrap(ErrQuoteUnavailable, "build-tx response missing txTarget or txData")
	}

	return &resp, nil
}

func (c *httpClient) Status(ctx context.Context, txHash string, fromChain, toChain int64) (*StatusResult, error) {
	query := url.Values{}
	query.Set("txHash", txHash)
	query.Set("fromChain", fmt.Sprintf("%d", fromChain))
	query.Set("toChain", fmt.Sprintf("%d", toChain))

	var resp StatusResult
	if err := c.do(ctx, http.MethodGet, "/bridge-status?"+query.Encode(), nil, &resp); err != nil {
		return nil, err
	}

	if resp.SourceTxStatus == "" {
		resp.SourceTxStatus = TxStatusPending
	}
	if resp.DestinationTxStatus == "" {
		resp.DestinationTxStatus = TxStatusPending
	}

	return &resp, nil
}

func (c *httpClient) do(ctx context.Context, method, path string, payload any, out any) error {
	var body *bytes.Reader
	if payload != nil {
		buf, err := json.Marshal(payload)
		if err != nil {
			return errors.Wrap(err, "failed to encode request body")
		}
		body = bytes.NewReader(buf)
	} else {
		body = bytes.NewReader(nil)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return errors.Wrap(err, "failed to build aggregator request")
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("X-API-Key", c.apiKey)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return errors.Wrap(err, "failed to reach bridge aggregator")
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return errors.Errorf("bridge aggregator responded with status %d on %s", resp.StatusCode, path)
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return errors.Wrap(err, "failed to decode aggregator response")
	}

	return nil
}
