package bridge

import (
	"context"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github/chapool/go-rebalancer/internal/chain"
)

// TransferRequest describes one cross-chain transfer to execute. Source and
// Dest are the chain clients for the donor and receiving chain; tokens are
// the tracked asset's addresses on each side.
type TransferRequest struct {
	Source      chain.Service
	Dest        chain.Service
	SourceToken string
	DestToken   string
	Amount      *big.Int
}

// Orchestrator turns a transfer request into a submitted bridge transaction
// via the aggregator: quote, optional swap-bridge-swap fallback, approval
// handling, quote refresh and gas-margined submission.
type Orchestrator struct {
	client       Client
	gasMarginPct int64
}

// NewOrchestrator creates an orchestrator. gasMarginPct is the safety margin
// applied on top of the raw gas estimate (20 means +20%).
func NewOrchestrator(client Client, gasMarginPct int64) *Orchestrator {
	if gasMarginPct <= 0 {
		gasMarginPct = 20
	}

	return &Orchestrator{
		client:       client,
		gasMarginPct: gasMarginPct,
	}
}

// Execute submits the transfer and returns the bridge transaction hash on
// the source chain without waiting for chain confirmation. Any step failure
// is unrecoverable for this attempt; already-landed approvals or
// intermediate swaps are not rolled back, the returned error says so.
func (o *Orchestrator) Execute(ctx context.Context, req TransferRequest) (string, error) {
	quoteReq := QuoteRequest{
		FromChain: req.Source.ChainID(),
		ToChain:   req.Dest.ChainID(),
		FromToken: req.SourceToken,
		ToToken:   req.DestToken,
		Amount:    req.Amount,
		Sender:    req.Source.WalletAddress().Hex(),
	}

	routes, err := o.client.Quote(ctx, quoteReq)
	if err != nil {
		return "", errors.Wrapf(ErrQuoteUnavailable, "quote request: %v", err)
	}

	if len(routes) == 0 {
		log.Info().
			Int64("from_chain", quoteReq.FromChain).
			Int64("to_chain", quoteReq.ToChain).
			Msg("No direct route, falling back to swap-bridge-swap")

		return o.executeMultiHop(ctx, req)
	}

	return o.submitRoute(ctx, req.Source, quoteReq, routes[0], false)
}

// executeMultiHop performs swap (source chain) -> bridge (native) -> swap
// (dest chain). Steps are strictly sequential: each step's quote depends on
// the previous step's settled output, so every step but the bridge waits for
// its receipt before the next is issued. The bridge step's hash is returned
// for monitoring; the final swap is issued after the bridge source leg
// confirms.
func (o *Orchestrator) executeMultiHop(ctx context.Context, req TransferRequest) (string, error) {
	sourceID := req.Source.ChainID()
	destID := req.Dest.ChainID()

	// step 1: swap the tracked token to the native asset on the source chain
	swapOut, _, err := o.executeStep(ctx, req.Source, QuoteRequest{
		FromChain: sourceID,
		ToChain:   sourceID,
		FromToken: req.SourceToken,
		ToToken:   chain.NativeTokenAddress,
		Amount:    req.Amount,
		Sender:    req.Source.WalletAddress().Hex(),
	}, true)
	if err != nil {
		return "", errors.WithMessage(err, "source swap step")
	}

	// step 2: bridge the native asset across
	bridgeOut, bridgeHash, err := o.executeStep(ctx, req.Source, QuoteRequest{
		FromChain: sourceID,
		ToChain:   destID,
		FromToken: chain.NativeTokenAddress,
		ToToken:   chain.NativeTokenAddress,
		Amount:    swapOut,
		Sender:    req.Source.WalletAddress().Hex(),
	}, true)
	if err != nil {
		return "", errors.WithMessage(err, "bridge step after source swap landed on-chain, manual follow-up required")
	}

	// step 3: swap native back into the tracked token on the destination
	_, _, err = o.executeStep(ctx, req.Dest, QuoteRequest{
		FromChain: destID,
		ToChain:   destID,
		FromToken: chain.NativeTokenAddress,
		ToToken:   req.DestToken,
		Amount:    bridgeOut,
		Sender:    req.Dest.WalletAddress().Hex(),
	}, true)
	if err != nil {
		return "", errors.WithMessage(err, "destination swap step after bridge landed on-chain, manual follow-up required")
	}

	return bridgeHash, nil
}

// executeStep quotes and submits one hop on the given chain, returning the
// route's settled output amount and the submitted hash.
func (o *Orchestrator) executeStep(ctx context.Context, cl chain.Service, quoteReq QuoteRequest, wait bool) (*big.Int, string, error) {
	routes, err := o.client.Quote(ctx, quoteReq)
	if err != nil {
		return nil, "", errors.Wrapf(ErrQuoteUnavailable, "step quote request: %v", err)
	}
	if len(routes) == 0 {
		return nil, "", errors.Wrapf(ErrQuoteUnavailable, "no route for step %s -> %s", quoteReq.FromToken, quoteReq.ToToken)
	}

	route := routes[0]
	out, err := route.OutputAmount()
	if err != nil {
		return nil, "", err
	}

	hash, err := o.submitRoute(ctx, cl, quoteReq, route, wait)
	if err != nil {
		return nil, "", err
	}

	return out, hash, nil
}

// submitRoute drives one route through approval, quote refresh, gas
// estimation and submission. When wait is set it blocks until the
// transaction's receipt confirms.
func (o *Orchestrator) submitRoute(ctx context.Context, cl chain.Service, quoteReq QuoteRequest, route Route, wait bool) (string, error) {
	build, err := o.client.BuildTx(ctx, route)
	if err != nil {
		if errors.Is(err, ErrQuoteUnavailable) {
			return "", err
		}
		return "", errors.Wrapf(ErrQuoteUnavailable, "build-tx: %v", err)
	}

	if err := o.ensureApproval(ctx, cl, build.Approval); err != nil {
		return "", err
	}

	// quotes may expire while an approval confirms; re-fetch before the
	// final submission
	refreshed, err := o.refreshRoute(ctx, quoteReq, route)
	if err != nil {
		return "", err
	}

	build, err = o.client.BuildTx(ctx, refreshed)
	if err != nil {
		if errors.Is(err, ErrQuoteUnavailable) {
			return "", err
		}
		return "", errors.Wrapf(ErrQuoteUnavailable, "build-tx refresh: %v", err)
	}

	target := common.HexToAddress(build.TxTarget)
	data := common.FromHex(build.TxData)
	value, err := parseAmount(build.Value)
	if err != nil {
		return "", errors.Wrapf(ErrQuoteUnavailable, "build-tx value: %v", err)
	}

	gas, err := cl.EstimateGas(ctx, target, value, data)
	if err != nil {
		// keep the underlying cause visible to the operator
		return "", errors.Wrapf(ErrSubmission, "gas estimation: %v", err)
	}
	gasLimit := gas + gas*uint64(o.gasMarginPct)/100 //nolint:gosec

	hash, err := cl.SendTransaction(ctx, target, value, data, gasLimit)
	if err != nil {
		return "", errors.Wrapf(ErrSubmission, "send: %v", err)
	}

	if wait {
		if err := cl.WaitForReceipt(ctx, hash); err != nil {
			return "", errors.Wrapf(ErrSubmission, "confirmation of %s: %v", hash.Hex(), err)
		}
	}

	return hash.Hex(), nil
}

// ensureApproval submits an approval only when the current allowance is
// below what the route requires, and waits for it to confirm. Reading the
// live allowance first avoids redundant approvals and the race between a
// stale read and submission.
func (o *Orchestrator) ensureApproval(ctx context.Context, cl chain.Service, approval *Approval) error {
	if approval == nil {
		return nil
	}
	if strings.EqualFold(approval.TokenAddress, chain.NativeTokenAddress) {
		return nil
	}

	required, err := parseAmount(approval.Amount)
	if err != nil {
		return errors.Wrapf(ErrApproval, "required allowance: %v", err)
	}
	if required.Sign() <= 0 {
		return nil
	}

	token := common.HexToAddress(approval.TokenAddress)
	spender := common.HexToAddress(approval.SpenderAddress)

	current, err := cl.Allowance(ctx, token, spender)
	if err != nil {
		return errors.Wrapf(ErrApproval, "allowance read: %v", err)
	}
	if current.Cmp(required) >= 0 {
		return nil
	}

	hash, err := cl.Approve(ctx, token, spender, required)
	if err != nil {
		return errors.Wrapf(ErrApproval, "approve submission: %v", err)
	}

	if err := cl.WaitForReceipt(ctx, hash); err != nil {
		return errors.Wrapf(ErrApproval, "approve confirmation of %s: %v", hash.Hex(), err)
	}

	log.Info().
		Int64("chain_id", cl.ChainID()).
		Str("token", token.Hex()).
		Str("spender", spender.Hex()).
		Str("amount", required.String()).
		Msg("Approval confirmed")

	return nil
}

// refreshRoute re-quotes the same tuple and prefers the route matching the
// original route id, falling back to the best available.
func (o *Orchestrator) refreshRoute(ctx context.Context, quoteReq QuoteRequest, original Route) (Route, error) {
	routes, err := o.client.Quote(ctx, quoteReq)
	if err != nil {
		return Route{}, errors.Wrapf(ErrQuoteUnavailable, "quote refresh: %v", err)
	}
	if len(routes) == 0 {
		return Route{}, errors.Wrap(ErrQuoteUnavailable, "route disappeared on refresh")
	}

	for _, route := range routes {
		if route.RouteID != "" && route.RouteID == original.RouteID {
			return route, nil
		}
	}

	return routes[0], nil
}

// parseAmount reads a decimal or 0x-prefixed hex integer. Empty means zero.
func parseAmount(raw string) (*big.Int, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return big.NewInt(0), nil
	}

	base := 10
	if strings.HasPrefix(raw, "0x") || strings.HasPrefix(raw, "0X") {
		raw = raw[2:]
		base = 16
	}

	amount, ok := new(big.Int).SetString(raw, base)
	if !ok {
		return nil, errors.Errorf("malformed amount %q", raw)
	}

	return amount, nil
}
