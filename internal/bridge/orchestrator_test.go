package bridge_test

import (
	"context"
	"fmt"
	"math/big"
	"sync"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/require"

	"github/chapool/go-rebalancer/internal/bridge"
	"github/chapool/go-rebalancer/internal/chain"
)

// eventLog records cross-fake call ordering.
type eventLog struct {
	mu     sync.Mutex
	events []string
}

func (l *eventLog) add(format string, args ...any) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, fmt.Sprintf(format, args...))
}

type scriptedChain struct {
	log       *eventLog
	name      string
	chainID   int64
	allowance *big.Int

	sends     int
	gasLimits []uint64
	approved  []*big.Int
}

func (c *scriptedChain) ChainID() int64 { return c.chainID }

func (c *scriptedChain) WalletAddress() common.Address {
	return common.HexToAddress("0x00000000000000000000000000000000000000ee")
}

func (c *scriptedChain) TokenBalance(_ context.Context, _ common.Address) (*big.Int, error) {
	return big.NewInt(0), nil
}

func (c *scriptedChain) Allowance(_ context.Context, _, _ common.Address) (*big.Int, error) {
	c.log.add("%s:allowance", c.name)
	if c.allowance == nil {
		return big.NewInt(0), nil
	}
	return new(big.Int).Set(c.allowance), nil
}

func (c *scriptedChain) Approve(_ context.Context, _, _ common.Address, amount *big.Int) (common.Hash, error) {
	c.log.add("%s:approve", c.name)
	c.approved = append(c.approved, new(big.Int).Set(amount))
	return common.BigToHash(big.NewInt(999)), nil
}

func (c *scriptedChain) EstimateGas(_ context.Context, _ common.Address, _ *big.Int, _ []byte) (uint64, error) {
	return 100_000, nil
}

func (c *scriptedChain) SendTransaction(_ context.Context, _ common.Address, _ *big.Int, _ []byte, gasLimit uint64) (common.Hash, error) {
	c.sends++
	c.gasLimits = append(c.gasLimits, gasLimit)
	c.log.add("%s:send", c.name)
	return common.BigToHash(big.NewInt(c.chainID*100 + int64(c.sends))), nil
}

func (c *scriptedChain) WaitForReceipt(_ context.Context, _ common.Hash) error {
	c.log.add("%s:wait", c.name)
	return nil
}

var _ chain.Service = (*scriptedChain)(nil)

// fakeAggregator answers quotes from a routing table keyed by the transfer
// tuple and builds transactions from a fixed template.
type fakeAggregator struct {
	mu         sync.Mutex
	routes     map[string][]bridge.Route
	quoteCalls []bridge.QuoteRequest
	builtFor   []bridge.Route
	approval   *bridge.Approval
	buildValue string
}

func routeKey(fromChain, toChain int64, fromToken, toToken string) string {
	return fmt.Sprintf("%d/%d/%s/%s", fromChain, toChain, fromToken, toToken)
}

func (f *fakeAggregator) Quote(_ context.Context, req bridge.QuoteRequest) ([]bridge.Route, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.quoteCalls = append(f.quoteCalls, req)
	return f.routes[routeKey(req.FromChain, req.ToChain, req.FromToken, req.ToToken)], nil
}

func (f *fakeAggregator) BuildTx(_ context.Context, route bridge.Route) (*bridge.BuildTxResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.builtFor = append(f.builtFor, route)
	return &bridge.BuildTxResult{
		TxTarget: "0x00000000000000000000000000000000000000cc",
		TxData:   "0xdeadbeef",
		Value:    f.buildValue,
		Approval: f.approval,
	}, nil
}

func (f *fakeAggregator) Status(_ context.Context, _ string, _, _ int64) (*bridge.StatusResult, error) {
	panic("not used")
}

var _ bridge.Client = (*fakeAggregator)(nil)

const (
	orchTokenA = "0x00000000000000000000000000000000000000aa"
	orchTokenB = "0x00000000000000000000000000000000000000bb"
)

func directRoute(fromChain, toChain int64, id, toAmount string) bridge.Route {
	return bridge.Route{
		RouteID:    id,
		FromChain:  fromChain,
		ToChain:    toChain,
		FromToken:  orchTokenA,
		ToToken:    orchTokenB,
		FromAmount: "1000",
		ToAmount:   toAmount,
	}
}

func newTransfer(log *eventLog) (bridge.TransferRequest, *scriptedChain, *scriptedChain) {
	source := &scriptedChain{log: log, name: "src", chainID: 1}
	dest := &scriptedChain{log: log, name: "dst", chainID: 56}

	return bridge.TransferRequest{
		Source:      source,
		Dest:        dest,
		SourceToken: orchTokenA,
		DestToken:   orchTokenB,
		Amount:      big.NewInt(1000),
	}, source, dest
}

func TestExecuteDirectRouteAppliesGasMargin(t *testing.T) {
	log := &eventLog{}
	req, source, _ := newTransfer(log)

	agg := &fakeAggregator{routes: map[string][]bridge.Route{
		routeKey(1, 56, orchTokenA, orchTokenB): {directRoute(1, 56, "r1", "990")},
	}}
	orchestrator := bridge.NewOrchestrator(agg, 20)

	hash, err := orchestrator.Execute(context.Background(), req)
	require.NoError(t, err)
	require.NotEmpty(t, hash)

	require.Equal(t, 1, source.sends)
	require.Equal(t, uint64(120_000), source.gasLimits[0], "20%% margin on a 100k estimate")
	// the direct path returns without waiting for chain confirmation
	require.Equal(t, []string{"src:send"}, log.events)
}

func TestExecuteRefreshesQuoteBeforeSubmission(t *testing.T) {
	log := &eventLog{}
	req, _, _ := newTransfer(log)

	stale := directRoute(1, 56, "r1", "990")
	competitor := directRoute(1, 56, "r2", "995")
	agg := &fakeAggregator{routes: map[string][]bridge.Route{
		routeKey(1, 56, orchTokenA, orchTokenB): {stale, competitor},
	}}
	orchestrator := bridge.NewOrchestrator(agg, 20)

	_, err := orchestrator.Execute(context.Background(), req)
	require.NoError(t, err)

	require.Len(t, agg.quoteCalls, 2, "initial quote plus pre-submission refresh")
	require.Len(t, agg.builtFor, 2)
	require.Equal(t, "r1", agg.builtFor[1].RouteID, "refresh must prefer the originally selected route id")
}

func TestExecuteApprovesOnlyWhenAllowanceInsufficient(t *testing.T) {
	log := &eventLog{}
	req, source, _ := newTransfer(log)
	source.allowance = big.NewInt(400)

	agg := &fakeAggregator{
		routes: map[string][]bridge.Route{
			routeKey(1, 56, orchTokenA, orchTokenB): {directRoute(1, 56, "r1", "990")},
		},
		approval: &bridge.Approval{
			TokenAddress:   orchTokenA,
			SpenderAddress: "0x00000000000000000000000000000000000000dd",
			Amount:         "1000",
		},
	}
	orchestrator := bridge.NewOrchestrator(agg, 20)

	_, err := orchestrator.Execute(context.Background(), req)
	require.NoError(t, err)

	require.Len(t, source.approved, 1)
	require.Equal(t, "1000", source.approved[0].String())
	// allowance read, approval confirmed, then the bridge tx goes out
	require.Equal(t, []string{"src:allowance", "src:approve", "src:wait", "src:send"}, log.events)
}

func TestExecuteSkipsApprovalWhenAllowanceCovers(t *testing.T) {
	log := &eventLog{}
	req, source, _ := newTransfer(log)
	source.allowance = big.NewInt(5000)

	agg := &fakeAggregator{
		routes: map[string][]bridge.Route{
			routeKey(1, 56, orchTokenA, orchTokenB): {directRoute(1, 56, "r1", "990")},
		},
		approval: &bridge.Approval{
			TokenAddress:   orchTokenA,
			SpenderAddress: "0x00000000000000000000000000000000000000dd",
			Amount:         "1000",
		},
	}
	orchestrator := bridge.NewOrchestrator(agg, 20)

	_, err := orchestrator.Execute(context.Background(), req)
	require.NoError(t, err)

	require.Empty(t, source.approved)
	require.Equal(t, []string{"src:allowance", "src:send"}, log.events)
}

func TestExecuteFallsBackToSwapBridgeSwap(t *testing.T) {
	log := &eventLog{}
	req, source, dest := newTransfer(log)

	step := func(fromChain, toChain int64, fromToken, toToken, out string) bridge.Route {
		return bridge.Route{
			RouteID:   fmt.Sprintf("%d-%d", fromChain, toChain),
			FromChain: fromChain, ToChain: toChain,
			FromToken: fromToken, ToToken: toToken,
			ToAmount: out,
		}
	}

	agg := &fakeAggregator{routes: map[string][]bridge.Route{
		// no direct tracked-token route between the chains
		routeKey(1, 1, orchTokenA, chain.NativeTokenAddress):               {step(1, 1, orchTokenA, chain.NativeTokenAddress, "500")},
		routeKey(1, 56, chain.NativeTokenAddress, chain.NativeTokenAddress): {step(1, 56, chain.NativeTokenAddress, chain.NativeTokenAddress, "450")},
		routeKey(56, 56, chain.NativeTokenAddress, orchTokenB):              {step(56, 56, chain.NativeTokenAddress, orchTokenB, "440")},
	}}
	orchestrator := bridge.NewOrchestrator(agg, 20)

	hash, err := orchestrator.Execute(context.Background(), req)
	require.NoError(t, err)

	// each hop waits for its receipt before the next is quoted; the returned
	// hash is the bridge leg's, the second send on the source chain
	require.Equal(t, []string{
		"src:send", "src:wait",
		"src:send", "src:wait",
		"dst:send", "dst:wait",
	}, log.events)
	require.Equal(t, 2, source.sends)
	require.Equal(t, 1, dest.sends)
	require.Equal(t, common.BigToHash(big.NewInt(102)).Hex(), hash)

	// step amounts chain the settled output forward
	var bridgeAmount, destSwapAmount *big.Int
	for _, call := range agg.quoteCalls {
		switch {
		case call.FromChain == 1 && call.ToChain == 56 && call.FromToken == chain.NativeTokenAddress:
			bridgeAmount = call.Amount
		case call.FromChain == 56 && call.ToChain == 56:
			destSwapAmount = call.Amount
		}
	}
	require.Equal(t, "500", bridgeAmount.String())
	require.Equal(t, "450", destSwapAmount.String())
}

func TestExecuteFailsWithoutAnyRoute(t *testing.T) {
	log := &eventLog{}
	req, _, _ := newTransfer(log)

	orchestrator := bridge.NewOrchestrator(&fakeAggregator{routes: map[string][]bridge.Route{}}, 20)

	_, err := orchestrator.Execute(context.Background(), req)
	require.ErrorIs(t, err, bridge.ErrQuoteUnavailable)
	require.Empty(t, log.events, "nothing may be submitted when no route exists")
}
