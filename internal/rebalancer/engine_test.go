package rebalancer_test

import (
	"context"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"

	"github/chapool/go-rebalancer/internal/bridge"
	"github/chapool/go-rebalancer/internal/config"
	"github/chapool/go-rebalancer/internal/models"
	"github/chapool/go-rebalancer/internal/rebalancer"
	"github/chapool/go-rebalancer/internal/store"
)

type fakeChain struct {
	chainID int64
	balance *big.Int
	err     error
}

func (f *fakeChain) ChainID() int64                { return f.chainID }
func (f *fakeChain) WalletAddress() common.Address { return common.HexToAddress("0x01") }

func (f *fakeChain) TokenBalance(_ context.Context, _ common.Address) (*big.Int, error) {
	if f.err != nil {
		return nil, f.err
	}
	return new(big.Int).Set(f.balance), nil
}

func (f *fakeChain) Allowance(_ context.Context, _, _ common.Address) (*big.Int, error) {
	return big.NewInt(0), nil
}

func (f *fakeChain) Approve(_ context.Context, _, _ common.Address, _ *big.Int) (common.Hash, error) {
	return common.Hash{}, nil
}

func (f *fakeChain) EstimateGas(_ context.Context, _ common.Address, _ *big.Int, _ []byte) (uint64, error) {
	return 21000, nil
}

func (f *fakeChain) SendTransaction(_ context.Context, _ common.Address, _ *big.Int, _ []byte, _ uint64) (common.Hash, error) {
	return common.Hash{}, nil
}

func (f *fakeChain) WaitForReceipt(_ context.Context, _ common.Hash) error { return nil }

type fakeOrchestrator struct {
	mu     sync.Mutex
	calls  int
	txHash string
	err    error
}

func (f *fakeOrchestrator) Execute(_ context.Context, _ bridge.TransferRequest) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.err != nil {
		return "", f.err
	}
	return f.txHash, nil
}

type fakeMonitor struct {
	mu      sync.Mutex
	calls   int
	lastTx  string
	err     error
	blockCh chan struct{}
}

func (f *fakeMonitor) Wait(ctx context.Context, txHash string, _, _ int64) error {
	f.mu.Lock()
	f.calls++
	f.lastTx = txHash
	f.mu.Unlock()

	if f.blockCh != nil {
		select {
		case <-f.blockCh:
		case <-ctx.Done():
			return errors.Wrap(ctx.Err(), "monitor interrupted")
		}
	}
	return f.err
}

type recordingNotifier struct {
	mu     sync.Mutex
	infos  []string
	errors []string
}

func (r *recordingNotifier) SendInfo(_ context.Context, text string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.infos = append(r.infos, text)
}

func (r *recordingNotifier) SendError(_ context.Context, text string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.errors = append(r.errors, text)
}

type engineFixture struct {
	engine       *rebalancer.Engine
	store        *store.Store
	chainA       *fakeChain
	chainB       *fakeChain
	oracle       *fakeOracle
	orchestrator *fakeOrchestrator
	monitor      *fakeMonitor
	notifier     *recordingNotifier
}

func newEngineFixture(t *testing.T) *engineFixture {
	t.Helper()

	s, err := store.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	fix := &engineFixture{
		store:        s,
		chainA:       &fakeChain{chainID: 1, balance: units(500)},
		chainB:       &fakeChain{chainID: 56, balance: units(100)},
		oracle:       &fakeOracle{prices: map[string]float64{tokenA: 1, tokenB: 1}},
		orchestrator: &fakeOrchestrator{txHash: "0xbridge"},
		monitor:      &fakeMonitor{},
		notifier:     &recordingNotifier{},
	}

	cfgA := config.Chain{Name: "chain-a", ChainID: 1, TokenAddress: tokenA, TokenDecimals: 6, MinTokenBalance: 200}
	cfgB := config.Chain{Name: "chain-b", ChainID: 56, TokenAddress: tokenB, TokenDecimals: 6, MinTokenBalance: 200}

	fix.engine = rebalancer.NewEngine(
		s,
		fix.chainA, fix.chainB,
		cfgA, cfgB,
		rebalancer.NewPlanner(fix.oracle),
		fix.orchestrator,
		fix.monitor,
		fix.notifier,
		nil,
	)

	return fix
}

func TestTickPlansExecutesAndCompletes(t *testing.T) {
	fix := newEngineFixture(t)
	ctx := context.Background()

	require.NoError(t, fix.engine.Tick(ctx))

	ops, err := fix.store.ListRecent(ctx, 10)
	require.NoError(t, err)
	require.Len(t, ops, 1)

	op := ops[0]
	require.Equal(t, models.OperationStatusCompleted, op.Status)
	require.Equal(t, models.DirectionAToB, op.Direction)
	require.Equal(t, units(100).String(), op.AmountToBridge.String())
	require.Equal(t, "0xbridge", op.BridgeTxHash)
	require.Equal(t, units(500).String(), op.SourceChainBalance.String())
	require.Equal(t, units(100).String(), op.DestChainBalance.String())

	require.Equal(t, 1, fix.orchestrator.calls)
	require.Equal(t, 1, fix.monitor.calls)
	// plan notification precedes execution, completion notification follows
	require.Len(t, fix.notifier.infos, 2)
	require.Contains(t, fix.notifier.infos[0], "Rebalance planned")
	require.Contains(t, fix.notifier.infos[1], "completed")
}

func TestTickNoopAboveThresholds(t *testing.T) {
	fix := newEngineFixture(t)
	fix.chainA.balance = units(250)
	fix.chainB.balance = units(250)

	require.NoError(t, fix.engine.Tick(context.Background()))

	ops, err := fix.store.ListRecent(context.Background(), 10)
	require.NoError(t, err)
	require.Empty(t, ops)
	require.Zero(t, fix.orchestrator.calls)
}

func TestTickIdempotentAfterCompletion(t *testing.T) {
	fix := newEngineFixture(t)
	ctx := context.Background()

	require.NoError(t, fix.engine.Tick(ctx))
	require.Equal(t, 1, fix.orchestrator.calls)

	// the transfer settled; balances sit above thresholds now
	fix.chainA.balance = units(400)
	fix.chainB.balance = units(210)

	require.NoError(t, fix.engine.Tick(ctx))

	ops, err := fix.store.ListRecent(ctx, 10)
	require.NoError(t, err)
	require.Len(t, ops, 1)
	require.Equal(t, 1, fix.orchestrator.calls)
	require.Equal(t, 1, fix.monitor.calls)
}

func TestTickAbortsOnBalanceReadError(t *testing.T) {
	fix := newEngineFixture(t)
	fix.chainB.err = errors.New("rpc down")

	err := fix.engine.Tick(context.Background())
	require.Error(t, err)

	ops, listErr := fix.store.ListRecent(context.Background(), 10)
	require.NoError(t, listErr)
	require.Empty(t, ops)
	require.NotEmpty(t, fix.notifier.errors)
}

func TestTickAbortsOnPriceUnavailable(t *testing.T) {
	fix := newEngineFixture(t)
	fix.oracle.prices[tokenA] = 0

	err := fix.engine.Tick(context.Background())
	require.ErrorIs(t, err, rebalancer.ErrPriceUnavailable)

	ops, listErr := fix.store.ListRecent(context.Background(), 10)
	require.NoError(t, listErr)
	require.Empty(t, ops)
}

func TestTickMarksFailedOnOrchestrationError(t *testing.T) {
	fix := newEngineFixture(t)
	fix.orchestrator.err = errors.Wrap(bridge.ErrQuoteUnavailable, "no routes")

	err := fix.engine.Tick(context.Background())
	require.ErrorIs(t, err, bridge.ErrQuoteUnavailable)

	ops, listErr := fix.store.ListRecent(context.Background(), 10)
	require.NoError(t, listErr)
	require.Len(t, ops, 1)
	require.Equal(t, models.OperationStatusFailed, ops[0].Status)
	require.Contains(t, ops[0].ErrorMessage, "no routes")
	require.Zero(t, fix.monitor.calls)
}

func TestTickMarksFailedOnMonitorTimeout(t *testing.T) {
	fix := newEngineFixture(t)
	fix.monitor.err = errors.Wrap(bridge.ErrMonitorTimeout, "still pending")

	err := fix.engine.Tick(context.Background())
	require.ErrorIs(t, err, bridge.ErrMonitorTimeout)

	ops, listErr := fix.store.ListRecent(context.Background(), 10)
	require.NoError(t, listErr)
	require.Equal(t, models.OperationStatusFailed, ops[0].Status)
}

func TestResumeWithoutHashReSubmits(t *testing.T) {
	fix := newEngineFixture(t)
	ctx := context.Background()

	// a previous run crashed between insert and submission
	pending := models.NewRebalanceOperation(models.DirectionAToB, tokenA, 6, units(100), units(500), units(100))
	require.NoError(t, fix.store.Insert(ctx, pending))

	require.NoError(t, fix.engine.Tick(ctx))

	ops, err := fix.store.ListRecent(ctx, 10)
	require.NoError(t, err)
	require.Len(t, ops, 1, "resumption must reuse the existing row, not create a new one")
	require.Equal(t, pending.ID, ops[0].ID)
	require.Equal(t, models.OperationStatusCompleted, ops[0].Status)
	require.Equal(t, 1, fix.orchestrator.calls)
}

func TestResumeWithHashOnlyMonitors(t *testing.T) {
	fix := newEngineFixture(t)
	ctx := context.Background()

	// a previous run crashed after submission
	inflight := models.NewRebalanceOperation(models.DirectionAToB, tokenA, 6, units(100), units(500), units(100))
	require.NoError(t, fix.store.Insert(ctx, inflight))
	require.NoError(t, fix.store.MarkInProgress(ctx, inflight.ID))
	require.NoError(t, fix.store.SetBridgeTxHash(ctx, inflight.ID, "0xsubmitted"))

	require.NoError(t, fix.engine.Tick(ctx))

	require.Zero(t, fix.orchestrator.calls, "a submitted transfer must never be re-submitted")
	require.Equal(t, 1, fix.monitor.calls)
	require.Equal(t, "0xsubmitted", fix.monitor.lastTx)

	ops, err := fix.store.ListRecent(ctx, 10)
	require.NoError(t, err)
	require.Len(t, ops, 1)
	require.Equal(t, models.OperationStatusCompleted, ops[0].Status)
	require.Equal(t, "0xsubmitted", ops[0].BridgeTxHash)
}

func TestShutdownDuringMonitorLeavesOperationResumable(t *testing.T) {
	fix := newEngineFixture(t)
	fix.monitor.blockCh = make(chan struct{})
	defer close(fix.monitor.blockCh)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- fix.engine.Tick(ctx)
	}()

	require.Eventually(t, fix.engine.Busy, time.Second, time.Millisecond)
	cancel()

	require.ErrorIs(t, <-done, context.Canceled)

	// the interrupted transfer is not a failure: the row stays
	// unfinished so the next start picks it up, and no failure is
	// reported to operators
	ops, err := fix.store.ListRecent(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, ops, 1)
	require.Equal(t, models.OperationStatusInProgress, ops[0].Status)
	require.Empty(t, ops[0].ErrorMessage)
	require.Equal(t, "0xbridge", ops[0].BridgeTxHash)
	require.Empty(t, fix.notifier.errors)

	// a fresh tick resumes the same operation through monitoring only
	fix.monitor.blockCh = nil
	require.NoError(t, fix.engine.Tick(context.Background()))

	resumed, err := fix.store.ListRecent(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, resumed, 1)
	require.Equal(t, ops[0].ID, resumed[0].ID)
	require.Equal(t, models.OperationStatusCompleted, resumed[0].Status)
	require.Equal(t, 1, fix.orchestrator.calls)
}

func TestTriggerTickConflictsWhileRunning(t *testing.T) {
	fix := newEngineFixture(t)
	fix.monitor.blockCh = make(chan struct{})

	require.NoError(t, fix.engine.TriggerTick(context.Background()))
	// the busy flag is taken before TriggerTick returns, so a second
	// trigger conflicts without any window for a silent skip
	require.True(t, fix.engine.Busy())
	require.ErrorIs(t, fix.engine.TriggerTick(context.Background()), rebalancer.ErrTickInFlight)

	close(fix.monitor.blockCh)
	require.Eventually(t, func() bool { return !fix.engine.Busy() }, time.Second, time.Millisecond)

	ops, err := fix.store.ListRecent(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, ops, 1)
	require.Equal(t, models.OperationStatusCompleted, ops[0].Status)
	require.Equal(t, 1, fix.orchestrator.calls)
}

func TestTickSkippedWhileAnotherRuns(t *testing.T) {
	fix := newEngineFixture(t)
	fix.monitor.blockCh = make(chan struct{})

	done := make(chan error, 1)
	go func() {
		done <- fix.engine.Tick(context.Background())
	}()

	require.Eventually(t, fix.engine.Busy, time.Second, time.Millisecond)

	err := fix.engine.Tick(context.Background())
	require.ErrorIs(t, err, rebalancer.ErrTickInFlight)

	close(fix.monitor.blockCh)
	require.NoError(t, <-done)
	require.False(t, fix.engine.Busy())
}
