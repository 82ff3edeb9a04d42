package rebalancer

import (
	"context"
	"fmt"
	"math/big"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/ethereum/go-ethereum/common"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github/chapool/go-rebalancer/internal/bridge"
	"github/chapool/go-rebalancer/internal/chain"
	"github/chapool/go-rebalancer/internal/config"
	"github/chapool/go-rebalancer/internal/metrics"
	"github/chapool/go-rebalancer/internal/models"
	"github/chapool/go-rebalancer/internal/notify"
)

// ErrTickInFlight is returned when a tick fires while another is still
// running. The tick is skipped, not queued.
var ErrTickInFlight = errors.New("a rebalance check is already running")

// OperationStore is the persistence surface the engine drives transitions
// through. Satisfied by *store.Store.
type OperationStore interface {
	Insert(ctx context.Context, op *models.RebalanceOperation) error
	FindOldestUnfinished(ctx context.Context) (*models.RebalanceOperation, error)
	MarkInProgress(ctx context.Context, id string) error
	SetBridgeTxHash(ctx context.Context, id string, txHash string) error
	MarkCompleted(ctx context.Context, id string, txHash string) error
	MarkFailed(ctx context.Context, id string, message string) error
}

// Orchestrator submits a planned transfer and returns the bridge tx hash.
type Orchestrator interface {
	Execute(ctx context.Context, req bridge.TransferRequest) (string, error)
}

// TransferMonitor blocks until the submitted transfer reaches a terminal
// state or its polling budget runs out.
type TransferMonitor interface {
	Wait(ctx context.Context, txHash string, fromChain, toChain int64) error
}

// Engine drives one rebalance check per tick: resume an unfinished
// operation if one exists, otherwise sense balances, plan, persist and
// execute. At most one check runs at a time.
type Engine struct {
	store        OperationStore
	chainA       chain.Service
	chainB       chain.Service
	cfgA         config.Chain
	cfgB         config.Chain
	planner      *Planner
	orchestrator Orchestrator
	monitor      TransferMonitor
	notifier     notify.Notifier
	clk          clock.Clock

	busy atomic.Bool
}

// NewEngine wires the engine from its collaborators. clk may be nil for the
// system clock.
func NewEngine(
	operationStore OperationStore,
	chainA chain.Service,
	chainB chain.Service,
	cfgA config.Chain,
	cfgB config.Chain,
	planner *Planner,
	orchestrator Orchestrator,
	monitor TransferMonitor,
	notifier notify.Notifier,
	clk clock.Clock,
) *Engine {
	if clk == nil {
		clk = clock.New()
	}

	return &Engine{
		store:        operationStore,
		chainA:       chainA,
		chainB:       chainB,
		cfgA:         cfgA,
		cfgB:         cfgB,
		planner:      planner,
		orchestrator: orchestrator,
		monitor:      monitor,
		notifier:     notifier,
		clk:          clk,
	}
}

// Busy reports whether a rebalance check is currently running.
func (e *Engine) Busy() bool {
	return e.busy.Load()
}

// Run ticks the engine on the given interval until ctx is done. The first
// check runs immediately. Shutdown only stops scheduling new ticks; a check
// already mid-flight finishes its current operation.
func (e *Engine) Run(ctx context.Context, interval time.Duration) {
	log.Info().Dur("interval", interval).Msg("Engine: starting rebalance scheduler")

	ticker := e.clk.Ticker(interval)
	defer ticker.Stop()

	e.tickLogged(ctx)

	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("Engine: rebalance scheduler stopped")
			return
		case <-ticker.C:
			e.tickLogged(ctx)
		}
	}
}

func (e *Engine) tickLogged(ctx context.Context) {
	err := e.Tick(ctx)
	if err != nil && !errors.Is(err, ErrTickInFlight) && !errors.Is(err, context.Canceled) {
		log.Error().Err(err).Msg("Engine: rebalance tick failed")
	}
}

// Tick performs one rebalance check. Errors during sensing or planning
// abort the tick without touching persisted state; errors after an
// operation exists always leave it in a terminal state, except a context
// cancellation on shutdown, which leaves it unfinished for resumption.
func (e *Engine) Tick(ctx context.Context) error {
	if !e.acquire() {
		return ErrTickInFlight
	}
	defer e.busy.Store(false)

	return e.tick(ctx)
}

// TriggerTick starts a rebalance check detached from the caller. The busy
// flag is taken synchronously, so a non-nil return means no check was
// started and none will be.
func (e *Engine) TriggerTick(ctx context.Context) error {
	if !e.acquire() {
		return ErrTickInFlight
	}

	go func() {
		defer e.busy.Store(false)
		if err := e.tick(ctx); err != nil {
			log.Error().Err(err).Msg("Engine: triggered rebalance tick failed")
		}
	}()

	return nil
}

func (e *Engine) acquire() bool {
	if !e.busy.CompareAndSwap(false, true) {
		log.Debug().Msg("Engine: tick skipped, check already in flight")
		metrics.TicksTotal.WithLabelValues("skipped").Inc()
		return false
	}

	return true
}

func (e *Engine) tick(ctx context.Context) error {
	op, err := e.store.FindOldestUnfinished(ctx)
	if err != nil {
		err = errors.WithMessage(err, "failed to load unfinished operation")
		e.notifier.SendError(ctx, err.Error())
		metrics.TicksTotal.WithLabelValues("error").Inc()
		return err
	}

	if op != nil {
		metrics.TicksTotal.WithLabelValues("resumed").Inc()
		return e.resume(ctx, op)
	}

	return e.plan(ctx)
}

func (e *Engine) plan(ctx context.Context) error {
	balanceA, balanceB, err := e.readBalances(ctx)
	if err != nil {
		e.notifier.SendError(ctx, err.Error())
		metrics.TicksTotal.WithLabelValues("error").Inc()
		return err
	}

	plan, err := e.planner.Plan(ctx,
		chainState(e.cfgA, balanceA),
		chainState(e.cfgB, balanceB),
	)
	if err != nil {
		e.notifier.SendError(ctx, err.Error())
		metrics.TicksTotal.WithLabelValues("error").Inc()
		return err
	}
	if plan == nil {
		log.Debug().Msg("Engine: balances above thresholds, nothing to do")
		metrics.TicksTotal.WithLabelValues("noop").Inc()
		return nil
	}

	metrics.LastSurplusUSD.Set(plan.SurplusUSD)

	sourceCfg, _ := e.configsByDirection(plan.Direction)
	sourceBalance, destBalance := balanceA, balanceB
	if plan.Direction == models.DirectionBToA {
		sourceBalance, destBalance = balanceB, balanceA
	}

	op := models.NewRebalanceOperation(
		plan.Direction,
		sourceCfg.TokenAddress,
		sourceCfg.TokenDecimals,
		plan.Amount,
		sourceBalance,
		destBalance,
	)

	if err := e.store.Insert(ctx, op); err != nil {
		err = errors.WithMessage(err, "failed to persist rebalance operation")
		e.notifier.SendError(ctx, err.Error())
		metrics.TicksTotal.WithLabelValues("error").Inc()
		return err
	}

	// notify before execution so a crash mid-flight still leaves an
	// auditable, resumable record
	e.notifier.SendInfo(ctx, fmt.Sprintf(
		"Rebalance planned: %s, amount %s (~%.2f USD), source balance %s, destination balance %s",
		op.Direction, op.AmountToBridge.String(), plan.AmountUSD,
		op.SourceChainBalance.String(), op.DestChainBalance.String(),
	))
	metrics.TicksTotal.WithLabelValues("planned").Inc()

	return e.execute(ctx, op)
}

// resume picks up an operation left over by a crashed or interrupted run.
// With a bridge hash present only monitoring is re-entered; resubmitting
// would risk a double transfer. Without one, no funds have left the source
// wallet for this record yet, so orchestration restarts from the top.
func (e *Engine) resume(ctx context.Context, op *models.RebalanceOperation) error {
	log.Info().
		Str("operation_id", op.ID).
		Str("status", string(op.Status)).
		Str("bridge_txhash", op.BridgeTxHash).
		Msg("Engine: resuming unfinished operation")

	e.notifier.SendInfo(ctx, fmt.Sprintf("Resuming rebalance operation %s (%s)", op.ID, op.Status))

	if op.BridgeTxHash != "" {
		if op.Status != models.OperationStatusInProgress {
			if err := e.store.MarkInProgress(ctx, op.ID); err != nil {
				log.Error().Err(err).Str("operation_id", op.ID).Msg("Engine: failed to mark operation in progress")
			}
		}
		return e.finalize(ctx, op, op.BridgeTxHash)
	}

	return e.execute(ctx, op)
}

func (e *Engine) execute(ctx context.Context, op *models.RebalanceOperation) error {
	if err := e.store.MarkInProgress(ctx, op.ID); err != nil {
		err = errors.WithMessage(err, "failed to mark operation in progress")
		e.notifier.SendError(ctx, err.Error())
		return err
	}

	sourceCfg, destCfg := e.configsByDirection(op.Direction)
	source, dest := e.chainsByDirection(op.Direction)

	txHash, err := e.orchestrator.Execute(ctx, bridge.TransferRequest{
		Source:      source,
		Dest:        dest,
		SourceToken: sourceCfg.TokenAddress,
		DestToken:   destCfg.TokenAddress,
		Amount:      op.AmountToBridge,
	})
	if err != nil {
		return e.fail(ctx, op, err)
	}

	if err := e.store.SetBridgeTxHash(ctx, op.ID, txHash); err != nil {
		// the transfer is already on its way; keep monitoring and surface
		// the persistence problem instead of failing the operation
		log.Error().Err(err).Str("operation_id", op.ID).Msg("Engine: failed to record bridge tx hash")
		e.notifier.SendError(ctx, fmt.Sprintf("failed to record bridge tx hash for %s: %s", op.ID, err.Error()))
	}

	return e.finalize(ctx, op, txHash)
}

func (e *Engine) finalize(ctx context.Context, op *models.RebalanceOperation, txHash string) error {
	source, dest := e.chainsByDirection(op.Direction)

	if err := e.monitor.Wait(ctx, txHash, source.ChainID(), dest.ChainID()); err != nil {
		return e.fail(ctx, op, err)
	}

	if err := e.store.MarkCompleted(ctx, op.ID, txHash); err != nil {
		err = errors.WithMessage(err, "failed to mark operation completed")
		e.notifier.SendError(ctx, err.Error())
		return err
	}

	metrics.OperationsTotal.WithLabelValues(string(models.OperationStatusCompleted)).Inc()
	e.notifier.SendInfo(ctx, fmt.Sprintf(
		"Rebalance %s completed: %s moved %s, bridge tx %s",
		op.ID, op.Direction, op.AmountToBridge.String(), txHash,
	))

	return nil
}

func (e *Engine) fail(ctx context.Context, op *models.RebalanceOperation, cause error) error {
	// a cancelled context is shutdown, not a transfer failure: the row
	// stays unfinished and the next start resumes it
	if errors.Is(cause, context.Canceled) {
		log.Info().
			Str("operation_id", op.ID).
			Msg("Engine: shutdown during operation, leaving it in flight for resumption")
		return cause
	}

	if err := e.store.MarkFailed(ctx, op.ID, cause.Error()); err != nil {
		log.Error().Err(err).Str("operation_id", op.ID).Msg("Engine: failed to mark operation failed")
	}

	metrics.OperationsTotal.WithLabelValues(string(models.OperationStatusFailed)).Inc()
	e.notifier.SendError(ctx, fmt.Sprintf("Rebalance %s failed: %s", op.ID, cause.Error()))

	return cause
}

// readBalances reads both chains concurrently; the tick waits for both and
// aborts on the first error.
func (e *Engine) readBalances(ctx context.Context) (*big.Int, *big.Int, error) {
	var (
		wg                 sync.WaitGroup
		balanceA, balanceB *big.Int
		errA, errB         error
	)

	wg.Add(2)
	go func() {
		defer wg.Done()
		balanceA, errA = e.chainA.TokenBalance(ctx, common.HexToAddress(e.cfgA.TokenAddress))
	}()
	go func() {
		defer wg.Done()
		balanceB, errB = e.chainB.TokenBalance(ctx, common.HexToAddress(e.cfgB.TokenAddress))
	}()
	wg.Wait()

	if errA != nil {
		return nil, nil, errors.WithMessagef(errA, "balance read on %s", e.cfgA.Name)
	}
	if errB != nil {
		return nil, nil, errors.WithMessagef(errB, "balance read on %s", e.cfgB.Name)
	}

	return balanceA, balanceB, nil
}

func (e *Engine) configsByDirection(direction models.Direction) (config.Chain, config.Chain) {
	if direction == models.DirectionBToA {
		return e.cfgB, e.cfgA
	}
	return e.cfgA, e.cfgB
}

func (e *Engine) chainsByDirection(direction models.Direction) (chain.Service, chain.Service) {
	if direction == models.DirectionBToA {
		return e.chainB, e.chainA
	}
	return e.chainA, e.chainB
}

func chainState(cfg config.Chain, balance *big.Int) ChainState {
	return ChainState{
		Name:            cfg.Name,
		ChainID:         cfg.ChainID,
		TokenAddress:    cfg.TokenAddress,
		TokenDecimals:   cfg.TokenDecimals,
		MinTokenBalance: cfg.MinTokenBalance,
		Balance:         balance,
	}
}
