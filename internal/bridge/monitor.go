package bridge

import (
	"context"
	"math/rand"

	"github.com/benbjohnson/clock"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github/chapool/go-rebalancer/internal/backoff"
	"github/chapool/go-rebalancer/internal/metrics"
)

// Monitor polls the aggregator's bridge-status endpoint until the transfer
// reaches a terminal state or the polling budget is exhausted.
type Monitor struct {
	client Client
	policy backoff.Policy
	clk    clock.Clock
	rng    *rand.Rand
}

// NewMonitor creates a monitor with the given polling policy. clk may be a
// mock clock in tests.
func NewMonitor(client Client, policy backoff.Policy, clk clock.Clock) *Monitor {
	if policy.MaxAttempts <= 0 {
		policy.MaxAttempts = 1
	}
	if clk == nil {
		clk = clock.New()
	}

	return &Monitor{
		client: client,
		policy: policy,
		clk:    clk,
		rng:    rand.New(rand.NewSource(clk.Now().UnixNano())), //nolint:gosec
	}
}

// Wait blocks until the transfer identified by txHash completes on both
// legs, fails on either leg, or MaxAttempts polls are spent. A timeout is
// reported as ErrMonitorTimeout, distinct from an aggregator-reported
// ErrBridgeFailed.
func (m *Monitor) Wait(ctx context.Context, txHash string, fromChain, toChain int64) error {
	for attempt := 0; attempt < m.policy.MaxAttempts; attempt++ {
		status, err := m.client.Status(ctx, txHash, fromChain, toChain)
		switch {
		case err != nil:
			// status lookups are idempotent reads; tolerate transient
			// failures and spend an attempt
			log.Warn().
				Err(err).
				Str("tx_hash", txHash).
				Int("attempt", attempt+1).
				Msg("Bridge status poll failed")
		case status.SourceTxStatus == TxStatusFailed || status.DestinationTxStatus == TxStatusFailed:
			metrics.MonitorPolls.Observe(float64(attempt + 1))
			return errors.Wrapf(ErrBridgeFailed,
				"tx %s: source leg %s, destination leg %s",
				txHash, status.SourceTxStatus, status.DestinationTxStatus)
		case status.SourceTxStatus == TxStatusCompleted && status.DestinationTxStatus == TxStatusCompleted:
			metrics.MonitorPolls.Observe(float64(attempt + 1))
			log.Info().
				Str("tx_hash", txHash).
				Int("polls", attempt+1).
				Msg("Bridge transfer completed")
			return nil
		}

		if attempt == m.policy.MaxAttempts-1 {
			break
		}

		if err := backoff.Sleep(ctx, m.clk, m.policy.Delay(attempt, m.rng)); err != nil {
			return errors.Wrap(err, "monitor interrupted")
		}
	}

	return errors.Wrapf(ErrMonitorTimeout, "tx %s still pending after %d polls", txHash, m.policy.MaxAttempts)
}
