// Package rebalancer contains the rebalance decision-and-execution engine:
// the USD-normalized imbalance calculation and the tick loop that drives a
// planned transfer through the bridge orchestrator.
package rebalancer

import (
	"context"
	"math"
	"math/big"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github/chapool/go-rebalancer/internal/models"
	"github/chapool/go-rebalancer/internal/oracle"
)

// ErrPriceUnavailable marks a missing oracle price. Planning aborts without
// creating an operation; the next tick retries naturally.
var ErrPriceUnavailable = errors.New("token price unavailable")

// ChainState is the planner's per-chain input: the already-read balance plus
// the asset parameters from configuration.
type ChainState struct {
	Name            string
	ChainID         int64
	TokenAddress    string
	TokenDecimals   int
	MinTokenBalance float64
	Balance         *big.Int
}

// Plan is a decided transfer: move Amount (source smallest units) from the
// donor chain to the other chain.
type Plan struct {
	Direction  models.Direction
	Amount     *big.Int
	AmountUSD  float64
	SurplusUSD float64
}

// Planner converts balances to USD and decides direction and amount.
type Planner struct {
	oracle oracle.Service
}

// NewPlanner creates a planner on top of the given price oracle.
func NewPlanner(oracleService oracle.Service) *Planner {
	return &Planner{oracle: oracleService}
}

// Plan returns nil when both chains sit above their thresholds. Otherwise
// the transfer amount is half the combined surplus over both thresholds,
// denominated on the donor chain. The donor is the chain with the larger
// USD threshold; on equal thresholds the richer chain donates.
func (p *Planner) Plan(ctx context.Context, chainA, chainB ChainState) (*Plan, error) {
	priceA, err := p.price(ctx, chainA)
	if err != nil {
		return nil, err
	}
	priceB, err := p.price(ctx, chainB)
	if err != nil {
		return nil, err
	}

	balanceUSDA := usdValue(chainA.Balance, chainA.TokenDecimals, priceA)
	balanceUSDB := usdValue(chainB.Balance, chainB.TokenDecimals, priceB)
	thresholdUSDA := chainA.MinTokenBalance * priceA
	thresholdUSDB := chainB.MinTokenBalance * priceB

	log.Debug().
		Float64("balance_usd_a", balanceUSDA).
		Float64("balance_usd_b", balanceUSDB).
		Float64("threshold_usd_a", thresholdUSDA).
		Float64("threshold_usd_b", thresholdUSDB).
		Msg("Planner: USD state")

	if balanceUSDA > thresholdUSDA && balanceUSDB > thresholdUSDB {
		return nil, nil
	}

	surplusUSD := balanceUSDA + balanceUSDB - thresholdUSDA - thresholdUSDB
	moveUSD := surplusUSD / 2

	direction := models.DirectionAToB
	donor := chainA
	donorPrice := priceA
	switch {
	case thresholdUSDB > thresholdUSDA:
		direction = models.DirectionBToA
		donor, donorPrice = chainB, priceB
	case thresholdUSDB == thresholdUSDA && balanceUSDB > balanceUSDA:
		direction = models.DirectionBToA
		donor, donorPrice = chainB, priceB
	}

	amount := tokenAmount(moveUSD, donorPrice, donor.TokenDecimals)
	if amount == nil || amount.Sign() <= 0 {
		log.Warn().
			Float64("surplus_usd", surplusUSD).
			Str("donor", donor.Name).
			Msg("Planner: discarding non-positive plan")
		return nil, nil
	}

	return &Plan{
		Direction:  direction,
		Amount:     amount,
		AmountUSD:  moveUSD,
		SurplusUSD: surplusUSD,
	}, nil
}

func (p *Planner) price(ctx context.Context, state ChainState) (float64, error) {
	price, err := p.oracle.GetPrice(ctx, state.ChainID, state.TokenAddress)
	if err != nil {
		return 0, errors.Wrapf(ErrPriceUnavailable, "oracle lookup for %s on %s: %v", state.TokenAddress, state.Name, err)
	}
	if price == 0 || math.IsNaN(price) {
		return 0, errors.Wrapf(ErrPriceUnavailable, "no USD price for %s on %s", state.TokenAddress, state.Name)
	}

	return price, nil
}

// usdValue converts an integer balance in smallest units to USD.
func usdValue(balance *big.Int, decimals int, price float64) float64 {
	f := new(big.Float).SetInt(balance)
	f.Quo(f, pow10(decimals))
	f.Mul(f, big.NewFloat(price))

	val, _ := f.Float64()

	return val
}

// tokenAmount converts a USD amount back into smallest units at the given
// price. Returns nil for non-finite inputs.
func tokenAmount(usd, price float64, decimals int) *big.Int {
	if math.IsNaN(usd) || math.IsInf(usd, 0) || price <= 0 {
		return nil
	}

	f := big.NewFloat(usd)
	f.Quo(f, big.NewFloat(price))
	f.Mul(f, pow10(decimals))

	amount, _ := f.Int(nil)

	return amount
}

func pow10(decimals int) *big.Float {
	return new(big.Float).SetInt(new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(decimals)), nil))
}
