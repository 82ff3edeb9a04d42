package models

import (
	"math/big"
	"time"

	"github.com/google/uuid"
)

// Direction identifies which chain donates funds in a rebalance operation.
type Direction string

// Transfer directions.
const (
	DirectionAToB Direction = "CHAIN_A_TO_CHAIN_B"
	DirectionBToA Direction = "CHAIN_B_TO_CHAIN_A"
)

// Reverse returns the opposite direction.
func (d Direction) Reverse() Direction {
	if d == DirectionAToB {
		return DirectionBToA
	}
	return DirectionAToB
}

// OperationStatus is the persisted state of a rebalance operation.
type OperationStatus string

// Operation lifecycle states. COMPLETED and FAILED are terminal.
const (
	OperationStatusPending    OperationStatus = "PENDING"
	OperationStatusInProgress OperationStatus = "IN_PROGRESS"
	OperationStatusCompleted  OperationStatus = "COMPLETED"
	OperationStatusFailed     OperationStatus = "FAILED"
)

// Terminal reports whether no further transition may occur.
func (s OperationStatus) Terminal() bool {
	return s == OperationStatusCompleted || s == OperationStatusFailed
}

// RebalanceOperation is one persisted transfer attempt. A row is immutable
// after creation except for Status, BridgeTxHash, ErrorMessage and
// CompletedAt. The balance snapshot fields are captured at plan time for
// audit only and never drive later decisions.
type RebalanceOperation struct {
	ID             string
	Direction      Direction
	TokenAddress   string
	TokenDecimals  int
	AmountToBridge *big.Int
	Status         OperationStatus

	// Set once the bridge transaction has been submitted, never cleared.
	BridgeTxHash string
	// Set only when the operation fails.
	ErrorMessage string

	SourceChainBalance *big.Int
	DestChainBalance   *big.Int

	CreatedAt   time.Time
	CompletedAt time.Time
}

// NewRebalanceOperation creates a PENDING operation with a fresh id.
func NewRebalanceOperation(
	direction Direction,
	tokenAddress string,
	tokenDecimals int,
	amount *big.Int,
	sourceBalance *big.Int,
	destBalance *big.Int,
) *RebalanceOperation {
	return &RebalanceOperation{
		ID:                 uuid.NewString(),
		Direction:          direction,
		TokenAddress:       tokenAddress,
		TokenDecimals:      tokenDecimals,
		AmountToBridge:     new(big.Int).Set(amount),
		Status:             OperationStatusPending,
		SourceChainBalance: new(big.Int).Set(sourceBalance),
		DestChainBalance:   new(big.Int).Set(destBalance),
		CreatedAt:          time.Now().UTC(),
	}
}
