// Package store owns persistence of rebalance operations. Nothing else in
// the service constructs or deletes rows; the engine reports transitions
// through the Mark* methods.
package store

import (
	"context"
	"database/sql"
	"math/big"
	"time"

	// registers the pure-Go "sqlite" driver for database/sql
	_ "github.com/glebarez/sqlite"
	"github.com/pkg/errors"

	"github/chapool/go-rebalancer/internal/models"
)

var (
	// ErrUnfinishedExists is returned by Insert when a PENDING or
	// IN_PROGRESS row already exists. The engine relies on this to keep
	// rebalancing single-flight across restarts.
	ErrUnfinishedExists = errors.New("an unfinished rebalance operation already exists")
	// ErrPersistence marks database failures. Every read and transition
	// wraps it so callers can tell storage trouble from domain errors.
	ErrPersistence = errors.New("operation store failure")
)

const schema = `
CREATE TABLE IF NOT EXISTS rebalance_operations (
    id                   TEXT PRIMARY KEY,
    direction            TEXT NOT NULL,
    token_address        TEXT NOT NULL,
    token_decimals       INTEGER NOT NULL,
    amount_to_bridge     TEXT NOT NULL,
    status               TEXT NOT NULL,
    bridge_txhash        TEXT NOT NULL DEFAULT '',
    error_message        TEXT NOT NULL DEFAULT '',
    source_chain_balance TEXT NOT NULL,
    dest_chain_balance   TEXT NOT NULL,
    created_at           TIMESTAMP NOT NULL,
    completed_at         TIMESTAMP
);
CREATE INDEX IF NOT EXISTS idx_rebalance_operations_status
    ON rebalance_operations(status);
`

// Store is the sqlite-backed operation store.
type Store struct {
	db *sql.DB
}

// Open initialises the backing database and applies the schema.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, errors.Wrap(err, "failed to open database")
	}

	// The pure-Go sqlite driver is not safe for concurrent writers on a
	// single file; one connection keeps the engine and the API serialized.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, errors.Wrap(err, "failed to apply schema")
	}

	return &Store{db: db}, nil
}

// Close releases database resources.
func (s *Store) Close() error {
	return s.db.Close()
}

// Insert persists a new operation. It fails with ErrUnfinishedExists when an
// unfinished row is present; the single-unfinished invariant is enforced
// here at the application level rather than as a DB constraint.
func (s *Store) Insert(ctx context.Context, op *models.RebalanceOperation) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrapf(ErrPersistence, "failed to begin transaction: %v", err)
	}
	defer tx.Rollback() //nolint:errcheck

	var count int
	err = tx.QueryRowContext(ctx, `
        SELECT COUNT(*) FROM rebalance_operations WHERE status IN (?, ?)
    `, models.OperationStatusPending, models.OperationStatusInProgress).Scan(&count)
	if err != nil {
		return errors.Wrapf(ErrPersistence, "failed to count unfinished operations: %v", err)
	}
	if count > 0 {
		return ErrUnfinishedExists
	}

	_, err = tx.ExecContext(ctx, `
        INSERT INTO rebalance_operations(
            id, direction, token_address, token_decimals, amount_to_bridge,
            status, bridge_txhash, error_message,
            source_chain_balance, dest_chain_balance, created_at
        ) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
    `,
		op.ID, op.Direction, op.TokenAddress, op.TokenDecimals, op.AmountToBridge.String(),
		op.Status, op.BridgeTxHash, op.ErrorMessage,
		op.SourceChainBalance.String(), op.DestChainBalance.String(), op.CreatedAt,
	)
	if err != nil {
		return errors.Wrapf(ErrPersistence, "failed to insert operation: %v", err)
	}

	if err := tx.Commit(); err != nil {
		return errors.Wrapf(ErrPersistence, "failed to commit operation insert: %v", err)
	}

	return nil
}

// FindOldestUnfinished returns the oldest PENDING or IN_PROGRESS operation,
// or nil when none exists.
func (s *Store) FindOldestUnfinished(ctx context.Context) (*models.RebalanceOperation, error) {
	row := s.db.QueryRowContext(ctx, `
        SELECT id, direction, token_address, token_decimals, amount_to_bridge,
               status, bridge_txhash, error_message,
               source_chain_balance, dest_chain_balance, created_at, completed_at
        FROM rebalance_operations
        WHERE status IN (?, ?)
        ORDER BY created_at ASC
        LIMIT 1
    `, models.OperationStatusPending, models.OperationStatusInProgress)

	op, err := scanOperation(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}

	return op, nil
}

// ListRecent returns up to limit operations, newest first.
func (s *Store) ListRecent(ctx context.Context, limit int) ([]*models.RebalanceOperation, error) {
	rows, err := s.db.QueryContext(ctx, `
        SELECT id, direction, token_address, token_decimals, amount_to_bridge,
               status, bridge_txhash, error_message,
               source_chain_balance, dest_chain_balance, created_at, completed_at
        FROM rebalance_operations
        ORDER BY created_at DESC
        LIMIT ?
    `, limit)
	if err != nil {
		return nil, errors.Wrapf(ErrPersistence, "failed to query operations: %v", err)
	}
	defer rows.Close()

	ops := make([]*models.RebalanceOperation, 0, limit)
	for rows.Next() {
		op, err := scanOperation(rows)
		if err != nil {
			return nil, err
		}
		ops = append(ops, op)
	}

	if err := rows.Err(); err != nil {
		return nil, errors.Wrapf(ErrPersistence, "failed to iterate operations: %v", err)
	}

	return ops, nil
}

// MarkInProgress transitions a PENDING operation to IN_PROGRESS.
func (s *Store) MarkInProgress(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `
        UPDATE rebalance_operations SET status = ? WHERE id = ?
    `, models.OperationStatusInProgress, id)
	if err != nil {
		return errors.Wrapf(ErrPersistence, "failed to mark operation in progress: %v", err)
	}

	return nil
}

// SetBridgeTxHash records the submitted bridge transaction hash.
func (s *Store) SetBridgeTxHash(ctx context.Context, id string, txHash string) error {
	_, err := s.db.ExecContext(ctx, `
        UPDATE rebalance_operations SET bridge_txhash = ? WHERE id = ?
    `, txHash, id)
	if err != nil {
		return errors.Wrapf(ErrPersistence, "failed to set bridge tx hash: %v", err)
	}

	return nil
}

// MarkCompleted transitions an operation to COMPLETED and stamps completed_at.
func (s *Store) MarkCompleted(ctx context.Context, id string, txHash string) error {
	_, err := s.db.ExecContext(ctx, `
        UPDATE rebalance_operations
        SET status = ?, bridge_txhash = ?, completed_at = ?
        WHERE id = ?
    `, models.OperationStatusCompleted, txHash, time.Now().UTC(), id)
	if err != nil {
		return errors.Wrapf(ErrPersistence, "failed to mark operation completed: %v", err)
	}

	return nil
}

// MarkFailed transitions an operation to FAILED with a human-readable cause.
func (s *Store) MarkFailed(ctx context.Context, id string, message string) error {
	_, err := s.db.ExecContext(ctx, `
        UPDATE rebalance_operations
        SET status = ?, error_message = ?, completed_at = ?
        WHERE id = ?
    `, models.OperationStatusFailed, message, time.Now().UTC(), id)
	if err != nil {
		return errors.Wrapf(ErrPersistence, "failed to mark operation failed: %v", err)
	}

	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanOperation(row rowScanner) (*models.RebalanceOperation, error) {
	var (
		op          models.RebalanceOperation
		amount      string
		sourceBal   string
		destBal     string
		completedAt sql.NullTime
	)

	err := row.Scan(
		&op.ID, &op.Direction, &op.TokenAddress, &op.TokenDecimals, &amount,
		&op.Status, &op.BridgeTxHash, &op.ErrorMessage,
		&sourceBal, &destBal, &op.CreatedAt, &completedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, errors.Wrapf(ErrPersistence, "failed to scan operation: %v", err)
	}

	var ok bool
	if op.AmountToBridge, ok = new(big.Int).SetString(amount, 10); !ok {
		return nil, errors.Wrapf(ErrPersistence, "malformed amount_to_bridge %q", amount)
	}
	if op.SourceChainBalance, ok = new(big.Int).SetString(sourceBal, 10); !ok {
		return nil, errors.Wrapf(ErrPersistence, "malformed source_chain_balance %q", sourceBal)
	}
	if op.DestChainBalance, ok = new(big.Int).SetString(destBal, 10); !ok {
		return nil, errors.Wrapf(ErrPersistence, "malformed dest_chain_balance %q", destBal)
	}
	if completedAt.Valid {
		op.CompletedAt = completedAt.Time
	}

	return &op, nil
}
