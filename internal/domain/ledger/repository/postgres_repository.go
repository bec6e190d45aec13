package repository

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// DefaultLedgerTable is the canonical payment ledger.
const DefaultLedgerTable = "prepaid_orders"

// PgxPool abstracts the subset of pgxpool.Pool used by the repository to allow mocking in tests.
type PgxPool interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

var _ PgxPool = (*pgxpool.Pool)(nil)

// PostgresOrderRepository implements OrderRepository using PostgreSQL
type PostgresOrderRepository struct {
	pool        PgxPool
	ledgerTable string
}

var _ OrderRepository = (*PostgresOrderRepository)(nil)

// NewPostgresOrderRepository creates a repository over pool. An empty
// ledgerTable selects DefaultLedgerTable.
func NewPostgresOrderRepository(pool PgxPool, ledgerTable string) *PostgresOrderRepository {
	if ledgerTable == "" {
		ledgerTable = DefaultLedgerTable
	}
	return &PostgresOrderRepository{pool: pool, ledgerTable: ledgerTable}
}

// ListOrdersSQL returns the order selection for the ledger table.
func ListOrdersSQL(ledgerTable string) string {
	return `
		SELECT id, qid, pc_finish_time, COALESCE(ip, ''), COALESCE(local_amount, ''), product_id, pay_type
		FROM ` + pgx.Identifier{ledgerTable}.Sanitize() + `
		WHERE pc_finish_time BETWEEN $1 AND $2 AND pay_type = ANY($3)
		ORDER BY id
	`
}

// LedgerUpdateSQL returns the guarded ledger update.
func LedgerUpdateSQL(ledgerTable string) string {
	return `UPDATE ` + pgx.Identifier{ledgerTable}.Sanitize() + ` SET local_amount = $1 WHERE id = $2 AND local_amount = $3`
}

// ShardUpdateSQL returns the guarded update for userID's order shard.
func ShardUpdateSQL(userID int64) string {
	return `UPDATE ` + pgx.Identifier{ShardTable(userID)}.Sanitize() + ` SET price_local = $1 WHERE prepaid_id = $2 AND price_local = $3`
}

const recordCorrectionQuery = `
		INSERT INTO local_amount_corrections (
			id, run_id, order_id, user_id, product_id, original_amount,
			corrected_amount, reason, ledger_rows, shard_rows
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`

// LedgerTable returns the configured ledger table name.
func (r *PostgresOrderRepository) LedgerTable() string { return r.ledgerTable }

// ListOrders returns the ledger rows completed in [Start, End] with one of the pay types
func (r *PostgresOrderRepository) ListOrders(ctx context.Context, filter OrderFilter) ([]*Order, error) {
	rows, err := r.pool.Query(ctx, ListOrdersSQL(r.ledgerTable), filter.Start, filter.End, filter.PayTypes)
	if err != nil {
		return nil, fmt.Errorf("failed to list orders: %w", err)
	}
	defer rows.Close()

	var orders []*Order
	for rows.Next() {
		var o Order
		err := rows.Scan(
			&o.ID, &o.UserID, &o.CompletionTime, &o.IP,
			&o.LocalAmount, &o.ProductID, &o.PayType,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan order: %w", err)
		}
		orders = append(orders, &o)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate orders: %w", err)
	}

	return orders, nil
}

// UpdatePaymentLedger sets the ledger amount if it still equals original
func (r *PostgresOrderRepository) UpdatePaymentLedger(ctx context.Context, orderID int64, original, corrected string) (int64, error) {
	tag, err := r.pool.Exec(ctx, LedgerUpdateSQL(r.ledgerTable), corrected, orderID, original)
	if err != nil {
		return 0, fmt.Errorf("failed to update payment ledger: %w", err)
	}
	return tag.RowsAffected(), nil
}

// UpdateShardOrder sets the shard order amount if it still equals original
func (r *PostgresOrderRepository) UpdateShardOrder(ctx context.Context, userID, orderID int64, original, corrected string) (int64, error) {
	tag, err := r.pool.Exec(ctx, ShardUpdateSQL(userID), corrected, orderID, original)
	if err != nil {
		return 0, fmt.Errorf("failed to update %s: %w", ShardTable(userID), err)
	}
	return tag.RowsAffected(), nil
}

// RecordCorrection inserts an audit row
func (r *PostgresOrderRepository) RecordCorrection(ctx context.Context, c *Correction) error {
	if c.ID == uuid.Nil {
		c.ID = uuid.New()
	}

	_, err := r.pool.Exec(ctx, recordCorrectionQuery,
		c.ID, c.RunID, c.OrderID, c.UserID, c.ProductID, c.OriginalAmount,
		c.CorrectedAmount, c.Reason, c.LedgerRows, c.ShardRows,
	)
	if err != nil {
		return fmt.Errorf("failed to record correction: %w", err)
	}
	return nil
}
