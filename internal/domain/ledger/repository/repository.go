// Package repository provides data access for the payment ledger and the
// per-user order shards.
package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// ShardCount is the number of per-user order tables.
const ShardCount = 100

// Order is a row of the payment ledger.
type Order struct {
	ID             int64     `db:"id"`
	UserID         int64     `db:"qid"`
	CompletionTime time.Time `db:"pc_finish_time"`
	IP             string    `db:"ip"`
	LocalAmount    string    `db:"local_amount"`
	ProductID      string    `db:"product_id"`
	PayType        int       `db:"pay_type"`
}

// OrderFilter selects the orders of a run.
type OrderFilter struct {
	Start    time.Time
	End      time.Time
	PayTypes []int
}

// Correction is the audit record of an applied correction.
type Correction struct {
	ID              uuid.UUID `db:"id"`
	RunID           uuid.UUID `db:"run_id"`
	OrderID         int64     `db:"order_id"`
	UserID          int64     `db:"user_id"`
	ProductID       string    `db:"product_id"`
	OriginalAmount  string    `db:"original_amount"`
	CorrectedAmount string    `db:"corrected_amount"`
	Reason          string    `db:"reason"`
	LedgerRows      int64     `db:"ledger_rows"`
	ShardRows       int64     `db:"shard_rows"`
	CreatedAt       time.Time `db:"created_at"`
}

// OrderRepository defines the ledger operations used by a reconciliation run
type OrderRepository interface {
	// LedgerTable names the payment ledger table the repository writes to.
	LedgerTable() string

	ListOrders(ctx context.Context, filter OrderFilter) ([]*Order, error)

	// Guarded updates: they only touch rows whose amount still equals original,
	// and return the number of rows changed.
	UpdatePaymentLedger(ctx context.Context, orderID int64, original, corrected string) (int64, error)
	UpdateShardOrder(ctx context.Context, userID, orderID int64, original, corrected string) (int64, error)

	RecordCorrection(ctx context.Context, c *Correction) error
}

// ShardTable returns the order table holding userID's orders, e.g. t_order_07.
func ShardTable(userID int64) string {
	shard := userID % ShardCount
	if shard < 0 {
		shard = -shard
	}
	return fmt.Sprintf("t_order_%02d", shard)
}
