package orders

import (
	"context"
	"errors"
)

// Tx is the unit-of-work handle threaded through every store call that mutates state.
type Tx interface {
	Commit(ctx context.Context) error
	Rollback(ctx context.Context) error
}

type TxManager interface {
	Begin(ctx context.Context) (Tx, error)
	// Retryable reports whether err aborted the transaction for a reason that a fresh
	// attempt could avoid (deadlock, serialization failure).
	Retryable(err error) bool
}

type CatalogStore interface {
	// LockProduct reads the product and holds it for the rest of tx.
	LockProduct(ctx context.Context, tx Tx, id string) (Product, error)
	// AdjustStock adds delta to the stock count, refusing to go below zero
	// (ErrInsufficientStock). Returns the new stock count.
	AdjustStock(ctx context.Context, tx Tx, id string, delta int) (int, error)
	ListProducts(ctx context.Context) ([]Product, error)
}

type OrderStore interface {
	CreateOrder(ctx context.Context, tx Tx, o *Order) error
	BulkCreateLines(ctx context.Context, tx Tx, lines []OrderLine) error
	GetOrderWithLines(ctx context.Context, id string) (Order, error)
	// LockOrder is GetOrderWithLines inside tx, holding the order row until tx ends.
	LockOrder(ctx context.Context, tx Tx, id string) (Order, error)
	UpdateOrderStatus(ctx context.Context, tx Tx, id string, s Status) error
	DeleteOrderCascade(ctx context.Context, tx Tx, id string) error
	ListOrders(ctx context.Context, q ListQuery) ([]Order, int64, error)
}

type UserDirectory interface {
	UserExists(ctx context.Context, tx Tx, id string) (bool, error)
}

// RunInTx begins a transaction, runs fn and commits, or rolls back if fn fails.
// Commit and rollback ignore caller cancellation so a started commit always finishes.
func RunInTx(ctx context.Context, tm TxManager, fn func(ctx context.Context, tx Tx) error) error {
	tx, err := tm.Begin(ctx)
	if err != nil {
		return storageErr("begin", err)
	}
	done := context.WithoutCancel(ctx)

	if err := fn(ctx, tx); err != nil {
		if rbErr := tx.Rollback(done); rbErr != nil {
			return errors.Join(err, storageErr("rollback", rbErr))
		}
		return err
	}
	if err := tx.Commit(done); err != nil {
		_ = tx.Rollback(done)
		return storageErr("commit", err)
	}
	return nil
}
