package orders

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/ariefcatur/go-shop-orders/internal/postgres"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// DB is the subset of *pgxpool.Pool the repositories use.
type DB interface {
	Begin(ctx context.Context) (pgx.Tx, error)
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Repo is the Postgres Order Store, User Directory and Transaction Manager.
type Repo struct{ DB DB }

func (r *Repo) Begin(ctx context.Context) (Tx, error) {
	return r.DB.Begin(ctx)
}

func (r *Repo) Retryable(err error) bool { return postgres.IsRetryable(err) }

func pgTx(tx Tx) (pgx.Tx, error) {
	t, ok := tx.(pgx.Tx)
	if !ok {
		return nil, fmt.Errorf("%w: unexpected transaction type %T", ErrStorage, tx)
	}
	return t, nil
}

func (r *Repo) UserExists(ctx context.Context, tx Tx, id string) (bool, error) {
	t, err := pgTx(tx)
	if err != nil {
		return false, err
	}
	var ok bool
	if err := t.QueryRow(ctx, `SELECT EXISTS(SELECT 1 FROM users WHERE id=$1)`, id).Scan(&ok); err != nil {
		return false, storageErr("user exists", err)
	}
	return ok, nil
}

func (r *Repo) CreateOrder(ctx context.Context, tx Tx, o *Order) error {
	t, err := pgTx(tx)
	if err != nil {
		return err
	}
	_, err = t.Exec(ctx, `
		INSERT INTO orders(id, user_id, status, total_cents, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, o.ID, o.UserID, string(o.Status), o.TotalCents, o.CreatedAt, o.UpdatedAt)
	if err != nil {
		return storageErr("insert order", err)
	}
	return nil
}

// BulkCreateLines inserts all lines in one statement; position keeps input order.
func (r *Repo) BulkCreateLines(ctx context.Context, tx Tx, lines []OrderLine) error {
	if len(lines) == 0 {
		return nil
	}
	t, err := pgTx(tx)
	if err != nil {
		return err
	}

	var sb strings.Builder
	sb.WriteString(`INSERT INTO order_lines(id, order_id, product_id, position, qty, line_total_cents) VALUES `)
	args := make([]any, 0, len(lines)*6)
	for i, l := range lines {
		if i > 0 {
			sb.WriteString(",")
		}
		n := i * 6
		fmt.Fprintf(&sb, "($%d,$%d,$%d,$%d,$%d,$%d)", n+1, n+2, n+3, n+4, n+5, n+6)
		args = append(args, l.ID, l.OrderID, l.ProductID, i, l.Qty, l.LineTotalCents)
	}

	ct, err := t.Exec(ctx, sb.String(), args...)
	if err != nil {
		return storageErr("insert order lines", err)
	}
	if ct.RowsAffected() != int64(len(lines)) {
		return storageErr("insert order lines", fmt.Errorf("inserted %d of %d rows", ct.RowsAffected(), len(lines)))
	}
	return nil
}

type querier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

const orderColumns = `id, user_id, status, total_cents, created_at, updated_at`

const lineSelect = `
	SELECT l.id, l.order_id, l.product_id, l.qty, l.line_total_cents, p.name, p.price_cents
	FROM order_lines l JOIN products p ON p.id = l.product_id`

func scanOrder(row pgx.Row) (Order, error) {
	var o Order
	var status string
	if err := row.Scan(&o.ID, &o.UserID, &status, &o.TotalCents, &o.CreatedAt, &o.UpdatedAt); err != nil {
		return Order{}, err
	}
	o.Status = Status(status)
	return o, nil
}

func scanLines(rows pgx.Rows) ([]OrderLine, error) {
	defer rows.Close()
	var out []OrderLine
	for rows.Next() {
		var l OrderLine
		var p ProductBrief
		if err := rows.Scan(&l.ID, &l.OrderID, &l.ProductID, &l.Qty, &l.LineTotalCents, &p.Name, &p.PriceCents); err != nil {
			return nil, err
		}
		p.ID = l.ProductID
		l.Product = &p
		out = append(out, l)
	}
	return out, rows.Err()
}

func getOrderWithLines(ctx context.Context, q querier, id string, lock bool) (Order, error) {
	sql := `SELECT ` + orderColumns + ` FROM orders WHERE id=$1`
	if lock {
		sql += ` FOR UPDATE`
	}
	o, err := scanOrder(q.QueryRow(ctx, sql, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return Order{}, fmt.Errorf("%w: %s", ErrOrderNotFound, id)
	}
	if err != nil {
		return Order{}, storageErr("get order", err)
	}

	rows, err := q.Query(ctx, lineSelect+` WHERE l.order_id=$1 ORDER BY l.position`, id)
	if err != nil {
		return Order{}, storageErr("get order lines", err)
	}
	if o.Lines, err = scanLines(rows); err != nil {
		return Order{}, storageErr("get order lines", err)
	}
	return o, nil
}

func (r *Repo) GetOrderWithLines(ctx context.Context, id string) (Order, error) {
	return getOrderWithLines(ctx, r.DB, id, false)
}

func (r *Repo) LockOrder(ctx context.Context, tx Tx, id string) (Order, error) {
	t, err := pgTx(tx)
	if err != nil {
		return Order{}, err
	}
	return getOrderWithLines(ctx, t, id, true)
}

func (r *Repo) UpdateOrderStatus(ctx context.Context, tx Tx, id string, s Status) error {
	t, err := pgTx(tx)
	if err != nil {
		return err
	}
	ct, err := t.Exec(ctx, `UPDATE orders SET status=$2, updated_at=now() WHERE id=$1`, id, string(s))
	if err != nil {
		return storageErr("update order status", err)
	}
	if ct.RowsAffected() != 1 {
		return fmt.Errorf("%w: %s", ErrOrderNotFound, id)
	}
	return nil
}

// DeleteOrderCascade removes lines then the order inside tx.
func (r *Repo) DeleteOrderCascade(ctx context.Context, tx Tx, id string) error {
	t, err := pgTx(tx)
	if err != nil {
		return err
	}
	if _, err := t.Exec(ctx, `DELETE FROM order_lines WHERE order_id=$1`, id); err != nil {
		return storageErr("delete order lines", err)
	}
	ct, err := t.Exec(ctx, `DELETE FROM orders WHERE id=$1`, id)
	if err != nil {
		return storageErr("delete order", err)
	}
	if ct.RowsAffected() == 0 {
		return fmt.Errorf("%w: %s", ErrOrderNotFound, id)
	}
	return nil
}

const listFilter = `
	WHERE user_id = $1
	  AND ($2::timestamptz IS NULL OR created_at >= $2)
	  AND ($3::timestamptz IS NULL OR created_at < $3)`

func (r *Repo) ListOrders(ctx context.Context, q ListQuery) ([]Order, int64, error) {
	var total int64
	if err := r.DB.QueryRow(ctx, `SELECT COUNT(*) FROM orders`+listFilter, q.UserID, q.From, q.To).Scan(&total); err != nil {
		return nil, 0, storageErr("count orders", err)
	}
	if total == 0 {
		return nil, 0, nil
	}

	rows, err := r.DB.Query(ctx, `SELECT `+orderColumns+` FROM orders`+listFilter+`
		ORDER BY created_at DESC, id DESC
		LIMIT $4 OFFSET $5`, q.UserID, q.From, q.To, q.Limit, q.Offset())
	if err != nil {
		return nil, 0, storageErr("list orders", err)
	}
	var list []Order
	idx := map[string]int{}
	ids := make([]string, 0, q.Limit)
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			rows.Close()
			return nil, 0, storageErr("list orders", err)
		}
		idx[o.ID] = len(list)
		ids = append(ids, o.ID)
		list = append(list, o)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, 0, storageErr("list orders", err)
	}
	if len(ids) == 0 {
		return nil, total, nil
	}

	lrows, err := r.DB.Query(ctx, lineSelect+` WHERE l.order_id = ANY($1) ORDER BY l.order_id, l.position`, ids)
	if err != nil {
		return nil, 0, storageErr("list order lines", err)
	}
	lines, err := scanLines(lrows)
	if err != nil {
		return nil, 0, storageErr("list order lines", err)
	}
	for _, l := range lines {
		if i, ok := idx[l.OrderID]; ok {
			list[i].Lines = append(list[i].Lines, l)
		}
	}
	return list, total, nil
}
