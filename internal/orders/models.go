package orders

import "time"

type Product struct {
	ID         string    `json:"id"`
	SKU        string    `json:"sku"`
	Name       string    `json:"name"`
	Stock      int       `json:"stock"`
	PriceCents int64     `json:"price_cents"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

type Order struct {
	ID         string      `json:"id"`
	UserID     string      `json:"user_id"`
	Status     Status      `json:"status"`
	TotalCents int64       `json:"total_cents"`
	CreatedAt  time.Time   `json:"created_at"`
	UpdatedAt  time.Time   `json:"updated_at"`
	Lines      []OrderLine `json:"lines,omitempty"`
}

// OrderLine is fixed at creation; LineTotalCents captures the price at purchase time.
type OrderLine struct {
	ID             string        `json:"id"`
	OrderID        string        `json:"order_id"`
	ProductID      string        `json:"product_id"`
	Qty            int           `json:"qty"`
	LineTotalCents int64         `json:"line_total_cents"`
	Product        *ProductBrief `json:"product,omitempty"`
}

type ProductBrief struct {
	ID         string `json:"id"`
	Name       string `json:"name"`
	PriceCents int64  `json:"price_cents"`
}

// Limits on one create request. MaxOrderLines keeps the line insert well under the
// Postgres bind-parameter limit.
const (
	MaxOrderLines = 100
	MaxLineQty    = 10000
)

type ItemInput struct {
	ProductID string `json:"product_id"`
	Qty       int    `json:"qty"`
}

type ListQuery struct {
	UserID string
	Page   int
	Limit  int
	From   *time.Time // inclusive
	To     *time.Time // exclusive
}

const (
	DefaultPageLimit = 10
	MaxPageLimit     = 100
)

func (q ListQuery) normalize() ListQuery {
	if q.Page < 1 {
		q.Page = 1
	}
	if q.Limit < 1 {
		q.Limit = DefaultPageLimit
	}
	if q.Limit > MaxPageLimit {
		q.Limit = MaxPageLimit
	}
	return q
}

func (q ListQuery) Offset() int { return (q.Page - 1) * q.Limit }

type Page struct {
	Orders      []Order `json:"orders"`
	Total       int64   `json:"total_orders"`
	TotalPages  int64   `json:"total_pages"`
	CurrentPage int     `json:"current_page"`
	HasMore     bool    `json:"has_more"`
}

func newPage(orders []Order, total int64, q ListQuery) Page {
	if orders == nil {
		orders = []Order{}
	}
	pages := total / int64(q.Limit)
	if total%int64(q.Limit) != 0 {
		pages++
	}
	return Page{
		Orders:      orders,
		Total:       total,
		TotalPages:  pages,
		CurrentPage: q.Page,
		HasMore:     total > int64(q.Page*q.Limit),
	}
}
