package orders

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"
	kafkago "github.com/segmentio/kafka-go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

var tracer = otel.Tracer("github.com/ariefcatur/go-shop-orders/internal/orders")

// Service owns the order lifecycle: creation with stock reservation, cancellation with
// stock restoration, deletion and listing. Every mutation runs as one transaction.
type Service struct {
	Catalog CatalogStore
	Orders  OrderStore
	Users   UserDirectory
	Tx      TxManager
	Events  Publisher // optional
	Log     *zap.Logger

	ServiceName string
	// MaxAttempts bounds how often a unit of work is re-run after a retryable abort.
	MaxAttempts  int
	RetryBackoff time.Duration

	Now   func() time.Time
	NewID func() string
}

func (s *Service) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now().UTC()
}

func (s *Service) newID() string {
	if s.NewID != nil {
		return s.NewID()
	}
	return uuid.NewString()
}

func (s *Service) logger() *zap.Logger {
	if s.Log == nil {
		return zap.NewNop()
	}
	return s.Log
}

// CreateOrder reserves stock for every requested line and persists the order, all or nothing.
// Lines are processed in input order.
func (s *Service) CreateOrder(ctx context.Context, userID string, items []ItemInput) (Order, error) {
	ctx, span := tracer.Start(ctx, "orders.CreateOrder", trace.WithAttributes(
		attribute.String("user.id", userID),
		attribute.Int("order.lines", len(items)),
	))
	defer span.End()

	if err := validateItems(userID, items); err != nil {
		return Order{}, s.fail(span, err)
	}

	var created Order
	err := s.inTx(ctx, func(ctx context.Context, tx Tx) error {
		created = Order{}
		ok, err := s.Users.UserExists(ctx, tx, userID)
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("%w: %s", ErrUserNotFound, userID)
		}

		orderID := s.newID()
		lines := make([]OrderLine, 0, len(items))
		var total int64
		for i, it := range items {
			p, err := s.Catalog.LockProduct(ctx, tx, it.ProductID)
			if errors.Is(err, ErrProductNotFound) {
				return &LineError{Index: i, ProductID: it.ProductID, Requested: it.Qty, Err: ErrProductNotFound}
			}
			if err != nil {
				return err
			}
			if p.Stock < it.Qty {
				return &LineError{Index: i, ProductID: it.ProductID, Requested: it.Qty, Available: p.Stock, Err: ErrInsufficientStock}
			}
			if _, err := s.Catalog.AdjustStock(ctx, tx, p.ID, -it.Qty); err != nil {
				if errors.Is(err, ErrInsufficientStock) {
					return &LineError{Index: i, ProductID: it.ProductID, Requested: it.Qty, Available: p.Stock, Err: ErrInsufficientStock}
				}
				return err
			}

			lineTotal := p.PriceCents * int64(it.Qty)
			total += lineTotal
			lines = append(lines, OrderLine{
				ID:             s.newID(),
				OrderID:        orderID,
				ProductID:      p.ID,
				Qty:            it.Qty,
				LineTotalCents: lineTotal,
				Product:        &ProductBrief{ID: p.ID, Name: p.Name, PriceCents: p.PriceCents},
			})
		}

		now := s.now()
		o := Order{
			ID:         orderID,
			UserID:     userID,
			Status:     StatusOrder,
			TotalCents: total,
			CreatedAt:  now,
			UpdatedAt:  now,
		}
		if err := s.Orders.CreateOrder(ctx, tx, &o); err != nil {
			return err
		}
		if err := s.Orders.BulkCreateLines(ctx, tx, lines); err != nil {
			return err
		}
		o.Lines = lines
		created = o
		return nil
	})
	if err != nil {
		return Order{}, s.fail(span, err)
	}

	span.SetAttributes(attribute.String("order.id", created.ID), attribute.Int64("order.total_cents", created.TotalCents))
	s.logger().Info("order created",
		zap.String("order_id", created.ID),
		zap.String("user_id", userID),
		zap.Int("lines", len(created.Lines)),
		zap.Int64("total_cents", created.TotalCents),
	)
	s.publish(ctx, EventOrderCreated, created.ID, OrderCreatedPayload{
		OrderID:    created.ID,
		UserID:     created.UserID,
		Status:     created.Status,
		Items:      lineItems(created.Lines),
		TotalCents: created.TotalCents,
		CreatedAt:  created.CreatedAt,
	})
	return created, nil
}

// CancelOrder returns every line's quantity to stock and marks the order CANCEL.
// A second cancellation fails with ErrAlreadyCancelled and changes nothing.
func (s *Service) CancelOrder(ctx context.Context, orderID string) (Order, error) {
	ctx, span := tracer.Start(ctx, "orders.CancelOrder", trace.WithAttributes(attribute.String("order.id", orderID)))
	defer span.End()

	if strings.TrimSpace(orderID) == "" {
		return Order{}, s.fail(span, fmt.Errorf("%w: order id is required", ErrInvalidInput))
	}

	var cancelled Order
	err := s.inTx(ctx, func(ctx context.Context, tx Tx) error {
		o, err := s.Orders.LockOrder(ctx, tx, orderID)
		if err != nil {
			return err
		}
		if err := Transition(o.Status, StatusCancel); err != nil {
			return err
		}
		for _, l := range o.Lines {
			if _, err := s.Catalog.LockProduct(ctx, tx, l.ProductID); err != nil {
				return err
			}
			if _, err := s.Catalog.AdjustStock(ctx, tx, l.ProductID, l.Qty); err != nil {
				return err
			}
		}
		if err := s.Orders.UpdateOrderStatus(ctx, tx, o.ID, StatusCancel); err != nil {
			return err
		}
		o.Status = StatusCancel
		o.UpdatedAt = s.now()
		cancelled = o
		return nil
	})
	if err != nil {
		return Order{}, s.fail(span, err)
	}

	s.logger().Info("order cancelled",
		zap.String("order_id", cancelled.ID),
		zap.String("user_id", cancelled.UserID),
		zap.Int("lines_restored", len(cancelled.Lines)),
	)
	s.publish(ctx, EventOrderCancelled, cancelled.ID, OrderCancelledPayload{
		OrderID:  cancelled.ID,
		UserID:   cancelled.UserID,
		Status:   cancelled.Status,
		Restored: lineItems(cancelled.Lines),
	})
	return cancelled, nil
}

// DeleteOrder purges the order and its lines. Stock is not restored; cancel first if needed.
func (s *Service) DeleteOrder(ctx context.Context, orderID string) error {
	ctx, span := tracer.Start(ctx, "orders.DeleteOrder", trace.WithAttributes(attribute.String("order.id", orderID)))
	defer span.End()

	if strings.TrimSpace(orderID) == "" {
		return s.fail(span, fmt.Errorf("%w: order id is required", ErrInvalidInput))
	}

	err := s.inTx(ctx, func(ctx context.Context, tx Tx) error {
		return s.Orders.DeleteOrderCascade(ctx, tx, orderID)
	})
	if err != nil {
		return s.fail(span, err)
	}

	s.logger().Info("order deleted", zap.String("order_id", orderID))
	s.publish(ctx, EventOrderDeleted, orderID, OrderDeletedPayload{OrderID: orderID})
	return nil
}

func (s *Service) GetOrder(ctx context.Context, orderID string) (Order, error) {
	ctx, span := tracer.Start(ctx, "orders.GetOrder", trace.WithAttributes(attribute.String("order.id", orderID)))
	defer span.End()

	if strings.TrimSpace(orderID) == "" {
		return Order{}, s.fail(span, fmt.Errorf("%w: order id is required", ErrInvalidInput))
	}
	o, err := s.Orders.GetOrderWithLines(ctx, orderID)
	if err != nil {
		return Order{}, s.fail(span, err)
	}
	return o, nil
}

// ListOrders pages through a user's orders, newest first.
func (s *Service) ListOrders(ctx context.Context, q ListQuery) (Page, error) {
	ctx, span := tracer.Start(ctx, "orders.ListOrders", trace.WithAttributes(attribute.String("user.id", q.UserID)))
	defer span.End()

	if strings.TrimSpace(q.UserID) == "" {
		return Page{}, s.fail(span, fmt.Errorf("%w: user id is required", ErrInvalidInput))
	}
	if q.From != nil && q.To != nil && !q.From.Before(*q.To) {
		return Page{}, s.fail(span, fmt.Errorf("%w: from must be before to", ErrInvalidInput))
	}
	q = q.normalize()

	list, total, err := s.Orders.ListOrders(ctx, q)
	if err != nil {
		return Page{}, s.fail(span, err)
	}
	return newPage(list, total, q), nil
}

func (s *Service) ListProducts(ctx context.Context) ([]Product, error) {
	ctx, span := tracer.Start(ctx, "orders.ListProducts")
	defer span.End()

	ps, err := s.Catalog.ListProducts(ctx)
	if err != nil {
		return nil, s.fail(span, err)
	}
	span.SetAttributes(attribute.Int("products.count", len(ps)))
	return ps, nil
}

func validateItems(userID string, items []ItemInput) error {
	if strings.TrimSpace(userID) == "" {
		return fmt.Errorf("%w: user id is required", ErrInvalidInput)
	}
	if len(items) == 0 {
		return fmt.Errorf("%w: at least one item is required", ErrInvalidInput)
	}
	if len(items) > MaxOrderLines {
		return fmt.Errorf("%w: at most %d items per order", ErrInvalidInput, MaxOrderLines)
	}
	for i, it := range items {
		if strings.TrimSpace(it.ProductID) == "" {
			return &LineError{Index: i, ProductID: it.ProductID, Requested: it.Qty,
				Err: fmt.Errorf("%w: product id is required", ErrInvalidInput)}
		}
		if it.Qty <= 0 {
			return &LineError{Index: i, ProductID: it.ProductID, Requested: it.Qty,
				Err: fmt.Errorf("%w: qty must be positive", ErrInvalidInput)}
		}
		if it.Qty > MaxLineQty {
			return &LineError{Index: i, ProductID: it.ProductID, Requested: it.Qty,
				Err: fmt.Errorf("%w: qty must not exceed %d", ErrInvalidInput, MaxLineQty)}
		}
	}
	return nil
}

// inTx runs fn as one unit of work, re-running it from scratch when the
// transaction manager reports a retryable abort. Domain errors stop immediately.
func (s *Service) inTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error {
	attempts := s.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}
	b := backoff.NewExponentialBackOff()
	if s.RetryBackoff > 0 {
		b.InitialInterval = s.RetryBackoff
	}

	attempt := 0
	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		attempt++
		err := RunInTx(ctx, s.Tx, fn)
		if err == nil {
			return struct{}{}, nil
		}
		if IsDomainError(err) || !s.Tx.Retryable(err) {
			return struct{}{}, backoff.Permanent(err)
		}
		s.logger().Warn("transaction aborted, retrying", zap.Int("attempt", attempt), zap.Error(err))
		return struct{}{}, err
	}, backoff.WithBackOff(b), backoff.WithMaxTries(uint(attempts)))
	if err != nil && !IsDomainError(err) && !errors.Is(err, ErrStorage) {
		err = storageErr("transaction", err)
	}
	return err
}

func (s *Service) fail(span trace.Span, err error) error {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	if !IsDomainError(err) {
		s.logger().Error("order operation failed", zap.Error(err))
	}
	return err
}

// publish runs after commit; a failure here never undoes the committed change.
func (s *Service) publish(ctx context.Context, eventType, orderID string, payload any) {
	if s.Events == nil {
		return
	}
	env, err := NewEnvelope(eventType, s.ServiceName, orderID, payload)
	if err != nil {
		s.logger().Error("encode event", zap.String("event_type", eventType), zap.Error(err))
		return
	}
	if sc := trace.SpanContextFromContext(ctx); sc.HasTraceID() {
		env.TraceID = sc.TraceID().String()
	}
	b, err := marshalEnvelope(env)
	if err != nil {
		s.logger().Error("encode envelope", zap.String("event_type", eventType), zap.Error(err))
		return
	}
	s.Events.Publish(PartitionKey(orderID), b,
		kafkago.Header{Key: "x-event-type", Value: []byte(eventType)},
		kafkago.Header{Key: "x-event-version", Value: []byte(strconv.Itoa(EventVersion))},
	)
}
