package httpx

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/ariefcatur/go-shop-orders/internal/orders"
	"github.com/ariefcatur/go-shop-orders/internal/redisx"
	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"
)

// OrderService is the order lifecycle as seen by the routing layer.
type OrderService interface {
	CreateOrder(ctx context.Context, userID string, items []orders.ItemInput) (orders.Order, error)
	CancelOrder(ctx context.Context, orderID string) (orders.Order, error)
	DeleteOrder(ctx context.Context, orderID string) error
	GetOrder(ctx context.Context, orderID string) (orders.Order, error)
	ListOrders(ctx context.Context, q orders.ListQuery) (orders.Page, error)
	ListProducts(ctx context.Context) ([]orders.Product, error)
}

type StatusCache interface {
	Get(ctx context.Context, orderID string) (redisx.OrderStatus, error)
	Set(ctx context.Context, st redisx.OrderStatus) error
	Delete(ctx context.Context, orderID string) error
}

type IdempotencyStore interface {
	Claim(ctx context.Context, userID, key string) (bool, error)
	Release(ctx context.Context, userID, key string) error
	Lookup(ctx context.Context, userID, key string) (redisx.IdemResult, error)
	Remember(ctx context.Context, userID, key string, r redisx.IdemResult) error
}

// HeaderIdempotencyKey lets a client retry POST /orders without creating a second order.
const HeaderIdempotencyKey = "Idempotency-Key"

const maxCreateBody = 1 << 20

type OrdersHandler struct {
	Service OrderService
	Status  StatusCache      // optional
	Idem    IdempotencyStore // optional
	Log     *zap.Logger
}

type CreateOrderReq struct {
	Items []orders.ItemInput `json:"items"`
}

func (h *OrdersHandler) Register(r chi.Router) {
	r.Get("/products", h.listProducts)
	r.Group(func(r chi.Router) {
		r.Use(Identity)
		r.Post("/orders", h.createOrder)
		r.Get("/orders", h.listOrders)
		r.Get("/orders/{id}", h.getOrder)
		r.Get("/orders/{id}/status", h.getOrderStatus)
		r.Post("/orders/{id}/cancel", h.cancelOrder)
		r.Delete("/orders/{id}", h.deleteOrder)
	})
}

func (h *OrdersHandler) log() *zap.Logger {
	if h.Log == nil {
		return zap.NewNop()
	}
	return h.Log
}

func (h *OrdersHandler) createOrder(w http.ResponseWriter, r *http.Request) {
	var req CreateOrderReq
	r.Body = http.MaxBytesReader(w, r.Body, maxCreateBody)
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		fail(w, "failed to create order", fmt.Errorf("%w: invalid json", orders.ErrInvalidInput))
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	userID := UserID(ctx)
	idemKey := strings.TrimSpace(r.Header.Get(HeaderIdempotencyKey))
	if idemKey != "" && h.Idem != nil {
		claimed, err := h.Idem.Claim(ctx, userID, idemKey)
		if err != nil {
			h.log().Warn("idempotency claim failed", zap.String("user_id", userID), zap.Error(err))
			idemKey = ""
		} else if !claimed {
			h.replayCreate(ctx, w, userID, idemKey)
			return
		}
	}

	o, err := h.Service.CreateOrder(ctx, userID, req.Items)
	if err != nil {
		if idemKey != "" && h.Idem != nil {
			if rerr := h.Idem.Release(context.WithoutCancel(ctx), userID, idemKey); rerr != nil {
				h.log().Warn("idempotency release failed", zap.String("user_id", userID), zap.Error(rerr))
			}
		}
		fail(w, "failed to create order", err)
		return
	}

	if idemKey != "" && h.Idem != nil {
		res := redisx.IdemResult{OrderID: o.ID, TotalCents: o.TotalCents}
		if err := h.Idem.Remember(context.WithoutCancel(ctx), userID, idemKey, res); err != nil {
			h.log().Warn("idempotency store failed", zap.String("order_id", o.ID), zap.Error(err))
		}
	}
	h.cacheStatus(ctx, o)
	ok(w, http.StatusCreated, "order created", o)
}

// replayCreate answers a request whose idempotency key is already taken: the stored
// order with 200, or 409 while the first request is still running.
func (h *OrdersHandler) replayCreate(ctx context.Context, w http.ResponseWriter, userID, idemKey string) {
	prev, err := h.Idem.Lookup(ctx, userID, idemKey)
	if err != nil && !errors.Is(err, redisx.ErrMiss) {
		h.log().Warn("idempotency lookup failed", zap.String("user_id", userID), zap.Error(err))
	}
	if err != nil || prev.Pending || prev.OrderID == "" {
		writeJSON(w, http.StatusConflict, Response{
			Success: false,
			Message: "failed to create order",
			Error:   &ErrorBody{Code: "IDEMPOTENCY_IN_PROGRESS", Detail: "a request with this idempotency key is still running"},
		})
		return
	}
	o, err := h.Service.GetOrder(ctx, prev.OrderID)
	if err != nil {
		ok(w, http.StatusOK, "order already created", prev)
		return
	}
	ok(w, http.StatusOK, "order already created", o)
}

func (h *OrdersHandler) listOrders(w http.ResponseWriter, r *http.Request) {
	q, err := parseListQuery(r)
	if err != nil {
		fail(w, "failed to list orders", err)
		return
	}
	q.UserID = UserID(r.Context())

	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	page, err := h.Service.ListOrders(ctx, q)
	if err != nil {
		fail(w, "failed to list orders", err)
		return
	}
	ok(w, http.StatusOK, "orders retrieved", page)
}

func parseListQuery(r *http.Request) (orders.ListQuery, error) {
	var q orders.ListQuery
	v := r.URL.Query()
	for name, dst := range map[string]*int{"page": &q.Page, "limit": &q.Limit} {
		if s := v.Get(name); s != "" {
			n, err := strconv.Atoi(s)
			if err != nil {
				return q, fmt.Errorf("%w: %s must be a number", orders.ErrInvalidInput, name)
			}
			*dst = n
		}
	}
	for name, dst := range map[string]**time.Time{"from": &q.From, "to": &q.To} {
		if s := v.Get(name); s != "" {
			t, err := parseTime(s)
			if err != nil {
				return q, fmt.Errorf("%w: %s must be RFC3339 or YYYY-MM-DD", orders.ErrInvalidInput, name)
			}
			*dst = &t
		}
	}
	return q, nil
}

func parseTime(s string) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t, nil
	}
	return time.Parse(time.DateOnly, s)
}

func (h *OrdersHandler) getOrder(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()

	o, err := h.Service.GetOrder(ctx, chi.URLParam(r, "id"))
	if err != nil {
		fail(w, "failed to get order", err)
		return
	}
	ok(w, http.StatusOK, "order retrieved", o)
}

// getOrderStatus answers from the status cache first and falls back to Postgres.
func (h *OrdersHandler) getOrderStatus(w http.ResponseWriter, r *http.Request) {
	orderID := chi.URLParam(r, "id")
	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()

	if h.Status != nil {
		st, err := h.Status.Get(ctx, orderID)
		if err == nil {
			ok(w, http.StatusOK, "order status retrieved", st)
			return
		}
		if !errors.Is(err, redisx.ErrMiss) {
			h.log().Warn("status cache read failed", zap.String("order_id", orderID), zap.Error(err))
		}
	}

	o, err := h.Service.GetOrder(ctx, orderID)
	if err != nil {
		fail(w, "failed to get order status", err)
		return
	}
	h.cacheStatus(ctx, o)
	ok(w, http.StatusOK, "order status retrieved", toStatus(o))
}

func (h *OrdersHandler) cancelOrder(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	o, err := h.Service.CancelOrder(ctx, chi.URLParam(r, "id"))
	if err != nil {
		fail(w, "failed to cancel order", err)
		return
	}
	h.cacheStatus(ctx, o)
	ok(w, http.StatusOK, "order cancelled", o)
}

func (h *OrdersHandler) deleteOrder(w http.ResponseWriter, r *http.Request) {
	orderID := chi.URLParam(r, "id")
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	if err := h.Service.DeleteOrder(ctx, orderID); err != nil {
		fail(w, "failed to delete order", err)
		return
	}
	if h.Status != nil {
		if err := h.Status.Delete(ctx, orderID); err != nil {
			h.log().Warn("status cache delete failed", zap.String("order_id", orderID), zap.Error(err))
		}
	}
	ok(w, http.StatusOK, "order deleted", map[string]string{"order_id": orderID})
}

func (h *OrdersHandler) listProducts(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()

	ps, err := h.Service.ListProducts(ctx)
	if err != nil {
		fail(w, "failed to list products", err)
		return
	}
	ok(w, http.StatusOK, "products retrieved", ps)
}

func (h *OrdersHandler) cacheStatus(ctx context.Context, o orders.Order) {
	if h.Status == nil {
		return
	}
	if err := h.Status.Set(ctx, toStatus(o)); err != nil {
		h.log().Warn("status cache write failed", zap.String("order_id", o.ID), zap.Error(err))
	}
}

func toStatus(o orders.Order) redisx.OrderStatus {
	at := o.UpdatedAt
	if at.IsZero() {
		at = o.CreatedAt
	}
	return redisx.OrderStatus{OrderID: o.ID, Status: string(o.Status), UpdatedAt: at}
}
