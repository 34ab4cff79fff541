package redisx

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// ErrMiss is returned when a key is absent from the cache.
var ErrMiss = errors.New("cache miss")

type OrderStatus struct {
	OrderID   string    `json:"order_id"`
	Status    string    `json:"status"`
	UpdatedAt time.Time `json:"updated_at"`
}

// StatusCache keeps the latest known status per order. Postgres remains the source of truth.
type StatusCache struct{ RDB redis.Cmdable }

func (c *StatusCache) Get(ctx context.Context, orderID string) (OrderStatus, error) {
	s, err := c.RDB.Get(ctx, fmt.Sprintf(KeyOrderStatus, orderID)).Result()
	if errors.Is(err, redis.Nil) {
		return OrderStatus{}, ErrMiss
	}
	if err != nil {
		return OrderStatus{}, err
	}
	var st OrderStatus
	if err := json.Unmarshal([]byte(s), &st); err != nil {
		return OrderStatus{}, err
	}
	return st, nil
}

func (c *StatusCache) Set(ctx context.Context, st OrderStatus) error {
	b, err := json.Marshal(st)
	if err != nil {
		return err
	}
	return c.RDB.Set(ctx, fmt.Sprintf(KeyOrderStatus, st.OrderID), b, TTLStatusCache).Err()
}

func (c *StatusCache) Delete(ctx context.Context, orderID string) error {
	return c.RDB.Del(ctx, fmt.Sprintf(KeyOrderStatus, orderID)).Err()
}

type IdemResult struct {
	OrderID    string `json:"order_id,omitempty"`
	TotalCents int64  `json:"total_cents,omitempty"`
	// Pending marks a key claimed by a create that has not finished yet.
	Pending bool `json:"pending,omitempty"`
}

var pendingMarker, _ = json.Marshal(IdemResult{Pending: true})

// IdempotencyStore remembers the result of a create-order request per user and client key.
type IdempotencyStore struct{ RDB redis.Cmdable }

func (s *IdempotencyStore) Lookup(ctx context.Context, userID, key string) (IdemResult, error) {
	v, err := s.RDB.Get(ctx, fmt.Sprintf(KeyIdemOrderCreate, userID, key)).Result()
	if errors.Is(err, redis.Nil) {
		return IdemResult{}, ErrMiss
	}
	if err != nil {
		return IdemResult{}, err
	}
	var r IdemResult
	if err := json.Unmarshal([]byte(v), &r); err != nil {
		return IdemResult{}, err
	}
	return r, nil
}

// Claim takes key for one in-flight create with SETNX. It reports false when another
// request already holds or has completed it. The claim expires after TTLIdemPending.
func (s *IdempotencyStore) Claim(ctx context.Context, userID, key string) (bool, error) {
	return s.RDB.SetNX(ctx, fmt.Sprintf(KeyIdemOrderCreate, userID, key), pendingMarker, TTLIdemPending).Result()
}

// Release drops a claim whose create failed so the client can retry with the same key.
func (s *IdempotencyStore) Release(ctx context.Context, userID, key string) error {
	return s.RDB.Del(ctx, fmt.Sprintf(KeyIdemOrderCreate, userID, key)).Err()
}

// Remember replaces the claim with the created order.
func (s *IdempotencyStore) Remember(ctx context.Context, userID, key string, r IdemResult) error {
	b, err := json.Marshal(r)
	if err != nil {
		return err
	}
	return s.RDB.Set(ctx, fmt.Sprintf(KeyIdemOrderCreate, userID, key), b, TTLIdempotency).Err()
}

// MarkOnce records id as processed for service and reports whether it was new.
func MarkOnce(ctx context.Context, rdb redis.Cmdable, service, id string) (bool, error) {
	return rdb.SetNX(ctx, fmt.Sprintf(KeyDedup, service, id), "1", TTLDedup).Result()
}
