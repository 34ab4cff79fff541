package redisx

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/go-redis/redismock/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStatusCache_SetGet(t *testing.T) {
	db, mock := redismock.NewClientMock()
	c := &StatusCache{RDB: db}
	ctx := context.Background()
	st := OrderStatus{OrderID: "o1", Status: "ORDER", UpdatedAt: time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)}
	b, err := json.Marshal(st)
	require.NoError(t, err)

	mock.ExpectSet("order_status:o1", b, TTLStatusCache).SetVal("OK")
	mock.ExpectGet("order_status:o1").SetVal(string(b))

	require.NoError(t, c.Set(ctx, st))
	got, err := c.Get(ctx, "o1")
	require.NoError(t, err)
	assert.Equal(t, st, got)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestStatusCache_Miss(t *testing.T) {
	db, mock := redismock.NewClientMock()
	c := &StatusCache{RDB: db}

	mock.ExpectGet("order_status:missing").RedisNil()

	_, err := c.Get(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrMiss)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestStatusCache_Delete(t *testing.T) {
	db, mock := redismock.NewClientMock()
	c := &StatusCache{RDB: db}

	mock.ExpectDel("order_status:o1").SetVal(1)

	require.NoError(t, c.Delete(context.Background(), "o1"))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestIdempotencyStore(t *testing.T) {
	db, mock := redismock.NewClientMock()
	s := &IdempotencyStore{RDB: db}
	ctx := context.Background()
	r := IdemResult{OrderID: "o1", TotalCents: 300}
	b, err := json.Marshal(r)
	require.NoError(t, err)

	mock.ExpectGet("idem:order:create:user1:k1").RedisNil()
	mock.ExpectSet("idem:order:create:user1:k1", b, TTLIdempotency).SetVal("OK")
	mock.ExpectGet("idem:order:create:user1:k1").SetVal(string(b))

	_, err = s.Lookup(ctx, "user1", "k1")
	assert.ErrorIs(t, err, ErrMiss)
	require.NoError(t, s.Remember(ctx, "user1", "k1", r))
	got, err := s.Lookup(ctx, "user1", "k1")
	require.NoError(t, err)
	assert.Equal(t, r, got)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestIdempotencyStore_ClaimAndRelease(t *testing.T) {
	db, mock := redismock.NewClientMock()
	s := &IdempotencyStore{RDB: db}
	ctx := context.Background()
	pending, err := json.Marshal(IdemResult{Pending: true})
	require.NoError(t, err)
	assert.JSONEq(t, `{"pending":true}`, string(pending))

	mock.ExpectSetNX("idem:order:create:user1:k1", pending, TTLIdemPending).SetVal(true)
	mock.ExpectSetNX("idem:order:create:user1:k1", pending, TTLIdemPending).SetVal(false)
	mock.ExpectGet("idem:order:create:user1:k1").SetVal(string(pending))
	mock.ExpectDel("idem:order:create:user1:k1").SetVal(1)

	first, err := s.Claim(ctx, "user1", "k1")
	require.NoError(t, err)
	assert.True(t, first)

	second, err := s.Claim(ctx, "user1", "k1")
	require.NoError(t, err)
	assert.False(t, second)

	got, err := s.Lookup(ctx, "user1", "k1")
	require.NoError(t, err)
	assert.True(t, got.Pending)

	require.NoError(t, s.Release(ctx, "user1", "k1"))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestIdempotencyStore_Error(t *testing.T) {
	db, mock := redismock.NewClientMock()
	s := &IdempotencyStore{RDB: db}

	mock.ExpectGet("idem:order:create:user1:k1").SetErr(errors.New("connection refused"))

	_, err := s.Lookup(context.Background(), "user1", "k1")
	require.Error(t, err)
	assert.False(t, errors.Is(err, ErrMiss))
}

func TestMarkOnce(t *testing.T) {
	db, mock := redismock.NewClientMock()
	ctx := context.Background()

	mock.ExpectSetNX("dedup:projector:e1", "1", TTLDedup).SetVal(true)
	mock.ExpectSetNX("dedup:projector:e1", "1", TTLDedup).SetVal(false)

	first, err := MarkOnce(ctx, db, "projector", "e1")
	require.NoError(t, err)
	assert.True(t, first)

	again, err := MarkOnce(ctx, db, "projector", "e1")
	require.NoError(t, err)
	assert.False(t, again)
	assert.NoError(t, mock.ExpectationsWereMet())
}
