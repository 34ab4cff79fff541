package projection

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/ariefcatur/go-shop-orders/internal/orders"
	"github.com/ariefcatur/go-shop-orders/internal/redisx"
	"github.com/cenkalti/backoff/v5"
	"github.com/go-redis/redismock/v9"
	kafkago "github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var occurred = time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

func message(t *testing.T, eventID, eventType string, payload any) kafkago.Message {
	t.Helper()
	p, err := json.Marshal(payload)
	require.NoError(t, err)
	b, err := json.Marshal(orders.Envelope{
		EventID:      eventID,
		EventType:    eventType,
		EventVersion: orders.EventVersion,
		OccurredAt:   occurred,
		Producer:     "order-api",
		Payload:      p,
	})
	require.NoError(t, err)
	return kafkago.Message{Key: []byte("o1"), Value: b}
}

func statusJSON(t *testing.T, status string) []byte {
	t.Helper()
	b, err := json.Marshal(redisx.OrderStatus{OrderID: "o1", Status: status, UpdatedAt: occurred})
	require.NoError(t, err)
	return b
}

func newService() (*Service, redismock.ClientMock) {
	db, mock := redismock.NewClientMock()
	return &Service{Status: &redisx.StatusCache{RDB: db}, RDB: db, ServiceName: "projector"}, mock
}

func TestHandleEvent_ProjectsLifecycle(t *testing.T) {
	s, mock := newService()
	ctx := context.Background()

	mock.ExpectSetNX("dedup:projector:e1", "1", redisx.TTLDedup).SetVal(true)
	mock.ExpectSet("order_status:o1", statusJSON(t, "ORDER"), redisx.TTLStatusCache).SetVal("OK")
	mock.ExpectSetNX("dedup:projector:e2", "1", redisx.TTLDedup).SetVal(true)
	mock.ExpectSet("order_status:o1", statusJSON(t, "CANCEL"), redisx.TTLStatusCache).SetVal("OK")
	mock.ExpectSetNX("dedup:projector:e3", "1", redisx.TTLDedup).SetVal(true)
	mock.ExpectDel("order_status:o1").SetVal(1)

	require.NoError(t, s.HandleEvent(ctx, message(t, "e1", orders.EventOrderCreated,
		orders.OrderCreatedPayload{OrderID: "o1", UserID: "u1", Status: orders.StatusOrder})))
	require.NoError(t, s.HandleEvent(ctx, message(t, "e2", orders.EventOrderCancelled,
		orders.OrderCancelledPayload{OrderID: "o1", UserID: "u1", Status: orders.StatusCancel})))
	require.NoError(t, s.HandleEvent(ctx, message(t, "e3", orders.EventOrderDeleted,
		orders.OrderDeletedPayload{OrderID: "o1"})))

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestHandleEvent_SkipsDuplicates(t *testing.T) {
	s, mock := newService()

	mock.ExpectSetNX("dedup:projector:e1", "1", redisx.TTLDedup).SetVal(false)

	require.NoError(t, s.HandleEvent(context.Background(), message(t, "e1", orders.EventOrderCreated,
		orders.OrderCreatedPayload{OrderID: "o1", Status: orders.StatusOrder})))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestHandleEvent_IgnoresUnknownTypes(t *testing.T) {
	s, mock := newService()

	mock.ExpectSetNX("dedup:projector:e9", "1", redisx.TTLDedup).SetVal(true)

	require.NoError(t, s.HandleEvent(context.Background(), message(t, "e9", "StockReserved", map[string]string{})))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestHandleEvent_ReleasesDedupOnFailure(t *testing.T) {
	s, mock := newService()

	mock.ExpectSetNX("dedup:projector:e1", "1", redisx.TTLDedup).SetVal(true)
	mock.ExpectSet("order_status:o1", statusJSON(t, "ORDER"), redisx.TTLStatusCache).SetErr(errors.New("READONLY"))
	mock.ExpectDel("dedup:projector:e1").SetVal(1)

	err := s.HandleEvent(context.Background(), message(t, "e1", orders.EventOrderCreated,
		orders.OrderCreatedPayload{OrderID: "o1", Status: orders.StatusOrder}))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "cache status")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestHandleEvent_RejectsGarbage(t *testing.T) {
	s, mock := newService()

	err := s.HandleEvent(context.Background(), kafkago.Message{Value: []byte("not json")})
	require.Error(t, err)
	var perm *backoff.PermanentError
	assert.ErrorAs(t, err, &perm, "undecodable events are skipped, not retried")
	assert.NoError(t, mock.ExpectationsWereMet())
}
