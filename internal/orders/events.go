package orders

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
	kafkago "github.com/segmentio/kafka-go"
)

const (
	EventOrderCreated   = "OrderCreated"
	EventOrderCancelled = "OrderCancelled"
	EventOrderDeleted   = "OrderDeleted"
)

const EventVersion = 1

type Envelope struct {
	EventID       string          `json:"event_id"`
	EventType     string          `json:"event_type"`
	EventVersion  int             `json:"event_version"`
	OccurredAt    time.Time       `json:"occurred_at"`
	Producer      string          `json:"producer"`
	TraceID       string          `json:"trace_id,omitempty"`
	CorrelationID string          `json:"correlation_id,omitempty"` // order_id
	Payload       json.RawMessage `json:"payload"`
}

type LineItem struct {
	ProductID      string `json:"product_id"`
	Qty            int    `json:"qty"`
	LineTotalCents int64  `json:"line_total_cents"`
}

type OrderCreatedPayload struct {
	OrderID    string     `json:"order_id"`
	UserID     string     `json:"user_id"`
	Status     Status     `json:"status"`
	Items      []LineItem `json:"items"`
	TotalCents int64      `json:"total_cents"`
	CreatedAt  time.Time  `json:"created_at"`
}

// OrderCancelledPayload lists the quantities returned to stock.
type OrderCancelledPayload struct {
	OrderID  string     `json:"order_id"`
	UserID   string     `json:"user_id"`
	Status   Status     `json:"status"`
	Restored []LineItem `json:"restored"`
}

type OrderDeletedPayload struct {
	OrderID string `json:"order_id"`
}

// Publisher matches kafka.Producer.Publish; false means the event was dropped.
type Publisher interface {
	Publish(key, value []byte, headers ...kafkago.Header) bool
}

func NewEnvelope(eventType, producer, orderID string, payload any) (Envelope, error) {
	b, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, err
	}
	return Envelope{
		EventID:       uuid.NewString(),
		EventType:     eventType,
		EventVersion:  EventVersion,
		OccurredAt:    time.Now().UTC(),
		Producer:      producer,
		CorrelationID: orderID,
		Payload:       b,
	}, nil
}

func lineItems(lines []OrderLine) []LineItem {
	out := make([]LineItem, 0, len(lines))
	for _, l := range lines {
		out = append(out, LineItem{ProductID: l.ProductID, Qty: l.Qty, LineTotalCents: l.LineTotalCents})
	}
	return out
}

func marshalEnvelope(e Envelope) ([]byte, error) { return json.Marshal(e) }

func DecodeEnvelope(b []byte) (Envelope, error) {
	var e Envelope
	err := json.Unmarshal(b, &e)
	return e, err
}
