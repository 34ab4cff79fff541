package projection

import (
	"context"
	"fmt"
	"time"

	kafkax "github.com/ariefcatur/go-shop-orders/internal/kafka"
	"github.com/ariefcatur/go-shop-orders/internal/orders"
	"github.com/ariefcatur/go-shop-orders/internal/redisx"
	"github.com/cenkalti/backoff/v5"
	"github.com/redis/go-redis/v9"
	kafkago "github.com/segmentio/kafka-go"
	"go.uber.org/zap"
)

// Service keeps the Redis order-status cache in line with the lifecycle topic.
type Service struct {
	Status      *redisx.StatusCache
	RDB         redis.Cmdable
	Log         *zap.Logger
	ServiceName string
}

// HandleEvent is installed as the consumer handler. Each event_id is applied at most once.
func (s *Service) HandleEvent(ctx context.Context, m kafkago.Message) error {
	env, err := orders.DecodeEnvelope(m.Value)
	if err != nil {
		return backoff.Permanent(fmt.Errorf("decode envelope: %w", err))
	}

	fresh, err := redisx.MarkOnce(ctx, s.RDB, s.ServiceName, env.EventID)
	if err != nil {
		return fmt.Errorf("dedup: %w", err)
	}
	if !fresh {
		s.log().Debug("duplicate event skipped", zap.String("event_id", env.EventID))
		return nil
	}

	if err := s.apply(ctx, env); err != nil {
		// release so the consumer's next attempt applies it
		_ = s.RDB.Del(ctx, fmt.Sprintf(redisx.KeyDedup, s.ServiceName, env.EventID)).Err()
		return err
	}
	return nil
}

func (s *Service) apply(ctx context.Context, env orders.Envelope) error {
	switch env.EventType {
	case orders.EventOrderCreated:
		p, err := kafkax.UnwrapPayload[orders.OrderCreatedPayload](env.Payload)
		if err != nil {
			return backoff.Permanent(err)
		}
		return s.setStatus(ctx, p.OrderID, p.Status, env.OccurredAt)
	case orders.EventOrderCancelled:
		p, err := kafkax.UnwrapPayload[orders.OrderCancelledPayload](env.Payload)
		if err != nil {
			return backoff.Permanent(err)
		}
		return s.setStatus(ctx, p.OrderID, p.Status, env.OccurredAt)
	case orders.EventOrderDeleted:
		p, err := kafkax.UnwrapPayload[orders.OrderDeletedPayload](env.Payload)
		if err != nil {
			return backoff.Permanent(err)
		}
		if err := s.Status.Delete(ctx, p.OrderID); err != nil {
			return fmt.Errorf("drop status: %w", err)
		}
		s.log().Info("order status dropped", zap.String("order_id", p.OrderID))
		return nil
	default:
		return nil
	}
}

func (s *Service) setStatus(ctx context.Context, orderID string, st orders.Status, at time.Time) error {
	if err := s.Status.Set(ctx, redisx.OrderStatus{OrderID: orderID, Status: string(st), UpdatedAt: at}); err != nil {
		return fmt.Errorf("cache status: %w", err)
	}
	s.log().Info("order status projected", zap.String("order_id", orderID), zap.String("status", string(st)))
	return nil
}

func (s *Service) log() *zap.Logger {
	if s.Log == nil {
		return zap.NewNop()
	}
	return s.Log
}
