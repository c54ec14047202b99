package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/redis/go-redis/v9"
	kafkago "github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	kafkax "github.com/ariefcatur/go-perfume-shop/internal/kafka"
	"github.com/ariefcatur/go-perfume-shop/internal/logger"
	"github.com/ariefcatur/go-perfume-shop/internal/metrics"
	"github.com/ariefcatur/go-perfume-shop/internal/orders"
	"github.com/ariefcatur/go-perfume-shop/internal/redisx"
)

type Pusher interface {
	Send(ctx context.Context, msg PushMessage) error
}

// Deduper claims an event id once across notifier replicas.
type Deduper interface {
	Claim(ctx context.Context, eventID string) (bool, error)
}

type RedisDeduper struct {
	Redis   *redis.Client
	Service string
}

func (d *RedisDeduper) Claim(ctx context.Context, eventID string) (bool, error) {
	return redisx.Claim(ctx, d.Redis, fmt.Sprintf(redisx.KeyDedup, d.Service, eventID), redisx.TTLDedup)
}

// Service delivers admin notification events to the push service.
type Service struct {
	Dedup      Deduper
	Push       Pusher
	AdminTopic string
}

// HandleAdminNotification is the consumer handler. Delivery is best-effort: a
// failed push is logged and the offset is still committed.
func (s *Service) HandleAdminNotification(ctx context.Context, m kafkago.Message) error {
	log := logger.FromContext(ctx)

	var env orders.Envelope
	if err := json.Unmarshal(m.Value, &env); err != nil {
		log.Warn(ctx, "skipping undecodable event", zap.Int64("offset", m.Offset), zap.Error(err))
		return nil
	}
	if env.EventType != orders.EventOrderCreated && env.EventType != orders.EventOrderCanceled {
		return nil
	}

	if s.Dedup != nil {
		first, err := s.Dedup.Claim(ctx, env.EventID)
		if err != nil {
			// deliver anyway, a duplicate push beats a lost one
			log.Warn(ctx, "dedup unavailable", zap.String("event_id", env.EventID), zap.Error(err))
		} else if !first {
			return nil
		}
	}

	n, err := kafkax.UnwrapPayload[orders.AdminNotification](env.Payload)
	if err != nil {
		log.Warn(ctx, "skipping event with bad payload", zap.String("event_id", env.EventID), zap.Error(err))
		return nil
	}

	err = s.Push.Send(ctx, PushMessage{
		Topic: s.AdminTopic,
		Title: n.Title,
		Body:  n.Body,
		Data: map[string]string{
			"event":      n.EventType,
			"orderId":    n.OrderID,
			"userId":     n.UserID,
			"totalPrice": strconv.FormatInt(n.TotalPrice, 10),
		},
	})
	metrics.RecordNotification(n.EventType, err == nil)
	if err != nil {
		log.Error(ctx, "admin push failed", zap.String("event_id", env.EventID), zap.String("order_id", n.OrderID), zap.Error(err))
		return nil
	}
	log.Info(ctx, "admin push sent", zap.String("event", n.EventType), zap.String("order_id", n.OrderID))
	return nil
}
