// Package notify moves admin notifications from the order ledger to admin devices:
// KafkaSink publishes them, Service delivers them to the push service.
package notify

import (
	"context"
	"time"

	"github.com/google/uuid"
	kafkago "github.com/segmentio/kafka-go"

	kafkax "github.com/ariefcatur/go-perfume-shop/internal/kafka"
	"github.com/ariefcatur/go-perfume-shop/internal/logger"
	"github.com/ariefcatur/go-perfume-shop/internal/orders"
)

type Publisher interface {
	Publish(key, value []byte, headers ...kafkago.Header) error
}

// KafkaSink implements orders.Notifier on top of the async producer.
type KafkaSink struct {
	Producer    Publisher
	ServiceName string
}

func (s *KafkaSink) NotifyAdmins(ctx context.Context, n orders.AdminNotification) error {
	ev := orders.Envelope{
		EventID:       uuid.NewString(),
		EventType:     n.EventType,
		EventVersion:  1,
		OccurredAt:    time.Now().UTC(),
		Producer:      s.ServiceName,
		TraceID:       logger.RequestID(ctx),
		CorrelationID: n.OrderID,
		Payload:       kafkax.MustMarshal(n),
	}
	return s.Producer.Publish(orders.PartitionKey(n.OrderID), kafkax.MustMarshal(ev),
		kafkax.EventHeaders(n.EventType, ev.EventVersion)...)
}
