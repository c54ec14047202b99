// Package rabbitmq schedules delayed payment checks through a delayed-message exchange.
package rabbitmq

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"

	"github.com/ariefcatur/go-perfume-shop/internal/config"
	"github.com/ariefcatur/go-perfume-shop/internal/logger"
)

const EventPaymentCheck = "payment_check"

type RabbitMQ struct {
	Conn    *amqp.Connection
	Channel *amqp.Channel
	Cfg     config.RabbitMQ

	mu sync.Mutex // amqp channels are not safe for concurrent publishing
}

func NewRabbitMQ(cfg config.RabbitMQ) (*RabbitMQ, error) {
	conn, err := amqp.Dial(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("dial rabbitmq: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("open channel: %w", err)
	}
	return &RabbitMQ{Conn: conn, Channel: ch, Cfg: cfg}, nil
}

// SetupQueues declares the delayed exchange (requires the delayed-message plugin)
// and the payment check queue bound to it.
func (r *RabbitMQ) SetupQueues() error {
	if err := r.Channel.ExchangeDeclare(
		r.Cfg.DelayExchange,
		"x-delayed-message",
		true,  // durable
		false, // auto-delete
		false, // internal
		false, // no-wait
		amqp.Table{"x-delayed-type": "direct"},
	); err != nil {
		return fmt.Errorf("declare %s: %w", r.Cfg.DelayExchange, err)
	}

	if _, err := r.Channel.QueueDeclare(
		r.Cfg.CheckQueue,
		true,  // durable
		false, // auto-delete
		false, // exclusive
		false, // no-wait
		nil,
	); err != nil {
		return fmt.Errorf("declare %s: %w", r.Cfg.CheckQueue, err)
	}

	if err := r.Channel.QueueBind(r.Cfg.CheckQueue, EventPaymentCheck, r.Cfg.DelayExchange, false, nil); err != nil {
		return fmt.Errorf("bind %s: %w", r.Cfg.CheckQueue, err)
	}
	return nil
}

// SchedulePaymentCheck asks the broker to deliver a payment check for orderID after the delay.
func (r *RabbitMQ) SchedulePaymentCheck(ctx context.Context, orderID string, after time.Duration) error {
	msg := amqp.Publishing{
		DeliveryMode: amqp.Persistent,
		Timestamp:    time.Now(),
		ContentType:  "text/plain",
		Body:         []byte(orderID + "|" + EventPaymentCheck),
		Headers:      amqp.Table{"x-delay": after.Milliseconds()},
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.Channel.PublishWithContext(ctx, r.Cfg.DelayExchange, EventPaymentCheck, false, false, msg)
}

// CheckHandler expires the order if it is still unpaid.
type CheckHandler func(ctx context.Context, orderID string) error

// ConsumePaymentChecks delivers scheduled checks to h until ctx is done or the channel closes.
func (r *RabbitMQ) ConsumePaymentChecks(ctx context.Context, h CheckHandler) error {
	msgs, err := r.Channel.ConsumeWithContext(ctx,
		r.Cfg.CheckQueue,
		"payment-checker", // consumer tag
		false,             // auto-ack
		false,             // exclusive
		false,             // no-local
		false,             // no-wait
		nil,
	)
	if err != nil {
		return fmt.Errorf("consume %s: %w", r.Cfg.CheckQueue, err)
	}
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-msgs:
			if !ok {
				return nil
			}
			handleDelivery(ctx, msg, h)
		}
	}
}

func parseCheck(body []byte) (string, error) {
	orderID, event, ok := strings.Cut(string(body), "|")
	if !ok || orderID == "" {
		return "", fmt.Errorf("invalid message format %q", body)
	}
	if event != EventPaymentCheck {
		return "", fmt.Errorf("unknown event type %q", event)
	}
	return orderID, nil
}

// handleDelivery acks handled checks, drops malformed ones and requeues a
// failed check once.
func handleDelivery(ctx context.Context, msg amqp.Delivery, h CheckHandler) {
	log := logger.FromContext(ctx)
	defer func() {
		if rec := recover(); rec != nil {
			log.Error(ctx, "payment check panicked", zap.Any("panic", rec))
			_ = msg.Nack(false, false)
		}
	}()

	orderID, err := parseCheck(msg.Body)
	if err != nil {
		log.Warn(ctx, "dropping payment check", zap.Error(err))
		_ = msg.Nack(false, false)
		return
	}
	if err := h(ctx, orderID); err != nil {
		log.Error(ctx, "payment check failed", zap.String("order_id", orderID), zap.Bool("redelivered", msg.Redelivered), zap.Error(err))
		_ = msg.Nack(false, !msg.Redelivered)
		return
	}
	_ = msg.Ack(false)
}

func (r *RabbitMQ) Close() {
	if r.Channel != nil {
		_ = r.Channel.Close()
	}
	if r.Conn != nil {
		_ = r.Conn.Close()
	}
}
