package kafka

import (
	"context"
	"sync"
	"time"

	"github.com/go-faster/errors"
	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"github.com/ariefcatur/go-perfume-shop/internal/logger"
)

var (
	ErrBufferFull = errors.New("kafka producer buffer is full")
	ErrClosed     = errors.New("kafka producer is closed")
)

// Producer writes messages to one topic from a single background goroutine.
// Publish never blocks the caller.
type Producer struct {
	w       *kafka.Writer
	inbox   chan kafka.Message
	closeCh chan struct{}

	mu     sync.RWMutex
	closed bool
}

func NewProducer(brokers []string, topic string, buf int) *Producer {
	return &Producer{
		w: &kafka.Writer{
			Addr:         kafka.TCP(brokers...),
			Topic:        topic,
			Balancer:     &kafka.Hash{},
			RequiredAcks: kafka.RequireAll,
			BatchTimeout: 50 * time.Millisecond,
		},
		inbox:   make(chan kafka.Message, buf),
		closeCh: make(chan struct{}),
	}
}

// Start runs the write loop until Close is called. Buffered messages are
// flushed before the writer is closed.
func (p *Producer) Start(ctx context.Context) {
	log := logger.FromContext(ctx)
	go func() {
		defer close(p.closeCh)
		for m := range p.inbox {
			writeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
			if err := p.w.WriteMessages(writeCtx, m); err != nil {
				log.Error(ctx, "kafka write failed", zap.String("topic", p.w.Topic), zap.ByteString("key", m.Key), zap.Error(err))
			}
			cancel()
		}
		if err := p.w.Close(); err != nil {
			log.Warn(ctx, "kafka writer close", zap.Error(err))
		}
	}()
}

func (p *Producer) Publish(key, value []byte, headers ...kafka.Header) error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return ErrClosed
	}
	select {
	case p.inbox <- kafka.Message{Key: key, Value: value, Time: time.Now(), Headers: headers}:
		return nil
	default:
		return ErrBufferFull
	}
}

// Close stops accepting messages. Safe to call more than once.
func (p *Producer) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.closed {
		p.closed = true
		close(p.inbox)
	}
}

// WaitClosed blocks until the buffered messages are written and the writer is closed.
func (p *Producer) WaitClosed() { <-p.closeCh }
