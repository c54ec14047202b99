package kafka

import (
	"context"
	"sync"
	"time"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"github.com/ariefcatur/go-perfume-shop/internal/logger"
)

// Handler returns nil only when the message was handled and its offset may be committed.
type Handler func(ctx context.Context, m kafka.Message) error

type Consumer struct {
	r       *kafka.Reader
	workers int
}

func NewConsumer(brokers []string, group, topic string, workers int) *Consumer {
	r := kafka.NewReader(kafka.ReaderConfig{
		Brokers:        brokers,
		GroupID:        group,
		Topic:          topic,
		MinBytes:       1,
		MaxBytes:       10e6,
		CommitInterval: 0, // manual commit
	})
	if workers <= 0 {
		workers = 1
	}
	return &Consumer{r: r, workers: workers}
}

// Start fetches messages and hands them to a pool of workers until ctx is done.
// It returns nil on shutdown and the fetch error otherwise.
func (c *Consumer) Start(ctx context.Context, h Handler) error {
	defer c.r.Close()
	log := logger.FromContext(ctx)

	jobs := make(chan kafka.Message, 1024)
	errs := make(chan error, c.workers)

	var wg sync.WaitGroup
	for i := 0; i < c.workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for m := range jobs {
				err := h(ctx, m)
				if err == nil {
					err = c.r.CommitMessages(ctx, m)
				}
				if err != nil {
					select {
					case errs <- err:
					default:
						log.Warn(ctx, "kafka handler error dropped", zap.Error(err))
					}
				}
			}
		}()
	}
	stop := func() {
		close(jobs)
		wg.Wait()
	}

	for {
		m, err := c.r.FetchMessage(ctx)
		if err != nil {
			stop()
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		select {
		case jobs <- m:
		case <-ctx.Done():
			stop()
			return nil
		}

		select {
		case e := <-errs:
			log.Warn(ctx, "kafka handler error", zap.String("topic", c.r.Config().Topic), zap.Error(e))
			time.Sleep(200 * time.Millisecond)
		default:
		}
	}
}
