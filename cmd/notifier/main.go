package main

import (
	"context"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"github.com/ariefcatur/go-perfume-shop/internal/config"
	kafkax "github.com/ariefcatur/go-perfume-shop/internal/kafka"
	"github.com/ariefcatur/go-perfume-shop/internal/logger"
	"github.com/ariefcatur/go-perfume-shop/internal/notify"
	"github.com/ariefcatur/go-perfume-shop/internal/orders"
	"github.com/ariefcatur/go-perfume-shop/internal/redisx"
)

func main() {
	_ = godotenv.Load()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	ctx, err := logger.New(ctx)
	if err != nil {
		panic(err)
	}
	log := logger.FromContext(ctx)
	defer log.Sync()

	cfg, err := config.Read()
	if err != nil {
		log.Fatal(ctx, "load config", zap.Error(err))
	}

	// Redis
	rdb := redisx.New(cfg.RedisAddr)
	defer rdb.Close()

	svc := &notify.Service{
		Dedup:      &notify.RedisDeduper{Redis: rdb, Service: cfg.ServiceName + "-notifier"},
		Push:       notify.NewPushClient(cfg.Push.URL, cfg.Notifier.Timeout),
		AdminTopic: cfg.Push.AdminTopic,
	}

	cons := kafkax.NewConsumer(cfg.KafkaBrokers, cfg.Notifier.Group, orders.TopicAdminNotifications, cfg.Notifier.Workers)
	log.Info(ctx, "notifier consumer started",
		zap.String("group", cfg.Notifier.Group),
		zap.String("topic", orders.TopicAdminNotifications),
		zap.Int("workers", cfg.Notifier.Workers))

	if err := cons.Start(ctx, svc.HandleAdminNotification); err != nil {
		log.Error(ctx, "consumer exit", zap.Error(err))
		return
	}
	log.Info(ctx, "notifier stopped")
}
