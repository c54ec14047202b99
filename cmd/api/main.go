package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"github.com/ariefcatur/go-perfume-shop/internal/auth"
	"github.com/ariefcatur/go-perfume-shop/internal/catalog"
	"github.com/ariefcatur/go-perfume-shop/internal/config"
	"github.com/ariefcatur/go-perfume-shop/internal/httpx"
	kafkax "github.com/ariefcatur/go-perfume-shop/internal/kafka"
	"github.com/ariefcatur/go-perfume-shop/internal/logger"
	"github.com/ariefcatur/go-perfume-shop/internal/notify"
	"github.com/ariefcatur/go-perfume-shop/internal/orders"
	"github.com/ariefcatur/go-perfume-shop/internal/payment"
	"github.com/ariefcatur/go-perfume-shop/internal/postgres"
	"github.com/ariefcatur/go-perfume-shop/internal/rabbitmq"
	"github.com/ariefcatur/go-perfume-shop/internal/redisx"
	"github.com/ariefcatur/go-perfume-shop/internal/users"
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

	cfg, err := config.Load()
	if err != nil {
		log.Fatal(ctx, "load config", zap.Error(err))
	}

	// DB
	db, err := postgres.Connect(ctx, cfg.PostgresDSN)
	if err != nil {
		log.Fatal(ctx, "db connect", zap.Error(err))
	}
	defer db.Close()

	// Redis
	rdb := redisx.New(cfg.RedisAddr)
	defer rdb.Close()

	// Kafka producer for admin notifications; it outlives ctx so it can flush on shutdown
	prod := kafkax.NewProducer(cfg.KafkaBrokers, orders.TopicAdminNotifications, 1024)
	prod.Start(logger.WithLogger(context.Background(), log))

	// RabbitMQ is optional: without it unpaid orders are left to `shopctl reconcile`
	var checks orders.PaymentChecks
	rmq, err := rabbitmq.NewRabbitMQ(cfg.RabbitMQ)
	if err != nil {
		log.Warn(ctx, "rabbitmq unavailable, payment checks disabled", zap.Error(err))
	} else if err := rmq.SetupQueues(); err != nil {
		log.Warn(ctx, "rabbitmq setup failed, payment checks disabled", zap.Error(err))
		rmq.Close()
		rmq = nil
	} else {
		defer rmq.Close()
		checks = rmq
	}

	// Payment adapter and ledger depend on each other through narrow interfaces
	gateway := payment.NewZibalClient(cfg.Gateway.BaseURL, cfg.Gateway.Merchant, cfg.Gateway.CallbackURL, cfg.Gateway.Timeout)
	pay := &payment.Service{Gateway: gateway}
	ledger := &orders.Ledger{
		Store:          &orders.Repo{DB: db},
		Catalog:        &catalog.Repo{DB: db},
		Users:          &users.Repo{DB: db},
		Payments:       pay,
		Notifier:       &notify.KafkaSink{Producer: prod, ServiceName: cfg.ServiceName},
		Idempotency:    &orders.RedisIdempotency{Redis: rdb},
		Checks:         checks,
		Pricer:         orders.Pricer{ShippingCost: cfg.ShippingCost},
		CancelWindow:   cfg.UserCancelWindow,
		PaymentTimeout: cfg.PaymentTimeout,
	}
	pay.Orders = ledger
	pay.Marker = ledger

	consumerDone := make(chan struct{})
	if rmq != nil {
		go func() {
			defer close(consumerDone)
			log.Info(ctx, "payment check consumer started", zap.String("queue", cfg.RabbitMQ.CheckQueue))
			if err := rmq.ConsumePaymentChecks(ctx, expireUnpaid(ledger)); err != nil {
				log.Error(ctx, "payment check consumer exit", zap.Error(err))
			}
		}()
	} else {
		close(consumerDone)
	}

	// HTTP
	router := httpx.NewRouter(log)
	(&httpx.OrdersHandler{Ledger: ledger, Auth: auth.NewParser(cfg.JWTSecret)}).Register(router)
	(&httpx.PaymentHandler{Payments: pay, ResultURL: cfg.PaymentResultURL}).Register(router)

	srv := &http.Server{Addr: cfg.HTTPAddr, Handler: router, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		log.Info(ctx, "HTTP listening", zap.String("addr", cfg.HTTPAddr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error(ctx, "listen", zap.Error(err))
			cancel()
		}
	}()

	<-ctx.Done()
	log.Info(ctx, "shutting down")

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelShutdown()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Warn(ctx, "http shutdown", zap.Error(err))
	}
	<-consumerDone
	ledger.Wait()     // notifications handed to the producer
	prod.Close()      // close inbox -> flush & close writer
	prod.WaitClosed() // drain
}

// expireUnpaid adapts the ledger to the payment check consumer. A check for an
// order that no longer exists is done, not retried.
func expireUnpaid(ledger *orders.Ledger) rabbitmq.CheckHandler {
	return func(ctx context.Context, orderID string) error {
		expired, err := ledger.ExpireUnpaid(ctx, orderID)
		if errors.Is(err, orders.ErrOrderNotFound) {
			return nil
		}
		if expired {
			logger.FromContext(ctx).Info(ctx, "unpaid order expired", zap.String("order_id", orderID))
		}
		return err
	}
}
