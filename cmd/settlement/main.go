// Package main запускает HTTP-сервер движка расчёта заказов.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/mmeshcher/checkout-settlement/internal/config"
	"github.com/mmeshcher/checkout-settlement/internal/events"
	"github.com/mmeshcher/checkout-settlement/internal/handler"
	"github.com/mmeshcher/checkout-settlement/internal/idempotency"
	"github.com/mmeshcher/checkout-settlement/internal/inventory"
	"github.com/mmeshcher/checkout-settlement/internal/metrics"
	"github.com/mmeshcher/checkout-settlement/internal/middleware"
	"github.com/mmeshcher/checkout-settlement/internal/payment"
	"github.com/mmeshcher/checkout-settlement/internal/repository"
	"github.com/mmeshcher/checkout-settlement/internal/service"
	"github.com/mmeshcher/checkout-settlement/internal/settlement"
)

const (
	eventBuffer            = 1024
	reconciliationInterval = 30 * time.Second
)

// store объединяет всё, что нужно от хранилища остальным слоям.
type store interface {
	settlement.Ledger
	inventory.Store
	service.Repository
	repository.Seeder
}

func main() {
	_ = godotenv.Load()

	logger, _ := zap.NewProduction()
	defer logger.Sync()

	sugar := logger.Sugar()

	cfg, err := config.Parse()
	if err != nil {
		sugar.Fatalw("configuration error", "error", err.Error())
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	repo, err := newStore(ctx, cfg, sugar)
	if err != nil {
		sugar.Fatalw("storage initialization error", "error", err.Error())
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)

	var guard idempotency.Guard = idempotency.Nop{}
	if cfg.RedisAddress != "" {
		rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddress})
		defer rdb.Close()
		guard = idempotency.NewRedisGuard(rdb, cfg.IdempotencyTTL)
		sugar.Infow("idempotency keys stored in redis", "addr", cfg.RedisAddress)
	}

	var publisher events.Publisher = events.Nop{}
	var kafka *events.KafkaPublisher
	if len(cfg.KafkaBrokers) > 0 {
		kafka = events.NewKafkaPublisher(cfg.KafkaBrokers, cfg.KafkaTopic, eventBuffer, logger)
		publisher = kafka
		sugar.Infow("settlement events published to kafka", "brokers", cfg.KafkaBrokers, "topic", cfg.KafkaTopic)
	}

	var payments settlement.Authorizer = payment.OfflineAuthorizer{}
	if cfg.PaymentGatewayAddress != "" {
		payments = payment.NewClient(cfg.PaymentGatewayAddress, cfg.PaymentTimeout)
	} else {
		sugar.Warn("payment gateway is not configured, using offline authorizer")
	}

	coordinator := settlement.NewCoordinator(repo, inventory.NewService(repo, logger), payments,
		settlement.WithPublisher(publisher),
		settlement.WithMetrics(m),
		settlement.WithLogger(logger),
		settlement.WithConfig(settlement.Config{
			ReserveTimeout: cfg.ReserveTimeout,
			PaymentTimeout: cfg.PaymentTimeout,
			CommitRetries:  cfg.CommitRetries,
		}),
	)

	svc := service.NewService(repo, coordinator, guard, m, logger)
	defer svc.Close()

	authMiddleware := middleware.NewAuthMiddleware(cfg.AuthSecret)
	h := handler.NewHandler(svc, logger, authMiddleware, reg)

	server := &http.Server{
		Addr:              cfg.RunAddress,
		Handler:           h.SetupRouter(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, ctx := errgroup.WithContext(ctx)

	// Периодическая публикация числа незакрытых сверок
	svc.StartReconciliationReporter(ctx, reconciliationInterval)

	if kafka != nil {
		g.Go(func() error {
			return kafka.Run(ctx)
		})
	}

	// Запуск HTTP-сервера
	g.Go(func() error {
		sugar.Infow("starting settlement server", "addr", cfg.RunAddress)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	})

	// Graceful shutdown при отмене контекста (сигнал или ошибка в другой горутине)
	g.Go(func() error {
		<-ctx.Done()
		sugar.Info("shutting down server...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		if err := server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server shutdown error: %w", err)
		}
		sugar.Info("server stopped gracefully")
		return nil
	})

	if err := g.Wait(); err != nil {
		sugar.Fatalw("application terminated with error", "error", err)
	}
}

func newStore(ctx context.Context, cfg *config.Config, sugar *zap.SugaredLogger) (store, error) {
	var repo store
	if cfg.DatabaseURI != "" {
		pg, err := repository.NewPostgresRepository(cfg.DatabaseURI)
		if err != nil {
			return nil, err
		}
		repo = pg
	} else {
		sugar.Warn("DATABASE_URI is not set, using in-memory ledger")
		repo = repository.NewMemoryRepository()
	}

	if cfg.SeedFile != "" {
		if err := repository.LoadSeedFile(ctx, repo, cfg.SeedFile); err != nil {
			_ = repo.Close()
			return nil, fmt.Errorf("load seed file: %w", err)
		}
		sugar.Infow("seed data loaded", "file", cfg.SeedFile)
	}

	return repo, nil
}
