package main

import (
	"context"
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/waterbothq/usage-worker/internal/clock"
	"github.com/waterbothq/usage-worker/internal/config"
	"github.com/waterbothq/usage-worker/internal/db"
	"github.com/waterbothq/usage-worker/internal/ingest"
	"github.com/waterbothq/usage-worker/internal/mq"
	"github.com/waterbothq/usage-worker/internal/registry"
	"github.com/waterbothq/usage-worker/internal/report"
	"github.com/waterbothq/usage-worker/internal/repository"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

func startWorker(
	lc fx.Lifecycle,
	conn *mq.Connection,
	cfg *config.Config,
	logger *zap.Logger,
	coordinator *ingest.Coordinator,
) (*mq.Consumer, error) {
	// Create context for consumer that will be cancelled on shutdown
	ctx, cancel := context.WithCancel(context.Background())

	consumer, err := mq.NewConsumer(mq.ConsumerConfig{
		Connection:    conn,
		Queue:         cfg.RabbitMQ.IngestQueue,
		DLQQueue:      cfg.RabbitMQ.DLQQueue,
		Exchange:      cfg.RabbitMQ.IngestExchange,
		RoutingKey:    cfg.RabbitMQ.IngestRoutingKey,
		PrefetchCount: cfg.RabbitMQ.PrefetchCount,
		Logger:        logger,
		MessageProcessor: func(msgCtx context.Context, attributes map[string]string, body []byte) error {
			return coordinator.ProcessMessage(msgCtx, ingest.Message{Attributes: attributes, Body: body})
		},
	})
	if err != nil {
		cancel()
		return nil, err
	}

	// Register lifecycle hooks
	lc.Append(fx.Hook{
		OnStart: func(startCtx context.Context) error {
			logger.Info("starting worker consumer",
				zap.String("queue", cfg.RabbitMQ.IngestQueue),
				zap.Int("prefetch", cfg.RabbitMQ.PrefetchCount))
			return consumer.Start(ctx)
		},
		OnStop: func(stopCtx context.Context) error {
			cancel()
			if err := consumer.Close(); err != nil {
				logger.Error("failed to close consumer", zap.Error(err))
				return err
			}
			logger.Info("worker stopped gracefully")
			return nil
		},
	})

	return consumer, nil
}

func startReportServer(
	lc fx.Lifecycle,
	cfg *config.Config,
	logger *zap.Logger,
	service *report.Service,
) {
	router := chi.NewRouter()
	router.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	router.Handle("/", service)

	server := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.ServicePort),
		Handler: router,
	}

	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			logger.Info("starting report server", zap.Int("port", cfg.ServicePort))
			go func() {
				if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
					logger.Error("report server failed", zap.Error(err))
				}
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			if err := server.Shutdown(ctx); err != nil {
				logger.Error("failed to shut down report server", zap.Error(err))
				return err
			}
			logger.Info("report server stopped")
			return nil
		},
	})
}

// ProvideClock supplies the wall clock used for receive timestamps and
// report windows
func ProvideClock() clock.Clock {
	return clock.System()
}

// ProvideRepository creates a new repository instance
func ProvideRepository(pool *db.Pool) *repository.Repository {
	return repository.NewRepository(pool)
}

// ProvideRegistry creates a new device site registry instance
func ProvideRegistry(pool *db.Pool, logger *zap.Logger) *registry.Registry {
	return registry.NewRegistry(pool, logger)
}

// ProvideCoordinator creates a new ingestion coordinator instance
func ProvideCoordinator(
	reg *registry.Registry,
	repo *repository.Repository,
	clk clock.Clock,
	cfg *config.Config,
	logger *zap.Logger,
) *ingest.Coordinator {
	return ingest.NewCoordinator(reg, repo, clk, cfg.Validation.ClockSkewToleranceMinutes, logger)
}

// ProvideReportService creates a new report service instance
func ProvideReportService(
	repo *repository.Repository,
	clk clock.Clock,
	cfg *config.Config,
	logger *zap.Logger,
) (*report.Service, error) {
	return report.NewService(repo, clk, cfg.Report.Timezone, cfg.Report.DecimalPlaces, logger)
}

// ProvideDBPool creates a new database pool instance
func ProvideDBPool(lc fx.Lifecycle, logger *zap.Logger, cfg *config.Config) (*db.Pool, error) {
	return db.NewPool(lc, logger, cfg.Database.URL)
}

// ProvideMQConnection creates a new RabbitMQ connection instance
func ProvideMQConnection(lc fx.Lifecycle, logger *zap.Logger, cfg *config.Config) (*mq.Connection, error) {
	return mq.NewConnection(lc, logger, cfg.RabbitMQ.URL)
}
