package main

import (
	"context"
	"errors"

	"github.com/septivank/field-readings/internal/anomaly"
	"github.com/septivank/field-readings/internal/cache"
	"github.com/septivank/field-readings/internal/config"
	"github.com/septivank/field-readings/internal/db"
	apihttp "github.com/septivank/field-readings/internal/http"
	"github.com/septivank/field-readings/internal/logging"
	"github.com/septivank/field-readings/internal/metrics"
	"github.com/septivank/field-readings/internal/mq"
	"github.com/septivank/field-readings/internal/repository"
	"github.com/septivank/field-readings/internal/service"
	"github.com/septivank/field-readings/internal/validator"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

func newLogger(cfg *config.Config) (*zap.Logger, error) {
	return logging.NewLogger(cfg.ServiceName)
}

// startHTTPServer runs the REST API for the lifetime of the app. A listener
// failure shuts the whole app down.
func startHTTPServer(lc fx.Lifecycle, shutdowner fx.Shutdowner, server *apihttp.Server, logger *zap.Logger) {
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})

	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			go func() {
				defer close(done)
				if err := server.Run(ctx); err != nil {
					logger.Error("http server failed", zap.Error(err))
					_ = shutdowner.Shutdown(fx.ExitCode(1))
				}
			}()
			return nil
		},
		OnStop: func(stopCtx context.Context) error {
			cancel()
			select {
			case <-done:
				logger.Info("http server stopped gracefully")
				return nil
			case <-stopCtx.Done():
				return stopCtx.Err()
			}
		},
	})
}

// startSubmitConsumer drains queued reading batches. It is a no-op when no
// broker is configured.
func startSubmitConsumer(
	lc fx.Lifecycle,
	conn *mq.Connection,
	cfg *config.Config,
	logger *zap.Logger,
	readings *service.ReadingService,
) error {
	if conn == nil {
		logger.Info("rabbitmq not configured, submit queue consumer disabled")
		return nil
	}

	// Create context for consumer that will be cancelled on shutdown
	ctx, cancel := context.WithCancel(context.Background())

	consumer, err := mq.NewConsumer(mq.ConsumerConfig{
		Connection:       conn,
		Queue:            cfg.RabbitMQ.SubmitQueue,
		DLQQueue:         cfg.RabbitMQ.DLQQueue,
		Exchange:         cfg.RabbitMQ.SubmitExchange,
		RoutingKey:       cfg.RabbitMQ.SubmitRoutingKey,
		PrefetchCount:    cfg.RabbitMQ.PrefetchCount,
		Logger:           logger,
		MessageProcessor: readings.ProcessMessage,
	})
	if err != nil {
		cancel()
		return err
	}

	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			logger.Info("starting submit queue consumer",
				zap.String("queue", cfg.RabbitMQ.SubmitQueue),
				zap.Int("prefetch", cfg.RabbitMQ.PrefetchCount))
			return consumer.Start(ctx)
		},
		OnStop: func(context.Context) error {
			cancel()
			if err := consumer.Close(); err != nil {
				logger.Error("failed to close consumer", zap.Error(err))
				return err
			}
			logger.Info("submit queue consumer stopped")
			return nil
		},
	})

	return nil
}

// ProvideDBPool creates a new database pool instance
func ProvideDBPool(lc fx.Lifecycle, logger *zap.Logger, cfg *config.Config) (*db.Pool, error) {
	return db.NewPool(lc, logger, cfg.Database)
}

// ProvideRepository creates a new repository instance
func ProvideRepository(pool *db.Pool) *repository.Repository {
	return repository.NewRepository(pool)
}

// ProvideAnomalyDetector creates a new anomaly detector instance
func ProvideAnomalyDetector(cfg *config.Config) *anomaly.Detector {
	return anomaly.NewDetector(cfg.Anomaly.SpikeThreshold)
}

// ProvideMQConnection connects to RabbitMQ, or returns nil when RABBITMQ_URL is unset
func ProvideMQConnection(lc fx.Lifecycle, logger *zap.Logger, cfg *config.Config) (*mq.Connection, error) {
	if !cfg.RabbitMQ.Enabled() {
		return nil, nil
	}
	return mq.NewConnection(lc, logger, cfg.RabbitMQ.URL, cfg.ServiceName)
}

// ProvidePublisher returns the event publisher, or a no-op one without a broker
func ProvidePublisher(lc fx.Lifecycle, conn *mq.Connection, cfg *config.Config, logger *zap.Logger) (service.EventPublisher, error) {
	if conn == nil {
		return mq.NopPublisher{}, nil
	}

	publisher, err := mq.NewPublisher(conn, cfg.RabbitMQ.EventsExchange, logger)
	if err != nil {
		return nil, err
	}
	lc.Append(fx.Hook{
		OnStop: func(context.Context) error {
			return publisher.Close()
		},
	})
	return publisher, nil
}

// ProvideCommunityCache returns the Redis-backed cache, or a no-op one without Redis
func ProvideCommunityCache(lc fx.Lifecycle, logger *zap.Logger, cfg *config.Config, m *metrics.Metrics) service.CommunityCache {
	if !cfg.Redis.Enabled() {
		logger.Info("redis not configured, community cache disabled")
		return cache.Nop{}
	}
	client := cache.NewClient(lc, logger, cfg.Redis)
	return cache.NewCommunityCache(client, cfg.Redis.CommunityTTL, m)
}

// ProvideReadingService creates the ingestion pipeline
func ProvideReadingService(
	repo *repository.Repository,
	publisher service.EventPublisher,
	detector *anomaly.Detector,
	validator *validator.Validator,
	m *metrics.Metrics,
	cfg *config.Config,
	logger *zap.Logger,
) *service.ReadingService {
	return service.NewReadingService(repo, publisher, detector, validator, m, cfg, logger)
}

// ProvideMeterService creates the meter list service
func ProvideMeterService(repo *repository.Repository, logger *zap.Logger) *service.MeterService {
	return service.NewMeterService(repo, logger)
}

// ProvideSortService creates the sort persistence service
func ProvideSortService(repo *repository.Repository, validator *validator.Validator, m *metrics.Metrics, logger *zap.Logger) *service.SortService {
	return service.NewSortService(repo, validator, m, logger)
}

// ProvideAuthService creates the auth service
func ProvideAuthService(repo *repository.Repository, logger *zap.Logger) *service.AuthService {
	return service.NewAuthService(repo, logger)
}

// ProvideCommunityService creates the community listing service
func ProvideCommunityService(repo *repository.Repository, communityCache service.CommunityCache, logger *zap.Logger) *service.CommunityService {
	return service.NewCommunityService(repo, communityCache, logger)
}

// ProvideHTTPServer wires the REST API
func ProvideHTTPServer(
	cfg *config.Config,
	readings *service.ReadingService,
	meters *service.MeterService,
	sort *service.SortService,
	auth *service.AuthService,
	communities *service.CommunityService,
	m *metrics.Metrics,
	logger *zap.Logger,
) (*apihttp.Server, error) {
	if cfg.HTTP.RequestTimeout <= 0 {
		return nil, errors.New("HTTP_REQUEST_TIMEOUT must be positive")
	}
	return apihttp.New(cfg, apihttp.Services{
		Readings:    readings,
		Meters:      meters,
		Sort:        sort,
		Auth:        auth,
		Communities: communities,
	}, m, logger), nil
}
