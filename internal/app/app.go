// Package app собирает сервис из конфигурации: хранилище, Kafka, Watch,
// платёжного провайдера, фоновые воркеры и серверы HTTP API, gRPC health и метрик.
package app

import (
	"context"
	"errors"
	"net"
	"time"

	promgrpc "github.com/grpc-ecosystem/go-grpc-prometheus"
	"github.com/prometheus/client_golang/prometheus"
	log "github.com/sirupsen/logrus"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"

	"github.com/vladislavdragonenkov/rescuebag/internal/clock"
	healthcheck "github.com/vladislavdragonenkov/rescuebag/internal/health"
	"github.com/vladislavdragonenkov/rescuebag/internal/messaging/kafka"
	"github.com/vladislavdragonenkov/rescuebag/internal/metrics"
	"github.com/vladislavdragonenkov/rescuebag/internal/service/idempotency"
	"github.com/vladislavdragonenkov/rescuebag/internal/service/lifecycle"
	"github.com/vladislavdragonenkov/rescuebag/internal/service/outbox"
)

const workerStopTimeout = 5 * time.Second

// Run запускает сервис и блокируется до отмены ctx или ошибки сервера.
func Run(ctx context.Context, cfg Config) error {
	logger := log.WithField("component", "app")

	storage, err := initRuntimeDependencies(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer storage.close(logger)

	tracerProvider, shutdownTracing := initTracing(cfg, logger)
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), workerStopTimeout)
		defer cancel()
		if err := shutdownTracing(shutdownCtx); err != nil {
			logger.WithError(err).Warn("failed to shutdown tracer provider")
		}
	}()

	// Kafka опциональна: без неё события копятся в outbox, а результаты
	// оплаты приходят только через webhook и поллинг.
	kafkaProducer, err := initKafkaProducer(cfg.KafkaBrokers, logger)
	if err != nil {
		kafkaProducer = nil
	}
	defer closeKafkaProducer(kafkaProducer, logger)

	watchBackend := initWatchBackend(ctx, cfg, storage.repo, logger)
	defer watchBackend.close(logger)

	provider, providerChecker := createPaymentProvider(cfg, logger)

	deps, err := buildDependencies(cfg, serviceInputs{
		storage:       storage,
		watch:         watchBackend,
		provider:      provider,
		checkers:      map[string]healthcheck.Checker{"payment_provider": providerChecker},
		tracer:        tracerProvider,
		publishEvents: kafkaProducer != nil || cfg.StorageDriver == StorageDriverPostgres,
	}, logger)
	if err != nil {
		return err
	}
	defer deps.Reconciler.Stop()

	workersCtx, cancelWorkers := context.WithCancel(ctx)
	defer cancelWorkers()

	var outboxDone chan struct{}
	var paymentConsumer *kafka.Consumer
	if kafkaProducer != nil {
		outboxDone = startOutboxWorker(workersCtx, cfg, storage, kafkaProducer, logger)

		paymentConsumer, err = initPaymentConsumer(cfg, deps.Reconciler.HandlePaymentMessage, kafkaProducer, logger)
		if err != nil {
			logger.WithError(err).Warn("failed to create payment outcome consumer, relying on webhook and polling")
		} else if paymentConsumer != nil {
			if err := paymentConsumer.Start(workersCtx); err != nil {
				logger.WithError(err).Warn("failed to start payment outcome consumer")
				paymentConsumer = nil
			}
		}
	}

	sweeperDone := startIdempotencySweeper(workersCtx, cfg, storage, logger)
	refundsDone := startRefundWorker(workersCtx, cfg, deps.Orders, logger)

	if resumed, err := deps.Reconciler.Resume(ctx); err != nil {
		logger.WithError(err).Warn("failed to resume payment polling")
	} else if resumed > 0 {
		logger.WithField("orders", resumed).Info("payment polling resumed")
	}

	grpcServer, healthServer := newGRPCServer(logger)

	metricsSrv := startMetricsServer(ctx, cfg.MetricsAddr, logger, deps.Health)

	errCh := make(chan error, 2)
	apiSrv, err := startAPIServer(cfg.HTTPAddr, deps.Router, logger, errCh)
	if err != nil {
		cancelWorkers()
		shutdownHTTP(metricsSrv, logger)
		return err
	}

	lis, err := net.Listen("tcp", cfg.GRPCAddr)
	if err != nil {
		cancelWorkers()
		shutdownHTTP(apiSrv, logger)
		shutdownHTTP(metricsSrv, logger)
		return err
	}

	go func() {
		logger.Infof("gRPC сервер слушает %s", lis.Addr())
		errCh <- grpcServer.Serve(lis)
	}()

	shutdown := func() {
		healthServer.SetServingStatus("", healthpb.HealthCheckResponse_NOT_SERVING)
		shutdownHTTP(apiSrv, logger)
		stopGRPC(grpcServer, logger)
		stopKafkaConsumer(paymentConsumer, logger)
		shutdownOutboxWorker(cancelWorkers, outboxDone, logger)
		waitWorker(sweeperDone, logger, "idempotency sweeper")
		waitWorker(refundsDone, logger, "refund worker")
		shutdownHTTP(metricsSrv, logger)
	}

	select {
	case <-ctx.Done():
		logger.Info("получен сигнал остановки, останавливаем серверы")
		shutdown()
		return ctx.Err()
	case err := <-errCh:
		shutdown()
		if errors.Is(err, grpc.ErrServerStopped) {
			return nil
		}
		return err
	}
}

// newGRPCServer поднимает служебный gRPC: только health-протокол и reflection
// с prometheus-интерцептором. Бизнес-операции доступны через HTTP API.
func newGRPCServer(logger *log.Entry) (*grpc.Server, *health.Server) {
	grpcMetrics := promgrpc.NewServerMetrics()
	grpcServer := grpc.NewServer(grpc.ChainUnaryInterceptor(grpcMetrics.UnaryServerInterceptor()))
	if err := prometheus.Register(grpcMetrics); err != nil {
		var are prometheus.AlreadyRegisteredError
		if errors.As(err, &are) {
			if existing, ok := are.ExistingCollector.(*promgrpc.ServerMetrics); ok {
				grpcMetrics = existing
			}
		} else {
			logger.WithError(err).Warn("failed to register grpc metrics")
		}
	}

	healthServer := health.NewServer()
	healthServer.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
	healthpb.RegisterHealthServer(grpcServer, healthServer)

	// reflection нужен grpcurl и инструментам нагрузочного тестирования
	reflection.Register(grpcServer)
	grpcMetrics.InitializeMetrics(grpcServer)

	return grpcServer, healthServer
}

func stopGRPC(grpcServer *grpc.Server, logger *log.Entry) {
	stoppedCh := make(chan struct{})
	go func() {
		grpcServer.GracefulStop()
		close(stoppedCh)
	}()
	select {
	case <-stoppedCh:
	case <-time.After(workerStopTimeout):
		logger.Warn("graceful stop превысил таймаут, принудительно останавливаем")
		grpcServer.Stop()
	}
}

func startOutboxWorker(ctx context.Context, cfg Config, storage runtimeDependencies, producer *kafka.Producer, logger *log.Entry) chan struct{} {
	worker := outbox.NewWorker(
		storage.outboxRepo,
		kafka.NewOutboxPublisher(producer, cfg.KafkaEventsTopic),
		outbox.WithLogger(logger.WithField("component", "outbox-worker")),
		outbox.WithDLQPublisher(kafka.NewOutboxDeadLetterPublisher(producer, cfg.KafkaDLQTopic)),
		outbox.WithPollInterval(cfg.OutboxPollInterval),
		outbox.WithBatchSize(cfg.OutboxBatchSize),
		outbox.WithMaxAttempts(cfg.OutboxMaxAttempts),
		outbox.WithRetryBaseDelay(cfg.OutboxRetryDelay),
	)

	done := make(chan struct{})
	go func() {
		defer close(done)
		worker.Run(ctx)
	}()
	return done
}

func startIdempotencySweeper(ctx context.Context, cfg Config, storage runtimeDependencies, logger *log.Entry) chan struct{} {
	sweeper, err := idempotency.NewSweeper(idempotency.Dependencies{
		Repo:    storage.idempotencyRepo,
		Metrics: metrics.NewIdempotencyMetricsWithRegisterer(prometheus.DefaultRegisterer),
		Logger:  logger.WithField("component", "idempotency-sweeper"),
	}, idempotency.Config{
		Interval:          cfg.IdempotencyCleanupInterval,
		BatchSize:         cfg.IdempotencyCleanupBatchSize,
		ProcessingTimeout: cfg.IdempotencyProcessingTimeout,
	})
	if err != nil {
		logger.WithError(err).Warn("idempotency sweeper disabled")
		return nil
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		sweeper.Run(ctx)
	}()
	return done
}

// startRefundWorker повторяет возвраты по отменённым заказам, которые остались оплаченными.
func startRefundWorker(ctx context.Context, cfg Config, orders *lifecycle.Service, logger *log.Entry) chan struct{} {
	worker := lifecycle.NewRefundWorker(orders, clock.System{}, logger.WithField("component", "refund-worker"),
		cfg.RefundRetryInterval, cfg.RefundRetryBatchSize)

	done := make(chan struct{})
	go func() {
		defer close(done)
		worker.Run(ctx)
	}()
	return done
}

// shutdownOutboxWorker останавливает воркеры и ждёт завершения outbox worker.
func shutdownOutboxWorker(cancel context.CancelFunc, done <-chan struct{}, logger *log.Entry) {
	if cancel != nil {
		cancel()
	}
	waitWorker(done, logger, "outbox worker")
}

func waitWorker(done <-chan struct{}, logger *log.Entry, name string) {
	if done == nil {
		return
	}
	select {
	case <-done:
	case <-time.After(workerStopTimeout):
		logger.WithField("worker", name).Warn("worker did not stop in time")
	}
}
