// Package app wires every package this module builds into one running
// process, grounded on outpost's internal/app.App: a PreRun/run/PostRun
// lifecycle that builds dependencies in order, hands long-running work
// to a worker.WorkerSupervisor, and shuts down on SIGINT/SIGTERM.
package app

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/hookdeck/txnhook/internal/admin"
	"github.com/hookdeck/txnhook/internal/alert"
	"github.com/hookdeck/txnhook/internal/clock"
	"github.com/hookdeck/txnhook/internal/config"
	"github.com/hookdeck/txnhook/internal/eventbus"
	"github.com/hookdeck/txnhook/internal/logging"
	"github.com/hookdeck/txnhook/internal/migrator"
	"github.com/hookdeck/txnhook/internal/monitor"
	"github.com/hookdeck/txnhook/internal/redis"
	"github.com/hookdeck/txnhook/internal/redislock"
	"github.com/hookdeck/txnhook/internal/scheduler"
	"github.com/hookdeck/txnhook/internal/signature"
	"github.com/hookdeck/txnhook/internal/store/postgres"
	"github.com/hookdeck/txnhook/internal/subscription"
	"github.com/hookdeck/txnhook/internal/txn"
	"github.com/hookdeck/txnhook/internal/webhook"
	"github.com/hookdeck/txnhook/internal/worker"
)

// App owns every runtime dependency and the worker supervisor that runs
// them, the same division of responsibility as outpost's own App.
type App struct {
	config *config.Config
	logger *logging.Logger

	store       *postgres.Store
	redisClient redis.Cmdable
	eventBus    eventbus.Bus

	Admin      *admin.Facade
	supervisor *worker.WorkerSupervisor
}

func New(cfg *config.Config) *App {
	return &App{config: cfg}
}

func (a *App) Run(ctx context.Context) error {
	if err := a.PreRun(ctx); err != nil {
		return err
	}
	defer a.PostRun(ctx)
	return a.run(ctx)
}

// PreRun initializes every dependency, in the dependency order each
// later step needs: logging, migrations, Postgres, Redis, the event
// bus, the service layer, and finally the workers that ride on top of
// all of it.
func (a *App) PreRun(ctx context.Context) (err error) {
	if err := a.setupLogger(); err != nil {
		return err
	}

	defer func() {
		if r := recover(); r != nil {
			a.logger.Error("panic during PreRun", zap.Any("panic", r))
			err = fmt.Errorf("panic during PreRun: %v", r)
		}
	}()

	a.logger.Info("starting txnhook", zap.String("log_level", a.config.LogLevel))

	if err := a.runMigrations(ctx); err != nil {
		return err
	}
	if err := a.initializePostgres(ctx); err != nil {
		return err
	}
	if err := a.initializeRedis(ctx); err != nil {
		return err
	}
	if err := a.initializeEventBus(ctx); err != nil {
		return err
	}
	if err := a.buildServices(ctx); err != nil {
		return err
	}

	return nil
}

func (a *App) PostRun(ctx context.Context) {
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if a.eventBus != nil {
		if err := a.eventBus.Close(); err != nil {
			a.logger.Error("event bus shutdown error", zap.Error(err))
		}
	}
	if a.store != nil {
		a.store.Close()
	}
	_ = shutdownCtx

	if a.logger != nil {
		a.logger.Info("txnhook shutdown complete")
		a.logger.Sync()
	}
}

func (a *App) run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	termChan := make(chan os.Signal, 1)
	signal.Notify(termChan, syscall.SIGINT, syscall.SIGTERM)

	errChan := make(chan error, 1)
	go func() { errChan <- a.supervisor.Run(ctx) }()

	var exitErr error
	select {
	case <-termChan:
		a.logger.Info("shutdown signal received")
		cancel()
		if err := <-errChan; err != nil && !errors.Is(err, context.Canceled) {
			a.logger.Error("error during graceful shutdown", zap.Error(err))
			exitErr = err
		}
	case err := <-errChan:
		if err != nil {
			a.logger.Error("workers exited unexpectedly", zap.Error(err))
			exitErr = err
		}
	}
	return exitErr
}

func (a *App) setupLogger() error {
	logger, err := logging.NewLogger(logging.WithLogLevel(a.config.LogLevel))
	if err != nil {
		return err
	}
	a.logger = logger
	return nil
}

func (a *App) runMigrations(ctx context.Context) error {
	m, err := migrator.New(migrator.MigrationOpts{PostgresURL: a.config.PostgresURL})
	if err != nil {
		return fmt.Errorf("preparing migrator: %w", err)
	}
	version, applied, err := m.Up(ctx, -1)
	if err != nil {
		return fmt.Errorf("running migrations: %w", err)
	}
	a.logger.Info("migrations applied", zap.Int("version", version), zap.Int("applied", applied))
	return nil
}

func (a *App) initializePostgres(ctx context.Context) error {
	s, err := postgres.Connect(ctx, a.config.PostgresURL)
	if err != nil {
		return err
	}
	a.store = s
	return nil
}

func (a *App) initializeRedis(ctx context.Context) error {
	client, err := redis.New(ctx, a.config.Redis.ToRedisConfig())
	if err != nil {
		return fmt.Errorf("connecting to redis: %w", err)
	}
	a.redisClient = client
	return nil
}

func (a *App) initializeEventBus(ctx context.Context) error {
	switch a.config.EventBus.Driver {
	case "kafka":
		a.eventBus = eventbus.NewKafkaBus(eventbus.KafkaConfig{
			Brokers:        a.config.EventBus.KafkaBrokers,
			PartitionCount: a.config.EventBus.PartitionCount,
		})
	case "memory":
		a.eventBus = eventbus.NewMemoryBus(a.config.EventBus.PartitionCount)
	default:
		bus, err := eventbus.NewRabbitMQBus(ctx, eventbus.RabbitMQConfig{
			ServerURL:      a.config.EventBus.RabbitMQURL,
			PartitionCount: a.config.EventBus.PartitionCount,
		})
		if err != nil {
			return fmt.Errorf("connecting to rabbitmq: %w", err)
		}
		a.eventBus = bus
	}
	return nil
}

func (a *App) newLock(name string, ttl time.Duration) redislock.Lock {
	return redislock.New(a.redisClient, redislock.WithKey("txnhook:lock:"+name), redislock.WithTTL(ttl))
}

func (a *App) alertChannel() alert.Channel {
	switch a.config.Alert.Channel {
	case "http":
		return alert.NewHTTPChannel(a.config.Alert.CallbackURL, 10*time.Second)
	default:
		return alert.NewEmailChannel(a.config.Alert.SMTPAddr, a.config.Alert.FromEmail, a.config.Alert.ToEmail)
	}
}

func signatureAlgorithm(name string) signature.Algorithm {
	if name == string(signature.AlgorithmHmacSHA512) {
		return signature.AlgorithmHmacSHA512
	}
	return signature.AlgorithmHmacSHA256
}

// buildServices constructs the service layer on top of the
// infrastructure PreRun already initialized, then registers every
// long-running piece with the supervisor.
func (a *App) buildServices(ctx context.Context) error {
	s := a.store

	thresholds := a.config.Transaction.ToThresholds()
	resolver := a.config.Idempotency.ToResolver()
	txnSvc := txn.NewService(s, resolver, thresholds, a.eventBus, clock.System, a.logger)

	secretCipher := signature.NewCipher(a.config.Webhook.SecretEncryptionKey)
	registry := subscription.NewRegistry(s.Subscriptions(), clock.System, secretCipher)

	clientCfg := webhook.DefaultClientConfig()
	clientCfg.ConnectTimeout = time.Duration(a.config.Webhook.ConnectionTimeoutMs) * time.Millisecond
	clientCfg.ReadTimeout = time.Duration(a.config.Webhook.SocketTimeoutMs) * time.Millisecond
	clientCfg.MaxTotalConns = a.config.Webhook.MaxTotalConnections
	clientCfg.MaxConnsPerRoute = a.config.Webhook.MaxConnectionsPerRoute
	clientCfg.IdleEvictionPeriod = time.Duration(a.config.Webhook.IdleEvictionSeconds) * time.Second
	client := webhook.NewPooledClient(clientCfg)

	dispatcherCfg := webhook.Config{
		MaxRetries:     a.config.Webhook.RetryMaxAttempts,
		RetryBaseDelay: time.Duration(a.config.Webhook.RetryBaseDelaySeconds) * time.Second,
		SignatureAlgo:  signatureAlgorithm(a.config.Webhook.SignatureAlgorithm),
	}
	resolverTarget := webhook.NewTargetResolver(s.Subscriptions(), s.Transactions(), secretCipher)
	dispatcher := webhook.NewDispatcher(s.Deliveries(), s.Subscriptions(), resolverTarget, client, clock.System, dispatcherCfg, a.logger)
	fanout := webhook.NewFanout(registry, s.Deliveries(), s.Transactions(), a.eventBus, clock.System)
	sweeper := webhook.NewSweeper(s.Deliveries(), a.eventBus, clock.System)

	alertDispatcher := alert.NewDispatcher(a.alertChannel(), a.logger)

	anomalyCfg := monitor.AnomalyConfig{
		PendingThreshold:    time.Duration(a.config.Anomaly.PendingThresholdMinutes) * time.Minute,
		ProcessingThreshold: time.Duration(a.config.Anomaly.ProcessingThresholdMinutes) * time.Minute,
		RetryThreshold:      a.config.Anomaly.RetryThreshold,
		StateChangeThreshold: a.config.Anomaly.StateChangeThreshold,
		AlertThreshold:      a.config.Anomaly.AlertThreshold,
	}
	mon := monitor.New(s, txnSvc, alertDispatcher, thresholds, anomalyCfg, clock.System, a.logger)

	sched, err := scheduler.New(
		a.config.Scheduler.ToSchedulerConfig(),
		a.config.Webhook.ToSchedulerOptions(),
		sweeper, mon, alertDispatcher, s.Transactions(),
		func(job string) redislock.Lock { return a.newLock("scheduler:"+job, time.Minute) },
		a.logger,
	)
	if err != nil {
		return fmt.Errorf("building scheduler: %w", err)
	}

	supervisor := worker.NewWorkerSupervisor(a.logger, worker.WithShutdownTimeout(30*time.Second))
	supervisor.Register(eventbus.NewConsumerWorker("webhook-fanout", a.eventBus, fanout.Handle, a.logger))
	supervisor.Register(eventbus.NewConsumerWorker("webhook-dispatcher", a.eventBus, dispatcher.Handle, a.logger))
	supervisor.Register(sched)
	a.supervisor = supervisor

	a.Admin = admin.New(s, txnSvc, registry, dispatcher, mon, supervisor.GetHealthTracker())

	return nil
}
