package main

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/medrex/opd-queue/internal/directory"
	"github.com/medrex/opd-queue/internal/events"
	"github.com/medrex/opd-queue/internal/gateway"
	"github.com/medrex/opd-queue/internal/history"
	"github.com/medrex/opd-queue/internal/iam"
	"github.com/medrex/opd-queue/internal/queue"
	"github.com/medrex/opd-queue/internal/scheduling"
	"github.com/medrex/opd-queue/pkg/config"
	"github.com/medrex/opd-queue/pkg/database"
	"github.com/medrex/opd-queue/pkg/interfaces"
	"github.com/medrex/opd-queue/pkg/logger"
	"github.com/medrex/opd-queue/pkg/monitoring"
	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"
)

const (
	serviceName           = "opd-queue"
	sessionJanitorPeriod  = time.Minute
	memoryDegradedPercent = 90
)

// repositories groups the storage implementations selected by
// storage.driver.
type repositories struct {
	users      interfaces.UserRepository
	directory  interfaces.DirectoryRepository
	history    interfaces.HistoryRepository
	queue      interfaces.QueueRepository
	scheduling interfaces.SchedulingRepository
}

// app owns every long-lived component of the process
type app struct {
	config  *config.Config
	logger  *logger.Logger
	iam     *iam.Service
	gateway *gateway.Service
	broker  interfaces.EventBroker
	tracing *monitoring.TracingManager
	closers []io.Closer
}

// closerFunc adapts a shutdown function to io.Closer
type closerFunc func() error

func (f closerFunc) Close() error { return f() }

// newApp wires every component. Resources opened before a failure are
// released before it returns.
func newApp(ctx context.Context, cfg *config.Config, log *logger.Logger) (*app, error) {
	a := &app{config: cfg, logger: log}
	if err := a.build(ctx); err != nil {
		return nil, multierr.Append(err, a.close())
	}
	return a, nil
}

func (a *app) build(ctx context.Context) error {
	cfg, log := a.config, a.logger

	metrics := monitoring.NewMetricsCollector(serviceName)
	health := monitoring.NewHealthManager(serviceName, version)
	health.RegisterChecker("memory", monitoring.NewMemoryHealthChecker(memoryDegradedPercent))

	tracing, err := monitoring.NewTracingManager(ctx, &monitoring.TracingConfig{
		ServiceName:    serviceName,
		ServiceVersion: version,
		Environment:    cfg.Tracing.Environment,
		Exporter:       cfg.Tracing.Exporter,
		Endpoint:       cfg.Tracing.Endpoint,
		Insecure:       cfg.Tracing.Insecure,
		SamplingRate:   cfg.Tracing.SamplingRate,
	})
	if err != nil {
		return err
	}
	a.tracing = tracing
	// closed last so spans from the other closers are flushed
	a.closers = append(a.closers, closerFunc(func() error {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return tracing.Shutdown(shutdownCtx)
	}))

	repos, err := a.openStorage(ctx, metrics, health)
	if err != nil {
		return err
	}

	broker, err := a.openBroker(ctx, metrics, health)
	if err != nil {
		return err
	}
	a.broker = broker

	location, err := cfg.Queue.Location()
	if err != nil {
		return fmt.Errorf("invalid queue timezone %q: %w", cfg.Queue.Timezone, err)
	}

	iamService := iam.NewService(cfg, log, metrics, repos.users, iam.NewMemorySessionStore())
	iamService.SetTracing(tracing)
	directoryService := directory.NewService(log, repos.directory, iamService)
	historyService := history.NewService(log, repos.history, directoryService, broker, location)
	schedulingService := scheduling.NewService(log, repos.scheduling, broker)

	queueService, err := queue.NewService(cfg, log, metrics, repos.queue, directoryService, broker)
	if err != nil {
		return err
	}
	iamService.OnLogout(queueService.ForgetSession)

	if err := iamService.EnsureAdmin(ctx); err != nil {
		return err
	}
	a.iam = iamService

	eventsHandler := events.NewHandler(broker, cfg.Events, cfg.CORS.AllowedOrigins, log, metrics)

	a.gateway = gateway.NewService(cfg, log, metrics, tracing, health, iamService,
		iamService,
		directoryService,
		historyService,
		queueService,
		schedulingService,
		eventsHandler,
	)

	return nil
}

// openStorage connects the configured store and builds its repositories
func (a *app) openStorage(ctx context.Context, metrics *monitoring.MetricsCollector, health *monitoring.HealthManager) (*repositories, error) {
	switch a.config.Storage.Driver {
	case config.StorageDriverMemory:
		a.logger.Warn("Using in-memory storage; data is lost on restart")
		historyRepo := history.NewMemoryRepository()
		return &repositories{
			users:      iam.NewMemoryUserRepository(),
			directory:  directory.NewMemoryRepository(),
			history:    historyRepo,
			queue:      queue.NewMemoryRepository(historyRepo),
			scheduling: scheduling.NewMemoryRepository(),
		}, nil

	case config.StorageDriverPostgres:
		db, err := database.ConnectWithRetry(ctx, &a.config.Database, a.logger)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, db)
		db.SetObserver(metrics)
		db.SetTracer(a.tracing)

		if a.config.Database.AutoMigrate {
			if err := db.Migrate(ctx); err != nil {
				return nil, err
			}
		}
		health.RegisterChecker("database", monitoring.NewDatabaseHealthChecker(db.DB))

		return &repositories{
			users:      iam.NewUserRepository(db, a.logger),
			directory:  directory.NewRepository(db, a.logger),
			history:    history.NewRepository(db, a.logger),
			queue:      queue.NewRepository(db, a.logger),
			scheduling: scheduling.NewRepository(db, a.logger),
		}, nil

	default:
		return nil, fmt.Errorf("unknown storage driver %q", a.config.Storage.Driver)
	}
}

// openBroker starts the configured event broker
func (a *app) openBroker(ctx context.Context, metrics *monitoring.MetricsCollector, health *monitoring.HealthManager) (interfaces.EventBroker, error) {
	switch a.config.Events.Driver {
	case config.EventsDriverMemory:
		broker := events.NewMemoryBroker(a.config.Events.BufferSize, a.logger, metrics)
		a.closers = append(a.closers, broker)
		return broker, nil

	case config.EventsDriverRedis:
		client, err := events.NewRedisClient(a.config.Redis)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, client)

		broker, err := events.NewRedisBroker(ctx, client, a.config.Events.Channel, a.config.Events.BufferSize, a.logger, metrics)
		if err != nil {
			return nil, err
		}
		// the broker must close before its client
		a.closers = append(a.closers, broker)
		health.RegisterChecker("redis", monitoring.NewPingHealthChecker("redis", broker.Ping))
		return broker, nil

	default:
		return nil, fmt.Errorf("unknown events driver %q", a.config.Events.Driver)
	}
}

// run serves HTTP and the background janitors until ctx is cancelled or one
// of them fails, then drains the server.
func (a *app) run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)

	g.Go(a.gateway.Start)

	g.Go(func() error {
		a.iam.RunJanitor(gctx, sessionJanitorPeriod)
		return nil
	})

	g.Go(func() error {
		a.gateway.RunMaintenance(gctx)
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()

		// open event streams end when their subscriptions close
		a.broker.Close()

		timeout := time.Duration(a.config.Server.ShutdownTimeout) * time.Second
		shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()
		return a.gateway.Shutdown(shutdownCtx)
	})

	return g.Wait()
}

// close releases resources in reverse order of acquisition
func (a *app) close() error {
	var err error
	for i := len(a.closers) - 1; i >= 0; i-- {
		err = multierr.Append(err, a.closers[i].Close())
	}
	a.closers = nil
	return err
}
