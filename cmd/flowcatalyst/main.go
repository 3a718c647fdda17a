// Command flowcatalyst runs the message router and the dispatch scheduler as
// one process: broker consumers route pointers into processing pools, the
// scheduler materializes persisted dispatch jobs onto the broker, and a
// monitoring HTTP surface exposes health, stats, warnings, and circuit
// breaker administration.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"go.flowcatalyst.tech/internal/common/lifecycle"
	commonmongo "go.flowcatalyst.tech/internal/common/mongo"
	"go.flowcatalyst.tech/internal/config"
	"go.flowcatalyst.tech/internal/dispatch"
	"go.flowcatalyst.tech/internal/queue"
	"go.flowcatalyst.tech/internal/queue/activemq"
	"go.flowcatalyst.tech/internal/queue/embedded"
	"go.flowcatalyst.tech/internal/queue/nats"
	"go.flowcatalyst.tech/internal/queue/sqs"
	"go.flowcatalyst.tech/internal/router/api"
	"go.flowcatalyst.tech/internal/router/breaker"
	"go.flowcatalyst.tech/internal/router/health"
	"go.flowcatalyst.tech/internal/router/manager"
	"go.flowcatalyst.tech/internal/router/mediator"
	routermetrics "go.flowcatalyst.tech/internal/router/metrics"
	"go.flowcatalyst.tech/internal/router/standby"
	"go.flowcatalyst.tech/internal/router/warning"
	"go.flowcatalyst.tech/internal/scheduler"
)

func main() {
	cfg, err := config.LoadWithFile(os.Getenv("CONFIG_FILE"))
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	setupLogging(cfg.DevMode)

	if err := run(cfg); err != nil {
		slog.Error("fatal error", "error", err)
		os.Exit(1)
	}
}

func setupLogging(devMode bool) {
	var handler slog.Handler
	if devMode {
		handler = slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelDebug})
	} else {
		handler = slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo})
	}
	slog.SetDefault(slog.New(handler))
}

func run(cfg *config.Config) error {
	ctx := context.Background()

	// Warnings, circuit breakers, mediation.
	warningService := warning.NewInMemoryService().
		WithCoalesceWindow(cfg.Health.WarningCoalesceWindow)
	warningAdapter := warning.NewHealthAdapter(warningService)

	breakers := breaker.NewRegistry(&breaker.Config{
		KeyMode:               breaker.KeyByHost,
		WindowSize:            20,
		FailureRatio:          0.5,
		OpenTimeout:           30 * time.Second,
		HalfOpenMaxCalls:      1,
		OpenStateDelaySeconds: cfg.Router.DefaultNackDelaySeconds,
	})

	mediatorCfg := mediator.DefaultHTTPMediatorConfig()
	mediatorCfg.Timeout = cfg.Router.MediatorTimeout
	if cfg.DevMode {
		mediatorCfg.HTTPVersion = mediator.HTTPVersion1
	}
	httpMediator := mediator.NewHTTPMediator(mediatorCfg, breakers)

	queueMetrics := routermetrics.NewInMemoryQueueMetricsService()

	// Broker.
	broker, err := connectBroker(ctx, cfg)
	if err != nil {
		return fmt.Errorf("failed to connect broker: %w", err)
	}
	defer broker.close()

	// MongoDB: dispatch jobs and pool configs.
	mongoClient, err := commonmongo.Connect(ctx, cfg.MongoDB)
	if err != nil {
		return fmt.Errorf("failed to connect to MongoDB: %w", err)
	}
	defer mongoClient.Disconnect(context.Background())

	if err := commonmongo.NewIndexInitializer(mongoClient).Initialize(ctx); err != nil {
		slog.Warn("index initialization failed", "error", err)
	}

	jobRepo := dispatch.NewRepository(mongoClient.Database())
	poolConfigSource := dispatch.NewMongoPoolConfigSource(mongoClient.Database())

	// Routing core.
	queueManager := manager.NewQueueManager(httpMediator).
		WithMaxPools(cfg.Router.MaxPools).
		WithWarningService(warningService).
		WithQueueMetrics(queueMetrics).
		WithConfigSync(poolConfigSource, &manager.ConfigSyncConfig{
			Enabled:                true,
			Interval:               5 * time.Minute,
			InitialRetryAttempts:   12,
			InitialRetryDelay:      5 * time.Second,
			FailOnInitialSyncError: false,
		})

	router := manager.NewRouter(queueManager, broker.consumer, broker.queueID)
	routerService := manager.NewRouterService(router)

	// Scheduler.
	schedulerCfg := &scheduler.Config{
		PollInterval:            cfg.Scheduler.PollInterval,
		BatchSize:               cfg.Scheduler.BatchSize,
		MaxConcurrentDispatches: cfg.Scheduler.MaxConcurrentDispatches,
		StaleThreshold:          cfg.Scheduler.StaleThreshold,
		StaleCheckInterval:      cfg.Scheduler.StaleCheckInterval,
		StaleMaxResets:          5,
		BlockWarningThreshold:   cfg.Scheduler.BlockWarningThreshold,
		ProcessingEndpoint:      cfg.Scheduler.ProcessingEndpoint,
		DefaultDispatchPoolCode: cfg.Router.DefaultPoolCode,
	}
	dispatchScheduler := scheduler.NewScheduler(jobRepo, broker.schedulerPublisher, schedulerCfg).
		WithWarningService(warningService)

	// Standby coordination gates both the router and the scheduler. With
	// standby disabled the service immediately assumes PRIMARY and the
	// callbacks fire once.
	refreshInterval := time.Duration(max(cfg.Standby.LockTTLSeconds/3, 1)) * time.Second
	standbyService := standby.NewService(&standby.Config{
		Enabled:         cfg.Standby.Enabled,
		InstanceID:      cfg.Standby.InstanceID,
		LockKey:         cfg.Standby.LockKey,
		LockTTL:         time.Duration(cfg.Standby.LockTTLSeconds) * time.Second,
		RefreshInterval: refreshInterval,
		RedisURL:        cfg.Standby.RedisURL,
	}, &standby.Callbacks{
		OnBecomePrimary: func() {
			routerService.Resume()
			if cfg.Scheduler.Enabled {
				dispatchScheduler.Start()
			}
		},
		OnBecomeStandby: func() {
			dispatchScheduler.Stop()
			routerService.Pause()
		},
	})
	standbyService.SetWarningSink(warningService)
	dispatchScheduler.WithStandbyChecker(standbyService)
	queueManager.WithStandbyChecker(standbyService)

	if cfg.Standby.Enabled {
		lockProvider, err := standby.NewRedisLockProvider(cfg.Standby.RedisURL)
		if err != nil {
			return fmt.Errorf("failed to connect to Redis for standby lock: %w", err)
		}
		standbyService.SetLockProvider(lockProvider)
	}

	// Health subsystem.
	infraHealth := health.NewInfrastructureHealthService(true, queueManager)
	brokerHealth := health.NewBrokerHealthService(true, broker.kind, broker.checker)

	queueStatsAdapter := routermetrics.NewHealthQueueStatsAdapter(queueMetrics)

	healthStatus := health.NewHealthStatusService(infraHealth, brokerHealth, queueManager)
	healthStatus.SetCircuitBreakerGetter(breakers)
	healthStatus.SetWarningGetter(warningAdapter)
	healthStatus.SetQueueStatsGetter(queueStatsAdapter)

	healthMonitor := health.NewMonitor(&health.MonitorConfig{
		Interval:                 cfg.Health.ProbeInterval,
		BacklogCriticalThreshold: cfg.Health.BacklogCriticalThreshold,
		GrowthStall:              5 * time.Minute,
		PoolStall:                2 * time.Minute,
	}, queueStatsAdapter, queueManager, breakers, warningService)

	// Monitoring HTTP surface.
	monitoring := api.NewMonitoringHandler(healthStatus, queueManager)
	monitoring.SetQueueMetrics(queueStatsAdapter)
	monitoring.SetWarningService(warningAdapter, warningAdapter)
	monitoring.SetCircuitBreakerService(breakers, &circuitBreakerAdmin{breakers})
	monitoring.SetInFlightGetter(queueManager)
	monitoring.SetStandbyService(standbyService)

	monitoringMux := http.NewServeMux()
	monitoring.RegisterRoutes(monitoringMux)
	api.NewKubernetesHealthHandler(infraHealth, brokerHealth).RegisterRoutes(monitoringMux)
	monitoringMux.Handle("/health", api.NewHealthCheckHandler(infraHealth))
	monitoringMux.Handle("/metrics", promhttp.Handler())

	r := chi.NewRouter()
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: cfg.HTTP.CORSOrigins,
		AllowedMethods: []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Content-Type"},
	}))
	r.Route("/api", func(r chi.Router) {
		warning.NewHandler(warningService).RegisterRoutes(r)
	})
	r.Mount("/", monitoringMux)

	httpServer := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.HTTP.Port),
		Handler: r,
	}

	// Service wrappers for coordinated startup/shutdown. Shutdown runs in
	// reverse order: HTTP drains last requests, then standby releases the
	// lock (stopping router + scheduler via the callback), then broker and
	// Mongo connections close on the deferred cleanups.
	standbyLifecycle := lifecycle.NewServiceFunc("standby-coordinator",
		func(ctx context.Context) error {
			if err := standbyService.Start(); err != nil {
				return err
			}
			<-ctx.Done()
			return nil
		},
		func(ctx context.Context) error {
			dispatchScheduler.Stop()
			routerService.Pause()
			standbyService.Stop()
			return nil
		})

	probeLifecycle := lifecycle.NewServiceFunc("health-monitor",
		func(ctx context.Context) error {
			healthMonitor.Start()
			probeTicker := time.NewTicker(cfg.Health.ProbeInterval)
			defer probeTicker.Stop()
			purgeTicker := time.NewTicker(time.Hour)
			defer purgeTicker.Stop()
			for {
				select {
				case <-ctx.Done():
					return nil
				case <-probeTicker.C:
					if issues := brokerHealth.CheckBrokerConnectivity(); len(issues) > 0 {
						for _, issue := range issues {
							warningService.AddWarning(warning.CategoryHealth, warning.SeverityWarning, issue, "BrokerHealthProbe")
						}
					}
				case <-purgeTicker.C:
					warningService.ClearOldWarnings(cfg.Health.WarningRetentionHours)
				}
			}
		},
		func(ctx context.Context) error {
			healthMonitor.Stop()
			return nil
		})

	httpLifecycle := lifecycle.NewServiceFunc("monitoring-http",
		func(ctx context.Context) error {
			slog.Info("monitoring HTTP server listening", "port", cfg.HTTP.Port)
			if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				return err
			}
			return nil
		},
		func(ctx context.Context) error {
			return httpServer.Shutdown(ctx)
		})

	slog.Info("starting flowcatalyst",
		"queueType", cfg.Queue.Type,
		"standbyEnabled", cfg.Standby.Enabled,
		"schedulerEnabled", cfg.Scheduler.Enabled)

	return lifecycle.Run(ctx, standbyLifecycle, probeLifecycle, httpLifecycle)
}

// circuitBreakerAdmin adapts the breaker registry to the monitoring API's
// mutator interface.
type circuitBreakerAdmin struct {
	registry *breaker.Registry
}

func (a *circuitBreakerAdmin) GetCircuitBreakerState(name string) string {
	return a.registry.GetState(name)
}

func (a *circuitBreakerAdmin) ResetCircuitBreaker(name string) bool {
	return a.registry.Reset(name)
}

func (a *circuitBreakerAdmin) ResetAllCircuitBreakers() {
	a.registry.ResetAll()
}

// brokerConnections bundles the broker-specific consumer, publisher, probe
// checker, and identifiers for one configured broker kind.
type brokerConnections struct {
	kind               health.QueueType
	queueID            string
	consumer           queue.Consumer
	schedulerPublisher scheduler.Publisher
	checker            health.BrokerConnectivityChecker
	close              func()
}

func connectBroker(ctx context.Context, cfg *config.Config) (*brokerConnections, error) {
	switch queue.QueueType(cfg.Queue.Type) {
	case queue.QueueTypeSQS:
		client, err := sqs.NewClientWithConfig(ctx, &sqs.ClientConfig{
			QueueConfig: &queue.SQSConfig{
				QueueURL:          cfg.Queue.SQS.QueueURL,
				Region:            cfg.Queue.SQS.Region,
				WaitTimeSeconds:   int32(cfg.Queue.SQS.WaitTimeSeconds),
				VisibilityTimeout: int32(cfg.Queue.SQS.VisibilityTimeout),
			},
			CustomEndpoint:  cfg.Queue.SQS.Endpoint,
			AccessKeyID:     cfg.Queue.SQS.AccessKeyID,
			SecretAccessKey: cfg.Queue.SQS.SecretAccessKey,
		})
		if err != nil {
			return nil, err
		}
		consumer, err := client.CreateConsumer(ctx, "flowcatalyst-router", "")
		if err != nil {
			client.Close()
			return nil, err
		}
		return &brokerConnections{
			kind:               health.QueueTypeSQS,
			queueID:            cfg.Queue.SQS.QueueURL,
			consumer:           consumer,
			schedulerPublisher: scheduler.NewQueuePublisher(client.Publisher(), "dispatch.jobs"),
			checker:            &sqsChecker{client},
			close:              func() { client.Close() },
		}, nil

	case queue.QueueTypeNATS:
		client, err := nats.NewClient(&queue.NATSConfig{
			URL:          cfg.Queue.NATS.URL,
			StreamName:   "DISPATCH",
			ConsumerName: "flowcatalyst-router",
			Subjects:     []string{"dispatch.>"},
		})
		if err != nil {
			return nil, err
		}
		consumer, err := client.CreateConsumer(ctx, "flowcatalyst-router", "dispatch.>")
		if err != nil {
			client.Close()
			return nil, err
		}
		return &brokerConnections{
			kind:               health.QueueTypeNATS,
			queueID:            "nats:DISPATCH",
			consumer:           consumer,
			schedulerPublisher: scheduler.NewQueuePublisher(client.Publisher(), "dispatch.jobs"),
			checker:            &natsChecker{client},
			close:              func() { client.Close() },
		}, nil

	case queue.QueueTypeActiveMQ:
		amqCfg := &queue.ActiveMQConfig{
			BrokerURL:   cfg.Queue.ActiveMQ.BrokerURL,
			Username:    cfg.Queue.ActiveMQ.Username,
			Password:    cfg.Queue.ActiveMQ.Password,
			Destination: cfg.Queue.ActiveMQ.Destination,
		}
		consumerClient, err := activemq.Connect(amqCfg)
		if err != nil {
			return nil, err
		}
		publisherClient, err := activemq.Connect(amqCfg)
		if err != nil {
			consumerClient.Close()
			return nil, err
		}
		return &brokerConnections{
			kind:               health.QueueTypeActiveMQ,
			queueID:            cfg.Queue.ActiveMQ.Destination,
			consumer:           consumerClient,
			schedulerPublisher: scheduler.NewQueuePublisher(publisherClient, cfg.Queue.ActiveMQ.Destination),
			checker:            &activemq.HealthChecker{Config: amqCfg},
			close: func() {
				consumerClient.Close()
				publisherClient.Close()
			},
		}, nil

	case queue.QueueTypeEmbedded, "":
		q, err := embedded.Open(&queue.EmbeddedConfig{
			DBPath:            cfg.Queue.Embedded.DBPath,
			QueueName:         "dispatch",
			VisibilityTimeout: 2 * time.Minute,
			PollInterval:      250 * time.Millisecond,
			BatchSize:         10,
		})
		if err != nil {
			return nil, err
		}
		return &brokerConnections{
			kind:               health.QueueTypeEmbedded,
			queueID:            "embedded:dispatch",
			consumer:           q,
			schedulerPublisher: scheduler.NewQueuePublisher(q, "dispatch"),
			checker:            nil, // embedded is always healthy
			close:              func() { q.Close() },
		}, nil

	default:
		return nil, fmt.Errorf("unknown QUEUE_TYPE %q", cfg.Queue.Type)
	}
}

type sqsChecker struct {
	client *sqs.Client
}

func (c *sqsChecker) CheckConnectivity(ctx context.Context) error {
	return c.client.HealthCheck(ctx)
}

func (c *sqsChecker) CheckQueueAccessible(ctx context.Context, queueName string) error {
	return c.client.HealthCheck(ctx)
}

type natsChecker struct {
	client *nats.Client
}

func (c *natsChecker) CheckConnectivity(ctx context.Context) error {
	return c.client.HealthCheck(ctx)
}

func (c *natsChecker) CheckQueueAccessible(ctx context.Context, queueName string) error {
	return c.client.HealthCheck(ctx)
}
