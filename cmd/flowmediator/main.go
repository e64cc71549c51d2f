// FlowMediator demo server: boots the mediator core with a pluggable
// transport (memory/NATS/SQS), a MongoDB-backed outbox, a Redis-backed
// inbox, the outbox processor, the recovery supervisor, and
// an HTTP surface for health, metrics, and the sample order domain —
// grounded in the teacher's cmd/outbox/main.go bootstrap shape (load
// config, connect MongoDB, wire a health checker, start background
// workers, serve chi on cfg.HTTP.Port, shut down on signal).
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"go.flowmediator.dev/batch"
	"go.flowmediator.dev/config"
	"go.flowmediator.dev/health"
	"go.flowmediator.dev/idgen"
	"go.flowmediator.dev/internal/demo"
	"go.flowmediator.dev/lifecycle"
	"go.flowmediator.dev/mediator"
	"go.flowmediator.dev/metrics"
	"go.flowmediator.dev/outboxproc"
	"go.flowmediator.dev/pipeline"
	"go.flowmediator.dev/recovery"
	"go.flowmediator.dev/result"
	"go.flowmediator.dev/store/mongooutbox"
	"go.flowmediator.dev/store/redisinbox"
	"go.flowmediator.dev/transport"
	"go.flowmediator.dev/transport/memory"
	natstransport "go.flowmediator.dev/transport/nats"
	sqstransport "go.flowmediator.dev/transport/sqs"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
)

var (
	version   = "dev"
	buildTime = "unknown"
)

func main() {
	logLevel := slog.LevelInfo
	if os.Getenv("FLOWMEDIATOR_DEV") == "true" {
		logLevel = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel}))
	slog.SetDefault(logger)

	logger.Info("starting flowmediator", "version", version, "buildTime", buildTime)

	cfg, err := config.LoadWithFile()
	if err != nil {
		logger.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	layout, err := resolveLayout(cfg.IdGen.Layout)
	if err != nil {
		logger.Error("invalid idgen layout", "error", err)
		os.Exit(1)
	}
	var ids *idgen.Generator
	if cfg.IdGen.WorkerId >= 0 {
		ids, err = idgen.New(layout, cfg.IdGen.WorkerId)
	} else {
		ids, err = idgen.NewAutoDetected(layout, 0)
	}
	if err != nil {
		logger.Error("failed to construct id generator", "error", err)
		os.Exit(1)
	}

	healthAgg := health.NewAggregator()
	m := metrics.New()

	mongoClient, err := mongo.Connect(ctx, options.Client().ApplyURI(cfg.MongoDB.URI))
	if err != nil {
		logger.Error("failed to connect to mongodb", "error", err)
		os.Exit(1)
	}
	defer func() { _ = mongoClient.Disconnect(ctx) }()
	if err := mongoClient.Ping(ctx, nil); err != nil {
		logger.Error("failed to ping mongodb", "error", err)
		os.Exit(1)
	}
	db := mongoClient.Database(cfg.MongoDB.Database)
	outboxCollection := db.Collection("outbox")
	if err := mongooutbox.EnsureIndexes(ctx, outboxCollection); err != nil {
		logger.Warn("failed to ensure outbox indexes", "error", err)
	}
	outboxStore := mongooutbox.New(outboxCollection)
	healthAgg.Persistence.Register(health.FuncChecker{
		CheckerName: "mongodb",
		Fn: func(ctx context.Context) health.Status {
			if err := mongoClient.Ping(ctx, nil); err != nil {
				return health.Unhealthy
			}
			return health.Healthy
		},
	})

	redisClient := redis.NewClient(&redis.Options{Addr: cfg.Redis.Addr, Password: cfg.Redis.Password, DB: cfg.Redis.DB})
	defer func() { _ = redisClient.Close() }()
	inboxStore := redisinbox.New(redisClient, redisinbox.WithPrefix(cfg.Redis.Prefix))
	healthAgg.Persistence.Register(health.FuncChecker{
		CheckerName: "redis",
		Fn: func(ctx context.Context) health.Status {
			if err := inboxStore.Ping(ctx); err != nil {
				return health.Unhealthy
			}
			return health.Healthy
		},
	})

	tp, err := buildTransport(ctx, cfg, logger)
	if err != nil {
		logger.Error("failed to build transport", "error", err)
		os.Exit(1)
	}
	if err := tp.Initialize(ctx); err != nil {
		logger.Error("failed to initialize transport", "error", err)
		os.Exit(1)
	}
	if hr, ok := tp.(transport.HealthReporter); ok {
		healthAgg.Transport.Register(health.FuncChecker{
			CheckerName: "transport",
			Fn: func(ctx context.Context) health.Status {
				if hr.HealthStatus().Healthy {
					return health.Healthy
				}
				return health.Unhealthy
			},
		})
	}

	batcher := batch.New(m)
	batcher.Register("demo.CreateOrder", batch.Config{
		MaxBatchSize:   cfg.Batch.MaxBatchSize,
		BatchTimeout:   cfg.Batch.WindowDuration,
		MaxQueueLength: cfg.Batch.MaxQueueLength,
		ShardIdleTtl:   cfg.Batch.ShardIdleTtl,
		MaxShards:      cfg.Batch.MaxShards,
		FlushDegree:    cfg.Batch.FlushDegree,
	})

	med, orderStore := demo.Build(demo.Deps{
		Ids:              ids,
		Inbox:            inboxStore,
		Outbox:           outboxStore,
		Logger:           logger,
		Observer:         m,
		Batcher:          batcher,
		RetryMaxAttempts: cfg.Retry.MaxAttempts,
		RetryBaseBackoff: cfg.Retry.InitialDelay,
		InboxRetention:   cfg.Inbox.TTL,
		CircuitBreaker: pipeline.CircuitBreakerConfig{
			MaxRequests:  cfg.CircuitBreaker.MaxRequests,
			Interval:     cfg.CircuitBreaker.Interval,
			Timeout:      cfg.CircuitBreaker.Timeout,
			FailureRatio: cfg.CircuitBreaker.FailureRatio,
			MinRequests:  cfg.CircuitBreaker.MinRequests,
		},
	})
	_ = orderStore

	var proc *outboxproc.Processor
	if cfg.Lifecycle.EnableOutboxProcessor {
		proc = outboxproc.New(outboxStore, tp, outboxproc.Config{
			ScanInterval:                   cfg.Outbox.ScanInterval,
			BatchSize:                      cfg.Outbox.BatchSize,
			ErrorDelay:                     cfg.Outbox.ErrorDelay,
			CompleteCurrentBatchOnShutdown: cfg.Outbox.CompleteCurrentBatchOnShutdown,
			StuckThreshold:                 cfg.Outbox.StuckThreshold,
			ScanRatePerSecond:              20,
		}, outboxproc.WithLogger(logger), outboxproc.WithObserver(m))
		if err := proc.Start(ctx); err != nil {
			logger.Error("failed to start outbox processor", "error", err)
			os.Exit(1)
		}
		healthAgg.Recovery.Register(health.FuncChecker{
			CheckerName: "outboxproc",
			Fn:          func(ctx context.Context) health.Status { return health.Healthy },
		})
	} else {
		logger.Info("outbox processor disabled via config")
	}

	var supervisor *recovery.Supervisor
	if cfg.Lifecycle.EnableAutoRecovery {
		supervisor = recovery.New(recovery.Config{
			PollInterval:          cfg.Recovery.PollInterval,
			MaxRetries:            cfg.Recovery.MaxRetries,
			BackoffBase:           cfg.Recovery.BackoffBase,
			BackoffMax:            cfg.Recovery.BackoffMax,
			UseExponentialBackoff: cfg.Recovery.UseExponentialBackoff,
			EnableAutoRecovery:    cfg.Recovery.EnableAutoRecovery,
		}, recovery.WithLogger(logger), recovery.WithObserver(m))
		supervisor.Start(ctx)
		healthAgg.Recovery.Register(health.FuncChecker{
			CheckerName: "recoverySupervisor",
			Fn: func(ctx context.Context) health.Status {
				if supervisor.IsRecovering() {
					return health.Degraded
				}
				return health.Healthy
			},
		})
	} else {
		logger.Info("recovery supervisor disabled via config")
	}

	router := buildRouter(med, healthAgg)

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.HTTP.Port),
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		logger.Info("http server starting", "port", cfg.HTTP.Port)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("http server failed", "error", err)
			os.Exit(1)
		}
	}()

	host := lifecycle.NewHost(cfg.Lifecycle.ShutdownTimeout)
	host.SetLogger(logger)
	if cfg.Lifecycle.EnableTransportHosting {
		host.RegisterTransport("transport", tp, cfg.Lifecycle.HookTimeout)
	}
	if proc != nil {
		host.RegisterFinal("outboxProcessor", cfg.Lifecycle.HookTimeout, proc.Stop)
	}
	if supervisor != nil {
		host.RegisterFinal("recoverySupervisor", cfg.Lifecycle.HookTimeout, func(ctx context.Context) error {
			supervisor.Stop()
			return nil
		})
	}
	host.RegisterFinal("httpServer", cfg.Lifecycle.HookTimeout, server.Shutdown)

	if err := host.Run(); err != nil {
		logger.Error("shutdown did not complete cleanly", "error", err)
		os.Exit(1)
	}
	logger.Info("flowmediator stopped")
}

func resolveLayout(name string) (idgen.Layout, error) {
	switch name {
	case "twitter2010":
		return idgen.Twitter2010Epoch, nil
	case "discord2015":
		return idgen.Discord2015Epoch, nil
	case "y2020":
		return idgen.Y2020Epoch, nil
	case "wideworker":
		return idgen.WideWorkerRange, nil
	case "longlifespan":
		return idgen.LongLifespan, nil
	default:
		return idgen.Layout{}, fmt.Errorf("unknown idgen layout %q", name)
	}
}

func buildTransport(ctx context.Context, cfg *config.Config, logger *slog.Logger) (transport.Transport, error) {
	switch cfg.Transport.Type {
	case "memory", "":
		return memory.New(), nil
	case "nats":
		return buildNATSTransport(ctx, cfg, logger)
	case "sqs":
		return buildSQSTransport(ctx, cfg, logger)
	default:
		return nil, fmt.Errorf("unknown transport type %q", cfg.Transport.Type)
	}
}

func buildNATSTransport(ctx context.Context, cfg *config.Config, logger *slog.Logger) (transport.Transport, error) {
	nc, err := nats.Connect(cfg.Transport.NATS.URL)
	if err != nil {
		return nil, fmt.Errorf("connect nats: %w", err)
	}
	js, err := jetstream.New(nc)
	if err != nil {
		return nil, fmt.Errorf("create jetstream context: %w", err)
	}
	return natstransport.New(js, natstransport.Config{
		StreamName:     cfg.Transport.NATS.StreamName,
		SubjectPrefix:  cfg.Transport.NATS.SubjectPrefix,
		ConsumeWorkers: cfg.Transport.NATS.ConsumeWorkers,
	}, logger), nil
}

func buildSQSTransport(ctx context.Context, cfg *config.Config, logger *slog.Logger) (transport.Transport, error) {
	return sqstransport.NewFromRegion(ctx, sqstransport.Config{
		QueueURL:             cfg.Transport.SQS.QueueURL,
		Region:               cfg.Transport.SQS.Region,
		WaitTimeSeconds:      cfg.Transport.SQS.WaitTimeSeconds,
		VisibilityTimeout:    cfg.Transport.SQS.VisibilityTimeout,
		MaxNumberOfMessages:  cfg.Transport.SQS.MaxMessages,
		ReceiveRatePerSecond: cfg.Transport.SQS.RateLimitPerSec,
	}, logger)
}

func buildRouter(med *mediator.Mediator, healthAgg *health.Aggregator) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST"},
	}))

	r.Get("/health", healthAgg.ServeHTTP)
	r.Handle("/metrics", promhttp.Handler())

	r.Post("/orders", func(w http.ResponseWriter, req *http.Request) {
		var body demo.CreateOrder
		if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		out := mediator.Send[demo.CreateOrder, demo.OrderCreated](req.Context(), med, body)
		writeResult(w, out)
	})

	return r
}

func writeResult[R any](w http.ResponseWriter, out result.Result[R]) {
	w.Header().Set("Content-Type", "application/json")
	if out.IsFailure() {
		status := http.StatusInternalServerError
		switch out.ErrorCode() {
		case result.ValidationFailed:
			status = http.StatusBadRequest
		case result.HandlerFailed, result.PipelineFailed, result.PersistenceFailed, result.LockFailed, result.TransportFailed, result.SerializationFailed, result.Timeout, result.Cancelled, result.InternalError:
			status = http.StatusInternalServerError
		}
		w.WriteHeader(status)
		_ = json.NewEncoder(w).Encode(map[string]any{"error": out.ErrorMessage(), "code": out.ErrorCode()})
		return
	}
	_ = json.NewEncoder(w).Encode(out.Value())
}
