package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/platesaver/platesaver-backend/internal/capacity"
	"github.com/platesaver/platesaver-backend/internal/cron"
	"github.com/platesaver/platesaver-backend/internal/events"
	"github.com/platesaver/platesaver-backend/internal/lifecycle"
	"github.com/platesaver/platesaver-backend/internal/orders"
	"github.com/platesaver/platesaver-backend/pkg/clock"
	"github.com/platesaver/platesaver-backend/pkg/config"
	"github.com/platesaver/platesaver-backend/pkg/db"
	"github.com/platesaver/platesaver-backend/pkg/logger"
	"github.com/platesaver/platesaver-backend/pkg/metrics"
	"github.com/platesaver/platesaver-backend/pkg/migrate"
	"github.com/platesaver/platesaver-backend/pkg/pubsub"
	"github.com/platesaver/platesaver-backend/pkg/redis"
)

func main() {
	logg := logger.New(logger.Options{ServiceName: "sweep-worker"})

	if err := godotenv.Load(); err != nil {
		logg.Warn(context.Background(), ".env file not found, relying on environment")
	}

	cfg, err := config.Load()
	if err != nil {
		logg.Error(context.Background(), "failed to load config", err)
		os.Exit(1)
	}

	cfg.Service.Kind = "sweep-worker"

	logg = logger.New(logger.Options{
		ServiceName: "sweep-worker",
		Level:       logger.ParseLevel(cfg.App.LogLevel),
		WarnStack:   cfg.App.LogWarnStack,
	})

	dbClient, err := db.New(context.Background(), cfg.DB, logg)
	if err != nil {
		logg.Error(context.Background(), "failed to bootstrap database", err)
		os.Exit(1)
	}
	defer func() {
		if err := dbClient.Close(); err != nil {
			logg.Error(context.Background(), "error closing database", err)
		}
	}()

	if err := migrate.MaybeRunDev(context.Background(), cfg, logg, dbClient); err != nil {
		logg.Error(context.Background(), "failed to run dev migrations", err)
		os.Exit(1)
	}

	redisClient, err := redis.New(context.Background(), cfg.Redis, logg)
	if err != nil {
		logg.Error(context.Background(), "failed to bootstrap redis", err)
		os.Exit(1)
	}
	defer func() {
		if err := redisClient.Close(); err != nil {
			logg.Error(context.Background(), "error closing redis", err)
		}
	}()

	pubsubClient, err := pubsub.NewClient(context.Background(), cfg.GCP, cfg.PubSub, logg)
	if err != nil {
		logg.Error(context.Background(), "failed to bootstrap pubsub", err)
		os.Exit(1)
	}
	defer func() {
		if err := pubsubClient.Close(); err != nil {
			logg.Error(context.Background(), "error closing pubsub", err)
		}
	}()

	clk := clock.NewSystem()
	jobMetrics := metrics.NewCronJobMetrics(prometheus.DefaultRegisterer)
	capacityMetrics := metrics.NewCapacityMetrics(prometheus.DefaultRegisterer)

	dispatcher, err := events.NewDispatcher(events.DispatcherParams{
		Publisher:      events.NewGCPPublisher(pubsubClient.OrderEventsPublisher()),
		Logger:         logg,
		Clock:          clk,
		QueueSize:      cfg.Events.QueueSize,
		PublishTimeout: cfg.Events.PublishTimeout,
	})
	if err != nil {
		logg.Error(context.Background(), "failed to create event dispatcher", err)
		os.Exit(1)
	}
	dispatcher.Start()
	defer dispatcher.Close()

	repo := orders.NewRepository(dbClient.DB())
	ledger, err := capacity.NewLedger(repo, logg, capacityMetrics)
	if err != nil {
		logg.Error(context.Background(), "failed to create capacity ledger", err)
		os.Exit(1)
	}
	lifecycleSvc, err := lifecycle.NewService(ledger, repo, dispatcher, clk, logg)
	if err != nil {
		logg.Error(context.Background(), "failed to create lifecycle service", err)
		os.Exit(1)
	}

	noShowJob, err := cron.NewNoShowJob(cron.NoShowJobParams{
		Logger:    logg,
		Reader:    repo,
		Lifecycle: lifecycleSvc,
		Clock:     clk,
		Metrics:   capacityMetrics,
		Threshold: cfg.Sweeper.NoShowThreshold,
	})
	if err != nil {
		logg.Error(context.Background(), "failed to create no-show job", err)
		os.Exit(1)
	}

	lock, err := cron.NewRedisLock(redisClient, lockKey(cfg.App.Env), 0)
	if err != nil {
		logg.Error(context.Background(), "failed to create sweep lock", err)
		os.Exit(1)
	}

	service, err := cron.NewService(cron.ServiceParams{
		Logger:   logg,
		Registry: cron.NewRegistry(noShowJob),
		Lock:     lock,
		Metrics:  jobMetrics,
		Interval: cfg.Sweeper.Interval,
	})
	if err != nil {
		logg.Error(context.Background(), "failed to create sweep service", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	ctx = logg.WithFields(ctx, map[string]any{
		"env":         cfg.App.Env,
		"serviceKind": cfg.Service.Kind,
	})

	obsServer := startObservabilityServer(ctx, cfg.Metrics, logg)
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := obsServer.Shutdown(shutdownCtx); err != nil {
			logg.Error(ctx, "error shutting down observability server", err)
		}
	}()

	logg.Info(ctx, "starting sweep worker")

	if err := service.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logg.Error(ctx, "sweep worker stopped unexpectedly", err)
		os.Exit(1)
	}

	logg.Info(ctx, "sweep worker shutting down gracefully")
}

func startObservabilityServer(ctx context.Context, cfg config.MetricsConfig, logg *logger.Logger) *http.Server {
	router := chi.NewRouter()
	router.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	router.Handle("/metrics", promhttp.Handler())

	server := &http.Server{
		Addr:    ":" + cfg.Port,
		Handler: router,
	}
	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logg.Error(ctx, "observability server stopped", err)
		}
	}()
	return server
}

func lockKey(env string) string {
	if env == "" {
		env = "local"
	}
	return redis.Key("sweep-worker", "lock", env)
}
