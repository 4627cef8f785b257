package main

import (
	"context"
	"errors"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gabri117/libreria/internal/api"
	"github.com/gabri117/libreria/internal/catalog"
	"github.com/gabri117/libreria/internal/config"
	"github.com/gabri117/libreria/internal/logger"
	"github.com/gabri117/libreria/internal/metrics"
	"github.com/gabri117/libreria/internal/outbox"
	"github.com/gabri117/libreria/internal/respond"
	"github.com/gabri117/libreria/internal/sales"
	"github.com/gabri117/libreria/internal/store"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
	"go.uber.org/zap"
)

func main() {
	config.Load()
	cfg := config.LoadSales()

	zl, err := logger.New(cfg.Log.Level, cfg.Log.Dev)
	if err != nil {
		log.Fatalf("failed to build logger: %v", err)
	}
	defer func() { _ = zl.Sync() }()

	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	creds := &store.Credentials{
		Host:              cfg.Postgres.Host,
		Port:              cfg.Postgres.Port,
		User:              cfg.Postgres.User,
		Password:          cfg.Postgres.Password,
		DBName:            cfg.Postgres.DBName,
		MigrationsDirPath: cfg.Postgres.MigrationsDirPath,
	}
	st, err := store.New(creds, zl)
	if err != nil {
		zl.Fatal("failed to connect to postgres", zap.Error(err))
	}
	defer st.Close()

	if err := st.RunMigrations(creds); err != nil {
		zl.Fatal("failed to run migrations", zap.Error(err))
	}

	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
	})
	defer redisClient.Close()
	if err := redisClient.Ping(context.Background()).Err(); err != nil {
		// the catalog falls back to postgres on every cache error
		zl.Warn("redis unavailable, product cache disabled until it recovers", zap.Error(err))
	}

	m := metrics.NewRegistry()
	cat := catalog.New(st, catalog.NewRedisCache(redisClient), zl, m)
	svc := sales.NewService(st, cat, zl, m)
	handler := api.NewHandler(cat, svc, zl)
	grpcServer := api.NewGRPCServer(api.NewRPCServer(cat, svc), zl, m)

	poller := outbox.NewPoller(st, outbox.NewKafkaWriter(cfg.KafkaTopic, cfg.KafkaBrokers...), cfg.OutboxInterval, zl, m)
	pollCtx, stopPoller := context.WithCancel(context.Background())
	pollDone := make(chan struct{})
	go func() {
		defer close(pollDone)
		poller.Run(pollCtx)
	}()

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(logger.Middleware(zl))
	r.Use(m.Middleware)
	r.Use(middleware.Timeout(cfg.RequestTimeout))

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		if err := st.Ping(r.Context()); err != nil {
			respond.Error(w, http.StatusServiceUnavailable, "database_unavailable", err.Error())
			return
		}
		respond.JSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Handle("/metrics", m.Handler())
	handler.Register(r)

	srv := &http.Server{
		Addr:         ":" + cfg.HTTPPort,
		Handler:      otelhttp.NewHandler(r, "sales-service"),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: cfg.RequestTimeout + 5*time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		zl.Info("sales service starting",
			zap.String("port", cfg.HTTPPort),
			zap.Strings("kafka_brokers", cfg.KafkaBrokers),
			zap.String("kafka_topic", cfg.KafkaTopic))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			zl.Fatal("server error", zap.Error(err))
		}
	}()

	lis, err := net.Listen("tcp", ":"+cfg.GRPCPort)
	if err != nil {
		zl.Fatal("failed to listen", zap.String("port", cfg.GRPCPort), zap.Error(err))
	}
	go func() {
		zl.Info("sales grpc server starting", zap.String("port", cfg.GRPCPort))
		if err := grpcServer.Serve(lis); err != nil {
			zl.Fatal("grpc server error", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	zl.Info("shutting down server...")
	ctx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		zl.Error("server forced to shutdown", zap.Error(err))
	}

	stopped := make(chan struct{})
	go func() {
		grpcServer.GracefulStop()
		close(stopped)
	}()
	select {
	case <-stopped:
	case <-ctx.Done():
		grpcServer.Stop()
	}

	stopPoller()
	<-pollDone
	if err := poller.Close(); err != nil {
		zl.Warn("failed to close kafka writer", zap.Error(err))
	}
	zl.Info("server exited")
}
