package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gabri117/libreria/internal/audit"
	"github.com/gabri117/libreria/internal/config"
	"github.com/gabri117/libreria/internal/logger"
	"github.com/gabri117/libreria/internal/metrics"
	"github.com/gabri117/libreria/internal/respond"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
	"go.uber.org/zap"
)

func main() {
	config.Load()
	cfg := config.LoadAudit()

	zl, err := logger.New(cfg.Log.Level, cfg.Log.Dev)
	if err != nil {
		log.Fatalf("failed to build logger: %v", err)
	}
	defer func() { _ = zl.Sync() }()

	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	connectCtx, cancelConnect := context.WithTimeout(context.Background(), 15*time.Second)
	db, err := audit.ConnectMongoDB(connectCtx, cfg.MongoURI, cfg.MongoDB)
	if err != nil {
		cancelConnect()
		zl.Fatal("failed to connect to mongodb", zap.Error(err))
	}
	repo := audit.NewMongoRepository(db)
	if err := repo.CreateIndexes(connectCtx); err != nil {
		cancelConnect()
		zl.Fatal("failed to create audit indexes", zap.Error(err))
	}
	cancelConnect()
	defer func() { _ = db.Client().Disconnect(context.Background()) }()

	m := metrics.NewRegistry()
	consumer := audit.NewConsumer(repo, audit.NewKafkaReader(cfg.KafkaTopic, cfg.KafkaGroupID, cfg.KafkaBrokers...), zl, m)
	consumeCtx, stopConsumer := context.WithCancel(context.Background())
	consumeDone := make(chan struct{})
	go func() {
		defer close(consumeDone)
		consumer.Run(consumeCtx)
	}()

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(logger.Middleware(zl))
	r.Use(m.Middleware)

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		if err := db.Client().Ping(r.Context(), nil); err != nil {
			respond.Error(w, http.StatusServiceUnavailable, "database_unavailable", err.Error())
			return
		}
		respond.JSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Handle("/metrics", m.Handler())
	audit.NewHandler(repo, zl).Register(r)

	srv := &http.Server{
		Addr:         ":" + cfg.HTTPPort,
		Handler:      otelhttp.NewHandler(r, "audit-service"),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		zl.Info("audit service starting",
			zap.String("port", cfg.HTTPPort),
			zap.String("kafka_topic", cfg.KafkaTopic),
			zap.String("group_id", cfg.KafkaGroupID))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			zl.Fatal("server error", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	zl.Info("shutting down...")
	stopConsumer()
	<-consumeDone
	consumer.Close()

	ctx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		zl.Error("server forced to shutdown", zap.Error(err))
	}
	zl.Info("audit service exited")
}
