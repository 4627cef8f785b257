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

	"github.com/gabri117/libreria/internal/backend"
	"github.com/gabri117/libreria/internal/config"
	"github.com/gabri117/libreria/internal/logger"
	"github.com/gabri117/libreria/internal/metrics"
	"github.com/gabri117/libreria/internal/respond"
	"github.com/gabri117/libreria/internal/salesrpc"
	"github.com/gabri117/libreria/internal/terminal"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
	"go.uber.org/zap"
)

func main() {
	config.Load()
	cfg := config.LoadTerminal()

	zl, err := logger.New(cfg.Log.Level, cfg.Log.Dev)
	if err != nil {
		log.Fatalf("failed to build logger: %v", err)
	}
	defer func() { _ = zl.Sync() }()

	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	m := metrics.NewRegistry()

	var client terminal.Backend
	target := cfg.BackendURL
	switch cfg.BackendTransport {
	case config.TransportHTTP:
		client = backend.NewClient(cfg.BackendURL, cfg.BackendTimeout, zl)
	case config.TransportGRPC:
		conn, err := salesrpc.Dial(cfg.BackendGRPCAddr)
		if err != nil {
			zl.Fatal("failed to create sales service connection", zap.Error(err))
		}
		defer conn.Close()
		client = backend.NewGRPCClient(conn, cfg.BackendTimeout, zl)
		target = cfg.BackendGRPCAddr
	default:
		zl.Fatal("unknown sales service transport", zap.String("transport", cfg.BackendTransport))
	}

	registry := terminal.NewRegistry(client, zl, m)
	handler := terminal.NewHandler(registry, client, cfg.RequestTimeout, zl)

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(logger.Middleware(zl))
	r.Use(m.Middleware)
	r.Use(middleware.Timeout(cfg.RequestTimeout))

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		respond.JSON(w, http.StatusOK, map[string]interface{}{
			"status":    "ok",
			"terminals": registry.Len(),
		})
	})
	r.Handle("/metrics", m.Handler())
	handler.Register(r)

	srv := &http.Server{
		Addr:         ":" + cfg.HTTPPort,
		Handler:      otelhttp.NewHandler(r, "pos-terminal"),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: cfg.RequestTimeout + 5*time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		zl.Info("pos terminal starting",
			zap.String("port", cfg.HTTPPort),
			zap.String("sales_service", target),
			zap.String("transport", cfg.BackendTransport))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			zl.Fatal("server error", zap.Error(err))
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
	zl.Info("server exited")
}
