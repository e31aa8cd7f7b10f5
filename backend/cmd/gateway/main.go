package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"gradesync/backend/internal/cache"
	"gradesync/backend/internal/gateway"
	"gradesync/backend/internal/gateway/handlers"
	"gradesync/backend/internal/reconcile"
	"gradesync/backend/internal/remote"
	"gradesync/backend/internal/shared"
)

const shutdownTimeout = 30 * time.Second

func main() {
	if err := run(); err != nil {
		log.Fatalf("FATAL: %v", err)
	}
}

func run() error {
	// 1. Load Configuration
	_ = shared.LoadEnv(".env")
	config, err := shared.LoadServiceConfig("gateway")
	if err != nil {
		return err
	}
	if err := shared.ValidateServiceConfig(config); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	if shared.IsDevelopment(config) {
		shared.PrintConfig(config)
	}

	logger, err := shared.NewLogger(config)
	if err != nil {
		return err
	}
	defer logger.Sync()
	zap.ReplaceGlobals(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// 2. Open the Cache and the Remote Store
	store, err := cache.Open(config.Cache, logger)
	if err != nil {
		return err
	}
	defer store.Close()

	adapter, err := remote.Open(ctx, config, logger)
	if err != nil {
		return fmt.Errorf("remote store: %w", err)
	}
	defer adapter.Close(context.Background())

	// 3. Wire the Engine and Routes
	engine := reconcile.New(store, adapter, config.Reconcile, logger)
	router := gateway.SetupRoutes(handlers.NewReconcileHandler(engine, logger), config.HTTP)

	server := &http.Server{
		Addr:         ":" + config.HTTP.Port,
		Handler:      router,
		ReadTimeout:  config.HTTP.ReadTimeout,
		WriteTimeout: config.HTTP.WriteTimeout,
		IdleTimeout:  60 * time.Second,
	}

	listener, err := net.Listen("tcp", ":"+config.GRPC.HealthPort)
	if err != nil {
		return fmt.Errorf("failed to listen on port %s: %w", config.GRPC.HealthPort, err)
	}
	health := gateway.NewHealthServer()

	// 4. Serve until a signal arrives
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("Gateway listening", zap.String("port", config.HTTP.Port))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("HTTP server error: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		logger.Info("Health server listening", zap.String("port", config.GRPC.HealthPort))
		return health.Serve(listener)
	})
	health.SetServing(true)

	// 5. Graceful Shutdown
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("Shutting down gateway")
		health.Stop()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		return err
	}
	logger.Info("Gateway stopped")
	return nil
}
