package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	config "pipecheck/configs"
	"pipecheck/pkg/api"
	"pipecheck/pkg/check/rowcount"
	"pipecheck/pkg/governance"
	"pipecheck/pkg/governance/etcd"
	"pipecheck/pkg/logger"
	tracing "pipecheck/pkg/observability"
	"pipecheck/pkg/resilience"
	"pipecheck/pkg/storage/postgres"
	"pipecheck/pkg/storage/redis"
)

func main() {
	cfg := config.LoadConfig()

	log, err := logger.Init(logger.Config{
		Level:      cfg.LogLevel,
		Encoding:   cfg.LogEncoding,
		OutputPath: "stdout",
		Service:    "pipecheck-api",
		NodeID:     cfg.NodeID,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	tp, err := tracing.Init(ctx, tracing.Config{
		ServiceName:    "pipecheck-api",
		ServiceVersion: "0.1.0",
		NodeID:         cfg.NodeID,
		Endpoint:       cfg.TracingEndpoint,
		Enabled:        cfg.TracingEnabled,
		SamplingRate:   cfg.TracingSampling,
	})
	if err != nil {
		log.Fatal("failed to initialize tracing", zap.Error(err))
	}

	store, err := postgres.NewPostgresStore(cfg.DSN())
	if err != nil {
		log.Fatal("failed to initialize storage", zap.Error(err))
	}
	defer store.Close()

	queue, err := redis.NewCommandQueue(cfg.RedisAddr())
	if err != nil {
		log.Fatal("failed to initialize command queue", zap.Error(err))
	}
	defer queue.Close()

	breaker := resilience.NewCircuitBreaker("etcd", resilience.DefaultCircuitBreakerConfig())
	coord, err := etcd.NewEtcdCoordinator(cfg.EtcdEndpoints, cfg.NodeTTL, breaker)
	if err != nil {
		log.Fatal("failed to connect to etcd", zap.Error(err))
	}
	defer coord.Close()

	// no Local: this process runs no checks, GET /check-jobs is always empty
	server := api.NewServer(api.Config{
		Port:       cfg.APIPort,
		NodeID:     cfg.NodeID,
		Algorithms: []string{rowcount.AlgorithmType},
		Configs:    store,
		Progress:   store,
		Queue:      queue,
		Results:    governance.NewFactory(coord.Repository, governance.WithLogger(log)),
		Nodes:      coord,
		Logger:     log,
	})

	go func() {
		if err := server.Start(); err != nil {
			log.Error("api server stopped", zap.Error(err))
			cancel()
		}
	}()
	log.Info("control plane api started", zap.String("port", cfg.APIPort))

	<-ctx.Done()
	log.Info("shutting down")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Warn("api shutdown error", zap.Error(err))
	}
	if err := tp.Shutdown(shutdownCtx); err != nil {
		log.Warn("tracer shutdown error", zap.Error(err))
	}
	log.Info("shutdown complete")
}
