package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	config "pipecheck/configs"
	"pipecheck/pkg/governance/etcd"
	"pipecheck/pkg/logger"
	"pipecheck/pkg/resilience"
	"pipecheck/pkg/scheduler"
	"pipecheck/pkg/storage/postgres"
)

func main() {
	cfg := config.LoadConfig()

	self := cfg.NodeID
	if self == "" {
		hostname, err := os.Hostname()
		if err != nil {
			hostname = "scheduler"
		}
		self = hostname + "-" + uuid.NewString()[:8]
	}

	log, err := logger.Init(logger.Config{
		Level:      cfg.LogLevel,
		Encoding:   cfg.LogEncoding,
		OutputPath: "stdout",
		Service:    "pipecheck-scheduler",
		NodeID:     self,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	store, err := postgres.NewPostgresStore(cfg.DSN())
	if err != nil {
		log.Fatal("failed to initialize storage", zap.Error(err))
	}
	defer store.Close()
	log.Info("postgres connected")

	breaker := resilience.NewCircuitBreaker("etcd", resilience.CircuitBreakerConfig{
		FailureThreshold: cfg.BreakerFailures,
		SuccessThreshold: 2,
		Timeout:          cfg.BreakerTimeout,
		MaxRequests:      3,
	})
	coord, err := etcd.NewEtcdCoordinator(cfg.EtcdEndpoints, cfg.ElectionTTL, breaker)
	if err != nil {
		log.Fatal("failed to connect to etcd", zap.Error(err))
	}
	defer coord.Close()

	election := coord.NewElection("pipecheck-reconciler")
	log.Info("campaigning for leadership", zap.String("candidate", self))
	if err := election.Campaign(ctx, self); err != nil {
		if ctx.Err() != nil {
			log.Info("shutdown before leadership was acquired")
			return
		}
		log.Fatal("election campaign failed", zap.Error(err))
	}
	log.Info("acquired leadership")

	core := scheduler.NewCore(store, coord, cfg.ReconcileInterval, log)
	core.Run(ctx, election, self)

	// resign so a standby takes over without waiting for the lease to expire
	resignCtx, resignCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer resignCancel()
	if err := election.Resign(resignCtx); err != nil {
		log.Warn("failed to resign leadership", zap.Error(err))
	} else {
		log.Info("leadership resigned")
	}
	log.Info("shutdown complete")
}
