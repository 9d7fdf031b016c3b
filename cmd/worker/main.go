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
	"pipecheck/pkg/check"
	"pipecheck/pkg/check/rowcount"
	"pipecheck/pkg/consistencycheck"
	"pipecheck/pkg/execute"
	"pipecheck/pkg/executor"
	"pipecheck/pkg/governance"
	"pipecheck/pkg/governance/etcd"
	"pipecheck/pkg/jobapi"
	"pipecheck/pkg/logger"
	"pipecheck/pkg/migration"
	tracing "pipecheck/pkg/observability"
	"pipecheck/pkg/resilience"
	"pipecheck/pkg/storage"
	"pipecheck/pkg/storage/postgres"
	"pipecheck/pkg/storage/redis"
)

const version = "0.1.0"

func main() {
	cfg := config.LoadConfig()

	nodeID := cfg.NodeID
	if nodeID == "" {
		hostname, err := os.Hostname()
		if err != nil {
			hostname = "worker"
		}
		nodeID = executor.NewNodeID(hostname)
	}

	log, err := logger.Init(logger.Config{
		Level:      cfg.LogLevel,
		Encoding:   cfg.LogEncoding,
		OutputPath: "stdout",
		Service:    "pipecheck-worker",
		NodeID:     nodeID,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	tp, err := tracing.Init(ctx, tracing.Config{
		ServiceName:    "pipecheck-worker",
		ServiceVersion: version,
		NodeID:         nodeID,
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
	log.Info("postgres connected")

	queue, err := redis.NewCommandQueue(cfg.RedisAddr())
	if err != nil {
		log.Fatal("failed to initialize command queue", zap.Error(err))
	}
	defer queue.Close()
	log.Info("redis connected", zap.String("addr", cfg.RedisAddr()))

	breaker := resilience.NewCircuitBreaker("etcd", resilience.CircuitBreakerConfig{
		FailureThreshold: cfg.BreakerFailures,
		SuccessThreshold: 2,
		Timeout:          cfg.BreakerTimeout,
		MaxRequests:      3,
	})
	coord, err := etcd.NewEtcdCoordinator(cfg.EtcdEndpoints, cfg.NodeTTL, breaker)
	if err != nil {
		log.Fatal("failed to connect to etcd", zap.Error(err))
	}
	defer coord.Close()
	log.Info("etcd connected", zap.Strings("endpoints", cfg.EtcdEndpoints))

	factoryOpts := []governance.FactoryOption{governance.WithLogger(log)}
	archive, err := openReportStore(ctx, cfg)
	if err != nil {
		log.Fatal("failed to initialize report archive", zap.Error(err))
	}
	if archive != nil {
		factoryOpts = append(factoryOpts, governance.WithArchive(archive))
	}
	results := governance.NewFactory(coord.Repository, factoryOpts...)

	algorithms := check.NewRegistry()
	algorithms.Register(rowcount.AlgorithmType, rowcount.Factory)

	checkAPI := consistencycheck.NewJobAPI(nodeID, store, store, log)
	jobAPIs := jobapi.NewRegistry(checkAPI, migration.NewJobAPI(nodeID, store, store, algorithms))

	engine := execute.NewEngine("consistency-check", cfg.EngineConcurrency, log)
	node := executor.NewNode(
		executor.Config{
			ID:                nodeID,
			Consumers:         cfg.CommandConsumers,
			HeartbeatInterval: cfg.HeartbeatInterval,
			TTL:               cfg.NodeTTL,
			ShutdownTimeout:   20 * time.Second,
		},
		queue,
		coord,
		checkAPI,
		&consistencycheck.ProcessContext{ExecuteEngine: engine},
		consistencycheck.Dependencies{
			JobAPIs:    jobAPIs,
			Governance: results,
			Logger:     log,
			Tracer:     tp.Tracer(),
		},
	)
	checkAPI.BindStopper(node)

	server := api.NewServer(api.Config{
		Port:       cfg.APIPort,
		NodeID:     nodeID,
		Algorithms: algorithms.Types(),
		Configs:    store,
		Progress:   store,
		Queue:      queue,
		Results:    results,
		Nodes:      coord,
		Local:      node,
		Logger:     log,
	})
	go func() {
		if err := server.Start(); err != nil {
			log.Error("admin api stopped", zap.Error(err))
		}
	}()

	log.Info("worker started",
		zap.Int("engine_concurrency", cfg.EngineConcurrency),
		zap.Int("consumers", cfg.CommandConsumers),
		zap.Strings("algorithms", algorithms.Types()),
	)
	if err := node.Start(ctx); err != nil {
		log.Error("worker node stopped with error", zap.Error(err))
	}

	log.Info("shutting down")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Warn("admin api shutdown error", zap.Error(err))
	}
	if err := engine.Shutdown(shutdownCtx); err != nil {
		log.Warn("execute engine did not drain", zap.Error(err))
	}
	if err := tp.Shutdown(shutdownCtx); err != nil {
		log.Warn("tracer shutdown error", zap.Error(err))
	}
	log.Info("shutdown complete")
}

// openReportStore returns nil when no archive is configured.
func openReportStore(ctx context.Context, cfg *config.Config) (storage.ReportStore, error) {
	switch {
	case cfg.ReportBucket != "":
		return storage.NewS3ReportStore(ctx, storage.S3ReportStoreConfig{
			Bucket:          cfg.ReportBucket,
			Prefix:          "reports/consistency-check/",
			Region:          cfg.ReportRegion,
			Endpoint:        cfg.ReportEndpoint,
			AccessKeyID:     os.Getenv("AWS_ACCESS_KEY_ID"),
			SecretAccessKey: os.Getenv("AWS_SECRET_ACCESS_KEY"),
		})
	case cfg.ReportDir != "":
		return storage.NewLocalReportStore(cfg.ReportDir)
	default:
		return nil, nil
	}
}
