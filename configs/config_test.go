package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestLoadConfig_Defaults(t *testing.T) {
	cfg := LoadConfig()

	assert.Equal(t, []string{"localhost:2379"}, cfg.EtcdEndpoints)
	assert.Equal(t, "localhost:6379", cfg.RedisAddr())
	assert.Equal(t, 30*time.Second, cfg.ReconcileInterval)
	assert.Positive(t, cfg.EngineConcurrency)
	assert.False(t, cfg.TracingEnabled)
}

func TestLoadConfig_FromEnv(t *testing.T) {
	t.Setenv("ETCD_ENDPOINTS", "etcd-0:2379, etcd-1:2379,,")
	t.Setenv("ENGINE_CONCURRENCY", "3")
	t.Setenv("TRACING_ENABLED", "true")
	t.Setenv("TRACING_SAMPLING_RATE", "0.25")
	t.Setenv("RECONCILE_INTERVAL", "1m")
	t.Setenv("DB_HOST", "pg")

	cfg := LoadConfig()

	assert.Equal(t, []string{"etcd-0:2379", "etcd-1:2379"}, cfg.EtcdEndpoints)
	assert.Equal(t, 3, cfg.EngineConcurrency)
	assert.True(t, cfg.TracingEnabled)
	assert.InDelta(t, 0.25, cfg.TracingSampling, 1e-9)
	assert.Equal(t, time.Minute, cfg.ReconcileInterval)
	assert.Contains(t, cfg.DSN(), "host=pg ")
}

func TestLoadConfig_InvalidValuesFallBack(t *testing.T) {
	t.Setenv("NODE_TTL", "ten")
	t.Setenv("BREAKER_TIMEOUT", "soon")
	t.Setenv("TRACING_ENABLED", "maybe")

	cfg := LoadConfig()

	assert.Equal(t, 10, cfg.NodeTTL)
	assert.Equal(t, 30*time.Second, cfg.BreakerTimeout)
	assert.False(t, cfg.TracingEnabled)
}
