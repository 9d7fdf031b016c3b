package config

import (
	"os"
	"runtime"
	"strconv"
	"strings"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
)

type Config struct {
	NodeID string

	DBHost     string
	DBPort     string
	DBUser     string
	DBPassword string
	DBName     string
	RedisHost  string
	RedisPort  string

	EtcdEndpoints []string
	NodeTTL       int
	ElectionTTL   int

	APIPort           string
	EngineConcurrency int
	CommandConsumers  int

	LogLevel    string
	LogEncoding string

	TracingEnabled  bool
	TracingEndpoint string
	TracingSampling float64

	ReportBucket   string
	ReportRegion   string
	ReportEndpoint string
	ReportDir      string

	BreakerFailures int
	BreakerTimeout  time.Duration

	ReconcileInterval time.Duration
	HeartbeatInterval time.Duration
}

func LoadConfig() *Config {
	return &Config{
		NodeID:            getEnv("NODE_ID", ""),
		DBHost:            getEnv("DB_HOST", "localhost"),
		DBPort:            getEnv("DB_PORT", "5432"),
		DBUser:            getEnv("DB_USER", "pipecheck"),
		DBPassword:        getEnv("DB_PASSWORD", "password"),
		DBName:            getEnv("DB_NAME", "pipecheck"),
		RedisHost:         getEnv("REDIS_HOST", "localhost"),
		RedisPort:         getEnv("REDIS_PORT", "6379"),
		EtcdEndpoints:     getEnvAsList("ETCD_ENDPOINTS", []string{"localhost:2379"}),
		NodeTTL:           getEnvAsInt("NODE_TTL", 10),
		ElectionTTL:       getEnvAsInt("LEADER_ELECTION_TTL", 15),
		APIPort:           getEnv("API_PORT", "8080"),
		EngineConcurrency: getEnvAsInt("ENGINE_CONCURRENCY", detectCPUCount()),
		CommandConsumers:  getEnvAsInt("COMMAND_CONSUMERS", 2),
		LogLevel:          getEnv("LOG_LEVEL", "info"),
		LogEncoding:       getEnv("LOG_ENCODING", "json"),
		TracingEnabled:    getEnvAsBool("TRACING_ENABLED", false),
		TracingEndpoint:   getEnv("TRACING_ENDPOINT", "localhost:4318"),
		TracingSampling:   getEnvAsFloat("TRACING_SAMPLING_RATE", 1.0),
		ReportBucket:      getEnv("REPORT_BUCKET", ""),
		ReportRegion:      getEnv("REPORT_REGION", "us-east-1"),
		ReportEndpoint:    getEnv("REPORT_ENDPOINT", ""),
		ReportDir:         getEnv("REPORT_DIR", ""),
		BreakerFailures:   getEnvAsInt("BREAKER_FAILURES", 5),
		BreakerTimeout:    getEnvAsDuration("BREAKER_TIMEOUT", 30*time.Second),
		ReconcileInterval: getEnvAsDuration("RECONCILE_INTERVAL", 30*time.Second),
		HeartbeatInterval: getEnvAsDuration("HEARTBEAT_INTERVAL", 5*time.Second),
	}
}

// DSN returns the postgres connection string.
func (c *Config) DSN() string {
	return "host=" + c.DBHost + " user=" + c.DBUser + " password=" + c.DBPassword +
		" dbname=" + c.DBName + " port=" + c.DBPort + " sslmode=disable"
}

func (c *Config) RedisAddr() string {
	return c.RedisHost + ":" + c.RedisPort
}

func detectCPUCount() int {
	if n, err := cpu.Counts(true); err == nil && n > 0 {
		return n
	}
	return runtime.NumCPU()
}

func getEnv(key, fallback string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return fallback
}

func getEnvAsInt(key string, fallback int) int {
	valueStr := getEnv(key, "")
	if value, err := strconv.Atoi(valueStr); err == nil {
		return value
	}
	return fallback
}

func getEnvAsFloat(key string, fallback float64) float64 {
	valueStr := getEnv(key, "")
	if value, err := strconv.ParseFloat(valueStr, 64); err == nil {
		return value
	}
	return fallback
}

func getEnvAsBool(key string, fallback bool) bool {
	valueStr := getEnv(key, "")
	if value, err := strconv.ParseBool(valueStr); err == nil {
		return value
	}
	return fallback
}

func getEnvAsDuration(key string, fallback time.Duration) time.Duration {
	valueStr := getEnv(key, "")
	if value, err := time.ParseDuration(valueStr); err == nil {
		return value
	}
	return fallback
}

func getEnvAsList(key string, fallback []string) []string {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return fallback
	}
	var out []string
	for _, v := range strings.Split(valueStr, ",") {
		if v = strings.TrimSpace(v); v != "" {
			out = append(out, v)
		}
	}
	if len(out) == 0 {
		return fallback
	}
	return out
}
