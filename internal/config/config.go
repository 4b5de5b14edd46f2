package config

import (
	"log/slog"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

const (
	MinBatchSize = 1
	MaxBatchSize = 1000
)

// Config carries every tunable for both binaries. syncd reads the server
// half, posd the agent half; shared knobs (logging, batch size) apply to
// both.
type Config struct {
	// Shared
	LogLevel  string
	LogFormat string
	BatchSize int

	// Server (syncd)
	ListenAddr    string
	HeadOfficeURL string
	RabbitMQURL   string
	// BranchesFile points to an optional JSON list of BranchDescriptors
	// used when no head-office database is configured (dev/test setups).
	BranchesFile string
	// PoolMaxConns is the per-branch pool size for descriptors that do
	// not set their own MaxConns; PoolTimeout bounds establishing and
	// probing a branch handle.
	PoolMaxConns int
	PoolTimeout  time.Duration

	// Agent (posd)
	BranchID      string
	ServerURL     string
	QueuePath     string
	AgentAddr     string
	PollInterval  time.Duration
	SubmitTimeout time.Duration
	MaxRetries    int
	BackoffMin    time.Duration
	BackoffMax    time.Duration
}

func Load() *Config {
	_ = godotenv.Load()

	batchSize := getEnvInt("BATCH_SIZE", 100)
	if batchSize > MaxBatchSize {
		slog.Warn("BATCH_SIZE exceeds safety limit. Clamping to maximum", "requested", batchSize, "limit", MaxBatchSize)
		batchSize = MaxBatchSize
	} else if batchSize < MinBatchSize {
		batchSize = MinBatchSize
	}

	return &Config{
		LogLevel:  getEnv("LOG_LEVEL", "INFO"),
		LogFormat: getEnv("LOG_FORMAT", "TEXT"),
		BatchSize: batchSize,

		ListenAddr:    getEnv("LISTEN_ADDR", ":8080"),
		HeadOfficeURL: getEnv("HEAD_OFFICE_URL", ""),
		RabbitMQURL:   getEnv("RABBITMQ_URL", ""),
		BranchesFile:  getEnv("BRANCHES_FILE", ""),
		PoolMaxConns:  getEnvInt("POOL_MAX_CONNS", 5),
		PoolTimeout:   getEnvDuration("POOL_TIMEOUT_SEC", 5*time.Second),

		BranchID:      getEnv("BRANCH_ID", ""),
		ServerURL:     getEnv("SERVER_URL", "http://localhost:8080"),
		QueuePath:     getEnv("QUEUE_PATH", "possync.db"),
		AgentAddr:     getEnv("AGENT_ADDR", ":8090"),
		PollInterval:  getEnvDuration("POLL_INTERVAL_SEC", 5*time.Second),
		SubmitTimeout: getEnvDuration("SUBMIT_TIMEOUT_SEC", 15*time.Second),
		MaxRetries:    getEnvInt("MAX_RETRIES", 3),
		BackoffMin:    getEnvDuration("BACKOFF_MIN_SEC", 1*time.Second),
		BackoffMax:    getEnvDuration("BACKOFF_MAX_SEC", 60*time.Second),
	}
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if value, ok := os.LookupEnv(key); ok {
		if i, err := strconv.Atoi(value); err == nil {
			return i
		}
	}
	return fallback
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	if value, ok := os.LookupEnv(key); ok {
		if i, err := strconv.Atoi(value); err == nil {
			return time.Duration(i) * time.Second
		}
	}
	return fallback
}
