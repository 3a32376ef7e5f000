package config

import (
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

type Config struct {
	CRDBDSN      string `envconfig:"CRDB_DSN" required:"true"`
	MongoURI     string `envconfig:"MONGO_URI"`
	RedisAddr    string `envconfig:"REDIS_ADDR" default:"localhost:6379"`
	RabbitURL    string `envconfig:"RABBIT_URL"`
	JWTSecret    string `envconfig:"JWT_SECRET"`
	AdminToken   string `envconfig:"ADMIN_TOKEN"`
	HTTPAddr     string `envconfig:"HTTP_ADDR" default:":8080"`
	OTLPEndpoint string `envconfig:"OTEL_EXPORTER_OTLP_ENDPOINT"`

	HoldTTL        time.Duration `envconfig:"HOLD_TTL" default:"10m"`
	LockTimeout    time.Duration `envconfig:"LOCK_TIMEOUT" default:"5s"`
	TxMaxRetries   uint64        `envconfig:"TX_MAX_RETRIES" default:"3"`
	TxRetryInitial time.Duration `envconfig:"TX_RETRY_INITIAL" default:"50ms"`

	// Cleanup grace windows are tunable, not contractual.
	CleanupInterval   time.Duration `envconfig:"CLEANUP_INTERVAL" default:"1m"`
	OrphanGrace       time.Duration `envconfig:"ORPHAN_GRACE" default:"5m"`
	StalePendingGrace time.Duration `envconfig:"STALE_PENDING_GRACE" default:"45m"`
	CleanupBatchSize  int           `envconfig:"CLEANUP_BATCH_SIZE" default:"100"`
	CleanupLeaseTTL   time.Duration `envconfig:"CLEANUP_LEASE_TTL" default:"55s"`

	DefaultHorizonMonths int           `envconfig:"DEFAULT_HORIZON_MONTHS" default:"1"`
	OutboxInterval       time.Duration `envconfig:"OUTBOX_INTERVAL" default:"5s"`
	OutboxBatchSize      int           `envconfig:"OUTBOX_BATCH_SIZE" default:"50"`
}

func Load() (*Config, error) {
	_ = godotenv.Load()

	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}
