package main

import (
	"context"
	"log"
	"os/signal"
	"syscall"

	"github.com/jackc/pgx/v5/pgxpool"
	amqp "github.com/rabbitmq/amqp091-go"
	redisclient "github.com/redis/go-redis/v9"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/robertarktes/experience-bookings/internal/adapters/crdb"
	mongoadapter "github.com/robertarktes/experience-bookings/internal/adapters/mongo"
	"github.com/robertarktes/experience-bookings/internal/adapters/rabbit"
	redisadapter "github.com/robertarktes/experience-bookings/internal/adapters/redis"
	"github.com/robertarktes/experience-bookings/internal/cleanup"
	"github.com/robertarktes/experience-bookings/internal/config"
	"github.com/robertarktes/experience-bookings/internal/observability"
)

// The expiry worker runs the cleanup scheduler on an interval. Several
// replicas may run; the Redis lease keeps one pass active at a time.
func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownOtel, err := observability.SetupOTel(ctx, cfg, "bookings-expiry-worker")
	if err != nil {
		log.Fatalf("failed to setup otel: %v", err)
	}
	defer shutdownOtel()

	logger := observability.NewLogger()

	pool, err := pgxpool.New(ctx, cfg.CRDBDSN)
	if err != nil {
		log.Fatalf("failed to connect to crdb: %v", err)
	}
	defer pool.Close()
	repo := crdb.NewRepository(pool,
		crdb.WithLockTimeout(cfg.LockTimeout),
		crdb.WithRetries(cfg.TxMaxRetries, cfg.TxRetryInitial),
		crdb.WithLogger(logger),
	)

	var opts []cleanup.Option
	if cfg.RedisAddr != "" {
		redisClient := redisclient.NewClient(&redisclient.Options{Addr: cfg.RedisAddr})
		defer redisClient.Close()
		opts = append(opts, cleanup.WithLease(redisadapter.NewLease(redisClient)))
	}

	if cfg.RabbitURL != "" {
		conn, err := amqp.Dial(cfg.RabbitURL)
		if err != nil {
			log.Fatalf("failed to connect to rabbitmq: %v", err)
		}
		defer conn.Close()
		rabbitPub, err := rabbit.NewPublisher(conn)
		if err != nil {
			log.Fatalf("failed to create publisher: %v", err)
		}
		defer rabbitPub.Close()
		opts = append(opts, cleanup.WithPaymentCanceller(rabbitPub))
	} else {
		logger.Warn("RABBIT_URL not set, stale payments are cancelled without notifying the provider")
	}

	if cfg.MongoURI != "" {
		mongoClient, err := mongo.Connect(ctx, options.Client().ApplyURI(cfg.MongoURI))
		if err != nil {
			log.Fatalf("failed to connect to mongo: %v", err)
		}
		defer mongoClient.Disconnect(context.Background())
		opts = append(opts, cleanup.WithAuditor(mongoadapter.NewAuditLogger(mongoClient.Database("bookings"), logger)))
	}

	scheduler := cleanup.NewScheduler(repo, logger, cleanup.Config{
		OrphanGrace:       cfg.OrphanGrace,
		StalePendingGrace: cfg.StalePendingGrace,
		BatchSize:         cfg.CleanupBatchSize,
		LeaseTTL:          cfg.CleanupLeaseTTL,
	}, opts...)

	logger.WithField("interval", cfg.CleanupInterval.String()).Info("expiry worker started")
	scheduler.Run(ctx, cfg.CleanupInterval)
	logger.Info("Shutdown expiry worker")
}
