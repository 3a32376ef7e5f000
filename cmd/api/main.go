package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	amqp "github.com/rabbitmq/amqp091-go"
	redisclient "github.com/redis/go-redis/v9"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"golang.org/x/sync/errgroup"

	"github.com/robertarktes/experience-bookings/internal/adapters/crdb"
	mongoadapter "github.com/robertarktes/experience-bookings/internal/adapters/mongo"
	"github.com/robertarktes/experience-bookings/internal/adapters/rabbit"
	redisadapter "github.com/robertarktes/experience-bookings/internal/adapters/redis"
	"github.com/robertarktes/experience-bookings/internal/availability"
	"github.com/robertarktes/experience-bookings/internal/booking"
	"github.com/robertarktes/experience-bookings/internal/cleanup"
	"github.com/robertarktes/experience-bookings/internal/config"
	httphandler "github.com/robertarktes/experience-bookings/internal/http"
	"github.com/robertarktes/experience-bookings/internal/idempotency"
	"github.com/robertarktes/experience-bookings/internal/observability"
	"github.com/robertarktes/experience-bookings/internal/rateLimit"
	"github.com/robertarktes/experience-bookings/internal/webhook"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownOtel, err := observability.SetupOTel(ctx, cfg, "bookings-api")
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
	if err := repo.Migrate(ctx); err != nil {
		log.Fatalf("failed to migrate schema: %v", err)
	}

	checks := map[string]func(context.Context) error{"crdb": repo.Ping}
	deps := httphandler.Deps{Checks: checks, Logger: logger}

	var (
		bookingOpts []booking.Option
		cleanupOpts []cleanup.Option
		rl          *rateLimit.RateLimiter
		idemp       *idempotency.Idempotency
		redisCache  *redisadapter.Cache
	)
	if cfg.RedisAddr != "" {
		redisClient := redisclient.NewClient(&redisclient.Options{Addr: cfg.RedisAddr})
		defer redisClient.Close()
		redisCache = redisadapter.NewCache(redisClient)
		rl = rateLimit.NewRateLimiter(redisCache, logger)
		idemp = idempotency.NewIdempotency(redisadapter.NewIdempotency(redisClient), 24*time.Hour)
		cleanupOpts = append(cleanupOpts, cleanup.WithLease(redisadapter.NewLease(redisClient)))
		checks["redis"] = redisCache.Ping
	}

	if cfg.MongoURI != "" {
		mongoClient, err := mongo.Connect(ctx, options.Client().ApplyURI(cfg.MongoURI))
		if err != nil {
			log.Fatalf("failed to connect to mongo: %v", err)
		}
		defer mongoClient.Disconnect(context.Background())
		db := mongoClient.Database("bookings")

		audit := mongoadapter.NewAuditLogger(db, logger)
		bookingOpts = append(bookingOpts, booking.WithAuditor(audit))
		cleanupOpts = append(cleanupOpts, cleanup.WithAuditor(audit))
		checks["mongo"] = func(ctx context.Context) error { return mongoClient.Ping(ctx, nil) }

		catalog := mongoadapter.NewCatalogRepository(db, logger)
		bookingOpts = append(bookingOpts, booking.WithHostDirectory(catalog))
		var cache availability.JSONCache
		if redisCache != nil {
			cache = redisCache
		}
		deps.Timezones = availability.NewTimezoneResolver(catalog, cache, logger)
	}

	var rabbitConn *amqp.Connection
	if cfg.RabbitURL != "" {
		rabbitConn, err = amqp.Dial(cfg.RabbitURL)
		if err != nil {
			log.Fatalf("failed to connect to rabbitmq: %v", err)
		}
		defer rabbitConn.Close()
		rabbitPub, err := rabbit.NewPublisher(rabbitConn)
		if err != nil {
			log.Fatalf("failed to create publisher: %v", err)
		}
		defer rabbitPub.Close()
		cleanupOpts = append(cleanupOpts, cleanup.WithPaymentCanceller(rabbitPub))
	}

	bookings := booking.NewService(repo, logger, cfg.HoldTTL, bookingOpts...)
	processor := webhook.NewProcessor(repo, bookings, "payments", logger)

	deps.Bookings = bookings
	deps.Expander = availability.NewExpander(repo, logger)
	deps.Webhooks = processor
	deps.Cleanup = cleanup.NewScheduler(repo, logger, cleanup.Config{
		OrphanGrace:       cfg.OrphanGrace,
		StalePendingGrace: cfg.StalePendingGrace,
		BatchSize:         cfg.CleanupBatchSize,
		LeaseTTL:          cfg.CleanupLeaseTTL,
	}, cleanupOpts...)

	handlers := httphandler.NewHandlers(cfg, deps)
	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           httphandler.SetupRouter(handlers, rl, idemp),
		ReadHeaderTimeout: 5 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.WithField("addr", cfg.HTTPAddr).Info("api listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("Shutdown Server ...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	if rabbitConn != nil {
		consumer, err := rabbit.NewConsumer(rabbitConn, rabbit.PaymentEventsQueue, rabbit.PaymentEventsKey, logger)
		if err != nil {
			log.Fatalf("failed to create consumer: %v", err)
		}
		g.Go(func() error {
			return consumer.Consume(gctx, processor.HandleMessage)
		})
	}

	if err := g.Wait(); err != nil {
		logger.WithError(err).Error("api stopped with error")
		os.Exit(1)
	}
	logger.Info("Server exiting")
}
