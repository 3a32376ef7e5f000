package crdb

import (
	"context"
	_ "embed"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/cockroachdb/errors"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/robertarktes/experience-bookings/internal/domain"
	"github.com/robertarktes/experience-bookings/internal/observability"
)

const (
	SerializationFailureCode = "40001"
	DeadlockDetectedCode     = "40P01"
	LockNotAvailableCode     = "55P03"
	UniqueViolationCode      = "23505"
)

//go:embed schema.sql
var schema string

// Querier is satisfied by both *pgxpool.Pool and pgx.Tx.
type Querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

type Repository struct {
	pool         *pgxpool.Pool
	lockTimeout  time.Duration
	maxRetries   uint64
	retryInitial time.Duration
	logger       observability.Logger
}

type Option func(*Repository)

func WithLockTimeout(d time.Duration) Option {
	return func(r *Repository) { r.lockTimeout = d }
}

func WithRetries(max uint64, initial time.Duration) Option {
	return func(r *Repository) {
		r.maxRetries = max
		r.retryInitial = initial
	}
}

func WithLogger(l observability.Logger) Option {
	return func(r *Repository) { r.logger = l }
}

func NewRepository(pool *pgxpool.Pool, opts ...Option) *Repository {
	r := &Repository{
		pool:         pool,
		lockTimeout:  5 * time.Second,
		maxRetries:   3,
		retryInitial: 50 * time.Millisecond,
		logger:       observability.NewNopLogger(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func (r *Repository) Pool() *pgxpool.Pool {
	return r.pool
}

func (r *Repository) Migrate(ctx context.Context) error {
	_, err := r.pool.Exec(ctx, schema)
	return errors.Wrap(err, "apply schema")
}

func (r *Repository) Ping(ctx context.Context) error {
	return r.pool.Ping(ctx)
}

// WithTx runs fn under the Serializable policy, used for every capacity- or
// money-affecting mutation.
func (r *Repository) WithTx(ctx context.Context, fn func(tx pgx.Tx) error) error {
	return r.WithIsolation(ctx, pgx.Serializable, fn)
}

// WithSnapshot runs fn under Repeatable Read for multi-statement reads that
// need a stable snapshot but make no capacity decisions.
func (r *Repository) WithSnapshot(ctx context.Context, fn func(tx pgx.Tx) error) error {
	return r.WithIsolation(ctx, pgx.RepeatableRead, fn)
}

// WithIsolation runs fn in a transaction opened at iso. Serialization
// failures, deadlocks and lock-wait timeouts are retried with exponential
// backoff; once retries are exhausted the transient error is returned so the
// caller can surface it as a try-again outcome. fn may run more than once.
func (r *Repository) WithIsolation(ctx context.Context, iso pgx.TxIsoLevel, fn func(tx pgx.Tx) error) error {
	attempt := 0
	op := func() error {
		attempt++
		err := r.runTx(ctx, iso, fn)
		if err == nil {
			return nil
		}
		if domain.IsTransient(err) {
			observability.DBTxRetries.WithLabelValues(transientCause(err)).Inc()
			r.logger.WithFields(map[string]interface{}{
				"attempt":   attempt,
				"isolation": string(iso),
			}).WithError(err).Warn("transient transaction failure")
			return err
		}
		return backoff.Permanent(err)
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = r.retryInitial
	b.MaxInterval = 2 * time.Second
	return backoff.Retry(op, backoff.WithContext(backoff.WithMaxRetries(b, r.maxRetries), ctx))
}

func (r *Repository) runTx(ctx context.Context, iso pgx.TxIsoLevel, fn func(tx pgx.Tx) error) error {
	start := time.Now()
	defer func() {
		observability.DBTxDuration.WithLabelValues(string(iso)).Observe(time.Since(start).Seconds())
	}()

	// The isolation level is part of BEGIN, so it is in effect before fn's
	// first statement.
	tx, err := r.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: iso})
	if err != nil {
		return classify(err)
	}
	defer tx.Rollback(ctx)

	if r.lockTimeout > 0 {
		stmt := fmt.Sprintf("SET LOCAL lock_timeout = '%dms'", r.lockTimeout.Milliseconds())
		if _, err := tx.Exec(ctx, stmt); err != nil {
			return classify(err)
		}
	}

	if err := fn(tx); err != nil {
		return classify(err)
	}

	return classify(tx.Commit(ctx))
}

func classify(err error) error {
	if err == nil {
		return nil
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case SerializationFailureCode, DeadlockDetectedCode:
			return errors.Mark(err, domain.ErrSerializationFailure)
		case LockNotAvailableCode:
			return errors.Mark(err, domain.ErrLockTimeout)
		}
	}
	return err
}

func transientCause(err error) string {
	if errors.Is(err, domain.ErrLockTimeout) {
		return "lock_timeout"
	}
	return "serialization"
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == UniqueViolationCode
}
