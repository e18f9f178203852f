// Package storage provides the PostgreSQL storage layer for chant.
//
// It manages connection pooling (via pgxpool), a dedicated connection for
// LISTEN/NOTIFY, row-locked transactions for seat assignment and vote
// casting, COPY-based vote ingestion, and the tier task outbox.
package storage

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/unitychant/chant/internal/telemetry"
)

// Transaction retry policy for serialization failures, deadlocks and lock
// timeouts.
const (
	txMaxRetries = 3
	txBaseDelay  = 20 * time.Millisecond
	txMaxDelay   = 500 * time.Millisecond

	// lockTimeout caps how long a statement waits for a row lock. A join
	// stuck behind a hot cell fails with 55P03 and is retried instead of
	// holding a pool connection indefinitely.
	lockTimeout = "5s"
)

// DB wraps a pgxpool.Pool for normal queries and a dedicated pgx.Conn for
// LISTEN/NOTIFY.
type DB struct {
	pool       *pgxpool.Pool
	notifyConn *pgx.Conn
	logger     *slog.Logger
	retry      RetryPolicy
}

// New creates a new DB with a connection pool.
// notifyDSN should point directly to Postgres for LISTEN/NOTIFY support;
// empty disables it.
func New(ctx context.Context, poolDSN, notifyDSN string, logger *slog.Logger) (*DB, error) {
	poolCfg, err := pgxpool.ParseConfig(poolDSN)
	if err != nil {
		return nil, fmt.Errorf("storage: parse pool DSN: %w", err)
	}
	if _, ok := poolCfg.ConnConfig.RuntimeParams["lock_timeout"]; !ok {
		poolCfg.ConnConfig.RuntimeParams["lock_timeout"] = lockTimeout
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("storage: create pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("storage: ping pool: %w", err)
	}

	var notifyConn *pgx.Conn
	if notifyDSN != "" {
		notifyConn, err = pgx.Connect(ctx, notifyDSN)
		if err != nil {
			pool.Close()
			return nil, fmt.Errorf("storage: connect notify: %w", err)
		}
	}

	db := &DB{
		pool:       pool,
		notifyConn: notifyConn,
		logger:     logger,
	}
	db.retry = db.txRetryPolicy()
	return db, nil
}

// txRetryPolicy logs every retried transaction and counts it by SQLSTATE.
func (db *DB) txRetryPolicy() RetryPolicy {
	retries, _ := telemetry.Meter("chant/storage").Int64Counter("chant.db.tx.retries",
		metric.WithDescription("Transactions re-run after a transient conflict"))
	return RetryPolicy{
		MaxRetries: txMaxRetries,
		BaseDelay:  txBaseDelay,
		MaxDelay:   txMaxDelay,
		OnRetry: func(attempt int, code string, wait time.Duration) {
			db.logger.Debug("storage: retrying transaction", "attempt", attempt, "sqlstate", code, "wait", wait)
			retries.Add(context.Background(), 1, metric.WithAttributes(attribute.String("sqlstate", code)))
		},
	}
}

// Pool returns the underlying connection pool for use by other packages.
func (db *DB) Pool() *pgxpool.Pool {
	return db.pool
}

// HasNotifyConn reports whether LISTEN/NOTIFY is configured.
func (db *DB) HasNotifyConn() bool {
	return db.notifyConn != nil
}

// Ping checks connectivity to the database.
func (db *DB) Ping(ctx context.Context) error {
	return db.pool.Ping(ctx)
}

// Close shuts down the connection pool and notify connection.
func (db *DB) Close(ctx context.Context) {
	db.pool.Close()
	if db.notifyConn != nil {
		if err := db.notifyConn.Close(ctx); err != nil {
			db.logger.Warn("storage: close notify connection", "error", err)
		}
	}
}

// InTx runs fn inside a transaction and commits when fn returns nil.
// The whole attempt is retried on serialization failures, deadlocks and lock
// timeouts, so fn must not have side effects outside the transaction.
func (db *DB) InTx(ctx context.Context, fn func(*Tx) error) error {
	return db.retry.Do(ctx, func() error {
		tx, err := db.pool.Begin(ctx)
		if err != nil {
			return fmt.Errorf("storage: begin tx: %w", err)
		}
		defer func() { _ = tx.Rollback(ctx) }()

		if err := fn(&Tx{tx: tx}); err != nil {
			return err
		}
		if err := tx.Commit(ctx); err != nil {
			return fmt.Errorf("storage: commit tx: %w", err)
		}
		return nil
	})
}

// RegisterPoolMetrics exposes pool saturation as observable gauges.
func (db *DB) RegisterPoolMetrics() {
	meter := telemetry.Meter("chant/storage")

	_, _ = meter.Int64ObservableGauge("chant.db.pool.acquired",
		metric.WithDescription("Connections currently checked out of the pool"),
		metric.WithInt64Callback(func(_ context.Context, o metric.Int64Observer) error {
			o.Observe(int64(db.pool.Stat().AcquiredConns()))
			return nil
		}),
	)
	_, _ = meter.Int64ObservableGauge("chant.db.pool.idle",
		metric.WithDescription("Idle connections in the pool"),
		metric.WithInt64Callback(func(_ context.Context, o metric.Int64Observer) error {
			o.Observe(int64(db.pool.Stat().IdleConns()))
			return nil
		}),
	)
}

// Tx is an open engine transaction. Row locks taken through it are held
// until InTx commits or rolls back.
type Tx struct {
	tx pgx.Tx
}
