package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/coachpo/tally/errs"
	"github.com/coachpo/tally/internal/telemetry"
)

const (
	kvPutSQL = `
INSERT INTO kv_entries (table_name, key, value, updated_at)
VALUES (@table, @key, @value::jsonb, NOW())
ON CONFLICT (table_name, key) DO UPDATE SET
    value = EXCLUDED.value,
    updated_at = NOW();
`

	kvGetSQL = `
SELECT value FROM kv_entries WHERE table_name = @table AND key = @key;
`

	kvGetAllSQL = `
SELECT key, value FROM kv_entries WHERE table_name = @table ORDER BY key;
`

	kvDeleteSQL = `
DELETE FROM kv_entries WHERE table_name = @table AND key = @key;
`

	kvDeleteRangeSQL = `
DELETE FROM kv_entries WHERE table_name = @table AND key >= @from AND key < @to;
`
)

// Postgres is a Store keeping every logical table in one kv_entries
// relation, namespaced by the table_name column. Values are jsonb.
type Postgres struct {
	pool *pgxpool.Pool
}

// NewPostgres wraps an existing pgx pool. The caller owns migrations.
func NewPostgres(pool *pgxpool.Pool) *Postgres {
	return &Postgres{pool: pool}
}

// Connect builds a pooled Postgres store from a DSN.
func Connect(ctx context.Context, dsn string) (*Postgres, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("storage: pgx pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("storage: ping: %w", err)
	}
	ObservePoolMetrics(pool, "primary")
	return &Postgres{pool: pool}, nil
}

// Pool exposes the underlying pgx pool.
func (p *Postgres) Pool() *pgxpool.Pool { return p.pool }

func (p *Postgres) ensurePool() (*pgxpool.Pool, error) {
	if p == nil || p.pool == nil {
		return nil, errs.New("storage.pool", errs.CodeStorage, errs.WithMessage("nil pool"))
	}
	return p.pool, nil
}

// EnsureTable validates the namespace; the kv_entries relation itself is
// created by migrations.
func (p *Postgres) EnsureTable(_ context.Context, table string) error {
	if strings.TrimSpace(table) == "" {
		return errs.New("storage.ensure-table", errs.CodeStorage, errs.WithMessage("table name required"))
	}
	return nil
}

// Put upserts the value under table/key.
func (p *Postgres) Put(ctx context.Context, table, key string, value []byte) error {
	pool, err := p.ensurePool()
	if err != nil {
		return err
	}
	args := pgx.NamedArgs{"table": table, "key": key, "value": value}
	if _, err := pool.Exec(ctx, kvPutSQL, args); err != nil {
		return errs.New("storage.put", errs.CodeStorage, errs.WithMessage(table+"/"+key), errs.WithCause(err))
	}
	return nil
}

// Get reads the value under table/key, mapping row absence to not-found.
func (p *Postgres) Get(ctx context.Context, table, key string) ([]byte, error) {
	pool, err := p.ensurePool()
	if err != nil {
		return nil, err
	}
	args := pgx.NamedArgs{"table": table, "key": key}
	var value []byte
	if err := pool.QueryRow(ctx, kvGetSQL, args).Scan(&value); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, errs.New("storage.get", errs.CodeNotFound,
				errs.WithMessage("no value for "+table+"/"+key))
		}
		return nil, errs.New("storage.get", errs.CodeStorage, errs.WithMessage(table+"/"+key), errs.WithCause(err))
	}
	return value, nil
}

// GetAll scans the table in ascending key order.
func (p *Postgres) GetAll(ctx context.Context, table string) ([]Entry, error) {
	pool, err := p.ensurePool()
	if err != nil {
		return nil, err
	}
	rows, err := pool.Query(ctx, kvGetAllSQL, pgx.NamedArgs{"table": table})
	if err != nil {
		return nil, errs.New("storage.get-all", errs.CodeStorage, errs.WithMessage(table), errs.WithCause(err))
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		var entry Entry
		if err := rows.Scan(&entry.Key, &entry.Value); err != nil {
			return nil, errs.New("storage.get-all", errs.CodeStorage, errs.WithMessage("scan "+table), errs.WithCause(err))
		}
		out = append(out, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, errs.New("storage.get-all", errs.CodeStorage, errs.WithMessage("iterate "+table), errs.WithCause(err))
	}
	return out, nil
}

// Delete removes the key; absent keys are a no-op.
func (p *Postgres) Delete(ctx context.Context, table, key string) error {
	pool, err := p.ensurePool()
	if err != nil {
		return err
	}
	if _, err := pool.Exec(ctx, kvDeleteSQL, pgx.NamedArgs{"table": table, "key": key}); err != nil {
		return errs.New("storage.delete", errs.CodeStorage, errs.WithMessage(table+"/"+key), errs.WithCause(err))
	}
	return nil
}

// DeleteRange removes keys in [from, to).
func (p *Postgres) DeleteRange(ctx context.Context, table, from, to string) error {
	pool, err := p.ensurePool()
	if err != nil {
		return err
	}
	args := pgx.NamedArgs{"table": table, "from": from, "to": to}
	if _, err := pool.Exec(ctx, kvDeleteRangeSQL, args); err != nil {
		return errs.New("storage.delete-range", errs.CodeStorage, errs.WithMessage(table), errs.WithCause(err))
	}
	return nil
}

// Apply commits the batch inside one read-committed transaction.
func (p *Postgres) Apply(ctx context.Context, batch Batch) error {
	if batch.Empty() {
		return nil
	}
	pool, err := p.ensurePool()
	if err != nil {
		return err
	}
	var txOptions pgx.TxOptions
	txOptions.IsoLevel = pgx.ReadCommitted
	txOptions.AccessMode = pgx.ReadWrite
	txOptions.DeferrableMode = pgx.NotDeferrable

	tx, err := pool.BeginTx(ctx, txOptions)
	if err != nil {
		return errs.New("storage.apply", errs.CodeStorage, errs.WithMessage("begin tx"), errs.WithCause(err))
	}
	runErr := func() error {
		for _, w := range batch.Puts {
			args := pgx.NamedArgs{"table": w.Table, "key": w.Key, "value": w.Value}
			if _, err := tx.Exec(ctx, kvPutSQL, args); err != nil {
				return errs.New("storage.apply", errs.CodeStorage, errs.WithMessage("put "+w.Table+"/"+w.Key), errs.WithCause(err))
			}
		}
		for _, d := range batch.Deletes {
			args := pgx.NamedArgs{"table": d.Table, "key": d.Key}
			if _, err := tx.Exec(ctx, kvDeleteSQL, args); err != nil {
				return errs.New("storage.apply", errs.CodeStorage, errs.WithMessage("delete "+d.Table+"/"+d.Key), errs.WithCause(err))
			}
		}
		return nil
	}()
	if runErr != nil {
		if rbErr := tx.Rollback(ctx); rbErr != nil && !errors.Is(rbErr, pgx.ErrTxClosed) {
			return errs.New("storage.apply", errs.CodeStorage,
				errs.WithMessage(fmt.Sprintf("rollback: %v (original: %v)", rbErr, runErr)))
		}
		return runErr
	}
	if err := tx.Commit(ctx); err != nil && !errors.Is(err, pgx.ErrTxClosed) {
		return errs.New("storage.apply", errs.CodeStorage, errs.WithMessage("commit tx"), errs.WithCause(err))
	}
	return nil
}

// Close releases the pool.
func (p *Postgres) Close() {
	if p != nil && p.pool != nil {
		p.pool.Close()
	}
}

// ObservePoolMetrics registers observable gauges that report pgx pool health.
// Gauges emit total, idle, acquired, and constructing connection counts.
func ObservePoolMetrics(pool *pgxpool.Pool, poolName string) {
	if pool == nil {
		return
	}
	normalized := strings.TrimSpace(poolName)
	if normalized == "" {
		normalized = "primary"
	}
	attrs := []attribute.KeyValue{
		attribute.String("environment", telemetry.Environment()),
		attribute.String("db_pool", normalized),
	}

	meter := otel.Meter("storage.pool")
	if _, err := meter.Int64ObservableGauge("tally_db_pool_connections_total",
		metric.WithDescription("Total connections (idle + acquired + constructing)"),
		metric.WithUnit("{connection}"),
		metric.WithInt64Callback(func(_ context.Context, observer metric.Int64Observer) error {
			stat := pool.Stat()
			observer.Observe(int64(stat.TotalConns()), metric.WithAttributes(attrs...))
			return nil
		}),
	); err != nil {
		return
	}
	if _, err := meter.Int64ObservableGauge("tally_db_pool_connections_idle",
		metric.WithDescription("Idle connections ready for checkout"),
		metric.WithUnit("{connection}"),
		metric.WithInt64Callback(func(_ context.Context, observer metric.Int64Observer) error {
			stat := pool.Stat()
			observer.Observe(int64(stat.IdleConns()), metric.WithAttributes(attrs...))
			return nil
		}),
	); err != nil {
		return
	}
	if _, err := meter.Int64ObservableGauge("tally_db_pool_connections_acquired",
		metric.WithDescription("Connections currently acquired by callers"),
		metric.WithUnit("{connection}"),
		metric.WithInt64Callback(func(_ context.Context, observer metric.Int64Observer) error {
			stat := pool.Stat()
			observer.Observe(int64(stat.AcquiredConns()), metric.WithAttributes(attrs...))
			return nil
		}),
	); err != nil {
		return
	}
	if _, err := meter.Int64ObservableGauge("tally_db_pool_connections_constructing",
		metric.WithDescription("Connections currently being constructed"),
		metric.WithUnit("{connection}"),
		metric.WithInt64Callback(func(_ context.Context, observer metric.Int64Observer) error {
			stat := pool.Stat()
			observer.Observe(int64(stat.ConstructingConns()), metric.WithAttributes(attrs...))
			return nil
		}),
	); err != nil {
		return
	}
}
