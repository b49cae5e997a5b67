// Package wal persists a write-ahead log of lifecycle records so that
// interrupted order flows can be rebuilt after a crash. Record keys embed the
// capture timestamp ahead of the logical key, so a plain ascending scan
// replays the log in append order.
package wal

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/coachpo/tally/errs"
	"github.com/coachpo/tally/internal/storage"
	"github.com/coachpo/tally/internal/telemetry"
)

const keySeparator = "|"

// Record is one decoded log entry.
type Record struct {
	At    time.Time
	Key   string
	Value []byte
}

// Comparable orders two payloads sharing a logical key. Compaction keeps the
// record the others precede, regardless of the order they were appended in.
type Comparable[T any] interface {
	Before(other T) bool
}

// Log appends timestamped records to one storage table.
type Log struct {
	store   storage.Store
	table   string
	now     func() time.Time
	metrics *telemetry.Metrics

	mu        sync.Mutex
	lastNanos int64
}

// New builds a log over the given table. The table is created on first use.
func New(store storage.Store, table string) *Log {
	return &Log{store: store, table: table, now: time.Now, metrics: nil, mu: sync.Mutex{}, lastNanos: 0}
}

// WithClock overrides the capture clock, primarily for tests and backtests.
func (l *Log) WithClock(now func() time.Time) *Log {
	if now != nil {
		l.now = now
	}
	return l
}

// WithMetrics attaches the shared metrics registry.
func (l *Log) WithMetrics(m *telemetry.Metrics) *Log {
	l.metrics = m
	return l
}

// Table returns the storage table the log writes to.
func (l *Log) Table() string { return l.table }

// Append writes value under a fresh "{timestamp}|{key}" record key.
func (l *Log) Append(ctx context.Context, key string, value []byte) error {
	return l.AppendAt(ctx, key, l.now(), value)
}

// AppendAt writes value under a caller-supplied capture time. Capture times
// are nudged forward when they would not advance the log, so two appends in
// the same instant (a stalled test clock, a coarse backtest clock) never
// land on one record key.
func (l *Log) AppendAt(ctx context.Context, key string, at time.Time, value []byte) error {
	if strings.TrimSpace(key) == "" {
		return errs.New("wal.append", errs.CodeStorage, errs.WithMessage("logical key required"))
	}
	if strings.Contains(key, keySeparator) {
		return errs.New("wal.append", errs.CodeStorage,
			errs.WithMessage("logical key must not contain "+keySeparator))
	}
	if err := l.store.Put(ctx, l.table, EncodeKey(l.stamp(at), key), value); err != nil {
		return err
	}
	l.metrics.RecordWalAppend(ctx)
	return nil
}

func (l *Log) stamp(at time.Time) time.Time {
	l.mu.Lock()
	defer l.mu.Unlock()
	nanos := at.UnixNano()
	if nanos <= l.lastNanos {
		nanos = l.lastNanos + 1
	}
	l.lastNanos = nanos
	return time.Unix(0, nanos)
}

// Records scans the whole log in append order.
func (l *Log) Records(ctx context.Context) ([]Record, error) {
	entries, err := l.store.GetAll(ctx, l.table)
	if err != nil {
		return nil, err
	}
	out := make([]Record, 0, len(entries))
	for _, entry := range entries {
		at, key, err := DecodeKey(entry.Key)
		if err != nil {
			return nil, err
		}
		out = append(out, Record{At: at, Key: key, Value: entry.Value})
	}
	return out, nil
}

// RecordsFor returns the records for one logical key in append order. Record
// keys lead with the timestamp, so this is a filter over the full log; only
// repair and audit paths read per key.
func (l *Log) RecordsFor(ctx context.Context, key string) ([]Record, error) {
	records, err := l.Records(ctx)
	if err != nil {
		return nil, err
	}
	out := records[:0]
	for _, record := range records {
		if record.Key == key {
			out = append(out, record)
		}
	}
	return out, nil
}

// TrimBefore drops every record captured before cutoff.
func (l *Log) TrimBefore(ctx context.Context, cutoff time.Time) error {
	to := fmt.Sprintf("%020d", cutoff.UnixNano())
	return l.store.DeleteRange(ctx, l.table, "", to)
}

// EncodeKey builds the record key for a capture time and logical key. Nanos
// are zero-padded so lexicographic key order equals timestamp order.
func EncodeKey(at time.Time, key string) string {
	return fmt.Sprintf("%020d%s%s", at.UnixNano(), keySeparator, key)
}

// DecodeKey splits a record key back into capture time and logical key.
func DecodeKey(record string) (time.Time, string, error) {
	idx := strings.Index(record, keySeparator)
	if idx <= 0 {
		return time.Time{}, "", errs.New("wal.decode", errs.CodeStorage,
			errs.WithMessage("malformed record key "+record))
	}
	nanos, err := strconv.ParseInt(record[:idx], 10, 64)
	if err != nil {
		return time.Time{}, "", errs.New("wal.decode", errs.CodeStorage,
			errs.WithMessage("malformed record timestamp "+record), errs.WithCause(err))
	}
	key := record[idx+len(keySeparator):]
	if key == "" {
		return time.Time{}, "", errs.New("wal.decode", errs.CodeStorage,
			errs.WithMessage("record key missing logical key "+record))
	}
	return time.Unix(0, nanos), key, nil
}

// Compacted reduces records to the latest payload per logical key. Latest is
// decided by the payload ordering, not append order: a candidate replaces the
// held payload only when the held one reports being before it.
func Compacted[T Comparable[T]](records []Record, decode func([]byte) (T, error)) (map[string]T, error) {
	out := make(map[string]T, len(records))
	for _, record := range records {
		candidate, err := decode(record.Value)
		if err != nil {
			return nil, errs.New("wal.compact", errs.CodeStorage,
				errs.WithMessage("decode record for "+record.Key), errs.WithCause(err))
		}
		held, ok := out[record.Key]
		if !ok || held.Before(candidate) {
			out[record.Key] = candidate
		}
	}
	return out, nil
}
