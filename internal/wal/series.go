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
)

// Point is one decoded series sample.
type Point struct {
	At    time.Time
	Value []byte
}

// Series is a bounded append-only time series over one storage table. Pushes
// beyond the cap drop the oldest samples, so the table never grows past max.
type Series struct {
	store storage.Store
	table string
	max   int
	now   func() time.Time

	mu       sync.Mutex
	lastUnix int64
	seq      int64
}

// NewSeries builds a series capped at max samples. A non-positive max leaves
// the series unbounded.
func NewSeries(store storage.Store, table string, max int) *Series {
	return &Series{
		store:    store,
		table:    table,
		max:      max,
		now:      time.Now,
		mu:       sync.Mutex{},
		lastUnix: 0,
		seq:      0,
	}
}

// WithClock overrides the capture clock, primarily for tests and backtests.
func (s *Series) WithClock(now func() time.Time) *Series {
	if now != nil {
		s.now = now
	}
	return s
}

// Table returns the storage table the series writes to.
func (s *Series) Table() string { return s.table }

// EnsureTable prepares the backing table.
func (s *Series) EnsureTable(ctx context.Context) error {
	return s.store.EnsureTable(ctx, s.table)
}

// Push appends a sample and enforces the cap.
func (s *Series) Push(ctx context.Context, value []byte) error {
	key := s.nextKey()
	if err := s.store.Put(ctx, s.table, key, value); err != nil {
		return err
	}
	if s.max <= 0 {
		return nil
	}
	entries, err := s.store.GetAll(ctx, s.table)
	if err != nil {
		return err
	}
	if len(entries) <= s.max {
		return nil
	}
	// Drop the oldest entries; keys sort by capture order.
	cut := entries[len(entries)-s.max].Key
	return s.store.DeleteRange(ctx, s.table, entries[0].Key, cut)
}

// All returns every retained sample in capture order.
func (s *Series) All(ctx context.Context) ([]Point, error) {
	entries, err := s.store.GetAll(ctx, s.table)
	if err != nil {
		return nil, err
	}
	out := make([]Point, 0, len(entries))
	for _, entry := range entries {
		at, err := decodeSeriesKey(entry.Key)
		if err != nil {
			return nil, err
		}
		out = append(out, Point{At: at, Value: entry.Value})
	}
	return out, nil
}

// Window returns the most recent n samples in capture order.
func (s *Series) Window(ctx context.Context, n int) ([]Point, error) {
	points, err := s.All(ctx)
	if err != nil {
		return nil, err
	}
	if n <= 0 || n >= len(points) {
		return points, nil
	}
	return points[len(points)-n:], nil
}

// nextKey issues "{nanos}|{seq}" keys that stay unique and ordered even when
// the clock does not advance between pushes.
func (s *Series) nextKey() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	nanos := s.now().UnixNano()
	if nanos <= s.lastUnix {
		nanos = s.lastUnix
		s.seq++
	} else {
		s.lastUnix = nanos
		s.seq = 0
	}
	return fmt.Sprintf("%020d%s%08d", nanos, keySeparator, s.seq)
}

func decodeSeriesKey(key string) (time.Time, error) {
	idx := strings.Index(key, keySeparator)
	if idx <= 0 {
		return time.Time{}, errs.New("wal.series", errs.CodeStorage,
			errs.WithMessage("malformed sample key "+key))
	}
	nanos, err := strconv.ParseInt(key[:idx], 10, 64)
	if err != nil {
		return time.Time{}, errs.New("wal.series", errs.CodeStorage,
			errs.WithMessage("malformed sample timestamp "+key), errs.WithCause(err))
	}
	return time.Unix(0, nanos), nil
}
