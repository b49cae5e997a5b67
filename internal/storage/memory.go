package storage

import (
	"context"
	"sort"
	"strings"
	"sync"

	"github.com/coachpo/tally/errs"
)

// Memory is an in-process Store keeping every table in a map. It is safe
// for concurrent use and backs tests and backtest runs.
type Memory struct {
	mu     sync.RWMutex
	tables map[string]map[string][]byte
}

// NewMemory returns an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{tables: make(map[string]map[string][]byte)}
}

// EnsureTable creates the table namespace when absent.
func (m *Memory) EnsureTable(_ context.Context, table string) error {
	if strings.TrimSpace(table) == "" {
		return errs.New("storage.ensure-table", errs.CodeStorage, errs.WithMessage("table name required"))
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.tables[table]; !ok {
		m.tables[table] = make(map[string][]byte)
	}
	return nil
}

// Put stores a copy of value under table/key.
func (m *Memory) Put(_ context.Context, table, key string, value []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.put(table, key, value)
	return nil
}

func (m *Memory) put(table, key string, value []byte) {
	rows, ok := m.tables[table]
	if !ok {
		rows = make(map[string][]byte)
		m.tables[table] = rows
	}
	rows[key] = append([]byte(nil), value...)
}

// Get returns the value under table/key, or a not-found error.
func (m *Memory) Get(_ context.Context, table, key string) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rows, ok := m.tables[table]
	if ok {
		if value, ok := rows[key]; ok {
			return append([]byte(nil), value...), nil
		}
	}
	return nil, errs.New("storage.get", errs.CodeNotFound,
		errs.WithMessage("no value for "+table+"/"+key))
}

// GetAll returns every entry of the table in ascending key order.
func (m *Memory) GetAll(_ context.Context, table string) ([]Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rows := m.tables[table]
	out := make([]Entry, 0, len(rows))
	for key, value := range rows {
		out = append(out, Entry{Key: key, Value: append([]byte(nil), value...)})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out, nil
}

// Delete removes the key; deleting an absent key is a no-op.
func (m *Memory) Delete(_ context.Context, table, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if rows, ok := m.tables[table]; ok {
		delete(rows, key)
	}
	return nil
}

// DeleteRange removes keys in [from, to).
func (m *Memory) DeleteRange(_ context.Context, table, from, to string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	rows, ok := m.tables[table]
	if !ok {
		return nil
	}
	for key := range rows {
		if key >= from && key < to {
			delete(rows, key)
		}
	}
	return nil
}

// Apply commits the batch under one lock acquisition, making it atomic with
// respect to every other accessor.
func (m *Memory) Apply(_ context.Context, batch Batch) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, w := range batch.Puts {
		m.put(w.Table, w.Key, w.Value)
	}
	for _, d := range batch.Deletes {
		if rows, ok := m.tables[d.Table]; ok {
			delete(rows, d.Key)
		}
	}
	return nil
}

// Close releases nothing; it exists to satisfy Store.
func (m *Memory) Close() {}
