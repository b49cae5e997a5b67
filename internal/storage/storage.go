// Package storage defines the durable key/value capability tally's stateful
// components persist through. Tables are logical namespaces; keys and values
// are opaque to the store. Two implementations exist: an in-process memory
// store for tests and backtests, and a Postgres store for live trading.
package storage

import "context"

// Entry is one stored key/value pair.
type Entry struct {
	Key   string
	Value []byte
}

// Write is a pending put inside a batch.
type Write struct {
	Table string
	Key   string
	Value []byte
}

// Deletion is a pending delete inside a batch.
type Deletion struct {
	Table string
	Key   string
}

// Batch groups writes and deletes applied atomically in one call.
type Batch struct {
	Puts    []Write
	Deletes []Deletion
}

// Empty reports whether the batch carries no mutations.
func (b Batch) Empty() bool { return len(b.Puts) == 0 && len(b.Deletes) == 0 }

// Put appends a write to the batch.
func (b *Batch) Put(table, key string, value []byte) {
	b.Puts = append(b.Puts, Write{Table: table, Key: key, Value: value})
}

// Delete appends a deletion to the batch.
func (b *Batch) Delete(table, key string) {
	b.Deletes = append(b.Deletes, Deletion{Table: table, Key: key})
}

// Store is the persistence contract. Get distinguishes absence (a not-found
// error) from infrastructure failure. GetAll returns entries in ascending
// key order. DeleteRange removes keys in [from, to). Apply commits a batch
// atomically: either every mutation lands or none do.
//
// Implementations serialize writes at least per key; callers own any
// coarser locking.
type Store interface {
	EnsureTable(ctx context.Context, table string) error
	Put(ctx context.Context, table, key string, value []byte) error
	Get(ctx context.Context, table, key string) ([]byte, error)
	GetAll(ctx context.Context, table string) ([]Entry, error)
	Delete(ctx context.Context, table, key string) error
	DeleteRange(ctx context.Context, table, from, to string) error
	Apply(ctx context.Context, batch Batch) error
	Close()
}
