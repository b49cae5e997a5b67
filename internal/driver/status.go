package driver

import (
	"context"
	"time"

	json "github.com/goccy/go-json"

	"github.com/coachpo/tally/errs"
	"github.com/coachpo/tally/internal/storage"
)

const (
	statusTable = "driver"
	statusKey   = "status"
)

// StrategyStatus is the persisted trading switch. Stop survives restarts:
// a halted driver stays halted until an operator resumes it.
type StrategyStatus struct {
	Trading   bool      `json:"trading"`
	Strategy  string    `json:"strategy"`
	UpdatedAt time.Time `json:"updated_at"`
}

// StatusRepo persists the driver status under a fixed key.
type StatusRepo struct {
	store storage.Store
	now   func() time.Time
}

// NewStatusRepo builds a repo over the driver table.
func NewStatusRepo(store storage.Store) *StatusRepo {
	return &StatusRepo{store: store, now: time.Now}
}

// WithClock overrides the stamp clock, primarily for tests and backtests.
func (r *StatusRepo) WithClock(now func() time.Time) *StatusRepo {
	if now != nil {
		r.now = now
	}
	return r
}

// EnsureTable prepares the backing table.
func (r *StatusRepo) EnsureTable(ctx context.Context) error {
	return r.store.EnsureTable(ctx, statusTable)
}

// Load returns the persisted status. A fresh deployment that never stored
// one trades by default.
func (r *StatusRepo) Load(ctx context.Context) (StrategyStatus, error) {
	raw, err := r.store.Get(ctx, statusTable, statusKey)
	if err != nil {
		if errs.IsNotFound(err) {
			return StrategyStatus{Trading: true}, nil
		}
		return StrategyStatus{}, err
	}
	var status StrategyStatus
	if err := json.Unmarshal(raw, &status); err != nil {
		return StrategyStatus{}, errs.New("driver.status", errs.CodeStorage,
			errs.WithMessage("corrupt driver status"), errs.WithCause(err))
	}
	return status, nil
}

// Save stamps and persists the status.
func (r *StatusRepo) Save(ctx context.Context, status StrategyStatus) error {
	status.UpdatedAt = r.now()
	raw, err := json.Marshal(status)
	if err != nil {
		return errs.New("driver.status", errs.CodeInternal, errs.WithCause(err))
	}
	return r.store.Put(ctx, statusTable, statusKey, raw)
}
