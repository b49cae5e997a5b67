// Package orders owns the order lifecycle: the repository of order details,
// the single-writer manager actor that stages and reconciles orders, and the
// resolution rules pending orders are judged by.
package orders

import (
	"context"
	"strings"

	json "github.com/goccy/go-json"

	"github.com/coachpo/tally/errs"
	"github.com/coachpo/tally/internal/schema"
	"github.com/coachpo/tally/internal/storage"
)

const ordersTable = "orders"

// Repository persists order details in the "orders" table, keyed by order
// id. It does no locking of its own; the manager serializes every write.
type Repository struct {
	store storage.Store
}

// NewRepository builds a repository over the given store.
func NewRepository(store storage.Store) *Repository {
	return &Repository{store: store}
}

// EnsureTable prepares the backing table.
func (r *Repository) EnsureTable(ctx context.Context) error {
	return r.store.EnsureTable(ctx, ordersTable)
}

// Get loads one detail by order id. Absence is the typed order_not_found
// error: the id was never staged here.
func (r *Repository) Get(ctx context.Context, id string) (schema.OrderDetail, error) {
	var detail schema.OrderDetail
	raw, err := r.store.Get(ctx, ordersTable, id)
	if err != nil {
		if errs.IsNotFound(err) {
			return detail, errs.New("orders.repo.get", errs.CodeOrderNotFound,
				errs.WithMessage("order was never staged"), errs.WithOrder(id), errs.WithCause(err))
		}
		return detail, err
	}
	if err := json.Unmarshal(raw, &detail); err != nil {
		return schema.OrderDetail{}, errs.New("orders.repo.get", errs.CodeStorage,
			errs.WithMessage("decode order detail"), errs.WithOrder(id), errs.WithCause(err))
	}
	return detail, nil
}

// Put stores the detail under its id, overwriting any previous state.
func (r *Repository) Put(ctx context.Context, detail schema.OrderDetail) error {
	if strings.TrimSpace(detail.ID) == "" {
		return errs.New("orders.repo.put", errs.CodeStorage, errs.WithMessage("order id required"))
	}
	raw, err := json.Marshal(detail)
	if err != nil {
		return errs.New("orders.repo.put", errs.CodeStorage,
			errs.WithMessage("encode order detail"), errs.WithOrder(detail.ID), errs.WithCause(err))
	}
	return r.store.Put(ctx, ordersTable, detail.ID, raw)
}

// All scans every stored detail in id order. Only the repair sweep reads the
// table whole.
func (r *Repository) All(ctx context.Context) ([]schema.OrderDetail, error) {
	entries, err := r.store.GetAll(ctx, ordersTable)
	if err != nil {
		return nil, err
	}
	out := make([]schema.OrderDetail, 0, len(entries))
	for _, entry := range entries {
		var detail schema.OrderDetail
		if err := json.Unmarshal(entry.Value, &detail); err != nil {
			return nil, errs.New("orders.repo.all", errs.CodeStorage,
				errs.WithMessage("decode order detail"), errs.WithOrder(entry.Key), errs.WithCause(err))
		}
		out = append(out, detail)
	}
	return out, nil
}
