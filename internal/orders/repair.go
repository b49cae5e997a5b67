package orders

import (
	"context"
	"sort"
	"time"

	"github.com/shopspring/decimal"

	"github.com/coachpo/tally/errs"
	"github.com/coachpo/tally/internal/schema"
	"github.com/coachpo/tally/internal/wal"
)

// Repair reconciles every incomplete order against its venue and returns
// one synthetic execution report per divergence, for the caller to feed
// back through ApplyAccountEvent. The sweep is idempotent: with no venue
// activity in between, a second run reports the same divergences, and a run
// after the reports were applied reports none.
//
// Per-order failures are logged and skipped; the sweep is best-effort and a
// later run retries them.
func (m *Manager) Repair(ctx context.Context) ([]schema.AccountEvent, error) {
	msg := &repairMsg{ctx: ctx, reply: make(chan repairReply, 1)}
	if err := m.mbox.Send(ctx, msg); err != nil {
		return nil, err
	}
	select {
	case res := <-msg.reply:
		return res.events, res.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

type repairMsg struct {
	ctx   context.Context
	reply chan repairReply
}

type repairReply struct {
	events []schema.AccountEvent
	err    error
}

func (msg *repairMsg) handle(ctx context.Context, m *Manager) {
	if msg.ctx != nil {
		ctx = msg.ctx
	}
	events, err := m.repair(ctx)
	msg.reply <- repairReply{events: events, err: err}
}

func (m *Manager) repair(ctx context.Context) ([]schema.AccountEvent, error) {
	records, err := m.wal.Records(ctx)
	if err != nil {
		return nil, err
	}
	compacted, err := wal.Compacted(records, decodeTransaction)
	if err != nil {
		return nil, err
	}
	// The log may know orders this process never saw; fold them in before
	// sweeping.
	for id, tr := range compacted {
		held, ok := m.latest[id]
		if !ok || held.Before(tr) {
			m.latest[id] = tr
		}
	}
	ids := make([]string, 0, len(m.latest))
	for id, tr := range m.latest {
		if tr.Incomplete() {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)

	events := make([]schema.AccountEvent, 0, len(ids))
	for _, id := range ids {
		ev, err := m.repairOrder(ctx, id, m.latest[id])
		if err != nil {
			m.metrics.RecordRepair(ctx, "failed")
			m.logger.Printf("orders/%s: repair: %v", id, err)
			continue
		}
		if ev == nil {
			m.metrics.RecordRepair(ctx, "clean")
			continue
		}
		m.metrics.RecordRepair(ctx, "divergent")
		events = append(events, *ev)
	}
	return events, nil
}

func (m *Manager) repairOrder(ctx context.Context, id string, tr schema.Transaction) (*schema.AccountEvent, error) {
	detail, err := m.repo.Get(ctx, id)
	if errs.Is(err, errs.CodeOrderNotFound) {
		detail, err = m.rebuild(ctx, id)
	}
	if err != nil {
		return nil, err
	}
	if detail.DryRun {
		// No venue holds a dry-run order.
		return nil, nil
	}
	api, err := m.venues.Api(detail.Exchange)
	if err != nil {
		return nil, err
	}
	remote, err := api.GetOrder(ctx, id, detail.Pair, detail.AssetType)
	if err != nil {
		return nil, err
	}
	if equivalentStatus(tr.Status.Kind, remote.Status) {
		return nil, nil
	}
	ev := remoteDivergenceEvent(detail, remote, m.now())
	return &ev, nil
}

// rebuild reconstructs a detail the repository lost from the order's logged
// lifecycle. The staged record is the anchor; without it there is nothing
// trustworthy to rebuild from.
func (m *Manager) rebuild(ctx context.Context, id string) (schema.OrderDetail, error) {
	history, err := m.Transactions(ctx, id)
	if err != nil {
		return schema.OrderDetail{}, err
	}
	var detail schema.OrderDetail
	staged := false
	for _, tr := range history {
		if tr.Status.Kind == schema.TxStaged && tr.Status.Request != nil {
			detail = schema.NewOrderDetail(*tr.Status.Request)
			staged = true
			break
		}
	}
	if !staged {
		return schema.OrderDetail{}, errs.New("orders.rebuild", errs.CodeStagedOrderRequired,
			errs.WithMessage("no staged record in the transaction log"), errs.WithOrder(id))
	}
	for _, tr := range history {
		if tr.Status.Kind == schema.TxStaged {
			continue
		}
		detail.ApplyTransaction(tr.Status)
	}
	if err := m.repo.Put(ctx, detail); err != nil {
		return schema.OrderDetail{}, err
	}
	return detail, nil
}

// equivalentStatus reports whether the venue's view matches what the local
// transaction already records, meaning the sweep owes no event. A local
// submitted record against a remote "new" counts as matching: the venue
// simply has not progressed the order.
func equivalentStatus(kind schema.TransactionKind, remote schema.RemoteStatus) bool {
	switch kind {
	case schema.TxFilled:
		return remote == schema.RemoteFilled
	case schema.TxRejected:
		return remote.IsRejection()
	case schema.TxStaged, schema.TxSubmitted:
		return remote == schema.RemoteNew
	case schema.TxPartiallyFilled:
		return remote == schema.RemotePartiallyFilled
	default:
		return false
	}
}

// remoteDivergenceEvent synthesizes the execution report the stream should
// have delivered, carrying the venue's cumulative state.
func remoteDivergenceEvent(detail schema.OrderDetail, remote schema.OrderSubmission, at time.Time) schema.AccountEvent {
	lastQty := remote.ExecutedQty.Sub(detail.FilledQty)
	if lastQty.IsNegative() {
		lastQty = decimal.Zero
	}
	price := remote.Price
	if price.IsZero() {
		price = detail.Price
	}
	ts := remote.Timestamp
	if ts.IsZero() {
		ts = at
	}
	upd := schema.OrderUpdate{
		OrderID:            detail.ID,
		RemoteID:           remote.RemoteID,
		Exchange:           detail.Exchange,
		Pair:               detail.Pair,
		Status:             remote.Status,
		LastPrice:          price,
		LastQty:            lastQty,
		CumulativeQty:      remote.ExecutedQty,
		CumulativeQuoteQty: remote.CumulativeQuoteQty,
		Fee:                decimal.Zero,
		FeeAsset:           "",
		RejectDetail:       "",
		Timestamp:          ts,
	}
	return schema.AccountEvent{Exchange: detail.Exchange, Order: &upd, Balance: nil, At: at}
}
