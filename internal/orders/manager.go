package orders

import (
	"context"
	"log"
	"os"
	"sync"
	"sync/atomic"
	"time"

	backoff "github.com/cenkalti/backoff/v5"
	json "github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	concpool "github.com/sourcegraph/conc/pool"

	"github.com/coachpo/tally/errs"
	"github.com/coachpo/tally/internal/exchange"
	"github.com/coachpo/tally/internal/mailbox"
	"github.com/coachpo/tally/internal/schema"
	"github.com/coachpo/tally/internal/storage"
	"github.com/coachpo/tally/internal/telemetry"
	"github.com/coachpo/tally/internal/wal"
)

const (
	transactionsTable = "transactions_wal"

	defaultMailboxCapacity = 256
	submitWorkers          = 4
	requeueAttempts        = 5
	requeueMaxInterval     = 250 * time.Millisecond
)

// message is one unit of work on the manager loop.
type message interface {
	handle(ctx context.Context, m *Manager)
}

// Config wires the manager's collaborators.
type Config struct {
	Store           storage.Store
	Venues          exchange.Directory
	Metrics         *telemetry.Metrics
	Logger          *log.Logger
	MailboxCapacity int
	Clock           func() time.Time
}

// Manager is the single owner of order state. One goroutine consumes a
// bounded mailbox; every mutation funnels through it, which is what makes
// per-order updates FIFO without per-order locks. Venue submissions run off
// the loop and re-enter as messages, so a slow venue never stalls reads.
type Manager struct {
	store   storage.Store
	repo    *Repository
	wal     *wal.Log
	venues  exchange.Directory
	metrics *telemetry.Metrics
	logger  *log.Logger
	now     func() time.Time

	ctx    context.Context
	cancel context.CancelFunc

	mbox    *mailbox.Mailbox[message]
	latest  map[string]schema.Transaction
	workers *concpool.Pool

	started  atomic.Bool
	stopOnce sync.Once
	loopDone chan struct{}
}

// NewManager builds an order manager over the given store and venues.
func NewManager(cfg Config) (*Manager, error) {
	if cfg.Store == nil {
		return nil, errs.New("orders.new", errs.CodeConfig, errs.WithMessage("storage required"))
	}
	if cfg.Venues == nil {
		return nil, errs.New("orders.new", errs.CodeConfig, errs.WithMessage("venue directory required"))
	}
	if cfg.Logger == nil {
		cfg.Logger = log.New(os.Stdout, "order-manager ", log.LstdFlags|log.Lmicroseconds)
	}
	if cfg.MailboxCapacity <= 0 {
		cfg.MailboxCapacity = defaultMailboxCapacity
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	m := &Manager{
		store:    cfg.Store,
		repo:     NewRepository(cfg.Store),
		wal:      wal.New(cfg.Store, transactionsTable).WithClock(cfg.Clock).WithMetrics(cfg.Metrics),
		venues:   cfg.Venues,
		metrics:  cfg.Metrics,
		logger:   cfg.Logger,
		now:      cfg.Clock,
		ctx:      nil,
		cancel:   nil,
		mbox:     mailbox.New[message]("orders", cfg.MailboxCapacity, errs.CodeOrderMailbox).WithMetrics(cfg.Metrics),
		latest:   make(map[string]schema.Transaction),
		workers:  concpool.New().WithMaxGoroutines(submitWorkers),
		started:  atomic.Bool{},
		stopOnce: sync.Once{},
		loopDone: make(chan struct{}),
	}
	return m, nil
}

// Start prepares the backing tables and spins up the loop. The context
// bounds the venue calls the manager makes on its own behalf.
func (m *Manager) Start(ctx context.Context) error {
	if !m.started.CompareAndSwap(false, true) {
		return nil
	}
	if ctx == nil {
		ctx = context.Background()
	}
	m.ctx, m.cancel = context.WithCancel(ctx)
	if err := m.repo.EnsureTable(m.ctx); err != nil {
		m.cancel()
		m.started.Store(false)
		return err
	}
	if err := m.store.EnsureTable(m.ctx, transactionsTable); err != nil {
		m.cancel()
		m.started.Store(false)
		return err
	}
	go m.run()
	return nil
}

// Stop drains the mailbox and waits for in-flight submissions. Venue
// outcomes that cannot re-enter the drained mailbox are not lost: their
// staged intent is already logged and the next repair sweep reconciles them.
func (m *Manager) Stop() {
	if !m.started.Load() {
		return
	}
	m.stopOnce.Do(func() {
		m.mbox.Close()
		<-m.loopDone
		m.workers.Wait()
		m.cancel()
	})
}

func (m *Manager) run() {
	defer close(m.loopDone)
	for msg := range m.mbox.Receive() {
		msg.handle(m.ctx, m)
	}
}

// Stage records the order intent, replies with the staged detail, and then
// submits to the venue asynchronously. The reply never waits on the venue.
func (m *Manager) Stage(ctx context.Context, req schema.OrderRequest) (schema.OrderDetail, error) {
	msg := &stageMsg{req: req, reply: make(chan stageReply, 1)}
	if err := m.mbox.Send(ctx, msg); err != nil {
		return schema.OrderDetail{}, err
	}
	select {
	case res := <-msg.reply:
		return res.detail, res.err
	case <-ctx.Done():
		return schema.OrderDetail{}, ctx.Err()
	}
}

// StageTrade converts a risk-cleared trade operation into a fresh order and
// stages it. The operation always gets a new order id here: a retried
// operation must never reuse the id of the order that already failed.
func (m *Manager) StageTrade(ctx context.Context, op schema.TradeOperation) (schema.OrderDetail, error) {
	op.OrderID = uuid.NewString()
	detail, err := m.Stage(ctx, op.Request())
	if err != nil {
		m.logger.Printf("orders/%s: stage %s %s %s on %s: %v",
			op.OrderID, op.Operation, op.Kind, op.Pair, op.Exchange, err)
		return schema.OrderDetail{}, err
	}
	return detail, nil
}

// Get returns the locally stored detail and the latest transaction seen for
// the order. It never queries the venue; the repair sweep owns remote reads.
func (m *Manager) Get(ctx context.Context, orderID string) (schema.OrderDetail, *schema.Transaction, error) {
	msg := &getMsg{orderID: orderID, reply: make(chan getReply, 1)}
	if err := m.mbox.Send(ctx, msg); err != nil {
		return schema.OrderDetail{}, nil, err
	}
	select {
	case res := <-msg.reply:
		return res.detail, res.last, res.err
	case <-ctx.Done():
		return schema.OrderDetail{}, nil, ctx.Err()
	}
}

// ResolvePendingOrder judges the stored order against the status the caller
// last saw and returns the stored detail, the latest transaction, and the
// resolution to act on.
func (m *Manager) ResolvePendingOrder(ctx context.Context, last schema.OrderDetail) (schema.OrderDetail, *schema.Transaction, Resolution, error) {
	msg := &resolveMsg{last: last, reply: make(chan resolveReply, 1)}
	if err := m.mbox.Send(ctx, msg); err != nil {
		return schema.OrderDetail{}, nil, "", err
	}
	select {
	case res := <-msg.reply:
		return res.detail, res.last, res.resolution, res.err
	case <-ctx.Done():
		return schema.OrderDetail{}, nil, "", ctx.Err()
	}
}

// Cancel marks an order abandoned by recording a cancellation rejection.
// Venue-side cancellation is the caller's affair; staged FOK orders die on
// their own.
func (m *Manager) Cancel(ctx context.Context, orderID string) error {
	msg := &cancelMsg{orderID: orderID, reply: make(chan error, 1)}
	if err := m.mbox.Send(ctx, msg); err != nil {
		return err
	}
	select {
	case err := <-msg.reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ApplyAccountEvent folds a streamed execution report into order state. The
// send never blocks; a full mailbox surfaces as backpressure to the pump.
func (m *Manager) ApplyAccountEvent(ctx context.Context, ev schema.AccountEvent) error {
	return m.mbox.Send(ctx, &accountEventMsg{ev: ev})
}

// FetchOrder reads the venue's live view of an order. It bypasses the loop;
// remote reads take no manager state.
func (m *Manager) FetchOrder(ctx context.Context, venue schema.Exchange, orderID string, pair schema.Pair, asset schema.AssetType) (schema.OrderSubmission, error) {
	api, err := m.venues.Api(venue)
	if err != nil {
		return schema.OrderSubmission{}, err
	}
	return api.GetOrder(ctx, orderID, pair, asset)
}

// Transactions returns the logged lifecycle of one order, or the whole log
// when orderID is empty, in append order.
func (m *Manager) Transactions(ctx context.Context, orderID string) ([]schema.Transaction, error) {
	var (
		records []wal.Record
		err     error
	)
	if orderID == "" {
		records, err = m.wal.Records(ctx)
	} else {
		records, err = m.wal.RecordsFor(ctx, orderID)
	}
	if err != nil {
		return nil, err
	}
	out := make([]schema.Transaction, 0, len(records))
	for _, record := range records {
		tr, err := decodeTransaction(record.Value)
		if err != nil {
			return nil, err
		}
		out = append(out, tr)
	}
	return out, nil
}

// TrimLog drops transaction records captured before cutoff. Maintenance
// only: the log is the repair sweep's rebuild source, so the trim refuses
// any cutoff that would drop records of an order still in flight.
func (m *Manager) TrimLog(ctx context.Context, cutoff time.Time) error {
	msg := &trimMsg{cutoff: cutoff, reply: make(chan error, 1)}
	if err := m.mbox.Send(ctx, msg); err != nil {
		return err
	}
	select {
	case err := <-msg.reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func decodeTransaction(raw []byte) (schema.Transaction, error) {
	var tr schema.Transaction
	if err := json.Unmarshal(raw, &tr); err != nil {
		return schema.Transaction{}, errs.New("orders.decode", errs.CodeStorage,
			errs.WithMessage("decode transaction record"), errs.WithCause(err))
	}
	return tr, nil
}

// register is the only write path. The WAL records the transaction before
// anything else; a transaction that never reached the log never happened.
// Fold failures are logged rather than returned: the record is already
// durable and the repair sweep rebuilds details from it.
func (m *Manager) register(ctx context.Context, tr schema.Transaction) error {
	payload, err := json.Marshal(tr)
	if err != nil {
		return errs.New("orders.register", errs.CodeInternal,
			errs.WithMessage("encode transaction"), errs.WithOrder(tr.ID), errs.WithCause(err))
	}
	if err := m.wal.AppendAt(ctx, tr.ID, tr.At, payload); err != nil {
		return err
	}
	held, ok := m.latest[tr.ID]
	advance := !ok || held.Before(tr)
	if err := m.fold(ctx, tr); err != nil {
		m.logger.Printf("orders/%s: fold %s transaction: %v", tr.ID, tr.Status.Kind, err)
	}
	if advance {
		m.latest[tr.ID] = tr
	}
	return nil
}

// fold applies one transaction to the stored detail. A rejected detail never
// mutates again; fills arriving after the rejection record are dropped here
// and survive only in the log.
func (m *Manager) fold(ctx context.Context, tr schema.Transaction) error {
	status := tr.Status
	switch status.Kind {
	case schema.TxStaged:
		if status.Request == nil {
			return errs.New("orders.fold", errs.CodeInternal,
				errs.WithMessage("staged transaction missing request"), errs.WithOrder(tr.ID))
		}
		return m.repo.Put(ctx, schema.NewOrderDetail(*status.Request))
	case schema.TxSubmitted:
		if status.Submission == nil {
			return errs.New("orders.fold", errs.CodeInternal,
				errs.WithMessage("submitted transaction missing submission"), errs.WithOrder(tr.ID))
		}
		detail, err := m.repo.Get(ctx, tr.ID)
		if err != nil {
			return err
		}
		if detail.IsRejected() {
			return nil
		}
		detail.ApplySubmission(*status.Submission)
		return m.repo.Put(ctx, detail)
	case schema.TxFilled, schema.TxPartiallyFilled:
		if status.Fill == nil {
			return errs.New("orders.fold", errs.CodeInternal,
				errs.WithMessage("fill transaction missing execution report"), errs.WithOrder(tr.ID))
		}
		detail, err := m.repo.Get(ctx, tr.ID)
		if err != nil {
			return err
		}
		if detail.IsRejected() {
			return nil
		}
		detail.ApplyFill(*status.Fill)
		return m.repo.Put(ctx, detail)
	case schema.TxRejected:
		if status.Rejection == nil {
			return errs.New("orders.fold", errs.CodeInternal,
				errs.WithMessage("rejected transaction missing rejection"), errs.WithOrder(tr.ID))
		}
		detail, err := m.repo.Get(ctx, tr.ID)
		if err != nil {
			return err
		}
		detail.Reject(*status.Rejection)
		return m.repo.Put(ctx, detail)
	default:
		return errs.New("orders.fold", errs.CodeInternal,
			errs.WithMessage("no fold for transaction kind "+string(status.Kind)), errs.WithOrder(tr.ID))
	}
}

func (m *Manager) lastTransaction(orderID string) *schema.Transaction {
	if tr, ok := m.latest[orderID]; ok {
		return &tr
	}
	return nil
}

// submit places the order off-loop; the outcome re-enters the mailbox as a
// register message so the loop stays live while the venue is slow.
func (m *Manager) submit(req schema.OrderRequest) {
	m.workers.Go(func() {
		tr := m.passOrder(m.ctx, req)
		m.requeue(tr)
	})
}

func (m *Manager) passOrder(ctx context.Context, req schema.OrderRequest) schema.Transaction {
	if req.DryRun {
		sub := simulateSubmission(req, m.now())
		return schema.NewTransaction(req.OrderID, schema.SubmittedStatus(sub), m.now())
	}
	api, err := m.venues.Api(req.Exchange)
	if err != nil {
		return schema.NewTransaction(req.OrderID, schema.RejectedStatus(schema.Rejection{
			Reason: schema.RejectBadRequest,
			Detail: err.Error(),
		}), m.now())
	}
	sub, err := api.PlaceOrder(ctx, req)
	if err != nil {
		return schema.NewTransaction(req.OrderID, schema.RejectedStatus(rejectionFromPlacement(err)), m.now())
	}
	return schema.NewTransaction(req.OrderID, schema.SubmittedStatus(sub), m.now())
}

// rejectionFromPlacement maps a venue refusal onto a rejection record. Every
// placement failure is terminal for this order id: after the call went out
// there is no telling whether the venue holds the order, so nothing here is
// marked retryable. The repair sweep recovers the remote truth.
func rejectionFromPlacement(err error) schema.Rejection {
	if errs.Is(err, errs.CodeInvalidPrice) {
		return schema.Rejection{Reason: schema.RejectInvalidPrice, Detail: err.Error()}
	}
	return schema.Rejection{Reason: schema.RejectBadRequest, Detail: err.Error()}
}

// simulateSubmission fabricates the venue acknowledgement for a dry-run
// request so everything downstream of staging behaves identically.
func simulateSubmission(req schema.OrderRequest, at time.Time) schema.OrderSubmission {
	return schema.OrderSubmission{
		RemoteID:           "dry-run:" + req.OrderID,
		ClientID:           req.OrderID,
		Pair:               req.Pair,
		Price:              req.Price,
		Quantity:           req.Quantity,
		ExecutedQty:        decimal.Zero,
		CumulativeQuoteQty: decimal.Zero,
		Status:             schema.RemoteNew,
		Enforcement:        req.Enforcement,
		Type:               req.Type,
		Side:               req.Side,
		AssetType:          req.AssetType,
		Fills:              nil,
		BorrowedAmount:     decimal.Zero,
		BorrowedAsset:      "",
		Timestamp:          at,
	}
}

// requeue pushes a submission outcome back onto the loop, backing off while
// the mailbox is full. A closed mailbox means shutdown: the staged intent is
// already logged, so the outcome is deferred to the next repair sweep.
func (m *Manager) requeue(tr schema.Transaction) {
	backoffCfg := backoff.NewExponentialBackOff()
	backoffCfg.InitialInterval = 10 * time.Millisecond
	backoffCfg.MaxInterval = requeueMaxInterval
	for attempt := 0; attempt < requeueAttempts; attempt++ {
		err := m.mbox.Send(m.ctx, &registerMsg{tr: tr})
		if err == nil {
			return
		}
		if errs.Is(err, errs.CodeMailboxClosed) {
			m.logger.Printf("orders/%s: mailbox closed, %s outcome deferred to repair", tr.ID, tr.Status.Kind)
			return
		}
		sleep := backoffCfg.NextBackOff()
		if sleep == backoff.Stop {
			sleep = requeueMaxInterval
		}
		select {
		case <-m.ctx.Done():
			return
		case <-time.After(sleep):
		}
	}
	m.logger.Printf("orders/%s: mailbox full, %s outcome deferred to repair", tr.ID, tr.Status.Kind)
}

type stageMsg struct {
	req   schema.OrderRequest
	reply chan stageReply
}

type stageReply struct {
	detail schema.OrderDetail
	err    error
}

func (msg *stageMsg) handle(ctx context.Context, m *Manager) {
	started := m.now()
	req := msg.req
	if req.OrderID == "" {
		req.OrderID = uuid.NewString()
	}
	tr := schema.NewTransaction(req.OrderID, schema.StagedStatus(req), m.now())
	if err := m.register(ctx, tr); err != nil {
		msg.reply <- stageReply{detail: schema.OrderDetail{}, err: err}
		return
	}
	detail, err := m.repo.Get(ctx, req.OrderID)
	msg.reply <- stageReply{detail: detail, err: err}
	if err != nil {
		// The intent is logged but unreadable locally; parking the
		// submission keeps the venue consistent with what the caller was
		// told. Repair picks the staged record up.
		m.logger.Printf("orders/%s: staged but unreadable, submission parked: %v", req.OrderID, err)
		return
	}
	m.metrics.RecordOrderStaged(ctx, req.Exchange.String(), req.Pair.String(), string(req.Side), m.now().Sub(started))
	m.submit(req)
}

type registerMsg struct {
	tr schema.Transaction
}

func (msg *registerMsg) handle(ctx context.Context, m *Manager) {
	if err := m.register(ctx, msg.tr); err != nil {
		m.logger.Printf("orders/%s: register %s transaction: %v", msg.tr.ID, msg.tr.Status.Kind, err)
	}
}

type accountEventMsg struct {
	ev schema.AccountEvent
}

func (msg *accountEventMsg) handle(ctx context.Context, m *Manager) {
	upd := msg.ev.Order
	if upd == nil || upd.OrderID == "" {
		return
	}
	at := upd.Timestamp
	if at.IsZero() {
		at = m.now()
	}
	var status schema.TransactionStatus
	switch {
	case upd.Status.IsRejection():
		status = schema.RejectedStatus(schema.RejectionFromRemote(upd.Status, upd.RejectDetail))
	case upd.Status == schema.RemotePartiallyFilled || upd.Status == schema.RemoteFilled:
		status = schema.FillStatus(*upd)
	default:
		// The venue ack adds nothing over the submission record.
		return
	}
	if err := m.register(ctx, schema.NewTransaction(upd.OrderID, status, at)); err != nil {
		m.logger.Printf("orders/%s: apply account event: %v", upd.OrderID, err)
	}
}

type getMsg struct {
	orderID string
	reply   chan getReply
}

type getReply struct {
	detail schema.OrderDetail
	last   *schema.Transaction
	err    error
}

func (msg *getMsg) handle(ctx context.Context, m *Manager) {
	detail, err := m.repo.Get(ctx, msg.orderID)
	msg.reply <- getReply{detail: detail, last: m.lastTransaction(msg.orderID), err: err}
}

type resolveMsg struct {
	last  schema.OrderDetail
	reply chan resolveReply
}

type resolveReply struct {
	detail     schema.OrderDetail
	last       *schema.Transaction
	resolution Resolution
	err        error
}

func (msg *resolveMsg) handle(ctx context.Context, m *Manager) {
	started := m.now()
	stored, err := m.repo.Get(ctx, msg.last.ID)
	if err != nil {
		msg.reply <- resolveReply{detail: schema.OrderDetail{}, last: nil, resolution: "", err: err}
		return
	}
	resolution, err := Resolve(&stored, msg.last.Status)
	label := resolution.String()
	if err != nil {
		label = "unknown"
	}
	m.metrics.RecordResolution(ctx, stored.Exchange.String(), label, m.now().Sub(started))
	msg.reply <- resolveReply{detail: stored, last: m.lastTransaction(stored.ID), resolution: resolution, err: err}
}

type cancelMsg struct {
	orderID string
	reply   chan error
}

func (msg *cancelMsg) handle(ctx context.Context, m *Manager) {
	tr := schema.NewTransaction(msg.orderID, schema.RejectedStatus(schema.Rejection{
		Reason: schema.RejectCancelled,
		Detail: "order cancelled directly",
	}), m.now())
	msg.reply <- m.register(ctx, tr)
}

type trimMsg struct {
	cutoff time.Time
	reply  chan error
}

func (msg *trimMsg) handle(ctx context.Context, m *Manager) {
	msg.reply <- m.trimLog(ctx, msg.cutoff)
}

func (m *Manager) trimLog(ctx context.Context, cutoff time.Time) error {
	records, err := m.wal.Records(ctx)
	if err != nil {
		return err
	}
	compacted, err := wal.Compacted(records, decodeTransaction)
	if err != nil {
		return err
	}
	for _, record := range records {
		if !record.At.Before(cutoff) {
			continue
		}
		if tr, ok := compacted[record.Key]; ok && tr.Incomplete() {
			return errs.New("orders.trim", errs.CodeBadRequest,
				errs.WithMessage("cutoff would drop records of an in-flight order"),
				errs.WithOrder(record.Key))
		}
	}
	return m.wal.TrimBefore(ctx, cutoff)
}
