package schema

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// RejectReason classifies why an order was refused or abandoned.
type RejectReason string

const (
	// RejectBadRequest marks malformed or unacceptable order parameters.
	RejectBadRequest RejectReason = "bad_request"
	// RejectInsufficientFunds marks an account that cannot cover the order.
	RejectInsufficientFunds RejectReason = "insufficient_funds"
	// RejectTimeout marks an order the venue expired.
	RejectTimeout RejectReason = "timeout"
	// RejectCancelled marks an order cancelled before completion.
	RejectCancelled RejectReason = "cancelled"
	// RejectInvalidPrice marks a price the venue refused outright.
	RejectInvalidPrice RejectReason = "invalid_price"
	// RejectOther carries a venue reason that fits no other bucket.
	RejectOther RejectReason = "other"
	// RejectUnknown marks a rejection with no usable reason.
	RejectUnknown RejectReason = "unknown"
)

// Rejection records why an order terminated without filling.
type Rejection struct {
	Reason RejectReason `json:"reason"`
	Detail string       `json:"detail,omitempty"`
}

// Retryable reports whether the rejection may clear on a fresh attempt:
// cancels and timeouts are transient, everything else is terminal.
func (r Rejection) Retryable() bool {
	return r.Reason == RejectCancelled || r.Reason == RejectTimeout
}

// RejectionFromRemote maps a venue-reported terminal status onto a rejection.
func RejectionFromRemote(status RemoteStatus, detail string) Rejection {
	switch status {
	case RemoteRejected:
		return Rejection{Reason: RejectOther, Detail: detail}
	case RemoteExpired:
		return Rejection{Reason: RejectTimeout, Detail: detail}
	case RemoteCanceled, RemotePendingCancel:
		return Rejection{Reason: RejectCancelled, Detail: detail}
	default:
		return Rejection{Reason: RejectUnknown, Detail: detail}
	}
}

// RemoteStatus is an order state as reported by a venue.
type RemoteStatus string

const (
	// RemoteNew was accepted by the venue's engine.
	RemoteNew RemoteStatus = "new"
	// RemotePartiallyFilled has at least one fill outstanding.
	RemotePartiallyFilled RemoteStatus = "partially_filled"
	// RemoteFilled completed fully.
	RemoteFilled RemoteStatus = "filled"
	// RemoteCanceled was cancelled by the user or venue.
	RemoteCanceled RemoteStatus = "canceled"
	// RemotePendingCancel is awaiting cancellation.
	RemotePendingCancel RemoteStatus = "pending_cancel"
	// RemoteRejected was refused by the venue.
	RemoteRejected RemoteStatus = "rejected"
	// RemoteExpired lapsed per its time in force.
	RemoteExpired RemoteStatus = "expired"
)

// IsRejection reports whether the remote status terminates the order
// without a complete fill.
func (r RemoteStatus) IsRejection() bool {
	switch r {
	case RemoteRejected, RemoteExpired, RemoteCanceled, RemotePendingCancel:
		return true
	default:
		return false
	}
}

// Local maps the venue status onto the local order state machine.
func (r RemoteStatus) Local() OrderStatus {
	switch r {
	case RemoteNew:
		return OrderSubmitted
	case RemotePartiallyFilled:
		return OrderPartiallyFilled
	case RemoteFilled:
		return OrderFilled
	case RemoteCanceled, RemotePendingCancel:
		return OrderCancelled
	case RemoteRejected, RemoteExpired:
		return OrderRejected
	default:
		return OrderStatus(r)
	}
}

// OrderStatus is the local lifecycle state of an order.
type OrderStatus string

const (
	// OrderStaged is recorded locally, not yet acknowledged by the venue.
	OrderStaged OrderStatus = "staged"
	// OrderSubmitted is acknowledged by the venue, no complete fill yet.
	OrderSubmitted OrderStatus = "submitted"
	// OrderPartiallyFilled has partial executions.
	OrderPartiallyFilled OrderStatus = "partially_filled"
	// OrderFilled completed fully.
	OrderFilled OrderStatus = "filled"
	// OrderRejected terminated with a rejection record.
	OrderRejected OrderStatus = "rejected"
	// OrderCancelled was cancelled venue-side without a rejection record.
	OrderCancelled OrderStatus = "cancelled"
)

// OrderRequest is a trade intent ready for submission to a venue.
type OrderRequest struct {
	OrderID       string           `json:"order_id"`
	TransactionID string           `json:"transaction_id,omitempty"`
	EmitterID     string           `json:"emitter_id,omitempty"`
	Exchange      Exchange         `json:"exchange"`
	Pair          Pair             `json:"pair"`
	Side          Side             `json:"side"`
	Type          OrderType        `json:"type"`
	Enforcement   Enforcement      `json:"enforcement,omitempty"`
	Quantity      decimal.Decimal  `json:"quantity"`
	QuoteQuantity decimal.Decimal  `json:"quote_quantity,omitempty"`
	Price         decimal.Decimal  `json:"price"`
	AssetType     AssetType        `json:"asset_type"`
	SideEffect    MarginSideEffect `json:"side_effect,omitempty"`
	DryRun        bool             `json:"dry_run,omitempty"`
}

// OrderSubmission is the venue response to placing an order.
type OrderSubmission struct {
	RemoteID           string          `json:"remote_id"`
	ClientID           string          `json:"client_id"`
	Pair               Pair            `json:"pair"`
	Price              decimal.Decimal `json:"price"`
	Quantity           decimal.Decimal `json:"quantity"`
	ExecutedQty        decimal.Decimal `json:"executed_qty"`
	CumulativeQuoteQty decimal.Decimal `json:"cumulative_quote_qty"`
	Status             RemoteStatus    `json:"status"`
	Enforcement        Enforcement     `json:"enforcement"`
	Type               OrderType       `json:"type"`
	Side               Side            `json:"side"`
	AssetType          AssetType       `json:"asset_type"`
	Fills              []Fill          `json:"fills,omitempty"`
	BorrowedAmount     decimal.Decimal `json:"borrowed_amount,omitempty"`
	BorrowedAsset      string          `json:"borrowed_asset,omitempty"`
	Timestamp          time.Time       `json:"timestamp"`
}

// OrderUpdate is a streamed execution report for a previously placed order.
type OrderUpdate struct {
	OrderID            string          `json:"order_id"`
	RemoteID           string          `json:"remote_id,omitempty"`
	Exchange           Exchange        `json:"exchange"`
	Pair               Pair            `json:"pair"`
	Status             RemoteStatus    `json:"status"`
	LastPrice          decimal.Decimal `json:"last_price"`
	LastQty            decimal.Decimal `json:"last_qty"`
	CumulativeQty      decimal.Decimal `json:"cumulative_qty"`
	CumulativeQuoteQty decimal.Decimal `json:"cumulative_quote_qty"`
	Fee                decimal.Decimal `json:"fee"`
	FeeAsset           string          `json:"fee_asset,omitempty"`
	RejectDetail       string          `json:"reject_detail,omitempty"`
	Timestamp          time.Time       `json:"timestamp"`
}

// Fill is a single execution against an order.
type Fill struct {
	Price    decimal.Decimal `json:"price"`
	Qty      decimal.Decimal `json:"qty"`
	Fee      decimal.Decimal `json:"fee"`
	FeeAsset string          `json:"fee_asset,omitempty"`
	At       time.Time       `json:"at"`
}

// OrderDetail is the system's authoritative view of a single exchange order.
// The id is assigned locally, never changes, and survives every state
// transition; a rejected detail is never mutated further.
type OrderDetail struct {
	ID                 string           `json:"id"`
	TransactionID      string           `json:"transaction_id,omitempty"`
	EmitterID          string           `json:"emitter_id,omitempty"`
	RemoteID           string           `json:"remote_id,omitempty"`
	Status             OrderStatus      `json:"status"`
	Exchange           Exchange         `json:"exchange"`
	Pair               Pair             `json:"pair"`
	BaseAsset          string           `json:"base_asset"`
	QuoteAsset         string           `json:"quote_asset"`
	Side               Side             `json:"side"`
	Type               OrderType        `json:"type"`
	Enforcement        Enforcement      `json:"enforcement,omitempty"`
	RequestedQty       decimal.Decimal  `json:"requested_qty"`
	QuoteQty           decimal.Decimal  `json:"quote_qty,omitempty"`
	Price              decimal.Decimal  `json:"price"`
	DryRun             bool             `json:"dry_run,omitempty"`
	AssetType          AssetType        `json:"asset_type"`
	SideEffect         MarginSideEffect `json:"side_effect,omitempty"`
	ExecutedQty        decimal.Decimal  `json:"executed_qty"`
	CumulativeQuoteQty decimal.Decimal  `json:"cumulative_quote_qty"`
	BorrowedAmount     decimal.Decimal  `json:"borrowed_amount,omitempty"`
	BorrowedAsset      string           `json:"borrowed_asset,omitempty"`
	Fills              []Fill           `json:"fills,omitempty"`
	WeightedPrice      decimal.Decimal  `json:"weighted_price"`
	FilledQty          decimal.Decimal  `json:"filled_qty"`
	RejectReason       *Rejection       `json:"reject_reason,omitempty"`
	CreatedAt          time.Time        `json:"created_at"`
	UpdatedAt          time.Time        `json:"updated_at"`
	OpenAt             *time.Time       `json:"open_at,omitempty"`
	ClosedAt           *time.Time       `json:"closed_at,omitempty"`
}

// NewOrderDetail creates the staged detail for a fresh request. The request
// normally carries its order id already; one is minted when absent.
func NewOrderDetail(req OrderRequest) OrderDetail {
	now := time.Now().UTC()
	id := req.OrderID
	if id == "" {
		id = uuid.NewString()
	}
	return OrderDetail{
		ID:            id,
		TransactionID: req.TransactionID,
		EmitterID:     req.EmitterID,
		Status:        OrderStaged,
		Exchange:      req.Exchange,
		Pair:          req.Pair,
		BaseAsset:     req.Pair.Base(),
		QuoteAsset:    req.Pair.Quote(),
		Side:          req.Side,
		Type:          req.Type,
		Enforcement:   req.Enforcement,
		RequestedQty:  req.Quantity,
		QuoteQty:      req.QuoteQuantity,
		Price:         req.Price,
		DryRun:        req.DryRun,
		AssetType:     req.AssetType,
		SideEffect:    req.SideEffect,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
}

// SameStatus reports whether the detail currently holds the given status.
func (d *OrderDetail) SameStatus(status OrderStatus) bool { return d.Status == status }

// IsFilled reports a complete fill.
func (d *OrderDetail) IsFilled() bool { return d.Status == OrderFilled }

// IsRejected reports a terminal rejection.
func (d *OrderDetail) IsRejected() bool { return d.Status == OrderRejected }

// IsBadRequest reports a rejection caused by unacceptable parameters.
func (d *OrderDetail) IsBadRequest() bool {
	return d.IsRejected() && d.RejectReason != nil &&
		(d.RejectReason.Reason == RejectBadRequest || d.RejectReason.Reason == RejectInvalidPrice)
}

// IsRetryable reports whether the rejection may clear on a fresh order.
func (d *OrderDetail) IsRetryable() bool {
	return d.RejectReason != nil && d.RejectReason.Retryable()
}

// IsCancelled reports a venue-side cancellation, with or without a
// rejection record.
func (d *OrderDetail) IsCancelled() bool {
	if d.Status == OrderCancelled {
		return true
	}
	return d.IsRejected() && d.RejectReason != nil && d.RejectReason.Reason == RejectCancelled
}

// IsResolved reports whether the order reached a terminal state.
func (d *OrderDetail) IsResolved() bool {
	switch d.Status {
	case OrderFilled, OrderRejected, OrderCancelled:
		return true
	default:
		return false
	}
}

// ApplySubmission folds the venue's placement response into the detail.
func (d *OrderDetail) ApplySubmission(sub OrderSubmission) {
	d.ExecutedQty = sub.ExecutedQty
	d.CumulativeQuoteQty = sub.CumulativeQuoteQty
	d.BorrowedAmount = sub.BorrowedAmount
	d.BorrowedAsset = sub.BorrowedAsset
	d.RemoteID = sub.RemoteID
	if sub.Enforcement != "" {
		d.Enforcement = sub.Enforcement
	}
	d.Status = sub.Status.Local()
	d.Fills = append(d.Fills[:0], sub.Fills...)
	d.recompute()
	at := sub.Timestamp
	if at.IsZero() {
		at = time.Now().UTC()
	}
	d.OpenAt = &at
	if d.Status == OrderFilled {
		closed := at
		d.ClosedAt = &closed
	}
	d.UpdatedAt = time.Now().UTC()
}

// ApplyFill folds one streamed execution report into the detail. Reports
// arriving after a complete fill are ignored.
func (d *OrderDetail) ApplyFill(upd OrderUpdate) {
	if d.Status == OrderFilled {
		return
	}
	at := upd.Timestamp
	if at.IsZero() {
		at = time.Now().UTC()
	}
	d.Fills = append(d.Fills, Fill{
		Price:    upd.LastPrice,
		Qty:      upd.LastQty,
		Fee:      upd.Fee,
		FeeAsset: upd.FeeAsset,
		At:       at,
	})
	d.CumulativeQuoteQty = upd.CumulativeQuoteQty
	d.FilledQty = upd.CumulativeQty
	d.Status = upd.Status.Local()
	if d.Status == OrderFilled {
		closed := at
		d.ClosedAt = &closed
	}
	d.updateWeightedPrice()
	d.clampFilled()
	d.UpdatedAt = time.Now().UTC()
}

// Reject terminates the detail with a rejection record.
func (d *OrderDetail) Reject(rejection Rejection) {
	d.RejectReason = &rejection
	d.Status = OrderRejected
	d.UpdatedAt = time.Now().UTC()
}

// ApplyTransaction folds any transaction status into the detail.
func (d *OrderDetail) ApplyTransaction(tr TransactionStatus) {
	switch tr.Kind {
	case TxSubmitted:
		if tr.Submission != nil {
			d.ApplySubmission(*tr.Submission)
		}
	case TxFilled, TxPartiallyFilled:
		if tr.Fill != nil {
			d.ApplyFill(*tr.Fill)
		}
	case TxRejected:
		if tr.Rejection != nil {
			d.Reject(*tr.Rejection)
		}
	case TxStaged:
		// Staging created the detail; nothing left to fold.
	}
}

func (d *OrderDetail) recompute() {
	sum := decimal.Zero
	for _, f := range d.Fills {
		sum = sum.Add(f.Qty)
	}
	d.FilledQty = sum
	d.updateWeightedPrice()
	d.clampFilled()
}

func (d *OrderDetail) updateWeightedPrice() {
	totalQty := decimal.Zero
	notional := decimal.Zero
	for _, f := range d.Fills {
		totalQty = totalQty.Add(f.Qty)
		notional = notional.Add(f.Price.Mul(f.Qty))
	}
	if totalQty.IsZero() {
		d.WeightedPrice = decimal.Zero
		return
	}
	d.WeightedPrice = notional.Div(totalQty)
}

// clampFilled caps filled quantity at the requested quantity so duplicate
// execution reports from a venue cannot overfill the local view.
func (d *OrderDetail) clampFilled() {
	if d.RequestedQty.IsPositive() && d.FilledQty.GreaterThan(d.RequestedQty) {
		d.FilledQty = d.RequestedQty
	}
}

// TotalInterest is the borrow interest accrued in the borrowed asset. The
// first hour is owed immediately; accrual runs from order close to now.
func (d *OrderDetail) TotalInterest(rate InterestRate, now time.Time) decimal.Decimal {
	if d.ClosedAt == nil || !d.BorrowedAmount.IsPositive() {
		return decimal.Zero
	}
	hours := int64(now.Sub(*d.ClosedAt).Hours()) + 1
	return rate.Accrue(d.BorrowedAmount, hours)
}

// TotalQuoteInterest converts accrued interest into the quote asset using
// the weighted fill price when the loan is denominated in the base asset.
func (d *OrderDetail) TotalQuoteInterest(rate InterestRate, now time.Time) decimal.Decimal {
	interest := d.TotalInterest(rate, now)
	if d.BorrowedAsset == d.BaseAsset {
		return interest.Mul(d.WeightedPrice)
	}
	return interest
}

// QuoteFees sums fees converted into the quote asset.
func (d *OrderDetail) QuoteFees() decimal.Decimal {
	sum := decimal.Zero
	for _, f := range d.Fills {
		if f.FeeAsset == d.BaseAsset {
			sum = sum.Add(f.Fee.Mul(f.Price))
			continue
		}
		sum = sum.Add(f.Fee)
	}
	return sum
}

// BaseFees sums fees converted into the base asset.
func (d *OrderDetail) BaseFees() decimal.Decimal {
	sum := decimal.Zero
	for _, f := range d.Fills {
		if f.FeeAsset == d.QuoteAsset && f.Price.IsPositive() {
			sum = sum.Add(f.Fee.Div(f.Price))
			continue
		}
		sum = sum.Add(f.Fee)
	}
	return sum
}

// QuoteValue is the gross executed value in the quote asset.
func (d *OrderDetail) QuoteValue() decimal.Decimal {
	return d.FilledQty.Mul(d.WeightedPrice)
}

// RealizedQuoteValue is the executed value net of fees.
func (d *OrderDetail) RealizedQuoteValue() decimal.Decimal {
	return d.QuoteValue().Sub(d.QuoteFees())
}

// Clone returns a deep copy of the detail.
func (d OrderDetail) Clone() OrderDetail {
	out := d
	if d.Fills != nil {
		out.Fills = append([]Fill(nil), d.Fills...)
	}
	if d.RejectReason != nil {
		r := *d.RejectReason
		out.RejectReason = &r
	}
	if d.OpenAt != nil {
		t := *d.OpenAt
		out.OpenAt = &t
	}
	if d.ClosedAt != nil {
		t := *d.ClosedAt
		out.ClosedAt = &t
	}
	return out
}
