package schema

import "time"

// TransactionKind discriminates the lifecycle stage a transaction records.
type TransactionKind string

const (
	// TxStaged records local intent ahead of the venue call.
	TxStaged TransactionKind = "staged"
	// TxSubmitted records the venue's placement acknowledgement.
	TxSubmitted TransactionKind = "submitted"
	// TxPartiallyFilled records an execution report with quantity remaining.
	TxPartiallyFilled TransactionKind = "partially_filled"
	// TxFilled records the completing execution report.
	TxFilled TransactionKind = "filled"
	// TxRejected records terminal refusal.
	TxRejected TransactionKind = "rejected"
)

// rank orders kinds along the order lifecycle. Filled and rejected are both
// terminal but a rejection may still follow a fill report from a venue that
// reorders its stream, so rejected ranks last.
func (k TransactionKind) rank() int {
	switch k {
	case TxStaged:
		return 0
	case TxSubmitted:
		return 1
	case TxPartiallyFilled:
		return 2
	case TxFilled:
		return 3
	case TxRejected:
		return 4
	default:
		return -1
	}
}

// Before reports whether k precedes other in lifecycle order. Equal kinds
// are never before each other, so replaying an equal-status record is a
// no-op for compaction.
func (k TransactionKind) Before(other TransactionKind) bool {
	a, b := k.rank(), other.rank()
	if a < 0 || b < 0 {
		return false
	}
	return a < b
}

// TransactionStatus is one recorded step of an order's lifecycle. Exactly
// the payload matching Kind is set; the rest stay nil.
type TransactionStatus struct {
	Kind       TransactionKind  `json:"kind"`
	Request    *OrderRequest    `json:"request,omitempty"`
	Submission *OrderSubmission `json:"submission,omitempty"`
	Fill       *OrderUpdate     `json:"fill,omitempty"`
	Rejection  *Rejection       `json:"rejection,omitempty"`
}

// StagedStatus wraps a request as the staged lifecycle step.
func StagedStatus(req OrderRequest) TransactionStatus {
	return TransactionStatus{Kind: TxStaged, Request: &req}
}

// SubmittedStatus wraps a venue acknowledgement.
func SubmittedStatus(sub OrderSubmission) TransactionStatus {
	return TransactionStatus{Kind: TxSubmitted, Submission: &sub}
}

// FillStatus wraps an execution report, partial or completing.
func FillStatus(upd OrderUpdate) TransactionStatus {
	kind := TxPartiallyFilled
	if upd.Status == RemoteFilled {
		kind = TxFilled
	}
	return TransactionStatus{Kind: kind, Fill: &upd}
}

// RejectedStatus wraps a terminal rejection.
func RejectedStatus(rej Rejection) TransactionStatus {
	return TransactionStatus{Kind: TxRejected, Rejection: &rej}
}

// Before reports whether s precedes other along the order lifecycle.
func (s TransactionStatus) Before(other TransactionStatus) bool {
	return s.Kind.Before(other.Kind)
}

// Transaction binds a lifecycle step to its order and capture time. ID is
// the local order id, so every step of one order shares a key.
type Transaction struct {
	ID     string            `json:"id"`
	Status TransactionStatus `json:"status"`
	At     time.Time         `json:"at"`
}

// Before reports whether t precedes other along the order lifecycle.
func (t Transaction) Before(other Transaction) bool {
	return t.Status.Before(other.Status)
}

// Incomplete reports whether the recorded step still leaves the order
// waiting on a terminal outcome.
func (t Transaction) Incomplete() bool {
	switch t.Status.Kind {
	case TxStaged, TxSubmitted, TxPartiallyFilled:
		return true
	default:
		return false
	}
}

// NewTransaction stamps a lifecycle step with the current time.
func NewTransaction(orderID string, status TransactionStatus, at time.Time) Transaction {
	return Transaction{ID: orderID, Status: status, At: at}
}
