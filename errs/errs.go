// Package errs provides structured error types and helpers for tally services.
package errs

import (
	"errors"
	"sort"
	"strconv"
	"strings"
)

// Code is the stable short name of an error category, used verbatim as a
// metrics label. Values never change once released.
type Code string

const (
	// CodeOrderNotFound indicates the referenced order id was never staged.
	CodeOrderNotFound Code = "order_not_found"
	// CodeOrderMailbox indicates the order manager mailbox rejected the send.
	CodeOrderMailbox Code = "order_mailbox"
	// CodeInterestMailbox indicates the interest provider mailbox rejected the send.
	CodeInterestMailbox Code = "interest_mailbox"
	// CodeMailboxClosed indicates a send to an actor that already stopped.
	CodeMailboxClosed Code = "mailbox_closed"
	// CodeStagedOrderRequired indicates an order rebuild found no staged record.
	CodeStagedOrderRequired Code = "staged_order_required"
	// CodeUnknownOrderState indicates a stored order status no resolution branch matches.
	CodeUnknownOrderState Code = "unknown_order_state"
	// CodeBadOpenSignal indicates an open signal for a position that is already open.
	CodeBadOpenSignal Code = "bad_open_signal"
	// CodeBadCloseSignal indicates a close signal for a position that was never opened.
	CodeBadCloseSignal Code = "bad_close_signal"
	// CodePositionLocked indicates the position has an operation in flight.
	CodePositionLocked Code = "position_locked"
	// CodeBadSideForPosition indicates the order side cannot close that position kind.
	CodeBadSideForPosition Code = "bad_side_for_pos"
	// CodeNoPositionFound indicates no position exists for the exchange and pair.
	CodeNoPositionFound Code = "no_position_found"
	// CodeNoLockForOrder indicates an unlock for a key that holds no lock.
	CodeNoLockForOrder Code = "no_lock_for_order"
	// CodeZeroOrNegativeQty indicates an order quantity that is zero or negative.
	CodeZeroOrNegativeQty Code = "zero_or_negative_qty"
	// CodeExchangeNotLoaded indicates no API is registered for the exchange.
	CodeExchangeNotLoaded Code = "exchange_not_loaded"
	// CodeInvalidPrice indicates the exchange refused the order price.
	CodeInvalidPrice Code = "invalid_price"
	// CodeBadRequest indicates the exchange rejected malformed order parameters.
	CodeBadRequest Code = "bad_request"
	// CodeNotFound indicates a missing storage record.
	CodeNotFound Code = "not_found"
	// CodeStorage indicates a storage-layer failure that is not absence.
	CodeStorage Code = "storage"
	// CodeExchange indicates an exchange-side or transport failure.
	CodeExchange Code = "exchange"
	// CodeRateLimited indicates the request exceeded venue rate limits.
	CodeRateLimited Code = "rate_limited"
	// CodeConfig indicates invalid runtime configuration.
	CodeConfig Code = "config"
	// CodeInternal captures uncategorized failures.
	CodeInternal Code = "internal"
)

// Kind groups codes by how callers should treat them.
type Kind string

const (
	// KindTransient marks failures worth a bounded caller-level retry.
	KindTransient Kind = "transient"
	// KindRejection marks terminal exchange rejections.
	KindRejection Kind = "rejection"
	// KindConsistency marks position/order consistency violations; never
	// silently corrected.
	KindConsistency Kind = "consistency"
	// KindStorage marks storage-layer failures.
	KindStorage Kind = "storage"
	// KindInternal captures everything else.
	KindInternal Kind = "internal"
)

// E captures structured error information produced across the tally stack.
type E struct {
	Op      string
	Code    Code
	Kind    Kind
	Message string
	Order   string
	Venue   string
	Pair    string

	cause error
}

// Option configures an error envelope.
type Option func(*E)

// New constructs an error envelope for the operation and error code.
func New(op string, code Code, opts ...Option) *E {
	e := &E{
		Op:      strings.TrimSpace(op),
		Code:    code,
		Kind:    kindOf(code),
		Message: "",
		Order:   "",
		Venue:   "",
		Pair:    "",
		cause:   nil,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(e)
		}
	}
	return e
}

func kindOf(code Code) Kind {
	switch code {
	case CodeOrderMailbox, CodeInterestMailbox, CodeRateLimited:
		return KindTransient
	case CodeBadRequest, CodeInvalidPrice:
		return KindRejection
	case CodeBadOpenSignal, CodeBadCloseSignal, CodePositionLocked,
		CodeBadSideForPosition, CodeNoPositionFound, CodeNoLockForOrder,
		CodeZeroOrNegativeQty, CodeUnknownOrderState, CodeStagedOrderRequired:
		return KindConsistency
	case CodeNotFound, CodeStorage:
		return KindStorage
	default:
		return KindInternal
	}
}

// WithMessage attaches a human-readable message to the error.
func WithMessage(message string) Option {
	trimmed := strings.TrimSpace(message)
	return func(e *E) {
		e.Message = trimmed
	}
}

// WithCause sets the underlying cause error.
func WithCause(err error) Option {
	return func(e *E) {
		e.cause = err
	}
}

// WithKind overrides the kind derived from the code.
func WithKind(kind Kind) Option {
	return func(e *E) {
		e.Kind = kind
	}
}

// WithOrder records the order id the error relates to.
func WithOrder(id string) Option {
	trimmed := strings.TrimSpace(id)
	return func(e *E) {
		e.Order = trimmed
	}
}

// WithVenue records the exchange the error originated from.
func WithVenue(venue string) Option {
	trimmed := strings.TrimSpace(venue)
	return func(e *E) {
		e.Venue = trimmed
	}
}

// WithPair records the trading pair the error relates to.
func WithPair(pair string) Option {
	trimmed := strings.TrimSpace(pair)
	return func(e *E) {
		e.Pair = trimmed
	}
}

func (e *E) Error() string {
	if e == nil {
		return "<nil>"
	}
	var parts []string

	op := strings.TrimSpace(e.Op)
	if op == "" {
		op = "unknown"
	}
	parts = append(parts, "op="+op)

	code := strings.TrimSpace(string(e.Code))
	if code == "" {
		code = string(CodeInternal)
	}
	parts = append(parts, "code="+code)

	if kind := strings.TrimSpace(string(e.Kind)); kind != "" && kind != string(KindInternal) {
		parts = append(parts, "kind="+kind)
	}
	if e.Message != "" {
		parts = append(parts, "message="+strconv.Quote(e.Message))
	}

	meta := map[string]string{}
	if e.Order != "" {
		meta["order"] = e.Order
	}
	if e.Venue != "" {
		meta["venue"] = e.Venue
	}
	if e.Pair != "" {
		meta["pair"] = e.Pair
	}
	if len(meta) > 0 {
		keys := make([]string, 0, len(meta))
		for k := range meta {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			parts = append(parts, k+"="+strconv.Quote(meta[k]))
		}
	}
	if e.cause != nil {
		parts = append(parts, "cause="+strconv.Quote(e.cause.Error()))
	}

	return strings.Join(parts, " ")
}

func (e *E) Unwrap() error { return e.cause }

// CodeOf returns the stable metric label for err, walking the cause chain.
// Non-envelope errors report as "internal".
func CodeOf(err error) string {
	var e *E
	if errors.As(err, &e) && e != nil {
		return string(e.Code)
	}
	if err == nil {
		return ""
	}
	return string(CodeInternal)
}

// KindOf returns the kind for err, or KindInternal for foreign errors.
func KindOf(err error) Kind {
	var e *E
	if errors.As(err, &e) && e != nil {
		return e.Kind
	}
	return KindInternal
}

// Is reports whether err carries the given code anywhere in its chain.
func Is(err error, code Code) bool {
	var e *E
	if errors.As(err, &e) && e != nil {
		return e.Code == code
	}
	return false
}

// IsNotFound reports whether err is a storage absence error.
func IsNotFound(err error) bool { return Is(err, CodeNotFound) }

// Transient reports whether a bounded retry is worth attempting.
func Transient(err error) bool { return KindOf(err) == KindTransient }
