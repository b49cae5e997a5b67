package errs

import (
	"errors"
	"fmt"
	"strings"
	"testing"
)

func TestErrorFormattingIncludesKindAndMetadata(t *testing.T) {
	err := New(
		"orders.resolve",
		CodePositionLocked,
		WithMessage("operation already in flight"),
		WithOrder("ord-123"),
		WithVenue("binance"),
		WithPair("BTC_USDT"),
		WithCause(errors.New("lock held since start")),
	)

	out := err.Error()
	if !strings.Contains(out, "op=orders.resolve") {
		t.Fatalf("expected op marker in error string: %s", out)
	}
	if !strings.Contains(out, "code=position_locked") {
		t.Fatalf("expected code in error string: %s", out)
	}
	if !strings.Contains(out, "kind=consistency") {
		t.Fatalf("expected kind classification in error string: %s", out)
	}
	if !strings.Contains(out, "order=\"ord-123\"") {
		t.Fatalf("expected order metadata in error string: %s", out)
	}
	if !strings.Contains(out, "pair=\"BTC_USDT\"") {
		t.Fatalf("expected pair metadata in error string: %s", out)
	}
	if !strings.Contains(out, "cause=\"lock held since start\"") {
		t.Fatalf("expected wrapped cause in error string: %s", out)
	}
}

func TestCodeOfWalksWrappedChain(t *testing.T) {
	inner := New("storage.get", CodeNotFound)
	wrapped := fmt.Errorf("load order: %w", inner)

	if got := CodeOf(wrapped); got != "not_found" {
		t.Fatalf("expected not_found label, got %q", got)
	}
	if !IsNotFound(wrapped) {
		t.Fatal("expected IsNotFound to see through the wrapping")
	}
}

func TestCodeOfForeignError(t *testing.T) {
	if got := CodeOf(errors.New("plain")); got != "internal" {
		t.Fatalf("expected internal label for foreign error, got %q", got)
	}
	if got := CodeOf(nil); got != "" {
		t.Fatalf("expected empty label for nil error, got %q", got)
	}
}

func TestKindDerivation(t *testing.T) {
	cases := []struct {
		code Code
		kind Kind
	}{
		{CodeOrderMailbox, KindTransient},
		{CodeRateLimited, KindTransient},
		{CodeBadRequest, KindRejection},
		{CodeBadOpenSignal, KindConsistency},
		{CodeUnknownOrderState, KindConsistency},
		{CodeNotFound, KindStorage},
		{CodeExchange, KindInternal},
	}
	for _, tc := range cases {
		if got := New("test", tc.code).Kind; got != tc.kind {
			t.Fatalf("code %s: expected kind %s, got %s", tc.code, tc.kind, got)
		}
	}
	if !Transient(New("test", CodeInterestMailbox)) {
		t.Fatal("expected mailbox overflow to be transient")
	}
	if Transient(New("test", CodeBadCloseSignal)) {
		t.Fatal("consistency violations must not be transient")
	}
}

func TestWithKindOverride(t *testing.T) {
	err := New("exchange.place", CodeExchange, WithKind(KindTransient))
	if err.Kind != KindTransient {
		t.Fatalf("expected kind override, got %s", err.Kind)
	}
}

func TestNilErrorString(t *testing.T) {
	var e *E
	if got := e.Error(); got != "<nil>" {
		t.Fatalf("expected <nil> string for nil error, got %q", got)
	}
}
