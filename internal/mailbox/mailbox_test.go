package mailbox

import (
	"context"
	"testing"

	"github.com/coachpo/tally/errs"
)

func TestSendAndReceiveInOrder(t *testing.T) {
	box := New[int]("orders", 4, errs.CodeOrderMailbox)
	ctx := context.Background()

	for i := 1; i <= 3; i++ {
		if err := box.Send(ctx, i); err != nil {
			t.Fatalf("send %d: %v", i, err)
		}
	}
	for want := 1; want <= 3; want++ {
		got := <-box.Receive()
		if got != want {
			t.Fatalf("expected %d, got %d", want, got)
		}
	}
}

func TestFullMailboxRejectsWithOwnCode(t *testing.T) {
	box := New[string]("orders", 1, errs.CodeOrderMailbox)
	ctx := context.Background()

	if err := box.Send(ctx, "first"); err != nil {
		t.Fatalf("send first: %v", err)
	}
	err := box.Send(ctx, "second")
	if err == nil {
		t.Fatal("expected backpressure error")
	}
	if !errs.Is(err, errs.CodeOrderMailbox) {
		t.Fatalf("expected order_mailbox code, got %v", err)
	}
	if !errs.Transient(err) {
		t.Fatalf("expected backpressure to be transient, got %v", err)
	}

	// Draining one slot makes the next send succeed.
	<-box.Receive()
	if err := box.Send(ctx, "third"); err != nil {
		t.Fatalf("send after drain: %v", err)
	}
}

func TestDistinctMailboxesCarryDistinctCodes(t *testing.T) {
	orders := New[int]("orders", 1, errs.CodeOrderMailbox)
	interest := New[int]("interest", 1, errs.CodeInterestMailbox)
	ctx := context.Background()

	_ = orders.Send(ctx, 1)
	_ = interest.Send(ctx, 1)

	if err := orders.Send(ctx, 2); !errs.Is(err, errs.CodeOrderMailbox) {
		t.Fatalf("expected order_mailbox, got %v", err)
	}
	if err := interest.Send(ctx, 2); !errs.Is(err, errs.CodeInterestMailbox) {
		t.Fatalf("expected interest_mailbox, got %v", err)
	}
}

func TestClosedMailboxFailsSendsAndDrains(t *testing.T) {
	box := New[int]("orders", 2, errs.CodeOrderMailbox)
	ctx := context.Background()

	if err := box.Send(ctx, 7); err != nil {
		t.Fatalf("send: %v", err)
	}
	box.Close()
	box.Close() // idempotent

	if err := box.Send(ctx, 8); !errs.Is(err, errs.CodeMailboxClosed) {
		t.Fatalf("expected mailbox_closed, got %v", err)
	}

	got, ok := <-box.Receive()
	if !ok || got != 7 {
		t.Fatalf("expected buffered message 7, got %d ok=%v", got, ok)
	}
	if _, ok := <-box.Receive(); ok {
		t.Fatal("expected channel closed after drain")
	}
}

func TestCapacityFloor(t *testing.T) {
	box := New[int]("tiny", 0, errs.CodeOrderMailbox)
	if box.Cap() != 1 {
		t.Fatalf("expected capacity floor of 1, got %d", box.Cap())
	}
}
