package mockbus

import (
	"context"
	"testing"
	"time"

	"github.com/nugget/hsipc/internal/envelope"
	"github.com/nugget/hsipc/internal/transport"
)

func TestTargetedSendDeliversOnlyToTarget(t *testing.T) {
	busName := uniqueBusName(t)
	a := New(nil)
	b := New(nil)
	c := New(nil)
	ctx := context.Background()
	must(t, a.Join(ctx, busName, "a"))
	must(t, b.Join(ctx, busName, "b"))
	must(t, c.Join(ctx, busName, "c"))
	defer a.Close()
	defer b.Close()
	defer c.Close()

	e := envelope.New(envelope.KindRequest, "a")
	e.Target = "b"
	if err := a.Send(ctx, "b", e); err != nil {
		t.Fatalf("Send: %v", err)
	}

	got, err := b.Recv(ctx)
	if err != nil {
		t.Fatalf("Recv on b: %v", err)
	}
	if got.ID != e.ID {
		t.Fatalf("got envelope %q, want %q", got.ID, e.ID)
	}

	if _, err := c.Recv(ctx); err != transport.ErrRecvTimeout {
		t.Fatalf("Recv on c = %v, want ErrRecvTimeout", err)
	}
}

func TestBroadcastReachesAllEndpoints(t *testing.T) {
	busName := uniqueBusName(t)
	a := New(nil)
	b := New(nil)
	ctx := context.Background()
	must(t, a.Join(ctx, busName, "a"))
	must(t, b.Join(ctx, busName, "b"))
	defer a.Close()
	defer b.Close()

	e := envelope.New(envelope.KindEvent, "a")
	if err := a.Send(ctx, "", e); err != nil {
		t.Fatalf("Send: %v", err)
	}

	got, err := b.Recv(ctx)
	if err != nil {
		t.Fatalf("Recv on b: %v", err)
	}
	if got.ID != e.ID {
		t.Fatalf("got envelope %q, want %q", got.ID, e.ID)
	}
}

func TestSendToUnknownEndpointErrors(t *testing.T) {
	busName := uniqueBusName(t)
	a := New(nil)
	ctx := context.Background()
	must(t, a.Join(ctx, busName, "a"))
	defer a.Close()

	e := envelope.New(envelope.KindRequest, "a")
	if err := a.Send(ctx, "nobody", e); err == nil {
		t.Fatal("expected error sending to unknown endpoint")
	}
}

func TestRecvTimeoutWhenIdle(t *testing.T) {
	busName := uniqueBusName(t)
	a := New(nil)
	ctx := context.Background()
	must(t, a.Join(ctx, busName, "a"))
	defer a.Close()

	start := time.Now()
	_, err := a.Recv(ctx)
	if err != transport.ErrRecvTimeout {
		t.Fatalf("err = %v, want ErrRecvTimeout", err)
	}
	if elapsed := time.Since(start); elapsed < 50*time.Millisecond {
		t.Fatalf("returned too quickly: %v", elapsed)
	}
}

func TestCloseUnregistersEndpoint(t *testing.T) {
	busName := uniqueBusName(t)
	a := New(nil)
	b := New(nil)
	ctx := context.Background()
	must(t, a.Join(ctx, busName, "a"))
	must(t, b.Join(ctx, busName, "b"))
	defer b.Close()

	must(t, a.Close())

	if err := b.Send(ctx, "a", envelope.New(envelope.KindRequest, "b")); err == nil {
		t.Fatal("expected error sending to a closed endpoint")
	}
}

func must(t *testing.T, err error) {
	t.Helper()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

var busSeq int

func uniqueBusName(t *testing.T) string {
	t.Helper()
	busSeq++
	return t.Name() + "-" + string(rune('a'+busSeq%26))
}
