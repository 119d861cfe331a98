package barrier

import (
	"context"
	"testing"
	"time"

	"distcore/internal/netx"
	"distcore/pkg/types"
)

func TestWaitReleasesOnceEveryPeerHeardFrom(t *testing.T) {
	bus := netx.NewMemoryBus()
	a := netx.NewMemoryNetwork(bus, types.NodeID("a"))
	b := netx.NewMemoryNetwork(bus, types.NodeID("b"))
	c := netx.NewMemoryNetwork(bus, types.NodeID("c"))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	errs := make(chan error, 3)
	go func() { errs <- Wait(ctx, a, []types.NodeID{"b", "c"}) }()
	go func() { errs <- Wait(ctx, b, []types.NodeID{"a", "c"}) }()
	go func() { errs <- Wait(ctx, c, []types.NodeID{"a", "b"}) }()

	for i := 0; i < 3; i++ {
		select {
		case err := <-errs:
			if err != nil {
				t.Fatalf("barrier returned an error: %v", err)
			}
		case <-time.After(5 * time.Second):
			t.Fatalf("timed out waiting for barrier %d to release", i)
		}
	}
}

func TestWaitTimesOutWhenAPeerNeverGreets(t *testing.T) {
	bus := netx.NewMemoryBus()
	a := netx.NewMemoryNetwork(bus, types.NodeID("a"))
	// "ghost" never joins the bus and never calls Wait itself.

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()

	err := Wait(ctx, a, []types.NodeID{"ghost"})
	if err == nil {
		t.Fatalf("expected a timeout error when a peer never greets back")
	}
}

func TestWaitWithNoOtherPeersReturnsImmediately(t *testing.T) {
	bus := netx.NewMemoryBus()
	a := netx.NewMemoryNetwork(bus, types.NodeID("a"))

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	if err := Wait(ctx, a, nil); err != nil {
		t.Fatalf("expected immediate success with no peers, got: %v", err)
	}
}

func TestWaitToleratesArbitraryGreetOrder(t *testing.T) {
	bus := netx.NewMemoryBus()
	a := netx.NewMemoryNetwork(bus, types.NodeID("a"))
	b := netx.NewMemoryNetwork(bus, types.NodeID("b"))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	// Start b's wait well before a's, so b greets first while a has no
	// setup receiver yet and that greeting is lost. a's own greeting then
	// releases b, and b's reply to it releases a.
	bErr := make(chan error, 1)
	go func() { bErr <- Wait(ctx, b, []types.NodeID{"a"}) }()
	time.Sleep(50 * time.Millisecond)

	if err := Wait(ctx, a, []types.NodeID{"b"}); err != nil {
		t.Fatalf("a's wait failed: %v", err)
	}
	select {
	case err := <-bErr:
		if err != nil {
			t.Fatalf("b's wait failed: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("timed out waiting for b's barrier to release")
	}
}
