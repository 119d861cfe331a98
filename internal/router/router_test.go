package router

import (
	"testing"

	"distcore/internal/dispatch"
	"distcore/pkg/types"
)

type demoTarget struct {
	Kind string `json:"kind"`
	ID   string `json:"id"`
}

func TestCachedRouterLazilyMaterializesOnFirstDelivery(t *testing.T) {
	local := dispatch.NewLocal()
	received := make(chan any, 4)

	var r *CachedRouter
	materializeCalls := 0
	factory := func(target types.TargetRef, self types.NodeID) error {
		materializeCalls++
		return r.AddReceiverFor(target, func(message any) {
			// receiver installed by the factory itself
			received <- message
		})
	}
	r = New(local, types.NodeID("a"), factory)

	target, err := types.NewTargetRef(demoTarget{Kind: "counter", ID: "c1"})
	if err != nil {
		t.Fatalf("build target: %v", err)
	}

	if err := r.SendMessageTo(target, float64(42)); err != nil {
		t.Fatalf("send: %v", err)
	}

	select {
	case got := <-received:
		if got != float64(42) {
			t.Fatalf("got %v, want 42", got)
		}
	default:
		t.Fatalf("expected synchronous delivery for the local dispatcher")
	}

	if materializeCalls != 1 {
		t.Fatalf("factory invoked %d times, want exactly 1", materializeCalls)
	}

	// A second message to the same target must not re-invoke the factory.
	if err := r.SendMessageTo(target, float64(43)); err != nil {
		t.Fatalf("send: %v", err)
	}
	select {
	case got := <-received:
		if got != float64(43) {
			t.Fatalf("got %v, want 43", got)
		}
	default:
		t.Fatalf("expected synchronous delivery on the second send")
	}
	if materializeCalls != 1 {
		t.Fatalf("factory invoked %d times after a second send, want still 1", materializeCalls)
	}
}

func TestCachedRouterAddReceiverForRejectsDuplicates(t *testing.T) {
	local := dispatch.NewLocal()
	r := New(local, types.NodeID("a"), nil)

	target, err := types.NewTargetRef(demoTarget{Kind: "counter", ID: "c2"})
	if err != nil {
		t.Fatalf("build target: %v", err)
	}

	if err := r.AddReceiverFor(target, func(any) {}); err != nil {
		t.Fatalf("first registration: %v", err)
	}
	if err := r.AddReceiverFor(target, func(any) {}); err == nil {
		t.Fatalf("expected the second registration for the same target to fail")
	}
}

func TestCachedRouterPanicsWhenFactoryDoesNotMaterializeAReceiver(t *testing.T) {
	local := dispatch.NewLocal()
	noopFactory := func(types.TargetRef, types.NodeID) error { return nil }
	r := New(local, types.NodeID("a"), noopFactory)

	target, err := types.NewTargetRef(demoTarget{Kind: "counter", ID: "c3"})
	if err != nil {
		t.Fatalf("build target: %v", err)
	}

	defer func() {
		if recover() == nil {
			t.Fatalf("expected a panic when no receiver exists after materialization")
		}
	}()
	_ = r.SendMessageTo(target, "irrelevant")
}

func TestCachedRouterWithNoFactoryPanicsOnUnknownTarget(t *testing.T) {
	local := dispatch.NewLocal()
	r := New(local, types.NodeID("a"), nil)

	target, err := types.NewTargetRef(demoTarget{Kind: "counter", ID: "c4"})
	if err != nil {
		t.Fatalf("build target: %v", err)
	}

	defer func() {
		if recover() == nil {
			t.Fatalf("expected a panic when no factory is configured and no receiver exists")
		}
	}()
	_ = r.SendMessageTo(target, "irrelevant")
}
