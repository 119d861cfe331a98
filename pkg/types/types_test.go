package types

import (
	"encoding/json"
	"testing"
)

type demoTarget struct {
	Kind string `json:"kind"`
	ID   string `json:"id"`
}

func TestTargetRefEqualFieldsSameKey(t *testing.T) {
	a, err := NewTargetRef(demoTarget{Kind: "counter", ID: "c1"})
	if err != nil {
		t.Fatalf("build a: %v", err)
	}
	b, err := NewTargetRef(demoTarget{Kind: "counter", ID: "c1"})
	if err != nil {
		t.Fatalf("build b: %v", err)
	}
	if a.Key() != b.Key() {
		t.Fatalf("expected equal-field TargetRefs to share a key: %q != %q", a.Key(), b.Key())
	}
}

func TestTargetRefWireRoundTripMatchesLocalConstruction(t *testing.T) {
	local, err := NewTargetRef(demoTarget{Kind: "counter", ID: "c1"})
	if err != nil {
		t.Fatalf("build local: %v", err)
	}

	wire, err := json.Marshal(local)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}

	var decoded TargetRef
	if err := json.Unmarshal(wire, &decoded); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}

	if local.Key() != decoded.Key() {
		t.Fatalf("wire round-trip produced a different key: local=%q decoded=%q", local.Key(), decoded.Key())
	}
}

func TestTargetRefDifferentFieldsDifferentKey(t *testing.T) {
	a, _ := NewTargetRef(demoTarget{Kind: "counter", ID: "c1"})
	b, _ := NewTargetRef(demoTarget{Kind: "counter", ID: "c2"})
	if a.Key() == b.Key() {
		t.Fatalf("expected distinct keys for distinct targets")
	}
}

func TestTargetRefUnmarshalRoundTripsUnderlyingValue(t *testing.T) {
	ref, err := NewTargetRef(demoTarget{Kind: "counter", ID: "c1"})
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	var out demoTarget
	if err := ref.Unmarshal(&out); err != nil {
		t.Fatalf("unmarshal underlying value: %v", err)
	}
	if out.Kind != "counter" || out.ID != "c1" {
		t.Fatalf("unexpected underlying value: %+v", out)
	}
}

func TestMembershipIncludesSelf(t *testing.T) {
	self := NodeID("a")
	m := Membership{
		self:         Peer{Host: "127.0.0.1", Port: 7001},
		NodeID("b"): Peer{Host: "127.0.0.1", Port: 7002},
	}
	if _, ok := m[self]; !ok {
		t.Fatalf("expected membership to contain self")
	}
}

func TestPeerString(t *testing.T) {
	p := Peer{Host: "127.0.0.1", Port: 7001}
	if p.String() != "127.0.0.1:7001" {
		t.Fatalf("unexpected peer string: %q", p.String())
	}
}
