// Package types holds the value types shared across the message-distribution
// core: node identity, peer addresses, membership, and the opaque target
// reference a payload is addressed to.
package types

import (
	"encoding/json"
	"fmt"
)

// NodeID names a participant. It is opaque and stable for the lifetime of
// a deployment.
type NodeID string

// Peer is a transport-specific address record. For the stream-socket
// transports in this module that means host + port.
type Peer struct {
	Host string `json:"host"`
	Port int    `json:"port"`
}

func (p Peer) String() string {
	return fmt.Sprintf("%s:%d", p.Host, p.Port)
}

// Membership is a fixed mapping from NodeID to Peer, including self. It is
// never mutated after construction: dynamic membership is out of scope.
type Membership map[NodeID]Peer

// TargetRef is an opaque identifier for a replica. It is compared by
// canonical serialized form, never by reference: two separately
// constructed TargetRefs with equal fields address the same receiver.
type TargetRef struct {
	key string
	raw json.RawMessage
}

// NewTargetRef builds a TargetRef from any JSON-marshalable identity
// value. The canonical key is produced by marshaling v and then
// round-tripping it through a generic value. encoding/json already sorts
// map keys, but a struct marshals its fields in declaration order, so the
// round-trip through map[string]any normalizes both shapes to the same
// sorted form. Field-equal values always produce the same key regardless
// of which process, call site, or wire decode constructed them.
func NewTargetRef(v any) (TargetRef, error) {
	first, err := json.Marshal(v)
	if err != nil {
		return TargetRef{}, fmt.Errorf("types: marshal target ref: %w", err)
	}
	return canonicalizeTargetRef(first)
}

func canonicalizeTargetRef(data []byte) (TargetRef, error) {
	var generic any
	if err := json.Unmarshal(data, &generic); err != nil {
		return TargetRef{}, fmt.Errorf("types: decode target ref: %w", err)
	}
	raw, err := json.Marshal(generic)
	if err != nil {
		return TargetRef{}, fmt.Errorf("types: canonicalize target ref: %w", err)
	}
	return TargetRef{key: string(raw), raw: raw}, nil
}

// Key returns the canonical string used both as the map key backing the
// router's receiver table and for TargetRef equality.
func (t TargetRef) Key() string { return t.key }

// Raw returns the canonical JSON encoding of the identity value the
// TargetRef was built from.
func (t TargetRef) Raw() json.RawMessage { return t.raw }

// Unmarshal decodes the TargetRef's underlying identity value into v.
func (t TargetRef) Unmarshal(v any) error {
	return json.Unmarshal(t.raw, v)
}

func (t TargetRef) String() string { return t.key }

// MarshalJSON lets a TargetRef round-trip inside a larger envelope
// (AnnotatedPayload) without double-encoding.
func (t TargetRef) MarshalJSON() ([]byte, error) {
	if t.raw == nil {
		return []byte("null"), nil
	}
	return t.raw, nil
}

// UnmarshalJSON rebuilds the canonical key from the wire bytes so it
// matches whatever NewTargetRef would have produced for the same logical
// value, regardless of incidental whitespace/ordering on the wire.
func (t *TargetRef) UnmarshalJSON(data []byte) error {
	ref, err := canonicalizeTargetRef(data)
	if err != nil {
		return err
	}
	*t = ref
	return nil
}
