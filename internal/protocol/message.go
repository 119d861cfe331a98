package protocol

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"

	"distcore/pkg/types"
)

// NewMessageID generates a fresh UUID for a freshly-broadcast message.
// Grounded on Prasang-money-distributedCounter's use of uuid.New().String()
// for its own per-increment dedup ids.
func NewMessageID() string { return uuid.NewString() }

// MessageWithId is the initial-phase reliable-broadcast payload: a fresh
// UUID paired with the opaque application payload.
type MessageWithId struct {
	UUID    string `json:"uuid"`
	Payload any    `json:"payload"`
}

// IsShapeValid reports whether a decoded MessageWithId has the required
// fields. Malformed frames are dropped, never panicked on.
func (m MessageWithId) IsShapeValid() bool { return m.UUID != "" }

// AnnotatedMessage is the echo/ready-phase payload: the initial message
// plus the NodeID of the node that sent that initial, attached by the
// receiver that promotes it from `initial` into `echo`.
type AnnotatedMessage struct {
	UUID       string       `json:"uuid"`
	Payload    any          `json:"payload"`
	Originator types.NodeID `json:"originatorId"`
}

// IsShapeValid reports whether a decoded AnnotatedMessage has the required
// fields.
func (m AnnotatedMessage) IsShapeValid() bool {
	return m.UUID != "" && m.Originator != ""
}

// Fingerprint identifies an AnnotatedMessage by (uuid, sha256 of its
// canonical encoding). Two AnnotatedMessages sharing a UUID but differing
// in payload or originator are distinct fingerprints: an equivocating
// sender cannot make two correct nodes converge on different content
// under the same UUID.
type Fingerprint string

// ComputeFingerprint renders the stable (uuid, hash) pair used to key all
// reliable-broadcast per-message state.
func ComputeFingerprint(m AnnotatedMessage) (Fingerprint, error) {
	canon, err := Canonical(m)
	if err != nil {
		return "", fmt.Errorf("protocol: canonicalize annotated message: %w", err)
	}
	sum := sha256.Sum256(canon)
	return Fingerprint(m.UUID + ":" + hex.EncodeToString(sum[:])), nil
}

// Canonical commits to a single deterministic serialization for hashing
// and keying. encoding/json marshals struct fields in declaration order
// and marshals map keys in sorted order unconditionally, so this is
// already stable across processes and across separately constructed but
// field-equal values.
func Canonical(v any) ([]byte, error) {
	return json.Marshal(v)
}
