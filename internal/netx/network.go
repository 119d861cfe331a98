// Package netx is the message-distribution core's transport layer: frame
// reassembly, a Network contract giving every topic-keyed receiver
// best-effort, exactly-once-per-send delivery between correct peers, a
// plain implementation with no sender authentication, an encrypted sibling
// that adds an RSA handshake and AES-256-CBC steady state, and an
// in-memory loopback bus for tests and single-process demos.
package netx

import (
	"encoding/json"

	"distcore/internal/protocol"
	"distcore/pkg/types"
)

// Receiver is invoked with a frame's payload on the topic it was
// registered for.
type Receiver func(from types.NodeID, payload json.RawMessage)

// Network is the contract every transport implementation satisfies.
// PlainNetwork and EncryptedNetwork both implement it, as does
// MemoryNetwork for tests.
type Network interface {
	// Self returns this network's own NodeID.
	Self() types.NodeID
	// RegisterNode declares or updates the address of a peer. If id is
	// not self, any prior outbound connection to that id is torn down and
	// a fresh one opened.
	RegisterNode(id types.NodeID, peer types.Peer) error
	// RegisterReceiver installs the handler for topic, replacing any
	// prior one.
	RegisterReceiver(topic protocol.Topic, fn Receiver)
	// SendMessage delivers payload on topic to target. If target is
	// self, the registered receiver (if any) is invoked synchronously.
	SendMessage(target types.NodeID, topic protocol.Topic, payload any) error
	// Stop tears down all connections and suppresses reconnection.
	Stop() error
}
