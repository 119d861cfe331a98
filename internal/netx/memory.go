package netx

import (
	"encoding/json"
	"fmt"
	"sync"

	"distcore/internal/protocol"
	"distcore/pkg/types"
)

// MemoryBus is the shared registry a set of MemoryNetwork instances join to
// reach each other without sockets. Tests and single-process demos create
// one bus and hand every node its own MemoryNetwork over it.
type MemoryBus struct {
	mu    sync.Mutex
	nodes map[types.NodeID]*MemoryNetwork
}

// NewMemoryBus returns an empty bus.
func NewMemoryBus() *MemoryBus {
	return &MemoryBus{nodes: make(map[types.NodeID]*MemoryNetwork)}
}

func (b *MemoryBus) join(n *MemoryNetwork) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nodes[n.self] = n
}

func (b *MemoryBus) lookup(id types.NodeID) (*MemoryNetwork, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	n, ok := b.nodes[id]
	return n, ok
}

// MemoryNetwork implements Network entirely in-process: SendMessage looks
// the target up on the shared bus and invokes its receiver directly,
// on a fresh goroutine so callers never block on a slow receiver. There
// is no framing, no reconnection and no authentication to model: it
// generalizes the single-node echo loopback a minimal transport would
// otherwise need for unit tests into one that actually carries traffic
// between distinct simulated nodes.
type MemoryNetwork struct {
	self types.NodeID
	bus  *MemoryBus

	mu        sync.Mutex
	receivers map[protocol.Topic]Receiver
	peers     map[types.NodeID]types.Peer
	stopped   bool
}

// NewMemoryNetwork creates a node on bus and joins it under self.
func NewMemoryNetwork(bus *MemoryBus, self types.NodeID) *MemoryNetwork {
	n := &MemoryNetwork{
		self:      self,
		bus:       bus,
		receivers: make(map[protocol.Topic]Receiver),
		peers:     make(map[types.NodeID]types.Peer),
	}
	bus.join(n)
	return n
}

func (n *MemoryNetwork) Self() types.NodeID { return n.self }

// RegisterNode records peer for bookkeeping; delivery on the bus is always
// by NodeID lookup, so this only needs the peer to already have joined.
func (n *MemoryNetwork) RegisterNode(id types.NodeID, peer types.Peer) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.peers[id] = peer
	return nil
}

func (n *MemoryNetwork) RegisterReceiver(topic protocol.Topic, fn Receiver) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.receivers[topic] = fn
}

func (n *MemoryNetwork) receiverFor(topic protocol.Topic) Receiver {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.receivers[topic]
}

// SendMessage marshals payload exactly as the socket-backed transports do
// (so fingerprints and shapes stay identical regardless of which Network
// implementation is in play), then hands it to the target's receiver.
func (n *MemoryNetwork) SendMessage(target types.NodeID, topic protocol.Topic, payload any) error {
	n.mu.Lock()
	stopped := n.stopped
	n.mu.Unlock()
	if stopped {
		return fmt.Errorf("netx: network stopped")
	}

	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("netx: marshal payload: %w", err)
	}

	if target == n.self {
		if fn := n.receiverFor(topic); fn != nil {
			fn(n.self, raw)
		}
		return nil
	}

	peer, ok := n.bus.lookup(target)
	if !ok {
		return fmt.Errorf("netx: no node %s on this bus", target)
	}
	go func() {
		if fn := peer.receiverFor(topic); fn != nil {
			fn(n.self, raw)
		}
	}()
	return nil
}

func (n *MemoryNetwork) Stop() error {
	n.mu.Lock()
	n.stopped = true
	n.mu.Unlock()
	return nil
}
