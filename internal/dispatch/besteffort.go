package dispatch

import (
	"encoding/json"
	"errors"
	"log"

	"distcore/internal/netx"
	"distcore/internal/protocol"
	"distcore/pkg/types"
)

// BestEffort sends a payload to every member (including self, via the
// network's own self-loop) and delivers on receipt. It performs no
// deduplication: correctness depends on every peer being honest,
// reachable, and the sender not crashing mid-broadcast.
type BestEffort struct {
	*Base
	net     netx.Network
	members []types.NodeID
}

// NewBestEffort registers the TopicBestEffort receiver and returns a
// strategy ready to broadcast over n.
func NewBestEffort(n netx.Network, members []types.NodeID) *BestEffort {
	be := &BestEffort{Base: NewBase(), net: n, members: members}
	n.RegisterReceiver(protocol.TopicBestEffort, func(_ types.NodeID, raw json.RawMessage) {
		var payload any
		if err := json.Unmarshal(raw, &payload); err != nil {
			log.Printf("[dispatch] best-effort: undecodable payload: %v", err)
			return
		}
		be.deliver(payload)
	})
	return be
}

// Broadcast sends payload to every member on TopicBestEffort.
func (be *BestEffort) Broadcast(payload any) error {
	var errs error
	for _, id := range be.members {
		if err := be.net.SendMessage(id, protocol.TopicBestEffort, payload); err != nil {
			errs = errors.Join(errs, err)
		}
	}
	return errs
}
