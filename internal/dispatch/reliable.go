package dispatch

import (
	"encoding/json"
	"errors"
	"log"
	"sync"

	"distcore/internal/netx"
	"distcore/internal/protocol"
	"distcore/pkg/types"
)

// messageState is the per-fingerprint Bracha state. Once readySent flips,
// echoSenders is released; once accepted flips, readySenders is released
// and exactly one delivery has occurred locally for this fingerprint.
// Both flags, and accepted, are set-once: re-entering a condition that
// already fired performs no duplicate side effect.
type messageState struct {
	msg protocol.AnnotatedMessage

	echoSent  bool
	readySent bool
	accepted  bool

	echoSenders  map[types.NodeID]struct{}
	readySenders map[types.NodeID]struct{}
}

// Reliable implements Bracha-style three-phase reliable broadcast:
// initial -> echo -> ready, with quorum thresholds f = floor((n-1)/3),
// tolerating up to f Byzantine members out of n.
type Reliable struct {
	*Base
	net     netx.Network
	members []types.NodeID
	f       int

	mu     sync.Mutex
	states map[protocol.Fingerprint]*messageState
}

// NewReliable computes f from len(members) and wires up the three
// reliable-broadcast topics on n.
func NewReliable(n netx.Network, members []types.NodeID) *Reliable {
	r := &Reliable{
		Base:    NewBase(),
		net:     n,
		members: members,
		f:       (len(members) - 1) / 3,
		states:  make(map[protocol.Fingerprint]*messageState),
	}
	n.RegisterReceiver(protocol.TopicInitial, r.handleInitial)
	n.RegisterReceiver(protocol.TopicEcho, func(from types.NodeID, raw json.RawMessage) {
		r.handleEchoOrReady(from, raw, false)
	})
	n.RegisterReceiver(protocol.TopicReady, func(from types.NodeID, raw json.RawMessage) {
		r.handleEchoOrReady(from, raw, true)
	})
	return r
}

// Broadcast assigns a fresh UUID and sends an initial MessageWithId to every
// member on TopicInitial. Its body is the JSON object
// {"uuid": ..., "payload": ...}, not a two-element array. Self is
// included, which exercises the same reception path, so
// the sender also goes through echo/ready/accept and delivers to itself
// exactly once.
func (r *Reliable) Broadcast(payload any) error {
	msg := protocol.MessageWithId{UUID: protocol.NewMessageID(), Payload: payload}
	return r.sendToEveryone(protocol.TopicInitial, msg)
}

func (r *Reliable) sendToEveryone(topic protocol.Topic, body any) error {
	var errs error
	for _, id := range r.members {
		if err := r.net.SendMessage(id, topic, body); err != nil {
			errs = errors.Join(errs, err)
		}
	}
	return errs
}

// handleInitial promotes a shape-valid initial into an AnnotatedMessage
// attributed to its sender, and, exactly once per fingerprint, sends
// this node's own echo. It does not itself record any sender or check
// quorum: that happens when the resulting echo (including the self-loop
// copy this node sends itself) actually arrives via handleEchoOrReady.
func (r *Reliable) handleInitial(from types.NodeID, raw json.RawMessage) {
	var m protocol.MessageWithId
	if err := json.Unmarshal(raw, &m); err != nil {
		log.Printf("[dispatch] reliable: undecodable initial: %v", err)
		return
	}
	if !m.IsShapeValid() {
		log.Printf("[dispatch] reliable: shape-invalid initial from %s", from)
		return
	}
	annotated := protocol.AnnotatedMessage{UUID: m.UUID, Payload: m.Payload, Originator: from}
	fp, err := protocol.ComputeFingerprint(annotated)
	if err != nil {
		log.Printf("[dispatch] reliable: fingerprint: %v", err)
		return
	}
	st := r.stateFor(fp, annotated)

	r.mu.Lock()
	shouldEcho := !st.echoSent
	if shouldEcho {
		st.echoSent = true
	}
	r.mu.Unlock()

	if shouldEcho {
		if err := r.sendToEveryone(protocol.TopicEcho, st.msg); err != nil {
			log.Printf("[dispatch] reliable: echo fanout: %v", err)
		}
	}
}

// handleEchoOrReady handles a shape-valid echo or ready frame: it records
// the sender, and, guarded by the readiness and acceptance conditions,
// advances echoSent/readySent/accepted at most once each.
func (r *Reliable) handleEchoOrReady(from types.NodeID, raw json.RawMessage, isReady bool) {
	var m protocol.AnnotatedMessage
	if err := json.Unmarshal(raw, &m); err != nil {
		log.Printf("[dispatch] reliable: undecodable echo/ready: %v", err)
		return
	}
	if !m.IsShapeValid() {
		log.Printf("[dispatch] reliable: shape-invalid echo/ready from %s", from)
		return
	}
	fp, err := protocol.ComputeFingerprint(m)
	if err != nil {
		log.Printf("[dispatch] reliable: fingerprint: %v", err)
		return
	}
	st := r.stateFor(fp, m)

	r.mu.Lock()
	if isReady {
		if st.readySenders != nil {
			st.readySenders[from] = struct{}{}
		}
	} else {
		if st.echoSenders != nil {
			st.echoSenders[from] = struct{}{}
		}
	}

	echoCount := len(st.echoSenders)
	readyCount := len(st.readySenders)
	n := len(r.members)
	readinessFires := readyCount >= r.f+1 || 2*echoCount > n+r.f

	needEcho := readinessFires && !st.echoSent
	needReady := readinessFires && !st.readySent
	if needEcho {
		st.echoSent = true
	}
	if needReady {
		st.readySent = true
		st.echoSenders = nil
	}

	acceptFires := !st.accepted && readyCount >= 2*r.f+1
	var deliverPayload any
	if acceptFires {
		st.accepted = true
		deliverPayload = st.msg.Payload
		st.readySenders = nil
	}
	r.mu.Unlock()

	if needEcho {
		if err := r.sendToEveryone(protocol.TopicEcho, st.msg); err != nil {
			log.Printf("[dispatch] reliable: echo fanout: %v", err)
		}
	}
	if needReady {
		if err := r.sendToEveryone(protocol.TopicReady, st.msg); err != nil {
			log.Printf("[dispatch] reliable: ready fanout: %v", err)
		}
	}
	if acceptFires {
		r.deliver(deliverPayload)
	}
}

func (r *Reliable) stateFor(fp protocol.Fingerprint, msg protocol.AnnotatedMessage) *messageState {
	r.mu.Lock()
	defer r.mu.Unlock()
	st, ok := r.states[fp]
	if !ok {
		st = &messageState{
			msg:          msg,
			echoSenders:  make(map[types.NodeID]struct{}),
			readySenders: make(map[types.NodeID]struct{}),
		}
		r.states[fp] = st
	}
	return st
}
