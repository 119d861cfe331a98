// Package router demultiplexes payloads delivered by a broadcast
// dispatcher to per-target receivers, lazily materializing a target's
// replica on first unsolicited delivery.
package router

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"distcore/pkg/types"
)

// ErrDuplicateReceiver is returned when AddReceiverFor is called twice for
// the same target: a programmer error, surfaced loudly rather than
// silently overwritten.
var ErrDuplicateReceiver = errors.New("router: receiver already registered for this target")

// ErrReceiverMissing is wrapped into the panic raised when a delivered
// payload's target still has no receiver after materialization was
// attempted.
var ErrReceiverMissing = errors.New("router: no receiver for target after materialization; the CRDT was likely created against a different router instance")

// Dispatcher is the minimal surface the router needs from a broadcast
// strategy (best-effort, reliable/Bracha, or local).
type Dispatcher interface {
	AddReceiver(fn func(payload any))
	Broadcast(payload any) error
}

// AnnotatedPayload is what actually travels over the dispatcher: a
// payload addressed to a TargetRef.
type AnnotatedPayload struct {
	Target  types.TargetRef `json:"target"`
	Message any             `json:"message"`
}

// Receiver is a target's local delivery callback. It is fire-and-forget
// from the router's perspective.
type Receiver func(message any)

// Factory lazily materializes the replica for a target that has no
// receiver yet. It is expected, during its own construction, to call
// back into AddReceiverFor on this same router, registering its
// receiver before the router re-checks the map.
type Factory func(target types.TargetRef, self types.NodeID) error

// CachedRouter wraps a Dispatcher, keeping an own receiver table keyed by
// TargetRef.Key() so equal-by-value TargetRefs from different call sites
// or different wire decodes always resolve to the same entry.
type CachedRouter struct {
	dispatcher Dispatcher
	self       types.NodeID
	factory    Factory

	mu        sync.Mutex
	receivers map[string]Receiver
}

// New wraps dispatcher and installs the router's own delivery handler on
// it. factory is consulted whenever a delivered target has no registered
// receiver yet.
func New(dispatcher Dispatcher, self types.NodeID, factory Factory) *CachedRouter {
	r := &CachedRouter{
		dispatcher: dispatcher,
		self:       self,
		factory:    factory,
		receivers:  make(map[string]Receiver),
	}
	dispatcher.AddReceiver(r.onDelivery)
	return r
}

// AddReceiverFor registers the unique local receiver for target. A second
// registration for the same target is a programmer error.
func (r *CachedRouter) AddReceiverFor(target types.TargetRef, fn Receiver) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.receivers[target.Key()]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicateReceiver, target)
	}
	r.receivers[target.Key()] = fn
	return nil
}

// SendMessageTo broadcasts {target, m} via the underlying dispatcher.
func (r *CachedRouter) SendMessageTo(target types.TargetRef, m any) error {
	return r.dispatcher.Broadcast(AnnotatedPayload{Target: target, Message: m})
}

// onDelivery is installed as the dispatcher's single receiver. It
// demultiplexes every delivered AnnotatedPayload to the target's local
// receiver, materializing the target lazily on first unsolicited
// delivery.
func (r *CachedRouter) onDelivery(payload any) {
	ap, err := decodeAnnotatedPayload(payload)
	if err != nil {
		// Malformed network data: dropped, not panicked on.
		return
	}

	fn, ok := r.lookup(ap.Target)
	if !ok {
		if r.factory != nil {
			// The factory is expected to call back into AddReceiverFor
			// during its own construction, using this same router
			// instance. That call happens while this goroutine holds no
			// lock on r.mu (onDelivery never holds it across the factory
			// call), so the registration it performs is visible to the
			// re-lookup below without risking a self-deadlock or an
			// iteration-invalidation on r.receivers.
			_ = r.factory(ap.Target, r.self)
		}
		fn, ok = r.lookup(ap.Target)
		if !ok {
			// Programmer error: surfaced loudly, never silently dropped.
			panic(fmt.Errorf("%w: %s", ErrReceiverMissing, ap.Target))
		}
	}
	fn(ap.Message)
}

func (r *CachedRouter) lookup(target types.TargetRef) (Receiver, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	fn, ok := r.receivers[target.Key()]
	return fn, ok
}

// decodeAnnotatedPayload accepts either a concrete AnnotatedPayload (the
// local/self-loop path, where no JSON round-trip happens) or a generic
// value freshly decoded off the wire.
func decodeAnnotatedPayload(payload any) (AnnotatedPayload, error) {
	if ap, ok := payload.(AnnotatedPayload); ok {
		return ap, nil
	}

	raw, err := json.Marshal(payload)
	if err != nil {
		return AnnotatedPayload{}, fmt.Errorf("router: re-encode delivered payload: %w", err)
	}
	var decoded struct {
		Target  types.TargetRef `json:"target"`
		Message json.RawMessage `json:"message"`
	}
	if err := json.Unmarshal(raw, &decoded); err != nil {
		return AnnotatedPayload{}, fmt.Errorf("router: decode annotated payload: %w", err)
	}
	var message any
	if err := json.Unmarshal(decoded.Message, &message); err != nil {
		return AnnotatedPayload{}, fmt.Errorf("router: decode message: %w", err)
	}
	return AnnotatedPayload{Target: decoded.Target, Message: message}, nil
}
