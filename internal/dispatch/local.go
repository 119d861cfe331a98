package dispatch

// Local is the degenerate single-node broadcast strategy: there are no
// other members, so broadcast delivers directly with no network
// involvement at all.
type Local struct {
	*Base
}

// NewLocal returns a ready-to-use local broadcast strategy.
func NewLocal() *Local { return &Local{Base: NewBase()} }

// Broadcast delivers payload to this node's own receivers only.
func (l *Local) Broadcast(payload any) error {
	l.deliver(payload)
	return nil
}
