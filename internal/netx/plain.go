package netx

import (
	"bufio"
	"encoding/json"
	"fmt"
	"log"
	"net"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"distcore/internal/protocol"
	"distcore/pkg/types"
)

// Config tunes dial timeouts and the reconnect backoff shared by
// PlainNetwork and EncryptedNetwork. Spec.md §4.2 explicitly leaves
// reconnect backoff unspecified ("implementations should add bounded
// exponential backoff"); this is that addition, grounded on
// Prasang-money-distributedCounter's use of
// backoff.NewExponentialBackOff around its own peer-send retries.
type Config struct {
	DialTimeout     time.Duration
	InitialInterval time.Duration
	MaxInterval     time.Duration
}

// DefaultConfig returns reasonable bounded-backoff defaults.
func DefaultConfig() Config {
	return Config{
		DialTimeout:     5 * time.Second,
		InitialInterval: 200 * time.Millisecond,
		MaxInterval:     10 * time.Second,
	}
}

func (c Config) reconnectBackoff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	if c.InitialInterval > 0 {
		b.InitialInterval = c.InitialInterval
	}
	if c.MaxInterval > 0 {
		b.MaxInterval = c.MaxInterval
	}
	b.MaxElapsedTime = 0 // reconnection is unstopped until Stop() is called
	return b
}

// plainConn is the outbound side of one peer connection: the live net.Conn
// plus the machinery to tear it down and redial.
type plainConn struct {
	peer   types.Peer
	conn   net.Conn
	mu     sync.Mutex
	cancel chan struct{}
}

// PlainNetwork implements Network with no sender authentication: the
// first frame on a new inbound connection is a self-declared senderId
// announcement, trusted as-is. This is not safe against a hostile
// network; EncryptedNetwork is the authenticated alternative.
type PlainNetwork struct {
	self types.NodeID
	cfg  Config

	mu        sync.Mutex
	receivers map[protocol.Topic]Receiver
	conns     map[types.NodeID]*plainConn
	stopped   bool
	ln        net.Listener
}

// NewPlainNetwork starts listening on selfAddr and returns a network ready
// to have peers registered into it.
func NewPlainNetwork(self types.NodeID, selfAddr types.Peer, cfg Config) (*PlainNetwork, error) {
	ln, err := net.Listen("tcp", selfAddr.String())
	if err != nil {
		return nil, fmt.Errorf("netx: listen on %s: %w", selfAddr, err)
	}
	n := &PlainNetwork{
		self:      self,
		cfg:       cfg,
		receivers: make(map[protocol.Topic]Receiver),
		conns:     make(map[types.NodeID]*plainConn),
		ln:        ln,
	}
	go n.acceptLoop()
	return n, nil
}

func (n *PlainNetwork) Self() types.NodeID { return n.self }

func (n *PlainNetwork) acceptLoop() {
	for {
		c, err := n.ln.Accept()
		if err != nil {
			n.mu.Lock()
			stopped := n.stopped
			n.mu.Unlock()
			if stopped {
				return
			}
			log.Printf("[netx] accept error: %v", err)
			continue
		}
		go n.readLoop(c)
	}
}

func (n *PlainNetwork) RegisterReceiver(topic protocol.Topic, fn Receiver) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.receivers[topic] = fn
}

func (n *PlainNetwork) receiverFor(topic protocol.Topic) Receiver {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.receivers[topic]
}

// RegisterNode tears down any prior outbound socket to id and opens a
// fresh one, announcing self immediately. If id is self, there is no
// outbound socket: SendMessage loops back synchronously instead.
func (n *PlainNetwork) RegisterNode(id types.NodeID, peer types.Peer) error {
	if id == n.self {
		return nil
	}

	n.mu.Lock()
	if old, ok := n.conns[id]; ok {
		close(old.cancel)
		old.mu.Lock()
		if old.conn != nil {
			_ = old.conn.Close()
		}
		old.mu.Unlock()
		delete(n.conns, id)
	}
	n.mu.Unlock()

	pc := &plainConn{peer: peer, cancel: make(chan struct{})}
	if err := n.dial(pc); err != nil {
		return err
	}

	n.mu.Lock()
	n.conns[id] = pc
	n.mu.Unlock()

	go n.readLoop(pc.conn)
	go n.redialOnFailure(id, pc)
	return nil
}

func (n *PlainNetwork) dial(pc *plainConn) error {
	c, err := net.DialTimeout("tcp", pc.peer.String(), n.cfg.DialTimeout)
	if err != nil {
		return fmt.Errorf("netx: dial %s: %w", pc.peer, err)
	}
	pc.mu.Lock()
	pc.conn = c
	pc.mu.Unlock()

	announce, err := encodeFrame(protocol.SenderIDTopic, n.self)
	if err != nil {
		return fmt.Errorf("netx: encode senderId announcement: %w", err)
	}
	if err := WriteFrame(c, announce); err != nil {
		return fmt.Errorf("netx: send senderId announcement: %w", err)
	}
	return nil
}

// redialOnFailure waits for the connection's read side to signal failure
// (readLoop closes pc.cancel when the conn hits an error or EOF) and redials with
// bounded exponential backoff, unless the network has been stopped.
func (n *PlainNetwork) redialOnFailure(id types.NodeID, pc *plainConn) {
	<-pc.cancel // closed by readLoop on error/EOF, or by RegisterNode tearing this conn down

	n.mu.Lock()
	stopped := n.stopped
	current, known := n.conns[id]
	n.mu.Unlock()
	if stopped || !known || current != pc {
		return // superseded by a newer registration, or shutting down
	}

	op := func() error {
		n.mu.Lock()
		if n.stopped {
			n.mu.Unlock()
			return backoff.Permanent(fmt.Errorf("netx: stopped"))
		}
		n.mu.Unlock()

		fresh := &plainConn{peer: pc.peer, cancel: make(chan struct{})}
		if err := n.dial(fresh); err != nil {
			return err
		}
		n.mu.Lock()
		n.conns[id] = fresh
		n.mu.Unlock()
		go n.readLoop(fresh.conn)
		go n.redialOnFailure(id, fresh)
		return nil
	}
	if err := backoff.Retry(op, n.cfg.reconnectBackoff()); err != nil {
		log.Printf("[netx] gave up reconnecting to %s: %v", id, err)
	}
}

func (n *PlainNetwork) readLoop(c net.Conn) {
	defer func() {
		_ = c.Close()
		n.markFailed(c)
	}()

	scanner := NewScanner()
	buf := make([]byte, 4096)
	r := bufio.NewReader(c)

	var from types.NodeID
	announced := false

	for {
		nr, err := r.Read(buf)
		if nr > 0 {
			for _, frame := range scanner.Feed(buf[:nr]) {
				topicStr, payload, derr := decodeFrame(frame)
				if derr != nil {
					log.Printf("[netx] dropping undecodable frame: %v", derr)
					continue
				}
				if !announced {
					if topicStr != protocol.SenderIDTopic {
						log.Printf("[netx] first frame on connection was not a senderId announcement, ignoring")
						continue
					}
					var id types.NodeID
					if err := json.Unmarshal(payload, &id); err != nil {
						log.Printf("[netx] bad senderId announcement: %v", err)
						continue
					}
					from = id
					announced = true
					continue
				}
				realTopic := protocol.UnescapeTopic(topicStr)
				if fn := n.receiverFor(realTopic); fn != nil {
					fn(from, payload)
				}
			}
		}
		if err != nil {
			return
		}
	}
}

// markFailed signals redialOnFailure for whichever registered connection
// this net.Conn belongs to, if any.
func (n *PlainNetwork) markFailed(c net.Conn) {
	n.mu.Lock()
	defer n.mu.Unlock()
	for _, pc := range n.conns {
		pc.mu.Lock()
		same := pc.conn == c
		pc.mu.Unlock()
		if same {
			select {
			case <-pc.cancel:
			default:
				close(pc.cancel)
			}
			return
		}
	}
}

// SendMessage frames [topic, payload] (escaping a colliding topic name)
// to target's outbound socket, or invokes the local receiver synchronously
// if target is self.
func (n *PlainNetwork) SendMessage(target types.NodeID, topic protocol.Topic, payload any) error {
	if target == n.self {
		raw, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("netx: marshal self-loop payload: %w", err)
		}
		if fn := n.receiverFor(topic); fn != nil {
			fn(n.self, raw)
		}
		return nil
	}

	n.mu.Lock()
	pc, ok := n.conns[target]
	n.mu.Unlock()
	if !ok {
		return fmt.Errorf("netx: no connection registered for %s", target)
	}

	frame, err := encodeFrame(protocol.EscapeTopic(topic), payload)
	if err != nil {
		return fmt.Errorf("netx: encode frame: %w", err)
	}
	pc.mu.Lock()
	c := pc.conn
	pc.mu.Unlock()
	if c == nil {
		return fmt.Errorf("netx: connection to %s not yet established", target)
	}
	return WriteFrame(c, frame)
}

// Stop closes the listener and every connection, and suppresses
// reconnection.
func (n *PlainNetwork) Stop() error {
	n.mu.Lock()
	n.stopped = true
	conns := n.conns
	n.conns = make(map[types.NodeID]*plainConn)
	ln := n.ln
	n.mu.Unlock()

	for _, pc := range conns {
		pc.mu.Lock()
		if pc.conn != nil {
			_ = pc.conn.Close()
		}
		pc.mu.Unlock()
		select {
		case <-pc.cancel:
		default:
			close(pc.cancel)
		}
	}
	if ln != nil {
		return ln.Close()
	}
	return nil
}

func encodeFrame(topic protocol.Topic, payload any) ([]byte, error) {
	rawPayload, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	rawTopic, err := json.Marshal(topic)
	if err != nil {
		return nil, err
	}
	return json.Marshal([2]json.RawMessage{rawTopic, rawPayload})
}

func decodeFrame(frame []byte) (protocol.Topic, json.RawMessage, error) {
	var tuple [2]json.RawMessage
	if err := json.Unmarshal(frame, &tuple); err != nil {
		return "", nil, fmt.Errorf("decode tuple: %w", err)
	}
	var topic protocol.Topic
	if err := json.Unmarshal(tuple[0], &topic); err != nil {
		return "", nil, fmt.Errorf("decode topic: %w", err)
	}
	return topic, tuple[1], nil
}
