package netx

import (
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log"
	"net"
	"sync"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"

	"distcore/internal/protocol"
	"distcore/pkg/types"
)

// PublicKeyLocator resolves where a peer's public key file lives. It is
// caller-supplied: this package only knows how to read and parse the file
// once it has a path.
type PublicKeyLocator func(id types.NodeID) string

// encConn is the outbound side of one directed peer edge: the dialed
// socket, the nonce this dial attempt sent, and the buffer of sends
// waiting on the AES key before it arrives. The buffer is kept unbounded;
// see DESIGN.md.
type encConn struct {
	peer types.Peer

	mu      sync.Mutex
	conn    net.Conn
	nonce   string
	aesKey  []byte
	pending []pendingSend
	cancel  chan struct{}
}

type pendingSend struct {
	topic   protocol.Topic
	payload any
}

// EncryptedNetwork implements Network with the same contract as
// PlainNetwork, plus a per-connection RSA handshake establishing an
// AES-256-CBC session key.
type EncryptedNetwork struct {
	self    types.NodeID
	privKey *rsa.PrivateKey
	pubKey  PublicKeyLocator
	cfg     Config

	mu        sync.Mutex
	receivers map[protocol.Topic]Receiver
	conns     map[types.NodeID]*encConn
	stopped   bool
	ln        net.Listener
}

// NewEncryptedNetwork reads privateKeyPath eagerly, starts listening on
// selfAddr, and returns a network ready to have peers registered into it.
// publicKeyPathFor resolves where to find a given peer's public key file;
// it is consulted lazily, at node-registration (and inbound-handshake)
// time.
func NewEncryptedNetwork(self types.NodeID, selfAddr types.Peer, privateKeyPath string, publicKeyPathFor PublicKeyLocator, cfg Config) (*EncryptedNetwork, error) {
	priv, err := LoadPrivateKey(privateKeyPath)
	if err != nil {
		return nil, err
	}
	ln, err := net.Listen("tcp", selfAddr.String())
	if err != nil {
		return nil, fmt.Errorf("netx: listen on %s: %w", selfAddr, err)
	}
	n := &EncryptedNetwork{
		self:      self,
		privKey:   priv,
		pubKey:    publicKeyPathFor,
		cfg:       cfg,
		receivers: make(map[protocol.Topic]Receiver),
		conns:     make(map[types.NodeID]*encConn),
		ln:        ln,
	}
	go n.acceptLoop()
	return n, nil
}

func (n *EncryptedNetwork) Self() types.NodeID { return n.self }

func (n *EncryptedNetwork) loadPeerPublicKey(id types.NodeID) (*rsa.PublicKey, error) {
	path := n.pubKey(id)
	if path == "" {
		return nil, fmt.Errorf("netx: no public key path for %s", id)
	}
	return LoadPublicKey(path)
}

func (n *EncryptedNetwork) acceptLoop() {
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
		go n.handleInbound(c)
	}
}

// handleInbound runs the responder side of the handshake, then dispatches
// the AES steady-state frames that follow on the same connection.
func (n *EncryptedNetwork) handleInbound(conn net.Conn) {
	defer func() { _ = conn.Close() }()

	scanner := NewScanner()
	buf := make([]byte, 4096)

	var from types.NodeID
	var aesKey []byte
	handshakeDone := false

	for {
		nr, rerr := conn.Read(buf)
		if nr > 0 {
			for _, frame := range scanner.Feed(buf[:nr]) {
				if !handshakeDone {
					id, key, ok := n.respondToHello(conn, frame)
					if !ok {
						return
					}
					from, aesKey, handshakeDone = id, key, true
					continue
				}
				plaintext, err := aesDecryptFrame(aesKey, frame)
				if err != nil {
					log.Printf("[netx] AES decrypt failed from %s, dropping frame: %v", from, err)
					continue
				}
				topic, payload, err := decodeFrame(plaintext)
				if err != nil {
					log.Printf("[netx] dropping undecodable decrypted frame: %v", err)
					continue
				}
				realTopic := protocol.UnescapeTopic(topic)
				if fn := n.receiverFor(realTopic); fn != nil {
					fn(from, payload)
				}
			}
		}
		if rerr != nil {
			return
		}
	}
}

// respondToHello decrypts the initiator's [selfId, nonce] hello, mints a
// fresh AES key, and echoes [nonce, aesKey] back, RSA-encrypted for the
// initiator's public key.
func (n *EncryptedNetwork) respondToHello(conn net.Conn, frame []byte) (types.NodeID, []byte, bool) {
	plaintext, err := rsaDecryptMessage(n.privKey, frame)
	if err != nil {
		log.Printf("[netx] RSA decrypt of hello failed: %v", err)
		return "", nil, false
	}
	id, nonce, err := decodeHello(plaintext)
	if err != nil {
		log.Printf("[netx] malformed hello: %v", err)
		return "", nil, false
	}
	key, err := generateAESKey()
	if err != nil {
		log.Printf("[netx] %v", err)
		return "", nil, false
	}
	pub, err := n.loadPeerPublicKey(id)
	if err != nil {
		log.Printf("[netx] cannot answer handshake from %s: %v", id, err)
		return "", nil, false
	}
	respPlain, err := encodeKeyMsg(nonce, key)
	if err != nil {
		log.Printf("[netx] encode handshake reply: %v", err)
		return "", nil, false
	}
	respCipher, err := rsaEncryptMessage(pub, respPlain)
	if err != nil {
		log.Printf("[netx] encrypt handshake reply: %v", err)
		return "", nil, false
	}
	if err := WriteFrame(conn, respCipher); err != nil {
		log.Printf("[netx] send handshake reply to %s: %v", id, err)
		return "", nil, false
	}
	return id, key, true
}

func (n *EncryptedNetwork) RegisterReceiver(topic protocol.Topic, fn Receiver) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.receivers[topic] = fn
}

func (n *EncryptedNetwork) receiverFor(topic protocol.Topic) Receiver {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.receivers[topic]
}

// RegisterNode tears down any prior outbound socket to id, dials a fresh
// one, and sends the RSA-encrypted hello. The AES handshake response is
// handled asynchronously by outboundLoop; sends issued before it arrives
// are buffered.
func (n *EncryptedNetwork) RegisterNode(id types.NodeID, peer types.Peer) error {
	if id == n.self {
		return nil
	}

	n.mu.Lock()
	if old, ok := n.conns[id]; ok {
		n.closeConn(old)
		delete(n.conns, id)
	}
	n.mu.Unlock()

	ec := &encConn{peer: peer, cancel: make(chan struct{})}
	if err := n.dialAndHello(id, ec); err != nil {
		return err
	}

	n.mu.Lock()
	n.conns[id] = ec
	n.mu.Unlock()

	go n.outboundLoop(id, ec)
	return nil
}

func (n *EncryptedNetwork) closeConn(ec *encConn) {
	ec.mu.Lock()
	if ec.conn != nil {
		_ = ec.conn.Close()
	}
	ec.mu.Unlock()
	select {
	case <-ec.cancel:
	default:
		close(ec.cancel)
	}
}

func (n *EncryptedNetwork) dialAndHello(id types.NodeID, ec *encConn) error {
	conn, err := net.DialTimeout("tcp", ec.peer.String(), n.cfg.DialTimeout)
	if err != nil {
		return fmt.Errorf("netx: dial %s: %w", ec.peer, err)
	}
	pub, err := n.loadPeerPublicKey(id)
	if err != nil {
		_ = conn.Close()
		return fmt.Errorf("netx: load public key for %s: %w", id, err)
	}
	nonce := uuid.NewString()

	helloPlain, err := encodeHello(n.self, nonce)
	if err != nil {
		_ = conn.Close()
		return fmt.Errorf("netx: encode hello: %w", err)
	}
	helloCipher, err := rsaEncryptMessage(pub, helloPlain)
	if err != nil {
		_ = conn.Close()
		return fmt.Errorf("netx: encrypt hello: %w", err)
	}
	if err := WriteFrame(conn, helloCipher); err != nil {
		_ = conn.Close()
		return fmt.Errorf("netx: send hello: %w", err)
	}

	ec.mu.Lock()
	ec.conn = conn
	ec.nonce = nonce
	ec.mu.Unlock()
	return nil
}

// outboundLoop waits for the handshake reply, verifies the echoed nonce,
// flushes anything buffered, then idles reading the connection purely to
// notice EOF/error. No further application data ever arrives on the
// outbound side of a directed edge; replies travel over the peer's own
// outbound connection back to us.
func (n *EncryptedNetwork) outboundLoop(id types.NodeID, ec *encConn) {
	ec.mu.Lock()
	conn := ec.conn
	ec.mu.Unlock()

	defer func() {
		_ = conn.Close()
		n.triggerReconnect(id, ec)
	}()

	scanner := NewScanner()
	buf := make([]byte, 4096)
	handshakeDone := false

	for {
		nr, rerr := conn.Read(buf)
		if nr > 0 {
			for _, frame := range scanner.Feed(buf[:nr]) {
				if handshakeDone {
					continue
				}
				if n.completeHandshake(id, ec, frame) {
					handshakeDone = true
				} else {
					return
				}
			}
		}
		if rerr != nil {
			return
		}
	}
}

// completeHandshake decrypts the reply, checks the echoed nonce, and on
// success installs the AES key and flushes buffered sends. It returns
// false on a nonce mismatch, signaling the caller to tear down and let
// triggerReconnect retry with a fresh nonce.
func (n *EncryptedNetwork) completeHandshake(id types.NodeID, ec *encConn, frame []byte) bool {
	plaintext, err := rsaDecryptMessage(n.privKey, frame)
	if err != nil {
		log.Printf("[netx] RSA decrypt of handshake reply from %s failed: %v", id, err)
		return false
	}
	echoedNonce, aesKey, err := decodeKeyMsg(plaintext)
	if err != nil {
		log.Printf("[netx] malformed handshake reply from %s: %v", id, err)
		return false
	}

	ec.mu.Lock()
	expected := ec.nonce
	ec.mu.Unlock()
	if echoedNonce != expected {
		log.Printf("[netx] handshake nonce mismatch with %s, tearing down and retrying", id)
		return false
	}

	ec.mu.Lock()
	ec.aesKey = aesKey
	pending := ec.pending
	ec.pending = nil
	ec.mu.Unlock()

	for _, p := range pending {
		if err := n.writeEncrypted(ec, p.topic, p.payload); err != nil {
			log.Printf("[netx] flush buffered send to %s failed: %v", id, err)
		}
	}
	return true
}

// triggerReconnect redials with bounded exponential backoff, generating a
// fresh nonce and handshake on every attempt, unless the network has been
// stopped or this edge has been superseded by a newer registration.
func (n *EncryptedNetwork) triggerReconnect(id types.NodeID, ec *encConn) {
	n.mu.Lock()
	stopped := n.stopped
	current, known := n.conns[id]
	n.mu.Unlock()
	if stopped || !known || current != ec {
		return
	}

	op := func() error {
		n.mu.Lock()
		if n.stopped {
			n.mu.Unlock()
			return backoff.Permanent(fmt.Errorf("netx: stopped"))
		}
		n.mu.Unlock()

		fresh := &encConn{peer: ec.peer, cancel: make(chan struct{})}
		if err := n.dialAndHello(id, fresh); err != nil {
			return err
		}
		n.mu.Lock()
		n.conns[id] = fresh
		n.mu.Unlock()
		go n.outboundLoop(id, fresh)
		return nil
	}
	if err := backoff.Retry(op, n.cfg.reconnectBackoff()); err != nil {
		log.Printf("[netx] gave up reconnecting to %s: %v", id, err)
	}
}

func (n *EncryptedNetwork) writeEncrypted(ec *encConn, topic protocol.Topic, payload any) error {
	plain, err := encodeFrame(protocol.EscapeTopic(topic), payload)
	if err != nil {
		return fmt.Errorf("netx: encode frame: %w", err)
	}
	ec.mu.Lock()
	key, conn := ec.aesKey, ec.conn
	ec.mu.Unlock()
	if key == nil {
		return fmt.Errorf("netx: no AES key yet")
	}
	aesFrame, err := aesEncryptFrame(key, plain)
	if err != nil {
		return fmt.Errorf("netx: AES encrypt: %w", err)
	}
	return WriteFrame(conn, aesFrame)
}

// SendMessage buffers (topic, payload) until the AES key for target is
// known, then encrypts and sends it; self-addressed sends loop back
// synchronously without touching the network at all.
func (n *EncryptedNetwork) SendMessage(target types.NodeID, topic protocol.Topic, payload any) error {
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
	ec, ok := n.conns[target]
	n.mu.Unlock()
	if !ok {
		return fmt.Errorf("netx: no connection registered for %s", target)
	}

	ec.mu.Lock()
	ready := ec.aesKey != nil
	if !ready {
		ec.pending = append(ec.pending, pendingSend{topic: topic, payload: payload})
	}
	ec.mu.Unlock()
	if !ready {
		return nil
	}
	return n.writeEncrypted(ec, topic, payload)
}

// Stop closes the listener and every outbound connection, and suppresses
// reconnection.
func (n *EncryptedNetwork) Stop() error {
	n.mu.Lock()
	n.stopped = true
	conns := n.conns
	n.conns = make(map[types.NodeID]*encConn)
	ln := n.ln
	n.mu.Unlock()

	for _, ec := range conns {
		n.closeConn(ec)
	}
	if ln != nil {
		return ln.Close()
	}
	return nil
}

func encodeHello(self types.NodeID, nonce string) ([]byte, error) {
	return json.Marshal([2]any{self, nonce})
}

func decodeHello(data []byte) (types.NodeID, string, error) {
	var tuple [2]json.RawMessage
	if err := json.Unmarshal(data, &tuple); err != nil {
		return "", "", fmt.Errorf("decode hello tuple: %w", err)
	}
	var id types.NodeID
	var nonce string
	if err := json.Unmarshal(tuple[0], &id); err != nil {
		return "", "", fmt.Errorf("decode hello id: %w", err)
	}
	if err := json.Unmarshal(tuple[1], &nonce); err != nil {
		return "", "", fmt.Errorf("decode hello nonce: %w", err)
	}
	return id, nonce, nil
}

func encodeKeyMsg(nonce string, aesKey []byte) ([]byte, error) {
	return json.Marshal([2]any{nonce, base64.StdEncoding.EncodeToString(aesKey)})
}

func decodeKeyMsg(data []byte) (string, []byte, error) {
	var tuple [2]json.RawMessage
	if err := json.Unmarshal(data, &tuple); err != nil {
		return "", nil, fmt.Errorf("decode key-msg tuple: %w", err)
	}
	var nonce, keyB64 string
	if err := json.Unmarshal(tuple[0], &nonce); err != nil {
		return "", nil, fmt.Errorf("decode key-msg nonce: %w", err)
	}
	if err := json.Unmarshal(tuple[1], &keyB64); err != nil {
		return "", nil, fmt.Errorf("decode key-msg key: %w", err)
	}
	key, err := base64.StdEncoding.DecodeString(keyB64)
	if err != nil {
		return "", nil, fmt.Errorf("decode key-msg base64: %w", err)
	}
	return nonce, key, nil
}
