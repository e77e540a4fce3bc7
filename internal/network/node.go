// Package network is the QUIC transport between validators.
//
// One-way messages travel on unidirectional streams and are routed by Topic.
// Request/response exchanges use bidirectional streams routed by Protocol.
// Peers are identified by the ed25519 key in their TLS certificate.
package network

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"crypto/tls"
	"encoding/hex"
	"errors"
	"fmt"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/quic-go/quic-go"
	"github.com/sethvargo/go-retry"

	"Witnet/internal/logger"
)

const (
	// defaultReconnectDelay is the first delay before redialing a lost peer.
	defaultReconnectDelay = 2 * time.Second

	// defaultMaxReconnectDelay caps the redial backoff.
	defaultMaxReconnectDelay = time.Minute
)

var (
	// ErrBanned is returned when connecting to or from a banned peer.
	ErrBanned = errors.New("peer banned")

	// errDuplicate marks a second connection to an already connected peer.
	errDuplicate = errors.New("duplicate connection")
)

// MessageHandler handles a one-way message from a peer.
type MessageHandler func(p *Peer, data []byte)

// RequestHandler answers a request from a peer.
type RequestHandler func(p *Peer, data []byte) ([]byte, error)

// Config holds the configuration for a Node.
type Config struct {
	PrivateKey        ed25519.PrivateKey // PrivateKey is the node's transport identity
	ListenAddr        string             // ListenAddr is the address to listen on (e.g., ":9000")
	ReconnectDelay    time.Duration      // ReconnectDelay is the first redial delay
	MaxReconnectDelay time.Duration      // MaxReconnectDelay caps the redial delay
	DedupTTL          time.Duration      // DedupTTL is how long identical gossip frames are suppressed
}

// Node accepts and initiates connections to peers.
type Node struct {
	privateKey ed25519.PrivateKey
	publicKey  ed25519.PublicKey
	listenAddr string
	tlsConfig  *tls.Config
	quicConfig *quic.Config

	listener *quic.Listener

	peers   map[string]*Peer // peers maps public key hex to peer
	peersMu sync.RWMutex

	knownAddrs   map[string]string    // knownAddrs maps public key hex to a dialable address
	bans         map[string]time.Time // bans maps public key hex to the end of its ban
	knownAddrsMu sync.RWMutex         // knownAddrsMu protects knownAddrs and bans

	reconnectDelay    time.Duration
	maxReconnectDelay time.Duration

	dedup *Dedup // dedup suppresses identical gossip frames

	topics       map[Topic]MessageHandler
	protocols    map[Protocol]RequestHandler
	onConnect    func(*Peer)
	onDisconnect func(*Peer)
	handlersMu   sync.RWMutex

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewNode creates a new network node.
func NewNode(cfg Config) (*Node, error) {
	if cfg.PrivateKey == nil {
		return nil, fmt.Errorf("private key is required")
	}

	if cfg.ListenAddr == "" {
		return nil, fmt.Errorf("listen address is required")
	}

	if cfg.ReconnectDelay <= 0 {
		cfg.ReconnectDelay = defaultReconnectDelay
	}

	if cfg.MaxReconnectDelay < cfg.ReconnectDelay {
		cfg.MaxReconnectDelay = max(defaultMaxReconnectDelay, cfg.ReconnectDelay)
	}

	tlsConfig, err := newTLSConfig(cfg.PrivateKey)
	if err != nil {
		return nil, fmt.Errorf("tls config:\n%w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Node{
		privateKey: cfg.PrivateKey,
		publicKey:  cfg.PrivateKey.Public().(ed25519.PublicKey),
		listenAddr: cfg.ListenAddr,
		tlsConfig:  tlsConfig,
		quicConfig: &quic.Config{
			MaxIdleTimeout:  30 * time.Second,
			KeepAlivePeriod: 10 * time.Second,
		},
		peers:             make(map[string]*Peer),
		knownAddrs:        make(map[string]string),
		bans:              make(map[string]time.Time),
		reconnectDelay:    cfg.ReconnectDelay,
		maxReconnectDelay: cfg.MaxReconnectDelay,
		dedup:             NewDedup(cfg.DedupTTL),
		topics:            make(map[Topic]MessageHandler),
		protocols:         make(map[Protocol]RequestHandler),
		ctx:               ctx,
		cancel:            cancel,
	}, nil
}

// PublicKey returns the node's public key.
func (n *Node) PublicKey() ed25519.PublicKey {
	return n.publicKey
}

// Addr returns the listener's address, or "" before Start.
func (n *Node) Addr() string {
	if n.listener == nil {
		return ""
	}

	return n.listener.Addr().String()
}

// Start starts accepting connections.
func (n *Node) Start() error {
	listener, err := quic.ListenAddr(n.listenAddr, n.tlsConfig, n.quicConfig)
	if err != nil {
		return fmt.Errorf("listen:\n%w", err)
	}

	n.listener = listener

	n.wg.Add(1)
	go n.acceptLoop()

	return nil
}

// Connect dials a remote node. The address is remembered for redialing.
func (n *Node) Connect(addr string) (*Peer, error) {
	conn, err := quic.DialAddr(n.ctx, addr, n.tlsConfig, n.quicConfig)
	if err != nil {
		return nil, fmt.Errorf("dial %s:\n%w", addr, err)
	}

	peer, err := n.setupPeer(conn, addr, true)
	if errors.Is(err, errDuplicate) {
		conn.CloseWithError(0, "duplicate")
		return peer, nil
	}

	if err != nil {
		conn.CloseWithError(1, "setup failed")
		return nil, err
	}

	n.callOnConnect(peer)

	return peer, nil
}

// Broadcast sends a message to every connected peer.
func (n *Node) Broadcast(topic Topic, data []byte) error {
	n.dedup.Check(topic, data)

	return sendAll(n.Peers(), topic, data)
}

// Gossip sends a message to up to fanout random peers, never to exclude.
// A non-positive fanout sends to every peer.
func (n *Node) Gossip(topic Topic, data []byte, fanout int, exclude ed25519.PublicKey) error {
	n.dedup.Check(topic, data)

	peers := n.Peers()

	if exclude != nil {
		kept := peers[:0]
		for _, p := range peers {
			if !p.publicKey.Equal(exclude) {
				kept = append(kept, p)
			}
		}

		peers = kept
	}

	if fanout > 0 {
		peers = selectRandomPeers(peers, fanout)
	}

	return sendAll(peers, topic, data)
}

// sendAll sends to each peer and returns the last failure.
func sendAll(peers []*Peer, topic Topic, data []byte) error {
	var lastErr error

	for _, p := range peers {
		if err := p.Send(topic, data); err != nil {
			lastErr = err
		}
	}

	return lastErr
}

// selectRandomPeers returns up to k random peers from the slice.
func selectRandomPeers(peers []*Peer, k int) []*Peer {
	if k >= len(peers) {
		return peers
	}

	selected := make([]*Peer, k)
	for i, idx := range rand.Perm(len(peers))[:k] {
		selected[i] = peers[idx]
	}

	return selected
}

// Peers returns the connected peers.
func (n *Node) Peers() []*Peer {
	n.peersMu.RLock()
	defer n.peersMu.RUnlock()

	peers := make([]*Peer, 0, len(n.peers))
	for _, p := range n.peers {
		peers = append(peers, p)
	}

	return peers
}

// GetPeer returns the peer with the given key, or nil if not connected.
func (n *Node) GetPeer(pubkey ed25519.PublicKey) *Peer {
	n.peersMu.RLock()
	defer n.peersMu.RUnlock()

	return n.peers[hex.EncodeToString(pubkey)]
}

// Ban disconnects a peer and refuses it until d elapses.
func (n *Node) Ban(pubkey ed25519.PublicKey, d time.Duration) {
	keyHex := hex.EncodeToString(pubkey)

	n.knownAddrsMu.Lock()
	n.bans[keyHex] = time.Now().Add(d)
	n.knownAddrsMu.Unlock()

	logger.Warn("peer banned", "peer", keyHex[:16], "duration", d)

	if p := n.GetPeer(pubkey); p != nil {
		p.Close()
		n.dropPeer(p)
	}
}

// IsBanned reports whether a peer is currently banned.
func (n *Node) IsBanned(pubkey ed25519.PublicKey) bool {
	return n.isBanned(hex.EncodeToString(pubkey))
}

func (n *Node) isBanned(keyHex string) bool {
	n.knownAddrsMu.RLock()
	until, ok := n.bans[keyHex]
	n.knownAddrsMu.RUnlock()

	return ok && time.Now().Before(until)
}

// Handle registers the handler of a topic.
func (n *Node) Handle(topic Topic, fn MessageHandler) {
	n.handlersMu.Lock()
	n.topics[topic] = fn
	n.handlersMu.Unlock()
}

// HandleRequest registers the responder of a protocol.
func (n *Node) HandleRequest(proto Protocol, fn RequestHandler) {
	n.handlersMu.Lock()
	n.protocols[proto] = fn
	n.handlersMu.Unlock()
}

// OnConnect sets the handler called when a peer connects.
func (n *Node) OnConnect(fn func(*Peer)) {
	n.handlersMu.Lock()
	n.onConnect = fn
	n.handlersMu.Unlock()
}

// OnDisconnect sets the handler called when a peer disconnects.
func (n *Node) OnDisconnect(fn func(*Peer)) {
	n.handlersMu.Lock()
	n.onDisconnect = fn
	n.handlersMu.Unlock()
}

// Close stops the node and closes all connections.
func (n *Node) Close() error {
	n.cancel()

	if n.listener != nil {
		n.listener.Close()
	}

	n.peersMu.Lock()
	peers := n.peers
	n.peers = make(map[string]*Peer)
	n.peersMu.Unlock()

	for _, p := range peers {
		p.Close()
	}

	n.wg.Wait()
	n.dedup.Close()

	return nil
}

// acceptLoop accepts incoming connections.
func (n *Node) acceptLoop() {
	defer n.wg.Done()

	for {
		conn, err := n.listener.Accept(n.ctx)
		if err != nil {
			return
		}

		go n.handleIncoming(conn)
	}
}

// handleIncoming sets up an accepted connection.
func (n *Node) handleIncoming(conn *quic.Conn) {
	peer, err := n.setupPeer(conn, conn.RemoteAddr().String(), false)
	if errors.Is(err, errDuplicate) {
		conn.CloseWithError(0, "duplicate")
		return
	}

	if err != nil {
		logger.Debug("rejected incoming connection", "addr", conn.RemoteAddr().String(), "error", err)
		conn.CloseWithError(1, "setup failed")
		return
	}

	n.callOnConnect(peer)
}

// setupPeer registers a connection as a peer and starts its receive loop.
// Only dialed addresses are remembered for redialing, since an accepted
// connection's source port is ephemeral.
//
// When both sides dial each other, the connection dialed by the smaller key
// wins on both ends; the losing one returns the existing peer and errDuplicate.
func (n *Node) setupPeer(conn *quic.Conn, addr string, dialed bool) (*Peer, error) {
	pubKey, err := peerKey(conn.ConnectionState().TLS)
	if err != nil {
		return nil, fmt.Errorf("peer key:\n%w", err)
	}

	keyHex := hex.EncodeToString(pubKey)

	if n.isBanned(keyHex) {
		return nil, ErrBanned
	}

	if dialed {
		n.knownAddrsMu.Lock()
		n.knownAddrs[keyHex] = addr
		n.knownAddrsMu.Unlock()
	}

	localDialed := bytes.Compare(n.publicKey, pubKey) < 0

	peer := &Peer{
		publicKey: pubKey,
		keyHex:    keyHex,
		address:   addr,
		conn:      conn,
		node:      n,
		preferred: dialed == localDialed,
	}

	n.peersMu.Lock()
	old := n.peers[keyHex]
	if old != nil && !old.closed.Load() && !peer.preferred {
		n.peersMu.Unlock()
		return old, errDuplicate
	}

	n.peers[keyHex] = peer
	n.peersMu.Unlock()

	if old != nil {
		old.Close()
	}

	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		peer.receiveLoop()
	}()

	return peer, nil
}

// dropPeer unregisters a peer if it is still the current connection for its key.
// It reports whether the peer was removed.
func (n *Node) dropPeer(p *Peer) bool {
	n.peersMu.Lock()
	current, ok := n.peers[p.keyHex]
	if ok && current == p {
		delete(n.peers, p.keyHex)
	}
	n.peersMu.Unlock()

	if !ok || current != p {
		return false
	}

	n.callOnDisconnect(p)

	return true
}

// handlePeerDisconnect reacts to a connection that ended on its own.
func (n *Node) handlePeerDisconnect(p *Peer) {
	if !n.dropPeer(p) {
		return
	}

	if n.ctx.Err() != nil {
		return
	}

	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		n.reconnectPeer(p.keyHex)
	}()
}

// reconnectPeer redials a lost peer with capped exponential backoff.
// It gives up when the node closes, the peer is banned or already back, or
// no dialable address is known.
func (n *Node) reconnectPeer(keyHex string) {
	b := retry.NewExponential(n.reconnectDelay)
	b = retry.WithCappedDuration(n.maxReconnectDelay, b)
	b = retry.WithJitterPercent(20, b)

	select {
	case <-n.ctx.Done():
		return
	case <-time.After(n.reconnectDelay):
	}

	_ = retry.Do(n.ctx, b, func(ctx context.Context) error {
		n.knownAddrsMu.RLock()
		addr, ok := n.knownAddrs[keyHex]
		n.knownAddrsMu.RUnlock()

		if !ok || n.isBanned(keyHex) {
			return nil
		}

		n.peersMu.RLock()
		_, back := n.peers[keyHex]
		n.peersMu.RUnlock()

		if back {
			return nil
		}

		if _, err := n.Connect(addr); err != nil {
			logger.Debug("redial failed", "peer", keyHex[:16], "error", err)
			return retry.RetryableError(err)
		}

		logger.Info("peer reconnected", "peer", keyHex[:16])

		return nil
	})
}

func (n *Node) callOnConnect(p *Peer) {
	n.handlersMu.RLock()
	fn := n.onConnect
	n.handlersMu.RUnlock()

	if fn != nil {
		fn(p)
	}
}

func (n *Node) callOnDisconnect(p *Peer) {
	n.handlersMu.RLock()
	fn := n.onDisconnect
	n.handlersMu.RUnlock()

	if fn != nil {
		fn(p)
	}
}

// dispatch routes a one-way message to its topic handler.
func (n *Node) dispatch(p *Peer, topic Topic, data []byte) {
	n.handlersMu.RLock()
	fn := n.topics[topic]
	n.handlersMu.RUnlock()

	if fn == nil {
		logger.Debug("no handler for topic", "topic", topic, "peer", p.address)
		return
	}

	fn(p, data)
}

// respond routes a request to its protocol handler.
func (n *Node) respond(p *Peer, proto Protocol, data []byte) ([]byte, error) {
	n.handlersMu.RLock()
	fn := n.protocols[proto]
	n.handlersMu.RUnlock()

	if fn == nil {
		return nil, fmt.Errorf("no handler for protocol %d", proto)
	}

	return fn(p, data)
}
