package network

import (
	"context"
	"crypto/ed25519"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/quic-go/quic-go"

	"Witnet/internal/logger"
)

// defaultRequestTimeout bounds a Request whose context has no deadline.
const defaultRequestTimeout = 10 * time.Second

// Peer is a connection to a remote node.
type Peer struct {
	publicKey ed25519.PublicKey // publicKey is the remote transport identity
	keyHex    string            // keyHex is the hex public key used as map key
	address   string            // address is the remote address
	conn      *quic.Conn        // conn is the underlying QUIC connection
	node      *Node             // node is the parent node
	preferred bool              // preferred wins over a concurrent duplicate connection
	closed    atomic.Bool       // closed is set once the peer is closed locally or remotely
	mu        sync.Mutex        // mu serializes stream opening
}

// PublicKey returns the remote node's ed25519 public key.
func (p *Peer) PublicKey() ed25519.PublicKey {
	return p.publicKey
}

// ID returns the hex encoded public key.
func (p *Peer) ID() string {
	return p.keyHex
}

// Address returns the remote address.
func (p *Peer) Address() string {
	return p.address
}

// Send sends a one-way message on a new unidirectional stream.
func (p *Peer) Send(topic Topic, data []byte) error {
	if p.closed.Load() {
		return fmt.Errorf("peer is closed")
	}

	p.mu.Lock()
	stream, err := p.conn.OpenUniStreamSync(p.conn.Context())
	p.mu.Unlock()

	if err != nil {
		return fmt.Errorf("open stream:\n%w", err)
	}

	if err := writeMessage(stream, byte(topic), data); err != nil {
		stream.CancelWrite(0)
		return err
	}

	return stream.Close()
}

// Request sends data on a bidirectional stream and waits for the response.
func (p *Peer) Request(ctx context.Context, proto Protocol, data []byte) ([]byte, error) {
	if p.closed.Load() {
		return nil, fmt.Errorf("peer is closed")
	}

	stream, err := p.conn.OpenStreamSync(ctx)
	if err != nil {
		return nil, fmt.Errorf("open stream:\n%w", err)
	}
	defer stream.Close()

	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Now().Add(defaultRequestTimeout)
	}

	stream.SetDeadline(deadline)

	if err := writeMessage(stream, byte(proto), data); err != nil {
		return nil, fmt.Errorf("write request:\n%w", err)
	}

	route, response, err := readMessage(stream)
	if err != nil {
		return nil, fmt.Errorf("read response:\n%w", err)
	}

	if Protocol(route) != proto {
		return nil, fmt.Errorf("response for protocol %d, want %d", route, proto)
	}

	return response, nil
}

// Close closes the connection.
func (p *Peer) Close() error {
	if p.closed.Swap(true) {
		return nil
	}

	return p.conn.CloseWithError(0, "closed")
}

// receiveLoop accepts streams until the connection ends.
func (p *Peer) receiveLoop() {
	ctx := p.conn.Context()

	go p.acceptBidiStreams(ctx)

	for {
		stream, err := p.conn.AcceptUniStream(ctx)
		if err != nil {
			logger.Debug("receive loop ended", "peer", p.address, "error", err)
			break
		}

		go p.handleUniStream(stream)
	}

	p.handleDisconnect()
}

// acceptBidiStreams accepts request streams.
func (p *Peer) acceptBidiStreams(ctx context.Context) {
	for {
		stream, err := p.conn.AcceptStream(ctx)
		if err != nil {
			return
		}

		go p.handleBidiStream(stream)
	}
}

// handleBidiStream answers one request. A failed handler resets the stream.
func (p *Peer) handleBidiStream(stream *quic.Stream) {
	stream.SetDeadline(time.Now().Add(defaultRequestTimeout))

	route, data, err := readMessage(stream)
	if err != nil {
		stream.CancelWrite(1)
		return
	}

	response, err := p.node.respond(p, Protocol(route), data)
	if err != nil {
		logger.Debug("request failed", "peer", p.address, "protocol", route, "error", err)
		stream.CancelWrite(1)
		return
	}

	if err := writeMessage(stream, route, response); err != nil {
		stream.CancelWrite(1)
		return
	}

	stream.Close()
}

// handleUniStream reads one message, drops duplicates and dispatches it.
func (p *Peer) handleUniStream(stream *quic.ReceiveStream) {
	stream.SetReadDeadline(time.Now().Add(defaultRequestTimeout))

	route, data, err := readMessage(stream)
	if err != nil {
		logger.Debug("stream read error", "peer", p.address, "error", err)
		return
	}

	topic := Topic(route)

	if !p.node.dedup.Check(topic, data) {
		return
	}

	p.node.dispatch(p, topic, data)
}

// handleDisconnect reports a connection that ended without a local Close.
func (p *Peer) handleDisconnect() {
	if p.closed.Swap(true) {
		return
	}

	p.node.handlePeerDisconnect(p)
}
