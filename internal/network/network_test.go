package network

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

const (
	topicTest Topic    = 7
	protoEcho Protocol = 3
)

// generateTestKey generates a random ed25519 key for testing.
func generateTestKey(t *testing.T) ed25519.PrivateKey {
	t.Helper()

	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}

	return priv
}

// startNode creates and starts a loopback node closed at test end.
func startNode(t *testing.T, cfg Config) *Node {
	t.Helper()

	if cfg.PrivateKey == nil {
		cfg.PrivateKey = generateTestKey(t)
	}

	cfg.ListenAddr = "127.0.0.1:0"

	node, err := NewNode(cfg)
	if err != nil {
		t.Fatalf("create node: %v", err)
	}

	if err := node.Start(); err != nil {
		t.Fatalf("start node: %v", err)
	}

	t.Cleanup(func() { node.Close() })

	return node
}

// waitFor polls cond until it holds or the timeout elapses.
func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()

	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}

		time.Sleep(10 * time.Millisecond)
	}

	t.Fatal("condition not met before timeout")
}

func TestNodeStartStop(t *testing.T) {
	node, err := NewNode(Config{PrivateKey: generateTestKey(t), ListenAddr: "127.0.0.1:0"})
	if err != nil {
		t.Fatalf("create node: %v", err)
	}

	if err := node.Start(); err != nil {
		t.Fatalf("start node: %v", err)
	}

	if node.Addr() == "" {
		t.Error("started node has no address")
	}

	if err := node.Close(); err != nil {
		t.Fatalf("close node: %v", err)
	}
}

func TestNewNodeValidation(t *testing.T) {
	if _, err := NewNode(Config{ListenAddr: ":0"}); err == nil {
		t.Error("expected error without private key")
	}

	if _, err := NewNode(Config{PrivateKey: generateTestKey(t)}); err == nil {
		t.Error("expected error without listen address")
	}
}

func TestConnectIdentifiesPeer(t *testing.T) {
	server := startNode(t, Config{})
	client := startNode(t, Config{})

	var serverSaw atomic.Value
	server.OnConnect(func(p *Peer) { serverSaw.Store(p.ID()) })

	peer, err := client.Connect(server.Addr())
	if err != nil {
		t.Fatalf("connect: %v", err)
	}

	if !peer.PublicKey().Equal(server.PublicKey()) {
		t.Error("client sees wrong server key")
	}

	want := hex.EncodeToString(client.PublicKey())

	waitFor(t, 2*time.Second, func() bool {
		id, _ := serverSaw.Load().(string)
		return id == want
	})
}

func TestTopicRouting(t *testing.T) {
	server := startNode(t, Config{})
	client := startNode(t, Config{})

	got := make(chan []byte, 4)
	server.Handle(topicTest, func(p *Peer, data []byte) { got <- data })
	server.Handle(topicTest+1, func(p *Peer, data []byte) { t.Error("wrong topic handler called") })

	peer, err := client.Connect(server.Addr())
	if err != nil {
		t.Fatalf("connect: %v", err)
	}

	if err := peer.Send(topicTest, []byte("hello")); err != nil {
		t.Fatalf("send: %v", err)
	}

	select {
	case data := <-got:
		if string(data) != "hello" {
			t.Errorf("got %q", data)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("message not delivered")
	}

	// Unregistered topics are dropped without affecting the connection.
	_ = peer.Send(99, []byte("ignored"))
	_ = peer.Send(topicTest, []byte("after"))

	select {
	case data := <-got:
		if string(data) != "after" {
			t.Errorf("got %q", data)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("second message not delivered")
	}
}

func TestLargeMessage(t *testing.T) {
	server := startNode(t, Config{})
	client := startNode(t, Config{})

	got := make(chan []byte, 1)
	server.Handle(topicTest, func(p *Peer, data []byte) { got <- data })

	peer, err := client.Connect(server.Addr())
	if err != nil {
		t.Fatalf("connect: %v", err)
	}

	payload := make([]byte, 1<<20)
	rand.Read(payload)

	if err := peer.Send(topicTest, payload); err != nil {
		t.Fatalf("send: %v", err)
	}

	select {
	case data := <-got:
		if !bytes.Equal(data, payload) {
			t.Error("payload corrupted")
		}
	case <-time.After(5 * time.Second):
		t.Fatal("large message not delivered")
	}

	if err := peer.Send(topicTest, make([]byte, maxMessageSize+1)); err == nil {
		t.Error("oversized message accepted")
	}
}

func TestBroadcastAndDedup(t *testing.T) {
	hub := startNode(t, Config{})

	var mu sync.Mutex
	received := make(map[string]int)

	leaves := make([]*Node, 3)
	for i := range leaves {
		leaves[i] = startNode(t, Config{})

		leaf := leaves[i]
		leaf.Handle(topicTest, func(p *Peer, data []byte) {
			mu.Lock()
			received[string(leaf.PublicKey())]++
			mu.Unlock()
		})

		if _, err := leaf.Connect(hub.Addr()); err != nil {
			t.Fatalf("connect: %v", err)
		}
	}

	waitFor(t, 2*time.Second, func() bool { return len(hub.Peers()) == 3 })

	if err := hub.Broadcast(topicTest, []byte("once")); err != nil {
		t.Fatalf("broadcast: %v", err)
	}

	// The duplicate is suppressed at each receiver.
	_ = hub.Broadcast(topicTest, []byte("once"))

	waitFor(t, 2*time.Second, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(received) == 3
	})

	time.Sleep(100 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()

	for key, n := range received {
		if n != 1 {
			t.Errorf("leaf %x received %d copies", key[:4], n)
		}
	}
}

func TestGossipFanoutAndExclude(t *testing.T) {
	hub := startNode(t, Config{})

	var count atomic.Int32

	leaves := make([]*Node, 4)
	for i := range leaves {
		leaves[i] = startNode(t, Config{})
		leaves[i].Handle(topicTest, func(p *Peer, data []byte) { count.Add(1) })

		if _, err := leaves[i].Connect(hub.Addr()); err != nil {
			t.Fatalf("connect: %v", err)
		}
	}

	waitFor(t, 2*time.Second, func() bool { return len(hub.Peers()) == 4 })

	if err := hub.Gossip(topicTest, []byte("a"), 2, nil); err != nil {
		t.Fatalf("gossip: %v", err)
	}

	waitFor(t, 2*time.Second, func() bool { return count.Load() == 2 })

	count.Store(0)

	if err := hub.Gossip(topicTest, []byte("b"), 0, leaves[0].PublicKey()); err != nil {
		t.Fatalf("gossip: %v", err)
	}

	waitFor(t, 2*time.Second, func() bool { return count.Load() == 3 })
	time.Sleep(100 * time.Millisecond)

	if got := count.Load(); got != 3 {
		t.Errorf("excluded gossip reached %d peers, want 3", got)
	}
}

func TestSelectRandomPeers(t *testing.T) {
	peers := make([]*Peer, 5)
	for i := range peers {
		peers[i] = &Peer{keyHex: string(rune('a' + i))}
	}

	if got := selectRandomPeers(peers, 10); len(got) != 5 {
		t.Errorf("fanout above count = %d", len(got))
	}

	got := selectRandomPeers(peers, 3)
	if len(got) != 3 {
		t.Fatalf("selected %d", len(got))
	}

	seen := make(map[*Peer]bool)
	for _, p := range got {
		if seen[p] {
			t.Error("peer selected twice")
		}

		seen[p] = true
	}
}

func TestRequestResponse(t *testing.T) {
	server := startNode(t, Config{})
	client := startNode(t, Config{})

	server.HandleRequest(protoEcho, func(p *Peer, data []byte) ([]byte, error) {
		return append([]byte("echo:"), data...), nil
	})

	server.HandleRequest(protoEcho+1, func(p *Peer, data []byte) ([]byte, error) {
		return nil, errors.New("refused")
	})

	peer, err := client.Connect(server.Addr())
	if err != nil {
		t.Fatalf("connect: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	resp, err := peer.Request(ctx, protoEcho, []byte("ping"))
	if err != nil {
		t.Fatalf("request: %v", err)
	}

	if string(resp) != "echo:ping" {
		t.Errorf("response = %q", resp)
	}

	if _, err := peer.Request(ctx, protoEcho+1, []byte("x")); err == nil {
		t.Error("failed handler produced a response")
	}

	if _, err := peer.Request(ctx, 42, []byte("x")); err == nil {
		t.Error("unknown protocol produced a response")
	}
}

func TestRequestTimeout(t *testing.T) {
	server := startNode(t, Config{})
	client := startNode(t, Config{})

	release := make(chan struct{})
	defer close(release)

	server.HandleRequest(protoEcho, func(p *Peer, data []byte) ([]byte, error) {
		<-release
		return data, nil
	})

	peer, err := client.Connect(server.Addr())
	if err != nil {
		t.Fatalf("connect: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()

	start := time.Now()

	if _, err := peer.Request(ctx, protoEcho, []byte("slow")); err == nil {
		t.Fatal("expected timeout")
	}

	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Errorf("timeout took %v", elapsed)
	}
}

func TestBanDisconnectsAndRefuses(t *testing.T) {
	server := startNode(t, Config{})
	client := startNode(t, Config{ReconnectDelay: 50 * time.Millisecond})

	var disconnected atomic.Bool
	server.OnDisconnect(func(p *Peer) { disconnected.Store(true) })

	if _, err := client.Connect(server.Addr()); err != nil {
		t.Fatalf("connect: %v", err)
	}

	waitFor(t, 2*time.Second, func() bool { return server.GetPeer(client.PublicKey()) != nil })

	server.Ban(client.PublicKey(), time.Minute)

	if !server.IsBanned(client.PublicKey()) {
		t.Fatal("ban not recorded")
	}

	if server.GetPeer(client.PublicKey()) != nil || !disconnected.Load() {
		t.Error("banned peer still connected")
	}

	// Redials are refused while the ban holds.
	time.Sleep(300 * time.Millisecond)

	if server.GetPeer(client.PublicKey()) != nil {
		t.Error("banned peer reconnected")
	}
}

func TestReconnectAfterDrop(t *testing.T) {
	serverKey := generateTestKey(t)
	server := startNode(t, Config{PrivateKey: serverKey})
	client := startNode(t, Config{ReconnectDelay: 100 * time.Millisecond})

	if _, err := client.Connect(server.Addr()); err != nil {
		t.Fatalf("connect: %v", err)
	}

	waitFor(t, 2*time.Second, func() bool { return server.GetPeer(client.PublicKey()) != nil })

	server.Close()

	server2 := startNode(t, Config{PrivateKey: serverKey})

	reconnected := make(chan struct{}, 1)
	server2.OnConnect(func(p *Peer) {
		select {
		case reconnected <- struct{}{}:
		default:
		}
	})

	client.knownAddrsMu.Lock()
	for k := range client.knownAddrs {
		client.knownAddrs[k] = server2.Addr()
	}
	client.knownAddrsMu.Unlock()

	select {
	case <-reconnected:
	case <-time.After(10 * time.Second):
		t.Fatal("timeout waiting for reconnection")
	}
}

func TestSimultaneousDialKeepsOneConnection(t *testing.T) {
	a := startNode(t, Config{})
	b := startNode(t, Config{})

	var wg sync.WaitGroup
	wg.Add(2)

	go func() { defer wg.Done(); a.Connect(b.Addr()) }()
	go func() { defer wg.Done(); b.Connect(a.Addr()) }()

	wg.Wait()

	waitFor(t, 3*time.Second, func() bool {
		pa, pb := a.GetPeer(b.PublicKey()), b.GetPeer(a.PublicKey())
		return pa != nil && pb != nil && !pa.closed.Load() && !pb.closed.Load()
	})

	got := make(chan struct{}, 1)
	b.Handle(topicTest, func(p *Peer, data []byte) { got <- struct{}{} })

	if err := a.GetPeer(b.PublicKey()).Send(topicTest, []byte("x")); err != nil {
		t.Fatalf("send over surviving connection: %v", err)
	}

	select {
	case <-got:
	case <-time.After(2 * time.Second):
		t.Fatal("surviving connection does not deliver")
	}
}

func TestDedupExpiry(t *testing.T) {
	d := NewDedup(100 * time.Millisecond)
	defer d.Close()

	msg := []byte("expiring")

	if !d.Check(topicTest, msg) {
		t.Error("first check should pass")
	}

	if d.Check(topicTest, msg) {
		t.Error("immediate second check should fail")
	}

	if !d.Check(topicTest+1, msg) {
		t.Error("same payload on another topic should pass")
	}

	time.Sleep(200 * time.Millisecond)

	if !d.Check(topicTest, msg) {
		t.Error("check after expiry should pass")
	}
}

func TestDedupConcurrent(t *testing.T) {
	d := NewDedup(0)
	defer d.Close()

	var passed atomic.Int32
	var wg sync.WaitGroup

	for range 50 {
		wg.Add(1)

		go func() {
			defer wg.Done()

			if d.Check(topicTest, []byte("same")) {
				passed.Add(1)
			}
		}()
	}

	wg.Wait()

	if passed.Load() != 1 {
		t.Errorf("passed = %d, want 1", passed.Load())
	}
}

func TestFrameRoundTrip(t *testing.T) {
	var buf bytes.Buffer

	if err := writeMessage(&buf, 9, []byte("payload")); err != nil {
		t.Fatalf("write: %v", err)
	}

	route, data, err := readMessage(&buf)
	if err != nil || route != 9 || string(data) != "payload" {
		t.Fatalf("read = %d %q %v", route, data, err)
	}

	if _, _, err := readMessage(bytes.NewReader([]byte{0, 0, 0, 0, 1})); err == nil {
		t.Error("zero length frame accepted")
	}
}
