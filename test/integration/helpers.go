package integration

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"Witnet/client"
	"Witnet/internal/identity"
	"Witnet/internal/types"
)

// safeBuffer wraps bytes.Buffer with a mutex for concurrent read/write.
type safeBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

// Write appends data to the buffer (implements io.Writer).
func (sb *safeBuffer) Write(p []byte) (int, error) {
	sb.mu.Lock()
	defer sb.mu.Unlock()

	return sb.buf.Write(p)
}

// String returns the buffer contents as a string.
func (sb *safeBuffer) String() string {
	sb.mu.Lock()
	defer sb.mu.Unlock()

	return sb.buf.String()
}

// Node is one validator of the cluster. It may be stopped and started again.
type Node struct {
	index    int                // index is the node's position in the validator set
	cmd      *exec.Cmd          // cmd is the running process, nil when stopped
	httpAddr string             // httpAddr is the HTTP API address
	quicAddr string             // quicAddr is the QUIC network address
	dataDir  string             // dataDir is the node's data directory
	keyPath  string             // keyPath is the node's private key file
	stdout   *safeBuffer        // stdout captures process output
	stderr   *safeBuffer        // stderr captures process errors
	cancel   context.CancelFunc // cancel stops the process
	client   *client.Client     // client talks to the HTTP API
}

// Client returns the HTTP client of the node.
func (n *Node) Client() *client.Client { return n.client }

// IsRunning checks if the node process is alive and started successfully.
func (n *Node) IsRunning() bool {
	if n.cmd == nil || n.cmd.Process == nil {
		return false
	}

	if !strings.Contains(n.stdout.String(), "starting witnet node") {
		return false
	}

	return n.cmd.ProcessState == nil
}

// Logs returns the node's stdout output.
func (n *Node) Logs() string { return n.stdout.String() }

// LogContains checks if the node's logs contain a substring.
func (n *Node) LogContains(s string) bool {
	return strings.Contains(n.stdout.String(), s)
}

// Stop terminates the node process.
func (n *Node) Stop() {
	if n.cancel != nil {
		n.cancel()
	}

	if n.cmd != nil && n.cmd.Process != nil {
		n.cmd.Process.Kill()
		time.Sleep(100 * time.Millisecond)
	}

	n.cmd = nil
}

// clusterOpts holds configuration for a Cluster.
type clusterOpts struct {
	httpBase  int               // httpBase is the starting HTTP port
	quicBase  int               // quicBase is the starting QUIC port
	threshold uint32            // threshold is the signatures needed per proof
	scheme    string            // scheme is the signature scheme
	env       map[string]string // env overrides node settings
}

// ClusterOption configures cluster behavior.
type ClusterOption func(*clusterOpts)

// WithPorts sets the starting HTTP and QUIC ports.
func WithPorts(httpBase, quicBase int) ClusterOption {
	return func(o *clusterOpts) { o.httpBase, o.quicBase = httpBase, quicBase }
}

// WithThreshold sets the validator set threshold.
func WithThreshold(n uint32) ClusterOption { return func(o *clusterOpts) { o.threshold = n } }

// WithScheme selects "bls" or "ed25519".
func WithScheme(name string) ClusterOption { return func(o *clusterOpts) { o.scheme = name } }

// WithEnv sets a WITNET_ variable on every node, e.g. WithEnv("BACKFILL_RETRY_AFTER", "1s").
func WithEnv(key, value string) ClusterOption {
	return func(o *clusterOpts) { o.env[key] = value }
}

// Cluster manages the validators of one validator set.
type Cluster struct {
	t          *testing.T          // t is the test context
	nodes      []*Node             // nodes holds every validator, running or not
	set        *types.ValidatorSet // set is the validator set shared by all nodes
	verifier   identity.Verifier   // verifier checks proofs returned by nodes
	binaryPath string              // binaryPath is the compiled node binary
	setFile    string              // setFile is the validator file
	testDir    string              // testDir is the temporary directory for node data
	opts       clusterOpts         // opts is the cluster configuration
}

// NewCluster builds the binary and prepares size validators without starting them.
func NewCluster(t *testing.T, size int, options ...ClusterOption) *Cluster {
	t.Helper()

	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	opts := clusterOpts{
		httpBase: 18000,
		quicBase: 19000,
		scheme:   "bls",
		env:      make(map[string]string),
	}
	for _, o := range options {
		o(&opts)
	}

	if opts.threshold == 0 {
		opts.threshold = uint32(size*2/3 + 1)
	}

	testDir := t.TempDir()

	c := &Cluster{
		t:          t,
		binaryPath: buildBinary(t),
		testDir:    testDir,
		setFile:    filepath.Join(testDir, "validators.json"),
		opts:       opts,
	}

	c.prepare(size)
	t.Cleanup(c.Stop)

	return c
}

// prepare generates node keys and writes the shared validator file.
func (c *Cluster) prepare(size int) {
	c.t.Helper()

	scheme, err := identity.SchemeByName(c.opts.scheme)
	if err != nil {
		c.t.Fatalf("scheme: %v", err)
	}

	c.verifier = scheme.Verifier
	members := make([][]byte, size)
	c.nodes = make([]*Node, size)

	for i := range size {
		_, priv, err := ed25519.GenerateKey(rand.Reader)
		if err != nil {
			c.t.Fatalf("generate key: %v", err)
		}

		signer, err := scheme.NewSigner(priv)
		if err != nil {
			c.t.Fatalf("derive signer: %v", err)
		}

		members[i] = signer.PublicKey()

		node := &Node{
			index:    i,
			httpAddr: fmt.Sprintf("127.0.0.1:%d", c.opts.httpBase+i),
			quicAddr: fmt.Sprintf("127.0.0.1:%d", c.opts.quicBase+i),
			dataDir:  filepath.Join(c.testDir, fmt.Sprintf("node-%d", i)),
		}
		node.keyPath = filepath.Join(node.dataDir, "node.key")
		node.client = client.New(node.httpAddr)

		if err := os.MkdirAll(node.dataDir, 0755); err != nil {
			c.t.Fatalf("create node dir %d: %v", i, err)
		}

		if err := os.WriteFile(node.keyPath, priv, 0600); err != nil {
			c.t.Fatalf("write key %d: %v", i, err)
		}

		c.nodes[i] = node
	}

	set, err := types.NewValidatorSet(1, members, c.opts.threshold)
	if err != nil {
		c.t.Fatalf("validator set: %v", err)
	}

	if err := identity.WriteFile(c.setFile, []*types.ValidatorSet{set}); err != nil {
		c.t.Fatalf("write validator file: %v", err)
	}

	c.set = set
}

// Node returns validator i.
func (c *Cluster) Node(i int) *Node { return c.nodes[i] }

// Set returns the cluster's validator set.
func (c *Cluster) Set() *types.ValidatorSet { return c.set }

// StartAll starts every validator. Node 0 is the hub every other node dials.
func (c *Cluster) StartAll() {
	c.t.Helper()

	for i := range c.nodes {
		c.Start(i)
	}

	c.WaitPeers(0, len(c.nodes)-1, 15*time.Second)
}

// Start starts validator i and waits for its API.
func (c *Cluster) Start(i int) {
	c.t.Helper()

	node := c.nodes[i]
	node.stdout = &safeBuffer{}
	node.stderr = &safeBuffer{}

	ctx, cancel := context.WithCancel(context.Background())
	node.cancel = cancel

	node.cmd = exec.CommandContext(ctx, c.binaryPath)
	node.cmd.Env = append(os.Environ(), c.nodeEnv(node)...)
	node.cmd.Stdout = node.stdout
	node.cmd.Stderr = node.stderr

	if err := node.cmd.Start(); err != nil {
		c.t.Fatalf("start node %d: %v", i, err)
	}

	// Wait in background so ProcessState gets set when the process exits.
	go node.cmd.Wait()

	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		if node.IsRunning() && node.client.Health(context.Background()) == nil {
			return
		}

		time.Sleep(100 * time.Millisecond)
	}

	c.t.Fatalf("node %d failed to start:\nSTDOUT:\n%s\nSTDERR:\n%s", i, node.stdout.String(), node.stderr.String())
}

// nodeEnv builds the WITNET_ environment of a node.
func (c *Cluster) nodeEnv(node *Node) []string {
	env := map[string]string{
		"NODE_DATA_DIR":          node.dataDir,
		"NODE_KEY_PATH":          node.keyPath,
		"NODE_HTTP_ADDR":         node.httpAddr,
		"NODE_QUIC_ADDR":         node.quicAddr,
		"NODE_SCHEME":            c.opts.scheme,
		"NODE_VALIDATOR_FILE":    c.setFile,
		"NODE_DIAL_TIMEOUT":      "30s",
		"TRACKER_SWEEP_INTERVAL": "1s",
	}

	if node.index != 0 {
		env["NODE_PEERS"] = c.nodes[0].quicAddr
	}

	for k, v := range c.opts.env {
		env[k] = v
	}

	out := make([]string, 0, len(env))
	for k, v := range env {
		out = append(out, "WITNET_"+k+"="+v)
	}

	return out
}

// WaitPeers waits until node hub reports at least want peers.
func (c *Cluster) WaitPeers(hub int, want int, timeout time.Duration) {
	c.t.Helper()

	deadline := time.Now().Add(timeout)

	for time.Now().Before(deadline) {
		st, err := c.nodes[hub].client.Status(context.Background())
		if err == nil && st.Peers >= want {
			return
		}

		time.Sleep(200 * time.Millisecond)
	}

	c.t.Fatalf("hub %d never reached %d peers", hub, want)
}

// Submit sends the request to the given running nodes.
func (c *Cluster) Submit(req *types.ProofRequest, nodes ...int) {
	c.t.Helper()

	for _, i := range nodes {
		if err := c.nodes[i].client.SubmitRequest(context.Background(), req); err != nil {
			c.t.Fatalf("submit request %d to node %d: %v", req.RequestID, i, err)
		}
	}
}

// WaitProof waits for node i to hold a valid proof of id.
func (c *Cluster) WaitProof(i int, id uint64, timeout time.Duration) *types.Proof {
	c.t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	p, err := c.nodes[i].client.WaitProof(ctx, id, 100*time.Millisecond)
	if err != nil {
		c.t.Fatalf("node %d: %v\nLOGS:\n%s", i, err, c.nodes[i].Logs())
	}

	if err := p.Verify(c.set, c.verifier); err != nil {
		c.t.Fatalf("node %d returned an invalid proof for %d: %v", i, id, err)
	}

	return p
}

// Stop kills all nodes in parallel.
func (c *Cluster) Stop() {
	var wg sync.WaitGroup

	for _, n := range c.nodes {
		if n == nil || n.cmd == nil {
			continue
		}

		wg.Add(1)

		go func() {
			defer wg.Done()
			n.Stop()
		}()
	}

	wg.Wait()
}

// request builds a test request whose message is unique to id.
func request(id uint64) *types.ProofRequest {
	return &types.ProofRequest{
		RequestID:   id,
		SetID:       1,
		Message:     []byte(fmt.Sprintf("cross-chain event %d", id)),
		OriginBlock: 100 + id,
	}
}

// buildBinary compiles the node binary.
// Uses a unique temp file per test to avoid races when running tests in parallel.
func buildBinary(t *testing.T) string {
	t.Helper()

	tmpFile, err := os.CreateTemp("", "witnet_test_*")
	if err != nil {
		t.Fatalf("create temp binary file: %v", err)
	}

	binary := tmpFile.Name()
	tmpFile.Close()

	cmd := exec.Command("go", "build", "-o", binary, "./cmd/node")
	cmd.Dir = getProjectRoot(t)

	output, err := cmd.CombinedOutput()
	if err != nil {
		t.Fatalf("build failed: %v\n%s", err, output)
	}

	t.Cleanup(func() { os.Remove(binary) })

	return binary
}

// getProjectRoot returns the project root directory (containing go.mod).
func getProjectRoot(t *testing.T) string {
	t.Helper()

	wd, err := os.Getwd()
	if err != nil {
		t.Fatalf("get working dir: %v", err)
	}

	dir := wd
	for i := 0; i < 5; i++ {
		if _, err := os.Stat(filepath.Join(dir, "go.mod")); err == nil {
			return dir
		}

		dir = filepath.Dir(dir)
	}

	t.Fatalf("could not find project root from %s", wd)

	return ""
}
