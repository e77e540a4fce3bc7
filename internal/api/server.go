package api

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"time"

	"Witnet/internal/logger"
	"Witnet/internal/store"
	"Witnet/internal/types"
)

const (
	// maxRequestBody bounds POST /request bodies; messages are hex so twice the codec limit.
	maxRequestBody = 2<<20 + 4096

	// streamBuffer is the subscriber buffer of one /proofs/stream client.
	streamBuffer = 64
)

// RequestSubmitter admits proof requests; *ingest.Sequencer implements it.
type RequestSubmitter interface {
	Submit(ctx context.Context, req *types.ProofRequest) error
}

// ProofReader looks up finalized proofs.
type ProofReader interface {
	GetProof(id uint64) (*types.Proof, error)
}

// Acker prunes acknowledged proofs; *store.Store implements it.
type Acker interface {
	Ack(ctx context.Context, id uint64) error
}

// SetLookup resolves validator sets; identity.Provider implements it.
type SetLookup interface {
	SetByID(id uint64) (*types.ValidatorSet, bool)
}

// Subscriber streams finalized proofs; *publish.Broadcaster implements it.
type Subscriber interface {
	Subscribe(buffer int) (<-chan *types.Proof, func())
}

// Status is the node summary served by GET /status.
type Status struct {
	SetID         uint64 `json:"setId"`
	Threshold     uint32 `json:"threshold"`
	Validators    int    `json:"validators"`
	Signer        bool   `json:"signer"`
	SignerIndex   uint32 `json:"signerIndex,omitempty"`
	Peers         int    `json:"peers"`
	Pending       int    `json:"pending"`
	Stuck         int    `json:"stuck"`
	OldestPending string `json:"oldestPending"`
	StoreDegraded bool   `json:"storeDegraded"`
}

// StatusProvider reports the node summary.
type StatusProvider interface {
	Status() Status
}

// Options wires the server to the node. Any field may be nil; the matching
// endpoints answer 503.
type Options struct {
	Submitter RequestSubmitter
	Proofs    ProofReader
	Acker     Acker
	Sets      SetLookup
	Stream    Subscriber
	Status    StatusProvider
	Metrics   http.Handler
}

// Server is the HTTP API server.
type Server struct {
	addr   string       // addr is the HTTP listen address
	opts   Options      // opts are the node components behind the endpoints
	server *http.Server // server is the underlying HTTP server
	ctx    context.Context
	cancel context.CancelFunc
}

// New creates a new HTTP API server.
func New(addr string, opts Options) *Server {
	ctx, cancel := context.WithCancel(context.Background())

	return &Server{addr: addr, opts: opts, ctx: ctx, cancel: cancel}
}

// Handler returns the API routes.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /status", s.handleStatus)
	mux.HandleFunc("GET /proof/{id}", s.handleProof)
	mux.HandleFunc("POST /proof/{id}/ack", s.handleAck)
	mux.HandleFunc("GET /proofs/stream", s.handleStream)
	mux.HandleFunc("POST /request", s.handleRequest)

	if s.opts.Metrics != nil {
		mux.Handle("GET /metrics", s.opts.Metrics)
	}

	return mux
}

// Start listens on the configured address and serves in a goroutine.
// It returns the bound address.
func (s *Server) Start() (string, error) {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return "", fmt.Errorf("listen %s:\n%w", s.addr, err)
	}

	s.server = &http.Server{
		Handler:      s.Handler(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	go func() {
		logger.Info("http api started", "addr", ln.Addr().String())

		if err := s.server.Serve(ln); err != http.ErrServerClosed {
			logger.Error("http server error", "error", err)
		}
	}()

	return ln.Addr().String(), nil
}

// Stop ends open streams and gracefully shuts down the HTTP server.
func (s *Server) Stop() error {
	s.cancel()

	if s.server == nil {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	return s.server.Shutdown(ctx)
}

// handleHealth handles GET /health requests.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status": "ok",
	})
}

// handleStatus handles GET /status requests.
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if s.opts.Status == nil {
		writeError(w, http.StatusServiceUnavailable, "status not available")
		return
	}

	writeJSON(w, http.StatusOK, s.opts.Status.Status())
}

// handleProof handles GET /proof/{id} requests.
func (s *Server) handleProof(w http.ResponseWriter, r *http.Request) {
	if s.opts.Proofs == nil {
		writeError(w, http.StatusServiceUnavailable, "proofs not available")
		return
	}

	id, err := strconv.ParseUint(r.PathValue("id"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid request id")
		return
	}

	p, err := s.opts.Proofs.GetProof(id)
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, "proof not found")
		return
	}

	if err != nil {
		logger.Warn("proof lookup failed", "request_id", id, "error", err)
		writeError(w, http.StatusInternalServerError, "proof lookup failed")

		return
	}

	writeJSON(w, http.StatusOK, s.renderProof(p))
}

// handleAck handles POST /proof/{id}/ack requests.
func (s *Server) handleAck(w http.ResponseWriter, r *http.Request) {
	if s.opts.Acker == nil {
		writeError(w, http.StatusServiceUnavailable, "acknowledgement not available")
		return
	}

	id, err := strconv.ParseUint(r.PathValue("id"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid request id")
		return
	}

	err = s.opts.Acker.Ack(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, "proof not found")
		return
	}

	if err != nil {
		logger.Warn("proof ack failed", "request_id", id, "error", err)
		writeError(w, http.StatusInternalServerError, "ack failed")

		return
	}

	logger.Debug("proof acknowledged", "request_id", id)

	w.WriteHeader(http.StatusNoContent)
}

// handleRequest handles POST /request, the external trigger for a proof request.
func (s *Server) handleRequest(w http.ResponseWriter, r *http.Request) {
	if s.opts.Submitter == nil {
		writeError(w, http.StatusServiceUnavailable, "request submission not available")
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxRequestBody+1))
	if err != nil {
		writeError(w, http.StatusBadRequest, "failed to read body")
		return
	}

	if len(body) > maxRequestBody {
		writeError(w, http.StatusRequestEntityTooLarge, "request too large")
		return
	}

	req, err := parseRequest(body)
	if err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid request: %v", err))
		return
	}

	if err := s.opts.Submitter.Submit(r.Context(), req); err != nil {
		writeError(w, http.StatusUnprocessableEntity, err.Error())
		return
	}

	logger.Debug("request submitted over http", "request_id", req.RequestID)

	writeJSON(w, http.StatusAccepted, map[string]uint64{
		"requestId": req.RequestID,
	})
}

// writeJSON writes a JSON response.
func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

// writeError writes an error response.
func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{
		"error": message,
	})
}

// hexString encodes b, or returns "" for an empty slot.
func hexString(b []byte) string {
	if len(b) == 0 {
		return ""
	}

	return hex.EncodeToString(b)
}
