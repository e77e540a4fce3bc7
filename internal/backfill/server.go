package backfill

import (
	"fmt"

	"github.com/klauspost/compress/zstd"

	"Witnet/internal/codec"
	"Witnet/internal/logger"
	"Witnet/internal/network"
	"Witnet/internal/tracker"
	"Witnet/internal/types"
)

// ProofSource looks up persisted proofs; *store.Store implements it.
type ProofSource interface {
	GetProof(id uint64) (*types.Proof, error)
}

// Server answers backfill requests from the tracker and the proof store.
type Server struct {
	tracker       *tracker.Tracker
	proofs        ProofSource
	maxSignatures int
	compressAbove int
	enc           *zstd.Encoder
}

// NewServer creates a server. proofs may be nil.
func NewServer(cfg Config, tr *tracker.Tracker, proofs ProofSource) (*Server, error) {
	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return nil, fmt.Errorf("create encoder:\n%w", err)
	}

	return &Server{
		tracker:       tr,
		proofs:        proofs,
		maxSignatures: cfg.MaxSignatures,
		compressAbove: cfg.CompressAbove,
		enc:           enc,
	}, nil
}

// Attach registers the backfill protocol on a network node.
func (s *Server) Attach(node *network.Node) {
	node.HandleRequest(ProtocolBackfill, func(p *network.Peer, data []byte) ([]byte, error) {
		return s.Handle(data)
	})
}

// Handle answers one encoded backfill request.
func (s *Server) Handle(data []byte) ([]byte, error) {
	req, err := codec.DecodeBackfillRequest(data)
	if err != nil {
		return nil, fmt.Errorf("decode backfill request:\n%w", err)
	}

	resp := s.lookup(req.RequestID)

	logger.Debug("answering backfill",
		"request_id", req.RequestID,
		"status", resp.Status.String(),
		"signatures", len(resp.Signatures),
	)

	return frame(s.enc, codec.EncodeBackfillResponse(resp), s.compressAbove), nil
}

// lookup collects what this node holds about a request.
func (s *Server) lookup(id uint64) *codec.BackfillResponse {
	resp := &codec.BackfillResponse{RequestID: id, Status: codec.BackfillNone}

	if st, ok := s.tracker.Snapshot(id); ok {
		resp.Request = st.Request
		resp.Signatures = st.Entries()
		resp.Status = codec.BackfillCollecting

		if st.Status == types.StatusFinalized {
			resp.Status = codec.BackfillFinalized
		}
	} else if p := s.storedProof(id); p != nil {
		resp.Request = &types.ProofRequest{RequestID: p.RequestID, SetID: p.SetID, Message: p.Message}
		resp.Signatures = p.Signatures
		resp.Status = codec.BackfillFinalized
	}

	if s.maxSignatures > 0 && len(resp.Signatures) > s.maxSignatures {
		resp.Signatures = resp.Signatures[:s.maxSignatures]
	}

	return resp
}

func (s *Server) storedProof(id uint64) *types.Proof {
	if s.proofs == nil {
		return nil
	}

	p, err := s.proofs.GetProof(id)
	if err != nil {
		return nil
	}

	return p
}

// Close releases the encoder.
func (s *Server) Close() {
	s.enc.Close()
}
