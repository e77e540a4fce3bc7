package api

import (
	"encoding/hex"
	"encoding/json"
	"fmt"

	"Witnet/internal/types"
)

// maxMessageSize matches the codec's message limit.
const maxMessageSize = 1 << 20

// requestJSON is the body of POST /request.
type requestJSON struct {
	RequestID   *uint64 `json:"requestId"`
	SetID       *uint64 `json:"setId"`
	Message     string  `json:"message"` // Message is hex encoded
	OriginBlock uint64  `json:"originBlock"`
}

// signatureJSON is one collected signature.
type signatureJSON struct {
	Index     uint32 `json:"index"`
	Signature string `json:"signature"`
}

// proofJSON is the body of GET /proof/{id} and of each stream event.
type proofJSON struct {
	RequestID  uint64          `json:"requestId"`
	SetID      uint64          `json:"setId"`
	Message    string          `json:"message"`
	Signatures []signatureJSON `json:"signatures"`
	Expanded   []string        `json:"expanded,omitempty"` // Expanded has one slot per set member, empty when unsigned
}

// parseRequest validates a POST /request body.
func parseRequest(body []byte) (*types.ProofRequest, error) {
	var in requestJSON
	if err := json.Unmarshal(body, &in); err != nil {
		return nil, fmt.Errorf("malformed json: %w", err)
	}

	if in.RequestID == nil {
		return nil, fmt.Errorf("missing requestId")
	}

	if in.SetID == nil {
		return nil, fmt.Errorf("missing setId")
	}

	msg, err := hex.DecodeString(in.Message)
	if err != nil {
		return nil, fmt.Errorf("message is not hex: %w", err)
	}

	if len(msg) == 0 {
		return nil, fmt.Errorf("empty message")
	}

	if len(msg) > maxMessageSize {
		return nil, fmt.Errorf("message too large: %d bytes", len(msg))
	}

	return &types.ProofRequest{
		RequestID:   *in.RequestID,
		SetID:       *in.SetID,
		Message:     msg,
		OriginBlock: in.OriginBlock,
	}, nil
}

// renderProof renders a proof. The expanded list is included when the set is known.
func (s *Server) renderProof(p *types.Proof) proofJSON {
	out := proofJSON{
		RequestID:  p.RequestID,
		SetID:      p.SetID,
		Message:    hex.EncodeToString(p.Message),
		Signatures: make([]signatureJSON, len(p.Signatures)),
	}

	for i, e := range p.Signatures {
		out.Signatures[i] = signatureJSON{Index: e.Index, Signature: hex.EncodeToString(e.Signature)}
	}

	if s.opts.Sets == nil {
		return out
	}

	if set, ok := s.opts.Sets.SetByID(p.SetID); ok {
		expanded := p.Expanded(set.Len())

		out.Expanded = make([]string, len(expanded))
		for i, sig := range expanded {
			out.Expanded[i] = hexString(sig)
		}
	}

	return out
}
