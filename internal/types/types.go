package types

import (
	"bytes"
	"time"
)

// Status is the lifecycle stage of a tracked request.
type Status uint8

const (
	// StatusPending means the request is tracked but no witness has been accepted.
	StatusPending Status = iota

	// StatusCollecting means at least one witness has been accepted.
	StatusCollecting

	// StatusFinalized means a proof was assembled; collected witnesses are frozen.
	StatusFinalized
)

// String returns the status name.
func (s Status) String() string {
	switch s {
	case StatusPending:
		return "pending"
	case StatusCollecting:
		return "collecting"
	case StatusFinalized:
		return "finalized"
	default:
		return "unknown"
	}
}

// ProofRequest asks the validator set identified by SetID to attest to Message.
type ProofRequest struct {
	RequestID   uint64 // RequestID is globally unique and monotonic
	SetID       uint64 // SetID pins the validator set for the request's whole lifetime
	Message     []byte // Message is opaque to the protocol
	OriginBlock uint64 // OriginBlock is the host block where the request was observed
}

// Equal reports whether two requests carry identical fields.
func (r *ProofRequest) Equal(o *ProofRequest) bool {
	if r == nil || o == nil {
		return r == o
	}

	return r.RequestID == o.RequestID &&
		r.SetID == o.SetID &&
		r.OriginBlock == o.OriginBlock &&
		bytes.Equal(r.Message, o.Message)
}

// Clone returns a deep copy.
func (r *ProofRequest) Clone() *ProofRequest {
	c := *r
	c.Message = bytes.Clone(r.Message)

	return &c
}

// Witness is one validator's signature over a request's message.
type Witness struct {
	RequestID   uint64 // RequestID identifies the request being witnessed
	SignerIndex uint32 // SignerIndex is the position in the request's validator set
	Signature   []byte // Signature is over the request message
}

// Equal reports whether two witnesses carry identical fields.
func (w *Witness) Equal(o *Witness) bool {
	return w.RequestID == o.RequestID &&
		w.SignerIndex == o.SignerIndex &&
		bytes.Equal(w.Signature, o.Signature)
}

// SignatureEntry pairs a signer index with its signature.
type SignatureEntry struct {
	Index     uint32 // Index is the signer index in the validator set
	Signature []byte // Signature is the signer's signature
}

// EquivocationEvidence records a validator that signed the same request twice differently.
type EquivocationEvidence struct {
	RequestID   uint64 // RequestID is the request both signatures claim
	SetID       uint64 // SetID resolves SignerIndex to a public key
	SignerIndex uint32 // SignerIndex is the equivocating validator
	First       []byte // First is the signature that was kept
	Second      []byte // Second is the conflicting signature
}

// RequestState is a point-in-time copy of the tracker's state for one request.
type RequestState struct {
	Request   *ProofRequest     // Request is the tracked request
	Collected map[uint32][]byte // Collected maps signer index to signature
	Status    Status            // Status is the lifecycle stage
	Trusted   bool              // Trusted is set when the request came from the local ingestion source
	FirstSeen time.Time         // FirstSeen is when the request was first observed locally
}

// Entries returns the collected signatures sorted by signer index.
func (s *RequestState) Entries() []SignatureEntry {
	return SortedEntries(s.Collected)
}
