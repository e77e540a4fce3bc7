package codec

import (
	"fmt"

	"Witnet/internal/types"
)

// BackfillStatus says what a peer knows about a requested id.
type BackfillStatus byte

const (
	BackfillNone       BackfillStatus = 0x00 // BackfillNone means the peer does not know the request
	BackfillCollecting BackfillStatus = 0x01 // BackfillCollecting carries the request and its partial witness set
	BackfillFinalized  BackfillStatus = 0x02 // BackfillFinalized carries the request and the proof signatures
)

// String returns the status name.
func (s BackfillStatus) String() string {
	switch s {
	case BackfillNone:
		return "none"
	case BackfillCollecting:
		return "collecting"
	case BackfillFinalized:
		return "finalized"
	default:
		return fmt.Sprintf("status(0x%02x)", byte(s))
	}
}

// BackfillRequest asks a peer for everything it has about one request.
type BackfillRequest struct {
	RequestID uint64 // RequestID is the request to recover
}

// BackfillResponse is a peer's answer. Its contents are untrusted.
type BackfillResponse struct {
	RequestID  uint64                 // RequestID echoes the query
	Status     BackfillStatus         // Status selects which fields are present
	Request    *types.ProofRequest    // Request is nil when Status is BackfillNone
	Signatures []types.SignatureEntry // Signatures are in ascending index order
}

// EncodeBackfillRequest encodes a backfill query.
// Body: [8B requestID]
func EncodeBackfillRequest(req *BackfillRequest) []byte {
	w := newWriter(KindBackfillRequest, 8)
	w.u64(req.RequestID)

	return w.buf
}

// DecodeBackfillRequest decodes a backfill query.
func DecodeBackfillRequest(data []byte) (*BackfillRequest, error) {
	r, err := openFrame(data, KindBackfillRequest)
	if err != nil {
		return nil, err
	}

	req := &BackfillRequest{RequestID: r.u64("request id")}

	if err := r.finish(); err != nil {
		return nil, err
	}

	return req, nil
}

// EncodeBackfillResponse encodes a backfill answer.
// Body: [8B requestID][1B status] then, unless status is none,
// [8B setID][8B originBlock][4B len][message][signature list].
func EncodeBackfillResponse(resp *BackfillResponse) []byte {
	if resp.Status == BackfillNone || resp.Request == nil {
		w := newWriter(KindBackfillResponse, 9)
		w.u64(resp.RequestID)
		w.u8(byte(BackfillNone))

		return w.buf
	}

	size := 9 + 20 + len(resp.Request.Message) + 4
	for _, e := range resp.Signatures {
		size += 6 + len(e.Signature)
	}

	w := newWriter(KindBackfillResponse, size)
	w.u64(resp.RequestID)
	w.u8(byte(resp.Status))
	w.u64(resp.Request.SetID)
	w.u64(resp.Request.OriginBlock)
	w.bytes32(resp.Request.Message)
	w.signatures(resp.Signatures)

	return w.buf
}

// DecodeBackfillResponse decodes a backfill answer.
func DecodeBackfillResponse(data []byte) (*BackfillResponse, error) {
	r, err := openFrame(data, KindBackfillResponse)
	if err != nil {
		return nil, err
	}

	resp := &BackfillResponse{
		RequestID: r.u64("request id"),
		Status:    BackfillStatus(r.u8("status")),
	}

	switch {
	case r.err != nil:
	case resp.Status == BackfillNone:
	case resp.Status == BackfillCollecting || resp.Status == BackfillFinalized:
		resp.Request = &types.ProofRequest{
			RequestID:   resp.RequestID,
			SetID:       r.u64("set id"),
			OriginBlock: r.u64("origin block"),
			Message:     r.message(),
		}
		resp.Signatures = r.signatures()

		if r.err == nil && resp.Status == BackfillFinalized && len(resp.Signatures) == 0 {
			r.fail(ErrInvalid, "finalized response without signatures")
		}
	default:
		r.fail(ErrInvalid, resp.Status.String())
	}

	if err := r.finish(); err != nil {
		return nil, err
	}

	return resp, nil
}
