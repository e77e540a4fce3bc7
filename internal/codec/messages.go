package codec

import (
	"Witnet/internal/types"
)

// EncodeRequest encodes a proof request.
// Body: [8B requestID][8B setID][8B originBlock][4B len][message]
func EncodeRequest(req *types.ProofRequest) []byte {
	w := newWriter(KindRequest, 28+len(req.Message))
	writeRequestBody(w, req)

	return w.buf
}

// DecodeRequest decodes a proof request.
func DecodeRequest(data []byte) (*types.ProofRequest, error) {
	r, err := openFrame(data, KindRequest)
	if err != nil {
		return nil, err
	}

	req := readRequestBody(r)

	if err := r.finish(); err != nil {
		return nil, err
	}

	return req, nil
}

func writeRequestBody(w *writer, req *types.ProofRequest) {
	w.u64(req.RequestID)
	w.u64(req.SetID)
	w.u64(req.OriginBlock)
	w.bytes32(req.Message)
}

func readRequestBody(r *reader) *types.ProofRequest {
	return &types.ProofRequest{
		RequestID:   r.u64("request id"),
		SetID:       r.u64("set id"),
		OriginBlock: r.u64("origin block"),
		Message:     r.message(),
	}
}

// EncodeWitness encodes a witness.
// Body: [8B requestID][4B signerIndex][2B len][signature]
func EncodeWitness(wit *types.Witness) []byte {
	w := newWriter(KindWitness, 14+len(wit.Signature))
	w.u64(wit.RequestID)
	w.u32(wit.SignerIndex)
	w.bytes16(wit.Signature)

	return w.buf
}

// DecodeWitness decodes a witness.
func DecodeWitness(data []byte) (*types.Witness, error) {
	r, err := openFrame(data, KindWitness)
	if err != nil {
		return nil, err
	}

	wit := &types.Witness{
		RequestID:   r.u64("request id"),
		SignerIndex: r.u32("signer index"),
		Signature:   r.signature(),
	}

	if err := r.finish(); err != nil {
		return nil, err
	}

	return wit, nil
}

// EncodeProof encodes a proof. Signatures must already be in ascending index order.
// Body: [8B requestID][8B setID][4B len][message][4B count]([4B index][2B len][sig])*
func EncodeProof(p *types.Proof) []byte {
	size := 20 + len(p.Message) + 4
	for _, e := range p.Signatures {
		size += 6 + len(e.Signature)
	}

	w := newWriter(KindProof, size)
	w.u64(p.RequestID)
	w.u64(p.SetID)
	w.bytes32(p.Message)
	w.signatures(p.Signatures)

	return w.buf
}

// DecodeProof decodes a proof. It rejects unsorted, repeated or empty signature lists.
// Threshold and signer range need the validator set and are checked by Proof.Validate.
func DecodeProof(data []byte) (*types.Proof, error) {
	r, err := openFrame(data, KindProof)
	if err != nil {
		return nil, err
	}

	p := &types.Proof{
		RequestID: r.u64("request id"),
		SetID:     r.u64("set id"),
		Message:   r.message(),
	}

	p.Signatures = r.signatures()
	if r.err == nil && len(p.Signatures) == 0 {
		r.fail(ErrInvalid, "proof without signatures")
	}

	if err := r.finish(); err != nil {
		return nil, err
	}

	return p, nil
}
