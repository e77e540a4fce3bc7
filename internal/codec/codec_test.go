package codec

import (
	"bytes"
	"errors"
	"testing"
	"time"

	"Witnet/internal/types"
)

func testProof() *types.Proof {
	return &types.Proof{
		RequestID: 42,
		SetID:     1,
		Message:   []byte{0x0a, 0xbc},
		Signatures: []types.SignatureEntry{
			{Index: 0, Signature: []byte("sig0")},
			{Index: 1, Signature: []byte("sig1")},
			{Index: 3, Signature: []byte("sig3")},
			{Index: 5, Signature: []byte("sig5")},
		},
	}
}

func TestRequestRoundTrip(t *testing.T) {
	req := &types.ProofRequest{RequestID: 42, SetID: 7, Message: []byte("event payload"), OriginBlock: 1234}

	got, err := DecodeRequest(EncodeRequest(req))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}

	if !got.Equal(req) {
		t.Errorf("round trip = %+v, want %+v", got, req)
	}
}

func TestWitnessRoundTrip(t *testing.T) {
	w := &types.Witness{RequestID: 42, SignerIndex: 3, Signature: bytes.Repeat([]byte{0x11}, 96)}

	got, err := DecodeWitness(EncodeWitness(w))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}

	if !got.Equal(w) {
		t.Errorf("round trip = %+v, want %+v", got, w)
	}
}

func TestProofRoundTrip(t *testing.T) {
	p := testProof()

	got, err := DecodeProof(EncodeProof(p))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}

	if !got.Equal(p) {
		t.Errorf("round trip = %+v, want %+v", got, p)
	}
}

func TestEncodingIsDeterministic(t *testing.T) {
	a := EncodeProof(testProof())
	b := EncodeProof(testProof())

	if !bytes.Equal(a, b) {
		t.Error("same proof encoded to different bytes")
	}
}

func TestBackfillRoundTrip(t *testing.T) {
	req := &types.ProofRequest{RequestID: 9, SetID: 2, Message: []byte("m"), OriginBlock: 77}

	tests := []struct {
		name string
		resp *BackfillResponse
	}{
		{"none", &BackfillResponse{RequestID: 9, Status: BackfillNone}},
		{"collecting empty", &BackfillResponse{RequestID: 9, Status: BackfillCollecting, Request: req}},
		{"finalized", &BackfillResponse{RequestID: 9, Status: BackfillFinalized, Request: req, Signatures: testProof().Signatures}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := DecodeBackfillResponse(EncodeBackfillResponse(tt.resp))
			if err != nil {
				t.Fatalf("decode: %v", err)
			}

			if got.RequestID != tt.resp.RequestID || got.Status != tt.resp.Status {
				t.Fatalf("header = %d/%s, want %d/%s", got.RequestID, got.Status, tt.resp.RequestID, tt.resp.Status)
			}

			if !got.Request.Equal(tt.resp.Request) {
				t.Errorf("request = %+v, want %+v", got.Request, tt.resp.Request)
			}

			if len(got.Signatures) != len(tt.resp.Signatures) {
				t.Errorf("signatures = %d, want %d", len(got.Signatures), len(tt.resp.Signatures))
			}
		})
	}

	q, err := DecodeBackfillRequest(EncodeBackfillRequest(&BackfillRequest{RequestID: 5}))
	if err != nil || q.RequestID != 5 {
		t.Errorf("backfill request = %+v, %v", q, err)
	}
}

func TestStateRecordRoundTrip(t *testing.T) {
	rec := &StateRecord{
		Request:   &types.ProofRequest{RequestID: 3, SetID: 1, Message: []byte("x"), OriginBlock: 10},
		Trusted:   true,
		FirstSeen: time.Unix(1700000000, 123456789),
	}

	got, err := DecodeStateRecord(EncodeStateRecord(rec))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}

	if !got.Request.Equal(rec.Request) || got.Trusted != rec.Trusted || !got.FirstSeen.Equal(rec.FirstSeen) {
		t.Errorf("round trip = %+v, want %+v", got, rec)
	}
}

func TestDecodeRejectsTruncation(t *testing.T) {
	data := EncodeProof(testProof())

	for n := 0; n < len(data); n++ {
		if _, err := DecodeProof(data[:n]); !errors.Is(err, ErrTruncated) {
			t.Fatalf("prefix %d: got %v, want ErrTruncated", n, err)
		}
	}
}

func TestDecodeRejectsTrailingBytes(t *testing.T) {
	data := append(EncodeWitness(&types.Witness{RequestID: 1, Signature: []byte("s")}), 0xff)

	_, err := DecodeWitness(data)
	if !errors.Is(err, ErrOverlong) {
		t.Fatalf("got %v, want ErrOverlong", err)
	}

	var de *DecodeError
	if !errors.As(err, &de) || de.Kind != KindWitness {
		t.Errorf("error = %#v, want DecodeError for witness", err)
	}
}

func TestDecodeSkipsExtensions(t *testing.T) {
	w := &types.Witness{RequestID: 8, SignerIndex: 2, Signature: []byte("sig")}
	data := AppendExtension(EncodeWitness(w), 0x0100, []byte("future field"))
	data = AppendExtension(data, 0x0101, nil)

	got, err := DecodeWitness(data)
	if err != nil {
		t.Fatalf("decode with extensions: %v", err)
	}

	if !got.Equal(w) {
		t.Errorf("decoded = %+v, want %+v", got, w)
	}

	// An extension claiming more bytes than remain is not skippable.
	bad := AppendExtension(EncodeWitness(w), 1, []byte("abc"))
	bad = bad[:len(bad)-1]

	if _, err := DecodeWitness(bad); !errors.Is(err, ErrOverlong) {
		t.Errorf("short extension: got %v, want ErrOverlong", err)
	}
}

func TestDecodeRejectsInconsistentSignatures(t *testing.T) {
	tests := []struct {
		name string
		sigs []types.SignatureEntry
	}{
		{"unsorted", []types.SignatureEntry{{Index: 3, Signature: []byte("a")}, {Index: 1, Signature: []byte("b")}}},
		{"duplicate", []types.SignatureEntry{{Index: 1, Signature: []byte("a")}, {Index: 1, Signature: []byte("b")}}},
		{"empty signature", []types.SignatureEntry{{Index: 1, Signature: nil}}},
		{"empty list", nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := &types.Proof{RequestID: 1, SetID: 1, Message: []byte("m"), Signatures: tt.sigs}

			if _, err := DecodeProof(EncodeProof(p)); !errors.Is(err, ErrInvalid) {
				t.Errorf("got %v, want ErrInvalid", err)
			}
		})
	}
}

func TestDecodeRejectsOversizedFields(t *testing.T) {
	w := &types.Witness{RequestID: 1, Signature: make([]byte, MaxSignatureSize+1)}
	if _, err := DecodeWitness(EncodeWitness(w)); !errors.Is(err, ErrInvalid) {
		t.Errorf("oversized signature: got %v, want ErrInvalid", err)
	}

	// A length prefix above the limit is rejected before any allocation.
	frame := newWriter(KindRequest, 0)
	frame.u64(1)
	frame.u64(1)
	frame.u64(1)
	frame.u32(MaxMessageSize + 1)

	if _, err := DecodeRequest(frame.buf); !errors.Is(err, ErrInvalid) {
		t.Errorf("oversized message: got %v, want ErrInvalid", err)
	}

	list := newWriter(KindProof, 0)
	list.u64(1)
	list.u64(1)
	list.bytes32([]byte("m"))
	list.u32(MaxSignatures + 1)

	if _, err := DecodeProof(list.buf); !errors.Is(err, ErrInvalid) {
		t.Errorf("oversized list: got %v, want ErrInvalid", err)
	}
}

func TestDecodeRejectsWrongHeader(t *testing.T) {
	data := EncodeWitness(&types.Witness{RequestID: 1, Signature: []byte("s")})

	if _, err := DecodeProof(data); !errors.Is(err, ErrVersion) {
		t.Errorf("wrong kind: got %v, want ErrVersion", err)
	}

	other := bytes.Clone(data)
	other[0] = 0x02

	if _, err := DecodeWitness(other); !errors.Is(err, ErrVersion) {
		t.Errorf("wrong version: got %v, want ErrVersion", err)
	}

	if k, err := PeekKind(data); err != nil || k != KindWitness {
		t.Errorf("PeekKind = %s, %v", k, err)
	}
}

func TestDecodeRejectsUnknownFlags(t *testing.T) {
	rec := &StateRecord{Request: &types.ProofRequest{RequestID: 1}, FirstSeen: time.Unix(0, 0)}
	data := EncodeStateRecord(rec)
	data[len(data)-9] = 0x80

	if _, err := DecodeStateRecord(data); !errors.Is(err, ErrInvalid) {
		t.Errorf("got %v, want ErrInvalid", err)
	}
}
