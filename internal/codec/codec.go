// Package codec implements the canonical binary encoding shared by the wire
// protocol and the proof store.
//
// Every frame starts with a version byte and a kind byte, followed by the
// kind-specific body and zero or more extension records:
//
//	[1B version][1B kind][body][ext]*
//	ext = [2B tag][4B len][len bytes]
//
// Integers are big-endian. Decoders validate extension framing and skip the
// content, so newer peers may append fields. Encoders never emit extensions,
// which keeps the encoding of a value unique.
package codec

import (
	"encoding/binary"
	"errors"
	"fmt"

	"Witnet/internal/types"
)

// Version is the only frame version this codec reads and writes.
const Version = 0x01

// Size limits enforced by every decoder.
const (
	MaxMessageSize   = 1 << 20 // MaxMessageSize bounds ProofRequest.Message
	MaxSignatureSize = 256     // MaxSignatureSize bounds a single signature
	MaxSignatures    = 4096    // MaxSignatures bounds signature lists
)

const (
	headerSize   = 2
	extHeaderLen = 6
	entryMinSize = 4 + 2
)

// Kind identifies the frame body.
type Kind byte

const (
	KindRequest          Kind = 0x01 // KindRequest is a ProofRequest
	KindWitness          Kind = 0x02 // KindWitness is a single Witness
	KindProof            Kind = 0x03 // KindProof is a finalized Proof
	KindBackfillRequest  Kind = 0x04 // KindBackfillRequest asks a peer for a request's witnesses
	KindBackfillResponse Kind = 0x05 // KindBackfillResponse answers a backfill request
	KindStateRecord      Kind = 0x06 // KindStateRecord is a persisted pending request
)

// String returns the kind name.
func (k Kind) String() string {
	switch k {
	case KindRequest:
		return "request"
	case KindWitness:
		return "witness"
	case KindProof:
		return "proof"
	case KindBackfillRequest:
		return "backfill-request"
	case KindBackfillResponse:
		return "backfill-response"
	case KindStateRecord:
		return "state-record"
	default:
		return fmt.Sprintf("kind(0x%02x)", byte(k))
	}
}

var (
	// ErrTruncated is returned when input ends before a field is complete.
	ErrTruncated = errors.New("truncated input")

	// ErrOverlong is returned when input carries bytes that are neither body nor a valid extension.
	ErrOverlong = errors.New("trailing bytes")

	// ErrInvalid is returned when fields are individually well formed but inconsistent.
	ErrInvalid = errors.New("invalid field")

	// ErrVersion is returned for an unknown frame version or an unexpected kind.
	ErrVersion = errors.New("unsupported version or kind")
)

// DecodeError describes where decoding failed. errors.Is matches the wrapped sentinel.
type DecodeError struct {
	Kind   Kind   // Kind is the frame kind being decoded
	Offset int    // Offset is the byte position of the failure
	Err    error  // Err is one of the package sentinels
	Detail string // Detail is a human readable description
}

// Error implements error.
func (e *DecodeError) Error() string {
	if e.Detail == "" {
		return fmt.Sprintf("decode %s at offset %d: %v", e.Kind, e.Offset, e.Err)
	}

	return fmt.Sprintf("decode %s at offset %d: %v: %s", e.Kind, e.Offset, e.Err, e.Detail)
}

// Unwrap returns the sentinel error.
func (e *DecodeError) Unwrap() error {
	return e.Err
}

// PeekKind validates the frame header and returns its kind.
func PeekKind(data []byte) (Kind, error) {
	if len(data) < headerSize {
		return 0, &DecodeError{Offset: len(data), Err: ErrTruncated, Detail: "header"}
	}

	if data[0] != Version {
		return 0, &DecodeError{Kind: Kind(data[1]), Err: ErrVersion, Detail: fmt.Sprintf("version 0x%02x", data[0])}
	}

	return Kind(data[1]), nil
}

// writer appends big-endian fields to a frame.
type writer struct {
	buf []byte // buf is the frame being built
}

// newWriter starts a frame of the given kind.
func newWriter(kind Kind, sizeHint int) *writer {
	buf := make([]byte, 0, headerSize+sizeHint)
	buf = append(buf, Version, byte(kind))

	return &writer{buf: buf}
}

func (w *writer) u8(v byte) {
	w.buf = append(w.buf, v)
}

func (w *writer) u16(v uint16) {
	w.buf = binary.BigEndian.AppendUint16(w.buf, v)
}

func (w *writer) u32(v uint32) {
	w.buf = binary.BigEndian.AppendUint32(w.buf, v)
}

func (w *writer) u64(v uint64) {
	w.buf = binary.BigEndian.AppendUint64(w.buf, v)
}

// bytes32 writes a u32 length prefix followed by b.
func (w *writer) bytes32(b []byte) {
	w.u32(uint32(len(b)))
	w.buf = append(w.buf, b...)
}

// bytes16 writes a u16 length prefix followed by b.
func (w *writer) bytes16(b []byte) {
	w.u16(uint16(len(b)))
	w.buf = append(w.buf, b...)
}

// signatures writes a u32 count followed by (index, signature) entries.
func (w *writer) signatures(entries []types.SignatureEntry) {
	w.u32(uint32(len(entries)))

	for _, e := range entries {
		w.u32(e.Index)
		w.bytes16(e.Signature)
	}
}

// reader consumes big-endian fields from a frame.
// The first failure is sticky; later reads return zero values.
type reader struct {
	data []byte // data is the whole frame
	off  int    // off is the read position
	kind Kind   // kind labels errors
	err  error  // err is the first failure
}

// openFrame checks the header and returns a reader positioned at the body.
func openFrame(data []byte, kind Kind) (*reader, error) {
	got, err := PeekKind(data)
	if err != nil {
		if de, ok := err.(*DecodeError); ok {
			de.Kind = kind
		}

		return nil, err
	}

	if got != kind {
		return nil, &DecodeError{Kind: kind, Offset: 1, Err: ErrVersion, Detail: fmt.Sprintf("got %s", got)}
	}

	return &reader{data: data, off: headerSize, kind: kind}, nil
}

// fail records the first error.
func (r *reader) fail(err error, detail string) {
	if r.err == nil {
		r.err = &DecodeError{Kind: r.kind, Offset: r.off, Err: err, Detail: detail}
	}
}

// take returns the next n bytes without copying.
func (r *reader) take(n int, field string) []byte {
	if r.err != nil {
		return nil
	}

	if n < 0 || len(r.data)-r.off < n {
		r.fail(ErrTruncated, field)
		return nil
	}

	b := r.data[r.off : r.off+n]
	r.off += n

	return b
}

func (r *reader) u8(field string) byte {
	b := r.take(1, field)
	if b == nil {
		return 0
	}

	return b[0]
}

func (r *reader) u16(field string) uint16 {
	b := r.take(2, field)
	if b == nil {
		return 0
	}

	return binary.BigEndian.Uint16(b)
}

func (r *reader) u32(field string) uint32 {
	b := r.take(4, field)
	if b == nil {
		return 0
	}

	return binary.BigEndian.Uint32(b)
}

func (r *reader) u64(field string) uint64 {
	b := r.take(8, field)
	if b == nil {
		return 0
	}

	return binary.BigEndian.Uint64(b)
}

// message reads a u32-prefixed payload bounded by MaxMessageSize.
func (r *reader) message() []byte {
	n := r.u32("message length")
	if r.err != nil {
		return nil
	}

	if n > MaxMessageSize {
		r.fail(ErrInvalid, fmt.Sprintf("message length %d exceeds %d", n, MaxMessageSize))
		return nil
	}

	b := r.take(int(n), "message")
	if b == nil {
		return nil
	}

	out := make([]byte, len(b))
	copy(out, b)

	return out
}

// signature reads a u16-prefixed non-empty signature bounded by MaxSignatureSize.
func (r *reader) signature() []byte {
	n := r.u16("signature length")
	if r.err != nil {
		return nil
	}

	if n == 0 || n > MaxSignatureSize {
		r.fail(ErrInvalid, fmt.Sprintf("signature length %d", n))
		return nil
	}

	b := r.take(int(n), "signature")
	if b == nil {
		return nil
	}

	out := make([]byte, len(b))
	copy(out, b)

	return out
}

// signatures reads a signature list and enforces strictly ascending indices.
func (r *reader) signatures() []types.SignatureEntry {
	count := r.u32("signature count")
	if r.err != nil {
		return nil
	}

	if count > MaxSignatures {
		r.fail(ErrInvalid, fmt.Sprintf("signature count %d exceeds %d", count, MaxSignatures))
		return nil
	}

	if int(count)*entryMinSize > len(r.data)-r.off {
		r.fail(ErrTruncated, fmt.Sprintf("signature list of %d", count))
		return nil
	}

	entries := make([]types.SignatureEntry, 0, count)

	for i := uint32(0); i < count; i++ {
		idx := r.u32("signer index")
		sig := r.signature()

		if r.err != nil {
			return nil
		}

		if i > 0 && idx <= entries[i-1].Index {
			r.fail(ErrInvalid, fmt.Sprintf("signer %d after %d", idx, entries[i-1].Index))
			return nil
		}

		entries = append(entries, types.SignatureEntry{Index: idx, Signature: sig})
	}

	return entries
}

// finish skips well-formed extension records and rejects anything else.
func (r *reader) finish() error {
	for r.err == nil && r.off < len(r.data) {
		if len(r.data)-r.off < extHeaderLen {
			r.fail(ErrOverlong, "partial extension header")
			break
		}

		size := binary.BigEndian.Uint32(r.data[r.off+2 : r.off+extHeaderLen])
		if uint64(size) > uint64(len(r.data)-r.off-extHeaderLen) {
			r.fail(ErrOverlong, "extension exceeds frame")
			break
		}

		r.off += extHeaderLen + int(size)
	}

	return r.err
}

// AppendExtension appends an extension record to an encoded frame.
// Decoders of this version skip it.
func AppendExtension(frame []byte, tag uint16, data []byte) []byte {
	frame = binary.BigEndian.AppendUint16(frame, tag)
	frame = binary.BigEndian.AppendUint32(frame, uint32(len(data)))

	return append(frame, data...)
}
