package codec

import (
	"fmt"
	"time"

	"Witnet/internal/types"
)

const flagTrusted = 0x01

// StateRecord is the persisted form of a pending request.
type StateRecord struct {
	Request   *types.ProofRequest // Request is the tracked request
	Trusted   bool                // Trusted marks requests from the local ingestion source
	FirstSeen time.Time           // FirstSeen is stored with nanosecond precision
}

// EncodeStateRecord encodes a pending-request record.
// Body: request body, [1B flags][8B firstSeen unix nanos]
func EncodeStateRecord(rec *StateRecord) []byte {
	w := newWriter(KindStateRecord, 28+len(rec.Request.Message)+9)
	writeRequestBody(w, rec.Request)

	var flags byte
	if rec.Trusted {
		flags |= flagTrusted
	}

	w.u8(flags)
	w.u64(uint64(rec.FirstSeen.UnixNano()))

	return w.buf
}

// DecodeStateRecord decodes a pending-request record.
func DecodeStateRecord(data []byte) (*StateRecord, error) {
	r, err := openFrame(data, KindStateRecord)
	if err != nil {
		return nil, err
	}

	rec := &StateRecord{Request: readRequestBody(r)}

	flags := r.u8("flags")
	if r.err == nil && flags&^flagTrusted != 0 {
		r.fail(ErrInvalid, fmt.Sprintf("flags 0x%02x", flags))
	}

	rec.Trusted = flags&flagTrusted != 0
	rec.FirstSeen = time.Unix(0, int64(r.u64("first seen")))

	if err := r.finish(); err != nil {
		return nil, err
	}

	return rec, nil
}
