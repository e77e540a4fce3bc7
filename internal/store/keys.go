package store

import (
	"encoding/binary"
	"time"
)

// Key layout. Ids and timestamps are big-endian so prefix scans run in numeric order.
//
//	r/<id>            pending request record
//	w/<id><index>     collected signature of a pending request
//	p/<id>            finalized proof: [8B finalized unix nanos][encoded proof]
//	t/<nanos><id>     finalization-time index used by retention
var (
	prefixRequest = []byte("r/")
	prefixWitness = []byte("w/")
	prefixProof   = []byte("p/")
	prefixTime    = []byte("t/")
)

func idKey(prefix []byte, id uint64) []byte {
	k := make([]byte, 0, len(prefix)+8)
	k = append(k, prefix...)

	return binary.BigEndian.AppendUint64(k, id)
}

func requestKey(id uint64) []byte {
	return idKey(prefixRequest, id)
}

func proofKey(id uint64) []byte {
	return idKey(prefixProof, id)
}

// witnessPrefix is the common prefix of every signature of a request.
func witnessPrefix(id uint64) []byte {
	return idKey(prefixWitness, id)
}

func witnessKey(id uint64, idx uint32) []byte {
	return binary.BigEndian.AppendUint32(witnessPrefix(id), idx)
}

func timeKey(at time.Time, id uint64) []byte {
	k := make([]byte, 0, len(prefixTime)+16)
	k = append(k, prefixTime...)
	k = binary.BigEndian.AppendUint64(k, uint64(at.UnixNano()))

	return binary.BigEndian.AppendUint64(k, id)
}

// parseTimeKey splits a time index key. ok is false for malformed keys.
func parseTimeKey(k []byte) (time.Time, uint64, bool) {
	if len(k) != len(prefixTime)+16 {
		return time.Time{}, 0, false
	}

	body := k[len(prefixTime):]
	at := time.Unix(0, int64(binary.BigEndian.Uint64(body[:8])))

	return at, binary.BigEndian.Uint64(body[8:]), true
}

// parseWitnessKey returns the signer index of a witness key.
func parseWitnessKey(k []byte) (uint32, bool) {
	if len(k) != len(prefixWitness)+12 {
		return 0, false
	}

	return binary.BigEndian.Uint32(k[len(prefixWitness)+8:]), true
}
