// Package backfill recovers witnesses a node missed on gossip.
//
// A node asks peers, one at a time, for everything they hold about a request.
// Responses are untrusted: every signature goes through the tracker's normal
// verification, so the channel gives connectivity and nothing else.
package backfill

import (
	"context"
	"errors"
	"fmt"

	"github.com/klauspost/compress/zstd"

	"Witnet/internal/network"
)

// ProtocolBackfill is the network protocol answering backfill requests.
const ProtocolBackfill network.Protocol = 1

const (
	encodingRaw  = 0x00
	encodingZstd = 0x01

	// maxDecoded bounds a decompressed response.
	maxDecoded = 8 << 20
)

var (
	// ErrNoPeers is returned when no peer is connected.
	ErrNoPeers = errors.New("no peers to backfill from")

	// ErrUnavailable is returned when no peer could answer.
	ErrUnavailable = errors.New("no peer holds the request")

	errEncoding = errors.New("unknown response encoding")
)

// Requester sends a request to one peer; *network.Peer implements it.
type Requester interface {
	Request(ctx context.Context, proto network.Protocol, data []byte) ([]byte, error)
	ID() string
}

// NodePeers adapts a network node's connected peers.
func NodePeers(node *network.Node) func() []Requester {
	return func() []Requester {
		peers := node.Peers()

		out := make([]Requester, len(peers))
		for i, p := range peers {
			out[i] = p
		}

		return out
	}
}

// frame prefixes an encoded response with its encoding, compressing it with enc
// when it is larger than threshold. A non-positive threshold never compresses.
func frame(enc *zstd.Encoder, data []byte, threshold int) []byte {
	if threshold <= 0 || len(data) <= threshold {
		return append([]byte{encodingRaw}, data...)
	}

	return enc.EncodeAll(data, []byte{encodingZstd})
}

// unframe reverses frame.
func unframe(dec *zstd.Decoder, data []byte) ([]byte, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("empty response")
	}

	switch data[0] {
	case encodingRaw:
		return data[1:], nil
	case encodingZstd:
		out, err := dec.DecodeAll(data[1:], nil)
		if err != nil {
			return nil, fmt.Errorf("decompress response:\n%w", err)
		}

		return out, nil
	default:
		return nil, fmt.Errorf("%w: %d", errEncoding, data[0])
	}
}
