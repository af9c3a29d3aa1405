// Package transport carries envelopes between processes over gRPC:
// direct delivery to an agent's endpoint and the mailbox relay API.
// Messages travel as canonical CBOR via a codec registered with gRPC,
// so the wire bytes match what signatures and digests were computed
// over.
package transport

import (
	"fmt"

	"google.golang.org/grpc/encoding"

	"github.com/agentwire-dev/agentwire/internal/codec"
)

// CodecName is the gRPC content-subtype for CBOR framing.
const CodecName = "cbor"

func init() {
	encoding.RegisterCodec(cborCodec{})
}

// cborCodec adapts the canonical CBOR codec to gRPC's encoding
// interface.
type cborCodec struct{}

func (cborCodec) Marshal(v any) ([]byte, error) {
	data, err := codec.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("transport: cbor marshal: %w", err)
	}
	return data, nil
}

func (cborCodec) Unmarshal(data []byte, v any) error {
	if err := codec.Unmarshal(data, v); err != nil {
		return fmt.Errorf("transport: cbor unmarshal: %w", err)
	}
	return nil
}

func (cborCodec) Name() string { return CodecName }
