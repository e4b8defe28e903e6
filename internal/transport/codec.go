package transport

import (
	"bytes"
	"encoding/gob"
	"fmt"

	"google.golang.org/grpc/encoding"
)

// codecName is registered as the content-subtype grpc-go negotiates instead
// of "proto". Every RPC in this package is dialed and served with this
// codec so no protobuf schema is ever required (see messages.go's package
// doc and DESIGN.md for why: no .proto/.pb.go files exist anywhere in the
// retrieval pack this module was built from).
const codecName = "gob"

// gobCodec implements encoding.Codec by delegating straight to
// encoding/gob. This is the same technique grpc-gateway and other
// non-protobuf gRPC users apply to run without generated message types;
// grpc.Server and grpc.ClientConn otherwise work unmodified.
type gobCodec struct{}

func (gobCodec) Marshal(v any) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(v); err != nil {
		return nil, fmt.Errorf("transport: gob encode: %w", err)
	}
	return buf.Bytes(), nil
}

func (gobCodec) Unmarshal(data []byte, v any) error {
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(v); err != nil {
		return fmt.Errorf("transport: gob decode: %w", err)
	}
	return nil
}

func (gobCodec) Name() string { return codecName }

func init() {
	encoding.RegisterCodec(gobCodec{})
}
