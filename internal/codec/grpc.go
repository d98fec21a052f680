package codec

import "fmt"

// #region grpc-codec

// Name is the gRPC content-subtype under which the CBOR codec is used.
const Name = "cbor"

// GRPC adapts the deterministic CBOR modes to grpc's encoding.Codec, so the
// dispatch port can run over gRPC without generated protobuf messages.
type GRPC struct{}

// Marshal implements encoding.Codec.
func (GRPC) Marshal(v any) ([]byte, error) {
	data, err := Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("cbor marshal %T: %w", v, err)
	}
	return data, nil
}

// Unmarshal implements encoding.Codec.
func (GRPC) Unmarshal(data []byte, v any) error {
	if err := Unmarshal(data, v); err != nil {
		return fmt.Errorf("cbor unmarshal %T: %w", v, err)
	}
	return nil
}

// Name implements encoding.Codec.
func (GRPC) Name() string {
	return Name
}

// #endregion grpc-codec
