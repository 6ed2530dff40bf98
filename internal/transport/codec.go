// ABOUTME: gRPC codec that carries Frames using their protowire encoding
// ABOUTME: Registered under its own content subtype so no generated protobuf package is needed

package transport

import (
	"fmt"

	"google.golang.org/grpc/encoding"
)

// CodecName is the gRPC content subtype for frame streams.
const CodecName = "coven-frame"

type frameCodec struct{}

func init() {
	encoding.RegisterCodec(frameCodec{})
}

func (frameCodec) Name() string {
	return CodecName
}

func (frameCodec) Marshal(v any) ([]byte, error) {
	f, ok := v.(*Frame)
	if !ok {
		return nil, fmt.Errorf("frame codec: cannot marshal %T", v)
	}
	return f.Marshal(), nil
}

func (frameCodec) Unmarshal(data []byte, v any) error {
	f, ok := v.(*Frame)
	if !ok {
		return fmt.Errorf("frame codec: cannot unmarshal into %T", v)
	}
	return f.Unmarshal(data)
}
