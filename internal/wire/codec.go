package wire

import (
	"fmt"

	"google.golang.org/grpc/encoding"
	grpcproto "google.golang.org/grpc/encoding/proto"
	"google.golang.org/grpc/mem"
)

// codec replaces the default gRPC "proto" codec. Hand-encoded messages go
// through protowire, everything else (health checks, reflection) falls back
// to the stock implementation.
type codec struct {
	fallback encoding.CodecV2
}

func init() {
	encoding.RegisterCodecV2(&codec{fallback: encoding.GetCodecV2(grpcproto.Name)})
}

func (c *codec) Marshal(v any) (mem.BufferSlice, error) {
	if m, ok := v.(Message); ok {
		return mem.BufferSlice{mem.SliceBuffer(m.AppendWire(nil))}, nil
	}
	if c.fallback == nil {
		return nil, fmt.Errorf("wire: cannot marshal %T", v)
	}
	return c.fallback.Marshal(v)
}

func (c *codec) Unmarshal(data mem.BufferSlice, v any) error {
	if m, ok := v.(Message); ok {
		return m.UnmarshalWire(data.Materialize())
	}
	if c.fallback == nil {
		return fmt.Errorf("wire: cannot unmarshal into %T", v)
	}
	return c.fallback.Unmarshal(data, v)
}

func (c *codec) Name() string {
	return grpcproto.Name
}
