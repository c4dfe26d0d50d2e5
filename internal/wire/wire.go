// Package wire holds the protobuf wire-format helpers shared by every message
// type of the module and the gRPC codec that serializes them.
//
// Messages are encoded by hand with protowire so the schemas in the .proto
// files stay the single source of truth for field numbers while the Go types
// remain plain structs.
//
// Importing this package replaces gRPC's process-wide "proto" codec for
// every client and server in the binary, including ones unrelated to this
// module. Messages that do not implement Message are handed to the stock
// codec unchanged, so generated protobuf types keep working.
package wire

import (
	"fmt"
	"math"

	"google.golang.org/protobuf/encoding/protowire"
)

// Message is implemented by every hand-encoded message.
type Message interface {
	// AppendWire appends the protobuf encoding of the message to b.
	AppendWire(b []byte) []byte
	// UnmarshalWire resets the message and decodes b into it.
	UnmarshalWire(b []byte) error
}

// Marshal returns the protobuf encoding of m.
func Marshal(m Message) []byte {
	return m.AppendWire(nil)
}

// Unmarshal decodes b into m.
func Unmarshal(b []byte, m Message) error {
	return m.UnmarshalWire(b)
}

// Field is a single decoded field value. Accessors return the zero value
// when the wire type does not match.
type Field struct {
	typ     protowire.Type
	varint  uint64
	fixed64 uint64
	bytes   []byte
}

func (f Field) Int64() int64 {
	if f.typ != protowire.VarintType {
		return 0
	}
	return int64(f.varint)
}

func (f Field) Int32() int32 {
	return int32(f.Int64())
}

func (f Field) Bool() bool {
	return f.typ == protowire.VarintType && f.varint != 0
}

func (f Field) Double() float64 {
	if f.typ != protowire.Fixed64Type {
		return 0
	}
	return math.Float64frombits(f.fixed64)
}

func (f Field) String() string {
	if f.typ != protowire.BytesType {
		return ""
	}
	return string(f.bytes)
}

// Bytes returns a copy of a length-delimited field.
func (f Field) Bytes() []byte {
	if f.typ != protowire.BytesType || f.bytes == nil {
		return nil
	}
	out := make([]byte, len(f.bytes))
	copy(out, f.bytes)
	return out
}

// Raw returns the length-delimited payload without copying.
// Used for nested messages which copy what they keep.
func (f Field) Raw() []byte {
	if f.typ != protowire.BytesType {
		return nil
	}
	return f.bytes
}

// Walk decodes b field by field and calls fn for each of them.
// Unknown fields are passed to fn as well and can simply be ignored.
func Walk(b []byte, fn func(num protowire.Number, f Field) error) error {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return fmt.Errorf("wire: bad tag: %w", protowire.ParseError(n))
		}
		b = b[n:]

		f := Field{typ: typ}
		switch typ {
		case protowire.VarintType:
			f.varint, n = protowire.ConsumeVarint(b)
		case protowire.Fixed64Type:
			f.fixed64, n = protowire.ConsumeFixed64(b)
		case protowire.BytesType:
			f.bytes, n = protowire.ConsumeBytes(b)
		default:
			n = protowire.ConsumeFieldValue(num, typ, b)
		}
		if n < 0 {
			return fmt.Errorf("wire: bad value for field %d: %w", num, protowire.ParseError(n))
		}
		b = b[n:]

		if err := fn(num, f); err != nil {
			return err
		}
	}
	return nil
}

// The Append helpers follow proto3 semantics and skip zero values.

func AppendInt64(b []byte, num protowire.Number, v int64) []byte {
	if v == 0 {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, uint64(v))
}

func AppendInt32(b []byte, num protowire.Number, v int32) []byte {
	return AppendInt64(b, num, int64(v))
}

func AppendBool(b []byte, num protowire.Number, v bool) []byte {
	if !v {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, protowire.EncodeBool(v))
}

func AppendDouble(b []byte, num protowire.Number, v float64) []byte {
	if v == 0 {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.Fixed64Type)
	return protowire.AppendFixed64(b, math.Float64bits(v))
}

func AppendString(b []byte, num protowire.Number, v string) []byte {
	if v == "" {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendString(b, v)
}

func AppendBytes(b []byte, num protowire.Number, v []byte) []byte {
	if len(v) == 0 {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendBytes(b, v)
}

// AppendMessage always emits the field, so empty elements of repeated
// message fields survive a round trip.
func AppendMessage(b []byte, num protowire.Number, m Message) []byte {
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendBytes(b, m.AppendWire(nil))
}
