// Package codec defines the value serialization abstraction used by
// nanasqlite and ships implementations for CBOR (the default), msgpack,
// JSON, and protobuf, plus a size-limit wrapper.
//
// A codec must round-trip its value type losslessly: Decode(Encode(v))
// must compare equal to v, including deeply nested maps and sequences.
package codec

// Codec encodes/decodes values V to []byte for the value column.
type Codec[V any] interface {
	Encode(V) ([]byte, error)
	Decode([]byte) (V, error)
}
