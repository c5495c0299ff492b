package codec

import "fmt"

// Limit wraps another codec to cap the payload size accepted by Decode.
// Encode is forwarded unchanged. MaxDecode <= 0 disables the cap.
//
// Use it when rows may be written by collaborators outside this process
// and an oversized payload should fail before deserialization.
type Limit[V any] struct {
	Inner     Codec[V]
	MaxDecode int
}

func (c Limit[V]) Encode(v V) ([]byte, error) { return c.Inner.Encode(v) }

func (c Limit[V]) Decode(b []byte) (V, error) {
	if c.MaxDecode > 0 && len(b) > c.MaxDecode {
		var zero V
		return zero, fmt.Errorf("codec: payload too large: %d > %d", len(b), c.MaxDecode)
	}
	return c.Inner.Decode(b)
}
