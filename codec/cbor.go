package codec

import (
	"reflect"

	"github.com/fxamacker/cbor/v2"
)

// maxNesting raises cbor's default depth cap (32) so payloads with very
// deep map/sequence nesting still round-trip.
const maxNesting = 256

// CBOR serializes values with fxamacker/cbor. The zero value is NOT
// ready to use; construct with NewCBOR or MustCBOR.
//
// Untyped maps decode as map[string]any rather than
// map[interface{}]interface{}, so a value written as V=any reads back
// comparable to what was stored. Time values are encoded as
// RFC3339Nano.
type CBOR[V any] struct {
	enc cbor.EncMode
	dec cbor.DecMode
}

var _ Codec[struct{}] = CBOR[struct{}]{}

// NewCBOR constructs a CBOR codec with preferred (compact) encoding.
func NewCBOR[V any]() (CBOR[V], error) {
	eo := cbor.PreferredUnsortedEncOptions()
	eo.Time = cbor.TimeRFC3339Nano
	em, err := eo.EncMode()
	if err != nil {
		return CBOR[V]{}, err
	}
	do := cbor.DecOptions{
		MaxNestedLevels: maxNesting,
		DefaultMapType:  reflect.TypeOf(map[string]any(nil)),
		// untyped integers come back as int64, not a uint64/int64 split
		IntDec: cbor.IntDecConvertSignedOrFail,
	}
	dm, err := do.DecMode()
	if err != nil {
		return CBOR[V]{}, err
	}
	return CBOR[V]{enc: em, dec: dm}, nil
}

// MustCBOR is like NewCBOR but panics on error. The options above are
// statically valid, so the panic path is unreachable in practice.
func MustCBOR[V any]() CBOR[V] {
	c, err := NewCBOR[V]()
	if err != nil {
		panic(err)
	}
	return c
}

func (c CBOR[V]) Encode(v V) ([]byte, error) {
	return c.enc.Marshal(v)
}

func (c CBOR[V]) Decode(b []byte) (V, error) {
	var v V
	err := c.dec.Unmarshal(b, &v)
	return v, err
}
