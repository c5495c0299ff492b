// Package wire frames serialized values before they reach the value
// column. The envelope records a format version and a flag byte so a
// store written with encryption (or a future codec revision) fails
// loudly on open instead of decoding garbage.
package wire

import (
	"bytes"
	"encoding/binary"
	"errors"
)

const version byte = 1

// Flag bits carried in the envelope header.
const (
	FlagEncrypted byte = 1 << 0
)

var (
	ErrCorrupt = errors.New("wire: corrupt value envelope")
	magic      = [...]byte{'N', 'S', 'Q', '1'}
)

// Encode frames payload as: magic(4) | ver(1) | flags(1) | len(u32 be) | payload.
func Encode(flags byte, payload []byte) []byte {
	var buf bytes.Buffer
	buf.Grow(4 + 1 + 1 + 4 + len(payload))

	buf.Write(magic[:])
	buf.WriteByte(version)
	buf.WriteByte(flags)

	var u4 [4]byte
	binary.BigEndian.PutUint32(u4[:], uint32(len(payload)))
	buf.Write(u4[:])

	buf.Write(payload)
	return buf.Bytes()
}

// Decode unframes a value produced by Encode. The returned payload
// aliases b.
func Decode(b []byte) (flags byte, payload []byte, err error) {
	const hdr = 4 + 1 + 1 + 4
	if len(b) < hdr || !bytes.Equal(b[:4], magic[:]) || b[4] != version {
		return 0, nil, ErrCorrupt
	}
	flags = b[5]
	plen := int(binary.BigEndian.Uint32(b[6:10]))
	if plen < 0 || plen != len(b)-hdr {
		return 0, nil, ErrCorrupt
	}
	return flags, b[hdr:], nil
}
