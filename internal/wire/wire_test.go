package wire

import (
	"bytes"
	"errors"
	"testing"
)

func TestRoundTrip(t *testing.T) {
	payload := []byte("serialized value bytes")
	b := Encode(FlagEncrypted, payload)

	flags, got, err := Decode(b)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if flags != FlagEncrypted {
		t.Fatalf("flags = %#x, want %#x", flags, FlagEncrypted)
	}
	if !bytes.Equal(got, payload) {
		t.Fatalf("payload = %q, want %q", got, payload)
	}
}

func TestRoundTripEmptyPayload(t *testing.T) {
	flags, got, err := Decode(Encode(0, nil))
	if err != nil || flags != 0 || len(got) != 0 {
		t.Fatalf("empty payload: flags=%v len=%d err=%v", flags, len(got), err)
	}
}

func TestDecodeCorrupt(t *testing.T) {
	good := Encode(0, []byte("x"))
	cases := map[string][]byte{
		"empty":         {},
		"short":         good[:5],
		"bad magic":     append([]byte("XXXX"), good[4:]...),
		"bad version":   mangle(good, 4, 99),
		"truncated":     good[:len(good)-1],
		"length excess": mangle(good, 9, 200),
		"foreign bytes": []byte("not an envelope at all"),
	}
	for name, b := range cases {
		if _, _, err := Decode(b); !errors.Is(err, ErrCorrupt) {
			t.Fatalf("%s: err = %v, want ErrCorrupt", name, err)
		}
	}
}

func mangle(b []byte, i int, v byte) []byte {
	out := make([]byte, len(b))
	copy(out, b)
	out[i] = v
	return out
}
