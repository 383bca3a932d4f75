package http2utils

import (
	"bytes"
	"testing"
)

func TestUtilityConversions(t *testing.T) {
	b := make([]byte, 3)
	Uint24ToBytes(b, 0x010203)
	if got := BytesToUint24(b); got != 0x010203 {
		t.Fatalf("unexpected uint24: %x", got)
	}

	b4 := make([]byte, 4)
	Uint32ToBytes(b4, 0x0a0b0c0d)
	if got := BytesToUint32(b4); got != 0x0a0b0c0d {
		t.Fatalf("unexpected uint32: %x", got)
	}

	if got := AppendUint32Bytes(nil, 0x01020304); !bytes.Equal(got, []byte{1, 2, 3, 4}) {
		t.Fatalf("unexpected append result: %v", got)
	}
}

func TestCutPadding(t *testing.T) {
	// [pad length 4][abc][4 pad octets]
	payload := []byte{4, 'a', 'b', 'c', 0, 0, 0, 0}

	stripped, err := CutPadding(payload, len(payload))
	if err != nil {
		t.Fatalf("cut padding: %v", err)
	}
	if !bytes.Equal(stripped, []byte("abc")) {
		t.Fatalf("unexpected stripped data: %q", stripped)
	}
}

func TestCutPaddingErrors(t *testing.T) {
	if _, err := CutPadding(nil, 0); err == nil {
		t.Fatalf("empty payload must fail")
	}

	// pad length covering the whole payload is invalid
	if _, err := CutPadding([]byte{5, 1, 2}, 3); err == nil {
		t.Fatalf("padding >= length must fail")
	}

	// announced length past the buffer is invalid
	if _, err := CutPadding([]byte{1, 'a'}, 5); err == nil {
		t.Fatalf("length beyond payload must fail")
	}
}
