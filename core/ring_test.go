package core

import (
	"bytes"
	"testing"
)

func TestRingWriteAndBytes(t *testing.T) {
	r := newRing(8)
	r.Write([]byte("abc"))
	if got := r.Bytes(); !bytes.Equal(got, []byte("abc")) {
		t.Fatalf("Bytes = %q, want %q", got, "abc")
	}
	if r.Len() != 3 {
		t.Fatalf("Len = %d, want 3", r.Len())
	}
}

func TestRingOverwritesOldest(t *testing.T) {
	r := newRing(5)
	r.Write([]byte("abc"))
	r.Write([]byte("defg"))
	if got := r.Bytes(); !bytes.Equal(got, []byte("cdefg")) {
		t.Fatalf("Bytes = %q, want %q", got, "cdefg")
	}
	if r.Len() != 5 {
		t.Fatalf("Len = %d, want 5", r.Len())
	}
}

func TestRingLargeWriteKeepsTail(t *testing.T) {
	r := newRing(4)
	r.Write([]byte("0123456789"))
	if got := r.Bytes(); !bytes.Equal(got, []byte("6789")) {
		t.Fatalf("Bytes = %q, want %q", got, "6789")
	}
}

func TestRingWrapAround(t *testing.T) {
	r := newRing(4)
	for i := 0; i < 10; i++ {
		r.Write([]byte{byte('a' + i)})
	}
	if got := r.Bytes(); !bytes.Equal(got, []byte("ghij")) {
		t.Fatalf("Bytes = %q, want %q", got, "ghij")
	}
}

func TestRingReset(t *testing.T) {
	r := newRing(4)
	r.Write([]byte("abcd"))
	r.Reset()
	if r.Len() != 0 {
		t.Fatalf("Len after Reset = %d, want 0", r.Len())
	}
	r.Write([]byte("xy"))
	if got := r.Bytes(); !bytes.Equal(got, []byte("xy")) {
		t.Fatalf("Bytes after Reset = %q, want %q", got, "xy")
	}
}
