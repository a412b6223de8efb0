package redraw

import (
	"bytes"
	"testing"

	"pkt.systems/termwire/schema"
)

func storm(pairs int, terminated bool) []byte {
	run := bytes.Repeat(pairSeq, pairs)
	if terminated {
		run = append(run, termSeq...)
	}
	return run
}

func TestBelowThresholdPassesThrough(t *testing.T) {
	limiter := NewLimiter(schema.RedrawConfig{})
	chunk := storm(4, false)
	got := limiter.Apply(chunk)
	if !bytes.Equal(got, chunk) {
		t.Fatalf("expected 4-pair run unchanged, got %q", got)
	}
}

func TestSixPairsRewriteToFive(t *testing.T) {
	limiter := NewLimiter(schema.RedrawConfig{})
	got := limiter.Apply(storm(6, false))
	want := storm(5, true)
	if !bytes.Equal(got, want) {
		t.Fatalf("expected %q, got %q", want, got)
	}
}

func TestRewritePreservesSurroundingBytes(t *testing.T) {
	limiter := NewLimiter(schema.RedrawConfig{})
	prefix := []byte("before\r\n")
	suffix := []byte("after\x1b[31mred\x1b[0m")
	chunk := append(append(append([]byte{}, prefix...), storm(8, true)...), suffix...)
	got := limiter.Apply(chunk)
	want := append(append(append([]byte{}, prefix...), storm(8, true)...), suffix...)
	// 8 pairs plus terminator: clears=9, limited=8, identical rewrite.
	if !bytes.Equal(got, want) {
		t.Fatalf("expected %q, got %q", want, got)
	}

	chunk = append(append(append([]byte{}, prefix...), storm(8, false)...), suffix...)
	got = limiter.Apply(chunk)
	want = append(append(append([]byte{}, prefix...), storm(7, true)...), suffix...)
	if !bytes.Equal(got, want) {
		t.Fatalf("expected %q, got %q", want, got)
	}
}

func TestIdempotence(t *testing.T) {
	limiter := NewLimiter(schema.RedrawConfig{})
	chunks := [][]byte{
		storm(6, false),
		storm(6, true),
		storm(12, false),
		storm(3, false),
		append([]byte("text"), storm(9, true)...),
		[]byte("plain output, no escapes"),
	}
	for _, chunk := range chunks {
		once := limiter.Apply(chunk)
		twice := limiter.Apply(once)
		if !bytes.Equal(once, twice) {
			t.Fatalf("limiter not idempotent for %q: first %q, second %q", chunk, once, twice)
		}
	}
}

func TestMultipleRunsInOneChunk(t *testing.T) {
	limiter := NewLimiter(schema.RedrawConfig{})
	chunk := append(append(append([]byte{}, storm(6, false)...), []byte("middle")...), storm(7, false)...)
	got := limiter.Apply(chunk)
	want := append(append(append([]byte{}, storm(5, true)...), []byte("middle")...), storm(6, true)...)
	if !bytes.Equal(got, want) {
		t.Fatalf("expected %q, got %q", want, got)
	}
}

func TestConfigurableThresholds(t *testing.T) {
	limiter := NewLimiter(schema.RedrawConfig{ClearThreshold: 10, CursorUpThreshold: 10})
	chunk := storm(6, false)
	if got := limiter.Apply(chunk); !bytes.Equal(got, chunk) {
		t.Fatalf("raised thresholds should pass 6 pairs through, got %q", got)
	}

	limiter = NewLimiter(schema.RedrawConfig{ClearThreshold: 3, CursorUpThreshold: 2, MinRepeats: 2})
	got := limiter.Apply(storm(3, false))
	want := storm(2, true)
	if !bytes.Equal(got, want) {
		t.Fatalf("lowered thresholds expected %q, got %q", want, got)
	}
}

func TestDisabled(t *testing.T) {
	limiter := NewLimiter(schema.RedrawConfig{Disabled: true})
	chunk := storm(20, false)
	if got := limiter.Apply(chunk); !bytes.Equal(got, chunk) {
		t.Fatalf("disabled limiter must not rewrite, got %q", got)
	}
}

func TestNilLimiter(t *testing.T) {
	var limiter *Limiter
	chunk := storm(6, false)
	if got := limiter.Apply(chunk); !bytes.Equal(got, chunk) {
		t.Fatalf("nil limiter must pass through, got %q", got)
	}
}
