// Package redraw rewrites pathological terminal repaint runs.
//
// Full-screen clients repaint by emitting long runs of "clear line" plus
// "cursor up" pairs. Replaying such a run against a surface whose scrollback
// differs from the emitter's assumptions climbs too far and eats history.
// The limiter caps a qualifying run one cursor-up short and parks the cursor
// at column one, preserving the total number of cleared lines.
package redraw

import (
	"bytes"

	"pkt.systems/termwire/schema"
)

var (
	pairSeq = []byte("\x1b[2K\x1b[1A")
	termSeq = []byte("\x1b[2K\x1b[G")
)

// Limiter rewrites redraw runs in output chunks. The zero value uses the
// default thresholds. Apply is a pure function of its input; a Limiter is
// safe for concurrent use.
type Limiter struct {
	cfg schema.RedrawConfig
}

// NewLimiter constructs a Limiter with normalized configuration.
func NewLimiter(cfg schema.RedrawConfig) *Limiter {
	normalized := schema.NormalizeRedrawConfig(cfg)
	return &Limiter{cfg: normalized}
}

// Apply is a convenience wrapper for one-off use.
func Apply(cfg schema.RedrawConfig, chunk []byte) []byte {
	return NewLimiter(cfg).Apply(chunk)
}

// Apply rewrites qualifying redraw runs in chunk and returns the result.
// Bytes outside qualifying runs are preserved in order. Applying the limiter
// to its own output yields identical bytes.
func (l *Limiter) Apply(chunk []byte) []byte {
	if l == nil {
		return chunk
	}
	cfg := schema.NormalizeRedrawConfig(l.cfg)
	if cfg.Disabled || len(chunk) < len(pairSeq) {
		return chunk
	}
	var out []byte
	last := 0
	i := 0
	for i <= len(chunk)-len(pairSeq) {
		if !bytes.HasPrefix(chunk[i:], pairSeq) {
			i++
			continue
		}
		start := i
		pairs := 0
		for bytes.HasPrefix(chunk[i:], pairSeq) {
			pairs++
			i += len(pairSeq)
		}
		terminated := false
		if bytes.HasPrefix(chunk[i:], termSeq) {
			terminated = true
			i += len(termSeq)
		}
		clears := pairs
		if terminated {
			clears++
		}
		if clears < cfg.ClearThreshold || pairs < cfg.CursorUpThreshold {
			continue
		}
		limited := clears - 1
		if limited < cfg.MinRepeats {
			limited = cfg.MinRepeats
		}
		if limited == pairs && terminated {
			// Rewrite would reproduce the run byte for byte.
			continue
		}
		if out == nil {
			out = make([]byte, 0, len(chunk))
		}
		out = append(out, chunk[last:start]...)
		out = append(out, bytes.Repeat(pairSeq, limited)...)
		out = append(out, termSeq...)
		last = i
	}
	if out == nil {
		return chunk
	}
	return append(out, chunk[last:]...)
}
