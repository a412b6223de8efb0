package core

// ring is a fixed-capacity byte ring holding the most recent terminal
// output for a binding. When full, new writes overwrite the oldest bytes.
// Replay after a surface swap repaints from here.
type ring struct {
	buf   []byte
	start int
	size  int
}

func newRing(capacity int) *ring {
	if capacity <= 0 {
		capacity = 1
	}
	return &ring{buf: make([]byte, capacity)}
}

// Write appends p, discarding the oldest bytes once capacity is exceeded.
func (r *ring) Write(p []byte) {
	if len(p) == 0 {
		return
	}
	if len(p) >= len(r.buf) {
		copy(r.buf, p[len(p)-len(r.buf):])
		r.start = 0
		r.size = len(r.buf)
		return
	}
	pos := (r.start + r.size) % len(r.buf)
	n := copy(r.buf[pos:], p)
	if n < len(p) {
		copy(r.buf, p[n:])
	}
	r.size += len(p)
	if r.size > len(r.buf) {
		r.start = (r.start + r.size - len(r.buf)) % len(r.buf)
		r.size = len(r.buf)
	}
}

// Bytes returns the buffered output oldest first.
func (r *ring) Bytes() []byte {
	out := make([]byte, r.size)
	n := copy(out, r.buf[r.start:min(r.start+r.size, len(r.buf))])
	if n < r.size {
		copy(out[n:], r.buf[:r.size-n])
	}
	return out
}

// Len reports how many bytes are currently buffered.
func (r *ring) Len() int {
	return r.size
}

// Reset drops all buffered bytes.
func (r *ring) Reset() {
	r.start = 0
	r.size = 0
}
