package sshui

import (
	"unicode"
	"unicode/utf8"
)

type keyKind int

const (
	keyRune keyKind = iota
	keyEnter
	keyUp
	keyDown
	keyPageUp
	keyPageDown
	keyCtrlC
	keyCtrlD
)

type key struct {
	kind keyKind
	r    rune
}

type decodeState int

const (
	stateGround decodeState = iota
	stateEscape
	stateCSI
	stateSS3
)

// keyDecoder turns raw input bytes into keys. Input arrives in arbitrary
// chunks, so escape sequences and multibyte runes may span Feed calls; the
// decoder keeps the partial sequence until the next chunk completes it.
type keyDecoder struct {
	state     decodeState
	seq       []byte
	pending   []byte
	lastWasCR bool
}

// Feed consumes one chunk and returns the keys completed by it.
func (d *keyDecoder) Feed(chunk []byte) []key {
	var keys []key
	for _, b := range chunk {
		if k, ok := d.feedByte(b); ok {
			keys = append(keys, k)
		}
	}
	return keys
}

func (d *keyDecoder) feedByte(b byte) (key, bool) {
	switch d.state {
	case stateEscape:
		switch b {
		case '[':
			d.state = stateCSI
			d.seq = d.seq[:0]
		case 'O':
			d.state = stateSS3
		default:
			d.state = stateGround
		}
		return key{}, false
	case stateCSI:
		d.seq = append(d.seq, b)
		if b == '~' || unicode.IsLetter(rune(b)) {
			d.state = stateGround
			return d.csiKey(string(d.seq))
		}
		if len(d.seq) > 8 {
			d.state = stateGround
		}
		return key{}, false
	case stateSS3:
		d.state = stateGround
		return key{}, false
	}

	if len(d.pending) > 0 {
		d.pending = append(d.pending, b)
		if utf8.FullRune(d.pending) {
			r, _ := utf8.DecodeRune(d.pending)
			d.pending = d.pending[:0]
			if r == utf8.RuneError {
				return key{}, false
			}
			return key{kind: keyRune, r: r}, true
		}
		if len(d.pending) >= utf8.UTFMax {
			d.pending = d.pending[:0]
		}
		return key{}, false
	}

	if d.lastWasCR {
		d.lastWasCR = false
		if b == '\n' {
			return key{}, false
		}
	}
	switch b {
	case 0x1b:
		d.state = stateEscape
		return key{}, false
	case '\r':
		d.lastWasCR = true
		return key{kind: keyEnter}, true
	case '\n':
		return key{kind: keyEnter}, true
	case 0x03:
		return key{kind: keyCtrlC}, true
	case 0x04:
		return key{kind: keyCtrlD}, true
	}
	if b < 0x20 || b == 0x7f {
		return key{}, false
	}
	if b < utf8.RuneSelf {
		return key{kind: keyRune, r: rune(b)}, true
	}
	d.pending = append(d.pending, b)
	return key{}, false
}

func (d *keyDecoder) csiKey(seq string) (key, bool) {
	switch seq {
	case "A":
		return key{kind: keyUp}, true
	case "B":
		return key{kind: keyDown}, true
	case "5~":
		return key{kind: keyPageUp}, true
	case "6~":
		return key{kind: keyPageDown}, true
	}
	return key{}, false
}
