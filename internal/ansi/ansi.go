// Package ansi strips terminal escape sequences from agent output so the
// classifier can match against plain text.
package ansi

import "strings"

// Strip removes ANSI escape sequences from a string.
//
// CSI sequences (ESC [ ... letter) and OSC sequences (ESC ] ... BEL or
// ESC ] ... ESC \) are dropped entirely. Other control characters are kept
// except carriage returns, which TUI agents emit constantly for line
// redraws and which would otherwise break substring matching.
func Strip(s string) string {
	var b strings.Builder

	const (
		stateText = iota
		stateEsc
		stateCSI
		stateOSC
	)

	state := stateText

	for _, r := range s {
		switch state {
		case stateText:
			switch r {
			case '\x1b':
				state = stateEsc
			case '\r':
				// dropped, see doc comment
			default:
				b.WriteRune(r)
			}
		case stateEsc:
			switch r {
			case '[':
				state = stateCSI
			case ']':
				state = stateOSC
			default:
				// Two-byte escape (ESC c, ESC 7, charset selection, ...).
				state = stateText
			}
		case stateCSI:
			// Parameter and intermediate bytes are 0x20-0x3F; a final byte
			// in 0x40-0x7E terminates the sequence.
			if r >= 0x40 && r <= 0x7e {
				state = stateText
			}
		case stateOSC:
			if r == '\x07' {
				state = stateText
			} else if r == '\x1b' {
				// ST terminator is ESC \; the backslash is consumed by the
				// stateEsc default branch on the next rune.
				state = stateEsc
			}
		}
	}

	return b.String()
}
