// Package sanitize strips ANSI escape sequences from raw PTY output and
// rebuilds carriage-return-overwritten lines into their final stable text,
// the way a real terminal emulator would render them before the detector
// or a human ever sees the bytes.
package sanitize

import "regexp"

// ansiPattern matches CSI/OSC escape sequences and a handful of single-byte
// control codes that commonly appear in CLI tool output (cursor movement,
// color, bracketed paste markers).
var ansiPattern = regexp.MustCompile(
	"\x1b\\[[0-9;?]*[a-zA-Z]" + // CSI sequences: ESC [ ... letter
		"|\x1b\\][^\x07\x1b]*(\x07|\x1b\\\\)" + // OSC sequences terminated by BEL or ST
		"|\x1b[()][AB012]" + // charset selection
		"|\x1b=" + // keypad mode
		"|\x1b>" + // keypad mode
		"|[\x00\x07]", // bell / NUL
)

// StripANSI removes escape sequences and stray control bytes, leaving plain
// text plus \r and \n.
func StripANSI(b []byte) []byte {
	return ansiPattern.ReplaceAll(b, nil)
}

// RebuildLines simulates carriage-return overwrite semantics: within each
// \n-delimited segment, a \r resets the "cursor" to the start of that
// segment's accumulated buffer rather than creating a new line, matching
// how progress bars and "--More--" style prompts render on a real TTY.
func RebuildLines(b []byte) []byte {
	out := make([]byte, 0, len(b))
	lineBuf := make([]byte, 0, 128)
	col := 0

	flushLine := func() {
		out = append(out, lineBuf...)
		lineBuf = lineBuf[:0]
		col = 0
	}

	for _, c := range b {
		switch c {
		case '\r':
			col = 0
		case '\n':
			flushLine()
			out = append(out, '\n')
		default:
			if col < len(lineBuf) {
				lineBuf[col] = c
			} else {
				lineBuf = append(lineBuf, c)
			}
			col++
		}
	}
	flushLine()
	return out
}

// Clean is the full pipeline: strip ANSI, then rebuild CR-overwritten
// lines. This is what the detector and output forwarder both run raw PTY
// bytes through before further processing.
func Clean(b []byte) []byte {
	return RebuildLines(StripANSI(b))
}

// Tail returns the last n bytes of b (or all of b if shorter), used to
// bound the detector's pattern-match window to the last ~2000 bytes.
func Tail(b []byte, n int) []byte {
	if len(b) <= n {
		return b
	}
	return b[len(b)-n:]
}
