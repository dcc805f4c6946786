package mux

import "strings"

// consoleText turns a line of console noise into loggable text. Escape
// sequences and control bytes other than tab are removed and surrounding
// space trimmed.
func consoleText(b []byte) string {
	var sb strings.Builder
	sb.Grow(len(b))
	for i := 0; i < len(b); {
		switch c := b[i]; {
		case c == '\x1b':
			i = skipEscape(b, i)
		case c == '\t', c >= 0x20 && c != 0x7f:
			sb.WriteByte(c)
			i++
		default:
			i++
		}
	}
	return strings.TrimSpace(sb.String())
}

// skipEscape returns the index just past the escape sequence starting at
// b[i]. CSI runs to its final byte, OSC to BEL or ST; any other escape is
// two bytes long.
func skipEscape(b []byte, i int) int {
	if i+1 >= len(b) {
		return len(b)
	}
	j := i + 2
	switch b[i+1] {
	case '[':
		for j < len(b) && (b[j] < 0x40 || b[j] > 0x7e) {
			j++
		}
		return min(j+1, len(b))
	case ']':
		for ; j < len(b); j++ {
			if b[j] == '\x07' {
				return j + 1
			}
			if b[j] == '\x1b' && j+1 < len(b) && b[j+1] == '\\' {
				return j + 2
			}
		}
		return len(b)
	default:
		return j
	}
}
