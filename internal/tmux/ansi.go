package tmux

import "strings"

// StripANSI removes ANSI escape sequences in a single O(n) pass.
// Regex is deliberately avoided: malformed escape sequences in raw terminal
// output can trigger catastrophic backtracking in complex ANSI patterns.
func StripANSI(content string) string {
	// Fast path: no ESC or 8-bit CSI anywhere.
	if strings.IndexByte(content, '\x1b') < 0 && strings.IndexByte(content, '\x9b') < 0 {
		return content
	}

	var b strings.Builder
	b.Grow(len(content))

	i := 0
	for i < len(content) {
		c := content[i]

		if c == '\x1b' {
			if i+1 < len(content) {
				switch content[i+1] {
				case '[': // CSI: skip to the terminating letter
					i = skipCSI(content, i+2)
					continue
				case ']': // OSC: skip to BEL or ST
					if end := strings.Index(content[i:], "\x07"); end != -1 {
						i += end + 1
						continue
					}
					if end := strings.Index(content[i:], "\x1b\\"); end != -1 {
						i += end + 2
						continue
					}
					// Unterminated OSC: drop the rest.
					return b.String()
				default: // two-byte escape
					i += 2
					continue
				}
			}
			i++
			continue
		}

		if c == '\x9b' { // 8-bit CSI
			i = skipCSI(content, i+1)
			continue
		}

		b.WriteByte(c)
		i++
	}

	return b.String()
}

// skipCSI advances past a CSI sequence body starting at pos, returning the
// index just after the terminating letter.
func skipCSI(content string, pos int) int {
	for pos < len(content) {
		c := content[pos]
		pos++
		if (c >= 'A' && c <= 'Z') || (c >= 'a' && c <= 'z') {
			break
		}
	}
	return pos
}
