package template

import (
	"fmt"
	"strconv"
	"strings"
)

// Escape makes s safe to embed between double quotes in generated script
// source. Double quotes and backslashes gain a preceding backslash; line
// terminators, which a string literal cannot contain, become escape
// sequences. Every other byte is copied through, valid UTF-8 or not.
func Escape(s string) string {
	var b strings.Builder
	b.Grow(len(s) + len(s)/8)
	for i := 0; i < len(s); i++ {
		switch c := s[i]; c {
		case '"':
			b.WriteString(`\"`)
		case '\\':
			b.WriteString(`\\`)
		case '\n':
			b.WriteString(`\n`)
		case '\r':
			b.WriteString(`\r`)
		case 0xe2:
			// lead byte of U+2028 and U+2029
			switch {
			case strings.HasPrefix(s[i:], "\u2028"):
				b.WriteString(`\u2028`)
				i += 2
			case strings.HasPrefix(s[i:], "\u2029"):
				b.WriteString(`\u2029`)
				i += 2
			default:
				b.WriteByte(c)
			}
		default:
			b.WriteByte(c)
		}
	}
	return b.String()
}

// Unescape reverses Escape.
func Unescape(s string) (string, error) {
	if !strings.Contains(s, `\`) {
		return s, nil
	}
	var b strings.Builder
	b.Grow(len(s))
	for i := 0; i < len(s); i++ {
		if s[i] != '\\' {
			b.WriteByte(s[i])
			continue
		}
		if i+1 >= len(s) {
			return "", fmt.Errorf("trailing backslash at offset %d", i)
		}
		i++
		switch s[i] {
		case '"', '\\':
			b.WriteByte(s[i])
		case 'n':
			b.WriteByte('\n')
		case 'r':
			b.WriteByte('\r')
		case 'u':
			if i+4 >= len(s) {
				return "", fmt.Errorf("short unicode escape at offset %d", i-1)
			}
			n, err := strconv.ParseUint(s[i+1:i+5], 16, 32)
			if err != nil {
				return "", fmt.Errorf("bad unicode escape at offset %d: %w", i-1, err)
			}
			b.WriteRune(rune(n))
			i += 4
		default:
			return "", fmt.Errorf("unknown escape \\%c at offset %d", s[i], i-1)
		}
	}
	return b.String(), nil
}
