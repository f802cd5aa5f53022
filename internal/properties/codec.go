package properties

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"strconv"
	"strings"
	"unicode/utf16"
	"unicode/utf8"

	"golang.org/x/text/encoding/charmap"
)

const hexDigits = "0123456789ABCDEF"

// Parse reads properties from r. Input that is not valid UTF-8 is treated
// as ISO-8859-1, the historical encoding of property files.
func Parse(r io.Reader) (*EditableProperties, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, err
	}
	return ParseBytes(data)
}

// ParseBytes parses properties from data.
func ParseBytes(data []byte) (*EditableProperties, error) {
	if !utf8.Valid(data) {
		decoded, err := charmap.ISO8859_1.NewDecoder().Bytes(data)
		if err != nil {
			return nil, fmt.Errorf("decoding ISO-8859-1: %w", err)
		}
		data = decoded
	}

	p := New()
	var pending []string

	lines := splitLines(string(data))
	for i := 0; i < len(lines); i++ {
		line := strings.TrimLeft(lines[i], " \t\f")
		if line == "" {
			pending = append(pending, "")
			continue
		}
		if line[0] == '#' || line[0] == '!' {
			pending = append(pending, line)
			continue
		}

		logical := line
		for endsWithContinuation(logical) && i+1 < len(lines) {
			logical = logical[:len(logical)-1]
			i++
			logical += strings.TrimLeft(lines[i], " \t\f")
		}
		if endsWithContinuation(logical) {
			logical = logical[:len(logical)-1]
		}

		key, value, err := splitKeyValue(logical)
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", i+1, err)
		}
		p.Put(key, value)
		p.items[key].comments = pending
		pending = nil
	}
	p.footer = pending

	return p, nil
}

func splitLines(s string) []string {
	s = strings.ReplaceAll(s, "\r\n", "\n")
	s = strings.ReplaceAll(s, "\r", "\n")
	s = strings.TrimSuffix(s, "\n")
	if s == "" {
		return nil
	}
	return strings.Split(s, "\n")
}

func endsWithContinuation(s string) bool {
	n := 0
	for i := len(s) - 1; i >= 0 && s[i] == '\\'; i-- {
		n++
	}
	return n%2 == 1
}

func splitKeyValue(line string) (string, string, error) {
	keyEnd := len(line)
	escaped := false
	for i := 0; i < len(line); i++ {
		c := line[i]
		if escaped {
			escaped = false
			continue
		}
		if c == '\\' {
			escaped = true
			continue
		}
		if c == '=' || c == ':' || c == ' ' || c == '\t' || c == '\f' {
			keyEnd = i
			break
		}
	}

	rest := line[keyEnd:]
	rest = strings.TrimLeft(rest, " \t\f")
	if rest != "" && (rest[0] == '=' || rest[0] == ':') {
		rest = strings.TrimLeft(rest[1:], " \t\f")
	}

	key, err := unescape(line[:keyEnd])
	if err != nil {
		return "", "", err
	}
	value, err := unescape(rest)
	if err != nil {
		return "", "", err
	}
	return key, value, nil
}

func unescape(s string) (string, error) {
	if !strings.Contains(s, `\`) {
		return s, nil
	}

	out := make([]rune, 0, len(s))
	for i := 0; i < len(s); {
		r, size := utf8.DecodeRuneInString(s[i:])
		if r != '\\' {
			out = append(out, r)
			i += size
			continue
		}
		i++
		if i >= len(s) {
			break
		}
		switch c := s[i]; c {
		case 't':
			out = append(out, '\t')
			i++
		case 'n':
			out = append(out, '\n')
			i++
		case 'r':
			out = append(out, '\r')
			i++
		case 'f':
			out = append(out, '\f')
			i++
		case 'u':
			if i+5 > len(s) {
				return "", fmt.Errorf("malformed \\u escape in %q", s)
			}
			v, err := strconv.ParseUint(s[i+1:i+5], 16, 16)
			if err != nil {
				return "", fmt.Errorf("malformed \\u escape in %q", s)
			}
			unit := rune(v)
			if n := len(out); n > 0 && isHighSurrogate(out[n-1]) && unit >= 0xDC00 && unit <= 0xDFFF {
				out[n-1] = utf16.DecodeRune(out[n-1], unit)
			} else {
				out = append(out, unit)
			}
			i += 5
		default:
			r, size := utf8.DecodeRuneInString(s[i:])
			out = append(out, r)
			i += size
		}
	}
	return string(out), nil
}

// Write serializes p to w. Non-ASCII characters are written as \uXXXX
// escapes so the output is valid in both UTF-8 and ISO-8859-1 readers.
func (p *EditableProperties) Write(w io.Writer) error {
	bw := bufio.NewWriter(w)
	for _, k := range p.order {
		e := p.items[k]
		for _, c := range e.comments {
			bw.WriteString(c)
			bw.WriteByte('\n')
		}
		bw.WriteString(escape(e.key, true))
		bw.WriteByte('=')
		bw.WriteString(escape(e.value, false))
		bw.WriteByte('\n')
	}
	for _, c := range p.footer {
		bw.WriteString(c)
		bw.WriteByte('\n')
	}
	return bw.Flush()
}

// Bytes returns the serialized form of p.
func (p *EditableProperties) Bytes() []byte {
	var buf bytes.Buffer
	_ = p.Write(&buf)
	return buf.Bytes()
}

func escape(s string, isKey bool) string {
	var b strings.Builder
	b.Grow(len(s))
	for i, r := range s {
		switch r {
		case '\\':
			b.WriteString(`\\`)
		case '\t':
			b.WriteString(`\t`)
		case '\n':
			b.WriteString(`\n`)
		case '\r':
			b.WriteString(`\r`)
		case '\f':
			b.WriteString(`\f`)
		case ' ':
			if isKey || i == 0 {
				b.WriteString(`\ `)
			} else {
				b.WriteByte(' ')
			}
		case '=', ':', '#', '!':
			if isKey || i == 0 {
				b.WriteByte('\\')
			}
			b.WriteRune(r)
		default:
			if r < 0x20 || r > 0x7e {
				for _, unit := range utf16Units(r) {
					writeUnicodeEscape(&b, unit)
				}
			} else {
				b.WriteRune(r)
			}
		}
	}
	return b.String()
}

func isHighSurrogate(r rune) bool {
	return r >= 0xD800 && r < 0xDC00
}

func utf16Units(r rune) []rune {
	if r1, r2 := utf16.EncodeRune(r); r1 != utf8.RuneError {
		return []rune{r1, r2}
	}
	return []rune{r}
}

func writeUnicodeEscape(b *strings.Builder, unit rune) {
	b.WriteString(`\u`)
	b.WriteByte(hexDigits[(unit>>12)&0xF])
	b.WriteByte(hexDigits[(unit>>8)&0xF])
	b.WriteByte(hexDigits[(unit>>4)&0xF])
	b.WriteByte(hexDigits[unit&0xF])
}
