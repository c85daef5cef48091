package ipconn

import (
	"fmt"
	"strconv"
	"strings"
	"unicode/utf8"
)

// Tuple is a parsed Python tuple. Lists parse to []any, dicts to map[any]any.
type Tuple []any

// ParseLiteral parses the Python literal subset the application replies with:
// tuples, lists, dicts, strings, integers, floats, True, False and None.
func ParseLiteral(s string) (any, error) {
	p := literalParser{s: s}
	v, err := p.value()
	if err != nil {
		return nil, err
	}
	p.skipSpace()
	if p.pos != len(p.s) {
		return nil, p.errorf("unexpected trailing input")
	}
	return v, nil
}

// Truthy reports Python truthiness of a parsed value.
func Truthy(v any) bool {
	switch t := v.(type) {
	case nil:
		return false
	case bool:
		return t
	case int64:
		return t != 0
	case float64:
		return t != 0
	case string:
		return t != ""
	case []any:
		return len(t) > 0
	case Tuple:
		return len(t) > 0
	case map[any]any:
		return len(t) > 0
	default:
		return true
	}
}

type literalParser struct {
	s   string
	pos int
}

func (p *literalParser) errorf(format string, args ...any) error {
	return fmt.Errorf("literal at %d: %s", p.pos, fmt.Sprintf(format, args...))
}

func (p *literalParser) skipSpace() {
	for p.pos < len(p.s) {
		switch p.s[p.pos] {
		case ' ', '\t', '\n', '\r':
			p.pos++
		default:
			return
		}
	}
}

func (p *literalParser) peek() byte {
	if p.pos >= len(p.s) {
		return 0
	}
	return p.s[p.pos]
}

func (p *literalParser) value() (any, error) {
	p.skipSpace()
	if p.pos >= len(p.s) {
		return nil, p.errorf("unexpected end of input")
	}
	c := p.s[p.pos]
	switch {
	case c == '(':
		return p.tuple()
	case c == '[':
		p.pos++
		items, _, err := p.sequence(']')
		return items, err
	case c == '{':
		return p.dict()
	case c == '\'' || c == '"':
		return p.str(false)
	case c == '-' || c == '+' || c == '.' || (c >= '0' && c <= '9'):
		return p.number()
	case isIdentStart(c):
		return p.word()
	default:
		return nil, p.errorf("unexpected character %q", c)
	}
}

// sequence parses comma-separated values up to the closing byte, which it consumes.
// trailingComma reports whether the last value was followed by a comma.
func (p *literalParser) sequence(closing byte) (items []any, trailingComma bool, err error) {
	items = []any{}
	for {
		p.skipSpace()
		if p.peek() == closing {
			p.pos++
			return items, trailingComma, nil
		}
		v, err := p.value()
		if err != nil {
			return nil, false, err
		}
		items = append(items, v)
		trailingComma = false

		p.skipSpace()
		switch p.peek() {
		case ',':
			p.pos++
			trailingComma = true
		case closing:
		default:
			return nil, false, p.errorf("expected ',' or %q", closing)
		}
	}
}

func (p *literalParser) tuple() (any, error) {
	p.pos++
	items, trailingComma, err := p.sequence(')')
	if err != nil {
		return nil, err
	}
	// (x) is grouping, (x,) is a one-element tuple.
	if len(items) == 1 && !trailingComma {
		return items[0], nil
	}
	return Tuple(items), nil
}

func (p *literalParser) dict() (any, error) {
	p.pos++
	out := map[any]any{}
	for {
		p.skipSpace()
		if p.peek() == '}' {
			p.pos++
			return out, nil
		}
		k, err := p.value()
		if err != nil {
			return nil, err
		}
		switch k.(type) {
		case []any, Tuple, map[any]any:
			return nil, p.errorf("unhashable dict key")
		}
		p.skipSpace()
		if p.peek() != ':' {
			return nil, p.errorf("expected ':'")
		}
		p.pos++
		v, err := p.value()
		if err != nil {
			return nil, err
		}
		out[k] = v

		p.skipSpace()
		switch p.peek() {
		case ',':
			p.pos++
		case '}':
		default:
			return nil, p.errorf("expected ',' or '}'")
		}
	}
}

func isIdentStart(c byte) bool {
	return c == '_' || (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z')
}

func (p *literalParser) word() (any, error) {
	start := p.pos
	for p.pos < len(p.s) && (isIdentStart(p.s[p.pos]) || (p.s[p.pos] >= '0' && p.s[p.pos] <= '9')) {
		p.pos++
	}
	w := p.s[start:p.pos]
	switch w {
	case "True":
		return true, nil
	case "False":
		return false, nil
	case "None":
		return nil, nil
	}
	// string prefixes
	if len(w) <= 2 && strings.Trim(strings.ToLower(w), "bru") == "" && (p.peek() == '\'' || p.peek() == '"') {
		return p.str(strings.ContainsAny(w, "rR"))
	}
	p.pos = start
	return nil, p.errorf("unknown name %q", w)
}

func (p *literalParser) number() (any, error) {
	start := p.pos
	if c := p.peek(); c == '-' || c == '+' {
		p.pos++
	}
	for p.pos < len(p.s) {
		c := p.s[p.pos]
		if (c >= '0' && c <= '9') || (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') || c == '.' || c == '_' {
			p.pos++
			continue
		}
		// exponent sign
		if (c == '-' || c == '+') && (p.s[p.pos-1] == 'e' || p.s[p.pos-1] == 'E') && !isPrefixed(p.s[start:p.pos]) {
			p.pos++
			continue
		}
		break
	}
	lit := p.s[start:p.pos]
	if i, err := strconv.ParseInt(lit, 0, 64); err == nil {
		return i, nil
	}
	if !isPrefixed(lit) {
		if f, err := strconv.ParseFloat(strings.ReplaceAll(lit, "_", ""), 64); err == nil {
			return f, nil
		}
	}
	p.pos = start
	return nil, p.errorf("invalid number %q", lit)
}

// isPrefixed reports a 0x/0o/0b integer literal.
func isPrefixed(lit string) bool {
	lit = strings.TrimLeft(lit, "+-")
	return len(lit) > 1 && lit[0] == '0' && strings.ContainsAny(lit[1:2], "xXoObB")
}

func (p *literalParser) str(raw bool) (any, error) {
	quote := p.s[p.pos]
	p.pos++
	var b strings.Builder
	for {
		if p.pos >= len(p.s) {
			return nil, p.errorf("unterminated string")
		}
		c := p.s[p.pos]
		switch {
		case c == quote:
			p.pos++
			return b.String(), nil
		case c == '\\' && raw:
			b.WriteByte(c)
			p.pos++
			if p.pos < len(p.s) {
				b.WriteByte(p.s[p.pos])
				p.pos++
			}
		case c == '\\':
			if err := p.escape(&b); err != nil {
				return nil, err
			}
		default:
			r, size := utf8.DecodeRuneInString(p.s[p.pos:])
			b.WriteRune(r)
			p.pos += size
		}
	}
}

func (p *literalParser) escape(b *strings.Builder) error {
	p.pos++ // backslash
	if p.pos >= len(p.s) {
		return p.errorf("unterminated escape")
	}
	c := p.s[p.pos]
	p.pos++
	switch c {
	case '\n':
	case '\\', '\'', '"':
		b.WriteByte(c)
	case 'n':
		b.WriteByte('\n')
	case 'r':
		b.WriteByte('\r')
	case 't':
		b.WriteByte('\t')
	case 'a':
		b.WriteByte('\a')
	case 'b':
		b.WriteByte('\b')
	case 'f':
		b.WriteByte('\f')
	case 'v':
		b.WriteByte('\v')
	case 'x':
		return p.hexEscape(b, 2)
	case 'u':
		return p.hexEscape(b, 4)
	case 'U':
		return p.hexEscape(b, 8)
	default:
		if c >= '0' && c <= '7' {
			v := int(c - '0')
			for i := 0; i < 2 && p.pos < len(p.s) && p.s[p.pos] >= '0' && p.s[p.pos] <= '7'; i++ {
				v = v*8 + int(p.s[p.pos]-'0')
				p.pos++
			}
			b.WriteRune(rune(v))
			return nil
		}
		// unknown escapes are kept verbatim
		b.WriteByte('\\')
		b.WriteByte(c)
	}
	return nil
}

func (p *literalParser) hexEscape(b *strings.Builder, digits int) error {
	if p.pos+digits > len(p.s) {
		return p.errorf("truncated escape")
	}
	v, err := strconv.ParseUint(p.s[p.pos:p.pos+digits], 16, 32)
	if err != nil {
		return p.errorf("invalid escape %q", p.s[p.pos:p.pos+digits])
	}
	p.pos += digits
	b.WriteRune(rune(v))
	return nil
}
