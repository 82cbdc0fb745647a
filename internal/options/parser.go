package options

import (
	"errors"
	"regexp"
	"strconv"
	"strings"
	"unicode"
)

var (
	errSyntax = errors.New("invalid literal")

	intPattern   = regexp.MustCompile(`^[+-]?(0|[1-9](_?[0-9])*)$`)
	floatPattern = regexp.MustCompile(`^[+-]?[0-9_]*\.?[0-9_]*([eE][+-]?[0-9]+)?$`)
)

// Parse converts `key value` lines into Overrides. It never fails: a value
// that is not a valid literal is kept as its raw text.
func Parse(text string) Overrides {
	var out Overrides
	for _, line := range strings.Split(text, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		key, rest := splitKey(line)
		out.Add(key, ParseValue(rest))
	}
	return out
}

// ParseValue decodes a single literal, falling back to String(raw).
func ParseValue(raw string) Value {
	p := &literalParser{src: raw}
	v, err := p.parseTop()
	if err != nil {
		return String(raw)
	}
	return v
}

func splitKey(line string) (string, string) {
	i := strings.IndexFunc(line, unicode.IsSpace)
	if i < 0 {
		return line, ""
	}
	return line[:i], strings.TrimLeftFunc(line[i:], unicode.IsSpace)
}

type literalParser struct {
	src string
	pos int
}

func (p *literalParser) parseTop() (Value, error) {
	p.skipSpace()
	if p.pos >= len(p.src) {
		return Value{}, errSyntax
	}
	v, err := p.parseValue()
	if err != nil {
		return Value{}, err
	}
	p.skipSpace()
	if p.pos != len(p.src) {
		return Value{}, errSyntax
	}
	return v, nil
}

func (p *literalParser) parseValue() (Value, error) {
	p.skipSpace()
	if p.pos >= len(p.src) {
		return Value{}, errSyntax
	}
	switch p.src[p.pos] {
	case '[':
		return p.parseList()
	case '"', '\'':
		return p.parseString()
	default:
		return p.parseScalar()
	}
}

func (p *literalParser) parseList() (Value, error) {
	p.pos++ // [
	var items []Value
	for {
		p.skipSpace()
		if p.pos >= len(p.src) {
			return Value{}, errSyntax
		}
		if p.src[p.pos] == ']' {
			p.pos++
			return List(items...), nil
		}
		v, err := p.parseValue()
		if err != nil {
			return Value{}, err
		}
		items = append(items, v)
		p.skipSpace()
		if p.pos >= len(p.src) {
			return Value{}, errSyntax
		}
		switch p.src[p.pos] {
		case ',':
			p.pos++
		case ']':
		default:
			return Value{}, errSyntax
		}
	}
}

func (p *literalParser) parseString() (Value, error) {
	quote := p.src[p.pos]
	start := p.pos
	p.pos++
	for p.pos < len(p.src) {
		switch p.src[p.pos] {
		case '\\':
			p.pos += 2
			continue
		case quote:
			p.pos++
			s, err := unquote(p.src[start:p.pos])
			if err != nil {
				return Value{}, err
			}
			return String(s), nil
		}
		p.pos++
	}
	return Value{}, errSyntax
}

func (p *literalParser) parseScalar() (Value, error) {
	start := p.pos
	for p.pos < len(p.src) {
		c := p.src[p.pos]
		if c == ',' || c == ']' || unicode.IsSpace(rune(c)) {
			break
		}
		p.pos++
	}
	tok := p.src[start:p.pos]
	switch tok {
	case "True", "true":
		return Bool(true), nil
	case "False", "false":
		return Bool(false), nil
	}
	clean := strings.ReplaceAll(tok, "_", "")
	if intPattern.MatchString(tok) {
		if i, err := strconv.ParseInt(clean, 10, 64); err == nil {
			return Int(i), nil
		}
	}
	if isFloatToken(tok) {
		if f, err := strconv.ParseFloat(clean, 64); err == nil {
			return Float(f), nil
		}
	}
	return Value{}, errSyntax
}

// isFloatToken rejects inf/nan spellings that strconv would otherwise accept.
func isFloatToken(tok string) bool {
	return strings.ContainsAny(tok, ".eE") &&
		strings.ContainsAny(tok, "0123456789") &&
		floatPattern.MatchString(tok)
}

func (p *literalParser) skipSpace() {
	for p.pos < len(p.src) && unicode.IsSpace(rune(p.src[p.pos])) {
		p.pos++
	}
}

// unquote accepts both quote styles; single-quoted text is re-quoted so
// strconv can handle the escapes.
func unquote(lit string) (string, error) {
	if lit[0] == '"' {
		return strconv.Unquote(lit)
	}
	body := lit[1 : len(lit)-1]
	body = strings.ReplaceAll(body, `\'`, `'`)
	body = strings.ReplaceAll(body, `"`, `\"`)
	return strconv.Unquote(`"` + body + `"`)
}
