package protocol

import (
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
)

var (
	// ErrMissingParameter is returned by the typed getters when a name is absent.
	ErrMissingParameter = errors.New("missing parameter")
	// ErrInvalidParameter is returned when a value cannot be converted.
	ErrInvalidParameter = errors.New("invalid parameter value")
)

// Params is a decoded parameter list: space separated name=value pairs.
type Params map[string]string

// DecodeParams parses a parameter list. Values may be unquoted, or quoted with
// single or double quotes and backslash escapes.
func DecodeParams(data string) (Params, error) {
	params := Params{}
	i := 0
	for {
		for i < len(data) && isSpace(data[i]) {
			i++
		}
		if i >= len(data) {
			return params, nil
		}

		start := i
		for i < len(data) && isNameChar(data[i]) {
			i++
		}
		if i == start {
			return nil, fmt.Errorf("%w: unexpected %q at offset %d", ErrParse, data[i], i)
		}
		name := data[start:i]
		if i >= len(data) || data[i] != '=' {
			return nil, fmt.Errorf("%w: expected '=' after %q", ErrParse, name)
		}
		i++

		value, next, err := decodeValue(data, i)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", name, err)
		}
		params[name] = value
		i = next
		if i < len(data) && !isSpace(data[i]) {
			return nil, fmt.Errorf("%w: garbage after value of %q", ErrParse, name)
		}
	}
}

func decodeValue(data string, i int) (string, int, error) {
	if i >= len(data) || isSpace(data[i]) {
		return "", i, nil
	}
	quote := data[i]
	if quote != '\'' && quote != '"' {
		start := i
		for i < len(data) && !isSpace(data[i]) {
			i++
		}
		return data[start:i], i, nil
	}

	var sb strings.Builder
	i++
	for i < len(data) {
		ch := data[i]
		switch {
		case ch == '\\' && i+1 < len(data):
			i++
			switch data[i] {
			case 'n':
				sb.WriteByte('\n')
			case 'r':
				sb.WriteByte('\r')
			case 't':
				sb.WriteByte('\t')
			default:
				sb.WriteByte(data[i])
			}
		case ch == quote:
			return sb.String(), i + 1, nil
		default:
			sb.WriteByte(ch)
		}
		i++
	}
	return "", i, fmt.Errorf("%w: unterminated quoted value", ErrParse)
}

// Lookup returns the raw value for name.
func (p Params) Lookup(name string) (string, bool) {
	v, ok := p[name]
	return v, ok
}

// String returns the value for name, or def when absent.
func (p Params) String(name, def string) string {
	if v, ok := p[name]; ok {
		return v
	}
	return def
}

func (p Params) require(name string) (string, error) {
	v, ok := p[name]
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrMissingParameter, name)
	}
	return v, nil
}

// Int returns name as an int.
func (p Params) Int(name string) (int, error) {
	v, err := p.Int64(name)
	return int(v), err
}

// Int64 returns name as an int64.
func (p Params) Int64(name string) (int64, error) {
	raw, err := p.require(name)
	if err != nil {
		return 0, err
	}
	v, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: %s=%q", ErrInvalidParameter, name, raw)
	}
	return v, nil
}

// Uint64 returns name as a uint64.
func (p Params) Uint64(name string) (uint64, error) {
	raw, err := p.require(name)
	if err != nil {
		return 0, err
	}
	v, err := strconv.ParseUint(raw, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: %s=%q", ErrInvalidParameter, name, raw)
	}
	return v, nil
}

// Bool returns name as a boolean. yes/no, true/false, on/off and 1/0 are accepted.
func (p Params) Bool(name string) (bool, error) {
	raw, err := p.require(name)
	if err != nil {
		return false, err
	}
	switch strings.ToLower(raw) {
	case "yes", "true", "on", "1":
		return true, nil
	case "no", "false", "off", "0":
		return false, nil
	}
	return false, fmt.Errorf("%w: %s=%q", ErrInvalidParameter, name, raw)
}

// Enum returns the entry of allowed matching the value of name, ignoring case.
func (p Params) Enum(name string, allowed ...string) (string, error) {
	raw, err := p.require(name)
	if err != nil {
		return "", err
	}
	for _, a := range allowed {
		if strings.EqualFold(raw, a) {
			return a, nil
		}
	}
	return "", fmt.Errorf("%w: %s=%q", ErrInvalidParameter, name, raw)
}

// Encode formats all parameters sorted by name.
func (p Params) Encode() string {
	names := make([]string, 0, len(p))
	for name := range p {
		names = append(names, name)
	}
	sort.Strings(names)
	enc := NewEncoder()
	for _, name := range names {
		enc.String(name, p[name])
	}
	return enc.Encode()
}

// Encoder builds a parameter list in insertion order.
type Encoder struct {
	parts []string
}

// NewEncoder returns an empty encoder.
func NewEncoder() *Encoder {
	return &Encoder{}
}

// String appends a string value, quoting it when needed.
func (e *Encoder) String(name, value string) *Encoder {
	e.parts = append(e.parts, name+"="+quoteValue(value))
	return e
}

// Int appends an integer value.
func (e *Encoder) Int(name string, value int) *Encoder {
	return e.Int64(name, int64(value))
}

// Int64 appends an integer value.
func (e *Encoder) Int64(name string, value int64) *Encoder {
	e.parts = append(e.parts, name+"="+strconv.FormatInt(value, 10))
	return e
}

// Uint64 appends an unsigned integer value.
func (e *Encoder) Uint64(name string, value uint64) *Encoder {
	e.parts = append(e.parts, name+"="+strconv.FormatUint(value, 10))
	return e
}

// Bool appends yes or no.
func (e *Encoder) Bool(name string, value bool) *Encoder {
	if value {
		e.parts = append(e.parts, name+"=yes")
	} else {
		e.parts = append(e.parts, name+"=no")
	}
	return e
}

// Enum appends a symbolic value verbatim.
func (e *Encoder) Enum(name, value string) *Encoder {
	e.parts = append(e.parts, name+"="+value)
	return e
}

// Encode returns the space separated parameter list.
func (e *Encoder) Encode() string {
	return strings.Join(e.parts, " ")
}

func quoteValue(v string) string {
	if v != "" && !strings.ContainsAny(v, " \t\r\n'\"\\") {
		return v
	}
	var sb strings.Builder
	sb.Grow(len(v) + 2)
	sb.WriteByte('\'')
	for i := 0; i < len(v); i++ {
		switch ch := v[i]; ch {
		case '\'', '\\':
			sb.WriteByte('\\')
			sb.WriteByte(ch)
		case '\n':
			sb.WriteString(`\n`)
		case '\r':
			sb.WriteString(`\r`)
		case '\t':
			sb.WriteString(`\t`)
		default:
			sb.WriteByte(ch)
		}
	}
	sb.WriteByte('\'')
	return sb.String()
}

func isSpace(ch byte) bool {
	return ch == ' ' || ch == '\t'
}

func isNameChar(ch byte) bool {
	return ch == '_' || ch == '-' || ch == '.' ||
		(ch >= 'a' && ch <= 'z') || (ch >= 'A' && ch <= 'Z') || (ch >= '0' && ch <= '9')
}
