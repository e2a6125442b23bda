package render

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrUnboundVariable is returned when a placeholder has no value.
	ErrUnboundVariable = errors.New("unbound template variable")
	// ErrBadPlaceholder is returned for unbalanced braces or unsupported placeholders.
	ErrBadPlaceholder = errors.New("malformed template placeholder")
)

// Custom substitutes {name} placeholders in subject and body. Literal braces are
// written {{ and }}. Without variables both templates are returned untouched. If either
// template cannot be rendered, both are returned unrendered and ok is false.
func Custom(subject, body string, vars map[string]string) (msg Message, ok bool) {
	msg = Message{Subject: subject, Body: body}
	if len(vars) == 0 {
		return msg, true
	}
	s, err := Format(subject, vars)
	if err != nil {
		return msg, false
	}
	b, err := Format(body, vars)
	if err != nil {
		return msg, false
	}
	return Message{Subject: s, Body: b}, true
}

// Format expands {name} placeholders in tmpl from vars.
func Format(tmpl string, vars map[string]string) (string, error) {
	var out strings.Builder
	out.Grow(len(tmpl))

	for i := 0; i < len(tmpl); i++ {
		c := tmpl[i]
		switch c {
		case '{':
			if i+1 < len(tmpl) && tmpl[i+1] == '{' {
				out.WriteByte('{')
				i++
				continue
			}
			end := strings.IndexByte(tmpl[i+1:], '}')
			if end < 0 {
				return "", fmt.Errorf("%w: unclosed '{' at offset %d", ErrBadPlaceholder, i)
			}
			name := tmpl[i+1 : i+1+end]
			if !isIdentifier(name) {
				return "", fmt.Errorf("%w: {%s}", ErrBadPlaceholder, name)
			}
			v, found := vars[name]
			if !found {
				return "", fmt.Errorf("%w: %s", ErrUnboundVariable, name)
			}
			out.WriteString(v)
			i += end + 1
		case '}':
			if i+1 < len(tmpl) && tmpl[i+1] == '}' {
				out.WriteByte('}')
				i++
				continue
			}
			return "", fmt.Errorf("%w: single '}' at offset %d", ErrBadPlaceholder, i)
		default:
			out.WriteByte(c)
		}
	}
	return out.String(), nil
}

func isIdentifier(s string) bool {
	if s == "" {
		return false
	}
	for i, r := range s {
		switch {
		case r == '_', r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z':
		case r >= '0' && r <= '9' && i > 0:
		default:
			return false
		}
	}
	return true
}
