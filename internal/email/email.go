package email

import (
	"errors"
	"fmt"
	"net/mail"
	"regexp"
	"strings"
)

var (
	// ErrInvalidAddress indicates the address failed validation.
	ErrInvalidAddress = errors.New("invalid email address")
)

// addressPattern matches candidate addresses inside free text.
var addressPattern = regexp.MustCompile(`\b[A-Za-z0-9._%+-]+@[A-Za-z0-9.-]+\.[A-Z|a-z]{2,}\b`)

// FindAddresses returns every address-shaped token in text, lower-cased, in order of
// appearance. Duplicates are kept; callers decide how to merge.
func FindAddresses(text string) []string {
	matches := addressPattern.FindAllString(text, -1)
	for i, m := range matches {
		matches[i] = strings.ToLower(m)
	}
	return matches
}

// NormalizeAddress validates a single recipient and returns it lower-cased.
// Display names are accepted and stripped: "Jane <JANE@corp.io>" becomes "jane@corp.io".
func NormalizeAddress(raw string) (string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", fmt.Errorf("%w: empty address", ErrInvalidAddress)
	}
	if strings.ContainsAny(raw, "\r\n") {
		return "", fmt.Errorf("%w: unexpected newline", ErrInvalidAddress)
	}

	parsed, err := mail.ParseAddress(raw)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidAddress, err)
	}
	addr := strings.ToLower(parsed.Address)
	if !addressPattern.MatchString(addr) {
		return "", fmt.Errorf("%w: %q", ErrInvalidAddress, raw)
	}
	return addr, nil
}

// ParseRecipientList splits operator input on commas and newlines. Valid entries are
// normalized and de-duplicated (first occurrence wins); anything else is returned verbatim
// in invalid.
func ParseRecipientList(input string) (valid []string, invalid []string) {
	seen := make(map[string]struct{})
	fields := strings.FieldsFunc(input, func(r rune) bool {
		return r == ',' || r == '\n' || r == '\r'
	})
	for _, field := range fields {
		field = strings.TrimSpace(field)
		if field == "" {
			continue
		}
		addr, err := NormalizeAddress(field)
		if err != nil {
			invalid = append(invalid, field)
			continue
		}
		if _, ok := seen[addr]; ok {
			continue
		}
		seen[addr] = struct{}{}
		valid = append(valid, addr)
	}
	return valid, invalid
}

// Domain returns the domain component of a validated email address.
func Domain(address string) (string, error) {
	at := strings.LastIndex(address, "@")
	if at == -1 || at == len(address)-1 {
		return "", fmt.Errorf("%w: missing domain", ErrInvalidAddress)
	}

	domain := address[at+1:]
	domain = strings.TrimSuffix(domain, ".")
	domain = strings.TrimSpace(domain)
	if domain == "" {
		return "", fmt.Errorf("%w: empty domain", ErrInvalidAddress)
	}
	if strings.ContainsAny(domain, " \t") {
		return "", fmt.Errorf("%w: whitespace in domain", ErrInvalidAddress)
	}

	return strings.ToLower(domain), nil
}
