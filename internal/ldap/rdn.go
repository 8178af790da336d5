package ldap

import (
	"strings"

	"github.com/go-ldap/ldap/v3"
)

// EscapeRDNValue escapes a value for use in a relative distinguished name.
//
// The characters \ , + < > ; " = are always escaped, # only in leading
// position, and spaces only in leading or trailing position. NUL cannot be
// represented and is rejected.
//
// Examples:
//   - "Doe, John" -> "Doe\, John"
//   - " John " -> "\ John\ "
//   - "#123" -> "\#123"
//   - "a=b" -> "a\=b"
func EscapeRDNValue(value string) (string, error) {
	if strings.IndexByte(value, 0) >= 0 {
		return "", newQueryError("build rdn", ErrorCategoryValidation, "RDN value cannot contain NUL")
	}
	if value == "" {
		return value, nil
	}

	var b strings.Builder
	b.Grow(len(value) + 8)

	for i, r := range value {
		switch r {
		case '\\', ',', '+', '<', '>', ';', '"', '=':
			b.WriteRune('\\')
		case '#':
			if i == 0 {
				b.WriteRune('\\')
			}
		case ' ':
			if i == 0 || i == len(value)-1 {
				b.WriteRune('\\')
			}
		}
		b.WriteRune(r)
	}

	return b.String(), nil
}

// UnescapeDNValue removes RFC 4514 escaping, including \XX hex pairs.
func UnescapeDNValue(value string) string {
	if !strings.Contains(value, `\`) {
		return value
	}

	out := make([]byte, 0, len(value))
	for i := 0; i < len(value); i++ {
		c := value[i]
		if c != '\\' || i == len(value)-1 {
			out = append(out, c)
			continue
		}
		if i+2 < len(value) && isHexDigit(value[i+1]) && isHexDigit(value[i+2]) {
			out = append(out, hexNibble(value[i+1])<<4|hexNibble(value[i+2]))
			i += 2
			continue
		}
		out = append(out, value[i+1])
		i++
	}
	return string(out)
}

func isHexDigit(c byte) bool {
	return (c >= '0' && c <= '9') || (c >= 'a' && c <= 'f') || (c >= 'A' && c <= 'F')
}

func hexNibble(c byte) byte {
	switch {
	case c >= '0' && c <= '9':
		return c - '0'
	case c >= 'a' && c <= 'f':
		return c - 'a' + 10
	default:
		return c - 'A' + 10
	}
}

// BuildRDN renders attr=value with value escaped.
func BuildRDN(attr string, value any) (string, error) {
	s, err := rdnString(value)
	if err != nil {
		return "", err
	}
	if s == "" {
		return "", newQueryError("build rdn", ErrorCategoryValidation, "RDN value for %s cannot be empty", attr)
	}
	escaped, err := EscapeRDNValue(s)
	if err != nil {
		return "", err
	}
	return attr + "=" + escaped, nil
}

// BuildDN renders attr=value,base.
func BuildDN(attr string, value any, base string) (string, error) {
	rdn, err := BuildRDN(attr, value)
	if err != nil {
		return "", err
	}
	if strings.TrimSpace(base) == "" {
		return rdn, nil
	}
	return rdn + "," + base, nil
}

func rdnString(value any) (string, error) {
	if value == nil {
		return "", newQueryError("build rdn", ErrorCategoryValidation, "RDN value cannot be nil")
	}
	encoded, err := StringCodec{}.Encode(value)
	if err != nil {
		return "", newQueryError("build rdn", ErrorCategoryValidation, "%v", err)
	}
	return encoded[0], nil
}

// SplitRDN splits a DN into the attribute type and still-escaped value of its
// leading RDN, and the parent DN.
func SplitRDN(dn string) (attr, value, parent string, err error) {
	if strings.TrimSpace(dn) == "" {
		return "", "", "", newQueryError("parse dn", ErrorCategoryValidation, "DN cannot be empty")
	}
	if _, perr := ldap.ParseDN(dn); perr != nil {
		return "", "", "", &LDAPError{
			Operation: "parse dn",
			Category:  ErrorCategoryValidation,
			Message:   "invalid DN syntax",
			DN:        dn,
			Cause:     perr,
		}
	}

	rdnEnd := indexUnescaped(dn, ',')
	rdn := dn
	if rdnEnd >= 0 {
		rdn = dn[:rdnEnd]
		parent = strings.TrimSpace(dn[rdnEnd+1:])
	}
	if indexUnescaped(rdn, '+') >= 0 {
		return "", "", "", newQueryError("parse dn", ErrorCategoryValidation, "multi-valued RDN in %q is not supported", dn)
	}
	eq := strings.IndexByte(rdn, '=')
	if eq < 0 {
		return "", "", "", newQueryError("parse dn", ErrorCategoryValidation, "RDN %q has no attribute type", rdn)
	}
	return strings.TrimSpace(rdn[:eq]), strings.TrimLeft(rdn[eq+1:], " "), parent, nil
}

// ExtractRDNValue returns the escaped value of the leading RDN of dn.
func ExtractRDNValue(dn string) (string, error) {
	_, value, _, err := SplitRDN(dn)
	return value, err
}

// NeedsRename reports whether giving the entry at currentDN the RDN value
// desired requires a rename.
func NeedsRename(currentDN string, desired any) (bool, error) {
	current, err := ExtractRDNValue(currentDN)
	if err != nil {
		return false, err
	}
	s, err := rdnString(desired)
	if err != nil {
		return false, err
	}
	escaped, err := EscapeRDNValue(s)
	if err != nil {
		return false, err
	}
	if escaped == current {
		return false, nil
	}
	// Servers may return an equivalent spelling such as \2C for \,.
	return UnescapeDNValue(current) != s, nil
}

func indexUnescaped(s string, sep byte) int {
	for i := 0; i < len(s); i++ {
		switch s[i] {
		case '\\':
			i++
		case sep:
			return i
		}
	}
	return -1
}
