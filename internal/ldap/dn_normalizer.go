package ldap

import (
	"fmt"
	"strings"

	"github.com/go-ldap/ldap/v3"
)

// NormalizeDNCase rewrites attribute type descriptors in upper case and
// leaves values untouched.
//
// Input:  "cn=john,ou=users,dc=example,dc=com"
// Output: "CN=john,OU=users,DC=example,DC=com"
func NormalizeDNCase(dn string) (string, error) {
	dn = strings.TrimSpace(dn)
	if dn == "" {
		return "", nil
	}

	parsed, err := parseDN(dn)
	if err != nil {
		return "", err
	}

	return formatDN(parsed, strings.ToUpper, func(v string) string { return v }), nil
}

// NormalizeDNCaseBatch normalizes several DNs, failing on the first invalid one.
func NormalizeDNCaseBatch(dns []string) ([]string, error) {
	if len(dns) == 0 {
		return dns, nil
	}

	out := make([]string, len(dns))
	for i, dn := range dns {
		normalized, err := NormalizeDNCase(dn)
		if err != nil {
			return nil, fmt.Errorf("failed to normalize DN '%s': %w", dn, err)
		}
		out[i] = normalized
	}
	return out, nil
}

// NormalizeDNKey returns a comparison key for dn: types and values lower
// cased, escapes resolved, insignificant spaces dropped.
func NormalizeDNKey(dn string) (string, error) {
	dn = strings.TrimSpace(dn)
	if dn == "" {
		return "", nil
	}
	parsed, err := parseDN(dn)
	if err != nil {
		return "", err
	}
	return formatDN(parsed, strings.ToLower, strings.ToLower), nil
}

// DNEqual reports whether two DNs name the same entry.
func DNEqual(a, b string) bool {
	ka, errA := NormalizeDNKey(a)
	kb, errB := NormalizeDNKey(b)
	if errA != nil || errB != nil {
		return strings.EqualFold(strings.TrimSpace(a), strings.TrimSpace(b))
	}
	return ka == kb
}

// ValidateDNSyntax validates that a string is a properly formatted distinguished name.
func ValidateDNSyntax(dn string) error {
	if strings.TrimSpace(dn) == "" {
		return newQueryError("parse dn", ErrorCategoryValidation, "DN cannot be empty")
	}
	_, err := parseDN(dn)
	return err
}

// FindRDNValue returns the unescaped value of the first RDN component of type attrType.
func FindRDNValue(dn, attrType string) (string, error) {
	parsed, err := parseDN(dn)
	if err != nil {
		return "", err
	}

	for _, rdn := range parsed.RDNs {
		for _, attr := range rdn.Attributes {
			if strings.EqualFold(attr.Type, attrType) {
				return attr.Value, nil
			}
		}
	}

	return "", newQueryError("parse dn", ErrorCategoryValidation, "attribute type '%s' not found in DN '%s'", attrType, dn)
}

// GetDNParent returns dn without its leading RDN.
func GetDNParent(dn string) (string, error) {
	parsed, err := parseDN(dn)
	if err != nil {
		return "", err
	}
	if len(parsed.RDNs) <= 1 {
		return "", newQueryError("parse dn", ErrorCategoryValidation, "DN has no parent: %s", dn)
	}
	return formatDN(&ldap.DN{RDNs: parsed.RDNs[1:]}, strings.ToUpper, func(v string) string { return v }), nil
}

// IsDNChild checks if childDN is a direct or indirect child of parentDN.
func IsDNChild(childDN, parentDN string) (bool, error) {
	child, err := parseDN(childDN)
	if err != nil {
		return false, err
	}
	parent, err := parseDN(parentDN)
	if err != nil {
		return false, err
	}
	return parent.AncestorOfFold(child), nil
}

func parseDN(dn string) (*ldap.DN, error) {
	if strings.TrimSpace(dn) == "" {
		return nil, newQueryError("parse dn", ErrorCategoryValidation, "DN cannot be empty")
	}
	parsed, err := ldap.ParseDN(dn)
	if err != nil {
		return nil, &LDAPError{
			Operation: "parse dn",
			Category:  ErrorCategoryValidation,
			Message:   "invalid DN syntax",
			DN:        dn,
			Cause:     err,
		}
	}
	return parsed, nil
}

// formatDN re-renders a parsed DN, escaping values again after transform.
func formatDN(dn *ldap.DN, typeFn, valueFn func(string) string) string {
	rdns := make([]string, 0, len(dn.RDNs))
	for _, rdn := range dn.RDNs {
		parts := make([]string, 0, len(rdn.Attributes))
		for _, attr := range rdn.Attributes {
			value, err := EscapeRDNValue(valueFn(attr.Value))
			if err != nil {
				value = ldap.EscapeDN(valueFn(attr.Value))
			}
			parts = append(parts, typeFn(attr.Type)+"="+value)
		}
		rdns = append(rdns, strings.Join(parts, "+"))
	}
	return strings.Join(rdns, ",")
}
