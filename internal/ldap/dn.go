package ldap

import (
	"fmt"
	"strings"

	"github.com/go-ldap/ldap/v3"
)

// ParseDN parses a Distinguished Name, rejecting empty input.
func ParseDN(dn string) (*ldap.DN, error) {
	dn = strings.TrimSpace(dn)
	if dn == "" {
		return nil, fmt.Errorf("DN cannot be empty")
	}

	parsedDN, err := ldap.ParseDN(dn)
	if err != nil {
		return nil, fmt.Errorf("invalid DN syntax: %w", err)
	}

	if len(parsedDN.RDNs) == 0 {
		return nil, fmt.Errorf("DN cannot be empty")
	}

	return parsedDN, nil
}

// ValidateDNSyntax validates that a string is a properly formatted Distinguished Name.
func ValidateDNSyntax(dn string) error {
	_, err := ParseDN(dn)
	return err
}

// FormatDN serialises a parsed DN with RFC 4514 escaping of values.
func FormatDN(dn *ldap.DN) string {
	rdnStrings := make([]string, 0, len(dn.RDNs))
	for _, rdn := range dn.RDNs {
		rdnStrings = append(rdnStrings, FormatRDN(rdn))
	}
	return strings.Join(rdnStrings, ",")
}

// FormatRDN serialises one RDN, joining multi-valued RDNs with "+".
func FormatRDN(rdn *ldap.RelativeDN) string {
	attrStrings := make([]string, 0, len(rdn.Attributes))
	for _, attr := range rdn.Attributes {
		attrStrings = append(attrStrings, attr.Type+"="+EscapeDNValue(attr.Value))
	}
	return strings.Join(attrStrings, "+")
}

// SplitDN returns the leaf RDN and the parent DN of dn. The parent is empty
// for single-RDN names.
func SplitDN(dn string) (*ldap.RelativeDN, string, error) {
	parsedDN, err := ParseDN(dn)
	if err != nil {
		return nil, "", err
	}

	parent := &ldap.DN{RDNs: parsedDN.RDNs[1:]}
	return parsedDN.RDNs[0], FormatDN(parent), nil
}

// ParentDN returns the DN of the entry's parent.
func ParentDN(dn string) (string, error) {
	_, parent, err := SplitDN(dn)
	return parent, err
}

// JoinDN builds a DN from a leaf RDN and a parent DN.
func JoinDN(rdn *ldap.RelativeDN, parent string) string {
	if parent == "" {
		return FormatRDN(rdn)
	}
	return FormatRDN(rdn) + "," + parent
}

// NormalizeDN returns a canonical form of dn for comparisons: attribute types
// and values lower-cased, escaping normalised. Invalid DNs are lower-cased
// as-is.
func NormalizeDN(dn string) string {
	parsedDN, err := ParseDN(dn)
	if err != nil {
		return strings.ToLower(strings.TrimSpace(dn))
	}

	for _, rdn := range parsedDN.RDNs {
		for _, attr := range rdn.Attributes {
			attr.Type = strings.ToLower(attr.Type)
			attr.Value = strings.ToLower(attr.Value)
		}
	}
	return FormatDN(parsedDN)
}

// EscapeDNValue escapes special characters in a DN attribute value according to RFC 4514.
//
// Examples:
//   - "Doe, John" → "Doe\, John"
//   - " John " → "\ John\ "
//   - "#123" → "\#123"
func EscapeDNValue(value string) string {
	if value == "" {
		return value
	}

	var result strings.Builder
	result.Grow(len(value) + 10)

	last := len(value) - 1
	for i := 0; i < len(value); i++ {
		b := value[i]
		switch {
		case b == ',' || b == '+' || b == '"' || b == '\\' || b == '<' || b == '>' || b == ';' || b == '=':
			result.WriteByte('\\')
			result.WriteByte(b)
		case b == '#' && i == 0:
			result.WriteString("\\#")
		case b == ' ' && (i == 0 || i == last):
			result.WriteString("\\ ")
		case b == 0:
			result.WriteString("\\00")
		default:
			result.WriteByte(b)
		}
	}

	return result.String()
}
