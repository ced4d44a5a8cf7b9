package ca

import (
	"crypto/sha256"
	"crypto/x509/pkix"
	"encoding/asn1"
	"encoding/binary"
	"fmt"
	"strings"

	"golang.org/x/text/unicode/norm"
)

var oidDomainComponent = asn1.ObjectIdentifier{0, 9, 2342, 19200300, 100, 1, 25}

// ParseDN parses a distinguished name in RFC 4514 string form
// ("CN=Test CA,O=Example,C=FR"). Attribute types are case insensitive and
// values are NFC normalized. Multi-valued RDNs ("+") are flattened.
// CN and SERIALNUMBER may appear once; the other attributes keep every
// value in order. DC values are carried in ExtraNames.
func ParseDN(dn string) (pkix.Name, error) {
	var name pkix.Name
	dn = strings.TrimSpace(norm.NFC.String(dn))
	if dn == "" {
		return name, fmt.Errorf("empty distinguished name")
	}

	for _, attr := range splitUnescaped(dn, ',', '+') {
		attr = strings.TrimSpace(attr)
		if attr == "" {
			continue
		}
		typ, value, ok := strings.Cut(attr, "=")
		if !ok {
			return name, fmt.Errorf("invalid attribute %q in %q", attr, dn)
		}
		value = unescapeValue(strings.TrimSpace(value))
		if value == "" {
			return name, fmt.Errorf("empty value for %s in %q", typ, dn)
		}

		switch strings.ToUpper(strings.TrimSpace(typ)) {
		case "CN":
			if name.CommonName != "" {
				return name, fmt.Errorf("repeated attribute CN in %q", dn)
			}
			name.CommonName = value
		case "SERIALNUMBER", "SN":
			if name.SerialNumber != "" {
				return name, fmt.Errorf("repeated attribute SERIALNUMBER in %q", dn)
			}
			name.SerialNumber = value
		case "O":
			name.Organization = append(name.Organization, value)
		case "OU":
			name.OrganizationalUnit = append(name.OrganizationalUnit, value)
		case "C":
			name.Country = append(name.Country, value)
		case "L":
			name.Locality = append(name.Locality, value)
		case "ST", "S":
			name.Province = append(name.Province, value)
		case "STREET":
			name.StreetAddress = append(name.StreetAddress, value)
		case "POSTALCODE":
			name.PostalCode = append(name.PostalCode, value)
		case "DC":
			name.ExtraNames = append(name.ExtraNames, pkix.AttributeTypeAndValue{Type: oidDomainComponent, Value: value})
		default:
			return name, fmt.Errorf("unsupported attribute type %q in %q", typ, dn)
		}
	}
	return name, nil
}

// CanonicalDN re-serializes dn in the fixed attribute order of
// pkix.Name.String(), so that equal names compare equal as strings.
func CanonicalDN(dn string) (string, error) {
	name, err := ParseDN(dn)
	if err != nil {
		return "", err
	}
	return name.String(), nil
}

// IDFromSubjectDN derives the numeric CA id from the canonical subject DN:
// the first four bytes of its SHA-256 hash. Names that do not parse are
// hashed as given after NFC normalization.
func IDFromSubjectDN(dn string) int32 {
	canonical, err := CanonicalDN(dn)
	if err != nil {
		canonical = norm.NFC.String(strings.TrimSpace(dn))
	}
	sum := sha256.Sum256([]byte(canonical))
	return int32(binary.BigEndian.Uint32(sum[:4]))
}

// splitUnescaped splits s at every separator not preceded by a backslash
// and not inside double quotes.
func splitUnescaped(s string, seps ...byte) []string {
	var (
		parts   []string
		start   int
		escaped bool
		quoted  bool
	)
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case escaped:
			escaped = false
		case c == '\\':
			escaped = true
		case c == '"':
			quoted = !quoted
		case !quoted && isSep(c, seps):
			parts = append(parts, s[start:i])
			start = i + 1
		}
	}
	return append(parts, s[start:])
}

func isSep(c byte, seps []byte) bool {
	for _, s := range seps {
		if c == s {
			return true
		}
	}
	return false
}

func unescapeValue(v string) string {
	if len(v) >= 2 && v[0] == '"' && v[len(v)-1] == '"' {
		v = v[1 : len(v)-1]
	}
	if !strings.Contains(v, `\`) {
		return v
	}
	var b strings.Builder
	for i := 0; i < len(v); i++ {
		if v[i] == '\\' && i+1 < len(v) {
			i++
		}
		b.WriteByte(v[i])
	}
	return b.String()
}
