package profile

import (
	"crypto/x509"
	"encoding/asn1"
	"fmt"
	"net"
	"strconv"
	"strings"
)

// ExtensionsConfig holds all configurable X.509 certificate extensions.
// Each extension can specify its criticality explicitly.
// If criticality is not specified, RFC 5280 defaults are used.
type ExtensionsConfig struct {
	KeyUsage               *KeyUsageConfig               `yaml:"keyUsage,omitempty" json:"keyUsage,omitempty"`
	ExtKeyUsage            *ExtKeyUsageConfig            `yaml:"extKeyUsage,omitempty" json:"extKeyUsage,omitempty"`
	BasicConstraints       *BasicConstraintsConfig       `yaml:"basicConstraints,omitempty" json:"basicConstraints,omitempty"`
	SubjectAltName         *SubjectAltNameConfig         `yaml:"subjectAltName,omitempty" json:"subjectAltName,omitempty"`
	CRLDistributionPoints  *CRLDistributionPointsConfig  `yaml:"crlDistributionPoints,omitempty" json:"crlDistributionPoints,omitempty"`
	AuthorityInfoAccess    *AuthorityInfoAccessConfig    `yaml:"authorityInfoAccess,omitempty" json:"authorityInfoAccess,omitempty"`
	CertificatePolicies    *CertificatePoliciesConfig    `yaml:"certificatePolicies,omitempty" json:"certificatePolicies,omitempty"`
	SubjectKeyIdentifier   *SubjectKeyIdentifierConfig   `yaml:"subjectKeyIdentifier,omitempty" json:"subjectKeyIdentifier,omitempty"`
	AuthorityKeyIdentifier *AuthorityKeyIdentifierConfig `yaml:"authorityKeyIdentifier,omitempty" json:"authorityKeyIdentifier,omitempty"`
}

func criticalOr(c *bool, def bool) bool {
	if c == nil {
		return def
	}
	return *c
}

// KeyUsageConfig configures the Key Usage extension (OID 2.5.29.15).
// RFC 5280: This extension MUST be critical when used.
type KeyUsageConfig struct {
	Critical *bool    `yaml:"critical,omitempty" json:"critical,omitempty"` // default: true (RFC 5280)
	Values   []string `yaml:"values" json:"values"`
}

// IsCritical returns true if the extension should be marked critical.
func (c *KeyUsageConfig) IsCritical() bool { return criticalOr(c.Critical, true) }

// ToKeyUsage converts string values to x509.KeyUsage flags.
func (c *KeyUsageConfig) ToKeyUsage() (x509.KeyUsage, error) {
	var usage x509.KeyUsage
	for _, v := range c.Values {
		switch strings.ToLower(v) {
		case "digitalsignature", "digital-signature":
			usage |= x509.KeyUsageDigitalSignature
		case "contentcommitment", "content-commitment", "nonrepudiation", "non-repudiation":
			usage |= x509.KeyUsageContentCommitment
		case "keyencipherment", "key-encipherment":
			usage |= x509.KeyUsageKeyEncipherment
		case "dataencipherment", "data-encipherment":
			usage |= x509.KeyUsageDataEncipherment
		case "keyagreement", "key-agreement":
			usage |= x509.KeyUsageKeyAgreement
		case "certsign", "cert-sign", "keycertsign", "key-cert-sign":
			usage |= x509.KeyUsageCertSign
		case "crlsign", "crl-sign":
			usage |= x509.KeyUsageCRLSign
		case "encipheronly", "encipher-only":
			usage |= x509.KeyUsageEncipherOnly
		case "decipheronly", "decipher-only":
			usage |= x509.KeyUsageDecipherOnly
		default:
			return 0, fmt.Errorf("unknown key usage: %s", v)
		}
	}
	return usage, nil
}

// ExtKeyUsageConfig configures the Extended Key Usage extension (OID 2.5.29.37).
type ExtKeyUsageConfig struct {
	Critical *bool    `yaml:"critical,omitempty" json:"critical,omitempty"` // default: false
	Values   []string `yaml:"values" json:"values"`
}

func (c *ExtKeyUsageConfig) IsCritical() bool { return criticalOr(c.Critical, false) }

// extKeyUsageOIDs maps accepted names to their OIDs.
var extKeyUsageOIDs = map[string]asn1.ObjectIdentifier{
	"serverauth":      {1, 3, 6, 1, 5, 5, 7, 3, 1},
	"clientauth":      {1, 3, 6, 1, 5, 5, 7, 3, 2},
	"codesigning":     {1, 3, 6, 1, 5, 5, 7, 3, 3},
	"emailprotection": {1, 3, 6, 1, 5, 5, 7, 3, 4},
	"timestamping":    {1, 3, 6, 1, 5, 5, 7, 3, 8},
	"ocspsigning":     {1, 3, 6, 1, 5, 5, 7, 3, 9},
	"any":             {2, 5, 29, 37, 0},
}

// ToOIDs converts the configured usages to OIDs.
func (c *ExtKeyUsageConfig) ToOIDs() ([]asn1.ObjectIdentifier, error) {
	var oids []asn1.ObjectIdentifier
	for _, v := range c.Values {
		oid, ok := extKeyUsageOIDs[strings.ReplaceAll(strings.ToLower(v), "-", "")]
		if !ok {
			return nil, fmt.Errorf("unknown extended key usage: %s", v)
		}
		oids = append(oids, oid)
	}
	return oids, nil
}

// BasicConstraintsConfig configures the Basic Constraints extension (OID 2.5.29.19).
// Whether the subject is a CA follows the profile type.
type BasicConstraintsConfig struct {
	Critical *bool `yaml:"critical,omitempty" json:"critical,omitempty"` // default: true (RFC 5280)

	// PathLen constrains the path length of CA certificates. Nil means
	// unconstrained.
	PathLen *int `yaml:"pathLen,omitempty" json:"pathLen,omitempty"`
}

func (c *BasicConstraintsConfig) IsCritical() bool { return criticalOr(c.Critical, true) }

// SubjectAltNameConfig configures the Subject Alternative Name extension (OID 2.5.29.17).
// RFC 5280: This extension SHOULD be non-critical, but MUST be critical if subject is empty.
type SubjectAltNameConfig struct {
	Critical *bool `yaml:"critical,omitempty" json:"critical,omitempty"` // default: false (true if subject empty)

	// Subset restricts the requested names to these kinds. Empty keeps all.
	Subset []SANKind `yaml:"subset,omitempty" json:"subset,omitempty"`

	// DropPublicSuffixes removes DNS names that are a bare public suffix
	// (e.g. "co.uk").
	DropPublicSuffixes bool `yaml:"dropPublicSuffixes,omitempty" json:"dropPublicSuffixes,omitempty"`

	// Static names appended to every certificate.
	DNS   []string `yaml:"dns,omitempty" json:"dns,omitempty"`
	Email []string `yaml:"email,omitempty" json:"email,omitempty"`
	IP    []string `yaml:"ip,omitempty" json:"ip,omitempty"`
	URI   []string `yaml:"uri,omitempty" json:"uri,omitempty"`
}

func (c *SubjectAltNameConfig) IsCritical() bool { return criticalOr(c.Critical, false) }

// Allows reports whether names of kind k survive the subset transform.
func (c *SubjectAltNameConfig) Allows(k SANKind) bool {
	if len(c.Subset) == 0 {
		return true
	}
	for _, s := range c.Subset {
		if s == k {
			return true
		}
	}
	return false
}

// CRLDistributionPointsConfig configures the CRL Distribution Points extension (OID 2.5.29.31).
// With no URLs the CA's default distribution point is used.
type CRLDistributionPointsConfig struct {
	Critical *bool    `yaml:"critical,omitempty" json:"critical,omitempty"` // default: false
	URLs     []string `yaml:"urls,omitempty" json:"urls,omitempty"`
}

func (c *CRLDistributionPointsConfig) IsCritical() bool { return criticalOr(c.Critical, false) }

// AuthorityInfoAccessConfig configures the Authority Information Access extension (OID 1.3.6.1.5.5.7.1.1).
// RFC 5280: This extension MUST be non-critical. With no OCSP URL the
// CA's OCSP URL is used.
type AuthorityInfoAccessConfig struct {
	Critical  *bool    `yaml:"critical,omitempty" json:"critical,omitempty"`
	OCSP      []string `yaml:"ocsp,omitempty" json:"ocsp,omitempty"`
	CAIssuers []string `yaml:"caIssuers,omitempty" json:"caIssuers,omitempty"`
}

func (c *AuthorityInfoAccessConfig) IsCritical() bool { return criticalOr(c.Critical, false) }

// CertificatePoliciesConfig configures the Certificate Policies extension (OID 2.5.29.32).
type CertificatePoliciesConfig struct {
	Critical *bool          `yaml:"critical,omitempty" json:"critical,omitempty"` // default: false
	Policies []PolicyConfig `yaml:"policies" json:"policies"`
}

func (c *CertificatePoliciesConfig) IsCritical() bool { return criticalOr(c.Critical, false) }

// PolicyConfig represents a single certificate policy.
type PolicyConfig struct {
	OID        string `yaml:"oid" json:"oid"`
	CPS        string `yaml:"cps,omitempty" json:"cps,omitempty"`
	UserNotice string `yaml:"userNotice,omitempty" json:"userNotice,omitempty"`
}

// SubjectKeyIdentifierConfig configures the Subject Key Identifier extension (OID 2.5.29.14).
// RFC 5280: This extension MUST be non-critical.
type SubjectKeyIdentifierConfig struct {
	Critical *bool `yaml:"critical,omitempty" json:"critical,omitempty"`
}

func (c *SubjectKeyIdentifierConfig) IsCritical() bool { return criticalOr(c.Critical, false) }

// AuthorityKeyIdentifierConfig configures the Authority Key Identifier extension (OID 2.5.29.35).
// RFC 5280: This extension MUST be non-critical.
type AuthorityKeyIdentifierConfig struct {
	Critical *bool `yaml:"critical,omitempty" json:"critical,omitempty"`
}

func (c *AuthorityKeyIdentifierConfig) IsCritical() bool { return criticalOr(c.Critical, false) }

// Validate checks value syntax. A nil config is valid.
func (e *ExtensionsConfig) Validate() error {
	if e == nil {
		return nil
	}
	if e.KeyUsage != nil {
		if _, err := e.KeyUsage.ToKeyUsage(); err != nil {
			return fmt.Errorf("keyUsage: %w", err)
		}
	}
	if e.ExtKeyUsage != nil {
		if _, err := e.ExtKeyUsage.ToOIDs(); err != nil {
			return fmt.Errorf("extKeyUsage: %w", err)
		}
	}
	if bc := e.BasicConstraints; bc != nil && bc.PathLen != nil && *bc.PathLen < 0 {
		return fmt.Errorf("basicConstraints: pathLen must not be negative")
	}
	if san := e.SubjectAltName; san != nil {
		for _, k := range san.Subset {
			switch k {
			case SANDNS, SANEmail, SANIP, SANURI:
			default:
				return fmt.Errorf("subjectAltName: unknown subset kind %q", k)
			}
		}
		for _, ip := range san.IP {
			if net.ParseIP(ip) == nil {
				return fmt.Errorf("subjectAltName: invalid IP address %s", ip)
			}
		}
	}
	if cp := e.CertificatePolicies; cp != nil {
		for _, p := range cp.Policies {
			if _, err := ParseOID(p.OID); err != nil {
				return fmt.Errorf("certificatePolicies: %w", err)
			}
		}
	}
	return nil
}

// ParseOID parses a dotted OID string into an asn1.ObjectIdentifier.
func ParseOID(s string) (asn1.ObjectIdentifier, error) {
	parts := strings.Split(s, ".")
	if len(parts) < 2 {
		return nil, fmt.Errorf("invalid OID %q", s)
	}
	oid := make(asn1.ObjectIdentifier, len(parts))
	for i, part := range parts {
		n, err := strconv.Atoi(part)
		if err != nil || n < 0 {
			return nil, fmt.Errorf("invalid OID component %q in %q", part, s)
		}
		oid[i] = n
	}
	return oid, nil
}
