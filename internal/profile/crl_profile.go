package profile

// IssuingDistributionPointConfig configures the Issuing Distribution Point
// CRL extension (OID 2.5.29.28). RFC 5280: This extension is critical.
type IssuingDistributionPointConfig struct {
	Critical *bool `yaml:"critical,omitempty" json:"critical,omitempty"` // default: true (RFC 5280)

	// FullName is the URI of this CRL distribution point.
	FullName string `yaml:"fullName,omitempty" json:"fullName,omitempty"`

	OnlyContainsUserCerts bool `yaml:"onlyContainsUserCerts,omitempty" json:"onlyContainsUserCerts,omitempty"`
	OnlyContainsCACerts   bool `yaml:"onlyContainsCACerts,omitempty" json:"onlyContainsCACerts,omitempty"`
	IndirectCRL           bool `yaml:"indirectCRL,omitempty" json:"indirectCRL,omitempty"`
}

func (c *IssuingDistributionPointConfig) IsCritical() bool { return criticalOr(c.Critical, true) }
