// Package profile provides certificate profiles.
//
// A profile is the issuance policy for one kind of certificate:
//   - Certificate type (end entity, sub CA, root CA)
//   - Validity period
//   - X.509 extensions with configurable criticality
//
// Profiles are addressed by numeric id; certificate records and key
// validators reference them by that id.
package profile

import (
	"fmt"
	"time"
)

// Type is the kind of certificate a profile issues.
type Type string

const (
	TypeEndEntity Type = "end_entity"
	TypeSubCA     Type = "sub_ca"
	TypeRootCA    Type = "root_ca"
)

// IsCA reports whether certificates of this type are CA certificates.
func (t Type) IsCA() bool {
	return t == TypeSubCA || t == TypeRootCA
}

// Profile defines a certificate type.
type Profile struct {
	// ID is the unique numeric identifier for this profile.
	ID int `yaml:"id" json:"id"`

	// Name is a human readable unique name.
	Name string `yaml:"name" json:"name"`

	Description string `yaml:"description" json:"description"`

	Type Type `yaml:"type" json:"type"`

	// Validity is the default certificate validity period.
	Validity time.Duration `yaml:"validity" json:"validity"`

	// Extensions defines X.509 extensions with configurable criticality.
	Extensions *ExtensionsConfig `yaml:"extensions,omitempty" json:"extensions,omitempty"`
}

// Validate checks that the profile configuration is valid.
func (p *Profile) Validate() error {
	if p.ID <= 0 {
		return fmt.Errorf("profile id must be positive")
	}
	if p.Name == "" {
		return fmt.Errorf("profile name is required")
	}
	switch p.Type {
	case TypeEndEntity, TypeSubCA, TypeRootCA:
	default:
		return fmt.Errorf("invalid profile type: %q", p.Type)
	}
	if p.Validity <= 0 {
		return fmt.Errorf("validity must be positive")
	}
	if err := p.Extensions.Validate(); err != nil {
		return fmt.Errorf("extensions: %w", err)
	}
	return nil
}

// Ext returns the extension config, never nil.
func (p *Profile) Ext() *ExtensionsConfig {
	if p == nil || p.Extensions == nil {
		return &ExtensionsConfig{}
	}
	return p.Extensions
}

// EndEntity is the subject of an issuance request.
type EndEntity struct {
	Username  string
	SubjectDN string

	// SubjectAltName lists requested alternative names; see SANEntry.
	SubjectAltName []SANEntry

	Email                string
	CertificateProfileID int
}

// SANKind is a GeneralName choice.
type SANKind string

const (
	SANDNS   SANKind = "dns"
	SANEmail SANKind = "email"
	SANIP    SANKind = "ip"
	SANURI   SANKind = "uri"
)

// SANEntry is one requested subject alternative name.
type SANEntry struct {
	Kind  SANKind
	Value string
}
