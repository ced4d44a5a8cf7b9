package ca

import (
	"crypto"
	"crypto/rand"
	"crypto/x509"
	"fmt"
	"math/big"
	"time"

	"github.com/remiblancher/cacore/internal/extension"
	"github.com/remiblancher/cacore/internal/profile"
)

// CertificateRequest describes a CA certificate to generate.
type CertificateRequest struct {
	SubjectDN string
	Profile   *profile.Profile
	PublicKey crypto.PublicKey
	// Signer is the issuing key: the CA's own key for a root CA.
	Signer crypto.Signer
	// Issuer is the parent CA, or nil for a self-signed root.
	Issuer *CA
	// Validity overrides the profile validity when positive.
	Validity time.Duration
	// Extensions defaults to extension.DefaultRegistry.
	Extensions *extension.Registry
	Now        time.Time
}

// selfIssuer stands in for a root CA whose certificate does not exist yet.
type selfIssuer struct{}

func (selfIssuer) Certificate() *x509.Certificate { return nil }
func (selfIssuer) CRLDistributionPoint() string   { return "" }
func (selfIssuer) OCSPURL() string                { return "" }

// GenerateCACertificate builds and signs a root or sub CA certificate.
// The certificate always carries keyCertSign and cRLSign key usage and a
// subject key identifier, as CRL signing requires both.
func GenerateCACertificate(req CertificateRequest) (*x509.Certificate, error) {
	if req.Profile == nil || !req.Profile.Type.IsCA() {
		return nil, fmt.Errorf("a CA certificate profile is required")
	}
	if req.Signer == nil || req.PublicKey == nil {
		return nil, fmt.Errorf("public key and signer are required")
	}
	subject, err := ParseDN(req.SubjectDN)
	if err != nil {
		return nil, fmt.Errorf("invalid subject DN: %w", err)
	}

	now := req.Now
	if now.IsZero() {
		now = time.Now()
	}
	validity := req.Validity
	if validity <= 0 {
		validity = req.Profile.Validity
	}
	notAfter := now.Add(validity)

	var (
		issuer extension.Issuer = selfIssuer{}
		parent *x509.Certificate
	)
	if req.Issuer != nil {
		parent = req.Issuer.Certificate()
		if parent == nil {
			return nil, fmt.Errorf("issuer %s has no certificate", req.Issuer.Name())
		}
		issuer = req.Issuer
		if notAfter.After(parent.NotAfter) {
			notAfter = parent.NotAfter
		}
	}

	registry := req.Extensions
	if registry == nil {
		registry = extension.DefaultRegistry(nil)
	}
	ee := &profile.EndEntity{SubjectDN: req.SubjectDN, CertificateProfileID: req.Profile.ID}
	exts, err := registry.Build(ee, issuer, req.Profile, req.PublicKey, req.Signer.Public())
	if err != nil {
		return nil, fmt.Errorf("failed to build extensions: %w", err)
	}

	serial, err := NewSerialNumber()
	if err != nil {
		return nil, err
	}
	ski, err := extension.KeyIdentifier(req.PublicKey)
	if err != nil {
		return nil, err
	}

	template := &x509.Certificate{
		SerialNumber:          serial,
		Subject:               subject,
		NotBefore:             now,
		NotAfter:              notAfter,
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageCRLSign,
		BasicConstraintsValid: true,
		IsCA:                  true,
		SubjectKeyId:          ski,
		ExtraExtensions:       exts,
	}
	if parent == nil {
		parent = template
	}

	der, err := x509.CreateCertificate(rand.Reader, template, parent, req.PublicKey, req.Signer)
	if err != nil {
		return nil, fmt.Errorf("failed to create certificate: %w", err)
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		return nil, fmt.Errorf("failed to parse certificate: %w", err)
	}
	if cert.KeyUsage&x509.KeyUsageCRLSign == 0 || cert.KeyUsage&x509.KeyUsageCertSign == 0 {
		return nil, fmt.Errorf("profile %s does not allow keyCertSign and cRLSign", req.Profile.Name)
	}
	return cert, nil
}

// NewSerialNumber returns a random positive serial of at most 159 bits.
func NewSerialNumber() (*big.Int, error) {
	limit := new(big.Int).Lsh(big.NewInt(1), 159)
	n, err := rand.Int(rand.Reader, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to generate serial number: %w", err)
	}
	return n.Add(n, big.NewInt(1)), nil
}
