// Package ca holds the CA model, the CA cache and the CA lifecycle manager.
//
// A CA is identified by a numeric id derived from its subject DN
// (IDFromSubjectDN), a unique name and the subject DN itself. The Manager
// owns CA rows in the store; every other component reads CAs through it.
package ca

import (
	"crypto/sha1" //nolint:gosec // certificate fingerprints are SHA-1
	"crypto/x509"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/remiblancher/cacore/internal/extension"
)

// CA is a CA definition with its parsed certificate chain. A CA value is
// immutable; changes go through the Manager and produce a new value.
type CA struct {
	info  *CAInfo
	chain []*x509.Certificate
}

var _ extension.Issuer = (*CA)(nil)

// New parses the certificate chain of info. A CA without certificate
// (external or waiting for a response) is valid.
func New(info *CAInfo) (*CA, error) {
	c := &CA{info: info.Clone()}
	for n, der := range info.CertificateChain {
		cert, err := x509.ParseCertificate(der)
		if err != nil {
			return nil, fmt.Errorf("failed to parse certificate %d of CA %s: %w", n, info.Name, err)
		}
		c.chain = append(c.chain, cert)
	}
	return c, nil
}

// Info returns a copy of the CA definition.
func (c *CA) Info() *CAInfo { return c.info.Clone() }

func (c *CA) ID() int32       { return c.info.ID }
func (c *CA) Name() string    { return c.info.Name }
func (c *CA) Status() Status  { return c.info.Status }
func (c *CA) CRL() CRLPolicy  { return c.info.CRL }
func (c *CA) Token() TokenRef { return c.info.Token }

// KeyValidators returns the ordered key validator ids of the CA.
func (c *CA) KeyValidators() []int {
	return append([]int(nil), c.info.KeyValidators...)
}

// Certificate returns the CA certificate, or nil if there is none.
func (c *CA) Certificate() *x509.Certificate {
	if len(c.chain) == 0 {
		return nil
	}
	return c.chain[0]
}

// Chain returns the certificate chain, CA certificate first.
func (c *CA) Chain() []*x509.Certificate {
	return append([]*x509.Certificate(nil), c.chain...)
}

// IssuerDN is the DN that certificates and CRLs of this CA are filed under.
func (c *CA) IssuerDN() string { return c.info.SubjectDN }

// Fingerprint is the hex SHA-1 of the CA certificate, or "" without one.
func (c *CA) Fingerprint() string {
	cert := c.Certificate()
	if cert == nil {
		return ""
	}
	return Fingerprint(cert.Raw)
}

func (c *CA) CRLDistributionPoint() string { return c.info.CRL.DefaultCRLDistPoint }
func (c *CA) OCSPURL() string              { return c.info.OCSPURL }

// Expired reports whether the CA certificate is past its NotAfter at now.
func (c *CA) Expired(now time.Time) bool {
	cert := c.Certificate()
	return cert != nil && now.After(cert.NotAfter)
}

// Fingerprint returns the lower-case hex SHA-1 of DER data.
func Fingerprint(der []byte) string {
	sum := sha1.Sum(der) //nolint:gosec
	return hex.EncodeToString(sum[:])
}
