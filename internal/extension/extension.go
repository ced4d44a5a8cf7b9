// Package extension builds the X.509 extensions of issued certificates.
//
// Each extension type implements CertificateExtension and is registered in
// a Registry keyed by its OID. Builders are driven only by the certificate
// profile, the end entity and the two public keys; they never touch
// persistence.
package extension

import (
	"crypto"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/asn1"
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/remiblancher/cacore/internal/profile"
)

// Result is the outcome of building one extension. Present is false when
// the extension must be left out of the certificate.
type Result struct {
	Value   []byte
	Present bool
}

// Absent is the result of an extension that is not emitted.
func Absent() Result { return Result{} }

func present(v []byte) Result { return Result{Value: v, Present: true} }

// Issuer is the view of the issuing CA the builders need.
type Issuer interface {
	// Certificate is the CA certificate, or nil while it is being created.
	Certificate() *x509.Certificate
	CRLDistributionPoint() string
	OCSPURL() string
}

// CertificateExtension builds one extension type.
type CertificateExtension interface {
	// Init reads OID-specific settings and criticality from the profile.
	Init(p *profile.Profile)
	OID() asn1.ObjectIdentifier
	Critical() bool
	Value(ee *profile.EndEntity, ca Issuer, p *profile.Profile, userPub, caPub crypto.PublicKey) (Result, error)
}

// Factory returns a fresh, uninitialized builder.
type Factory func() CertificateExtension

// Registry maps extension OIDs to builders. Build emits extensions in
// registration order.
type Registry struct {
	mu        sync.RWMutex
	order     []string
	factories map[string]Factory
	log       *logrus.Entry
}

// NewRegistry returns an empty registry. A nil log uses the standard
// logger.
func NewRegistry(log *logrus.Entry) *Registry {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Registry{
		factories: make(map[string]Factory),
		log:       log,
	}
}

// DefaultRegistry returns a registry holding every builtin builder.
func DefaultRegistry(log *logrus.Entry) *Registry {
	r := NewRegistry(log)
	for _, f := range []Factory{
		func() CertificateExtension { return &basicConstraints{} },
		func() CertificateExtension { return &keyUsage{} },
		func() CertificateExtension { return &extKeyUsage{} },
		func() CertificateExtension { return &subjectAltName{} },
		func() CertificateExtension { return &subjectKeyIdentifier{} },
		func() CertificateExtension { return &authorityKeyIdentifier{} },
		func() CertificateExtension { return &crlDistributionPoints{} },
		func() CertificateExtension { return &authorityInfoAccess{} },
		func() CertificateExtension { return &certificatePolicies{} },
	} {
		if err := r.Register(f); err != nil {
			panic(err)
		}
	}
	return r
}

// Register adds a builder. Registering an OID twice is an error.
func (r *Registry) Register(f Factory) error {
	key := f().OID().String()
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.factories[key]; ok {
		return fmt.Errorf("extension %s already registered", key)
	}
	r.factories[key] = f
	r.order = append(r.order, key)
	return nil
}

// Lookup returns a new builder for the OID.
func (r *Registry) Lookup(oid asn1.ObjectIdentifier) (CertificateExtension, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	f, ok := r.factories[oid.String()]
	if !ok {
		return nil, false
	}
	return f(), true
}

// OIDs lists the registered OIDs in registration order.
func (r *Registry) OIDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]string(nil), r.order...)
}

// Build runs every builder against the request and returns the extensions
// that are present.
func (r *Registry) Build(ee *profile.EndEntity, ca Issuer, p *profile.Profile, userPub, caPub crypto.PublicKey) ([]pkix.Extension, error) {
	r.mu.RLock()
	factories := make([]Factory, 0, len(r.order))
	for _, key := range r.order {
		factories = append(factories, r.factories[key])
	}
	r.mu.RUnlock()

	var exts []pkix.Extension
	for _, f := range factories {
		ext := f()
		ext.Init(p)
		res, err := ext.Value(ee, ca, p, userPub, caPub)
		if err != nil {
			return nil, fmt.Errorf("extension %s: %w", ext.OID(), err)
		}
		if !res.Present {
			r.log.WithField("oid", ext.OID().String()).Debug("extension absent")
			continue
		}
		exts = append(exts, pkix.Extension{Id: ext.OID(), Critical: ext.Critical(), Value: res.Value})
	}
	return exts, nil
}
