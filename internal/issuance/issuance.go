// Package issuance issues end-entity certificates from a CA of the core
// and maintains their revocation status.
//
// Issued certificates are recorded in the store; the CRL engine reads
// those records. Revocation only changes a record: a CA's next CRL
// reflects it.
package issuance

import (
	"context"
	"crypto"
	"crypto/rand"
	"crypto/x509"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/remiblancher/cacore/internal/audit"
	"github.com/remiblancher/cacore/internal/authz"
	"github.com/remiblancher/cacore/internal/ca"
	cacrypto "github.com/remiblancher/cacore/internal/crypto"
	"github.com/remiblancher/cacore/internal/extension"
	"github.com/remiblancher/cacore/internal/keyvalidator"
	"github.com/remiblancher/cacore/internal/profile"
	"github.com/remiblancher/cacore/internal/store"
)

var (
	// ErrCANotActive is returned when the CA cannot issue: it is offline,
	// expired, external or waiting for its certificate.
	ErrCANotActive = errors.New("CA is not active")

	// ErrUnknownProfile is returned for a certificate profile id that is
	// not loaded.
	ErrUnknownProfile = errors.New("unknown certificate profile")

	// ErrInvalidValidity is returned when notAfter is not after notBefore
	// once clipped to the CA certificate.
	ErrInvalidValidity = errors.New("invalid validity period")

	// ErrIncompleteRequest is returned when a request lacks the end
	// entity or the public key.
	ErrIncompleteRequest = errors.New("end entity and public key are required")
)

// Config holds the collaborators of a Service.
type Config struct {
	Store      store.Store
	CAs        *ca.Manager
	Tokens     *cacrypto.TokenRegistry
	Profiles   *profile.Store
	Validators *keyvalidator.Manager
	// Extensions defaults to extension.DefaultRegistry.
	Extensions *extension.Registry
	Authorizer authz.Authorizer
	Audit      audit.Logger
	Log        *logrus.Entry
	Now        func() time.Time
}

// Service issues, revokes and unrevokes certificates.
type Service struct {
	store      store.Store
	cas        *ca.Manager
	tokens     *cacrypto.TokenRegistry
	profiles   *profile.Store
	validators *keyvalidator.Manager
	extensions *extension.Registry
	authz      authz.Authorizer
	audit      audit.Logger
	log        *logrus.Entry
	now        func() time.Time
}

// NewService returns a Service.
func NewService(cfg Config) *Service {
	s := &Service{
		store:      cfg.Store,
		cas:        cfg.CAs,
		tokens:     cfg.Tokens,
		profiles:   cfg.Profiles,
		validators: cfg.Validators,
		extensions: cfg.Extensions,
		authz:      cfg.Authorizer,
		audit:      cfg.Audit,
		log:        cfg.Log,
		now:        cfg.Now,
	}
	if s.now == nil {
		s.now = time.Now
	}
	if s.log == nil {
		s.log = logrus.NewEntry(logrus.StandardLogger())
	}
	s.log = s.log.WithField("component", "issuance")
	if s.extensions == nil {
		s.extensions = extension.DefaultRegistry(s.log)
	}
	return s
}

// Request is a certificate issuance request.
type Request struct {
	CAID      int32
	EndEntity *profile.EndEntity
	PublicKey crypto.PublicKey

	// NotBefore defaults to now. NotAfter defaults to NotBefore plus the
	// profile validity. Both are clipped to the CA certificate.
	NotBefore time.Time
	NotAfter  time.Time

	Tag string
}

// validity returns the validity window of a certificate issued now by
// issuer under p.
func validity(req *Request, p *profile.Profile, issuer *x509.Certificate, now time.Time) (time.Time, time.Time, error) {
	notBefore := req.NotBefore
	if notBefore.IsZero() {
		notBefore = now
	}
	notAfter := req.NotAfter
	if notAfter.IsZero() {
		notAfter = notBefore.Add(p.Validity)
	}
	if notBefore.Before(issuer.NotBefore) {
		notBefore = issuer.NotBefore
	}
	if notAfter.After(issuer.NotAfter) {
		notAfter = issuer.NotAfter
	}
	if !notAfter.After(notBefore) {
		return time.Time{}, time.Time{}, fmt.Errorf("%w: %s - %s", ErrInvalidValidity, notBefore.Format(time.RFC3339), notAfter.Format(time.RFC3339))
	}
	return notBefore.UTC(), notAfter.UTC(), nil
}

// Issue validates the public key of req against the CA's key validators,
// signs an end-entity certificate and records it.
func (s *Service) Issue(ctx context.Context, admin authz.Admin, req *Request) (*x509.Certificate, error) {
	if req == nil || req.EndEntity == nil || req.PublicKey == nil {
		var caID int32
		if req != nil {
			caID = req.CAID
		}
		return nil, s.reject(ctx, audit.EventCertIssued, admin, caID, ErrIncompleteRequest, nil)
	}
	ee := req.EndEntity
	details := map[string]string{"subject": ee.SubjectDN, "username": ee.Username}

	c, found, err := s.cas.LoadCA(ctx, req.CAID)
	if err != nil {
		return nil, s.reject(ctx, audit.EventCertIssued, admin, req.CAID, err, details)
	}
	if !found {
		return nil, s.reject(ctx, audit.EventCertIssued, admin, req.CAID, &ca.Error{Op: "issue", CAID: req.CAID, Err: ca.ErrCADoesntExist}, details)
	}

	if !s.authz.IsAuthorized(ctx, admin, authz.ResourceCreateCertificate, authz.CAResource(c.ID())) {
		return nil, s.reject(ctx, audit.EventCertIssued, admin, c.ID(), authz.ErrAuthorizationDenied, details)
	}
	if c.Status() != ca.StatusActive || c.Certificate() == nil {
		return nil, s.reject(ctx, audit.EventCertIssued, admin, c.ID(), fmt.Errorf("%w: %s is %s", ErrCANotActive, c.Name(), c.Status()), details)
	}
	p, ok := s.profiles.Lookup(ee.CertificateProfileID)
	if !ok || p.Type.IsCA() {
		return nil, s.reject(ctx, audit.EventCertIssued, admin, c.ID(), fmt.Errorf("%w: %d", ErrUnknownProfile, ee.CertificateProfileID), details)
	}

	now := s.now()
	notBefore, notAfter, err := validity(req, p, c.Certificate(), now)
	if err != nil {
		return nil, s.reject(ctx, audit.EventCertIssued, admin, c.ID(), err, details)
	}
	if s.validators != nil {
		if _, err := s.validators.ValidatePublicKey(ctx, c, ee, p, notBefore, notAfter, req.PublicKey); err != nil {
			return nil, s.reject(ctx, audit.EventCertIssued, admin, c.ID(), err, details)
		}
	}

	tok := c.Token()
	signer, err := s.tokens.Signer(ctx, tok.TokenID, tok.SignKeyAlias)
	if err != nil {
		return nil, s.reject(ctx, audit.EventCertIssued, admin, c.ID(), fmt.Errorf("CA %s signing key: %w", c.Name(), err), details)
	}
	cert, err := s.sign(ee, c, p, req.PublicKey, signer, notBefore, notAfter)
	if err != nil {
		return nil, s.reject(ctx, audit.EventCertIssued, admin, c.ID(), err, details)
	}

	rec := &store.CertificateRecord{
		Fingerprint:          ca.Fingerprint(cert.Raw),
		IssuerDN:             c.IssuerDN(),
		CAFingerprint:        c.Fingerprint(),
		SerialNumber:         cert.SerialNumber.Text(16),
		SubjectDN:            ee.SubjectDN,
		Status:               store.CertStatusActive,
		Type:                 store.CertTypeEndEntity,
		CertificateProfileID: p.ID,
		RevocationReason:     store.ReasonNotRevoked,
		ExpireDate:           cert.NotAfter,
		UpdateTime:           now,
		Tag:                  req.Tag,
		Username:             ee.Username,
		Encoded:              cert.Raw,
	}
	if err := s.store.Update(ctx, func(tx store.Tx) error {
		return tx.PutCertificate(ctx, rec)
	}); err != nil {
		return nil, s.reject(ctx, audit.EventCertIssued, admin, c.ID(), fmt.Errorf("failed to store certificate: %w", err), details)
	}

	details["serial"] = rec.SerialNumber
	details["profile"] = p.Name
	if err := s.audit.Log(ctx, audit.EventCertIssued, audit.ResultSuccess, audit.ModuleCertificate, audit.ServiceCore, admin.ID, c.ID(), details); err != nil {
		return nil, fmt.Errorf("audit: %w", err)
	}
	s.log.WithFields(logrus.Fields{"ca": c.Name(), "serial": rec.SerialNumber, "subject": ee.SubjectDN}).Info("certificate issued")
	return cert, nil
}

func (s *Service) sign(ee *profile.EndEntity, c *ca.CA, p *profile.Profile, pub crypto.PublicKey, signer crypto.Signer, notBefore, notAfter time.Time) (*x509.Certificate, error) {
	subject, err := ca.ParseDN(ee.SubjectDN)
	if err != nil {
		return nil, fmt.Errorf("invalid subject DN: %w", err)
	}
	exts, err := s.extensions.Build(ee, c, p, pub, signer.Public())
	if err != nil {
		return nil, fmt.Errorf("failed to build extensions: %w", err)
	}
	serial, err := ca.NewSerialNumber()
	if err != nil {
		return nil, err
	}

	template := &x509.Certificate{
		SerialNumber:    serial,
		Subject:         subject,
		NotBefore:       notBefore,
		NotAfter:        notAfter,
		ExtraExtensions: exts,
	}
	der, err := x509.CreateCertificate(rand.Reader, template, c.Certificate(), pub, signer)
	if err != nil {
		return nil, fmt.Errorf("failed to sign certificate: %w", err)
	}
	return x509.ParseCertificate(der)
}

func (s *Service) reject(ctx context.Context, ev audit.EventType, admin authz.Admin, caID int32, err error, details map[string]string) error {
	d := map[string]string{"error": err.Error()}
	for k, v := range details {
		d[k] = v
	}
	if aerr := s.audit.Log(ctx, ev, audit.ResultFailure, audit.ModuleCertificate, audit.ServiceCore, admin.ID, caID, d); aerr != nil {
		s.log.WithError(aerr).WithField("event", ev).Error("failed to write audit event")
	}
	s.log.WithError(err).WithFields(logrus.Fields{"event": ev, "ca_id": caID}).Warn("certificate operation rejected")
	return err
}
