package issuance

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/remiblancher/cacore/internal/audit"
	"github.com/remiblancher/cacore/internal/authz"
	"github.com/remiblancher/cacore/internal/ca"
	"github.com/remiblancher/cacore/internal/store"
)

var (
	// ErrCertificateNotFound is returned when no certificate of the issuer
	// has the serial number.
	ErrCertificateNotFound = errors.New("certificate not found")

	// ErrAlreadyRevoked is returned when revoking a certificate that is
	// permanently revoked or archived.
	ErrAlreadyRevoked = errors.New("certificate already revoked")

	// ErrNotOnHold is returned when unrevoking a certificate whose
	// revocation reason is not certificateHold.
	ErrNotOnHold = errors.New("certificate is not on hold")

	// ErrInvalidReason is returned for reasons a revocation cannot carry.
	ErrInvalidReason = errors.New("invalid revocation reason")
)

// NormalizeSerial returns serial as lower-case hex without leading zeros,
// the form certificate records carry. It accepts an optional 0x prefix
// and colon separators.
func NormalizeSerial(serial string) (string, error) {
	s := strings.ToLower(strings.TrimSpace(serial))
	s = strings.TrimPrefix(s, "0x")
	s = strings.ReplaceAll(s, ":", "")
	n, ok := new(big.Int).SetString(s, 16)
	if !ok || n.Sign() <= 0 {
		return "", fmt.Errorf("invalid serial number %q", serial)
	}
	return n.Text(16), nil
}

// Revoke revokes the certificate of issuerDN with serial. A certificate on
// hold may be revoked again with a permanent reason; its revocation date
// is kept.
func (s *Service) Revoke(ctx context.Context, admin authz.Admin, issuerDN, serial string, reason store.RevocationReason) error {
	// Code 7 is unassigned in RFC 5280.
	if reason < store.ReasonUnspecified || reason == 7 || reason == store.ReasonRemoveFromCRL || reason > store.ReasonAACompromise {
		details := map[string]string{"serial": serial, "reason": reason.String()}
		return s.reject(ctx, audit.EventCertRevoked, admin, ca.IDFromSubjectDN(issuerDN), fmt.Errorf("%w: %s", ErrInvalidReason, reason), details)
	}
	return s.update(ctx, admin, audit.EventCertRevoked, issuerDN, serial, reason, func(rec *store.CertificateRecord) error {
		switch {
		case rec.Status == store.CertStatusRevoked && rec.RevocationReason == store.ReasonCertificateHold:
			if reason == store.ReasonCertificateHold {
				return ErrAlreadyRevoked
			}
		case rec.Status == store.CertStatusRevoked, rec.Status == store.CertStatusArchived:
			return ErrAlreadyRevoked
		default:
			rec.RevocationDate = s.now().UTC()
		}
		rec.Status = store.CertStatusRevoked
		rec.RevocationReason = reason
		return nil
	})
}

// Unrevoke takes a certificate off hold. Its record keeps the revocation
// date and carries reason removeFromCRL, so the next delta CRL lists it
// for removal.
func (s *Service) Unrevoke(ctx context.Context, admin authz.Admin, issuerDN, serial string) error {
	return s.update(ctx, admin, audit.EventCertUnrevoked, issuerDN, serial, store.ReasonRemoveFromCRL, func(rec *store.CertificateRecord) error {
		if rec.Status != store.CertStatusRevoked || rec.RevocationReason != store.ReasonCertificateHold {
			return fmt.Errorf("%w: status %s, reason %s", ErrNotOnHold, rec.Status, rec.RevocationReason)
		}
		if rec.RevocationDate.IsZero() {
			rec.RevocationDate = s.now().UTC()
		}
		rec.Status = store.CertStatusActive
		rec.RevocationReason = store.ReasonRemoveFromCRL
		return nil
	})
}

// update applies change to the record of issuerDN and serial in one store
// transaction and audits the outcome against the issuing CA.
func (s *Service) update(ctx context.Context, admin authz.Admin, ev audit.EventType, issuerDN, serial string, reason store.RevocationReason, change func(*store.CertificateRecord) error) error {
	details := map[string]string{"serial": serial, "reason": reason.String()}
	caID := ca.IDFromSubjectDN(issuerDN)
	c, found, err := s.cas.LoadCA(ctx, caID)
	if err != nil {
		return s.reject(ctx, ev, admin, caID, err, details)
	}
	if !found {
		return s.reject(ctx, ev, admin, caID, &ca.Error{Op: "revoke", CAID: caID, Err: ca.ErrCADoesntExist}, details)
	}

	if !s.authz.IsAuthorized(ctx, admin, authz.ResourceRevokeCertificate, authz.CAResource(c.ID())) {
		return s.reject(ctx, ev, admin, c.ID(), authz.ErrAuthorizationDenied, details)
	}
	hex, err := NormalizeSerial(serial)
	if err != nil {
		return s.reject(ctx, ev, admin, c.ID(), err, details)
	}
	details["serial"] = hex

	var subject string
	err = s.store.Update(ctx, func(tx store.Tx) error {
		rec, found, err := tx.FindCertificateBySerial(ctx, c.IssuerDN(), hex)
		if err != nil {
			return err
		}
		if !found {
			return ErrCertificateNotFound
		}
		if err := change(rec); err != nil {
			return err
		}
		rec.UpdateTime = s.now().UTC()
		subject = rec.SubjectDN
		return tx.PutCertificate(ctx, rec)
	})
	if err != nil {
		return s.reject(ctx, ev, admin, c.ID(), err, details)
	}

	details["subject"] = subject
	if err := s.audit.Log(ctx, ev, audit.ResultSuccess, audit.ModuleCertificate, audit.ServiceCore, admin.ID, c.ID(), details); err != nil {
		return fmt.Errorf("audit: %w", err)
	}
	s.log.WithFields(logrus.Fields{"ca": c.Name(), "serial": hex, "event": ev, "reason": reason}).Info("certificate status changed")
	return nil
}
