package crl

import (
	"context"
	"crypto"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/asn1"
	"errors"
	"fmt"
	"math/big"
	"strconv"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/crypto/cryptobyte"
	cbasn1 "golang.org/x/crypto/cryptobyte/asn1"

	"github.com/remiblancher/cacore/internal/audit"
	"github.com/remiblancher/cacore/internal/authz"
	"github.com/remiblancher/cacore/internal/ca"
	"github.com/remiblancher/cacore/internal/extension"
	"github.com/remiblancher/cacore/internal/profile"
	"github.com/remiblancher/cacore/internal/store"
)

var (
	oidDeltaCRLIndicator        = asn1.ObjectIdentifier{2, 5, 29, 27}
	oidIssuingDistributionPoint = asn1.ObjectIdentifier{2, 5, 29, 28}
)

// RevokedCertInfo is one certificate of a CRL generation run.
type RevokedCertInfo struct {
	Fingerprint    string
	SerialNumber   *big.Int
	RevocationDate time.Time
	Reason         store.RevocationReason
	ExpireDate     time.Time
}

// content is what a CRL generation run does with the revoked
// certificate records of a CA.
type content struct {
	entries []RevokedCertInfo
	// archive holds records that expired before the cutoff.
	archive []*store.CertificateRecord
	// dated holds records that had no revocation date and were given one.
	dated []*store.CertificateRecord
}

// snapshot splits revoked certificate records into CRL entries and
// records to archive. A missing revocation date is set to now on the
// record, which must then be stored so later CRLs carry the same date.
func snapshot(recs []*store.CertificateRecord, now, cutoff time.Time) (content, error) {
	var c content
	for _, rec := range recs {
		if rec.ExpireDate.Before(cutoff) {
			c.archive = append(c.archive, rec)
			continue
		}
		serial, ok := new(big.Int).SetString(rec.SerialNumber, 16)
		if !ok {
			return content{}, fmt.Errorf("certificate %s: invalid serial number %q", rec.Fingerprint, rec.SerialNumber)
		}
		if rec.RevocationDate.IsZero() {
			rec.RevocationDate = now
			rec.UpdateTime = now
			c.dated = append(c.dated, rec)
		}
		c.entries = append(c.entries, RevokedCertInfo{
			Fingerprint:    rec.Fingerprint,
			SerialNumber:   serial,
			RevocationDate: rec.RevocationDate,
			Reason:         rec.RevocationReason,
			ExpireDate:     rec.ExpireDate,
		})
	}
	return c, nil
}

func revocationEntries(infos []RevokedCertInfo) []x509.RevocationListEntry {
	out := make([]x509.RevocationListEntry, 0, len(infos))
	for _, info := range infos {
		entry := x509.RevocationListEntry{
			SerialNumber:   info.SerialNumber,
			RevocationTime: info.RevocationDate.UTC(),
		}
		if info.Reason > store.ReasonUnspecified {
			entry.ReasonCode = int(info.Reason)
		}
		out = append(out, entry)
	}
	return out
}

// nextNumber returns the next number of the sequence full and delta CRLs
// share. It is computed inside the store transaction that appends the
// CRL, so it is always greater than the base number of a delta CRL.
func nextNumber(lastFull, lastDelta int64) int64 {
	return max(lastFull, lastDelta) + 1
}

// generated describes a CRL built in generate.
type generated struct {
	der      []byte
	number   int64
	base     int64
	entries  int
	archived int
}

// generate builds, stores and publishes a full or delta CRL for c. It
// returns false without error when another node stored a CRL with the
// same number first.
func (e *Engine) generate(ctx context.Context, admin authz.Admin, c *ca.CA, delta bool) (bool, error) {
	ev := audit.EventCRLCreate
	if delta {
		ev = audit.EventDeltaCRLCreate
	}
	log := e.log.WithFields(logrus.Fields{"ca": c.Name(), "ca_id": c.ID(), "delta": delta})

	if !e.authz.IsAuthorized(ctx, admin, authz.ResourceCreateCRL, authz.CAResource(c.ID())) {
		return false, e.reject(ctx, ev, admin, c.ID(), authz.ErrAuthorizationDenied, nil)
	}
	if c.Status() == ca.StatusOffline {
		return false, e.reject(ctx, ev, admin, c.ID(), fmt.Errorf("CA %s is offline: %w", c.Name(), ErrCATokenOffline), nil)
	}
	tok := c.Token()
	signer, err := e.tokens.Signer(ctx, tok.TokenID, tok.SignKeyAlias)
	if err != nil {
		return false, e.reject(ctx, ev, admin, c.ID(), fmt.Errorf("CA %s signing key: %w", c.Name(), err), nil)
	}

	var g generated
	err = e.store.Update(ctx, func(tx store.Tx) error {
		var err error
		g, err = e.build(ctx, tx, c, signer, delta)
		return err
	})
	// Another generator committed first: it took the number or updated
	// the records this run archives.
	if errors.Is(err, store.ErrCRLNumberNotMonotonic) || errors.Is(err, store.ErrConcurrentModification) {
		log.WithError(err).Warn("concurrent CRL generation won, discarding CRL")
		e.auditFailure(ctx, ev, admin, c.ID(), err, nil)
		return false, nil
	}
	if err != nil {
		return false, e.reject(ctx, ev, admin, c.ID(), err, nil)
	}

	details := map[string]string{
		"crl_number": strconv.FormatInt(g.number, 10),
		"entries":    strconv.Itoa(g.entries),
		"archived":   strconv.Itoa(g.archived),
	}
	if delta {
		details["base_crl_number"] = strconv.FormatInt(g.base, 10)
	}
	if err := e.audit.Log(ctx, ev, audit.ResultSuccess, audit.ModuleCRL, audit.ServiceCore, admin.ID, c.ID(), details); err != nil {
		return false, fmt.Errorf("audit: %w", err)
	}
	log.WithFields(logrus.Fields{"crl_number": g.number, "entries": g.entries, "archived": g.archived}).Info("CRL created")

	e.PublishCRL(ctx, admin, c, g.der, g.number, delta)
	return true, nil
}

// build runs inside the store transaction: it archives expired revoked
// certificates, signs the CRL and appends it.
func (e *Engine) build(ctx context.Context, tx store.Tx, c *ca.CA, signer crypto.Signer, delta bool) (generated, error) {
	now := e.now().UTC().Truncate(time.Second)
	policy := c.CRL()
	issuerDN := c.IssuerDN()
	g := generated{base: -1}

	lastFull, hasFull, err := tx.FindLastCRL(ctx, issuerDN, false)
	if err != nil {
		return g, err
	}
	lastDelta, hasDelta, err := tx.FindLastCRL(ctx, issuerDN, true)
	if err != nil {
		return g, err
	}

	var since time.Time
	if delta {
		if !hasFull {
			return g, ErrNoBaseCRL
		}
		g.base = lastFull.CRLNumber
		since = lastFull.ThisUpdate
	}

	recs, err := tx.FindRevokedCertificates(ctx, issuerDN, since)
	if err != nil {
		return g, err
	}
	cc, err := snapshot(recs, now, now.Add(-policy.CRLPeriod))
	if err != nil {
		return g, err
	}
	for _, rec := range cc.archive {
		rec.Status = store.CertStatusArchived
		rec.UpdateTime = now
		if err := tx.PutCertificate(ctx, rec); err != nil {
			return g, fmt.Errorf("archive certificate %s: %w", rec.Fingerprint, err)
		}
	}
	for _, rec := range cc.dated {
		if err := tx.PutCertificate(ctx, rec); err != nil {
			return g, fmt.Errorf("date revocation of certificate %s: %w", rec.Fingerprint, err)
		}
	}
	infos := cc.entries
	g.archived = len(cc.archive)
	g.entries = len(infos)

	var fullNumber, deltaNumber int64
	if hasFull {
		fullNumber = lastFull.CRLNumber
	}
	if hasDelta {
		deltaNumber = lastDelta.CRLNumber
	}
	g.number = nextNumber(fullNumber, deltaNumber)

	period := policy.CRLPeriod
	if delta {
		period = policy.DeltaCRLPeriod
	}
	tmpl := &x509.RevocationList{
		Number:                    big.NewInt(g.number),
		ThisUpdate:                now,
		NextUpdate:                now.Add(period),
		RevokedCertificateEntries: revocationEntries(infos),
	}
	if delta {
		ext, err := deltaCRLIndicator(g.base)
		if err != nil {
			return g, err
		}
		tmpl.ExtraExtensions = append(tmpl.ExtraExtensions, ext)
	}
	if policy.UseCRLDistributionPointOnCRL && c.CRLDistributionPoint() != "" {
		ext, err := IssuingDistributionPoint(&profile.IssuingDistributionPointConfig{FullName: c.CRLDistributionPoint()})
		if err != nil {
			return g, err
		}
		tmpl.ExtraExtensions = append(tmpl.ExtraExtensions, ext)
	}

	g.der, err = x509.CreateRevocationList(rand.Reader, tmpl, c.Certificate(), signer)
	if err != nil {
		return g, fmt.Errorf("failed to create CRL: %w", err)
	}

	return g, tx.PutCRL(ctx, &store.CRLRecord{
		Fingerprint:       ca.Fingerprint(g.der),
		IssuerDN:          issuerDN,
		CAFingerprint:     c.Fingerprint(),
		CRLNumber:         g.number,
		DeltaCRLIndicator: g.base,
		ThisUpdate:        tmpl.ThisUpdate,
		NextUpdate:        tmpl.NextUpdate,
		Encoded:           g.der,
	})
}

// deltaCRLIndicator returns the critical delta CRL indicator extension
// (RFC 5280 section 5.2.4) naming the base CRL number.
func deltaCRLIndicator(base int64) (pkix.Extension, error) {
	value, err := asn1.Marshal(big.NewInt(base))
	if err != nil {
		return pkix.Extension{}, err
	}
	return pkix.Extension{Id: oidDeltaCRLIndicator, Critical: true, Value: value}, nil
}

// IssuingDistributionPoint encodes the issuing distribution point CRL
// extension (RFC 5280 section 5.2.5).
func IssuingDistributionPoint(cfg *profile.IssuingDistributionPointConfig) (pkix.Extension, error) {
	var b cryptobyte.Builder
	b.AddASN1(cbasn1.SEQUENCE, func(b *cryptobyte.Builder) {
		if cfg.FullName != "" {
			extension.AddDistributionPointName(b, cfg.FullName)
		}
		addFlag(b, 1, cfg.OnlyContainsUserCerts)
		addFlag(b, 2, cfg.OnlyContainsCACerts)
		addFlag(b, 4, cfg.IndirectCRL)
	})
	value, err := b.Bytes()
	if err != nil {
		return pkix.Extension{}, fmt.Errorf("encode issuing distribution point: %w", err)
	}
	return pkix.Extension{Id: oidIssuingDistributionPoint, Critical: cfg.IsCritical(), Value: value}, nil
}

// addFlag writes a [tag] IMPLICIT BOOLEAN that defaults to false.
func addFlag(b *cryptobyte.Builder, tag uint8, v bool) {
	if !v {
		return
	}
	b.AddASN1(cbasn1.Tag(tag).ContextSpecific(), func(b *cryptobyte.Builder) {
		b.AddUint8(0xff)
	})
}

func (e *Engine) reject(ctx context.Context, ev audit.EventType, admin authz.Admin, caID int32, err error, details map[string]string) error {
	e.auditFailure(ctx, ev, admin, caID, err, details)
	e.log.WithError(err).WithFields(logrus.Fields{"event": ev, "ca_id": caID}).Error("CRL generation failed")
	return err
}

func (e *Engine) auditFailure(ctx context.Context, ev audit.EventType, admin authz.Admin, caID int32, err error, details map[string]string) {
	d := map[string]string{"error": err.Error()}
	for k, v := range details {
		d[k] = v
	}
	if aerr := e.audit.Log(ctx, ev, audit.ResultFailure, audit.ModuleCRL, audit.ServiceCore, admin.ID, caID, d); aerr != nil {
		e.log.WithError(aerr).WithField("event", ev).Error("failed to write audit event")
	}
}
