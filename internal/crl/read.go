package crl

import (
	"context"
	"crypto/x509"
	"fmt"
	"time"

	"github.com/remiblancher/cacore/internal/store"
)

// Info describes a stored CRL.
type Info struct {
	Fingerprint   string
	IssuerDN      string
	CAFingerprint string
	Number        int64
	Delta         bool
	// BaseNumber is the base CRL number of a delta CRL, -1 otherwise.
	BaseNumber int64
	ThisUpdate time.Time
	NextUpdate time.Time
	Entries    int
}

// Expired reports whether the CRL is past its nextUpdate at now.
func (i *Info) Expired(now time.Time) bool {
	return now.After(i.NextUpdate)
}

func infoFromRecord(rec *store.CRLRecord) (*Info, error) {
	rl, err := x509.ParseRevocationList(rec.Encoded)
	if err != nil {
		return nil, fmt.Errorf("failed to parse CRL %s: %w", rec.Fingerprint, err)
	}
	return &Info{
		Fingerprint:   rec.Fingerprint,
		IssuerDN:      rec.IssuerDN,
		CAFingerprint: rec.CAFingerprint,
		Number:        rec.CRLNumber,
		Delta:         rec.IsDelta(),
		BaseNumber:    rec.DeltaCRLIndicator,
		ThisUpdate:    rec.ThisUpdate,
		NextUpdate:    rec.NextUpdate,
		Entries:       len(rl.RevokedCertificateEntries),
	}, nil
}

// GetLastCRL returns the DER of the last full or delta CRL of issuerDN.
func (e *Engine) GetLastCRL(ctx context.Context, issuerDN string, delta bool) ([]byte, bool, error) {
	rec, found, err := e.store.FindLastCRL(ctx, issuerDN, delta)
	if err != nil || !found {
		return nil, false, err
	}
	return rec.Encoded, true, nil
}

// GetLastCRLInfo describes the last full or delta CRL of issuerDN.
func (e *Engine) GetLastCRLInfo(ctx context.Context, issuerDN string, delta bool) (*Info, bool, error) {
	rec, found, err := e.store.FindLastCRL(ctx, issuerDN, delta)
	if err != nil || !found {
		return nil, false, err
	}
	info, err := infoFromRecord(rec)
	if err != nil {
		return nil, false, err
	}
	return info, true, nil
}

// GetCRLInfo describes the CRL with the hex SHA-1 fingerprint.
func (e *Engine) GetCRLInfo(ctx context.Context, fingerprint string) (*Info, bool, error) {
	rec, found, err := e.store.FindCRL(ctx, fingerprint)
	if err != nil || !found {
		return nil, false, err
	}
	info, err := infoFromRecord(rec)
	if err != nil {
		return nil, false, err
	}
	return info, true, nil
}

// GetLastCRLNumber returns the number of the last full or delta CRL of
// issuerDN, or 0 when there is none.
func (e *Engine) GetLastCRLNumber(ctx context.Context, issuerDN string, delta bool) (int64, error) {
	rec, found, err := e.store.FindLastCRL(ctx, issuerDN, delta)
	if err != nil || !found {
		return 0, err
	}
	return rec.CRLNumber, nil
}

// ListCRLInfo describes every stored CRL of issuerDN in number order.
func (e *Engine) ListCRLInfo(ctx context.Context, issuerDN string) ([]*Info, error) {
	recs, err := e.store.ListCRLs(ctx, issuerDN)
	if err != nil {
		return nil, err
	}
	out := make([]*Info, 0, len(recs))
	for _, rec := range recs {
		info, err := infoFromRecord(rec)
		if err != nil {
			return nil, err
		}
		out = append(out, info)
	}
	return out, nil
}
