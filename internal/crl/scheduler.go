package crl

import (
	"context"
	"errors"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/remiblancher/cacore/internal/authz"
)

// RunOnce generates every full and delta CRL due now, as the system
// administrator. It returns the number of CRLs created of each kind.
func (e *Engine) RunOnce(ctx context.Context, pad time.Duration) (full, delta int, err error) {
	full, errFull := e.CreateCRLs(ctx, authz.System(), nil, pad)
	delta, errDelta := e.CreateDeltaCRLs(ctx, authz.System(), nil, pad)
	return full, delta, errors.Join(errFull, errDelta)
}

// Schedule calls RunOnce immediately and then every interval until ctx is
// done. Failures are logged; the loop keeps going.
func (e *Engine) Schedule(ctx context.Context, interval, pad time.Duration) {
	log := e.log.WithFields(logrus.Fields{"interval": interval.String(), "pad": pad.String()})
	log.Info("CRL scheduler started")

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		full, delta, err := e.RunOnce(ctx, pad)
		if err != nil && ctx.Err() == nil {
			log.WithError(err).Warn("scheduled CRL run had failures")
		}
		if full > 0 || delta > 0 {
			log.WithFields(logrus.Fields{"full": full, "delta": delta}).Debug("scheduled CRL run")
		}

		select {
		case <-ctx.Done():
			log.Info("CRL scheduler stopped")
			return
		case <-ticker.C:
		}
	}
}
