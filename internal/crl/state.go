package crl

import (
	"context"
	"time"

	"github.com/remiblancher/cacore/internal/ca"
)

// State is the CRL work due for a CA.
type State int

const (
	NoAction State = iota
	FullCRLDue
	DeltaCRLDue
)

func (s State) String() string {
	switch s {
	case FullCRLDue:
		return "full_crl_due"
	case DeltaCRLDue:
		return "delta_crl_due"
	default:
		return "no_action"
	}
}

// Due returns the CRL work due for c. pad is added to the CA's overlap
// time. A full CRL takes precedence over a delta CRL.
func (e *Engine) Due(ctx context.Context, c *ca.CA, pad time.Duration) (State, error) {
	if !e.eligible(c) {
		return NoAction, nil
	}
	full, err := e.fullDue(ctx, c, pad)
	if err != nil || full {
		return stateIf(full, FullCRLDue), err
	}
	delta, err := e.deltaDue(ctx, c, pad)
	return stateIf(delta, DeltaCRLDue), err
}

func stateIf(due bool, s State) State {
	if due {
		return s
	}
	return NoAction
}

// eligible reports whether CRLs are generated for c at all. External and
// pending CAs are skipped silently, CAs with an expired certificate are
// skipped with a log entry.
func (e *Engine) eligible(c *ca.CA) bool {
	switch c.Status() {
	case ca.StatusExternal, ca.StatusWaitingCertificateResponse:
		return false
	}
	if c.Status() == ca.StatusExpired || c.Expired(e.now()) {
		e.log.WithField("ca", c.Name()).Info("CA certificate expired, not generating CRL")
		return false
	}
	return true
}

// fullDue applies the full CRL transition rule.
func (e *Engine) fullDue(ctx context.Context, c *ca.CA, pad time.Duration) (bool, error) {
	last, found, err := e.store.FindLastCRL(ctx, c.IssuerDN(), false)
	if err != nil {
		return false, err
	}
	if !found {
		return true, nil
	}
	policy := c.CRL()
	return fullDueAt(e.now(), last.ThisUpdate, last.NextUpdate, policy.CRLIssueInterval, policy.CRLOverlapTime+pad), nil
}

// fullDueAt reports whether a new full CRL is due at now, given the last
// full CRL's thisUpdate and nextUpdate.
func fullDueAt(now, thisUpdate, nextUpdate time.Time, issueInterval, overlap time.Duration) bool {
	if issueInterval > 0 {
		if byInterval := thisUpdate.Add(issueInterval); byInterval.Add(overlap).Before(nextUpdate) {
			nextUpdate = byInterval
			overlap = 0
		}
	}
	return !now.Add(overlap).Before(nextUpdate)
}

// deltaDue applies the delta CRL transition rule. Delta CRLs are only
// issued when the CA has a delta CRL period and a full CRL to be based on.
func (e *Engine) deltaDue(ctx context.Context, c *ca.CA, pad time.Duration) (bool, error) {
	policy := c.CRL()
	if policy.DeltaCRLPeriod <= 0 {
		return false, nil
	}
	if _, found, err := e.store.FindLastCRL(ctx, c.IssuerDN(), false); err != nil || !found {
		if err == nil {
			e.log.WithField("ca", c.Name()).Debug("no full CRL yet, delta CRL not due")
		}
		return false, err
	}
	last, found, err := e.store.FindLastCRL(ctx, c.IssuerDN(), true)
	if err != nil {
		return false, err
	}
	if !found {
		return true, nil
	}
	return !e.now().Add(policy.CRLOverlapTime + pad).Before(last.NextUpdate), nil
}
