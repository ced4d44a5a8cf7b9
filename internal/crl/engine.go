// Package crl generates full and delta CRLs for the CAs of the core.
//
// The engine decides per CA whether a CRL is due, builds it from the
// revoked certificate records of the CA, persists it with a number from
// the sequence full and delta CRLs share, and hands it to the CA's
// publishers. Concurrent generation on several nodes is resolved by the
// store: the losing writer's CRL number is rejected and its CRL dropped.
package crl

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/remiblancher/cacore/internal/audit"
	"github.com/remiblancher/cacore/internal/authz"
	"github.com/remiblancher/cacore/internal/ca"
	cacrypto "github.com/remiblancher/cacore/internal/crypto"
	"github.com/remiblancher/cacore/internal/publisher"
	"github.com/remiblancher/cacore/internal/store"
)

var (
	// ErrCATokenOffline is returned when the CA cannot sign. It is the
	// token error, so errors.Is matches either.
	ErrCATokenOffline = cacrypto.ErrTokenOffline

	// ErrNoBaseCRL is returned when a delta CRL is requested for a CA
	// that has no full CRL.
	ErrNoBaseCRL = errors.New("no base CRL for delta CRL")
)

// Config holds the collaborators of an Engine.
type Config struct {
	Store      store.Store
	CAs        *ca.Manager
	Tokens     *cacrypto.TokenRegistry
	Publishers *publisher.Registry
	Authorizer authz.Authorizer
	Audit      audit.Logger
	Log        *logrus.Entry
	Now        func() time.Time
}

// Engine generates, stores and publishes CRLs.
type Engine struct {
	store      store.Store
	cas        *ca.Manager
	tokens     *cacrypto.TokenRegistry
	publishers *publisher.Registry
	authz      authz.Authorizer
	audit      audit.Logger
	log        *logrus.Entry
	now        func() time.Time
}

// NewEngine returns an Engine. A nil publisher registry publishes nowhere.
func NewEngine(cfg Config) *Engine {
	e := &Engine{
		store:      cfg.Store,
		cas:        cfg.CAs,
		tokens:     cfg.Tokens,
		publishers: cfg.Publishers,
		authz:      cfg.Authorizer,
		audit:      cfg.Audit,
		log:        cfg.Log,
		now:        cfg.Now,
	}
	if e.now == nil {
		e.now = time.Now
	}
	if e.publishers == nil {
		e.publishers = publisher.NewRegistry()
	}
	if e.log == nil {
		e.log = logrus.NewEntry(logrus.StandardLogger())
	}
	e.log = e.log.WithField("component", "crl-engine")
	return e
}

// RunConditioned generates a full CRL for c if one is due and reports
// whether it did.
func (e *Engine) RunConditioned(ctx context.Context, admin authz.Admin, c *ca.CA, pad time.Duration) (bool, error) {
	if !e.eligible(c) {
		return false, nil
	}
	due, err := e.fullDue(ctx, c, pad)
	if err != nil || !due {
		return false, err
	}
	return e.generate(ctx, admin, c, false)
}

// RunDeltaConditioned generates a delta CRL for c if one is due and
// reports whether it did.
func (e *Engine) RunDeltaConditioned(ctx context.Context, admin authz.Admin, c *ca.CA, pad time.Duration) (bool, error) {
	if !e.eligible(c) {
		return false, nil
	}
	due, err := e.deltaDue(ctx, c, pad)
	if err != nil || !due {
		return false, err
	}
	return e.generate(ctx, admin, c, true)
}

// ForceCRL generates a full CRL for the CA with caID whether or not one is
// due.
func (e *Engine) ForceCRL(ctx context.Context, admin authz.Admin, caID int32) (bool, error) {
	return e.force(ctx, admin, caID, false)
}

// ForceDeltaCRL generates a delta CRL for the CA with caID whether or not
// one is due.
func (e *Engine) ForceDeltaCRL(ctx context.Context, admin authz.Admin, caID int32) (bool, error) {
	return e.force(ctx, admin, caID, true)
}

func (e *Engine) force(ctx context.Context, admin authz.Admin, caID int32, delta bool) (bool, error) {
	ev := audit.EventCRLCreate
	if delta {
		ev = audit.EventDeltaCRLCreate
	}
	c, found, err := e.cas.LoadCA(ctx, caID)
	if err != nil {
		return false, e.reject(ctx, ev, admin, caID, err, nil)
	}
	if !found {
		return false, e.reject(ctx, ev, admin, caID, &ca.Error{Op: "crl", CAID: caID, Err: ca.ErrCADoesntExist}, nil)
	}
	if !e.eligible(c) {
		return false, nil
	}
	return e.generate(ctx, admin, c, delta)
}

// CreateCRLs runs RunConditioned for each CA in caIDs, or for every CA
// when caIDs is empty, and returns how many CRLs were generated. A CA that
// fails does not stop the others; the failures are returned joined.
func (e *Engine) CreateCRLs(ctx context.Context, admin authz.Admin, caIDs []int32, pad time.Duration) (int, error) {
	return e.bulk(ctx, admin, caIDs, pad, false)
}

// CreateDeltaCRLs is CreateCRLs for delta CRLs.
func (e *Engine) CreateDeltaCRLs(ctx context.Context, admin authz.Admin, caIDs []int32, pad time.Duration) (int, error) {
	return e.bulk(ctx, admin, caIDs, pad, true)
}

func (e *Engine) bulk(ctx context.Context, admin authz.Admin, caIDs []int32, pad time.Duration, delta bool) (int, error) {
	if len(caIDs) == 0 {
		ids, err := e.cas.GetAllCAIDs(ctx)
		if err != nil {
			return 0, err
		}
		caIDs = ids
	}

	var (
		created int
		errs    []error
	)
	for _, id := range caIDs {
		if err := ctx.Err(); err != nil {
			errs = append(errs, err)
			break
		}
		log := e.log.WithFields(logrus.Fields{"ca_id": id, "delta": delta})

		c, found, err := e.cas.LoadCA(ctx, id)
		if err != nil {
			log.WithError(err).Error("failed to load CA for CRL generation")
			errs = append(errs, fmt.Errorf("CA %d: %w", id, err))
			continue
		}
		if !found {
			log.Warn("CA not found, skipping CRL generation")
			continue
		}

		run := e.RunConditioned
		if delta {
			run = e.RunDeltaConditioned
		}
		ok, err := run(ctx, admin, c, pad)
		if err != nil {
			log.WithError(err).Error("CRL generation failed")
			errs = append(errs, fmt.Errorf("CA %s: %w", c.Name(), err))
			continue
		}
		if ok {
			created++
		}
	}
	if created > 0 {
		e.log.WithFields(logrus.Fields{"created": created, "delta": delta}).Info("CRLs created")
	}
	return created, errors.Join(errs...)
}

// PublishCRL hands a stored CRL of c to the CA's publishers. Failures are
// logged and audited but do not undo the CRL.
func (e *Engine) PublishCRL(ctx context.Context, admin authz.Admin, c *ca.CA, der []byte, number int64, delta bool) publisher.Result {
	ids := c.CRL().CRLPublishers
	if len(ids) == 0 {
		return publisher.Result{}
	}
	res := e.publishers.StoreCRL(ctx, ids, publisher.CRL{
		IssuerDN: c.IssuerDN(),
		Number:   number,
		Delta:    delta,
		DER:      der,
	})

	details := map[string]string{
		"crl_number": strconv.FormatInt(number, 10),
		"delta":      strconv.FormatBool(delta),
	}
	result := audit.ResultSuccess
	if err := res.Err(); err != nil {
		result = audit.ResultFailure
		details["error"] = err.Error()
		e.log.WithError(err).WithField("ca", c.Name()).Warn("failed to publish CRL")
	}
	if err := e.audit.Log(ctx, audit.EventCRLStore, result, audit.ModuleCRL, audit.ServiceCore, admin.ID, c.ID(), details); err != nil {
		e.log.WithError(err).Error("failed to write audit event")
	}
	return res
}
