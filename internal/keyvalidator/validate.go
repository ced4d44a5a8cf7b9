package keyvalidator

import (
	"context"
	"crypto"
	"fmt"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/remiblancher/cacore/internal/ca"
	"github.com/remiblancher/cacore/internal/profile"
)

// ValidatePublicKey runs the key validators of c, in the CA's order,
// against the public key of a certificate about to be issued with the
// given validity. Validators that do not apply to the certificate profile
// or whose date conditions do not match the validity are skipped.
//
// It returns true when no validator failed. A failure whose action is a
// log level or do_nothing makes the result false and processing goes on;
// a failure with abort_certificate_issuance returns ErrKeyValidationFailed.
func (m *Manager) ValidatePublicKey(ctx context.Context, c *ca.CA, ee *profile.EndEntity, p *profile.Profile, notBefore, notAfter time.Time, pub crypto.PublicKey) (bool, error) {
	profileID := 0
	switch {
	case p != nil:
		profileID = p.ID
	case ee != nil:
		profileID = ee.CertificateProfileID
	}

	log := m.log.WithFields(logrus.Fields{"ca_id": c.ID(), "profile_id": profileID})
	if ee != nil {
		log = log.WithField("username", ee.Username)
	}

	var validators []Validator
	for _, id := range c.KeyValidators() {
		v, found, err := m.load(ctx, id)
		if err != nil {
			return false, fmt.Errorf("key validator %d: %w", id, err)
		}
		if !found {
			log.WithField("validator_id", id).Warn("CA refers to a key validator that does not exist")
			continue
		}
		validators = append(validators, v)
	}
	return evaluate(ctx, log, validators, profileID, notBefore, notAfter, pub)
}

// evaluate runs validators in order and applies their failed actions.
func evaluate(ctx context.Context, log *logrus.Entry, validators []Validator, profileID int, notBefore, notAfter time.Time, pub crypto.PublicKey) (bool, error) {
	result := true
	for _, v := range validators {
		b := v.Common()
		vlog := log.WithFields(logrus.Fields{"validator_id": b.ID, "validator": b.Name})

		if !b.AppliesToProfile(profileID) {
			vlog.Debug("key validator does not apply to certificate profile")
			continue
		}
		if !b.MatchesValidity(notBefore, notAfter) {
			vlog.Debug("key validator date conditions do not match certificate validity")
			continue
		}

		msgs, err := run(ctx, v, pub)
		if err != nil {
			return false, fmt.Errorf("key validator %s: %w", b.Name, err)
		}
		if len(msgs) == 0 {
			vlog.Debug("key validation passed")
			continue
		}

		result = false
		text := strings.Join(msgs, "; ")
		switch b.FailedAction {
		case ActionDoNothing:
		case ActionLogInfo:
			vlog.Info("key validation failed: " + text)
		case ActionLogWarn:
			vlog.Warn("key validation failed: " + text)
		case ActionLogError:
			vlog.Error("key validation failed: " + text)
		default:
			vlog.Error("key validation failed, aborting issuance: " + text)
			return false, fmt.Errorf("%w: %s: %s", ErrKeyValidationFailed, b.Name, text)
		}
	}
	return result, nil
}

// run calls the hooks around Validate. After runs on every exit path,
// including a failed Before and a panic in Validate.
func run(ctx context.Context, v Validator, pub crypto.PublicKey) ([]string, error) {
	defer v.After(ctx)
	if err := v.Before(ctx); err != nil {
		return nil, fmt.Errorf("before: %w", err)
	}
	return v.Validate(ctx, pub)
}
