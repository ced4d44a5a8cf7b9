// Package keyvalidator checks the public key of a certificate request
// against the key validators configured on the issuing CA.
//
// A validator is one of a closed set of kinds (RSA, ECC, post-quantum,
// blocklist). Each carries the common Base settings that decide whether it
// applies to a request, and a FailedAction that decides what a failed
// check does: log at some level, do nothing, or abort issuance.
package keyvalidator

import (
	"context"
	"crypto"
	"fmt"
	"time"
)

// Kind identifies the concrete validator type in serialized form.
type Kind string

const (
	KindRSA       Kind = "rsa_key_validator"
	KindECC       Kind = "ecc_key_validator"
	KindPQC       Kind = "pqc_key_validator"
	KindBlocklist Kind = "blocklist_key_validator"
)

// FailedAction is what a failed validation does.
type FailedAction string

const (
	ActionDoNothing FailedAction = "do_nothing"
	ActionLogInfo   FailedAction = "log_info"
	ActionLogWarn   FailedAction = "log_warn"
	ActionLogError  FailedAction = "log_error"
	ActionAbort     FailedAction = "abort_certificate_issuance"
)

func (a FailedAction) valid() bool {
	switch a {
	case ActionDoNothing, ActionLogInfo, ActionLogWarn, ActionLogError, ActionAbort:
		return true
	}
	return false
}

// DateOperator compares a certificate validity bound to a fixed date.
type DateOperator string

const (
	LessThan       DateOperator = "less_than"
	LessOrEqual    DateOperator = "less_or_equal"
	GreaterThan    DateOperator = "greater_than"
	GreaterOrEqual DateOperator = "greater_or_equal"
)

// DateCondition filters requests on one bound of the certificate validity.
type DateCondition struct {
	Enabled  bool         `xml:"enabled"`
	Operator DateOperator `xml:"operator,omitempty"`
	Date     time.Time    `xml:"date"`
}

// Matches reports whether t satisfies the condition. A disabled condition
// matches everything.
func (c DateCondition) Matches(t time.Time) bool {
	if !c.Enabled {
		return true
	}
	switch c.Operator {
	case LessThan:
		return t.Before(c.Date)
	case LessOrEqual:
		return !t.After(c.Date)
	case GreaterThan:
		return t.After(c.Date)
	case GreaterOrEqual:
		return !t.Before(c.Date)
	default:
		return false
	}
}

func (c DateCondition) validate() error {
	if !c.Enabled {
		return nil
	}
	switch c.Operator {
	case LessThan, LessOrEqual, GreaterThan, GreaterOrEqual:
		return nil
	}
	return fmt.Errorf("unknown date operator %q", c.Operator)
}

// Base holds the settings shared by every validator kind.
type Base struct {
	ID          int    `xml:"id"`
	Name        string `xml:"name"`
	Kind        Kind   `xml:"-"`
	Description string `xml:"description,omitempty"`

	// AllCertificateProfileIDs applies the validator to every profile.
	AllCertificateProfileIDs bool  `xml:"allCertificateProfileIds"`
	CertificateProfileIDs    []int `xml:"certificateProfileIds>id"`

	NotBefore DateCondition `xml:"notBeforeCondition"`
	NotAfter  DateCondition `xml:"notAfterCondition"`

	FailedAction FailedAction `xml:"failedAction"`
}

// Common returns the shared settings.
func (b *Base) Common() *Base { return b }

// Before and After are no-ops unless a kind overrides them.
func (b *Base) Before(context.Context) error { return nil }
func (b *Base) After(context.Context)        {}

// AppliesToProfile reports whether requests of the certificate profile
// are checked.
func (b *Base) AppliesToProfile(profileID int) bool {
	if b.AllCertificateProfileIDs {
		return true
	}
	for _, id := range b.CertificateProfileIDs {
		if id == profileID {
			return true
		}
	}
	return false
}

// MatchesValidity applies the not-before and not-after conditions to the
// validity window of the certificate to be issued.
func (b *Base) MatchesValidity(notBefore, notAfter time.Time) bool {
	return b.NotBefore.Matches(notBefore) && b.NotAfter.Matches(notAfter)
}

func (b *Base) validate() error {
	if b.Name == "" {
		return fmt.Errorf("name is required")
	}
	// Empty means abort.
	if b.FailedAction != "" && !b.FailedAction.valid() {
		return fmt.Errorf("unknown failed action %q", b.FailedAction)
	}
	if err := b.NotBefore.validate(); err != nil {
		return fmt.Errorf("not before condition: %w", err)
	}
	if err := b.NotAfter.validate(); err != nil {
		return fmt.Errorf("not after condition: %w", err)
	}
	return nil
}

// Validator is one configured key check.
type Validator interface {
	Common() *Base
	// Before runs ahead of Validate.
	Before(ctx context.Context) error
	// Validate returns one message per failed check. Keys of a type the
	// validator does not handle pass.
	Validate(ctx context.Context, pub crypto.PublicKey) ([]string, error)
	// After always runs, even if Before or Validate fails.
	After(ctx context.Context)
}

// newOfKind returns an empty validator of kind k.
func newOfKind(k Kind) (Validator, error) {
	switch k {
	case KindRSA:
		return &RSAValidator{Base: Base{Kind: KindRSA}}, nil
	case KindECC:
		return &ECCValidator{Base: Base{Kind: KindECC}}, nil
	case KindPQC:
		return &PQCValidator{Base: Base{Kind: KindPQC}}, nil
	case KindBlocklist:
		return &BlocklistValidator{Base: Base{Kind: KindBlocklist}}, nil
	default:
		return nil, fmt.Errorf("unknown key validator type %q", k)
	}
}

// kindOf returns the kind of a concrete validator.
func kindOf(v Validator) (Kind, error) {
	switch v.(type) {
	case *RSAValidator:
		return KindRSA, nil
	case *ECCValidator:
		return KindECC, nil
	case *PQCValidator:
		return KindPQC, nil
	case *BlocklistValidator:
		return KindBlocklist, nil
	default:
		return "", fmt.Errorf("unsupported key validator %T", v)
	}
}

// clone returns a deep copy through the serialized form.
func clone(v Validator) (Validator, error) {
	data, err := Encode(v)
	if err != nil {
		return nil, err
	}
	return Decode(data)
}
