package extension

import (
	"crypto"
	"encoding/asn1"
	"fmt"

	"github.com/remiblancher/cacore/internal/profile"
)

var (
	oidCPSQualifier        = asn1.ObjectIdentifier{1, 3, 6, 1, 5, 5, 7, 2, 1}
	oidUserNoticeQualifier = asn1.ObjectIdentifier{1, 3, 6, 1, 5, 5, 7, 2, 2}
)

type policyInformation struct {
	PolicyIdentifier asn1.ObjectIdentifier
	PolicyQualifiers []policyQualifierInfo `asn1:"optional"`
}

type policyQualifierInfo struct {
	PolicyQualifierID asn1.ObjectIdentifier
	Qualifier         asn1.RawValue
}

// userNotice carries only explicitText; noticeRef is deprecated.
type userNotice struct {
	ExplicitText string `asn1:"utf8"`
}

type certificatePolicies struct {
	critical bool
	cfg      *profile.CertificatePoliciesConfig
}

func (e *certificatePolicies) Init(p *profile.Profile) {
	e.cfg = p.Ext().CertificatePolicies
	if e.cfg != nil {
		e.critical = e.cfg.IsCritical()
	}
}

func (e *certificatePolicies) OID() asn1.ObjectIdentifier { return OIDCertificatePolicies }
func (e *certificatePolicies) Critical() bool             { return e.critical }

func (e *certificatePolicies) Value(*profile.EndEntity, Issuer, *profile.Profile, crypto.PublicKey, crypto.PublicKey) (Result, error) {
	if e.cfg == nil || len(e.cfg.Policies) == 0 {
		return Absent(), nil
	}

	policies := make([]policyInformation, 0, len(e.cfg.Policies))
	for _, p := range e.cfg.Policies {
		oid, err := profile.ParseOID(p.OID)
		if err != nil {
			return Result{}, fmt.Errorf("invalid policy OID %s: %w", p.OID, err)
		}
		policy := policyInformation{PolicyIdentifier: oid}

		if p.CPS != "" {
			cps, err := asn1.MarshalWithParams(p.CPS, "ia5")
			if err != nil {
				return Result{}, fmt.Errorf("failed to marshal CPS: %w", err)
			}
			policy.PolicyQualifiers = append(policy.PolicyQualifiers, policyQualifierInfo{
				PolicyQualifierID: oidCPSQualifier,
				Qualifier:         asn1.RawValue{FullBytes: cps},
			})
		}
		if p.UserNotice != "" {
			notice, err := asn1.Marshal(userNotice{ExplicitText: p.UserNotice})
			if err != nil {
				return Result{}, fmt.Errorf("failed to marshal user notice: %w", err)
			}
			policy.PolicyQualifiers = append(policy.PolicyQualifiers, policyQualifierInfo{
				PolicyQualifierID: oidUserNoticeQualifier,
				Qualifier:         asn1.RawValue{FullBytes: notice},
			})
		}
		policies = append(policies, policy)
	}

	der, err := asn1.Marshal(policies)
	if err != nil {
		return Result{}, fmt.Errorf("failed to marshal policies: %w", err)
	}
	return present(der), nil
}
