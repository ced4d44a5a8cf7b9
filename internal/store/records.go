package store

import (
	"fmt"
	"strings"
	"time"
)

// CARecord is one row of the CA table. Data holds the serialized CA
// info owned by package ca.
type CARecord struct {
	ID         int32     `json:"id"`
	Name       string    `json:"name"`
	SubjectDN  string    `json:"subject_dn"`
	Status     string    `json:"status"`
	ExpireTime time.Time `json:"expire_time"`
	UpdateTime time.Time `json:"update_time"`
	Data       []byte    `json:"data"`
	Version    int64     `json:"version"`
}

// CertificateStatus is the lifecycle state of an issued certificate.
type CertificateStatus string

const (
	CertStatusActive                  CertificateStatus = "active"
	CertStatusNotifiedAboutExpiration CertificateStatus = "notified_about_expiration"
	CertStatusRevoked                 CertificateStatus = "revoked"
	CertStatusArchived                CertificateStatus = "archived"
)

// CertificateType distinguishes leaf from CA certificates.
type CertificateType string

const (
	CertTypeEndEntity CertificateType = "end_entity"
	CertTypeSubCA     CertificateType = "sub_ca"
	CertTypeRootCA    CertificateType = "root_ca"
)

// RevocationReason is the RFC 5280 CRLReason code.
type RevocationReason int

const (
	ReasonNotRevoked           RevocationReason = -1
	ReasonUnspecified          RevocationReason = 0
	ReasonKeyCompromise        RevocationReason = 1
	ReasonCACompromise         RevocationReason = 2
	ReasonAffiliationChanged   RevocationReason = 3
	ReasonSuperseded           RevocationReason = 4
	ReasonCessationOfOperation RevocationReason = 5
	ReasonCertificateHold      RevocationReason = 6
	ReasonRemoveFromCRL        RevocationReason = 8
	ReasonPrivilegeWithdrawn   RevocationReason = 9
	ReasonAACompromise         RevocationReason = 10
)

// String returns the RFC 5280 name of the reason.
func (r RevocationReason) String() string {
	switch r {
	case ReasonNotRevoked:
		return "notRevoked"
	case ReasonUnspecified:
		return "unspecified"
	case ReasonKeyCompromise:
		return "keyCompromise"
	case ReasonCACompromise:
		return "caCompromise"
	case ReasonAffiliationChanged:
		return "affiliationChanged"
	case ReasonSuperseded:
		return "superseded"
	case ReasonCessationOfOperation:
		return "cessationOfOperation"
	case ReasonCertificateHold:
		return "certificateHold"
	case ReasonRemoveFromCRL:
		return "removeFromCRL"
	case ReasonPrivilegeWithdrawn:
		return "privilegeWithdrawn"
	case ReasonAACompromise:
		return "aaCompromise"
	default:
		return fmt.Sprintf("unknown(%d)", int(r))
	}
}

// ParseRevocationReason parses a reason name as accepted on the CLI.
func ParseRevocationReason(s string) (RevocationReason, error) {
	switch strings.ToLower(s) {
	case "unspecified", "":
		return ReasonUnspecified, nil
	case "keycompromise", "key-compromise":
		return ReasonKeyCompromise, nil
	case "cacompromise", "ca-compromise":
		return ReasonCACompromise, nil
	case "affiliationchanged", "affiliation-changed":
		return ReasonAffiliationChanged, nil
	case "superseded":
		return ReasonSuperseded, nil
	case "cessationofoperation", "cessation":
		return ReasonCessationOfOperation, nil
	case "certificatehold", "hold":
		return ReasonCertificateHold, nil
	case "privilegewithdrawn":
		return ReasonPrivilegeWithdrawn, nil
	case "aacompromise":
		return ReasonAACompromise, nil
	default:
		return 0, fmt.Errorf("unknown revocation reason: %s", s)
	}
}

// CertificateRecord is one row of the certificate table, keyed by the
// hex SHA-1 fingerprint of the DER certificate.
type CertificateRecord struct {
	Fingerprint          string            `json:"fingerprint"`
	IssuerDN             string            `json:"issuer_dn"`
	CAFingerprint        string            `json:"ca_fingerprint"`
	SerialNumber         string            `json:"serial_number"` // lower-case hex
	SubjectDN            string            `json:"subject_dn"`
	Status               CertificateStatus `json:"status"`
	Type                 CertificateType   `json:"type"`
	CertificateProfileID int               `json:"certificate_profile_id"`
	RevocationReason     RevocationReason  `json:"revocation_reason"`
	RevocationDate       time.Time         `json:"revocation_date,omitzero"`
	ExpireDate           time.Time         `json:"expire_date"`
	UpdateTime           time.Time         `json:"update_time"`
	Tag                  string            `json:"tag,omitempty"`
	Username             string            `json:"username,omitempty"`
	Encoded              []byte            `json:"encoded,omitempty"`
	Version              int64             `json:"version"`
}

// IsRevoked reports whether the certificate currently belongs on a CRL.
func (r *CertificateRecord) IsRevoked() bool {
	return r.Status == CertStatusRevoked
}

// CRLRecord is one row of the append-only CRL table.
type CRLRecord struct {
	Fingerprint   string `json:"fingerprint"`
	IssuerDN      string `json:"issuer_dn"`
	CAFingerprint string `json:"ca_fingerprint"`
	CRLNumber     int64  `json:"crl_number"`
	// DeltaCRLIndicator is -1 for a full CRL and the base CRL number for a delta CRL.
	DeltaCRLIndicator int64     `json:"delta_crl_indicator"`
	ThisUpdate        time.Time `json:"this_update"`
	NextUpdate        time.Time `json:"next_update"`
	Encoded           []byte    `json:"encoded"`
}

// IsDelta reports whether the record is a delta CRL.
func (r *CRLRecord) IsDelta() bool {
	return r.DeltaCRLIndicator >= 0
}

// ValidatorRecord is one row of the key validator table. Data is the
// XML serialization owned by package keyvalidator.
type ValidatorRecord struct {
	ID         int       `json:"id"`
	Name       string    `json:"name"`
	Type       string    `json:"type"`
	Data       []byte    `json:"data"`
	UpdateTime time.Time `json:"update_time"`
	Version    int64     `json:"version"`
}
