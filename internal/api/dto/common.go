// Package dto provides Data Transfer Objects for the REST API.
package dto

import "time"

// APIError represents a standardized error response.
type APIError struct {
	// Code is a machine-readable error code.
	Code string `json:"code"`

	// Message is a human-readable error message.
	Message string `json:"message"`

	// Details provides additional context about the error.
	Details map[string]string `json:"details,omitempty"`
}

// HealthResponse represents the health check response.
type HealthResponse struct {
	// Status is "ok" or "degraded".
	Status string `json:"status"`

	// Version is the server version.
	Version string `json:"version"`

	// Node is the cluster node id of this server.
	Node string `json:"node,omitempty"`
}

// ReadyResponse represents the readiness check response.
type ReadyResponse struct {
	// Ready indicates if the server is ready to accept requests.
	Ready bool `json:"ready"`

	// Checks lists individual readiness checks.
	Checks map[string]bool `json:"checks,omitempty"`
}

// CASummary describes one CA.
type CASummary struct {
	ID          int32     `json:"id"`
	Name        string    `json:"name"`
	SubjectDN   string    `json:"subject_dn"`
	Status      string    `json:"status"`
	ExpireTime  time.Time `json:"expire_time,omitzero"`
	Fingerprint string    `json:"fingerprint,omitempty"`

	CRLPeriod      string `json:"crl_period"`
	DeltaCRLPeriod string `json:"delta_crl_period,omitempty"`
	KeyValidators  []int  `json:"key_validators,omitempty"`
}

// CAListResponse lists the CAs visible to the caller.
type CAListResponse struct {
	CAs []CASummary `json:"cas"`
}

// CRLInfo describes a stored CRL.
type CRLInfo struct {
	Fingerprint string    `json:"fingerprint"`
	Number      int64     `json:"number"`
	Delta       bool      `json:"delta"`
	BaseNumber  int64     `json:"base_number,omitempty"`
	ThisUpdate  time.Time `json:"this_update"`
	NextUpdate  time.Time `json:"next_update"`
	Entries     int       `json:"entries"`
	Expired     bool      `json:"expired"`
}

// CRLListResponse lists the CRLs of a CA, newest first.
type CRLListResponse struct {
	CAID int32     `json:"ca_id"`
	CRLs []CRLInfo `json:"crls"`
}

// CRLGenerateRequest asks for a CRL regardless of schedule.
type CRLGenerateRequest struct {
	Delta bool `json:"delta,omitempty"`
}

// CRLGenerateResponse reports a forced CRL.
type CRLGenerateResponse struct {
	// Generated is false when another node stored the same CRL number
	// first.
	Generated bool  `json:"generated"`
	Number    int64 `json:"number,omitempty"`
}

// SANRequest is one requested subject alternative name.
type SANRequest struct {
	// Kind is dns, email, ip or uri.
	Kind  string `json:"kind"`
	Value string `json:"value"`
}

// CertIssueRequest asks a CA for an end-entity certificate.
type CertIssueRequest struct {
	Username  string       `json:"username,omitempty"`
	SubjectDN string       `json:"subject_dn"`
	SAN       []SANRequest `json:"san,omitempty"`
	Email     string       `json:"email,omitempty"`
	ProfileID int          `json:"profile_id,omitempty"`

	// PublicKey is a PEM "PUBLIC KEY" block.
	PublicKey string `json:"public_key"`

	NotBefore time.Time `json:"not_before,omitzero"`
	NotAfter  time.Time `json:"not_after,omitzero"`
}

// CertIssueResponse returns the issued certificate.
type CertIssueResponse struct {
	Serial      string    `json:"serial"`
	NotBefore   time.Time `json:"not_before"`
	NotAfter    time.Time `json:"not_after"`
	Certificate string    `json:"certificate"` // PEM
}

// RevokeRequest revokes a certificate.
type RevokeRequest struct {
	// Reason is an RFC 5280 reason name such as keyCompromise or
	// certificateHold. Empty means unspecified.
	Reason string `json:"reason,omitempty"`
}

// CertStatusResponse reports the revocation state after a change.
type CertStatusResponse struct {
	Serial string `json:"serial"`
	Status string `json:"status"`
	Reason string `json:"reason,omitempty"`
}

// ProfileSummary describes a certificate profile.
type ProfileSummary struct {
	ID          int    `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	Type        string `json:"type"`
	Validity    string `json:"validity"`
}

// ProfileListResponse lists the loaded profiles.
type ProfileListResponse struct {
	Profiles []ProfileSummary `json:"profiles"`
}

// CacheClearRequest asks every node to flush its caches.
type CacheClearRequest struct {
	// Scope is all, ca or keyvalidator. Empty means all.
	Scope  string `json:"scope,omitempty"`
	Reason string `json:"reason,omitempty"`
}

// CacheClearResponse reports a flush.
type CacheClearResponse struct {
	Scope string `json:"scope"`
	Node  string `json:"node"`
}

// AuditVerifyResponse reports an audit chain verification.
type AuditVerifyResponse struct {
	Valid  bool   `json:"valid"`
	Events int    `json:"events"`
	Error  string `json:"error,omitempty"`
}
