// Package errors provides error handling and HTTP status code mapping.
package errors

import (
	"errors"
	"net/http"
	"strings"

	"github.com/remiblancher/cacore/internal/api/dto"
	"github.com/remiblancher/cacore/internal/authz"
	"github.com/remiblancher/cacore/internal/ca"
	"github.com/remiblancher/cacore/internal/crl"
	"github.com/remiblancher/cacore/internal/issuance"
	"github.com/remiblancher/cacore/internal/keyvalidator"
	"github.com/remiblancher/cacore/internal/store"
)

// Error codes for API responses.
const (
	CodeInvalidRequest   = "INVALID_REQUEST"
	CodeNotFound         = "NOT_FOUND"
	CodeUnauthorized     = "UNAUTHORIZED"
	CodeForbidden        = "FORBIDDEN"
	CodeInternal         = "INTERNAL_ERROR"
	CodeCANotFound       = "CA_NOT_FOUND"
	CodeCAExists         = "CA_EXISTS"
	CodeCANotActive      = "CA_NOT_ACTIVE"
	CodeTokenOffline     = "CA_TOKEN_OFFLINE"
	CodeNoBaseCRL        = "NO_BASE_CRL"
	CodeCertNotFound     = "CERT_NOT_FOUND"
	CodeCertRevoked      = "CERT_REVOKED"
	CodeCertNotOnHold    = "CERT_NOT_ON_HOLD"
	CodeInvalidReason    = "INVALID_REVOCATION_REASON"
	CodeProfileNotFound  = "PROFILE_NOT_FOUND"
	CodeInvalidValidity  = "INVALID_VALIDITY"
	CodeKeyValidation    = "KEY_VALIDATION_FAILED"
	CodeConflict         = "CONCURRENT_MODIFICATION"
	CodeValidatorMissing = "KEY_VALIDATOR_NOT_FOUND"
)

type mapping struct {
	target error
	status int
	code   string
}

// Checked in order; the first match wins.
var mappings = []mapping{
	{authz.ErrAuthorizationDenied, http.StatusForbidden, CodeForbidden},
	{ca.ErrCADoesntExist, http.StatusNotFound, CodeCANotFound},
	{ca.ErrCAExists, http.StatusConflict, CodeCAExists},
	{ca.ErrInvalidCAInfo, http.StatusBadRequest, CodeInvalidRequest},
	{issuance.ErrCANotActive, http.StatusConflict, CodeCANotActive},
	{crl.ErrCATokenOffline, http.StatusServiceUnavailable, CodeTokenOffline},
	{crl.ErrNoBaseCRL, http.StatusConflict, CodeNoBaseCRL},
	{issuance.ErrCertificateNotFound, http.StatusNotFound, CodeCertNotFound},
	{issuance.ErrAlreadyRevoked, http.StatusConflict, CodeCertRevoked},
	{issuance.ErrNotOnHold, http.StatusConflict, CodeCertNotOnHold},
	{issuance.ErrInvalidReason, http.StatusBadRequest, CodeInvalidReason},
	{issuance.ErrUnknownProfile, http.StatusNotFound, CodeProfileNotFound},
	{issuance.ErrInvalidValidity, http.StatusBadRequest, CodeInvalidValidity},
	{issuance.ErrIncompleteRequest, http.StatusBadRequest, CodeInvalidRequest},
	{keyvalidator.ErrKeyValidationFailed, http.StatusUnprocessableEntity, CodeKeyValidation},
	{keyvalidator.ErrKeyValidatorDoesntExist, http.StatusNotFound, CodeValidatorMissing},
	{store.ErrConcurrentModification, http.StatusConflict, CodeConflict},
}

// MapError maps an internal error to an HTTP status code and APIError.
func MapError(err error) (int, *dto.APIError) {
	if err == nil {
		return http.StatusOK, nil
	}

	for _, m := range mappings {
		if errors.Is(err, m.target) {
			return m.status, &dto.APIError{
				Code:    m.code,
				Message: err.Error(),
			}
		}
	}

	// Check for ca.Error with operation context
	var caErr *ca.Error
	if errors.As(err, &caErr) {
		return http.StatusInternalServerError, &dto.APIError{
			Code:    "CA_" + strings.ToUpper(caErr.Op) + "_ERROR",
			Message: caErr.Error(),
			Details: map[string]string{"operation": caErr.Op},
		}
	}

	// Default internal error
	return http.StatusInternalServerError, &dto.APIError{
		Code:    CodeInternal,
		Message: "An internal error occurred",
	}
}

// NewBadRequest creates a bad request error.
func NewBadRequest(message string) *dto.APIError {
	return &dto.APIError{
		Code:    CodeInvalidRequest,
		Message: message,
	}
}

// NewNotFound creates a not found error.
func NewNotFound(resource, id string) *dto.APIError {
	return &dto.APIError{
		Code:    CodeNotFound,
		Message: resource + " not found",
		Details: map[string]string{"id": id},
	}
}
