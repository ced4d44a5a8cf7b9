package errors

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/remiblancher/cacore/internal/authz"
	"github.com/remiblancher/cacore/internal/ca"
	"github.com/remiblancher/cacore/internal/crl"
	"github.com/remiblancher/cacore/internal/issuance"
)

func TestU_MapError(t *testing.T) {
	tests := []struct {
		name   string
		err    error
		status int
		code   string
	}{
		{"nil", nil, http.StatusOK, ""},
		{"denied inside ca error", &ca.Error{Op: "get", CAID: 3, Err: authz.ErrAuthorizationDenied}, http.StatusForbidden, CodeForbidden},
		{"missing CA", &ca.Error{Op: "get", Err: ca.ErrCADoesntExist}, http.StatusNotFound, CodeCANotFound},
		{"token offline", fmt.Errorf("sign: %w", crl.ErrCATokenOffline), http.StatusServiceUnavailable, CodeTokenOffline},
		{"already revoked", issuance.ErrAlreadyRevoked, http.StatusConflict, CodeCertRevoked},
		{"bad reason", issuance.ErrInvalidReason, http.StatusBadRequest, CodeInvalidReason},
		{"other ca error", &ca.Error{Op: "edit", Err: errors.New("boom")}, http.StatusInternalServerError, "CA_EDIT_ERROR"},
		{"unknown", errors.New("boom"), http.StatusInternalServerError, CodeInternal},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			status, apiErr := MapError(tt.err)
			assert.Equal(t, tt.status, status)
			if tt.code == "" {
				assert.Nil(t, apiErr)
				return
			}
			assert.Equal(t, tt.code, apiErr.Code)
		})
	}
}

func TestU_MapError_HidesInternalMessage(t *testing.T) {
	_, apiErr := MapError(errors.New("dial tcp 10.0.0.1:3306: refused"))
	assert.NotContains(t, apiErr.Message, "10.0.0.1")
}
