package handler

import (
	"net/http"

	"github.com/remiblancher/cacore/internal/api/dto"
	"github.com/remiblancher/cacore/internal/audit"
)

// AuditHandler handles audit-related HTTP requests.
type AuditHandler struct {
	path string
}

// NewAuditHandler creates a new AuditHandler for the audit log at path.
func NewAuditHandler(path string) *AuditHandler {
	return &AuditHandler{path: path}
}

// Verify handles POST /api/v1/audit/verify
func (h *AuditHandler) Verify(w http.ResponseWriter, r *http.Request) {
	n, err := audit.VerifyChain(h.path)
	resp := dto.AuditVerifyResponse{Valid: err == nil, Events: n}
	if err != nil {
		resp.Error = err.Error()
	}
	respondJSON(w, http.StatusOK, resp)
}
