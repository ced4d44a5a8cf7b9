package handler

import (
	"net/http"

	"github.com/remiblancher/cacore/internal/api/dto"
	apierrors "github.com/remiblancher/cacore/internal/api/errors"
	"github.com/remiblancher/cacore/internal/authz"
	"github.com/remiblancher/cacore/internal/ca"
)

// CAHandler handles CA-related HTTP requests.
type CAHandler struct {
	cas   *ca.Manager
	admin authz.Admin
}

// NewCAHandler creates a new CAHandler.
func NewCAHandler(cas *ca.Manager, admin authz.Admin) *CAHandler {
	return &CAHandler{cas: cas, admin: admin}
}

// List handles GET /api/v1/ca
func (h *CAHandler) List(w http.ResponseWriter, r *http.Request) {
	ids, err := h.cas.GetAvailableCAs(r.Context(), h.admin)
	if err != nil {
		respondMapped(w, err)
		return
	}
	resp := dto.CAListResponse{CAs: make([]dto.CASummary, 0, len(ids))}
	for _, id := range ids {
		c, err := h.cas.GetCA(r.Context(), h.admin, id)
		if err != nil {
			respondMapped(w, err)
			return
		}
		resp.CAs = append(resp.CAs, summarize(c))
	}
	respondJSON(w, http.StatusOK, resp)
}

// Get handles GET /api/v1/ca/{id}
func (h *CAHandler) Get(w http.ResponseWriter, r *http.Request) {
	id, ok := caIDParam(r)
	if !ok {
		respondError(w, http.StatusBadRequest, apierrors.NewBadRequest("CA id must be an integer"))
		return
	}
	c, err := h.cas.GetCA(r.Context(), h.admin, id)
	if err != nil {
		respondMapped(w, err)
		return
	}
	respondJSON(w, http.StatusOK, summarize(c))
}

func summarize(c *ca.CA) dto.CASummary {
	info := c.Info()
	s := dto.CASummary{
		ID:            info.ID,
		Name:          info.Name,
		SubjectDN:     info.SubjectDN,
		Status:        string(info.Status),
		ExpireTime:    info.ExpireTime,
		Fingerprint:   c.Fingerprint(),
		CRLPeriod:     info.CRL.CRLPeriod.String(),
		KeyValidators: info.KeyValidators,
	}
	if info.CRL.DeltaCRLPeriod > 0 {
		s.DeltaCRLPeriod = info.CRL.DeltaCRLPeriod.String()
	}
	return s
}
