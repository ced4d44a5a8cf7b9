package handler

import (
	"net/http"
	"strconv"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/remiblancher/cacore/internal/api/dto"
	apierrors "github.com/remiblancher/cacore/internal/api/errors"
	"github.com/remiblancher/cacore/internal/authz"
	"github.com/remiblancher/cacore/internal/ca"
	"github.com/remiblancher/cacore/internal/crl"
)

// CRLHandler serves stored CRLs and forces new ones.
type CRLHandler struct {
	cas   *ca.Manager
	crls  *crl.Engine
	admin authz.Admin
	log   *logrus.Entry
	now   func() time.Time
}

// NewCRLHandler creates a new CRLHandler acting as admin on the
// authenticated routes.
func NewCRLHandler(cas *ca.Manager, crls *crl.Engine, admin authz.Admin, log *logrus.Entry, now func() time.Time) *CRLHandler {
	if now == nil {
		now = time.Now
	}
	return &CRLHandler{cas: cas, crls: crls, admin: admin, log: log, now: now}
}

// Full handles GET /crl/{id}: the DER of the last full CRL.
func (h *CRLHandler) Full(w http.ResponseWriter, r *http.Request) {
	h.distribute(w, r, false)
}

// Delta handles GET /crl/{id}/delta: the DER of the last delta CRL.
func (h *CRLHandler) Delta(w http.ResponseWriter, r *http.Request) {
	h.distribute(w, r, true)
}

func (h *CRLHandler) distribute(w http.ResponseWriter, r *http.Request, delta bool) {
	id, ok := caIDParam(r)
	if !ok {
		respondError(w, http.StatusBadRequest, apierrors.NewBadRequest("CA id must be an integer"))
		return
	}
	// Distribution points are public.
	c, found, err := h.cas.LoadCA(r.Context(), id)
	if err != nil {
		h.log.WithError(err).WithField("ca_id", id).Error("failed to load CA")
		respondMapped(w, err)
		return
	}
	if !found {
		respondError(w, http.StatusNotFound, apierrors.NewNotFound("CA", strconv.Itoa(int(id))))
		return
	}
	der, found, err := h.crls.GetLastCRL(r.Context(), c.IssuerDN(), delta)
	if err != nil {
		h.log.WithError(err).WithField("ca_id", id).Error("failed to read CRL")
		respondMapped(w, err)
		return
	}
	if !found {
		respondError(w, http.StatusNotFound, apierrors.NewNotFound("CRL", strconv.Itoa(int(id))))
		return
	}

	w.Header().Set("Content-Type", "application/pkix-crl")
	w.Header().Set("Content-Length", strconv.Itoa(len(der)))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(der)
}

// List handles GET /api/v1/ca/{id}/crl
func (h *CRLHandler) List(w http.ResponseWriter, r *http.Request) {
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
	infos, err := h.crls.ListCRLInfo(r.Context(), c.IssuerDN())
	if err != nil {
		respondMapped(w, err)
		return
	}

	now := h.now()
	resp := dto.CRLListResponse{CAID: c.ID(), CRLs: make([]dto.CRLInfo, 0, len(infos))}
	for _, info := range infos {
		item := dto.CRLInfo{
			Fingerprint: info.Fingerprint,
			Number:      info.Number,
			Delta:       info.Delta,
			ThisUpdate:  info.ThisUpdate,
			NextUpdate:  info.NextUpdate,
			Entries:     info.Entries,
			Expired:     info.Expired(now),
		}
		if info.Delta {
			item.BaseNumber = info.BaseNumber
		}
		resp.CRLs = append(resp.CRLs, item)
	}
	respondJSON(w, http.StatusOK, resp)
}

// Generate handles POST /api/v1/ca/{id}/crl
func (h *CRLHandler) Generate(w http.ResponseWriter, r *http.Request) {
	id, ok := caIDParam(r)
	if !ok {
		respondError(w, http.StatusBadRequest, apierrors.NewBadRequest("CA id must be an integer"))
		return
	}
	var req dto.CRLGenerateRequest
	if err := decodeOptional(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, apierrors.NewBadRequest("Invalid JSON request body"))
		return
	}

	var generated bool
	var err error
	if req.Delta {
		generated, err = h.crls.ForceDeltaCRL(r.Context(), h.admin, id)
	} else {
		generated, err = h.crls.ForceCRL(r.Context(), h.admin, id)
	}
	if err != nil {
		respondMapped(w, err)
		return
	}

	resp := dto.CRLGenerateResponse{Generated: generated}
	if generated {
		c, err := h.cas.GetCA(r.Context(), h.admin, id)
		if err != nil {
			respondMapped(w, err)
			return
		}
		resp.Number, err = h.crls.GetLastCRLNumber(r.Context(), c.IssuerDN(), req.Delta)
		if err != nil {
			respondMapped(w, err)
			return
		}
	}
	status := http.StatusCreated
	if !generated {
		status = http.StatusConflict
	}
	respondJSON(w, status, resp)
}
