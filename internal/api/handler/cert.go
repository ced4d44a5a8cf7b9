package handler

import (
	"crypto/x509"
	"encoding/pem"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/remiblancher/cacore/internal/api/dto"
	apierrors "github.com/remiblancher/cacore/internal/api/errors"
	"github.com/remiblancher/cacore/internal/authz"
	"github.com/remiblancher/cacore/internal/ca"
	"github.com/remiblancher/cacore/internal/issuance"
	"github.com/remiblancher/cacore/internal/profile"
	"github.com/remiblancher/cacore/internal/store"
)

// CertHandler issues and revokes end-entity certificates.
type CertHandler struct {
	cas   *ca.Manager
	certs *issuance.Service
	admin authz.Admin
}

// NewCertHandler creates a new CertHandler.
func NewCertHandler(cas *ca.Manager, certs *issuance.Service, admin authz.Admin) *CertHandler {
	return &CertHandler{cas: cas, certs: certs, admin: admin}
}

// Issue handles POST /api/v1/ca/{id}/certs
func (h *CertHandler) Issue(w http.ResponseWriter, r *http.Request) {
	id, ok := caIDParam(r)
	if !ok {
		respondError(w, http.StatusBadRequest, apierrors.NewBadRequest("CA id must be an integer"))
		return
	}
	var req dto.CertIssueRequest
	if err := decodeOptional(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, apierrors.NewBadRequest("Invalid JSON request body"))
		return
	}
	if req.SubjectDN == "" {
		respondError(w, http.StatusBadRequest, apierrors.NewBadRequest("subject_dn is required"))
		return
	}
	block, _ := pem.Decode([]byte(req.PublicKey))
	if block == nil || block.Type != "PUBLIC KEY" {
		respondError(w, http.StatusBadRequest, apierrors.NewBadRequest("public_key must be a PEM PUBLIC KEY block"))
		return
	}
	pub, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		respondError(w, http.StatusBadRequest, apierrors.NewBadRequest("invalid public key: "+err.Error()))
		return
	}

	ee := &profile.EndEntity{
		Username:             req.Username,
		SubjectDN:            req.SubjectDN,
		Email:                req.Email,
		CertificateProfileID: req.ProfileID,
	}
	if ee.CertificateProfileID == 0 {
		ee.CertificateProfileID = profile.EndEntityProfileID
	}
	for _, san := range req.SAN {
		ee.SubjectAltName = append(ee.SubjectAltName, profile.SANEntry{Kind: profile.SANKind(san.Kind), Value: san.Value})
	}

	cert, err := h.certs.Issue(r.Context(), h.admin, &issuance.Request{
		CAID:      id,
		EndEntity: ee,
		PublicKey: pub,
		NotBefore: req.NotBefore,
		NotAfter:  req.NotAfter,
		Tag:       "api",
	})
	if err != nil {
		respondMapped(w, err)
		return
	}
	respondJSON(w, http.StatusCreated, dto.CertIssueResponse{
		Serial:      cert.SerialNumber.Text(16),
		NotBefore:   cert.NotBefore,
		NotAfter:    cert.NotAfter,
		Certificate: string(pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: cert.Raw})),
	})
}

// Revoke handles POST /api/v1/ca/{id}/certs/{serial}/revoke
func (h *CertHandler) Revoke(w http.ResponseWriter, r *http.Request) {
	var req dto.RevokeRequest
	if err := decodeOptional(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, apierrors.NewBadRequest("Invalid JSON request body"))
		return
	}
	reason, err := store.ParseRevocationReason(req.Reason)
	if err != nil {
		respondError(w, http.StatusBadRequest, &dto.APIError{
			Code:    apierrors.CodeInvalidReason,
			Message: err.Error(),
		})
		return
	}
	h.change(w, r, reason, func(issuerDN, serial string) error {
		return h.certs.Revoke(r.Context(), h.admin, issuerDN, serial, reason)
	})
}

// Unrevoke handles POST /api/v1/ca/{id}/certs/{serial}/unrevoke
func (h *CertHandler) Unrevoke(w http.ResponseWriter, r *http.Request) {
	h.change(w, r, store.ReasonRemoveFromCRL, func(issuerDN, serial string) error {
		return h.certs.Unrevoke(r.Context(), h.admin, issuerDN, serial)
	})
}

func (h *CertHandler) change(w http.ResponseWriter, r *http.Request, reason store.RevocationReason, apply func(issuerDN, serial string) error) {
	id, ok := caIDParam(r)
	if !ok {
		respondError(w, http.StatusBadRequest, apierrors.NewBadRequest("CA id must be an integer"))
		return
	}
	serial, err := issuance.NormalizeSerial(chi.URLParam(r, "serial"))
	if err != nil {
		respondError(w, http.StatusBadRequest, apierrors.NewBadRequest(err.Error()))
		return
	}
	c, err := h.cas.GetCA(r.Context(), h.admin, id)
	if err != nil {
		respondMapped(w, err)
		return
	}
	if err := apply(c.IssuerDN(), serial); err != nil {
		respondMapped(w, err)
		return
	}

	status := store.CertStatusRevoked
	if reason == store.ReasonRemoveFromCRL {
		status = store.CertStatusActive
	}
	respondJSON(w, http.StatusOK, dto.CertStatusResponse{
		Serial: serial,
		Status: string(status),
		Reason: reason.String(),
	})
}
