package handler

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/remiblancher/cacore/internal/api/dto"
	apierrors "github.com/remiblancher/cacore/internal/api/errors"
	"github.com/remiblancher/cacore/internal/profile"
)

// ProfileHandler lists the certificate profiles the node issues under.
type ProfileHandler struct {
	profiles *profile.Store
}

// NewProfileHandler creates a new ProfileHandler.
func NewProfileHandler(profiles *profile.Store) *ProfileHandler {
	return &ProfileHandler{profiles: profiles}
}

// List handles GET /api/v1/profiles
func (h *ProfileHandler) List(w http.ResponseWriter, r *http.Request) {
	all := h.profiles.List()
	resp := dto.ProfileListResponse{Profiles: make([]dto.ProfileSummary, 0, len(all))}
	for _, p := range all {
		resp.Profiles = append(resp.Profiles, profileSummary(p))
	}
	respondJSON(w, http.StatusOK, resp)
}

// Get handles GET /api/v1/profiles/{id}
func (h *ProfileHandler) Get(w http.ResponseWriter, r *http.Request) {
	raw := chi.URLParam(r, "id")
	id, err := strconv.Atoi(raw)
	if err != nil {
		respondError(w, http.StatusBadRequest, apierrors.NewBadRequest("profile id must be an integer"))
		return
	}
	p, ok := h.profiles.Lookup(id)
	if !ok {
		respondError(w, http.StatusNotFound, apierrors.NewNotFound("profile", raw))
		return
	}
	respondJSON(w, http.StatusOK, profileSummary(p))
}

func profileSummary(p *profile.Profile) dto.ProfileSummary {
	return dto.ProfileSummary{
		ID:          p.ID,
		Name:        p.Name,
		Description: p.Description,
		Type:        string(p.Type),
		Validity:    p.Validity.String(),
	}
}
