package handler

import (
	"net/http"

	"github.com/sirupsen/logrus"

	"github.com/remiblancher/cacore/internal/api/dto"
	apierrors "github.com/remiblancher/cacore/internal/api/errors"
	"github.com/remiblancher/cacore/internal/cluster"
)

// CacheHandler flushes the CA and key validator caches of the cluster.
type CacheHandler struct {
	node *cluster.Node
	log  *logrus.Entry
}

// NewCacheHandler creates a new CacheHandler.
func NewCacheHandler(node *cluster.Node, log *logrus.Entry) *CacheHandler {
	return &CacheHandler{node: node, log: log}
}

// Clear handles POST /api/v1/cache/clear
func (h *CacheHandler) Clear(w http.ResponseWriter, r *http.Request) {
	var req dto.CacheClearRequest
	if err := decodeOptional(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, apierrors.NewBadRequest("Invalid JSON request body"))
		return
	}
	switch req.Scope {
	case "":
		req.Scope = cluster.ScopeAll
	case cluster.ScopeAll, cluster.ScopeCA, cluster.ScopeKeyValidators:
	default:
		respondError(w, http.StatusBadRequest, apierrors.NewBadRequest("scope must be all, ca or keyvalidator"))
		return
	}
	if req.Reason == "" {
		req.Reason = "api request"
	}

	if err := h.node.ClearCaches(r.Context(), req.Scope, req.Reason); err != nil {
		// Local caches are already flushed.
		h.log.WithError(err).Warn("clear-cache broadcast failed")
		respondError(w, http.StatusBadGateway, &dto.APIError{
			Code:    "BROADCAST_FAILED",
			Message: err.Error(),
			Details: map[string]string{"scope": req.Scope, "node": h.node.ID()},
		})
		return
	}
	respondJSON(w, http.StatusOK, dto.CacheClearResponse{Scope: req.Scope, Node: h.node.ID()})
}
