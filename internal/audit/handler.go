package audit

import (
	"net/http"

	"github.com/gabri117/libreria/internal/respond"
	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"
)

// Handler exposes the audit trail read-only.
type Handler struct {
	repo Repository
	log  *zap.Logger
}

func NewHandler(repo Repository, log *zap.Logger) *Handler {
	return &Handler{repo: repo, log: log}
}

func (h *Handler) Register(r chi.Router) {
	r.Get("/api/v1/audit/{entity}/{entity_id}", h.Trail)
}

func (h *Handler) Trail(w http.ResponseWriter, r *http.Request) {
	entity := chi.URLParam(r, "entity")
	entityID := chi.URLParam(r, "entity_id")

	entries, err := h.repo.ListByEntity(r.Context(), entity, entityID)
	if err != nil {
		h.log.Error("audit trail query failed", zap.String("entity", entity), zap.String("entity_id", entityID), zap.Error(err))
		respond.Error(w, http.StatusInternalServerError, "internal_error", "could not read audit trail")
		return
	}
	respond.JSON(w, http.StatusOK, entries)
}
