package handler

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/yesmonga/voiture-radar/internal/domain"
	"github.com/yesmonga/voiture-radar/internal/repository"
)

// AnnonceHandler serves the read side of the listings store plus status
// updates from the operator dashboard.
type AnnonceHandler struct {
	repo   *repository.Repository
	logger *slog.Logger
}

func NewAnnonceHandler(repo *repository.Repository, logger *slog.Logger) *AnnonceHandler {
	return &AnnonceHandler{repo: repo, logger: logger}
}

// ListAnnonces handles GET /api/annonces with the repository's filter set.
func (h *AnnonceHandler) ListAnnonces(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()

	filters := repository.Filters{
		Source:      domain.Source(query.Get("source")),
		Status:      domain.Status(query.Get("status")),
		AlertLevel:  domain.AlertLevel(query.Get("alert_level")),
		NotNotified: query.Get("not_notified") == "true",
	}
	if raw := query.Get("min_score"); raw != "" {
		if minScore, err := strconv.Atoi(raw); err == nil {
			filters.MinScore = &minScore
		}
	}

	limit := parseIntDefault(query.Get("limit"), 50)
	if limit > 500 {
		limit = 500
	}
	offset := parseIntDefault(query.Get("offset"), 0)
	orderBy := query.Get("order_by")
	if orderBy == "" {
		orderBy = "score_total DESC"
	}

	annonces, err := h.repo.GetAll(r.Context(), filters, limit, offset, orderBy)
	if err != nil {
		h.logger.Error("annonce_list_failed", slog.String("error", err.Error()))
		writeError(w, http.StatusInternalServerError, "failed to list annonces")
		return
	}
	total, err := h.repo.Count(r.Context(), filters)
	if err != nil {
		total = len(annonces)
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"items":  annonces,
		"total":  total,
		"limit":  limit,
		"offset": offset,
	})
}

// GetAnnonce handles GET /api/annonces/{id}.
func (h *AnnonceHandler) GetAnnonce(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	annonce, err := h.repo.GetByID(r.Context(), id)
	if err != nil {
		h.logger.Error("annonce_get_failed", slog.String("id", id), slog.String("error", err.Error()))
		writeError(w, http.StatusInternalServerError, "failed to fetch annonce")
		return
	}
	if annonce == nil {
		writeError(w, http.StatusNotFound, "annonce not found")
		return
	}
	writeJSON(w, http.StatusOK, annonce)
}

type updateStatusRequest struct {
	Status string `json:"status"`
	Reason string `json:"reason"`
}

// Allowed operator status transitions; the pipeline-only statuses are not
// settable by hand.
var settableStatuses = map[domain.Status]struct{}{
	domain.StatusNew:        {},
	domain.StatusContacted:  {},
	domain.StatusInProgress: {},
	domain.StatusBought:     {},
	domain.StatusExpired:    {},
	domain.StatusIgnored:    {},
}

// UpdateStatus handles PUT /api/annonces/{id}/status.
func (h *AnnonceHandler) UpdateStatus(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	var req updateStatusRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	status := domain.Status(req.Status)
	if _, ok := settableStatuses[status]; !ok {
		writeError(w, http.StatusBadRequest, "invalid status")
		return
	}

	if !h.repo.UpdateStatus(r.Context(), id, status, req.Reason) {
		writeError(w, http.StatusInternalServerError, "failed to update status")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"id": id, "status": req.Status})
}

func parseIntDefault(raw string, fallback int) int {
	if raw == "" {
		return fallback
	}
	v, err := strconv.Atoi(raw)
	if err != nil || v < 0 {
		return fallback
	}
	return v
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
