package handler

import (
	"log/slog"
	"net/http"

	"github.com/yesmonga/voiture-radar/internal/repository"
)

// StatsHandler serves aggregate views and scan history.
type StatsHandler struct {
	repo   *repository.Repository
	logger *slog.Logger
}

func NewStatsHandler(repo *repository.Repository, logger *slog.Logger) *StatsHandler {
	return &StatsHandler{repo: repo, logger: logger}
}

// GetStats handles GET /api/stats.
func (h *StatsHandler) GetStats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.repo.GetStats(r.Context())
	if err != nil {
		h.logger.Error("stats_failed", slog.String("error", err.Error()))
		writeError(w, http.StatusInternalServerError, "failed to compute stats")
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

// GetStatsBySource handles GET /api/stats/sources.
func (h *StatsHandler) GetStatsBySource(w http.ResponseWriter, r *http.Request) {
	stats, err := h.repo.GetStatsBySource(r.Context())
	if err != nil {
		h.logger.Error("stats_by_source_failed", slog.String("error", err.Error()))
		writeError(w, http.StatusInternalServerError, "failed to compute stats")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"sources": stats})
}

// GetScans handles GET /api/scans.
func (h *StatsHandler) GetScans(w http.ResponseWriter, r *http.Request) {
	limit := parseIntDefault(r.URL.Query().Get("limit"), 50)
	if limit > 500 {
		limit = 500
	}
	scans, err := h.repo.RecentScans(r.Context(), limit)
	if err != nil {
		h.logger.Error("scan_history_failed", slog.String("error", err.Error()))
		writeError(w, http.StatusInternalServerError, "failed to list scans")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"scans": scans})
}
