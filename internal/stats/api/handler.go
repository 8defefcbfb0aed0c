package stats_api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"

	"ms-reconcile/internal/logger"
	"ms-reconcile/internal/stats"

	"github.com/go-chi/chi/v5"
)

type Handler struct {
	Service *stats.Service
	Logger  *logger.Logger
}

func NewHandler(service *stats.Service, log *logger.Logger) *Handler {
	return &Handler{Service: service, Logger: log}
}

func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Get("/stats", h.GetOverview)
}

// GetOverview serves the reconciliation dashboard numbers. The days query
// parameter bounds the daily revenue window, default 7.
func (h *Handler) GetOverview(w http.ResponseWriter, r *http.Request) {
	days := 7
	if raw := r.URL.Query().Get("days"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 1 || parsed > 365 {
			http.Error(w, "days must be between 1 and 365", http.StatusBadRequest)
			return
		}
		days = parsed
	}

	overview, err := h.Service.GetOverview(r.Context(), days)
	if err != nil {
		h.Logger.Error("API", fmt.Sprintf("Stats aggregation failed: %v", err))
		http.Error(w, "Could not compute stats", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(overview)
}
