package web

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"os"
	"time"

	"github.com/abdul-hamid-achik/sfmimport/internal/config"
	"github.com/abdul-hamid-achik/sfmimport/internal/db"
	"github.com/abdul-hamid-achik/sfmimport/internal/importer"
	"github.com/abdul-hamid-achik/sfmimport/internal/pipeline"
	"github.com/abdul-hamid-achik/sfmimport/internal/version"
)

// Handler handles HTTP requests for the status API.
type Handler struct {
	cfg *config.Config
}

// NewHandler creates a new Handler.
func NewHandler(cfg *config.Config) *Handler {
	return &Handler{cfg: cfg}
}

// StatusResponse is the body of /api/status.
type StatusResponse struct {
	Dataset  string    `json:"dataset"`
	Database string    `json:"database"`
	Locked   bool      `json:"locked"`
	Stats    *db.Stats `json:"stats"`
}

// Status returns database statistics as JSON. The database is opened per
// request so the engine can write to it between requests.
func (h *Handler) Status(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 10*time.Second)
	defer cancel()

	database, err := db.Open(ctx, h.cfg.DatabasePath())
	if err != nil {
		h.jsonError(w, err.Error(), statusFor(err))
		return
	}
	defer database.Close()

	stats, err := database.Stats(ctx)
	if err != nil {
		h.jsonError(w, err.Error(), http.StatusInternalServerError)
		return
	}

	locked, err := db.IsLocked(h.cfg.DatabasePath())
	if err != nil {
		h.jsonError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	h.jsonResponse(w, StatusResponse{
		Dataset:  h.cfg.DatasetName(),
		Database: h.cfg.DatabasePath(),
		Locked:   locked,
		Stats:    stats,
	})
}

// Report returns the last saved pipeline result.
func (h *Handler) Report(w http.ResponseWriter, r *http.Request) {
	result, err := pipeline.LoadResult(h.cfg.ReportPath())
	if err != nil {
		h.jsonError(w, err.Error(), statusFor(err))
		return
	}
	h.jsonResponse(w, result)
}

// Manifest returns the pairs listed in the last written manifest.
func (h *Handler) Manifest(w http.ResponseWriter, r *http.Request) {
	pairs, err := importer.ReadManifest(h.cfg.ManifestPath())
	if err != nil {
		h.jsonError(w, err.Error(), statusFor(err))
		return
	}
	h.jsonResponse(w, map[string]interface{}{
		"count": len(pairs),
		"pairs": pairs,
	})
}

// Health returns a simple health check response.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	h.jsonResponse(w, map[string]interface{}{
		"status":  "ok",
		"version": version.Version,
	})
}

func statusFor(err error) int {
	if errors.Is(err, os.ErrNotExist) {
		return http.StatusNotFound
	}
	return http.StatusInternalServerError
}

// jsonResponse writes a JSON response.
func (h *Handler) jsonResponse(w http.ResponseWriter, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(data)
}

// jsonError writes a JSON error response.
func (h *Handler) jsonError(w http.ResponseWriter, message string, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{
		"error": message,
	})
}
