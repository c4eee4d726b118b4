package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"tunecast/internal/oauth"
	"tunecast/internal/pipeline"
	"tunecast/internal/planlimit"
	"tunecast/internal/storage"
)

// Handler exposes the intake and account-connection API. The pipeline owns
// all record mutations after intake; handlers only create, read, and hand
// records over.
type Handler struct {
	Store     storage.Repository
	Pipeline  *pipeline.Pipeline
	Processor *pipeline.Processor
	OAuth     *oauth.Manager
	Tokens    *oauth.Store
	Plans     *planlimit.Checker
	Logger    *slog.Logger
}

func NewHandler(store storage.Repository, pl *pipeline.Pipeline, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{Store: store, Pipeline: pl, Logger: logger}
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if payload == nil {
		return
	}
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

// WriteError is an exported helper for returning JSON API errors.
func WriteError(w http.ResponseWriter, status int, err error) {
	writeError(w, status, err)
}

func decodeJSON(r *http.Request, dest interface{}) error {
	if r.Body == nil {
		return errors.New("request body is required")
	}
	defer r.Body.Close()

	decoder := json.NewDecoder(r.Body)
	decoder.UseNumber()
	decoder.DisallowUnknownFields()
	return decoder.Decode(dest)
}

// principal resolves the authenticated caller from the identity headers set
// by the fronting gateway. Authentication itself lives outside this service.
func (h *Handler) principal(w http.ResponseWriter, r *http.Request) (string, bool) {
	userID := strings.TrimSpace(r.Header.Get("X-User-ID"))
	if userID == "" {
		writeError(w, http.StatusUnauthorized, fmt.Errorf("authentication required"))
		return "", false
	}
	return userID, true
}

func planTier(r *http.Request) string {
	return strings.TrimSpace(r.Header.Get("X-Plan-Tier"))
}

// Health reports whether the record store is reachable.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, fmt.Errorf("method not allowed"))
		return
	}
	if err := h.Store.Ping(r.Context()); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "degraded", "error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
