package api

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"tunecast/internal/models"
	"tunecast/internal/pipeline"
	"tunecast/internal/planlimit"
	"tunecast/internal/storage"
)

type uploadResponse struct {
	ID           string   `json:"id"`
	AudioFileID  string   `json:"audioFileId"`
	Title        string   `json:"title"`
	Description  string   `json:"description,omitempty"`
	Tags         []string `json:"tags,omitempty"`
	ThumbnailURL string   `json:"thumbnailUrl,omitempty"`
	Visibility   string   `json:"visibility"`
	ScheduledAt  *string  `json:"scheduledAt,omitempty"`
	Status       string   `json:"status"`
	VideoID      *string  `json:"videoId,omitempty"`
	VideoURL     string   `json:"videoUrl,omitempty"`
	Error        string   `json:"error,omitempty"`
	Archived     bool     `json:"archived"`
	CreatedAt    string   `json:"createdAt"`
	UpdatedAt    string   `json:"updatedAt"`
}

type createUploadRequest struct {
	AudioFileID  string   `json:"audioFileId"`
	SourceURL    string   `json:"sourceUrl"`
	Title        string   `json:"title"`
	Description  string   `json:"description"`
	Tags         []string `json:"tags"`
	ThumbnailURL string   `json:"thumbnailUrl"`
	Visibility   string   `json:"visibility"`
	ScheduledAt  string   `json:"scheduledAt"`
	SourceFormat string   `json:"sourceFormat"`
}

func newUploadResponse(upload models.Upload) uploadResponse {
	resp := uploadResponse{
		ID:           upload.ID,
		AudioFileID:  upload.AudioFileID,
		Title:        upload.Title,
		Description:  upload.Description,
		Tags:         append([]string(nil), upload.Tags...),
		ThumbnailURL: upload.ThumbnailURL,
		Visibility:   string(upload.Visibility),
		Status:       string(upload.Status),
		VideoURL:     upload.VideoURL,
		Error:        upload.Error,
		Archived:     upload.Archived,
		CreatedAt:    upload.CreatedAt.Format(time.RFC3339Nano),
		UpdatedAt:    upload.UpdatedAt.Format(time.RFC3339Nano),
	}
	if upload.ScheduledAt != nil {
		scheduled := upload.ScheduledAt.Format(time.RFC3339)
		resp.ScheduledAt = &scheduled
	}
	if upload.VideoID != nil {
		id := *upload.VideoID
		resp.VideoID = &id
	}
	return resp
}

// Uploads serves collection-level requests: listing the principal's records
// and intake of new publish jobs.
func (h *Handler) Uploads(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		userID, ok := h.principal(w, r)
		if !ok {
			return
		}
		includeArchived := strings.EqualFold(r.URL.Query().Get("includeArchived"), "true")
		uploads, err := h.Store.ListUploads(r.Context(), userID, includeArchived)
		if err != nil {
			writeError(w, http.StatusInternalServerError, fmt.Errorf("list uploads: %w", err))
			return
		}
		responses := make([]uploadResponse, 0, len(uploads))
		for _, upload := range uploads {
			responses = append(responses, newUploadResponse(upload))
		}
		writeJSON(w, http.StatusOK, responses)
	case http.MethodPost:
		h.createUpload(w, r)
	default:
		writeError(w, http.StatusMethodNotAllowed, fmt.Errorf("method not allowed"))
	}
}

func (h *Handler) createUpload(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.principal(w, r)
	if !ok {
		return
	}
	var req createUploadRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("invalid payload: %w", err))
		return
	}

	req.AudioFileID = strings.TrimSpace(req.AudioFileID)
	req.SourceURL = strings.TrimSpace(req.SourceURL)
	if req.AudioFileID == "" && req.SourceURL == "" {
		writeError(w, http.StatusBadRequest, fmt.Errorf("audioFileId or sourceUrl is required"))
		return
	}
	if h.Tokens != nil && !h.Tokens.HasUsableCredential(r.Context(), userID) {
		writeError(w, http.StatusConflict, fmt.Errorf("no connected channel; connect an account before uploading"))
		return
	}
	if h.Plans != nil {
		if err := h.Plans.Allow(r.Context(), userID, planTier(r), req.SourceFormat); err != nil {
			switch {
			case errors.Is(err, planlimit.ErrLimitExceeded):
				writeError(w, http.StatusForbidden, err)
			case errors.Is(err, planlimit.ErrFormatNotAllowed):
				writeError(w, http.StatusBadRequest, err)
			default:
				writeError(w, http.StatusInternalServerError, err)
			}
			return
		}
	}

	visibility := models.ParseVisibility(req.Visibility)
	var scheduledAt *time.Time
	if trimmed := strings.TrimSpace(req.ScheduledAt); trimmed != "" {
		parsed, err := time.Parse(time.RFC3339, trimmed)
		if err != nil {
			writeError(w, http.StatusBadRequest, fmt.Errorf("scheduledAt must be RFC 3339: %w", err))
			return
		}
		utc := parsed.UTC()
		scheduledAt = &utc
	}

	upload, err := h.Store.CreateUpload(r.Context(), storage.CreateUploadParams{
		UserID:       userID,
		AudioFileID:  req.AudioFileID,
		SourceURL:    req.SourceURL,
		Title:        req.Title,
		Description:  req.Description,
		Tags:         req.Tags,
		ThumbnailURL: strings.TrimSpace(req.ThumbnailURL),
		Visibility:   visibility,
		ScheduledAt:  scheduledAt,
	})
	if err != nil {
		writeError(w, http.StatusInternalServerError, fmt.Errorf("create upload: %w", err))
		return
	}

	// Immediate attempt; if it is dropped or the process dies, the sweep
	// picks the record up.
	if h.Processor != nil && (scheduledAt == nil || !scheduledAt.After(time.Now())) {
		h.Processor.Enqueue(upload.ID)
	}
	writeJSON(w, http.StatusCreated, newUploadResponse(upload))
}

// UploadByID serves record-level requests: fetch, delete, and retry.
func (h *Handler) UploadByID(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/api/uploads/")
	parts := strings.Split(strings.Trim(rest, "/"), "/")
	if len(parts) == 0 || parts[0] == "" {
		writeError(w, http.StatusNotFound, fmt.Errorf("upload id is required"))
		return
	}
	id := parts[0]

	if len(parts) == 2 && parts[1] == "retry" {
		h.retryUpload(w, r, id)
		return
	}
	if len(parts) != 1 {
		writeError(w, http.StatusNotFound, fmt.Errorf("unknown resource"))
		return
	}

	userID, ok := h.principal(w, r)
	if !ok {
		return
	}

	switch r.Method {
	case http.MethodPatch:
		h.updateUpload(w, r, id, userID)
	case http.MethodGet:
		upload, err := h.Store.GetUpload(r.Context(), id)
		if errors.Is(err, storage.ErrUploadNotFound) {
			writeError(w, http.StatusNotFound, err)
			return
		}
		if err != nil {
			writeError(w, http.StatusInternalServerError, err)
			return
		}
		if upload.UserID != userID {
			writeError(w, http.StatusForbidden, pipeline.ErrUnauthorized)
			return
		}
		writeJSON(w, http.StatusOK, newUploadResponse(upload))
	case http.MethodDelete:
		err := h.Pipeline.Delete(r.Context(), id, userID)
		switch {
		case errors.Is(err, storage.ErrUploadNotFound):
			writeError(w, http.StatusNotFound, err)
		case errors.Is(err, pipeline.ErrUnauthorized):
			writeError(w, http.StatusForbidden, err)
		case err != nil:
			writeError(w, http.StatusInternalServerError, err)
		default:
			w.WriteHeader(http.StatusNoContent)
		}
	default:
		writeError(w, http.StatusMethodNotAllowed, fmt.Errorf("method not allowed"))
	}
}

type updateUploadRequest struct {
	Title       *string   `json:"title"`
	Description *string   `json:"description"`
	Tags        *[]string `json:"tags"`
	Visibility  *string   `json:"visibility"`
}

func (h *Handler) updateUpload(w http.ResponseWriter, r *http.Request, id, userID string) {
	var req updateUploadRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("invalid payload: %w", err))
		return
	}
	update := pipeline.MetadataUpdate{
		Title:       req.Title,
		Description: req.Description,
		Tags:        req.Tags,
	}
	if req.Visibility != nil {
		visibility := models.ParseVisibility(*req.Visibility)
		update.Visibility = &visibility
	}
	upload, err := h.Pipeline.UpdateMetadata(r.Context(), id, userID, update)
	switch {
	case errors.Is(err, storage.ErrUploadNotFound):
		writeError(w, http.StatusNotFound, err)
	case errors.Is(err, pipeline.ErrUnauthorized):
		writeError(w, http.StatusForbidden, err)
	case errors.Is(err, pipeline.ErrCredentialsMissing), errors.Is(err, pipeline.ErrPublishFailed):
		// The local edit stuck; report the remote propagation failure.
		writeError(w, http.StatusBadGateway, err)
	case err != nil:
		writeError(w, http.StatusInternalServerError, err)
	default:
		writeJSON(w, http.StatusOK, newUploadResponse(upload))
	}
}

func (h *Handler) retryUpload(w http.ResponseWriter, r *http.Request, id string) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, fmt.Errorf("method not allowed"))
		return
	}
	userID, ok := h.principal(w, r)
	if !ok {
		return
	}
	upload, err := h.Pipeline.Retry(r.Context(), id, userID)
	switch {
	case errors.Is(err, storage.ErrUploadNotFound):
		writeError(w, http.StatusNotFound, err)
		return
	case errors.Is(err, pipeline.ErrUnauthorized):
		writeError(w, http.StatusForbidden, err)
		return
	case errors.Is(err, pipeline.ErrNotRetriable):
		writeError(w, http.StatusConflict, err)
		return
	case err != nil:
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	if h.Processor != nil {
		h.Processor.Enqueue(upload.ID)
	}
	writeJSON(w, http.StatusAccepted, newUploadResponse(upload))
}
