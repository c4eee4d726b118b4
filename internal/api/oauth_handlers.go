package api

import (
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"tunecast/internal/oauth"
	"tunecast/internal/storage"
)

type connectionResponse struct {
	Connected    bool   `json:"connected"`
	ChannelID    string `json:"channelId,omitempty"`
	ChannelTitle string `json:"channelTitle,omitempty"`
}

// OAuthConnect starts the authorisation-code flow for the caller's channel.
func (h *Handler) OAuthConnect(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, fmt.Errorf("method not allowed"))
		return
	}
	userID, ok := h.principal(w, r)
	if !ok {
		return
	}
	returnTo := sanitizeReturnTo(r.URL.Query().Get("returnTo"))
	result, err := h.OAuth.Begin(userID, returnTo)
	if err != nil {
		writeError(w, http.StatusInternalServerError, fmt.Errorf("begin oauth flow: %w", err))
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"authorizationUrl": result.URL, "state": result.State})
}

// OAuthCallback finishes the flow when the provider redirects back.
func (h *Handler) OAuthCallback(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, fmt.Errorf("method not allowed"))
		return
	}
	query := r.URL.Query()
	state := query.Get("state")

	if providerErr := strings.TrimSpace(query.Get("error")); providerErr != "" {
		returnTo, err := h.OAuth.Cancel(state)
		if err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		redirectOrJSON(w, r, returnTo, map[string]string{"status": "cancelled", "reason": providerErr})
		return
	}

	completion, err := h.OAuth.Complete(r.Context(), state, query.Get("code"))
	if errors.Is(err, oauth.ErrStateInvalid) {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if err != nil {
		h.Logger.Error("oauth completion failed", "error", err)
		writeError(w, http.StatusBadGateway, fmt.Errorf("complete oauth flow: %w", err))
		return
	}
	redirectOrJSON(w, r, completion.ReturnTo, map[string]string{
		"status":       "connected",
		"channelId":    completion.Channel.ID,
		"channelTitle": completion.Channel.Title,
	})
}

// OAuthConnection reports or severs the caller's channel connection.
func (h *Handler) OAuthConnection(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.principal(w, r)
	if !ok {
		return
	}
	switch r.Method {
	case http.MethodGet:
		cred, err := h.Store.GetCredential(r.Context(), userID)
		if errors.Is(err, storage.ErrCredentialNotFound) {
			writeJSON(w, http.StatusOK, connectionResponse{Connected: false})
			return
		}
		if err != nil {
			writeError(w, http.StatusInternalServerError, err)
			return
		}
		writeJSON(w, http.StatusOK, connectionResponse{
			Connected:    cred.Connected(),
			ChannelID:    cred.ChannelID,
			ChannelTitle: cred.ChannelTitle,
		})
	case http.MethodDelete:
		if err := h.OAuth.Disconnect(r.Context(), userID); err != nil {
			writeError(w, http.StatusInternalServerError, fmt.Errorf("disconnect channel: %w", err))
			return
		}
		w.WriteHeader(http.StatusNoContent)
	default:
		writeError(w, http.StatusMethodNotAllowed, fmt.Errorf("method not allowed"))
	}
}

// sanitizeReturnTo keeps redirects on-site by allowing only absolute paths.
func sanitizeReturnTo(raw string) string {
	raw = strings.TrimSpace(raw)
	if raw == "" || !strings.HasPrefix(raw, "/") || strings.HasPrefix(raw, "//") {
		return ""
	}
	if _, err := url.Parse(raw); err != nil {
		return ""
	}
	return raw
}

func redirectOrJSON(w http.ResponseWriter, r *http.Request, returnTo string, payload map[string]string) {
	if returnTo != "" {
		http.Redirect(w, r, returnTo, http.StatusFound)
		return
	}
	writeJSON(w, http.StatusOK, payload)
}
