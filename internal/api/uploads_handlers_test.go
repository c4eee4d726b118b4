package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"tunecast/internal/media"
	"tunecast/internal/models"
	"tunecast/internal/oauth"
	"tunecast/internal/pipeline"
	"tunecast/internal/planlimit"
	"tunecast/internal/publish"
	"tunecast/internal/storage"
)

type stubTokens struct {
	cred models.Credential
	err  error
}

func (s *stubTokens) GetTokens(ctx context.Context, userID string) (models.Credential, error) {
	if s.err != nil {
		return models.Credential{}, s.err
	}
	return s.cred, nil
}

type stubComposer struct {
	dir string
}

func (s *stubComposer) Compose(ctx context.Context, audioURL, thumbnailURL string) (media.Output, error) {
	path := filepath.Join(s.dir, fmt.Sprintf("composed-%d.mp4", time.Now().UnixNano()))
	if err := os.WriteFile(path, []byte("mp4"), 0o644); err != nil {
		return media.Output{}, err
	}
	return media.Output{Path: path, SizeBytes: 3}, nil
}

type stubPublisher struct {
	publishErr error
	deleteErr  error
	deleted    []string
}

func (s *stubPublisher) Publish(ctx context.Context, accessToken, filePath string, sizeBytes int64, meta publish.Metadata) (publish.RemoteVideo, error) {
	if s.publishErr != nil {
		return publish.RemoteVideo{}, s.publishErr
	}
	return publish.RemoteVideo{ID: "vid-1", URL: "https://videos.example.com/vid-1"}, nil
}

func (s *stubPublisher) AttachThumbnail(ctx context.Context, accessToken, videoID, thumbnailURL string) error {
	return nil
}

func (s *stubPublisher) Delete(ctx context.Context, accessToken, videoID string) error {
	s.deleted = append(s.deleted, videoID)
	return s.deleteErr
}

func (s *stubPublisher) Update(ctx context.Context, accessToken, videoID string, update publish.Update) error {
	return nil
}

type handlerFixture struct {
	handler *Handler
	store   *storage.Storage
}

func newHandlerFixture(t *testing.T) *handlerFixture {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	store, err := storage.NewStorage("")
	if err != nil {
		t.Fatalf("NewStorage error: %v", err)
	}

	tokens := &stubTokens{cred: models.Credential{
		UserID:      "user-1",
		AccessToken: "access-1",
		ExpiresAt:   time.Now().Add(time.Hour),
	}}
	pl, err := pipeline.New(pipeline.Config{
		Store:     store,
		Tokens:    tokens,
		Composer:  &stubComposer{dir: t.TempDir()},
		Publisher: &stubPublisher{},
		Logger:    logger,
	})
	if err != nil {
		t.Fatalf("pipeline.New error: %v", err)
	}

	oauthStore := oauth.NewStore(store, oauth.Config{
		ClientID:     "client",
		ClientSecret: "secret",
		RedirectURL:  "https://api.example.com/api/oauth/callback",
		AuthURL:      "https://provider.example.com/auth",
		TokenURL:     "https://provider.example.com/token",
	}, logger)

	handler := NewHandler(store, pl, logger)
	handler.Tokens = oauthStore
	handler.Plans = planlimit.NewChecker(store)
	return &handlerFixture{handler: handler, store: store}
}

func (f *handlerFixture) connectChannel(t *testing.T, userID string) {
	t.Helper()
	_, err := f.store.SaveCredential(context.Background(), models.Credential{
		UserID:       userID,
		AccessToken:  "access-1",
		RefreshToken: "refresh-1",
		ExpiresAt:    time.Now().Add(time.Hour),
		ChannelID:    "chan-1",
		ChannelTitle: "Demo Channel",
	})
	if err != nil {
		t.Fatalf("SaveCredential error: %v", err)
	}
}

func (f *handlerFixture) createUploadRecord(t *testing.T, userID string) models.Upload {
	t.Helper()
	upload, err := f.store.CreateUpload(context.Background(), storage.CreateUploadParams{
		UserID:      userID,
		AudioFileID: "audio-1",
		Title:       "Episode 1",
	})
	if err != nil {
		t.Fatalf("CreateUpload error: %v", err)
	}
	return upload
}

func jsonRequest(method, target, userID string, payload interface{}) *http.Request {
	var body io.Reader
	if payload != nil {
		raw, _ := json.Marshal(payload)
		body = bytes.NewReader(raw)
	}
	req := httptest.NewRequest(method, target, body)
	if userID != "" {
		req.Header.Set("X-User-ID", userID)
	}
	return req
}

func decodeUploadResponse(t *testing.T, rec *httptest.ResponseRecorder) uploadResponse {
	t.Helper()
	var resp uploadResponse
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return resp
}

func TestCreateUploadRequiresIdentity(t *testing.T) {
	f := newHandlerFixture(t)
	rec := httptest.NewRecorder()
	f.handler.Uploads(rec, jsonRequest(http.MethodPost, "/api/uploads", "", map[string]string{"audioFileId": "audio-1"}))
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without identity header, got %d", rec.Code)
	}
}

func TestCreateUploadRequiresConnectedChannel(t *testing.T) {
	f := newHandlerFixture(t)
	rec := httptest.NewRecorder()
	f.handler.Uploads(rec, jsonRequest(http.MethodPost, "/api/uploads", "user-1", map[string]string{"audioFileId": "audio-1", "title": "Episode 1"}))
	if rec.Code != http.StatusConflict {
		t.Fatalf("expected 409 without a connected channel, got %d", rec.Code)
	}
}

func TestCreateUploadPersistsRecord(t *testing.T) {
	f := newHandlerFixture(t)
	f.connectChannel(t, "user-1")

	rec := httptest.NewRecorder()
	f.handler.Uploads(rec, jsonRequest(http.MethodPost, "/api/uploads", "user-1", map[string]interface{}{
		"audioFileId": "audio-1",
		"title":       "Episode 1",
		"tags":        []string{"music"},
		"visibility":  "public",
	}))
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rec.Code, rec.Body.String())
	}
	resp := decodeUploadResponse(t, rec)
	if resp.ID == "" {
		t.Fatal("expected generated upload id")
	}
	if resp.Status != string(models.StatusPending) {
		t.Fatalf("expected pending status, got %q", resp.Status)
	}
	if resp.Visibility != string(models.VisibilityPublic) {
		t.Fatalf("expected public visibility, got %q", resp.Visibility)
	}
}

func TestCreateUploadRejectsMissingSource(t *testing.T) {
	f := newHandlerFixture(t)
	f.connectChannel(t, "user-1")

	rec := httptest.NewRecorder()
	f.handler.Uploads(rec, jsonRequest(http.MethodPost, "/api/uploads", "user-1", map[string]string{"title": "Episode 1"}))
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 without a source, got %d", rec.Code)
	}
}

func TestCreateUploadRejectsMalformedSchedule(t *testing.T) {
	f := newHandlerFixture(t)
	f.connectChannel(t, "user-1")

	rec := httptest.NewRecorder()
	f.handler.Uploads(rec, jsonRequest(http.MethodPost, "/api/uploads", "user-1", map[string]string{
		"audioFileId": "audio-1",
		"scheduledAt": "tomorrow",
	}))
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for malformed schedule, got %d", rec.Code)
	}
}

func TestCreateUploadEnforcesPlanLimit(t *testing.T) {
	f := newHandlerFixture(t)
	f.connectChannel(t, "user-1")

	for i := 0; i < 5; i++ {
		f.createUploadRecord(t, "user-1")
	}

	req := jsonRequest(http.MethodPost, "/api/uploads", "user-1", map[string]string{"audioFileId": "audio-6"})
	req.Header.Set("X-Plan-Tier", "free")
	rec := httptest.NewRecorder()
	f.handler.Uploads(rec, req)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403 once the plan limit is hit, got %d", rec.Code)
	}
}

func TestCreateUploadRejectsDisallowedFormat(t *testing.T) {
	f := newHandlerFixture(t)
	f.connectChannel(t, "user-1")

	req := jsonRequest(http.MethodPost, "/api/uploads", "user-1", map[string]string{
		"audioFileId":  "audio-1",
		"sourceFormat": "flac",
	})
	req.Header.Set("X-Plan-Tier", "free")
	rec := httptest.NewRecorder()
	f.handler.Uploads(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for a disallowed format, got %d", rec.Code)
	}
}

func TestListUploadsScopedToPrincipal(t *testing.T) {
	f := newHandlerFixture(t)
	f.createUploadRecord(t, "user-1")
	f.createUploadRecord(t, "user-2")

	rec := httptest.NewRecorder()
	f.handler.Uploads(rec, jsonRequest(http.MethodGet, "/api/uploads", "user-1", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var resp []uploadResponse
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if len(resp) != 1 {
		t.Fatalf("expected only the principal's records, got %d", len(resp))
	}
}

func TestGetUploadRejectsForeignRecord(t *testing.T) {
	f := newHandlerFixture(t)
	upload := f.createUploadRecord(t, "user-1")

	rec := httptest.NewRecorder()
	f.handler.UploadByID(rec, jsonRequest(http.MethodGet, "/api/uploads/"+upload.ID, "intruder", nil))
	if rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403 for a foreign record, got %d", rec.Code)
	}
}

func TestDeleteUploadRemovesRecord(t *testing.T) {
	f := newHandlerFixture(t)
	upload := f.createUploadRecord(t, "user-1")

	rec := httptest.NewRecorder()
	f.handler.UploadByID(rec, jsonRequest(http.MethodDelete, "/api/uploads/"+upload.ID, "user-1", nil))
	if rec.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", rec.Code)
	}

	rec = httptest.NewRecorder()
	f.handler.UploadByID(rec, jsonRequest(http.MethodGet, "/api/uploads/"+upload.ID, "user-1", nil))
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 after delete, got %d", rec.Code)
	}
}

func TestRetryUploadConflictsOnPendingRecord(t *testing.T) {
	f := newHandlerFixture(t)
	upload := f.createUploadRecord(t, "user-1")

	rec := httptest.NewRecorder()
	f.handler.UploadByID(rec, jsonRequest(http.MethodPost, "/api/uploads/"+upload.ID+"/retry", "user-1", nil))
	if rec.Code != http.StatusConflict {
		t.Fatalf("expected 409 retrying a pending record, got %d", rec.Code)
	}
}

func TestRetryUploadResetsFailedRecord(t *testing.T) {
	f := newHandlerFixture(t)
	upload := f.createUploadRecord(t, "user-1")
	status := models.StatusFailed
	message := "composition failed"
	if _, err := f.store.UpdateUpload(context.Background(), upload.ID, storage.UploadUpdate{Status: &status, Error: &message}); err != nil {
		t.Fatalf("UpdateUpload error: %v", err)
	}

	rec := httptest.NewRecorder()
	f.handler.UploadByID(rec, jsonRequest(http.MethodPost, "/api/uploads/"+upload.ID+"/retry", "user-1", nil))
	if rec.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d: %s", rec.Code, rec.Body.String())
	}
	resp := decodeUploadResponse(t, rec)
	if resp.Status != string(models.StatusPending) {
		t.Fatalf("expected pending status after retry, got %q", resp.Status)
	}
	if resp.Error != "" {
		t.Fatalf("expected cleared error, got %q", resp.Error)
	}
}

func TestHealthReportsOK(t *testing.T) {
	f := newHandlerFixture(t)
	rec := httptest.NewRecorder()
	f.handler.Health(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
}

func TestUpdateUploadEditsMetadata(t *testing.T) {
	f := newHandlerFixture(t)
	upload := f.createUploadRecord(t, "user-1")

	rec := httptest.NewRecorder()
	f.handler.UploadByID(rec, jsonRequest(http.MethodPatch, "/api/uploads/"+upload.ID, "user-1", map[string]interface{}{
		"title":      "Episode 1 (final mix)",
		"visibility": "unlisted",
	}))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	resp := decodeUploadResponse(t, rec)
	if resp.Title != "Episode 1 (final mix)" {
		t.Fatalf("expected updated title, got %q", resp.Title)
	}
	if resp.Visibility != string(models.VisibilityUnlisted) {
		t.Fatalf("expected unlisted visibility, got %q", resp.Visibility)
	}
}

func TestUpdateUploadRejectsForeignRecord(t *testing.T) {
	f := newHandlerFixture(t)
	upload := f.createUploadRecord(t, "user-1")

	rec := httptest.NewRecorder()
	f.handler.UploadByID(rec, jsonRequest(http.MethodPatch, "/api/uploads/"+upload.ID, "intruder", map[string]interface{}{
		"title": "hijacked",
	}))
	if rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403 for a foreign record, got %d", rec.Code)
	}
}
