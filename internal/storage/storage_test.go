package storage

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"tunecast/internal/models"
)

func newTestStorage(t *testing.T) *Storage {
	t.Helper()
	store, err := NewStorage(filepath.Join(t.TempDir(), "store.json"))
	if err != nil {
		t.Fatalf("NewStorage error: %v", err)
	}
	return store
}

func createTestUpload(t *testing.T, store *Storage, params CreateUploadParams) models.Upload {
	t.Helper()
	if params.UserID == "" {
		params.UserID = "user-1"
	}
	if params.AudioFileID == "" {
		params.AudioFileID = "audio-1"
	}
	upload, err := store.CreateUpload(context.Background(), params)
	if err != nil {
		t.Fatalf("CreateUpload error: %v", err)
	}
	return upload
}

func TestCreateUploadDefaults(t *testing.T) {
	store := newTestStorage(t)
	upload := createTestUpload(t, store, CreateUploadParams{Title: "  "})

	if upload.Status != models.StatusPending {
		t.Fatalf("expected pending status, got %s", upload.Status)
	}
	if upload.Title != "Untitled upload" {
		t.Fatalf("expected default title, got %q", upload.Title)
	}
	if upload.Visibility != models.VisibilityPrivate {
		t.Fatalf("expected private visibility, got %s", upload.Visibility)
	}
	if upload.ID == "" {
		t.Fatal("expected generated id")
	}
}

func TestClaimUpload(t *testing.T) {
	store := newTestStorage(t)
	upload := createTestUpload(t, store, CreateUploadParams{Title: "Demo"})
	ctx := context.Background()

	claimed, ok, err := store.ClaimUpload(ctx, upload.ID, time.Time{})
	if err != nil {
		t.Fatalf("ClaimUpload error: %v", err)
	}
	if !ok {
		t.Fatal("expected first claim to succeed")
	}
	if claimed.Status != models.StatusProcessing {
		t.Fatalf("expected processing status, got %s", claimed.Status)
	}

	_, ok, err = store.ClaimUpload(ctx, upload.ID, time.Time{})
	if err != nil {
		t.Fatalf("second ClaimUpload error: %v", err)
	}
	if ok {
		t.Fatal("expected second claim to lose")
	}

	// A stale processing record is reclaimable once its updated_at predates
	// the cutoff.
	_, ok, err = store.ClaimUpload(ctx, upload.ID, time.Now().Add(time.Minute))
	if err != nil {
		t.Fatalf("stale ClaimUpload error: %v", err)
	}
	if !ok {
		t.Fatal("expected stale processing record to be reclaimable")
	}

	if _, _, err := store.ClaimUpload(ctx, "missing", time.Time{}); err != ErrUploadNotFound {
		t.Fatalf("expected ErrUploadNotFound, got %v", err)
	}
}

func TestListProcessable(t *testing.T) {
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	current := base
	store, err := NewStorage("", WithClock(func() time.Time { return current }))
	if err != nil {
		t.Fatalf("NewStorage error: %v", err)
	}
	ctx := context.Background()

	due := createTestUpload(t, store, CreateUploadParams{Title: "due"})
	future := base.Add(time.Hour)
	scheduled := createTestUpload(t, store, CreateUploadParams{Title: "scheduled", ScheduledAt: &future})

	stale := createTestUpload(t, store, CreateUploadParams{Title: "stale"})
	current = base.Add(-20 * time.Minute)
	if _, _, err := store.ClaimUpload(ctx, stale.ID, time.Time{}); err != nil {
		t.Fatalf("claim stale: %v", err)
	}
	current = base

	fresh := createTestUpload(t, store, CreateUploadParams{Title: "fresh"})
	if _, _, err := store.ClaimUpload(ctx, fresh.ID, time.Time{}); err != nil {
		t.Fatalf("claim fresh: %v", err)
	}

	candidates, err := store.ListProcessable(ctx, base, base.Add(-10*time.Minute), 10)
	if err != nil {
		t.Fatalf("ListProcessable error: %v", err)
	}
	found := make(map[string]bool, len(candidates))
	for _, candidate := range candidates {
		found[candidate.ID] = true
	}
	if !found[due.ID] {
		t.Error("expected due pending record in candidate set")
	}
	if !found[stale.ID] {
		t.Error("expected stale processing record in candidate set")
	}
	if found[scheduled.ID] {
		t.Error("future-scheduled record must not be in candidate set")
	}
	if found[fresh.ID] {
		t.Error("freshly claimed record must not be in candidate set")
	}

	limited, err := store.ListProcessable(ctx, base, base.Add(-10*time.Minute), 1)
	if err != nil {
		t.Fatalf("ListProcessable with limit error: %v", err)
	}
	if len(limited) != 1 {
		t.Fatalf("expected batch cap of 1, got %d", len(limited))
	}
}

func TestUpdateUpload(t *testing.T) {
	store := newTestStorage(t)
	upload := createTestUpload(t, store, CreateUploadParams{Title: "Demo"})
	ctx := context.Background()

	status := models.StatusUploaded
	videoID := "yt-123"
	updated, err := store.UpdateUpload(ctx, upload.ID, UploadUpdate{Status: &status, VideoID: &videoID})
	if err != nil {
		t.Fatalf("UpdateUpload error: %v", err)
	}
	if updated.Status != models.StatusUploaded {
		t.Fatalf("expected uploaded status, got %s", updated.Status)
	}
	if updated.VideoID == nil || *updated.VideoID != "yt-123" {
		t.Fatalf("expected video id set, got %v", updated.VideoID)
	}

	cleared := ""
	updated, err = store.UpdateUpload(ctx, upload.ID, UploadUpdate{VideoID: &cleared})
	if err != nil {
		t.Fatalf("UpdateUpload clear error: %v", err)
	}
	if updated.VideoID != nil {
		t.Fatalf("expected video id cleared, got %v", updated.VideoID)
	}

	if _, err := store.UpdateUpload(ctx, "missing", UploadUpdate{}); err != ErrUploadNotFound {
		t.Fatalf("expected ErrUploadNotFound, got %v", err)
	}
}

func TestCountUploadsSince(t *testing.T) {
	base := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	current := base.Add(-time.Hour)
	store, err := NewStorage("", WithClock(func() time.Time { return current }))
	if err != nil {
		t.Fatalf("NewStorage error: %v", err)
	}
	ctx := context.Background()

	createTestUpload(t, store, CreateUploadParams{Title: "before"})
	current = base.Add(time.Hour)
	createTestUpload(t, store, CreateUploadParams{Title: "after"})
	createTestUpload(t, store, CreateUploadParams{Title: "other user", UserID: "user-2"})

	count, err := store.CountUploadsSince(ctx, "user-1", base)
	if err != nil {
		t.Fatalf("CountUploadsSince error: %v", err)
	}
	if count != 1 {
		t.Fatalf("expected 1 upload since period start, got %d", count)
	}
}

func TestCredentialRoundTrip(t *testing.T) {
	store := newTestStorage(t)
	ctx := context.Background()

	if _, err := store.GetCredential(ctx, "user-1"); err != ErrCredentialNotFound {
		t.Fatalf("expected ErrCredentialNotFound, got %v", err)
	}

	saved, err := store.SaveCredential(ctx, models.Credential{
		UserID:       "user-1",
		AccessToken:  "access",
		RefreshToken: "refresh",
		ExpiresAt:    time.Now().Add(time.Hour).UTC(),
		ChannelTitle: "Demo Channel",
	})
	if err != nil {
		t.Fatalf("SaveCredential error: %v", err)
	}
	if saved.UpdatedAt.IsZero() {
		t.Fatal("expected updated timestamp")
	}

	loaded, err := store.GetCredential(ctx, "user-1")
	if err != nil {
		t.Fatalf("GetCredential error: %v", err)
	}
	if loaded.AccessToken != "access" || loaded.RefreshToken != "refresh" {
		t.Fatalf("unexpected credential contents: %+v", loaded)
	}

	// Overwriting with empty tokens models a disconnect.
	if _, err := store.SaveCredential(ctx, models.Credential{UserID: "user-1"}); err != nil {
		t.Fatalf("SaveCredential clear error: %v", err)
	}
	loaded, err = store.GetCredential(ctx, "user-1")
	if err != nil {
		t.Fatalf("GetCredential after clear error: %v", err)
	}
	if loaded.Connected() {
		t.Fatal("expected cleared credential to be disconnected")
	}

	if err := store.DeleteCredential(ctx, "user-1"); err != nil {
		t.Fatalf("DeleteCredential error: %v", err)
	}
	if err := store.DeleteCredential(ctx, "user-1"); err != nil {
		t.Fatalf("DeleteCredential on absent row error: %v", err)
	}
}

func TestStoragePersistRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "store.json")
	store, err := NewStorage(path)
	if err != nil {
		t.Fatalf("NewStorage error: %v", err)
	}
	upload := createTestUpload(t, store, CreateUploadParams{Title: "Persisted"})

	reopened, err := NewStorage(path)
	if err != nil {
		t.Fatalf("reopen error: %v", err)
	}
	loaded, err := reopened.GetUpload(context.Background(), upload.ID)
	if err != nil {
		t.Fatalf("GetUpload after reopen error: %v", err)
	}
	if loaded.Title != "Persisted" {
		t.Fatalf("unexpected title after reopen: %q", loaded.Title)
	}
}
