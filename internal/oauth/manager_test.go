package oauth

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"tunecast/internal/storage"
)

func newProviderServer(t *testing.T) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/token", func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseForm(); err != nil {
			t.Errorf("parse token form: %v", err)
		}
		if got := r.PostForm.Get("code"); got != "auth-code" {
			w.WriteHeader(http.StatusBadRequest)
			_ = json.NewEncoder(w).Encode(map[string]string{"error": "invalid_grant"})
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"access_token":  "access-1",
			"refresh_token": "refresh-1",
			"token_type":    "Bearer",
			"expires_in":    3600,
		})
	})
	mux.HandleFunc("/channel", func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("Authorization"); got != "Bearer access-1" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]string{"id": "chan-1", "title": "Demo Channel"})
	})
	server := httptest.NewServer(mux)
	t.Cleanup(server.Close)
	return server
}

func newTestManager(t *testing.T, server *httptest.Server) (*Manager, storage.Repository) {
	t.Helper()
	repo, err := storage.NewStorage("")
	if err != nil {
		t.Fatalf("NewStorage error: %v", err)
	}
	cfg := testConfig(server.URL + "/token")
	cfg.AuthURL = server.URL + "/authorize"
	cfg.ChannelInfoURL = server.URL + "/channel"
	tokens := NewStore(repo, cfg, discardLogger())
	mgr, err := NewManager(cfg, tokens, discardLogger())
	if err != nil {
		t.Fatalf("NewManager error: %v", err)
	}
	return mgr, repo
}

func TestManagerBegin(t *testing.T) {
	mgr, _ := newTestManager(t, newProviderServer(t))

	result, err := mgr.Begin("user-1", "/settings")
	if err != nil {
		t.Fatalf("Begin error: %v", err)
	}
	parsed, err := url.Parse(result.URL)
	if err != nil {
		t.Fatalf("parse auth url: %v", err)
	}
	query := parsed.Query()
	if query.Get("state") != result.State {
		t.Fatalf("auth url state %q does not match %q", query.Get("state"), result.State)
	}
	if query.Get("access_type") != "offline" {
		t.Fatal("expected offline access request")
	}
	if query.Get("prompt") != "consent" {
		t.Fatal("expected consent prompt")
	}

	if _, err := mgr.Begin("   ", ""); err == nil {
		t.Fatal("expected error for blank user id")
	}
}

func TestManagerCompletePersistsCredential(t *testing.T) {
	mgr, repo := newTestManager(t, newProviderServer(t))

	begin, err := mgr.Begin("user-1", "/settings")
	if err != nil {
		t.Fatalf("Begin error: %v", err)
	}
	completion, err := mgr.Complete(context.Background(), begin.State, "auth-code")
	if err != nil {
		t.Fatalf("Complete error: %v", err)
	}
	if completion.UserID != "user-1" || completion.ReturnTo != "/settings" {
		t.Fatalf("unexpected completion %+v", completion)
	}
	if completion.Channel.Title != "Demo Channel" {
		t.Fatalf("unexpected channel info %+v", completion.Channel)
	}

	cred, err := repo.GetCredential(context.Background(), "user-1")
	if err != nil {
		t.Fatalf("GetCredential error: %v", err)
	}
	if cred.AccessToken != "access-1" || cred.RefreshToken != "refresh-1" {
		t.Fatalf("tokens not persisted, got %+v", cred)
	}
	if !cred.ExpiresAt.After(time.Now()) {
		t.Fatalf("expected future expiry, got %v", cred.ExpiresAt)
	}

	// State is single use.
	if _, err := mgr.Complete(context.Background(), begin.State, "auth-code"); err != ErrStateInvalid {
		t.Fatalf("expected ErrStateInvalid on replay, got %v", err)
	}
}

func TestManagerCompleteUnknownState(t *testing.T) {
	mgr, _ := newTestManager(t, newProviderServer(t))
	if _, err := mgr.Complete(context.Background(), "bogus", "auth-code"); err != ErrStateInvalid {
		t.Fatalf("expected ErrStateInvalid, got %v", err)
	}
}

func TestManagerCompleteExchangeFailure(t *testing.T) {
	mgr, repo := newTestManager(t, newProviderServer(t))

	begin, err := mgr.Begin("user-1", "")
	if err != nil {
		t.Fatalf("Begin error: %v", err)
	}
	_, err = mgr.Complete(context.Background(), begin.State, "wrong-code")
	if err == nil || !strings.Contains(err.Error(), "exchange authorization code") {
		t.Fatalf("expected exchange error, got %v", err)
	}
	if _, err := repo.GetCredential(context.Background(), "user-1"); err != storage.ErrCredentialNotFound {
		t.Fatalf("no credential should be stored after a failed exchange, got %v", err)
	}
}

func TestManagerCancelAndDisconnect(t *testing.T) {
	mgr, repo := newTestManager(t, newProviderServer(t))

	begin, err := mgr.Begin("user-1", "/studio")
	if err != nil {
		t.Fatalf("Begin error: %v", err)
	}
	returnTo, err := mgr.Cancel(begin.State)
	if err != nil {
		t.Fatalf("Cancel error: %v", err)
	}
	if returnTo != "/studio" {
		t.Fatalf("unexpected return url %q", returnTo)
	}
	if _, err := mgr.Cancel(begin.State); err != ErrStateInvalid {
		t.Fatalf("expected ErrStateInvalid on second cancel, got %v", err)
	}

	begin, err = mgr.Begin("user-1", "")
	if err != nil {
		t.Fatalf("Begin error: %v", err)
	}
	if _, err := mgr.Complete(context.Background(), begin.State, "auth-code"); err != nil {
		t.Fatalf("Complete error: %v", err)
	}
	if err := mgr.Disconnect(context.Background(), "user-1"); err != nil {
		t.Fatalf("Disconnect error: %v", err)
	}
	cred, err := repo.GetCredential(context.Background(), "user-1")
	if err != nil {
		t.Fatalf("GetCredential error: %v", err)
	}
	if cred.Connected() {
		t.Fatalf("expected cleared credential after disconnect, got %+v", cred)
	}
}

func TestMemoryStateStoreExpiry(t *testing.T) {
	store := NewMemoryStateStore()
	if err := store.Put("state-1", StateData{UserID: "user-1"}, 10*time.Millisecond); err != nil {
		t.Fatalf("Put error: %v", err)
	}
	time.Sleep(30 * time.Millisecond)
	if _, ok := store.Take("state-1"); ok {
		t.Fatal("expired state must not be redeemable")
	}

	if err := store.Put("", StateData{}, time.Minute); err == nil {
		t.Fatal("expected error for empty state token")
	}
}
