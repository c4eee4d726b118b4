package files

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestResolveAudioURLViaSigner(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/sign" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer signer-token" {
			t.Errorf("expected bearer token, got %q", got)
		}
		var payload map[string]string
		if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
			t.Fatalf("decode sign request: %v", err)
		}
		if payload["assetId"] != "asset-1" || payload["ownerId"] != "user-1" {
			t.Errorf("unexpected sign request %v", payload)
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]string{"url": "https://cdn.example.com/signed/asset-1"})
	}))
	t.Cleanup(server.Close)

	resolver, err := NewHTTPResolver(Config{SignerBaseURL: server.URL, SignerToken: "signer-token"}, discardLogger())
	if err != nil {
		t.Fatalf("NewHTTPResolver error: %v", err)
	}
	url, err := resolver.ResolveAudioURL(context.Background(), "asset-1", "user-1")
	if err != nil {
		t.Fatalf("ResolveAudioURL error: %v", err)
	}
	if url != "https://cdn.example.com/signed/asset-1" {
		t.Fatalf("unexpected url %q", url)
	}
}

func TestResolveAudioURLFallsBackToStaticBase(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	t.Cleanup(server.Close)

	resolver, err := NewHTTPResolver(Config{
		SignerBaseURL: server.URL,
		StaticBaseURL: "https://files.example.com/audio/",
	}, discardLogger())
	if err != nil {
		t.Fatalf("NewHTTPResolver error: %v", err)
	}
	url, err := resolver.ResolveAudioURL(context.Background(), "asset-1", "user-1")
	if err != nil {
		t.Fatalf("ResolveAudioURL error: %v", err)
	}
	if url != "https://files.example.com/audio/asset-1" {
		t.Fatalf("unexpected fallback url %q", url)
	}
}

func TestResolveAudioURLUnavailable(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	t.Cleanup(server.Close)

	resolver, err := NewHTTPResolver(Config{SignerBaseURL: server.URL}, discardLogger())
	if err != nil {
		t.Fatalf("NewHTTPResolver error: %v", err)
	}
	if _, err := resolver.ResolveAudioURL(context.Background(), "asset-1", "user-1"); !errors.Is(err, ErrUnavailable) {
		t.Fatalf("expected ErrUnavailable, got %v", err)
	}

	if _, err := resolver.ResolveAudioURL(context.Background(), "   ", "user-1"); !errors.Is(err, ErrUnavailable) {
		t.Fatalf("expected ErrUnavailable for blank asset, got %v", err)
	}
}

func TestConfigValidate(t *testing.T) {
	if err := (Config{}).Validate(); err == nil {
		t.Fatal("expected validation error for empty config")
	}
	if err := (Config{StaticBaseURL: "https://files.example.com"}).Validate(); err != nil {
		t.Fatalf("static-only config must validate, got %v", err)
	}
}
