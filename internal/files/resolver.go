package files

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// ErrUnavailable indicates no fetchable URL exists for the asset.
var ErrUnavailable = errors.New("audio source unavailable")

// Resolver maps an audio asset id to a URL the composer can download.
type Resolver interface {
	ResolveAudioURL(ctx context.Context, assetID, ownerID string) (string, error)
}

// Config describes the external file storage. When SignerBaseURL is set the
// resolver requests a short-lived signed URL per asset; StaticBaseURL serves
// as the fallback for deployments with a public bucket.
type Config struct {
	SignerBaseURL string
	SignerToken   string
	StaticBaseURL string
	Timeout       time.Duration
}

func (c Config) Validate() error {
	if strings.TrimSpace(c.SignerBaseURL) == "" && strings.TrimSpace(c.StaticBaseURL) == "" {
		return fmt.Errorf("either a signer base url or a static base url is required")
	}
	return nil
}

// HTTPResolver resolves audio assets through a signed-URL issuing service
// with a static-URL fallback.
type HTTPResolver struct {
	cfg    Config
	client *http.Client
	logger *slog.Logger
}

// NewHTTPResolver constructs a resolver for the configured storage.
func NewHTTPResolver(cfg Config, logger *slog.Logger) (*HTTPResolver, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &HTTPResolver{
		cfg:    cfg,
		client: &http.Client{Timeout: cfg.Timeout},
		logger: logger,
	}, nil
}

// ResolveAudioURL prefers a signed URL and falls back to the static base when
// signing is unavailable. Returns ErrUnavailable when neither path yields a
// URL.
func (r *HTTPResolver) ResolveAudioURL(ctx context.Context, assetID, ownerID string) (string, error) {
	assetID = strings.TrimSpace(assetID)
	if assetID == "" {
		return "", ErrUnavailable
	}

	if strings.TrimSpace(r.cfg.SignerBaseURL) != "" {
		signed, err := r.requestSignedURL(ctx, assetID, ownerID)
		if err == nil {
			return signed, nil
		}
		r.logger.Warn("signed url request failed", "asset_id", assetID, "error", err)
	}

	if base := strings.TrimSpace(r.cfg.StaticBaseURL); base != "" {
		return strings.TrimRight(base, "/") + "/" + url.PathEscape(assetID), nil
	}
	return "", ErrUnavailable
}

func (r *HTTPResolver) requestSignedURL(ctx context.Context, assetID, ownerID string) (string, error) {
	payload, err := json.Marshal(map[string]string{
		"assetId": assetID,
		"ownerId": ownerID,
	})
	if err != nil {
		return "", fmt.Errorf("encode sign request: %w", err)
	}
	endpoint := strings.TrimRight(r.cfg.SignerBaseURL, "/") + "/sign"
	request, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return "", fmt.Errorf("create sign request: %w", err)
	}
	request.Header.Set("Content-Type", "application/json")
	if token := strings.TrimSpace(r.cfg.SignerToken); token != "" {
		request.Header.Set("Authorization", "Bearer "+token)
	}

	response, err := r.client.Do(request)
	if err != nil {
		return "", fmt.Errorf("request signed url: %w", err)
	}
	defer response.Body.Close()
	if response.StatusCode < 200 || response.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(response.Body, 512))
		return "", fmt.Errorf("sign request failed: %s: %s", response.Status, strings.TrimSpace(string(body)))
	}

	var parsed struct {
		URL string `json:"url"`
	}
	if err := json.NewDecoder(response.Body).Decode(&parsed); err != nil {
		return "", fmt.Errorf("decode sign response: %w", err)
	}
	if strings.TrimSpace(parsed.URL) == "" {
		return "", fmt.Errorf("sign response missing url")
	}
	return parsed.URL, nil
}
