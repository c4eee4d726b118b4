package oauth

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/sync/singleflight"

	"tunecast/internal/models"
	"tunecast/internal/storage"
)

// DefaultRefreshMargin is how long before access-token expiry a refresh is
// attempted. The provider issues tokens valid for roughly an hour, so a wide
// margin keeps long-running compositions from outliving the token mid-flight.
const DefaultRefreshMargin = 30 * time.Minute

// ErrNoCredential indicates the principal never connected a remote account or
// has disconnected it.
var ErrNoCredential = errors.New("no credential stored")

// ErrReauthorizationRequired indicates the stored grant is gone for good: the
// provider revoked the refresh token, or the access token expired with no
// refresh token available. Only a fresh authorisation flow can recover.
var ErrReauthorizationRequired = errors.New("reauthorization required")

// ChannelInfo carries display-only metadata about the connected account.
type ChannelInfo struct {
	ID    string
	Title string
}

// Store owns the OAuth credential lifecycle for all principals: lookup,
// proactive refresh, persistence, and disconnect.
type Store struct {
	repo   storage.Repository
	cfg    Config
	margin time.Duration
	now    func() time.Time
	logger *slog.Logger
	group  singleflight.Group
}

// StoreOption customises the token store.
type StoreOption func(*Store)

// WithRefreshMargin adjusts how early tokens are refreshed before expiry.
func WithRefreshMargin(margin time.Duration) StoreOption {
	return func(s *Store) {
		if margin >= 5*time.Minute {
			s.margin = margin
		}
	}
}

// WithStoreClock overrides the time source, used in tests.
func WithStoreClock(now func() time.Time) StoreOption {
	return func(s *Store) {
		if now != nil {
			s.now = now
		}
	}
}

func NewStore(repo storage.Repository, cfg Config, logger *slog.Logger, opts ...StoreOption) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	store := &Store{
		repo:   repo,
		cfg:    cfg,
		margin: DefaultRefreshMargin,
		now:    func() time.Time { return time.Now().UTC() },
		logger: logger,
	}
	for _, opt := range opts {
		opt(store)
	}
	return store
}

// GetTokens returns the principal's credential, refreshing the access token in
// place when it is expired or within the refresh margin of expiring and a
// refresh token is available. Concurrent callers share a single refresh.
func (s *Store) GetTokens(ctx context.Context, userID string) (models.Credential, error) {
	cred, err := s.repo.GetCredential(ctx, userID)
	if errors.Is(err, storage.ErrCredentialNotFound) {
		return models.Credential{}, ErrNoCredential
	}
	if err != nil {
		return models.Credential{}, fmt.Errorf("load credential: %w", err)
	}
	if !cred.Connected() {
		return models.Credential{}, ErrNoCredential
	}

	now := s.now()
	if strings.TrimSpace(cred.AccessToken) != "" && cred.ExpiresAt.After(now.Add(s.margin)) {
		return cred, nil
	}
	if strings.TrimSpace(cred.RefreshToken) == "" {
		if strings.TrimSpace(cred.AccessToken) != "" && cred.ExpiresAt.After(now) {
			return cred, nil
		}
		return models.Credential{}, ErrReauthorizationRequired
	}

	result, err, _ := s.group.Do(userID, func() (any, error) {
		return s.refresh(ctx, cred)
	})
	if err != nil {
		return models.Credential{}, err
	}
	return result.(models.Credential), nil
}

func (s *Store) refresh(ctx context.Context, cred models.Credential) (models.Credential, error) {
	source := s.cfg.OAuth2().TokenSource(ctx, &oauth2.Token{RefreshToken: cred.RefreshToken})
	token, err := source.Token()
	if err != nil {
		if isInvalidGrant(err) {
			s.logger.Warn("refresh grant revoked, clearing stored tokens", "user_id", cred.UserID)
			if clearErr := s.clearTokens(ctx, cred); clearErr != nil {
				s.logger.Error("failed to clear revoked credential", "user_id", cred.UserID, "error", clearErr)
			}
			return models.Credential{}, ErrReauthorizationRequired
		}
		// Transient failure: the stored refresh token may still be good, so
		// leave it in place. Serve the old access token while it lasts.
		if strings.TrimSpace(cred.AccessToken) != "" && cred.ExpiresAt.After(s.now()) {
			s.logger.Warn("token refresh failed, serving unexpired access token", "user_id", cred.UserID, "error", err)
			return cred, nil
		}
		return models.Credential{}, fmt.Errorf("refresh access token: %w", err)
	}

	cred.AccessToken = token.AccessToken
	if !token.Expiry.IsZero() {
		cred.ExpiresAt = token.Expiry.UTC()
	}
	if strings.TrimSpace(token.RefreshToken) != "" {
		cred.RefreshToken = token.RefreshToken
	}
	saved, err := s.repo.SaveCredential(ctx, cred)
	if err != nil {
		return models.Credential{}, fmt.Errorf("persist refreshed credential: %w", err)
	}
	return saved, nil
}

func (s *Store) clearTokens(ctx context.Context, cred models.Credential) error {
	cred.AccessToken = ""
	cred.RefreshToken = ""
	cred.ExpiresAt = time.Time{}
	_, err := s.repo.SaveCredential(ctx, cred)
	return err
}

// HasUsableCredential reports whether the principal can publish: a refresh
// token exists, or the access token is still unexpired.
func (s *Store) HasUsableCredential(ctx context.Context, userID string) bool {
	cred, err := s.repo.GetCredential(ctx, userID)
	if err != nil {
		return false
	}
	return cred.Usable(s.now())
}

// SaveTokens upserts the principal's credential. A nil token or an empty
// access token clears all three token fields, which is how disconnect is
// expressed. Channel metadata is retained unless new info is supplied.
func (s *Store) SaveTokens(ctx context.Context, userID string, token *oauth2.Token, info *ChannelInfo) error {
	cred, err := s.repo.GetCredential(ctx, userID)
	if err != nil && !errors.Is(err, storage.ErrCredentialNotFound) {
		return fmt.Errorf("load credential: %w", err)
	}
	cred.UserID = userID

	if token == nil || strings.TrimSpace(token.AccessToken) == "" {
		cred.AccessToken = ""
		cred.RefreshToken = ""
		cred.ExpiresAt = time.Time{}
	} else {
		cred.AccessToken = token.AccessToken
		if strings.TrimSpace(token.RefreshToken) != "" {
			cred.RefreshToken = token.RefreshToken
		}
		if !token.Expiry.IsZero() {
			cred.ExpiresAt = token.Expiry.UTC()
		}
	}
	if info != nil {
		cred.ChannelID = info.ID
		cred.ChannelTitle = info.Title
	}

	if _, err := s.repo.SaveCredential(ctx, cred); err != nil {
		return fmt.Errorf("persist credential: %w", err)
	}
	return nil
}

func isInvalidGrant(err error) bool {
	var retrieveErr *oauth2.RetrieveError
	if !errors.As(err, &retrieveErr) {
		return false
	}
	code := strings.ToLower(strings.TrimSpace(retrieveErr.ErrorCode))
	if code == "invalid_grant" {
		return true
	}
	return bytes.Contains(bytes.ToLower(retrieveErr.Body), []byte("invalid_grant"))
}
