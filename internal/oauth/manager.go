package oauth

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"golang.org/x/oauth2"
)

// ErrStateInvalid is returned when the state parameter is missing, expired, or
// already redeemed.
var ErrStateInvalid = errors.New("oauth state invalid or expired")

// BeginResult is returned when an authorisation request is constructed.
type BeginResult struct {
	URL   string
	State string
}

// Completion contains the outcome of a successful connect flow.
type Completion struct {
	UserID   string
	ReturnTo string
	Channel  ChannelInfo
}

// Manager drives the OAuth 2.0 authorisation-code flow that connects a
// principal's remote channel, persisting the resulting tokens through the
// token store.
type Manager struct {
	cfg      Config
	tokens   *Store
	state    StateStore
	client   *http.Client
	stateTTL time.Duration
	logger   *slog.Logger
}

// ManagerOption customises the OAuth manager.
type ManagerOption func(*Manager)

// WithStateStore injects a custom state store.
func WithStateStore(store StateStore) ManagerOption {
	return func(m *Manager) {
		if store != nil {
			m.state = store
		}
	}
}

// WithHTTPClient overrides the HTTP client used for channel-info lookups.
func WithHTTPClient(client *http.Client) ManagerOption {
	return func(m *Manager) {
		if client != nil {
			m.client = client
		}
	}
}

// WithStateTTL adjusts how long state parameters remain valid.
func WithStateTTL(ttl time.Duration) ManagerOption {
	return func(m *Manager) {
		if ttl > 0 {
			m.stateTTL = ttl
		}
	}
}

// NewManager constructs an OAuth manager for the provided configuration.
func NewManager(cfg Config, tokens *Store, logger *slog.Logger, opts ...ManagerOption) (*Manager, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if tokens == nil {
		return nil, fmt.Errorf("token store is required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	mgr := &Manager{
		cfg:      cfg,
		tokens:   tokens,
		state:    NewMemoryStateStore(),
		client:   &http.Client{Timeout: 10 * time.Second},
		stateTTL: 10 * time.Minute,
		logger:   logger,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(mgr)
		}
	}
	return mgr, nil
}

// Begin initialises a connect flow for the given principal. The returned URL
// requests offline access so the provider issues a refresh token.
func (m *Manager) Begin(userID, returnTo string) (BeginResult, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return BeginResult{}, fmt.Errorf("user id is required")
	}
	state := GenerateState()
	if err := m.state.Put(state, StateData{UserID: userID, ReturnTo: returnTo}, m.stateTTL); err != nil {
		return BeginResult{}, err
	}
	authURL := m.cfg.OAuth2().AuthCodeURL(state,
		oauth2.AccessTypeOffline,
		oauth2.SetAuthURLParam("prompt", "consent"),
	)
	return BeginResult{URL: authURL, State: state}, nil
}

// Complete exchanges the authorisation code, fetches channel metadata, and
// persists the credential for the principal bound to the state value.
func (m *Manager) Complete(ctx context.Context, state, code string) (Completion, error) {
	state = strings.TrimSpace(state)
	if state == "" {
		return Completion{}, ErrStateInvalid
	}
	data, ok := m.state.Take(state)
	if !ok {
		return Completion{}, ErrStateInvalid
	}
	completion := Completion{UserID: data.UserID, ReturnTo: data.ReturnTo}

	code = strings.TrimSpace(code)
	if code == "" {
		return completion, fmt.Errorf("authorization code is required")
	}
	ctx = context.WithValue(ctx, oauth2.HTTPClient, m.client)
	token, err := m.cfg.OAuth2().Exchange(ctx, code)
	if err != nil {
		return completion, fmt.Errorf("exchange authorization code: %w", err)
	}
	if strings.TrimSpace(token.RefreshToken) == "" {
		m.logger.Warn("provider withheld refresh token", "user_id", data.UserID)
	}

	info, err := m.fetchChannelInfo(ctx, token)
	if err != nil {
		// Metadata is display-only; a failed lookup must not lose the grant.
		m.logger.Warn("channel info lookup failed", "user_id", data.UserID, "error", err)
		info = ChannelInfo{}
	}
	completion.Channel = info

	if err := m.tokens.SaveTokens(ctx, data.UserID, token, &info); err != nil {
		return completion, err
	}
	return completion, nil
}

// Cancel invalidates the provided state token and returns the saved return URL.
func (m *Manager) Cancel(state string) (string, error) {
	state = strings.TrimSpace(state)
	if state == "" {
		return "", ErrStateInvalid
	}
	data, ok := m.state.Take(state)
	if !ok {
		return "", ErrStateInvalid
	}
	return data.ReturnTo, nil
}

// Disconnect clears the stored tokens for the principal.
func (m *Manager) Disconnect(ctx context.Context, userID string) error {
	return m.tokens.SaveTokens(ctx, userID, nil, &ChannelInfo{})
}

func (m *Manager) fetchChannelInfo(ctx context.Context, token *oauth2.Token) (ChannelInfo, error) {
	infoURL := strings.TrimSpace(m.cfg.ChannelInfoURL)
	if infoURL == "" {
		return ChannelInfo{}, nil
	}
	request, err := http.NewRequestWithContext(ctx, http.MethodGet, infoURL, nil)
	if err != nil {
		return ChannelInfo{}, fmt.Errorf("create channel info request: %w", err)
	}
	token.SetAuthHeader(request)
	request.Header.Set("Accept", "application/json")

	response, err := m.client.Do(request)
	if err != nil {
		return ChannelInfo{}, fmt.Errorf("fetch channel info: %w", err)
	}
	defer response.Body.Close()
	body, err := io.ReadAll(response.Body)
	if err != nil {
		return ChannelInfo{}, fmt.Errorf("read channel info response: %w", err)
	}
	if response.StatusCode < 200 || response.StatusCode >= 300 {
		snippet := string(bytes.TrimSpace(body))
		if len(snippet) > 512 {
			snippet = snippet[:512]
		}
		return ChannelInfo{}, fmt.Errorf("channel info request failed: %s", snippet)
	}
	var parsed struct {
		ID    string `json:"id"`
		Title string `json:"title"`
	}
	if err := json.Unmarshal(body, &parsed); err != nil {
		return ChannelInfo{}, fmt.Errorf("decode channel info response: %w", err)
	}
	return ChannelInfo{ID: parsed.ID, Title: parsed.Title}, nil
}
