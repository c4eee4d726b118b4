package oauth

import (
	"fmt"
	"strings"

	"golang.org/x/oauth2"
)

// Config describes the video host's OAuth 2.0 endpoints and client
// registration. The access-token lifetime (~1h) and refresh-token lifetime
// (~6mo) are controlled by the provider and are not configurable here.
type Config struct {
	ClientID     string
	ClientSecret string
	RedirectURL  string
	AuthURL      string
	TokenURL     string
	Scopes       []string
	// ChannelInfoURL returns the connected account's channel metadata,
	// used for display purposes only.
	ChannelInfoURL string
}

func (c Config) Validate() error {
	if strings.TrimSpace(c.ClientID) == "" {
		return fmt.Errorf("oauth client id is required")
	}
	if strings.TrimSpace(c.ClientSecret) == "" {
		return fmt.Errorf("oauth client secret is required")
	}
	if strings.TrimSpace(c.RedirectURL) == "" {
		return fmt.Errorf("oauth redirect url is required")
	}
	if strings.TrimSpace(c.AuthURL) == "" || strings.TrimSpace(c.TokenURL) == "" {
		return fmt.Errorf("oauth endpoint urls are required")
	}
	return nil
}

// OAuth2 builds the library configuration used for the authorisation-code
// exchange and refresh-token grants.
func (c Config) OAuth2() *oauth2.Config {
	return &oauth2.Config{
		ClientID:     c.ClientID,
		ClientSecret: c.ClientSecret,
		RedirectURL:  c.RedirectURL,
		Endpoint: oauth2.Endpoint{
			AuthURL:  c.AuthURL,
			TokenURL: c.TokenURL,
		},
		Scopes: append([]string(nil), c.Scopes...),
	}
}
