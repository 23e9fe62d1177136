package config

import (
	"strings"
	"time"

	"github.com/spf13/viper"
)

// AlexaConfig holds the account-linking OAuth settings of the voice skill.
type AlexaConfig struct {
	RedirectURIs []string
	ClientID     string
	ClientSecret string
	TokenTTL     time.Duration
}

func LoadAlexaConfig() *AlexaConfig {
	var uris []string
	for _, u := range strings.Split(viper.GetString("alexa.redirect_uris"), ",") {
		if u = strings.TrimSpace(u); u != "" {
			uris = append(uris, u)
		}
	}
	ttl := viper.GetDuration("alexa.token_ttl")
	if ttl <= 0 {
		ttl = 365 * 24 * time.Hour
	}
	return &AlexaConfig{
		RedirectURIs: uris,
		ClientID:     viper.GetString("alexa.client_id"),
		ClientSecret: viper.GetString("alexa.client_secret"),
		TokenTTL:     ttl,
	}
}

// AllowsRedirect reports whether uri exactly matches a configured
// redirect URI.
func (c *AlexaConfig) AllowsRedirect(uri string) bool {
	for _, allowed := range c.RedirectURIs {
		if allowed == uri {
			return true
		}
	}
	return false
}
