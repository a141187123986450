package auth

import (
	"fmt"
	"os"
	"strings"
	"time"

	"golang.org/x/oauth2"

	"clawgate/pkg/channel"
	"clawgate/pkg/config"
)

// FromConfig builds the credential store and OAuth refresher described by cfg.
//
// Declared profiles load first, then channel defaults, then account bindings. Accounts
// carrying an inline token get a synthesized "<channel>:<account>" bearer profile.
func FromConfig(cfg *config.Config) (*Store, *OAuth2Refresher, error) {
	store := NewStore()
	refresher := NewOAuth2Refresher()

	for _, pc := range cfg.Auth.Profiles {
		profile, err := profileFromConfig(pc)
		if err != nil {
			return nil, nil, fmt.Errorf("auth profile %q: %w", pc.ID, err)
		}
		if err := store.Put(profile); err != nil {
			return nil, nil, err
		}

		if profile.Credential.Kind() == KindOAuth && pc.TokenURL != "" {
			refresher.Add(profile.ID, &oauth2.Config{
				ClientID:     pc.ClientID,
				ClientSecret: envValue(pc.ClientSecretEnv),
				Endpoint:     oauth2.Endpoint{TokenURL: pc.TokenURL},
				Scopes:       pc.Scopes,
			})
		}
	}

	for name, profileID := range cfg.Auth.ChannelDefaults {
		id, _ := channel.Normalize(name)
		if err := store.SetChannelDefault(id, profileID); err != nil {
			return nil, nil, fmt.Errorf("auth channel default %s: %w", name, err)
		}
	}

	for _, id := range cfg.ChannelIDs() {
		channelCfg, _ := cfg.Channel(id)
		for _, account := range channelCfg.ActiveAccounts() {
			switch {
			case account.CredentialRef != "":
				if err := store.Bind(id, account.AccountID, account.CredentialRef); err != nil {
					return nil, nil, fmt.Errorf("bind %s/%s: %w", id, account.AccountID, err)
				}
			case account.Token != "":
				profile := Profile{
					ID:         InlineProfileID(id, account.AccountID),
					Channel:    id,
					Account:    account.AccountID,
					Credential: BearerToken{Token: account.Token},
				}
				if err := store.Put(profile); err != nil {
					return nil, nil, err
				}
			}
		}
	}

	return store, refresher, nil
}

// InlineProfileID names the profile synthesized for an account's inline token.
func InlineProfileID(ch channel.ID, account string) string {
	return string(ch) + ":" + account
}

func profileFromConfig(pc config.ProfileConfig) (Profile, error) {
	ch, ok := channel.Normalize(pc.Channel)
	if !ok {
		return Profile{}, fmt.Errorf("unknown channel %q", pc.Channel)
	}

	kind, err := ParseKind(strings.ToLower(strings.TrimSpace(pc.Kind)))
	if err != nil {
		return Profile{}, err
	}

	var credential Credential
	switch kind {
	case KindAPIKey:
		credential = APIKey{Key: secretValue(pc.Key, pc.KeyEnv)}
	case KindBearerToken:
		credential = BearerToken{Token: secretValue(pc.Token, pc.TokenEnv)}
	case KindOAuth:
		oauth := OAuth{
			AccessToken:  secretValue(pc.AccessToken, pc.AccessTokenEnv),
			RefreshToken: secretValue(pc.RefreshToken, pc.RefreshTokenEnv),
		}
		if pc.ExpiresAt != "" {
			oauth.Expiry, err = time.Parse(time.RFC3339, pc.ExpiresAt)
			if err != nil {
				return Profile{}, fmt.Errorf("parse expires_at: %w", err)
			}
		}
		credential = oauth
	}

	return Profile{
		ID:         strings.TrimSpace(pc.ID),
		Channel:    ch,
		Account:    strings.TrimSpace(pc.Account),
		Credential: credential,
	}, nil
}

// secretValue prefers the named environment variable over the inline value.
func secretValue(inline string, envName string) string {
	if value := envValue(envName); value != "" {
		return value
	}

	return strings.TrimSpace(inline)
}

func envValue(name string) string {
	if strings.TrimSpace(name) == "" {
		return ""
	}

	return strings.TrimSpace(os.Getenv(name))
}
