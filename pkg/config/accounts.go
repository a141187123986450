package config

import (
	"os"
	"strings"
)

// DefaultAccountID names the account synthesized from single-account channel config.
const DefaultAccountID = "default"

// ChannelConfig configures one channel in either single-account or multi-account form.
type ChannelConfig struct {
	Enabled         *bool          `json:"enabled,omitempty" yaml:"enabled,omitempty"`
	Token           string         `json:"token,omitempty" yaml:"token,omitempty"`
	CredentialRef   string         `json:"credential_ref,omitempty" yaml:"credential_ref,omitempty"`
	AllowedChannels []string       `json:"allowed_channels,omitempty" yaml:"allowed_channels,omitempty"`
	AllowedUsers    []string       `json:"allowed_users,omitempty" yaml:"allowed_users,omitempty"`
	AllowedUsersEnv string         `json:"allowed_users_env,omitempty" yaml:"allowed_users_env,omitempty"`
	RequireMention  bool           `json:"require_mention,omitempty" yaml:"require_mention,omitempty"`
	Accounts        []AccountEntry `json:"accounts,omitempty" yaml:"accounts,omitempty"`
}

// AccountEntry is one entry in a channel's accounts list as written in the config file.
type AccountEntry struct {
	ID              string   `json:"id" yaml:"id"`
	Token           string   `json:"token,omitempty" yaml:"token,omitempty"`
	CredentialRef   string   `json:"credential_ref,omitempty" yaml:"credential_ref,omitempty"`
	AllowedChannels []string `json:"allowed_channels,omitempty" yaml:"allowed_channels,omitempty"`
	AllowedUsers    []string `json:"allowed_users,omitempty" yaml:"allowed_users,omitempty"`
	RequireMention  *bool    `json:"require_mention,omitempty" yaml:"require_mention,omitempty"`
	Enabled         *bool    `json:"enabled,omitempty" yaml:"enabled,omitempty"`
}

// AccountConfig is the normalized, immutable settings of one external account.
type AccountConfig struct {
	AccountID       string
	CredentialRef   string
	Token           string
	AllowedChannels []string
	AllowedUsers    []string
	RequireMention  bool
	Enabled         bool
}

// IsEnabled reports whether the channel block is switched on; absent means enabled.
func (c ChannelConfig) IsEnabled() bool {
	return c.Enabled == nil || *c.Enabled
}

// ActiveAccounts normalizes the channel block into its enabled accounts.
//
// A non-empty accounts list wins and is filtered to entries not explicitly disabled.
// Otherwise one default account is synthesized from the top-level token or credential
// reference; with neither, the channel has no accounts.
func (c ChannelConfig) ActiveAccounts() []AccountConfig {
	if !c.IsEnabled() {
		return nil
	}

	allowedUsers := c.AllowedUsers
	if c.AllowedUsersEnv != "" {
		if raw := strings.TrimSpace(os.Getenv(c.AllowedUsersEnv)); raw != "" {
			allowedUsers = parseCSV(raw)
		}
	}

	if len(c.Accounts) > 0 {
		accounts := make([]AccountConfig, 0, len(c.Accounts))
		for _, entry := range c.Accounts {
			if entry.Enabled != nil && !*entry.Enabled {
				continue
			}

			id := strings.TrimSpace(entry.ID)
			if id == "" {
				id = DefaultAccountID
			}

			account := AccountConfig{
				AccountID:       id,
				CredentialRef:   strings.TrimSpace(entry.CredentialRef),
				Token:           strings.TrimSpace(entry.Token),
				AllowedChannels: firstNonEmpty(entry.AllowedChannels, c.AllowedChannels),
				AllowedUsers:    firstNonEmpty(entry.AllowedUsers, allowedUsers),
				RequireMention:  c.RequireMention,
				Enabled:         true,
			}
			if entry.RequireMention != nil {
				account.RequireMention = *entry.RequireMention
			}
			accounts = append(accounts, account)
		}
		return accounts
	}

	token := strings.TrimSpace(c.Token)
	ref := strings.TrimSpace(c.CredentialRef)
	if token == "" && ref == "" {
		return nil
	}

	return []AccountConfig{{
		AccountID:       DefaultAccountID,
		CredentialRef:   ref,
		Token:           token,
		AllowedChannels: c.AllowedChannels,
		AllowedUsers:    allowedUsers,
		RequireMention:  c.RequireMention,
		Enabled:         true,
	}}
}

func firstNonEmpty(values []string, fallback []string) []string {
	if len(values) > 0 {
		return values
	}

	return fallback
}
