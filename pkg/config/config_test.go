package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"clawgate/pkg/channel"
)

func boolPtr(v bool) *bool { return &v }

func TestActiveAccountsFiltersDisabledEntries(t *testing.T) {
	t.Parallel()

	cfg := ChannelConfig{
		Accounts: []AccountEntry{
			{ID: "x", Token: "t1", Enabled: boolPtr(true)},
			{ID: "y", Token: "t2", Enabled: boolPtr(false)},
		},
	}

	accounts := cfg.ActiveAccounts()
	if len(accounts) != 1 {
		t.Fatalf("len(accounts) = %d, want 1", len(accounts))
	}
	if accounts[0].AccountID != "x" {
		t.Fatalf("account id = %q, want %q", accounts[0].AccountID, "x")
	}
	if accounts[0].Token != "t1" {
		t.Fatalf("account token = %q, want %q", accounts[0].Token, "t1")
	}
}

func TestActiveAccountsSynthesizesDefaultAccount(t *testing.T) {
	t.Parallel()

	cfg := ChannelConfig{
		Token:           " t0 ",
		AllowedChannels: []string{"c1"},
		AllowedUsers:    []string{"u1"},
		RequireMention:  true,
	}

	accounts := cfg.ActiveAccounts()
	require.Len(t, accounts, 1)
	require.Equal(t, AccountConfig{
		AccountID:       DefaultAccountID,
		Token:           "t0",
		AllowedChannels: []string{"c1"},
		AllowedUsers:    []string{"u1"},
		RequireMention:  true,
		Enabled:         true,
	}, accounts[0])
}

func TestActiveAccountsWithoutTokenIsEmpty(t *testing.T) {
	t.Parallel()

	if got := (ChannelConfig{AllowedUsers: []string{"u"}}).ActiveAccounts(); len(got) != 0 {
		t.Fatalf("ActiveAccounts = %+v, want none", got)
	}
	if got := (ChannelConfig{Token: "t", Enabled: boolPtr(false)}).ActiveAccounts(); len(got) != 0 {
		t.Fatalf("disabled channel ActiveAccounts = %+v, want none", got)
	}
}

func TestActiveAccountsInheritsChannelPolicy(t *testing.T) {
	t.Parallel()

	cfg := ChannelConfig{
		AllowedUsers:   []string{"owner"},
		RequireMention: true,
		Accounts: []AccountEntry{
			{ID: "a", CredentialRef: "prof-a"},
			{ID: "b", AllowedUsers: []string{"other"}, RequireMention: boolPtr(false)},
		},
	}

	accounts := cfg.ActiveAccounts()
	require.Len(t, accounts, 2)
	require.Equal(t, "prof-a", accounts[0].CredentialRef)
	require.Equal(t, []string{"owner"}, accounts[0].AllowedUsers)
	require.True(t, accounts[0].RequireMention)
	require.Equal(t, []string{"other"}, accounts[1].AllowedUsers)
	require.False(t, accounts[1].RequireMention)
}

func TestActiveAccountsAllowedUsersFromEnv(t *testing.T) {
	t.Setenv("TEST_ALLOWED_USERS", " 1, ,2 ")

	accounts := ChannelConfig{Token: "t", AllowedUsersEnv: "TEST_ALLOWED_USERS"}.ActiveAccounts()
	require.Len(t, accounts, 1)
	require.Equal(t, []string{"1", "2"}, accounts[0].AllowedUsers)
}

func TestLoadConfigFromEnvPathJSON(t *testing.T) {
	unsetConfigEnv(t)

	dir := t.TempDir()
	path := filepath.Join(dir, "config.json")
	content := `{
	  "channels": {"tg": {"token": "file-token"}},
	  "auth": {"refresh_skew_seconds": 60, "profiles": [{"id": "p1", "channel": "discord", "kind": "bearer_token", "token": "abc"}]},
	  "gateway": {"host": "127.0.0.1", "port": 18790, "restart": {"max_attempts": 2}},
	  "logging": {"format": "json", "level": "debug", "add_source": true}
	}`
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write config file: %v", err)
	}

	t.Setenv("CLAWGATE_CONFIG", path)

	cfg, err := LoadConfig()
	if err != nil {
		t.Fatalf("LoadConfig error: %v", err)
	}

	if cfg.Logging.Format != "json" {
		t.Fatalf("logging.format = %q, want %q", cfg.Logging.Format, "json")
	}
	if !cfg.Logging.AddSource {
		t.Fatal("logging.add_source = false, want true")
	}
	if cfg.Auth.RefreshSkew() != time.Minute {
		t.Fatalf("RefreshSkew = %v, want 1m", cfg.Auth.RefreshSkew())
	}
	if cfg.Gateway.Restart.Attempts() != 2 {
		t.Fatalf("restart attempts = %d, want 2", cfg.Gateway.Restart.Attempts())
	}

	telegram, ok := cfg.Channel(channel.Telegram)
	if !ok {
		t.Fatal("expected alias key tg to resolve to telegram")
	}
	if telegram.Token != "file-token" {
		t.Fatalf("telegram token = %q, want %q", telegram.Token, "file-token")
	}
}

func TestLoadConfigYAML(t *testing.T) {
	unsetConfigEnv(t)

	path := filepath.Join(t.TempDir(), "config.yaml")
	content := `
channels:
  discord:
    accounts:
      - id: main
        credential_ref: discord-main
      - id: spare
        enabled: false
auth:
  profiles:
    - id: discord-main
      channel: discord
      kind: bearer_token
      token_env: DISCORD_MAIN_TOKEN
gateway:
  port: 9000
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	cfg, err := LoadFile(path)
	require.NoError(t, err)
	require.Equal(t, 9000, cfg.Gateway.Port)
	require.Equal(t, []channel.ID{channel.Discord}, cfg.ChannelIDs())

	discord, ok := cfg.Channel(channel.Discord)
	require.True(t, ok)
	accounts := discord.ActiveAccounts()
	require.Len(t, accounts, 1)
	require.Equal(t, "main", accounts[0].AccountID)
	require.Equal(t, "discord-main", accounts[0].CredentialRef)
}

func TestLoadConfigRejectsUnknownChannel(t *testing.T) {
	unsetConfigEnv(t)

	path := filepath.Join(t.TempDir(), "config.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"channels": {"matrix": {"token": "x"}}}`), 0o600))

	_, err := LoadFile(path)
	require.ErrorContains(t, err, "unknown channel")
}

func TestValidateChannelDefaultsReferenceProfiles(t *testing.T) {
	t.Parallel()

	cfg := &Config{Auth: AuthConfig{ChannelDefaults: map[string]string{"telegram": "missing"}}}
	require.ErrorContains(t, cfg.Validate(), "unknown profile")
}

func TestEnvTokenOverride(t *testing.T) {
	unsetConfigEnv(t)
	t.Setenv("TELEGRAM_BOT_TOKEN", "env-token")

	cfg := &Config{Channels: map[string]ChannelConfig{"TG": {Token: "file-token"}}}
	applyEnvOverrides(cfg)

	require.Equal(t, "env-token", cfg.Channels["TG"].Token)
	require.NotContains(t, cfg.Channels, "telegram")
}

func TestLoadSecretsFile(t *testing.T) {
	unsetConfigEnv(t)

	path := filepath.Join(t.TempDir(), "clawgate.secrets")
	require.NoError(t, os.WriteFile(path, []byte("# comment\nCLAWGATE_TEST_SECRET=from-file\n"), 0o600))
	t.Setenv("CLAWGATE_SECRETS", path)
	t.Setenv("CLAWGATE_TEST_SECRET", "")
	require.NoError(t, os.Unsetenv("CLAWGATE_TEST_SECRET"))
	t.Cleanup(func() { _ = os.Unsetenv("CLAWGATE_TEST_SECRET") })

	require.NoError(t, LoadSecrets())
	require.Equal(t, "from-file", os.Getenv("CLAWGATE_TEST_SECRET"))
}

func TestLoadConfigInvalidEnvPath(t *testing.T) {
	t.Setenv("CLAWGATE_CONFIG", filepath.Join(t.TempDir(), "missing.json"))

	if _, err := LoadConfig(); err == nil {
		t.Fatal("expected error for missing config path")
	}
}

func TestGatewayDefaults(t *testing.T) {
	t.Parallel()

	var gw GatewayConfig
	require.Equal(t, 10*time.Second, gw.InitTimeout())
	require.Equal(t, 30*time.Second, gw.ConnectTimeout())
	require.Equal(t, 10*time.Second, gw.ShutdownGrace())
	require.Equal(t, 5, gw.Restart.Attempts())
	require.Equal(t, time.Second, gw.Restart.InitialInterval())
	require.Equal(t, 30*time.Second, gw.Restart.MaxInterval())
	require.Equal(t, 2.0, gw.Restart.Factor())
	require.Equal(t, 0, RestartConfig{MaxAttempts: -1}.Attempts())
}

func unsetConfigEnv(t *testing.T) {
	t.Helper()
	for _, name := range []string{"TELEGRAM_BOT_TOKEN", "DISCORD_BOT_TOKEN", "CLAWGATE_SECRETS"} {
		t.Setenv(name, "")
		_ = os.Unsetenv(name)
	}
}
