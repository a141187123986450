// Package auth resolves per-account channel credentials and tracks their usage.
//
// Secret values never leave this package in rendered form: every Credential and
// Handle formats, logs, and marshals as its masked representation.
package auth

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"time"
)

// Kind tags the credential variant.
type Kind string

const (
	KindAPIKey      Kind = "api_key"
	KindBearerToken Kind = "bearer_token"
	KindOAuth       Kind = "oauth"
)

// ParseKind accepts the config spellings of a credential kind.
func ParseKind(raw string) (Kind, error) {
	switch raw {
	case "api_key", "apikey", "key":
		return KindAPIKey, nil
	case "bearer_token", "bearer", "token", "":
		return KindBearerToken, nil
	case "oauth", "oauth2":
		return KindOAuth, nil
	default:
		return "", fmt.Errorf("unsupported credential kind %q", raw)
	}
}

// Credential is a sealed union over APIKey, BearerToken, and OAuth.
type Credential interface {
	Kind() Kind
	// Masked is the only form ever rendered outside this package.
	Masked() string
	secret() string
	valid() error
}

// APIKey is a static platform key.
type APIKey struct {
	Key string
}

// BearerToken is a static bot or bearer token.
type BearerToken struct {
	Token string
}

// OAuth is an access token with an optional refresh token.
type OAuth struct {
	AccessToken  string
	RefreshToken string
	Expiry       time.Time
}

func (APIKey) Kind() Kind      { return KindAPIKey }
func (BearerToken) Kind() Kind { return KindBearerToken }
func (OAuth) Kind() Kind       { return KindOAuth }

func (c APIKey) secret() string      { return c.Key }
func (c BearerToken) secret() string { return c.Token }
func (c OAuth) secret() string       { return c.AccessToken }

func (c APIKey) Masked() string      { return Mask(c.Key) }
func (c BearerToken) Masked() string { return Mask(c.Token) }
func (c OAuth) Masked() string       { return Mask(c.AccessToken) }

func (c APIKey) valid() error {
	if c.Key == "" {
		return fmt.Errorf("api key is empty")
	}
	return nil
}

func (c BearerToken) valid() error {
	if c.Token == "" {
		return fmt.Errorf("bearer token is empty")
	}
	return nil
}

func (c OAuth) valid() error {
	if c.AccessToken == "" && c.RefreshToken == "" {
		return fmt.Errorf("oauth credential has neither access nor refresh token")
	}
	return nil
}

// Expired reports whether the access token is unusable at now given the skew window.
// A zero expiry never expires.
func (c OAuth) Expired(now time.Time, skew time.Duration) bool {
	if c.AccessToken == "" {
		return true
	}
	if c.Expiry.IsZero() {
		return false
	}

	return !now.Add(skew).Before(c.Expiry)
}

func (c APIKey) String() string      { return c.Masked() }
func (c BearerToken) String() string { return c.Masked() }
func (c OAuth) String() string       { return c.Masked() }

func (c APIKey) GoString() string      { return "auth.APIKey{" + c.Masked() + "}" }
func (c BearerToken) GoString() string { return "auth.BearerToken{" + c.Masked() + "}" }
func (c OAuth) GoString() string       { return "auth.OAuth{" + c.Masked() + "}" }

func (c APIKey) LogValue() slog.Value      { return slog.StringValue(c.Masked()) }
func (c BearerToken) LogValue() slog.Value { return slog.StringValue(c.Masked()) }
func (c OAuth) LogValue() slog.Value       { return slog.StringValue(c.Masked()) }

func (c APIKey) MarshalJSON() ([]byte, error)      { return marshalMasked(c) }
func (c BearerToken) MarshalJSON() ([]byte, error) { return marshalMasked(c) }
func (c OAuth) MarshalJSON() ([]byte, error)       { return marshalMasked(c) }

func marshalMasked(c Credential) ([]byte, error) {
	return json.Marshal(struct {
		Kind   Kind   `json:"kind"`
		Masked string `json:"masked"`
	}{Kind: c.Kind(), Masked: c.Masked()})
}

// Mask renders the first and last four characters of a secret; secrets of eight
// characters or fewer render as "****".
func Mask(secret string) string {
	runes := []rune(secret)
	if len(runes) <= 8 {
		return "****"
	}

	return string(runes[:4]) + "..." + string(runes[len(runes)-4:])
}
