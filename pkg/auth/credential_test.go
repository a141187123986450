package auth

import (
	"bytes"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"clawgate/pkg/channel"
)

func TestMask(t *testing.T) {
	t.Parallel()

	tests := []struct {
		secret string
		want   string
	}{
		{secret: "abcd1234efgh5678", want: "abcd...5678"},
		{secret: "123456789", want: "1234...6789"},
		{secret: "12345678", want: "****"},
		{secret: "short", want: "****"},
		{secret: "", want: "****"},
	}

	for _, tt := range tests {
		if got := Mask(tt.secret); got != tt.want {
			t.Fatalf("Mask(%q) = %q, want %q", tt.secret, got, tt.want)
		}
	}
}

func TestParseKind(t *testing.T) {
	t.Parallel()

	for raw, want := range map[string]Kind{
		"api_key": KindAPIKey,
		"bearer":  KindBearerToken,
		"":        KindBearerToken,
		"oauth2":  KindOAuth,
	} {
		got, err := ParseKind(raw)
		require.NoError(t, err)
		require.Equal(t, want, got)
	}

	_, err := ParseKind("saml")
	require.Error(t, err)
}

func TestOAuthExpired(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	if (OAuth{AccessToken: "a"}).Expired(now, time.Hour) {
		t.Fatal("zero expiry should never expire")
	}
	if !(OAuth{RefreshToken: "r"}).Expired(now, 0) {
		t.Fatal("missing access token should count as expired")
	}

	token := OAuth{AccessToken: "a", Expiry: now.Add(2 * time.Minute)}
	if token.Expired(now, 0) {
		t.Fatal("token inside lifetime reported expired without skew")
	}
	if !token.Expired(now, 5*time.Minute) {
		t.Fatal("token inside skew window should be due for refresh")
	}
}

func TestRenderingNeverLeaksSecrets(t *testing.T) {
	t.Parallel()

	const secret = "super-secret-token-value"

	cred := BearerToken{Token: secret}
	handle := NewStaticHandle("tg-main", secret)
	resolved := ResolvedProfile{ProfileID: "tg-main", Channel: channel.Telegram, Account: "x", Handle: handle}

	rendered := []string{
		fmt.Sprint(cred),
		fmt.Sprintf("%v %+v %s %#v", cred, cred, cred, cred),
		fmt.Sprintf("%v %+v %s %#v", handle, handle, handle, handle),
		fmt.Sprintf("%v %+v", resolved, resolved),
		fmt.Sprint(OAuth{AccessToken: secret, RefreshToken: "refresh-" + secret}),
	}

	for _, value := range []any{cred, handle, resolved, APIKey{Key: secret}} {
		encoded, err := json.Marshal(value)
		require.NoError(t, err)
		rendered = append(rendered, string(encoded))
	}

	var logs bytes.Buffer
	log := slog.New(slog.NewJSONHandler(&logs, nil))
	log.Info("resolved", "credential", cred, "handle", handle)
	rendered = append(rendered, logs.String())

	for _, out := range rendered {
		if strings.Contains(out, secret) {
			t.Fatalf("rendered output leaked the secret: %s", out)
		}
	}

	require.Contains(t, fmt.Sprint(handle), "supe...alue")
	require.Equal(t, secret, handle.Secret())
}

func TestErrorMatchesSentinelByCode(t *testing.T) {
	t.Parallel()

	err := fmt.Errorf("start gateway: %w", &Error{Code: CodeCredentialExpired, ProfileID: "p1"})

	require.ErrorIs(t, err, ErrCredentialExpired)
	require.NotErrorIs(t, err, ErrCredentialInvalid)
	require.Equal(t, CodeCredentialExpired, CodeOf(err))
	require.Equal(t, `credential_expired: profile "p1"`, (&Error{Code: CodeCredentialExpired, ProfileID: "p1"}).Error())
}

func TestReasonFor(t *testing.T) {
	t.Parallel()

	require.Equal(t, ReasonUnauthorized, ReasonFor(fmt.Errorf("connect: %w", ErrUnauthorized)))
	require.Equal(t, ReasonUnknown, ReasonFor(fmt.Errorf("connection reset")))
}
