package auth

import (
	"encoding/json"
	"log/slog"
	"time"

	"clawgate/pkg/channel"
)

// Usage counts how a profile has been used since it was first loaded.
type Usage struct {
	SuccessCount      int64     `json:"success_count"`
	FailureCount      int64     `json:"failure_count"`
	LastUsedAt        time.Time `json:"last_used_at,omitzero"`
	LastFailureAt     time.Time `json:"last_failure_at,omitzero"`
	LastFailureReason Reason    `json:"last_failure_reason,omitempty"`
}

// Profile is one credential record. Records are replaced whole, never patched.
type Profile struct {
	ID      string
	Channel channel.ID
	// Account binds the profile to one account; empty leaves it unbound.
	Account    string
	Credential Credential

	Usage           Usage
	LastValidatedAt time.Time
	Invalidated     bool
	InvalidReason   string
}

// Handle is the credential reference handed to a gateway factory.
//
// It renders masked everywhere; Secret is the single accessor for the raw value.
type Handle struct {
	profileID string
	kind      Kind
	secret    string
	masked    string
}

func newHandle(p Profile) Handle {
	return Handle{
		profileID: p.ID,
		kind:      p.Credential.Kind(),
		secret:    p.Credential.secret(),
		masked:    p.Credential.Masked(),
	}
}

// NewStaticHandle wraps a raw token for tests and callers outside the manager.
func NewStaticHandle(profileID string, token string) Handle {
	return newHandle(Profile{ID: profileID, Credential: BearerToken{Token: token}})
}

func (h Handle) ProfileID() string { return h.profileID }
func (h Handle) Kind() Kind        { return h.kind }
func (h Handle) IsZero() bool      { return h.secret == "" }

// Secret returns the raw credential for use on the wire by a gateway.
func (h Handle) Secret() string { return h.secret }

func (h Handle) String() string       { return h.masked }
func (h Handle) GoString() string     { return "auth.Handle{" + h.profileID + " " + h.masked + "}" }
func (h Handle) LogValue() slog.Value { return slog.StringValue(h.masked) }

func (h Handle) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		ProfileID string `json:"profile_id"`
		Kind      Kind   `json:"kind"`
		Masked    string `json:"masked"`
	}{ProfileID: h.profileID, Kind: h.kind, Masked: h.masked})
}

// ResolvedProfile is the result of a successful resolution.
type ResolvedProfile struct {
	ProfileID       string
	Channel         channel.ID
	Account         string
	Handle          Handle
	Usage           Usage
	LastValidatedAt time.Time
}

// Summary is the masked, operator-facing view of a profile.
type Summary struct {
	ID              string     `json:"id"`
	Channel         channel.ID `json:"channel"`
	Account         string     `json:"account,omitempty"`
	Kind            Kind       `json:"kind"`
	Masked          string     `json:"masked"`
	Expiry          time.Time  `json:"expiry,omitzero"`
	Usage           Usage      `json:"usage"`
	LastValidatedAt time.Time  `json:"last_validated_at,omitzero"`
	Invalidated     bool       `json:"invalidated"`
	InvalidReason   string     `json:"invalid_reason,omitempty"`
}

func summarize(p Profile) Summary {
	summary := Summary{
		ID:              p.ID,
		Channel:         p.Channel,
		Account:         p.Account,
		Kind:            p.Credential.Kind(),
		Masked:          p.Credential.Masked(),
		Usage:           p.Usage,
		LastValidatedAt: p.LastValidatedAt,
		Invalidated:     p.Invalidated,
		InvalidReason:   p.InvalidReason,
	}
	if oauth, ok := p.Credential.(OAuth); ok {
		summary.Expiry = oauth.Expiry
	}

	return summary
}
