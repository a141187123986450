package auth

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/oauth2"
)

// Refresher exchanges an OAuth refresh token for a new access token.
type Refresher interface {
	Refresh(ctx context.Context, profileID string, current OAuth) (OAuth, error)
}

// RefresherFunc adapts a function to Refresher.
type RefresherFunc func(ctx context.Context, profileID string, current OAuth) (OAuth, error)

func (f RefresherFunc) Refresh(ctx context.Context, profileID string, current OAuth) (OAuth, error) {
	return f(ctx, profileID, current)
}

// OAuth2Refresher refreshes tokens against per-profile OAuth2 token endpoints.
type OAuth2Refresher struct {
	mu      sync.RWMutex
	clients map[string]*oauth2.Config
}

func NewOAuth2Refresher() *OAuth2Refresher {
	return &OAuth2Refresher{clients: make(map[string]*oauth2.Config)}
}

// Add registers the OAuth2 client used for one profile.
func (r *OAuth2Refresher) Add(profileID string, cfg *oauth2.Config) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.clients[profileID] = cfg
}

func (r *OAuth2Refresher) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.clients)
}

func (r *OAuth2Refresher) Refresh(ctx context.Context, profileID string, current OAuth) (OAuth, error) {
	r.mu.RLock()
	cfg, ok := r.clients[profileID]
	r.mu.RUnlock()
	if !ok {
		return OAuth{}, fmt.Errorf("no oauth client configured for profile %q", profileID)
	}

	// An expiry in the past forces the token source to hit the token endpoint.
	stale := &oauth2.Token{
		AccessToken:  current.AccessToken,
		RefreshToken: current.RefreshToken,
		Expiry:       time.Unix(1, 0),
	}

	token, err := cfg.TokenSource(ctx, stale).Token()
	if err != nil {
		return OAuth{}, fmt.Errorf("refresh oauth token: %w", err)
	}

	return OAuth{
		AccessToken:  token.AccessToken,
		RefreshToken: token.RefreshToken,
		Expiry:       token.Expiry,
	}, nil
}
