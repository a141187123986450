package auth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	cmap "github.com/orcaman/concurrent-map/v2"

	"clawgate/pkg/channel"
	"clawgate/pkg/metrics"
)

const defaultRefreshSkew = 5 * time.Minute

// UsageSink persists usage statistics across process runs.
type UsageSink interface {
	LoadUsage(ctx context.Context) (map[string]Usage, error)
	SaveUsage(ctx context.Context, usage map[string]Usage) error
}

// Options is the explicit context the Manager is built from.
type Options struct {
	Store     *Store
	Refresher Refresher
	Usage     UsageSink
	// RefreshSkew is how long before expiry an OAuth token is refreshed.
	RefreshSkew time.Duration
	Now         func() time.Time
	Log         *slog.Logger
	Metrics     *metrics.Metrics
}

// Manager resolves credentials for (channel, account) pairs and owns their usage stats.
type Manager struct {
	store     *Store
	refresher Refresher
	usage     UsageSink
	skew      time.Duration
	now       func() time.Time
	log       *slog.Logger
	metrics   *metrics.Metrics

	// locks serializes resolution per profile so one refresh runs at a time.
	locks cmap.ConcurrentMap[string, *profileLock]
}

// New builds a Manager and loads persisted usage for the profiles already in the store.
func New(ctx context.Context, opts Options) (*Manager, error) {
	if opts.Store == nil {
		return nil, errors.New("credential store is required")
	}
	if opts.RefreshSkew <= 0 {
		opts.RefreshSkew = defaultRefreshSkew
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Log == nil {
		opts.Log = slog.Default()
	}

	m := &Manager{
		store:     opts.Store,
		refresher: opts.Refresher,
		usage:     opts.Usage,
		skew:      opts.RefreshSkew,
		now:       opts.Now,
		log:       opts.Log.With("component", "auth.manager"),
		metrics:   opts.Metrics,
		locks:     cmap.New[*profileLock](),
	}

	if m.usage != nil {
		persisted, err := m.usage.LoadUsage(ctx)
		if err != nil {
			return nil, fmt.Errorf("load credential usage: %w", err)
		}
		for id, usage := range persisted {
			// Profiles dropped from config keep their rows but are not resurrected.
			_, _ = m.store.update(id, func(p *Profile) { p.Usage = usage })
		}
	}

	return m, nil
}

// Resolve returns the credential for (ch, account), or the channel default when the
// account has no binding. Each success counts as one use of the profile.
func (m *Manager) Resolve(ctx context.Context, ch channel.ID, account string) (ResolvedProfile, error) {
	resolved, err := m.resolve(ctx, ch, account)

	result := "ok"
	if err != nil {
		result = string(CodeOf(err))
		if result == "" {
			result = "error"
		}
	}
	m.metrics.CredentialResolved(string(ch), result)

	return resolved, err
}

func (m *Manager) resolve(ctx context.Context, ch channel.ID, account string) (ResolvedProfile, error) {
	candidate, ok, err := m.store.Lookup(ch, account)
	if err != nil {
		return ResolvedProfile{}, err
	}
	if !ok {
		return ResolvedProfile{}, &Error{Code: CodeNoCredential, Channel: ch, Account: account}
	}

	lock := m.lockFor(candidate.ID)
	if err := lock.Lock(ctx); err != nil {
		return ResolvedProfile{}, fmt.Errorf("wait for profile %q: %w", candidate.ID, err)
	}
	defer lock.Unlock()

	// Re-read under the lock: a concurrent holder may have refreshed or invalidated it.
	profile, ok, err := m.store.Get(candidate.ID)
	if err != nil {
		return ResolvedProfile{}, err
	}
	if !ok {
		return ResolvedProfile{}, &Error{Code: CodeNoCredential, Channel: ch, Account: account}
	}

	if profile.Invalidated {
		return ResolvedProfile{}, &Error{Code: CodeCredentialInvalid, ProfileID: profile.ID, Err: errors.New(profile.InvalidReason)}
	}

	if oauth, isOAuth := profile.Credential.(OAuth); isOAuth && oauth.Expired(m.now(), m.skew) {
		profile, err = m.refreshLocked(ctx, profile, oauth)
		if err != nil {
			return ResolvedProfile{}, err
		}
	}

	now := m.now()
	profile, err = m.store.update(profile.ID, func(p *Profile) {
		p.Usage.SuccessCount++
		p.Usage.LastUsedAt = now
	})
	if err != nil {
		return ResolvedProfile{}, err
	}

	return ResolvedProfile{
		ProfileID:       profile.ID,
		Channel:         ch,
		Account:         account,
		Handle:          newHandle(profile),
		Usage:           profile.Usage,
		LastValidatedAt: profile.LastValidatedAt,
	}, nil
}

// refreshLocked refreshes an OAuth profile nearing expiry. The caller holds the profile lock.
//
// A token still inside its lifetime without a refresh token is returned as is; one past
// expiry, or any failed refresh, is CredentialExpired and the record is left untouched.
func (m *Manager) refreshLocked(ctx context.Context, profile Profile, current OAuth) (Profile, error) {
	now := m.now()
	pastExpiry := current.Expired(now, 0)

	if current.RefreshToken == "" || m.refresher == nil {
		if !pastExpiry {
			return profile, nil
		}
		return Profile{}, &Error{Code: CodeCredentialExpired, ProfileID: profile.ID, Err: errors.New("no refresh token")}
	}

	refreshed, err := m.refresher.Refresh(ctx, profile.ID, current)
	m.metrics.CredentialRefreshed(err == nil)
	if err != nil {
		m.log.Warn("OAuth refresh failed", "profile_id", profile.ID, "credential", current, "error", err)
		return Profile{}, &Error{Code: CodeCredentialExpired, ProfileID: profile.ID, Err: err}
	}
	if refreshed.AccessToken == "" {
		return Profile{}, &Error{Code: CodeCredentialExpired, ProfileID: profile.ID, Err: errors.New("refresh returned empty access token")}
	}
	if refreshed.RefreshToken == "" {
		refreshed.RefreshToken = current.RefreshToken
	}

	updated, err := m.store.update(profile.ID, func(p *Profile) {
		p.Credential = refreshed
		p.LastValidatedAt = now
	})
	if err != nil {
		return Profile{}, err
	}

	m.log.Info("OAuth credential refreshed", "profile_id", profile.ID, "credential", refreshed, "expiry", refreshed.Expiry)
	return updated, nil
}

// ReportFailure records a failed use of a profile. Unauthorized invalidates the profile
// until it is replaced.
func (m *Manager) ReportFailure(profileID string, reason Reason, detail error) error {
	if reason == "" {
		reason = ReasonUnknown
	}

	now := m.now()
	profile, err := m.store.update(profileID, func(p *Profile) {
		p.Usage.FailureCount++
		p.Usage.LastFailureAt = now
		p.Usage.LastFailureReason = reason
		if reason == ReasonUnauthorized {
			p.Invalidated = true
			p.InvalidReason = string(reason)
			if detail != nil {
				p.InvalidReason += ": " + detail.Error()
			}
		}
	})
	if err != nil {
		return err
	}

	m.metrics.CredentialFailureReported(string(reason))
	if profile.Invalidated {
		m.log.Warn("Credential invalidated", "profile_id", profileID, "credential", profile.Credential, "reason", reason)
	}

	return nil
}

// Replace swaps in a whole new record for a profile, clearing invalidation.
func (m *Manager) Replace(ctx context.Context, profile Profile) error {
	lock := m.lockFor(profile.ID)
	if err := lock.Lock(ctx); err != nil {
		return err
	}
	defer lock.Unlock()

	profile.LastValidatedAt = m.now()
	return m.store.Put(profile)
}

// Summaries returns masked views of every profile for status output.
func (m *Manager) Summaries() []Summary {
	profiles := m.store.List()
	out := make([]Summary, 0, len(profiles))
	for _, profile := range profiles {
		out = append(out, summarize(profile))
	}

	return out
}

// Flush writes current usage to the sink.
func (m *Manager) Flush(ctx context.Context) error {
	if m.usage == nil {
		return nil
	}

	if err := m.usage.SaveUsage(ctx, m.store.usageSnapshot()); err != nil {
		return fmt.Errorf("save credential usage: %w", err)
	}

	return nil
}

// Close flushes usage and closes the store.
func (m *Manager) Close(ctx context.Context) error {
	err := m.Flush(ctx)
	m.store.Close()
	return err
}

func (m *Manager) lockFor(profileID string) *profileLock {
	m.locks.SetIfAbsent(profileID, newProfileLock())
	lock, _ := m.locks.Get(profileID)
	return lock
}

// profileLock is a mutex whose acquisition honors context cancellation.
type profileLock struct {
	ch chan struct{}
}

func newProfileLock() *profileLock {
	return &profileLock{ch: make(chan struct{}, 1)}
}

func (l *profileLock) Lock(ctx context.Context) error {
	select {
	case l.ch <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (l *profileLock) Unlock() {
	<-l.ch
}
