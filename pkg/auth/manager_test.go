package auth

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"clawgate/pkg/channel"
)

var testNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func newTestManager(t *testing.T, store *Store, refresher Refresher) *Manager {
	t.Helper()

	m, err := New(context.Background(), Options{
		Store:     store,
		Refresher: refresher,
		Now:       func() time.Time { return testNow },
	})
	require.NoError(t, err)

	return m
}

func TestResolveWithoutProfileIsNoCredential(t *testing.T) {
	t.Parallel()

	m := newTestManager(t, NewStore(), nil)

	_, err := m.Resolve(context.Background(), channel.Telegram, "x")
	require.ErrorIs(t, err, ErrNoCredential)
}

func TestResolveCountsUsageOnSameRecord(t *testing.T) {
	t.Parallel()

	store := NewStore()
	require.NoError(t, store.Put(Profile{ID: "tg-x", Channel: channel.Telegram, Account: "x", Credential: BearerToken{Token: "token-for-account-x"}}))
	m := newTestManager(t, store, nil)

	for range 2 {
		resolved, err := m.Resolve(context.Background(), channel.Telegram, "x")
		require.NoError(t, err)
		require.Equal(t, "tg-x", resolved.ProfileID)
		require.Equal(t, "token-for-account-x", resolved.Handle.Secret())
	}

	profile, ok, err := store.Get("tg-x")
	require.NoError(t, err)
	require.True(t, ok)
	require.EqualValues(t, 2, profile.Usage.SuccessCount)
	require.Equal(t, testNow, profile.Usage.LastUsedAt)
	require.Equal(t, 1, store.Len())
}

func TestResolveFallsBackToChannelDefault(t *testing.T) {
	t.Parallel()

	store := NewStore()
	require.NoError(t, store.Put(Profile{ID: "tg-shared", Channel: channel.Telegram, Credential: BearerToken{Token: "shared-telegram-token"}}))
	require.NoError(t, store.SetChannelDefault(channel.Telegram, "tg-shared"))
	m := newTestManager(t, store, nil)

	resolved, err := m.Resolve(context.Background(), channel.Telegram, "unbound")
	require.NoError(t, err)
	require.Equal(t, "tg-shared", resolved.ProfileID)
}

func TestChannelDefaultNeverCrossesChannels(t *testing.T) {
	t.Parallel()

	store := NewStore()
	require.NoError(t, store.Put(Profile{ID: "dc-main", Channel: channel.Discord, Credential: BearerToken{Token: "discord-bot-token"}}))

	err := store.SetChannelDefault(channel.Telegram, "dc-main")
	require.ErrorIs(t, err, ErrInvalidRecord)
	require.ErrorIs(t, store.Bind(channel.Telegram, "x", "dc-main"), ErrInvalidRecord)

	m := newTestManager(t, store, nil)
	_, err = m.Resolve(context.Background(), channel.Telegram, "x")
	require.ErrorIs(t, err, ErrNoCredential)
}

func TestPutRejectsInvalidRecords(t *testing.T) {
	t.Parallel()

	store := NewStore()
	require.ErrorIs(t, store.Put(Profile{ID: "", Channel: channel.Telegram, Credential: BearerToken{Token: "t"}}), ErrInvalidRecord)
	require.ErrorIs(t, store.Put(Profile{ID: "p", Channel: "tg", Credential: BearerToken{Token: "t"}}), ErrInvalidRecord)
	require.ErrorIs(t, store.Put(Profile{ID: "p", Channel: channel.Telegram, Credential: BearerToken{}}), ErrInvalidRecord)
	require.ErrorIs(t, store.Put(Profile{ID: "p", Channel: channel.Telegram}), ErrInvalidRecord)

	require.NoError(t, store.Put(Profile{ID: "p", Channel: channel.Telegram, Credential: BearerToken{Token: "t"}}))
	require.ErrorIs(t, store.Put(Profile{ID: "p", Channel: channel.Discord, Credential: BearerToken{Token: "t"}}), ErrInvalidRecord)
}

func TestPutMovesAccountBinding(t *testing.T) {
	t.Parallel()

	store := NewStore()
	require.NoError(t, store.Put(Profile{ID: "tg-p", Channel: channel.Telegram, Account: "old", Credential: BearerToken{Token: "token-one"}}))
	require.NoError(t, store.Put(Profile{ID: "tg-p", Channel: channel.Telegram, Account: "new", Credential: BearerToken{Token: "token-two"}}))

	_, ok, err := store.Lookup(channel.Telegram, "old")
	require.NoError(t, err)
	require.False(t, ok, "old account must not resolve to the moved profile")

	profile, ok, err := store.Lookup(channel.Telegram, "new")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "tg-p", profile.ID)
}

func TestExpiredOAuthWithFailingRefreshStaysValid(t *testing.T) {
	t.Parallel()

	original := OAuth{AccessToken: "expired-access-token", RefreshToken: "refresh-token", Expiry: testNow.Add(-time.Hour)}
	store := NewStore()
	require.NoError(t, store.Put(Profile{ID: "slack-x", Channel: channel.Slack, Account: "x", Credential: original}))

	refresher := RefresherFunc(func(context.Context, string, OAuth) (OAuth, error) {
		return OAuth{}, errors.New("token endpoint unavailable")
	})
	m := newTestManager(t, store, refresher)

	_, err := m.Resolve(context.Background(), channel.Slack, "x")
	require.ErrorIs(t, err, ErrCredentialExpired)

	profile, _, err := store.Get("slack-x")
	require.NoError(t, err)
	require.False(t, profile.Invalidated)
	require.Equal(t, original, profile.Credential)
	require.Zero(t, profile.Usage.SuccessCount)
}

func TestOAuthWithoutRefreshToken(t *testing.T) {
	t.Parallel()

	store := NewStore()
	require.NoError(t, store.Put(Profile{ID: "live", Channel: channel.Slack, Account: "live", Credential: OAuth{AccessToken: "live-access-token", Expiry: testNow.Add(time.Minute)}}))
	require.NoError(t, store.Put(Profile{ID: "dead", Channel: channel.Slack, Account: "dead", Credential: OAuth{AccessToken: "dead-access-token", Expiry: testNow.Add(-time.Minute)}}))
	m := newTestManager(t, store, nil)

	resolved, err := m.Resolve(context.Background(), channel.Slack, "live")
	require.NoError(t, err)
	require.Equal(t, "live-access-token", resolved.Handle.Secret())

	_, err = m.Resolve(context.Background(), channel.Slack, "dead")
	require.ErrorIs(t, err, ErrCredentialExpired)
}

func TestResolveRefreshesInsideSkewWindow(t *testing.T) {
	t.Parallel()

	store := NewStore()
	require.NoError(t, store.Put(Profile{ID: "slack-x", Channel: channel.Slack, Account: "x", Credential: OAuth{
		AccessToken:  "old-access-token",
		RefreshToken: "refresh-token",
		Expiry:       testNow.Add(time.Minute),
	}}))

	refresher := RefresherFunc(func(_ context.Context, profileID string, current OAuth) (OAuth, error) {
		require.Equal(t, "slack-x", profileID)
		require.Equal(t, "refresh-token", current.RefreshToken)
		return OAuth{AccessToken: "new-access-token", Expiry: testNow.Add(time.Hour)}, nil
	})
	m := newTestManager(t, store, refresher)

	resolved, err := m.Resolve(context.Background(), channel.Slack, "x")
	require.NoError(t, err)
	require.Equal(t, "new-access-token", resolved.Handle.Secret())
	require.Equal(t, testNow, resolved.LastValidatedAt)

	profile, _, err := store.Get("slack-x")
	require.NoError(t, err)
	stored, ok := profile.Credential.(OAuth)
	require.True(t, ok)
	require.Equal(t, "refresh-token", stored.RefreshToken)
	require.Equal(t, testNow.Add(time.Hour), stored.Expiry)
}

func TestConcurrentResolveRefreshesOnce(t *testing.T) {
	t.Parallel()

	store := NewStore()
	require.NoError(t, store.Put(Profile{ID: "slack-x", Channel: channel.Slack, Account: "x", Credential: OAuth{
		AccessToken:  "old-access-token",
		RefreshToken: "refresh-token",
		Expiry:       testNow.Add(-time.Second),
	}}))

	var calls atomic.Int32
	refresher := RefresherFunc(func(context.Context, string, OAuth) (OAuth, error) {
		calls.Add(1)
		time.Sleep(20 * time.Millisecond)
		return OAuth{AccessToken: "new-access-token", RefreshToken: "refresh-token-2", Expiry: testNow.Add(time.Hour)}, nil
	})
	m := newTestManager(t, store, refresher)

	const workers = 8
	var wg sync.WaitGroup
	errs := make(chan error, workers)
	for range workers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			resolved, err := m.Resolve(context.Background(), channel.Slack, "x")
			if err == nil && resolved.Handle.Secret() != "new-access-token" {
				err = errors.New("resolved stale token")
			}
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		require.NoError(t, err)
	}
	require.EqualValues(t, 1, calls.Load())

	profile, _, err := store.Get("slack-x")
	require.NoError(t, err)
	require.EqualValues(t, workers, profile.Usage.SuccessCount)
}

func TestUnauthorizedInvalidatesUntilReplaced(t *testing.T) {
	t.Parallel()

	store := NewStore()
	require.NoError(t, store.Put(Profile{ID: "dc-x", Channel: channel.Discord, Account: "x", Credential: BearerToken{Token: "revoked-discord-token"}}))
	m := newTestManager(t, store, nil)

	require.NoError(t, m.ReportFailure("dc-x", ReasonUnauthorized, errors.New("401")))

	_, err := m.Resolve(context.Background(), channel.Discord, "x")
	require.ErrorIs(t, err, ErrCredentialInvalid)

	summaries := m.Summaries()
	require.Len(t, summaries, 1)
	require.True(t, summaries[0].Invalidated)
	require.Equal(t, "unauthorized: 401", summaries[0].InvalidReason)
	require.EqualValues(t, 1, summaries[0].Usage.FailureCount)

	require.NoError(t, m.Replace(context.Background(), Profile{ID: "dc-x", Channel: channel.Discord, Account: "x", Credential: BearerToken{Token: "fresh-discord-token"}}))

	resolved, err := m.Resolve(context.Background(), channel.Discord, "x")
	require.NoError(t, err)
	require.Equal(t, "fresh-discord-token", resolved.Handle.Secret())
	require.EqualValues(t, 1, resolved.Usage.FailureCount)
}

func TestReportFailureNonAuthKeepsProfileUsable(t *testing.T) {
	t.Parallel()

	store := NewStore()
	require.NoError(t, store.Put(Profile{ID: "dc-x", Channel: channel.Discord, Account: "x", Credential: BearerToken{Token: "discord-token-x"}}))
	m := newTestManager(t, store, nil)

	require.NoError(t, m.ReportFailure("dc-x", ReasonRateLimited, nil))
	require.ErrorIs(t, m.ReportFailure("missing", ReasonNetwork, nil), ErrNoCredential)

	resolved, err := m.Resolve(context.Background(), channel.Discord, "x")
	require.NoError(t, err)
	require.EqualValues(t, 1, resolved.Usage.FailureCount)
	require.Equal(t, ReasonRateLimited, resolved.Usage.LastFailureReason)
}

func TestClosedStoreIsUnavailable(t *testing.T) {
	t.Parallel()

	store := NewStore()
	require.NoError(t, store.Put(Profile{ID: "tg-x", Channel: channel.Telegram, Account: "x", Credential: BearerToken{Token: "telegram-token"}}))
	m := newTestManager(t, store, nil)

	require.NoError(t, m.Close(context.Background()))

	_, err := m.Resolve(context.Background(), channel.Telegram, "x")
	require.ErrorIs(t, err, ErrStoreUnavailable)
	require.ErrorIs(t, store.Put(Profile{ID: "tg-y", Channel: channel.Telegram, Credential: BearerToken{Token: "t"}}), ErrStoreUnavailable)
}

func TestResolveHonorsContextWhileWaitingForLock(t *testing.T) {
	t.Parallel()

	store := NewStore()
	require.NoError(t, store.Put(Profile{ID: "tg-x", Channel: channel.Telegram, Account: "x", Credential: BearerToken{Token: "telegram-token"}}))
	m := newTestManager(t, store, nil)

	lock := m.lockFor("tg-x")
	require.NoError(t, lock.Lock(context.Background()))
	defer lock.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := m.Resolve(ctx, channel.Telegram, "x")
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

type memoryUsage struct {
	mu    sync.Mutex
	saved map[string]Usage
}

func (u *memoryUsage) LoadUsage(context.Context) (map[string]Usage, error) {
	u.mu.Lock()
	defer u.mu.Unlock()

	out := make(map[string]Usage, len(u.saved))
	for id, usage := range u.saved {
		out[id] = usage
	}
	return out, nil
}

func (u *memoryUsage) SaveUsage(_ context.Context, usage map[string]Usage) error {
	u.mu.Lock()
	defer u.mu.Unlock()

	u.saved = usage
	return nil
}

func TestUsagePersistsThroughSink(t *testing.T) {
	t.Parallel()

	sink := &memoryUsage{saved: map[string]Usage{
		"tg-x":    {SuccessCount: 5, FailureCount: 1},
		"retired": {SuccessCount: 9},
	}}

	store := NewStore()
	require.NoError(t, store.Put(Profile{ID: "tg-x", Channel: channel.Telegram, Account: "x", Credential: BearerToken{Token: "telegram-token"}}))

	m, err := New(context.Background(), Options{Store: store, Usage: sink, Now: func() time.Time { return testNow }})
	require.NoError(t, err)

	resolved, err := m.Resolve(context.Background(), channel.Telegram, "x")
	require.NoError(t, err)
	require.EqualValues(t, 6, resolved.Usage.SuccessCount)
	require.Equal(t, 1, store.Len())

	require.NoError(t, m.Flush(context.Background()))
	require.EqualValues(t, 6, sink.saved["tg-x"].SuccessCount)
	require.EqualValues(t, 1, sink.saved["tg-x"].FailureCount)
}
