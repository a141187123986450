package auth

import (
	"fmt"
	"strings"
	"sync"

	"clawgate/pkg/channel"
)

type bindingKey struct {
	channel channel.ID
	account string
}

// Store holds credential records keyed by profile id, plus account bindings and
// per-channel default profiles.
type Store struct {
	mu       sync.RWMutex
	closed   bool
	profiles map[string]Profile
	order    []string
	bindings map[bindingKey]string
	defaults map[channel.ID]string
}

func NewStore() *Store {
	return &Store{
		profiles: make(map[string]Profile),
		bindings: make(map[bindingKey]string),
		defaults: make(map[channel.ID]string),
	}
}

// Put inserts or wholly replaces a profile. A profile with an Account is bound to it.
//
// Replacement keeps accumulated usage and clears invalidation.
func (s *Store) Put(p Profile) error {
	if err := validateProfile(p); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return &Error{Code: CodeStoreUnavailable, ProfileID: p.ID}
	}

	if existing, ok := s.profiles[p.ID]; ok {
		if existing.Channel != p.Channel {
			return &Error{Code: CodeInvalidRecord, ProfileID: p.ID, Err: fmt.Errorf("profile belongs to channel %s", existing.Channel)}
		}
		if p.Usage == (Usage{}) {
			p.Usage = existing.Usage
		}
		if existing.Account != "" && existing.Account != p.Account {
			previous := bindingKey{channel: existing.Channel, account: existing.Account}
			if s.bindings[previous] == p.ID {
				delete(s.bindings, previous)
			}
		}
	} else {
		s.order = append(s.order, p.ID)
	}

	p.Invalidated = false
	p.InvalidReason = ""
	s.profiles[p.ID] = p

	if p.Account != "" {
		s.bindings[bindingKey{channel: p.Channel, account: p.Account}] = p.ID
	}

	return nil
}

// Bind routes (channel, account) to an existing profile of the same channel.
func (s *Store) Bind(ch channel.ID, account string, profileID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.checkOwnerLocked(ch, profileID); err != nil {
		return err
	}

	s.bindings[bindingKey{channel: ch, account: account}] = profileID
	return nil
}

// SetChannelDefault makes profileID the fallback for unbound accounts on ch.
func (s *Store) SetChannelDefault(ch channel.ID, profileID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.checkOwnerLocked(ch, profileID); err != nil {
		return err
	}

	s.defaults[ch] = profileID
	return nil
}

func (s *Store) checkOwnerLocked(ch channel.ID, profileID string) error {
	if s.closed {
		return &Error{Code: CodeStoreUnavailable, ProfileID: profileID}
	}

	profile, ok := s.profiles[profileID]
	if !ok {
		return &Error{Code: CodeNoCredential, ProfileID: profileID}
	}
	if profile.Channel != ch {
		// Profiles never serve another channel's accounts.
		return &Error{Code: CodeInvalidRecord, ProfileID: profileID, Err: fmt.Errorf("profile belongs to channel %s, not %s", profile.Channel, ch)}
	}

	return nil
}

// Lookup finds the profile for (channel, account), falling back to the channel default.
func (s *Store) Lookup(ch channel.ID, account string) (Profile, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return Profile{}, false, &Error{Code: CodeStoreUnavailable, Channel: ch, Account: account}
	}

	if id, ok := s.bindings[bindingKey{channel: ch, account: account}]; ok {
		if profile, ok := s.profiles[id]; ok {
			return profile, true, nil
		}
	}

	if id, ok := s.defaults[ch]; ok {
		if profile, ok := s.profiles[id]; ok {
			return profile, true, nil
		}
	}

	return Profile{}, false, nil
}

func (s *Store) Get(profileID string) (Profile, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return Profile{}, false, &Error{Code: CodeStoreUnavailable, ProfileID: profileID}
	}

	profile, ok := s.profiles[profileID]
	return profile, ok, nil
}

// List returns profiles in insertion order.
func (s *Store) List() []Profile {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]Profile, 0, len(s.order))
	for _, id := range s.order {
		out = append(out, s.profiles[id])
	}

	return out
}

// Len counts stored profiles.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return len(s.profiles)
}

// update applies fn to the stored copy of a profile under the write lock.
func (s *Store) update(profileID string, fn func(*Profile)) (Profile, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return Profile{}, &Error{Code: CodeStoreUnavailable, ProfileID: profileID}
	}

	profile, ok := s.profiles[profileID]
	if !ok {
		return Profile{}, &Error{Code: CodeNoCredential, ProfileID: profileID}
	}

	fn(&profile)
	s.profiles[profileID] = profile
	return profile, nil
}

func (s *Store) usageSnapshot() map[string]Usage {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make(map[string]Usage, len(s.profiles))
	for id, profile := range s.profiles {
		out[id] = profile.Usage
	}

	return out
}

// Close makes every later operation fail with ErrStoreUnavailable.
func (s *Store) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
}

func validateProfile(p Profile) error {
	if strings.TrimSpace(p.ID) == "" {
		return &Error{Code: CodeInvalidRecord, Err: fmt.Errorf("profile id is required")}
	}
	if id, ok := channel.Normalize(string(p.Channel)); !ok || id != p.Channel {
		return &Error{Code: CodeInvalidRecord, ProfileID: p.ID, Err: fmt.Errorf("unknown channel %q", p.Channel)}
	}
	if p.Credential == nil {
		return &Error{Code: CodeInvalidRecord, ProfileID: p.ID, Err: fmt.Errorf("credential is required")}
	}
	if err := p.Credential.valid(); err != nil {
		return &Error{Code: CodeInvalidRecord, ProfileID: p.ID, Err: err}
	}

	return nil
}
