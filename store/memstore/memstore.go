// Package memstore implements the hub data store in process memory.
// It is the backend for single-instance deployments: the membership
// index and ban rules live in local maps, and the publish relay
// invokes the bound callback synchronously on the publisher's
// goroutine.
package memstore

import (
	"sync"

	"github.com/anephenix/hub-sub000/store"
)

var _ store.Store = (*Store)(nil)

// Store is the in-memory backend. All methods are safe for
// concurrent use.
type Store struct {
	mu sync.Mutex
	// hash name -> key -> ordered set of values
	collections map[string]map[string][]string
	banRules    []store.BanRule
	onPublish   store.OnPublishFunc
}

// New creates an empty in-memory store.
func New() *Store {
	return &Store{
		collections: make(map[string]map[string][]string),
	}
}

// SetAdd adds value to the set under key in the named hash. Adding
// an existing member is a no-op.
func (s *Store) SetAdd(hash, key, value string) error {
	s.mu.Lock()
	s.setAddLocked(hash, key, value)
	s.mu.Unlock()
	return nil
}

// SetRemove removes value from the set under key in the named hash.
// Removing an absent member or key is a no-op.
func (s *Store) SetRemove(hash, key, value string) error {
	s.mu.Lock()
	s.setRemoveLocked(hash, key, value)
	s.mu.Unlock()
	return nil
}

func (s *Store) setAddLocked(hash, key, value string) {
	h := s.collections[hash]
	if h == nil {
		h = make(map[string][]string)
		s.collections[hash] = h
	}
	for _, v := range h[key] {
		if v == value {
			return
		}
	}
	h[key] = append(h[key], value)
}

func (s *Store) setRemoveLocked(hash, key, value string) {
	h := s.collections[hash]
	if h == nil {
		return
	}
	vs := h[key]
	for i, v := range vs {
		if v == value {
			h[key] = append(vs[:i:i], vs[i+1:]...)
			if len(h[key]) == 0 {
				delete(h, key)
			}
			return
		}
	}
}

// AddClientToChannel updates both halves of the membership index.
func (s *Store) AddClientToChannel(clientID, channel string) error {
	s.mu.Lock()
	s.setAddLocked(store.ChannelsHash, channel, clientID)
	s.setAddLocked(store.ClientsHash, clientID, channel)
	s.mu.Unlock()
	return nil
}

// RemoveClientFromChannel updates both halves of the membership
// index.
func (s *Store) RemoveClientFromChannel(clientID, channel string) error {
	s.mu.Lock()
	s.setRemoveLocked(store.ChannelsHash, channel, clientID)
	s.setRemoveLocked(store.ClientsHash, clientID, channel)
	s.mu.Unlock()
	return nil
}

// UnsubscribeClientFromAllChannels removes the client from every
// channel it is subscribed to.
func (s *Store) UnsubscribeClientFromAllChannels(clientID string) error {
	s.mu.Lock()
	channels := append([]string(nil), s.collections[store.ClientsHash][clientID]...)
	for _, ch := range channels {
		s.setRemoveLocked(store.ChannelsHash, ch, clientID)
		s.setRemoveLocked(store.ClientsHash, clientID, ch)
	}
	s.mu.Unlock()
	return nil
}

// ClientIDsForChannel returns the subscribers of the channel in
// insertion order, or an empty slice if the channel is unknown.
func (s *Store) ClientIDsForChannel(channel string) ([]string, error) {
	s.mu.Lock()
	ids := append([]string(nil), s.collections[store.ChannelsHash][channel]...)
	s.mu.Unlock()
	return ids, nil
}

// ChannelsForClientID returns the channels the client subscribes to
// in insertion order, or an empty slice if the client is unknown.
func (s *Store) ChannelsForClientID(clientID string) ([]string, error) {
	s.mu.Lock()
	channels := append([]string(nil), s.collections[store.ClientsHash][clientID]...)
	s.mu.Unlock()
	return channels, nil
}

// AddBanRule stores the rule unless an identical rule exists.
func (s *Store) AddBanRule(r store.BanRule) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, rr := range s.banRules {
		if rr == r {
			return nil
		}
	}
	s.banRules = append(s.banRules, r)
	return nil
}

// RemoveBanRule removes and returns the rule exactly equal to r, or
// returns nil if there is no exact match.
func (s *Store) RemoveBanRule(r store.BanRule) (*store.BanRule, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, rr := range s.banRules {
		if rr == r {
			s.banRules = append(s.banRules[:i:i], s.banRules[i+1:]...)
			return &rr, nil
		}
	}
	return nil, nil
}

// BanRules returns all stored rules.
func (s *Store) BanRules() ([]store.BanRule, error) {
	s.mu.Lock()
	rules := append([]store.BanRule(nil), s.banRules...)
	s.mu.Unlock()
	return rules, nil
}

// ClearBanRules removes all stored rules.
func (s *Store) ClearBanRules() error {
	s.mu.Lock()
	s.banRules = nil
	s.mu.Unlock()
	return nil
}

// HasBanRule returns true if any stored rule matches the candidate.
func (s *Store) HasBanRule(candidate store.BanRule) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range s.banRules {
		if r.Matches(candidate) {
			return true, nil
		}
	}
	return false, nil
}

// Publish invokes the bound callback synchronously with the event.
func (s *Store) Publish(ev *store.PubEvent) error {
	s.mu.Lock()
	fn := s.onPublish
	s.mu.Unlock()

	if fn != nil {
		fn(ev)
	}
	return nil
}

// OnPublish binds the relay callback.
func (s *Store) OnPublish(fn store.OnPublishFunc) {
	s.mu.Lock()
	s.onPublish = fn
	s.mu.Unlock()
}

// Close is a no-op for the in-memory store.
func (s *Store) Close() error {
	return nil
}
