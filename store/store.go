// Package store defines the data store contract shared by the hub
// backends: the channel membership index, the ban rule list, and the
// publish relay that lets a publish made on one hub instance reach
// subscribers connected anywhere in the fleet.
package store

import "encoding/json"

// The hash names of the two halves of the membership index, for use
// with SetAdd and SetRemove.
const (
	ChannelsHash = "channels"
	ClientsHash  = "clients"
)

// BanRule is a partial match over a connection's identity. A field
// left empty acts as a wildcard: a candidate matches a rule if every
// field set on the rule equals the candidate's corresponding field.
// Rules are deduplicated by full equality of all three fields.
type BanRule struct {
	ClientID  string `json:"clientId,omitempty"`
	Host      string `json:"host,omitempty"`
	IPAddress string `json:"ipAddress,omitempty"`
}

// Matches returns true if the candidate identity matches the rule's
// partial-match semantics. An empty rule matches nothing.
func (r BanRule) Matches(candidate BanRule) bool {
	if r == (BanRule{}) {
		return false
	}
	if r.ClientID != "" && r.ClientID != candidate.ClientID {
		return false
	}
	if r.Host != "" && r.Host != candidate.Host {
		return false
	}
	if r.IPAddress != "" && r.IPAddress != candidate.IPAddress {
		return false
	}
	return true
}

// PubEvent is a publish handed to the relay. It is what travels on
// the broadcast channel in the distributed backend.
type PubEvent struct {
	Channel string          `json:"channel"`
	Message json.RawMessage `json:"message"`
	// ClientID is the publisher's client id, empty for
	// server-initiated publishes.
	ClientID string `json:"clientId,omitempty"`
	// ExcludeSender skips delivery to the publisher's own sockets.
	ExcludeSender bool `json:"excludeSender,omitempty"`
}

// OnPublishFunc is the callback invoked for every event arriving
// through the relay, including events queued by the same instance.
type OnPublishFunc func(*PubEvent)

// Store is the backend contract. Both backends implement the same
// semantics: set-valued collections with idempotent adds and no-op
// removes of absent members, read accessors returning empty results
// for absent keys, ban rules deduplicated on add, and a relay that
// hands every published event to the bound callback.
type Store interface {
	// SetAdd adds value to the set stored under key in the named
	// hash. Adding an existing member is a no-op.
	SetAdd(hash, key, value string) error
	// SetRemove removes value from the set stored under key in the
	// named hash. Removing an absent member or key is a no-op.
	SetRemove(hash, key, value string) error

	// AddClientToChannel records the client as a subscriber of the
	// channel, updating both halves of the membership index.
	AddClientToChannel(clientID, channel string) error
	// RemoveClientFromChannel removes the client from the channel,
	// updating both halves of the membership index.
	RemoveClientFromChannel(clientID, channel string) error
	// UnsubscribeClientFromAllChannels removes the client from every
	// channel it is subscribed to.
	UnsubscribeClientFromAllChannels(clientID string) error

	// ClientIDsForChannel returns the subscriber client ids of the
	// channel, in insertion order.
	ClientIDsForChannel(channel string) ([]string, error)
	// ChannelsForClientID returns the channels the client subscribes
	// to, in insertion order.
	ChannelsForClientID(clientID string) ([]string, error)

	// AddBanRule stores the rule, unless an identical rule exists.
	AddBanRule(r BanRule) error
	// RemoveBanRule removes the rule that exactly equals r and
	// returns it, or returns nil if there is no exact match.
	RemoveBanRule(r BanRule) (*BanRule, error)
	// BanRules returns all stored rules.
	BanRules() ([]BanRule, error)
	// ClearBanRules removes all stored rules.
	ClearBanRules() error
	// HasBanRule returns true if any stored rule matches the
	// candidate identity.
	HasBanRule(candidate BanRule) (bool, error)

	// Publish hands an event to the relay. Delivery to the bound
	// callback is synchronous in the in-process backend and
	// asynchronous through the broadcast channel in the distributed
	// backend.
	Publish(ev *PubEvent) error
	// OnPublish binds the callback invoked for every event arriving
	// through the relay. It must be bound before events are
	// published.
	OnPublish(fn OnPublishFunc)

	// Close releases the resources used by the store.
	Close() error
}
