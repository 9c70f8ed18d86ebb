// Package redisstore implements the hub data store using redis as
// backend, for fleets of hub instances sharing subscription state.
// The membership index is kept in two redis hashes whose fields hold
// JSON-encoded arrays, ban rules in a list of JSON-encoded rules,
// and the publish relay uses redis pub-sub: every instance holds a
// dedicated connection subscribed to a broadcast channel and invokes
// its bound callback for each event arriving on it, including events
// the same instance published.
package redisstore

import (
	"encoding/json"
	"expvar"
	"log"
	"sync"
	"time"

	"github.com/gomodule/redigo/redis"
	"github.com/mna/redisc"

	"github.com/anephenix/hub-sub000/store"
)

var _ store.Store = (*Store)(nil)

// DiscardLog is a no-op logging function that can be used as
// Store.LogFunc to disable logging.
var DiscardLog = func(_ string, _ ...interface{}) {}

// Pool defines the methods required for a redis pool that provides
// a method to get a connection and to release the pool's resources.
type Pool interface {
	// Get returns a redis connection.
	Get() redis.Conn

	// Close releases the resources used by the pool.
	Close() error
}

// Keys holds the redis key names used by the store. Empty fields
// fall back to the defaults.
type Keys struct {
	// Channels is the hash mapping each channel name to the JSON
	// array of its subscriber client ids. Defaults to "hub:channels".
	Channels string
	// Clients is the hash mapping each client id to the JSON array
	// of its subscribed channels. Defaults to "hub:clients".
	Clients string
	// BanRules is the list of JSON-encoded ban rules. Defaults to
	// "hub:banrules".
	BanRules string
	// Broadcast is the pub-sub channel carrying publish events to
	// every instance. Defaults to "hub:events".
	Broadcast string
}

func (k Keys) withDefaults() Keys {
	if k.Channels == "" {
		k.Channels = "hub:channels"
	}
	if k.Clients == "" {
		k.Clients = "hub:clients"
	}
	if k.BanRules == "" {
		k.BanRules = "hub:banrules"
	}
	if k.Broadcast == "" {
		k.Broadcast = "hub:events"
	}
	return k
}

// Store is the redis-backed hub data store.
type Store struct {
	// prevent unkeyed literals
	_ struct{}

	// Pool is the redis pool or redisc cluster to use to get
	// short-lived connections.
	Pool Pool

	// Dial is the function to call to get a non-pooled, long-lived
	// redis connection, used for the broadcast subscription.
	// Typically, it can be set to redis.Pool.Dial or
	// redisc.Cluster.Dial.
	Dial func() (redis.Conn, error)

	// Keys configures the redis key names used by the store.
	Keys Keys

	// LogFunc is the logging function to use. If nil, log.Printf is
	// used. It can be set to DiscardLog to disable logging.
	LogFunc func(string, ...interface{})

	// Vars can be set to an *expvar.Map to collect metrics about the
	// store.
	Vars *expvar.Map

	mu        sync.Mutex
	onPublish store.OnPublishFunc

	// once makes sure the broadcast listener starts only once.
	once sync.Once
	subc redis.Conn

	closeOnce sync.Once
	kill      chan struct{}
}

func (s *Store) keys() Keys {
	return s.Keys.withDefaults()
}

func (s *Store) hashKey(hash string) string {
	if hash == store.ClientsHash {
		return s.keys().Clients
	}
	return s.keys().Channels
}

// SetAdd adds value to the JSON-array set stored under the hash
// field key. Adding an existing member is a no-op. The
// read-modify-write is not atomic across instances; a lost update
// under concurrent identical adds is harmless since members are
// deduplicated.
func (s *Store) SetAdd(hash, key, value string) error {
	rc := s.getConn(s.hashKey(hash))
	defer rc.Close()

	vs, err := s.readSet(rc, s.hashKey(hash), key)
	if err != nil {
		return err
	}
	for _, v := range vs {
		if v == value {
			return nil
		}
	}
	return s.writeSet(rc, s.hashKey(hash), key, append(vs, value))
}

// SetRemove removes value from the JSON-array set stored under the
// hash field key. Removing an absent member or key is a no-op.
func (s *Store) SetRemove(hash, key, value string) error {
	rc := s.getConn(s.hashKey(hash))
	defer rc.Close()

	vs, err := s.readSet(rc, s.hashKey(hash), key)
	if err != nil {
		return err
	}
	for i, v := range vs {
		if v == value {
			return s.writeSet(rc, s.hashKey(hash), key, append(vs[:i:i], vs[i+1:]...))
		}
	}
	return nil
}

// AddClientToChannel updates both halves of the membership index.
func (s *Store) AddClientToChannel(clientID, channel string) error {
	if err := s.SetAdd(store.ChannelsHash, channel, clientID); err != nil {
		return err
	}
	return s.SetAdd(store.ClientsHash, clientID, channel)
}

// RemoveClientFromChannel updates both halves of the membership
// index.
func (s *Store) RemoveClientFromChannel(clientID, channel string) error {
	if err := s.SetRemove(store.ChannelsHash, channel, clientID); err != nil {
		return err
	}
	return s.SetRemove(store.ClientsHash, clientID, channel)
}

// UnsubscribeClientFromAllChannels removes the client from every
// channel it is subscribed to.
func (s *Store) UnsubscribeClientFromAllChannels(clientID string) error {
	channels, err := s.ChannelsForClientID(clientID)
	if err != nil {
		return err
	}
	for _, ch := range channels {
		if err := s.RemoveClientFromChannel(clientID, ch); err != nil {
			return err
		}
	}
	return nil
}

// ClientIDsForChannel returns the subscribers of the channel in
// insertion order, or an empty slice if the channel is unknown.
func (s *Store) ClientIDsForChannel(channel string) ([]string, error) {
	rc := s.getConn(s.keys().Channels)
	defer rc.Close()
	return s.readSet(rc, s.keys().Channels, channel)
}

// ChannelsForClientID returns the channels the client subscribes to
// in insertion order, or an empty slice if the client is unknown.
func (s *Store) ChannelsForClientID(clientID string) ([]string, error) {
	rc := s.getConn(s.keys().Clients)
	defer rc.Close()
	return s.readSet(rc, s.keys().Clients, clientID)
}

func (s *Store) readSet(rc redis.Conn, key, field string) ([]string, error) {
	b, err := redis.Bytes(rc.Do("HGET", key, field))
	if err == redis.ErrNil {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var vs []string
	if err := json.Unmarshal(b, &vs); err != nil {
		return nil, err
	}
	return vs, nil
}

func (s *Store) writeSet(rc redis.Conn, key, field string, vs []string) error {
	if len(vs) == 0 {
		_, err := rc.Do("HDEL", key, field)
		return err
	}
	b, err := json.Marshal(vs)
	if err != nil {
		return err
	}
	_, err = rc.Do("HSET", key, field, b)
	return err
}

// AddBanRule stores the rule unless an identical rule exists.
func (s *Store) AddBanRule(r store.BanRule) error {
	rc := s.getConn(s.keys().BanRules)
	defer rc.Close()

	rules, err := s.readBanRules(rc)
	if err != nil {
		return err
	}
	for _, rr := range rules {
		if rr == r {
			return nil
		}
	}
	b, err := json.Marshal(r)
	if err != nil {
		return err
	}
	_, err = rc.Do("RPUSH", s.keys().BanRules, b)
	return err
}

// RemoveBanRule removes and returns the rule exactly equal to r, or
// returns nil if there is no exact match. Removal relies on the
// deterministic JSON encoding of the rule struct.
func (s *Store) RemoveBanRule(r store.BanRule) (*store.BanRule, error) {
	rc := s.getConn(s.keys().BanRules)
	defer rc.Close()

	b, err := json.Marshal(r)
	if err != nil {
		return nil, err
	}
	n, err := redis.Int(rc.Do("LREM", s.keys().BanRules, 1, b))
	if err != nil {
		return nil, err
	}
	if n == 0 {
		return nil, nil
	}
	return &r, nil
}

// BanRules returns all stored rules.
func (s *Store) BanRules() ([]store.BanRule, error) {
	rc := s.getConn(s.keys().BanRules)
	defer rc.Close()
	return s.readBanRules(rc)
}

func (s *Store) readBanRules(rc redis.Conn) ([]store.BanRule, error) {
	bs, err := redis.ByteSlices(rc.Do("LRANGE", s.keys().BanRules, 0, -1))
	if err == redis.ErrNil {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	rules := make([]store.BanRule, 0, len(bs))
	for _, b := range bs {
		var r store.BanRule
		if err := json.Unmarshal(b, &r); err != nil {
			return nil, err
		}
		rules = append(rules, r)
	}
	return rules, nil
}

// ClearBanRules removes all stored rules.
func (s *Store) ClearBanRules() error {
	rc := s.getConn(s.keys().BanRules)
	defer rc.Close()
	_, err := rc.Do("DEL", s.keys().BanRules)
	return err
}

// HasBanRule returns true if any stored rule matches the candidate.
func (s *Store) HasBanRule(candidate store.BanRule) (bool, error) {
	rules, err := s.BanRules()
	if err != nil {
		return false, err
	}
	for _, r := range rules {
		if r.Matches(candidate) {
			return true, nil
		}
	}
	return false, nil
}

// Publish publishes the event on the broadcast channel. The bound
// callback of every instance, including this one, is invoked when
// the event arrives on its subscription connection.
func (s *Store) Publish(ev *store.PubEvent) error {
	b, err := json.Marshal(ev)
	if err != nil {
		return err
	}

	rc := s.Pool.Get()
	defer rc.Close()

	// force selection of a random node in a cluster, otherwise the
	// hash of the broadcast key would hit the same node every time.
	if bc, ok := rc.(binder); ok {
		// ignore the error, if it fails, use the connection as-is.
		bc.Bind()
	}
	_, err = rc.Do("PUBLISH", s.keys().Broadcast, b)
	return err
}

// OnPublish binds the relay callback and starts the broadcast
// listener on the first call.
func (s *Store) OnPublish(fn store.OnPublishFunc) {
	s.mu.Lock()
	s.onPublish = fn
	s.mu.Unlock()

	s.once.Do(func() {
		s.kill = make(chan struct{})
		rc, err := s.Dial()
		if err != nil {
			s.logf("redisstore: failed to dial broadcast connection: %v", err)
			return
		}
		s.subc = rc
		go s.listen(redis.PubSubConn{Conn: rc})
	})
}

func (s *Store) listen(psc redis.PubSubConn) {
	if err := psc.Subscribe(s.keys().Broadcast); err != nil {
		s.logf("redisstore: failed to subscribe to broadcast channel: %v", err)
		return
	}

	for {
		switch v := psc.Receive().(type) {
		case redis.Message:
			var ev store.PubEvent
			if err := json.Unmarshal(v.Data, &ev); err != nil {
				if s.Vars != nil {
					s.Vars.Add("FailedEventUnmarshals", 1)
				}
				s.logf("redisstore: failed to unmarshal publish event: %v", err)
				continue
			}

			s.mu.Lock()
			fn := s.onPublish
			s.mu.Unlock()
			if fn != nil {
				fn(&ev)
			}

		case error:
			// the broadcast connection is broken, most likely closed;
			// terminate the loop.
			select {
			case <-s.kill:
			default:
				s.logf("redisstore: broadcast connection failed: %v", v)
			}
			return
		}
	}
}

// Close stops the broadcast listener and releases its connection.
// The Pool is owned by the caller and is not closed.
func (s *Store) Close() error {
	var err error
	s.closeOnce.Do(func() {
		if s.kill != nil {
			close(s.kill)
		}
		if s.subc != nil {
			err = s.subc.Close()
		}
	})
	return err
}

const (
	clusterConnMaxAttempts   = 4
	clusterConnTryAgainDelay = 100 * time.Millisecond
)

type binder interface {
	Bind(...string) error
}

// getConn returns a pool connection, made cluster-aware and bound to
// the keys if the pool hands out redisc cluster connections.
func (s *Store) getConn(keys ...string) redis.Conn {
	rc := s.Pool.Get()
	if bc, ok := rc.(binder); ok {
		// if Bind fails, go on with the connection as usual, but if
		// it succeeds, try to turn it into a RetryConn so it follows
		// cluster redirections.
		if err := bc.Bind(keys...); err == nil {
			if retry, err := redisc.RetryConn(rc, clusterConnMaxAttempts, clusterConnTryAgainDelay); err == nil {
				rc = retry
			}
		}
	}
	return rc
}

func (s *Store) logf(f string, args ...interface{}) {
	if fn := s.LogFunc; fn != nil {
		fn(f, args...)
	} else {
		log.Printf(f, args...)
	}
}
