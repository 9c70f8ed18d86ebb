package hub

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/net/context"

	"github.com/anephenix/hub-sub000/rpc"
	"github.com/anephenix/hub-sub000/store"
)

// PublishPolicy controls whether clients may publish to a channel.
// Server-initiated publishes are never subject to the policy.
type PublishPolicy struct {
	// Deny rejects all client publishes to the channel when true.
	Deny bool

	// Check, if non-nil, decides per-publish whether the client may
	// publish. It receives the raw request data and the publishing
	// connection. It is only consulted when Deny is false.
	Check func(data json.RawMessage, c *Conn) (bool, error)
}

// PublishAllowed is the default policy, clients may publish freely.
var PublishAllowed = PublishPolicy{}

// PublishDenied rejects all client publishes to the channel.
var PublishDenied = PublishPolicy{Deny: true}

// PublishCheck returns a policy that consults fn on every client
// publish.
func PublishCheck(fn func(data json.RawMessage, c *Conn) (bool, error)) PublishPolicy {
	return PublishPolicy{Check: fn}
}

// ChannelConfig declares per-channel behaviour. A channel without a
// config is open: any client can subscribe and publish. A config
// name may contain a "*" to apply to a family of channels, e.g.
// "private-*"; the stem around the "*" is matched as a substring of
// the concrete channel name.
type ChannelConfig struct {
	// Name is the channel name, possibly containing a "*" wildcard.
	Name string

	// Authenticate, if non-nil, is consulted on every subscribe. It
	// receives the raw subscribe request data and the subscribing
	// connection. Returning false rejects the subscription.
	Authenticate func(data json.RawMessage, c *Conn) (bool, error)

	// ClientCanPublish controls client-initiated publishes to the
	// channel. The zero value allows them.
	ClientCanPublish PublishPolicy
}

// wildcardStem strips the "*" from a wildcard channel name, leaving
// the stem used for substring matching.
func wildcardStem(name string) string {
	return strings.Replace(name, "*", "", -1)
}

// AddChannelConfig registers a channel configuration on the server.
// Every new name is checked against the existing wildcard names:
// when the stem of one contains the stem of the other, the two
// configurations could both match the same concrete channel, and the
// new one is rejected. This applies to literal names too, since a
// literal can sit inside an existing wildcard's stem.
func (srv *Server) AddChannelConfig(cfg *ChannelConfig) error {
	srv.init()

	srv.mu.Lock()
	defer srv.mu.Unlock()

	stem := wildcardStem(cfg.Name)
	for name := range srv.configs {
		if !strings.Contains(name, "*") {
			continue
		}
		other := wildcardStem(name)
		if strings.Contains(stem, other) || strings.Contains(other, stem) {
			return fmt.Errorf("hub: wildcard channel name too ambiguous - will collide with %q", name)
		}
	}
	srv.configs[cfg.Name] = cfg
	return nil
}

// RemoveChannelConfig removes the channel configuration registered
// under exactly name. It is a no-op if no such configuration exists.
func (srv *Server) RemoveChannelConfig(name string) {
	srv.init()
	srv.mu.Lock()
	delete(srv.configs, name)
	srv.mu.Unlock()
}

// configForChannel resolves the configuration that applies to the
// concrete channel name. An exact-name config wins; otherwise the
// wildcard configs are scanned, and exactly one may match.
func (srv *Server) configForChannel(channel string) (*ChannelConfig, error) {
	srv.mu.Lock()
	defer srv.mu.Unlock()

	if cfg, ok := srv.configs[channel]; ok {
		return cfg, nil
	}

	var match *ChannelConfig
	for name, cfg := range srv.configs {
		if !strings.Contains(name, "*") {
			continue
		}
		if strings.Contains(channel, wildcardStem(name)) {
			if match != nil {
				return nil, errors.New("too many wildcard channel configurations matched the channel")
			}
			match = cfg
		}
	}
	return match, nil
}

// channelRequest is the request payload of the subscribe,
// unsubscribe and publish actions.
type channelRequest struct {
	Channel       string          `json:"channel"`
	Message       json.RawMessage `json:"message"`
	ExcludeSender bool            `json:"excludeSender"`
}

// channelReply is the success reply payload of the subscribe,
// unsubscribe and publish actions.
type channelReply struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
}

// decodeChannelRequest validates the common preconditions of the
// channel actions: the connection must have an identity attached and
// the request must name a channel. On failure it replies with the
// error and returns ok=false.
func decodeChannelRequest(r *rpc.Request) (c *Conn, req channelRequest, ok bool) {
	c, _ = r.Socket.(*Conn)
	if c == nil || c.ClientID() == "" {
		r.ReplyError("No client id was found on the WebSocket")
		return nil, req, false
	}
	if len(r.Data) > 0 {
		if err := json.Unmarshal(r.Data, &req); err != nil {
			r.ReplyError(err.Error())
			return nil, req, false
		}
	}
	if req.Channel == "" {
		r.ReplyError("No channel was passed in the data")
		return nil, req, false
	}
	return c, req, true
}

func (srv *Server) handleSubscribe(_ context.Context, r *rpc.Request) {
	c, req, ok := decodeChannelRequest(r)
	if !ok {
		return
	}

	cfg, err := srv.configForChannel(req.Channel)
	if err != nil {
		r.ReplyError(err.Error())
		return
	}
	if cfg != nil && cfg.Authenticate != nil {
		allowed, err := cfg.Authenticate(r.Data, c)
		if err != nil {
			r.ReplyError(err.Error())
			return
		}
		if !allowed {
			r.ReplyError(fmt.Sprintf("Client is not authenticated to subscribe to the channel %q", req.Channel))
			return
		}
	}

	if err := srv.Store.AddClientToChannel(c.ClientID(), req.Channel); err != nil {
		r.ReplyError(err.Error())
		return
	}
	srv.addVar("Subscribes", 1)
	r.Reply(channelReply{
		Success: true,
		Message: fmt.Sprintf("Client %q subscribed to channel %q", c.ClientID(), req.Channel),
	})
}

func (srv *Server) handleUnsubscribe(_ context.Context, r *rpc.Request) {
	c, req, ok := decodeChannelRequest(r)
	if !ok {
		return
	}

	if err := srv.Store.RemoveClientFromChannel(c.ClientID(), req.Channel); err != nil {
		r.ReplyError(err.Error())
		return
	}
	srv.addVar("Unsubscribes", 1)
	r.Reply(channelReply{
		Success: true,
		Message: fmt.Sprintf("Client %q unsubscribed from channel %q", c.ClientID(), req.Channel),
	})
}

func (srv *Server) handlePublish(_ context.Context, r *rpc.Request) {
	c, req, ok := decodeChannelRequest(r)
	if !ok {
		return
	}
	if len(req.Message) == 0 {
		r.ReplyError("No message was passed in the data")
		return
	}

	cfg, err := srv.configForChannel(req.Channel)
	if err != nil {
		r.ReplyError(err.Error())
		return
	}
	if cfg != nil {
		policy := cfg.ClientCanPublish
		if policy.Deny {
			r.ReplyError("Clients cannot publish to the channel")
			return
		}
		if policy.Check != nil {
			allowed, err := policy.Check(r.Data, c)
			if err != nil {
				r.ReplyError(err.Error())
				return
			}
			if !allowed {
				r.ReplyError("Clients cannot publish to the channel")
				return
			}
		}
	}

	subscribed, err := srv.isSubscribed(c.ClientID(), req.Channel)
	if err != nil {
		r.ReplyError(err.Error())
		return
	}
	if !subscribed {
		r.ReplyError("You must subscribe to the channel to publish messages to it")
		return
	}

	err = srv.Store.Publish(&store.PubEvent{
		Channel:       req.Channel,
		Message:       req.Message,
		ClientID:      c.ClientID(),
		ExcludeSender: req.ExcludeSender,
	})
	if err != nil {
		r.ReplyError(err.Error())
		return
	}
	srv.addVar("Publishes", 1)
	r.Reply(channelReply{Success: true, Message: "Published message"})
}

func (srv *Server) isSubscribed(clientID, channel string) (bool, error) {
	ids, err := srv.Store.ClientIDsForChannel(channel)
	if err != nil {
		return false, err
	}
	for _, id := range ids {
		if id == clientID {
			return true, nil
		}
	}
	return false, nil
}

// Publish sends message to every subscriber of channel. It is the
// server-initiated counterpart of the publish action and skips the
// channel's publish policy.
func (srv *Server) Publish(channel string, message interface{}) error {
	srv.init()

	raw, err := json.Marshal(message)
	if err != nil {
		return err
	}
	return srv.Store.Publish(&store.PubEvent{Channel: channel, Message: raw})
}

// messageEvent is the payload of the "message" events delivered to
// subscribers.
type messageEvent struct {
	Channel string          `json:"channel"`
	Message json.RawMessage `json:"message"`
}

// publishMessageReceived is the fan-out half of a publish: it runs
// for every publish the store relays (local or from another node)
// and delivers the message to the locally-connected subscribers.
func (srv *Server) publishMessageReceived(ev *store.PubEvent) {
	ids, err := srv.Store.ClientIDsForChannel(ev.Channel)
	if err != nil {
		srv.logf("hub: failed to load subscribers of channel %q: %v", ev.Channel, err)
		return
	}
	if len(ids) == 0 {
		return
	}

	subs := make(map[string]bool, len(ids))
	for _, id := range ids {
		subs[id] = true
	}

	for _, c := range srv.connsSnapshot() {
		id := c.ClientID()
		if id == "" || !subs[id] {
			continue
		}
		if ev.ExcludeSender && id == ev.ClientID {
			continue
		}
		err := srv.engine.SendEvent(c, "message", messageEvent{
			Channel: ev.Channel,
			Message: ev.Message,
		})
		if err != nil {
			srv.logf("hub: failed to deliver message to client %q: %v", id, err)
		}
	}
}
