package hub

import (
	"encoding/json"
	"expvar"
	"log"
	"net"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pborman/uuid"
	"golang.org/x/net/context"
	"golang.org/x/time/rate"

	"github.com/anephenix/hub-sub000/rpc"
	"github.com/anephenix/hub-sub000/store"
)

// DiscardLog is a no-op logging function that can be used as
// Server.LogFunc to disable logging.
var DiscardLog = func(_ string, _ ...interface{}) {}

// defaultIdentityTimeout bounds the identity exchange performed when
// a connection is accepted, when Server.IdentityTimeout is not set.
const defaultIdentityTimeout = 10 * time.Second

// clientIDPayload is the payload of the identity exchange actions.
type clientIDPayload struct {
	ClientID string `json:"clientId"`
}

// hasClientIDPayload is the reply payload of the has-client-id
// action.
type hasClientIDPayload struct {
	HasClientID bool `json:"hasClientId"`
}

// Server is a hub server. Once a websocket handshake has been
// established over a standard HTTP server, the connections can get
// served by this server by calling Server.ServeConn.
//
// The fields should not be updated once a server has started
// serving connections.
type Server struct {
	// Store is the data store holding channel memberships and ban
	// rules, and relaying publishes. It must be set before the
	// server can be used.
	Store store.Store

	// ReadLimit defines the maximum size, in bytes, of incoming
	// messages. If a client sends a message that exceeds this limit,
	// the connection is closed. The default of 0 means no limit.
	ReadLimit int64

	// ReadTimeout is the timeout to read an incoming message. It is
	// set on the websocket connection with SetReadDeadline before
	// reading each message. The default of 0 means no timeout.
	ReadTimeout time.Duration

	// WriteLimit defines the maximum size, in bytes, of outgoing
	// messages. If a message exceeds this limit, the connection is
	// closed. The default of 0 means no limit.
	WriteLimit int64

	// WriteTimeout is the timeout to write an outgoing message. It
	// is set on the websocket connection with SetWriteDeadline
	// before writing each message. The default of 0 means no
	// timeout.
	WriteTimeout time.Duration

	// AcquireWriteLockTimeout is the time to wait for the exclusive
	// write lock for a connection. If the lock cannot be acquired
	// before the timeout, the connection is dropped. The default of
	// 0 means no timeout.
	AcquireWriteLockTimeout time.Duration

	// ReplyTimeout is the time to wait for the reply to a request
	// the server sends to a client. The default of 0 means no
	// timeout, a request that never receives a reply stays pending
	// until the connection closes.
	ReplyTimeout time.Duration

	// IdentityTimeout bounds the identity exchange performed when a
	// connection is accepted. The default of 0 means 10 seconds.
	IdentityTimeout time.Duration

	// MessageRate is the maximum sustained rate of inbound messages
	// accepted per connection, in messages per second. Messages
	// beyond the rate are dropped. The default of 0 means no limit.
	MessageRate rate.Limit

	// MessageBurst is the burst size of the inbound message rate
	// limiter. It is only used when MessageRate is set, and defaults
	// to 1.
	MessageBurst int

	// ConnState specifies an optional callback function that is
	// called when a connection changes state. If non-nil, it is
	// called for Accepting, Connected and Closing states. Closing
	// means closing the hub connection, the underlying websocket
	// connection may stay connected.
	//
	// The possible state transitions are:
	//
	//     Accepting -> Closing (if the server failed to setup the connection)
	//     Accepting -> Connected
	//     Connected -> Closing
	ConnState func(*Conn, ConnState)

	// LogFunc is the logging function to use. If nil, log.Printf is
	// used. It can be set to DiscardLog to disable logging.
	LogFunc func(string, ...interface{})

	// Vars can be set to an *expvar.Map to collect metrics about the
	// server.
	Vars *expvar.Map

	initOnce sync.Once
	engine   *rpc.Engine

	mu      sync.Mutex
	conns   map[*Conn]struct{}
	configs map[string]*ChannelConfig
}

// init wires the RPC engine, the built-in actions and the publish
// relay. It runs once, triggered by the first connection served or
// the first action/configuration registered.
func (srv *Server) init() {
	srv.initOnce.Do(func() {
		srv.engine = &rpc.Engine{
			Role:         rpc.RoleServer,
			ReplyTimeout: srv.ReplyTimeout,
			LogFunc:      srv.LogFunc,
			Vars:         srv.Vars,
		}
		srv.conns = make(map[*Conn]struct{})
		srv.configs = make(map[string]*ChannelConfig)

		srv.engine.Add("subscribe", srv.handleSubscribe)
		srv.engine.Add("unsubscribe", srv.handleUnsubscribe)
		srv.engine.Add("publish", srv.handlePublish)
		srv.engine.Add("has-client-id", srv.handleHasClientID)

		if srv.Store != nil {
			srv.Store.OnPublish(srv.publishMessageReceived)
		}
	})
}

// RPC returns the server's RPC engine, for registering custom
// actions alongside the built-in ones.
func (srv *Server) RPC() *rpc.Engine {
	srv.init()
	return srv.engine
}

// ServeConn serves the websocket connection as a hub connection. It
// blocks until the hub connection is closed, leaving the websocket
// connection open.
func (srv *Server) ServeConn(conn *websocket.Conn) {
	srv.init()
	conn.SetReadLimit(srv.ReadLimit)
	srv.serve(newConn(conn, srv))
}

func (srv *Server) serve(c *Conn) {
	if srv.Vars != nil {
		srv.Vars.Add("ActiveConns", 1)
		srv.Vars.Add("TotalConns", 1)
		defer srv.Vars.Add("ActiveConns", -1)
	}

	// start lifecycle - Accepting, and ensure Closing is called on
	// exit
	if cs := srv.ConnState; cs != nil {
		defer func() {
			cs(c, Closing)
		}()
		cs(c, Accepting)
	}
	defer srv.closeConn(c)

	srv.mu.Lock()
	srv.conns[c] = struct{}{}
	srv.mu.Unlock()

	if err := srv.exchangeIdentity(c); err != nil {
		c.Close(err)
		return
	}

	// now that the identity is known, a ban rule stored against the
	// client id (KickAndBan) can be matched, not just the host and IP
	// rules checked before the upgrade.
	banned, err := srv.Store.HasBanRule(c.identity())
	if err != nil {
		srv.logf("hub: failed to check ban rules: %v", err)
	}
	if banned {
		srv.addVar("RejectedConns", 1)
		c.Close(errBanned)
		return
	}

	if cs := srv.ConnState; cs != nil {
		cs(c, Connected)
	}

	go c.receive()
	<-c.CloseNotify()
}

// closeConn tears down the server-side state of a closed connection:
// its pending requests are abandoned and its client is removed from
// every channel, so that a later reconnection replays exactly the
// channels the client remembers.
func (srv *Server) closeConn(c *Conn) {
	c.Close(ErrConnClosed)

	srv.mu.Lock()
	delete(srv.conns, c)
	srv.mu.Unlock()

	srv.engine.FailPending(c, ErrConnClosed)

	if id := c.ClientID(); id != "" {
		if err := srv.Store.UnsubscribeClientFromAllChannels(id); err != nil {
			srv.logf("hub: failed to unsubscribe client %q on close: %v", id, err)
		}
	}
}

// exchangeIdentity establishes the connection's client identity: the
// client is asked for its persisted id and, if it has none, a fresh
// one is generated and pushed back for the client to persist.
//
// It runs before the connection's read loop is started and pumps the
// frames itself, so the identity is attached before any request the
// client pipelines right behind its reply can get dispatched.
func (srv *Server) exchangeIdentity(c *Conn) error {
	to := srv.IdentityTimeout
	if to <= 0 {
		to = defaultIdentityTimeout
	}
	deadline := time.Now().Add(to)

	call, err := srv.engine.Send(c, "get-client-id", nil)
	if err != nil {
		return err
	}
	data, err := srv.pumpReply(c, call, deadline)
	if err != nil {
		return err
	}

	var pld clientIDPayload
	if len(data) > 0 {
		if err := json.Unmarshal(data, &pld); err != nil {
			return err
		}
	}

	if pld.ClientID != "" {
		c.setClientID(pld.ClientID)
		return nil
	}

	// no persisted identity, assign one and push it to the client
	id := uuid.NewRandom().String()
	call, err = srv.engine.Send(c, "set-client-id", clientIDPayload{ClientID: id})
	if err != nil {
		return err
	}
	if _, err := srv.pumpReply(c, call, deadline); err != nil {
		return err
	}
	c.setClientID(id)
	return nil
}

// pumpReply reads frames on the serving goroutine, feeding them to
// the engine, until call is settled. Frames read after the settling
// one stay buffered for the read loop.
func (srv *Server) pumpReply(c *Conn, call *rpc.Call, deadline time.Time) (json.RawMessage, error) {
	for {
		select {
		case <-call.Done():
			return call.Result()
		default:
		}

		b, err := c.readFrame(deadline)
		if err != nil {
			return nil, err
		}
		srv.engine.Receive(b, c)
	}
}

// handleHasClientID reports whether this connection's identity is
// known server-side. Reconnecting clients poll it before replaying
// their subscriptions.
func (srv *Server) handleHasClientID(_ context.Context, r *rpc.Request) {
	c, ok := r.Socket.(*Conn)
	if !ok {
		r.ReplyError("No client id was found on the WebSocket")
		return
	}
	r.Reply(hasClientIDPayload{HasClientID: c.ClientID() != ""})
}

// Kick instructs the client to stop automatic reconnection, then
// closes the connection.
func (srv *Server) Kick(c *Conn) error {
	srv.init()
	if err := srv.engine.SendNoReply(c, "kick", nil); err != nil {
		return err
	}
	c.Close(errKicked)
	return nil
}

// KickAndBan stores a ban rule for the connection's identity, then
// kicks it. Later connection attempts matching the rule are rejected
// at accept time.
func (srv *Server) KickAndBan(c *Conn) error {
	srv.init()
	if err := srv.Store.AddBanRule(c.identity()); err != nil {
		return err
	}
	return srv.Kick(c)
}

// connsSnapshot returns the currently-connected conns.
func (srv *Server) connsSnapshot() []*Conn {
	srv.mu.Lock()
	conns := make([]*Conn, 0, len(srv.conns))
	for c := range srv.conns {
		conns = append(conns, c)
	}
	srv.mu.Unlock()
	return conns
}

func (srv *Server) addVar(name string, n int64) {
	if srv.Vars != nil {
		srv.Vars.Add(name, n)
	}
}

func (srv *Server) logf(f string, args ...interface{}) {
	if fn := srv.LogFunc; fn != nil {
		fn(f, args...)
	} else {
		log.Printf(f, args...)
	}
}

// Upgrade returns an http.Handler that upgrades connections to the
// websocket protocol using upgrader and serves them via
// srv.ServeConn. Connections whose origin host or remote IP address
// match a stored ban rule are rejected before the upgrade. The
// websocket connection is closed when the hub connection is closed.
func Upgrade(upgrader *websocket.Upgrader, srv *Server) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		srv.init()

		host := originHost(r)
		ip := remoteIP(r)

		banned, err := srv.Store.HasBanRule(store.BanRule{Host: host, IPAddress: ip})
		if err != nil {
			srv.logf("hub: failed to check ban rules: %v", err)
			http.Error(w, "internal server error", http.StatusInternalServerError)
			return
		}
		if banned {
			srv.addVar("RejectedConns", 1)
			http.Error(w, "forbidden", http.StatusForbidden)
			return
		}

		wsConn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer wsConn.Close()

		wsConn.SetReadLimit(srv.ReadLimit)
		c := newConn(wsConn, srv)
		c.Host = host
		c.IPAddress = ip

		// this call blocks until the hub connection is closed
		srv.serve(c)
	})
}

// originHost returns the host of the Origin header, or the request
// host when there is no usable origin.
func originHost(r *http.Request) string {
	if o := r.Header.Get("Origin"); o != "" {
		if u, err := url.Parse(o); err == nil && u.Host != "" {
			return u.Hostname()
		}
	}
	return r.Host
}

// remoteIP returns the remote IP address of the request, without the
// port.
func remoteIP(r *http.Request) string {
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return host
	}
	return r.RemoteAddr
}
