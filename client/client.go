// Package client implements a hub client. Once a Client is returned
// via a call to Dial or New, it can be used to subscribe to and
// unsubscribe from pub-sub channels, to publish messages to a
// channel, and to call custom actions registered on the server.
//
// The client answers the server's identity exchange transparently:
// the client id is read from and persisted to a Storage, so the same
// identity is presented across connections. When reconnection is
// enabled, a dropped connection is redialed with backoff and the
// subscribed channels are replayed in their original join order.
package client

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/ioutil"
	"net/http"
	"sync"
	"time"

	"golang.org/x/net/context"

	"github.com/gorilla/websocket"

	"github.com/anephenix/hub-sub000/internal/wswriter"
	"github.com/anephenix/hub-sub000/rpc"
)

// ErrClosed is returned by calls made on a closed client, and is the
// error pending calls are rejected with when the client closes.
var ErrClosed = errors.New("client: closed")

// errConnLost rejects the pending calls of a dropped connection.
var errConnLost = errors.New("client: connection lost")

// default option values.
const (
	defaultClientIDKey          = "hub-client-id"
	defaultBackoff              = 250 * time.Millisecond
	defaultMaxBackoff           = 5 * time.Second
	defaultIdentityPollInterval = 100 * time.Millisecond
	defaultIdentityPollTimeout  = 5 * time.Second
)

// State represents the connection state of a client.
type State int

const (
	// Disconnected means the client has no usable connection.
	Disconnected State = iota
	// Connecting means the client is dialing or waiting for the
	// server to confirm its identity.
	Connecting
	// Connected means the client is ready for calls.
	Connected
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Storage persists the client identity between connections and
// processes. Implementations must be safe for concurrent use.
type Storage interface {
	// Get returns the value stored under key, or "" if nothing is
	// stored under it.
	Get(key string) (string, error)
	// Set stores value under key.
	Set(key, value string) error
}

// MemStorage is an in-memory Storage. The identity survives
// reconnections within the process, but not a restart.
type MemStorage struct {
	mu sync.Mutex
	m  map[string]string
}

func (s *MemStorage) Get(key string) (string, error) {
	s.mu.Lock()
	v := s.m[key]
	s.mu.Unlock()
	return v, nil
}

func (s *MemStorage) Set(key, value string) error {
	s.mu.Lock()
	if s.m == nil {
		s.m = make(map[string]string)
	}
	s.m[key] = value
	s.mu.Unlock()
	return nil
}

// DialFunc establishes a websocket connection. It is called once by
// New and again on every reconnection attempt.
type DialFunc func() (*websocket.Conn, error)

// Client is a hub client based on a websocket connection.
type Client struct {
	dial   DialFunc
	engine *rpc.Engine

	// options
	logFunc                 func(string, ...interface{})
	replyTimeout            time.Duration
	readTimeout             time.Duration
	writeTimeout            time.Duration
	acquireWriteLockTimeout time.Duration
	readLimit               int64
	writeLimit              int64
	storage                 Storage
	clientIDKey             string
	onMessage               func(channel string, message json.RawMessage)

	reconnect            bool
	backoff              time.Duration
	maxBackoff           time.Duration
	maxAttempts          int
	identityPollInterval time.Duration
	identityPollTimeout  time.Duration

	// stop is closed when the client is closed, by Close or by a
	// kick from the server.
	stop      chan struct{}
	closeOnce sync.Once

	wmu chan struct{} // exclusive write lock

	mu       sync.Mutex
	conn     *websocket.Conn
	state    State
	err      error
	kicked   bool
	channels []string               // join order
	chanOpts map[string]interface{} // subscribe options per channel
}

var _ rpc.Socket = (*Client)(nil)

// New creates a hub client using the connection established by dial.
// The dial function is kept so that the connection can be redialed
// when reconnection is enabled via SetReconnect.
func New(dial DialFunc, opts ...Option) (*Client, error) {
	// wmu is the write lock, used as mutex so it can be select'ed
	// upon. start with an available slot (initialize with a sent
	// value).
	wmu := make(chan struct{}, 1)
	wmu <- struct{}{}

	c := &Client{
		dial:                 dial,
		stop:                 make(chan struct{}),
		wmu:                  wmu,
		storage:              &MemStorage{},
		clientIDKey:          defaultClientIDKey,
		backoff:              defaultBackoff,
		maxBackoff:           defaultMaxBackoff,
		identityPollInterval: defaultIdentityPollInterval,
		identityPollTimeout:  defaultIdentityPollTimeout,
		chanOpts:             make(map[string]interface{}),
	}
	for _, opt := range opts {
		opt(c)
	}

	c.engine = &rpc.Engine{
		Role:         rpc.RoleClient,
		ReplyTimeout: c.replyTimeout,
		LogFunc:      c.logFunc,
	}
	c.engine.Add("get-client-id", c.handleGetClientID)
	c.engine.Add("set-client-id", c.handleSetClientID)
	c.engine.Add("kick", c.handleKick)
	c.engine.Add("message", c.handleMessageEvent)

	conn, err := dial()
	if err != nil {
		return nil, err
	}
	c.resume(conn)
	c.setState(Connected)
	return c, nil
}

// Dial is a helper function to create a Client connected to urlStr
// using the provided *websocket.Dialer and request headers. The
// dialer, url and headers are reused on reconnections.
func Dial(d *websocket.Dialer, urlStr string, reqHeader http.Header, opts ...Option) (*Client, error) {
	return New(func() (*websocket.Conn, error) {
		conn, _, err := d.Dial(urlStr, reqHeader)
		return conn, err
	}, opts...)
}

// resume installs conn as the current connection and starts its read
// loop.
func (c *Client) resume(conn *websocket.Conn) {
	if c.readLimit > 0 {
		conn.SetReadLimit(c.readLimit)
	}
	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()
	go c.receive(conn)
}

// receive is the read loop of one connection. It exits when the
// connection fails, triggering reconnection if it is still the
// current connection and the client is neither closed nor kicked.
func (c *Client) receive(conn *websocket.Conn) {
	for {
		if to := c.readTimeout; to > 0 {
			conn.SetReadDeadline(time.Now().Add(to))
		}
		_, r, err := conn.NextReader()
		if err != nil {
			c.connLost(conn, err)
			return
		}
		b, err := ioutil.ReadAll(r)
		if err != nil {
			c.connLost(conn, err)
			return
		}
		c.engine.Receive(b, c)
	}
}

// connLost handles the failure of conn's read loop.
func (c *Client) connLost(conn *websocket.Conn, err error) {
	c.mu.Lock()
	current := c.conn == conn
	if current {
		c.conn = nil
		c.state = Disconnected
		if c.err == nil {
			c.err = err
		}
	}
	retry := current && c.reconnect && !c.kicked
	c.mu.Unlock()

	if !current {
		return
	}
	conn.Close()
	c.engine.FailPending(c, errConnLost)

	select {
	case <-c.stop:
		return
	default:
	}
	if retry {
		go c.reconnectLoop()
	}
}

// reconnectLoop redials with exponential backoff until a connection
// is established and the server confirms the client's identity, then
// replays the remembered subscriptions in join order.
func (c *Client) reconnectLoop() {
	c.setState(Connecting)
	backoff := c.backoff

	for attempt := 0; c.maxAttempts <= 0 || attempt < c.maxAttempts; attempt++ {
		select {
		case <-c.stop:
			return
		case <-time.After(backoff):
		}
		if backoff *= 2; backoff > c.maxBackoff {
			backoff = c.maxBackoff
		}

		conn, err := c.dial()
		if err != nil {
			c.logf("client: reconnect dial failed: %v", err)
			continue
		}
		c.mu.Lock()
		c.conn = conn
		c.err = nil
		c.mu.Unlock()
		if c.readLimit > 0 {
			conn.SetReadLimit(c.readLimit)
		}
		go c.receive(conn)

		if err := c.awaitIdentity(); err != nil {
			c.logf("client: identity not confirmed after reconnect: %v", err)
			c.dropConn(conn)
			continue
		}
		if err := c.replaySubscriptions(); err != nil {
			c.logf("client: failed to replay subscriptions: %v", err)
			c.dropConn(conn)
			continue
		}
		c.setState(Connected)
		return
	}
	c.setState(Disconnected)
	c.logf("client: giving up reconnecting after %d attempts", c.maxAttempts)
}

// dropConn detaches conn before closing it, so its read loop's
// failure does not schedule another reconnection. This loop keeps
// ownership of the retries.
func (c *Client) dropConn(conn *websocket.Conn) {
	c.mu.Lock()
	if c.conn == conn {
		c.conn = nil
	}
	c.mu.Unlock()
	conn.Close()
	c.engine.FailPending(c, errConnLost)
}

// awaitIdentity polls the server's has-client-id action until the
// server reports the identity as attached, or the poll deadline is
// reached.
func (c *Client) awaitIdentity() error {
	ctx, cancel := context.WithTimeout(context.Background(), c.identityPollTimeout)
	defer cancel()

	for {
		call, err := c.engine.Send(c, "has-client-id", nil)
		if err != nil {
			return err
		}
		data, err := call.Wait(ctx)
		if err != nil {
			return err
		}
		var pld struct {
			HasClientID bool `json:"hasClientId"`
		}
		if err := json.Unmarshal(data, &pld); err != nil {
			return err
		}
		if pld.HasClientID {
			return nil
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-c.stop:
			return ErrClosed
		case <-time.After(c.identityPollInterval):
		}
	}
}

// replaySubscriptions re-subscribes to every remembered channel, in
// the order the channels were originally joined.
func (c *Client) replaySubscriptions() error {
	c.mu.Lock()
	channels := append([]string(nil), c.channels...)
	opts := make(map[string]interface{}, len(c.chanOpts))
	for ch, o := range c.chanOpts {
		opts[ch] = o
	}
	c.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), c.identityPollTimeout)
	defer cancel()
	for _, ch := range channels {
		if err := c.subscribe(ctx, ch, opts[ch]); err != nil {
			return err
		}
	}
	return nil
}

// State returns the connection state of the client.
func (c *Client) State() State {
	c.mu.Lock()
	s := c.state
	c.mu.Unlock()
	return s
}

func (c *Client) setState(s State) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
}

// ClientID returns the persisted client identity, or "" if none has
// been assigned yet.
func (c *Client) ClientID() string {
	id, err := c.storage.Get(c.clientIDKey)
	if err != nil {
		c.logf("client: failed to read client id: %v", err)
		return ""
	}
	return id
}

// UnderlyingConn returns the current underlying websocket
// connection, or nil when disconnected. Care should be taken when
// using the websocket connection directly, as it may interfere with
// the normal behaviour of the client.
func (c *Client) UnderlyingConn() *websocket.Conn {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	return conn
}

// CloseNotify returns a channel that is closed when the client is
// closed, either by a call to Close or by a kick from the server.
// It is not closed on transport errors that trigger reconnection.
func (c *Client) CloseNotify() <-chan struct{} {
	return c.stop
}

// Close closes the client. Pending calls are rejected with ErrClosed
// and no reconnection is attempted.
func (c *Client) Close() error {
	c.closeOnce.Do(func() {
		close(c.stop)
		c.mu.Lock()
		conn := c.conn
		c.conn = nil
		c.state = Disconnected
		if c.err == nil {
			c.err = ErrClosed
		}
		c.mu.Unlock()

		if conn != nil {
			conn.Close()
		}
		c.engine.FailPending(c, ErrClosed)
	})
	return nil
}

// Send writes b on the current connection. It implements rpc.Socket
// so the client can act as the transport of its RPC engine. If the
// write fails, the connection is closed, triggering reconnection
// when enabled.
func (c *Client) Send(b []byte) error {
	c.mu.Lock()
	conn := c.conn
	err := c.err
	c.mu.Unlock()
	if conn == nil {
		if err == nil {
			err = ErrClosed
		}
		return err
	}

	w := wswriter.Exclusive(conn, c.wmu, c.acquireWriteLockTimeout, c.writeTimeout)
	var lw io.Writer = w
	if l := c.writeLimit; l > 0 {
		lw = wswriter.Limit(w, l)
	}
	_, werr := lw.Write(b)
	if cerr := w.Close(); werr == nil {
		werr = cerr
	}
	if werr != nil {
		conn.Close()
	}
	return werr
}

// RPC returns the client's RPC engine, for registering handlers of
// custom server-sent actions.
func (c *Client) RPC() *rpc.Engine {
	return c.engine
}

// channelPayload builds the request data of the subscribe action: an
// object holding the channel name merged with the caller-provided
// options, so that server-side authentication predicates can read
// them off the same payload.
func channelPayload(channel string, opts interface{}) (map[string]interface{}, error) {
	data := make(map[string]interface{})
	if opts != nil {
		b, err := json.Marshal(opts)
		if err != nil {
			return nil, err
		}
		if err := json.Unmarshal(b, &data); err != nil {
			return nil, fmt.Errorf("client: subscribe options must marshal to a JSON object: %v", err)
		}
	}
	data["channel"] = channel
	return data, nil
}

// call makes an RPC round-trip for action and waits for the reply.
func (c *Client) call(ctx context.Context, action string, data interface{}) (json.RawMessage, error) {
	select {
	case <-c.stop:
		return nil, ErrClosed
	default:
	}
	call, err := c.engine.Send(c, action, data)
	if err != nil {
		return nil, err
	}
	return call.Wait(ctx)
}

// Subscribe subscribes the client to channel. The opts value, if
// non-nil, must marshal to a JSON object; it is sent along with the
// channel name, typically carrying credentials for channels that
// require authentication. The channel and its options are remembered
// for replay on reconnection. Subscribing to an already-subscribed
// channel is valid and updates the remembered options.
func (c *Client) Subscribe(ctx context.Context, channel string, opts interface{}) error {
	if err := c.subscribe(ctx, channel, opts); err != nil {
		return err
	}

	c.mu.Lock()
	if _, ok := c.chanOpts[channel]; !ok {
		c.channels = append(c.channels, channel)
	}
	c.chanOpts[channel] = opts
	c.mu.Unlock()
	return nil
}

func (c *Client) subscribe(ctx context.Context, channel string, opts interface{}) error {
	data, err := channelPayload(channel, opts)
	if err != nil {
		return err
	}
	_, err = c.call(ctx, "subscribe", data)
	return err
}

// Unsubscribe unsubscribes the client from channel and forgets it,
// so it is not replayed on reconnection.
func (c *Client) Unsubscribe(ctx context.Context, channel string) error {
	if _, err := c.call(ctx, "unsubscribe", map[string]interface{}{"channel": channel}); err != nil {
		return err
	}

	c.mu.Lock()
	delete(c.chanOpts, channel)
	for i, ch := range c.channels {
		if ch == channel {
			c.channels = append(c.channels[:i:i], c.channels[i+1:]...)
			break
		}
	}
	c.mu.Unlock()
	return nil
}

// Channels returns the subscribed channels in join order.
func (c *Client) Channels() []string {
	c.mu.Lock()
	channels := append([]string(nil), c.channels...)
	c.mu.Unlock()
	return channels
}

// Publish publishes message to channel. The client must be
// subscribed to the channel. When excludeSender is true, the message
// is not echoed back to this client.
func (c *Client) Publish(ctx context.Context, channel string, message interface{}, excludeSender bool) error {
	raw, err := json.Marshal(message)
	if err != nil {
		return err
	}
	_, err = c.call(ctx, "publish", map[string]interface{}{
		"channel":       channel,
		"message":       json.RawMessage(raw),
		"excludeSender": excludeSender,
	})
	return err
}

// Call makes an RPC round-trip for a custom action registered on the
// server and returns the raw reply data.
func (c *Client) Call(ctx context.Context, action string, data interface{}) (json.RawMessage, error) {
	return c.call(ctx, action, data)
}

// handleGetClientID answers the server's identity request with the
// persisted id, or an empty one if this client has no identity yet.
func (c *Client) handleGetClientID(_ context.Context, r *rpc.Request) {
	id, err := c.storage.Get(c.clientIDKey)
	if err != nil {
		r.ReplyError(err.Error())
		return
	}
	r.Reply(map[string]string{"clientId": id})
}

// handleSetClientID persists the identity assigned by the server.
func (c *Client) handleSetClientID(_ context.Context, r *rpc.Request) {
	var pld struct {
		ClientID string `json:"clientId"`
	}
	if err := r.Bind(&pld); err != nil {
		r.ReplyError(err.Error())
		return
	}
	if err := c.storage.Set(c.clientIDKey, pld.ClientID); err != nil {
		r.ReplyError(err.Error())
		return
	}
	r.Reply(map[string]bool{"success": true})
}

// handleKick closes the client without reconnection.
func (c *Client) handleKick(_ context.Context, r *rpc.Request) {
	c.mu.Lock()
	c.kicked = true
	c.mu.Unlock()
	c.Close()
}

// handleMessageEvent dispatches channel messages to the OnMessage
// hook.
func (c *Client) handleMessageEvent(_ context.Context, r *rpc.Request) {
	if c.onMessage == nil {
		return
	}
	var pld struct {
		Channel string          `json:"channel"`
		Message json.RawMessage `json:"message"`
	}
	if err := r.Bind(&pld); err != nil {
		c.logf("client: failed to decode message event: %v", err)
		return
	}
	c.onMessage(pld.Channel, pld.Message)
}

func (c *Client) logf(f string, args ...interface{}) {
	if fn := c.logFunc; fn != nil {
		fn(f, args...)
	}
}
