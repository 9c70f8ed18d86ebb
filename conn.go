package hub

import (
	"errors"
	"fmt"
	"io"
	"io/ioutil"
	"net"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"github.com/anephenix/hub-sub000/internal/wswriter"
	"github.com/anephenix/hub-sub000/rpc"
	"github.com/anephenix/hub-sub000/store"
)

var _ rpc.Socket = (*Conn)(nil)

// ConnState represents the possible states of a connection.
type ConnState int

// The list of possible connection states.
const (
	Unknown ConnState = iota
	Accepting
	Connected
	Closing
)

// ErrConnClosed is the error pending requests on a connection are
// rejected with when the connection closes before a reply arrives.
var ErrConnClosed = errors.New("hub: connection closed")

// errKicked closes a connection after a kick notification was sent.
var errKicked = errors.New("hub: client kicked")

// errBanned closes a connection whose identity matches a stored ban
// rule.
var errBanned = errors.New("hub: client banned")

// Conn is a hub connection. Each connection carries the identity of
// its client once the identity exchange completed. It is safe to
// call methods on a Conn concurrently, but the fields should be
// treated as read-only.
type Conn struct {
	// Host is the origin host the connection was accepted from.
	Host string

	// IPAddress is the remote IP address of the connection.
	IPAddress string

	// CloseErr is the error, if any, that caused the connection to
	// close. Must only be accessed after the close notification has
	// been received (i.e. after a <-conn.CloseNotify()).
	CloseErr error

	// the underlying websocket connection.
	wsConn *websocket.Conn

	wmu     chan struct{} // exclusive write lock
	srv     *Server
	limiter *rate.Limiter // inbound message rate limiter, may be nil

	// mu protects clientID, attached once the identity exchange
	// completes and read concurrently by the fan-out path.
	mu       sync.RWMutex
	clientID string

	// ensure the kill channel can only be closed once
	closeOnce sync.Once
	kill      chan struct{}
}

func newConn(c *websocket.Conn, srv *Server) *Conn {
	// wmu is the write lock, used as mutex so it can be select'ed
	// upon. start with an available slot (initialize with a sent
	// value).
	wmu := make(chan struct{}, 1)
	wmu <- struct{}{}

	var limiter *rate.Limiter
	if srv.MessageRate > 0 {
		burst := srv.MessageBurst
		if burst <= 0 {
			burst = 1
		}
		limiter = rate.NewLimiter(srv.MessageRate, burst)
	}

	return &Conn{
		wsConn:  c,
		wmu:     wmu,
		srv:     srv,
		limiter: limiter,
		kill:    make(chan struct{}),
	}
}

// ClientID returns the client identity attached to the connection,
// or an empty string if the identity exchange has not completed.
func (c *Conn) ClientID() string {
	c.mu.RLock()
	id := c.clientID
	c.mu.RUnlock()
	return id
}

func (c *Conn) setClientID(id string) {
	c.mu.Lock()
	c.clientID = id
	c.mu.Unlock()
}

// identity returns the connection's identity as a ban rule
// candidate.
func (c *Conn) identity() store.BanRule {
	return store.BanRule{
		ClientID:  c.ClientID(),
		Host:      c.Host,
		IPAddress: c.IPAddress,
	}
}

// UnderlyingConn returns the underlying websocket connection. Care
// should be taken when using the websocket connection directly, as
// it may interfere with the normal hub connection behaviour.
func (c *Conn) UnderlyingConn() *websocket.Conn {
	return c.wsConn
}

// CloseNotify returns a signal channel that is closed when the Conn
// is closed.
func (c *Conn) CloseNotify() <-chan struct{} {
	return c.kill
}

// LocalAddr returns the local network address.
func (c *Conn) LocalAddr() net.Addr {
	return c.wsConn.LocalAddr()
}

// RemoteAddr returns the remote network address.
func (c *Conn) RemoteAddr() net.Addr {
	return c.wsConn.RemoteAddr()
}

// Close closes the connection, setting err as CloseErr to identify
// the reason of the close. It does not send a websocket close
// message, nor does it close the underlying websocket connection.
// As with all Conn methods, it is safe to call concurrently, but
// only the first call will set the CloseErr field to err.
func (c *Conn) Close(err error) {
	c.closeOnce.Do(func() {
		c.CloseErr = err
		close(c.kill)
	})
}

// Send writes a single text message on the connection, honouring
// the server's write lock timeout, write timeout and write limit.
// It implements the rpc.Socket interface.
func (c *Conn) Send(b []byte) error {
	w := wswriter.Exclusive(
		c.wsConn,
		c.wmu,
		c.srv.AcquireWriteLockTimeout,
		c.srv.WriteTimeout,
	)
	defer w.Close()

	lw := io.Writer(w)
	if l := c.srv.WriteLimit; l > 0 {
		lw = wswriter.Limit(w, l)
	}
	if _, err := lw.Write(b); err != nil {
		if err == wswriter.ErrWriteLockTimeout || err == wswriter.ErrWriteLimitExceeded {
			c.srv.addVar("WriteFailures", 1)
		}
		// in any case the connection is in an unusable state, the
		// client may be gone
		c.Close(err)
		return err
	}
	return nil
}

// readFrame reads a single text message from the websocket
// connection. The zero deadline means no read timeout.
func (c *Conn) readFrame(deadline time.Time) ([]byte, error) {
	c.wsConn.SetReadDeadline(deadline)

	mt, r, err := c.wsConn.NextReader()
	if err != nil {
		return nil, err
	}
	if mt != websocket.TextMessage {
		return nil, fmt.Errorf("invalid websocket message type: %d", mt)
	}
	return ioutil.ReadAll(r)
}

// receive is the read loop, started in its own goroutine.
func (c *Conn) receive() {
	for {
		var deadline time.Time
		if to := c.srv.ReadTimeout; to > 0 {
			deadline = time.Now().Add(to)
		}

		// readFrame returns with an error once a connection is
		// closed, so this loop doesn't need to check the c.kill
		// channel.
		b, err := c.readFrame(deadline)
		if err != nil {
			c.Close(err)
			return
		}

		if c.limiter != nil && !c.limiter.Allow() {
			c.srv.addVar("RateLimitedMsgs", 1)
			c.srv.logf("hub: %v: dropping message, rate limit exceeded", c.RemoteAddr())
			continue
		}

		c.srv.engine.Receive(b, c)
	}
}
