package client

import (
	"encoding/json"
	"time"
)

// Option sets an option on the Client.
type Option func(*Client)

// SetLogFunc sets the function used to log events. By default,
// nothing is logged.
func SetLogFunc(fn func(string, ...interface{})) Option {
	return func(c *Client) {
		c.logFunc = fn
	}
}

// SetReplyTimeout sets the time to wait for the reply to a request.
// The zero value waits forever, until the connection is closed.
func SetReplyTimeout(timeout time.Duration) Option {
	return func(c *Client) {
		c.replyTimeout = timeout
	}
}

// SetStorage sets the storage used to persist the client identity.
// By default an in-process MemStorage is used, so the identity does
// not survive a restart.
func SetStorage(s Storage) Option {
	return func(c *Client) {
		c.storage = s
	}
}

// SetClientIDKey sets the storage key under which the client
// identity is persisted. The default is "hub-client-id".
func SetClientIDKey(key string) Option {
	return func(c *Client) {
		c.clientIDKey = key
	}
}

// SetOnMessage sets the hook called with every channel message
// delivered to the client. Each invocation runs on the connection's
// read loop, so long-running hooks delay subsequent messages.
func SetOnMessage(fn func(channel string, message json.RawMessage)) Option {
	return func(c *Client) {
		c.onMessage = fn
	}
}

// SetReconnect enables automatic reconnection. On a transport error
// the client redials with exponential backoff starting at backoff
// and capped at maxBackoff, making at most maxAttempts attempts
// (0 means unlimited). Zero durations keep the defaults.
func SetReconnect(enabled bool, backoff, maxBackoff time.Duration, maxAttempts int) Option {
	return func(c *Client) {
		c.reconnect = enabled
		if backoff > 0 {
			c.backoff = backoff
		}
		if maxBackoff > 0 {
			c.maxBackoff = maxBackoff
		}
		c.maxAttempts = maxAttempts
	}
}

// SetIdentityPoll sets the interval and deadline of the identity
// confirmation poll performed after a reconnection, before the
// subscriptions are replayed. Zero values keep the defaults.
func SetIdentityPoll(interval, timeout time.Duration) Option {
	return func(c *Client) {
		if interval > 0 {
			c.identityPollInterval = interval
		}
		if timeout > 0 {
			c.identityPollTimeout = timeout
		}
	}
}

// SetReadTimeout sets the read timeout of the connection.
func SetReadTimeout(timeout time.Duration) Option {
	return func(c *Client) {
		c.readTimeout = timeout
	}
}

// SetWriteTimeout sets the write timeout of the connection.
func SetWriteTimeout(timeout time.Duration) Option {
	return func(c *Client) {
		c.writeTimeout = timeout
	}
}

// SetAcquireWriteLockTimeout sets the timeout to acquire the
// exclusive write lock. If a lock cannot be acquired before the
// timeout, the connection is closed.
func SetAcquireWriteLockTimeout(timeout time.Duration) Option {
	return func(c *Client) {
		c.acquireWriteLockTimeout = timeout
	}
}

// SetReadLimit sets the limit in bytes of messages read from the
// connection. If a message exceeds the limit, the connection is
// closed.
func SetReadLimit(limit int64) Option {
	return func(c *Client) {
		c.readLimit = limit
	}
}

// SetWriteLimit sets the limit in bytes of messages sent on the
// connection. If a message exceeds the limit, the connection is
// closed.
func SetWriteLimit(limit int64) Option {
	return func(c *Client) {
		c.writeLimit = limit
	}
}
