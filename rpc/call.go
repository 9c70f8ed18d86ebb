package rpc

import (
	"encoding/json"
	"errors"
	"sync"
	"time"

	"golang.org/x/net/context"
)

// ErrReplyTimeout is the error a pending call is rejected with when
// the engine's ReplyTimeout expires before a matching reply arrives.
var ErrReplyTimeout = errors.New("rpc: timed out waiting for reply")

// CallError is the error a pending call is rejected with when the
// remote side answers with an error-typed envelope. Value holds the
// raw JSON error payload.
type CallError struct {
	Value json.RawMessage
}

// Error returns the error payload as a plain string. A JSON string
// payload is unquoted.
func (e *CallError) Error() string {
	var s string
	if err := json.Unmarshal(e.Value, &s); err == nil {
		return s
	}
	return string(e.Value)
}

// Call is the deferred result of a request sent with Engine.Send. It
// is fulfilled or rejected exactly once, when the first matching
// reply arrives, the reply timeout fires, or the socket's pending
// calls are failed.
type Call struct {
	// ID is the message id of the request.
	ID string
	// Action is the action name of the request.
	Action string

	socket Socket
	timer  *time.Timer

	once sync.Once
	done chan struct{}
	data json.RawMessage
	err  error
}

func newCall(id, action string, s Socket) *Call {
	return &Call{
		ID:     id,
		Action: action,
		socket: s,
		done:   make(chan struct{}),
	}
}

// Done returns a channel that is closed once the call is settled.
func (c *Call) Done() <-chan struct{} {
	return c.done
}

// Result returns the reply payload or the rejection error. It must
// only be called after the Done channel is closed.
func (c *Call) Result() (json.RawMessage, error) {
	return c.data, c.err
}

// Wait blocks until the call settles or the context is done, and
// returns the reply payload or the rejection error.
func (c *Call) Wait(ctx context.Context) (json.RawMessage, error) {
	select {
	case <-c.done:
		return c.data, c.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *Call) resolve(data json.RawMessage) {
	c.once.Do(func() {
		c.data = data
		close(c.done)
	})
}

func (c *Call) reject(err error) {
	c.once.Do(func() {
		c.err = err
		close(c.done)
	})
}
