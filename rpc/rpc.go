// Package rpc implements the hub request-response engine. It keeps a
// registry of action handlers, assigns ids to outgoing requests,
// correlates incoming replies to the pending request they answer, and
// dispatches inbound requests to the registered handlers. The same
// engine type serves both roles of the protocol: a hub server runs
// one engine shared by all of its connections, a client runs one
// bound to its single connection.
package rpc

import (
	"bytes"
	"encoding/json"
	"expvar"
	"fmt"
	"log"
	"reflect"
	"sync"
	"time"

	"golang.org/x/net/context"

	"github.com/anephenix/hub-sub000/message"
)

// DiscardLog is a no-op logging function that can be used as
// Engine.LogFunc to disable logging.
var DiscardLog = func(_ string, _ ...interface{}) {}

// Role identifies which side of the protocol an engine serves. It
// only affects the reply sent for an unroutable action.
type Role int

// The engine roles.
const (
	RoleServer Role = iota
	RoleClient
)

func (r Role) String() string {
	if r == RoleClient {
		return "client"
	}
	return "server"
}

// Socket is the transport endpoint an engine sends frames on. It is
// implemented by the server's Conn and by the client's connection
// wrapper.
type Socket interface {
	Send(b []byte) error
}

// Handler is a function registered for an action. All handlers
// registered for an action run, in registration order, for each
// inbound request carrying that action. Handlers run on the receive
// path of their connection and should not block.
type Handler func(ctx context.Context, r *Request)

// Request is an inbound request as seen by a handler.
type Request struct {
	// ID is the message id of the request.
	ID string
	// Action is the action name.
	Action string
	// Type is the envelope type, request or event.
	Type message.Type
	// Data is the raw request payload.
	Data json.RawMessage
	// Socket is the connection the request arrived on.
	Socket Socket

	noReply bool
	replied bool
	mu      sync.Mutex
	engine  *Engine
	msg     *message.Msg
}

// Bind decodes the request payload into v.
func (r *Request) Bind(v interface{}) error {
	if len(r.Data) == 0 {
		return nil
	}
	return json.Unmarshal(r.Data, v)
}

// Reply sends a response envelope correlated to the request. It is a
// no-op when the request was sent with noReply or was already
// answered; a request is answered at most once even when several
// handlers are registered.
func (r *Request) Reply(v interface{}) error {
	return r.reply(v, false)
}

// ReplyError sends an error envelope correlated to the request,
// under the same no-op conditions as Reply.
func (r *Request) ReplyError(v interface{}) error {
	return r.reply(v, true)
}

func (r *Request) reply(v interface{}, isErr bool) error {
	if r.noReply {
		return nil
	}
	r.mu.Lock()
	if r.replied {
		r.mu.Unlock()
		return nil
	}
	r.replied = true
	r.mu.Unlock()

	var m *message.Msg
	var err error
	if isErr {
		m, err = message.NewError(r.msg, v)
	} else {
		m, err = message.NewResponse(r.msg, v)
	}
	if err != nil {
		return err
	}
	return r.engine.writeMsg(r.Socket, m)
}

type pendingKey struct {
	id     string
	action string
}

// Engine correlates requests and replies over any number of sockets.
// The fields should not be modified after first use; all methods are
// safe for concurrent use.
type Engine struct {
	// prevent unkeyed literals
	_ struct{}

	// Role selects the reply text for an unroutable action, "No
	// server action found" or "No client action found".
	Role Role

	// ReplyTimeout is the time to wait for a reply to a request sent
	// with Send. The default of 0 means no timeout: a request that
	// never receives a reply stays pending until its socket's
	// pending calls are failed.
	ReplyTimeout time.Duration

	// LogFunc is the logging function to use. If nil, log.Printf is
	// used. It can be set to DiscardLog to disable logging.
	LogFunc func(string, ...interface{})

	// Vars can be set to an *expvar.Map to collect metrics about the
	// engine.
	Vars *expvar.Map

	mu       sync.Mutex
	handlers map[string][]Handler
	pending  map[pendingKey]*Call
}

// Add registers a handler for the action, appending it to the
// action's handler list.
func (e *Engine) Add(action string, h Handler) {
	e.mu.Lock()
	if e.handlers == nil {
		e.handlers = make(map[string][]Handler)
	}
	e.handlers[action] = append(e.handlers[action], h)
	e.mu.Unlock()
}

// Remove unregisters a handler from the action by function identity.
// It is a no-op if the handler is not registered.
func (e *Engine) Remove(action string, h Handler) {
	ptr := reflect.ValueOf(h).Pointer()

	e.mu.Lock()
	hs := e.handlers[action]
	for i, hh := range hs {
		if reflect.ValueOf(hh).Pointer() == ptr {
			e.handlers[action] = append(hs[:i:i], hs[i+1:]...)
			break
		}
	}
	if len(e.handlers[action]) == 0 {
		delete(e.handlers, action)
	}
	e.mu.Unlock()
}

// Handlers returns the handler list registered for the action.
func (e *Engine) Handlers(action string) []Handler {
	e.mu.Lock()
	hs := append([]Handler(nil), e.handlers[action]...)
	e.mu.Unlock()
	return hs
}

// List returns a copy of the full action registry.
func (e *Engine) List() map[string][]Handler {
	e.mu.Lock()
	m := make(map[string][]Handler, len(e.handlers))
	for k, v := range e.handlers {
		m[k] = append([]Handler(nil), v...)
	}
	e.mu.Unlock()
	return m
}

// Send sends a request for the action on the socket and returns the
// deferred result, recorded as pending until a matching reply
// arrives. The data value is marshaled as JSON and may be nil.
func (e *Engine) Send(s Socket, action string, data interface{}) (*Call, error) {
	m, err := message.NewRequest(action, data)
	if err != nil {
		return nil, err
	}

	call := newCall(m.ID, m.Action, s)
	key := pendingKey{id: m.ID, action: m.Action}

	// the timer is armed under the same lock that records the call as
	// pending, so that a reply settling the call can always stop it.
	e.mu.Lock()
	if e.pending == nil {
		e.pending = make(map[pendingKey]*Call)
	}
	if to := e.ReplyTimeout; to > 0 {
		call.timer = time.AfterFunc(to, func() {
			if c := e.takePending(key.id, key.action); c != nil {
				c.reject(ErrReplyTimeout)
			}
		})
	}
	e.pending[key] = call
	e.mu.Unlock()

	if err := e.writeMsg(s, m); err != nil {
		e.takePending(m.ID, m.Action)
		return nil, err
	}
	return call, nil
}

// SendNoReply sends a request flagged noReply on the socket. Nothing
// is recorded as pending and no reply is ever expected.
func (e *Engine) SendNoReply(s Socket, action string, data interface{}) error {
	m, err := message.NewRequest(action, data)
	if err != nil {
		return err
	}
	m.NoReply = true
	return e.writeMsg(s, m)
}

// SendEvent sends a one-way event on the socket. Events carry no
// reply expectation on either side.
func (e *Engine) SendEvent(s Socket, action string, data interface{}) error {
	m, err := message.NewEvent(action, data)
	if err != nil {
		return err
	}
	return e.writeMsg(s, m)
}

// Receive processes one inbound frame from the socket. Decode
// failures are logged and swallowed; they never propagate to the
// caller's read loop. A response or error envelope matching a
// pending request settles it, anything else is dispatched to the
// registered handlers for its action.
func (e *Engine) Receive(b []byte, s Socket) {
	m, err := message.Unmarshal(bytes.NewReader(b))
	if err != nil {
		if e.Vars != nil {
			e.Vars.Add("FailedDecodes", 1)
		}
		e.logf("rpc: failed to decode message: %v", err)
		return
	}

	switch m.Type {
	case message.Response, message.Error:
		call := e.takePending(m.ID, m.Action)
		if call == nil {
			e.logf("rpc: dropping reply with no pending request: %s %s", m.Action, m.ID)
			return
		}
		if m.Type == message.Response {
			call.resolve(m.Data)
		} else {
			call.reject(&CallError{Value: m.Err})
		}

	default:
		e.dispatch(m, s)
	}
}

func (e *Engine) dispatch(m *message.Msg, s Socket) {
	req := &Request{
		ID:     m.ID,
		Action: m.Action,
		Type:   m.Type,
		Data:   m.Data,
		Socket: s,
		// events are one-way, never answered
		noReply: m.NoReply || m.Type == message.Event,
		engine:  e,
		msg:     m,
	}

	hs := e.Handlers(m.Action)
	if len(hs) == 0 {
		if e.Vars != nil {
			e.Vars.Add("UnknownActions", 1)
		}
		if err := req.ReplyError(fmt.Sprintf("No %s action found", e.Role)); err != nil {
			e.logf("rpc: failed to send unknown-action reply: %v", err)
		}
		return
	}

	if e.Vars != nil {
		e.Vars.Add("Requests", 1)
	}
	ctx := context.Background()
	for _, h := range hs {
		e.safeCall(ctx, h, req)
	}
}

// safeCall runs the handler, turning a panic into an error reply so
// that nothing crosses the connection's receive path uncaught.
func (e *Engine) safeCall(ctx context.Context, h Handler, req *Request) {
	defer func() {
		if v := recover(); v != nil {
			if e.Vars != nil {
				e.Vars.Add("RecoveredPanics", 1)
			}
			e.logf("rpc: recovered panic in %q handler: %v", req.Action, v)
			req.ReplyError(fmt.Sprintf("%v", v))
		}
	}()
	h(ctx, req)
}

// FailPending rejects with err every pending call that was sent on
// the socket. It should be called when a connection closes so that
// its in-flight requests are abandoned instead of parked forever.
func (e *Engine) FailPending(s Socket, err error) {
	e.mu.Lock()
	var calls []*Call
	for k, c := range e.pending {
		if c.socket == s {
			if c.timer != nil {
				c.timer.Stop()
			}
			delete(e.pending, k)
			calls = append(calls, c)
		}
	}
	e.mu.Unlock()

	for _, c := range calls {
		c.reject(err)
	}
}

// takePending removes and returns the pending call for (id, action),
// or nil if there is none.
func (e *Engine) takePending(id, action string) *Call {
	key := pendingKey{id: id, action: action}

	e.mu.Lock()
	call := e.pending[key]
	if call != nil {
		if call.timer != nil {
			call.timer.Stop()
		}
		delete(e.pending, key)
	}
	e.mu.Unlock()
	return call
}

func (e *Engine) writeMsg(s Socket, m *message.Msg) error {
	b, err := m.Marshal()
	if err != nil {
		return err
	}
	return s.Send(b)
}

func (e *Engine) logf(f string, args ...interface{}) {
	if fn := e.LogFunc; fn != nil {
		fn(f, args...)
	} else {
		log.Printf(f, args...)
	}
}
