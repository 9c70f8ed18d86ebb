// Package message implements the hub wire envelope. Every frame
// exchanged between a hub server and client is a single UTF-8 JSON
// object carrying a message id, an action name, a type, and an
// optional data or error payload.
package message

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/pborman/uuid"
)

// Type identifies the kind of envelope being exchanged.
type Type string

// The envelope types. A Request expects at most one matching Response
// or Error carrying the same id and action, unless it was sent with
// NoReply. An Event is a one-way notification and carries no pending
// state on either side.
const (
	Request  Type = "request"
	Response Type = "response"
	Error    Type = "error"
	Event    Type = "event"
)

// Valid returns true if t is one of the envelope types.
func (t Type) Valid() bool {
	switch t {
	case Request, Response, Error, Event:
		return true
	}
	return false
}

// Msg is the wire envelope. Data and Err are opaque JSON values, the
// meaning of which depends on the action.
type Msg struct {
	ID      string          `json:"id,omitempty"`
	Action  string          `json:"action"`
	Type    Type            `json:"type"`
	Data    json.RawMessage `json:"data,omitempty"`
	Err     json.RawMessage `json:"error,omitempty"`
	NoReply bool            `json:"noReply,omitempty"`
}

// NewRequest creates a request envelope for the action with a fresh
// UUID as message id. The data value is marshaled as JSON and may be
// nil.
func NewRequest(action string, data interface{}) (*Msg, error) {
	b, err := marshalValue(data)
	if err != nil {
		return nil, err
	}
	return &Msg{
		ID:     uuid.NewRandom().String(),
		Action: action,
		Type:   Request,
		Data:   b,
	}, nil
}

// NewResponse creates a response envelope correlated to the request
// req, carrying data as its payload.
func NewResponse(req *Msg, data interface{}) (*Msg, error) {
	b, err := marshalValue(data)
	if err != nil {
		return nil, err
	}
	return &Msg{
		ID:     req.ID,
		Action: req.Action,
		Type:   Response,
		Data:   b,
	}, nil
}

// NewError creates an error envelope correlated to the request req.
// If v is an error, its message is sent as a JSON string, otherwise
// v is marshaled as-is.
func NewError(req *Msg, v interface{}) (*Msg, error) {
	if err, ok := v.(error); ok {
		v = err.Error()
	}
	b, err := marshalValue(v)
	if err != nil {
		return nil, err
	}
	return &Msg{
		ID:     req.ID,
		Action: req.Action,
		Type:   Error,
		Err:    b,
	}, nil
}

// NewEvent creates an event envelope for the action. Events are
// one-way, no reply is ever expected for them.
func NewEvent(action string, data interface{}) (*Msg, error) {
	b, err := marshalValue(data)
	if err != nil {
		return nil, err
	}
	return &Msg{
		ID:     uuid.NewRandom().String(),
		Action: action,
		Type:   Event,
		Data:   b,
	}, nil
}

func marshalValue(v interface{}) (json.RawMessage, error) {
	if v == nil {
		return nil, nil
	}
	if raw, ok := v.(json.RawMessage); ok {
		return raw, nil
	}
	return json.Marshal(v)
}

// ErrorMessage returns the error payload as a plain string. A JSON
// string payload is unquoted, anything else is returned as its raw
// JSON text.
func (m *Msg) ErrorMessage() string {
	if len(m.Err) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(m.Err, &s); err == nil {
		return s
	}
	return string(m.Err)
}

// Marshal returns the JSON encoding of the envelope.
func (m *Msg) Marshal() ([]byte, error) {
	return json.Marshal(m)
}

// Unmarshal decodes an envelope from r and validates it. It fails if
// the action is missing, the type is unknown, or the id is missing on
// a non-event frame.
func Unmarshal(r io.Reader) (*Msg, error) {
	var m Msg
	if err := json.NewDecoder(r).Decode(&m); err != nil {
		return nil, err
	}
	if m.Action == "" {
		return nil, errors.New("message: missing action")
	}
	if !m.Type.Valid() {
		return nil, fmt.Errorf("message: invalid message type %q", m.Type)
	}
	if m.ID == "" && m.Type != Event {
		return nil, fmt.Errorf("message: missing id on %s message", m.Type)
	}
	return &m, nil
}
