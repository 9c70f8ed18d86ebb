package message

import (
	"bytes"
	"encoding/json"
	"reflect"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMarshalUnmarshal(t *testing.T) {
	t.Parallel()

	req, err := NewRequest("subscribe", map[string]interface{}{"channel": "news"})
	require.NoError(t, err, "NewRequest")
	res, err := NewResponse(req, map[string]interface{}{"success": true})
	require.NoError(t, err, "NewResponse")
	errm, err := NewError(req, "No channel was passed in the data")
	require.NoError(t, err, "NewError")
	ev, err := NewEvent("message", map[string]interface{}{"channel": "news", "message": "rain"})
	require.NoError(t, err, "NewEvent")

	cases := []*Msg{req, res, errm, ev}
	for i, m := range cases {
		b, err := m.Marshal()
		require.NoError(t, err, "Marshal %d", i)

		mm, err := Unmarshal(bytes.NewReader(b))
		require.NoError(t, err, "Unmarshal %d", i)
		assert.True(t, reflect.DeepEqual(m, mm), "DeepEqual %d", i)
	}
}

func TestNewRequestIDs(t *testing.T) {
	t.Parallel()

	m1, err := NewRequest("a", nil)
	require.NoError(t, err, "NewRequest 1")
	m2, err := NewRequest("a", nil)
	require.NoError(t, err, "NewRequest 2")

	assert.NotEmpty(t, m1.ID, "id is set")
	assert.NotEqual(t, m1.ID, m2.ID, "ids are unique")
	assert.Nil(t, m1.Data, "nil data stays nil")
}

func TestNewResponseCorrelation(t *testing.T) {
	t.Parallel()

	req, err := NewRequest("publish", "payload")
	require.NoError(t, err, "NewRequest")
	res, err := NewResponse(req, "ok")
	require.NoError(t, err, "NewResponse")

	assert.Equal(t, req.ID, res.ID, "id is kept")
	assert.Equal(t, req.Action, res.Action, "action is kept")
	assert.Equal(t, Response, res.Type, "type is response")
}

func TestNewErrorFromError(t *testing.T) {
	t.Parallel()

	req, err := NewRequest("subscribe", nil)
	require.NoError(t, err, "NewRequest")
	em, err := NewError(req, assert.AnError)
	require.NoError(t, err, "NewError")

	assert.Equal(t, Error, em.Type, "type is error")
	assert.Equal(t, assert.AnError.Error(), em.ErrorMessage(), "error message")
}

func TestErrorMessageNonString(t *testing.T) {
	t.Parallel()

	m := &Msg{Err: json.RawMessage(`{"code":500}`)}
	assert.Equal(t, `{"code":500}`, m.ErrorMessage(), "raw JSON error")
	assert.Equal(t, "", (&Msg{}).ErrorMessage(), "empty error")
}

func TestUnmarshalInvalid(t *testing.T) {
	t.Parallel()

	cases := []struct {
		in      string
		wantErr string
	}{
		{`{"id":"1","type":"request"}`, "missing action"},
		{`{"id":"1","action":"a","type":"nope"}`, "invalid message type"},
		{`{"action":"a","type":"request"}`, "missing id"},
		{`{"action":"a","type":"response"}`, "missing id"},
	}
	for i, c := range cases {
		_, err := Unmarshal(strings.NewReader(c.in))
		if assert.Error(t, err, "case %d", i) {
			assert.Contains(t, err.Error(), c.wantErr, "case %d", i)
		}
	}

	_, err := Unmarshal(strings.NewReader(`{`))
	assert.Error(t, err, "truncated frame")

	// events do not require an id
	m, err := Unmarshal(strings.NewReader(`{"action":"message","type":"event"}`))
	require.NoError(t, err, "event without id")
	assert.Equal(t, Event, m.Type, "event type")
}

func TestTypeValid(t *testing.T) {
	t.Parallel()

	for _, typ := range []Type{Request, Response, Error, Event} {
		assert.True(t, typ.Valid(), "%s is valid", typ)
	}
	assert.False(t, Type("ack").Valid(), "unknown type")
	assert.False(t, Type("").Valid(), "empty type")
}
