package hub

import (
	"bytes"
	"encoding/json"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/anephenix/hub-sub000/internal/wstest"
	"github.com/anephenix/hub-sub000/internal/wswriter"
	"github.com/anephenix/hub-sub000/message"
	"github.com/anephenix/hub-sub000/store/memstore"
)

// syncBuffer collects the frames a recording server receives.
type syncBuffer struct {
	mu sync.Mutex
	b  bytes.Buffer
}

func (s *syncBuffer) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.b.Write(p)
}

func (s *syncBuffer) String() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.b.String()
}

func TestConnSend(t *testing.T) {
	var buf syncBuffer
	done := make(chan bool, 1)
	srv := wstest.StartRecordingServer(t, done, &buf)
	defer srv.Close()

	wsConn := wstest.Dial(t, srv.URL)
	defer wsConn.Close()

	c := newConn(wsConn, &Server{Store: memstore.New(), LogFunc: DiscardLog})
	require.NoError(t, c.Send([]byte("hello")))
	require.NoError(t, c.Send([]byte("world")))

	wsConn.Close()
	<-done
	assert.Equal(t, "helloworld", buf.String())
}

func TestConnSendWriteLimit(t *testing.T) {
	var buf syncBuffer
	srv := wstest.StartRecordingServer(t, nil, &buf)
	defer srv.Close()

	wsConn := wstest.Dial(t, srv.URL)
	defer wsConn.Close()

	c := newConn(wsConn, &Server{Store: memstore.New(), LogFunc: DiscardLog, WriteLimit: 4})
	err := c.Send([]byte("too long for the limit"))
	assert.Equal(t, wswriter.ErrWriteLimitExceeded, err)

	// an exceeded write limit leaves the conn unusable
	select {
	case <-c.CloseNotify():
		assert.Equal(t, wswriter.ErrWriteLimitExceeded, c.CloseErr)
	case <-time.After(100 * time.Millisecond):
		assert.Fail(t, "conn not closed after write limit exceeded")
	}
}

func TestServeConnIdentityTimeout(t *testing.T) {
	// the recording server never answers the identity request, so
	// serving its connection must give up at the identity timeout.
	srv := wstest.StartRecordingServer(t, nil, &syncBuffer{})
	defer srv.Close()

	wsConn := wstest.Dial(t, srv.URL)
	defer wsConn.Close()

	state := make(chan ConnState, 3)
	server := &Server{
		Store:           memstore.New(),
		LogFunc:         DiscardLog,
		IdentityTimeout: 50 * time.Millisecond,
		ConnState:       func(_ *Conn, cs ConnState) { state <- cs },
	}

	served := make(chan struct{})
	go func() {
		server.ServeConn(wsConn)
		close(served)
	}()

	select {
	case <-served:
	case <-time.After(2 * time.Second):
		require.Fail(t, "ServeConn did not return")
	}
	assert.Equal(t, Accepting, <-state)
	assert.Equal(t, Closing, <-state, "never connected")
}

func TestConnRateLimit(t *testing.T) {
	st := memstore.New()
	server := &Server{
		Store:        st,
		LogFunc:      DiscardLog,
		MessageRate:  1,
		MessageBurst: 2,
	}
	hsrv := httptest.NewServer(Upgrade(&websocket.Upgrader{}, server))
	defer hsrv.Close()

	wsConn := wstest.Dial(t, strings.Replace(hsrv.URL, "http:", "ws:", 1))
	defer wsConn.Close()

	// answer the identity exchange
	readMsg := func() *message.Msg {
		wsConn.SetReadDeadline(time.Now().Add(2 * time.Second))
		_, b, err := wsConn.ReadMessage()
		require.NoError(t, err)
		m, err := message.Unmarshal(bytes.NewReader(b))
		require.NoError(t, err)
		return m
	}
	writeMsg := func(m *message.Msg) {
		b, err := m.Marshal()
		require.NoError(t, err)
		require.NoError(t, wsConn.WriteMessage(websocket.TextMessage, b))
	}

	m := readMsg()
	require.Equal(t, "get-client-id", m.Action)
	data, _ := json.Marshal(map[string]string{"clientId": "rate-test"})
	writeMsg(&message.Msg{ID: m.ID, Action: m.Action, Type: message.Response, Data: data})

	// burst of subscribes well over the limit, extras get dropped
	const n = 10
	for i := 0; i < n; i++ {
		req, err := message.NewRequest("subscribe", map[string]string{"channel": "news"})
		require.NoError(t, err)
		writeMsg(req)
	}

	replies := 0
	wsConn.SetReadDeadline(time.Now().Add(500 * time.Millisecond))
	for {
		_, _, err := wsConn.ReadMessage()
		if err != nil {
			break
		}
		replies++
	}
	assert.True(t, replies < n, "some messages dropped, got %d replies", replies)
	assert.True(t, replies >= 1, "burst allowance processed, got %d replies", replies)
}
