package client_test

import (
	"encoding/json"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"golang.org/x/net/context"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	hub "github.com/anephenix/hub-sub000"
	"github.com/anephenix/hub-sub000/client"
	"github.com/anephenix/hub-sub000/internal/wstest"
	"github.com/anephenix/hub-sub000/store/memstore"
)

// startServer starts a hub server over httptest and returns its ws
// URL along with the server and its store.
func startServer(t *testing.T) (*hub.Server, *memstore.Store, string, func()) {
	dbgl := &wstest.DebugLog{T: t}
	st := memstore.New()
	srv := &hub.Server{Store: st, LogFunc: dbgl.Printf}

	hsrv := httptest.NewServer(hub.Upgrade(&websocket.Upgrader{}, srv))
	url := strings.Replace(hsrv.URL, "http:", "ws:", 1)
	return srv, st, url, hsrv.Close
}

// waitIdentity blocks until the server confirms the client identity
// is attached, so that subscribe calls cannot race the identity
// exchange.
func waitIdentity(t *testing.T, cli *client.Client) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	for {
		data, err := cli.Call(ctx, "has-client-id", nil)
		require.NoError(t, err, "has-client-id")
		var pld struct {
			HasClientID bool `json:"hasClientId"`
		}
		require.NoError(t, json.Unmarshal(data, &pld))
		if pld.HasClientID {
			return
		}
		select {
		case <-ctx.Done():
			require.Fail(t, "identity never confirmed")
		case <-time.After(10 * time.Millisecond):
		}
	}
}

func TestDialIdentityExchange(t *testing.T) {
	_, _, url, stop := startServer(t)
	defer stop()

	dbgl := &wstest.DebugLog{T: t}
	cli, err := client.Dial(&websocket.Dialer{}, url, nil, client.SetLogFunc(dbgl.Printf))
	require.NoError(t, err, "Dial")
	defer cli.Close()

	waitIdentity(t, cli)
	assert.NotEmpty(t, cli.ClientID(), "identity persisted to storage")
	assert.Equal(t, client.Connected, cli.State())
}

func TestDialReusesStoredIdentity(t *testing.T) {
	_, _, url, stop := startServer(t)
	defer stop()

	storage := &client.MemStorage{}
	require.NoError(t, storage.Set("hub-client-id", "client-abc"))

	dbgl := &wstest.DebugLog{T: t}
	cli, err := client.Dial(&websocket.Dialer{}, url, nil,
		client.SetLogFunc(dbgl.Printf), client.SetStorage(storage))
	require.NoError(t, err, "Dial")
	defer cli.Close()

	waitIdentity(t, cli)
	assert.Equal(t, "client-abc", cli.ClientID(), "stored identity kept")
}

func TestSubscribePublish(t *testing.T) {
	_, st, url, stop := startServer(t)
	defer stop()

	dbgl := &wstest.DebugLog{T: t}

	type delivery struct {
		channel string
		message string
	}
	recv := make(chan delivery, 1)
	sub, err := client.Dial(&websocket.Dialer{}, url, nil,
		client.SetLogFunc(dbgl.Printf),
		client.SetOnMessage(func(channel string, message json.RawMessage) {
			var s string
			require.NoError(t, json.Unmarshal(message, &s))
			recv <- delivery{channel, s}
		}))
	require.NoError(t, err, "Dial subscriber")
	defer sub.Close()

	pub, err := client.Dial(&websocket.Dialer{}, url, nil, client.SetLogFunc(dbgl.Printf))
	require.NoError(t, err, "Dial publisher")
	defer pub.Close()

	waitIdentity(t, sub)
	waitIdentity(t, pub)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	require.NoError(t, sub.Subscribe(ctx, "news", nil))
	require.NoError(t, pub.Subscribe(ctx, "news", nil))
	assert.Equal(t, []string{"news"}, sub.Channels())

	ids, err := st.ClientIDsForChannel("news")
	require.NoError(t, err)
	assert.Len(t, ids, 2, "both clients subscribed")

	require.NoError(t, pub.Publish(ctx, "news", "rain", true))

	select {
	case d := <-recv:
		assert.Equal(t, "news", d.channel)
		assert.Equal(t, "rain", d.message)
	case <-time.After(2 * time.Second):
		assert.Fail(t, "no message delivered to subscriber")
	}

	// excludeSender was set, nothing must come back to the publisher
	select {
	case d := <-recv:
		assert.Fail(t, "unexpected second delivery", "%v", d)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestPublishRequiresSubscription(t *testing.T) {
	_, _, url, stop := startServer(t)
	defer stop()

	dbgl := &wstest.DebugLog{T: t}
	cli, err := client.Dial(&websocket.Dialer{}, url, nil, client.SetLogFunc(dbgl.Printf))
	require.NoError(t, err, "Dial")
	defer cli.Close()
	waitIdentity(t, cli)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	err = cli.Publish(ctx, "news", "rain", false)
	if assert.Error(t, err) {
		assert.Contains(t, err.Error(), "You must subscribe to the channel")
	}
}

func TestPublishDenied(t *testing.T) {
	srv, _, url, stop := startServer(t)
	defer stop()
	require.NoError(t, srv.AddChannelConfig(&hub.ChannelConfig{
		Name:             "announcements",
		ClientCanPublish: hub.PublishDenied,
	}))

	dbgl := &wstest.DebugLog{T: t}
	cli, err := client.Dial(&websocket.Dialer{}, url, nil, client.SetLogFunc(dbgl.Printf))
	require.NoError(t, err, "Dial")
	defer cli.Close()
	waitIdentity(t, cli)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	require.NoError(t, cli.Subscribe(ctx, "announcements", nil))
	err = cli.Publish(ctx, "announcements", "hi", false)
	if assert.Error(t, err) {
		assert.Equal(t, "Clients cannot publish to the channel", err.Error())
	}
}

func TestSubscribeAuthenticated(t *testing.T) {
	srv, _, url, stop := startServer(t)
	defer stop()
	require.NoError(t, srv.AddChannelConfig(&hub.ChannelConfig{
		Name: "private-*",
		Authenticate: func(data json.RawMessage, _ *hub.Conn) (bool, error) {
			var pld struct {
				Token string `json:"token"`
			}
			if err := json.Unmarshal(data, &pld); err != nil {
				return false, err
			}
			return pld.Token == "sesame", nil
		},
	}))

	dbgl := &wstest.DebugLog{T: t}
	cli, err := client.Dial(&websocket.Dialer{}, url, nil, client.SetLogFunc(dbgl.Printf))
	require.NoError(t, err, "Dial")
	defer cli.Close()
	waitIdentity(t, cli)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	err = cli.Subscribe(ctx, "private-42", map[string]string{"token": "wrong"})
	if assert.Error(t, err, "bad token") {
		assert.Contains(t, err.Error(), "not authenticated to subscribe")
	}
	assert.Empty(t, cli.Channels(), "rejected channel not remembered")

	assert.NoError(t, cli.Subscribe(ctx, "private-42", map[string]string{"token": "sesame"}))
	assert.Equal(t, []string{"private-42"}, cli.Channels())
}

func TestKick(t *testing.T) {
	connc := make(chan *hub.Conn, 1)
	dbgl := &wstest.DebugLog{T: t}
	st := memstore.New()
	srv := &hub.Server{
		Store:   st,
		LogFunc: dbgl.Printf,
		ConnState: func(c *hub.Conn, cs hub.ConnState) {
			if cs == hub.Connected {
				connc <- c
			}
		},
	}
	hsrv := httptest.NewServer(hub.Upgrade(&websocket.Upgrader{}, srv))
	defer hsrv.Close()
	url := strings.Replace(hsrv.URL, "http:", "ws:", 1)

	cli, err := client.Dial(&websocket.Dialer{}, url, nil,
		client.SetLogFunc(dbgl.Printf),
		client.SetReconnect(true, 10*time.Millisecond, 50*time.Millisecond, 0))
	require.NoError(t, err, "Dial")
	defer cli.Close()

	var sc *hub.Conn
	select {
	case sc = <-connc:
	case <-time.After(2 * time.Second):
		require.Fail(t, "no server-side connection")
	}

	require.NoError(t, srv.Kick(sc))

	// a kicked client closes and does not reconnect
	select {
	case <-cli.CloseNotify():
	case <-time.After(2 * time.Second):
		assert.Fail(t, "client not closed after kick")
	}
	assert.Equal(t, client.Disconnected, cli.State())
}

func TestReconnectReplaysSubscriptions(t *testing.T) {
	_, st, url, stop := startServer(t)
	defer stop()

	dbgl := &wstest.DebugLog{T: t}
	cli, err := client.Dial(&websocket.Dialer{}, url, nil,
		client.SetLogFunc(dbgl.Printf),
		client.SetReconnect(true, 10*time.Millisecond, 50*time.Millisecond, 0),
		client.SetIdentityPoll(10*time.Millisecond, 2*time.Second))
	require.NoError(t, err, "Dial")
	defer cli.Close()
	waitIdentity(t, cli)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, cli.Subscribe(ctx, "news", nil))
	require.NoError(t, cli.Subscribe(ctx, "weather", nil))

	id := cli.ClientID()
	require.NotEmpty(t, id)

	// a dropped transport triggers reconnection; the server clears
	// the memberships on disconnect and the replay restores them.
	cli.UnderlyingConn().Close()

	deadline := time.Now().Add(5 * time.Second)
	for {
		chs, err := st.ChannelsForClientID(id)
		require.NoError(t, err)
		if len(chs) == 2 && cli.State() == client.Connected {
			assert.Equal(t, []string{"news", "weather"}, chs, "join order preserved")
			break
		}
		if time.Now().After(deadline) {
			require.Fail(t, "memberships not restored", "channels: %v, state: %s", chs, cli.State())
		}
		time.Sleep(20 * time.Millisecond)
	}
}

func TestCloseRejectsPending(t *testing.T) {
	_, _, url, stop := startServer(t)
	defer stop()

	dbgl := &wstest.DebugLog{T: t}
	cli, err := client.Dial(&websocket.Dialer{}, url, nil, client.SetLogFunc(dbgl.Printf))
	require.NoError(t, err, "Dial")
	waitIdentity(t, cli)

	// issue a call for an action the server will dispatch but never
	// answer quickly, then close underneath it.
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		time.Sleep(20 * time.Millisecond)
		cli.Close()
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, err = cli.Call(ctx, "no-such-action", nil)
	assert.Error(t, err, "call fails on close or unknown action")
	wg.Wait()

	_, err = cli.Call(ctx, "subscribe", nil)
	assert.Equal(t, client.ErrClosed, err, "calls after close fail fast")
}

func TestMemStorage(t *testing.T) {
	var s client.MemStorage

	v, err := s.Get("k")
	require.NoError(t, err)
	assert.Empty(t, v, "missing key")

	require.NoError(t, s.Set("k", "v1"))
	require.NoError(t, s.Set("k", "v2"))
	v, err = s.Get("k")
	require.NoError(t, err)
	assert.Equal(t, "v2", v, "last write wins")
}
