package redisstore

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/anephenix/hub-sub000/internal/redistest"
	"github.com/anephenix/hub-sub000/store"
)

func newTestStore(t *testing.T) (*Store, func()) {
	cmd, port := redistest.StartServer(t)
	pool := redistest.NewPool(t, ":"+port)
	s := &Store{
		Pool:    pool,
		Dial:    pool.Dial,
		LogFunc: DiscardLog,
	}
	return s, func() {
		s.Close()
		pool.Close()
		cmd.Process.Kill()
	}
}

func TestMembership(t *testing.T) {
	s, stop := newTestStore(t)
	defer stop()

	require.NoError(t, s.AddClientToChannel("a", "news"), "add a")
	require.NoError(t, s.AddClientToChannel("b", "news"), "add b")
	require.NoError(t, s.AddClientToChannel("a", "news"), "repeat add a")

	ids, err := s.ClientIDsForChannel("news")
	require.NoError(t, err, "ClientIDsForChannel")
	assert.Equal(t, []string{"a", "b"}, ids, "subscribers deduplicated, in order")

	channels, err := s.ChannelsForClientID("a")
	require.NoError(t, err, "ChannelsForClientID")
	assert.Equal(t, []string{"news"}, channels, "channels of a")

	require.NoError(t, s.RemoveClientFromChannel("a", "news"), "remove a")
	ids, err = s.ClientIDsForChannel("news")
	require.NoError(t, err, "ClientIDsForChannel after remove")
	assert.Equal(t, []string{"b"}, ids, "a removed")
	channels, err = s.ChannelsForClientID("a")
	require.NoError(t, err, "ChannelsForClientID after remove")
	assert.Empty(t, channels, "a has no channels")

	// absent keys yield empty results, not errors
	ids, err = s.ClientIDsForChannel("nope")
	require.NoError(t, err, "absent channel")
	assert.Empty(t, ids, "absent channel is empty")
}

func TestUnsubscribeClientFromAllChannels(t *testing.T) {
	s, stop := newTestStore(t)
	defer stop()

	for _, ch := range []string{"news", "weather"} {
		require.NoError(t, s.AddClientToChannel("a", ch), "add a to %s", ch)
	}
	require.NoError(t, s.UnsubscribeClientFromAllChannels("a"), "unsubscribe all")

	channels, err := s.ChannelsForClientID("a")
	require.NoError(t, err, "ChannelsForClientID")
	assert.Empty(t, channels, "a removed everywhere")
	for _, ch := range []string{"news", "weather"} {
		ids, err := s.ClientIDsForChannel(ch)
		require.NoError(t, err, "ClientIDsForChannel %s", ch)
		assert.Empty(t, ids, "%s emptied", ch)
	}
}

func TestBanRules(t *testing.T) {
	s, stop := newTestStore(t)
	defer stop()

	r := store.BanRule{ClientID: "c1", IPAddress: "10.0.0.1"}
	require.NoError(t, s.AddBanRule(r), "add")
	require.NoError(t, s.AddBanRule(r), "duplicate add")

	rules, err := s.BanRules()
	require.NoError(t, err, "BanRules")
	assert.Equal(t, []store.BanRule{r}, rules, "one rule stored")

	banned, err := s.HasBanRule(store.BanRule{ClientID: "c1", IPAddress: "10.0.0.1", Host: "h"})
	require.NoError(t, err, "HasBanRule")
	assert.True(t, banned, "partial match")

	removed, err := s.RemoveBanRule(store.BanRule{ClientID: "other"})
	require.NoError(t, err, "RemoveBanRule absent")
	assert.Nil(t, removed, "absent removal yields nil")

	removed, err = s.RemoveBanRule(r)
	require.NoError(t, err, "RemoveBanRule")
	require.NotNil(t, removed, "rule removed")
	assert.Equal(t, r, *removed, "removed rule returned")

	require.NoError(t, s.AddBanRule(r), "re-add")
	require.NoError(t, s.ClearBanRules(), "clear")
	rules, err = s.BanRules()
	require.NoError(t, err, "BanRules after clear")
	assert.Empty(t, rules, "cleared")
}

func TestPublishRelay(t *testing.T) {
	s, stop := newTestStore(t)
	defer stop()

	got := make(chan *store.PubEvent, 1)
	s.OnPublish(func(ev *store.PubEvent) {
		got <- ev
	})

	// give the broadcast subscription a moment to be established
	time.Sleep(100 * time.Millisecond)

	ev := &store.PubEvent{
		Channel:       "news",
		Message:       json.RawMessage(`"rain"`),
		ClientID:      "a",
		ExcludeSender: true,
	}
	require.NoError(t, s.Publish(ev), "Publish")

	select {
	case rcvd := <-got:
		assert.Equal(t, ev.Channel, rcvd.Channel, "channel")
		assert.JSONEq(t, string(ev.Message), string(rcvd.Message), "message")
		assert.Equal(t, ev.ClientID, rcvd.ClientID, "client id")
		assert.True(t, rcvd.ExcludeSender, "excludeSender")
	case <-time.After(2 * time.Second):
		t.Fatal("publish event not relayed back to this instance")
	}
}

func TestCustomKeys(t *testing.T) {
	s, stop := newTestStore(t)
	defer stop()

	s.Keys = Keys{Channels: "custom:ch", Clients: "custom:cl", BanRules: "custom:bans"}
	require.NoError(t, s.AddClientToChannel("a", "news"), "add")

	rc := s.Pool.Get()
	defer rc.Close()
	b, err := rc.Do("HGET", "custom:ch", "news")
	require.NoError(t, err, "HGET custom key")
	assert.NotNil(t, b, "membership stored under the custom key")
}
