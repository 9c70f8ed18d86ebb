package hub_test

import (
	"log"
	"net/http"
	"time"

	"github.com/gomodule/redigo/redis"
	"github.com/gorilla/websocket"

	hub "github.com/anephenix/hub-sub000"
	"github.com/anephenix/hub-sub000/store/redisstore"
)

// This example shows how to set up a hub server backed by redis and
// serve connections.
func Example() {
	const redisAddr = ":6379"

	// create a redis pool
	pool := &redis.Pool{
		MaxIdle:     10,
		MaxActive:   100,
		IdleTimeout: 30 * time.Second,
		Dial: func() (redis.Conn, error) {
			return redis.Dial("tcp", redisAddr)
		},
		TestOnBorrow: func(c redis.Conn, t time.Time) error {
			_, err := c.Do("PING")
			return err
		},
	}

	// create a redis-backed store, so that channel memberships and
	// publishes are shared with every other hub instance using the
	// same redis server.
	store := &redisstore.Store{
		Pool: pool,
		Dial: pool.Dial,
	}
	defer store.Close()

	// create a hub server using the store.
	server := &hub.Server{
		Store: store,
	}

	// channels work without configuration; add one to restrict who
	// can publish on it.
	if err := server.AddChannelConfig(&hub.ChannelConfig{
		Name:             "announcements",
		ClientCanPublish: hub.PublishDenied,
	}); err != nil {
		log.Fatalf("AddChannelConfig failed: %v", err)
	}

	// get the upgrade HTTP handler and register it as handler for
	// the /ws path.
	upgh := hub.Upgrade(&websocket.Upgrader{}, server)
	http.Handle("/ws", upgh)

	// start the HTTP server, connect to :9000/ws to make hub
	// connections.
	if err := http.ListenAndServe(":9000", nil); err != nil {
		log.Fatalf("ListenAndServe failed: %v", err)
	}
}
