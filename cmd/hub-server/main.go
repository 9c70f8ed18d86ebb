// Command hub-server implements a hub server that listens for
// websocket connections and serves pub-sub and RPC requests. It is
// mostly useful as a testing and debugging tool, typical
// applications will use the hub package as a library in their own
// main command.
package main

import (
	"encoding/json"
	"expvar"
	"flag"
	"fmt"
	"log"
	"net/http"
	_ "net/http/pprof"
	"os"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/gomodule/redigo/redis"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/mna/redisc"
	"github.com/rcrowley/go-metrics"
	"golang.org/x/time/rate"

	hub "github.com/anephenix/hub-sub000"
	"github.com/anephenix/hub-sub000/store"
	"github.com/anephenix/hub-sub000/store/memstore"
	"github.com/anephenix/hub-sub000/store/redisstore"
)

var (
	configFlag       = flag.String("config", "", "Path of the configuration `file`.")
	helpFlag         = flag.Bool("help", false, "Show help.")
	noLogFlag        = flag.Bool("L", false, "Disable logging.")
	portFlag         = flag.Int("port", 9000, "Server `port`.")
	storeFlag        = flag.String("store", "memory", "Data store `type` (memory or redis).")
	redisAddrFlag    = flag.String("redis", ":6379", "Redis `address`.")
	redisClusterFlag = flag.Bool("redis-cluster", false, "Use redis cluster.")
	redisMaxIdleFlag = flag.Int("redis-max-idle", 0, "Maximum idle `connections`.")
)

func main() {
	flag.Parse()
	if *helpFlag {
		flag.Usage()
		return
	}

	conf, err := getConfigFromFile(*configFlag)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration file: %v\n", err)
		flag.Usage()
		os.Exit(1)
	}

	logFn := log.Printf
	if *noLogFlag {
		logFn = hub.DiscardLog
	}

	st, err := newStore(conf.Store, logFn)
	if err != nil {
		log.Fatalf("failed to create data store: %v", err)
	}
	defer st.Close()

	srv := newServer(conf.Server, st, logFn)
	srv.Vars = expvar.NewMap("hub")

	for _, ch := range conf.Channels {
		if err := srv.AddChannelConfig(newChannelConfig(ch)); err != nil {
			log.Fatalf("failed to configure channel %q: %v", ch.Name, err)
		}
		logFn("channel %q configured", ch.Name)
	}

	if conf.Metrics.Interval > 0 {
		startMetrics(srv, conf.Metrics.Interval)
	}

	upgh := hub.Upgrade(newUpgrader(conf.Server), srv)
	router := mux.NewRouter()
	for _, p := range conf.Server.Paths {
		router.Handle(p, upgh)
	}
	router.PathPrefix("/debug/").Handler(http.DefaultServeMux)
	httpSrv := newHTTPServer(conf.Server, router)

	logFn("listening for connections on %s", conf.Server.Addr)
	if err := httpSrv.ListenAndServe(); err != nil {
		log.Fatalf("ListenAndServe failed: %v", err)
	}
}

func newStore(conf *Store, logFn func(string, ...interface{})) (store.Store, error) {
	if conf.Type == "memory" {
		logFn("in-memory store configured")
		return memstore.New(), nil
	}

	rc := conf.Redis
	keys := redisstore.Keys{
		Channels:  rc.ChannelsKey,
		Clients:   rc.ClientsKey,
		BanRules:  rc.BanRulesKey,
		Broadcast: rc.BroadcastKey,
	}

	if rc.Cluster {
		cluster, err := newRedisCluster(rc)
		if err != nil {
			return nil, err
		}
		logFn("redis cluster configured on %s", rc.Addr)
		return &redisstore.Store{Pool: cluster, Dial: cluster.Dial, Keys: keys, LogFunc: logFn}, nil
	}

	pool, err := redisPoolCreateFunc(rc)(rc.Addr)
	if err != nil {
		return nil, err
	}
	logFn("redis pool configured on %s", rc.Addr)
	return &redisstore.Store{Pool: pool, Dial: pool.Dial, Keys: keys, LogFunc: logFn}, nil
}

func newServer(conf *Server, st store.Store, logFn func(string, ...interface{})) *hub.Server {
	cs := func(c *hub.Conn, state hub.ConnState) {
		logFn("%v: connection state %d", c.RemoteAddr(), state)
	}
	if *noLogFlag {
		cs = nil
	}
	return &hub.Server{
		Store:                   st,
		ReadLimit:               conf.ReadLimit,
		ReadTimeout:             conf.ReadTimeout,
		WriteLimit:              conf.WriteLimit,
		WriteTimeout:            conf.WriteTimeout,
		AcquireWriteLockTimeout: conf.AcquireWriteLockTimeout,
		ReplyTimeout:            conf.ReplyTimeout,
		MessageRate:             rate.Limit(conf.MessagesPerSecond),
		MessageBurst:            conf.MessageBurst,
		ConnState:               cs,
		LogFunc:                 logFn,
	}
}

// newChannelConfig builds the channel configuration for a protected
// channel: subscriptions must carry a token signed with the
// channel's secret, and publishes can be disabled outright.
func newChannelConfig(conf *Channel) *hub.ChannelConfig {
	cfg := &hub.ChannelConfig{Name: conf.Name}
	if conf.NoPublish {
		cfg.ClientCanPublish = hub.PublishDenied
	}
	if secret := conf.JWTSecret; secret != "" {
		cfg.Authenticate = func(data json.RawMessage, _ *hub.Conn) (bool, error) {
			var pld struct {
				Token string `json:"token"`
			}
			if err := json.Unmarshal(data, &pld); err != nil {
				return false, err
			}
			if pld.Token == "" {
				return false, nil
			}
			tok, err := jwt.Parse(pld.Token, func(t *jwt.Token) (interface{}, error) {
				if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
					return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
				}
				return []byte(secret), nil
			})
			if err != nil {
				return false, nil
			}
			return tok.Valid, nil
		}
	}
	return cfg
}

// startMetrics mirrors a few expvar counters into a go-metrics
// registry and logs them at the configured interval.
func startMetrics(srv *hub.Server, interval time.Duration) {
	reg := metrics.NewRegistry()
	names := []string{"ActiveConns", "TotalConns", "Subscribes", "Unsubscribes", "Publishes", "RejectedConns"}
	gauges := make(map[string]metrics.Gauge, len(names))
	for _, n := range names {
		gauges[n] = metrics.NewRegisteredGauge(n, reg)
	}

	go func() {
		for range time.Tick(interval) {
			for n, g := range gauges {
				if v, ok := srv.Vars.Get(n).(*expvar.Int); ok {
					g.Update(v.Value())
				}
			}
		}
	}()
	go metrics.Log(reg, interval, log.New(os.Stderr, "metrics: ", log.Lmicroseconds))
}

func isIn(list []string, v string) bool {
	for _, vv := range list {
		if v == vv {
			return true
		}
	}
	return false
}

func newUpgrader(conf *Server) *websocket.Upgrader {
	upg := &websocket.Upgrader{
		HandshakeTimeout: conf.HandshakeTimeout,
		ReadBufferSize:   conf.ReadBufferSize,
		WriteBufferSize:  conf.WriteBufferSize,
	}

	if len(conf.WhitelistedOrigins) > 0 {
		oris := conf.WhitelistedOrigins
		upg.CheckOrigin = func(r *http.Request) bool {
			o := r.Header.Get("Origin")
			return isIn(oris, o)
		}
	}
	return upg
}

func newHTTPServer(conf *Server, h http.Handler) *http.Server {
	return &http.Server{
		Addr:           conf.Addr,
		Handler:        h,
		ReadTimeout:    conf.ReadTimeout,
		WriteTimeout:   conf.WriteTimeout,
		MaxHeaderBytes: conf.MaxHeaderBytes,
	}
}

func newRedisCluster(conf *Redis) (*redisc.Cluster, error) {
	c := &redisc.Cluster{
		StartupNodes: []string{conf.Addr},
		CreatePool:   redisPoolCreateFunc(conf),
	}
	err := c.Refresh()
	return c, err
}

func redisPoolCreateFunc(conf *Redis) func(string, ...redis.DialOption) (*redis.Pool, error) {
	return func(addr string, opts ...redis.DialOption) (*redis.Pool, error) {
		p := &redis.Pool{
			MaxIdle:     conf.MaxIdle,
			MaxActive:   conf.MaxActive,
			IdleTimeout: conf.IdleTimeout,
			Dial: func() (redis.Conn, error) {
				return redis.Dial("tcp", addr, opts...)
			},
			TestOnBorrow: func(c redis.Conn, t time.Time) error {
				_, err := c.Do("PING")
				return err
			},
		}

		// test the connection so that it fails fast if redis is not
		// available
		c := p.Get()
		defer c.Close()

		if _, err := c.Do("PING"); err != nil {
			return nil, err
		}
		return p, nil
	}
}
