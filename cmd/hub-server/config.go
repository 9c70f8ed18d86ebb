package main

import (
	"errors"
	"fmt"
	"io"
	"io/ioutil"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v2"
)

// Redis defines the redis-specific configuration options.
type Redis struct {
	Addr        string        `yaml:"addr"`
	Cluster     bool          `yaml:"cluster"`
	MaxActive   int           `yaml:"max_active"`
	MaxIdle     int           `yaml:"max_idle"`
	IdleTimeout time.Duration `yaml:"idle_timeout"`

	// redis key names, empty values use the store defaults
	ChannelsKey  string `yaml:"channels_key"`
	ClientsKey   string `yaml:"clients_key"`
	BanRulesKey  string `yaml:"banrules_key"`
	BroadcastKey string `yaml:"broadcast_key"`
}

// Store defines the data store configuration options.
type Store struct {
	// Type selects the store implementation, "memory" or "redis".
	Type  string `yaml:"type"`
	Redis *Redis `yaml:"redis"`
}

// Channel defines a protected channel configuration. Subscriptions
// to the channel (or the family of channels when the name carries a
// "*") require a JWT signed with the secret, and client publishes
// can be disabled.
type Channel struct {
	Name      string `yaml:"name"`
	JWTSecret string `yaml:"jwt_secret"`
	NoPublish bool   `yaml:"no_publish"`
}

// Server defines the hub server configuration options.
type Server struct {
	// HTTP server configuration for the websocket handshake/upgrade
	Addr               string        `yaml:"addr"`
	Paths              []string      `yaml:"paths"`
	MaxHeaderBytes     int           `yaml:"max_header_bytes"`
	ReadBufferSize     int           `yaml:"read_buffer_size"`
	WriteBufferSize    int           `yaml:"write_buffer_size"`
	HandshakeTimeout   time.Duration `yaml:"handshake_timeout"`
	WhitelistedOrigins []string      `yaml:"whitelisted_origins"`

	// websocket/hub configuration
	ReadLimit               int64         `yaml:"read_limit"`
	ReadTimeout             time.Duration `yaml:"read_timeout"`
	WriteLimit              int64         `yaml:"write_limit"`
	WriteTimeout            time.Duration `yaml:"write_timeout"`
	AcquireWriteLockTimeout time.Duration `yaml:"acquire_write_lock_timeout"`
	ReplyTimeout            time.Duration `yaml:"reply_timeout"`

	// per-connection inbound message rate limit, 0 disables it
	MessagesPerSecond float64 `yaml:"messages_per_second"`
	MessageBurst      int     `yaml:"message_burst"`
}

// Metrics defines the metrics reporting configuration options.
type Metrics struct {
	// Interval between metrics reports to the log, 0 disables
	// reporting.
	Interval time.Duration `yaml:"interval"`
}

// Config defines the configuration options of the server.
type Config struct {
	Store    *Store     `yaml:"store"`
	Server   *Server    `yaml:"server"`
	Channels []*Channel `yaml:"channels"`
	Metrics  *Metrics   `yaml:"metrics"`
}

func getDefaultConfig() *Config {
	return &Config{
		Store: &Store{
			Type: *storeFlag,
			Redis: &Redis{
				Addr:    *redisAddrFlag,
				Cluster: *redisClusterFlag,
				MaxIdle: *redisMaxIdleFlag,
			},
		},
		Server: &Server{
			Addr:  ":" + strconv.Itoa(*portFlag),
			Paths: []string{"/ws"},
		},
		Metrics: &Metrics{},
	}
}

func getConfigFromReader(r io.Reader) (*Config, error) {
	conf := getDefaultConfig()

	// default values apply for anything the file does not set
	if r != nil {
		b, err := ioutil.ReadAll(r)
		if err != nil {
			return nil, err
		}
		if err := yaml.Unmarshal(b, conf); err != nil {
			return nil, err
		}
		conf.restoreNilSections()
	}
	return conf, conf.validate()
}

// restoreNilSections re-applies the defaults for sections an explicit
// null in the file would otherwise wipe out.
func (c *Config) restoreNilSections() {
	def := getDefaultConfig()
	if c.Store == nil {
		c.Store = def.Store
	}
	if c.Store.Redis == nil {
		c.Store.Redis = def.Store.Redis
	}
	if c.Server == nil {
		c.Server = def.Server
	}
	if c.Metrics == nil {
		c.Metrics = def.Metrics
	}
}

func getConfigFromFile(file string) (*Config, error) {
	var r io.Reader
	if file != "" {
		f, err := os.Open(file)
		if err != nil {
			return nil, err
		}
		defer f.Close()

		r = f
	}
	return getConfigFromReader(r)
}

func (c *Config) validate() error {
	switch c.Store.Type {
	case "memory":
	case "redis":
		if c.Store.Redis == nil || c.Store.Redis.Addr == "" {
			return errors.New("store.redis.addr must be configured for the redis store")
		}
	default:
		return fmt.Errorf("unknown store type %q, must be memory or redis", c.Store.Type)
	}

	for _, ch := range c.Channels {
		if ch.Name == "" {
			return errors.New("channels entries must have a name")
		}
		if ch.JWTSecret == "" && !ch.NoPublish {
			return fmt.Errorf("channel %q has neither a jwt_secret nor no_publish, it would be unrestricted", ch.Name)
		}
	}
	return nil
}
