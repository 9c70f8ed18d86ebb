package main

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGetConfigDefaults(t *testing.T) {
	conf, err := getConfigFromReader(nil)
	require.NoError(t, err)
	assert.Equal(t, "memory", conf.Store.Type)
	assert.Equal(t, ":9000", conf.Server.Addr)
	assert.Equal(t, []string{"/ws"}, conf.Server.Paths)
}

func TestGetConfigNullSections(t *testing.T) {
	// an explicit null must not wipe out the defaulted sections
	conf, err := getConfigFromReader(strings.NewReader(`
store: null
server: null
metrics: null
`))
	require.NoError(t, err)
	require.NotNil(t, conf.Store)
	require.NotNil(t, conf.Server)
	require.NotNil(t, conf.Metrics)
	assert.Equal(t, "memory", conf.Store.Type)
	assert.Equal(t, ":9000", conf.Server.Addr)
}

func TestGetConfigNullRedis(t *testing.T) {
	conf, err := getConfigFromReader(strings.NewReader(`
store:
  type: redis
  redis: null
`))
	require.NoError(t, err)
	require.NotNil(t, conf.Store.Redis)
	assert.Equal(t, ":6379", conf.Store.Redis.Addr)
}

func TestGetConfigRedisRequiresAddr(t *testing.T) {
	_, err := getConfigFromReader(strings.NewReader(`
store:
  type: redis
  redis:
    addr: ""
`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "store.redis.addr")
}

func TestGetConfigUnknownStore(t *testing.T) {
	_, err := getConfigFromReader(strings.NewReader("store:\n  type: bolt\n"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown store type")
}

func TestGetConfigUnrestrictedChannel(t *testing.T) {
	_, err := getConfigFromReader(strings.NewReader("channels:\n  - name: news\n"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unrestricted")
}
