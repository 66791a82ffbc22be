package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/charmbracelet/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"query-rpc/codec"
)

func TestDefaults(t *testing.T) {
	cfg, err := Load(New(), "")
	require.NoError(t, err)

	assert.Equal(t, "query-rpc/service", cfg.Key)
	assert.Equal(t, "text", cfg.Format)
	assert.Equal(t, 10*time.Second, cfg.Timeout)
	assert.Equal(t, "tcp", cfg.Transport.Driver)
	assert.Equal(t, []string{"localhost:2379"}, cfg.Transport.Etcd.Endpoints)
	assert.Equal(t, log.InfoLevel, cfg.Level())
	assert.Equal(t, "round_robin", cfg.Balance.Strategy)
	assert.False(t, cfg.Balance.Enabled())

	c, err := cfg.Codec()
	require.NoError(t, err)
	assert.Equal(t, codec.CodecTypeJSON, c.Type())
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "qrpc.yml")
	require.NoError(t, os.WriteFile(path, []byte(`
key: calc/v1
format: binary
timeout: 2s
log_level: debug
transport:
  driver: etcd
  etcd:
    endpoints: [etcd-1:2379, etcd-2:2379]
    prefix: /calc
server:
  rate_limit: 100
  burst: 20
  handler_timeout: 500ms
`), 0o644))

	cfg, err := Load(New(), path)
	require.NoError(t, err)

	assert.Equal(t, "calc/v1", cfg.Key)
	assert.Equal(t, 2*time.Second, cfg.Timeout)
	assert.Equal(t, log.DebugLevel, cfg.Level())
	assert.Equal(t, "etcd", cfg.Transport.Driver)
	assert.Equal(t, []string{"etcd-1:2379", "etcd-2:2379"}, cfg.Transport.Etcd.Endpoints)
	assert.Equal(t, "/calc", cfg.Transport.Etcd.Prefix)
	assert.Equal(t, 5*time.Second, cfg.Transport.Etcd.DialTimeout, "unset keys keep defaults")
	assert.Equal(t, 100.0, cfg.Server.RateLimit)
	assert.Equal(t, 20, cfg.Server.Burst)
	assert.Equal(t, 500*time.Millisecond, cfg.Server.HandlerTimeout)

	c, err := cfg.Codec()
	require.NoError(t, err)
	assert.Equal(t, codec.CodecTypeMsgpack, c.Type())
}

func TestEnvOverridesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "qrpc.yml")
	require.NoError(t, os.WriteFile(path, []byte("format: binary\n"), 0o644))

	t.Setenv("QRPC_FORMAT", "cbor")
	t.Setenv("QRPC_TRANSPORT_DRIVER", "memory")
	t.Setenv("QRPC_TRANSPORT_ETCD_ENDPOINTS", "a:2379,b:2379")
	t.Setenv("QRPC_BALANCE_KEYS", "calc/1,calc/2")

	cfg, err := Load(New(), path)
	require.NoError(t, err)
	assert.Equal(t, "cbor", cfg.Format)
	assert.Equal(t, "memory", cfg.Transport.Driver)
	assert.Equal(t, []string{"a:2379", "b:2379"}, cfg.Transport.Etcd.Endpoints)
	assert.Equal(t, []string{"calc/1", "calc/2"}, cfg.Balance.Keys)
	assert.True(t, cfg.Balance.Enabled())
}

func TestValidate(t *testing.T) {
	valid := func() Config {
		cfg, err := Load(New(), "")
		require.NoError(t, err)
		return cfg
	}

	cases := map[string]func(*Config){
		"empty key":       func(c *Config) { c.Key = "" },
		"bad format":      func(c *Config) { c.Format = "xml" },
		"zero timeout":    func(c *Config) { c.Timeout = 0 },
		"bad level":       func(c *Config) { c.LogLevel = "loud" },
		"bad driver":      func(c *Config) { c.Transport.Driver = "carrier-pigeon" },
		"no endpoints":    func(c *Config) { c.Transport.Driver = "etcd"; c.Transport.Etcd.Endpoints = nil },
		"negative limit":  func(c *Config) { c.Server.RateLimit = -1 },
		"bad strategy":    func(c *Config) { c.Balance.Strategy = "fastest" },
		"discover on tcp": func(c *Config) { c.Balance.Discover = "calc/" },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			cfg := valid()
			mutate(&cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(New(), filepath.Join(t.TempDir(), "missing.yml"))
	assert.Error(t, err)
}

func TestDumpLoadsBack(t *testing.T) {
	v := New()
	v.Set("key", "calc/v2")
	v.Set("timeout", "1500ms")
	v.Set("balance.keys", []string{"calc/1", "calc/2"})
	cfg, err := Decode(v)
	require.NoError(t, err)

	out, err := cfg.Dump()
	require.NoError(t, err)
	assert.Contains(t, string(out), "timeout: 1.5s")

	path := filepath.Join(t.TempDir(), "dump.yml")
	require.NoError(t, os.WriteFile(path, out, 0o644))
	again, err := Load(New(), path)
	require.NoError(t, err)
	assert.Equal(t, cfg, again)
}

func TestLoadDotEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "qrpc.env")
	require.NoError(t, os.WriteFile(path, []byte("QRPC_KEY=from-dotenv\nQRPC_FORMAT=cbor\n"), 0o644))

	// Already-set variables win over the file.
	t.Setenv("QRPC_FORMAT", "binary")
	t.Setenv("QRPC_KEY", "")
	os.Unsetenv("QRPC_KEY")

	require.NoError(t, LoadDotEnv(path))
	cfg, err := Load(New(), "")
	require.NoError(t, err)
	assert.Equal(t, "from-dotenv", cfg.Key)
	assert.Equal(t, "binary", cfg.Format)

	assert.Error(t, LoadDotEnv(filepath.Join(t.TempDir(), "missing.env")))
}
