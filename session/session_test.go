package session

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"query-rpc/config"
	"query-rpc/rpcerr"
	"query-rpc/transport"
	"query-rpc/transport/tcp"
)

func loadConfig(t *testing.T, set map[string]any) config.Config {
	t.Helper()
	v := config.New()
	for k, val := range set {
		v.Set(k, val)
	}
	cfg, err := config.Decode(v)
	require.NoError(t, err)
	return cfg
}

func TestOpenMemory(t *testing.T) {
	cfg := loadConfig(t, map[string]any{"transport.driver": "memory"})

	s, err := Open(cfg.Transport, RoleServer, nil)
	require.NoError(t, err)
	defer s.Close()
	assert.IsType(t, &transport.Memory{}, s)
}

func TestOpenUnknownDriver(t *testing.T) {
	_, err := Open(config.Transport{Driver: "smoke-signals"}, RoleClient, nil)
	assert.Error(t, err)
}

func TestClientServerOverTCP(t *testing.T) {
	cfg := loadConfig(t, map[string]any{
		"key":                  "calc",
		"format":               "binary",
		"timeout":              "2s",
		"transport.driver":     "tcp",
		"transport.tcp.listen": "127.0.0.1:0",
		"server.rate_limit":    1000,
		"server.burst":         10,
	})

	svr, err := OpenServer(cfg, nil)
	require.NoError(t, err)
	svr.Register("add", func(ctx context.Context, params any) (any, error) {
		p, ok := params.([]any)
		if !ok || len(p) != 2 {
			return nil, rpcerr.InvalidParams("expected [a, b]")
		}
		a, _ := p[0].(int64)
		b, _ := p[1].(int64)
		return a + b, nil
	})
	require.NoError(t, svr.Start(cfg.Key))
	defer svr.Shutdown(time.Second)

	// The host picked a free port; point the client at it.
	host, ok := svr.Session().(*tcp.Host)
	require.True(t, ok)
	cfg.Transport.TCP.Connect = host.Addr().String()

	cli, err := OpenClient(cfg, nil)
	require.NoError(t, err)
	defer cli.Close()

	res, err := cli.Call(context.Background(), "add", []any{2, 3})
	require.NoError(t, err)
	assert.Equal(t, int64(5), res)

	_, err = cli.Call(context.Background(), "add", []any{2})
	assert.ErrorIs(t, err, rpcerr.ErrInvalidParams)
}

func TestOpenClientDialFailure(t *testing.T) {
	cfg := loadConfig(t, map[string]any{
		"transport.driver":      "tcp",
		"transport.tcp.connect": "127.0.0.1:1",
	})
	_, err := OpenClient(cfg, nil)
	assert.Error(t, err)
}

func TestPoolOverTCP(t *testing.T) {
	cfg := loadConfig(t, map[string]any{
		"transport.driver":     "tcp",
		"transport.tcp.listen": "127.0.0.1:0",
		"balance.strategy":     "consistent_hash",
		"balance.keys":         []string{"calc/1", "calc/2"},
	})

	svr, err := OpenServer(cfg, nil)
	require.NoError(t, err)
	svr.Register("ping", func(ctx context.Context, params any) (any, error) {
		return "pong", nil
	})
	require.NoError(t, svr.Start(cfg.Balance.Keys...))
	defer svr.Shutdown(time.Second)

	cfg.Transport.TCP.Connect = svr.Session().(*tcp.Host).Addr().String()
	pool, err := OpenPool(cfg, nil)
	require.NoError(t, err)
	defer pool.Close()

	for i := 0; i < 4; i++ {
		res, err := pool.Call(context.Background(), "ping", nil)
		require.NoError(t, err)
		assert.Equal(t, "pong", res)
	}
}

func TestOpenPoolDiscoverNeedsEtcd(t *testing.T) {
	cfg := loadConfig(t, map[string]any{"transport.driver": "memory"})
	cfg.Balance.Discover = "calc/"

	_, err := OpenPool(cfg, nil)
	assert.Error(t, err)
}
