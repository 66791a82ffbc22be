package client

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"query-rpc/loadbalance"
	"query-rpc/rpcerr"
	"query-rpc/server"
	"query-rpc/transport"
)

// startReplica serves "whoami" on key, answering with the key itself.
func startReplica(t *testing.T, bus *transport.Memory, key string) {
	t.Helper()
	svr := server.NewServer(transport.Borrowed(bus))
	svr.Register("whoami", func(ctx context.Context, params any) (any, error) {
		return key, nil
	})
	require.NoError(t, svr.Start(key))
	t.Cleanup(func() { _ = svr.Shutdown(time.Second) })
}

func TestPoolRoundRobin(t *testing.T) {
	bus := transport.NewMemory()
	defer bus.Close()
	startReplica(t, bus, "calc/1")
	startReplica(t, bus, "calc/2")

	pool := NewPool(loadbalance.Keys("calc/1", "calc/2"), &loadbalance.RoundRobin{}, transport.Borrowed(bus))
	defer pool.Close()

	var got []any
	for i := 0; i < 4; i++ {
		result, err := pool.Call(context.Background(), "whoami", nil)
		require.NoError(t, err)
		got = append(got, result)
	}
	assert.Equal(t, []any{"calc/1", "calc/2", "calc/1", "calc/2"}, got)
}

func TestPoolConsistentHashHint(t *testing.T) {
	bus := transport.NewMemory()
	defer bus.Close()
	startReplica(t, bus, "calc/1")
	startReplica(t, bus, "calc/2")
	startReplica(t, bus, "calc/3")

	pool := NewPool(loadbalance.Keys("calc/1", "calc/2", "calc/3"), loadbalance.NewConsistentHash(), transport.Borrowed(bus))

	var first string
	for i := 0; i < 5; i++ {
		var who string
		require.NoError(t, pool.CallInto(context.Background(), "whoami", nil, &who, WithHint("user-42")))
		if first == "" {
			first = who
		}
		assert.Equal(t, first, who)
	}
}

type failingResolver struct{}

func (failingResolver) Resolve(ctx context.Context) ([]loadbalance.Target, error) {
	return nil, errors.New("etcd unavailable")
}

func TestPoolResolutionFailures(t *testing.T) {
	bus := transport.NewMemory()
	defer bus.Close()

	pool := NewPool(loadbalance.Static(nil), nil, transport.Borrowed(bus))
	_, err := pool.Call(context.Background(), "whoami", nil)
	e, ok := rpcerr.As(err)
	require.True(t, ok)
	assert.Equal(t, rpcerr.CodeConnection, e.Code)
	assert.Equal(t, "No target serves 'whoami'", e.Message)

	pool = NewPool(failingResolver{}, nil, transport.Borrowed(bus))
	_, err = pool.Call(context.Background(), "whoami", nil)
	assert.ErrorIs(t, err, rpcerr.ErrConnection)
	assert.Contains(t, err.Error(), "etcd unavailable")
}

func TestPoolOwnedClose(t *testing.T) {
	bus := transport.NewMemory()
	pool := NewPool(loadbalance.Keys("calc/1"), nil, transport.Owned(bus))
	require.NoError(t, pool.Close())

	_, err := bus.Get(context.Background(), "calc/1", nil, 0)
	assert.ErrorIs(t, err, transport.ErrSessionClosed)
}
