package etcd

import (
	"context"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"query-rpc/loadbalance"
	"query-rpc/transport"
)

// openTest connects to the cluster named by QUERY_RPC_ETCD_ENDPOINTS, or skips.
func openTest(t *testing.T) *Session {
	t.Helper()
	endpoints := os.Getenv("QUERY_RPC_ETCD_ENDPOINTS")
	if endpoints == "" {
		t.Skip("QUERY_RPC_ETCD_ENDPOINTS not set")
	}
	s, err := Open(Config{
		Endpoints:   strings.Split(endpoints, ","),
		DialTimeout: 3 * time.Second,
		Prefix:      "/query-rpc-test/" + uuid.New().String(),
	})
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func collect(ch <-chan transport.Reply) []transport.Reply {
	var out []transport.Reply
	for r := range ch {
		out = append(out, r)
	}
	return out
}

func TestEncodeQuery(t *testing.T) {
	s := &Session{prefix: DefaultPrefix}
	q, err := decodeQuery(context.Background(), s, "svc", "qid", "rid", encodeQuery(42, []byte("hi")))
	require.NoError(t, err)

	payload, ok := q.Payload()
	assert.True(t, ok)
	assert.Equal(t, "hi", string(payload))
	assert.Equal(t, int64(42), int64(q.lease))
	assert.Equal(t, "/query-rpc/r/svc/qid/rid-", q.replyKey)

	q, err = decodeQuery(context.Background(), s, "svc", "qid", "rid", encodeQuery(42, nil))
	require.NoError(t, err)
	_, ok = q.Payload()
	assert.False(t, ok)

	_, err = decodeQuery(context.Background(), s, "svc", "qid", "rid", []byte{1, 2})
	assert.Error(t, err)
}

func TestQueryReply(t *testing.T) {
	s := openTest(t)
	reg, err := s.DeclareResponder("svc/echo", func(q transport.Query) {
		payload, _ := q.Payload()
		q.Reply(append([]byte("re:"), payload...))
	})
	require.NoError(t, err)
	defer reg.Close()

	start := time.Now()
	ch, err := s.Get(context.Background(), "svc/echo", []byte("hi"), 5*time.Second)
	require.NoError(t, err)

	replies := collect(ch)
	require.Len(t, replies, 1)
	assert.Equal(t, "re:hi", string(replies[0].Payload))
	assert.Less(t, time.Since(start), 5*time.Second, "stream closes on done markers")
}

func TestNoResponders(t *testing.T) {
	s := openTest(t)

	ch, err := s.Get(context.Background(), "nobody", []byte("x"), time.Second)
	require.NoError(t, err)
	assert.Empty(t, collect(ch))
}

func TestTimeout(t *testing.T) {
	s := openTest(t)
	release := make(chan struct{})
	defer close(release)
	reg, err := s.DeclareResponder("slow", func(q transport.Query) { <-release })
	require.NoError(t, err)
	defer reg.Close()

	ch, err := s.Get(context.Background(), "slow", []byte("x"), 200*time.Millisecond)
	require.NoError(t, err)
	assert.Empty(t, collect(ch))
}

func TestClosed(t *testing.T) {
	s := openTest(t)
	require.NoError(t, s.Close())

	_, err := s.Get(context.Background(), "svc", nil, time.Second)
	assert.ErrorIs(t, err, transport.ErrSessionClosed)
}

func TestTargetsFrom(t *testing.T) {
	got := targetsFrom([]string{"calc/2/r1", "calc/1/r1", "calc/2/r2", "malformed"})
	assert.Equal(t, []loadbalance.Target{
		{Key: "calc/1", Weight: 1},
		{Key: "calc/2", Weight: 2},
	}, got)
}

func TestDiscoverAndWatch(t *testing.T) {
	s := openTest(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	updates := s.Watch(ctx, "calc/")

	reg1, err := s.DeclareResponder("calc/1", func(q transport.Query) {})
	require.NoError(t, err)
	reg2, err := s.DeclareResponder("calc/2", func(q transport.Query) {})
	require.NoError(t, err)
	defer reg2.Close()

	targets, err := s.Resolver("calc/").Resolve(ctx)
	require.NoError(t, err)
	assert.Equal(t, []loadbalance.Target{{Key: "calc/1", Weight: 1}, {Key: "calc/2", Weight: 1}}, targets)

	require.NoError(t, reg1.Close())
	require.Eventually(t, func() bool {
		for {
			select {
			case latest := <-updates:
				if len(latest) == 1 && latest[0].Key == "calc/2" {
					return true
				}
			default:
				return false
			}
		}
	}, 5*time.Second, 50*time.Millisecond)
}
