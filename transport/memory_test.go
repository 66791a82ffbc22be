package transport

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func collect(ch <-chan Reply) []Reply {
	var out []Reply
	for r := range ch {
		out = append(out, r)
	}
	return out
}

func TestMemoryQueryReply(t *testing.T) {
	bus := NewMemory()
	defer bus.Close()

	_, err := bus.DeclareResponder("svc/echo", func(q Query) {
		payload, ok := q.Payload()
		assert.True(t, ok)
		q.Reply(append([]byte("re:"), payload...))
	})
	require.NoError(t, err)

	ch, err := bus.Get(context.Background(), "svc/echo", []byte("hi"), time.Second)
	require.NoError(t, err)

	replies := collect(ch)
	require.Len(t, replies, 1)
	assert.Equal(t, "re:hi", string(replies[0].Payload))
	assert.False(t, replies[0].Err)
}

func TestMemoryFanOut(t *testing.T) {
	bus := NewMemory()
	defer bus.Close()

	for i := 0; i < 3; i++ {
		_, err := bus.DeclareResponder("svc", func(q Query) { q.Reply([]byte("ok")) })
		require.NoError(t, err)
	}
	_, err := bus.DeclareResponder("other", func(q Query) { q.Reply([]byte("wrong key")) })
	require.NoError(t, err)

	ch, err := bus.Get(context.Background(), "svc", []byte("x"), time.Second)
	require.NoError(t, err)
	assert.Len(t, collect(ch), 3)
}

func TestMemoryErrorReply(t *testing.T) {
	bus := NewMemory()
	bus.DeclareResponder("svc", func(q Query) { q.ReplyError([]byte("boom")) })

	ch, err := bus.Get(context.Background(), "svc", []byte("x"), time.Second)
	require.NoError(t, err)

	replies := collect(ch)
	require.Len(t, replies, 1)
	assert.True(t, replies[0].Err)
	assert.Equal(t, "boom", string(replies[0].Payload))
}

func TestMemoryNoResponders(t *testing.T) {
	bus := NewMemory()

	ch, err := bus.Get(context.Background(), "nobody", []byte("x"), time.Second)
	require.NoError(t, err)
	assert.Empty(t, collect(ch))
}

func TestMemoryTimeoutDropsLateReply(t *testing.T) {
	bus := NewMemory()
	lateErr := make(chan error, 1)
	bus.DeclareResponder("slow", func(q Query) {
		time.Sleep(200 * time.Millisecond)
		lateErr <- q.Reply([]byte("late"))
	})

	start := time.Now()
	ch, err := bus.Get(context.Background(), "slow", []byte("x"), 50*time.Millisecond)
	require.NoError(t, err)
	assert.Empty(t, collect(ch))
	assert.Less(t, time.Since(start), 150*time.Millisecond)

	assert.True(t, errors.Is(<-lateErr, ErrQueryFinished))
}

func TestMemoryContextCancel(t *testing.T) {
	bus := NewMemory()
	release := make(chan struct{})
	defer close(release)
	bus.DeclareResponder("blocked", func(q Query) { <-release })

	ctx, cancel := context.WithCancel(context.Background())
	ch, err := bus.Get(ctx, "blocked", []byte("x"), 0)
	require.NoError(t, err)
	cancel()
	assert.Empty(t, collect(ch))
}

func TestMemoryQueryWithoutPayload(t *testing.T) {
	bus := NewMemory()
	got := make(chan bool, 1)
	bus.DeclareResponder("svc", func(q Query) {
		_, ok := q.Payload()
		got <- ok
	})

	ch, err := bus.Get(context.Background(), "svc", nil, time.Second)
	require.NoError(t, err)
	collect(ch)
	assert.False(t, <-got)
}

func TestMemoryRegistrationClose(t *testing.T) {
	bus := NewMemory()
	reg, err := bus.DeclareResponder("svc", func(q Query) { q.Reply([]byte("ok")) })
	require.NoError(t, err)
	require.NoError(t, reg.Close())
	require.NoError(t, reg.Close())

	ch, err := bus.Get(context.Background(), "svc", []byte("x"), time.Second)
	require.NoError(t, err)
	assert.Empty(t, collect(ch))
}

func TestMemoryResponderPanicIsContained(t *testing.T) {
	bus := NewMemory()
	bus.DeclareResponder("svc", func(q Query) { panic("boom") })
	bus.DeclareResponder("svc", func(q Query) { q.Reply([]byte("ok")) })

	ch, err := bus.Get(context.Background(), "svc", []byte("x"), time.Second)
	require.NoError(t, err)
	assert.Len(t, collect(ch), 1)
}

func TestMemoryClosed(t *testing.T) {
	bus := NewMemory()
	require.NoError(t, bus.Close())

	_, err := bus.DeclareResponder("svc", func(q Query) {})
	assert.ErrorIs(t, err, ErrSessionClosed)
	_, err = bus.Get(context.Background(), "svc", nil, time.Second)
	assert.ErrorIs(t, err, ErrSessionClosed)
}

type countingSession struct {
	Session
	closes int
}

func (s *countingSession) Close() error {
	s.closes++
	return nil
}

func TestRefOwnership(t *testing.T) {
	owned := &countingSession{Session: NewMemory()}
	ref := Owned(owned)
	assert.True(t, ref.IsOwned())
	require.NoError(t, ref.Release())
	require.NoError(t, ref.Release())
	assert.Equal(t, 1, owned.closes)

	borrowed := &countingSession{Session: NewMemory()}
	ref = Borrowed(borrowed)
	assert.False(t, ref.IsOwned())
	require.NoError(t, ref.Release())
	assert.Equal(t, 0, borrowed.closes)
	assert.Same(t, borrowed, ref.Session())
}
