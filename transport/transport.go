// Package transport defines the query-based pub/sub contract the RPC layer is built on.
//
// A Session offers two primitives:
//
//	DeclareResponder(key, fn)  → fn receives every query sent to key and may reply
//	Get(ctx, key, payload, d)  → zero or more replies, delivered on a channel that is
//	                             closed when all responders finished or d elapsed
//
// Keys are opaque path-like strings ("service/method-group"). Bindings live in
// subpackages (tcp, etcd); NewMemory provides an in-process bus.
package transport

import (
	"context"
	"errors"
	"sync"
	"time"
)

var (
	ErrSessionClosed = errors.New("transport: session closed")
	// ErrQueryFinished is returned by Query.Reply once the querier stopped listening.
	ErrQueryFinished = errors.New("transport: query finished")
)

// Query is one inbound query delivered to a responder.
type Query interface {
	Key() string
	// Payload returns the query body; ok is false for a query sent without payload.
	Payload() (payload []byte, ok bool)
	Reply(payload []byte) error
	// ReplyError sends a transport-level failure reply.
	ReplyError(payload []byte) error
}

// Reply is one reply received by a querier.
type Reply struct {
	Payload []byte
	Err     bool // true for a ReplyError reply
}

// Registration deregisters a responder when closed.
type Registration interface {
	Close() error
}

// Session is a live connection to a transport.
type Session interface {
	// DeclareResponder calls handler for every query on key. Replies must be sent before
	// handler returns; later ones may be dropped.
	DeclareResponder(key string, handler func(Query)) (Registration, error)
	// Get sends a query to every responder on key. A nil payload sends a query without
	// payload. A zero timeout waits until ctx is done or all responders finished.
	Get(ctx context.Context, key string, payload []byte, timeout time.Duration) (<-chan Reply, error)
	Close() error
}

// Ref is a session together with its ownership: an owned session is closed on Release,
// a borrowed one is left to its owner.
type Ref struct {
	session Session
	owned   bool
	once    sync.Once
}

// Owned wraps a session the holder created and must tear down.
func Owned(s Session) *Ref {
	return &Ref{session: s, owned: true}
}

// Borrowed wraps a caller-provided session whose lifetime the holder does not manage.
func Borrowed(s Session) *Ref {
	return &Ref{session: s}
}

func (r *Ref) Session() Session {
	return r.session
}

func (r *Ref) IsOwned() bool {
	return r.owned
}

// Release closes the session if it is owned. It is safe to call more than once.
func (r *Ref) Release() error {
	if !r.owned {
		return nil
	}
	var err error
	r.once.Do(func() {
		err = r.session.Close()
	})
	return err
}
