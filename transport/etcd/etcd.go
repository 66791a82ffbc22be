// Package etcd carries transport queries through an etcd cluster.
//
// etcd is used as a rendezvous point. Every key written by a query is attached to a lease,
// so abandoned queries and their replies disappear on their own:
//
//	<prefix>/h/<key>/<responderID>           presence of a responder (lease kept alive)
//	<prefix>/q/<key>/<queryID>               query: flags, reply lease ID, payload
//	<prefix>/r/<key>/<queryID>/<rid>-<n>     reply: kind byte, payload
//
// Responders watch the query prefix of their key. A querier counts the responders
// present, watches its reply prefix, then puts the query; the reply stream closes once
// every responder has written its done marker, or on timeout.
package etcd

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/charmbracelet/log"
	"github.com/google/uuid"
	clientv3 "go.etcd.io/etcd/client/v3"

	"query-rpc/transport"
)

const (
	DefaultPrefix = "/query-rpc"
	// DefaultTTL is the lease TTL in seconds for presence keys and the minimum for queries.
	DefaultTTL int64 = 10
)

// Reply kind bytes.
const (
	kindReply byte = 0
	kindError byte = 1
	kindDone  byte = 2
)

const flagPayload byte = 0x01

// Config opens a Session on its own etcd client.
type Config struct {
	Endpoints   []string
	DialTimeout time.Duration
	Prefix      string
}

// Session is a transport.Session over etcd.
type Session struct {
	client     *clientv3.Client
	ownsClient bool
	prefix     string
	ttl        int64
	logger     *log.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	closed atomic.Bool
}

type Option func(*Session)

func WithPrefix(prefix string) Option {
	return func(s *Session) { s.prefix = strings.TrimSuffix(prefix, "/") }
}

func WithTTL(seconds int64) Option {
	return func(s *Session) { s.ttl = seconds }
}

func WithLogger(logger *log.Logger) Option {
	return func(s *Session) { s.logger = logger }
}

// Open connects to etcd. The client is closed with the session.
func Open(cfg Config, opts ...Option) (*Session, error) {
	c, err := clientv3.New(clientv3.Config{
		Endpoints:   cfg.Endpoints,
		DialTimeout: cfg.DialTimeout,
	})
	if err != nil {
		return nil, fmt.Errorf("etcd: connect %v: %w", cfg.Endpoints, err)
	}
	if cfg.Prefix != "" {
		opts = append([]Option{WithPrefix(cfg.Prefix)}, opts...)
	}
	s := New(c, opts...)
	s.ownsClient = true
	return s, nil
}

// New builds a session on an existing client, which the session does not close.
func New(c *clientv3.Client, opts ...Option) *Session {
	s := &Session{
		client: c,
		prefix: DefaultPrefix,
		ttl:    DefaultTTL,
		logger: log.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With("transport", "etcd", "prefix", s.prefix)
	s.ctx, s.cancel = context.WithCancel(context.Background())
	return s
}

func (s *Session) presencePrefix(key string) string { return s.prefix + "/h/" + key + "/" }
func (s *Session) queryPrefix(key string) string    { return s.prefix + "/q/" + key + "/" }
func (s *Session) replyPrefix(key, qid string) string {
	return s.prefix + "/r/" + key + "/" + qid + "/"
}

// DeclareResponder announces a responder under a kept-alive lease and watches for queries.
// Announcing presence lets queriers know how many done markers to wait for.
func (s *Session) DeclareResponder(key string, handler func(transport.Query)) (transport.Registration, error) {
	if s.closed.Load() {
		return nil, transport.ErrSessionClosed
	}
	ctx, cancel := context.WithCancel(s.ctx)

	lease, err := s.client.Grant(ctx, s.ttl)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("etcd: grant lease: %w", err)
	}
	rid := uuid.New().String()
	put, err := s.client.Put(ctx, s.presencePrefix(key)+rid, rid, clientv3.WithLease(lease.ID))
	if err != nil {
		cancel()
		return nil, fmt.Errorf("etcd: announce responder: %w", err)
	}
	keepAlive, err := s.client.KeepAlive(ctx, lease.ID)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("etcd: keep alive: %w", err)
	}
	// Consume KeepAlive responses to prevent the channel from filling up.
	go func() {
		for range keepAlive {
		}
	}()

	reg := &registration{session: s, cancel: cancel, lease: lease.ID}
	watch := s.client.Watch(ctx, s.queryPrefix(key), clientv3.WithPrefix(), clientv3.WithRev(put.Header.Revision+1))
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		for resp := range watch {
			for _, ev := range resp.Events {
				if !ev.IsCreate() {
					continue
				}
				qid := strings.TrimPrefix(string(ev.Kv.Key), s.queryPrefix(key))
				if strings.Contains(qid, "/") {
					continue // query for a longer key sharing our prefix
				}
				q, err := decodeQuery(ctx, s, key, qid, rid, ev.Kv.Value)
				if err != nil {
					s.logger.Warn("malformed query", "key", key, "err", err)
					continue
				}
				s.wg.Add(1)
				go func() {
					defer s.wg.Done()
					defer q.done()
					defer func() {
						if r := recover(); r != nil {
							s.logger.Error("responder panicked", "key", key, "panic", r)
						}
					}()
					handler(q)
				}()
			}
		}
	}()

	s.logger.Debug("responder declared", "key", key, "responder", rid)
	return reg, nil
}

// Get counts the responders on key, watches the reply prefix from the current revision,
// and then puts the query under a lease that outlives the timeout.
func (s *Session) Get(ctx context.Context, key string, payload []byte, timeout time.Duration) (<-chan transport.Reply, error) {
	if s.closed.Load() {
		return nil, transport.ErrSessionClosed
	}

	present, err := s.client.Get(ctx, s.presencePrefix(key), clientv3.WithPrefix(), clientv3.WithKeysOnly())
	if err != nil {
		return nil, fmt.Errorf("etcd: list responders: %w", err)
	}
	expected := 0
	for _, kv := range present.Kvs {
		if !strings.Contains(strings.TrimPrefix(string(kv.Key), s.presencePrefix(key)), "/") {
			expected++
		}
	}

	stream := transport.NewReplyStream()
	if expected == 0 {
		stream.Finish()
		return stream.C(), nil
	}

	ttl := s.ttl
	if secs := int64(timeout/time.Second) + 1; secs > ttl {
		ttl = secs
	}
	lease, err := s.client.Grant(ctx, ttl)
	if err != nil {
		return nil, fmt.Errorf("etcd: grant lease: %w", err)
	}

	qid := uuid.New().String()
	wctx, cancel := context.WithCancel(ctx)
	watch := s.client.Watch(wctx, s.replyPrefix(key, qid), clientv3.WithPrefix(), clientv3.WithRev(present.Header.Revision+1))

	if _, err := s.client.Put(ctx, s.queryPrefix(key)+qid, string(encodeQuery(lease.ID, payload)), clientv3.WithLease(lease.ID)); err != nil {
		cancel()
		s.revoke(lease.ID)
		return nil, fmt.Errorf("etcd: put query: %w", err)
	}

	go func() {
		defer func() {
			cancel()
			stream.Finish()
			s.revoke(lease.ID)
		}()

		var expired <-chan time.Time
		if timeout > 0 {
			timer := time.NewTimer(timeout)
			defer timer.Stop()
			expired = timer.C
		}
		done := 0
		for {
			select {
			case <-expired:
				return
			case <-s.ctx.Done():
				return
			case resp, ok := <-watch:
				if !ok {
					return
				}
				for _, ev := range resp.Events {
					if ev.Type != clientv3.EventTypePut || len(ev.Kv.Value) == 0 {
						continue
					}
					kind, body := ev.Kv.Value[0], ev.Kv.Value[1:]
					switch kind {
					case kindReply:
						stream.Send(transport.Reply{Payload: body})
					case kindError:
						stream.Send(transport.Reply{Payload: body, Err: true})
					case kindDone:
						done++
					}
				}
				if done >= expected {
					return
				}
			}
		}
	}()

	return stream.C(), nil
}

// revoke drops a query lease, deleting the query and its replies.
func (s *Session) revoke(id clientv3.LeaseID) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if _, err := s.client.Revoke(ctx, id); err != nil {
		s.logger.Debug("revoke lease", "lease", int64(id), "err", err)
	}
}

// Close stops every responder and, if the session opened it, the etcd client.
func (s *Session) Close() error {
	if s.closed.Swap(true) {
		return nil
	}
	s.cancel()
	s.wg.Wait()
	if s.ownsClient {
		return s.client.Close()
	}
	return nil
}

type registration struct {
	session *Session
	cancel  context.CancelFunc
	lease   clientv3.LeaseID
	once    sync.Once
}

// Close stops watching and revokes the presence lease.
func (r *registration) Close() error {
	r.once.Do(func() {
		r.cancel()
		r.session.revoke(r.lease)
	})
	return nil
}

func encodeQuery(lease clientv3.LeaseID, payload []byte) []byte {
	buf := make([]byte, 9+len(payload))
	if payload != nil {
		buf[0] = flagPayload
	}
	binary.BigEndian.PutUint64(buf[1:9], uint64(lease))
	copy(buf[9:], payload)
	return buf
}

type query struct {
	session    *Session
	ctx        context.Context
	key        string
	replyKey   string
	lease      clientv3.LeaseID
	payload    []byte
	hasPayload bool
	n          atomic.Int64
}

func decodeQuery(ctx context.Context, s *Session, key, qid, rid string, value []byte) (*query, error) {
	if len(value) < 9 {
		return nil, errors.New("short query value")
	}
	q := &query{
		session:    s,
		ctx:        ctx,
		key:        key,
		replyKey:   s.replyPrefix(key, qid) + rid + "-",
		lease:      clientv3.LeaseID(binary.BigEndian.Uint64(value[1:9])),
		hasPayload: value[0]&flagPayload != 0,
	}
	if q.hasPayload {
		q.payload = value[9:]
	}
	return q, nil
}

func (q *query) Key() string {
	return q.key
}

func (q *query) Payload() ([]byte, bool) {
	return q.payload, q.hasPayload
}

func (q *query) Reply(payload []byte) error {
	return q.put(kindReply, payload)
}

func (q *query) ReplyError(payload []byte) error {
	return q.put(kindError, payload)
}

func (q *query) done() {
	if err := q.put(kindDone, nil); err != nil {
		q.session.logger.Debug("done marker", "key", q.key, "err", err)
	}
}

func (q *query) put(kind byte, payload []byte) error {
	n := q.n.Add(1)
	value := append([]byte{kind}, payload...)
	_, err := q.session.client.Put(q.ctx, fmt.Sprintf("%s%d", q.replyKey, n), string(value), clientv3.WithLease(q.lease))
	if err != nil {
		// The lease is gone once the querier finished.
		return fmt.Errorf("%w: %v", transport.ErrQueryFinished, err)
	}
	return nil
}
