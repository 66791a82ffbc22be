// Package tcp carries transport queries over a framed TCP connection.
//
// Host listens and owns the responders; Conn dials a Host and sends queries. A Conn
// multiplexes any number of concurrent queries over its single connection: each query
// gets a unique sequence ID, and a background goroutine (recvLoop) routes every
// Reply / ReplyError / Done frame to the stream waiting on that seq.
//
//	goroutine-1 ──Get(seq=1)──┐
//	goroutine-2 ──Get(seq=2)──┼──→ single TCP conn ──→ Host
//	goroutine-3 ──Get(seq=3)──┘
//
//	recvLoop:  ←── Reply(seq=2) → pending[2] stream → goroutine-2 receives it
package tcp

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/charmbracelet/log"

	"query-rpc/protocol"
	"query-rpc/transport"
)

// ErrResponderNotSupported is returned by Conn.DeclareResponder; responders live on the
// Host side of a connection.
var ErrResponderNotSupported = errors.New("tcp: responders are declared on the host")

const DefaultHeartbeatInterval = 30 * time.Second

// Conn is a transport.Session backed by one multiplexed TCP connection to a Host.
type Conn struct {
	conn    net.Conn
	logger  *log.Logger
	seq     uint32     // protected by sending
	pending sync.Map   // map[uint32]*transport.ReplyStream
	sending sync.Mutex // serializes whole frames on conn
	closed  chan struct{}
	once    sync.Once
}

type DialOption func(*dialOptions)

type dialOptions struct {
	timeout   time.Duration
	heartbeat time.Duration
	logger    *log.Logger
}

func WithDialTimeout(d time.Duration) DialOption {
	return func(o *dialOptions) { o.timeout = d }
}

// WithHeartbeat sets the keepalive interval; zero disables heartbeats.
func WithHeartbeat(d time.Duration) DialOption {
	return func(o *dialOptions) { o.heartbeat = d }
}

func WithDialLogger(logger *log.Logger) DialOption {
	return func(o *dialOptions) { o.logger = logger }
}

// Dial connects to a Host at addr.
func Dial(addr string, opts ...DialOption) (*Conn, error) {
	o := dialOptions{timeout: 5 * time.Second, heartbeat: DefaultHeartbeatInterval, logger: log.Default()}
	for _, opt := range opts {
		opt(&o)
	}
	nc, err := net.DialTimeout("tcp", addr, o.timeout)
	if err != nil {
		return nil, fmt.Errorf("tcp: dial %s: %w", addr, err)
	}
	return NewConn(nc, o.heartbeat, o.logger), nil
}

// NewConn wraps an established connection and starts two background goroutines:
//   - recvLoop: continuously reads reply frames and routes them to pending queries
//   - heartbeatLoop: sends periodic heartbeat frames to detect dead connections
func NewConn(nc net.Conn, heartbeat time.Duration, logger *log.Logger) *Conn {
	if logger == nil {
		logger = log.Default()
	}
	c := &Conn{
		conn:   nc,
		logger: logger.With("transport", "tcp", "remote", nc.RemoteAddr().String()),
		closed: make(chan struct{}),
	}
	go c.recvLoop()
	if heartbeat > 0 {
		go c.heartbeatLoop(heartbeat)
	}
	return c
}

func (c *Conn) DeclareResponder(key string, handler func(transport.Query)) (transport.Registration, error) {
	return nil, ErrResponderNotSupported
}

// Get sends a query frame and returns the stream its replies are routed to. The stream
// closes on the Host's Done frame, on timeout, when ctx is done, or when the connection
// breaks (after an error reply describing the failure).
func (c *Conn) Get(ctx context.Context, key string, payload []byte, timeout time.Duration) (<-chan transport.Reply, error) {
	select {
	case <-c.closed:
		return nil, transport.ErrSessionClosed
	default:
	}

	body, err := protocol.EncodeQuery(key, payload)
	if err != nil {
		return nil, err
	}
	var flags byte
	if payload != nil {
		flags |= protocol.FlagPayload
	}

	stream := transport.NewReplyStream()

	c.sending.Lock()
	c.seq++
	seq := c.seq
	// Register BEFORE sending to avoid racing recvLoop.
	c.pending.Store(seq, stream)
	err = protocol.Encode(c.conn, &protocol.Header{MsgType: protocol.MsgTypeQuery, Flags: flags, Seq: seq}, body)
	c.sending.Unlock()
	if err != nil {
		c.pending.Delete(seq)
		return nil, fmt.Errorf("tcp: send query: %w", err)
	}

	go func() {
		var expired <-chan time.Time
		if timeout > 0 {
			timer := time.NewTimer(timeout)
			defer timer.Stop()
			expired = timer.C
		}
		select {
		case <-expired:
		case <-ctx.Done():
		case <-c.closed:
		}
		c.pending.Delete(seq)
		stream.Finish()
	}()

	return stream.C(), nil
}

// recvLoop runs in a dedicated goroutine. TCP is a byte stream, so reads must be
// sequential to parse frame boundaries correctly.
func (c *Conn) recvLoop() {
	for {
		header, body, err := protocol.Decode(c.conn)
		if err != nil {
			c.fail(err)
			return
		}

		v, ok := c.pending.Load(header.Seq)
		if !ok {
			continue // late reply for a finished query
		}
		stream := v.(*transport.ReplyStream)
		switch header.MsgType {
		case protocol.MsgTypeReply:
			stream.Send(transport.Reply{Payload: body})
		case protocol.MsgTypeReplyError:
			stream.Send(transport.Reply{Payload: body, Err: true})
		case protocol.MsgTypeDone:
			c.pending.Delete(header.Seq)
			stream.Finish()
		}
	}
}

// fail tears the connection down and tells every pending query why.
func (c *Conn) fail(err error) {
	c.conn.Close()
	c.pending.Range(func(key, value any) bool {
		stream := value.(*transport.ReplyStream)
		stream.Send(transport.Reply{Payload: []byte("connection lost: " + err.Error()), Err: true})
		stream.Finish()
		c.pending.Delete(key)
		return true
	})
	c.once.Do(func() {
		close(c.closed)
		c.logger.Debug("connection closed", "err", err)
	})
}

func (c *Conn) heartbeatLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-c.closed:
			return
		case <-ticker.C:
		}
		c.sending.Lock()
		err := protocol.Encode(c.conn, &protocol.Header{MsgType: protocol.MsgTypeHeartbeat}, nil)
		c.sending.Unlock()
		if err != nil {
			return
		}
	}
}

func (c *Conn) Close() error {
	c.fail(net.ErrClosed)
	return nil
}
