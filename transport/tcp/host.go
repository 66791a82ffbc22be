package tcp

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/charmbracelet/log"

	"query-rpc/protocol"
	"query-rpc/transport"
)

// Host accepts TCP connections and answers their queries with locally declared
// responders. It is itself a transport.Session: local Get calls reach the same
// responders without touching the network.
type Host struct {
	listener net.Listener
	local    *transport.Memory
	logger   *log.Logger
	wg       sync.WaitGroup // connections
	shutdown atomic.Bool

	mu    sync.Mutex
	conns map[net.Conn]context.CancelFunc
}

type HostOption func(*Host)

func WithHostLogger(logger *log.Logger) HostOption {
	return func(h *Host) { h.logger = logger }
}

// Listen starts a Host on addr (e.g. "127.0.0.1:0") and begins accepting connections.
func Listen(addr string, opts ...HostOption) (*Host, error) {
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("tcp: listen %s: %w", addr, err)
	}
	h := &Host{
		listener: listener,
		local:    transport.NewMemory(),
		logger:   log.Default(),
		conns:    make(map[net.Conn]context.CancelFunc),
	}
	for _, opt := range opts {
		opt(h)
	}
	h.logger = h.logger.With("transport", "tcp", "listen", listener.Addr().String())
	go h.acceptLoop()
	return h, nil
}

// Addr returns the address the Host listens on.
func (h *Host) Addr() net.Addr {
	return h.listener.Addr()
}

func (h *Host) DeclareResponder(key string, handler func(transport.Query)) (transport.Registration, error) {
	return h.local.DeclareResponder(key, handler)
}

func (h *Host) Get(ctx context.Context, key string, payload []byte, timeout time.Duration) (<-chan transport.Reply, error) {
	return h.local.Get(ctx, key, payload, timeout)
}

// Close stops accepting, drops every connection and releases the responders.
func (h *Host) Close() error {
	// Set the flag BEFORE closing the listener so the Accept error is recognized as intentional.
	h.shutdown.Store(true)
	err := h.listener.Close()

	h.mu.Lock()
	for conn, cancel := range h.conns {
		conn.Close()
		cancel()
	}
	h.mu.Unlock()

	h.wg.Wait()
	h.local.Close()
	return err
}

func (h *Host) acceptLoop() {
	for {
		conn, err := h.listener.Accept()
		if err != nil {
			if !h.shutdown.Load() && !errors.Is(err, net.ErrClosed) {
				h.logger.Error("accept", "err", err)
			}
			return
		}
		ctx, cancel := context.WithCancel(context.Background())
		h.mu.Lock()
		h.conns[conn] = cancel
		h.mu.Unlock()

		h.wg.Add(1)
		go h.handleConn(ctx, conn)
	}
}

// handleConn reads frames sequentially but answers each query on its own goroutine,
// so a slow responder does not block other queries on the same connection. A
// per-connection write mutex keeps frames from interleaving.
func (h *Host) handleConn(ctx context.Context, conn net.Conn) {
	defer h.wg.Done()
	defer func() {
		h.mu.Lock()
		if cancel, ok := h.conns[conn]; ok {
			cancel()
			delete(h.conns, conn)
		}
		h.mu.Unlock()
		conn.Close()
	}()

	writeMu := &sync.Mutex{}
	for {
		header, body, err := protocol.Decode(conn)
		if err != nil {
			return
		}
		switch header.MsgType {
		case protocol.MsgTypeHeartbeat:
			continue
		case protocol.MsgTypeQuery:
			go h.handleQuery(ctx, conn, writeMu, header, body)
		default:
			h.logger.Warn("unexpected frame", "type", header.MsgType, "seq", header.Seq)
		}
	}
}

func (h *Host) handleQuery(ctx context.Context, conn net.Conn, writeMu *sync.Mutex, header *protocol.Header, body []byte) {
	write := func(t protocol.MsgType, payload []byte) error {
		writeMu.Lock()
		defer writeMu.Unlock()
		return protocol.Encode(conn, &protocol.Header{MsgType: t, Seq: header.Seq}, payload)
	}

	key, payload, err := protocol.DecodeQuery(body)
	if err != nil {
		write(protocol.MsgTypeReplyError, []byte(err.Error()))
		write(protocol.MsgTypeDone, nil)
		return
	}
	if header.Flags&protocol.FlagPayload == 0 {
		payload = nil
	} else if payload == nil {
		payload = []byte{}
	}

	// The querier enforces its own timeout; here the query lives as long as the connection.
	replies, err := h.local.Get(ctx, key, payload, 0)
	if err != nil {
		write(protocol.MsgTypeReplyError, []byte(err.Error()))
		write(protocol.MsgTypeDone, nil)
		return
	}
	for r := range replies {
		t := protocol.MsgTypeReply
		if r.Err {
			t = protocol.MsgTypeReplyError
		}
		if err := write(t, r.Payload); err != nil {
			return
		}
	}
	write(protocol.MsgTypeDone, nil)
}
