// Package server implements the RPC server: method dispatch, a middleware chain, and a
// responder on the transport for every served key.
//
// Query processing pipeline:
//
//	transport delivers query (on its own goroutine)
//	  → Codec.Decode → message.ParseRequest → Middleware Chain → Dispatcher → Codec.Encode → reply
package server

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/charmbracelet/log"

	"query-rpc/codec"
	"query-rpc/message"
	"query-rpc/middleware"
	"query-rpc/rpcerr"
	"query-rpc/transport"
)

// DefaultShutdownTimeout bounds how long Serve waits for in-flight queries once its
// context is done.
const DefaultShutdownTimeout = 5 * time.Second

// Server answers queries on one or more transport keys.
type Server struct {
	ref         *transport.Ref
	codec       codec.Codec
	dispatcher  *Dispatcher
	logger      *log.Logger
	middlewares []middleware.Middleware
	handler     middleware.HandlerFunc // middleware(middleware(...(businessHandler)))

	mu            sync.Mutex // guards registrations, and orders wg.Add against shutdown
	registrations []transport.Registration
	wg            sync.WaitGroup // in-flight queries
	shutdown      atomic.Bool
}

type Option func(*Server)

// WithCodec selects the wire format. The default is the text (JSON) codec.
func WithCodec(c codec.Codec) Option {
	return func(s *Server) { s.codec = c }
}

func WithLogger(logger *log.Logger) Option {
	return func(s *Server) { s.logger = logger }
}

// WithDispatcher serves an existing dispatcher instead of a fresh one.
func WithDispatcher(d *Dispatcher) Option {
	return func(s *Server) { s.dispatcher = d }
}

// NewServer creates a server on the given session. An owned session is closed by
// Shutdown; a borrowed one is left open.
func NewServer(ref *transport.Ref, opts ...Option) *Server {
	s := &Server{
		ref:        ref,
		codec:      &codec.JSONCodec{},
		dispatcher: NewDispatcher(),
		logger:     log.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Register adds a method handler. Re-registering a name replaces the previous handler.
func (s *Server) Register(method string, h Handler) {
	s.dispatcher.Register(method, h)
}

// RegisterService registers the methods of a receiver as "Type.Method" handlers.
func (s *Server) RegisterService(rcvr any) error {
	return s.dispatcher.RegisterService(rcvr)
}

// Session returns the transport session the server answers on.
func (s *Server) Session() transport.Session {
	return s.ref.Session()
}

func (s *Server) Dispatcher() *Dispatcher {
	return s.dispatcher
}

// Use registers a middleware. Middlewares are applied in the order they are added and
// must be registered before Start.
func (s *Server) Use(mw middleware.Middleware) {
	s.middlewares = append(s.middlewares, mw)
}

// Start declares a responder for each key and returns. Queries are handled concurrently
// on the transport's goroutines.
func (s *Server) Start(keys ...string) error {
	if len(keys) == 0 {
		return errors.New("server: no key to serve")
	}
	if s.shutdown.Load() {
		return transport.ErrSessionClosed
	}

	// Build the chain once, not per request.
	s.handler = middleware.Chain(s.middlewares...)(s.businessHandler)

	for _, key := range keys {
		reg, err := s.ref.Session().DeclareResponder(key, s.handleQuery)
		if err != nil {
			s.closeRegistrations()
			return fmt.Errorf("server: declare responder %q: %w", key, err)
		}
		s.mu.Lock()
		s.registrations = append(s.registrations, reg)
		s.mu.Unlock()
		s.logger.Info("responder declared", "key", key, "codec", s.codec.Name(), "methods", len(s.dispatcher.Methods()))
	}
	return nil
}

// Serve starts the server and blocks until ctx is done, then shuts down: responders are
// released, in-flight queries get up to DefaultShutdownTimeout, and an owned session is
// closed.
func (s *Server) Serve(ctx context.Context, keys ...string) error {
	if err := s.Start(keys...); err != nil {
		return err
	}
	<-ctx.Done()
	return s.Shutdown(DefaultShutdownTimeout)
}

// Shutdown performs graceful shutdown:
//  1. Set the shutdown flag so new queries are dropped
//  2. Release the responders
//  3. Wait for in-flight queries to finish (with timeout)
//  4. Close the session if the server owns it
func (s *Server) Shutdown(timeout time.Duration) error {
	// No wg.Add can happen after this point, so Wait below is not racing a new query.
	s.mu.Lock()
	s.shutdown.Store(true)
	s.mu.Unlock()
	s.closeRegistrations()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	var err error
	select {
	case <-done:
	case <-time.After(timeout):
		err = errors.New("server: timeout waiting for ongoing requests to finish")
	}
	if rerr := s.ref.Release(); rerr != nil && err == nil {
		err = rerr
	}
	return err
}

func (s *Server) closeRegistrations() {
	s.mu.Lock()
	regs := s.registrations
	s.registrations = nil
	s.mu.Unlock()
	for _, reg := range regs {
		if err := reg.Close(); err != nil {
			s.logger.Warn("release responder", "err", err)
		}
	}
}

// handleQuery processes one query: decode, validate, dispatch through the chain, reply.
// Malformed requests are answered with an InvalidRequest error, never dropped silently.
func (s *Server) handleQuery(q transport.Query) {
	if !s.enter() {
		return
	}
	defer s.wg.Done()

	payload, ok := q.Payload()
	if !ok {
		s.logger.Warn("query without payload", "key", q.Key())
		return
	}

	tree, err := s.codec.Decode(payload)
	if err != nil {
		s.logger.Warn("undecodable request", "key", q.Key(), "err", err)
		invalid := rpcerr.InvalidRequest("Invalid Request")
		if pe, ok := rpcerr.As(err); ok {
			invalid = invalid.WithData(map[string]any{"detail": pe.Message})
		}
		s.reply(q, message.NewErrorFrom(invalid, message.NullID))
		return
	}

	req, err := message.ParseRequest(tree)
	if err != nil {
		s.logger.Warn("invalid request", "key", q.Key())
		s.reply(q, message.NewErrorFrom(rpcerr.InvalidRequest("Invalid Request"), message.ExtractID(tree)))
		return
	}

	resp := s.handler(context.Background(), req)
	if resp == nil {
		resp = message.NewErrorFrom(rpcerr.Internal("Internal error: empty response"), req.ID)
	}
	s.reply(q, resp)
}

// enter registers an in-flight query unless shutdown has begun.
func (s *Server) enter() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.shutdown.Load() {
		return false
	}
	s.wg.Add(1)
	return true
}

// businessHandler is the innermost handler of the chain.
func (s *Server) businessHandler(ctx context.Context, req *message.Request) *message.Response {
	result, rerr := s.dispatcher.Dispatch(ctx, req.Method, req.Params)
	if rerr != nil {
		return message.NewErrorFrom(rerr, req.ID)
	}
	return message.NewSuccess(result, req.ID)
}

func (s *Server) reply(q transport.Query, resp *message.Response) {
	data, err := s.codec.Encode(resp.Value())
	if err != nil {
		// The result is not representable on the wire.
		s.logger.Error("encode response", "key", q.Key(), "err", err)
		data, err = s.codec.Encode(message.NewErrorFrom(rpcerr.Internal("Internal error: "+err.Error()), resp.ID).Value())
		if err != nil {
			return
		}
	}
	if err := q.Reply(data); err != nil {
		s.logger.Debug("reply dropped", "key", q.Key(), "err", err)
	}
}
