// Package client implements the calling side: it correlates each request with the first
// reply carrying the same id.
//
//	Call → NewRequest(id) → Codec.Encode → Session.Get(key, payload, timeout)
//	     ← first reply ← Codec.Decode ← message.ParseResponse ← id check
//
// Every failure returned by Call is an *rpcerr.Error, so callers can branch with
// errors.Is(err, rpcerr.ErrTimeout) and friends.
package client

import (
	"context"
	"time"

	"github.com/charmbracelet/log"

	"query-rpc/codec"
	"query-rpc/message"
	"query-rpc/middleware"
	"query-rpc/rpcerr"
	"query-rpc/transport"
)

// DefaultTimeout applies to calls that set no timeout of their own.
const DefaultTimeout = 10 * time.Second

// Client calls methods served on one transport key. It is safe for concurrent use once
// configured.
type Client struct {
	key         string
	ref         *transport.Ref
	codec       codec.Codec
	timeout     time.Duration
	logger      *log.Logger
	middlewares []middleware.Middleware
	handler     middleware.HandlerFunc
}

type Option func(*Client)

// WithCodec selects the wire format; it must match the server's. The default is the text
// (JSON) codec.
func WithCodec(c codec.Codec) Option {
	return func(cl *Client) { cl.codec = c }
}

// WithTimeout sets the default per-call timeout.
func WithTimeout(d time.Duration) Option {
	return func(cl *Client) { cl.timeout = d }
}

func WithLogger(logger *log.Logger) Option {
	return func(cl *Client) { cl.logger = logger }
}

// WithMiddleware wraps every round trip, first one outermost.
func WithMiddleware(mws ...middleware.Middleware) Option {
	return func(cl *Client) { cl.middlewares = append(cl.middlewares, mws...) }
}

// New creates a client for key. An owned session is closed by Close; a borrowed one is
// left open.
func New(key string, ref *transport.Ref, opts ...Option) *Client {
	c := &Client{
		key:     key,
		ref:     ref,
		codec:   &codec.JSONCodec{},
		timeout: DefaultTimeout,
		logger:  log.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.handler = middleware.Chain(c.middlewares...)(c.roundTrip)
	return c
}

// Use appends a middleware. Not safe to call concurrently with Call.
func (c *Client) Use(mw middleware.Middleware) {
	c.middlewares = append(c.middlewares, mw)
	c.handler = middleware.Chain(c.middlewares...)(c.roundTrip)
}

type callOptions struct {
	timeout time.Duration
	id      any
	hint    string
}

type CallOption func(*callOptions)

// WithCallTimeout overrides the client's timeout for one call.
func WithCallTimeout(d time.Duration) CallOption {
	return func(o *callOptions) { o.timeout = d }
}

// WithID sends the request with a caller-chosen id instead of a fresh UUID.
func WithID(id any) CallOption {
	return func(o *callOptions) { o.id = id }
}

// WithHint sets the affinity key a Pool hands to its balancer. Plain clients ignore it.
func WithHint(hint string) CallOption {
	return func(o *callOptions) { o.hint = hint }
}

// attemptTimeoutKey carries the per-call timeout down the chain to roundTrip.
type attemptTimeoutKey struct{}

// Call invokes method with params ([]any, map[string]any, a struct, or nil) and returns
// the decoded result value. Each transport attempt waits at most the configured timeout,
// and the whole call ends when ctx is done; both surface as a Timeout error. The window
// is opened per attempt, so a Retry middleware gets a fresh one for every re-send.
func (c *Client) Call(ctx context.Context, method string, params any, opts ...CallOption) (any, error) {
	o := callOptions{timeout: c.timeout}
	for _, opt := range opts {
		opt(&o)
	}

	ctx = context.WithValue(ctx, attemptTimeoutKey{}, o.timeout)
	resp := c.handler(ctx, message.NewRequest(method, params, o.id))
	if resp == nil {
		return nil, rpcerr.Internal("Internal error: empty response")
	}
	if resp.Error != nil {
		return nil, resp.Error
	}
	return resp.Result, nil
}

// CallInto is Call followed by decoding the result into out.
func (c *Client) CallInto(ctx context.Context, method string, params any, out any, opts ...CallOption) error {
	result, err := c.Call(ctx, method, params, opts...)
	if err != nil {
		return err
	}
	if err := codec.Bind(result, out); err != nil {
		return rpcerr.Parse("Failed to bind result: " + err.Error())
	}
	return nil
}

// Close releases the session if the client owns it.
func (c *Client) Close() error {
	return c.ref.Release()
}

// roundTrip performs one query and turns every failure into an error response, so the
// middleware chain sees a uniform outcome.
func (c *Client) roundTrip(ctx context.Context, req *message.Request) *message.Response {
	fail := func(err *rpcerr.Error) *message.Response {
		return message.NewErrorFrom(err, req.ID)
	}

	payload, err := c.codec.Encode(req.Value())
	if err != nil {
		return fail(rpcerr.InvalidParams("Failed to encode request: " + err.Error()))
	}

	timeout := c.timeout
	if d, ok := ctx.Value(attemptTimeoutKey{}).(time.Duration); ok {
		timeout = d
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	// The caller's deadline may be the shorter one.
	if deadline, ok := ctx.Deadline(); ok {
		timeout = time.Until(deadline)
	}
	if timeout <= 0 {
		return fail(rpcerr.Timeout("No reply received within timeout"))
	}

	replies, err := c.ref.Session().Get(ctx, c.key, payload, timeout)
	if err != nil {
		return fail(rpcerr.Connection("Failed to send query: " + err.Error()))
	}

	var reply transport.Reply
	select {
	case r, ok := <-replies:
		if !ok {
			return fail(rpcerr.Timeout("No reply received within timeout"))
		}
		reply = r
	case <-ctx.Done():
		go drain(replies)
		return fail(rpcerr.Timeout("No reply received within timeout"))
	}
	// Single-target semantics: only the first reply counts.
	go drain(replies)

	if reply.Err {
		return fail(rpcerr.Connection("Received error reply: " + string(reply.Payload)))
	}

	tree, err := c.codec.Decode(reply.Payload)
	if err != nil {
		if pe, ok := rpcerr.As(err); ok {
			return fail(pe)
		}
		return fail(rpcerr.Parse(err.Error()))
	}

	resp, err := message.ParseResponse(tree)
	if err != nil || !message.SameID(resp.ID, req.ID) {
		c.logger.Debug("rejected response", "key", c.key, "method", req.Method, "id", req.ID)
		return fail(rpcerr.InvalidRequest("Invalid JSON-RPC response"))
	}
	return resp
}

func drain(replies <-chan transport.Reply) {
	for range replies {
	}
}
