package client

import (
	"context"
	"errors"
	"sync"

	"query-rpc/loadbalance"
	"query-rpc/rpcerr"
	"query-rpc/transport"
)

// Pool spreads calls over several keys serving the same methods. Each call resolves the
// current targets and lets the balancer pick one; the method name is the default hint.
type Pool struct {
	resolver loadbalance.Resolver
	balancer loadbalance.Balancer
	ref      *transport.Ref
	opts     []Option

	mu      sync.Mutex
	clients map[string]*Client
}

// NewPool creates a pool. The per-key clients share ref's session; Close releases it if
// the pool owns it.
func NewPool(resolver loadbalance.Resolver, balancer loadbalance.Balancer, ref *transport.Ref, opts ...Option) *Pool {
	if balancer == nil {
		balancer = &loadbalance.RoundRobin{}
	}
	return &Pool{
		resolver: resolver,
		balancer: balancer,
		ref:      ref,
		opts:     opts,
		clients:  make(map[string]*Client),
	}
}

// Call picks a key and calls method on it. Resolution failures surface as Connection
// errors.
func (p *Pool) Call(ctx context.Context, method string, params any, opts ...CallOption) (any, error) {
	c, err := p.pick(ctx, method, opts)
	if err != nil {
		return nil, err
	}
	return c.Call(ctx, method, params, opts...)
}

// CallInto is Call followed by decoding the result into out.
func (p *Pool) CallInto(ctx context.Context, method string, params any, out any, opts ...CallOption) error {
	c, err := p.pick(ctx, method, opts)
	if err != nil {
		return err
	}
	return c.CallInto(ctx, method, params, out, opts...)
}

func (p *Pool) pick(ctx context.Context, method string, opts []CallOption) (*Client, error) {
	o := callOptions{hint: method}
	for _, opt := range opts {
		opt(&o)
	}

	targets, err := p.resolver.Resolve(ctx)
	if err != nil {
		return nil, rpcerr.Connection("Failed to resolve targets: " + err.Error())
	}
	target, err := p.balancer.Pick(targets, o.hint)
	if errors.Is(err, loadbalance.ErrNoTargets) {
		return nil, rpcerr.Connection("No target serves '" + method + "'")
	}
	if err != nil {
		return nil, rpcerr.Connection(err.Error())
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	c, ok := p.clients[target.Key]
	if !ok {
		c = New(target.Key, transport.Borrowed(p.ref.Session()), p.opts...)
		p.clients[target.Key] = c
	}
	return c, nil
}

// Close releases the session if the pool owns it.
func (p *Pool) Close() error {
	return p.ref.Release()
}
