// Package session opens the transport selected by configuration and builds clients and
// servers that own it.
package session

import (
	"fmt"

	"github.com/charmbracelet/log"

	"query-rpc/client"
	"query-rpc/config"
	"query-rpc/loadbalance"
	"query-rpc/middleware"
	"query-rpc/server"
	"query-rpc/transport"
	"query-rpc/transport/etcd"
	"query-rpc/transport/tcp"
)

// Role decides which side of a point-to-point transport is opened.
type Role int

const (
	RoleClient Role = iota
	RoleServer
)

// Open creates a session for the configured driver. For tcp, servers listen on
// tcp.listen and clients dial tcp.connect.
func Open(cfg config.Transport, role Role, logger *log.Logger) (transport.Session, error) {
	if logger == nil {
		logger = log.Default()
	}
	switch cfg.Driver {
	case "memory":
		return transport.NewMemory(), nil
	case "tcp":
		if role == RoleServer {
			return tcp.Listen(cfg.TCP.Listen, tcp.WithHostLogger(logger))
		}
		return tcp.Dial(cfg.TCP.Connect, tcp.WithHeartbeat(cfg.TCP.Heartbeat), tcp.WithDialLogger(logger))
	case "etcd":
		opts := []etcd.Option{etcd.WithLogger(logger)}
		if cfg.Etcd.TTL > 0 {
			opts = append(opts, etcd.WithTTL(cfg.Etcd.TTL))
		}
		return etcd.Open(etcd.Config{
			Endpoints:   cfg.Etcd.Endpoints,
			DialTimeout: cfg.Etcd.DialTimeout,
			Prefix:      cfg.Etcd.Prefix,
		}, opts...)
	}
	return nil, fmt.Errorf("session: unknown transport driver %q", cfg.Driver)
}

// OpenClient opens a session and returns a client that owns it.
func OpenClient(cfg config.Config, logger *log.Logger, mws ...middleware.Middleware) (*client.Client, error) {
	c, err := cfg.Codec()
	if err != nil {
		return nil, err
	}
	s, err := Open(cfg.Transport, RoleClient, logger)
	if err != nil {
		return nil, err
	}
	opts := []client.Option{client.WithCodec(c), client.WithTimeout(cfg.Timeout), client.WithMiddleware(mws...)}
	if logger != nil {
		opts = append(opts, client.WithLogger(logger))
	}
	return client.New(cfg.Key, transport.Owned(s), opts...), nil
}

// OpenPool opens a session and returns a pool that owns it. Replica keys come from
// balance.keys, or are discovered in etcd under balance.discover.
func OpenPool(cfg config.Config, logger *log.Logger, mws ...middleware.Middleware) (*client.Pool, error) {
	c, err := cfg.Codec()
	if err != nil {
		return nil, err
	}
	balancer, err := loadbalance.New(cfg.Balance.Strategy)
	if err != nil {
		return nil, err
	}
	s, err := Open(cfg.Transport, RoleClient, logger)
	if err != nil {
		return nil, err
	}

	var resolver loadbalance.Resolver = loadbalance.Keys(cfg.Balance.Keys...)
	if cfg.Balance.Discover != "" {
		es, ok := s.(*etcd.Session)
		if !ok {
			s.Close()
			return nil, fmt.Errorf("session: discovery needs the etcd driver, have %q", cfg.Transport.Driver)
		}
		resolver = es.Resolver(cfg.Balance.Discover)
	}

	opts := []client.Option{client.WithCodec(c), client.WithTimeout(cfg.Timeout), client.WithMiddleware(mws...)}
	if logger != nil {
		opts = append(opts, client.WithLogger(logger))
	}
	return client.NewPool(resolver, balancer, transport.Owned(s), opts...), nil
}

// OpenServer opens a session and returns a server that owns it, with the configured
// rate limit and handler timeout installed. The caller registers methods and starts it.
func OpenServer(cfg config.Config, logger *log.Logger) (*server.Server, error) {
	c, err := cfg.Codec()
	if err != nil {
		return nil, err
	}
	s, err := Open(cfg.Transport, RoleServer, logger)
	if err != nil {
		return nil, err
	}
	opts := []server.Option{server.WithCodec(c)}
	if logger != nil {
		opts = append(opts, server.WithLogger(logger))
	}
	svr := server.NewServer(transport.Owned(s), opts...)
	svr.Use(middleware.Logging(logger))
	if cfg.Server.RateLimit > 0 {
		burst := cfg.Server.Burst
		if burst < 1 {
			burst = 1
		}
		svr.Use(middleware.RateLimit(cfg.Server.RateLimit, burst))
	}
	if cfg.Server.HandlerTimeout > 0 {
		svr.Use(middleware.Timeout(cfg.Server.HandlerTimeout))
	}
	return svr, nil
}
