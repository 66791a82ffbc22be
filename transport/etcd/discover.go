package etcd

import (
	"context"
	"fmt"
	"sort"
	"strings"

	clientv3 "go.etcd.io/etcd/client/v3"

	"query-rpc/loadbalance"
)

// Discover lists the keys under keyPrefix that currently have responders. Each target is
// weighted by its responder count. Presence keys expire with their lease, so crashed
// responders drop out after the TTL.
func (s *Session) Discover(ctx context.Context, keyPrefix string) ([]loadbalance.Target, error) {
	root := s.prefix + "/h/"
	resp, err := s.client.Get(ctx, root+keyPrefix, clientv3.WithPrefix(), clientv3.WithKeysOnly())
	if err != nil {
		return nil, fmt.Errorf("etcd: discover %q: %w", keyPrefix, err)
	}
	keys := make([]string, 0, len(resp.Kvs))
	for _, kv := range resp.Kvs {
		keys = append(keys, strings.TrimPrefix(string(kv.Key), root))
	}
	return targetsFrom(keys), nil
}

// Watch emits the target list under keyPrefix whenever a responder appears or expires.
// The channel is closed when ctx is done or the session closes.
func (s *Session) Watch(ctx context.Context, keyPrefix string) <-chan []loadbalance.Target {
	ch := make(chan []loadbalance.Target, 1)
	ctx, cancel := context.WithCancel(ctx)

	go func() {
		defer close(ch)
		defer cancel()
		go func() {
			select {
			case <-s.ctx.Done():
				cancel()
			case <-ctx.Done():
			}
		}()

		watch := s.client.Watch(ctx, s.prefix+"/h/"+keyPrefix, clientv3.WithPrefix())
		for range watch {
			// Re-read the full list rather than patching it from events.
			targets, err := s.Discover(ctx, keyPrefix)
			if err != nil {
				s.logger.Warn("discover", "prefix", keyPrefix, "err", err)
				continue
			}
			select {
			case ch <- targets:
			case <-ctx.Done():
				return
			}
		}
	}()
	return ch
}

// Resolver returns a resolver that runs Discover on every call.
func (s *Session) Resolver(keyPrefix string) loadbalance.Resolver {
	return resolver{session: s, keyPrefix: keyPrefix}
}

type resolver struct {
	session   *Session
	keyPrefix string
}

func (r resolver) Resolve(ctx context.Context) ([]loadbalance.Target, error) {
	return r.session.Discover(ctx, r.keyPrefix)
}

// targetsFrom groups presence paths "<key>/<responderID>" by key, sorted by key.
func targetsFrom(paths []string) []loadbalance.Target {
	counts := make(map[string]int)
	for _, rest := range paths {
		i := strings.LastIndex(rest, "/")
		if i <= 0 {
			continue
		}
		counts[rest[:i]]++
	}

	targets := make([]loadbalance.Target, 0, len(counts))
	for key, n := range counts {
		targets = append(targets, loadbalance.Target{Key: key, Weight: n})
	}
	sort.Slice(targets, func(i, j int) bool { return targets[i].Key < targets[j].Key })
	return targets
}
