// Package loadbalance spreads calls across several keys that serve the same methods.
//
// Every responder declared on a key receives each query sent to it, so replicas that
// should share load are declared on distinct keys ("calc/1", "calc/2", ...) and the
// caller picks one key per call:
//   - RoundRobin:      equal replicas
//   - WeightedRandom:  replicas of different capacity
//   - ConsistentHash:  calls with the same hint stick to the same replica
package loadbalance

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// ErrNoTargets is returned by Pick when the target list is empty.
var ErrNoTargets = errors.New("loadbalance: no targets available")

// Target is one key a call can be sent to.
type Target struct {
	Key    string
	Weight int // relative capacity, values below 1 count as 1
}

// Balancer picks the target for one call. Implementations must be goroutine-safe.
type Balancer interface {
	// Pick selects one of targets. hint is the method name, or a caller-chosen affinity key.
	Pick(targets []Target, hint string) (Target, error)

	Name() string
}

// Resolver lists the targets currently available.
type Resolver interface {
	Resolve(ctx context.Context) ([]Target, error)
}

// Static resolves to a fixed target list.
type Static []Target

func (s Static) Resolve(ctx context.Context) ([]Target, error) {
	return s, nil
}

// Keys builds equally weighted targets.
func Keys(keys ...string) Static {
	targets := make(Static, 0, len(keys))
	for _, k := range keys {
		targets = append(targets, Target{Key: k, Weight: 1})
	}
	return targets
}

// New returns the balancer registered under name: round_robin, weighted_random or
// consistent_hash. An empty name selects round_robin.
func New(name string) (Balancer, error) {
	switch strings.ToLower(name) {
	case "", "round_robin", "roundrobin":
		return &RoundRobin{}, nil
	case "weighted_random", "weightedrandom":
		return &WeightedRandom{}, nil
	case "consistent_hash", "consistenthash":
		return NewConsistentHash(), nil
	}
	return nil, fmt.Errorf("loadbalance: unknown strategy %q", name)
}

func weight(t Target) int {
	if t.Weight < 1 {
		return 1
	}
	return t.Weight
}
