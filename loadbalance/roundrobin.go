package loadbalance

import "sync/atomic"

// RoundRobin cycles through the targets in order using an atomic counter.
type RoundRobin struct {
	counter atomic.Uint64
}

func (b *RoundRobin) Pick(targets []Target, hint string) (Target, error) {
	if len(targets) == 0 {
		return Target{}, ErrNoTargets
	}
	index := (b.counter.Add(1) - 1) % uint64(len(targets))
	return targets[index], nil
}

func (b *RoundRobin) Name() string {
	return "RoundRobin"
}
