package loadbalance

import "math/rand/v2"

// WeightedRandom picks a target with probability proportional to its weight.
type WeightedRandom struct{}

func (b *WeightedRandom) Pick(targets []Target, hint string) (Target, error) {
	if len(targets) == 0 {
		return Target{}, ErrNoTargets
	}

	total := 0
	for _, t := range targets {
		total += weight(t)
	}

	r := rand.IntN(total)
	for _, t := range targets {
		r -= weight(t)
		if r < 0 {
			return t, nil
		}
	}
	return targets[len(targets)-1], nil
}

func (b *WeightedRandom) Name() string {
	return "WeightedRandom"
}
