package loadbalance

import (
	"fmt"
	"hash/crc32"
	"sort"
	"strings"
	"sync"
)

// DefaultReplicas is the number of virtual nodes placed on the ring per target.
const DefaultReplicas = 100

// ConsistentHash maps a hint to a target on a hash ring, so the same hint keeps
// landing on the same key while the target list is unchanged. Virtual nodes keep
// the ring evenly spread.
//
//	        0
//	      ╱   ╲
//	 B ●         ● A
//	   │  hint ◆──► A   (clockwise to the nearest node)
//	 C ●         ● A'
//	      ╲   ╱
type ConsistentHash struct {
	replicas int

	mu    sync.Mutex
	shape string // identity of the target list the ring was built from
	ring  []uint32
	nodes map[uint32]Target
}

func NewConsistentHash() *ConsistentHash {
	return &ConsistentHash{replicas: DefaultReplicas}
}

// Pick hashes hint onto the ring, rebuilding the ring first if targets changed.
func (b *ConsistentHash) Pick(targets []Target, hint string) (Target, error) {
	if len(targets) == 0 {
		return Target{}, ErrNoTargets
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if shape := shapeOf(targets); shape != b.shape {
		b.build(targets)
		b.shape = shape
	}

	hash := crc32.ChecksumIEEE([]byte(hint))
	idx := sort.Search(len(b.ring), func(i int) bool {
		return b.ring[i] >= hash
	})
	if idx == len(b.ring) {
		idx = 0
	}
	return b.nodes[b.ring[idx]], nil
}

func (b *ConsistentHash) build(targets []Target) {
	b.ring = b.ring[:0]
	b.nodes = make(map[uint32]Target, len(targets)*b.replicas)
	for _, t := range targets {
		for i := 0; i < b.replicas*weight(t); i++ {
			hash := crc32.ChecksumIEEE([]byte(fmt.Sprintf("%s#%d", t.Key, i)))
			b.ring = append(b.ring, hash)
			b.nodes[hash] = t
		}
	}
	sort.Slice(b.ring, func(i, j int) bool {
		return b.ring[i] < b.ring[j]
	})
}

func shapeOf(targets []Target) string {
	var sb strings.Builder
	for _, t := range targets {
		fmt.Fprintf(&sb, "%s:%d,", t.Key, weight(t))
	}
	return sb.String()
}

func (b *ConsistentHash) Name() string {
	return "ConsistentHash"
}
