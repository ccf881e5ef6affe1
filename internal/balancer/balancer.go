// Package balancer implements the least-connected load-balancing strategy
// (spec §4.6, component E).
package balancer

import (
	"sync"

	"github.com/graphdriver/core/internal/address"
)

// InUseCounter reports how many connections are currently leased for addr,
// the capability the pool exposes (spec §4.6).
type InUseCounter func(addr address.Address) int

// Balancer picks the least-connected candidate from a routing table list,
// breaking ties by round-robin. It keeps one rotating index per distinct
// candidate-list identity (readers vs writers vs routers) so repeated ties
// fan out evenly instead of always favoring the first address.
type Balancer struct {
	mu      sync.Mutex
	indices map[string]int
}

// New creates a Balancer.
func New() *Balancer {
	return &Balancer{indices: make(map[string]int)}
}

// Select returns the address in candidates with the smallest in-use count,
// breaking ties via round-robin keyed by category (e.g. "neo4j/READ").
// Returns the zero Address and false if candidates is empty.
func (b *Balancer) Select(category string, candidates []address.Address, inUseCount InUseCounter) (address.Address, bool) {
	if len(candidates) == 0 {
		return address.Address{}, false
	}

	b.mu.Lock()
	start := b.indices[category] % len(candidates)
	b.mu.Unlock()

	bestIdx := -1
	bestCount := 0
	for i := 0; i < len(candidates); i++ {
		idx := (start + i) % len(candidates)
		count := inUseCount(candidates[idx])
		if bestIdx == -1 || count < bestCount {
			bestIdx = idx
			bestCount = count
		}
	}

	b.mu.Lock()
	b.indices[category] = (bestIdx + 1) % len(candidates)
	b.mu.Unlock()

	return candidates[bestIdx], true
}
