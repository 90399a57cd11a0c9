package loadbalance

import (
	"sync"
	"time"

	"netrpc/registry"
)

const (
	// cacheValidity is how long per-key statistics survive before a wholesale reset.
	cacheValidity = 24 * time.Hour
	// lfuCounterLimit caps one endpoint's counter; past it the counter restarts at 0.
	lfuCounterLimit = 1_000_000
)

// LFUBalancer routes each call to the endpoint chosen least often for that
// service key. Counters of endpoints that left the candidate list are pruned
// on every call, and the whole table is dropped once per cacheValidity.
type LFUBalancer struct {
	mu         sync.Mutex
	counters   map[string]map[string]int64 // service key → endpoint key → picks
	validUntil time.Time
	now        func() time.Time
}

func NewLFU() *LFUBalancer {
	return &LFUBalancer{
		counters: make(map[string]map[string]int64),
		now:      time.Now,
	}
}

// Pick returns the candidate with the smallest counter, the earliest in list
// order on a tie, and increments its counter.
func (b *LFUBalancer) Pick(serviceKey string, endpoints []registry.Endpoint) (registry.Endpoint, error) {
	if len(endpoints) == 0 {
		return registry.Endpoint{}, noEndpoint(serviceKey)
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if now := b.now(); now.After(b.validUntil) {
		clear(b.counters)
		b.validUntil = now.Add(cacheValidity)
	}

	counts, ok := b.counters[serviceKey]
	if !ok {
		counts = make(map[string]int64, len(endpoints))
		b.counters[serviceKey] = counts
	}

	present := make(map[string]struct{}, len(endpoints))
	for _, endpoint := range endpoints {
		key := endpoint.Key()
		present[key] = struct{}{}
		if n, seen := counts[key]; !seen || n > lfuCounterLimit {
			counts[key] = 0
		}
	}
	for key := range counts {
		if _, ok := present[key]; !ok {
			delete(counts, key)
		}
	}

	best := 0
	bestKey := endpoints[0].Key()
	for i := 1; i < len(endpoints); i++ {
		key := endpoints[i].Key()
		if counts[key] < counts[bestKey] {
			best, bestKey = i, key
		}
	}
	counts[bestKey]++
	return endpoints[best], nil
}

func (b *LFUBalancer) Name() string {
	return LFU
}
