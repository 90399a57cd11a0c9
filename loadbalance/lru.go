package loadbalance

import (
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/simplelru"

	"netrpc/registry"
)

// lruCapacity bounds the access-ordered table kept per service key.
const lruCapacity = 1000

// LRUBalancer routes each call to the endpoint touched least recently for
// that service key. Each key owns an access-ordered table capped at
// lruCapacity; past the cap the oldest entry is evicted.
type LRUBalancer struct {
	mu         sync.Mutex
	tables     map[string]*simplelru.LRU[string, registry.Endpoint]
	validUntil time.Time
	now        func() time.Time
}

func NewLRU() *LRUBalancer {
	return &LRUBalancer{
		tables: make(map[string]*simplelru.LRU[string, registry.Endpoint]),
		now:    time.Now,
	}
}

// Pick admits unseen candidates as most recent, prunes entries that are no
// longer candidates, then returns the oldest entry and marks it most recent.
func (b *LRUBalancer) Pick(serviceKey string, endpoints []registry.Endpoint) (registry.Endpoint, error) {
	if len(endpoints) == 0 {
		return registry.Endpoint{}, noEndpoint(serviceKey)
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if now := b.now(); now.After(b.validUntil) {
		clear(b.tables)
		b.validUntil = now.Add(cacheValidity)
	}

	table, ok := b.tables[serviceKey]
	if !ok {
		var err error
		table, err = simplelru.NewLRU[string, registry.Endpoint](lruCapacity, nil)
		if err != nil {
			return registry.Endpoint{}, err
		}
		b.tables[serviceKey] = table
	}

	present := make(map[string]struct{}, len(endpoints))
	for _, endpoint := range endpoints {
		key := endpoint.Key()
		present[key] = struct{}{}
		if !table.Contains(key) {
			table.Add(key, endpoint)
		}
	}
	for _, key := range table.Keys() {
		if _, ok := present[key]; !ok {
			table.Remove(key)
		}
	}

	key, _, ok := table.GetOldest()
	if !ok {
		return registry.Endpoint{}, noEndpoint(serviceKey)
	}
	endpoint, _ := table.Get(key)
	return endpoint, nil
}

// Len returns how many endpoints are tracked for serviceKey.
func (b *LRUBalancer) Len(serviceKey string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	if table, ok := b.tables[serviceKey]; ok {
		return table.Len()
	}
	return 0
}

func (b *LRUBalancer) Name() string {
	return LRU
}
