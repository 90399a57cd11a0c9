package loadbalance

import (
	"sync/atomic"

	"netrpc/registry"
)

// RoundRobinBalancer distributes requests evenly across all endpoints in order.
// Uses an atomic counter for lock-free, goroutine-safe operation. The counter
// is shared by every service key and taken modulo the current list length,
// so a list that grows or shrinks keeps cycling without restarting.
//
// Best for: stateless services where all instances have similar capacity.
type RoundRobinBalancer struct {
	counter atomic.Uint64 // incremented on each Pick()
}

func NewRoundRobin() *RoundRobinBalancer {
	return &RoundRobinBalancer{}
}

// Pick selects the next endpoint in round-robin order, starting at the first.
func (b *RoundRobinBalancer) Pick(serviceKey string, endpoints []registry.Endpoint) (registry.Endpoint, error) {
	if len(endpoints) == 0 {
		return registry.Endpoint{}, noEndpoint(serviceKey)
	}
	index := (b.counter.Add(1) - 1) % uint64(len(endpoints))
	return endpoints[index], nil
}

func (b *RoundRobinBalancer) Name() string {
	return RoundRobin
}
