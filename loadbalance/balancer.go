// Package loadbalance provides load balancing strategies for distributing
// RPC requests across the live endpoints serving one service key.
//
// Five strategies are implemented:
//   - round_robin:     Stateless services, equal-capacity instances
//   - random:          Uniform spread without shared state between callers
//   - consistent_hash: Stateful services requiring cache affinity
//   - lfu:             Least frequently used endpoint per service key
//   - lru:             Least recently used endpoint per service key
//
// Every strategy works on the candidate list a RouteTable yields for one
// service key, which is sorted by endpoint identity.
package loadbalance

import (
	"errors"
	"fmt"
	"slices"
	"strings"

	"netrpc/registry"
)

// ErrNoAvailableEndpoint means no live endpoint advertises the service key.
var ErrNoAvailableEndpoint = errors.New("no available endpoint")

// Strategy names accepted by New.
const (
	RoundRobin     = "round_robin"
	Random         = "random"
	ConsistentHash = "consistent_hash"
	LFU            = "lfu"
	LRU            = "lru"
)

// Balancer is the interface for load balancing strategies.
// The client calls Pick() before each RPC to select a target endpoint.
type Balancer interface {
	// Pick selects one endpoint from the candidates serving serviceKey.
	// Called on every call; implementations must be goroutine-safe.
	Pick(serviceKey string, endpoints []registry.Endpoint) (registry.Endpoint, error)

	// Name returns the strategy name (for logging/debugging).
	Name() string
}

// New returns the strategy registered under name. An empty name selects
// round robin.
func New(name string) (Balancer, error) {
	switch strings.ToLower(name) {
	case "", RoundRobin:
		return NewRoundRobin(), nil
	case Random:
		return NewRandom(), nil
	case ConsistentHash:
		return NewConsistentHash(), nil
	case LFU:
		return NewLFU(), nil
	case LRU:
		return NewLRU(), nil
	default:
		return nil, fmt.Errorf("loadbalance: unknown strategy %q", name)
	}
}

// RouteTable maps each service key to the live endpoints advertising it,
// sorted by endpoint identity. It is rebuilt from the live set on demand and
// never mutated afterwards.
type RouteTable map[string][]registry.Endpoint

// BuildRouteTable groups live under every service key each endpoint offers.
func BuildRouteTable(live []registry.Endpoint) RouteTable {
	table := make(RouteTable)
	for _, endpoint := range live {
		seen := make(map[string]struct{}, len(endpoint.Services))
		for _, svc := range endpoint.Services {
			key := svc.Key()
			if _, dup := seen[key]; dup {
				continue
			}
			seen[key] = struct{}{}
			table[key] = append(table[key], endpoint)
		}
	}
	for _, endpoints := range table {
		sortEndpoints(endpoints)
	}
	return table
}

// Candidates returns the endpoints serving serviceKey.
func (t RouteTable) Candidates(serviceKey string) []registry.Endpoint {
	return t[serviceKey]
}

// Route asks b to choose among the candidates for serviceKey.
func (t RouteTable) Route(serviceKey string, b Balancer) (registry.Endpoint, error) {
	candidates := t[serviceKey]
	if len(candidates) == 0 {
		return registry.Endpoint{}, noEndpoint(serviceKey)
	}
	return b.Pick(serviceKey, candidates)
}

func sortEndpoints(endpoints []registry.Endpoint) {
	slices.SortFunc(endpoints, compareEndpoints)
}

func noEndpoint(serviceKey string) error {
	return fmt.Errorf("%w for service %s", ErrNoAvailableEndpoint, serviceKey)
}
