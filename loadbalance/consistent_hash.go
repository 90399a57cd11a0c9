package loadbalance

import (
	"slices"
	"strings"

	"github.com/cespare/xxhash/v2"

	"netrpc/registry"
)

// ConsistentHashBalancer maps a service key to one endpoint so that the same
// key always lands on the same endpoint while the candidate list is unchanged.
// Callers get cache affinity for stateful services.
//
// It uses jump consistent hash (Lamping & Veach): the 64-bit xxhash of the
// service key picks a bucket in [0, n). When n grows to n+1 only about
// 1/(n+1) of the keys move, and they all move to the new last bucket:
//
//	n=3:  key → [ A | B | C ]
//	n=4:  key → [ A | B | C | D ]   (keys leave A/B/C only towards D)
//
// The bucket is a list position, so the list order must be reproducible.
// Candidates are sorted by endpoint identity before hashing.
type ConsistentHashBalancer struct{}

func NewConsistentHash() *ConsistentHashBalancer {
	return &ConsistentHashBalancer{}
}

func (b *ConsistentHashBalancer) Pick(serviceKey string, endpoints []registry.Endpoint) (registry.Endpoint, error) {
	if len(endpoints) == 0 {
		return registry.Endpoint{}, noEndpoint(serviceKey)
	}
	if !slices.IsSortedFunc(endpoints, compareEndpoints) {
		endpoints = slices.Clone(endpoints)
		sortEndpoints(endpoints)
	}
	return endpoints[jumpHash(xxhash.Sum64String(serviceKey), len(endpoints))], nil
}

func (b *ConsistentHashBalancer) Name() string {
	return ConsistentHash
}

// jumpHash returns a bucket in [0, buckets).
func jumpHash(key uint64, buckets int) int {
	var b, j int64 = -1, 0
	for j < int64(buckets) {
		b = j
		key = key*2862933555777941757 + 1
		j = int64(float64(b+1) * (float64(int64(1)<<31) / float64((key>>33)+1)))
	}
	return int(b)
}

func compareEndpoints(a, b registry.Endpoint) int {
	return strings.Compare(a.Key(), b.Key())
}
