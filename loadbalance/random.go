package loadbalance

import (
	"math/rand/v2"

	"netrpc/registry"
)

// RandomBalancer picks uniformly over the current candidates.
type RandomBalancer struct{}

func NewRandom() *RandomBalancer {
	return &RandomBalancer{}
}

func (b *RandomBalancer) Pick(serviceKey string, endpoints []registry.Endpoint) (registry.Endpoint, error) {
	if len(endpoints) == 0 {
		return registry.Endpoint{}, noEndpoint(serviceKey)
	}
	return endpoints[rand.IntN(len(endpoints))], nil
}

func (b *RandomBalancer) Name() string {
	return Random
}
