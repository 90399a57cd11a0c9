package registry

import (
	"context"
	"sort"
	"sync"
)

// MemoryRegistry is an in-process Registry. It keeps one entry per address
// and fans every change out to all watchers. TTLs are ignored.
type MemoryRegistry struct {
	mu        sync.Mutex
	endpoints map[string]Endpoint // addr → endpoint
	watchers  map[chan Event]struct{}
}

func NewMemoryRegistry() *MemoryRegistry {
	return &MemoryRegistry{
		endpoints: make(map[string]Endpoint),
		watchers:  make(map[chan Event]struct{}),
	}
}

func (m *MemoryRegistry) Register(_ context.Context, endpoint Endpoint, _ int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	prev, existed := m.endpoints[endpoint.Addr()]
	m.endpoints[endpoint.Addr()] = endpoint
	if existed {
		m.publish(Event{Type: EventUpdated, Endpoint: endpoint, Previous: &prev})
	} else {
		m.publish(Event{Type: EventAdded, Endpoint: endpoint})
	}
	return nil
}

func (m *MemoryRegistry) Deregister(_ context.Context, endpoint Endpoint) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	prev, ok := m.endpoints[endpoint.Addr()]
	if !ok {
		return nil
	}
	delete(m.endpoints, endpoint.Addr())
	m.publish(Event{Type: EventRemoved, Endpoint: prev})
	return nil
}

// ListEndpoints returns the endpoints sorted by address.
func (m *MemoryRegistry) ListEndpoints(_ context.Context) ([]Endpoint, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	endpoints := make([]Endpoint, 0, len(m.endpoints))
	for _, e := range m.endpoints {
		endpoints = append(endpoints, e)
	}
	sort.Slice(endpoints, func(i, j int) bool { return endpoints[i].Addr() < endpoints[j].Addr() })
	return endpoints, nil
}

func (m *MemoryRegistry) Watch(ctx context.Context) <-chan Event {
	ch := make(chan Event, 64)

	m.mu.Lock()
	m.watchers[ch] = struct{}{}
	m.mu.Unlock()

	go func() {
		<-ctx.Done()
		m.mu.Lock()
		delete(m.watchers, ch)
		close(ch)
		m.mu.Unlock()
	}()
	return ch
}

// SignalReconnected emits EventReconnected to every watcher, the way a
// backend does after its session was re-established.
func (m *MemoryRegistry) SignalReconnected() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.publish(Event{Type: EventReconnected})
}

// publish must be called with mu held. A watcher that stopped draining its
// channel loses events rather than blocking the registry.
func (m *MemoryRegistry) publish(event Event) {
	for ch := range m.watchers {
		select {
		case ch <- event:
		default:
		}
	}
}
