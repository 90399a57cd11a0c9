// Package registry provides endpoint discovery and registration.
//
// etcd is a distributed key-value store that provides strong consistency (Raft protocol).
// We use it as a "distributed phonebook" for servers:
//
//	Key:   /netrpc/registry/{host:port}
//	Value: JSON-encoded Endpoint (address + every service it offers)
//
// Registration uses TTL-based leases: if the server crashes, the lease expires
// and the entry is removed, so no "ghost" endpoint stays behind.
package registry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	clientv3 "go.etcd.io/etcd/client/v3"
	"go.uber.org/zap"
)

// DefaultPrefix is the etcd key prefix every endpoint is stored under.
const DefaultPrefix = "/netrpc/registry/"

const rewatchDelay = 500 * time.Millisecond

// EtcdRegistry implements Registry using etcd v3.
type EtcdRegistry struct {
	client *clientv3.Client // etcd client connection (thread-safe, shared across goroutines)
	prefix string
	logger *zap.Logger

	mu     sync.Mutex
	leases map[string]registration // endpoint addr → live lease
}

type registration struct {
	leaseID clientv3.LeaseID
	cancel  context.CancelFunc
}

// EtcdOption configures an EtcdRegistry.
type EtcdOption func(*EtcdRegistry)

// WithPrefix overrides DefaultPrefix.
func WithPrefix(prefix string) EtcdOption {
	return func(r *EtcdRegistry) { r.prefix = prefix }
}

// WithLogger sets the registry logger.
func WithLogger(logger *zap.Logger) EtcdOption {
	return func(r *EtcdRegistry) { r.logger = logger }
}

// NewEtcdRegistry creates a new registry connected to the given etcd endpoints.
func NewEtcdRegistry(endpoints []string, opts ...EtcdOption) (*EtcdRegistry, error) {
	c, err := clientv3.New(clientv3.Config{
		Endpoints:   endpoints,
		DialTimeout: 5 * time.Second,
	})
	if err != nil {
		return nil, err
	}
	return newEtcdRegistry(c, opts...), nil
}

func newEtcdRegistry(c *clientv3.Client, opts ...EtcdOption) *EtcdRegistry {
	r := &EtcdRegistry{
		client: c,
		prefix: DefaultPrefix,
		logger: zap.L(),
		leases: make(map[string]registration),
	}
	for _, opt := range opts {
		opt(r)
	}
	r.logger = r.logger.Named("registry")
	return r
}

func (r *EtcdRegistry) key(endpoint Endpoint) string {
	return r.prefix + endpoint.Addr()
}

// Register publishes endpoint with a TTL lease.
//
// Flow:
//  1. Create a lease with the given TTL (e.g., 10 seconds)
//  2. Put the key-value pair with the lease attached
//  3. Start KeepAlive to automatically renew the lease
//
// Registering the same address again replaces the previous entry and lease.
func (r *EtcdRegistry) Register(ctx context.Context, endpoint Endpoint, ttl int64) error {
	lease, err := r.client.Grant(ctx, ttl)
	if err != nil {
		return fmt.Errorf("registry: grant lease: %w", err)
	}

	val, err := json.Marshal(endpoint)
	if err != nil {
		return err
	}

	if _, err := r.client.Put(ctx, r.key(endpoint), string(val), clientv3.WithLease(lease.ID)); err != nil {
		return fmt.Errorf("registry: put %s: %w", endpoint.Addr(), err)
	}

	// KeepAlive must outlive the caller's ctx, it runs until Deregister.
	kaCtx, cancel := context.WithCancel(context.Background())
	ch, err := r.client.KeepAlive(kaCtx, lease.ID)
	if err != nil {
		cancel()
		return fmt.Errorf("registry: keepalive: %w", err)
	}

	// Consume KeepAlive responses to prevent the channel from filling up
	go func() {
		for range ch {
		}
	}()

	r.mu.Lock()
	if prev, ok := r.leases[endpoint.Addr()]; ok {
		prev.cancel()
	}
	r.leases[endpoint.Addr()] = registration{leaseID: lease.ID, cancel: cancel}
	r.mu.Unlock()

	r.logger.Info("endpoint registered",
		zap.String("addr", endpoint.Addr()),
		zap.Int("services", len(endpoint.Services)),
		zap.Int64("ttl", ttl))
	return nil
}

// Deregister removes endpoint from etcd and revokes its lease.
// Called during graceful shutdown before closing the listener.
func (r *EtcdRegistry) Deregister(ctx context.Context, endpoint Endpoint) error {
	r.mu.Lock()
	reg, ok := r.leases[endpoint.Addr()]
	delete(r.leases, endpoint.Addr())
	r.mu.Unlock()

	if _, err := r.client.Delete(ctx, r.key(endpoint)); err != nil {
		return fmt.Errorf("registry: delete %s: %w", endpoint.Addr(), err)
	}
	if ok {
		reg.cancel()
		if _, err := r.client.Revoke(ctx, reg.leaseID); err != nil {
			r.logger.Warn("revoke lease failed", zap.String("addr", endpoint.Addr()), zap.Error(err))
		}
	}
	r.logger.Info("endpoint deregistered", zap.String("addr", endpoint.Addr()))
	return nil
}

// ListEndpoints returns every endpoint currently stored under the prefix.
func (r *EtcdRegistry) ListEndpoints(ctx context.Context) ([]Endpoint, error) {
	resp, err := r.client.Get(ctx, r.prefix, clientv3.WithPrefix())
	if err != nil {
		return nil, fmt.Errorf("registry: list: %w", err)
	}

	endpoints := make([]Endpoint, 0, len(resp.Kvs))
	for _, kv := range resp.Kvs {
		endpoint, err := decodeEndpoint(kv.Value)
		if err != nil {
			r.logger.Error("skipping malformed endpoint", zap.ByteString("key", kv.Key), zap.Error(err))
			continue
		}
		endpoints = append(endpoints, endpoint)
	}
	return endpoints, nil
}

// Watch monitors the prefix and translates etcd events into membership
// events. Whenever the watch breaks (compaction, cancellation, lost leader)
// an EventReconnected is emitted and the watch is re-established, so the
// consumer can resnapshot.
//
// Uses etcd's Watch API (server-push), which is more efficient than polling.
func (r *EtcdRegistry) Watch(ctx context.Context) <-chan Event {
	ch := make(chan Event, 16)

	go func() {
		defer close(ch)
		for {
			watchChan := r.client.Watch(clientv3.WithRequireLeader(ctx), r.prefix,
				clientv3.WithPrefix(), clientv3.WithPrevKV())
			for resp := range watchChan {
				if err := resp.Err(); err != nil {
					r.logger.Warn("watch interrupted", zap.Error(err))
					break
				}
				for _, ev := range resp.Events {
					event, ok := r.translate(ev)
					if !ok {
						continue
					}
					select {
					case ch <- event:
					case <-ctx.Done():
						return
					}
				}
			}

			if ctx.Err() != nil {
				return
			}
			select {
			case ch <- Event{Type: EventReconnected}:
			case <-ctx.Done():
				return
			}
			select {
			case <-time.After(rewatchDelay):
			case <-ctx.Done():
				return
			}
		}
	}()

	return ch
}

func (r *EtcdRegistry) translate(ev *clientv3.Event) (Event, bool) {
	switch ev.Type {
	case clientv3.EventTypePut:
		endpoint, err := decodeEndpoint(ev.Kv.Value)
		if err != nil {
			r.logger.Error("skipping malformed endpoint", zap.ByteString("key", ev.Kv.Key), zap.Error(err))
			return Event{}, false
		}
		if ev.IsCreate() || ev.PrevKv == nil {
			return Event{Type: EventAdded, Endpoint: endpoint}, true
		}
		event := Event{Type: EventUpdated, Endpoint: endpoint}
		if prev, err := decodeEndpoint(ev.PrevKv.Value); err == nil {
			event.Previous = &prev
		}
		return event, true
	case clientv3.EventTypeDelete:
		if ev.PrevKv == nil {
			r.logger.Warn("delete event without previous value", zap.ByteString("key", ev.Kv.Key))
			return Event{}, false
		}
		endpoint, err := decodeEndpoint(ev.PrevKv.Value)
		if err != nil {
			return Event{}, false
		}
		return Event{Type: EventRemoved, Endpoint: endpoint}, true
	}
	return Event{}, false
}

// Close stops every KeepAlive, letting the leases expire, and closes the
// etcd client.
func (r *EtcdRegistry) Close() error {
	r.mu.Lock()
	for addr, reg := range r.leases {
		reg.cancel()
		delete(r.leases, addr)
	}
	r.mu.Unlock()
	return r.client.Close()
}

func decodeEndpoint(data []byte) (Endpoint, error) {
	var endpoint Endpoint
	if err := json.Unmarshal(data, &endpoint); err != nil {
		return Endpoint{}, err
	}
	if endpoint.Host == "" || endpoint.Port <= 0 {
		return Endpoint{}, errors.New("endpoint without address")
	}
	return endpoint, nil
}
