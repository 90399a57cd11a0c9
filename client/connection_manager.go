package client

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"netrpc/codec"
	"netrpc/loadbalance"
	"netrpc/metrics"
	"netrpc/registry"
	"netrpc/transport"
	"netrpc/workerpool"
)

var (
	// ErrConnectionTimeout means no connection became live within the wait
	// window. It is always joined with loadbalance.ErrNoAvailableEndpoint.
	ErrConnectionTimeout = errors.New("timed out waiting for a connection")
	// ErrManagerStopped is returned once the manager was stopped.
	ErrManagerStopped = errors.New("connection manager stopped")
)

const (
	DefaultWaitTimeout    = 5 * time.Second
	DefaultConnectTimeout = 3 * time.Second
)

// Dialer opens the TCP connection to addr.
type Dialer func(ctx context.Context, addr string) (net.Conn, error)

// ConnectionManager owns the live connections of one client. It reconciles
// them against discovery, hands callers a connection chosen by the balancer
// and blocks callers while no connection exists yet.
//
// Two collections are kept:
//
//	known: every endpoint discovery reported and not yet removed (copy-on-write,
//	       readers never lock; writers serialize on knownMu)
//	live:  endpoint key → open ClientTransport (sync.Map)
//
// An endpoint enters known when it is first seen and enters live once the
// asynchronous connect on the connect pool succeeds.
type ConnectionManager struct {
	dial              Dialer
	codec             codec.Codec
	balancer          loadbalance.Balancer
	waitTimeout       time.Duration
	connectTimeout    time.Duration
	heartbeatInterval time.Duration
	requestTimeout    time.Duration
	connectWorkers    int
	connectQueue      int
	logger            *zap.Logger

	connectPool *workerpool.Pool

	knownMu sync.Mutex
	known   atomic.Pointer[map[string]registry.Endpoint]

	live      sync.Map // endpoint key → *transport.ClientTransport
	liveCount atomic.Int64

	// signal is closed and replaced whenever a connection becomes live
	signalMu sync.Mutex
	signal   chan struct{}

	running  atomic.Bool
	stopOnce sync.Once
	stopped  chan struct{}
}

// ManagerOption configures a ConnectionManager.
type ManagerOption func(*ConnectionManager)

func WithDialer(dial Dialer) ManagerOption {
	return func(m *ConnectionManager) { m.dial = dial }
}

func WithCodec(cdc codec.Codec) ManagerOption {
	return func(m *ConnectionManager) { m.codec = cdc }
}

func WithBalancer(b loadbalance.Balancer) ManagerOption {
	return func(m *ConnectionManager) { m.balancer = b }
}

// WithWaitTimeout bounds how long AwaitConnection waits for a first connection.
func WithWaitTimeout(d time.Duration) ManagerOption {
	return func(m *ConnectionManager) { m.waitTimeout = d }
}

func WithConnectTimeout(d time.Duration) ManagerOption {
	return func(m *ConnectionManager) { m.connectTimeout = d }
}

// WithHeartbeatInterval is passed on to every transport. Zero disables pings.
func WithHeartbeatInterval(d time.Duration) ManagerOption {
	return func(m *ConnectionManager) { m.heartbeatInterval = d }
}

// WithRequestTimeout is passed on to every transport: a call that gets no
// response within d fails with transport.ErrCallTimeout. Zero disables it.
func WithRequestTimeout(d time.Duration) ManagerOption {
	return func(m *ConnectionManager) { m.requestTimeout = d }
}

// WithConnectPool sizes the pool that establishes connections.
func WithConnectPool(workers, queue int) ManagerOption {
	return func(m *ConnectionManager) { m.connectWorkers, m.connectQueue = workers, queue }
}

func WithManagerLogger(logger *zap.Logger) ManagerOption {
	return func(m *ConnectionManager) { m.logger = logger }
}

// NewConnectionManager builds a stopped manager; call Start before use.
func NewConnectionManager(opts ...ManagerOption) *ConnectionManager {
	var d net.Dialer
	m := &ConnectionManager{
		dial: func(ctx context.Context, addr string) (net.Conn, error) {
			return d.DialContext(ctx, "tcp", addr)
		},
		codec:             &codec.JSONCodec{},
		balancer:          loadbalance.NewRoundRobin(),
		waitTimeout:       DefaultWaitTimeout,
		connectTimeout:    DefaultConnectTimeout,
		heartbeatInterval: transport.DefaultHeartbeatInterval,
		connectWorkers:    4,
		connectQueue:      1000,
		logger:            zap.L(),
		signal:            make(chan struct{}),
		stopped:           make(chan struct{}),
	}
	for _, opt := range opts {
		opt(m)
	}
	m.logger = m.logger.Named("connections")
	empty := make(map[string]registry.Endpoint)
	m.known.Store(&empty)
	return m
}

// Start launches the connect pool. Calling it again is a no-op; a stopped
// manager cannot be restarted.
func (m *ConnectionManager) Start() error {
	select {
	case <-m.stopped:
		return ErrManagerStopped
	default:
	}
	m.knownMu.Lock()
	defer m.knownMu.Unlock()
	if m.running.Load() {
		return nil
	}
	m.connectPool = workerpool.New("connect", m.connectWorkers, m.connectQueue, m.logger)
	m.running.Store(true)
	return nil
}

// ReconcileFull makes the known set equal to endpoints: new endpoints are
// connected asynchronously and endpoints missing from the list are torn
// down. An empty list means no service is available and tears down everything.
func (m *ConnectionManager) ReconcileFull(endpoints []registry.Endpoint) {
	if !m.running.Load() {
		return
	}
	m.knownMu.Lock()
	defer m.knownMu.Unlock()

	known := m.knownEndpoints()
	if len(endpoints) == 0 {
		m.logger.Error("no available service")
		for _, endpoint := range known {
			m.teardownLocked(endpoint)
		}
		return
	}

	incoming := make(map[string]registry.Endpoint, len(endpoints))
	for _, endpoint := range endpoints {
		incoming[endpoint.Key()] = endpoint
	}
	for key, endpoint := range incoming {
		if _, ok := known[key]; !ok {
			m.connectLocked(endpoint)
		}
	}
	for key, endpoint := range known {
		if _, ok := incoming[key]; !ok {
			m.logger.Info("remove invalid endpoint", zap.Stringer("endpoint", endpoint))
			m.teardownLocked(endpoint)
		}
	}
}

// ReconcileOne applies a single discovery change. An update is a teardown of
// the previous entry for that address followed by a connect.
func (m *ConnectionManager) ReconcileOne(event registry.Event) {
	if !m.running.Load() {
		return
	}
	m.knownMu.Lock()
	defer m.knownMu.Unlock()

	endpoint := event.Endpoint
	switch event.Type {
	case registry.EventAdded:
		if _, ok := m.knownEndpoints()[endpoint.Key()]; !ok {
			m.connectLocked(endpoint)
		}
	case registry.EventUpdated:
		if event.Previous != nil {
			m.teardownLocked(*event.Previous)
		}
		m.teardownAddrLocked(endpoint.Addr())
		m.connectLocked(endpoint)
	case registry.EventRemoved:
		if _, ok := m.knownEndpoints()[endpoint.Key()]; ok {
			m.teardownLocked(endpoint)
		} else {
			m.teardownAddrLocked(endpoint.Addr())
		}
	default:
		m.logger.Warn("ignoring discovery event", zap.Stringer("type", event.Type))
	}
}

// Teardown closes the connection to endpoint and forgets it. It is idempotent.
func (m *ConnectionManager) Teardown(endpoint registry.Endpoint) {
	m.knownMu.Lock()
	defer m.knownMu.Unlock()
	m.teardownLocked(endpoint)
}

// AwaitConnection returns a live connection for serviceKey. While no
// connection at all is live it waits, at most the wait timeout, for one to
// appear, then routes through the balancer. The error wraps
// loadbalance.ErrNoAvailableEndpoint when routing finds nothing, and
// additionally ErrConnectionTimeout when the wait timed out.
func (m *ConnectionManager) AwaitConnection(ctx context.Context, serviceKey string) (*transport.ClientTransport, error) {
	if !m.running.Load() {
		return nil, ErrManagerStopped
	}

	timedOut := false
	if m.liveCount.Load() <= 0 {
		m.logger.Warn("waiting for available service", zap.String("service", serviceKey))
		timer := time.NewTimer(m.waitTimeout)
		defer timer.Stop()

		for m.liveCount.Load() <= 0 && !timedOut {
			wait := m.waitChan()
			// a connection may have landed between the check and taking wait
			if m.liveCount.Load() > 0 {
				break
			}
			select {
			case <-wait:
			case <-timer.C:
				timedOut = true
			case <-m.stopped:
				return nil, ErrManagerStopped
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}
	}

	table := loadbalance.BuildRouteTable(m.LiveEndpoints())
	endpoint, err := table.Route(serviceKey, m.balancer)
	if err != nil {
		if timedOut {
			return nil, fmt.Errorf("%w: %w", ErrConnectionTimeout, err)
		}
		return nil, err
	}

	v, ok := m.live.Load(endpoint.Key())
	if !ok {
		// torn down between routing and lookup
		return nil, fmt.Errorf("%w: connection to %s went away", loadbalance.ErrNoAvailableEndpoint, endpoint.Addr())
	}
	return v.(*transport.ClientTransport), nil
}

// LiveEndpoints returns the endpoints that currently have an open connection.
func (m *ConnectionManager) LiveEndpoints() []registry.Endpoint {
	var endpoints []registry.Endpoint
	m.live.Range(func(_, v any) bool {
		endpoints = append(endpoints, v.(*transport.ClientTransport).Endpoint())
		return true
	})
	return endpoints
}

// LiveCount returns the number of open connections.
func (m *ConnectionManager) LiveCount() int {
	return int(m.liveCount.Load())
}

// KnownEndpoints returns every endpoint discovery reported, connected or not.
func (m *ConnectionManager) KnownEndpoints() []registry.Endpoint {
	known := m.knownEndpoints()
	endpoints := make([]registry.Endpoint, 0, len(known))
	for _, endpoint := range known {
		endpoints = append(endpoints, endpoint)
	}
	return endpoints
}

// Stop tears down every connection, wakes all waiters and drains the
// connect pool until ctx is done.
func (m *ConnectionManager) Stop(ctx context.Context) error {
	var err error
	m.stopOnce.Do(func() {
		m.knownMu.Lock()
		m.running.Store(false)
		close(m.stopped)
		for _, endpoint := range m.knownEndpoints() {
			m.teardownLocked(endpoint)
		}
		m.live.Range(func(k, v any) bool {
			if m.live.CompareAndDelete(k, v) {
				m.dropLive()
				v.(*transport.ClientTransport).Close()
			}
			return true
		})
		pool := m.connectPool
		m.knownMu.Unlock()

		m.broadcast()
		if pool != nil {
			err = pool.Stop(ctx)
		}
		m.logger.Info("connection manager stopped")
	})
	return err
}

func (m *ConnectionManager) knownEndpoints() map[string]registry.Endpoint {
	return *m.known.Load()
}

// updateKnown must be called with knownMu held.
func (m *ConnectionManager) updateKnown(mutate func(map[string]registry.Endpoint)) {
	current := m.knownEndpoints()
	next := make(map[string]registry.Endpoint, len(current)+1)
	for k, v := range current {
		next[k] = v
	}
	mutate(next)
	m.known.Store(&next)
}

// connectLocked must be called with knownMu held.
func (m *ConnectionManager) connectLocked(endpoint registry.Endpoint) {
	if len(endpoint.Services) == 0 {
		m.logger.Info("no service on endpoint", zap.String("addr", endpoint.Addr()))
		return
	}
	key := endpoint.Key()
	m.updateKnown(func(known map[string]registry.Endpoint) { known[key] = endpoint })
	m.logger.Info("new endpoint", zap.String("addr", endpoint.Addr()), zap.Any("services", endpoint.Services))

	if err := m.connectPool.Submit(func() { m.connect(endpoint) }); err != nil {
		m.logger.Error("cannot schedule connect", zap.String("addr", endpoint.Addr()), zap.Error(err))
		// forgotten so the next snapshot retries it
		m.updateKnown(func(known map[string]registry.Endpoint) { delete(known, key) })
	}
}

// connect runs on the connect pool.
func (m *ConnectionManager) connect(endpoint registry.Endpoint) {
	ctx, cancel := context.WithTimeout(context.Background(), m.connectTimeout)
	defer cancel()

	key := endpoint.Key()
	conn, err := m.dial(ctx, endpoint.Addr())
	if err != nil {
		m.logger.Error("cannot connect to endpoint", zap.String("addr", endpoint.Addr()), zap.Error(err))
		m.knownMu.Lock()
		if cur, ok := m.knownEndpoints()[key]; ok && cur.Equal(endpoint) {
			m.updateKnown(func(known map[string]registry.Endpoint) { delete(known, key) })
		}
		m.knownMu.Unlock()
		return
	}

	t := transport.NewClientTransport(conn, m.codec,
		transport.WithEndpoint(endpoint),
		transport.WithHeartbeatInterval(m.heartbeatInterval),
		transport.WithRequestTimeout(m.requestTimeout),
		transport.WithLogger(m.logger),
		transport.WithOnClose(m.onTransportClosed),
	)

	m.knownMu.Lock()
	if _, ok := m.knownEndpoints()[key]; !ok || !m.running.Load() {
		// removed while dialing
		m.knownMu.Unlock()
		t.Close()
		return
	}
	if old, loaded := m.live.Swap(key, t); loaded {
		old.(*transport.ClientTransport).Close()
	} else {
		m.liveCount.Add(1)
		metrics.LiveConnections.Inc()
	}
	m.knownMu.Unlock()

	m.logger.Info("connected to endpoint", zap.String("addr", endpoint.Addr()))
	m.broadcast()
}

// teardownLocked must be called with knownMu held.
func (m *ConnectionManager) teardownLocked(endpoint registry.Endpoint) {
	key := endpoint.Key()
	if _, ok := m.knownEndpoints()[key]; ok {
		m.updateKnown(func(known map[string]registry.Endpoint) { delete(known, key) })
	}
	if v, ok := m.live.LoadAndDelete(key); ok {
		m.dropLive()
		v.(*transport.ClientTransport).Close()
	}
}

func (m *ConnectionManager) teardownAddrLocked(addr string) {
	for _, endpoint := range m.knownEndpoints() {
		if endpoint.Addr() == addr {
			m.teardownLocked(endpoint)
		}
	}
}

// onTransportClosed removes a connection that died on its own (reset, read
// error, framing error). Connections closed by teardown are already gone
// from live, so this does nothing for them.
func (m *ConnectionManager) onTransportClosed(t *transport.ClientTransport, reason error) {
	key := t.Endpoint().Key()
	if !m.live.CompareAndDelete(key, t) {
		return
	}
	m.dropLive()
	m.logger.Warn("connection lost", zap.String("addr", t.Endpoint().Addr()), zap.Error(reason))

	m.knownMu.Lock()
	m.updateKnown(func(known map[string]registry.Endpoint) { delete(known, key) })
	m.knownMu.Unlock()
}

func (m *ConnectionManager) dropLive() {
	m.liveCount.Add(-1)
	metrics.LiveConnections.Dec()
}

func (m *ConnectionManager) waitChan() <-chan struct{} {
	m.signalMu.Lock()
	defer m.signalMu.Unlock()
	return m.signal
}

// broadcast wakes every goroutine blocked in AwaitConnection.
func (m *ConnectionManager) broadcast() {
	m.signalMu.Lock()
	close(m.signal)
	m.signal = make(chan struct{})
	m.signalMu.Unlock()
}
