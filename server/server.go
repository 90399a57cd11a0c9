// Package server implements the RPC server with service registration, middleware chain,
// bounded parallel request processing, idle-connection supervision and graceful shutdown.
//
// Request processing pipeline:
//
//	Accept conn → handleConn (single goroutine reads frames, idle read deadline)
//	  → heartbeat? drop it
//	  → otherwise submit to the dispatch pool (bounded, rejects when full)
//	    → Middleware Chain → businessHandler (service lookup, Invoker) → encode → write response
package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sort"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"netrpc/codec"
	"netrpc/message"
	"netrpc/metrics"
	"netrpc/middleware"
	"netrpc/protocol"
	"netrpc/registry"
	"netrpc/workerpool"
)

var (
	// ErrDispatchMiss is logged when no local implementation serves a request's
	// service key. The client receives an empty response, not an error.
	ErrDispatchMiss = errors.New("no implementation for service")
	// ErrServerClosed is returned by Serve when Shutdown ran before it.
	ErrServerClosed = errors.New("rpc: server closed")

	errShuttingDown = errors.New("server shutting down")
)

const (
	// DefaultIdleTimeout closes a connection nothing was read from for this long,
	// three client heartbeat intervals.
	DefaultIdleTimeout = 90 * time.Second
	DefaultRegistryTTL = 10
	// DefaultWriteTimeout bounds one response write; a peer that stops
	// reading loses its connection.
	DefaultWriteTimeout = 10 * time.Second

	readBufferSize  = 4096
	registerTimeout = 5 * time.Second
)

// Server is the RPC server that registers services and handles incoming requests.
type Server struct {
	mu          sync.RWMutex
	services    map[string]Invoker // service key ("Calc#1.0") → implementation
	descriptors []registry.ServiceDescriptor
	middlewares []middleware.Middleware // Registered middlewares (applied in order)
	handler     middleware.HandlerFunc  // The final handler chain: middleware(middleware(...(businessHandler)))

	codec           codec.Codec
	registrar       registry.Registrar // nil if not using discovery
	advertiseHost   string             // host published to the registry, differs from the listen host
	ttl             int64
	idleTimeout     time.Duration
	writeTimeout    time.Duration
	dispatchWorkers int
	dispatchQueue   int
	logger          *zap.Logger

	listener   net.Listener
	pool       *workerpool.Pool
	endpoint   registry.Endpoint
	registered bool
	closing    bool // Shutdown started; guarded by mu

	connMu sync.RWMutex // guards conns, and wg.Add against the shutdown flag
	conns  map[net.Conn]struct{}

	ctx      context.Context // handed to every invocation, cancelled when shutdown ends
	cancel   context.CancelFunc
	wg       sync.WaitGroup // Tracks in-flight requests for graceful shutdown
	shutdown atomic.Bool    // Set to true during shutdown to suppress Accept errors
}

// Option configures a Server.
type Option func(*Server)

func WithCodec(cdc codec.Codec) Option {
	return func(s *Server) { s.codec = cdc }
}

// WithRegistry publishes the server's endpoint to r on Serve, under
// advertiseHost, with a lease of ttl seconds. An empty advertiseHost uses
// the listener's address, or 127.0.0.1 when it listens on all interfaces.
func WithRegistry(r registry.Registrar, advertiseHost string, ttl int64) Option {
	return func(s *Server) {
		s.registrar, s.advertiseHost = r, advertiseHost
		if ttl > 0 {
			s.ttl = ttl
		}
	}
}

// WithDispatchPool sizes the pool business methods run on.
func WithDispatchPool(workers, queue int) Option {
	return func(s *Server) { s.dispatchWorkers, s.dispatchQueue = workers, queue }
}

// WithIdleTimeout overrides DefaultIdleTimeout. Zero disables it.
func WithIdleTimeout(d time.Duration) Option {
	return func(s *Server) { s.idleTimeout = d }
}

// WithWriteTimeout overrides DefaultWriteTimeout. Zero disables it.
func WithWriteTimeout(d time.Duration) Option {
	return func(s *Server) { s.writeTimeout = d }
}

func WithLogger(logger *zap.Logger) Option {
	return func(s *Server) { s.logger = logger }
}

// NewServer creates a new RPC server with no services.
func NewServer(opts ...Option) *Server {
	s := &Server{
		services:        make(map[string]Invoker),
		codec:           &codec.JSONCodec{},
		ttl:             DefaultRegistryTTL,
		idleTimeout:     DefaultIdleTimeout,
		writeTimeout:    DefaultWriteTimeout,
		dispatchWorkers: 16,
		dispatchQueue:   1000,
		logger:          zap.L(),
		conns:           make(map[net.Conn]struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.Named("server")
	s.ctx, s.cancel = context.WithCancel(context.Background())
	return s
}

// AddService makes impl's exported methods callable under interfaceName and
// version. Services must be added before Serve to be published.
func (s *Server) AddService(interfaceName, version string, impl any) error {
	svc, err := newService(impl)
	if err != nil {
		return err
	}
	s.logger.Info("adding service",
		zap.String("service", interfaceName),
		zap.String("version", version),
		zap.Strings("methods", svc.Methods()))
	return s.AddInvoker(interfaceName, version, svc)
}

// AddInvoker registers a custom Invoker under interfaceName and version.
func (s *Server) AddInvoker(interfaceName, version string, inv Invoker) error {
	if interfaceName == "" {
		return errors.New("rpc: service name is required")
	}
	key := registry.ServiceKey(interfaceName, version)

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, dup := s.services[key]; dup {
		return fmt.Errorf("rpc: service %s already added", key)
	}
	s.services[key] = inv
	s.descriptors = append(s.descriptors, registry.ServiceDescriptor{Name: interfaceName, Version: version})
	return nil
}

// Register adds rcvr under its type name with a blank version.
func (s *Server) Register(rcvr any) error {
	svc, err := newService(rcvr)
	if err != nil {
		return err
	}
	return s.AddInvoker(svc.name, "", svc)
}

// Use registers a middleware. Middlewares are applied in the order they are added.
func (s *Server) Use(mw middleware.Middleware) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.middlewares = append(s.middlewares, mw)
}

// Listen binds the listener without serving, so Addr is known before Serve.
func (s *Server) Listen(network, address string) error {
	listener, err := net.Listen(network, address)
	if err != nil {
		return err
	}
	s.listener = listener
	return nil
}

// Addr returns the listener address, nil before Listen.
func (s *Server) Addr() net.Addr {
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Endpoint returns the endpoint the server publishes.
func (s *Server) Endpoint() registry.Endpoint {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.endpoint
}

// ListenAndServe is Listen followed by Serve.
func (s *Server) ListenAndServe(network, address string) error {
	if err := s.Listen(network, address); err != nil {
		return err
	}
	return s.Serve()
}

// Serve starts the dispatch pool, publishes the endpoint to the registry
// (if any) and enters the Accept loop. It returns nil after Shutdown.
func (s *Server) Serve() error {
	if s.listener == nil {
		return errors.New("rpc: Serve called before Listen")
	}

	// Build the middleware chain once at startup (not per-request)
	// Chain wraps middlewares in reverse order to create the onion model:
	//   Chain(A, B, C)(handler) → A(B(C(handler)))
	//   Execution order: A.before → B.before → C.before → handler → C.after → B.after → A.after
	s.mu.Lock()
	if s.closing {
		s.mu.Unlock()
		return ErrServerClosed
	}
	s.handler = middleware.Chain(s.middlewares...)(s.businessHandler)
	s.pool = workerpool.New("dispatch", s.dispatchWorkers, s.dispatchQueue, s.logger)
	endpoint, err := s.buildEndpoint()
	if err != nil {
		s.mu.Unlock()
		return err
	}
	s.endpoint = endpoint
	s.mu.Unlock()

	if s.registrar != nil {
		ctx, cancel := context.WithTimeout(context.Background(), registerTimeout)
		err := s.registrar.Register(ctx, endpoint, s.ttl)
		cancel()
		if err != nil {
			return fmt.Errorf("rpc: register endpoint: %w", err)
		}
		s.mu.Lock()
		closing := s.closing
		s.registered = !closing
		s.mu.Unlock()
		if closing {
			// Shutdown began during registration and saw nothing to deregister
			ctx, cancel := context.WithTimeout(context.Background(), registerTimeout)
			s.registrar.Deregister(ctx, endpoint)
			cancel()
			return nil
		}
	}
	s.logger.Info("serving", zap.String("addr", s.listener.Addr().String()), zap.Stringer("endpoint", endpoint))

	// Accept loop: one goroutine per connection
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			// During shutdown, listener.Close() causes Accept to return an error.
			// Check the shutdown flag to distinguish intentional close from real errors.
			if s.shutdown.Load() {
				return nil
			}
			return err
		}
		if !s.trackConn(conn) {
			conn.Close()
			continue
		}
		go s.handleConn(conn)
	}
}

// buildEndpoint must be called with mu held.
func (s *Server) buildEndpoint() (registry.Endpoint, error) {
	host, portStr, err := net.SplitHostPort(s.listener.Addr().String())
	if err != nil {
		return registry.Endpoint{}, err
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return registry.Endpoint{}, err
	}
	if s.advertiseHost != "" {
		host = s.advertiseHost
	} else if ip := net.ParseIP(host); ip == nil || ip.IsUnspecified() {
		host = "127.0.0.1"
	}

	services := append([]registry.ServiceDescriptor(nil), s.descriptors...)
	sort.Slice(services, func(i, j int) bool { return services[i].Key() < services[j].Key() })
	return registry.Endpoint{Host: host, Port: port, Services: services}, nil
}

func (s *Server) trackConn(conn net.Conn) bool {
	s.connMu.Lock()
	defer s.connMu.Unlock()
	if s.shutdown.Load() {
		return false
	}
	s.conns[conn] = struct{}{}
	return true
}

func (s *Server) untrackConn(conn net.Conn) {
	s.connMu.Lock()
	delete(s.conns, conn)
	s.connMu.Unlock()
}

// handleConn processes a single TCP connection.
// It runs a read loop in a single goroutine (reads must be sequential to parse frame boundaries),
// but dispatches each request to the pool for parallel processing.
//
// Every read is bounded by the idle timeout: a connection that sends nothing,
// not even a heartbeat, for that long is closed. Heartbeats get no reply.
//
// A per-connection write mutex (writeMu) is shared among all request goroutines on this connection.
// This prevents frame interleaving when multiple goroutines write responses concurrently.
func (s *Server) handleConn(conn net.Conn) {
	logger := s.logger.With(zap.String("remote", conn.RemoteAddr().String()))
	defer func() {
		conn.Close()
		s.untrackConn(conn)
	}()
	logger.Debug("connection accepted")

	writeMu := &sync.Mutex{}
	dec := protocol.NewDecoder()
	buf := make([]byte, readBufferSize)
	for {
		if s.idleTimeout > 0 {
			conn.SetReadDeadline(time.Now().Add(s.idleTimeout))
		}
		n, err := conn.Read(buf)
		if n > 0 {
			dec.Feed(buf[:n])
			if ferr := s.drain(dec, conn, writeMu, logger); ferr != nil {
				logger.Error("protocol error, closing connection", zap.Error(ferr))
				return
			}
		}
		if err != nil {
			var netErr net.Error
			switch {
			case errors.As(err, &netErr) && netErr.Timeout():
				logger.Warn("idle timeout, closing connection", zap.Duration("idle", s.idleTimeout))
			case errors.Is(err, io.EOF), s.shutdown.Load():
				logger.Debug("connection closed")
			default:
				logger.Info("connection read failed", zap.Error(err))
			}
			return
		}
	}
}

func (s *Server) drain(dec *protocol.Decoder, conn net.Conn, writeMu *sync.Mutex, logger *zap.Logger) error {
	for {
		payload, err := dec.Next()
		if err != nil {
			return err
		}
		if payload == nil {
			return nil
		}

		var req message.Request
		if err := s.codec.Decode(payload, &req); err != nil {
			// the frame is lost but the stream is still aligned
			logger.Error("decode request failed", zap.Error(err))
			continue
		}
		if req.IsHeartbeat() {
			logger.Debug("heartbeat received")
			continue
		}
		s.dispatch(&req, conn, writeMu, logger)
	}
}

// dispatch hands req to the pool. When the pool refuses it the client gets an
// error response right away instead of waiting for its timeout.
func (s *Server) dispatch(req *message.Request, conn net.Conn, writeMu *sync.Mutex, logger *zap.Logger) {
	// Track this request for graceful shutdown (wg.Wait ensures all in-flight requests complete).
	// Add never races Wait: Shutdown sets the flag under connMu before waiting.
	s.connMu.RLock()
	if s.shutdown.Load() {
		s.connMu.RUnlock()
		s.reject(req, errShuttingDown, conn, writeMu, logger)
		return
	}
	s.wg.Add(1)
	s.connMu.RUnlock()

	err := s.pool.Submit(func() {
		defer s.wg.Done()
		s.writeResponse(s.handle(req), conn, writeMu, logger)
	})
	if err != nil {
		s.wg.Done()
		s.reject(req, err, conn, writeMu, logger)
	}
}

// reject answers req with a "server busy" error instead of running it.
func (s *Server) reject(req *message.Request, err error, conn net.Conn, writeMu *sync.Mutex, logger *zap.Logger) {
	logger.Warn("request rejected", zap.String("request_id", req.RequestID), zap.Error(err))
	metrics.ServerRequests.WithLabelValues(registry.ServiceKey(req.ClassName, req.Version), metrics.OutcomeFailure).Inc()
	s.writeResponse(&message.Response{RequestID: req.RequestID, Error: "server busy: " + err.Error()}, conn, writeMu, logger)
}

// handle runs the middleware chain. The response is always keyed by the
// original request id.
func (s *Server) handle(req *message.Request) *message.Response {
	s.mu.RLock()
	handler := s.handler
	s.mu.RUnlock()

	resp := handler(s.ctx, req)
	if resp == nil {
		resp = &message.Response{}
	}
	resp.RequestID = req.RequestID
	return resp
}

func (s *Server) writeResponse(resp *message.Response, conn net.Conn, writeMu *sync.Mutex, logger *zap.Logger) {
	frame, err := protocol.Marshal(s.codec, resp)
	if err != nil {
		logger.Error("encode response failed", zap.String("request_id", resp.RequestID), zap.Error(err))
		// tell the caller instead of leaving it to time out
		frame, err = protocol.Marshal(s.codec, &message.Response{
			RequestID: resp.RequestID,
			Error:     "encode response: " + err.Error(),
		})
		if err != nil {
			return
		}
	}

	writeMu.Lock()
	defer writeMu.Unlock()
	if s.writeTimeout > 0 {
		conn.SetWriteDeadline(time.Now().Add(s.writeTimeout))
	}
	if _, err := conn.Write(frame); err != nil {
		// a partial frame leaves the stream unusable
		logger.Info("write response failed, closing connection", zap.String("request_id", resp.RequestID), zap.Error(err))
		conn.Close()
	}
}

// businessHandler is the core handler that dispatches requests to registered services.
// It is wrapped by the middleware chain and has the HandlerFunc signature.
//
// A missing service yields an empty response (logged as a dispatch miss);
// an invocation error, panics included, goes into Response.Error.
func (s *Server) businessHandler(ctx context.Context, req *message.Request) *message.Response {
	key := registry.ServiceKey(req.ClassName, req.Version)

	s.mu.RLock()
	inv, ok := s.services[key]
	s.mu.RUnlock()
	if !ok {
		s.logger.Error("dispatch miss",
			zap.String("request_id", req.RequestID),
			zap.Error(fmt.Errorf("%w %s", ErrDispatchMiss, key)))
		metrics.ServerRequests.WithLabelValues(key, metrics.OutcomeMiss).Inc()
		return &message.Response{}
	}

	start := time.Now()
	result, err := s.invoke(ctx, inv, req)
	metrics.DispatchDuration.WithLabelValues(key).Observe(time.Since(start).Seconds())
	if err != nil {
		s.logger.Info("invocation failed",
			zap.String("request_id", req.RequestID),
			zap.String("service", key),
			zap.String("method", req.MethodName),
			zap.Error(err))
		metrics.ServerRequests.WithLabelValues(key, metrics.OutcomeError).Inc()
		return &message.Response{Error: err.Error()}
	}
	metrics.ServerRequests.WithLabelValues(key, metrics.OutcomeOK).Inc()
	return &message.Response{Result: result}
}

// invoke shields the dispatcher from panics in custom Invokers.
func (s *Server) invoke(ctx context.Context, inv Invoker, req *message.Request) (result []byte, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("rpc: %s.%s panicked: %v", req.ClassName, req.MethodName, r)
		}
	}()
	return inv.Invoke(ctx, req.MethodName, req.ParameterTypes, req.Parameters)
}

// Shutdown performs graceful shutdown:
//  1. Deregister the endpoint (clients stop routing to this server)
//  2. Set shutdown flag (Accept errors become intentional, new requests are turned away)
//  3. Close the listener (stop accepting new connections)
//  4. Wait for in-flight requests to finish (with timeout)
//  5. Close every connection and stop the dispatch pool
func (s *Server) Shutdown(timeout time.Duration) error {
	deadline, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	var errs []error
	s.mu.Lock()
	s.closing = true
	registered, endpoint, pool := s.registered, s.endpoint, s.pool
	s.mu.Unlock()
	if registered {
		if err := s.registrar.Deregister(deadline, endpoint); err != nil {
			errs = append(errs, fmt.Errorf("deregister: %w", err))
		}
	}

	// Set shutdown flag BEFORE closing listener
	s.connMu.Lock()
	s.shutdown.Store(true)
	s.connMu.Unlock()
	if s.listener != nil {
		s.listener.Close()
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-deadline.Done():
		errs = append(errs, errors.New("timeout waiting for ongoing requests to finish"))
	}

	s.connMu.Lock()
	for conn := range s.conns {
		conn.Close()
	}
	s.connMu.Unlock()

	s.cancel()
	if pool != nil {
		if err := pool.Stop(deadline); err != nil {
			errs = append(errs, fmt.Errorf("dispatch pool: %w", err))
		}
	}
	s.logger.Info("server stopped")
	return errors.Join(errs...)
}
