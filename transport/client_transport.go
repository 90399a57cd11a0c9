// Package transport implements the client side of one connection: request
// multiplexing, response correlation and the idle heartbeat.
//
// ClientTransport enables multiple concurrent RPC calls over a single TCP connection.
// The key insight: each request carries a unique request id, and a background goroutine (recvLoop)
// continuously reads responses and routes them to the correct caller via the Correlator.
//
//	goroutine-1 ──Send(id=a)──┐
//	goroutine-2 ──Send(id=b)──┼──→ single TCP conn ──→ Server
//	goroutine-3 ──Send(id=c)──┘
//
//	recvLoop:  ←── response(id=b) → Correlator.Resolve → future b completes → goroutine-2 wakes up
package transport

import (
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"netrpc/codec"
	"netrpc/message"
	"netrpc/protocol"
	"netrpc/registry"
)

const (
	// DefaultHeartbeatInterval is the idle-write period after which the client pings.
	DefaultHeartbeatInterval = 30 * time.Second
	// DefaultWriteTimeout bounds a single frame write.
	DefaultWriteTimeout = 10 * time.Second
)

const readBufferSize = 4096

// ClientTransport manages a single multiplexed TCP connection to one endpoint.
type ClientTransport struct {
	conn      net.Conn    // Underlying TCP connection
	codec     codec.Codec // Serialization format for this transport
	endpoint  registry.Endpoint
	pending   *Correlator
	sending   sync.Mutex   // serializes writes so frames never interleave
	lastWrite atomic.Int64 // unix nanos of the last successful write

	heartbeatInterval time.Duration
	requestTimeout    time.Duration // 0: calls wait for their response or teardown
	writeTimeout      time.Duration
	onClose           func(*ClientTransport, error)
	logger            *zap.Logger

	closeOnce sync.Once
	closed    chan struct{}
	closeErr  error
}

// Option configures a ClientTransport.
type Option func(*ClientTransport)

// WithEndpoint records which endpoint the connection belongs to.
func WithEndpoint(endpoint registry.Endpoint) Option {
	return func(t *ClientTransport) { t.endpoint = endpoint }
}

// WithHeartbeatInterval overrides DefaultHeartbeatInterval. Zero disables the heartbeat.
func WithHeartbeatInterval(d time.Duration) Option {
	return func(t *ClientTransport) { t.heartbeatInterval = d }
}

// WithRequestTimeout fails every call with ErrCallTimeout when no response
// arrived within d of sending, whatever the caller's context says.
func WithRequestTimeout(d time.Duration) Option {
	return func(t *ClientTransport) { t.requestTimeout = d }
}

// WithWriteTimeout overrides DefaultWriteTimeout. A write that cannot finish
// in time closes the connection.
func WithWriteTimeout(d time.Duration) Option {
	return func(t *ClientTransport) { t.writeTimeout = d }
}

// WithOnClose installs a callback run once, after the connection closed and
// every pending call was aborted.
func WithOnClose(fn func(*ClientTransport, error)) Option {
	return func(t *ClientTransport) { t.onClose = fn }
}

// WithLogger sets the transport logger.
func WithLogger(logger *zap.Logger) Option {
	return func(t *ClientTransport) { t.logger = logger }
}

// NewClientTransport creates a transport for the given connection and starts two background goroutines:
//   - recvLoop: continuously reads responses from the connection and dispatches to pending callers
//   - heartbeatLoop: pings the server whenever nothing was written for one heartbeat interval
func NewClientTransport(conn net.Conn, cdc codec.Codec, opts ...Option) *ClientTransport {
	t := &ClientTransport{
		conn:              conn,
		codec:             cdc,
		heartbeatInterval: DefaultHeartbeatInterval,
		writeTimeout:      DefaultWriteTimeout,
		logger:            zap.L(),
		closed:            make(chan struct{}),
	}
	for _, opt := range opts {
		opt(t)
	}
	t.logger = t.logger.Named("transport").With(zap.String("remote", conn.RemoteAddr().String()))
	t.pending = NewCorrelator(t.logger)
	t.lastWrite.Store(time.Now().UnixNano())

	go t.recvLoop()
	if t.heartbeatInterval > 0 {
		go t.heartbeatLoop(t.heartbeatInterval)
	}
	return t
}

// Send registers req with the correlator and writes it to the connection.
// The returned future is never nil: every failure (closed connection,
// serialization error, write error) completes it with that error, so a
// caller waiting on it always observes an outcome.
//
// A serialization error only drops the frame; a write error is fatal to the
// connection and aborts every other pending call as well. With a request
// timeout set, a call the server never answers fails with ErrCallTimeout.
func (t *ClientTransport) Send(req *message.Request) *Future {
	future, err := t.pending.Register(req.RequestID)
	if err != nil {
		return failedFuture(req.RequestID, err)
	}
	if d := t.requestTimeout; d > 0 {
		id := req.RequestID
		future.expireAfter(d, func() {
			t.pending.Fail(id, fmt.Errorf("%w: no response within %s", ErrCallTimeout, d))
		})
	}

	frame, err := protocol.Marshal(t.codec, req)
	if err != nil {
		t.logger.Error("encode request failed", zap.String("request_id", req.RequestID), zap.Error(err))
		t.pending.Fail(req.RequestID, err)
		return future
	}

	if err := t.write(frame); err != nil {
		t.logger.Error("send request failed", zap.String("request_id", req.RequestID), zap.Error(err))
		t.pending.Fail(req.RequestID, fmt.Errorf("%w: send request: %w", ErrConnectionClosed, err))
		t.closeWithError(err)
	}
	return future
}

func (t *ClientTransport) write(frame []byte) error {
	t.sending.Lock()
	defer t.sending.Unlock()

	if t.writeTimeout > 0 {
		t.conn.SetWriteDeadline(time.Now().Add(t.writeTimeout))
	}
	if _, err := t.conn.Write(frame); err != nil {
		return err
	}
	t.lastWrite.Store(time.Now().UnixNano())
	return nil
}

// recvLoop runs in a dedicated goroutine, continuously reading from the connection.
// Bytes go into a Decoder which yields one payload per complete frame, however
// the stream was split. Each payload is decoded into a Response and handed to
// the correlator, which finds the waiting caller by request id.
// It is the only reader of conn.
func (t *ClientTransport) recvLoop() {
	buf := make([]byte, readBufferSize)
	dec := protocol.NewDecoder()
	for {
		n, err := t.conn.Read(buf)
		if n > 0 {
			dec.Feed(buf[:n])
			if ferr := t.drain(dec); ferr != nil {
				t.logger.Error("protocol error, closing connection", zap.Error(ferr))
				t.closeWithError(ferr)
				return
			}
		}
		if err != nil {
			// connection broken: fail every pending caller
			t.closeWithError(err)
			return
		}
	}
}

func (t *ClientTransport) drain(dec *protocol.Decoder) error {
	for {
		payload, err := dec.Next()
		if err != nil {
			return err
		}
		if payload == nil {
			return nil
		}

		var resp message.Response
		if err := t.codec.Decode(payload, &resp); err != nil {
			// the frame is lost but the stream is still aligned
			t.logger.Error("decode response failed", zap.Error(err))
			continue
		}
		t.pending.Resolve(&resp)
	}
}

// heartbeatLoop pings the server once the connection has been write-idle for
// interval. The ping carries message.HeartbeatID, is never registered with the
// correlator and expects no reply.
func (t *ClientTransport) heartbeatLoop(interval time.Duration) {
	timer := time.NewTimer(interval)
	defer timer.Stop()
	for {
		select {
		case <-t.closed:
			return
		case <-timer.C:
		}

		idle := time.Since(time.Unix(0, t.lastWrite.Load()))
		if idle < interval {
			timer.Reset(interval - idle)
			continue
		}
		if err := t.sendHeartbeat(); err != nil {
			t.closeWithError(err)
			return
		}
		t.logger.Debug("sent heartbeat ping")
		timer.Reset(interval)
	}
}

func (t *ClientTransport) sendHeartbeat() error {
	frame, err := protocol.Marshal(t.codec, message.Heartbeat())
	if err != nil {
		return err
	}
	// Heartbeat writes also need the sending lock to avoid frame interleaving
	return t.write(frame)
}

// Close tears the connection down and fails every pending call. It is idempotent.
func (t *ClientTransport) Close() error {
	t.closeWithError(errors.New("closed by client"))
	return nil
}

func (t *ClientTransport) closeWithError(reason error) {
	t.closeOnce.Do(func() {
		t.closeErr = reason
		close(t.closed)
		t.conn.Close()
		t.pending.AbortAll(reason)
		t.logger.Info("connection closed", zap.Error(reason))
		if t.onClose != nil {
			t.onClose(t, reason)
		}
	})
}

// Done is closed once the connection is closed.
func (t *ClientTransport) Done() <-chan struct{} {
	return t.closed
}

// Err returns why the connection closed, or nil while it is open.
func (t *ClientTransport) Err() error {
	select {
	case <-t.closed:
		return t.closeErr
	default:
		return nil
	}
}

// Endpoint returns the endpoint this connection serves.
func (t *ClientTransport) Endpoint() registry.Endpoint {
	return t.endpoint
}

// Pending returns the number of calls waiting for a response.
func (t *ClientTransport) Pending() int {
	return t.pending.Len()
}

// Conn returns the underlying TCP connection.
func (t *ClientTransport) Conn() net.Conn {
	return t.conn
}
