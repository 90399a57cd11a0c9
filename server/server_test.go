package server

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"io"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"netrpc/codec"
	"netrpc/message"
	"netrpc/middleware"
	"netrpc/protocol"
	"netrpc/registry"
)

type Calc struct{}

func (c *Calc) Add(a, b int) (int, error) { return a + b, nil }

func (c *Calc) Div(a, b int) (int, error) {
	if b == 0 {
		return 0, errors.New("division by zero")
	}
	return a / b, nil
}

func (c *Calc) Crash() int { panic("calc exploded") }

func (c *Calc) Slow(ctx context.Context, d int) (string, error) {
	select {
	case <-time.After(time.Duration(d) * time.Millisecond):
		return "done", nil
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

func startServer(t *testing.T, opts ...Option) *Server {
	t.Helper()
	opts = append([]Option{WithLogger(zap.NewNop())}, opts...)
	svr := NewServer(opts...)
	require.NoError(t, svr.AddService("Calc", "1.0", &Calc{}))
	require.NoError(t, svr.Listen("tcp", "127.0.0.1:0"))

	served := make(chan error, 1)
	go func() { served <- svr.Serve() }()
	t.Cleanup(func() {
		svr.Shutdown(time.Second)
		assert.NoError(t, <-served)
	})
	return svr
}

// rawClient speaks the frame protocol directly.
type rawClient struct {
	t    *testing.T
	conn net.Conn
	cdc  codec.Codec
	dec  *protocol.Decoder
}

func dialRaw(t *testing.T, svr *Server) *rawClient {
	t.Helper()
	conn, err := net.Dial("tcp", svr.Addr().String())
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return &rawClient{t: t, conn: conn, cdc: &codec.JSONCodec{}, dec: protocol.NewDecoder()}
}

func (c *rawClient) send(req *message.Request) {
	require.NoError(c.t, protocol.Encode(c.conn, c.cdc, req))
}

func (c *rawClient) recv(timeout time.Duration) (*message.Response, error) {
	c.conn.SetReadDeadline(time.Now().Add(timeout))
	buf := make([]byte, 1024)
	for {
		payload, err := c.dec.Next()
		if err != nil {
			return nil, err
		}
		if payload != nil {
			var resp message.Response
			if err := c.cdc.Decode(payload, &resp); err != nil {
				return nil, err
			}
			return &resp, nil
		}
		n, err := c.conn.Read(buf)
		if err != nil {
			return nil, err
		}
		c.dec.Feed(buf[:n])
	}
}

func request(id, method string, args ...any) *message.Request {
	req := &message.Request{RequestID: id, ClassName: "Calc", MethodName: method, Version: "1.0"}
	for _, a := range args {
		raw, _ := json.Marshal(a)
		req.Parameters = append(req.Parameters, raw)
		req.ParameterTypes = append(req.ParameterTypes, "int")
	}
	return req
}

func TestServerDispatch(t *testing.T) {
	svr := startServer(t)
	c := dialRaw(t, svr)

	c.send(request("1", "Add", 1, 2))
	resp, err := c.recv(time.Second)
	require.NoError(t, err)
	assert.Equal(t, "1", resp.RequestID)
	assert.Empty(t, resp.Error)
	assert.JSONEq(t, `3`, string(resp.Result))
}

func TestServerInvocationError(t *testing.T) {
	svr := startServer(t)
	c := dialRaw(t, svr)

	c.send(request("1", "Div", 1, 0))
	resp, err := c.recv(time.Second)
	require.NoError(t, err)
	assert.Equal(t, "1", resp.RequestID)
	assert.Equal(t, "division by zero", resp.Error)

	// the connection survives
	c.send(request("2", "Div", 9, 3))
	resp, err = c.recv(time.Second)
	require.NoError(t, err)
	assert.JSONEq(t, `3`, string(resp.Result))
}

func TestServerRecoversPanic(t *testing.T) {
	svr := startServer(t)
	c := dialRaw(t, svr)

	c.send(request("1", "Crash"))
	resp, err := c.recv(time.Second)
	require.NoError(t, err)
	assert.Contains(t, resp.Error, "calc exploded")

	c.send(request("2", "Add", 2, 2))
	resp, err = c.recv(time.Second)
	require.NoError(t, err)
	assert.JSONEq(t, `4`, string(resp.Result))
}

func TestServerDispatchMiss(t *testing.T) {
	svr := startServer(t)
	c := dialRaw(t, svr)

	req := request("1", "Add", 1, 2)
	req.Version = "2.0"
	c.send(req)

	resp, err := c.recv(time.Second)
	require.NoError(t, err)
	assert.Equal(t, "1", resp.RequestID)
	assert.Empty(t, resp.Error)
	assert.Empty(t, resp.Result)
}

func TestServerUnknownMethod(t *testing.T) {
	svr := startServer(t)
	c := dialRaw(t, svr)

	c.send(request("1", "Mul", 2, 3))
	resp, err := c.recv(time.Second)
	require.NoError(t, err)
	assert.Contains(t, resp.Error, "method not found")
}

func TestServerHeartbeatGetsNoReply(t *testing.T) {
	svr := startServer(t)
	c := dialRaw(t, svr)

	c.send(message.Heartbeat())
	_, err := c.recv(150 * time.Millisecond)
	var netErr net.Error
	require.ErrorAs(t, err, &netErr)
	assert.True(t, netErr.Timeout())
}

func TestServerClosesIdleConnection(t *testing.T) {
	svr := startServer(t, WithIdleTimeout(100*time.Millisecond))
	c := dialRaw(t, svr)

	// heartbeats keep it open past the idle timeout
	for i := 0; i < 4; i++ {
		time.Sleep(50 * time.Millisecond)
		c.send(message.Heartbeat())
	}
	c.send(request("1", "Add", 1, 1))
	resp, err := c.recv(time.Second)
	require.NoError(t, err)
	assert.JSONEq(t, `2`, string(resp.Result))

	// silence closes it
	_, err = c.recv(time.Second)
	assert.ErrorIs(t, err, io.EOF)
}

// A 10-byte payload split 6/4 across two writes yields exactly one request.
func TestServerSplitFrame(t *testing.T) {
	svr := NewServer(WithLogger(zap.NewNop()), WithCodec(&splitCodec{}))
	var mu sync.Mutex
	var got []string
	require.NoError(t, svr.AddInvoker("Echo", "", InvokerFunc(
		func(_ context.Context, method string, _ []string, _ []json.RawMessage) (json.RawMessage, error) {
			mu.Lock()
			got = append(got, method)
			mu.Unlock()
			return json.RawMessage(`"pong"`), nil
		})))
	require.NoError(t, svr.Listen("tcp", "127.0.0.1:0"))
	go svr.Serve()
	defer svr.Shutdown(time.Second)

	// a hand-made codec payload: exactly ten bytes of JSON
	payload := []byte(`{"e":"1"} `)
	require.Len(t, payload, 10)

	conn, err := net.Dial("tcp", svr.Addr().String())
	require.NoError(t, err)
	defer conn.Close()

	frame := make([]byte, 4+len(payload))
	binary.BigEndian.PutUint32(frame, uint32(len(payload)))
	copy(frame[4:], payload)

	_, err = conn.Write(frame[:4+6])
	require.NoError(t, err)
	time.Sleep(50 * time.Millisecond)
	mu.Lock()
	assert.Empty(t, got)
	mu.Unlock()

	_, err = conn.Write(frame[4+6:])
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 1
	}, time.Second, 10*time.Millisecond)
}

// splitCodec decodes any payload into a fixed request, so the test controls
// the payload length exactly.
type splitCodec struct{ codec.JSONCodec }

func (*splitCodec) Decode(data []byte, v any) error {
	if req, ok := v.(*message.Request); ok {
		*req = message.Request{RequestID: "split", ClassName: "Echo", MethodName: "Ping"}
		return nil
	}
	return json.Unmarshal(data, v)
}

func TestServerFramingErrorClosesConnection(t *testing.T) {
	svr := startServer(t)
	c := dialRaw(t, svr)

	_, err := c.conn.Write([]byte{0xff, 0xff, 0xff, 0xff})
	require.NoError(t, err)
	_, err = c.recv(time.Second)
	assert.ErrorIs(t, err, io.EOF)
}

func TestServerBusyRejects(t *testing.T) {
	block := make(chan struct{})
	svr := NewServer(WithLogger(zap.NewNop()), WithDispatchPool(1, 0))
	require.NoError(t, svr.AddInvoker("Calc", "1.0", InvokerFunc(
		func(context.Context, string, []string, []json.RawMessage) (json.RawMessage, error) {
			<-block
			return json.RawMessage(`1`), nil
		})))
	require.NoError(t, svr.Listen("tcp", "127.0.0.1:0"))
	go svr.Serve()
	defer svr.Shutdown(time.Second)
	defer close(block)

	c := dialRaw(t, svr)
	c.send(request("1", "Add"))
	time.Sleep(50 * time.Millisecond) // the only worker is now busy
	c.send(request("2", "Add"))

	resp, err := c.recv(time.Second)
	require.NoError(t, err)
	assert.Equal(t, "2", resp.RequestID)
	assert.Contains(t, resp.Error, "server busy")
}

func TestServerRejectsRequestsDuringShutdown(t *testing.T) {
	svr := startServer(t)
	c := dialRaw(t, svr)

	c.send(request("slow", "Slow", 300))
	time.Sleep(50 * time.Millisecond) // the slow call is in flight

	stopped := make(chan error, 1)
	go func() { stopped <- svr.Shutdown(2 * time.Second) }()
	require.Eventually(t, svr.shutdown.Load, time.Second, 5*time.Millisecond)

	// the connection is still open while shutdown waits for the slow call
	c.send(request("late", "Add", 1, 2))
	resp, err := c.recv(time.Second)
	require.NoError(t, err)
	assert.Equal(t, "late", resp.RequestID)
	assert.Contains(t, resp.Error, "shutting down")

	resp, err = c.recv(time.Second)
	require.NoError(t, err)
	assert.Equal(t, "slow", resp.RequestID)
	assert.JSONEq(t, `"done"`, string(resp.Result))

	select {
	case err := <-stopped:
		assert.NoError(t, err)
	case <-time.After(3 * time.Second):
		t.Fatal("shutdown did not finish")
	}
}

func TestServeAfterShutdown(t *testing.T) {
	reg := registry.NewMemoryRegistry()
	svr := NewServer(WithLogger(zap.NewNop()), WithRegistry(reg, "", 10))
	require.NoError(t, svr.AddService("Calc", "1.0", &Calc{}))
	require.NoError(t, svr.Listen("tcp", "127.0.0.1:0"))

	require.NoError(t, svr.Shutdown(time.Second))
	assert.ErrorIs(t, svr.Serve(), ErrServerClosed)

	svr.mu.RLock()
	assert.Nil(t, svr.pool, "no dispatch pool is started after shutdown")
	svr.mu.RUnlock()
	eps, _ := reg.ListEndpoints(context.Background())
	assert.Empty(t, eps)
}

func TestServerWriteTimeoutClosesConnection(t *testing.T) {
	svr := NewServer(WithLogger(zap.NewNop()), WithWriteTimeout(50*time.Millisecond))
	// nobody reads the client end, so the write blocks
	serverConn, clientConn := net.Pipe()
	defer clientConn.Close()

	done := make(chan struct{})
	go func() {
		svr.writeResponse(&message.Response{RequestID: "1", Result: json.RawMessage(`1`)},
			serverConn, &sync.Mutex{}, zap.NewNop())
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("write to a stalled peer never gave up")
	}

	_, err := serverConn.Write([]byte{0})
	assert.ErrorIs(t, err, io.ErrClosedPipe, "connection is closed after the failed write")
}

func TestServerMiddleware(t *testing.T) {
	svr := NewServer(WithLogger(zap.NewNop()))
	require.NoError(t, svr.AddService("Calc", "1.0", &Calc{}))
	svr.Use(middleware.LoggingMiddleware(zap.NewNop()))
	svr.Use(middleware.TimeOutMiddleware(50 * time.Millisecond))
	require.NoError(t, svr.Listen("tcp", "127.0.0.1:0"))
	go svr.Serve()
	defer svr.Shutdown(time.Second)

	c := dialRaw(t, svr)
	c.send(request("1", "Slow", 500))
	resp, err := c.recv(time.Second)
	require.NoError(t, err)
	assert.Equal(t, "1", resp.RequestID)
	assert.Equal(t, middleware.ErrTimedOut, resp.Error)
}

func TestServerRegistersEndpoint(t *testing.T) {
	reg := registry.NewMemoryRegistry()
	svr := NewServer(WithLogger(zap.NewNop()), WithRegistry(reg, "", 10))
	require.NoError(t, svr.AddService("Calc", "1.0", &Calc{}))
	require.NoError(t, svr.AddService("Calc", "2.0", &Calc{}))
	require.NoError(t, svr.Listen("tcp", "127.0.0.1:0"))
	go svr.Serve()

	require.Eventually(t, func() bool {
		eps, _ := reg.ListEndpoints(context.Background())
		return len(eps) == 1
	}, time.Second, 10*time.Millisecond)

	eps, _ := reg.ListEndpoints(context.Background())
	ep := eps[0]
	assert.Equal(t, "127.0.0.1", ep.Host)
	assert.Equal(t, svr.Addr().(*net.TCPAddr).Port, ep.Port)
	assert.True(t, ep.Offers("Calc#1.0"))
	assert.True(t, ep.Offers("Calc#2.0"))

	require.NoError(t, svr.Shutdown(time.Second))
	eps, _ = reg.ListEndpoints(context.Background())
	assert.Empty(t, eps)
}

func TestAddServiceValidation(t *testing.T) {
	svr := NewServer(WithLogger(zap.NewNop()))
	require.NoError(t, svr.AddService("Calc", "1.0", &Calc{}))
	assert.Error(t, svr.AddService("Calc", "1.0", &Calc{}))
	assert.Error(t, svr.AddService("", "1.0", &Calc{}))
	assert.Error(t, svr.AddService("Empty", "", struct{}{}))
	assert.Error(t, svr.AddService("Nil", "", nil))

	require.NoError(t, svr.Register(&Calc{}))
	_, ok := svr.services["Calc#"]
	assert.True(t, ok)
}

func TestServiceInvoke(t *testing.T) {
	svc, err := newService(&Calc{})
	require.NoError(t, err)
	assert.Equal(t, []string{"Add", "Crash", "Div", "Slow"}, svc.Methods())

	out, err := svc.Invoke(context.Background(), "Add", nil, []json.RawMessage{json.RawMessage(`20`), json.RawMessage(`22`)})
	require.NoError(t, err)
	assert.JSONEq(t, `42`, string(out))

	_, err = svc.Invoke(context.Background(), "Add", nil, []json.RawMessage{json.RawMessage(`1`)})
	assert.ErrorContains(t, err, "takes 2 arguments")

	_, err = svc.Invoke(context.Background(), "Add", nil, []json.RawMessage{json.RawMessage(`"x"`), json.RawMessage(`1`)})
	assert.ErrorContains(t, err, "argument 0")

	_, err = svc.Invoke(context.Background(), "Nope", nil, nil)
	assert.ErrorIs(t, err, ErrMethodNotFound)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = svc.Invoke(ctx, "Slow", nil, []json.RawMessage{json.RawMessage(`1000`)})
	assert.ErrorIs(t, err, context.Canceled)
}
