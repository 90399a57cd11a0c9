package middleware

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"netrpc/message"
)

func echoHandler(ctx context.Context, req *message.Request) *message.Response {
	return &message.Response{Result: json.RawMessage(`"ok"`)}
}

func slowHandler(ctx context.Context, req *message.Request) *message.Response {
	time.Sleep(200 * time.Millisecond)
	return &message.Response{Result: json.RawMessage(`"ok"`)}
}

func failingHandler(ctx context.Context, req *message.Request) *message.Response {
	return &message.Response{Error: "boom"}
}

func calcRequest() *message.Request {
	return &message.Request{RequestID: "1", ClassName: "Calc", MethodName: "Add", Version: "1.0"}
}

func TestLogging(t *testing.T) {
	core, logs := observer.New(zap.InfoLevel)
	handler := LoggingMiddleware(zap.New(core))(echoHandler)

	resp := handler(context.Background(), calcRequest())
	require.NotNil(t, resp)
	assert.JSONEq(t, `"ok"`, string(resp.Result))

	entries := logs.FilterMessage("request served").All()
	require.Len(t, entries, 1)
	assert.Equal(t, "Add", entries[0].ContextMap()["method"])
}

func TestLoggingError(t *testing.T) {
	core, logs := observer.New(zap.InfoLevel)
	handler := LoggingMiddleware(zap.New(core))(failingHandler)

	resp := handler(context.Background(), calcRequest())
	assert.Equal(t, "boom", resp.Error)

	entries := logs.FilterMessage("request failed").All()
	require.Len(t, entries, 1)
	assert.Equal(t, "boom", entries[0].ContextMap()["error"])
}

func TestTimeoutPass(t *testing.T) {
	handler := TimeOutMiddleware(500 * time.Millisecond)(echoHandler)

	resp := handler(context.Background(), calcRequest())
	assert.Empty(t, resp.Error)
}

func TestTimeoutExceeded(t *testing.T) {
	handler := TimeOutMiddleware(50 * time.Millisecond)(slowHandler)

	resp := handler(context.Background(), calcRequest())
	assert.Equal(t, ErrTimedOut, resp.Error)
}

func TestRateLimit(t *testing.T) {
	// rate=1 per second, burst=2: the first 2 pass, the third is rejected
	handler := RateLimitMiddleware(1, 2)(echoHandler)

	for i := 0; i < 2; i++ {
		resp := handler(context.Background(), calcRequest())
		assert.Empty(t, resp.Error, "request %d", i)
	}

	resp := handler(context.Background(), calcRequest())
	assert.Equal(t, ErrRateLimited, resp.Error)
}

func TestChain(t *testing.T) {
	var order []string
	mark := func(name string) Middleware {
		return func(next HandlerFunc) HandlerFunc {
			return func(ctx context.Context, req *message.Request) *message.Response {
				order = append(order, name+">")
				resp := next(ctx, req)
				order = append(order, "<"+name)
				return resp
			}
		}
	}

	handler := Chain(mark("A"), mark("B"), LoggingMiddleware(zap.NewNop()), TimeOutMiddleware(500*time.Millisecond))(echoHandler)
	resp := handler(context.Background(), calcRequest())
	require.NotNil(t, resp)
	assert.Empty(t, resp.Error)
	assert.Equal(t, []string{"A>", "B>", "<B", "<A"}, order)
}
