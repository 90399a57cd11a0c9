package transport

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"netrpc/message"
)

func TestCorrelatorResolve(t *testing.T) {
	c := NewCorrelator(zap.NewNop())

	f, err := c.Register("a")
	require.NoError(t, err)
	assert.Equal(t, 1, c.Len())

	assert.True(t, c.Resolve(&message.Response{RequestID: "a", Result: json.RawMessage(`3`)}))
	assert.Equal(t, 0, c.Len())

	resp, err := f.Get(context.Background())
	require.NoError(t, err)
	assert.JSONEq(t, `3`, string(resp.Result))
}

func TestCorrelatorResolveOutOfOrder(t *testing.T) {
	c := NewCorrelator(zap.NewNop())

	fa, err := c.Register("a")
	require.NoError(t, err)
	fb, err := c.Register("b")
	require.NoError(t, err)

	c.Resolve(&message.Response{RequestID: "b", Result: json.RawMessage(`"B"`)})
	c.Resolve(&message.Response{RequestID: "a", Result: json.RawMessage(`"A"`)})

	var a, b string
	require.NoError(t, fa.Decode(context.Background(), &a))
	require.NoError(t, fb.Decode(context.Background(), &b))
	assert.Equal(t, "A", a)
	assert.Equal(t, "B", b)
}

func TestCorrelatorUnknownResponseIsDropped(t *testing.T) {
	c := NewCorrelator(zap.NewNop())
	f, err := c.Register("a")
	require.NoError(t, err)

	assert.False(t, c.Resolve(&message.Response{RequestID: "zzz"}))
	assert.Equal(t, 1, c.Len())

	select {
	case <-f.Done():
		t.Fatal("unrelated response completed the future")
	default:
	}
}

func TestCorrelatorDuplicateID(t *testing.T) {
	c := NewCorrelator(zap.NewNop())
	_, err := c.Register("a")
	require.NoError(t, err)

	_, err = c.Register("a")
	assert.ErrorIs(t, err, ErrDuplicateRequest)
}

func TestCorrelatorAbortAll(t *testing.T) {
	c := NewCorrelator(zap.NewNop())

	var futures []*Future
	for _, id := range []string{"a", "b", "c"} {
		f, err := c.Register(id)
		require.NoError(t, err)
		futures = append(futures, f)
	}

	c.AbortAll(errors.New("peer reset"))
	assert.Equal(t, 0, c.Len())

	for _, f := range futures {
		_, err := f.Get(context.Background())
		assert.ErrorIs(t, err, ErrConnectionClosed)
		assert.ErrorContains(t, err, "peer reset")
	}

	// a response arriving after the abort changes nothing
	assert.False(t, c.Resolve(&message.Response{RequestID: "a", Result: json.RawMessage(`1`)}))
	_, err := futures[0].Get(context.Background())
	assert.ErrorIs(t, err, ErrConnectionClosed)

	_, err = c.Register("d")
	assert.ErrorIs(t, err, ErrConnectionClosed)
}

func TestFutureRemoteError(t *testing.T) {
	c := NewCorrelator(zap.NewNop())
	f, err := c.Register("a")
	require.NoError(t, err)

	c.Resolve(&message.Response{RequestID: "a", Error: "division by zero"})

	resp, err := f.Get(context.Background())
	var remote *RemoteError
	require.ErrorAs(t, err, &remote)
	assert.Equal(t, "division by zero", remote.Message)
	assert.Equal(t, "a", resp.RequestID)
}

func TestFutureTimeoutFreesSlot(t *testing.T) {
	c := NewCorrelator(zap.NewNop())
	f, err := c.Register("a")
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err = f.Get(ctx)
	assert.ErrorIs(t, err, ErrCallTimeout)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, 0, c.Len())

	// the late response is discarded
	assert.False(t, c.Resolve(&message.Response{RequestID: "a"}))
}

func TestFutureDecodeEmptyResult(t *testing.T) {
	c := NewCorrelator(zap.NewNop())
	f, err := c.Register("a")
	require.NoError(t, err)
	c.Resolve(&message.Response{RequestID: "a"})

	out := 7
	require.NoError(t, f.Decode(context.Background(), &out))
	assert.Equal(t, 7, out)
}
