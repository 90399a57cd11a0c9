package registry

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// newTestEtcdRegistry skips the test when no etcd is listening on localhost:2379.
func newTestEtcdRegistry(t *testing.T) *EtcdRegistry {
	t.Helper()
	reg, err := NewEtcdRegistry([]string{"localhost:2379"}, WithPrefix("/netrpc-test/"+t.Name()+"/"))
	if err != nil {
		t.Skipf("etcd not available: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if _, err := reg.client.Get(ctx, "health"); err != nil {
		reg.Close()
		t.Skipf("etcd not available: %v", err)
	}
	t.Cleanup(func() { reg.Close() })
	return reg
}

func TestRegisterAndDiscover(t *testing.T) {
	reg := newTestEtcdRegistry(t)
	ctx := context.Background()

	// Register two endpoints
	e1 := Endpoint{Host: "127.0.0.1", Port: 8001, Services: []ServiceDescriptor{{Name: "Arith", Version: "1.0"}}}
	e2 := Endpoint{Host: "127.0.0.1", Port: 8002, Services: []ServiceDescriptor{{Name: "Arith", Version: "1.0"}}}

	require.NoError(t, reg.Register(ctx, e1, 10))
	require.NoError(t, reg.Register(ctx, e2, 10))

	endpoints, err := reg.ListEndpoints(ctx)
	require.NoError(t, err)
	assert.Len(t, endpoints, 2)

	// Deregister one
	require.NoError(t, reg.Deregister(ctx, e1))

	endpoints, err = reg.ListEndpoints(ctx)
	require.NoError(t, err)
	require.Len(t, endpoints, 1)
	assert.True(t, endpoints[0].Equal(e2))

	// Cleanup
	reg.Deregister(ctx, e2)
}

func TestWatchTranslatesEvents(t *testing.T) {
	reg := newTestEtcdRegistry(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	events := reg.Watch(ctx)
	time.Sleep(100 * time.Millisecond)

	e1 := Endpoint{Host: "127.0.0.1", Port: 8101, Services: []ServiceDescriptor{{Name: "Arith", Version: "1.0"}}}
	e1v2 := Endpoint{Host: "127.0.0.1", Port: 8101, Services: []ServiceDescriptor{{Name: "Arith", Version: "2.0"}}}

	require.NoError(t, reg.Register(ctx, e1, 10))
	require.NoError(t, reg.Register(ctx, e1v2, 10))
	require.NoError(t, reg.Deregister(ctx, e1v2))

	for _, want := range []EventType{EventAdded, EventUpdated, EventRemoved} {
		select {
		case ev := <-events:
			assert.Equal(t, want, ev.Type)
		case <-time.After(3 * time.Second):
			t.Fatalf("no %s event", want)
		}
	}
}
