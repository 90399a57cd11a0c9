// Package client is the calling side of netrpc. A Client discovers endpoints
// through a registry.Discovery backend, keeps one multiplexed connection per
// endpoint in its ConnectionManager and turns method calls into requests
// routed by a load balancer.
//
//	Discovery ──snapshot/events──→ ConnectionManager ──live set──→ Balancer
//	                                                                  │
//	Client.Invoke(Call) ──AwaitConnection──────────────────────────────┘
//	        │
//	        └──→ ClientTransport.Send ──→ Future
package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"netrpc/codec"
	"netrpc/config"
	"netrpc/loadbalance"
	"netrpc/message"
	"netrpc/metrics"
	"netrpc/registry"
	"netrpc/transport"
	"netrpc/workerpool"
)

// DefaultCallTimeout bounds every call: Client.Call and the futures returned
// by Invoke fail with transport.ErrCallTimeout once it passes.
const DefaultCallTimeout = 10 * time.Second

// Call is the shape of one remote method call: the interface name, the
// method, the declared parameter types and the argument values.
type Call struct {
	Interface      string
	Version        string
	Method         string
	ParameterTypes []string // derived from Args when empty
	Args           []any
}

// ServiceKey returns the routing key of the call.
func (c Call) ServiceKey() string {
	return registry.ServiceKey(c.Interface, c.Version)
}

// Client issues calls against the endpoints a Discovery backend reports.
type Client struct {
	manager     *ConnectionManager
	watcher     *discoveryWatcher
	tasks       *workerpool.Pool
	callTimeout time.Duration
	logger      *zap.Logger

	cancel context.CancelFunc
	wg     sync.WaitGroup

	closeOnce sync.Once
}

type options struct {
	logger      *zap.Logger
	callTimeout time.Duration
	taskWorkers int
	taskQueue   int
	manager     []ManagerOption
}

// Option configures a Client.
type Option func(*options)

func WithLogger(logger *zap.Logger) Option {
	return func(o *options) { o.logger = logger }
}

// WithCallTimeout overrides DefaultCallTimeout. It bounds every call,
// including futures from Invoke that are waited on without a deadline; a
// caller's context can only shorten it. Zero removes the bound.
func WithCallTimeout(d time.Duration) Option {
	return func(o *options) { o.callTimeout = d }
}

// WithTaskPool sizes the general task pool behind Submit.
func WithTaskPool(workers, queue int) Option {
	return func(o *options) { o.taskWorkers, o.taskQueue = workers, queue }
}

// WithManagerOptions configures the underlying ConnectionManager.
func WithManagerOptions(opts ...ManagerOption) Option {
	return func(o *options) { o.manager = append(o.manager, opts...) }
}

// New starts a client: the connection manager, the discovery watcher and
// the task pool. Close releases all of them.
func New(discovery registry.Discovery, opts ...Option) (*Client, error) {
	o := options{
		logger:      zap.L(),
		callTimeout: DefaultCallTimeout,
		taskWorkers: 8,
		taskQueue:   1000,
	}
	for _, opt := range opts {
		opt(&o)
	}
	logger := o.logger.Named("client")

	managerOpts := append([]ManagerOption{
		WithManagerLogger(logger),
		WithRequestTimeout(o.callTimeout),
	}, o.manager...)
	manager := NewConnectionManager(managerOpts...)
	if err := manager.Start(); err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	c := &Client{
		manager:     manager,
		watcher:     newDiscoveryWatcher(discovery, manager, logger),
		tasks:       workerpool.New("client-tasks", o.taskWorkers, o.taskQueue, logger),
		callTimeout: o.callTimeout,
		logger:      logger,
		cancel:      cancel,
	}
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		c.watcher.run(ctx)
	}()
	return c, nil
}

// NewFromConfig builds a client from the flat option set.
func NewFromConfig(cfg config.Config, discovery registry.Discovery, logger *zap.Logger) (*Client, error) {
	cdc, err := codec.ByName(cfg.Codec)
	if err != nil {
		return nil, err
	}
	balancer, err := loadbalance.New(cfg.Balancer)
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = zap.L()
	}
	return New(discovery,
		WithLogger(logger),
		WithCallTimeout(cfg.CallTimeout),
		WithTaskPool(cfg.TaskWorkers, cfg.TaskQueue),
		WithManagerOptions(
			WithCodec(cdc),
			WithBalancer(balancer),
			WithWaitTimeout(cfg.WaitTimeout),
			WithConnectTimeout(cfg.ConnectTimeout),
			WithHeartbeatInterval(cfg.HeartbeatInterval),
			WithConnectPool(cfg.ConnectWorkers, cfg.ConnectQueue),
		),
	)
}

// Manager exposes the connection manager.
func (c *Client) Manager() *ConnectionManager {
	return c.manager
}

// Invoke sends call and returns its future without waiting for the
// response. It fails when no connection can be obtained for the service or
// an argument cannot be serialized; every later failure completes the future.
// A call left unanswered completes it with transport.ErrCallTimeout after the
// call timeout, so waiting on it with a context.Background() ends too.
func (c *Client) Invoke(ctx context.Context, call Call) (*transport.Future, error) {
	future, err := c.invoke(ctx, call)
	if err != nil {
		metrics.ClientCalls.WithLabelValues(call.ServiceKey(), metrics.OutcomeFailure).Inc()
	}
	return future, err
}

func (c *Client) invoke(ctx context.Context, call Call) (*transport.Future, error) {
	req, err := newRequest(call)
	if err != nil {
		return nil, err
	}

	t, err := c.manager.AwaitConnection(ctx, call.ServiceKey())
	if err != nil {
		return nil, err
	}

	c.logger.Debug("sending request",
		zap.String("request_id", req.RequestID),
		zap.String("service", call.ServiceKey()),
		zap.String("method", call.Method),
		zap.String("addr", t.Endpoint().Addr()))
	return t.Send(req), nil
}

// Call sends call and waits for the response, decoding the result into
// reply. Without a deadline on ctx the client's call timeout applies.
func (c *Client) Call(ctx context.Context, call Call, reply any) error {
	if _, ok := ctx.Deadline(); !ok && c.callTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.callTimeout)
		defer cancel()
	}

	err := c.call(ctx, call, reply)
	outcome := metrics.OutcomeOK
	var remote *transport.RemoteError
	switch {
	case errors.As(err, &remote):
		outcome = metrics.OutcomeError
	case err != nil:
		outcome = metrics.OutcomeFailure
	}
	metrics.ClientCalls.WithLabelValues(call.ServiceKey(), outcome).Inc()
	return err
}

func (c *Client) call(ctx context.Context, call Call, reply any) error {
	future, err := c.invoke(ctx, call)
	if err != nil {
		return err
	}
	return future.Decode(ctx, reply)
}

// Submit runs task on the client's general task pool. It fails with
// workerpool.ErrRejected when the backlog is full.
func (c *Client) Submit(task func()) error {
	return c.tasks.Submit(task)
}

// Close stops discovery, tears down every connection (failing their pending
// calls) and drains the task pool until ctx is done.
func (c *Client) Close(ctx context.Context) error {
	var err error
	c.closeOnce.Do(func() {
		c.cancel()
		c.wg.Wait()
		err = errors.Join(c.manager.Stop(ctx), c.tasks.Stop(ctx))
		c.logger.Info("client closed")
	})
	return err
}

func newRequest(call Call) (*message.Request, error) {
	params := make([]json.RawMessage, len(call.Args))
	for i, arg := range call.Args {
		raw, err := json.Marshal(arg)
		if err != nil {
			return nil, fmt.Errorf("%w: argument %d of %s.%s: %w",
				codec.ErrSerialization, i, call.Interface, call.Method, err)
		}
		params[i] = raw
	}

	types := call.ParameterTypes
	if len(types) == 0 && len(call.Args) > 0 {
		types = make([]string, len(call.Args))
		for i, arg := range call.Args {
			types[i] = typeName(arg)
		}
	}

	return &message.Request{
		RequestID:      uuid.NewString(),
		ClassName:      call.Interface,
		MethodName:     call.Method,
		ParameterTypes: types,
		Parameters:     params,
		Version:        call.Version,
	}, nil
}

func typeName(v any) string {
	if v == nil {
		return "nil"
	}
	return reflect.TypeOf(v).String()
}
