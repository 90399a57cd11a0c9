package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"netrpc/message"
	"netrpc/metrics"
)

var (
	// ErrConnectionClosed fails every call still pending when its connection goes away.
	ErrConnectionClosed = errors.New("connection closed")
	// ErrCallTimeout is returned when the caller stopped waiting for a response.
	ErrCallTimeout = errors.New("call timed out")
	// ErrDuplicateRequest rejects a request id that is already outstanding.
	ErrDuplicateRequest = errors.New("request id already pending")
)

// RemoteError is the error text the server put into Response.Error.
type RemoteError struct {
	RequestID string
	Message   string
}

func (e *RemoteError) Error() string {
	return "remote error: " + e.Message
}

// Future is the awaitable result of one call. It is completed exactly once,
// either with a Response or with a failure.
type Future struct {
	requestID string
	done      chan struct{}
	once      sync.Once
	resp      *message.Response
	err       error
	forget    func(requestID string)

	timerMu sync.Mutex
	timer   *time.Timer // request timeout, stopped on completion
}

func newFuture(requestID string, forget func(string)) *Future {
	return &Future{
		requestID: requestID,
		done:      make(chan struct{}),
		forget:    forget,
	}
}

// failedFuture returns a Future that is already completed with err.
func failedFuture(requestID string, err error) *Future {
	f := newFuture(requestID, nil)
	f.complete(nil, err)
	return f
}

func (f *Future) complete(resp *message.Response, err error) bool {
	completed := false
	f.once.Do(func() {
		f.resp, f.err = resp, err
		close(f.done)
		completed = true

		f.timerMu.Lock()
		if f.timer != nil {
			f.timer.Stop()
		}
		f.timerMu.Unlock()
	})
	return completed
}

// expireAfter runs fail unless the future completes within d.
func (f *Future) expireAfter(d time.Duration, fail func()) {
	f.timerMu.Lock()
	defer f.timerMu.Unlock()
	select {
	case <-f.done:
		return
	default:
	}
	f.timer = time.AfterFunc(d, fail)
}

// RequestID returns the id the future is keyed by.
func (f *Future) RequestID() string {
	return f.requestID
}

// Done is closed once the future is completed.
func (f *Future) Done() <-chan struct{} {
	return f.done
}

// Get waits for the response until ctx is done. A context without deadline
// waits until the call resolves: a response, connection teardown or the
// transport's request timeout, whichever comes first.
//
// A transport failure is returned as an error wrapping ErrConnectionClosed,
// a server-side failure as *RemoteError, and an abandoned wait as an error
// wrapping ErrCallTimeout. Abandoning frees the pending slot, so a late
// response is discarded.
func (f *Future) Get(ctx context.Context) (*message.Response, error) {
	select {
	case <-f.done:
		return f.result()
	default:
	}

	select {
	case <-f.done:
		return f.result()
	case <-ctx.Done():
		if f.forget != nil {
			f.forget(f.requestID)
		}
		// the response may have won the race with forget
		select {
		case <-f.done:
			return f.result()
		default:
		}
		err := fmt.Errorf("%w: %w", ErrCallTimeout, ctx.Err())
		f.complete(nil, err)
		return nil, err
	}
}

func (f *Future) result() (*message.Response, error) {
	if f.err != nil {
		return nil, f.err
	}
	if f.resp.IsError() {
		return f.resp, &RemoteError{RequestID: f.requestID, Message: f.resp.Error}
	}
	return f.resp, nil
}

// Decode waits like Get and unmarshals the result into out. An empty result
// (the server had no implementation) leaves out untouched.
func (f *Future) Decode(ctx context.Context, out any) error {
	resp, err := f.Get(ctx)
	if err != nil {
		return err
	}
	if out == nil || len(resp.Result) == 0 {
		return nil
	}
	return json.Unmarshal(resp.Result, out)
}

// Correlator maps outstanding request ids of one connection to their futures.
// Responses may arrive in any order; correlation is by id only.
type Correlator struct {
	mu      sync.Mutex
	pending map[string]*Future
	closed  bool
	logger  *zap.Logger
}

func NewCorrelator(logger *zap.Logger) *Correlator {
	if logger == nil {
		logger = zap.L()
	}
	return &Correlator{
		pending: make(map[string]*Future),
		logger:  logger,
	}
}

// Register creates the future for requestID. It fails once the owning
// connection was aborted, and for an id that is still outstanding.
func (c *Correlator) Register(requestID string) (*Future, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil, ErrConnectionClosed
	}
	if _, ok := c.pending[requestID]; ok {
		return nil, fmt.Errorf("%w: %s", ErrDuplicateRequest, requestID)
	}
	f := newFuture(requestID, c.Forget)
	c.pending[requestID] = f
	metrics.PendingCalls.Inc()
	return f, nil
}

func (c *Correlator) take(requestID string) *Future {
	c.mu.Lock()
	defer c.mu.Unlock()

	f, ok := c.pending[requestID]
	if !ok {
		return nil
	}
	delete(c.pending, requestID)
	metrics.PendingCalls.Dec()
	return f
}

// Resolve completes the future registered for resp.RequestID. A response
// nobody waits for (late, duplicate or abandoned) is logged and dropped.
func (c *Correlator) Resolve(resp *message.Response) bool {
	f := c.take(resp.RequestID)
	if f == nil {
		c.logger.Warn("no pending call for response", zap.String("request_id", resp.RequestID))
		return false
	}
	return f.complete(resp, nil)
}

// Fail completes the future for requestID with err.
func (c *Correlator) Fail(requestID string, err error) {
	if f := c.take(requestID); f != nil {
		f.complete(nil, err)
	}
}

// Forget drops requestID without completing its future.
func (c *Correlator) Forget(requestID string) {
	c.take(requestID)
}

// AbortAll fails every outstanding future with reason and refuses further
// registrations. Later Resolve calls for those ids are no-ops.
func (c *Correlator) AbortAll(reason error) {
	c.mu.Lock()
	c.closed = true
	pending := c.pending
	c.pending = make(map[string]*Future)
	c.mu.Unlock()

	err := reason
	if err == nil {
		err = ErrConnectionClosed
	} else if !errors.Is(err, ErrConnectionClosed) {
		err = fmt.Errorf("%w: %w", ErrConnectionClosed, reason)
	}
	for _, f := range pending {
		f.complete(nil, err)
	}
	metrics.PendingCalls.Sub(float64(len(pending)))
	if len(pending) > 0 {
		c.logger.Info("aborted pending calls", zap.Int("count", len(pending)), zap.Error(reason))
	}
}

// Len returns the number of outstanding calls.
func (c *Correlator) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}
