package client

import (
	"context"
	"time"

	"go.uber.org/zap"

	"netrpc/registry"
)

const snapshotRetryDelay = time.Second

// discoveryWatcher feeds a ConnectionManager from a Discovery backend: one
// snapshot up front, then the change stream. A RECONNECTED signal means
// changes may have been missed, so the watcher takes a fresh snapshot.
type discoveryWatcher struct {
	discovery registry.Discovery
	manager   *ConnectionManager
	logger    *zap.Logger
}

func newDiscoveryWatcher(d registry.Discovery, m *ConnectionManager, logger *zap.Logger) *discoveryWatcher {
	return &discoveryWatcher{
		discovery: d,
		manager:   m,
		logger:    logger.Named("discovery"),
	}
}

// run blocks until ctx is done.
func (w *discoveryWatcher) run(ctx context.Context) {
	// subscribe before the snapshot so nothing falls between the two
	events := w.discovery.Watch(ctx)
	w.snapshot(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-events:
			if !ok {
				if ctx.Err() != nil {
					return
				}
				w.logger.Warn("watch stream closed, resubscribing")
				events = w.discovery.Watch(ctx)
				w.snapshot(ctx)
				continue
			}
			w.handle(ctx, event)
		}
	}
}

func (w *discoveryWatcher) handle(ctx context.Context, event registry.Event) {
	w.logger.Debug("discovery event",
		zap.Stringer("type", event.Type),
		zap.String("addr", event.Endpoint.Addr()))

	if event.Type == registry.EventReconnected {
		w.logger.Info("discovery reconnected, taking a new snapshot")
		w.snapshot(ctx)
		return
	}
	w.manager.ReconcileOne(event)
}

// snapshot retries until the listing succeeds or ctx is done.
func (w *discoveryWatcher) snapshot(ctx context.Context) {
	for {
		endpoints, err := w.discovery.ListEndpoints(ctx)
		if err == nil {
			w.manager.ReconcileFull(endpoints)
			return
		}
		w.logger.Error("list endpoints failed", zap.Error(err))
		select {
		case <-ctx.Done():
			return
		case <-time.After(snapshotRetryDelay):
		}
	}
}
