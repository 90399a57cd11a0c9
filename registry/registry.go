package registry

import (
	"context"
	"fmt"
	"net"
	"slices"
	"strconv"
	"strings"
)

// ServiceDescriptor names one service an endpoint offers.
type ServiceDescriptor struct {
	Name    string `json:"serviceName"`
	Version string `json:"version"`
}

// Key returns the descriptor's routing key.
func (d ServiceDescriptor) Key() string {
	return ServiceKey(d.Name, d.Version)
}

// ServiceKey is the unit of routing: "name#version", with an empty version
// segment when version is blank ("name#").
func ServiceKey(name, version string) string {
	return name + "#" + version
}

// Endpoint is a network-addressable server plus the services it advertises.
// Two endpoints are the same when host, port and descriptor set match; the
// descriptor order does not matter.
type Endpoint struct {
	Host     string              `json:"host"`
	Port     int                 `json:"port"`
	Services []ServiceDescriptor `json:"serviceInfoList"`
}

// Addr returns "host:port".
func (e Endpoint) Addr() string {
	return net.JoinHostPort(e.Host, strconv.Itoa(e.Port))
}

// Key returns the endpoint identity: the address followed by the sorted
// service keys. It is stable across calls and used for map keys and ordering.
func (e Endpoint) Key() string {
	keys := make([]string, 0, len(e.Services))
	for _, svc := range e.Services {
		keys = append(keys, svc.Key())
	}
	slices.Sort(keys)
	keys = slices.Compact(keys)
	return e.Addr() + "/" + strings.Join(keys, ",")
}

// Equal reports structural equality.
func (e Endpoint) Equal(other Endpoint) bool {
	return e.Key() == other.Key()
}

// Offers reports whether e advertises serviceKey.
func (e Endpoint) Offers(serviceKey string) bool {
	for _, svc := range e.Services {
		if svc.Key() == serviceKey {
			return true
		}
	}
	return false
}

func (e Endpoint) String() string {
	return e.Key()
}

// ParseServiceKey splits a key back into name and version.
func ParseServiceKey(key string) (name, version string, err error) {
	name, version, ok := strings.Cut(key, "#")
	if !ok || name == "" {
		return "", "", fmt.Errorf("registry: malformed service key %q", key)
	}
	return name, version, nil
}

// EventType is the kind of a discovery change.
type EventType int

const (
	EventAdded EventType = iota
	EventUpdated
	EventRemoved
	// EventReconnected asks the consumer to fetch a fresh snapshot.
	EventReconnected
)

func (t EventType) String() string {
	switch t {
	case EventAdded:
		return "ADDED"
	case EventUpdated:
		return "UPDATED"
	case EventRemoved:
		return "REMOVED"
	case EventReconnected:
		return "RECONNECTED"
	default:
		return "UNKNOWN(" + strconv.Itoa(int(t)) + ")"
	}
}

// Event is one membership change. For EventUpdated, Previous holds the
// endpoint as it was before the change when the backend knows it.
type Event struct {
	Type     EventType
	Endpoint Endpoint
	Previous *Endpoint
}

// Discovery is consumed by the client to learn which endpoints exist.
type Discovery interface {
	// ListEndpoints returns the current membership snapshot.
	ListEndpoints(ctx context.Context) ([]Endpoint, error)
	// Watch streams membership changes until ctx is done; the channel is
	// closed afterwards.
	Watch(ctx context.Context) <-chan Event
}

// Registrar is used by the server to publish its endpoint.
type Registrar interface {
	Register(ctx context.Context, endpoint Endpoint, ttl int64) error
	Deregister(ctx context.Context, endpoint Endpoint) error
}

// Registry is a backend that plays both roles.
type Registry interface {
	Discovery
	Registrar
}
