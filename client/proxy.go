package client

import (
	"context"

	"netrpc/registry"
	"netrpc/transport"
)

// ServiceProxy binds a Client to one interface name and version, so calls
// only name the method:
//
//	calc := client.NewService(c, "Calc", "1.0")
//	var sum int
//	err := calc.Call(ctx, "Add", &sum, 1, 2)
type ServiceProxy struct {
	client  *Client
	name    string
	version string
}

func NewService(c *Client, name, version string) *ServiceProxy {
	return &ServiceProxy{client: c, name: name, version: version}
}

// Key returns the service key the proxy routes by.
func (p *ServiceProxy) Key() string {
	return registry.ServiceKey(p.name, p.version)
}

// Call invokes method and waits for its result.
func (p *ServiceProxy) Call(ctx context.Context, method string, reply any, args ...any) error {
	return p.client.Call(ctx, p.call(method, args), reply)
}

// Go invokes method and returns the future right away.
func (p *ServiceProxy) Go(ctx context.Context, method string, args ...any) (*transport.Future, error) {
	return p.client.Invoke(ctx, p.call(method, args))
}

func (p *ServiceProxy) call(method string, args []any) Call {
	return Call{
		Interface: p.name,
		Version:   p.version,
		Method:    method,
		Args:      args,
	}
}
