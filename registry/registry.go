package registry

import "context"

// ServiceInstance is one server offering a service.
type ServiceInstance struct {
	Addr    string `json:"addr"`              // address clients dial, host:port
	Version string `json:"version,omitempty"` // free-form, for operators
}

// Registry maps service names ("pkg.Service") to the servers offering them.
type Registry interface {
	// Register announces instance under serviceName. The entry disappears
	// ttl seconds after the registering process stops renewing it.
	Register(ctx context.Context, serviceName string, instance ServiceInstance, ttl int64) error
	Deregister(ctx context.Context, serviceName string, addr string) error
	Discover(ctx context.Context, serviceName string) ([]ServiceInstance, error)
	// Watch emits the full instance list after every change until ctx ends.
	Watch(ctx context.Context, serviceName string) <-chan []ServiceInstance
}
