package server

import (
	"context"
	"fmt"
	"iter"

	"h2rpc/grpcerr"
	"h2rpc/method"
)

// UnaryHandler answers one request with one response.
type UnaryHandler[Req, Resp any] func(ctx context.Context, req Req) (Resp, error)

// ServerStreamingHandler answers one request with a lazy sequence of
// responses. The sequence is pulled one item at a time, and each item is
// written to the connection before the next one is requested. Yielding a
// non-nil error ends the call with that error as its status.
type ServerStreamingHandler[Req, Resp any] func(ctx context.Context, req Req) iter.Seq2[Resp, error]

// Method binds one descriptor to one handler. It is built with
// NewUnaryMethod or NewServerStreamingMethod.
type Method interface {
	Name() string
	Streaming() method.Streaming

	// handlerShape is the call shape the bound handler implements.
	handlerShape() method.Streaming
	// handle decodes payload, runs the handler and passes every encoded
	// response to send.
	handle(ctx context.Context, payload []byte, send func([]byte) error) error
}

type unaryMethod[Req, Resp any] struct {
	desc    *method.Descriptor[Req, Resp]
	handler UnaryHandler[Req, Resp]
}

// NewUnaryMethod binds a unary handler to desc.
func NewUnaryMethod[Req, Resp any](desc *method.Descriptor[Req, Resp], handler UnaryHandler[Req, Resp]) Method {
	return &unaryMethod[Req, Resp]{desc: desc, handler: handler}
}

func (m *unaryMethod[Req, Resp]) Name() string                   { return m.desc.Name }
func (m *unaryMethod[Req, Resp]) Streaming() method.Streaming    { return m.desc.Streaming }
func (m *unaryMethod[Req, Resp]) handlerShape() method.Streaming { return method.Unary }

func (m *unaryMethod[Req, Resp]) handle(ctx context.Context, payload []byte, send func([]byte) error) error {
	req, err := m.desc.ReqMarshaller.Unmarshal(payload)
	if err != nil {
		return grpcerr.Status(grpcerr.InvalidArgument, "decode request: %v", err)
	}
	resp, err := m.handler(ctx, req)
	if err != nil {
		return err
	}
	out, err := m.desc.RespMarshaller.Marshal(resp)
	if err != nil {
		return grpcerr.Status(grpcerr.Internal, "encode response: %v", err)
	}
	return send(out)
}

type serverStreamingMethod[Req, Resp any] struct {
	desc    *method.Descriptor[Req, Resp]
	handler ServerStreamingHandler[Req, Resp]
}

// NewServerStreamingMethod binds a server-streaming handler to desc.
func NewServerStreamingMethod[Req, Resp any](desc *method.Descriptor[Req, Resp], handler ServerStreamingHandler[Req, Resp]) Method {
	return &serverStreamingMethod[Req, Resp]{desc: desc, handler: handler}
}

func (m *serverStreamingMethod[Req, Resp]) Name() string                { return m.desc.Name }
func (m *serverStreamingMethod[Req, Resp]) Streaming() method.Streaming { return m.desc.Streaming }
func (m *serverStreamingMethod[Req, Resp]) handlerShape() method.Streaming {
	return method.ServerStreaming
}

func (m *serverStreamingMethod[Req, Resp]) handle(ctx context.Context, payload []byte, send func([]byte) error) error {
	req, err := m.desc.ReqMarshaller.Unmarshal(payload)
	if err != nil {
		return grpcerr.Status(grpcerr.InvalidArgument, "decode request: %v", err)
	}
	for resp, err := range m.handler(ctx, req) {
		if err != nil {
			return err
		}
		out, err := m.desc.RespMarshaller.Marshal(resp)
		if err != nil {
			return grpcerr.Status(grpcerr.Internal, "encode response: %v", err)
		}
		// Returning stops the range loop, so the handler's sequence is not
		// pulled again once the peer is gone.
		if err := send(out); err != nil {
			return err
		}
	}
	return ctx.Err()
}

// ServiceDefinition is the method table of a server. It is built once and is
// read-only afterwards, so concurrent dispatch reads it without locking.
type ServiceDefinition struct {
	methods []Method
	index   map[string]Method
}

// NewServiceDefinition builds the method table. Method names must be unique
// and every handler must match the call shape of its descriptor.
func NewServiceDefinition(methods ...Method) (*ServiceDefinition, error) {
	def := &ServiceDefinition{
		methods: make([]Method, 0, len(methods)),
		index:   make(map[string]Method, len(methods)),
	}
	for _, m := range methods {
		if err := method.Validate(m.Name()); err != nil {
			return nil, err
		}
		if m.Streaming() != m.handlerShape() {
			return nil, fmt.Errorf("method %s: descriptor is %v but handler is %v", m.Name(), m.Streaming(), m.handlerShape())
		}
		if _, dup := def.index[m.Name()]; dup {
			return nil, fmt.Errorf("method %s registered twice", m.Name())
		}
		def.methods = append(def.methods, m)
		def.index[m.Name()] = m
	}
	return def, nil
}

// Lookup finds a method by its full name.
func (d *ServiceDefinition) Lookup(name string) (Method, bool) {
	m, ok := d.index[name]
	return m, ok
}

// Methods returns the methods in registration order.
func (d *ServiceDefinition) Methods() []Method {
	return append([]Method(nil), d.methods...)
}

// ServiceNames returns the distinct service names of the registered methods,
// in registration order.
func (d *ServiceDefinition) ServiceNames() []string {
	seen := make(map[string]bool)
	var names []string
	for _, m := range d.methods {
		name := method.ServiceName(m.Name())
		if name == "" || seen[name] {
			continue
		}
		seen[name] = true
		names = append(names, name)
	}
	return names
}
