// Package method describes remote procedures: their name, call shape and the
// marshallers for their request and response.
package method

import (
	"fmt"
	"strings"

	"h2rpc/codec"
)

// Streaming is the call shape: how many request and response messages a call
// carries.
type Streaming int

const (
	Unary           Streaming = iota // one request, one response
	ClientStreaming                  // many requests, one response
	ServerStreaming                  // one request, many responses
	Bidirectional                    // many requests, many responses
)

func (s Streaming) String() string {
	switch s {
	case Unary:
		return "Unary"
	case ClientStreaming:
		return "ClientStreaming"
	case ServerStreaming:
		return "ServerStreaming"
	case Bidirectional:
		return "Bidirectional"
	}
	return fmt.Sprintf("Streaming(%d)", int(s))
}

// Descriptor identifies one remote procedure. It is immutable once built and
// shared by pointer between client calls and server registrations.
type Descriptor[Req, Resp any] struct {
	Name           string // Full method name, e.g. "/text/Unary"; sent as :path
	Streaming      Streaming
	ReqMarshaller  codec.Marshaller[Req]
	RespMarshaller codec.Marshaller[Resp]
}

// New builds a descriptor.
func New[Req, Resp any](name string, streaming Streaming, req codec.Marshaller[Req], resp codec.Marshaller[Resp]) *Descriptor[Req, Resp] {
	return &Descriptor[Req, Resp]{
		Name:           name,
		Streaming:      streaming,
		ReqMarshaller:  req,
		RespMarshaller: resp,
	}
}

// ServiceName returns the service part of a method name:
// "/pkg.Svc/Method" → "pkg.Svc". A name without a service part yields "".
func ServiceName(name string) string {
	name = strings.TrimPrefix(name, "/")
	i := strings.LastIndex(name, "/")
	if i <= 0 {
		return ""
	}
	return name[:i]
}

// Validate reports whether name is usable as a :path value.
func Validate(name string) error {
	if !strings.HasPrefix(name, "/") || len(name) < 2 {
		return fmt.Errorf("method name %q must start with '/'", name)
	}
	if strings.ContainsAny(name, " \t\r\n") {
		return fmt.Errorf("method name %q contains whitespace", name)
	}
	return nil
}
