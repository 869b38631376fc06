// Package server implements the call dispatcher: it accepts connections,
// runs the HTTP/2 handshake and answers RPC streams with the handlers of a
// ServiceDefinition.
//
// Request processing pipeline:
//
//	Accept conn → handshake → readLoop (single goroutine reads frames)
//	  → for each stream, at END_STREAM: go dispatch (parallel processing)
//	    → Middleware Chain → businessHandler (Lookup → decode → handler → encode → send)
//	    → trailers with grpc-status
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"h2rpc/grpcerr"
	"h2rpc/middleware"
	"h2rpc/registry"
)

// ErrServerClosed is returned by Serve after Shutdown.
var ErrServerClosed = errors.New("server: closed")

// Server dispatches calls to the methods of one ServiceDefinition.
type Server struct {
	def  *ServiceDefinition
	opts options
	log  *zap.Logger

	mu         sync.Mutex
	listener   net.Listener
	conns      map[*serverConn]struct{}
	registered []string // service names currently in the registry
	advertised string   // address they were registered under
	shutdown   atomic.Bool

	wg sync.WaitGroup // in-flight calls, for graceful shutdown

	middlewares []middleware.Middleware
	buildOnce   sync.Once
	handler     middleware.HandlerFunc // middleware(middleware(...(businessHandler)))
}

// New creates a server for def. It does not listen until Listen, Serve or
// ServeConn is called.
func New(def *ServiceDefinition, opts ...Option) *Server {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	return &Server{
		def:   def,
		opts:  o,
		log:   o.logger,
		conns: make(map[*serverConn]struct{}),
	}
}

// Start creates a server, binds it to address on TCP and serves in the
// background. Binding ":0" or "127.0.0.1:0" picks a free port; Addr reports it.
func Start(address string, def *ServiceDefinition, opts ...Option) (*Server, error) {
	s := New(def, opts...)
	if err := s.Listen("tcp", address); err != nil {
		return nil, err
	}
	if err := s.register(); err != nil {
		s.listener.Close()
		return nil, err
	}
	go s.accept(s.listener)
	return s, nil
}

// Use registers a middleware. Middlewares apply in the order they are added
// and must be added before the server starts serving.
func (s *Server) Use(mw middleware.Middleware) {
	s.middlewares = append(s.middlewares, mw)
}

// Listen binds the server's listener.
func (s *Server) Listen(network, address string) error {
	l, err := net.Listen(network, address)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.listener = l
	s.mu.Unlock()
	s.log.Info("listening", zap.Stringer("addr", l.Addr()))
	return nil
}

// Addr returns the bound address, or nil before Listen or Serve.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Serve registers the server's services, if a registry is configured, and
// accepts connections on l until Shutdown. It always returns a non-nil error;
// after Shutdown the error is ErrServerClosed.
func (s *Server) Serve(l net.Listener) error {
	s.mu.Lock()
	if s.shutdown.Load() {
		s.mu.Unlock()
		l.Close()
		return ErrServerClosed
	}
	s.listener = l
	s.mu.Unlock()
	if err := s.register(); err != nil {
		l.Close()
		return err
	}
	return s.accept(l)
}

// ListenAndServe binds address and serves it.
func (s *Server) ListenAndServe(network, address string) error {
	if err := s.Listen(network, address); err != nil {
		return err
	}
	return s.Serve(s.listener)
}

// ServeConn serves a single already-connected stream and returns when it
// closes.
func (s *Server) ServeConn(nc net.Conn) {
	s.buildHandler()
	s.serveConn(nc)
}

// accept loop: one goroutine per connection.
func (s *Server) accept(l net.Listener) error {
	s.buildHandler()
	for {
		nc, err := l.Accept()
		if err != nil {
			// Shutdown closes the listener, which fails Accept.
			if s.shutdown.Load() {
				return ErrServerClosed
			}
			return err
		}
		go s.serveConn(nc)
	}
}

// buildHandler builds the middleware chain once, on first use.
func (s *Server) buildHandler() {
	s.buildOnce.Do(func() {
		s.handler = middleware.Chain(s.middlewares...)(s.businessHandler)
	})
}

// dispatch runs one complete request and writes its status.
func (s *Server) dispatch(sc *serverConn, st *serverStream) {
	log := sc.log.With(zap.String("method", st.req.Method), zap.Uint32("stream", st.id))

	var err error
	switch len(st.msgs) {
	case 1:
		call := &middleware.Call{
			Method:  st.req.Method,
			Peer:    sc.conn.RemoteAddr(),
			Payload: st.msgs[0],
			Send:    st.send,
		}
		err = s.handler(st.ctx, call)
	case 0:
		err = grpcerr.Status(grpcerr.Internal, "no request message for %s", st.req.Method)
	default:
		err = grpcerr.Status(grpcerr.Internal, "%d request messages for %s, expected 1", len(st.msgs), st.req.Method)
	}

	if ferr := st.finish(err); ferr != nil && !errors.Is(ferr, errStreamFinished) {
		log.Debug("write status failed", zap.Error(ferr))
	}
}

// businessHandler is the innermost handler: it is wrapped by the middleware
// chain, so middlewares also see calls to unknown methods.
func (s *Server) businessHandler(ctx context.Context, call *middleware.Call) error {
	m, ok := s.def.Lookup(call.Method)
	if !ok {
		return grpcerr.Status(grpcerr.Unimplemented, "unknown method %s", call.Method)
	}
	return s.invoke(ctx, m, call)
}

// invoke runs the handler inside the recover boundary. A panic becomes a
// PanicError and the server keeps serving.
func (s *Server) invoke(ctx context.Context, m Method, call *middleware.Call) (err error) {
	defer func() {
		if r := recover(); r != nil {
			pe := grpcerr.Recovered(r)
			s.log.Error("handler panicked",
				zap.String("method", call.Method),
				zap.Any("panic", r),
				zap.ByteString("stack", pe.Stack),
			)
			err = pe
		}
	}()
	return m.handle(ctx, call.Payload, call.Send)
}

// beginCall admits a call unless the server is shutting down.
func (s *Server) beginCall() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.shutdown.Load() {
		return false
	}
	s.wg.Add(1)
	return true
}

func (s *Server) endCall() { s.wg.Done() }

func (s *Server) trackConn(sc *serverConn, add bool) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if add {
		if s.shutdown.Load() {
			return false
		}
		s.conns[sc] = struct{}{}
	} else {
		delete(s.conns, sc)
	}
	return true
}

// register adds every service name to the registry. On failure the names
// already added are removed again.
func (s *Server) register() error {
	reg := s.opts.registry
	if reg == nil {
		return nil
	}
	addr := s.opts.advertiseAddr
	if addr == "" {
		if a := s.Addr(); a != nil {
			addr = a.String()
		}
	}
	if addr == "" {
		return errors.New("server: registry needs an advertise address")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for _, name := range s.def.ServiceNames() {
		inst := registry.ServiceInstance{Addr: addr}
		if err := reg.Register(ctx, name, inst, s.opts.registryTTL); err != nil {
			s.deregister(ctx)
			return fmt.Errorf("register %s: %w", name, err)
		}
		s.mu.Lock()
		s.registered = append(s.registered, name)
		s.advertised = addr
		s.mu.Unlock()
		s.log.Info("service registered", zap.String("service", name), zap.String("addr", addr))
	}
	return nil
}

func (s *Server) deregister(ctx context.Context) {
	s.mu.Lock()
	names, addr := s.registered, s.advertised
	s.registered = nil
	s.mu.Unlock()
	for _, name := range names {
		if err := s.opts.registry.Deregister(ctx, name, addr); err != nil {
			s.log.Warn("deregister failed", zap.String("service", name), zap.Error(err))
		}
	}
}

// Shutdown performs graceful shutdown:
//  1. Deregister all services (clients stop discovering this server)
//  2. Set shutdown flag and close the listener (stop accepting)
//  3. Send GOAWAY on every connection (peers stop reusing them)
//  4. Wait for in-flight calls to finish, at most timeout
//  5. Close every connection
//
// A call counts as finished when its status is written. A handler that keeps
// running past that point, such as one abandoned by middleware.Timeout, is
// not waited for; its context is already canceled.
func (s *Server) Shutdown(timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	s.deregister(ctx)

	// Set the flag under mu: beginCall checks it under the same lock, so no
	// call is added to wg once Wait below may have started.
	s.mu.Lock()
	s.shutdown.Store(true)
	l := s.listener
	conns := make([]*serverConn, 0, len(s.conns))
	for sc := range s.conns {
		conns = append(conns, sc)
	}
	s.mu.Unlock()

	if l != nil {
		l.Close()
	}
	for _, sc := range conns {
		sc.goAway()
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	var err error
	select {
	case <-done:
	case <-ctx.Done():
		err = fmt.Errorf("timeout waiting for ongoing requests to finish")
	}

	for _, sc := range conns {
		sc.close()
	}
	s.log.Info("server stopped")
	return err
}
