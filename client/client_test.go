package client

import (
	"context"
	"errors"
	"fmt"
	"io"
	"iter"
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"golang.org/x/sync/errgroup"

	"h2rpc/codec"
	"h2rpc/grpcerr"
	"h2rpc/method"
	"h2rpc/registry"
	"h2rpc/server"
)

var (
	unaryDesc  = method.New("/text/Unary", method.Unary, codec.String{}, codec.String{})
	errorDesc  = method.New("/text/Error", method.Unary, codec.String{}, codec.String{})
	panicDesc  = method.New("/text/Panic", method.Unary, codec.String{}, codec.String{})
	streamDesc = method.New("/text/ServerStreaming", method.ServerStreaming, codec.String{}, codec.String{})
)

func textMethods() []server.Method {
	return []server.Method{
		server.NewUnaryMethod(unaryDesc, func(ctx context.Context, req string) (string, error) {
			return req, nil
		}),
		server.NewUnaryMethod(errorDesc, func(ctx context.Context, req string) (string, error) {
			return "", errors.New("my error")
		}),
		server.NewUnaryMethod(panicDesc, func(ctx context.Context, req string) (string, error) {
			panic("icnap")
		}),
		server.NewServerStreamingMethod(streamDesc, func(ctx context.Context, req string) iter.Seq2[string, error] {
			return func(yield func(string, error) bool) {
				for i := range 3 {
					if !yield(fmt.Sprintf("%s%d", req, i), nil) {
						return
					}
				}
			}
		}),
	}
}

// countingListener counts accepted connections.
type countingListener struct {
	net.Listener
	accepted atomic.Int32
}

func (l *countingListener) Accept() (net.Conn, error) {
	c, err := l.Listener.Accept()
	if err == nil {
		l.accepted.Add(1)
	}
	return c, err
}

// startServer serves methods on a loopback listener that counts accepted
// connections.
func startServer(t testing.TB, methods ...server.Method) *countingListener {
	t.Helper()
	def, err := server.NewServiceDefinition(methods...)
	if err != nil {
		t.Fatal(err)
	}
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	cl := &countingListener{Listener: l}
	svr := server.New(def)
	go svr.Serve(cl)
	t.Cleanup(func() {
		svr.Shutdown(3 * time.Second)
		cl.Close()
	})
	return cl
}

func newClient(t testing.TB, l net.Listener, opts ...Option) *Client {
	t.Helper()
	c := New(l.Addr().String(), opts...)
	t.Cleanup(func() { c.Close() })
	return c
}

func testContext(t testing.TB) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func expectStatus(t *testing.T, err error, code grpcerr.Code) *grpcerr.MessageError {
	t.Helper()
	var me *grpcerr.MessageError
	if !errors.As(err, &me) {
		t.Fatalf("expected *grpcerr.MessageError, got %T: %v", err, err)
	}
	if me.Code != code {
		t.Fatalf("expected code %v, got %v (%s)", code, me.Code, me.Message)
	}
	return me
}

func TestUnary(t *testing.T) {
	l := startServer(t, textMethods()...)
	c := newClient(t, l)

	resp, err := CallUnary(testContext(t), c, unaryDesc, "aa")
	if err != nil {
		t.Fatal(err)
	}
	if resp != "aa" {
		t.Fatalf("expect 'aa', got %q", resp)
	}
}

func TestUnaryError(t *testing.T) {
	l := startServer(t, textMethods()...)
	c := newClient(t, l)

	_, err := CallUnary(testContext(t), c, errorDesc, "a")
	me := expectStatus(t, err, grpcerr.Unknown)
	if me.Message != "my error" {
		t.Fatalf("expect 'my error', got %q", me.Message)
	}
}

func TestUnaryStatus(t *testing.T) {
	desc := method.New("/text/Find", method.Unary, codec.String{}, codec.String{})
	l := startServer(t, server.NewUnaryMethod(desc, func(ctx context.Context, req string) (string, error) {
		return "", grpcerr.Status(grpcerr.NotFound, "no row %q: 100%% gone", req)
	}))
	c := newClient(t, l)

	_, err := CallUnary(testContext(t), c, desc, "kéy")
	me := expectStatus(t, err, grpcerr.NotFound)
	if me.Message != "no row \"kéy\": 100% gone" {
		t.Fatalf("status message not carried verbatim: %q", me.Message)
	}
}

func TestPanic(t *testing.T) {
	l := startServer(t, textMethods()...)
	c := newClient(t, l)
	ctx := testContext(t)

	_, err := CallUnary(ctx, c, panicDesc, "a")
	me := expectStatus(t, err, grpcerr.Internal)
	if !strings.Contains(me.Message, "Panic") || !strings.Contains(me.Message, "icnap") {
		t.Fatalf("expect panic value in message, got %q", me.Message)
	}

	// The server survives the panic.
	if resp, err := CallUnary(ctx, c, unaryDesc, "b"); err != nil || resp != "b" {
		t.Fatalf("call after panic: %q %v", resp, err)
	}
}

func TestServerStreaming(t *testing.T) {
	l := startServer(t, textMethods()...)
	c := newClient(t, l)

	stream, err := CallServerStreaming(testContext(t), c, streamDesc, "x")
	if err != nil {
		t.Fatal(err)
	}
	for _, want := range []string{"x0", "x1", "x2"} {
		got, err := stream.Recv()
		if err != nil {
			t.Fatalf("Recv: %v", err)
		}
		if got != want {
			t.Fatalf("expect %q, got %q", want, got)
		}
	}
	if _, err := stream.Recv(); !errors.Is(err, io.EOF) {
		t.Fatalf("expect io.EOF at end of stream, got %v", err)
	}
	if _, err := stream.Recv(); !errors.Is(err, io.EOF) {
		t.Fatalf("Recv after the end must keep returning io.EOF, got %v", err)
	}
}

func TestServerStreamingAll(t *testing.T) {
	l := startServer(t, textMethods()...)
	c := newClient(t, l)

	stream, err := CallServerStreaming(testContext(t), c, streamDesc, "y")
	if err != nil {
		t.Fatal(err)
	}
	var got []string
	for resp, err := range stream.All() {
		if err != nil {
			t.Fatal(err)
		}
		got = append(got, resp)
	}
	if strings.Join(got, ",") != "y0,y1,y2" {
		t.Fatalf("unexpected items %v", got)
	}
}

func TestServerStreamingError(t *testing.T) {
	desc := method.New("/text/Fails", method.ServerStreaming, codec.String{}, codec.String{})
	l := startServer(t, server.NewServerStreamingMethod(desc, func(ctx context.Context, req string) iter.Seq2[string, error] {
		return func(yield func(string, error) bool) {
			if !yield("first", nil) {
				return
			}
			yield("", grpcerr.Status(grpcerr.Aborted, "stopped"))
		}
	}))
	c := newClient(t, l)

	stream, err := CallServerStreaming(testContext(t), c, desc, "")
	if err != nil {
		t.Fatal(err)
	}
	if got, err := stream.Recv(); err != nil || got != "first" {
		t.Fatalf("first item: %q %v", got, err)
	}
	_, err = stream.Recv()
	expectStatus(t, err, grpcerr.Aborted)
}

// The server produces an item only after the consumer asked for it.
func TestServerStreamingBackpressure(t *testing.T) {
	desc := method.New("/text/Gated", method.ServerStreaming, codec.String{}, codec.String{})
	gate := make(chan struct{})
	var produced atomic.Int32
	l := startServer(t, server.NewServerStreamingMethod(desc, func(ctx context.Context, req string) iter.Seq2[string, error] {
		return func(yield func(string, error) bool) {
			for i := range 3 {
				select {
				case <-gate:
				case <-ctx.Done():
					return
				}
				produced.Add(1)
				if !yield(fmt.Sprintf("%s%d", req, i), nil) {
					return
				}
			}
		}
	}))
	c := newClient(t, l)

	stream, err := CallServerStreaming(testContext(t), c, desc, "x")
	if err != nil {
		t.Fatal(err)
	}
	for i := range 3 {
		gate <- struct{}{}
		got, err := stream.Recv()
		if err != nil {
			t.Fatalf("Recv %d: %v", i, err)
		}
		if want := fmt.Sprintf("x%d", i); got != want {
			t.Fatalf("expect %q, got %q", want, got)
		}
		if n := produced.Load(); n != int32(i+1) {
			t.Fatalf("after %d items the server produced %d", i+1, n)
		}
	}
	if _, err := stream.Recv(); !errors.Is(err, io.EOF) {
		t.Fatalf("expect io.EOF, got %v", err)
	}
}

func TestMethodNotFound(t *testing.T) {
	accepted := startServer(t, textMethods()...)
	c := newClient(t, accepted)
	ctx := testContext(t)

	missing := method.New("/text/Missing", method.Unary, codec.String{}, codec.String{})
	_, err := CallUnary(ctx, c, missing, "a")
	me := expectStatus(t, err, grpcerr.Unimplemented)
	if !strings.Contains(me.Message, "/text/Missing") {
		t.Fatalf("expect method name in message, got %q", me.Message)
	}

	// The server keeps serving, on the same connection.
	if resp, err := CallUnary(ctx, c, unaryDesc, "c"); err != nil || resp != "c" {
		t.Fatalf("call after unknown method: %q %v", resp, err)
	}
	if n := accepted.accepted.Load(); n != 1 {
		t.Fatalf("expect 1 connection, got %d", n)
	}
}

func TestConnectionReuse(t *testing.T) {
	accepted := startServer(t, textMethods()...)
	c := newClient(t, accepted)
	ctx := testContext(t)

	for i := range 3 {
		if _, err := CallUnary(ctx, c, unaryDesc, "a"); err != nil {
			t.Fatalf("call %d: %v", i, err)
		}
	}
	stream, err := CallServerStreaming(ctx, c, streamDesc, "x")
	if err != nil {
		t.Fatal(err)
	}
	for _, err := range stream.All() {
		if err != nil {
			t.Fatal(err)
		}
	}
	if n := accepted.accepted.Load(); n != 1 {
		t.Fatalf("sequential calls should share one connection, got %d", n)
	}
	if c.pool.Idle() != 1 {
		t.Fatalf("expect the connection back in the pool")
	}
}

func TestServerRestart(t *testing.T) {
	def, err := server.NewServiceDefinition(textMethods()...)
	if err != nil {
		t.Fatal(err)
	}
	first, err := server.Start("127.0.0.1:0", def)
	if err != nil {
		t.Fatal(err)
	}
	addr := first.Addr().String()
	c := New(addr)
	defer c.Close()
	ctx := testContext(t)

	if _, err := CallUnary(ctx, c, unaryDesc, "a"); err != nil {
		t.Fatal(err)
	}
	if err := first.Shutdown(3 * time.Second); err != nil {
		t.Fatal(err)
	}

	second, err := server.Start(addr, def)
	if err != nil {
		t.Fatal(err)
	}
	defer second.Shutdown(3 * time.Second)

	// The pooled connection was closed by the first server; the call dials anew.
	if resp, err := CallUnary(ctx, c, unaryDesc, "b"); err != nil || resp != "b" {
		t.Fatalf("call after restart: %q %v", resp, err)
	}
}

func TestConcurrentCalls(t *testing.T) {
	l := startServer(t, textMethods()...)
	c := newClient(t, l, WithMaxIdleConns(4))

	g, ctx := errgroup.WithContext(testContext(t))
	for i := range 20 {
		g.Go(func() error {
			req := fmt.Sprint(i)
			resp, err := CallUnary(ctx, c, unaryDesc, req)
			if err != nil {
				return err
			}
			if resp != req {
				return fmt.Errorf("call %d: got %q", i, resp)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		t.Fatal(err)
	}
}

func TestGoUnary(t *testing.T) {
	l := startServer(t, textMethods()...)
	c := newClient(t, l)

	f := GoUnary(testContext(t), c, unaryDesc, "b")
	select {
	case <-f.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("future never completed")
	}
	resp, err := f.Result()
	if err != nil || resp != "b" {
		t.Fatalf("got %q %v", resp, err)
	}
}

func TestGoUnaryCancel(t *testing.T) {
	desc := method.New("/text/Block", method.Unary, codec.String{}, codec.String{})
	l := startServer(t, server.NewUnaryMethod(desc, func(ctx context.Context, req string) (string, error) {
		<-ctx.Done()
		return "", ctx.Err()
	}))
	c := newClient(t, l)

	f := GoUnary(testContext(t), c, desc, "")
	f.Cancel()
	_, err := f.Result()
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expect cancellation, got %v", err)
	}
}

func TestContextCancel(t *testing.T) {
	desc := method.New("/text/Block", method.Unary, codec.String{}, codec.String{})
	stopped := make(chan error, 1)
	l := startServer(t, server.NewUnaryMethod(desc, func(ctx context.Context, req string) (string, error) {
		<-ctx.Done()
		stopped <- ctx.Err()
		return "", ctx.Err()
	}))
	c := newClient(t, l)

	ctx, cancel := context.WithCancel(testContext(t))
	time.AfterFunc(50*time.Millisecond, cancel)
	_, err := CallUnary(ctx, c, desc, "")
	var oe *grpcerr.OtherError
	if !errors.As(err, &oe) || !errors.Is(err, context.Canceled) {
		t.Fatalf("expect local cancellation error, got %T: %v", err, err)
	}

	// Closing the connection cancels the call on the server.
	select {
	case <-stopped:
	case <-time.After(5 * time.Second):
		t.Fatal("server handler was not canceled")
	}
	if c.pool.Idle() != 0 {
		t.Fatalf("a canceled call must not return its connection")
	}
}

func TestDeadlinePropagation(t *testing.T) {
	desc := method.New("/text/Deadline", method.Unary, codec.String{}, codec.String{})
	l := startServer(t, server.NewUnaryMethod(desc, func(ctx context.Context, req string) (string, error) {
		deadline, ok := ctx.Deadline()
		if !ok {
			return "none", nil
		}
		if time.Until(deadline) > time.Second {
			return "too late", nil
		}
		return "set", nil
	}))
	c := newClient(t, l)

	ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer cancel()
	resp, err := CallUnary(ctx, c, desc, "")
	if err != nil {
		t.Fatal(err)
	}
	if resp != "set" {
		t.Fatalf("expect the deadline to reach the handler, got %q", resp)
	}
}

func TestServerDeadlineExceeded(t *testing.T) {
	desc := method.New("/text/Slow", method.Unary, codec.String{}, codec.String{})
	l := startServer(t, server.NewUnaryMethod(desc, func(ctx context.Context, req string) (string, error) {
		<-ctx.Done()
		return "", ctx.Err()
	}))
	c := newClient(t, l)

	// The server's copy of the deadline fires first and reports it; the
	// client may also observe its own deadline, whichever comes first.
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	_, err := CallUnary(ctx, c, desc, "")
	if grpcerr.CodeOf(err) != grpcerr.DeadlineExceeded {
		t.Fatalf("expect DeadlineExceeded, got %v", err)
	}
}

func TestStreamCloseCancelsServer(t *testing.T) {
	desc := method.New("/text/Endless", method.ServerStreaming, codec.String{}, codec.String{})
	stopped := make(chan struct{})
	accepted := startServer(t, server.NewServerStreamingMethod(desc, func(ctx context.Context, req string) iter.Seq2[string, error] {
		return func(yield func(string, error) bool) {
			defer close(stopped)
			for i := 0; ; i++ {
				if !yield(fmt.Sprint(i), nil) {
					return
				}
			}
		}
	}))
	c := newClient(t, accepted)
	ctx := testContext(t)

	stream, err := CallServerStreaming(ctx, c, desc, "")
	if err != nil {
		t.Fatal(err)
	}
	if got, err := stream.Recv(); err != nil || got != "0" {
		t.Fatalf("first item: %q %v", got, err)
	}
	stream.Close()

	select {
	case <-stopped:
	case <-time.After(5 * time.Second):
		t.Fatal("server kept producing after the stream was closed")
	}

	// The abandoned connection is not reused.
	if _, err := CallUnary(ctx, c, unaryDesc, "a"); err == nil {
		t.Fatal("expect Unimplemented, the server only has /text/Endless")
	}
	if n := accepted.accepted.Load(); n != 2 {
		t.Fatalf("expect a fresh connection after abandoning a stream, got %d", n)
	}
}

func TestServerNotRunning(t *testing.T) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	addr := l.Addr().String()
	l.Close()

	c := New(addr, WithDialTimeout(time.Second))
	defer c.Close()
	_, err = CallUnary(testContext(t), c, unaryDesc, "a")
	var te *grpcerr.TransportError
	if !errors.As(err, &te) {
		t.Fatalf("expect *grpcerr.TransportError, got %T: %v", err, err)
	}
}

func TestWrongCallShape(t *testing.T) {
	c := New("127.0.0.1:1")
	defer c.Close()

	var oe *grpcerr.OtherError
	if _, err := CallUnary(testContext(t), c, streamDesc, "a"); !errors.As(err, &oe) {
		t.Fatalf("expect *grpcerr.OtherError, got %v", err)
	}
	if _, err := CallServerStreaming(testContext(t), c, unaryDesc, "a"); !errors.As(err, &oe) {
		t.Fatalf("expect *grpcerr.OtherError, got %v", err)
	}
}

func TestDecodeFailure(t *testing.T) {
	rawDesc := method.New("/text/Unary", method.Unary, codec.String{}, codec.Bytes{})
	l := startServer(t, server.NewUnaryMethod(rawDesc, func(ctx context.Context, req string) ([]byte, error) {
		return []byte("not json"), nil
	}))
	c := newClient(t, l)

	type reply struct{ Result int }
	desc := method.New("/text/Unary", method.Unary, codec.String{}, codec.JSON[reply]{})
	_, err := CallUnary(testContext(t), c, desc, "a")
	var oe *grpcerr.OtherError
	if !errors.As(err, &oe) || !errors.Is(err, codec.ErrDecode) {
		t.Fatalf("expect local decode error, got %T: %v", err, err)
	}
}

// memRegistry keeps instances in memory.
type memRegistry struct {
	mu        sync.Mutex
	instances map[string][]registry.ServiceInstance
}

func newMemRegistry() *memRegistry {
	return &memRegistry{instances: make(map[string][]registry.ServiceInstance)}
}

func (m *memRegistry) Register(ctx context.Context, serviceName string, inst registry.ServiceInstance, ttl int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.instances[serviceName] = append(m.instances[serviceName], inst)
	return nil
}

func (m *memRegistry) Deregister(ctx context.Context, serviceName string, addr string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	insts := m.instances[serviceName]
	for i, inst := range insts {
		if inst.Addr == addr {
			m.instances[serviceName] = append(insts[:i], insts[i+1:]...)
			break
		}
	}
	return nil
}

func (m *memRegistry) Discover(ctx context.Context, serviceName string) ([]registry.ServiceInstance, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]registry.ServiceInstance(nil), m.instances[serviceName]...), nil
}

func (m *memRegistry) Watch(ctx context.Context, serviceName string) <-chan []registry.ServiceInstance {
	return nil
}

func TestNewFromRegistry(t *testing.T) {
	reg := newMemRegistry()
	def, err := server.NewServiceDefinition(textMethods()...)
	if err != nil {
		t.Fatal(err)
	}
	svr, err := server.Start("127.0.0.1:0", def, server.WithRegistry(reg, ""))
	if err != nil {
		t.Fatal(err)
	}
	ctx := testContext(t)

	c, err := NewFromRegistry(ctx, reg, "text")
	if err != nil {
		t.Fatal(err)
	}
	defer c.Close()
	if c.Address() != svr.Addr().String() {
		t.Fatalf("discovered %s, server is on %s", c.Address(), svr.Addr())
	}
	if resp, err := CallUnary(ctx, c, unaryDesc, "r"); err != nil || resp != "r" {
		t.Fatalf("got %q %v", resp, err)
	}

	if err := svr.Shutdown(3 * time.Second); err != nil {
		t.Fatal(err)
	}
	if _, err := NewFromRegistry(ctx, reg, "text"); err == nil {
		t.Fatal("expect no instances after Shutdown")
	}
}
