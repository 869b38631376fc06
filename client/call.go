package client

import (
	"context"
	"errors"
	"io"
	"iter"

	"h2rpc/grpcerr"
	"h2rpc/method"
)

// CallUnary sends req and waits for the single response.
//
// Errors are *grpcerr.MessageError for a status sent by the server,
// *grpcerr.TransportError for I/O and protocol failures and
// *grpcerr.OtherError for local failures such as marshalling or
// cancellation.
func CallUnary[Req, Resp any](ctx context.Context, c *Client, desc *method.Descriptor[Req, Resp], req Req) (Resp, error) {
	var zero Resp
	if desc.Streaming != method.Unary {
		return zero, grpcerr.Other("%s is a %v method", desc.Name, desc.Streaming)
	}
	payload, err := desc.ReqMarshaller.Marshal(req)
	if err != nil {
		return zero, &grpcerr.OtherError{Msg: "encode request", Err: err}
	}

	st, err := c.newStream(ctx, desc.Name)
	if err != nil {
		return zero, err
	}
	if err := st.sendRequest(payload); err != nil {
		return zero, err
	}

	msg, err := st.recvMsg()
	if errors.Is(err, io.EOF) {
		return zero, grpcerr.Other("%s: no response message", desc.Name)
	}
	if err != nil {
		return zero, err
	}
	// Read up to the trailers so the connection is clean for the next call.
	if _, err := st.recvMsg(); !errors.Is(err, io.EOF) {
		if err == nil {
			st.abandon()
			return zero, grpcerr.Other("%s: more than one response message", desc.Name)
		}
		return zero, err
	}

	resp, err := desc.RespMarshaller.Unmarshal(msg)
	if err != nil {
		return zero, &grpcerr.OtherError{Msg: "decode response", Err: err}
	}
	return resp, nil
}

// Future is the pending result of GoUnary.
type Future[Resp any] struct {
	done   chan struct{}
	cancel context.CancelFunc
	resp   Resp
	err    error
}

// GoUnary starts CallUnary in the background.
func GoUnary[Req, Resp any](ctx context.Context, c *Client, desc *method.Descriptor[Req, Resp], req Req) *Future[Resp] {
	ctx, cancel := context.WithCancel(ctx)
	f := &Future[Resp]{done: make(chan struct{}), cancel: cancel}
	go func() {
		defer cancel()
		f.resp, f.err = CallUnary(ctx, c, desc, req)
		close(f.done)
	}()
	return f
}

// Done is closed once the result is available.
func (f *Future[Resp]) Done() <-chan struct{} { return f.done }

// Result waits for the call and returns its outcome.
func (f *Future[Resp]) Result() (Resp, error) {
	<-f.done
	return f.resp, f.err
}

// Cancel abandons the call; Result then reports the cancellation unless the
// call had already finished.
func (f *Future[Resp]) Cancel() { f.cancel() }

// Stream is the response side of a server-streaming call. It is not safe for
// concurrent use.
type Stream[Resp any] struct {
	st     *clientStream
	decode func([]byte) (Resp, error)
}

// CallServerStreaming sends req and returns the stream of responses. Nothing
// is read from the connection until Recv is called.
func CallServerStreaming[Req, Resp any](ctx context.Context, c *Client, desc *method.Descriptor[Req, Resp], req Req) (*Stream[Resp], error) {
	if desc.Streaming != method.ServerStreaming {
		return nil, grpcerr.Other("%s is a %v method", desc.Name, desc.Streaming)
	}
	payload, err := desc.ReqMarshaller.Marshal(req)
	if err != nil {
		return nil, &grpcerr.OtherError{Msg: "encode request", Err: err}
	}

	st, err := c.newStream(ctx, desc.Name)
	if err != nil {
		return nil, err
	}
	if err := st.sendRequest(payload); err != nil {
		return nil, err
	}
	return &Stream[Resp]{st: st, decode: desc.RespMarshaller.Unmarshal}, nil
}

// Recv reads exactly one response. It returns io.EOF after the server ended
// the stream with an OK status.
func (s *Stream[Resp]) Recv() (Resp, error) {
	var zero Resp
	msg, err := s.st.recvMsg()
	if err != nil {
		return zero, err
	}
	resp, err := s.decode(msg)
	if err != nil {
		return zero, s.st.fail(&grpcerr.OtherError{Msg: "decode response", Err: err})
	}
	return resp, nil
}

// All ranges over the remaining responses. A failure is yielded once as the
// last element; breaking out of the loop closes the stream.
func (s *Stream[Resp]) All() iter.Seq2[Resp, error] {
	return func(yield func(Resp, error) bool) {
		for {
			resp, err := s.Recv()
			if errors.Is(err, io.EOF) {
				return
			}
			if err != nil {
				yield(resp, err)
				return
			}
			if !yield(resp, nil) {
				s.Close()
				return
			}
		}
	}
}

// Close abandons the stream. An unfinished stream closes its connection,
// which cancels the call on the server.
func (s *Stream[Resp]) Close() error {
	s.st.abandon()
	return nil
}
