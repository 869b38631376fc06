package client

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"go.uber.org/zap"

	"h2rpc/grpcerr"
	"h2rpc/message"
	"h2rpc/protocol"
	"h2rpc/transport"
)

var errAbandoned = errors.New("stream closed before it finished")

// clientStream is the client half of one call. Frames are read only when the
// caller asks for the next message, so a caller that stops pulling stops
// reading, and stops returning flow-control credit.
type clientStream struct {
	c      *Client
	ctx    context.Context
	conn   *transport.Conn
	id     uint32
	method string
	parser *message.Parser

	stop func() bool // unregisters the close-on-cancel hook

	headersSeen bool
	goAway      bool // the server will not accept new streams on conn
	pending     [][]byte
	done        bool
	err         error // io.EOF after an OK status
}

// newStream takes a connection from the pool and opens a stream on it.
func (c *Client) newStream(ctx context.Context, method string) (*clientStream, error) {
	if err := ctx.Err(); err != nil {
		return nil, canceled(err)
	}
	conn, err := c.pool.Get(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return nil, canceled(ctx.Err())
		}
		return nil, grpcerr.Transport(err)
	}
	id, err := conn.NewStreamID()
	if err != nil {
		conn.Close()
		return nil, grpcerr.Transport(err)
	}

	st := &clientStream{
		c:      c,
		ctx:    ctx,
		conn:   conn,
		id:     id,
		method: method,
		parser: message.NewParser(c.opts.maxRecvMsgSize),
	}
	// Closing the connection unblocks any read or write of this call.
	st.stop = context.AfterFunc(ctx, func() { conn.Close() })
	return st, nil
}

// sendRequest writes the request headers and the single request message.
func (st *clientStream) sendRequest(payload []byte) error {
	req := &message.Request{Method: st.method, Authority: st.c.opts.authority}
	if deadline, ok := st.ctx.Deadline(); ok {
		req.Timeout = time.Until(deadline)
		if req.Timeout <= 0 {
			return st.fail(canceled(context.DeadlineExceeded))
		}
	}
	if err := st.conn.WriteHeaders(st.id, req.HeaderFields(), false); err != nil {
		return st.fail(err)
	}
	if err := st.conn.WriteData(st.id, message.Encode(payload), true); err != nil {
		return st.fail(err)
	}
	return nil
}

// recvMsg returns the next response message. After the last one it returns
// io.EOF for an OK status or the status as *grpcerr.MessageError.
func (st *clientStream) recvMsg() ([]byte, error) {
	for {
		if len(st.pending) > 0 {
			msg := st.pending[0]
			st.pending = st.pending[1:]
			return msg, nil
		}
		if st.done {
			return nil, st.err
		}
		f, err := st.conn.ReadFrame()
		if err != nil {
			return nil, st.fail(err)
		}
		if err := st.handle(f); err != nil {
			return nil, st.fail(err)
		}
	}
}

func (st *clientStream) handle(f protocol.Frame) error {
	switch f := f.(type) {
	case *transport.MetaHeadersFrame:
		if f.StreamID != st.id {
			return fmt.Errorf("%w: HEADERS on unexpected stream %d", protocol.ErrInvalidFrame, f.StreamID)
		}
		return st.onHeaders(f)
	case *protocol.DataFrame:
		if err := st.conn.ReturnWindow(f.StreamID, int(f.Length)); err != nil {
			return err
		}
		if f.StreamID != st.id || !st.headersSeen {
			return fmt.Errorf("%w: unexpected DATA on stream %d", protocol.ErrInvalidFrame, f.StreamID)
		}
		st.parser.Feed(f.Data)
		for {
			msg, ok, err := st.parser.Next()
			if err != nil {
				return &grpcerr.OtherError{Msg: "read response", Err: err}
			}
			if !ok {
				break
			}
			st.pending = append(st.pending, msg)
		}
		if f.StreamEnded() {
			return fmt.Errorf("%w: stream %d ended without status", protocol.ErrInvalidFrame, st.id)
		}
	case *protocol.RSTStreamFrame:
		if f.StreamID == st.id {
			return protocol.StreamError{StreamID: f.StreamID, Code: f.ErrCode}
		}
	case *protocol.GoAwayFrame:
		if f.LastStreamID < st.id {
			return protocol.GoAwayError{LastStreamID: f.LastStreamID, Code: f.ErrCode, DebugData: string(f.DebugData)}
		}
		// This stream is still served; the connection is not reused after it.
		st.goAway = true
	case *protocol.SettingsFrame:
		if !f.IsAck() {
			return st.conn.WriteFrame(protocol.NewSettingsAck())
		}
	case *protocol.PingFrame:
		if !f.IsAck() {
			return st.conn.WriteFrame(protocol.NewPingFrame(f.Data, true))
		}
	}
	return nil
}

func (st *clientStream) onHeaders(f *transport.MetaHeadersFrame) error {
	if !st.headersSeen {
		st.headersSeen = true
		if err := message.CheckResponseHeaders(f.Fields); err != nil {
			return err
		}
	}
	code, msg, ok, err := message.ParseStatus(f.Fields)
	if err != nil {
		return fmt.Errorf("%w: %v", protocol.ErrInvalidFrame, err)
	}
	if !ok {
		if f.StreamEnded() {
			return fmt.Errorf("%w: stream %d ended without status", protocol.ErrInvalidFrame, st.id)
		}
		return nil // response headers; messages follow
	}
	if !f.StreamEnded() {
		return fmt.Errorf("%w: status on stream %d without END_STREAM", protocol.ErrInvalidFrame, st.id)
	}
	st.finish(code, msg)
	return nil
}

// finish records the status and hands the connection back: the stream is
// complete, so the connection is clean whatever the status says.
func (st *clientStream) finish(code grpcerr.Code, msg string) {
	st.done = true
	switch {
	case st.parser.Close() != nil:
		st.err = grpcerr.Other("response ended inside a message")
	case code == grpcerr.OK:
		st.err = io.EOF
	default:
		st.err = &grpcerr.MessageError{Code: code, Message: msg}
	}

	if !st.stop() {
		// The context already closed the connection.
		return
	}
	if st.goAway {
		st.conn.Close()
		return
	}
	st.c.pool.Put(st.conn)
}

// fail ends the call with err and closes the connection.
func (st *clientStream) fail(err error) error {
	if st.done {
		return st.err
	}
	st.done = true
	st.stop()
	st.conn.Close()

	var me *grpcerr.MessageError
	var oe *grpcerr.OtherError
	switch {
	case st.ctx.Err() != nil:
		// Errors caused by the close-on-cancel hook report the cancellation.
		st.err = canceled(st.ctx.Err())
	case errors.As(err, &me), errors.As(err, &oe):
		st.err = err
	default:
		st.err = grpcerr.Transport(err)
	}
	st.c.log.Debug("call failed", zap.String("method", st.method), zap.Uint32("stream", st.id), zap.Error(st.err))
	return st.err
}

// abandon stops a call the caller no longer wants. A finished call keeps its
// result; an unfinished one closes its connection.
func (st *clientStream) abandon() {
	if !st.done {
		st.fail(&grpcerr.OtherError{Msg: "call abandoned", Err: errAbandoned})
	}
}

func canceled(err error) error {
	return &grpcerr.OtherError{Msg: "call canceled", Err: err}
}
