package server

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"h2rpc/grpcerr"
	"h2rpc/message"
	"h2rpc/protocol"
	"h2rpc/transport"
)

var errStreamFinished = errors.New("server: stream already finished")

// serverStream is one call on a connection. The connection's reader fills
// msgs until the request half closes; afterwards only the dispatch goroutine
// touches the stream, and every write goes through mu.
type serverStream struct {
	id     uint32
	conn   *transport.Conn
	req    *message.Request
	ctx    context.Context
	cancel context.CancelFunc

	// Owned by the connection reader.
	parser     *message.Parser
	msgs       [][]byte
	halfClosed bool

	// Set by the reader when the peer sends RST_STREAM; nothing more may be
	// written. Not guarded by mu: a writer may hold mu while blocked on the
	// socket.
	reset atomic.Bool

	mu          sync.Mutex
	headersSent bool
	finished    bool
}

// send writes one encoded response message, preceded by the response
// headers on the first call.
func (st *serverStream) send(payload []byte) error {
	st.mu.Lock()
	defer st.mu.Unlock()
	if st.finished || st.reset.Load() {
		return errStreamFinished
	}
	if err := st.ctx.Err(); err != nil {
		return err
	}
	if !st.headersSent {
		if err := st.conn.WriteHeaders(st.id, message.ResponseHeaderFields(), false); err != nil {
			return err
		}
		st.headersSent = true
	}
	return st.conn.WriteData(st.id, message.Encode(payload), false)
}

// finish ends the call with the status derived from err. A call that never
// sent a message gets a trailers-only response.
func (st *serverStream) finish(err error) error {
	st.mu.Lock()
	defer st.mu.Unlock()
	if st.finished {
		return errStreamFinished
	}
	st.finished = true
	defer st.cancel()
	if st.reset.Load() {
		return nil
	}

	code, msg := grpcerr.FromError(err)
	if !st.headersSent {
		return st.conn.WriteHeaders(st.id, message.TrailersOnlyFields(code, msg), true)
	}
	return st.conn.WriteHeaders(st.id, message.TrailerFields(code, msg), true)
}

// abort is called by the reader when the peer resets the stream.
func (st *serverStream) abort() {
	st.reset.Store(true)
	st.cancel()
}

// refuse resets a stream the server will not process.
func refuse(conn *transport.Conn, id uint32, code protocol.ErrCode) error {
	return conn.WriteFrame(protocol.NewRSTStreamFrame(id, code))
}
