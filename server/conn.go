package server

import (
	"context"
	"errors"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"h2rpc/grpcerr"
	"h2rpc/message"
	"h2rpc/protocol"
	"h2rpc/transport"
)

// serverConn is one accepted connection. A single goroutine runs readLoop and
// routes frames by stream id; every complete request is dispatched in its own
// goroutine:
//
//	readLoop ──HEADERS──→ new stream
//	         ──DATA─────→ stream.parser ──END_STREAM──→ go dispatch
//	         ──RST──────→ stream.abort
//	         ──PING / SETTINGS──→ ACK
type serverConn struct {
	srv    *Server
	conn   *transport.Conn
	log    *zap.Logger
	ctx    context.Context // canceled when the connection is gone
	cancel context.CancelFunc

	mu      sync.Mutex
	streams map[uint32]*serverStream

	lastStreamID atomic.Uint32 // highest stream id the peer opened
	calls        sync.WaitGroup
}

// serveConn runs the handshake on nc and then serves it until the peer goes
// away or the server shuts down.
func (s *Server) serveConn(nc net.Conn) {
	log := s.opts.logger.With(zap.String("conn", uuid.NewString()), zap.Stringer("remote", nc.RemoteAddr()))

	if s.opts.handshakeTimeout > 0 {
		nc.SetDeadline(time.Now().Add(s.opts.handshakeTimeout))
	}
	conn, err := transport.Server(nc)
	if err != nil {
		log.Debug("handshake failed", zap.Error(err))
		return
	}
	nc.SetDeadline(time.Time{})

	ctx, cancel := context.WithCancel(context.Background())
	sc := &serverConn{
		srv:     s,
		conn:    conn,
		log:     log,
		ctx:     ctx,
		cancel:  cancel,
		streams: make(map[uint32]*serverStream),
	}
	if !s.trackConn(sc, true) {
		conn.Close()
		cancel()
		return
	}
	defer s.trackConn(sc, false)

	log.Debug("connection established")
	sc.readLoop()

	// Wake every call still running on this connection and wait for them so
	// nothing writes to a closed connection afterwards.
	cancel()
	sc.calls.Wait()
	conn.Close()
	log.Debug("connection closed")
}

func (sc *serverConn) readLoop() {
	for {
		f, err := sc.conn.ReadFrame()
		if err != nil {
			if errors.Is(err, protocol.ErrInvalidFrame) || errors.Is(err, protocol.ErrFrameTooLarge) {
				sc.log.Warn("protocol error", zap.Error(err))
				sc.writeFrame(protocol.NewGoAwayFrame(sc.lastStreamID.Load(), protocol.ErrCodeProtocol, []byte(err.Error())))
			} else if !errors.Is(err, io.EOF) && !errors.Is(err, net.ErrClosed) {
				sc.log.Debug("read failed", zap.Error(err))
			}
			return
		}

		switch f := f.(type) {
		case *transport.MetaHeadersFrame:
			if err := sc.onHeaders(f); err != nil {
				sc.log.Warn("protocol error", zap.Error(err))
				sc.writeFrame(protocol.NewGoAwayFrame(sc.lastStreamID.Load(), protocol.ErrCodeProtocol, []byte(err.Error())))
				return
			}
		case *protocol.DataFrame:
			sc.onData(f)
		case *protocol.RSTStreamFrame:
			if st := sc.stream(f.StreamID); st != nil {
				sc.log.Debug("stream reset by peer", zap.Uint32("stream", f.StreamID), zap.Stringer("code", f.ErrCode))
				st.abort()
			}
		case *protocol.SettingsFrame:
			if !f.IsAck() {
				sc.writeFrame(protocol.NewSettingsAck())
			}
		case *protocol.PingFrame:
			if !f.IsAck() {
				sc.writeFrame(protocol.NewPingFrame(f.Data, true))
			}
		case *protocol.GoAwayFrame:
			// The peer opens no new streams; running calls finish normally.
			sc.log.Debug("peer sent GOAWAY", zap.Stringer("code", f.ErrCode))
		default:
			// WINDOW_UPDATE, PRIORITY and unknown frames carry nothing a
			// call depends on.
		}
	}
}

// onHeaders opens a stream. Errors it returns are connection errors.
func (sc *serverConn) onHeaders(f *transport.MetaHeadersFrame) error {
	id := f.StreamID
	if st := sc.stream(id); st != nil {
		// Request trailers are not part of any supported call shape.
		st.abort()
		return refuse(sc.conn, id, protocol.ErrCodeProtocol)
	}
	if id%2 == 0 || id <= sc.lastStreamID.Load() {
		return protocol.StreamError{StreamID: id, Code: protocol.ErrCodeProtocol}
	}
	sc.lastStreamID.Store(id)

	req, err := message.ParseRequest(f.Fields)
	if err != nil {
		sc.log.Debug("bad request headers", zap.Uint32("stream", id), zap.Error(err))
		return refuse(sc.conn, id, protocol.ErrCodeProtocol)
	}

	var (
		ctx    context.Context
		cancel context.CancelFunc
	)
	if req.Timeout > 0 {
		ctx, cancel = context.WithTimeout(sc.ctx, req.Timeout)
	} else {
		ctx, cancel = context.WithCancel(sc.ctx)
	}
	st := &serverStream{
		id:     id,
		conn:   sc.conn,
		req:    req,
		ctx:    ctx,
		cancel: cancel,
		parser: message.NewParser(sc.srv.opts.maxRecvMsgSize),
	}
	sc.mu.Lock()
	sc.streams[id] = st
	sc.mu.Unlock()

	if f.StreamEnded() {
		sc.halfClose(st)
	}
	return nil
}

func (sc *serverConn) onData(f *protocol.DataFrame) {
	// Flow-control credit covers the whole frame, padding included.
	if err := sc.conn.ReturnWindow(f.StreamID, int(f.Length)); err != nil {
		sc.log.Debug("window update failed", zap.Uint32("stream", f.StreamID), zap.Error(err))
	}

	st := sc.stream(f.StreamID)
	if st == nil || st.halfClosed {
		sc.writeFrame(protocol.NewRSTStreamFrame(f.StreamID, protocol.ErrCodeStreamClosed))
		return
	}
	st.parser.Feed(f.Data)
	for {
		payload, ok, err := st.parser.Next()
		if err != nil {
			st.halfClosed = true
			sc.finishEarly(st, requestError(err))
			return
		}
		if !ok {
			break
		}
		st.msgs = append(st.msgs, payload)
	}
	if f.StreamEnded() {
		sc.halfClose(st)
	}
}

// halfClose marks the end of the request and dispatches the call.
func (sc *serverConn) halfClose(st *serverStream) {
	st.halfClosed = true
	if err := st.parser.Close(); err != nil {
		sc.finishEarly(st, requestError(err))
		return
	}
	if !sc.srv.beginCall() {
		sc.finishEarly(st, grpcerr.Status(grpcerr.Unavailable, "server is shutting down"))
		return
	}
	sc.calls.Add(1)
	go func() {
		defer sc.srv.endCall()
		defer sc.calls.Done()
		defer sc.remove(st.id)
		sc.srv.dispatch(sc, st)
	}()
}

// finishEarly ends a call that never reached dispatch.
func (sc *serverConn) finishEarly(st *serverStream, err error) {
	st.finish(err)
	sc.remove(st.id)
}

func requestError(err error) error {
	if errors.Is(err, message.ErrTooLarge) {
		return grpcerr.Status(grpcerr.ResourceExhausted, "%v", err)
	}
	return grpcerr.Status(grpcerr.Internal, "%v", err)
}

func (sc *serverConn) stream(id uint32) *serverStream {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	return sc.streams[id]
}

func (sc *serverConn) remove(id uint32) {
	sc.mu.Lock()
	delete(sc.streams, id)
	sc.mu.Unlock()
}

// goAway tells the peer that no stream after the last one seen will be
// processed.
func (sc *serverConn) goAway() {
	sc.writeFrame(protocol.NewGoAwayFrame(sc.lastStreamID.Load(), protocol.ErrCodeNo, nil))
}

// writeFrame writes a connection-level frame. A failed write is sticky, so
// the next read or call on the connection reports it.
func (sc *serverConn) writeFrame(f protocol.Frame) {
	if err := sc.conn.WriteFrame(f); err != nil {
		sc.log.Debug("write frame failed", zap.Stringer("type", f.Header().Type), zap.Error(err))
	}
}

// close cancels every call on the connection and closes it; readLoop then
// fails and serveConn cleans up.
func (sc *serverConn) close() {
	sc.cancel()
	sc.conn.Close()
}
