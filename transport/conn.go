// Package transport implements the connection handle: an HTTP/2 connection
// that has completed its handshake and can carry RPC streams.
//
// A Conn has exactly one reader. Writes are serialized by a write lock so
// that the frames of one header block, and the hpack state that produced
// them, are never interleaved with another writer's frames:
//
//	goroutine-1 ──WriteHeaders(stream 1)──┐
//	goroutine-2 ──WriteData(stream 3)─────┼──→ wmu ──→ single TCP conn
//	goroutine-3 ──WriteFrame(PING ACK)────┘
//
//	reader:     ←── ReadFrame (CONTINUATION merged, header block decoded)
package transport

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"golang.org/x/net/http2/hpack"

	"h2rpc/protocol"
)

const (
	// How long an idle connection is read before reuse.
	idleCheckTimeout = time.Millisecond

	// Size of the hpack dynamic table both sides start with.
	headerTableSize = 4096

	// Largest decoded header list accepted from the peer.
	maxHeaderListSize = 64 << 10

	maxStreamID = 1<<31 - 1
)

// ErrStreamIDsExhausted is returned once a client connection has used every
// odd stream id; the caller must open a new connection.
var ErrStreamIDsExhausted = errors.New("transport: stream ids exhausted")

// MetaHeadersFrame is a HEADERS frame together with its CONTINUATION frames,
// with the header block already decoded.
type MetaHeadersFrame struct {
	*protocol.HeadersFrame
	Fields []hpack.HeaderField
}

// Conn is an HTTP/2 connection after a successful handshake.
type Conn struct {
	nc net.Conn
	br *bufio.Reader

	// Reader state, owned by the single reader.
	hdec         *hpack.Decoder
	maxReadFrame uint32

	// Writer state, guarded by wmu.
	wmu           sync.Mutex
	bw            *bufio.Writer
	henc          *hpack.Encoder
	hbuf          bytes.Buffer
	maxWriteFrame uint32
	werr          error // sticky: once a write fails, every later write fails

	nextStreamID uint32 // next id a client opens: 1, 3, 5, ...

	closeOnce sync.Once
	closeErr  error
}

func newConn(nc net.Conn) *Conn {
	c := &Conn{
		nc:            nc,
		br:            bufio.NewReader(nc),
		bw:            bufio.NewWriter(nc),
		maxReadFrame:  protocol.DefaultMaxFrameSize,
		maxWriteFrame: protocol.DefaultMaxFrameSize,
		nextStreamID:  1,
	}
	c.henc = hpack.NewEncoder(&c.hbuf)
	c.hdec = hpack.NewDecoder(headerTableSize, nil)
	c.hdec.SetMaxStringLength(maxHeaderListSize)
	return c
}

// handshakeRW reads through the connection's buffered reader and writes
// straight to the socket, so nothing written during the handshake is left
// sitting in a buffer.
type handshakeRW struct {
	io.Reader
	io.Writer
}

// Client runs the initiator handshake on an already-connected stream.
// On failure the connection is closed.
func Client(nc net.Conn) (*Conn, error) {
	c := newConn(nc)
	if err := protocol.ClientHandshake(handshakeRW{c.br, nc}); err != nil {
		nc.Close()
		return nil, fmt.Errorf("client handshake: %w", err)
	}
	return c, nil
}

// Server runs the acceptor handshake on an accepted stream.
// On failure the connection is closed; a peer that sent a bad preface gets
// no response.
func Server(nc net.Conn) (*Conn, error) {
	c := newConn(nc)
	if err := protocol.ServerHandshake(handshakeRW{c.br, nc}); err != nil {
		nc.Close()
		return nil, fmt.Errorf("server handshake: %w", err)
	}
	return c, nil
}

// Dial connects to address and runs the client handshake. The context bounds
// both the connect and the handshake.
func Dial(ctx context.Context, network, address string) (*Conn, error) {
	var d net.Dialer
	nc, err := d.DialContext(ctx, network, address)
	if err != nil {
		return nil, err
	}
	if deadline, ok := ctx.Deadline(); ok {
		nc.SetDeadline(deadline)
	}
	stop := context.AfterFunc(ctx, func() {
		nc.SetDeadline(time.Unix(1, 0))
	})
	c, err := Client(nc)
	if !stop() {
		if c != nil {
			c.Close()
		}
		return nil, ctx.Err()
	}
	if err != nil {
		return nil, err
	}
	nc.SetDeadline(time.Time{})
	return c, nil
}

// ReadFrame reads the next frame. HEADERS frames are returned as
// *MetaHeadersFrame with their CONTINUATION frames merged and decoded.
// Only one goroutine may call ReadFrame.
func (c *Conn) ReadFrame() (protocol.Frame, error) {
	f, err := c.readFrame()
	if err != nil {
		return nil, err
	}
	switch f := f.(type) {
	case *protocol.HeadersFrame:
		return c.readMetaHeaders(f)
	case *protocol.ContinuationFrame:
		return nil, fmt.Errorf("%w: CONTINUATION without HEADERS on stream %d", protocol.ErrInvalidFrame, f.StreamID)
	}
	return f, nil
}

func (c *Conn) readFrame() (protocol.Frame, error) {
	raw, err := protocol.ReadRawFrameLimit(c.br, c.maxReadFrame)
	if err != nil {
		return nil, err
	}
	return protocol.ParseFrame(raw)
}

func (c *Conn) readMetaHeaders(hf *protocol.HeadersFrame) (*MetaHeadersFrame, error) {
	block := hf.BlockFragment
	for ended := hf.HeadersEnded(); !ended; {
		f, err := c.readFrame()
		if err != nil {
			return nil, err
		}
		cf, ok := f.(*protocol.ContinuationFrame)
		if !ok || cf.StreamID != hf.StreamID {
			return nil, fmt.Errorf("%w: expected CONTINUATION for stream %d, got %v", protocol.ErrInvalidFrame, hf.StreamID, f.Header())
		}
		if len(block)+len(cf.BlockFragment) > maxHeaderListSize {
			return nil, fmt.Errorf("%w: header block for stream %d too large", protocol.ErrInvalidFrame, hf.StreamID)
		}
		block = append(block[:len(block):len(block)], cf.BlockFragment...)
		ended = cf.HeadersEnded()
	}
	fields, err := c.hdec.DecodeFull(block)
	if err != nil {
		return nil, fmt.Errorf("%w: stream %d: %v", protocol.ErrInvalidFrame, hf.StreamID, err)
	}
	return &MetaHeadersFrame{HeadersFrame: hf, Fields: fields}, nil
}

// NewStreamID allocates the id of the next client-initiated stream.
// Stream ids are only allocated by the connection's owner.
func (c *Conn) NewStreamID() (uint32, error) {
	if c.nextStreamID > maxStreamID {
		return 0, ErrStreamIDsExhausted
	}
	id := c.nextStreamID
	c.nextStreamID += 2
	return id, nil
}

// WriteHeaders encodes fields and writes them as one HEADERS frame followed
// by as many CONTINUATION frames as the block needs.
func (c *Conn) WriteHeaders(streamID uint32, fields []hpack.HeaderField, endStream bool) error {
	c.wmu.Lock()
	defer c.wmu.Unlock()
	if c.werr != nil {
		return c.werr
	}

	c.hbuf.Reset()
	for _, f := range fields {
		if err := c.henc.WriteField(f); err != nil {
			return c.failWrite(err)
		}
	}
	block := c.hbuf.Bytes()

	first := true
	for first || len(block) > 0 {
		chunk := block
		if len(chunk) > int(c.maxWriteFrame) {
			chunk = chunk[:c.maxWriteFrame]
		}
		block = block[len(chunk):]
		last := len(block) == 0

		var f protocol.Frame
		if first {
			f = protocol.NewHeadersFrame(streamID, chunk, last, endStream)
			first = false
		} else {
			f = protocol.NewContinuationFrame(streamID, chunk, last)
		}
		if err := protocol.WriteFrame(c.bw, f); err != nil {
			return c.failWrite(err)
		}
	}
	return c.flush()
}

// WriteData writes data on a stream, split into frames no larger than the
// peer accepts. END_STREAM is set on the last frame only.
func (c *Conn) WriteData(streamID uint32, data []byte, endStream bool) error {
	c.wmu.Lock()
	defer c.wmu.Unlock()
	if c.werr != nil {
		return c.werr
	}

	for {
		chunk := data
		if len(chunk) > int(c.maxWriteFrame) {
			chunk = chunk[:c.maxWriteFrame]
		}
		data = data[len(chunk):]
		last := len(data) == 0
		if err := protocol.WriteFrame(c.bw, protocol.NewDataFrame(streamID, chunk, endStream && last)); err != nil {
			return c.failWrite(err)
		}
		if last {
			break
		}
	}
	return c.flush()
}

// WriteFrame writes a single control frame (SETTINGS, PING, RST_STREAM,
// WINDOW_UPDATE, GOAWAY).
func (c *Conn) WriteFrame(f protocol.Frame) error {
	c.wmu.Lock()
	defer c.wmu.Unlock()
	if c.werr != nil {
		return c.werr
	}
	if err := protocol.WriteFrame(c.bw, f); err != nil {
		return c.failWrite(err)
	}
	return c.flush()
}

// ReturnWindow tells the peer that n bytes of DATA received on streamID were
// consumed, replenishing both the connection and the stream window.
func (c *Conn) ReturnWindow(streamID uint32, n int) error {
	if n <= 0 {
		return nil
	}
	c.wmu.Lock()
	defer c.wmu.Unlock()
	if c.werr != nil {
		return c.werr
	}
	if err := protocol.WriteFrame(c.bw, protocol.NewWindowUpdateFrame(0, uint32(n))); err != nil {
		return c.failWrite(err)
	}
	if streamID != 0 {
		if err := protocol.WriteFrame(c.bw, protocol.NewWindowUpdateFrame(streamID, uint32(n))); err != nil {
			return c.failWrite(err)
		}
	}
	return c.flush()
}

// idleUsable reports whether a connection that finished its last call can
// carry a new one. Between calls the peer has nothing to send: any byte
// (GOAWAY, most likely), EOF or a failed write makes it unusable.
func (c *Conn) idleUsable() bool {
	c.wmu.Lock()
	werr := c.werr
	c.wmu.Unlock()
	if werr != nil || c.br.Buffered() > 0 {
		return false
	}
	c.nc.SetReadDeadline(time.Now().Add(idleCheckTimeout))
	_, err := c.br.Peek(1)
	c.nc.SetReadDeadline(time.Time{})
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

func (c *Conn) flush() error {
	if err := c.bw.Flush(); err != nil {
		return c.failWrite(err)
	}
	return nil
}

func (c *Conn) failWrite(err error) error {
	c.werr = err
	return err
}

// Close closes the underlying stream. It is safe to call more than once.
func (c *Conn) Close() error {
	c.closeOnce.Do(func() {
		c.closeErr = c.nc.Close()
	})
	return c.closeErr
}

func (c *Conn) LocalAddr() net.Addr  { return c.nc.LocalAddr() }
func (c *Conn) RemoteAddr() net.Addr { return c.nc.RemoteAddr() }

// SetReadDeadline bounds the next reads on the underlying stream.
func (c *Conn) SetReadDeadline(t time.Time) error {
	return c.nc.SetReadDeadline(t)
}
