package client

import (
	"context"
	"errors"
	"net"
	"testing"

	"h2rpc/grpcerr"
	"h2rpc/message"
	"h2rpc/protocol"
	"h2rpc/transport"
)

func TestWindowUpdateFailureFailsCall(t *testing.T) {
	cnc, snc := net.Pipe()
	go protocol.ServerHandshake(snc)
	conn, err := transport.Client(cnc)
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()

	c := New("pipe")
	defer c.Close()
	st := &clientStream{
		c:           c,
		ctx:         context.Background(),
		conn:        conn,
		id:          1,
		method:      "/text/Unary",
		parser:      message.NewParser(0),
		stop:        func() bool { return true },
		headersSeen: true,
	}

	// The peer is gone: returning flow-control credit fails.
	snc.Close()
	f, err := protocol.ParseFrame(protocol.Serialize(protocol.NewDataFrame(1, message.Encode([]byte("x")), false)))
	if err != nil {
		t.Fatal(err)
	}
	herr := st.handle(f)
	if herr == nil {
		t.Fatal("expected the window update to fail")
	}
	var te *grpcerr.TransportError
	if err := st.fail(herr); !errors.As(err, &te) {
		t.Fatalf("expected *grpcerr.TransportError, got %T: %v", err, err)
	}
}
