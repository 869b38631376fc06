package message

import (
	"errors"
	"testing"
	"time"

	"golang.org/x/net/http2/hpack"

	"h2rpc/grpcerr"
)

func TestParserAcrossFrames(t *testing.T) {
	first := Encode([]byte("hello"))
	second := Encode([]byte("world!"))
	empty := Encode(nil)
	stream := append(append(append([]byte{}, first...), second...), empty...)

	p := NewParser(0)
	var got []string
	// Feed one byte at a time: a message may span any number of frames.
	for _, b := range stream {
		p.Feed([]byte{b})
		for {
			msg, ok, err := p.Next()
			if err != nil {
				t.Fatalf("Next failed: %v", err)
			}
			if !ok {
				break
			}
			got = append(got, string(msg))
		}
	}
	want := []string{"hello", "world!", ""}
	if len(got) != len(want) {
		t.Fatalf("got %q, want %q", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("message %d: got %q, want %q", i, got[i], want[i])
		}
	}
	if err := p.Close(); err != nil {
		t.Fatalf("Close after whole messages: %v", err)
	}
}

func TestParserErrors(t *testing.T) {
	p := NewParser(4)
	p.Feed(Encode([]byte("too long")))
	if _, _, err := p.Next(); !errors.Is(err, ErrTooLarge) {
		t.Fatalf("expected ErrTooLarge, got %v", err)
	}

	p = NewParser(0)
	p.Feed([]byte{1, 0, 0, 0, 1, 'x'})
	if _, _, err := p.Next(); !errors.Is(err, ErrCompressed) {
		t.Fatalf("expected ErrCompressed, got %v", err)
	}

	p = NewParser(0)
	p.Feed(Encode([]byte("abc"))[:6])
	if _, ok, _ := p.Next(); ok {
		t.Fatalf("partial message must not be returned")
	}
	if err := p.Close(); !errors.Is(err, ErrTruncated) {
		t.Fatalf("expected ErrTruncated, got %v", err)
	}
}

func TestRequestHeaders(t *testing.T) {
	req := &Request{Method: "/text/Unary", Authority: "127.0.0.1:50051", Timeout: 1500 * time.Millisecond}

	got, err := ParseRequest(req.HeaderFields())
	if err != nil {
		t.Fatalf("ParseRequest failed: %v", err)
	}
	if *got != *req {
		t.Fatalf("got %+v, want %+v", got, req)
	}
}

func TestParseRequestRejects(t *testing.T) {
	base := (&Request{Method: "/text/Unary"}).HeaderFields()

	tests := []struct {
		name   string
		mutate func([]hpack.HeaderField) []hpack.HeaderField
	}{
		{"GET", func(f []hpack.HeaderField) []hpack.HeaderField { f[0].Value = "GET"; return f }},
		{"no path", func(f []hpack.HeaderField) []hpack.HeaderField { f[2].Value = ""; return f }},
		{"json", func(f []hpack.HeaderField) []hpack.HeaderField { f[4].Value = "application/json"; return f }},
		{"bad timeout", func(f []hpack.HeaderField) []hpack.HeaderField {
			return append(f, hpack.HeaderField{Name: "grpc-timeout", Value: "10x"})
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fields := tt.mutate(append([]hpack.HeaderField{}, base...))
			if _, err := ParseRequest(fields); err == nil {
				t.Fatal("expected error")
			}
		})
	}
}

func TestStatusFields(t *testing.T) {
	fields := TrailersOnlyFields(grpcerr.Unimplemented, "unknown method /x/Y")
	if err := CheckResponseHeaders(fields); err != nil {
		t.Fatalf("CheckResponseHeaders failed: %v", err)
	}
	code, msg, ok, err := ParseStatus(fields)
	if err != nil || !ok {
		t.Fatalf("ParseStatus: ok=%v err=%v", ok, err)
	}
	if code != grpcerr.Unimplemented || msg != "unknown method /x/Y" {
		t.Fatalf("got (%v, %q)", code, msg)
	}

	if _, _, ok, _ := ParseStatus(ResponseHeaderFields()); ok {
		t.Fatal("plain response headers carry no status")
	}
}

func TestCheckResponseHeadersHTTPStatus(t *testing.T) {
	err := CheckResponseHeaders([]hpack.HeaderField{{Name: ":status", Value: "503"}})
	var me *grpcerr.MessageError
	if !errors.As(err, &me) || me.Code != grpcerr.Unavailable {
		t.Fatalf("expected Unavailable status, got %v", err)
	}
}

func TestGrpcMessageEncoding(t *testing.T) {
	tests := []struct{ in, wire string }{
		{"my error", "my error"},
		{"100%", "100%25"},
		{"line\nbreak", "line%0Abreak"},
		{"héllo", "h%C3%A9llo"},
	}
	for _, tt := range tests {
		if got := EncodeGrpcMessage(tt.in); got != tt.wire {
			t.Errorf("EncodeGrpcMessage(%q) = %q, want %q", tt.in, got, tt.wire)
		}
		if got := DecodeGrpcMessage(tt.wire); got != tt.in {
			t.Errorf("DecodeGrpcMessage(%q) = %q, want %q", tt.wire, got, tt.in)
		}
	}
	if got := DecodeGrpcMessage("50%zz"); got != "50%zz" {
		t.Errorf("malformed escape should be kept, got %q", got)
	}
}

func TestTimeoutEncoding(t *testing.T) {
	tests := []struct {
		d    time.Duration
		wire string
	}{
		{time.Nanosecond, "1n"},
		{1500 * time.Millisecond, "1500000u"},
		{2 * time.Minute, "120000m"},
		{100 * time.Hour, "360000S"},
	}
	for _, tt := range tests {
		got := EncodeTimeout(tt.d)
		if got != tt.wire {
			t.Errorf("EncodeTimeout(%v) = %q, want %q", tt.d, got, tt.wire)
		}
		back, err := DecodeTimeout(got)
		if err != nil || back != tt.d {
			t.Errorf("DecodeTimeout(%q) = %v, %v", got, back, err)
		}
	}
	if got := EncodeTimeout(0); got != "0n" {
		t.Errorf("EncodeTimeout(0) = %q", got)
	}
}
