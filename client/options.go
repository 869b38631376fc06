package client

import (
	"time"

	"go.uber.org/zap"
)

const (
	defaultMaxIdleConns = 1
	defaultDialTimeout  = 10 * time.Second
)

type options struct {
	logger         *zap.Logger
	maxIdleConns   int
	dialTimeout    time.Duration
	authority      string
	maxRecvMsgSize int
}

// Option configures a Client.
type Option func(*options)

func defaultOptions() options {
	return options{
		logger:       zap.NewNop(),
		maxIdleConns: defaultMaxIdleConns,
		dialTimeout:  defaultDialTimeout,
	}
}

// WithLogger sets the logger. The default discards everything.
func WithLogger(logger *zap.Logger) Option {
	return func(o *options) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// WithMaxIdleConns sets how many finished connections are kept for reuse.
// Default 1; 0 dials a fresh connection for every call.
func WithMaxIdleConns(n int) Option {
	return func(o *options) {
		o.maxIdleConns = n
	}
}

// WithDialTimeout bounds connect plus handshake. Default 10s.
func WithDialTimeout(d time.Duration) Option {
	return func(o *options) {
		o.dialTimeout = d
	}
}

// WithAuthority overrides the :authority header, which defaults to the
// dialed address.
func WithAuthority(authority string) Option {
	return func(o *options) {
		o.authority = authority
	}
}

// WithMaxRecvMsgSize bounds a single response message. Default 4 MiB.
func WithMaxRecvMsgSize(n int) Option {
	return func(o *options) {
		o.maxRecvMsgSize = n
	}
}
