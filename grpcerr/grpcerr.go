// Package grpcerr is the error and status model shared by the client and the
// server.
//
// Every failure an RPC can end in is one of four variants:
//
//	*TransportError  I/O or protocol failure; the connection is unusable
//	*MessageError    status reported by the remote side (code + message)
//	*OtherError      local failure described by a message
//	*PanicError      a handler aborted abnormally
//
// Callers tell them apart with errors.As.
package grpcerr

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
)

// TransportError is an I/O or framing failure. It is terminal for the
// connection it happened on and is never retried.
type TransportError struct {
	Err error
}

func (e *TransportError) Error() string {
	return "transport error: " + e.Err.Error()
}

func (e *TransportError) Unwrap() error { return e.Err }

// Transport wraps err as a TransportError. It returns nil for nil and leaves
// an existing TransportError unchanged.
func Transport(err error) error {
	if err == nil {
		return nil
	}
	var te *TransportError
	if errors.As(err, &te) {
		return err
	}
	return &TransportError{Err: err}
}

// MessageError is a status received from the remote side.
type MessageError struct {
	Code    Code
	Message string
}

func (e *MessageError) Error() string {
	return fmt.Sprintf("rpc error: code = %v desc = %s", e.Code, e.Message)
}

// Status builds a status error with the given code. Handlers return it to
// choose the code the caller sees.
func Status(code Code, format string, args ...any) error {
	return &MessageError{Code: code, Message: fmt.Sprintf(format, args...)}
}

// OtherError is a local failure with a human-readable description.
type OtherError struct {
	Msg string
	Err error
}

func (e *OtherError) Error() string {
	if e.Err != nil {
		return e.Msg + ": " + e.Err.Error()
	}
	return e.Msg
}

func (e *OtherError) Unwrap() error { return e.Err }

// Other builds an OtherError from a message.
func Other(format string, args ...any) error {
	return &OtherError{Msg: fmt.Sprintf(format, args...)}
}

// PanicError records a recovered handler panic.
type PanicError struct {
	Value any
	Stack []byte
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("Panic: %v", e.Value)
}

// Recovered converts a value returned by recover() into a PanicError. It must
// be called from the deferred function so that the stack is the panicking one.
func Recovered(v any) *PanicError {
	return &PanicError{Value: v, Stack: debug.Stack()}
}

// FromError maps any error to the code and message sent to the remote
// caller. Errors that are not statuses become Unknown, or Internal for
// panics, keeping their message.
func FromError(err error) (Code, string) {
	if err == nil {
		return OK, ""
	}
	var me *MessageError
	if errors.As(err, &me) {
		return me.Code, me.Message
	}
	var pe *PanicError
	if errors.As(err, &pe) {
		return Internal, pe.Error()
	}
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return DeadlineExceeded, err.Error()
	case errors.Is(err, context.Canceled):
		return Canceled, err.Error()
	}
	return Unknown, err.Error()
}

// CodeOf returns the status code carried by err, Unknown for errors that are
// not statuses and OK for nil.
func CodeOf(err error) Code {
	code, _ := FromError(err)
	return code
}
