package message

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"golang.org/x/net/http2/hpack"

	"h2rpc/grpcerr"
)

const (
	ContentType = "application/grpc"

	headerMethod      = ":method"
	headerScheme      = ":scheme"
	headerPath        = ":path"
	headerAuthority   = ":authority"
	headerStatus      = ":status"
	headerContentType = "content-type"
	headerTE          = "te"
	headerTimeout     = "grpc-timeout"
	headerGrpcStatus  = "grpc-status"
	headerGrpcMessage = "grpc-message"
)

// Request is the call metadata carried by the request HEADERS frame.
type Request struct {
	Method    string        // Full method name, sent as :path
	Authority string        // Target host:port, sent as :authority
	Timeout   time.Duration // Remaining deadline, 0 when the caller has none
}

// HeaderFields renders the request headers in the order they are encoded.
func (r *Request) HeaderFields() []hpack.HeaderField {
	fields := []hpack.HeaderField{
		{Name: headerMethod, Value: "POST"},
		{Name: headerScheme, Value: "http"},
		{Name: headerPath, Value: r.Method},
		{Name: headerAuthority, Value: r.Authority},
		{Name: headerContentType, Value: ContentType},
		{Name: headerTE, Value: "trailers"},
	}
	if r.Timeout > 0 {
		fields = append(fields, hpack.HeaderField{Name: headerTimeout, Value: EncodeTimeout(r.Timeout)})
	}
	return fields
}

// ParseRequest validates request headers and extracts the call metadata.
func ParseRequest(fields []hpack.HeaderField) (*Request, error) {
	req := &Request{}
	var method, contentType string
	for _, f := range fields {
		switch f.Name {
		case headerMethod:
			method = f.Value
		case headerPath:
			req.Method = f.Value
		case headerAuthority:
			req.Authority = f.Value
		case headerContentType:
			contentType = f.Value
		case headerTimeout:
			d, err := DecodeTimeout(f.Value)
			if err != nil {
				return nil, err
			}
			req.Timeout = d
		}
	}
	if method != "POST" {
		return nil, fmt.Errorf("unsupported :method %q", method)
	}
	if req.Method == "" {
		return nil, fmt.Errorf("missing :path")
	}
	if !isGrpcContentType(contentType) {
		return nil, fmt.Errorf("unsupported content-type %q", contentType)
	}
	return req, nil
}

// ResponseHeaderFields are sent before the first response message.
func ResponseHeaderFields() []hpack.HeaderField {
	return []hpack.HeaderField{
		{Name: headerStatus, Value: "200"},
		{Name: headerContentType, Value: ContentType},
	}
}

// TrailerFields carry the final status of a call.
func TrailerFields(code grpcerr.Code, msg string) []hpack.HeaderField {
	fields := []hpack.HeaderField{
		{Name: headerGrpcStatus, Value: strconv.FormatUint(uint64(code), 10)},
	}
	if msg != "" {
		fields = append(fields, hpack.HeaderField{Name: headerGrpcMessage, Value: EncodeGrpcMessage(msg)})
	}
	return fields
}

// TrailersOnlyFields answer a call that fails before any message is sent:
// response headers and status in a single HEADERS frame.
func TrailersOnlyFields(code grpcerr.Code, msg string) []hpack.HeaderField {
	return append(ResponseHeaderFields(), TrailerFields(code, msg)...)
}

// CheckResponseHeaders validates the first HEADERS frame of a response.
// A non-200 :status is turned into a status error.
func CheckResponseHeaders(fields []hpack.HeaderField) error {
	var status, contentType string
	for _, f := range fields {
		switch f.Name {
		case headerStatus:
			status = f.Value
		case headerContentType:
			contentType = f.Value
		}
	}
	if status != "200" {
		return grpcerr.Status(httpStatusCode(status), "unexpected HTTP status %q", status)
	}
	if !isGrpcContentType(contentType) {
		return grpcerr.Status(grpcerr.Internal, "unexpected content-type %q", contentType)
	}
	return nil
}

// ParseStatus extracts grpc-status and grpc-message. ok is false when the
// fields carry no grpc-status at all.
func ParseStatus(fields []hpack.HeaderField) (code grpcerr.Code, msg string, ok bool, err error) {
	for _, f := range fields {
		switch f.Name {
		case headerGrpcStatus:
			code, err = grpcerr.ParseCode(f.Value)
			if err != nil {
				return grpcerr.Unknown, "", true, err
			}
			ok = true
		case headerGrpcMessage:
			msg = DecodeGrpcMessage(f.Value)
		}
	}
	return code, msg, ok, nil
}

func isGrpcContentType(ct string) bool {
	if ct == ContentType {
		return true
	}
	return strings.HasPrefix(ct, ContentType+"+") || strings.HasPrefix(ct, ContentType+";")
}

// httpStatusCode maps an HTTP status seen instead of 200 to a status code.
func httpStatusCode(status string) grpcerr.Code {
	switch status {
	case "400":
		return grpcerr.Internal
	case "401":
		return grpcerr.Unauthenticated
	case "403":
		return grpcerr.PermissionDenied
	case "404":
		return grpcerr.Unimplemented
	case "429", "502", "503", "504":
		return grpcerr.Unavailable
	}
	return grpcerr.Unknown
}

// EncodeGrpcMessage percent-encodes bytes outside printable ASCII and '%'.
func EncodeGrpcMessage(msg string) string {
	var b strings.Builder
	for i := 0; i < len(msg); i++ {
		c := msg[i]
		if c >= 0x20 && c <= 0x7e && c != '%' {
			b.WriteByte(c)
			continue
		}
		fmt.Fprintf(&b, "%%%02X", c)
	}
	return b.String()
}

// DecodeGrpcMessage reverses EncodeGrpcMessage. Malformed escapes are kept
// verbatim.
func DecodeGrpcMessage(msg string) string {
	if !strings.Contains(msg, "%") {
		return msg
	}
	var b strings.Builder
	for i := 0; i < len(msg); i++ {
		if msg[i] == '%' && i+2 < len(msg) {
			if v, err := strconv.ParseUint(msg[i+1:i+3], 16, 8); err == nil {
				b.WriteByte(byte(v))
				i += 2
				continue
			}
		}
		b.WriteByte(msg[i])
	}
	return b.String()
}

var timeoutUnits = []struct {
	unit byte
	d    time.Duration
}{
	{'n', time.Nanosecond},
	{'u', time.Microsecond},
	{'m', time.Millisecond},
	{'S', time.Second},
	{'M', time.Minute},
	{'H', time.Hour},
}

const maxTimeoutValue = 99999999 // at most 8 digits

// EncodeTimeout renders d as a grpc-timeout value using the finest unit that
// fits in 8 digits, rounding up so the receiver never sees a longer deadline
// shortened to zero.
func EncodeTimeout(d time.Duration) string {
	if d <= 0 {
		return "0n"
	}
	for _, u := range timeoutUnits {
		v := (d + u.d - 1) / u.d
		if v <= maxTimeoutValue {
			return strconv.FormatInt(int64(v), 10) + string(u.unit)
		}
	}
	return strconv.Itoa(maxTimeoutValue) + "H"
}

// DecodeTimeout parses a grpc-timeout value.
func DecodeTimeout(s string) (time.Duration, error) {
	if len(s) < 2 || len(s) > 9 {
		return 0, fmt.Errorf("invalid grpc-timeout %q", s)
	}
	v, err := strconv.ParseInt(s[:len(s)-1], 10, 64)
	if err != nil || v < 0 {
		return 0, fmt.Errorf("invalid grpc-timeout %q", s)
	}
	unit := s[len(s)-1]
	for _, u := range timeoutUnits {
		if u.unit == unit {
			if v > int64(time.Duration(1<<63-1)/u.d) {
				return time.Duration(1<<63 - 1), nil
			}
			return time.Duration(v) * u.d, nil
		}
	}
	return 0, fmt.Errorf("invalid grpc-timeout unit in %q", s)
}
