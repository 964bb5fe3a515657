// Package status defines the gRPC status taxonomy: a code, a message, and
// optional trailing metadata, plus conversion to the wire's decimal
// grpc-status / percent-encoded grpc-message representation.
package status

import (
	"fmt"
	"net/url"

	"google.golang.org/grpc/codes"
	grpcstatus "google.golang.org/grpc/status"

	"github.com/coregrpc/corerpc/metadata"
)

// Code re-exports google.golang.org/grpc/codes.Code so callers get the
// standard seventeen-value enum (OK, Canceled, ... Unauthenticated) without
// this package inventing its own numbering.
type Code = codes.Code

// The seventeen status codes named in the gRPC status taxonomy.
const (
	OK                 = codes.OK
	Canceled           = codes.Canceled
	Unknown            = codes.Unknown
	InvalidArgument    = codes.InvalidArgument
	DeadlineExceeded   = codes.DeadlineExceeded
	NotFound           = codes.NotFound
	AlreadyExists      = codes.AlreadyExists
	PermissionDenied   = codes.PermissionDenied
	ResourceExhausted  = codes.ResourceExhausted
	FailedPrecondition = codes.FailedPrecondition
	Aborted            = codes.Aborted
	OutOfRange         = codes.OutOfRange
	Unimplemented      = codes.Unimplemented
	Internal           = codes.Internal
	Unavailable        = codes.Unavailable
	DataLoss           = codes.DataLoss
	Unauthenticated    = codes.Unauthenticated
)

// Status is a gRPC status: a code, a human-readable message, and optional
// metadata that gets merged into the response trailers.
type Status struct {
	Code     Code
	Message  string
	Metadata *metadata.Metadata
}

// New creates a Status with the given code and message.
func New(code Code, message string) *Status {
	return &Status{Code: code, Message: message}
}

// Newf creates a Status with a formatted message.
func Newf(code Code, format string, args ...any) *Status {
	return New(code, fmt.Sprintf(format, args...))
}

// OKStatus is the canonical success status.
func OKStatus() *Status { return New(OK, "") }

// WithMetadata attaches metadata to the status, merged into trailers
// alongside grpc-status and grpc-message.
func (s *Status) WithMetadata(md *metadata.Metadata) *Status {
	s.Metadata = md
	return s
}

// Err adapts s to the error interface; s.Code == OK yields a nil error, by
// convention with google.golang.org/grpc/status.
func (s *Status) Err() error {
	if s == nil || s.Code == OK {
		return nil
	}
	return (*statusError)(s)
}

// GRPCStatus adapts s to google.golang.org/grpc/status's own GRPCStatus
// interface, so a handler can return either this package's Status or the
// upstream one and have callers on either side of the boundary recover a
// code and message the same way.
func (s *Status) GRPCStatus() *grpcstatus.Status {
	if s == nil {
		return grpcstatus.New(OK, "")
	}
	return grpcstatus.New(s.Code, s.Message)
}

// Error satisfies the error interface on non-OK statuses.
type statusError Status

func (e *statusError) Error() string {
	return fmt.Sprintf("rpc error: code = %s desc = %s", e.Code, e.Message)
}

// GRPCStatus mirrors Status.GRPCStatus so the error value returned by
// Status.Err also satisfies google.golang.org/grpc/status's interop
// interface directly.
func (e *statusError) GRPCStatus() *grpcstatus.Status {
	return (*Status)(e).GRPCStatus()
}

// FromError extracts the Status carried by err, if any; otherwise it wraps
// err as an Unknown status, mirroring google.golang.org/grpc/status.FromError.
func FromError(err error) (*Status, bool) {
	if err == nil {
		return OKStatus(), true
	}
	if se, ok := err.(*statusError); ok {
		s := Status(*se)
		return &s, true
	}
	return New(Unknown, err.Error()), false
}

// Convert is FromError without the ok flag, for callers that always want a
// Status back.
func Convert(err error) *Status {
	s, _ := FromError(err)
	return s
}

// EncodeMessage percent-encodes s for the grpc-message trailer per the
// gRPC wire spec: any byte outside printable ASCII, and '%' and '+', is
// escaped as %XX; spaces stay literal.
func EncodeMessage(s string) string {
	// Escape by hand: neither url.PathEscape nor url.QueryEscape uses the
	// narrow alphabet gRPC requires. '+' is escaped so that DecodeMessage,
	// which uses url.QueryUnescape, does not read it back as a space.
	var out []byte
	for i := 0; i < len(s); i++ {
		c := s[i]
		if c >= 0x20 && c <= 0x7e && c != '%' && c != '+' {
			out = append(out, c)
			continue
		}
		out = append(out, '%')
		out = append(out, upperHex(c>>4), upperHex(c&0xf))
	}
	return string(out)
}

func upperHex(n byte) byte {
	if n < 10 {
		return '0' + n
	}
	return 'A' + n - 10
}

// DecodeMessage reverses EncodeMessage, tolerating any input url.QueryUnescape
// would reject by falling back to the raw string.
func DecodeMessage(s string) string {
	decoded, err := url.QueryUnescape(s)
	if err != nil {
		return s
	}
	return decoded
}
