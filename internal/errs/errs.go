// Package errs defines the error taxonomy shared across the routing fabric:
// transport, protocol, auth, routing, handler and timeout/cancellation
// failures, each carrying the numeric error code that travels in a
// RouteHeader or a client reply frame.
package errs

import "fmt"

// Code is the wire-visible error code carried by reply frames and route
// headers. 0 means success.
type Code uint16

// Code ranges, matching the external wire contract: 1000-1099 transport,
// 2000-2099 protocol/decode, 3000-3099 auth, 4000-4099 routing,
// 5000-5099 application/timeout.
const (
	CodeOK Code = 0

	CodeConnectionClosed   Code = 1000
	CodeBackpressure       Code = 1001
	CodeHeartbeatTimeout   Code = 1002
	CodeNodeUnreachable    Code = 1003

	CodeDecodeFailed  Code = 2000
	CodeOversizeFrame Code = 2001
	CodeDecompression Code = 2002

	CodeNotAuthenticated Code = 3000
	CodeAuthFailed       Code = 3001

	CodeRouteFailed   Code = 4000
	CodeStageNotFound Code = 4001

	CodeHandlerError  Code = 5000
	CodeRequestTimeout Code = 5001
	CodeCancelled      Code = 5002
)

// Kind classifies an error for logging and metrics without pinning to an
// exact code.
type Kind int

const (
	KindTransport Kind = iota
	KindProtocol
	KindAuth
	KindRouting
	KindHandler
	KindTimeout
	KindCancelled
)

// Error is a taxonomy-tagged error carrying a wire Code.
type Error struct {
	Kind Kind
	Code Code
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Msg, e.Err)
	}
	return e.Msg
}

func (e *Error) Unwrap() error { return e.Err }

func new(kind Kind, code Code, msg string, wrapped error) *Error {
	return &Error{Kind: kind, Code: code, Msg: msg, Err: wrapped}
}

func Transport(msg string, wrapped error) *Error { return new(KindTransport, CodeConnectionClosed, msg, wrapped) }
func Protocol(msg string, wrapped error) *Error  { return new(KindProtocol, CodeDecodeFailed, msg, wrapped) }
func Auth(msg string, wrapped error) *Error      { return new(KindAuth, CodeNotAuthenticated, msg, wrapped) }
func Routing(msg string, wrapped error) *Error   { return new(KindRouting, CodeStageNotFound, msg, wrapped) }
func Handler(msg string, wrapped error) *Error   { return new(KindHandler, CodeHandlerError, msg, wrapped) }
func Timeout(msg string) *Error                  { return new(KindTimeout, CodeRequestTimeout, msg, nil) }
func Cancelled(msg string) *Error                { return new(KindCancelled, CodeCancelled, msg, nil) }

// Sentinel instances for errors.Is comparisons against well-known failures.
var (
	ErrConnectionClosed  = new(KindTransport, CodeConnectionClosed, "connection closed", nil)
	ErrBackpressure      = new(KindTransport, CodeBackpressure, "session send queue overflow", nil)
	ErrHeartbeatTimeout  = new(KindTransport, CodeHeartbeatTimeout, "heartbeat timeout", nil)
	ErrNodeUnreachable   = new(KindRouting, CodeNodeUnreachable, "node unreachable", nil)
	ErrOversizeFrame     = new(KindProtocol, CodeOversizeFrame, "frame exceeds maximum size", nil)
	ErrDecompressionBomb = new(KindProtocol, CodeDecompression, "decompression ratio exceeds configured ceiling", nil)
	ErrNotAuthenticated  = new(KindAuth, CodeNotAuthenticated, "session is not authenticated", nil)
	ErrStageNotFound     = new(KindRouting, CodeStageNotFound, "stage not found", nil)
	ErrRequestTimeout    = new(KindTimeout, CodeRequestTimeout, "request timed out", nil)
	ErrCancelled         = new(KindCancelled, CodeCancelled, "request cancelled", nil)
	ErrDuplicateSeq      = new(KindProtocol, CodeDecodeFailed, "duplicate msgSeq registration", nil)
)

// Is implements the errors.Is protocol by comparing Code, so wrapped
// instances with different messages still match a sentinel.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Code == t.Code
}

// FromCode reconstructs the error a reply's wire Code represents, for
// completing a Request Cache entry from an inbound reply frame. CodeOK
// maps to a nil error, matching §6 ("a nonzero code with an empty payload
// is a valid error reply").
func FromCode(code Code) error {
	if code == CodeOK {
		return nil
	}
	return new(kindForCode(code), code, fmt.Sprintf("request failed with code %d", code), nil)
}

func kindForCode(code Code) Kind {
	switch {
	case code >= 1000 && code < 2000:
		return KindTransport
	case code >= 2000 && code < 3000:
		return KindProtocol
	case code >= 3000 && code < 4000:
		return KindAuth
	case code >= 4000 && code < 5000:
		return KindRouting
	case code == CodeRequestTimeout:
		return KindTimeout
	case code == CodeCancelled:
		return KindCancelled
	default:
		return KindHandler
	}
}
