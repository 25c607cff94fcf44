// Package errors defines the closed error taxonomy for the ingest pipeline:
// ProtocolViolation, Timeout, DecoderError, PublisherError, BindError,
// NetworkDown, and the clean ShutdownRequested sentinel. Connection-scoped
// errors never cross into the supervisor except as log events; only
// BindError and NetworkDown reach the host (see internal/hostevent).
package errors

import (
	"context"
	stdErrors "errors"
	"fmt"
	"time"
)

// connScoped is implemented by every error type that is fatal to a single
// connection but must never propagate past the stream handler.
type connScoped interface {
	error
	isConnScoped()
}

// ProtocolViolationError covers a bad frame size, malformed header, or an
// unexpected first frame type. Fatal to the connection; never retried.
type ProtocolViolationError struct {
	Op  string
	Err error
}

func (e *ProtocolViolationError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("protocol violation: %s", e.Op)
	}
	return fmt.Sprintf("protocol violation: %s: %v", e.Op, e.Err)
}
func (e *ProtocolViolationError) Unwrap() error { return e.Err }
func (e *ProtocolViolationError) isConnScoped() {}

// TimeoutError indicates one of the §5 deadlines (header/body read, writer
// close, handshake) was exceeded. Fatal to the affected connection only.
type TimeoutError struct {
	Op       string
	Duration time.Duration
	Err      error
}

func (e *TimeoutError) Error() string {
	base := fmt.Sprintf("timeout: %s (after %s)", e.Op, e.Duration)
	if e.Err != nil {
		return base + ": " + e.Err.Error()
	}
	return base
}
func (e *TimeoutError) Unwrap() error { return e.Err }
func (e *TimeoutError) isConnScoped() {}

// DecoderError indicates the H.264/AAC decoder refused a packet. Non-fatal:
// the packet is dropped and the connection continues.
type DecoderError struct {
	Op  string
	Err error
}

func (e *DecoderError) Error() string {
	return fmt.Sprintf("decoder error: %s: %v", e.Op, e.Err)
}
func (e *DecoderError) Unwrap() error { return e.Err }

// PublisherError indicates a negative return code from the native sink.
// Non-fatal: the frame is counted as a drop and the connection continues.
type PublisherError struct {
	Op   string
	Code int
}

func (e *PublisherError) Error() string {
	return fmt.Sprintf("publisher error: %s returned code %d", e.Op, e.Code)
}

// BindError indicates a listener could not bind. Fatal for that stream only;
// other streams continue. Surfaced to the host as hostevent.Error.
type BindError struct {
	Port int
	Err  error
}

func (e *BindError) Error() string {
	return fmt.Sprintf("bind error: port %d: %v", e.Port, e.Err)
}
func (e *BindError) Unwrap() error { return e.Err }

// NetworkDownError indicates the bind IP was absent for two consecutive
// liveness checks. Disconnects all streams; surfaced as
// hostevent.NetworkStatusChanged{false}. Listeners stay open to resume.
type NetworkDownError struct {
	IP string
}

func (e *NetworkDownError) Error() string {
	return fmt.Sprintf("network down: bind ip %s unreachable", e.IP)
}

// ErrShutdownRequested is a clean-path sentinel, not an error condition —
// it distinguishes an operator-initiated stop from a connection fault when
// unwinding a stream handler's read loop.
var ErrShutdownRequested = stdErrors.New("shutdown requested")

// IsTimeout reports whether err is (or wraps) a TimeoutError, a context
// deadline, or any error exposing Timeout() bool that returns true.
func IsTimeout(err error) bool {
	if err == nil {
		return false
	}
	var te *TimeoutError
	if stdErrors.As(err, &te) {
		return true
	}
	if stdErrors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var toErr interface{ Timeout() bool }
	if stdErrors.As(err, &toErr) && toErr.Timeout() {
		return true
	}
	return false
}

// IsProtocolViolation reports whether err is (or wraps) a ProtocolViolationError.
func IsProtocolViolation(err error) bool {
	var pv *ProtocolViolationError
	return stdErrors.As(err, &pv)
}

// IsConnScoped reports whether err must never propagate past the stream
// handler that produced it (ProtocolViolationError or TimeoutError).
func IsConnScoped(err error) bool {
	if err == nil {
		return false
	}
	var cs connScoped
	return stdErrors.As(err, &cs)
}

// Constructors — encourage contextual wrapping with %w at call sites.
func NewProtocolViolation(op string, cause error) error {
	return &ProtocolViolationError{Op: op, Err: cause}
}
func NewTimeout(op string, d time.Duration, cause error) error {
	return &TimeoutError{Op: op, Duration: d, Err: cause}
}
func NewDecoderError(op string, cause error) error { return &DecoderError{Op: op, Err: cause} }
func NewPublisherError(op string, code int) error  { return &PublisherError{Op: op, Code: code} }
func NewBindError(port int, cause error) error     { return &BindError{Port: port, Err: cause} }
func NewNetworkDown(ip string) error               { return &NetworkDownError{IP: ip} }
