// Package errors defines the closed set of error kinds the daemon's RPC
// surface can return, per the error handling design: every inbound request
// resolves to Ok(result) or Err{code, message}, where code is one of these
// kinds and message is a human string.
package errors

import (
	stdErrors "errors"
	"fmt"
)

// Kind is one of the closed error categories the daemon ever reports back
// over the wire. String() is the literal wire "code" value.
type Kind string

const (
	KindInvalidConfig  Kind = "InvalidConfig"
	KindInvalidMessage Kind = "InvalidMessage"
	KindNotFound       Kind = "NotFound"
	KindUnauthorized   Kind = "Unauthorized"
	KindAlreadyExists  Kind = "AlreadyExists"
	KindBusy           Kind = "Busy"
	KindTimeout        Kind = "Timeout"
	KindPeerGone       Kind = "PeerGone"
	KindIO             Kind = "Io"
	KindInternal       Kind = "Internal"
)

// kindMarker is implemented by every error type minted by this package so
// classification does not rely on string matching.
type kindMarker interface {
	error
	Kind() Kind
}

// RPCError is the concrete error type attached to a failed Request. Op names
// the operation that failed (e.g. "start_stream", "client_activate") for
// logging; Err is the optional underlying cause.
type RPCError struct {
	K   Kind
	Op  string
	Err error
}

func (e *RPCError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.K, e.Op)
	}
	return fmt.Sprintf("%s: %s: %v", e.K, e.Op, e.Err)
}

func (e *RPCError) Unwrap() error { return e.Err }
func (e *RPCError) Kind() Kind    { return e.K }

// Message returns the human-readable string sent over the wire as the
// Err{message} field.
func (e *RPCError) Message() string {
	if e.Err == nil {
		return e.Op
	}
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func newErr(k Kind, op string, cause error) error { return &RPCError{K: k, Op: op, Err: cause} }

func NewInvalidConfig(op string, cause error) error  { return newErr(KindInvalidConfig, op, cause) }
func NewInvalidMessage(op string, cause error) error { return newErr(KindInvalidMessage, op, cause) }
func NewNotFound(op string, cause error) error       { return newErr(KindNotFound, op, cause) }
func NewUnauthorized(op string, cause error) error   { return newErr(KindUnauthorized, op, cause) }
func NewAlreadyExists(op string, cause error) error  { return newErr(KindAlreadyExists, op, cause) }
func NewBusy(op string, cause error) error           { return newErr(KindBusy, op, cause) }
func NewTimeout(op string, cause error) error        { return newErr(KindTimeout, op, cause) }
func NewPeerGone(op string, cause error) error       { return newErr(KindPeerGone, op, cause) }
func NewIO(op string, cause error) error             { return newErr(KindIO, op, cause) }
func NewInternal(op string, cause error) error       { return newErr(KindInternal, op, cause) }

// KindOf extracts the Kind from err, walking the Unwrap chain. Errors minted
// outside this package classify as KindInternal.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var km kindMarker
	if stdErrors.As(err, &km) {
		return km.Kind()
	}
	return KindInternal
}

// Is reports whether err's kind (anywhere in its chain) equals k.
func Is(err error, k Kind) bool { return KindOf(err) == k }

// IsTimeout reports whether err is a Timeout-kind error or wraps
// context.DeadlineExceeded.
func IsTimeout(err error) bool {
	if err == nil {
		return false
	}
	if Is(err, KindTimeout) {
		return true
	}
	var toErr interface{ Timeout() bool }
	if stdErrors.As(err, &toErr) && toErr.Timeout() {
		return true
	}
	return false
}
