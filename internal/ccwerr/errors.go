// Package ccwerr defines the JSON-RPC-facing error kinds for the
// counterfactual execution service. PolicyDenied is deliberately absent:
// a denied promotion is a successful RPC with promoted=false, never one
// of these.
package ccwerr

import "fmt"

// Code is a JSON-RPC 2.0 error code.
type Code int

const (
	CodeParseError     Code = -32700
	CodeInvalidRequest Code = -32600
	CodeMethodNotFound Code = -32601
	CodeInvalidParams  Code = -32602
	CodeInternal       Code = -32603
)

// Kind classifies an Error beyond its wire code: several Kinds share one
// JSON-RPC code, and the Kind name appears in Error()'s text.
type Kind int

const (
	KindInvalidRequest Kind = iota
	KindInvalidParams
	KindUnknownMethod
	KindUnknownResource
	KindIOFailed
	KindTimeout
	KindInternal
)

func (k Kind) code() Code {
	switch k {
	case KindInvalidRequest:
		return CodeInvalidRequest
	case KindInvalidParams:
		return CodeInvalidParams
	case KindUnknownMethod:
		return CodeMethodNotFound
	case KindUnknownResource:
		return CodeInvalidParams
	default:
		return CodeInternal
	}
}

func (k Kind) String() string {
	switch k {
	case KindInvalidRequest:
		return "invalid_request"
	case KindInvalidParams:
		return "invalid_params"
	case KindUnknownMethod:
		return "unknown_method"
	case KindUnknownResource:
		return "unknown_resource"
	case KindIOFailed:
		return "io_failed"
	case KindTimeout:
		return "timeout"
	default:
		return "internal"
	}
}

// Error wraps an underlying cause with a Kind so the RPC layer can map it
// to the right JSON-RPC error code without the caller re-deriving it.
type Error struct {
	Kind Kind
	Op   string // short operation label, e.g. "cel.mount"
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Op, e.Kind)
	}
	return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Code returns the JSON-RPC 2.0 error code for this error's Kind.
func (e *Error) Code() Code { return e.Kind.code() }

func New(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

func Invalid(op string, err error) *Error   { return New(KindInvalidParams, op, err) }
func IOFailed(op string, err error) *Error  { return New(KindIOFailed, op, err) }
func Internal(op string, err error) *Error  { return New(KindInternal, op, err) }
func NotFound(op string, err error) *Error  { return New(KindUnknownResource, op, err) }
