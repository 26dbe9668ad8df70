package rpc

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Kind categorizes a failed call. It is decided once, when the response is
// decoded, and matched exhaustively by the classifier.
type Kind int

const (
	// KindApplication is any protocol or application error not covered by a
	// more specific kind.
	KindApplication Kind = iota

	// KindSessionInvalid means the login session is gone. Also produced when
	// the comet call fails with CodeCometSessionLost.
	KindSessionInvalid

	// KindValidationFailed means the pending edit did not validate.
	KindValidationFailed

	// KindNotFound means a referenced node no longer exists.
	KindNotFound

	// KindTransport is a network, HTTP or envelope decoding failure.
	KindTransport
)

func (k Kind) String() string {
	switch k {
	case KindApplication:
		return "application"
	case KindSessionInvalid:
		return "session_invalid"
	case KindValidationFailed:
		return "validation_failed"
	case KindNotFound:
		return "not_found"
	case KindTransport:
		return "transport"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// Wire-level markers used to decide the Kind.
const (
	TypeInvalidSession      = "session.invalid_sessionid"
	TypeNotFound            = "data.not_found"
	MessageValidationFailed = "Validation failed"
	CodeCometSessionLost    = -32000
)

// Error is a failed call. Callers can use errors.As to inspect it:
//
//	var rpcErr *rpc.Error
//	if errors.As(err, &rpcErr) && rpcErr.Kind == rpc.KindNotFound { ... }
type Error struct {
	Kind    Kind
	Method  string
	Type    string
	Code    int
	Message string
	Data    json.RawMessage

	// Err is the underlying cause for KindTransport.
	Err error
}

func (e *Error) Error() string {
	if e.Kind == KindTransport {
		return fmt.Sprintf("rpc: %s: %s", e.Method, e.Message)
	}
	if len(e.Data) > 0 {
		return fmt.Sprintf("rpc: %s: json-rpc response error: %s\n%s", e.Method, e.Message, e.Data)
	}
	return fmt.Sprintf("rpc: %s: json-rpc response error: %s", e.Method, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// IsKind reports whether err is an *Error of the given kind.
func IsKind(err error, kind Kind) bool {
	var rpcErr *Error
	if errors.As(err, &rpcErr) {
		return rpcErr.Kind == kind
	}
	return false
}

// wireError is the error object of a response envelope.
type wireError struct {
	Type    string          `json:"type,omitempty"`
	Code    int             `json:"code,omitempty"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

// decodeError turns a wire error into an *Error. The comet method is passed
// in because code -32000 only means a lost session on the comet channel.
func decodeError(method string, w *wireError) *Error {
	e := &Error{
		Method:  method,
		Type:    w.Type,
		Code:    w.Code,
		Message: w.Message,
		Data:    w.Data,
	}
	switch {
	case w.Type == TypeInvalidSession,
		method == MethodComet && w.Code == CodeCometSessionLost:
		e.Kind = KindSessionInvalid
	case w.Message == MessageValidationFailed:
		e.Kind = KindValidationFailed
	case w.Type == TypeNotFound:
		e.Kind = KindNotFound
	default:
		e.Kind = KindApplication
	}
	return e
}

func transportError(method string, err error) *Error {
	return &Error{
		Kind:    KindTransport,
		Method:  method,
		Message: err.Error(),
		Err:     err,
	}
}
