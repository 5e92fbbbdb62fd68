package recaptcha

import (
	"errors"
	"fmt"

	"github.com/coal/recaptchaedge/internal/action"
)

// ErrorKind classifies a library error.
type ErrorKind string

const (
	// KindGeneric is the base kind.
	KindGeneric ErrorKind = "RecaptchaError"
	// KindNetwork is a transport or connection failure talking to the RPC.
	KindNetwork ErrorKind = "NetworkError"
	// KindParse is a malformed RPC response body.
	KindParse ErrorKind = "ParseError"
	// KindInit is a misconfiguration found while building the edge.
	KindInit ErrorKind = "InitError"
)

// Error is a classified library error. It carries the action the edge
// should fall back to when the error cannot be recovered from.
type Error struct {
	Kind ErrorKind
	Msg  string
	// Recommended is Allow or Block; nil means Allow.
	Recommended action.Action
	// Status is the HTTP status of the failed RPC, when there was one.
	Status int
	Err    error
}

func (e *Error) Error() string {
	msg := string(e.Kind)
	if e.Msg != "" {
		msg += ": " + e.Msg
	}
	if e.Status != 0 {
		msg += fmt.Sprintf(" (status %d)", e.Status)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// RecommendedAction resolves the recommendation to Allow or Block.
func (e *Error) RecommendedAction() action.Action {
	if _, ok := e.Recommended.(action.Block); ok {
		return action.Block{}
	}
	return action.Allow{}
}

// NewError returns a generic error recommending rec.
func NewError(msg string, rec action.Action, err error) *Error {
	return &Error{Kind: KindGeneric, Msg: msg, Recommended: rec, Err: err}
}

// NewNetworkError reports a failed RPC round trip. It fails open.
func NewNetworkError(msg string, status int, err error) *Error {
	return &Error{Kind: KindNetwork, Msg: msg, Recommended: action.Allow{}, Status: status, Err: err}
}

// NewParseError reports an RPC response that could not be decoded. It fails open.
func NewParseError(msg string, err error) *Error {
	return &Error{Kind: KindParse, Msg: msg, Recommended: action.Allow{}, Err: err}
}

// NewInitError reports invalid configuration.
func NewInitError(msg string, err error) *Error {
	return &Error{Kind: KindInit, Msg: msg, Err: err}
}

// AsError unwraps err to a classified *Error.
func AsError(err error) (*Error, bool) {
	var rcErr *Error
	if errors.As(err, &rcErr) {
		return rcErr, true
	}
	return nil, false
}

// IsKind reports whether err is a classified error of kind k.
func IsKind(err error, k ErrorKind) bool {
	rcErr, ok := AsError(err)
	return ok && rcErr.Kind == k
}
