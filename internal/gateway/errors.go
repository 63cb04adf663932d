package gateway

import (
	"errors"
	"fmt"
)

var (
	// ErrAuthentication: bad, missing or expired credential. The connection
	// is never registered.
	ErrAuthentication = errors.New("unauthenticated")
	// ErrValidation: malformed client event. The connection stays open.
	ErrValidation = errors.New("invalid argument")
	// ErrRateLimited: per-connection quota exceeded. The connection stays open.
	ErrRateLimited = errors.New("rate limited")
	// ErrTransientIO: bus, presence or queue store unreachable.
	ErrTransientIO = errors.New("unavailable")
	// ErrNotConnected: the handle no longer names a registered connection.
	ErrNotConnected = errors.New("not connected")
)

// Wire codes carried in reply frames.
const (
	CodeUnauthenticated = "UNAUTHENTICATED"
	CodeInvalidArgument = "INVALID_ARGUMENT"
	CodeRateLimited     = "RATE_LIMITED"
	CodeUnavailable     = "UNAVAILABLE"
	CodeNotConnected    = "NOT_CONNECTED"
	CodeInternal        = "INTERNAL"
)

// Error is the error body of a reply frame.
type Error struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e Error) Error() string { return e.Code + ": " + e.Message }

// Code maps an error to its wire code.
func Code(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrAuthentication):
		return CodeUnauthenticated
	case errors.Is(err, ErrValidation):
		return CodeInvalidArgument
	case errors.Is(err, ErrRateLimited):
		return CodeRateLimited
	case errors.Is(err, ErrTransientIO):
		return CodeUnavailable
	case errors.Is(err, ErrNotConnected):
		return CodeNotConnected
	default:
		return CodeInternal
	}
}

// ToWire converts err for a client. Internal errors keep their detail out of
// the frame.
func ToWire(err error) Error {
	code := Code(err)
	if code == CodeInternal {
		return Error{Code: code, Message: "internal error"}
	}
	return Error{Code: code, Message: err.Error()}
}

func invalidf(format string, args ...any) error {
	return fmt.Errorf("%w: "+format, append([]any{ErrValidation}, args...)...)
}
