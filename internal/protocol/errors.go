package protocol

import (
	"errors"
	"fmt"
)

const (
	// Envelope/transport validation.
	ErrProtoBadRequest = "E_PROTO_BAD_REQUEST"
	ErrProtocol        = "E_PROTOCOL"
	ErrTransport       = "E_TRANSPORT"

	// Reservation lifecycle.
	ErrValidation   = "E_VALIDATION"
	ErrPrecondition = "E_PRECONDITION"
	ErrPlacement    = "E_PLACEMENT"
	ErrTimeout      = "E_TIMEOUT"
	ErrInternal     = "E_INTERNAL"
)

var knownCodes = map[string]struct{}{
	ErrProtoBadRequest: {},
	ErrProtocol:        {},
	ErrTransport:       {},
	ErrValidation:      {},
	ErrPrecondition:    {},
	ErrPlacement:       {},
	ErrTimeout:         {},
	ErrInternal:        {},
}

func IsKnownCode(code string) bool {
	if code == "" {
		return true
	}
	_, ok := knownCodes[code]
	return ok
}

// Error is the failure raised by every reservation transition. Reason is
// human readable and safe to show to the traveler.
type Error struct {
	Code   string
	Reason string
	Err    error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Reason, e.Err)
	}
	return e.Reason
}

func (e *Error) Unwrap() error { return e.Err }

func Errorf(code, format string, args ...any) *Error {
	return &Error{Code: code, Reason: fmt.Sprintf(format, args...)}
}

func Wrap(code string, err error, format string, args ...any) *Error {
	return &Error{Code: code, Reason: fmt.Sprintf(format, args...), Err: err}
}

// CodeOf reports the code carried by err, or ErrInternal for foreign errors.
func CodeOf(err error) string {
	if err == nil {
		return ""
	}
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Code
	}
	return ErrInternal
}

// ReasonOf returns the traveler-facing reason for err.
func ReasonOf(err error) string {
	if err == nil {
		return ""
	}
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Reason
	}
	return err.Error()
}
