package api

import (
	"errors"
	"fmt"
	"net/http"
)

// ErrorKind splits failures the way the appliance reports them: domain errors
// come from the object model (bad config, DHCP failure, unknown object) and
// technical errors from transport or server faults.
type ErrorKind string

const (
	KindDomain    ErrorKind = "domain"
	KindTechnical ErrorKind = "technical"
)

type Code string

const (
	CodeBadRequest               Code = "bad_request"
	CodeNotFound                 Code = "not_found"
	CodeInvalidState             Code = "invalid_state"
	CodeInvalidFilter            Code = "invalid_filter"
	CodeDHCPFailed               Code = "dhcp_failed"
	CodeAddressResolutionFailed  Code = "address_resolution_failed"
	CodeLocked                   Code = "locked"
	CodeUnsupported              Code = "unsupported"
	CodeInternal                 Code = "internal"
	CodeUnavailable              Code = "unavailable"
	CodeUnexpectedResponseStatus Code = "unexpected_status"
)

type Error struct {
	Kind    ErrorKind `json:"kind"`
	Code    Code      `json:"code"`
	Message string    `json:"message"`

	cause error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s error (%s): %s: %v", e.Kind, e.Code, e.Message, e.cause)
	}
	return fmt.Sprintf("%s error (%s): %s", e.Kind, e.Code, e.Message)
}

func (e *Error) Unwrap() error {
	return e.cause
}

// HTTPStatus maps the error onto the status code the API answers with.
func (e *Error) HTTPStatus() int {
	switch e.Code {
	case CodeNotFound:
		return http.StatusNotFound
	case CodeLocked:
		return http.StatusConflict
	case CodeInvalidState:
		return http.StatusConflict
	case CodeUnsupported:
		return http.StatusNotImplemented
	case CodeUnavailable:
		return http.StatusServiceUnavailable
	}
	if e.Kind == KindTechnical {
		return http.StatusInternalServerError
	}
	return http.StatusUnprocessableEntity
}

func Domain(code Code, format string, args ...interface{}) *Error {
	return &Error{Kind: KindDomain, Code: code, Message: fmt.Sprintf(format, args...)}
}

func Technical(code Code, format string, args ...interface{}) *Error {
	return &Error{Kind: KindTechnical, Code: code, Message: fmt.Sprintf(format, args...)}
}

// Wrap builds a technical error that keeps err as its cause.
func Wrap(err error, code Code, format string, args ...interface{}) *Error {
	return &Error{Kind: KindTechnical, Code: code, Message: fmt.Sprintf(format, args...), cause: err}
}

func asError(err error) (*Error, bool) {
	var apiErr *Error
	if errors.As(err, &apiErr) {
		return apiErr, true
	}
	return nil, false
}

func IsDomain(err error) bool {
	e, ok := asError(err)
	return ok && e.Kind == KindDomain
}

func IsTechnical(err error) bool {
	e, ok := asError(err)
	return ok && e.Kind == KindTechnical
}

func HasCode(err error, code Code) bool {
	e, ok := asError(err)
	return ok && e.Code == code
}
