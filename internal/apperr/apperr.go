// Package apperr defines the uniform error shape surfaced by the REST
// client and the realtime layer.
package apperr

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
)

// Code classifies a failure.
type Code string

const (
	CodeNetwork        Code = "network"
	CodeTimeout        Code = "timeout"
	CodeAuthentication Code = "authentication"
	CodeValidation     Code = "validation"
	CodeServer         Code = "server"
	CodeProtocol       Code = "protocol"
	CodeNotFound       Code = "not_found"
	CodeUnknown        Code = "unknown"
)

// Error is the uniform {code, message, status, data} error.
type Error struct {
	Code    Code            `json:"code"`
	Message string          `json:"message"`
	Status  int             `json:"status,omitempty"`
	Data    json.RawMessage `json:"data,omitempty"`
	Err     error           `json:"-"`
}

func (e *Error) Error() string {
	msg := e.Message
	if msg == "" && e.Err != nil {
		msg = e.Err.Error()
	}
	if e.Status != 0 {
		return fmt.Sprintf("%s (%d): %s", e.Code, e.Status, msg)
	}
	return fmt.Sprintf("%s: %s", e.Code, msg)
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches another *Error by code, so errors.Is(err, &Error{Code: CodeTimeout})
// works as a category test.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Message == "" && t.Status == 0 && t.Code == e.Code
}

// Retryable reports whether the caller may retry the same operation.
func (e *Error) Retryable() bool {
	switch e.Code {
	case CodeNetwork, CodeTimeout, CodeServer:
		return true
	}
	return false
}

// New builds an error with the given code and message.
func New(code Code, message string) *Error {
	return &Error{Code: code, Message: message}
}

// Wrap builds an error with the given code around err.
func Wrap(code Code, message string, err error) *Error {
	return &Error{Code: code, Message: message, Err: err}
}

// Protocol reports an unknown or malformed realtime event.
func Protocol(format string, args ...any) *Error {
	return &Error{Code: CodeProtocol, Message: fmt.Sprintf(format, args...)}
}

// CodeForStatus maps an HTTP status to an error code.
func CodeForStatus(status int) Code {
	switch {
	case status == http.StatusBadRequest, status == http.StatusUnprocessableEntity:
		return CodeValidation
	case status == http.StatusUnauthorized, status == http.StatusForbidden:
		return CodeAuthentication
	case status == http.StatusNotFound:
		return CodeNotFound
	case status == http.StatusRequestTimeout, status == http.StatusGatewayTimeout:
		return CodeTimeout
	case status >= 500:
		return CodeServer
	}
	return CodeUnknown
}

// FromStatus builds an error for a non-success HTTP response. Fields
// decoded from the body win over the status-derived defaults.
func FromStatus(status int, body []byte) *Error {
	e := &Error{Code: CodeForStatus(status), Status: status}
	var wire struct {
		Code    string          `json:"code"`
		Message string          `json:"message"`
		Data    json.RawMessage `json:"data"`
	}
	if len(body) > 0 && json.Unmarshal(body, &wire) == nil {
		e.Message = wire.Message
		if len(wire.Data) > 0 && string(wire.Data) != "null" {
			e.Data = wire.Data
		}
		if c := Code(wire.Code); c.known() {
			e.Code = c
		}
	}
	if e.Message == "" {
		e.Message = http.StatusText(status)
	}
	return e
}

// FromTransport classifies an error returned by an HTTP round trip or a
// websocket dial.
func FromTransport(err error) *Error {
	if err == nil {
		return nil
	}
	var ae *Error
	if errors.As(err, &ae) {
		return ae
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return Wrap(CodeTimeout, "request timed out", err)
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return Wrap(CodeTimeout, "request timed out", err)
	}
	return Wrap(CodeNetwork, "network error", err)
}

// CodeOf returns the code of err, or CodeUnknown when err is not an *Error.
func CodeOf(err error) Code {
	var ae *Error
	if errors.As(err, &ae) {
		return ae.Code
	}
	return CodeUnknown
}

// IsRetryable reports whether err is an *Error that may be retried.
func IsRetryable(err error) bool {
	var ae *Error
	return errors.As(err, &ae) && ae.Retryable()
}

func (c Code) known() bool {
	switch c {
	case CodeNetwork, CodeTimeout, CodeAuthentication, CodeValidation,
		CodeServer, CodeProtocol, CodeNotFound, CodeUnknown:
		return true
	}
	return false
}
