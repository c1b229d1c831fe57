// Package plcerr defines the stable error taxonomy shared by every layer
// between a PLC transaction and the client that requested it.
//
// A Code survives unwrapping: DeviceLink raises PLC_CONN_ERROR after
// exhausting its retries, DeviceController wraps the cause without
// changing the Code, FleetManager returns errors as they are without
// adding its own context, and the transport layers (CommandAPI, EventStream) are the
// only place a Code is finally translated into a wire-level status.
package plcerr

import (
	"errors"
	"fmt"
)

// Code is one of the five taxonomy members from the error handling design.
type Code string

const (
	BadRequest    Code = "BAD_REQUEST"
	BadCommand    Code = "BAD_COMMAND"
	PLCBusy       Code = "PLC_BUSY"
	PLCConnError  Code = "PLC_CONN_ERROR"
	InternalError Code = "INTERNAL_ERROR"
)

// Error pairs a stable Code with a human-readable message and an optional
// wrapped cause. It never itself changes Code across layers; only the
// message gains context as it is wrapped. NotFound and TooLarge further
// distinguish BAD_REQUEST cases the HTTP surface must map differently: an
// unknown machine id (404), an oversized body (413), versus any other
// malformed request (400).
type Error struct {
	Code     Code
	Message  string
	Cause    error
	NotFound bool
	TooLarge bool
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }

// New constructs an Error with no wrapped cause.
func New(code Code, message string) *Error {
	return &Error{Code: code, Message: message}
}

// NewNotFound constructs a BAD_REQUEST Error marked NotFound, for the
// "unknown machine id" case the HTTP surface maps to 404 instead of 400.
func NewNotFound(message string) *Error {
	return &Error{Code: BadRequest, Message: message, NotFound: true}
}

// NewTooLarge constructs a BAD_REQUEST Error marked TooLarge, for a
// request body exceeding the API's limit, which the HTTP surface maps to
// 413 instead of 400.
func NewTooLarge(message string) *Error {
	return &Error{Code: BadRequest, Message: message, TooLarge: true}
}

// Wrap attaches message and cause under the given code. The code passed
// in is always the resulting Code, whatever Code cause itself carries.
func Wrap(code Code, message string, cause error) *Error {
	return &Error{Code: code, Message: message, Cause: cause}
}

// WithContext re-wraps err, preserving its Code if it has one, adding a
// message prefix either way. DeviceController uses this to add context
// to a failed transaction without ever promoting or demoting the severity
// of an error raised by a lower layer; FleetManager does not call it.
func WithContext(prefix string, err error) error {
	if err == nil {
		return nil
	}
	var pe *Error
	if errors.As(err, &pe) {
		return &Error{Code: pe.Code, Message: prefix + ": " + pe.Message, Cause: pe.Cause, NotFound: pe.NotFound, TooLarge: pe.TooLarge}
	}
	return &Error{Code: InternalError, Message: prefix, Cause: err}
}

// CodeOf extracts the Code carried by err, defaulting to InternalError for
// an error that never passed through this package.
func CodeOf(err error) Code {
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Code
	}
	return InternalError
}

// IsNotFound reports whether err is a BAD_REQUEST raised for an unknown
// machine id, as opposed to any other malformed request.
func IsNotFound(err error) bool {
	var pe *Error
	if errors.As(err, &pe) {
		return pe.NotFound
	}
	return false
}

// IsTooLarge reports whether err is a BAD_REQUEST raised for an oversized
// request body.
func IsTooLarge(err error) bool {
	var pe *Error
	if errors.As(err, &pe) {
		return pe.TooLarge
	}
	return false
}
