// Package eimzoerr classifies failures of the signing pipeline.
//
// Every failure that leaves a public operation is an *Error carrying a Code, a human readable
// message, optional details (usually the raw agent payload) and the original cause.
package eimzoerr

import (
	"errors"
	"fmt"
)

// Code identifies a class of failure.
type Code string

const (
	CodeInitializationFailed    Code = "INITIALIZATION_FAILED"
	CodeNotInitialized          Code = "NOT_INITIALIZED"
	CodeCertificateNotFound     Code = "CERTIFICATE_NOT_FOUND"
	CodeServiceError            Code = "EIMZO_SERVICE_ERROR"
	CodeTimestampError          Code = "TIMESTAMP_ERROR"
	CodeInvalidParameters       Code = "INVALID_PARAMETERS"
	CodeSignatureCreationFailed Code = "SIGNATURE_CREATION_FAILED"
	CodeKeyLoadFailed           Code = "KEY_LOAD_FAILED"
	CodeTimestampAttachFailed   Code = "TIMESTAMP_ATTACH_FAILED"
	CodeInvalidCertificateType  Code = "INVALID_CERTIFICATE_TYPE"
	CodeUnknown                 Code = "UNKNOWN_ERROR"
)

// Default messages used when the agent gives no reason of its own.
const (
	MsgNotInitialized          = "E-IMZO API is not initialized, call Start first"
	MsgSignatureCreationFailed = "failed to create signature"
	MsgKeyLoadFailed           = "failed to load key"
	MsgTimestampAttachFailed   = "failed to attach timestamp"
	MsgInvalidCertificateType  = "invalid certificate type"
	MsgUnexpected              = "unexpected error"
)

// Error is a classified failure.
type Error struct {
	Code    Code
	Message string
	// Details holds diagnostic data such as the raw agent response or aggregated failures.
	Details any
	// Err is the underlying cause, if any.
	Err error
}

// New creates an Error without an underlying cause.
func New(code Code, message string) *Error {
	return &Error{Code: code, Message: message}
}

// Wrap creates an Error around cause.
func Wrap(code Code, message string, cause error) *Error {
	return &Error{Code: code, Message: message, Err: cause}
}

// WithDetails attaches diagnostic details and returns the receiver.
func (e *Error) WithDetails(details any) *Error {
	e.Details = details
	return e
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// CodeOf returns the Code of the first *Error in err's chain, or CodeUnknown.
func CodeOf(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return CodeUnknown
}

// Recover converts a panic into a CodeUnknown failure stored in *errp.
// It must be deferred directly by the public operation.
func Recover(errp *error) {
	r := recover()
	if r == nil {
		return
	}

	cause, ok := r.(error)
	if !ok {
		cause = fmt.Errorf("panic: %v", r)
	}

	*errp = Wrap(CodeUnknown, MsgUnexpected, cause).WithDetails(r)
}
