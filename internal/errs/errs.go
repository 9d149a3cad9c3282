package errs

import (
	"errors"
	"fmt"
)

// Code classifies an engine error for the caller.
type Code string

const (
	CodeUnknown            Code = "UNKNOWN"
	CodeFetch              Code = "FETCH_FAILED"
	CodeMutation           Code = "MUTATION_FAILED"
	CodeChannel            Code = "CHANNEL_FAILED"
	CodeConflict           Code = "RECONCILIATION_CONFLICT"
	CodeInvalidArgument    Code = "INVALID_ARGUMENT"
	CodeNotFound           Code = "NOT_FOUND"
	CodeFailedPrecondition Code = "FAILED_PRECONDITION"
)

// AppError carries a code, a human message and an optional cause.
type AppError struct {
	Code    Code   `json:"code"`
	Message string `json:"message"`
	Cause   error  `json:"-"`
}

func (e *AppError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

func (e *AppError) Unwrap() error { return e.Cause }

// Constructors
func New(code Code, message string) error {
	return &AppError{Code: code, Message: message}
}

func Wrap(code Code, message string, cause error) error {
	return &AppError{Code: code, Message: message, Cause: cause}
}

// Fetch marks a failed read from the REST backend. Callers decide whether
// to retry; the engine never does.
func Fetch(message string, cause error) error {
	return Wrap(CodeFetch, message, cause)
}

// Mutation marks a failed remote write. The optimistic local change has
// already been rolled back when this surfaces.
func Mutation(message string, cause error) error {
	return Wrap(CodeMutation, message, cause)
}

// Channel marks a push-subscription failure after retries were exhausted.
func Channel(message string, cause error) error {
	return Wrap(CodeChannel, message, cause)
}

// Conflict marks a push event referencing state unknown locally.
func Conflict(message string) error {
	return New(CodeConflict, message)
}

func InvalidArg(msg string) error {
	return New(CodeInvalidArgument, msg)
}

func NotFound(msg string) error {
	return New(CodeNotFound, msg)
}

func FailedPrecondition(msg string) error {
	return New(CodeFailedPrecondition, msg)
}

// Domain errors
var (
	ErrNoActiveConversation = FailedPrecondition("no active conversation selected")
	ErrMessageNotFound      = NotFound("message not found in active conversation")
	ErrConversationNotFound = NotFound("conversation not found")
)

// CodeOf extracts the Code from an error chain, or CodeUnknown.
func CodeOf(err error) Code {
	var ae *AppError
	if errors.As(err, &ae) {
		return ae.Code
	}
	return CodeUnknown
}

// Is reports whether err carries the given code.
func Is(err error, code Code) bool {
	return CodeOf(err) == code
}
