package rpcq

import (
	"context"
	"errors"
	"fmt"
)

// Code classifies an RPC failure.
type Code string

const (
	CodeBadRequest Code = "bad_request"
	CodeNotFound   Code = "not_found"
	CodeTimeout    Code = "timeout"
	CodeCanceled   Code = "canceled"
	CodeParse      Code = "parse"
	CodeInternal   Code = "internal"
)

// Error is the failure shape RPC calls surface. It lands in whichever channel
// the caller used: the returned error (binders), the entry error view
// (watchers and live handles), or the OnError callback (subscription runner).
type Error struct {
	Code    Code
	Path    string // procedure path, when known
	Message string
	Err     error // wrapped cause, optional
}

func (e *Error) Error() string {
	msg := e.Message
	switch {
	case msg != "" && e.Err != nil:
		msg = msg + ": " + e.Err.Error()
	case msg == "" && e.Err != nil:
		msg = e.Err.Error()
	}
	switch {
	case e.Path != "" && msg != "":
		return fmt.Sprintf("rpcq: %s %q: %s", e.Code, e.Path, msg)
	case e.Path != "":
		return fmt.Sprintf("rpcq: %s %q", e.Code, e.Path)
	default:
		return fmt.Sprintf("rpcq: %s: %s", e.Code, msg)
	}
}

func (e *Error) Unwrap() error { return e.Err }

// ErrorCode extracts the code from err. Context cancellation and deadline
// errors map to their codes; anything unrecognized reports CodeInternal.
func ErrorCode(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	switch {
	case errors.Is(err, context.Canceled):
		return CodeCanceled
	case errors.Is(err, context.DeadlineExceeded):
		return CodeTimeout
	}
	return CodeInternal
}

// wrapRPC normalizes an arbitrary caller failure into *Error. Errors that
// already carry a code pass through unchanged.
func wrapRPC(path string, err error) error {
	if err == nil {
		return nil
	}
	var e *Error
	if errors.As(err, &e) {
		return err
	}
	return &Error{Code: ErrorCode(err), Path: path, Err: err}
}
