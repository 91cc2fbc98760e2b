package failure

// Package failure defines the machine-distinguishable error kinds shared by the
// capture, upload, job and pipeline packages. Every error that can end a
// pipeline session carries one of these kinds plus a human readable reason.

import (
	"errors"
	"fmt"
)

// Kind classifies an error for programmatic handling.
type Kind string

const (
	KindNone                Kind = ""
	KindUnsupportedType     Kind = "UnsupportedType"
	KindFileTooLarge        Kind = "FileTooLarge"
	KindDeviceAccessDenied  Kind = "DeviceAccessDenied"
	KindUploadFailure       Kind = "UploadFailure"
	KindSubmissionRejected  Kind = "SubmissionRejected"
	KindRemoteTimeout       Kind = "RemoteTimeout"
	KindRemoteError         Kind = "RemoteError"
	KindConcurrentOperation Kind = "ConcurrentOperationRejected"
	KindCanceled            Kind = "Canceled"
	KindNotAuthenticated    Kind = "NotAuthenticated"
)

// Error is an error tagged with a Kind.
type Error struct {
	Kind   Kind
	Reason string // Human readable, shown to the user
	Err    error  // Underlying cause, may be nil
}

// Error prefers the reason over the cause; reasons are written to already
// describe the cause when it matters to the user.
func (e *Error) Error() string {
	if e.Reason == "" && e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Reason)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches any *Error of the same Kind, so sentinel values such as
// ErrFileTooLarge work with errors.Is.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind && t.Reason == "" && t.Err == nil
}

// New creates an error of the given kind.
func New(kind Kind, reason string) *Error {
	return &Error{Kind: kind, Reason: reason}
}

// Newf creates an error of the given kind with a formatted reason.
func Newf(kind Kind, format string, a ...any) *Error {
	return &Error{Kind: kind, Reason: fmt.Sprintf(format, a...)}
}

// Wrap tags err with kind. A nil err returns nil.
func Wrap(kind Kind, err error, reason string) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Reason: reason, Err: err}
}

// KindOf returns the Kind of the first *Error in err's chain, or KindNone.
func KindOf(err error) Kind {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind
	}
	return KindNone
}

// ReasonOf returns the reason of the first *Error in err's chain, falling back
// to err.Error().
func ReasonOf(err error) string {
	if err == nil {
		return ""
	}
	var fe *Error
	if errors.As(err, &fe) && fe.Reason != "" {
		return fe.Reason
	}
	return err.Error()
}

// Sentinels for errors.Is checks.
var (
	ErrUnsupportedType     = &Error{Kind: KindUnsupportedType}
	ErrFileTooLarge        = &Error{Kind: KindFileTooLarge}
	ErrDeviceAccessDenied  = &Error{Kind: KindDeviceAccessDenied}
	ErrUploadFailure       = &Error{Kind: KindUploadFailure}
	ErrSubmissionRejected  = &Error{Kind: KindSubmissionRejected}
	ErrRemoteTimeout       = &Error{Kind: KindRemoteTimeout}
	ErrRemoteError         = &Error{Kind: KindRemoteError}
	ErrConcurrentOperation = &Error{Kind: KindConcurrentOperation}
	ErrCanceled            = &Error{Kind: KindCanceled}
	ErrNotAuthenticated    = &Error{Kind: KindNotAuthenticated}
)
