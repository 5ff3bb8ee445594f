package service

import (
	"errors"
	"fmt"

	"github.com/digkill/creditcanvas/internal/providers"
)

var ErrCreditsRequired = errors.New("insufficient credits, payment required")

// Kind is the caller-facing failure taxonomy.
type Kind string

const (
	KindValidation          Kind = "validation-error"
	KindInsufficientCredits Kind = "insufficient-credits"
	KindUpstreamAuth        Kind = Kind(providers.KindAuth)
	KindUpstreamRejected    Kind = Kind(providers.KindRejectedInput)
	KindUpstreamUnavailable Kind = Kind(providers.KindUnavailable)
	KindUpstreamBadResponse Kind = Kind(providers.KindBadResponse)
	KindStorage             Kind = "storage-error"
	KindSignatureInvalid    Kind = "signature-invalid"
	KindMissingMetadata     Kind = "missing-metadata"
	KindNotFound            Kind = "not-found"
)

// Error carries a Kind plus, for dispatch failures, the credit cost of the
// request and the balance observed while serving it.
type Error struct {
	Kind    Kind
	Message string
	Cost    int
	Balance *int
	Err     error
}

func (e *Error) Error() string {
	msg := string(e.Kind)
	if e.Message != "" {
		msg += ": " + e.Message
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

// KindOf returns the Kind of err, or "" when err is not a service error.
func KindOf(err error) Kind {
	var se *Error
	if errors.As(err, &se) {
		return se.Kind
	}
	return ""
}

func validationError(format string, args ...any) *Error {
	return &Error{Kind: KindValidation, Message: fmt.Sprintf(format, args...)}
}

func notFound(format string, args ...any) *Error {
	return &Error{Kind: KindNotFound, Message: fmt.Sprintf(format, args...)}
}

func storageError(msg string, err error) *Error {
	return &Error{Kind: KindStorage, Message: msg, Err: err}
}

// upstreamError lifts an adapter failure into the service taxonomy.
func upstreamError(err error) *Error {
	var perr *providers.Error
	if errors.As(err, &perr) {
		return &Error{Kind: Kind(perr.Kind), Message: perr.Message, Err: err}
	}
	return &Error{Kind: KindUpstreamBadResponse, Message: "provider failed", Err: err}
}
