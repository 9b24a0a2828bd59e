package firestore

import (
	"context"
	"errors"
	"fmt"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

type errorClass uint8

const (
	classNotFound errorClass = 1 << iota
	classConflict
	classUnavailable
)

// Aborted means contention outlived the transaction's retries: the caller may retry, and
// the write did not happen.
var grpcClasses = map[codes.Code]errorClass{
	codes.NotFound:           classNotFound,
	codes.AlreadyExists:      classConflict,
	codes.FailedPrecondition: classConflict,
	codes.OutOfRange:         classConflict,
	codes.Aborted:            classConflict | classUnavailable,
	codes.Unavailable:        classUnavailable,
	codes.ResourceExhausted:  classUnavailable,
	codes.Internal:           classUnavailable,
}

// Error carries a Firestore failure with the repositories.RepositoryError classification.
type Error struct {
	op    string
	err   error
	class errorClass
}

func (e *Error) Error() string {
	if e.op == "" {
		return e.err.Error()
	}
	return e.op + ": " + e.err.Error()
}

func (e *Error) Unwrap() error { return e.err }

func (e *Error) IsNotFound() bool    { return e != nil && e.class&classNotFound != 0 }
func (e *Error) IsConflict() bool    { return e != nil && e.class&classConflict != 0 }
func (e *Error) IsUnavailable() bool { return e != nil && e.class&classUnavailable != 0 }

// NotFoundError reports a document that a batched read returned without data.
func NotFoundError(op, id string) error {
	return &Error{op: op, err: fmt.Errorf("document %q not found", id), class: classNotFound}
}

// WrapError classifies err by its gRPC status. Cancellation and deadline errors are returned
// as the context sentinels so callers see the caller's own cancellation, not a store fault.
func WrapError(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	var wrapped *Error
	if errors.As(err, &wrapped) {
		return err
	}
	code := status.Code(err)
	switch code {
	case codes.Canceled:
		return context.Canceled
	case codes.DeadlineExceeded:
		return context.DeadlineExceeded
	}
	return &Error{op: op, err: err, class: grpcClasses[code]}
}
