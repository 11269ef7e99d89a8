// Package faults is the error taxonomy shared by the validator, the store
// adapters and the sync scheduler. Every fault carries the wire code it is
// reported with.
package faults

import (
	"errors"
	"fmt"

	"claimsync.ai/internal/protocol"
)

type Kind int

const (
	Validation Kind = iota + 1
	Authorization
	NotFound
	Store
	Protocol
	TransientScheduler
)

func (k Kind) String() string {
	switch k {
	case Validation:
		return "validation"
	case Authorization:
		return "authorization"
	case NotFound:
		return "not_found"
	case Store:
		return "store"
	case Protocol:
		return "protocol"
	case TransientScheduler:
		return "transient_scheduler"
	default:
		return "unknown"
	}
}

type Error struct {
	Kind    Kind
	Code    string
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return e.Code + ": " + e.Message
}

func (e *Error) Unwrap() error { return e.Err }

func Validationf(code, format string, args ...any) *Error {
	return &Error{Kind: Validation, Code: code, Message: fmt.Sprintf(format, args...)}
}

func Forbidden(format string, args ...any) *Error {
	return &Error{Kind: Authorization, Code: protocol.ErrPermissionDenied, Message: fmt.Sprintf(format, args...)}
}

func ClaimNotFound(id string) *Error {
	return &Error{Kind: NotFound, Code: protocol.ErrClaimNotFound, Message: "claim " + id + " not found"}
}

// StoreFailure hides collaborator detail from clients; the cause stays
// available through Unwrap for logs.
func StoreFailure(op string, err error) *Error {
	return &Error{Kind: Store, Code: protocol.ErrDatabase, Message: op + " failed", Err: err}
}

func Transient(err error) *Error {
	return &Error{Kind: TransientScheduler, Code: protocol.ErrInternal, Message: "sync sweep failed", Err: err}
}

// From returns the fault inside err, or an internal fault when err is not
// one of ours.
func From(err error) *Error {
	if err == nil {
		return nil
	}
	var f *Error
	if errors.As(err, &f) {
		return f
	}
	var de *protocol.DecodeError
	if errors.As(err, &de) {
		return &Error{Kind: Protocol, Code: de.Code, Message: de.Err.Error(), Err: err}
	}
	return &Error{Kind: Store, Code: protocol.ErrInternal, Message: "internal error", Err: err}
}

func Is(err error, k Kind) bool {
	var f *Error
	return errors.As(err, &f) && f.Kind == k
}
