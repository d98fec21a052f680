// Package coreerr is the error taxonomy shared by the resolver, the ledger,
// and the continuity engine.
package coreerr

import (
	"errors"
	"fmt"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// #region kind

// Kind is a machine-readable error category.
type Kind string

const (
	// KindInvalidRequest marks a malformed attempt or observation. The item is
	// dropped with a report entry; the cycle continues.
	KindInvalidRequest Kind = "invalid_request"
	// KindInvariantViolation marks a data-integrity bug. Fatal to the cycle.
	KindInvariantViolation Kind = "invariant_violation"
	// KindLedgerConflict marks a duplicate or competing terminal transition.
	KindLedgerConflict Kind = "ledger_conflict"
	// KindArithmetic marks a negative-balance or overflow outcome.
	KindArithmetic Kind = "arithmetic"
	// KindInternal wraps failures from the dispatch port.
	KindInternal Kind = "internal"
)

// GRPCCode maps a kind to the gRPC status code used on the dispatch transport.
func (k Kind) GRPCCode() codes.Code {
	switch k {
	case KindInvalidRequest:
		return codes.InvalidArgument
	case KindInvariantViolation:
		return codes.DataLoss
	case KindLedgerConflict:
		return codes.Aborted
	case KindArithmetic:
		return codes.FailedPrecondition
	default:
		return codes.Internal
	}
}

// #endregion kind

// #region error

// Error is the structured error type for the core.
type Error struct {
	Kind     Kind
	Op       string            // operation that failed, e.g. "settle_reservation"
	Message  string
	Metadata map[string]string // identifiers involved, for logs and reports
	Cause    error
}

// Error implements the error interface.
func (e *Error) Error() string {
	msg := e.Message
	if e.Op != "" {
		msg = e.Op + ": " + msg
	}
	if e.Cause != nil {
		msg += ": " + e.Cause.Error()
	}
	return msg
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error {
	return e.Cause
}

// Is reports whether target is an *Error of the same kind. A target with an
// empty Kind matches any *Error.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == "" || t.Kind == e.Kind
}

// GRPCStatus lets status.FromError and status.Code recognise core errors.
func (e *Error) GRPCStatus() *status.Status {
	return status.New(e.Kind.GRPCCode(), e.Error())
}

// #endregion error

// #region constructors

// New creates an error of the given kind.
func New(kind Kind, op, message string) *Error {
	return &Error{Kind: kind, Op: op, Message: message}
}

// Newf creates an error of the given kind with a formatted message.
func Newf(kind Kind, op, format string, args ...any) *Error {
	return &Error{Kind: kind, Op: op, Message: fmt.Sprintf(format, args...)}
}

// Wrap creates an error of the given kind around cause.
func Wrap(kind Kind, op, message string, cause error) *Error {
	return &Error{Kind: kind, Op: op, Message: message, Cause: cause}
}

// With returns a copy of e carrying one more metadata pair.
func (e *Error) With(key, value string) *Error {
	cp := *e
	cp.Metadata = make(map[string]string, len(e.Metadata)+1)
	for k, v := range e.Metadata {
		cp.Metadata[k] = v
	}
	cp.Metadata[key] = value
	return &cp
}

// #endregion constructors

// #region predicates

// Sentinels for errors.Is checks.
var (
	ErrInvalidRequest     = &Error{Kind: KindInvalidRequest}
	ErrInvariantViolation = &Error{Kind: KindInvariantViolation}
	ErrLedgerConflict     = &Error{Kind: KindLedgerConflict}
	ErrArithmetic         = &Error{Kind: KindArithmetic}
	ErrInternal           = &Error{Kind: KindInternal}
)

// KindOf returns the kind of the first *Error in err's chain, or KindInternal
// for foreign errors. A nil error has no kind.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// IsFatal reports whether err must abort the whole cycle.
func IsFatal(err error) bool {
	switch KindOf(err) {
	case KindInvariantViolation, KindInternal:
		return true
	default:
		return false
	}
}

// FromStatus rebuilds a core error from a gRPC error returned by a remote
// dispatch port. Errors that are not gRPC statuses become KindInternal.
func FromStatus(op string, err error) *Error {
	st, ok := status.FromError(err)
	if !ok {
		return Wrap(KindInternal, op, "transport failure", err)
	}
	kind := KindInternal
	switch st.Code() {
	case codes.InvalidArgument:
		kind = KindInvalidRequest
	case codes.DataLoss:
		kind = KindInvariantViolation
	case codes.Aborted:
		kind = KindLedgerConflict
	case codes.FailedPrecondition:
		kind = KindArithmetic
	}
	return &Error{Kind: kind, Op: op, Message: st.Message(), Cause: err}
}

// #endregion predicates
