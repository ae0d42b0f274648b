package router

import (
	"errors"
	"fmt"
)

// ErrorKind is the closed set of error categories the router surfaces.
// Every error crossing the router boundary resolves to one of these; no raw
// internal errors reach callers.
type ErrorKind int

const (
	// KindValidation: malformed or out-of-range request fields. Local,
	// never retried.
	KindValidation ErrorKind = iota
	// KindQuotaExceeded: the user is over a configured limit. The caller
	// may retry later.
	KindQuotaExceeded
	// KindNotFound: unknown request/GPU/user id on lookup or cancel.
	KindNotFound
	// KindCapacityUnavailable: a specifically requested GPU cannot take
	// the request. (Without a pinned GPU the request is queued instead.)
	KindCapacityUnavailable
	// KindBackendExecution: the execution backend reported failure.
	KindBackendExecution
)

func (k ErrorKind) String() string {
	switch k {
	case KindValidation:
		return "validation"
	case KindQuotaExceeded:
		return "quota_exceeded"
	case KindNotFound:
		return "not_found"
	case KindCapacityUnavailable:
		return "capacity_unavailable"
	case KindBackendExecution:
		return "backend_execution"
	default:
		return fmt.Sprintf("unknown(%d)", int(k))
	}
}

// Error carries an ErrorKind plus structured context: the offending field
// for validation failures, the limit name for quota denials.
type Error struct {
	Kind   ErrorKind
	Field  string // offending field, validation errors only
	Limit  string // limit name, quota errors only
	Reason string
}

func (e *Error) Error() string {
	switch {
	case e.Field != "":
		return fmt.Sprintf("%s: field %q: %s", e.Kind, e.Field, e.Reason)
	case e.Limit != "":
		return fmt.Sprintf("%s: limit %q: %s", e.Kind, e.Limit, e.Reason)
	default:
		return fmt.Sprintf("%s: %s", e.Kind, e.Reason)
	}
}

func newValidationError(field, reason string) *Error {
	return &Error{Kind: KindValidation, Field: field, Reason: reason}
}

func newQuotaError(limit, reason string) *Error {
	return &Error{Kind: KindQuotaExceeded, Limit: limit, Reason: reason}
}

func newNotFoundError(what, id string) *Error {
	return &Error{Kind: KindNotFound, Reason: fmt.Sprintf("%s %q not found", what, id)}
}

func newCapacityError(reason string) *Error {
	return &Error{Kind: KindCapacityUnavailable, Reason: reason}
}

// KindOf extracts the ErrorKind from err, if it is a router error.
func KindOf(err error) (ErrorKind, bool) {
	var re *Error
	if errors.As(err, &re) {
		return re.Kind, true
	}
	return 0, false
}

// IsKind reports whether err is a router error of the given kind.
func IsKind(err error, kind ErrorKind) bool {
	k, ok := KindOf(err)
	return ok && k == kind
}
