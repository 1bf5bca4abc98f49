package pipeline

import (
	"errors"
	"fmt"

	"riskgate/internal/approvals"
	"riskgate/internal/callctx"
	"riskgate/internal/integrity"
)

type ErrorKind string

const (
	KindContextInvalid       ErrorKind = "context_invalid"
	KindIntegrityViolation   ErrorKind = "integrity_violation"
	KindUnauthorizedApprover ErrorKind = "unauthorized_approver"
	KindDuplicateDecision    ErrorKind = "duplicate_decision"
	KindRequestExpired       ErrorKind = "request_expired"
	KindChainIntegrity       ErrorKind = "chain_integrity_error"
	KindNotFound             ErrorKind = "not_found"
	KindConflict             ErrorKind = "conflict"
	KindInvalid              ErrorKind = "invalid_request"
	KindForbidden            ErrorKind = "forbidden"
	KindUnavailable          ErrorKind = "unavailable"
)

var (
	ErrCallNotFound   = errors.New("call not found")
	ErrNotCancellable = errors.New("call is no longer awaiting approval")
)

// Error is the failure a caller of the gateway sees. Kind is stable and
// machine-readable; Indicators lists the detector codes or integrity reason
// that triggered it.
type Error struct {
	Kind       ErrorKind
	Reason     string
	CallID     string
	Indicators []string
	Fields     []callctx.FieldError
	Err        error
}

func (e *Error) Error() string {
	msg := string(e.Kind)
	if e.Reason != "" {
		msg += ": " + e.Reason
	}
	if e.Err != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Err)
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// KindOf returns the kind of a pipeline error, or "" for any other error.
func KindOf(err error) ErrorKind {
	var perr *Error
	if errors.As(err, &perr) {
		return perr.Kind
	}
	return ""
}

func approvalError(err error) error {
	kind := ErrorKind("")
	switch {
	case errors.Is(err, approvals.ErrUnauthorizedApprover):
		kind = KindUnauthorizedApprover
	case errors.Is(err, approvals.ErrDuplicateDecision):
		kind = KindDuplicateDecision
	case errors.Is(err, approvals.ErrRequestExpired):
		kind = KindRequestExpired
	case errors.Is(err, approvals.ErrRequestResolved):
		kind = KindConflict
	case errors.Is(err, approvals.ErrRequestNotFound):
		kind = KindNotFound
	case errors.Is(err, approvals.ErrInvalidVerdict):
		kind = KindInvalid
	default:
		return err
	}
	return &Error{Kind: kind, Reason: err.Error(), Err: err}
}

func manifestError(err error) error {
	kind := ErrorKind("")
	switch {
	case errors.Is(err, integrity.ErrNotAdmin):
		kind = KindForbidden
	case errors.Is(err, integrity.ErrNotFound):
		kind = KindNotFound
	case errors.Is(err, integrity.ErrNotPending), errors.Is(err, integrity.ErrAlreadyRevoked), errors.Is(err, integrity.ErrVersionNotNewer):
		kind = KindConflict
	case errors.Is(err, integrity.ErrInvalidSignature), errors.Is(err, integrity.ErrUnknownKey),
		errors.Is(err, integrity.ErrInvalidVersion), errors.Is(err, integrity.ErrInvalidHash),
		errors.Is(err, integrity.ErrManifestExpired):
		kind = KindInvalid
	default:
		return err
	}
	return &Error{Kind: kind, Reason: err.Error(), Err: err}
}
