package ledger

import (
	"context"
	"errors"
)

// Kind classifies a ledger error for callers that need to react to the
// category rather than the specific failure.
type Kind string

const (
	KindValidation    Kind = "validation"
	KindAuthorization Kind = "authorization"
	KindPrecondition  Kind = "precondition"
	KindResource      Kind = "resource"
	KindNotFound      Kind = "not_found"
	KindExternal      Kind = "external"
	KindInternal      Kind = "internal"
)

// Error is a classified ledger error. Compare with errors.Is against the
// exported sentinels.
type Error struct {
	Kind Kind
	msg  string
}

func (e *Error) Error() string { return "ledger: " + e.msg }

func newError(kind Kind, msg string) *Error { return &Error{Kind: kind, msg: msg} }

var (
	ErrInvalidParameters = newError(KindValidation, "invalid parameters")
	ErrUnauthorized      = newError(KindAuthorization, "unauthorized")
	ErrUnknownStrategy   = newError(KindNotFound, "unknown strategy")
	ErrNoHedge           = newError(KindNotFound, "no hedge registered")
	ErrInactive          = newError(KindPrecondition, "strategy not active")
	ErrAlreadySettled    = newError(KindPrecondition, "strategy already settled")
	ErrMatured           = newError(KindPrecondition, "strategy matured")
	ErrNotMatured        = newError(KindPrecondition, "strategy not matured")
	ErrNotSettled        = newError(KindPrecondition, "strategy not settled")
	ErrNoClaimableCost   = newError(KindPrecondition, "no claimable position")
	ErrAlreadyClosed     = newError(KindPrecondition, "hedge already closed")
	ErrInsufficientFunds = newError(KindResource, "insufficient funds")
	ErrTransferDenied    = newError(KindResource, "transfer not authorized")
	ErrHedgeVenue        = newError(KindExternal, "hedge venue failure")
)

// KindOf returns the classification of err, or KindInternal for errors the
// ledger did not produce.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return KindExternal
	}
	return KindInternal
}
