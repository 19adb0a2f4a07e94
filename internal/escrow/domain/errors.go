package domain

import (
	"errors"
	"fmt"
)

// Error taxonomy for the escrow engine.
var (
	// ErrStaleStage means the caller's view of the current stage lost a
	// race with another writer. Recoverable: refetch and re-derive.
	ErrStaleStage = errors.New("stale stage")

	// ErrInvalidTransition means the requested stage pair is not in the
	// transition table. Not retryable.
	ErrInvalidTransition = errors.New("invalid stage transition")

	// ErrGatewayUnavailable means the gateway call could not be
	// dispatched. Transient; safe to retry with the same request nonce.
	ErrGatewayUnavailable = errors.New("payment gateway unavailable")

	// ErrDuplicateWebhook means a gateway event was already applied.
	// Expected under at-least-once delivery; logged and dropped.
	ErrDuplicateWebhook = errors.New("duplicate webhook event")

	// ErrLedgerInconsistency means the ledger's escrow position would
	// exceed the order total. Fatal for the order: further transitions
	// are halted pending manual review.
	ErrLedgerInconsistency = errors.New("ledger inconsistency")

	// ErrOrderHalted means the order was halted after a ledger
	// inconsistency and refuses all transitions.
	ErrOrderHalted = errors.New("order halted pending review")

	// ErrReleaseNotAllowed means the release authorization policy refused
	// the request (delivery not confirmed, dispute hold, wrong actor).
	ErrReleaseNotAllowed = errors.New("release not allowed")

	// ErrOrderNotFound means no escrow record exists for the order.
	ErrOrderNotFound = errors.New("order not found")
)

// TransitionError carries the offending stage pair for an illegal
// transition.
type TransitionError struct {
	From Stage
	To   Stage
	Err  error
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("transition %s -> %s: %v", e.From, e.To, e.Err)
}

func (e *TransitionError) Unwrap() error {
	return e.Err
}
