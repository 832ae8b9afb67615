package settlement

import (
	"context"
	"errors"
	"fmt"

	"dvpsettle/native/bundle"
)

var (
	// ErrPrecondition wraps a ledger's refusal of a request: insufficient
	// balance or allowance, duplicate index, expired deadline, unknown asset.
	// Precondition failures are never retried.
	ErrPrecondition = errors.New("settlement: precondition failed")
	// ErrNotMatched reports that the confirming side's terms differ from the
	// initiated order. Nothing is scheduled.
	ErrNotMatched = errors.New("settlement: order terms not matched")
	// ErrDeadlineExceeded reports that not every ledger reached a terminal
	// status before the oracle deadline.
	ErrDeadlineExceeded = errors.New("settlement: bundle deadline exceeded")
	// ErrBundleFailed reports that the bundle failed or expired on at least
	// one ledger and executed on none.
	ErrBundleFailed = errors.New("settlement: bundle failed")
	// ErrPartialSettlement reports that some ledgers executed and others did
	// not. It is never reconciled automatically.
	ErrPartialSettlement = errors.New("settlement: bundle partially executed")
	// ErrTransportExhausted reports that retries against a ledger endpoint ran
	// out. The ledger outcome is unknown, not failed.
	ErrTransportExhausted = errors.New("settlement: transport retries exhausted")
	// ErrBalanceMismatch reports that post-settlement balances moved by other
	// amounts than the executed legs.
	ErrBalanceMismatch = errors.New("settlement: balance post-condition violated")
	// ErrNotFinalized reports that the bundles executed but the confirming
	// order submission failed.
	ErrNotFinalized = errors.New("settlement: order not finalized")

	ErrUnknownParticipant = errors.New("settlement: unknown participant")
	ErrUnknownLedger      = errors.New("settlement: unknown ledger")
	ErrNoBundles          = errors.New("settlement: instruction has no bundles")
)

// TransientError marks a transport failure that may succeed when retried.
type TransientError struct {
	Err error
}

func (e *TransientError) Error() string { return "transient: " + e.Err.Error() }

func (e *TransientError) Unwrap() error { return e.Err }

// Transient wraps err as retryable. A nil err stays nil.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	var te *TransientError
	if errors.As(err, &te) {
		return err
	}
	return &TransientError{Err: err}
}

// IsTransient reports whether err was marked retryable.
func IsTransient(err error) bool {
	var te *TransientError
	return errors.As(err, &te)
}

// Precondition wraps a ledger refusal so callers can match ErrPrecondition
// while keeping the ledger's own reason in the chain.
func Precondition(err error) error {
	if err == nil || errors.Is(err, ErrPrecondition) {
		return err
	}
	return fmt.Errorf("%w: %w", ErrPrecondition, err)
}

// LegError attributes a scheduling failure to one leg.
type LegError struct {
	Ledger      string
	Participant string
	Key         bundle.LegKey
	Err         error
}

func (e *LegError) Error() string {
	return fmt.Sprintf("leg %d on %s (%s): %v", e.Key.Index, e.Ledger, e.Participant, e.Err)
}

func (e *LegError) Unwrap() error { return e.Err }

// ProtocolViolation reports a status regression observed on a ledger. It is a
// hard error: the ledger or its node is misbehaving.
type ProtocolViolation struct {
	Ledger     string
	Commitment string
	From       bundle.Status
	To         bundle.Status
}

func (e *ProtocolViolation) Error() string {
	return fmt.Sprintf("protocol violation on %s: bundle %s moved %s -> %s", e.Ledger, e.Commitment, e.From, e.To)
}

func (e *ProtocolViolation) Unwrap() error { return bundle.ErrStatusRegression }

func isContextErr(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}
