package bundle

import (
	"errors"
	"fmt"
)

// Status is the per-ledger bundle status reported by the escrow or the node.
type Status uint8

const (
	StatusCreated            Status = 0
	StatusSubmitted          Status = 1
	StatusExecuted           Status = 2
	StatusFailed             Status = 3
	StatusExpired            Status = 4
	StatusExecutionMonitored Status = 5
	StatusCancelMonitored    Status = 6
)

var (
	ErrUnknownStatus    = errors.New("bundle: unknown status value")
	ErrStatusRegression = errors.New("bundle: non-monotonic status transition")
)

// Valid reports whether the status is one of the known values.
func (s Status) Valid() bool { return s <= StatusCancelMonitored }

// Terminal reports whether no further transition is allowed.
func (s Status) Terminal() bool {
	switch s {
	case StatusExecuted, StatusFailed, StatusExpired:
		return true
	default:
		return false
	}
}

// Settled reports whether the leg(s) on the ledger executed.
func (s Status) Settled() bool { return s == StatusExecuted }

func (s Status) String() string {
	switch s {
	case StatusCreated:
		return "created"
	case StatusSubmitted:
		return "submitted"
	case StatusExecuted:
		return "executed"
	case StatusFailed:
		return "failed"
	case StatusExpired:
		return "expired"
	case StatusExecutionMonitored:
		return "execution_monitored"
	case StatusCancelMonitored:
		return "cancel_monitored"
	default:
		return fmt.Sprintf("status(%d)", uint8(s))
	}
}

// ParseStatus converts a raw numeric status into a Status.
func ParseStatus(raw uint64) (Status, error) {
	if raw > uint64(StatusCancelMonitored) {
		return 0, fmt.Errorf("%w: %d", ErrUnknownStatus, raw)
	}
	return Status(raw), nil
}

func (s Status) rank() int {
	switch s {
	case StatusCreated:
		return 0
	case StatusSubmitted:
		return 1
	case StatusExecutionMonitored, StatusCancelMonitored:
		return 2
	default:
		return 3
	}
}

// CheckTransition validates an observed change from prev to next on one
// ledger. Repeating a status is always allowed. Terminal statuses never
// change, ranks never decrease, and a rollback in progress cannot turn
// into an execution.
func CheckTransition(prev, next Status) error {
	if !next.Valid() {
		return fmt.Errorf("%w: %d", ErrUnknownStatus, uint8(next))
	}
	if prev == next {
		return nil
	}
	if prev.Terminal() || next.rank() < prev.rank() {
		return fmt.Errorf("%w: %s -> %s", ErrStatusRegression, prev, next)
	}
	if prev == StatusCancelMonitored && (next == StatusExecuted || next == StatusExecutionMonitored) {
		return fmt.Errorf("%w: %s -> %s", ErrStatusRegression, prev, next)
	}
	return nil
}
