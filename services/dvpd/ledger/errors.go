package ledger

import (
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"strings"
	"syscall"

	"github.com/ethereum/go-ethereum/rpc"

	"dvpsettle/services/dvpd/settlement"
)

var (
	// ErrReverted reports a mined transaction with a failed receipt.
	ErrReverted = errors.New("ledger: transaction reverted")
	// ErrReceiptTimeout reports that no receipt arrived in time. The
	// transaction may still land.
	ErrReceiptTimeout = errors.New("ledger: receipt not available")
	// ErrNoOrderBook is returned by order calls on ledgers without operation
	// contracts.
	ErrNoOrderBook = errors.New("ledger: no operation contract configured")
	// ErrScheduleConflict reports a duplicate refusal where the escrow holds
	// a different leg than the one requested.
	ErrScheduleConflict = errors.New("ledger: escrow holds a different request")
)

// JSON-RPC error code geth uses for execution reverts.
const revertCode = 3

// duplicate markers escrow deployments put in their revert reasons when the
// same (bundle, index) is scheduled twice.
var duplicateMarkers = []string{"already scheduled", "duplicate index", "index already used"}

// classify maps transport and node errors onto the settlement taxonomy: a
// ledger refusal becomes a precondition, anything that may pass on retry is
// marked transient, context errors pass through unchanged.
func classify(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	if errors.Is(err, settlement.ErrPrecondition) || settlement.IsTransient(err) {
		return err
	}
	var rpcErr rpc.Error
	if errors.As(err, &rpcErr) {
		if rpcErr.ErrorCode() == revertCode || isRevertMessage(rpcErr.Error()) {
			return settlement.Precondition(err)
		}
		// -32005 limit exceeded is the rate limit geth-style nodes apply.
		if rpcErr.ErrorCode() == -32005 {
			return settlement.Transient(err)
		}
		return err
	}
	var httpErr rpc.HTTPError
	if errors.As(err, &httpErr) {
		if httpErr.StatusCode >= http.StatusInternalServerError || httpErr.StatusCode == http.StatusTooManyRequests {
			return settlement.Transient(err)
		}
		return err
	}
	if errors.Is(err, ErrReverted) {
		return settlement.Precondition(err)
	}
	if errors.Is(err, ErrReceiptTimeout) || errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, syscall.ECONNREFUSED) || errors.Is(err, syscall.ECONNRESET) {
		return settlement.Transient(err)
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return settlement.Transient(err)
	}
	if isRevertMessage(err.Error()) {
		return settlement.Precondition(err)
	}
	return err
}

func isRevertMessage(msg string) bool {
	msg = strings.ToLower(msg)
	return strings.Contains(msg, "execution reverted") || strings.Contains(msg, "revert")
}

// isDuplicate reports whether err is the escrow refusing a request it already
// holds. Resubmitting after a lost receipt lands here.
func isDuplicate(err error) bool {
	if err == nil || !errors.Is(err, settlement.ErrPrecondition) {
		return false
	}
	msg := strings.ToLower(err.Error())
	for _, marker := range duplicateMarkers {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}
