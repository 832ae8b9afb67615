package settlement

import (
	"context"
	"fmt"

	"dvpsettle/native/matching"
)

// Handshake names the two sides of a trade and the terms each submits. When
// Expected is nil the confirming side checks the same terms the initiator
// registered.
type Handshake struct {
	Initiator string
	Confirmer string
	Order     matching.Order
	Expected  *matching.Order
}

func (h *Handshake) expected() matching.Order {
	if h.Expected != nil {
		return *h.Expected
	}
	return h.Order
}

// HandshakeResult records the trade matching outcome.
type HandshakeResult struct {
	OperationID uint64    `json:"operationId"`
	Form        string    `json:"form"`
	Initiated   *TxHandle `json:"initiated,omitempty"`
	Matched     bool      `json:"matched"`
	Mismatch    string    `json:"mismatch,omitempty"`
	Finalized   *TxHandle `json:"finalized,omitempty"`
}

// Initiate registers the order as part 0.
func Initiate(ctx context.Context, book OrderBook, order matching.Order) (TxHandle, error) {
	if book == nil {
		return TxHandle{}, fmt.Errorf("settlement: order book not configured")
	}
	if err := order.Validate(); err != nil {
		return TxHandle{}, Precondition(err)
	}
	return book.Submit(ctx, matching.PartInitiator, order)
}

// Confirm asks the order book whether the confirming side's terms match the
// initiated order. A mismatch returns false and, when the book can read the
// stored order, the first differing field.
func Confirm(ctx context.Context, book OrderBook, order matching.Order) (bool, string, error) {
	if book == nil {
		return false, "", fmt.Errorf("settlement: order book not configured")
	}
	ok, err := book.MatchOrder(ctx, matching.PartConfirmer, order)
	if err != nil || ok {
		return ok, "", err
	}
	reader, canRead := book.(OrderReader)
	if !canRead {
		return false, "", nil
	}
	entry, found, err := reader.Order(ctx, order.OperationID)
	if err != nil {
		return false, "", err
	}
	if !found {
		return false, "operationId", nil
	}
	return false, entry.Order.Mismatch(order), nil
}

// Finalize submits the confirming part 1 call after the bundles executed,
// moving the order to Matched.
func Finalize(ctx context.Context, book OrderBook, order matching.Order) (TxHandle, error) {
	if book == nil {
		return TxHandle{}, fmt.Errorf("settlement: order book not configured")
	}
	return book.Submit(ctx, matching.PartConfirmer, order)
}
