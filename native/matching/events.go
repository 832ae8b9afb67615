package matching

import (
	"strconv"

	"github.com/ethereum/go-ethereum/common"

	"dvpsettle/core/events"
)

const (
	EventTypeOrderInitiated = "matching.order.initiated"
	EventTypeOrderMatched   = "matching.order.matched"
	EventTypeOrderMismatch  = "matching.order.mismatch"
)

// NewOrderEvent returns the payload for an order lifecycle change.
func NewOrderEvent(eventType string, entry *Entry) events.Record {
	attrs := map[string]string{}
	if entry != nil {
		o := entry.Order
		attrs["operationId"] = strconv.FormatUint(o.OperationID, 10)
		attrs["form"] = o.Form.String()
		attrs["sender"] = common.Address(o.Sender).Hex()
		attrs["receiver"] = common.Address(o.Receiver).Hex()
		attrs["instrument"] = o.Instrument.String()
		attrs["quantity"] = cloneInt(o.Quantity).String()
		attrs["unitPrice"] = cloneInt(o.UnitPrice).String()
		attrs["status"] = entry.OrderStatus().String()
	}
	return events.Record{Type: eventType, Attributes: attrs}
}

// NewMismatchEvent records a rejected confirmation.
func NewMismatchEvent(operationID uint64, field string) events.Record {
	return events.Record{
		Type: EventTypeOrderMismatch,
		Attributes: map[string]string{
			"operationId": strconv.FormatUint(operationID, 10),
			"field":       field,
		},
	}
}
