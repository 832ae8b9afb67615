package escrow

import (
	"strconv"

	"github.com/ethereum/go-ethereum/common"

	"dvpsettle/core/events"
	"dvpsettle/native/bundle"
)

const (
	EventTypeLegScheduled    = "escrow.leg.scheduled"
	EventTypeBundleMonitored = "escrow.bundle.monitored"
	EventTypeBundleExecuted  = "escrow.bundle.executed"
	EventTypeBundleCancelled = "escrow.bundle.cancelled"
	EventTypeBundleExpired   = "escrow.bundle.expired"
)

// NewLegScheduledEvent returns the canonical payload for a newly escrowed leg.
func NewLegScheduledEvent(leg *ScheduledLeg) events.Record {
	if leg == nil {
		return events.Record{Type: EventTypeLegScheduled, Attributes: map[string]string{}}
	}
	return events.Record{
		Type: EventTypeLegScheduled,
		Attributes: map[string]string{
			"bundle":    common.Hash(leg.Commitment).Hex(),
			"index":     strconv.FormatUint(uint64(leg.Index), 10),
			"kind":      bundle.Kind(leg.Kind).String(),
			"asset":     common.Address(leg.Asset).Hex(),
			"sender":    common.Address(leg.Sender).Hex(),
			"recipient": common.Address(leg.Recipient).Hex(),
			"class":     cloneBigInt(leg.AssetClass).String(),
			"amount":    cloneBigInt(leg.Amount).String(),
			"expireAt":  strconv.FormatUint(leg.ExpireAt, 10),
		},
	}
}

// NewBundleEvent returns the payload for a bundle status change.
func NewBundleEvent(eventType string, rec *Bundle) events.Record {
	attrs := map[string]string{}
	if rec != nil {
		attrs["bundle"] = common.Hash(rec.Commitment).Hex()
		attrs["status"] = rec.BundleStatus().String()
		attrs["legs"] = strconv.Itoa(len(rec.Indexes))
	}
	return events.Record{Type: eventType, Attributes: attrs}
}
