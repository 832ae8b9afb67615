package settlement

import (
	"strconv"
	"strings"

	"dvpsettle/core/events"
	"dvpsettle/native/bundle"
)

const (
	EventTypeRunStarted     = "settlement.run.started"
	EventTypeOrderMatched   = "settlement.order.matched"
	EventTypeOrderRejected  = "settlement.order.rejected"
	EventTypeBundlePlanned  = "settlement.bundle.planned"
	EventTypeBundleOutcome  = "settlement.bundle.outcome"
	EventTypeAttention      = "settlement.attention"
	EventTypeRunFinished    = "settlement.run.finished"
	EventTypeOrderFinalized = "settlement.order.finalized"
)

func runEvent(eventType string, report *Report) events.Record {
	attrs := map[string]string{
		"runId":    report.RunID,
		"scenario": report.Scenario,
	}
	if report.Outcome != "" {
		attrs["outcome"] = string(report.Outcome)
	}
	if len(report.Attention) > 0 {
		attrs["attention"] = strings.Join(report.Attention, ",")
	}
	return events.Record{Type: eventType, Attributes: attrs}
}

func bundlePlannedEvent(runID, label string, plan *bundle.Plan) events.Record {
	return events.Record{
		Type: EventTypeBundlePlanned,
		Attributes: map[string]string{
			"runId":        runID,
			"label":        label,
			"bundle":       plan.Commitment.Hex(),
			"hasher":       plan.Hasher,
			"legs":         strconv.Itoa(len(plan.Legs)),
			"participants": strings.Join(plan.Participants(), ","),
		},
	}
}

func bundleOutcomeEvent(runID string, b *BundleReport) events.Record {
	attrs := map[string]string{
		"runId":   runID,
		"label":   b.Label,
		"bundle":  b.Commitment,
		"outcome": string(b.Outcome),
	}
	for _, l := range b.Ledgers {
		attrs["status."+l.Ledger] = l.StatusName
	}
	return events.Record{Type: EventTypeBundleOutcome, Attributes: attrs}
}

func attentionEvent(runID, reason, detail string) events.Record {
	return events.Record{
		Type: EventTypeAttention,
		Attributes: map[string]string{
			"runId":  runID,
			"reason": reason,
			"detail": detail,
		},
	}
}

func orderEvent(eventType, runID string, res *HandshakeResult) events.Record {
	attrs := map[string]string{
		"runId":       runID,
		"operationId": strconv.FormatUint(res.OperationID, 10),
		"form":        res.Form,
	}
	if res.Mismatch != "" {
		attrs["field"] = res.Mismatch
	}
	return events.Record{Type: eventType, Attributes: attrs}
}
