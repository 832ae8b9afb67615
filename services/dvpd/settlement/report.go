package settlement

import (
	"sort"
	"time"

	"dvpsettle/native/bundle"
)

// Outcome classifies a bundle or a whole run.
type Outcome string

const (
	OutcomeSettled    Outcome = "settled"
	OutcomeNotMatched Outcome = "not_matched"
	OutcomeRejected   Outcome = "rejected"
	OutcomeFailed     Outcome = "failed"
	OutcomeTimedOut   Outcome = "timed_out"
	OutcomePartial    Outcome = "partial"
	OutcomeUnknown    Outcome = "unknown"
	OutcomeAborted    Outcome = "aborted"
)

// Attention reasons recorded on reports and counted in metrics.
const (
	ReasonPartial           = "partial_execution"
	ReasonTransport         = "transport_exhausted"
	ReasonProtocolViolation = "protocol_violation"
	ReasonBalanceMismatch   = "balance_mismatch"
	ReasonCancelFailed      = "cancel_failed"
	ReasonNotFinalized      = "order_not_finalized"
	ReasonAborted           = "aborted_pending"
)

// LegReport is the final observed state of one leg.
type LegReport struct {
	Index       uint32        `json:"index"`
	Participant string        `json:"participant"`
	Ledger      string        `json:"ledger"`
	Kind        string        `json:"kind"`
	Asset       string        `json:"asset"`
	Recipient   string        `json:"recipient"`
	AssetClass  string        `json:"assetClass"`
	Amount      string        `json:"amount"`
	ExpireAt    time.Time     `json:"expireAt"`
	TxHash      string        `json:"txHash,omitempty"`
	Duplicate   bool          `json:"duplicate,omitempty"`
	Scheduled   bool          `json:"scheduled"`
	Status      bundle.Status `json:"status"`
	StatusName  string        `json:"statusName"`
	Error       string        `json:"error,omitempty"`
	Attention   bool          `json:"attention,omitempty"`
}

// LedgerReport is the oracle's final observation on one ledger.
type LedgerReport struct {
	Ledger     string        `json:"ledger"`
	Status     bundle.Status `json:"status"`
	StatusName string        `json:"statusName"`
	TimedOut   bool          `json:"timedOut,omitempty"`
	Cancelled  bool          `json:"cancelled,omitempty"`
	Error      string        `json:"error,omitempty"`
}

// BalanceDelta is one post-condition balance check.
type BalanceDelta struct {
	Ledger   string `json:"ledger"`
	Asset    string `json:"asset"`
	Class    string `json:"class"`
	Holder   string `json:"holder"`
	Expected string `json:"expected"`
	Actual   string `json:"actual"`
	OK       bool   `json:"ok"`
}

// BundleReport describes one bundle of a run.
type BundleReport struct {
	Label      string         `json:"label"`
	Commitment string         `json:"commitment"`
	Hasher     string         `json:"hasher"`
	Outcome    Outcome        `json:"outcome"`
	Deadline   time.Time      `json:"deadline"`
	Legs       []LegReport    `json:"legs"`
	Ledgers    []LedgerReport `json:"ledgers"`
	Balances   []BalanceDelta `json:"balances,omitempty"`
	Attention  []string       `json:"attention,omitempty"`
	Error      string         `json:"error,omitempty"`
}

// Report is the audit record of one settlement run.
type Report struct {
	RunID      string           `json:"runId"`
	Scenario   string           `json:"scenario"`
	Outcome    Outcome          `json:"outcome"`
	StartedAt  time.Time        `json:"startedAt"`
	FinishedAt time.Time        `json:"finishedAt"`
	Handshake  *HandshakeResult `json:"handshake,omitempty"`
	Bundles    []BundleReport   `json:"bundles"`
	Attention  []string         `json:"attention,omitempty"`
	Error      string           `json:"error,omitempty"`
}

// NeedsAttention reports whether an operator must look at the run.
func (r *Report) NeedsAttention() bool { return r != nil && len(r.Attention) > 0 }

// LegsNeedingAttention lists the legs flagged across all bundles.
func (r *Report) LegsNeedingAttention() []LegReport {
	if r == nil {
		return nil
	}
	var out []LegReport
	for _, b := range r.Bundles {
		for _, leg := range b.Legs {
			if leg.Attention {
				out = append(out, leg)
			}
		}
	}
	return out
}

func (r *Report) flag(reason string) {
	for _, existing := range r.Attention {
		if existing == reason {
			return
		}
	}
	r.Attention = append(r.Attention, reason)
	sort.Strings(r.Attention)
}

func (b *BundleReport) flag(reason string) {
	for _, existing := range b.Attention {
		if existing == reason {
			return
		}
	}
	b.Attention = append(b.Attention, reason)
}

// classify derives the bundle outcome from the oracle observations. It
// returns the sentinel matching the outcome, nil when settled.
func classify(obs map[string]Observation, awaitErr error) (Outcome, error) {
	if awaitErr != nil {
		if isContextErr(awaitErr) {
			return OutcomeAborted, awaitErr
		}
		return OutcomeUnknown, awaitErr
	}
	var executed, failed, timedOut, unknown int
	for _, o := range obs {
		switch {
		case o.Status == bundle.StatusExecuted:
			executed++
		case o.Status == bundle.StatusFailed || o.Status == bundle.StatusExpired:
			failed++
		case o.Err != nil:
			unknown++
		case o.TimedOut:
			timedOut++
		}
	}
	switch {
	case len(obs) > 0 && executed == len(obs):
		return OutcomeSettled, nil
	case executed > 0:
		return OutcomePartial, ErrPartialSettlement
	case unknown > 0:
		return OutcomeUnknown, ErrTransportExhausted
	case failed > 0:
		return OutcomeFailed, ErrBundleFailed
	case timedOut > 0:
		return OutcomeTimedOut, ErrDeadlineExceeded
	default:
		return OutcomeUnknown, ErrDeadlineExceeded
	}
}
