package settlement

import (
	"context"
	"errors"
	"testing"
	"time"

	"dvpsettle/native/bundle"
)

func TestClassify(t *testing.T) {
	exec := Observation{Status: bundle.StatusExecuted, Terminal: true}
	failed := Observation{Status: bundle.StatusFailed, Terminal: true}
	expired := Observation{Status: bundle.StatusExpired, Terminal: true}
	pending := Observation{Status: bundle.StatusSubmitted, TimedOut: true}
	lost := Observation{Status: bundle.StatusSubmitted, Err: ErrTransportExhausted}

	cases := []struct {
		name    string
		obs     map[string]Observation
		err     error
		outcome Outcome
		want    error
	}{
		{"all executed", map[string]Observation{"a": exec, "b": exec}, nil, OutcomeSettled, nil},
		{"one executed one expired", map[string]Observation{"a": exec, "b": expired}, nil, OutcomePartial, ErrPartialSettlement},
		{"executed beats unknown", map[string]Observation{"a": exec, "b": lost}, nil, OutcomePartial, ErrPartialSettlement},
		{"unknown beats failed", map[string]Observation{"a": failed, "b": lost}, nil, OutcomeUnknown, ErrTransportExhausted},
		{"failed and pending", map[string]Observation{"a": failed, "b": pending}, nil, OutcomeFailed, ErrBundleFailed},
		{"all pending", map[string]Observation{"a": pending, "b": pending}, nil, OutcomeTimedOut, ErrDeadlineExceeded},
		{"cancelled wait", nil, context.Canceled, OutcomeAborted, context.Canceled},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			outcome, err := classify(tc.obs, tc.err)
			if outcome != tc.outcome {
				t.Fatalf("outcome = %s, want %s", outcome, tc.outcome)
			}
			if tc.want == nil && err != nil {
				t.Fatalf("unexpected error %v", err)
			}
			if tc.want != nil && !errors.Is(err, tc.want) {
				t.Fatalf("error = %v, want %v", err, tc.want)
			}
		})
	}

	violation := &ProtocolViolation{Ledger: "a", From: bundle.StatusExecutionMonitored, To: bundle.StatusSubmitted}
	outcome, err := classify(map[string]Observation{"a": exec}, violation)
	if outcome != OutcomeUnknown || !errors.Is(err, bundle.ErrStatusRegression) {
		t.Fatalf("violation classified as %s / %v", outcome, err)
	}
}

func TestReportAttentionIsDeduplicated(t *testing.T) {
	r := &Report{}
	r.flag(ReasonTransport)
	r.flag(ReasonPartial)
	r.flag(ReasonTransport)
	if len(r.Attention) != 2 || r.Attention[0] != ReasonPartial {
		t.Fatalf("attention = %v", r.Attention)
	}
	if !r.NeedsAttention() {
		t.Fatalf("report should need attention")
	}
	var nilReport *Report
	if nilReport.NeedsAttention() || nilReport.LegsNeedingAttention() != nil {
		t.Fatalf("nil report needs nothing")
	}
}

func TestOutcomeForError(t *testing.T) {
	cases := map[Outcome]error{
		OutcomeSettled:    nil,
		OutcomeAborted:    context.DeadlineExceeded,
		OutcomeNotMatched: ErrNotMatched,
		OutcomeRejected:   Precondition(errors.New("insufficient balance")),
		OutcomePartial:    ErrPartialSettlement,
		OutcomeFailed:     ErrBundleFailed,
		OutcomeTimedOut:   ErrDeadlineExceeded,
		OutcomeUnknown:    ErrTransportExhausted,
	}
	for want, err := range cases {
		if got := outcomeForError(err); got != want {
			t.Fatalf("outcomeForError(%v) = %s, want %s", err, got, want)
		}
	}
}

func TestRetryPolicy(t *testing.T) {
	policy := RetryPolicy{Attempts: 3, Initial: time.Millisecond, Max: time.Millisecond}

	t.Run("transient until success", func(t *testing.T) {
		calls, retries := 0, 0
		err := policy.Do(context.Background(), func(context.Context) error {
			calls++
			if calls < 3 {
				return Transient(errors.New("reset"))
			}
			return nil
		}, func(error, time.Duration) { retries++ })
		if err != nil || calls != 3 || retries != 2 {
			t.Fatalf("err=%v calls=%d retries=%d", err, calls, retries)
		}
	})

	t.Run("exhaustion", func(t *testing.T) {
		calls := 0
		err := policy.Do(context.Background(), func(context.Context) error {
			calls++
			return Transient(errors.New("503"))
		}, nil)
		if !errors.Is(err, ErrTransportExhausted) || calls != 3 {
			t.Fatalf("err=%v calls=%d", err, calls)
		}
	})

	t.Run("precondition is not retried", func(t *testing.T) {
		calls := 0
		refusal := Precondition(errors.New("insufficient allowance"))
		err := policy.Do(context.Background(), func(context.Context) error {
			calls++
			return refusal
		}, nil)
		if !errors.Is(err, ErrPrecondition) || errors.Is(err, ErrTransportExhausted) || calls != 1 {
			t.Fatalf("err=%v calls=%d", err, calls)
		}
	})

	t.Run("cancelled context", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		err := policy.Do(ctx, func(ctx context.Context) error { return ctx.Err() }, nil)
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("err=%v", err)
		}
	})
}

func TestTransientWrapping(t *testing.T) {
	if Transient(nil) != nil {
		t.Fatalf("nil stays nil")
	}
	base := errors.New("eof")
	once := Transient(base)
	if Transient(once) != once {
		t.Fatalf("double wrap")
	}
	if !IsTransient(once) || !errors.Is(once, base) {
		t.Fatalf("transient chain broken")
	}
	if IsTransient(Precondition(base)) {
		t.Fatalf("precondition marked transient")
	}
}
