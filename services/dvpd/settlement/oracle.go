package settlement

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"dvpsettle/native/bundle"
)

// DefaultPollInterval is the status polling cadence when none is configured.
const DefaultPollInterval = 2 * time.Second

// Observation is the last status one ledger reported for a bundle.
type Observation struct {
	Ledger     string        `json:"ledger"`
	Status     bundle.Status `json:"status"`
	Terminal   bool          `json:"terminal"`
	TimedOut   bool          `json:"timedOut,omitempty"`
	Stopped    bool          `json:"stopped,omitempty"`
	Polls      int           `json:"polls"`
	ObservedAt time.Time     `json:"observedAt"`
	Err        error         `json:"-"`
}

// Oracle polls every participating ledger until each reports a terminal
// status or the deadline passes.
type Oracle struct {
	interval time.Duration
	retry    RetryPolicy
	clock    Clock
	metrics  *Metrics
	logger   *slog.Logger
	tracer   trace.Tracer
	failFast bool
}

// OracleOption customises the oracle.
type OracleOption func(*Oracle)

// WithPollInterval sets the polling cadence.
func WithPollInterval(d time.Duration) OracleOption {
	return func(o *Oracle) { o.interval = d }
}

// WithOracleRetry sets the retry policy for status reads.
func WithOracleRetry(p RetryPolicy) OracleOption {
	return func(o *Oracle) { o.retry = p }
}

// WithOracleClock sets the oracle time source.
func WithOracleClock(c Clock) OracleOption {
	return func(o *Oracle) { o.clock = c }
}

// WithOracleLogger sets the oracle logger.
func WithOracleLogger(l *slog.Logger) OracleOption {
	return func(o *Oracle) { o.logger = l }
}

// WithOracleMetrics sets the metrics registry.
func WithOracleMetrics(m *Metrics) OracleOption {
	return func(o *Oracle) { o.metrics = m }
}

// WithFailFast stops polling the remaining ledgers after the round in which
// any ledger reports Failed or Expired.
func WithFailFast(enabled bool) OracleOption {
	return func(o *Oracle) { o.failFast = enabled }
}

// NewOracle constructs a bundle status oracle.
func NewOracle(opts ...OracleOption) *Oracle {
	o := &Oracle{
		interval: DefaultPollInterval,
		retry:    DefaultRetryPolicy,
		clock:    SystemClock(),
		logger:   slog.Default(),
		tracer:   otel.Tracer("dvpd/settlement"),
	}
	for _, opt := range opts {
		opt(o)
	}
	if o.interval <= 0 {
		o.interval = DefaultPollInterval
	}
	if o.clock == nil {
		o.clock = SystemClock()
	}
	if o.logger == nil {
		o.logger = slog.Default()
	}
	return o
}

// Await polls sources concurrently in rounds: every pending ledger is read in
// the same round, then the oracle sleeps one interval. A ledger drops out of
// the rounds once it reports a terminal status. Ledgers still pending at
// deadline are returned with TimedOut set. A status regression on any ledger
// aborts the wait with a *ProtocolViolation; transport exhaustion is recorded
// on that ledger's observation only. With fail fast, the round in which any
// ledger reports Failed or Expired is the last one, and the ledgers still
// pending are returned with Stopped set and the status read in that round.
func (o *Oracle) Await(ctx context.Context, sources map[string]StatusSource, commitment common.Hash, deadline time.Time) (map[string]Observation, error) {
	ctx, span := o.tracer.Start(ctx, "settlement.await_bundle", trace.WithAttributes(
		attribute.String("bundle", commitment.Hex()),
		attribute.Int("ledgers", len(sources)),
	))
	defer span.End()

	pending := make([]string, 0, len(sources))
	out := make(map[string]Observation, len(sources))
	for name := range sources {
		pending = append(pending, name)
		out[name] = Observation{Ledger: name, Status: bundle.StatusCreated}
	}
	sort.Strings(pending)

	fail := func(err error) (map[string]Observation, error) {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return out, err
	}
	markPending := func(pending []string, apply func(*Observation)) {
		for _, name := range pending {
			obs := out[name]
			apply(&obs)
			out[name] = obs
		}
	}

	for {
		var mu sync.Mutex
		g, gctx := errgroup.WithContext(ctx)
		for _, name := range pending {
			name := name
			mu.Lock()
			obs := out[name]
			mu.Unlock()
			g.Go(func() error {
				err := o.observe(gctx, name, sources[name], commitment, &obs)
				mu.Lock()
				out[name] = obs
				mu.Unlock()
				return err
			})
		}
		err := g.Wait()
		if err == nil && ctx.Err() != nil {
			err = ctx.Err()
		}
		if err != nil {
			if isContextErr(err) {
				markPending(pending, func(obs *Observation) { obs.Stopped = true })
			}
			return fail(err)
		}

		next := pending[:0:0]
		halted := false
		for _, name := range pending {
			obs := out[name]
			switch {
			case obs.Terminal:
				if o.failFast && (obs.Status == bundle.StatusFailed || obs.Status == bundle.StatusExpired) {
					halted = true
				}
			case obs.Err != nil:
			default:
				next = append(next, name)
			}
		}
		pending = next
		if len(pending) == 0 {
			return out, nil
		}
		if halted {
			markPending(pending, func(obs *Observation) { obs.Stopped = true })
			return out, nil
		}
		if !o.clock.Now().Before(deadline) {
			markPending(pending, func(obs *Observation) { obs.TimedOut = true })
			return out, nil
		}
		wait := o.interval
		if remaining := deadline.Sub(o.clock.Now()); remaining < wait {
			wait = remaining
		}
		select {
		case <-ctx.Done():
			markPending(pending, func(obs *Observation) { obs.Stopped = true })
			return fail(ctx.Err())
		case <-o.clock.After(wait):
		}
	}
}

// observe reads one status into obs. It returns an error only for a protocol
// violation, a cancelled context or a permanent read failure.
func (o *Oracle) observe(ctx context.Context, ledger string, source StatusSource, commitment common.Hash, obs *Observation) error {
	var status bundle.Status
	err := o.retry.Do(ctx, func(ctx context.Context) error {
		s, err := source.BundleStatus(ctx, commitment)
		if err != nil {
			return err
		}
		status = s
		return nil
	}, func(err error, wait time.Duration) {
		o.metrics.RecordRetry(ledger, "status")
		o.logger.Warn("retrying bundle status",
			slog.String("ledger", ledger),
			slog.String("bundle", commitment.Hex()),
			slog.Duration("wait", wait),
			slog.Any("error", err))
	})
	if err != nil {
		if isContextErr(err) {
			return err
		}
		obs.Err = err
		if errors.Is(err, ErrTransportExhausted) {
			o.logger.Error("bundle status unavailable",
				slog.String("ledger", ledger),
				slog.String("bundle", commitment.Hex()),
				slog.Any("error", err))
			return nil
		}
		return err
	}
	o.metrics.RecordPoll(ledger, status.String())
	if obs.Polls > 0 && status != obs.Status {
		if err := bundle.CheckTransition(obs.Status, status); err != nil {
			violation := &ProtocolViolation{Ledger: ledger, Commitment: commitment.Hex(), From: obs.Status, To: status}
			obs.Err = violation
			return violation
		}
	}
	obs.Polls++
	obs.ObservedAt = o.clock.Now()
	obs.Status = status
	obs.Terminal = status.Terminal()
	return nil
}
