package settlement

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"dvpsettle/core/events"
	"dvpsettle/native/bundle"
)

// ExecuteMode selects who finalises a fully scheduled bundle.
type ExecuteMode string

const (
	// ExecuteRelayer leaves execution to the ledgers' relayer, which verifies
	// the commitment across ledgers before executing.
	ExecuteRelayer ExecuteMode = "relayer"
	// ExecuteCaller makes the orchestrator call execute on every ledger once
	// all legs are acknowledged.
	ExecuteCaller ExecuteMode = "caller"
)

const (
	DefaultLegTTL        = 2 * time.Hour
	DefaultDeadlineGrace = 30 * time.Second
	cleanupTimeout       = 30 * time.Second
)

// BundleSpec is one bundle of an instruction, in the leg order both sides
// agreed on.
type BundleSpec struct {
	Label string        `json:"label"`
	Legs  []bundle.Spec `json:"legs"`
}

// Instruction is the immutable input of one settlement run. Bundles run one
// after another; a bundle starts only after the previous one settled.
type Instruction struct {
	// RunID fixes the report's run id; one is generated when empty.
	RunID     string
	Scenario  string
	Handshake *Handshake
	Bundles   []BundleSpec
}

// Orchestrator drives handshake, scheduling, status polling and
// post-condition checks for settlement runs over one Network.
type Orchestrator struct {
	network        *Network
	oracle         *Oracle
	hasher         bundle.Hasher
	width          int
	legTTL         time.Duration
	grace          time.Duration
	execute        ExecuteMode
	verifyBalances bool
	retry          RetryPolicy
	pollInterval   time.Duration
	chunks         bundle.ChunkSource
	clock          Clock
	logger         *slog.Logger
	metrics        *Metrics
	emitter        events.Emitter
	journal        Journal
	tracer         trace.Tracer
	newID          func() string
}

// Option customises the orchestrator.
type Option func(*Orchestrator)

// WithLogger sets the structured logger.
func WithLogger(l *slog.Logger) Option {
	return func(o *Orchestrator) { o.logger = l }
}

// WithClock sets the time source used for expiries and deadlines.
func WithClock(c Clock) Option {
	return func(o *Orchestrator) { o.clock = c }
}

// WithMetrics overrides the default metrics registry.
func WithMetrics(m *Metrics) Option {
	return func(o *Orchestrator) { o.metrics = m }
}

// WithEmitter sets the event emitter.
func WithEmitter(e events.Emitter) Option {
	return func(o *Orchestrator) { o.emitter = e }
}

// WithJournal persists every finished run report.
func WithJournal(j Journal) Option {
	return func(o *Orchestrator) { o.journal = j }
}

// WithCommitment selects the commitment hasher and width.
func WithCommitment(h bundle.Hasher, width int) Option {
	return func(o *Orchestrator) {
		o.hasher = h
		o.width = width
	}
}

// WithLegTTL sets how long scheduled legs stay valid.
func WithLegTTL(d time.Duration) Option {
	return func(o *Orchestrator) { o.legTTL = d }
}

// WithDeadlineGrace extends the oracle deadline past the latest leg expiry.
func WithDeadlineGrace(d time.Duration) Option {
	return func(o *Orchestrator) { o.grace = d }
}

// WithExecuteMode selects relayer or caller execution.
func WithExecuteMode(m ExecuteMode) Option {
	return func(o *Orchestrator) { o.execute = m }
}

// WithBalanceVerification toggles post-settlement balance assertions.
func WithBalanceVerification(enabled bool) Option {
	return func(o *Orchestrator) { o.verifyBalances = enabled }
}

// WithRetryPolicy sets the transport retry policy.
func WithRetryPolicy(p RetryPolicy) Option {
	return func(o *Orchestrator) { o.retry = p }
}

// WithStatusPollInterval sets the oracle polling cadence.
func WithStatusPollInterval(d time.Duration) Option {
	return func(o *Orchestrator) { o.pollInterval = d }
}

// WithChunkSource overrides leg secret generation, primarily for tests.
func WithChunkSource(src bundle.ChunkSource) Option {
	return func(o *Orchestrator) { o.chunks = src }
}

// WithRunIDs overrides run id generation.
func WithRunIDs(fn func() string) Option {
	return func(o *Orchestrator) { o.newID = fn }
}

// NewOrchestrator constructs an orchestrator over network.
func NewOrchestrator(network *Network, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		network:        network,
		hasher:         bundle.PoseidonHasher{},
		width:          bundle.DefaultWidth,
		legTTL:         DefaultLegTTL,
		grace:          DefaultDeadlineGrace,
		execute:        ExecuteRelayer,
		verifyBalances: true,
		retry:          DefaultRetryPolicy,
		pollInterval:   DefaultPollInterval,
		chunks:         bundle.NewChunk,
		clock:          SystemClock(),
		logger:         slog.Default(),
		metrics:        NewMetrics(),
		emitter:        events.NoopEmitter{},
		tracer:         otel.Tracer("dvpd/settlement"),
		newID:          uuid.NewString,
	}
	for _, opt := range opts {
		opt(o)
	}
	if o.logger == nil {
		o.logger = slog.Default()
	}
	if o.emitter == nil {
		o.emitter = events.NoopEmitter{}
	}
	if o.clock == nil {
		o.clock = SystemClock()
	}
	if o.metrics == nil {
		o.metrics = NewMetrics()
	}
	o.logger = o.logger.With(slog.String("component", "settlement"))
	o.oracle = NewOracle(
		WithPollInterval(o.pollInterval),
		WithOracleRetry(o.retry),
		WithOracleClock(o.clock),
		WithOracleLogger(o.logger),
		WithOracleMetrics(o.metrics),
		WithFailFast(true),
	)
	return o
}

// Network returns the ledgers and participants the orchestrator settles on.
func (o *Orchestrator) Network() *Network { return o.network }

// Run settles one instruction. The returned report is never nil; the error
// wraps the sentinel matching the run outcome and is nil only when every
// bundle settled and the order, if any, was finalized.
func (o *Orchestrator) Run(ctx context.Context, inst Instruction) (*Report, error) {
	report := &Report{
		RunID:     strings.TrimSpace(inst.RunID),
		Scenario:  strings.TrimSpace(inst.Scenario),
		StartedAt: o.clock.Now().UTC(),
	}
	if report.RunID == "" {
		report.RunID = o.newID()
	}
	if report.Scenario == "" {
		report.Scenario = "custom"
	}
	ctx, span := o.tracer.Start(ctx, "settlement.run", trace.WithAttributes(
		attribute.String("run.id", report.RunID),
		attribute.String("scenario", report.Scenario),
	))
	defer span.End()
	o.metrics.RunStarted()
	o.emitter.Emit(runEvent(EventTypeRunStarted, report))
	logger := o.logger.With(slog.String("run", report.RunID), slog.String("scenario", report.Scenario))
	logger.Info("settlement run started", slog.Int("bundles", len(inst.Bundles)))

	err := o.run(ctx, logger, inst, report)
	o.finish(ctx, logger, report, err)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else {
		span.SetStatus(codes.Ok, string(report.Outcome))
	}
	return report, err
}

func (o *Orchestrator) run(ctx context.Context, logger *slog.Logger, inst Instruction, report *Report) error {
	if o.network == nil {
		report.Outcome = OutcomeRejected
		return fmt.Errorf("settlement: network not configured")
	}
	if len(inst.Bundles) == 0 {
		report.Outcome = OutcomeRejected
		return ErrNoBundles
	}
	for _, b := range inst.Bundles {
		for _, spec := range b.Legs {
			if _, err := o.network.Participant(spec.Participant); err != nil {
				report.Outcome = OutcomeRejected
				return Precondition(err)
			}
		}
	}

	if inst.Handshake != nil {
		matched, err := o.handshake(ctx, logger, inst.Handshake, report)
		if err != nil {
			report.Outcome = outcomeForError(err)
			return err
		}
		if !matched {
			report.Outcome = OutcomeNotMatched
			return ErrNotMatched
		}
	}

	for i, spec := range inst.Bundles {
		label := strings.TrimSpace(spec.Label)
		if label == "" {
			label = fmt.Sprintf("bundle-%d", i+1)
		}
		br, err := o.runBundle(ctx, logger.With(slog.String("bundle", label)), report, label, spec.Legs)
		report.Bundles = append(report.Bundles, *br)
		if err != nil {
			report.Outcome = br.Outcome
			return err
		}
	}
	report.Outcome = OutcomeSettled

	if inst.Handshake != nil {
		if err := o.finalize(ctx, logger, inst.Handshake, report); err != nil {
			report.flag(ReasonNotFinalized)
			o.emitter.Emit(attentionEvent(report.RunID, ReasonNotFinalized, err.Error()))
			return fmt.Errorf("%w: %w", ErrNotFinalized, err)
		}
	}
	return nil
}

func (o *Orchestrator) handshake(ctx context.Context, logger *slog.Logger, h *Handshake, report *Report) (bool, error) {
	ctx, span := o.tracer.Start(ctx, "settlement.handshake", trace.WithAttributes(
		attribute.Int64("operation.id", int64(h.Order.OperationID)),
		attribute.String("form", h.Order.Form.String()),
	))
	defer span.End()

	initiator, err := o.network.Participant(h.Initiator)
	if err != nil {
		return false, Precondition(err)
	}
	confirmer, err := o.network.Participant(h.Confirmer)
	if err != nil {
		return false, Precondition(err)
	}
	if initiator.Orders == nil || confirmer.Orders == nil {
		return false, Precondition(fmt.Errorf("settlement: handshake participants need an order book"))
	}
	res := &HandshakeResult{OperationID: h.Order.OperationID, Form: h.Order.Form.String()}
	report.Handshake = res

	// Initiation is not idempotent on the order book: a single attempt.
	handle, err := Initiate(ctx, initiator.Orders, h.Order)
	if err != nil {
		o.metrics.RecordHandshake(res.Form, "initiate_failed")
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		logger.Warn("order initiation failed", slog.Uint64("operationId", h.Order.OperationID), slog.Any("error", err))
		return false, err
	}
	res.Initiated = &handle

	var (
		matched bool
		field   string
	)
	err = o.retry.Do(ctx, func(ctx context.Context) error {
		m, f, err := Confirm(ctx, confirmer.Orders, h.expected())
		matched, field = m, f
		return err
	}, func(err error, wait time.Duration) {
		o.metrics.RecordRetry(confirmer.Ledger, "matchOrder")
	})
	if err != nil {
		o.metrics.RecordHandshake(res.Form, "confirm_failed")
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return false, err
	}
	res.Matched = matched
	res.Mismatch = field
	if !matched {
		o.metrics.RecordHandshake(res.Form, "mismatch")
		o.emitter.Emit(orderEvent(EventTypeOrderRejected, report.RunID, res))
		logger.Warn("order terms not matched",
			slog.Uint64("operationId", res.OperationID),
			slog.String("field", field))
		span.SetStatus(codes.Error, "not matched")
		return false, nil
	}
	o.metrics.RecordHandshake(res.Form, "matched")
	o.emitter.Emit(orderEvent(EventTypeOrderMatched, report.RunID, res))
	logger.Info("order terms matched", slog.Uint64("operationId", res.OperationID))
	span.SetStatus(codes.Ok, "matched")
	return true, nil
}

func (o *Orchestrator) finalize(ctx context.Context, logger *slog.Logger, h *Handshake, report *Report) error {
	confirmer, err := o.network.Participant(h.Confirmer)
	if err != nil {
		return err
	}
	handle, err := Finalize(ctx, confirmer.Orders, h.expected())
	if err != nil {
		logger.Error("order finalization failed after settlement",
			slog.Uint64("operationId", h.Order.OperationID),
			slog.Any("error", err))
		return err
	}
	report.Handshake.Finalized = &handle
	o.emitter.Emit(orderEvent(EventTypeOrderFinalized, report.RunID, report.Handshake))
	logger.Info("order finalized", slog.Uint64("operationId", h.Order.OperationID), slog.String("tx", handle.Hash.Hex()))
	return nil
}

func (o *Orchestrator) runBundle(ctx context.Context, logger *slog.Logger, report *Report, label string, specs []bundle.Spec) (*BundleReport, error) {
	ctx, span := o.tracer.Start(ctx, "settlement.bundle", trace.WithAttributes(attribute.String("label", label)))
	defer span.End()

	br := &BundleReport{Label: label}
	plan, err := bundle.NewPlan(o.hasher, o.width, specs, o.clock.Now().Add(o.legTTL), o.chunks)
	if err != nil {
		br.Outcome = OutcomeRejected
		br.Error = err.Error()
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return br, Precondition(err)
	}
	br.Commitment = plan.Commitment.Hex()
	br.Hasher = plan.Hasher
	br.Deadline = plan.LatestExpiry().Add(o.grace).UTC()
	span.SetAttributes(attribute.String("bundle", br.Commitment))
	o.emitter.Emit(bundlePlannedEvent(report.RunID, label, plan))
	logger = logger.With(slog.String("commitment", br.Commitment))
	logger.Info("bundle planned", slog.Int("legs", len(plan.Legs)), slog.Time("deadline", br.Deadline))

	var snapshot []*balanceEntry
	if o.verifyBalances {
		entries, err := expectedDeltas(o.network, plan)
		if err == nil {
			snapshot, err = snapshotBalances(ctx, o.network, entries)
		}
		if err != nil {
			logger.Warn("balance snapshot unavailable, skipping post-condition check", slog.Any("error", err))
			snapshot = nil
		}
	}

	sched := &scheduler{network: o.network, retry: o.retry, metrics: o.metrics, logger: logger, clock: o.clock, tracer: o.tracer}
	results, schedErr := sched.scheduleAll(ctx, plan)
	if results == nil {
		br.Outcome = OutcomeRejected
		br.Error = schedErr.Error()
		return br, Precondition(schedErr)
	}
	br.Legs = legReports(results)
	ledgers := ledgersOf(results)

	if schedErr != nil {
		br.Error = schedErr.Error()
		br.Outcome = outcomeForError(schedErr)
		logger.Warn("bundle scheduling failed, cancelling", slog.Any("error", schedErr))
		attempted := make([]string, 0, len(ledgers))
		for _, ledger := range ledgers {
			if ledgerAttempted(results, ledger) {
				attempted = append(attempted, ledger)
			}
		}
		o.cancelLedgers(ctx, logger, report, br, plan, results, attempted)
		if errors.Is(schedErr, ErrTransportExhausted) {
			o.flag(report, br, ReasonTransport, schedErr.Error())
		}
		span.RecordError(schedErr)
		span.SetStatus(codes.Error, schedErr.Error())
		o.emitter.Emit(bundleOutcomeEvent(report.RunID, br))
		return br, schedErr
	}

	if o.execute == ExecuteCaller {
		o.executeLedgers(ctx, logger, plan, results, ledgers)
	}

	sources := make(map[string]StatusSource, len(ledgers))
	for _, name := range ledgers {
		l, err := o.network.Ledger(name)
		if err != nil {
			return br, err
		}
		sources[name] = l.Status
	}
	obs, awaitErr := o.oracle.Await(ctx, sources, plan.Commitment, br.Deadline)
	outcome, err := classify(obs, awaitErr)
	br.Outcome = outcome
	br.Ledgers = ledgerReports(ledgers, obs)
	applyStatuses(br, obs)

	switch outcome {
	case OutcomeSettled:
		o.metrics.MarkSettled(o.clock.Now())
		logger.Info("bundle executed on every ledger")
		if snapshot != nil {
			deltas, ok, verr := verifyBalances(ctx, o.network, snapshot)
			br.Balances = deltas
			switch {
			case verr != nil:
				logger.Warn("balance post-condition check unavailable", slog.Any("error", verr))
			case !ok:
				err = ErrBalanceMismatch
				o.flag(report, br, ReasonBalanceMismatch, "post-settlement balances differ from executed legs")
				logger.Error("balance post-condition violated", slog.Any("balances", deltas))
			}
		}
	case OutcomePartial:
		for i := range br.Legs {
			if br.Legs[i].Status != bundle.StatusExecuted {
				br.Legs[i].Attention = true
			}
		}
		o.flag(report, br, ReasonPartial, "bundle executed on some ledgers only")
		logger.Error("bundle partially executed, operator reconciliation required", slog.Any("ledgers", br.Ledgers))
	case OutcomeUnknown:
		var violation *ProtocolViolation
		if errors.As(awaitErr, &violation) {
			o.flag(report, br, ReasonProtocolViolation, violation.Error())
			markLedgerLegs(br, violation.Ledger)
		} else {
			o.flag(report, br, ReasonTransport, fmt.Sprint(err))
			for _, ob := range obs {
				if ob.Err != nil {
					markLedgerLegs(br, ob.Ledger)
				}
			}
		}
		logger.Error("bundle outcome unknown", slog.Any("error", err))
	case OutcomeAborted:
		var scheduled []string
		for _, name := range ledgers {
			if !obs[name].Terminal && ledgerScheduled(results, name) {
				scheduled = append(scheduled, name)
			}
		}
		logger.Warn("bundle wait aborted, cancelling scheduled legs", slog.Any("ledgers", scheduled))
		seen := o.cancelLedgers(ctx, logger, report, br, plan, results, scheduled)
		for _, name := range scheduled {
			status, ok := seen[name]
			if ok && (status == bundle.StatusFailed || status == bundle.StatusExpired) {
				continue
			}
			left := "unknown"
			if ok {
				left = status.String()
			}
			markLedgerLegs(br, name)
			o.flag(report, br, ReasonAborted, name+": legs left "+left)
		}
	case OutcomeFailed, OutcomeTimedOut:
		pending := make([]string, 0)
		for _, name := range ledgers {
			if !obs[name].Terminal {
				pending = append(pending, name)
			}
		}
		logger.Warn("bundle did not execute", slog.String("outcome", string(outcome)), slog.Any("pending", pending))
		seen := o.cancelLedgers(ctx, logger, report, br, plan, results, pending)
		var executed []string
		for _, name := range pending {
			if seen[name] == bundle.StatusExecuted {
				executed = append(executed, name)
			}
		}
		if len(executed) > 0 {
			// A refused cancel revealed a ledger that executed after the
			// last poll.
			outcome, err = OutcomePartial, ErrPartialSettlement
			br.Outcome = outcome
			for i := range br.Legs {
				if br.Legs[i].Status != bundle.StatusExecuted {
					br.Legs[i].Attention = true
				}
			}
			o.flag(report, br, ReasonPartial, "executed after cancel: "+strings.Join(executed, ","))
			logger.Error("bundle partially executed, operator reconciliation required", slog.Any("ledgers", executed))
		}
	}
	if err != nil {
		br.Error = err.Error()
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else {
		span.SetStatus(codes.Ok, string(outcome))
	}
	o.emitter.Emit(bundleOutcomeEvent(report.RunID, br))
	return br, err
}

func (o *Orchestrator) executeLedgers(ctx context.Context, logger *slog.Logger, plan *bundle.Plan, results []LegResult, ledgers []string) {
	for _, ledger := range ledgers {
		escrow, err := o.network.escrowFor(ledger, submitters(results, ledger))
		if err != nil {
			logger.Warn("no escrow client to execute", slog.String("ledger", ledger), slog.Any("error", err))
			continue
		}
		err = o.retry.Do(ctx, func(ctx context.Context) error {
			_, err := escrow.Execute(ctx, plan.Commitment)
			return err
		}, func(err error, wait time.Duration) {
			o.metrics.RecordRetry(ledger, "executeBundle")
		})
		if err != nil {
			logger.Warn("execute call failed", slog.String("ledger", ledger), slog.Any("error", err))
		}
	}
}

// cancelLedgers rolls back the bundle on ledgers and returns the status each
// ledger reported afterwards. Refusals on ledgers where no leg was
// acknowledged are expected and ignored; any other failure flags the run for
// attention. The read-back status is recorded whether or not the cancel went
// through.
func (o *Orchestrator) cancelLedgers(ctx context.Context, logger *slog.Logger, report *Report, br *BundleReport, plan *bundle.Plan, results []LegResult, ledgers []string) map[string]bundle.Status {
	seen := make(map[string]bundle.Status, len(ledgers))
	if len(ledgers) == 0 {
		return seen
	}
	if ctx.Err() != nil {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(context.WithoutCancel(ctx), cleanupTimeout)
		defer cancel()
	}
	for _, ledger := range ledgers {
		escrow, err := o.network.escrowFor(ledger, submitters(results, ledger))
		if err == nil {
			err = o.retry.Do(ctx, func(ctx context.Context) error {
				_, err := escrow.Cancel(ctx, plan.Commitment)
				return err
			}, func(err error, wait time.Duration) {
				o.metrics.RecordRetry(ledger, "cancelBundle")
			})
		}
		status, serr := o.network.Status(ctx, ledger, plan.Commitment)
		if serr == nil {
			seen[ledger] = status
		}
		if err != nil && serr == nil && (status == bundle.StatusFailed || status == bundle.StatusExpired) {
			// Rolled back already, by expiry or a concurrent cancel.
			err = nil
		}
		switch {
		case err != nil && (ledgerScheduled(results, ledger) || !errors.Is(err, ErrPrecondition)):
			if serr == nil && status == bundle.StatusExecuted {
				logger.Error("bundle executed before cancel", slog.String("ledger", ledger))
			} else {
				logger.Error("bundle cancel failed", slog.String("ledger", ledger), slog.Any("error", err))
				o.flag(report, br, ReasonCancelFailed, ledger+": "+err.Error())
				markLedgerLegs(br, ledger)
			}
		case err == nil:
			logger.Info("bundle cancelled", slog.String("ledger", ledger), slog.String("status", status.String()))
		}
		cancelled := err == nil
		found := false
		for i := range br.Ledgers {
			if br.Ledgers[i].Ledger != ledger {
				continue
			}
			found = true
			br.Ledgers[i].Cancelled = cancelled
			if serr == nil {
				br.Ledgers[i].Status = status
				br.Ledgers[i].StatusName = status.String()
			}
		}
		if !found {
			lr := LedgerReport{Ledger: ledger, Cancelled: cancelled}
			if serr == nil {
				lr.Status = status
				lr.StatusName = status.String()
			}
			br.Ledgers = append(br.Ledgers, lr)
		}
		if serr == nil {
			for i := range br.Legs {
				if br.Legs[i].Ledger == ledger {
					br.Legs[i].Status = status
					br.Legs[i].StatusName = status.String()
				}
			}
		}
	}
	sort.Slice(br.Ledgers, func(i, j int) bool { return br.Ledgers[i].Ledger < br.Ledgers[j].Ledger })
	return seen
}

func (o *Orchestrator) flag(report *Report, br *BundleReport, reason, detail string) {
	report.flag(reason)
	br.flag(reason)
	o.emitter.Emit(attentionEvent(report.RunID, reason, detail))
}

func (o *Orchestrator) finish(ctx context.Context, logger *slog.Logger, report *Report, err error) {
	report.FinishedAt = o.clock.Now().UTC()
	if err != nil {
		report.Error = err.Error()
	}
	if report.Outcome == "" {
		report.Outcome = outcomeForError(err)
	}
	for _, reason := range report.Attention {
		o.metrics.RecordAttention(reason)
	}
	o.metrics.RunFinished(report.Scenario, string(report.Outcome), report.FinishedAt.Sub(report.StartedAt))
	o.emitter.Emit(runEvent(EventTypeRunFinished, report))
	attrs := []any{slog.String("outcome", string(report.Outcome))}
	if len(report.Attention) > 0 {
		attrs = append(attrs, slog.Any("attention", report.Attention))
	}
	switch {
	case report.NeedsAttention():
		logger.Error("settlement run needs operator attention", append(attrs, slog.Any("error", err))...)
	case err != nil:
		logger.Warn("settlement run did not settle", append(attrs, slog.Any("error", err))...)
	default:
		logger.Info("settlement run settled", attrs...)
	}
	if o.journal == nil {
		return
	}
	jctx := ctx
	if jctx.Err() != nil {
		var cancel context.CancelFunc
		jctx, cancel = context.WithTimeout(context.WithoutCancel(ctx), cleanupTimeout)
		defer cancel()
	}
	if jerr := o.journal.Record(jctx, report); jerr != nil {
		logger.Error("journal record failed", slog.Any("error", jerr))
	}
}

func outcomeForError(err error) Outcome {
	switch {
	case err == nil:
		return OutcomeSettled
	case isContextErr(err):
		return OutcomeAborted
	case errors.Is(err, ErrNotMatched):
		return OutcomeNotMatched
	case errors.Is(err, ErrPrecondition):
		return OutcomeRejected
	case errors.Is(err, ErrPartialSettlement):
		return OutcomePartial
	case errors.Is(err, ErrBundleFailed):
		return OutcomeFailed
	case errors.Is(err, ErrDeadlineExceeded):
		return OutcomeTimedOut
	default:
		return OutcomeUnknown
	}
}

func legReports(results []LegResult) []LegReport {
	out := make([]LegReport, len(results))
	for i, r := range results {
		leg := r.Leg
		lr := LegReport{
			Index:       leg.Index,
			Participant: leg.Participant,
			Ledger:      r.Ledger,
			Kind:        leg.Kind.String(),
			Asset:       leg.Asset.Hex(),
			Recipient:   leg.Recipient.Hex(),
			AssetClass:  bigString(leg.AssetClass),
			Amount:      bigString(leg.Amount),
			ExpireAt:    leg.ExpireAt.UTC(),
			Duplicate:   r.Handle.Duplicate,
			Scheduled:   r.Scheduled,
			StatusName:  bundle.StatusCreated.String(),
		}
		if r.Scheduled {
			lr.TxHash = r.Handle.Hash.Hex()
			lr.Status = bundle.StatusSubmitted
			lr.StatusName = lr.Status.String()
		}
		if r.Err != nil {
			lr.Error = r.Err.Error()
		}
		out[i] = lr
	}
	return out
}

func ledgerReports(ledgers []string, obs map[string]Observation) []LedgerReport {
	out := make([]LedgerReport, 0, len(ledgers))
	for _, name := range ledgers {
		ob, ok := obs[name]
		lr := LedgerReport{Ledger: name}
		if ok {
			lr.Status = ob.Status
			lr.TimedOut = ob.TimedOut
			if ob.Err != nil {
				lr.Error = ob.Err.Error()
			}
		}
		lr.StatusName = lr.Status.String()
		out = append(out, lr)
	}
	return out
}

func applyStatuses(br *BundleReport, obs map[string]Observation) {
	for i := range br.Legs {
		if ob, ok := obs[br.Legs[i].Ledger]; ok {
			br.Legs[i].Status = ob.Status
			br.Legs[i].StatusName = ob.Status.String()
		}
	}
}

func markLedgerLegs(br *BundleReport, ledger string) {
	for i := range br.Legs {
		if br.Legs[i].Ledger == ledger {
			br.Legs[i].Attention = true
		}
	}
}

func ledgersOf(results []LegResult) []string {
	seen := make(map[string]struct{})
	var out []string
	for _, r := range results {
		if _, ok := seen[r.Ledger]; ok {
			continue
		}
		seen[r.Ledger] = struct{}{}
		out = append(out, r.Ledger)
	}
	sort.Strings(out)
	return out
}

func submitters(results []LegResult, ledger string) []string {
	var out []string
	for _, r := range results {
		if r.Ledger == ledger {
			out = append(out, r.Leg.Participant)
		}
	}
	return out
}

func ledgerAttempted(results []LegResult, ledger string) bool {
	for _, r := range results {
		if r.Ledger == ledger && r.Attempted {
			return true
		}
	}
	return false
}

func ledgerScheduled(results []LegResult, ledger string) bool {
	for _, r := range results {
		if r.Ledger == ledger && r.Scheduled {
			return true
		}
	}
	return false
}

func bigString(v *big.Int) string {
	if v == nil {
		return "0"
	}
	return v.String()
}
