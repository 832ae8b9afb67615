package settlement

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"dvpsettle/native/bundle"
)

// ScheduleLeg submits leg through the escrow entry point of its kind. It makes
// exactly one state-changing call; retrying is the caller's decision.
func ScheduleLeg(ctx context.Context, escrow Escrow, leg bundle.Leg) (TxHandle, error) {
	if escrow == nil {
		return TxHandle{}, fmt.Errorf("settlement: escrow client not configured")
	}
	if err := leg.Validate(); err != nil {
		return TxHandle{}, Precondition(err)
	}
	switch leg.Kind {
	case bundle.KindTransfer:
		return escrow.ScheduleTransfer(ctx, leg)
	case bundle.KindMint:
		return escrow.ScheduleMint(ctx, leg)
	case bundle.KindBurn:
		return escrow.ScheduleBurn(ctx, leg)
	case bundle.KindTransfer1155:
		return escrow.ScheduleTransfer1155(ctx, leg)
	default:
		return TxHandle{}, Precondition(fmt.Errorf("%w: %d", bundle.ErrUnknownKind, leg.Kind))
	}
}

// LegResult is the scheduling outcome of one leg.
type LegResult struct {
	Leg       bundle.Leg
	Ledger    string
	Handle    TxHandle
	Attempted bool
	Scheduled bool
	Elapsed   time.Duration
	Err       error
}

type scheduler struct {
	network *Network
	retry   RetryPolicy
	metrics *Metrics
	logger  *slog.Logger
	clock   Clock
	tracer  trace.Tracer
}

// scheduleAll fans legs out per ledger. Ledgers proceed concurrently; legs on
// the same ledger are submitted one after another in index order. The first
// failure stops every ledger from submitting further legs.
func (s *scheduler) scheduleAll(ctx context.Context, plan *bundle.Plan) ([]LegResult, error) {
	results := make([]LegResult, len(plan.Legs))
	byLedger := make(map[string][]int)
	order := make([]string, 0)
	for i, leg := range plan.Legs {
		p, err := s.network.Participant(leg.Participant)
		if err != nil {
			return nil, err
		}
		results[i] = LegResult{Leg: leg, Ledger: p.Ledger}
		if _, seen := byLedger[p.Ledger]; !seen {
			order = append(order, p.Ledger)
		}
		byLedger[p.Ledger] = append(byLedger[p.Ledger], i)
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, ledger := range order {
		ledger := ledger
		indexes := byLedger[ledger]
		g.Go(func() error {
			for _, i := range indexes {
				if err := gctx.Err(); err != nil {
					return err
				}
				if err := s.scheduleOne(gctx, &results[i]); err != nil {
					return err
				}
			}
			return nil
		})
	}
	return results, g.Wait()
}

func (s *scheduler) scheduleOne(ctx context.Context, res *LegResult) error {
	leg := res.Leg
	p, err := s.network.Participant(leg.Participant)
	if err != nil {
		return err
	}
	ctx, span := s.tracer.Start(ctx, "settlement.schedule_leg", trace.WithAttributes(
		attribute.String("ledger", res.Ledger),
		attribute.String("participant", leg.Participant),
		attribute.String("kind", leg.Kind.String()),
		attribute.Int64("leg.index", int64(leg.Index)),
	))
	defer span.End()

	start := s.clock.Now()
	res.Attempted = true
	err = s.retry.Do(ctx, func(ctx context.Context) error {
		handle, err := ScheduleLeg(ctx, p.Escrow, leg)
		if err != nil {
			return err
		}
		res.Handle = handle
		return nil
	}, func(err error, wait time.Duration) {
		s.metrics.RecordRetry(res.Ledger, leg.Kind.Method())
		s.logger.Warn("retrying leg schedule",
			slog.String("ledger", res.Ledger),
			slog.Uint64("index", uint64(leg.Index)),
			slog.Duration("wait", wait),
			slog.Any("error", err))
	})
	res.Elapsed = s.clock.Now().Sub(start)
	if err != nil {
		res.Err = &LegError{Ledger: res.Ledger, Participant: leg.Participant, Key: leg.Key(), Err: err}
		s.metrics.RecordLeg(res.Ledger, leg.Kind.String(), resultLabel(err), 0)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return res.Err
	}
	res.Scheduled = true
	if res.Handle.Ledger == "" {
		res.Handle.Ledger = res.Ledger
	}
	result := "scheduled"
	if res.Handle.Duplicate {
		result = "duplicate"
	}
	s.metrics.RecordLeg(res.Ledger, leg.Kind.String(), result, res.Elapsed)
	span.SetAttributes(attribute.String("tx.hash", res.Handle.Hash.Hex()))
	span.SetStatus(codes.Ok, result)
	s.logger.Info("leg scheduled",
		slog.String("ledger", res.Ledger),
		slog.String("participant", leg.Participant),
		slog.String("kind", leg.Kind.String()),
		slog.Uint64("index", uint64(leg.Index)),
		slog.String("tx", res.Handle.Hash.Hex()),
		slog.Bool("duplicate", res.Handle.Duplicate))
	return nil
}

func resultLabel(err error) string {
	switch {
	case err == nil:
		return "ok"
	case isContextErr(err):
		return "aborted"
	case errors.Is(err, ErrPrecondition):
		return "precondition"
	case errors.Is(err, ErrTransportExhausted):
		return "transport"
	default:
		return "error"
	}
}
