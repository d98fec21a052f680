// Package spine is the dispatch boundary: it carries admitted actions to
// whatever executes them and brings back one outcome per action. It offers
// an in-process concurrent Executor and a gRPC Client/Server pair.
package spine

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"math/bits"
	"sync"

	"golang.org/x/sync/errgroup"
)

// #region handler

// Handler runs a single admitted action.
type Handler interface {
	Handle(ctx context.Context, cycleID uint64, action AdmittedAction) (Outcome, error)
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, cycleID uint64, action AdmittedAction) (Outcome, error)

// Handle calls f.
func (f HandlerFunc) Handle(ctx context.Context, cycleID uint64, action AdmittedAction) (Outcome, error) {
	return f(ctx, cycleID, action)
}

// #endregion handler

// #region executor

// Executor is a Port that runs actions concurrently in-process. Events are
// reported in completion order. A handler error fails the whole batch.
type Executor struct {
	handler Handler
	limit   int
	logger  *slog.Logger
}

// NewExecutor builds an executor. limit caps concurrent handlers; zero or
// negative means unbounded.
func NewExecutor(handler Handler, limit int, logger *slog.Logger) *Executor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Executor{handler: handler, limit: limit, logger: logger}
}

// ExecuteAdmitted implements Port.
func (x *Executor) ExecuteAdmitted(ctx context.Context, batch AdmittedActionBatch) (SpineExecutionReport, error) {
	if len(batch.Actions) == 0 {
		return SkippedReport(), nil
	}

	g, gctx := errgroup.WithContext(ctx)
	if x.limit > 0 {
		g.SetLimit(x.limit)
	}

	var mu sync.Mutex
	events := make([]SpineEvent, 0, len(batch.Actions))

	for _, action := range batch.Actions {
		g.Go(func() error {
			outcome, err := x.handler.Handle(gctx, batch.CycleID, action)
			if err != nil {
				return fmt.Errorf("action %s: %w", action.ActionID, err)
			}
			if outcome == nil {
				return fmt.Errorf("action %s: handler returned no outcome", action.ActionID)
			}
			mu.Lock()
			events = append(events, SpineEvent{ActionID: action.ActionID, Outcome: outcome})
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		x.logger.Error("dispatch failed", "cycle", batch.CycleID, "actions", len(batch.Actions), "err", err)
		return SpineExecutionReport{}, err
	}

	x.logger.Debug("dispatch complete", "cycle", batch.CycleID, "events", len(events))
	return SpineExecutionReport{Mode: ModeLocal, Events: events}, nil
}

// #endregion executor

// #region loopback

// Loopback is a Handler that applies every action at a scaled share of its
// reserved cost, except capabilities listed for rejection or deferral.
type Loopback struct {
	// CostMultiplierMilli scales the reserved cost into the actual cost.
	// Zero means 1000.
	CostMultiplierMilli uint32
	Reject              map[string]bool
	Defer               map[string]bool
}

// Handle implements Handler.
func (l Loopback) Handle(ctx context.Context, cycleID uint64, action AdmittedAction) (Outcome, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	ref := fmt.Sprintf("loopback:%d:%s", cycleID, action.ActionID)
	switch {
	case l.Reject[action.CapabilityID]:
		return Rejected{ReasonCode: "loopback_rejected", ReferenceID: ref}, nil
	case l.Defer[action.CapabilityID]:
		return Deferred{ReasonCode: "loopback_deferred", ReferenceID: ref}, nil
	}
	mult := l.CostMultiplierMilli
	if mult == 0 {
		mult = 1000
	}
	return Applied{ActualCostSurvivalMicro: scaleMilli(action.ReservedCost.SurvivalMicro, mult), ReferenceID: ref}, nil
}

// scaleMilli returns amount*mult/1000 in 128-bit arithmetic, saturating at
// math.MaxInt64. Non-positive amounts scale to zero.
func scaleMilli(amount int64, mult uint32) int64 {
	if amount <= 0 {
		return 0
	}
	hi, lo := bits.Mul64(uint64(amount), uint64(mult))
	if hi >= 1000 {
		return math.MaxInt64
	}
	q, _ := bits.Div64(hi, lo, 1000)
	if q > math.MaxInt64 {
		return math.MaxInt64
	}
	return int64(q)
}

// #endregion loopback
