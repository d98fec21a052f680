// Package continuity runs the per-cycle pipeline: admission, reservation,
// dispatch, settlement, external debit reconciliation, expiry and the
// invariant pass. The Engine is the only owner of its ledger.
package continuity

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"slices"
	"sync"

	"github.com/xiaoland/beluna-core/internal/admission"
	"github.com/xiaoland/beluna-core/internal/coreerr"
	"github.com/xiaoland/beluna-core/internal/ledger"
	"github.com/xiaoland/beluna-core/internal/logging"
	"github.com/xiaoland/beluna-core/internal/spine"
)

// #region config

// Config is the engine's static policy.
type Config struct {
	LedgerID                string
	InitialBalanceMicro     int64
	ReservationTTLCycles    uint64
	CostPolicyVersion       string
	AdmissionRulesetVersion string
	// SnapshotPath, when set, receives a snapshot after every committed cycle.
	SnapshotPath string
}

// Option customizes an Engine.
type Option func(*Engine)

// WithLogger sets the engine logger.
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) { e.logger = l }
}

// WithDebitSource sets where external debits are drained from.
func WithDebitSource(src DebitSource) Option {
	return func(e *Engine) { e.debits = src }
}

// WithJournal sets the durable cycle journal.
func WithJournal(j Journal) Option {
	return func(e *Engine) { e.journal = j }
}

// #endregion config

// #region engine

// Engine sequences cycles. Every exported method takes the engine lock, so
// cycles never interleave.
type Engine struct {
	mu        sync.Mutex
	cfg       Config
	policy    ledger.PolicyVersionTuple
	ledger    *ledger.Ledger
	resolver  *admission.Resolver
	port      spine.Port
	debits    DebitSource
	journal   Journal
	cognition json.RawMessage
	lastCycle uint64
	started   bool
	logger    *slog.Logger

	// pendingDebits holds drained observations not yet committed.
	pendingDebits []ledger.ExternalDebitObservation
}

// New builds an engine with a fresh ledger.
func New(cfg Config, resolver *admission.Resolver, port spine.Port, opts ...Option) (*Engine, error) {
	if resolver == nil || port == nil {
		return nil, coreerr.New(coreerr.KindInvalidRequest, "new_engine", "resolver and port are required")
	}
	if cfg.LedgerID == "" {
		cfg.LedgerID = "survival"
	}
	l, err := ledger.New(cfg.LedgerID, cfg.InitialBalanceMicro)
	if err != nil {
		return nil, err
	}
	e := &Engine{
		cfg: cfg,
		policy: ledger.PolicyVersionTuple{
			AffordanceRegistryVersion: resolver.RegistryVersion(),
			CostPolicyVersion:         cfg.CostPolicyVersion,
			AdmissionRulesetVersion:   cfg.AdmissionRulesetVersion,
		},
		ledger:   l,
		resolver: resolver,
		port:     port,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.logger == nil {
		e.logger = slog.Default()
	}
	return e, nil
}

// #endregion engine

// #region process

// cycleRun carries the working state of one cycle.
type cycleRun struct {
	id      uint64
	work    *ledger.Ledger
	out     ContinuityCycleOutput
	actions map[string]spine.AdmittedAction
	seen    map[string]bool
}

func (r *cycleRun) issue(stage, ref string, err error) {
	r.out.Issues = append(r.out.Issues, Issue{Stage: stage, Kind: coreerr.KindOf(err), Ref: ref, Message: err.Error()})
}

// ProcessAttempts runs one full cycle. It returns either a complete output
// or a single error; on error nothing from the cycle is kept.
func (e *Engine) ProcessAttempts(ctx context.Context, cycleID uint64, attempts []admission.IntentAttempt) (ContinuityCycleOutput, error) {
	const op = "process_attempts"
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.started && cycleID <= e.lastCycle {
		return ContinuityCycleOutput{}, coreerr.Newf(coreerr.KindInvalidRequest, op,
			"cycle %d does not follow cycle %d", cycleID, e.lastCycle)
	}
	if cycleID < e.ledger.LastCycle() {
		return ContinuityCycleOutput{}, coreerr.Newf(coreerr.KindInvalidRequest, op,
			"cycle %d precedes ledger cycle %d", cycleID, e.ledger.LastCycle())
	}

	run := &cycleRun{
		id:      cycleID,
		work:    e.ledger.Clone(),
		actions: make(map[string]spine.AdmittedAction),
		seen:    make(map[string]bool),
	}
	run.out.CycleID = cycleID
	seqBefore := run.work.LastSeq()

	batch, err := e.admit(run, attempts)
	if err != nil {
		return ContinuityCycleOutput{}, err
	}
	if err := e.dispatch(ctx, run, batch); err != nil {
		return ContinuityCycleOutput{}, err
	}
	if err := e.reconcileDebits(run); err != nil {
		return ContinuityCycleOutput{}, err
	}

	expired, err := run.work.ExpireOpenReservations(cycleID, "ttl", e.policy)
	if err != nil {
		return ContinuityCycleOutput{}, err
	}
	run.out.ExpiredReservationCount = len(expired)

	if err := run.work.CheckInvariants(cycleID); err != nil {
		e.logger.Error("invariant violation, cycle aborted", "cycle", cycleID, "err", err)
		return ContinuityCycleOutput{}, err
	}
	run.out.BalanceMicro = run.work.Balance()

	if e.journal != nil {
		rec := CycleRecord{Output: run.out, Entries: run.work.EntriesSince(seqBefore)}
		if err := e.journal.CommitCycle(ctx, rec); err != nil {
			return ContinuityCycleOutput{}, coreerr.Wrap(coreerr.KindInternal, op, "journal commit failed", err)
		}
	}
	if e.cfg.SnapshotPath != "" {
		snap := Snapshot{Version: SnapshotVersion, CycleID: cycleID, Ledger: run.work.Export(), Cognition: e.cognition}
		if err := WriteSnapshot(e.cfg.SnapshotPath, snap); err != nil {
			return ContinuityCycleOutput{}, coreerr.Wrap(coreerr.KindInternal, op, "snapshot write failed", err)
		}
	}

	e.ledger = run.work
	e.lastCycle = cycleID
	e.started = true
	e.pendingDebits = nil

	admitted, hard, economic := run.out.Admission.Counts()
	e.logger.Info("cycle committed",
		"cycle", cycleID,
		"attempts", len(attempts),
		"admitted", admitted,
		"denied_hard", hard,
		"denied_economic", economic,
		"settled", run.out.SettledCount,
		"refunded", run.out.RefundedCount,
		"debits", run.out.AppliedExternalDebitCount,
		"expired", run.out.ExpiredReservationCount,
		"issues", len(run.out.Issues),
		"balance", run.out.BalanceMicro,
	)
	return run.out, nil
}

// admit resolves attempts and reserves every admitted proposal.
func (e *Engine) admit(run *cycleRun, attempts []admission.IntentAttempt) (spine.AdmittedActionBatch, error) {
	res := e.resolver.Resolve(run.id, attempts, run.work.Balance())
	run.out.Admission = res.Report

	batch := spine.AdmittedActionBatch{CycleID: run.id}
	for _, p := range res.Proposals {
		amount := p.Cost.SurvivalMicro
		reserveID, err := run.work.Reserve(run.id, amount, e.cfg.ReservationTTLCycles, p.CostAttributionID, p.ActionID, e.policy)
		if err != nil {
			if coreerr.IsFatal(err) {
				return spine.AdmittedActionBatch{}, err
			}
			run.out.Admission.DenyEconomic(p.AttemptID, run.work.Balance(), amount)
			run.issue(StageReserve, p.AttemptID, err)
			e.logger.Warn("reservation rejected", "cycle", run.id, "attempt", p.AttemptID, "err", err)
			continue
		}
		action := spine.AdmittedAction{
			ActionID:             p.ActionID,
			ReserveEntryID:       reserveID,
			AttemptID:            p.AttemptID,
			CostAttributionID:    p.CostAttributionID,
			EndpointID:           p.EndpointID,
			CapabilityID:         p.CapabilityID,
			NormalizedPayload:    p.NormalizedPayload,
			ReservedCost:         p.Cost,
			Degraded:             p.Degraded,
			DegradationProfileID: p.DegradationProfileID,
		}
		run.actions[action.ActionID] = action
		batch.Actions = append(batch.Actions, action)
	}
	run.out.AdmittedActionCount = len(batch.Actions)
	return batch, nil
}

// dispatch hands the batch to the port and settles or refunds each outcome in
// the order the events arrive.
func (e *Engine) dispatch(ctx context.Context, run *cycleRun, batch spine.AdmittedActionBatch) error {
	if len(batch.Actions) == 0 {
		run.out.Dispatch = spine.SkippedReport()
		return nil
	}
	report, err := e.port.ExecuteAdmitted(ctx, batch)
	if err != nil {
		e.logger.Error("dispatch port failed, cycle aborted", "cycle", run.id, "err", err)
		return coreerr.Wrap(coreerr.KindInternal, "dispatch", "dispatch port failed", err)
	}
	run.out.Dispatch = report

	for _, ev := range report.Events {
		action, ok := run.actions[ev.ActionID]
		if !ok {
			run.issue(StageDispatch, ev.ActionID,
				coreerr.Newf(coreerr.KindInvalidRequest, "dispatch", "event for unknown action %s", ev.ActionID))
			continue
		}
		run.seen[ev.ActionID] = true
		if ev.Outcome != nil {
			e.logger.Log(ctx, logging.LevelTrace, "dispatch outcome", "cycle", run.id, "action", ev.ActionID,
				"reservation", action.ReserveEntryID, "reference", ev.Outcome.Reference())
		}

		// Replays against a terminal reservation are no-ops and not counted.
		before, _ := run.work.Reservation(action.ReserveEntryID)
		switch o := ev.Outcome.(type) {
		case spine.Applied:
			_, err = run.work.SettleReservation(run.id, action.ReserveEntryID, o.ReferenceID, o.ActualCostSurvivalMicro, action.ActionID, e.policy)
			if err == nil && before.State == ledger.StateOpen {
				run.out.SettledCount++
			}
		case spine.Rejected, spine.Deferred:
			_, err = run.work.RefundReservation(run.id, action.ReserveEntryID, o.Reference(), action.ActionID, e.policy)
			if err == nil && before.State == ledger.StateOpen {
				run.out.RefundedCount++
			}
		default:
			err = coreerr.Newf(coreerr.KindInvalidRequest, "dispatch", "event for action %s has no outcome", ev.ActionID)
		}
		if err != nil {
			if coreerr.IsFatal(err) {
				return err
			}
			run.issue(StageDispatch, ev.ActionID, err)
		}
	}

	for _, a := range batch.Actions {
		if !run.seen[a.ActionID] {
			e.logger.Warn("no dispatch outcome, reservation left open", "cycle", run.id, "action", a.ActionID,
				"reservation", a.ReserveEntryID)
		}
	}
	return nil
}

// reconcileDebits drains the debit source and applies each new, matching
// observation once. Drained observations stay pending on the engine until a
// cycle commits, so an aborted cycle hands them to the next one.
func (e *Engine) reconcileDebits(run *cycleRun) error {
	if e.debits == nil {
		return nil
	}
	e.pendingDebits = append(e.pendingDebits, e.debits.DrainObservations()...)
	drained := make(map[string]bool)
	for _, obs := range e.pendingDebits {
		if obs.ReferenceID == "" || obs.DebitSurvivalMicro < 0 {
			run.issue(StageDebit, obs.ReferenceID, coreerr.Newf(coreerr.KindInvalidRequest, "external_debit",
				"malformed observation (reference %q, debit %d)", obs.ReferenceID, obs.DebitSurvivalMicro))
			continue
		}
		if drained[obs.ReferenceID] || run.work.HasExternalDebit(obs.ReferenceID) {
			e.logger.Debug("duplicate external debit ignored", "cycle", run.id, "reference", obs.ReferenceID)
			continue
		}
		drained[obs.ReferenceID] = true

		if _, ok := run.work.FindReservation(obs.CostAttributionID, obs.ActionID); !ok {
			e.logger.Warn("external debit has no matching reservation, dropped",
				"cycle", run.id, "reference", obs.ReferenceID,
				"attribution", obs.CostAttributionID, "action", obs.ActionID)
			continue
		}
		if _, err := run.work.ApplyExternalDebit(run.id, obs, e.policy); err != nil {
			if coreerr.IsFatal(err) {
				return err
			}
			run.issue(StageDebit, obs.ReferenceID, err)
			continue
		}
		run.out.AppliedExternalDebitCount++
	}
	return nil
}

// #endregion process

// #region views

// Balance returns the committed survival balance.
func (e *Engine) Balance() int64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.ledger.Balance()
}

// LastCycle returns the last committed cycle id and whether any cycle ran.
func (e *Engine) LastCycle() (uint64, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.lastCycle, e.started
}

// LastSeq returns the seq_no of the newest committed ledger entry.
func (e *Engine) LastSeq() uint64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.ledger.LastSeq()
}

// LedgerState exports the committed ledger.
func (e *Engine) LedgerState() ledger.State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.ledger.Export()
}

// OpenReservations lists reservations still awaiting an outcome.
func (e *Engine) OpenReservations() []ledger.ReservationRecord {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.ledger.OpenReservations()
}

// Policy returns the version tuple stamped on new ledger entries.
func (e *Engine) Policy() ledger.PolicyVersionTuple {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.policy
}

// SetCognition replaces the opaque cognition payload carried in snapshots.
func (e *Engine) SetCognition(raw json.RawMessage) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.cognition = slices.Clone(raw)
}

// Cognition returns the cognition payload.
func (e *Engine) Cognition() json.RawMessage {
	e.mu.Lock()
	defer e.mu.Unlock()
	return slices.Clone(e.cognition)
}

// #endregion views

// #region restore

// Restore replaces the engine's ledger and cognition with a snapshot. The
// ledger invariants are re-verified before anything is swapped in.
func (e *Engine) Restore(snap Snapshot) error {
	if snap.Version != SnapshotVersion {
		return coreerr.Newf(coreerr.KindInvariantViolation, "restore",
			"snapshot version %q, want %q", snap.Version, SnapshotVersion)
	}
	l, err := ledger.Restore(snap.Ledger)
	if err != nil {
		return fmt.Errorf("restore ledger: %w", err)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.ledger = l
	e.lastCycle = snap.CycleID
	e.started = true
	e.cognition = slices.Clone(snap.Cognition)
	e.logger.Info("restored from snapshot", "cycle", snap.CycleID, "balance", l.Balance(), "entries", l.LastSeq())
	return nil
}

// RestoreFile loads the snapshot at path, if any, and restores from it.
func (e *Engine) RestoreFile(path string) (bool, error) {
	snap, found, err := LoadSnapshot(path)
	if err != nil || !found {
		return false, err
	}
	if err := e.Restore(snap); err != nil {
		return false, err
	}
	return true, nil
}

// #endregion restore
