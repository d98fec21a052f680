package continuity

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/xiaoland/beluna-core/internal/admission"
	"github.com/xiaoland/beluna-core/internal/affordance"
	"github.com/xiaoland/beluna-core/internal/coreerr"
	"github.com/xiaoland/beluna-core/internal/ledger"
	"github.com/xiaoland/beluna-core/internal/spine"
)

type portFunc func(ctx context.Context, batch spine.AdmittedActionBatch) (spine.SpineExecutionReport, error)

func (f portFunc) ExecuteAdmitted(ctx context.Context, batch spine.AdmittedActionBatch) (spine.SpineExecutionReport, error) {
	return f(ctx, batch)
}

type memJournal struct {
	records []CycleRecord
	err     error
}

func (j *memJournal) CommitCycle(_ context.Context, rec CycleRecord) error {
	if j.err != nil {
		return j.err
	}
	j.records = append(j.records, rec)
	return nil
}

func testResolver(t *testing.T) *admission.Resolver {
	t.Helper()
	reg := affordance.NewRegistry("reg-v1", []affordance.AffordanceProfile{
		{EndpointID: "mail", CapabilityID: "send", BaseCost: affordance.CostVector{SurvivalMicro: 40}},
		{
			EndpointID: "web", CapabilityID: "search",
			BaseCost: affordance.CostVector{SurvivalMicro: 100},
			Degradations: []affordance.DegradationProfile{
				{ProfileID: "lite", Depth: 1, CapabilityLossScore: 10, CostMultiplierMilli: 500},
			},
		},
	})
	r, err := admission.NewResolver(reg, admission.DefaultResolverConfig())
	if err != nil {
		t.Fatalf("NewResolver: %v", err)
	}
	return r
}

func newTestEngine(t *testing.T, initial int64, ttl uint64, port spine.Port, opts ...Option) *Engine {
	t.Helper()
	e, err := New(Config{
		LedgerID:                "test",
		InitialBalanceMicro:     initial,
		ReservationTTLCycles:    ttl,
		CostPolicyVersion:       "cost-v1",
		AdmissionRulesetVersion: "rules-v1",
	}, testResolver(t), port, opts...)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return e
}

func mailAttempt(t *testing.T, cycle uint64, slot uint32, attribution string) admission.IntentAttempt {
	t.Helper()
	a, err := admission.NewAttempt(admission.IntentAttempt{
		CycleID:           cycle,
		CommitmentID:      "c1",
		GoalID:            "g1",
		PlannerSlot:       slot,
		AffordanceKey:     "mail",
		CapabilityHandle:  "send",
		NormalizedPayload: map[string]any{"slot": slot},
		CostAttributionID: attribution,
	})
	if err != nil {
		t.Fatalf("NewAttempt: %v", err)
	}
	return a
}

func loopback(milli uint32) spine.Port {
	return spine.NewExecutor(spine.Loopback{CostMultiplierMilli: milli}, 0, nil)
}

// silentPort accepts every batch and reports no outcomes.
var silentPort = portFunc(func(_ context.Context, _ spine.AdmittedActionBatch) (spine.SpineExecutionReport, error) {
	return spine.SpineExecutionReport{Mode: "silent"}, nil
})

// #region cycle-tests

func TestProcessAttemptsSettlesApplied(t *testing.T) {
	journal := &memJournal{}
	e := newTestEngine(t, 1000, 4, loopback(500), WithJournal(journal))

	out, err := e.ProcessAttempts(context.Background(), 1, []admission.IntentAttempt{
		mailAttempt(t, 1, 0, "attr-1"),
		mailAttempt(t, 1, 1, "attr-1"),
	})
	if err != nil {
		t.Fatalf("ProcessAttempts: %v", err)
	}
	if out.AdmittedActionCount != 2 || out.SettledCount != 2 || out.RefundedCount != 0 {
		t.Fatalf("unexpected counts %+v", out)
	}
	if out.BalanceMicro != 960 || e.Balance() != 960 {
		t.Fatalf("expected balance 960, got %d/%d", out.BalanceMicro, e.Balance())
	}
	if out.Dispatch.Mode != spine.ModeLocal || len(out.Dispatch.Events) != 2 {
		t.Fatalf("unexpected dispatch report %+v", out.Dispatch)
	}
	if len(journal.records) != 1 || len(journal.records[0].Entries) != 6 {
		t.Fatalf("expected one journaled cycle with 6 entries, got %+v", journal.records)
	}
	for _, entry := range journal.records[0].Entries {
		if entry.Policy.AffordanceRegistryVersion != "reg-v1" || entry.Policy.CostPolicyVersion != "cost-v1" {
			t.Fatalf("entry %d missing policy versions: %+v", entry.SeqNo, entry.Policy)
		}
	}
	if len(e.OpenReservations()) != 0 {
		t.Fatal("all reservations should be settled")
	}
}

func TestProcessAttemptsRefundsRejectedAndDeferred(t *testing.T) {
	port := spine.NewExecutor(spine.Loopback{
		Reject: map[string]bool{"send": true},
	}, 0, nil)
	e := newTestEngine(t, 1000, 4, port)

	out, err := e.ProcessAttempts(context.Background(), 1, []admission.IntentAttempt{mailAttempt(t, 1, 0, "attr-1")})
	if err != nil {
		t.Fatal(err)
	}
	if out.RefundedCount != 1 || out.BalanceMicro != 1000 {
		t.Fatalf("expected refund to restore balance, got %+v", out)
	}
}

func TestProcessAttemptsDegradedAdmission(t *testing.T) {
	e := newTestEngine(t, 60, 4, loopback(1000))
	a, err := admission.NewAttempt(admission.IntentAttempt{
		CycleID: 1, AffordanceKey: "web", CapabilityHandle: "search", CostAttributionID: "attr-1",
	})
	if err != nil {
		t.Fatal(err)
	}

	out, err := e.ProcessAttempts(context.Background(), 1, []admission.IntentAttempt{a})
	if err != nil {
		t.Fatal(err)
	}
	item := out.Admission.Items[0]
	if d, ok := item.Disposition.(admission.Admitted); !ok || !d.Degraded || item.DegradationProfileID != "lite" {
		t.Fatalf("expected degraded admission via lite, got %+v", item)
	}
	if out.BalanceMicro != 10 {
		t.Fatalf("expected balance 10, got %d", out.BalanceMicro)
	}
}

func TestUnansweredReservationsExpire(t *testing.T) {
	e := newTestEngine(t, 1000, 1, silentPort)
	ctx := context.Background()

	out, err := e.ProcessAttempts(ctx, 1, []admission.IntentAttempt{mailAttempt(t, 1, 0, "attr-1")})
	if err != nil {
		t.Fatal(err)
	}
	if out.BalanceMicro != 960 || len(e.OpenReservations()) != 1 {
		t.Fatalf("expected one open reservation, got balance %d", out.BalanceMicro)
	}

	out, err = e.ProcessAttempts(ctx, 2, nil)
	if err != nil {
		t.Fatal(err)
	}
	if out.ExpiredReservationCount != 0 || out.Dispatch.Mode != spine.ModeSkipped {
		t.Fatalf("reservation must survive through its expiry cycle, got %+v", out)
	}

	out, err = e.ProcessAttempts(ctx, 3, nil)
	if err != nil {
		t.Fatal(err)
	}
	if out.ExpiredReservationCount != 1 || out.BalanceMicro != 1000 {
		t.Fatalf("expected expiry to release the reservation, got %+v", out)
	}
}

func TestPortFailureAbortsCycle(t *testing.T) {
	fail := true
	port := portFunc(func(ctx context.Context, batch spine.AdmittedActionBatch) (spine.SpineExecutionReport, error) {
		if fail {
			return spine.SpineExecutionReport{}, errors.New("spine unreachable")
		}
		return loopback(1000).ExecuteAdmitted(ctx, batch)
	})
	journal := &memJournal{}
	e := newTestEngine(t, 1000, 4, port, WithJournal(journal))
	attempts := []admission.IntentAttempt{mailAttempt(t, 1, 0, "attr-1")}

	_, err := e.ProcessAttempts(context.Background(), 1, attempts)
	if coreerr.KindOf(err) != coreerr.KindInternal {
		t.Fatalf("expected internal error, got %v", err)
	}
	if e.Balance() != 1000 || len(journal.records) != 0 {
		t.Fatal("aborted cycle must leave no trace")
	}
	if _, started := e.LastCycle(); started {
		t.Fatal("aborted cycle must not advance the cycle counter")
	}

	fail = false
	if _, err := e.ProcessAttempts(context.Background(), 1, attempts); err != nil {
		t.Fatalf("retrying the aborted cycle: %v", err)
	}
	if e.Balance() != 960 {
		t.Fatalf("expected 960 after retry, got %d", e.Balance())
	}
}

func TestJournalFailureAbortsCycle(t *testing.T) {
	journal := &memJournal{err: errors.New("disk full")}
	e := newTestEngine(t, 1000, 4, loopback(1000), WithJournal(journal))

	_, err := e.ProcessAttempts(context.Background(), 1, []admission.IntentAttempt{mailAttempt(t, 1, 0, "attr-1")})
	if err == nil || !coreerr.IsFatal(err) {
		t.Fatalf("expected fatal error, got %v", err)
	}
	if e.Balance() != 1000 {
		t.Fatalf("balance must be unchanged, got %d", e.Balance())
	}
}

func TestCycleIDsMustIncrease(t *testing.T) {
	e := newTestEngine(t, 1000, 4, loopback(1000))
	ctx := context.Background()
	if _, err := e.ProcessAttempts(ctx, 5, nil); err != nil {
		t.Fatal(err)
	}
	for _, id := range []uint64{5, 4} {
		_, err := e.ProcessAttempts(ctx, id, nil)
		if !errors.Is(err, coreerr.ErrInvalidRequest) {
			t.Fatalf("cycle %d: expected invalid request, got %v", id, err)
		}
	}
}

func TestDispatchIssuesDoNotAbort(t *testing.T) {
	port := portFunc(func(_ context.Context, batch spine.AdmittedActionBatch) (spine.SpineExecutionReport, error) {
		a := batch.Actions[0]
		return spine.SpineExecutionReport{Mode: "fake", Events: []spine.SpineEvent{
			{ActionID: "ghost", Outcome: spine.Applied{ReferenceID: "r0"}},
			{ActionID: a.ActionID, Outcome: spine.Applied{ActualCostSurvivalMicro: 40, ReferenceID: "r1"}},
			{ActionID: a.ActionID, Outcome: spine.Applied{ActualCostSurvivalMicro: 40, ReferenceID: "r1"}},
			{ActionID: a.ActionID, Outcome: spine.Rejected{ReasonCode: "late", ReferenceID: "r2"}},
		}}, nil
	})
	e := newTestEngine(t, 1000, 4, port)

	out, err := e.ProcessAttempts(context.Background(), 1, []admission.IntentAttempt{mailAttempt(t, 1, 0, "attr-1")})
	if err != nil {
		t.Fatal(err)
	}
	// The replayed settle is a no-op and is not counted; the ghost and the
	// late refund are captured as issues.
	if out.AdmittedActionCount != 1 || out.SettledCount != 1 || out.RefundedCount != 0 {
		t.Fatalf("replayed outcomes must not count, got %+v", out)
	}
	if len(out.Issues) != 2 {
		t.Fatalf("expected 2 issues, got %+v", out.Issues)
	}
	if out.Issues[0].Kind != coreerr.KindInvalidRequest || out.Issues[1].Kind != coreerr.KindLedgerConflict {
		t.Fatalf("unexpected issue kinds %+v", out.Issues)
	}
	if out.BalanceMicro != 960 {
		t.Fatalf("expected 960, got %d", out.BalanceMicro)
	}
}

func TestSettleOverrunIsCapturedAsIssue(t *testing.T) {
	port := portFunc(func(_ context.Context, batch spine.AdmittedActionBatch) (spine.SpineExecutionReport, error) {
		return spine.SpineExecutionReport{Mode: "fake", Events: []spine.SpineEvent{
			{ActionID: batch.Actions[0].ActionID, Outcome: spine.Applied{ActualCostSurvivalMicro: 5000, ReferenceID: "r1"}},
		}}, nil
	})
	e := newTestEngine(t, 100, 4, port)

	out, err := e.ProcessAttempts(context.Background(), 1, []admission.IntentAttempt{mailAttempt(t, 1, 0, "attr-1")})
	if err != nil {
		t.Fatal(err)
	}
	if len(out.Issues) != 1 || out.Issues[0].Kind != coreerr.KindArithmetic {
		t.Fatalf("expected one arithmetic issue, got %+v", out.Issues)
	}
	if len(e.OpenReservations()) != 1 {
		t.Fatal("overrun reservation must stay open")
	}
}

// #endregion cycle-tests

// #region debit-tests

func TestExternalDebitsDedupAndMatch(t *testing.T) {
	queue := NewDebitQueue()
	e := newTestEngine(t, 1000, 4, loopback(1000), WithDebitSource(queue))
	ctx := context.Background()

	queue.Push(
		ledger.ExternalDebitObservation{ReferenceID: "bill-1", CostAttributionID: "attr-1", DebitSurvivalMicro: 5},
		ledger.ExternalDebitObservation{ReferenceID: "bill-1", CostAttributionID: "attr-1", DebitSurvivalMicro: 5},
		ledger.ExternalDebitObservation{ReferenceID: "bill-2", CostAttributionID: "nobody", DebitSurvivalMicro: 7},
		ledger.ExternalDebitObservation{ReferenceID: "", CostAttributionID: "attr-1", DebitSurvivalMicro: 1},
	)
	out, err := e.ProcessAttempts(ctx, 1, []admission.IntentAttempt{mailAttempt(t, 1, 0, "attr-1")})
	if err != nil {
		t.Fatal(err)
	}
	if out.AppliedExternalDebitCount != 1 || len(out.Issues) != 1 {
		t.Fatalf("expected 1 applied debit and 1 issue, got %+v", out)
	}
	if out.BalanceMicro != 955 {
		t.Fatalf("expected 955, got %d", out.BalanceMicro)
	}

	queue.Push(ledger.ExternalDebitObservation{ReferenceID: "bill-1", CostAttributionID: "attr-1", DebitSurvivalMicro: 5})
	out, err = e.ProcessAttempts(ctx, 2, nil)
	if err != nil {
		t.Fatal(err)
	}
	if out.AppliedExternalDebitCount != 0 || out.BalanceMicro != 955 {
		t.Fatalf("replayed debit must be a no-op, got %+v", out)
	}
	if queue.Len() != 0 {
		t.Fatal("queue must be drained")
	}
}

func TestAbortedCycleKeepsDrainedDebits(t *testing.T) {
	queue := NewDebitQueue()
	journal := &memJournal{}
	e := newTestEngine(t, 1000, 4, loopback(1000), WithDebitSource(queue), WithJournal(journal))
	ctx := context.Background()

	if _, err := e.ProcessAttempts(ctx, 1, []admission.IntentAttempt{mailAttempt(t, 1, 0, "attr-1")}); err != nil {
		t.Fatal(err)
	}

	queue.Push(ledger.ExternalDebitObservation{ReferenceID: "bill-1", CostAttributionID: "attr-1", DebitSurvivalMicro: 5})
	journal.err = errors.New("disk full")
	if _, err := e.ProcessAttempts(ctx, 2, nil); !coreerr.IsFatal(err) {
		t.Fatalf("expected fatal journal error, got %v", err)
	}
	if e.Balance() != 960 {
		t.Fatalf("aborted cycle must not apply the debit, got %d", e.Balance())
	}

	journal.err = nil
	out, err := e.ProcessAttempts(ctx, 3, nil)
	if err != nil {
		t.Fatal(err)
	}
	if out.AppliedExternalDebitCount != 1 || out.BalanceMicro != 955 {
		t.Fatalf("debit drained by the aborted cycle must apply next, got %+v", out)
	}
	if len(journal.records) != 2 || len(journal.records[1].Entries) != 1 {
		t.Fatalf("expected the debit entry journaled with cycle 3, got %+v", journal.records)
	}

	out, err = e.ProcessAttempts(ctx, 4, nil)
	if err != nil {
		t.Fatal(err)
	}
	if out.AppliedExternalDebitCount != 0 || out.BalanceMicro != 955 {
		t.Fatalf("committed debits must not be carried again, got %+v", out)
	}
}

func TestExternalDebitMatchesByActionID(t *testing.T) {
	queue := NewDebitQueue()
	e := newTestEngine(t, 1000, 4, loopback(1000), WithDebitSource(queue))
	ctx := context.Background()

	out, err := e.ProcessAttempts(ctx, 1, []admission.IntentAttempt{mailAttempt(t, 1, 0, "attr-1")})
	if err != nil {
		t.Fatal(err)
	}
	actionID := out.Admission.Items[0].ActionID

	queue.Push(
		ledger.ExternalDebitObservation{ReferenceID: "bill-a", ActionID: actionID, DebitSurvivalMicro: 3},
		ledger.ExternalDebitObservation{ReferenceID: "bill-b", ActionID: actionID, CostAttributionID: "other", DebitSurvivalMicro: 3},
		ledger.ExternalDebitObservation{ReferenceID: "bill-c", ActionID: "unknown-action", DebitSurvivalMicro: 3},
	)
	out, err = e.ProcessAttempts(ctx, 2, nil)
	if err != nil {
		t.Fatal(err)
	}
	if out.AppliedExternalDebitCount != 1 || out.BalanceMicro != 957 {
		t.Fatalf("expected only bill-a to apply, got %+v", out)
	}
}

func TestDebitQueueConcurrentProducers(t *testing.T) {
	q := NewDebitQueue()
	if got := q.DrainObservations(); got == nil || len(got) != 0 {
		t.Fatalf("empty drain must return an empty slice, got %#v", got)
	}

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				q.Push(ledger.ExternalDebitObservation{ReferenceID: "x"})
			}
		}()
	}
	total := 0
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	for {
		total += len(q.DrainObservations())
		select {
		case <-done:
			total += len(q.DrainObservations())
			if total != 400 {
				t.Fatalf("expected 400 observations, got %d", total)
			}
			return
		default:
		}
	}
}

// #endregion debit-tests

// #region snapshot-tests

func TestSnapshotPersistAndRestore(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state", "continuity.json")
	e, err := New(Config{
		LedgerID:             "test",
		InitialBalanceMicro:  1000,
		ReservationTTLCycles: 4,
		SnapshotPath:         path,
	}, testResolver(t), silentPort)
	if err != nil {
		t.Fatal(err)
	}
	e.SetCognition(json.RawMessage(`{"goals":["survive"]}`))
	if _, err := e.ProcessAttempts(context.Background(), 1, []admission.IntentAttempt{mailAttempt(t, 1, 0, "attr-1")}); err != nil {
		t.Fatal(err)
	}

	restored := newTestEngine(t, 0, 4, silentPort)
	found, err := restored.RestoreFile(path)
	if err != nil || !found {
		t.Fatalf("RestoreFile: found=%v err=%v", found, err)
	}
	if restored.Balance() != 960 || len(restored.OpenReservations()) != 1 {
		t.Fatalf("restored state mismatch: balance %d", restored.Balance())
	}
	if string(restored.Cognition()) != `{"goals":["survive"]}` {
		t.Fatalf("unexpected cognition %s", restored.Cognition())
	}
	if last, started := restored.LastCycle(); last != 1 || !started {
		t.Fatalf("expected last cycle 1, got %d", last)
	}
	if _, err := restored.ProcessAttempts(context.Background(), 1, nil); !errors.Is(err, coreerr.ErrInvalidRequest) {
		t.Fatalf("restored engine must reject a replayed cycle id, got %v", err)
	}

	entries, err := os.ReadDir(filepath.Dir(path))
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 {
		t.Fatalf("temp files left behind: %v", entries)
	}
}

func TestLoadSnapshotMissingAndVersion(t *testing.T) {
	dir := t.TempDir()
	if _, found, err := LoadSnapshot(filepath.Join(dir, "none.json")); found || err != nil {
		t.Fatalf("missing snapshot must be no prior state, got found=%v err=%v", found, err)
	}

	path := filepath.Join(dir, "old.json")
	if err := os.WriteFile(path, []byte(`{"version":"beluna.continuity.v0","cycle_id":1}`), 0o644); err != nil {
		t.Fatal(err)
	}
	_, _, err := LoadSnapshot(path)
	if !errors.Is(err, coreerr.ErrInvariantViolation) {
		t.Fatalf("expected fatal version mismatch, got %v", err)
	}
}

// #endregion snapshot-tests
