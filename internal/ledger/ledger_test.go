package ledger

import (
	"encoding/json"
	"errors"
	"slices"
	"strings"
	"testing"

	"github.com/xiaoland/beluna-core/internal/coreerr"
)

var testPolicy = PolicyVersionTuple{
	AffordanceRegistryVersion: "reg-1",
	CostPolicyVersion:         "cost-1",
	AdmissionRulesetVersion:   "rules-1",
}

func newLedger(t *testing.T, balance int64) *Ledger {
	t.Helper()
	l, err := New("test-ledger", balance)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return l
}

func mustReserve(t *testing.T, l *Ledger, cycle uint64, amount int64, ttl uint64) string {
	t.Helper()
	id, err := l.Reserve(cycle, amount, ttl, "attr-1", "act-1", testPolicy)
	if err != nil {
		t.Fatalf("Reserve: %v", err)
	}
	return id
}

// #region end-to-end-tests

func TestReserveSettleReplay(t *testing.T) {
	l := newLedger(t, 1_000_000)

	id := mustReserve(t, l, 1, 100, 4)
	if l.Balance() != 999_900 {
		t.Fatalf("expected 999900 after reserve, got %d", l.Balance())
	}

	rec, err := l.SettleReservation(1, id, "settle-ref", 100, "act-1", testPolicy)
	if err != nil {
		t.Fatalf("SettleReservation: %v", err)
	}
	if rec.State != StateSettled {
		t.Fatalf("expected settled, got %s", rec.State)
	}
	if l.Balance() != 999_900 {
		t.Fatalf("expected balance unchanged at 999900, got %d", l.Balance())
	}

	entriesBefore := l.LastSeq()
	if _, err := l.SettleReservation(1, id, "settle-ref", 100, "act-1", testPolicy); err != nil {
		t.Fatalf("replayed settle should succeed: %v", err)
	}
	if l.LastSeq() != entriesBefore || l.Balance() != 999_900 {
		t.Fatal("replayed settle changed ledger state")
	}

	_, err = l.RefundReservation(1, id, "refund-ref", "act-1", testPolicy)
	if err == nil || !strings.Contains(err.Error(), "already terminal") {
		t.Fatalf("expected already terminal error, got %v", err)
	}
	if !errors.Is(err, coreerr.ErrLedgerConflict) {
		t.Fatalf("expected ledger conflict kind, got %v", err)
	}

	_, err = l.SettleReservation(1, id, "other-ref", 100, "act-1", testPolicy)
	if err == nil || !strings.Contains(err.Error(), "already terminal") {
		t.Fatalf("expected already terminal for different reference, got %v", err)
	}
}

func TestReserveExpire(t *testing.T) {
	l := newLedger(t, 1_000)

	id := mustReserve(t, l, 0, 120, 2)
	if l.Balance() != 880 {
		t.Fatalf("expected 880, got %d", l.Balance())
	}

	expired, err := l.ExpireOpenReservations(2, "ttl", testPolicy)
	if err != nil {
		t.Fatalf("ExpireOpenReservations(2): %v", err)
	}
	if len(expired) != 0 {
		t.Fatalf("expected nothing expired at cycle 2, got %v", expired)
	}

	expired, err = l.ExpireOpenReservations(3, "ttl", testPolicy)
	if err != nil {
		t.Fatalf("ExpireOpenReservations(3): %v", err)
	}
	if !slices.Equal(expired, []string{id}) {
		t.Fatalf("expected [%s], got %v", id, expired)
	}
	if l.Balance() != 1_000 {
		t.Fatalf("expected balance back to 1000, got %d", l.Balance())
	}

	again, err := l.ExpireOpenReservations(4, "ttl", testPolicy)
	if err != nil {
		t.Fatalf("ExpireOpenReservations(4): %v", err)
	}
	if len(again) != 0 || l.Balance() != 1_000 {
		t.Fatal("reservation released more than once")
	}
	rec, _ := l.Reservation(id)
	if rec.State != StateExpired || rec.TerminalReferenceID != "expire:ttl:3" {
		t.Fatalf("unexpected record after expiry: %+v", rec)
	}
}

func TestExternalDebit(t *testing.T) {
	l := newLedger(t, 500)

	entry, err := l.ApplyExternalDebit(1, ExternalDebitObservation{
		ReferenceID:        "bill-1",
		CostAttributionID:  "attr-1",
		DebitSurvivalMicro: 55,
	}, testPolicy)
	if err != nil {
		t.Fatalf("ApplyExternalDebit: %v", err)
	}
	if l.Balance() != 445 {
		t.Fatalf("expected 445, got %d", l.Balance())
	}
	if entry.AmountSurvivalMicro != -55 {
		t.Fatalf("expected -55 delta, got %d", entry.AmountSurvivalMicro)
	}
	if _, ok := entry.Kind.(ExternalDebit); !ok {
		t.Fatalf("expected external debit kind, got %T", entry.Kind)
	}
	if !l.HasExternalDebit("bill-1") {
		t.Fatal("expected reference to be recorded")
	}

	_, err = l.ApplyExternalDebit(1, ExternalDebitObservation{ReferenceID: "bill-1", DebitSurvivalMicro: 55}, testPolicy)
	if !errors.Is(err, coreerr.ErrLedgerConflict) {
		t.Fatalf("expected conflict on duplicate reference, got %v", err)
	}
	if l.Balance() != 445 {
		t.Fatalf("duplicate debit changed balance to %d", l.Balance())
	}
}

// #endregion end-to-end-tests

// #region reserve-tests

func TestReserveRejectsOverdraft(t *testing.T) {
	l := newLedger(t, 50)
	_, err := l.Reserve(1, 51, 2, "attr", "ref", testPolicy)
	if !errors.Is(err, coreerr.ErrArithmetic) {
		t.Fatalf("expected arithmetic error, got %v", err)
	}
	if l.Balance() != 50 || l.LastSeq() != 0 {
		t.Fatal("failed reserve must not change state")
	}
}

func TestReserveValidation(t *testing.T) {
	l := newLedger(t, 50)
	if _, err := l.Reserve(1, -1, 2, "attr", "ref", testPolicy); !errors.Is(err, coreerr.ErrInvalidRequest) {
		t.Fatalf("expected invalid request for negative amount, got %v", err)
	}
	if _, err := l.Reserve(1, 1, 2, "", "ref", testPolicy); !errors.Is(err, coreerr.ErrInvalidRequest) {
		t.Fatalf("expected invalid request for empty attribution, got %v", err)
	}
	mustReserve(t, l, 5, 1, 1)
	if _, err := l.Reserve(4, 1, 1, "attr", "ref", testPolicy); !errors.Is(err, coreerr.ErrInvalidRequest) {
		t.Fatalf("expected invalid request for cycle regression, got %v", err)
	}
}

func TestEntriesCarryPolicyAndMonotonicSeq(t *testing.T) {
	l := newLedger(t, 1_000)
	a := mustReserve(t, l, 1, 10, 3)
	b := mustReserve(t, l, 1, 20, 3)
	if a == b {
		t.Fatal("reservation ids must be distinct")
	}
	if _, err := l.RefundReservation(2, b, "refund-b", "act-b", testPolicy); err != nil {
		t.Fatalf("RefundReservation: %v", err)
	}

	entries := l.Entries()
	if len(entries) != 3 {
		t.Fatalf("expected 3 entries, got %d", len(entries))
	}
	for i, e := range entries {
		if e.SeqNo != uint64(i+1) {
			t.Fatalf("entry %d has seq %d", i, e.SeqNo)
		}
		if e.Policy != testPolicy {
			t.Fatalf("entry %d lost policy snapshot: %+v", i, e.Policy)
		}
	}
	if entries[0].EntryID != a {
		t.Fatalf("reserve entry id should be the reservation id")
	}
	if got := l.EntriesSince(2); len(got) != 1 || got[0].Kind.Name() != "refund" {
		t.Fatalf("unexpected EntriesSince(2): %+v", got)
	}
}

// #endregion reserve-tests

// #region settle-tests

func TestSettleAdjustment(t *testing.T) {
	l := newLedger(t, 1_000)
	id := mustReserve(t, l, 1, 100, 4)

	if _, err := l.SettleReservation(1, id, "s1", 70, "act-1", testPolicy); err != nil {
		t.Fatalf("SettleReservation: %v", err)
	}
	if l.Balance() != 930 {
		t.Fatalf("expected 30 credited back (930), got %d", l.Balance())
	}
	entries := l.Entries()
	last := entries[len(entries)-1]
	if _, ok := last.Kind.(Adjustment); !ok || last.AmountSurvivalMicro != 30 {
		t.Fatalf("expected +30 adjustment, got %s %d", last.Kind.Name(), last.AmountSurvivalMicro)
	}

	id2 := mustReserve(t, l, 2, 100, 4)
	if _, err := l.SettleReservation(2, id2, "s2", 150, "act-2", testPolicy); err != nil {
		t.Fatalf("SettleReservation overrun: %v", err)
	}
	if l.Balance() != 780 {
		t.Fatalf("expected 780 after overrun, got %d", l.Balance())
	}
}

func TestSettleReplayAmountMismatch(t *testing.T) {
	l := newLedger(t, 1_000)
	id := mustReserve(t, l, 1, 100, 4)
	if _, err := l.SettleReservation(1, id, "s1", 100, "", testPolicy); err != nil {
		t.Fatalf("SettleReservation: %v", err)
	}
	_, err := l.SettleReservation(1, id, "s1", 90, "", testPolicy)
	if !errors.Is(err, coreerr.ErrLedgerConflict) {
		t.Fatalf("expected conflict on amount mismatch, got %v", err)
	}
}

func TestSettleOverrunBeyondBalance(t *testing.T) {
	l := newLedger(t, 100)
	id := mustReserve(t, l, 1, 100, 4)
	_, err := l.SettleReservation(1, id, "s1", 101, "", testPolicy)
	if !errors.Is(err, coreerr.ErrArithmetic) {
		t.Fatalf("expected arithmetic error, got %v", err)
	}
	rec, _ := l.Reservation(id)
	if rec.State != StateOpen {
		t.Fatalf("failed settle must leave record open, got %s", rec.State)
	}
}

func TestTerminalOperationsOnExpired(t *testing.T) {
	l := newLedger(t, 100)
	id := mustReserve(t, l, 1, 10, 0)
	if _, err := l.ExpireOpenReservations(2, "ttl", testPolicy); err != nil {
		t.Fatalf("ExpireOpenReservations: %v", err)
	}
	if _, err := l.SettleReservation(2, id, "late", 10, "", testPolicy); err == nil || !strings.Contains(err.Error(), "already terminal") {
		t.Fatalf("expected already terminal, got %v", err)
	}
	if _, err := l.RefundReservation(2, id, "late", "", testPolicy); err == nil || !strings.Contains(err.Error(), "already terminal") {
		t.Fatalf("expected already terminal, got %v", err)
	}
}

func TestRefundReplayIsNoop(t *testing.T) {
	l := newLedger(t, 100)
	id := mustReserve(t, l, 1, 40, 3)
	if _, err := l.RefundReservation(1, id, "r1", "a", testPolicy); err != nil {
		t.Fatalf("RefundReservation: %v", err)
	}
	seq := l.LastSeq()
	if _, err := l.RefundReservation(1, id, "r1", "a", testPolicy); err != nil {
		t.Fatalf("refund replay: %v", err)
	}
	if l.LastSeq() != seq || l.Balance() != 100 {
		t.Fatal("refund replay changed state")
	}
	if _, err := l.RefundReservation(1, "missing", "r1", "a", testPolicy); !errors.Is(err, coreerr.ErrInvalidRequest) {
		t.Fatalf("expected invalid request for unknown reservation, got %v", err)
	}
}

// #endregion settle-tests

// #region lookup-tests

func TestFindReservation(t *testing.T) {
	l := newLedger(t, 1_000)
	first, err := l.Reserve(1, 10, 5, "shared", "act-a", testPolicy)
	if err != nil {
		t.Fatalf("Reserve: %v", err)
	}
	second, err := l.Reserve(1, 10, 5, "shared", "act-b", testPolicy)
	if err != nil {
		t.Fatalf("Reserve: %v", err)
	}

	if rec, ok := l.FindReservation("shared", "act-a"); !ok || rec.ReserveEntryID != first {
		t.Fatalf("expected act-a to resolve to %s", first)
	}
	if rec, ok := l.FindReservation("", "act-b"); !ok || rec.ReserveEntryID != second {
		t.Fatalf("expected act-b to resolve to %s", second)
	}
	if rec, ok := l.FindReservation("shared", ""); !ok || rec.ReserveEntryID != second {
		t.Fatal("expected attribution-only lookup to return newest reservation")
	}
	if _, ok := l.FindReservation("other", "act-a"); ok {
		t.Fatal("attribution mismatch must not match")
	}
	if _, ok := l.FindReservation("nobody", ""); ok {
		t.Fatal("unknown attribution must not match")
	}
}

// #endregion lookup-tests

// #region invariant-tests

func TestCheckInvariants(t *testing.T) {
	l := newLedger(t, 1_000)
	mustReserve(t, l, 1, 10, 2)
	if err := l.CheckInvariants(3); err != nil {
		t.Fatalf("expected invariants to hold at expiry cycle: %v", err)
	}
	err := l.CheckInvariants(4)
	if !errors.Is(err, coreerr.ErrInvariantViolation) {
		t.Fatalf("expected invariant violation for stale open reservation, got %v", err)
	}

	l.balance++
	if err := l.CheckInvariants(1); !errors.Is(err, coreerr.ErrInvariantViolation) {
		t.Fatalf("expected reconciliation failure, got %v", err)
	}
}

func TestCheckInvariantsTerminalReference(t *testing.T) {
	l := newLedger(t, 100)
	id := mustReserve(t, l, 1, 10, 2)
	rec := l.reservations[id]
	rec.State = StateSettled
	l.reservations[id] = rec
	if err := l.CheckInvariants(1); err == nil || !strings.Contains(err.Error(), "no terminal reference") {
		t.Fatalf("expected missing terminal reference violation, got %v", err)
	}
}

// #endregion invariant-tests

// #region clone-export-tests

func TestCloneIsolation(t *testing.T) {
	l := newLedger(t, 1_000)
	id := mustReserve(t, l, 1, 100, 4)

	work := l.Clone()
	if _, err := work.SettleReservation(2, id, "s", 100, "", testPolicy); err != nil {
		t.Fatalf("settle on clone: %v", err)
	}
	mustReserve(t, work, 2, 5, 1)

	if rec, _ := l.Reservation(id); rec.State != StateOpen {
		t.Fatal("clone mutation leaked into original reservation table")
	}
	if l.LastSeq() != 1 || l.Balance() != 900 {
		t.Fatalf("clone mutation leaked into original log: seq=%d balance=%d", l.LastSeq(), l.Balance())
	}

	mustReserve(t, l, 2, 1, 1)
	if work.Entries()[1].Kind.Name() != "settle" {
		t.Fatal("original append overwrote clone's log")
	}
}

func TestExportRestoreRoundTrip(t *testing.T) {
	l := newLedger(t, 1_000)
	id := mustReserve(t, l, 1, 100, 4)
	if _, err := l.ApplyExternalDebit(1, ExternalDebitObservation{ReferenceID: "b1", CostAttributionID: "attr-1", DebitSurvivalMicro: 5}, testPolicy); err != nil {
		t.Fatalf("ApplyExternalDebit: %v", err)
	}
	if _, err := l.SettleReservation(2, id, "s", 80, "act-1", testPolicy); err != nil {
		t.Fatalf("SettleReservation: %v", err)
	}

	data, err := json.Marshal(l.Export())
	if err != nil {
		t.Fatalf("marshal state: %v", err)
	}
	var st State
	if err := json.Unmarshal(data, &st); err != nil {
		t.Fatalf("unmarshal state: %v", err)
	}
	restored, err := Restore(st)
	if err != nil {
		t.Fatalf("Restore: %v", err)
	}
	if restored.Balance() != l.Balance() || restored.LastSeq() != l.LastSeq() {
		t.Fatalf("restored ledger differs: balance %d/%d seq %d/%d",
			restored.Balance(), l.Balance(), restored.LastSeq(), l.LastSeq())
	}
	if !restored.HasExternalDebit("b1") {
		t.Fatal("restored ledger forgot applied debit reference")
	}
	if rec, _ := restored.Reservation(id); rec.State != StateSettled || rec.SettledSurvivalMicro != 80 {
		t.Fatalf("restored reservation differs: %+v", rec)
	}

	st.BalanceMicro += 1
	if _, err := Restore(st); !errors.Is(err, coreerr.ErrInvariantViolation) {
		t.Fatalf("expected invariant violation for tampered balance, got %v", err)
	}
}

// #endregion clone-export-tests
