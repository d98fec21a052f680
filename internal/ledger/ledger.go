// Package ledger is the system of record for the survival budget: balance,
// reservations, and an append-only entry log with monotonic sequence numbers.
//
// A Ledger is not safe for concurrent use. Its owner (the continuity engine)
// serializes every call.
package ledger

import (
	"fmt"
	"maps"
	"math"
	"slices"

	"github.com/google/uuid"

	"github.com/xiaoland/beluna-core/internal/coreerr"
)

// entryNamespace seeds name-based entry ids.
var entryNamespace = uuid.NewSHA1(uuid.NameSpaceURL, []byte("urn:beluna:ledger-entry"))

// #region ledger-struct

// Ledger holds the balance, the reservation table, and the entry log.
type Ledger struct {
	id        string
	initial   int64
	balance   int64
	lastCycle uint64

	entries      []LedgerEntry
	reservations map[string]ReservationRecord
	order        []string          // reservation ids in creation order
	debitRefs    map[string]uint64 // external debit reference -> seq_no
}

// New creates an empty ledger with the given opening balance.
func New(id string, initialBalance int64) (*Ledger, error) {
	if id == "" {
		return nil, coreerr.New(coreerr.KindInvalidRequest, "new_ledger", "ledger id is required")
	}
	if initialBalance < 0 {
		return nil, coreerr.Newf(coreerr.KindArithmetic, "new_ledger", "initial balance %d is negative", initialBalance)
	}
	return &Ledger{
		id:           id,
		initial:      initialBalance,
		balance:      initialBalance,
		reservations: make(map[string]ReservationRecord),
		debitRefs:    make(map[string]uint64),
	}, nil
}

// #endregion ledger-struct

// #region reserve

// Reserve debits amount from the balance and opens a reservation expiring at
// cycle+ttlCycles. The reservation is a hard debit at creation time: it
// fails with an arithmetic error when the balance would go negative.
// referenceID identifies the caller's request, typically the action id.
func (l *Ledger) Reserve(cycle uint64, amount int64, ttlCycles uint64, costAttributionID, referenceID string, policy PolicyVersionTuple) (string, error) {
	const op = "reserve"
	if err := l.checkCycle(op, cycle); err != nil {
		return "", err
	}
	if amount < 0 {
		return "", coreerr.Newf(coreerr.KindInvalidRequest, op, "amount %d is negative", amount)
	}
	if costAttributionID == "" {
		return "", coreerr.New(coreerr.KindInvalidRequest, op, "cost attribution id is required")
	}
	if ttlCycles > math.MaxUint64-cycle {
		return "", coreerr.Newf(coreerr.KindArithmetic, op, "expiry cycle overflows (cycle %d, ttl %d)", cycle, ttlCycles)
	}
	next := l.balance - amount
	if next < 0 {
		return "", coreerr.Newf(coreerr.KindArithmetic, op,
			"balance %d cannot cover reservation of %d", l.balance, amount).
			With("cost_attribution_id", costAttributionID)
	}

	entry := l.nextEntry(cycle, nil, -amount, policy)
	entry.Kind = Reserve{ReserveEntryID: entry.EntryID}
	entry.CostAttributionID = costAttributionID
	entry.ReferenceID = referenceID
	l.commit(entry)

	rec := ReservationRecord{
		ReserveEntryID:        entry.EntryID,
		CostAttributionID:     costAttributionID,
		ReservedSurvivalMicro: amount,
		CreatedCycle:          cycle,
		ExpiresAtCycle:        cycle + ttlCycles,
		State:                 StateOpen,
		ReserveReferenceID:    referenceID,
	}
	l.reservations[rec.ReserveEntryID] = rec
	l.order = append(l.order, rec.ReserveEntryID)
	l.balance = next
	return rec.ReserveEntryID, nil
}

// #endregion reserve

// #region settle

// SettleReservation transitions an Open reservation to Settled. Replaying the
// same (reserveEntryID, referenceID, settledAmount) is a no-op success. When
// settledAmount differs from the reserved amount the difference is posted as
// an Adjustment entry.
func (l *Ledger) SettleReservation(cycle uint64, reserveEntryID, referenceID string, settledAmount int64, actionID string, policy PolicyVersionTuple) (ReservationRecord, error) {
	const op = "settle_reservation"
	if referenceID == "" {
		return ReservationRecord{}, coreerr.New(coreerr.KindInvalidRequest, op, "reference id is required")
	}
	if settledAmount < 0 {
		return ReservationRecord{}, coreerr.Newf(coreerr.KindInvalidRequest, op, "settled amount %d is negative", settledAmount)
	}
	rec, err := l.lookup(op, reserveEntryID)
	if err != nil {
		return ReservationRecord{}, err
	}
	if rec.State.IsTerminal() {
		if rec.State == StateSettled && rec.TerminalReferenceID == referenceID {
			if rec.SettledSurvivalMicro != settledAmount {
				return rec, coreerr.Newf(coreerr.KindLedgerConflict, op,
					"reservation %s replayed with amount %d, settled at %d",
					reserveEntryID, settledAmount, rec.SettledSurvivalMicro)
			}
			return rec, nil
		}
		return rec, alreadyTerminal(op, rec)
	}
	if err := l.checkCycle(op, cycle); err != nil {
		return rec, err
	}

	delta := rec.ReservedSurvivalMicro - settledAmount
	next, ok := addInt64(l.balance, delta)
	if !ok {
		return rec, coreerr.Newf(coreerr.KindArithmetic, op, "adjustment %d overflows balance %d", delta, l.balance)
	}
	if next < 0 {
		return rec, coreerr.Newf(coreerr.KindArithmetic, op,
			"balance %d cannot absorb settlement overrun of %d", l.balance, -delta).
			With("reserve_entry_id", reserveEntryID)
	}

	settle := l.nextEntry(cycle, Settle{ReserveEntryID: reserveEntryID}, 0, policy)
	settle.CostAttributionID = rec.CostAttributionID
	settle.ActionID = actionID
	settle.ReferenceID = referenceID
	l.commit(settle)
	if delta != 0 {
		adj := l.nextEntry(cycle, Adjustment{ReserveEntryID: reserveEntryID}, delta, policy)
		adj.CostAttributionID = rec.CostAttributionID
		adj.ActionID = actionID
		adj.ReferenceID = referenceID
		l.commit(adj)
	}

	rec.State = StateSettled
	rec.TerminalReferenceID = referenceID
	rec.TerminalCycle = cycle
	rec.SettledSurvivalMicro = settledAmount
	if actionID != "" {
		rec.ActionID = actionID
	}
	l.reservations[reserveEntryID] = rec
	l.balance = next
	return rec, nil
}

// #endregion settle

// #region refund

// RefundReservation transitions an Open reservation to Refunded and credits
// the full reserved amount back. Replaying the same reference is a no-op.
func (l *Ledger) RefundReservation(cycle uint64, reserveEntryID, referenceID, actionID string, policy PolicyVersionTuple) (ReservationRecord, error) {
	const op = "refund_reservation"
	if referenceID == "" {
		return ReservationRecord{}, coreerr.New(coreerr.KindInvalidRequest, op, "reference id is required")
	}
	rec, err := l.lookup(op, reserveEntryID)
	if err != nil {
		return ReservationRecord{}, err
	}
	if rec.State.IsTerminal() {
		if rec.State == StateRefunded && rec.TerminalReferenceID == referenceID {
			return rec, nil
		}
		return rec, alreadyTerminal(op, rec)
	}
	if err := l.checkCycle(op, cycle); err != nil {
		return rec, err
	}
	next, ok := addInt64(l.balance, rec.ReservedSurvivalMicro)
	if !ok {
		return rec, coreerr.Newf(coreerr.KindArithmetic, op, "refund %d overflows balance %d", rec.ReservedSurvivalMicro, l.balance)
	}

	entry := l.nextEntry(cycle, Refund{ReserveEntryID: reserveEntryID}, rec.ReservedSurvivalMicro, policy)
	entry.CostAttributionID = rec.CostAttributionID
	entry.ActionID = actionID
	entry.ReferenceID = referenceID
	l.commit(entry)

	rec.State = StateRefunded
	rec.TerminalReferenceID = referenceID
	rec.TerminalCycle = cycle
	if actionID != "" {
		rec.ActionID = actionID
	}
	l.reservations[reserveEntryID] = rec
	l.balance = next
	return rec, nil
}

// #endregion refund

// #region expire

// ExpireOpenReservations expires every Open reservation whose expiry cycle is
// before currentCycle, releasing its amount back to the balance. It returns
// exactly the newly expired ids in creation order.
func (l *Ledger) ExpireOpenReservations(currentCycle uint64, reason string, policy PolicyVersionTuple) ([]string, error) {
	const op = "expire_open_reservations"
	if err := l.checkCycle(op, currentCycle); err != nil {
		return nil, err
	}
	if reason == "" {
		reason = "ttl"
	}
	ref := fmt.Sprintf("expire:%s:%d", reason, currentCycle)

	var expired []string
	for _, id := range l.order {
		rec := l.reservations[id]
		if rec.State != StateOpen || rec.ExpiresAtCycle >= currentCycle {
			continue
		}
		next, ok := addInt64(l.balance, rec.ReservedSurvivalMicro)
		if !ok {
			return expired, coreerr.Newf(coreerr.KindArithmetic, op, "release %d overflows balance %d", rec.ReservedSurvivalMicro, l.balance)
		}
		entry := l.nextEntry(currentCycle, Expire{ReserveEntryID: id}, rec.ReservedSurvivalMicro, policy)
		entry.CostAttributionID = rec.CostAttributionID
		entry.ActionID = rec.ActionID
		entry.ReferenceID = ref
		l.commit(entry)

		rec.State = StateExpired
		rec.TerminalReferenceID = ref
		rec.TerminalCycle = currentCycle
		l.reservations[id] = rec
		l.balance = next
		expired = append(expired, id)
	}
	l.lastCycle = max(l.lastCycle, currentCycle)
	return expired, nil
}

// #endregion expire

// #region external-debit

// ApplyExternalDebit debits the balance directly, outside any reservation.
// A reference id that was already applied is a ledger conflict.
func (l *Ledger) ApplyExternalDebit(cycle uint64, obs ExternalDebitObservation, policy PolicyVersionTuple) (LedgerEntry, error) {
	const op = "apply_external_debit"
	if obs.ReferenceID == "" {
		return LedgerEntry{}, coreerr.New(coreerr.KindInvalidRequest, op, "reference id is required")
	}
	if obs.DebitSurvivalMicro < 0 {
		return LedgerEntry{}, coreerr.Newf(coreerr.KindInvalidRequest, op, "debit %d is negative", obs.DebitSurvivalMicro).
			With("reference_id", obs.ReferenceID)
	}
	if seq, ok := l.debitRefs[obs.ReferenceID]; ok {
		return LedgerEntry{}, coreerr.Newf(coreerr.KindLedgerConflict, op,
			"external debit %s already applied at seq %d", obs.ReferenceID, seq)
	}
	if err := l.checkCycle(op, cycle); err != nil {
		return LedgerEntry{}, err
	}
	next := l.balance - obs.DebitSurvivalMicro
	if next < 0 {
		return LedgerEntry{}, coreerr.Newf(coreerr.KindArithmetic, op,
			"balance %d cannot cover external debit of %d", l.balance, obs.DebitSurvivalMicro).
			With("reference_id", obs.ReferenceID)
	}

	entry := l.nextEntry(cycle, ExternalDebit{ReferenceID: obs.ReferenceID}, -obs.DebitSurvivalMicro, policy)
	entry.CostAttributionID = obs.CostAttributionID
	entry.ActionID = obs.ActionID
	entry.ReferenceID = obs.ReferenceID
	l.commit(entry)

	l.debitRefs[obs.ReferenceID] = entry.SeqNo
	l.balance = next
	return entry, nil
}

// #endregion external-debit

// #region queries

// ID returns the ledger identity.
func (l *Ledger) ID() string { return l.id }

// Balance returns the current survival balance.
func (l *Ledger) Balance() int64 { return l.balance }

// LastSeq returns the seq_no of the newest entry, or zero.
func (l *Ledger) LastSeq() uint64 { return uint64(len(l.entries)) }

// LastCycle returns the highest cycle any operation has been applied at.
func (l *Ledger) LastCycle() uint64 { return l.lastCycle }

// Reservation returns a copy of one reservation record.
func (l *Ledger) Reservation(reserveEntryID string) (ReservationRecord, bool) {
	rec, ok := l.reservations[reserveEntryID]
	return rec, ok
}

// Reservations returns every reservation in creation order.
func (l *Ledger) Reservations() []ReservationRecord {
	out := make([]ReservationRecord, 0, len(l.order))
	for _, id := range l.order {
		out = append(out, l.reservations[id])
	}
	return out
}

// OpenReservations returns the Open reservations in creation order.
func (l *Ledger) OpenReservations() []ReservationRecord {
	var out []ReservationRecord
	for _, id := range l.order {
		if rec := l.reservations[id]; rec.State == StateOpen {
			out = append(out, rec)
		}
	}
	return out
}

// Entries returns a copy of the full entry log.
func (l *Ledger) Entries() []LedgerEntry {
	return slices.Clone(l.entries)
}

// EntriesSince returns the entries with seq_no greater than seq.
func (l *Ledger) EntriesSince(seq uint64) []LedgerEntry {
	if seq >= uint64(len(l.entries)) {
		return nil
	}
	return slices.Clone(l.entries[seq:])
}

// HasExternalDebit reports whether an external debit with referenceID was applied.
func (l *Ledger) HasExternalDebit(referenceID string) bool {
	_, ok := l.debitRefs[referenceID]
	return ok
}

// FindReservation locates the reservation an external debit belongs to.
// With an action id the reservation for that action must match (and its
// attribution too, when given). Without one, the newest reservation with
// the attribution id matches.
func (l *Ledger) FindReservation(costAttributionID, actionID string) (ReservationRecord, bool) {
	for i := len(l.order) - 1; i >= 0; i-- {
		rec := l.reservations[l.order[i]]
		if actionID != "" {
			if rec.matchesAction(actionID) && (costAttributionID == "" || rec.CostAttributionID == costAttributionID) {
				return rec, true
			}
			continue
		}
		if costAttributionID != "" && rec.CostAttributionID == costAttributionID {
			return rec, true
		}
	}
	return ReservationRecord{}, false
}

// #endregion queries

// #region clone

// Clone returns an independent working copy. The entry log shares its
// backing array with l, capped so appends on either side reallocate.
func (l *Ledger) Clone() *Ledger {
	n := len(l.entries)
	return &Ledger{
		id:           l.id,
		initial:      l.initial,
		balance:      l.balance,
		lastCycle:    l.lastCycle,
		entries:      l.entries[:n:n],
		reservations: maps.Clone(l.reservations),
		order:        slices.Clone(l.order),
		debitRefs:    maps.Clone(l.debitRefs),
	}
}

// #endregion clone

// #region helpers

func (l *Ledger) checkCycle(op string, cycle uint64) error {
	if cycle < l.lastCycle {
		return coreerr.Newf(coreerr.KindInvalidRequest, op, "cycle %d precedes ledger cycle %d", cycle, l.lastCycle)
	}
	return nil
}

func (l *Ledger) lookup(op, reserveEntryID string) (ReservationRecord, error) {
	rec, ok := l.reservations[reserveEntryID]
	if !ok {
		return ReservationRecord{}, coreerr.Newf(coreerr.KindInvalidRequest, op, "unknown reservation %s", reserveEntryID)
	}
	return rec, nil
}

// nextEntry builds the next entry; commit adds it to the log.
func (l *Ledger) nextEntry(cycle uint64, kind EntryKind, amount int64, policy PolicyVersionTuple) LedgerEntry {
	seq := uint64(len(l.entries)) + 1
	return LedgerEntry{
		EntryID:             entryID(l.id, seq),
		SeqNo:               seq,
		CycleID:             cycle,
		Kind:                kind,
		AmountSurvivalMicro: amount,
		Policy:              policy,
	}
}

func (l *Ledger) commit(e LedgerEntry) {
	l.entries = append(l.entries, e)
	l.lastCycle = max(l.lastCycle, e.CycleID)
}

func entryID(ledgerID string, seq uint64) string {
	return uuid.NewSHA1(entryNamespace, []byte(fmt.Sprintf("%s/%d", ledgerID, seq))).String()
}

func alreadyTerminal(op string, rec ReservationRecord) error {
	return coreerr.Newf(coreerr.KindLedgerConflict, op,
		"reservation %s already terminal (%s by %s)", rec.ReserveEntryID, rec.State, rec.TerminalReferenceID).
		With("reserve_entry_id", rec.ReserveEntryID)
}

func addInt64(a, b int64) (int64, bool) {
	sum := a + b
	if (b > 0 && sum < a) || (b < 0 && sum > a) {
		return 0, false
	}
	return sum, true
}

// #endregion helpers
