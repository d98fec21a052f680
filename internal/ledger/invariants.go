package ledger

import (
	"slices"

	"github.com/xiaoland/beluna-core/internal/coreerr"
)

// #region invariants

// CheckInvariants is the dedicated invariant pass. It verifies that every
// Open reservation is within its TTL at currentCycle, every terminal
// reservation names its terminal reference, the entry log is contiguous from
// seq 1, and the balance is non-negative and equal to the opening balance
// plus every posted delta. Any failure is an invariant violation.
func (l *Ledger) CheckInvariants(currentCycle uint64) error {
	const op = "check_invariants"

	for _, id := range l.order {
		rec, ok := l.reservations[id]
		if !ok {
			return coreerr.Newf(coreerr.KindInvariantViolation, op, "reservation %s listed but missing", id)
		}
		switch rec.State {
		case StateOpen:
			if currentCycle > rec.ExpiresAtCycle {
				return coreerr.Newf(coreerr.KindInvariantViolation, op,
					"open reservation %s expired at cycle %d, current cycle %d", id, rec.ExpiresAtCycle, currentCycle)
			}
		case StateSettled, StateRefunded, StateExpired:
			if rec.TerminalReferenceID == "" {
				return coreerr.Newf(coreerr.KindInvariantViolation, op,
					"terminal reservation %s (%s) has no terminal reference", id, rec.State)
			}
		default:
			return coreerr.Newf(coreerr.KindInvariantViolation, op, "reservation %s in unknown %s", id, rec.State)
		}
	}
	if len(l.order) != len(l.reservations) {
		return coreerr.Newf(coreerr.KindInvariantViolation, op,
			"reservation index has %d ids for %d records", len(l.order), len(l.reservations))
	}

	sum := l.initial
	for i, e := range l.entries {
		if e.SeqNo != uint64(i)+1 {
			return coreerr.Newf(coreerr.KindInvariantViolation, op, "entry %d carries seq_no %d", i+1, e.SeqNo)
		}
		if e.Kind == nil {
			return coreerr.Newf(coreerr.KindInvariantViolation, op, "entry %d has no kind", e.SeqNo)
		}
		var ok bool
		if sum, ok = addInt64(sum, e.AmountSurvivalMicro); !ok {
			return coreerr.Newf(coreerr.KindInvariantViolation, op, "entry %d overflows running balance", e.SeqNo)
		}
	}
	if sum != l.balance {
		return coreerr.Newf(coreerr.KindInvariantViolation, op,
			"balance %d does not reconcile with entry log total %d", l.balance, sum)
	}
	if l.balance < 0 {
		return coreerr.Newf(coreerr.KindInvariantViolation, op, "balance %d is negative", l.balance)
	}
	return nil
}

// #endregion invariants

// #region export-restore

// Export returns a detached copy of the ledger's full state.
func (l *Ledger) Export() State {
	return State{
		LedgerID:            l.id,
		InitialBalanceMicro: l.initial,
		BalanceMicro:        l.balance,
		LastCycle:           l.lastCycle,
		Entries:             slices.Clone(l.entries),
		Reservations:        l.Reservations(),
	}
}

// Restore rebuilds a ledger from exported state and re-runs the invariant
// pass at the state's last cycle.
func Restore(s State) (*Ledger, error) {
	l, err := New(s.LedgerID, s.InitialBalanceMicro)
	if err != nil {
		return nil, err
	}
	l.balance = s.BalanceMicro
	l.lastCycle = s.LastCycle
	l.entries = slices.Clone(s.Entries)
	for _, rec := range s.Reservations {
		if _, dup := l.reservations[rec.ReserveEntryID]; dup {
			return nil, coreerr.Newf(coreerr.KindInvariantViolation, "restore", "duplicate reservation %s", rec.ReserveEntryID)
		}
		l.reservations[rec.ReserveEntryID] = rec
		l.order = append(l.order, rec.ReserveEntryID)
	}
	for _, e := range l.entries {
		if debit, ok := e.Kind.(ExternalDebit); ok {
			l.debitRefs[debit.ReferenceID] = e.SeqNo
		}
	}
	if err := l.CheckInvariants(l.lastCycle); err != nil {
		return nil, err
	}
	return l, nil
}

// #endregion export-restore
