// Package replay drives fixtures through a real engine with a loopback
// dispatch port and audits journals for balance drift.
package replay

import (
	"cmp"
	"context"
	"fmt"
	"log/slog"
	"slices"
	"strconv"

	"github.com/xiaoland/beluna-core/internal/admission"
	"github.com/xiaoland/beluna-core/internal/affordance"
	"github.com/xiaoland/beluna-core/internal/continuity"
	"github.com/xiaoland/beluna-core/internal/ledger"
	"github.com/xiaoland/beluna-core/internal/spine"
	"github.com/xiaoland/beluna-core/internal/state"
)

// #region types
// CycleResult captures the outcome of replaying one fixture cycle.
type CycleResult struct {
	CycleID      uint64
	Output       continuity.ContinuityCycleOutput
	Dispositions []string
	// ReportCBOR is the deterministic encoding of the admission report.
	ReportCBOR []byte
}

// Summary provides aggregate stats from a replay run.
type Summary struct {
	Cycles            int
	Admitted          int
	DeniedHard        int
	DeniedEconomic    int
	Settled           int
	Refunded          int
	DebitsApplied     int
	Expired           int
	Issues            int
	FinalBalanceMicro int64
}

// Mismatch is one divergence between expectation and replay.
type Mismatch struct {
	CycleID uint64
	Field   string
	Want    string
	Got     string
}

func (m Mismatch) String() string {
	return fmt.Sprintf("cycle %d %s: want %s, got %s", m.CycleID, m.Field, m.Want, m.Got)
}
// #endregion types

// #region replay
// Replay runs every fixture cycle in order through a fresh engine. The
// loopback port runs with a single worker so the entry log is reproducible.
func Replay(ctx context.Context, f *Fixture, logger *slog.Logger) ([]CycleResult, error) {
	if logger == nil {
		logger = slog.Default()
	}
	version := f.Config.RegistryVersion
	if version == "" {
		version = "fixture"
	}
	resolver, err := admission.NewResolver(affordance.NewRegistry(version, f.Affordances), f.Config.ToResolverConfig())
	if err != nil {
		return nil, fmt.Errorf("build resolver: %w", err)
	}
	port := spine.NewExecutor(f.Config.ToLoopback(), 1, logger)
	queue := continuity.NewDebitQueue()
	engine, err := continuity.New(continuity.Config{
		LedgerID:             "replay",
		InitialBalanceMicro:  f.Config.InitialBalanceMicro,
		ReservationTTLCycles: f.Config.ReservationTTLCycles,
	}, resolver, port, continuity.WithDebitSource(queue), continuity.WithLogger(logger))
	if err != nil {
		return nil, fmt.Errorf("build engine: %w", err)
	}

	results := make([]CycleResult, 0, len(f.Cycles))
	for _, c := range f.Cycles {
		attempts := make([]admission.IntentAttempt, 0, len(c.Attempts))
		for i, fa := range c.Attempts {
			a, err := fa.ToAttempt(c.CycleID)
			if err != nil {
				return results, fmt.Errorf("cycle %d attempt %d: %w", c.CycleID, i, err)
			}
			attempts = append(attempts, a)
		}
		queue.Push(c.Debits...)

		out, err := engine.ProcessAttempts(ctx, c.CycleID, attempts)
		if err != nil {
			return results, fmt.Errorf("cycle %d: %w", c.CycleID, err)
		}
		encoded, err := out.Admission.Encode()
		if err != nil {
			return results, fmt.Errorf("cycle %d: %w", c.CycleID, err)
		}
		names := make([]string, len(out.Admission.Items))
		for i, it := range out.Admission.Items {
			names[i] = admission.DispositionName(it.Disposition)
		}
		results = append(results, CycleResult{CycleID: c.CycleID, Output: out, Dispositions: names, ReportCBOR: encoded})
	}
	return results, nil
}

// Summarize computes aggregate stats from replay results.
func Summarize(results []CycleResult) Summary {
	s := Summary{Cycles: len(results)}
	for _, r := range results {
		admitted, hard, economic := r.Output.Admission.Counts()
		s.Admitted += admitted
		s.DeniedHard += hard
		s.DeniedEconomic += economic
		s.Settled += r.Output.SettledCount
		s.Refunded += r.Output.RefundedCount
		s.DebitsApplied += r.Output.AppliedExternalDebitCount
		s.Expired += r.Output.ExpiredReservationCount
		s.Issues += len(r.Output.Issues)
		s.FinalBalanceMicro = r.Output.BalanceMicro
	}
	return s
}
// #endregion replay

// #region check
// Check compares replay results against the fixture's expectations.
func Check(f *Fixture, results []CycleResult) []Mismatch {
	byCycle := make(map[uint64]CycleResult, len(results))
	for _, r := range results {
		byCycle[r.CycleID] = r
	}

	var out []Mismatch
	for _, exp := range f.Expected {
		got, ok := byCycle[exp.CycleID]
		if !ok {
			out = append(out, Mismatch{CycleID: exp.CycleID, Field: "cycle", Want: "present", Got: "missing"})
			continue
		}
		if len(exp.Dispositions) != len(got.Dispositions) {
			out = append(out, Mismatch{CycleID: exp.CycleID, Field: "dispositions",
				Want: fmt.Sprint(exp.Dispositions), Got: fmt.Sprint(got.Dispositions)})
		} else {
			for i := range exp.Dispositions {
				if exp.Dispositions[i] != got.Dispositions[i] {
					out = append(out, Mismatch{CycleID: exp.CycleID, Field: "disposition[" + strconv.Itoa(i) + "]",
						Want: exp.Dispositions[i], Got: got.Dispositions[i]})
				}
			}
		}
		if exp.BalanceMicro != nil && *exp.BalanceMicro != got.Output.BalanceMicro {
			out = append(out, Mismatch{CycleID: exp.CycleID, Field: "balance_micro",
				Want: strconv.FormatInt(*exp.BalanceMicro, 10), Got: strconv.FormatInt(got.Output.BalanceMicro, 10)})
		}
		if exp.Expired != nil && *exp.Expired != got.Output.ExpiredReservationCount {
			out = append(out, Mismatch{CycleID: exp.CycleID, Field: "expired",
				Want: strconv.Itoa(*exp.Expired), Got: strconv.Itoa(got.Output.ExpiredReservationCount)})
		}
		if exp.Debits != nil && *exp.Debits != got.Output.AppliedExternalDebitCount {
			out = append(out, Mismatch{CycleID: exp.CycleID, Field: "debits",
				Want: strconv.Itoa(*exp.Debits), Got: strconv.Itoa(got.Output.AppliedExternalDebitCount)})
		}
	}
	return out
}
// #endregion check

// #region journal-audit
// VerifyJournal recomputes the running balance from journaled entries and
// compares it with every cycle's recorded balance. It also checks that the
// entry log is contiguous from seq 1.
func VerifyJournal(initialBalance int64, entries []ledger.LedgerEntry, cycles []state.CycleRow) []Mismatch {
	var out []Mismatch
	for i, e := range entries {
		if e.SeqNo != uint64(i)+1 {
			out = append(out, Mismatch{CycleID: e.CycleID, Field: "seq_no",
				Want: strconv.Itoa(i + 1), Got: strconv.FormatUint(e.SeqNo, 10)})
			return out
		}
	}

	ordered := slices.Clone(cycles)
	slices.SortFunc(ordered, func(a, b state.CycleRow) int { return cmp.Compare(a.CycleID, b.CycleID) })

	balance := initialBalance
	next := 0
	for _, c := range ordered {
		for next < len(entries) && entries[next].CycleID <= c.CycleID {
			balance += entries[next].AmountSurvivalMicro
			next++
		}
		if balance != c.BalanceMicro {
			out = append(out, Mismatch{CycleID: c.CycleID, Field: "balance_micro",
				Want: strconv.FormatInt(c.BalanceMicro, 10), Got: strconv.FormatInt(balance, 10)})
		}
	}
	if next != len(entries) {
		out = append(out, Mismatch{Field: "entries", Want: "all assigned to a cycle",
			Got: strconv.Itoa(len(entries)-next) + " unassigned"})
	}
	return out
}
// #endregion journal-audit
