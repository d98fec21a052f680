package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"slices"

	"github.com/spf13/pflag"

	"github.com/xiaoland/beluna-core/internal/continuity"
	"github.com/xiaoland/beluna-core/internal/ledger"
	"github.com/xiaoland/beluna-core/internal/state"
)

// #region main

func main() {
	var (
		journalPath  string
		snapshotPath string
		last         int
		entries      bool
		since        uint64
		jsonOut      bool
		raw          bool
	)
	flagSet := pflag.NewFlagSet("inspect", pflag.ContinueOnError)
	flagSet.StringVar(&journalPath, "journal", "", "path to a cycle journal database")
	flagSet.StringVar(&snapshotPath, "snapshot", "", "path to a continuity snapshot")
	flagSet.IntVar(&last, "last", 20, "show N most recent cycles, or N entries with --entries")
	flagSet.BoolVar(&entries, "entries", false, "list ledger entries instead of cycles")
	flagSet.Uint64Var(&since, "since", 0, "with --entries, only entries after this seq_no")
	flagSet.BoolVar(&jsonOut, "json", false, "output as JSON instead of table")
	flagSet.BoolVar(&raw, "raw", false, "with cycles, also show each stored admission report in CBOR diagnostic notation")
	if err := flagSet.Parse(os.Args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			os.Exit(0)
		}
		os.Exit(2)
	}

	if journalPath == "" && snapshotPath == "" {
		fmt.Fprintln(os.Stderr, "usage: inspect --journal path/to/journal.db [--last N] [--raw] [--entries [--since SEQ]] [--json]")
		fmt.Fprintln(os.Stderr, "       inspect --snapshot path/to/snapshot.json [--json]")
		os.Exit(2)
	}

	var err error
	switch {
	case snapshotPath != "":
		err = runSnapshotMode(snapshotPath, jsonOut)
	case entries:
		err = withStore(journalPath, func(s *state.Store) error { return runEntriesMode(s, since, last, jsonOut) })
	default:
		err = withStore(journalPath, func(s *state.Store) error { return runCyclesMode(s, last, raw, jsonOut) })
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func withStore(path string, fn func(*state.Store) error) error {
	store, err := state.NewStore(path)
	if err != nil {
		return err
	}
	defer store.Close()
	return fn(store)
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// #endregion main

// #region cycles-mode

type cycleRow struct {
	CycleID      uint64 `json:"cycle_id"`
	Admitted     int    `json:"admitted"`
	DeniedHard   int    `json:"denied_hard"`
	DeniedEcon   int    `json:"denied_economic"`
	Settled      int    `json:"settled"`
	Refunded     int    `json:"refunded"`
	Expired      int    `json:"expired"`
	Debits       int    `json:"debits_applied"`
	Issues       int    `json:"issues"`
	BalanceMicro int64  `json:"balance_micro"`
	Dispatch     string `json:"dispatch_mode"`
	Seq          string `json:"seq_range"`
	CommittedAt  string `json:"committed_at"`
	Report       string `json:"admission_report_diag,omitempty"`
}

func runCyclesMode(store *state.Store, last int, raw, jsonOut bool) error {
	cycles, err := store.ListCycles(context.Background(), last)
	if err != nil {
		return err
	}
	if len(cycles) == 0 {
		fmt.Fprintln(os.Stderr, "no cycles found")
		return nil
	}

	// Store returns newest first; show chronologically.
	slices.Reverse(cycles)
	rows := make([]cycleRow, len(cycles))
	for i, c := range cycles {
		admitted, hard, econ := c.Report.Counts()
		seq := "-"
		if c.FirstSeq != 0 {
			seq = fmt.Sprintf("%d..%d", c.FirstSeq, c.LastSeq)
		}
		rows[i] = cycleRow{
			CycleID: c.CycleID, Admitted: admitted, DeniedHard: hard, DeniedEcon: econ,
			Settled: c.SettledCount, Refunded: c.RefundedCount, Expired: c.ExpiredReservationCount,
			Debits: c.AppliedExternalDebitCount, Issues: c.IssueCount, BalanceMicro: c.BalanceMicro,
			Dispatch: c.DispatchMode, Seq: seq, CommittedAt: c.CommittedAt.Format("2006-01-02 15:04:05"),
		}
		if raw {
			if rows[i].Report, err = c.ReportDiagnostic(); err != nil {
				return err
			}
		}
	}

	if jsonOut {
		return printJSON(rows)
	}

	fmt.Printf("%-8s %-5s %-9s %-5s %-5s %-5s %-5s %-6s %-12s %-8s %-12s %s\n",
		"CYCLE", "ADM", "HARD/ECO", "SET", "REF", "EXP", "DEB", "ISSUE", "BALANCE", "DISPATCH", "SEQ", "COMMITTED")
	for _, r := range rows {
		fmt.Printf("%-8d %-5d %-9s %-5d %-5d %-5d %-5d %-6d %-12d %-8s %-12s %s\n",
			r.CycleID, r.Admitted, fmt.Sprintf("%d/%d", r.DeniedHard, r.DeniedEcon),
			r.Settled, r.Refunded, r.Expired, r.Debits, r.Issues, r.BalanceMicro, r.Dispatch, r.Seq, r.CommittedAt)
		if r.Report != "" {
			fmt.Printf("         %s\n", r.Report)
		}
	}
	return nil
}

// #endregion cycles-mode

// #region entries-mode

func runEntriesMode(store *state.Store, since uint64, limit int, jsonOut bool) error {
	list, err := store.ListEntries(context.Background(), since, limit)
	if err != nil {
		return err
	}
	if jsonOut {
		return printJSON(list)
	}
	if len(list) == 0 {
		fmt.Fprintln(os.Stderr, "no entries found")
		return nil
	}

	fmt.Printf("%-6s %-6s %-15s %-12s %-20s %s\n", "SEQ", "CYCLE", "KIND", "AMOUNT", "ATTRIBUTION", "CORRELATION")
	for _, e := range list {
		fmt.Printf("%-6d %-6d %-15s %-12d %-20s %s\n",
			e.SeqNo, e.CycleID, e.Kind.Name(), e.AmountSurvivalMicro, e.CostAttributionID, e.Kind.CorrelationID())
	}
	return nil
}

// #endregion entries-mode

// #region snapshot-mode

type snapshotSummary struct {
	Version          string                     `json:"version"`
	CycleID          uint64                     `json:"cycle_id"`
	LedgerID         string                     `json:"ledger_id"`
	BalanceMicro     int64                      `json:"balance_micro"`
	Entries          int                        `json:"entries"`
	OpenReservations []ledger.ReservationRecord `json:"open_reservations"`
	CognitionBytes   int                        `json:"cognition_bytes"`
}

func runSnapshotMode(path string, jsonOut bool) error {
	snap, found, err := continuity.LoadSnapshot(path)
	if err != nil {
		return err
	}
	if !found {
		return fmt.Errorf("no snapshot at %s", path)
	}
	l, err := ledger.Restore(snap.Ledger)
	if err != nil {
		return err
	}

	sum := snapshotSummary{
		Version:          snap.Version,
		CycleID:          snap.CycleID,
		LedgerID:         l.ID(),
		BalanceMicro:     l.Balance(),
		Entries:          int(l.LastSeq()),
		OpenReservations: l.OpenReservations(),
		CognitionBytes:   len(snap.Cognition),
	}
	if jsonOut {
		return printJSON(sum)
	}

	fmt.Printf("Snapshot %s (%s)\n", path, sum.Version)
	fmt.Printf("  cycle:      %d\n", sum.CycleID)
	fmt.Printf("  ledger:     %s\n", sum.LedgerID)
	fmt.Printf("  balance:    %d\n", sum.BalanceMicro)
	fmt.Printf("  entries:    %d\n", sum.Entries)
	fmt.Printf("  cognition:  %d bytes\n", sum.CognitionBytes)
	fmt.Printf("  open reservations: %d\n", len(sum.OpenReservations))
	for _, r := range sum.OpenReservations {
		fmt.Printf("    %-24s %-10d expires@%-6d %s\n", r.ReserveEntryID, r.ReservedSurvivalMicro, r.ExpiresAtCycle, r.CostAttributionID)
	}
	return nil
}

// #endregion snapshot-mode
