package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/spf13/pflag"

	"github.com/xiaoland/beluna-core/internal/logging"
	"github.com/xiaoland/beluna-core/internal/replay"
	"github.com/xiaoland/beluna-core/internal/state"
)

// #region main

func main() {
	var (
		journalPath    string
		fixturePath    string
		initialBalance int64
	)
	flagSet := pflag.NewFlagSet("replay", pflag.ContinueOnError)
	flagSet.StringVar(&journalPath, "journal", "", "path to a cycle journal database (journal mode)")
	flagSet.StringVar(&fixturePath, "fixture", "", "path to fixture JSON (fixture mode)")
	flagSet.Int64Var(&initialBalance, "initial-balance", 0, "starting balance in survival micro units (journal mode)")
	if err := flagSet.Parse(os.Args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			os.Exit(0)
		}
		os.Exit(2)
	}

	if (journalPath == "" && fixturePath == "") || (journalPath != "" && fixturePath != "") {
		fmt.Fprintln(os.Stderr, "usage: replay --fixture path/to/fixture.json")
		fmt.Fprintln(os.Stderr, "       replay --journal path/to/journal.db --initial-balance N")
		os.Exit(2)
	}

	var exitCode int
	if fixturePath != "" {
		exitCode = runFixtureMode(fixturePath)
	} else {
		exitCode = runJournalMode(journalPath, initialBalance)
	}
	os.Exit(exitCode)
}

// #endregion main

// #region journal-mode

func runJournalMode(path string, initialBalance int64) int {
	store, err := state.NewStore(path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "open journal: %v\n", err)
		return 2
	}
	defer store.Close()

	ctx := context.Background()
	entries, err := store.ListEntries(ctx, 0, 0)
	if err != nil {
		fmt.Fprintf(os.Stderr, "list entries: %v\n", err)
		return 2
	}
	cycles, err := store.ListCycles(ctx, 0)
	if err != nil {
		fmt.Fprintf(os.Stderr, "list cycles: %v\n", err)
		return 2
	}
	if len(cycles) == 0 {
		fmt.Fprintln(os.Stderr, "journal has no committed cycles")
		return 2
	}

	mismatches := replay.VerifyJournal(initialBalance, entries, cycles)
	fmt.Printf("Journal: %d cycles, %d entries\n", len(cycles), len(entries))
	for _, m := range mismatches {
		fmt.Printf("  DRIFT %s\n", m)
	}
	if len(mismatches) > 0 {
		return 1
	}
	fmt.Println("Balances reconcile.")
	return 0
}

// #endregion journal-mode

// #region fixture-mode

func runFixtureMode(path string) int {
	f, err := replay.LoadFixture(path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load fixture: %v\n", err)
		return 2
	}

	logger := logging.New(logging.ProfileRuntime, os.Stderr)
	results, err := replay.Replay(context.Background(), f, logger)
	if err != nil {
		fmt.Fprintf(os.Stderr, "replay: %v\n", err)
		return 2
	}
	return printComparison(f, results)
}

// printComparison outputs a per-cycle comparison table and returns the exit
// code: 0 when every expectation holds, 1 otherwise.
func printComparison(f *replay.Fixture, results []replay.CycleResult) int {
	fmt.Printf("%-8s| %-10s| %-10s| %-12s| %s\n", "Cycle", "Admitted", "Denied", "Balance", "Match")
	fmt.Printf("%-8s+%-11s+%-11s+%-13s+%s\n", "--------", "-----------", "-----------", "-------------", "------")

	mismatches := replay.Check(f, results)
	diff := make(map[uint64]bool, len(mismatches))
	for _, m := range mismatches {
		diff[m.CycleID] = true
	}

	for _, r := range results {
		admitted, hard, economic := r.Output.Admission.Counts()
		match := "OK"
		if diff[r.CycleID] {
			match = "DIFF"
		}
		fmt.Printf("%-8d| %-10d| %-10s| %-12d| %s\n",
			r.CycleID, admitted, strconv.Itoa(hard)+"/"+strconv.Itoa(economic), r.Output.BalanceMicro, match)
	}

	s := replay.Summarize(results)
	fmt.Printf("\nSummary: %d cycles, %d admitted, %d settled, %d refunded, %d expired, %d debits, final balance %d\n",
		s.Cycles, s.Admitted, s.Settled, s.Refunded, s.Expired, s.DebitsApplied, s.FinalBalanceMicro)

	if len(mismatches) > 0 {
		lines := make([]string, len(mismatches))
		for i, m := range mismatches {
			lines[i] = "  " + m.String()
		}
		fmt.Printf("Divergences:\n%s\n", strings.Join(lines, "\n"))
		return 1
	}
	return 0
}

// #endregion fixture-mode
