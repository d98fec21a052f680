// Package state is the durable SQLite journal of committed cycles: every
// ledger entry appended by a cycle plus one cycle_log row, written in a single
// transaction. It is an audit copy; the snapshot remains the restart source.
package state

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/xiaoland/beluna-core/internal/admission"
	"github.com/xiaoland/beluna-core/internal/continuity"
	"github.com/xiaoland/beluna-core/internal/coreerr"
	"github.com/xiaoland/beluna-core/internal/ledger"
)

// #region schema
const schema = `
CREATE TABLE IF NOT EXISTS cycle_log (
	cycle_id          INTEGER PRIMARY KEY,
	admitted          INTEGER NOT NULL,
	settled           INTEGER NOT NULL,
	refunded          INTEGER NOT NULL,
	debits_applied    INTEGER NOT NULL,
	expired           INTEGER NOT NULL,
	issues            INTEGER NOT NULL,
	balance_micro     INTEGER NOT NULL,
	dispatch_mode     TEXT NOT NULL,
	first_seq         INTEGER,
	last_seq          INTEGER,
	admission_report  BLOB NOT NULL,
	committed_at      TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS ledger_entries (
	seq_no              INTEGER PRIMARY KEY,
	entry_id            TEXT NOT NULL UNIQUE,
	cycle_id            INTEGER NOT NULL,
	kind                TEXT NOT NULL,
	correlation_id      TEXT NOT NULL,
	amount_micro        INTEGER NOT NULL,
	cost_attribution_id TEXT,
	action_id           TEXT,
	reference_id        TEXT,
	policy_json         TEXT NOT NULL,
	FOREIGN KEY (cycle_id) REFERENCES cycle_log(cycle_id)
);

CREATE INDEX IF NOT EXISTS idx_ledger_entries_cycle ON ledger_entries(cycle_id);
`
// #endregion schema

// #region store-struct
// Store is a continuity.Journal backed by SQLite.
type Store struct {
	db  *sql.DB
	now func() time.Time
}

var _ continuity.Journal = (*Store)(nil)
// #endregion store-struct

// #region constructor
// NewStore opens a SQLite database and runs migrations.
func NewStore(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("pragma: %w", err)
	}
	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("pragma fk: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return &Store{db: db, now: func() time.Time { return time.Now().UTC() }}, nil
}
// #endregion constructor

// #region close
// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}
// #endregion close

// #region commit-cycle
// CommitCycle writes the cycle row and its entries atomically. A cycle id or
// seq_no that is already journaled fails the whole transaction.
func (s *Store) CommitCycle(ctx context.Context, rec continuity.CycleRecord) error {
	out := rec.Output
	report, err := out.Admission.Encode()
	if err != nil {
		return fmt.Errorf("encode admission report: %w", err)
	}

	var firstSeq, lastSeq any
	if n := len(rec.Entries); n > 0 {
		firstSeq = rec.Entries[0].SeqNo
		lastSeq = rec.Entries[n-1].SeqNo
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx,
		`INSERT INTO cycle_log (cycle_id, admitted, settled, refunded, debits_applied, expired, issues,
		  balance_micro, dispatch_mode, first_seq, last_seq, admission_report, committed_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		out.CycleID, out.AdmittedActionCount, out.SettledCount, out.RefundedCount,
		out.AppliedExternalDebitCount, out.ExpiredReservationCount, len(out.Issues),
		out.BalanceMicro, out.Dispatch.Mode, firstSeq, lastSeq, report,
		s.now().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("insert cycle %d: %w", out.CycleID, err)
	}

	for _, e := range rec.Entries {
		policy, err := json.Marshal(e.Policy)
		if err != nil {
			return fmt.Errorf("marshal policy: %w", err)
		}
		_, err = tx.ExecContext(ctx,
			`INSERT INTO ledger_entries (seq_no, entry_id, cycle_id, kind, correlation_id, amount_micro,
			  cost_attribution_id, action_id, reference_id, policy_json)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			e.SeqNo, e.EntryID, out.CycleID, e.Kind.Name(), e.Kind.CorrelationID(), e.AmountSurvivalMicro,
			nullable(e.CostAttributionID), nullable(e.ActionID), nullable(e.ReferenceID), string(policy),
		)
		if err != nil {
			return fmt.Errorf("insert entry %d: %w", e.SeqNo, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}
// #endregion commit-cycle

// #region list-entries
// ListEntries returns journaled entries with seq_no greater than sinceSeq,
// oldest first. A limit of zero or less returns all of them.
func (s *Store) ListEntries(ctx context.Context, sinceSeq uint64, limit int) ([]ledger.LedgerEntry, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT seq_no, entry_id, cycle_id, kind, correlation_id, amount_micro,
		        cost_attribution_id, action_id, reference_id, policy_json
		 FROM ledger_entries WHERE seq_no > ? ORDER BY seq_no ASC LIMIT ?`, sinceSeq, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("list entries: %w", err)
	}
	defer rows.Close()

	var entries []ledger.LedgerEntry
	for rows.Next() {
		var e ledger.LedgerEntry
		var kind, corr, policy string
		var attr, action, ref sql.NullString
		if err := rows.Scan(&e.SeqNo, &e.EntryID, &e.CycleID, &kind, &corr, &e.AmountSurvivalMicro,
			&attr, &action, &ref, &policy); err != nil {
			return nil, fmt.Errorf("scan entry: %w", err)
		}
		if e.Kind, err = ledger.KindFromName(kind, corr); err != nil {
			return nil, fmt.Errorf("entry %d: %w", e.SeqNo, err)
		}
		if err := json.Unmarshal([]byte(policy), &e.Policy); err != nil {
			return nil, fmt.Errorf("entry %d policy: %w", e.SeqNo, err)
		}
		e.CostAttributionID, e.ActionID, e.ReferenceID = attr.String, action.String, ref.String
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// LastSeq returns the highest journaled seq_no, or zero.
func (s *Store) LastSeq(ctx context.Context) (uint64, error) {
	var seq sql.NullInt64
	if err := s.db.QueryRowContext(ctx, `SELECT MAX(seq_no) FROM ledger_entries`).Scan(&seq); err != nil {
		return 0, fmt.Errorf("last seq: %w", err)
	}
	return uint64(seq.Int64), nil
}
// #endregion list-entries

// #region list-cycles
// ListCycles returns the most recent cycles, newest first.
func (s *Store) ListCycles(ctx context.Context, limit int) ([]CycleRow, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT cycle_id, admitted, settled, refunded, debits_applied, expired, issues,
		        balance_micro, dispatch_mode, first_seq, last_seq, admission_report, committed_at
		 FROM cycle_log ORDER BY cycle_id DESC LIMIT ?`, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("list cycles: %w", err)
	}
	defer rows.Close()

	var cycles []CycleRow
	for rows.Next() {
		var c CycleRow
		var firstSeq, lastSeq sql.NullInt64
		var report []byte
		var committed string
		if err := rows.Scan(&c.CycleID, &c.AdmittedActionCount, &c.SettledCount, &c.RefundedCount,
			&c.AppliedExternalDebitCount, &c.ExpiredReservationCount, &c.IssueCount, &c.BalanceMicro,
			&c.DispatchMode, &firstSeq, &lastSeq, &report, &committed); err != nil {
			return nil, fmt.Errorf("scan cycle: %w", err)
		}
		c.FirstSeq, c.LastSeq = uint64(firstSeq.Int64), uint64(lastSeq.Int64)
		c.ReportCBOR = report
		if c.Report, err = admission.DecodeReport(report); err != nil {
			return nil, fmt.Errorf("cycle %d: %w", c.CycleID, err)
		}
		c.CommittedAt, _ = time.Parse(time.RFC3339Nano, committed)
		cycles = append(cycles, c)
	}
	return cycles, rows.Err()
}
// #endregion list-cycles

// #region resume-check
// LastCycle returns the newest journaled cycle id and whether any cycle is
// journaled.
func (s *Store) LastCycle(ctx context.Context) (uint64, bool, error) {
	var id sql.NullInt64
	if err := s.db.QueryRowContext(ctx, `SELECT MAX(cycle_id) FROM cycle_log`).Scan(&id); err != nil {
		return 0, false, fmt.Errorf("last cycle: %w", err)
	}
	return uint64(id.Int64), id.Valid, nil
}

// CheckResume verifies that an engine positioned at (lastCycle, lastSeq)
// continues exactly where the journal ends. An empty journal accepts any
// engine; a non-empty one requires an engine that has started and whose
// cycle and seq_no match the journal head.
func (s *Store) CheckResume(ctx context.Context, lastCycle uint64, started bool, lastSeq uint64) error {
	const op = "check_resume"
	headCycle, journaled, err := s.LastCycle(ctx)
	if err != nil {
		return err
	}
	headSeq, err := s.LastSeq(ctx)
	if err != nil {
		return err
	}
	if !journaled && headSeq == 0 {
		return nil
	}
	if !started {
		return coreerr.Newf(coreerr.KindInvariantViolation, op,
			"journal ends at cycle %d seq %d but the engine starts fresh; restore the matching snapshot or use a new journal",
			headCycle, headSeq)
	}
	if headCycle != lastCycle || headSeq != lastSeq {
		return coreerr.Newf(coreerr.KindInvariantViolation, op,
			"journal ends at cycle %d seq %d but the engine resumes at cycle %d seq %d",
			headCycle, headSeq, lastCycle, lastSeq)
	}
	return nil
}
// #endregion resume-check

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}
