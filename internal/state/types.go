package state

import (
	"fmt"
	"time"

	"github.com/xiaoland/beluna-core/internal/admission"
	"github.com/xiaoland/beluna-core/internal/codec"
)

// #region cycle-row
// CycleRow is one committed cycle as recorded in cycle_log.
type CycleRow struct {
	CycleID                   uint64
	AdmittedActionCount       int
	SettledCount              int
	RefundedCount             int
	AppliedExternalDebitCount int
	ExpiredReservationCount   int
	IssueCount                int
	BalanceMicro              int64
	DispatchMode              string
	FirstSeq                  uint64 // zero when the cycle appended no entries
	LastSeq                   uint64
	Report                    admission.AdmissionReport
	ReportCBOR                []byte // admission_report blob as stored
	CommittedAt               time.Time
}

// ReportDiagnostic renders the stored admission report blob in CBOR
// diagnostic notation.
func (c CycleRow) ReportDiagnostic() (string, error) {
	diag, err := codec.Diagnose(c.ReportCBOR)
	if err != nil {
		return "", fmt.Errorf("cycle %d: diagnose admission report: %w", c.CycleID, err)
	}
	return diag, nil
}
// #endregion cycle-row
