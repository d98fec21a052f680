package continuity

import (
	"context"
	"sync"

	"github.com/xiaoland/beluna-core/internal/admission"
	"github.com/xiaoland/beluna-core/internal/coreerr"
	"github.com/xiaoland/beluna-core/internal/ledger"
	"github.com/xiaoland/beluna-core/internal/spine"
)

// #region output

// Pipeline stages an Issue can be raised in.
const (
	StageReserve  = "reserve"
	StageDispatch = "dispatch"
	StageDebit    = "external_debit"
)

// Issue is a per-item error captured during a cycle. Issues never abort the
// cycle; they are reported alongside the output.
type Issue struct {
	Stage   string       `json:"stage"`
	Kind    coreerr.Kind `json:"kind"`
	Ref     string       `json:"ref"`
	Message string       `json:"message"`
}

// ContinuityCycleOutput aggregates everything one cycle did.
type ContinuityCycleOutput struct {
	CycleID                   uint64                     `json:"cycle_id"`
	Admission                 admission.AdmissionReport  `json:"admission"`
	Dispatch                  spine.SpineExecutionReport `json:"dispatch"`
	AdmittedActionCount       int                        `json:"admitted_action_count"`
	SettledCount              int                        `json:"settled_count"`
	RefundedCount             int                        `json:"refunded_count"`
	AppliedExternalDebitCount int                        `json:"applied_external_debit_count"`
	ExpiredReservationCount   int                        `json:"expired_reservation_count"`
	BalanceMicro              int64                      `json:"balance_micro"`
	Issues                    []Issue                    `json:"issues,omitempty"`
}

// #endregion output

// #region ports

// DebitSource yields pending external debit observations. DrainObservations
// never blocks and returns an empty slice when nothing is pending.
type DebitSource interface {
	DrainObservations() []ledger.ExternalDebitObservation
}

// CycleRecord is what a Journal persists for one committed cycle.
type CycleRecord struct {
	Output  ContinuityCycleOutput
	Entries []ledger.LedgerEntry
}

// Journal durably records committed cycles. A failed commit aborts the cycle.
type Journal interface {
	CommitCycle(ctx context.Context, rec CycleRecord) error
}

// #endregion ports

// #region debit-queue

// DebitQueue is a DebitSource that producers push into from any goroutine.
type DebitQueue struct {
	mu      sync.Mutex
	pending []ledger.ExternalDebitObservation
}

// NewDebitQueue returns an empty queue.
func NewDebitQueue() *DebitQueue {
	return &DebitQueue{}
}

// Push enqueues observations.
func (q *DebitQueue) Push(obs ...ledger.ExternalDebitObservation) {
	q.mu.Lock()
	q.pending = append(q.pending, obs...)
	q.mu.Unlock()
}

// DrainObservations removes and returns everything queued, in push order.
func (q *DebitQueue) DrainObservations() []ledger.ExternalDebitObservation {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := q.pending
	q.pending = nil
	if out == nil {
		return []ledger.ExternalDebitObservation{}
	}
	return out
}

// Len returns the number of queued observations.
func (q *DebitQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}

// #endregion debit-queue
